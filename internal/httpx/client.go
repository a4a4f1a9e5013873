// Package httpx provides the outbound HTTP client used for provider and
// webhook calls: retries with jittered exponential backoff plus a
// per-host circuit breaker whose state is shared across replicas.
package httpx

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"batchsender/internal/breaker"
)

type RetryConfig struct {
	MaxRetries         int
	BaseDelay          time.Duration
	Multiplier         float64
	MaxDelay           time.Duration
	Jitter             bool
	RetryNetworkErrors bool
}

func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:         3,
		BaseDelay:          250 * time.Millisecond,
		Multiplier:         2.0,
		MaxDelay:           5 * time.Second,
		Jitter:             true,
		RetryNetworkErrors: true,
	}
}

var retryableStatuses = map[int]bool{
	http.StatusRequestTimeout:      true, // 408
	http.StatusTooManyRequests:     true, // 429
	http.StatusInternalServerError: true, // 500
	http.StatusBadGateway:          true, // 502
	http.StatusServiceUnavailable:  true, // 503
	http.StatusGatewayTimeout:      true, // 504
}

type RequestOptions struct {
	Method  string
	Headers map[string]string
	Body    []byte
	Timeout time.Duration
}

type Response struct {
	Success               bool
	Status                int
	Body                  []byte
	Attempts              int
	TotalLatency          time.Duration
	CircuitBreakerTripped bool
	Err                   error
}

// Permanent reports whether the response is a non-retryable client error.
func (r Response) Permanent() bool {
	return r.Status >= 400 && r.Status < 500 && !retryableStatuses[r.Status]
}

type Client struct {
	http       *http.Client
	redis      *redis.Client
	logger     *zap.Logger
	retry      RetryConfig
	breakerCfg breaker.Config
}

func NewClient(redisClient *redis.Client, logger *zap.Logger, retry RetryConfig) *Client {
	return &Client{
		http:       &http.Client{},
		redis:      redisClient,
		logger:     logger,
		retry:      retry,
		breakerCfg: breaker.DefaultConfig(),
	}
}

func breakerKey(host string) string {
	return "http_breaker:" + host
}

// loadBreaker reads the shared per-host breaker state. A Redis error
// yields a fresh closed breaker: the breaker is an optimization, not a
// correctness gate, so an unreachable store must not block requests.
func (c *Client) loadBreaker(ctx context.Context, host string) *breaker.State {
	if c.redis == nil {
		return &breaker.State{}
	}
	raw, err := c.redis.Get(ctx, breakerKey(host)).Bytes()
	if err != nil {
		return &breaker.State{}
	}
	var snap breaker.Snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return &breaker.State{}
	}
	return breaker.FromSnapshot(snap)
}

func (c *Client) storeBreaker(ctx context.Context, host string, state *breaker.State) {
	if c.redis == nil {
		return
	}
	raw, err := json.Marshal(state.Snapshot())
	if err != nil {
		return
	}
	ttl := c.breakerCfg.Window + c.breakerCfg.ResetTimeout
	if err := c.redis.Set(ctx, breakerKey(host), raw, ttl).Err(); err != nil {
		c.logger.Debug("failed to persist http breaker state",
			zap.String("host", host), zap.Error(err))
	}
}

// Request performs an HTTP call with retries and circuit breaking.
func (c *Client) Request(ctx context.Context, rawURL string, opts RequestOptions) Response {
	start := time.Now()

	parsed, err := url.Parse(rawURL)
	if err != nil {
		return Response{Err: fmt.Errorf("invalid url: %w", err), TotalLatency: time.Since(start)}
	}
	host := parsed.Host

	state := c.loadBreaker(ctx, host)
	if !state.Check(c.breakerCfg, time.Now()) {
		c.storeBreaker(ctx, host, state)
		return Response{
			CircuitBreakerTripped: true,
			Err:                   fmt.Errorf("circuit open for host %s", host),
			TotalLatency:          time.Since(start),
		}
	}
	if state.Status() == breaker.HalfOpen {
		// Persist the claimed probe so other replicas hold back until it
		// reports an outcome.
		c.storeBreaker(ctx, host, state)
	}

	if opts.Method == "" {
		opts.Method = http.MethodGet
	}

	var lastStatus int
	var lastBody []byte
	var lastErr error

	attempts := 0
	for attempt := 0; attempt <= c.retry.MaxRetries; attempt++ {
		attempts++

		status, body, err := c.doOnce(ctx, rawURL, opts)
		lastStatus, lastBody, lastErr = status, body, err

		if err == nil && status < 400 {
			state.RecordSuccess()
			c.storeBreaker(ctx, host, state)
			return Response{
				Success:      true,
				Status:       status,
				Body:         body,
				Attempts:     attempts,
				TotalLatency: time.Since(start),
			}
		}

		retryable := false
		switch {
		case err != nil:
			retryable = c.retry.RetryNetworkErrors
		case retryableStatuses[status]:
			retryable = true
		}

		// Only infrastructure-level failures count against the host.
		if err != nil || status >= 500 || status == http.StatusTooManyRequests {
			state.RecordFailure(c.breakerCfg, time.Now())
		}

		if !retryable || attempt == c.retry.MaxRetries {
			break
		}

		delay := c.backoffDelay(attempt)
		select {
		case <-ctx.Done():
			c.storeBreaker(ctx, host, state)
			return Response{
				Status:       lastStatus,
				Body:         lastBody,
				Attempts:     attempts,
				Err:          ctx.Err(),
				TotalLatency: time.Since(start),
			}
		case <-time.After(delay):
		}
	}

	c.storeBreaker(ctx, host, state)

	if lastErr == nil {
		lastErr = fmt.Errorf("request failed with status %d", lastStatus)
	}
	return Response{
		Status:       lastStatus,
		Body:         lastBody,
		Attempts:     attempts,
		Err:          lastErr,
		TotalLatency: time.Since(start),
	}
}

func (c *Client) doOnce(ctx context.Context, rawURL string, opts RequestOptions) (int, []byte, error) {
	reqCtx := ctx
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		reqCtx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	var body io.Reader
	if len(opts.Body) > 0 {
		body = bytes.NewReader(opts.Body)
	}

	req, err := http.NewRequestWithContext(reqCtx, opts.Method, rawURL, body)
	if err != nil {
		return 0, nil, err
	}
	for k, v := range opts.Headers {
		req.Header.Set(k, v)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return resp.StatusCode, nil, err
	}
	return resp.StatusCode, respBody, nil
}

func (c *Client) backoffDelay(attempt int) time.Duration {
	delay := float64(c.retry.BaseDelay)
	for i := 0; i < attempt; i++ {
		delay *= c.retry.Multiplier
	}
	if delay > float64(c.retry.MaxDelay) {
		delay = float64(c.retry.MaxDelay)
	}
	if c.retry.Jitter {
		// Uniform +/-25%.
		delay = delay * (0.75 + rand.Float64()*0.5)
	}
	return time.Duration(delay)
}
