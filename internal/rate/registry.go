package rate

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"batchsender/internal/batches"
)

// LimitingFactor names the layer that refused an acquire.
type LimitingFactor string

const (
	FactorNone     LimitingFactor = ""
	FactorSystem   LimitingFactor = "system"
	FactorProvider LimitingFactor = "provider"
	FactorConfig   LimitingFactor = "config"
)

// ErrRateLimited is returned by callers that convert a refused acquire
// into a retryable job error.
var ErrRateLimited = fmt.Errorf("rate limited")

// Request describes the context of one acquire.
type Request struct {
	Mode         batches.SendMode
	Provider     string
	Module       string
	SendConfigID string
	UserID       string
}

type Result struct {
	Allowed        bool
	LimitingFactor LimitingFactor
	WaitTime       time.Duration
}

type RegistryConfig struct {
	SystemRateLimit    int
	ProviderRateLimit  int
	Disabled           bool
}

// Registry composes the system, shared-provider and per-config token
// buckets. Managed traffic passes through all applicable layers in
// order; BYOK traffic is only capped when the config sets a limit.
type Registry struct {
	redis  *redis.Client
	logger *zap.Logger
	cfg    RegistryConfig

	system *TokenBucket

	mu        sync.Mutex
	providers map[string]*TokenBucket
	configs   map[string]*TokenBucket
	closed    bool
}

func NewRegistry(client *redis.Client, logger *zap.Logger, cfg RegistryConfig) *Registry {
	return &Registry{
		redis:     client,
		logger:    logger,
		cfg:       cfg,
		system:    NewTokenBucket(client, logger, "system", cfg.SystemRateLimit),
		providers: make(map[string]*TokenBucket),
		configs:   make(map[string]*TokenBucket),
	}
}

func (r *Registry) providerBucket(provider string) *TokenBucket {
	r.mu.Lock()
	defer r.mu.Unlock()

	b, ok := r.providers[provider]
	if !ok {
		b = NewTokenBucket(r.redis, r.logger, "provider:"+provider, r.cfg.ProviderRateLimit)
		r.providers[provider] = b
	}
	return b
}

func (r *Registry) configBucket(sendConfigID string, perSecond int) *TokenBucket {
	r.mu.Lock()
	defer r.mu.Unlock()

	b, ok := r.configs[sendConfigID]
	if !ok || b.Rate() != perSecond {
		b = NewTokenBucket(r.redis, r.logger, "config:"+sendConfigID, perSecond)
		r.configs[sendConfigID] = b
	}
	return b
}

// Acquire walks the applicable limiter layers. The first refusal names
// the limiting factor; earlier layers have already consumed their token,
// which is acceptable because refusals are followed by a retry of the
// whole chain.
func (r *Registry) Acquire(ctx context.Context, req Request, configLimit *int, maxWait time.Duration) (Result, error) {
	if r.cfg.Disabled {
		return Result{Allowed: true}, nil
	}

	if req.Mode != batches.ModeBYOK {
		allowed, wait, err := r.system.Acquire(ctx, 1, maxWait)
		if err != nil {
			return Result{}, err
		}
		if !allowed {
			return Result{LimitingFactor: FactorSystem, WaitTime: wait}, nil
		}

		allowed, wait, err = r.providerBucket(req.Provider).Acquire(ctx, 1, maxWait)
		if err != nil {
			return Result{}, err
		}
		if !allowed {
			return Result{LimitingFactor: FactorProvider, WaitTime: wait}, nil
		}
	}

	if configLimit != nil && *configLimit > 0 {
		allowed, wait, err := r.configBucket(req.SendConfigID, *configLimit).Acquire(ctx, 1, maxWait)
		if err != nil {
			return Result{}, err
		}
		if !allowed {
			return Result{LimitingFactor: FactorConfig, WaitTime: wait}, nil
		}
	}

	return Result{Allowed: true}, nil
}

// BucketStatus is one row of the status snapshot.
type BucketStatus struct {
	Name   string  `json:"name"`
	Rate   int     `json:"rate"`
	Tokens float64 `json:"tokens"`
}

// Status reports the current token count of every active bucket.
func (r *Registry) Status(ctx context.Context) []BucketStatus {
	r.mu.Lock()
	buckets := make([]*TokenBucket, 0, 1+len(r.providers)+len(r.configs))
	buckets = append(buckets, r.system)
	for _, b := range r.providers {
		buckets = append(buckets, b)
	}
	for _, b := range r.configs {
		buckets = append(buckets, b)
	}
	r.mu.Unlock()

	statuses := make([]BucketStatus, 0, len(buckets))
	for _, b := range buckets {
		tokens, err := b.Tokens(ctx, r.redis)
		if err != nil {
			r.logger.Warn("failed to read bucket status",
				zap.String("bucket", b.Name()), zap.Error(err))
			continue
		}
		statuses = append(statuses, BucketStatus{Name: b.Name(), Rate: b.Rate(), Tokens: tokens})
	}
	return statuses
}

// Close releases the registry. It is closed last during shutdown so
// draining jobs can still acquire.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}
