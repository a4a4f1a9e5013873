package modules

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"batchsender/internal/httpx"
)

type webhookModuleConfig struct {
	URL           string `json:"url"`
	SigningSecret string `json:"signing_secret"`
}

// WebhookModule POSTs the batch payload verbatim to a configured URL.
// There is no provider message id on the wire, so one is synthesized;
// delivery confirmation callbacks are out of scope for this channel.
type WebhookModule struct {
	client *httpx.Client
	logger *zap.Logger
}

func NewWebhookModule(client *httpx.Client, logger *zap.Logger) *WebhookModule {
	return &WebhookModule{client: client, logger: logger}
}

func (m *WebhookModule) Name() string { return "webhook" }

func (m *WebhookModule) Execute(ctx context.Context, payload Payload, config json.RawMessage) Result {
	start := time.Now()

	var cfg webhookModuleConfig
	if err := json.Unmarshal(config, &cfg); err != nil {
		return Result{Err: fmt.Errorf("malformed webhook config: %w", err), Permanent: true, Latency: time.Since(start)}
	}

	target := payload.URL
	if target == "" {
		target = cfg.URL
	}
	if target == "" {
		return Result{Err: fmt.Errorf("webhook module missing target url"), Permanent: true, Latency: time.Since(start)}
	}

	body := []byte(payload.WebhookBody)
	if len(body) == 0 {
		body = []byte("{}")
	}

	headers := map[string]string{"Content-Type": "application/json"}
	if cfg.SigningSecret != "" {
		mac := hmac.New(sha256.New, []byte(cfg.SigningSecret))
		mac.Write(body)
		headers["X-Signature-SHA256"] = hex.EncodeToString(mac.Sum(nil))
	}

	resp := m.client.Request(ctx, target, httpx.RequestOptions{
		Method:  "POST",
		Headers: headers,
		Body:    body,
		Timeout: 30 * time.Second,
	})
	latency := time.Since(start)

	if !resp.Success {
		return Result{
			Err:       fmt.Errorf("webhook delivery failed: %w", resp.Err),
			Permanent: resp.Permanent(),
			Latency:   latency,
		}
	}

	return Result{Success: true, ProviderMessageID: "wh_" + uuid.NewString(), Latency: latency}
}
