package modules

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"batchsender/internal/httpx"
)

type pushConfig struct {
	APIKey  string `json:"api_key"`
	BaseURL string `json:"base_url"`
	AppID   string `json:"app_id"`
}

// PushModule delivers push notifications through an HTTP gateway keyed by
// device token. Gateways that return no message id get a synthesized one
// so the hot state still records a provider reference.
type PushModule struct {
	client *httpx.Client
	logger *zap.Logger
}

func NewPushModule(client *httpx.Client, logger *zap.Logger) *PushModule {
	return &PushModule{client: client, logger: logger}
}

func (m *PushModule) Name() string { return "push" }

func (m *PushModule) Execute(ctx context.Context, payload Payload, config json.RawMessage) Result {
	start := time.Now()

	var cfg pushConfig
	if err := json.Unmarshal(config, &cfg); err != nil {
		return Result{Err: fmt.Errorf("malformed push config: %w", err), Permanent: true, Latency: time.Since(start)}
	}
	if cfg.BaseURL == "" || cfg.APIKey == "" {
		return Result{Err: fmt.Errorf("push config missing base_url or api_key"), Permanent: true, Latency: time.Since(start)}
	}

	body, err := json.Marshal(map[string]interface{}{
		"app_id": cfg.AppID,
		"token":  payload.To,
		"title":  payload.Title,
		"body":   payload.Body,
		"data":   payload.Data,
	})
	if err != nil {
		return Result{Err: err, Permanent: true, Latency: time.Since(start)}
	}

	resp := m.client.Request(ctx, cfg.BaseURL+"/notifications", httpx.RequestOptions{
		Method: "POST",
		Headers: map[string]string{
			"Authorization": "Bearer " + cfg.APIKey,
			"Content-Type":  "application/json",
		},
		Body:    body,
		Timeout: 30 * time.Second,
	})
	latency := time.Since(start)

	if !resp.Success {
		return Result{
			Err:       fmt.Errorf("push send failed: %w", resp.Err),
			Permanent: resp.Permanent(),
			Latency:   latency,
		}
	}

	var parsed struct {
		ID string `json:"id"`
	}
	_ = json.Unmarshal(resp.Body, &parsed)
	if parsed.ID == "" {
		parsed.ID = "push_" + uuid.NewString()
	}

	return Result{Success: true, ProviderMessageID: parsed.ID, Latency: latency}
}
