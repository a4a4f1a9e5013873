package modules

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"batchsender/internal/httpx"
)

type emailConfig struct {
	APIKey    string `json:"api_key"`
	BaseURL   string `json:"base_url"`
	FromEmail string `json:"from_email"`
	FromName  string `json:"from_name"`
}

// EmailModule delivers via an HTTP email provider API (resend-compatible
// shape). The provider base URL comes from the send config so managed and
// BYOK configs route to different accounts with the same code.
type EmailModule struct {
	client *httpx.Client
	logger *zap.Logger
}

func NewEmailModule(client *httpx.Client, logger *zap.Logger) *EmailModule {
	return &EmailModule{client: client, logger: logger}
}

func (m *EmailModule) Name() string { return "email" }

func (m *EmailModule) Execute(ctx context.Context, payload Payload, config json.RawMessage) Result {
	start := time.Now()

	var cfg emailConfig
	if err := json.Unmarshal(config, &cfg); err != nil {
		return Result{Err: fmt.Errorf("malformed email config: %w", err), Permanent: true, Latency: time.Since(start)}
	}
	if cfg.BaseURL == "" || cfg.APIKey == "" {
		return Result{Err: fmt.Errorf("email config missing base_url or api_key"), Permanent: true, Latency: time.Since(start)}
	}

	from := payload.FromEmail
	if payload.FromName != "" {
		from = fmt.Sprintf("%s <%s>", payload.FromName, payload.FromEmail)
	}

	body, err := json.Marshal(map[string]interface{}{
		"from":    from,
		"to":      []string{payload.To},
		"subject": payload.Subject,
		"html":    payload.HTMLContent,
		"text":    payload.TextContent,
	})
	if err != nil {
		return Result{Err: err, Permanent: true, Latency: time.Since(start)}
	}

	resp := m.client.Request(ctx, cfg.BaseURL+"/emails", httpx.RequestOptions{
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
			Err:       fmt.Errorf("email send failed: %w", resp.Err),
			Permanent: resp.Permanent(),
			Latency:   latency,
		}
	}

	var parsed struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(resp.Body, &parsed); err != nil || parsed.ID == "" {
		m.logger.Warn("email provider response missing message id", zap.Error(err))
		return Result{Err: fmt.Errorf("email provider returned no message id"), Latency: latency}
	}

	return Result{Success: true, ProviderMessageID: parsed.ID, Latency: latency}
}
