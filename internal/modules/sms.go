package modules

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"batchsender/internal/httpx"
)

type smsConfig struct {
	APIKey     string `json:"api_key"`
	BaseURL    string `json:"base_url"`
	FromNumber string `json:"from_number"`
}

// SMSModule delivers via an HTTP SMS provider API (telnyx-compatible shape).
type SMSModule struct {
	client *httpx.Client
	logger *zap.Logger
}

func NewSMSModule(client *httpx.Client, logger *zap.Logger) *SMSModule {
	return &SMSModule{client: client, logger: logger}
}

func (m *SMSModule) Name() string { return "sms" }

func (m *SMSModule) Execute(ctx context.Context, payload Payload, config json.RawMessage) Result {
	start := time.Now()

	var cfg smsConfig
	if err := json.Unmarshal(config, &cfg); err != nil {
		return Result{Err: fmt.Errorf("malformed sms config: %w", err), Permanent: true, Latency: time.Since(start)}
	}
	if cfg.BaseURL == "" || cfg.APIKey == "" {
		return Result{Err: fmt.Errorf("sms config missing base_url or api_key"), Permanent: true, Latency: time.Since(start)}
	}

	from := payload.FromNumber
	if from == "" {
		from = cfg.FromNumber
	}

	body, err := json.Marshal(map[string]string{
		"from": from,
		"to":   payload.To,
		"text": payload.Message,
	})
	if err != nil {
		return Result{Err: err, Permanent: true, Latency: time.Since(start)}
	}

	resp := m.client.Request(ctx, cfg.BaseURL+"/messages", httpx.RequestOptions{
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
			Err:       fmt.Errorf("sms send failed: %w", resp.Err),
			Permanent: resp.Permanent(),
			Latency:   latency,
		}
	}

	var parsed struct {
		Data struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := json.Unmarshal(resp.Body, &parsed); err != nil || parsed.Data.ID == "" {
		m.logger.Warn("sms provider response missing message id", zap.Error(err))
		return Result{Err: fmt.Errorf("sms provider returned no message id"), Latency: latency}
	}

	return Result{Success: true, ProviderMessageID: parsed.Data.ID, Latency: latency}
}
