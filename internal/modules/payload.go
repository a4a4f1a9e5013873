package modules

import (
	"encoding/json"
	"fmt"
)

// Payload is the built per-module delivery payload. Only the fields of
// the resolved module are populated.
type Payload struct {
	To string `json:"to"`

	// email
	FromEmail   string `json:"from_email,omitempty"`
	FromName    string `json:"from_name,omitempty"`
	Subject     string `json:"subject,omitempty"`
	HTMLContent string `json:"html_content,omitempty"`
	TextContent string `json:"text_content,omitempty"`

	// sms
	FromNumber string `json:"from_number,omitempty"`
	Message    string `json:"message,omitempty"`

	// push
	Title string            `json:"title,omitempty"`
	Body  string            `json:"body,omitempty"`
	Data  map[string]string `json:"data,omitempty"`

	// webhook
	URL         string          `json:"url,omitempty"`
	WebhookBody json.RawMessage `json:"webhook_body,omitempty"`

	Variables map[string]string `json:"variables,omitempty"`
}

// JobInput is everything the builder may draw payload fields from.
type JobInput struct {
	Identifier string
	Name       string
	Variables  map[string]string
	// BatchPayload holds the explicit per-batch fields (highest priority).
	BatchPayload json.RawMessage
	// Legacy holds top-level fields from producers that predate the
	// batch payload envelope (middle priority).
	Legacy json.RawMessage
	// ConfigDefaults is the send config's module config (lowest priority).
	ConfigDefaults json.RawMessage
}

// BuildPayload resolves fields by priority — explicit batch payload over
// legacy top-level job fields over send-config defaults — then applies
// template substitution.
func BuildPayload(moduleType string, in JobInput) (Payload, error) {
	merged := map[string]string{}
	for _, raw := range [][]byte{in.ConfigDefaults, in.Legacy, in.BatchPayload} {
		if len(raw) == 0 {
			continue
		}
		var fields map[string]interface{}
		if err := json.Unmarshal(raw, &fields); err != nil {
			return Payload{}, fmt.Errorf("malformed payload fields: %w", err)
		}
		for k, v := range fields {
			if s, ok := v.(string); ok {
				merged[k] = s
			}
		}
	}

	sub := func(s string) string {
		return Substitute(s, in.Variables, in.Name, in.Identifier)
	}

	p := Payload{To: in.Identifier, Variables: in.Variables}

	switch moduleType {
	case "email":
		p.FromEmail = merged["from_email"]
		p.FromName = merged["from_name"]
		p.Subject = sub(merged["subject"])
		p.HTMLContent = sub(merged["html_content"])
		p.TextContent = sub(merged["text_content"])
		if p.FromEmail == "" {
			return Payload{}, fmt.Errorf("email payload missing from_email")
		}
	case "sms":
		p.FromNumber = merged["from_number"]
		p.Message = sub(merged["message"])
		if p.Message == "" {
			return Payload{}, fmt.Errorf("sms payload missing message")
		}
	case "push":
		p.Title = sub(merged["title"])
		p.Body = sub(merged["body"])
		if len(in.Variables) > 0 {
			p.Data = in.Variables
		}
	case "webhook":
		// The target URL comes from config only; the body is the batch
		// payload passed through verbatim.
		var cfg struct {
			URL string `json:"url"`
		}
		if len(in.ConfigDefaults) > 0 {
			if err := json.Unmarshal(in.ConfigDefaults, &cfg); err != nil {
				return Payload{}, fmt.Errorf("malformed webhook config: %w", err)
			}
		}
		if cfg.URL == "" {
			return Payload{}, fmt.Errorf("webhook config missing url")
		}
		p.URL = cfg.URL
		p.WebhookBody = in.BatchPayload
	default:
		return Payload{}, fmt.Errorf("unknown module type: %s", moduleType)
	}

	return p, nil
}
