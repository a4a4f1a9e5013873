// Package webhooks ingests provider delivery callbacks: adapters parse
// raw provider payloads into events, and the pipeline buffers, dedups,
// enriches and bulk-applies them to the durable store.
package webhooks

import (
	"encoding/json"
	"time"
)

// Event classes. Everything else a provider sends is dropped at the
// adapter.
const (
	EventDelivered  = "delivered"
	EventBounced    = "bounced"
	EventFailed     = "failed"
	EventComplained = "complained"
	EventOpened     = "opened"
	EventClicked    = "clicked"
)

// WebhookEvent is one normalized provider callback. Recipient, batch and
// user ids start empty and are filled by enrichment.
type WebhookEvent struct {
	ID                string          `json:"id"`
	Provider          string          `json:"provider"`
	EventType         string          `json:"event_type"`
	ProviderMessageID string          `json:"provider_message_id"`
	OccurredAt        time.Time       `json:"occurred_at"`
	Raw               json.RawMessage `json:"raw,omitempty"`

	RecipientID string            `json:"recipient_id,omitempty"`
	BatchID     string            `json:"batch_id,omitempty"`
	UserID      string            `json:"user_id,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}
