package webhooks

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Adapter parses one provider's raw callback body into normalized
// events. Events the system does not track return an empty slice, not
// an error.
type Adapter interface {
	Provider() string
	Parse(body []byte) ([]WebhookEvent, error)
}

// Adapters returns the registry of supported providers.
func Adapters() map[string]Adapter {
	registry := map[string]Adapter{}
	for _, a := range []Adapter{&ResendAdapter{}, &SESAdapter{}, &TelnyxAdapter{}} {
		registry[a.Provider()] = a
	}
	return registry
}

// ResendAdapter handles resend.com "email.*" callbacks.
type ResendAdapter struct{}

func (a *ResendAdapter) Provider() string { return "resend" }

var resendEventTypes = map[string]string{
	"email.delivered":       EventDelivered,
	"email.bounced":         EventBounced,
	"email.failed":          EventFailed,
	"email.complained":      EventComplained,
	"email.opened":          EventOpened,
	"email.clicked":         EventClicked,
	"email.delivery_failed": EventFailed,
}

func (a *ResendAdapter) Parse(body []byte) ([]WebhookEvent, error) {
	var payload struct {
		Type      string    `json:"type"`
		CreatedAt time.Time `json:"created_at"`
		Data      struct {
			EmailID string   `json:"email_id"`
			To      []string `json:"to"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("malformed resend payload: %w", err)
	}

	eventType, tracked := resendEventTypes[payload.Type]
	if !tracked {
		return nil, nil
	}
	if payload.Data.EmailID == "" {
		return nil, fmt.Errorf("resend payload missing email_id")
	}

	occurredAt := payload.CreatedAt
	if occurredAt.IsZero() {
		occurredAt = time.Now().UTC()
	}

	return []WebhookEvent{{
		ID:                payload.Data.EmailID + ":" + eventType,
		Provider:          a.Provider(),
		EventType:         eventType,
		ProviderMessageID: payload.Data.EmailID,
		OccurredAt:        occurredAt,
		Raw:               body,
	}}, nil
}

// SESAdapter handles AWS SES notifications (SNS-unwrapped JSON).
type SESAdapter struct{}

func (a *SESAdapter) Provider() string { return "ses" }

func (a *SESAdapter) Parse(body []byte) ([]WebhookEvent, error) {
	var payload struct {
		NotificationType string `json:"notificationType"`
		EventType        string `json:"eventType"`
		Mail             struct {
			MessageID string    `json:"messageId"`
			Timestamp time.Time `json:"timestamp"`
		} `json:"mail"`
		Bounce struct {
			BounceType string    `json:"bounceType"`
			Timestamp  time.Time `json:"timestamp"`
		} `json:"bounce"`
		Complaint struct {
			Timestamp time.Time `json:"timestamp"`
		} `json:"complaint"`
		Delivery struct {
			Timestamp time.Time `json:"timestamp"`
		} `json:"delivery"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("malformed ses payload: %w", err)
	}

	kind := payload.NotificationType
	if kind == "" {
		kind = payload.EventType
	}

	var eventType string
	occurredAt := payload.Mail.Timestamp
	switch strings.ToLower(kind) {
	case "delivery":
		eventType = EventDelivered
		if !payload.Delivery.Timestamp.IsZero() {
			occurredAt = payload.Delivery.Timestamp
		}
	case "bounce":
		eventType = EventBounced
		if !payload.Bounce.Timestamp.IsZero() {
			occurredAt = payload.Bounce.Timestamp
		}
	case "complaint":
		eventType = EventComplained
		if !payload.Complaint.Timestamp.IsZero() {
			occurredAt = payload.Complaint.Timestamp
		}
	case "open":
		eventType = EventOpened
	case "click":
		eventType = EventClicked
	default:
		return nil, nil
	}

	if payload.Mail.MessageID == "" {
		return nil, fmt.Errorf("ses payload missing mail.messageId")
	}
	if occurredAt.IsZero() {
		occurredAt = time.Now().UTC()
	}

	metadata := map[string]string{}
	if eventType == EventBounced && payload.Bounce.BounceType != "" {
		metadata["bounce_type"] = payload.Bounce.BounceType
	}

	return []WebhookEvent{{
		ID:                payload.Mail.MessageID + ":" + eventType,
		Provider:          a.Provider(),
		EventType:         eventType,
		ProviderMessageID: payload.Mail.MessageID,
		OccurredAt:        occurredAt,
		Raw:               body,
		Metadata:          metadata,
	}}, nil
}

// TelnyxAdapter handles Telnyx SMS delivery receipts.
type TelnyxAdapter struct{}

func (a *TelnyxAdapter) Provider() string { return "telnyx" }

var telnyxStatuses = map[string]string{
	"delivered":            EventDelivered,
	"sending_failed":       EventFailed,
	"delivery_failed":      EventFailed,
	"delivery_unconfirmed": EventFailed,
}

func (a *TelnyxAdapter) Parse(body []byte) ([]WebhookEvent, error) {
	var payload struct {
		Data struct {
			ID         string    `json:"id"`
			EventType  string    `json:"event_type"`
			OccurredAt time.Time `json:"occurred_at"`
			Payload    struct {
				ID string `json:"id"`
				To []struct {
					Status string `json:"status"`
				} `json:"to"`
			} `json:"payload"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("malformed telnyx payload: %w", err)
	}

	if payload.Data.EventType != "message.finalized" || payload.Data.Payload.ID == "" {
		return nil, nil
	}

	status := ""
	if len(payload.Data.Payload.To) > 0 {
		status = payload.Data.Payload.To[0].Status
	}
	eventType, tracked := telnyxStatuses[status]
	if !tracked {
		return nil, nil
	}

	eventID := payload.Data.ID
	if eventID == "" {
		eventID = uuid.NewString()
	}
	occurredAt := payload.Data.OccurredAt
	if occurredAt.IsZero() {
		occurredAt = time.Now().UTC()
	}

	return []WebhookEvent{{
		ID:                eventID,
		Provider:          a.Provider(),
		EventType:         eventType,
		ProviderMessageID: payload.Data.Payload.ID,
		OccurredAt:        occurredAt,
		Raw:               body,
	}}, nil
}
