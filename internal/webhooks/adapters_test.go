package webhooks

import "testing"

func TestResendAdapterParse(t *testing.T) {
	adapter := &ResendAdapter{}

	tests := []struct {
		name      string
		body      string
		eventType string
		messageID string
		skip      bool
	}{
		{
			name:      "delivered",
			body:      `{"type":"email.delivered","created_at":"2026-08-01T10:00:00Z","data":{"email_id":"re_123","to":["a@example.com"]}}`,
			eventType: EventDelivered,
			messageID: "re_123",
		},
		{
			name:      "bounced",
			body:      `{"type":"email.bounced","data":{"email_id":"re_456"}}`,
			eventType: EventBounced,
			messageID: "re_456",
		},
		{
			name:      "opened",
			body:      `{"type":"email.opened","data":{"email_id":"re_789"}}`,
			eventType: EventOpened,
			messageID: "re_789",
		},
		{
			name: "untracked type",
			body: `{"type":"email.scheduled","data":{"email_id":"re_000"}}`,
			skip: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			events, err := adapter.Parse([]byte(tt.body))
			if err != nil {
				t.Fatalf("Parse() error: %v", err)
			}
			if tt.skip {
				if len(events) != 0 {
					t.Fatalf("expected untracked event to be dropped, got %+v", events)
				}
				return
			}
			if len(events) != 1 {
				t.Fatalf("events = %d, want 1", len(events))
			}
			ev := events[0]
			if ev.EventType != tt.eventType {
				t.Errorf("event type = %q, want %q", ev.EventType, tt.eventType)
			}
			if ev.ProviderMessageID != tt.messageID {
				t.Errorf("provider message id = %q, want %q", ev.ProviderMessageID, tt.messageID)
			}
			if ev.ID == "" {
				t.Error("external event id is empty")
			}
			if ev.Provider != "resend" {
				t.Errorf("provider = %q", ev.Provider)
			}
		})
	}
}

func TestResendAdapterRejectsMalformed(t *testing.T) {
	adapter := &ResendAdapter{}
	for _, body := range []string{`not json`, `{"type":"email.delivered","data":{}}`} {
		if _, err := adapter.Parse([]byte(body)); err == nil {
			t.Errorf("Parse(%q) expected error", body)
		}
	}
}

func TestSESAdapterParse(t *testing.T) {
	adapter := &SESAdapter{}

	t.Run("bounce carries bounce type", func(t *testing.T) {
		body := `{"notificationType":"Bounce","mail":{"messageId":"ses-1","timestamp":"2026-08-01T10:00:00Z"},"bounce":{"bounceType":"Permanent","timestamp":"2026-08-01T10:01:00Z"}}`
		events, err := adapter.Parse([]byte(body))
		if err != nil {
			t.Fatal(err)
		}
		if len(events) != 1 || events[0].EventType != EventBounced {
			t.Fatalf("events = %+v", events)
		}
		if events[0].Metadata["bounce_type"] != "Permanent" {
			t.Errorf("metadata = %+v", events[0].Metadata)
		}
		if events[0].OccurredAt.IsZero() {
			t.Error("occurredAt not set")
		}
	})

	t.Run("delivery", func(t *testing.T) {
		body := `{"notificationType":"Delivery","mail":{"messageId":"ses-2"},"delivery":{"timestamp":"2026-08-01T10:02:00Z"}}`
		events, err := adapter.Parse([]byte(body))
		if err != nil {
			t.Fatal(err)
		}
		if len(events) != 1 || events[0].EventType != EventDelivered {
			t.Fatalf("events = %+v", events)
		}
	})

	t.Run("complaint", func(t *testing.T) {
		body := `{"notificationType":"Complaint","mail":{"messageId":"ses-3"},"complaint":{"timestamp":"2026-08-01T10:03:00Z"}}`
		events, err := adapter.Parse([]byte(body))
		if err != nil {
			t.Fatal(err)
		}
		if len(events) != 1 || events[0].EventType != EventComplained {
			t.Fatalf("events = %+v", events)
		}
	})
}

func TestTelnyxAdapterParse(t *testing.T) {
	adapter := &TelnyxAdapter{}

	t.Run("finalized delivered", func(t *testing.T) {
		body := `{"data":{"id":"evt-1","event_type":"message.finalized","occurred_at":"2026-08-01T10:00:00Z","payload":{"id":"tx-msg-1","to":[{"status":"delivered"}]}}}`
		events, err := adapter.Parse([]byte(body))
		if err != nil {
			t.Fatal(err)
		}
		if len(events) != 1 || events[0].EventType != EventDelivered {
			t.Fatalf("events = %+v", events)
		}
		if events[0].ProviderMessageID != "tx-msg-1" {
			t.Errorf("provider message id = %q", events[0].ProviderMessageID)
		}
	})

	t.Run("finalized failed", func(t *testing.T) {
		body := `{"data":{"id":"evt-2","event_type":"message.finalized","payload":{"id":"tx-msg-2","to":[{"status":"delivery_failed"}]}}}`
		events, err := adapter.Parse([]byte(body))
		if err != nil {
			t.Fatal(err)
		}
		if len(events) != 1 || events[0].EventType != EventFailed {
			t.Fatalf("events = %+v", events)
		}
	})

	t.Run("intermediate event dropped", func(t *testing.T) {
		body := `{"data":{"id":"evt-3","event_type":"message.sent","payload":{"id":"tx-msg-3"}}}`
		events, err := adapter.Parse([]byte(body))
		if err != nil {
			t.Fatal(err)
		}
		if len(events) != 0 {
			t.Fatalf("expected drop, got %+v", events)
		}
	})
}

func TestAdaptersRegistry(t *testing.T) {
	registry := Adapters()
	for _, provider := range []string{"resend", "ses", "telnyx"} {
		adapter, ok := registry[provider]
		if !ok {
			t.Errorf("adapter %q missing", provider)
			continue
		}
		if adapter.Provider() != provider {
			t.Errorf("adapter key %q reports provider %q", provider, adapter.Provider())
		}
	}
}
