package hotstate

import (
	"testing"
	"time"

	"batchsender/internal/batches"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	sentAt := time.UnixMilli(1717000000123)

	tests := []struct {
		name  string
		state RecipientState
	}{
		{
			name: "sent",
			state: RecipientState{
				Status:            batches.RecipientSent,
				SentAt:            sentAt,
				ProviderMessageID: "msg_abc123",
			},
		},
		{
			name: "sent with colons in provider id",
			state: RecipientState{
				Status:            batches.RecipientSent,
				SentAt:            sentAt,
				ProviderMessageID: "provider:msg:456",
			},
		},
		{
			name:  "failed",
			state: RecipientState{Status: batches.RecipientFailed, ErrorMessage: "timeout: no response"},
		},
		{
			name:  "bounced",
			state: RecipientState{Status: batches.RecipientBounced, ErrorMessage: "hard bounce"},
		},
		{
			name:  "complained",
			state: RecipientState{Status: batches.RecipientComplained},
		},
		{
			name:  "pending",
			state: RecipientState{Status: batches.RecipientPending},
		},
		{
			name:  "queued",
			state: RecipientState{Status: batches.RecipientQueued},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			encoded, err := Encode(tt.state)
			if err != nil {
				t.Fatalf("Encode() error: %v", err)
			}
			decoded, err := Decode(encoded)
			if err != nil {
				t.Fatalf("Decode(%q) error: %v", encoded, err)
			}
			if decoded.Status != tt.state.Status {
				t.Errorf("status = %s, want %s", decoded.Status, tt.state.Status)
			}
			if decoded.ProviderMessageID != tt.state.ProviderMessageID {
				t.Errorf("providerMessageID = %q, want %q", decoded.ProviderMessageID, tt.state.ProviderMessageID)
			}
			if decoded.ErrorMessage != tt.state.ErrorMessage {
				t.Errorf("errorMessage = %q, want %q", decoded.ErrorMessage, tt.state.ErrorMessage)
			}
			if tt.state.Status == batches.RecipientSent && !decoded.SentAt.Equal(sentAt) {
				t.Errorf("sentAt = %v, want %v", decoded.SentAt, sentAt)
			}
		})
	}
}

func TestDecodeLegacyJSON(t *testing.T) {
	value := `{"status":"sent","sentAt":1717000000123,"providerMessageId":"legacy_99"}`

	state, err := Decode(value)
	if err != nil {
		t.Fatalf("Decode() error: %v", err)
	}
	if state.Status != batches.RecipientSent {
		t.Errorf("status = %s, want sent", state.Status)
	}
	if state.ProviderMessageID != "legacy_99" {
		t.Errorf("providerMessageID = %q, want legacy_99", state.ProviderMessageID)
	}
	if state.SentAt.UnixMilli() != 1717000000123 {
		t.Errorf("sentAt = %d, want 1717000000123", state.SentAt.UnixMilli())
	}
}

func TestDecodeRejectsMalformed(t *testing.T) {
	values := []string{
		"", "x:nope", "s:notanumber:id", "{bad json",
		"f", "b", "c", // delimiter required even for empty messages
		"sfoo:1:2", "pextra", "q:",
	}
	for _, value := range values {
		if _, err := Decode(value); err == nil {
			t.Errorf("Decode(%q) expected error, got nil", value)
		}
	}
}

func TestDecodeEmptyErrorMessageRoundTrips(t *testing.T) {
	state, err := Decode("f:")
	if err != nil {
		t.Fatalf("Decode(\"f:\") error: %v", err)
	}
	if state.Status != batches.RecipientFailed || state.ErrorMessage != "" {
		t.Fatalf("got %+v, want failed with empty message", state)
	}
	encoded, err := Encode(state)
	if err != nil {
		t.Fatal(err)
	}
	if encoded != "f:" {
		t.Errorf("re-encoded = %q, want \"f:\"", encoded)
	}
}

func TestEncodedSizeStaysCompact(t *testing.T) {
	encoded, err := Encode(RecipientState{
		Status:            batches.RecipientSent,
		SentAt:            time.Now(),
		ProviderMessageID: "msg_abc",
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(encoded) > 30 {
		t.Errorf("sent encoding is %d bytes, expected compact form", len(encoded))
	}
}
