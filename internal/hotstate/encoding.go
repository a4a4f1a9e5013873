package hotstate

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"batchsender/internal/batches"
)

// RecipientState is the decoded per-recipient hot state.
type RecipientState struct {
	Status            batches.RecipientStatus
	SentAt            time.Time
	ProviderMessageID string
	ErrorMessage      string
}

// Compact encoding: a one-byte status code, then ':'-delimited fields.
//
//	sent       -> s:<unixMs>:<providerMessageId>
//	failed     -> f:<errorMessage>
//	bounced    -> b:<errorMessage>
//	complained -> c:<errorMessage>
//	pending    -> p
//	queued     -> q
//
// Roughly 4-5x smaller than the JSON records it replaced; the decoder
// still accepts those for migration.
var statusCodes = map[batches.RecipientStatus]byte{
	batches.RecipientPending:    'p',
	batches.RecipientQueued:     'q',
	batches.RecipientSent:       's',
	batches.RecipientFailed:     'f',
	batches.RecipientBounced:    'b',
	batches.RecipientComplained: 'c',
}

var codeStatuses = map[byte]batches.RecipientStatus{
	'p': batches.RecipientPending,
	'q': batches.RecipientQueued,
	's': batches.RecipientSent,
	'f': batches.RecipientFailed,
	'b': batches.RecipientBounced,
	'c': batches.RecipientComplained,
}

func Encode(state RecipientState) (string, error) {
	code, ok := statusCodes[state.Status]
	if !ok {
		return "", fmt.Errorf("unknown recipient status: %s", state.Status)
	}

	switch state.Status {
	case batches.RecipientSent:
		return fmt.Sprintf("s:%d:%s", state.SentAt.UnixMilli(), state.ProviderMessageID), nil
	case batches.RecipientFailed, batches.RecipientBounced, batches.RecipientComplained:
		return string(code) + ":" + state.ErrorMessage, nil
	default:
		return string(code), nil
	}
}

// legacyRecord is the JSON shape written before the compact codec.
type legacyRecord struct {
	Status            string `json:"status"`
	SentAt            int64  `json:"sentAt,omitempty"`
	ProviderMessageID string `json:"providerMessageId,omitempty"`
	ErrorMessage      string `json:"errorMessage,omitempty"`
}

func Decode(value string) (RecipientState, error) {
	if value == "" {
		return RecipientState{}, fmt.Errorf("empty recipient state")
	}

	if value[0] == '{' {
		var rec legacyRecord
		if err := json.Unmarshal([]byte(value), &rec); err != nil {
			return RecipientState{}, fmt.Errorf("malformed legacy state: %w", err)
		}
		return RecipientState{
			Status:            batches.RecipientStatus(rec.Status),
			SentAt:            time.UnixMilli(rec.SentAt),
			ProviderMessageID: rec.ProviderMessageID,
			ErrorMessage:      rec.ErrorMessage,
		}, nil
	}

	status, ok := codeStatuses[value[0]]
	if !ok {
		return RecipientState{}, fmt.Errorf("unknown status code %q", value[0])
	}

	state := RecipientState{Status: status}
	switch status {
	case batches.RecipientSent:
		parts := strings.SplitN(value, ":", 3)
		if len(parts) != 3 || parts[0] != "s" {
			return RecipientState{}, fmt.Errorf("malformed sent state: %q", value)
		}
		ms, err := strconv.ParseInt(parts[1], 10, 64)
		if err != nil {
			return RecipientState{}, fmt.Errorf("malformed sent timestamp: %w", err)
		}
		state.SentAt = time.UnixMilli(ms)
		state.ProviderMessageID = parts[2]
	case batches.RecipientFailed, batches.RecipientBounced, batches.RecipientComplained:
		// The error message may be empty, but the delimiter is required so
		// that decode-then-encode reproduces the input byte for byte.
		if len(value) < 2 || value[1] != ':' {
			return RecipientState{}, fmt.Errorf("malformed error state: %q", value)
		}
		state.ErrorMessage = value[2:]
	default:
		if len(value) != 1 {
			return RecipientState{}, fmt.Errorf("malformed state: %q", value)
		}
	}
	return state, nil
}
