package nats

import (
	"encoding/json"

	"github.com/google/uuid"

	"batchsender/internal/batches"
)

// BatchJob is one batch handoff on sys.batch.process.
type BatchJob struct {
	BatchID uuid.UUID `json:"batch_id"`
	UserID  uuid.UUID `json:"user_id"`
	DryRun  bool      `json:"dry_run,omitempty"`
}

// BatchJobMsgID is the queue-level dedup id for a batch handoff.
func BatchJobMsgID(batchID uuid.UUID) string {
	return "batch-" + batchID.String()
}

// JobData is one per-recipient job on email.user.<id>.send. The send
// config is embedded so workers resolve everything from the message.
type JobData struct {
	BatchID     uuid.UUID           `json:"batch_id"`
	RecipientID uuid.UUID           `json:"recipient_id"`
	UserID      uuid.UUID           `json:"user_id"`
	Identifier  string              `json:"identifier"`
	Name        string              `json:"name,omitempty"`
	Variables   map[string]string   `json:"variables,omitempty"`
	SendConfig  *batches.SendConfig `json:"send_config"`
	// BatchPayload carries the module-specific template fields
	// (subject, content, message body) set on the batch.
	BatchPayload json.RawMessage `json:"batch_payload,omitempty"`
	DryRun       bool            `json:"dry_run,omitempty"`
}

// JobMsgID is the queue-level dedup id for a recipient job.
func JobMsgID(batchID, recipientID uuid.UUID) string {
	return "email-" + batchID.String() + "-" + recipientID.String()
}
