package batches

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

type BatchStatus string

const (
	BatchDraft      BatchStatus = "draft"
	BatchScheduled  BatchStatus = "scheduled"
	BatchQueued     BatchStatus = "queued"
	BatchProcessing BatchStatus = "processing"
	BatchPaused     BatchStatus = "paused"
	BatchCompleted  BatchStatus = "completed"
	BatchFailed     BatchStatus = "failed"
)

type RecipientStatus string

const (
	RecipientPending    RecipientStatus = "pending"
	RecipientQueued     RecipientStatus = "queued"
	RecipientSent       RecipientStatus = "sent"
	RecipientFailed     RecipientStatus = "failed"
	RecipientBounced    RecipientStatus = "bounced"
	RecipientComplained RecipientStatus = "complained"
)

// IsTerminal reports whether a recipient can no longer transition.
func (s RecipientStatus) IsTerminal() bool {
	switch s {
	case RecipientSent, RecipientFailed, RecipientBounced, RecipientComplained:
		return true
	}
	return false
}

type SendMode string

const (
	ModeManaged SendMode = "managed"
	ModeBYOK    SendMode = "byok"
)

type Batch struct {
	ID              uuid.UUID       `json:"id" db:"id"`
	UserID          uuid.UUID       `json:"user_id" db:"user_id"`
	SendConfigID    *uuid.UUID      `json:"send_config_id,omitempty" db:"send_config_id"`
	Status          BatchStatus     `json:"status" db:"status"`
	TotalRecipients int             `json:"total_recipients" db:"total_recipients"`
	SentCount       int             `json:"sent_count" db:"sent_count"`
	FailedCount     int             `json:"failed_count" db:"failed_count"`
	DeliveredCount  int             `json:"delivered_count" db:"delivered_count"`
	BouncedCount    int             `json:"bounced_count" db:"bounced_count"`
	Payload         json.RawMessage `json:"payload" db:"payload"`
	DryRun          bool            `json:"dry_run" db:"dry_run"`
	CreatedAt       time.Time       `json:"created_at" db:"created_at"`
	StartedAt       *time.Time      `json:"started_at,omitempty" db:"started_at"`
	CompletedAt     *time.Time      `json:"completed_at,omitempty" db:"completed_at"`
}

type Recipient struct {
	ID                uuid.UUID         `json:"id" db:"id"`
	BatchID           uuid.UUID         `json:"batch_id" db:"batch_id"`
	Identifier        string            `json:"identifier" db:"identifier"`
	Name              *string           `json:"name,omitempty" db:"name"`
	Variables         map[string]string `json:"variables,omitempty" db:"variables"`
	Status            RecipientStatus   `json:"status" db:"status"`
	ProviderMessageID *string           `json:"provider_message_id,omitempty" db:"provider_message_id"`
	ErrorMessage      *string           `json:"error_message,omitempty" db:"error_message"`
	SentAt            *time.Time        `json:"sent_at,omitempty" db:"sent_at"`
	DeliveredAt       *time.Time        `json:"delivered_at,omitempty" db:"delivered_at"`
	BouncedAt         *time.Time        `json:"bounced_at,omitempty" db:"bounced_at"`
}

type SendConfig struct {
	ID                 uuid.UUID       `json:"id" db:"id"`
	UserID             uuid.UUID       `json:"user_id" db:"user_id"`
	Module             string          `json:"module" db:"module"`
	Mode               SendMode        `json:"mode" db:"mode"`
	Provider           string          `json:"provider" db:"provider"`
	Config             json.RawMessage `json:"config" db:"config"`
	RateLimitPerSecond *int            `json:"rate_limit_per_second,omitempty" db:"rate_limit_per_second"`
	IsDefault          bool            `json:"is_default" db:"is_default"`
	IsActive           bool            `json:"is_active" db:"is_active"`
}
