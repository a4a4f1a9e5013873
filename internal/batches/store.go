package batches

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"go.uber.org/zap"

	"batchsender/internal/db"
)

var ErrNotFound = fmt.Errorf("not found")

type Store struct {
	db     *db.PostgresDB
	logger *zap.Logger
}

func NewStore(database *db.PostgresDB, logger *zap.Logger) *Store {
	return &Store{db: database, logger: logger}
}

func (s *Store) GetBatch(ctx context.Context, batchID uuid.UUID) (*Batch, error) {
	query := `SELECT id, user_id, send_config_id, status, total_recipients, sent_count, failed_count,
		delivered_count, bounced_count, payload, dry_run, created_at, started_at, completed_at
		FROM batches WHERE id = $1`

	var b Batch
	err := s.db.QueryRowContext(ctx, query, batchID).Scan(
		&b.ID, &b.UserID, &b.SendConfigID, &b.Status, &b.TotalRecipients, &b.SentCount, &b.FailedCount,
		&b.DeliveredCount, &b.BouncedCount, &b.Payload, &b.DryRun, &b.CreatedAt, &b.StartedAt, &b.CompletedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get batch: %w", err)
	}
	return &b, nil
}

func (s *Store) GetSendConfig(ctx context.Context, configID uuid.UUID) (*SendConfig, error) {
	query := `SELECT id, user_id, module, mode, provider, config, rate_limit_per_second, is_default, is_active
		FROM send_configs WHERE id = $1`

	var c SendConfig
	err := s.db.QueryRowContext(ctx, query, configID).Scan(
		&c.ID, &c.UserID, &c.Module, &c.Mode, &c.Provider, &c.Config, &c.RateLimitPerSecond, &c.IsDefault, &c.IsActive)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get send config: %w", err)
	}
	return &c, nil
}

// GetDefaultSendConfig resolves the user's default config for batches
// submitted without an explicit send_config_id.
func (s *Store) GetDefaultSendConfig(ctx context.Context, userID uuid.UUID) (*SendConfig, error) {
	query := `SELECT id, user_id, module, mode, provider, config, rate_limit_per_second, is_default, is_active
		FROM send_configs WHERE user_id = $1 AND is_default = TRUE AND is_active = TRUE LIMIT 1`

	var c SendConfig
	err := s.db.QueryRowContext(ctx, query, userID).Scan(
		&c.ID, &c.UserID, &c.Module, &c.Mode, &c.Provider, &c.Config, &c.RateLimitPerSecond, &c.IsDefault, &c.IsActive)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get default send config: %w", err)
	}
	return &c, nil
}

// MarkProcessing moves a queued batch to processing and stamps started_at.
// A no-op if the batch already left the queued state.
func (s *Store) MarkProcessing(ctx context.Context, batchID uuid.UUID) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE batches SET status = 'processing', started_at = NOW(), updated_at = NOW()
		 WHERE id = $1 AND status = 'queued'`, batchID)
	if err != nil {
		return fmt.Errorf("failed to mark batch processing: %w", err)
	}
	return nil
}

// CountRemainingRecipients counts recipients that still need a publish
/// attempt: pending rows plus queued rows left behind by an earlier
// dispatch attempt that NAKed or crashed mid-publish.
func (s *Store) CountRemainingRecipients(ctx context.Context, batchID uuid.UUID) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM recipients WHERE batch_id = $1 AND status IN ('pending', 'queued')`,
		batchID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count remaining recipients: %w", err)
	}
	return count, nil
}

// ClaimRecipientPage pages recipients that still need a publish attempt,
// marking them queued. Progress is keyset-based on id rather than on the
// status change, so a redelivered batch re-walks rows an earlier attempt
// claimed but never published; queue-level dedup and the worker probe
// absorb any double publish. SKIP LOCKED keeps replicas from claiming
// the same page.
func (s *Store) ClaimRecipientPage(ctx context.Context, batchID uuid.UUID, after uuid.UUID, limit int) ([]*Recipient, error) {
	query := `
		UPDATE recipients SET status = 'queued', updated_at = NOW()
		WHERE id IN (
			SELECT id FROM recipients
			WHERE batch_id = $1 AND status IN ('pending', 'queued') AND id > $2
			ORDER BY id
			LIMIT $3
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, batch_id, identifier, name, variables, status`

	rows, err := s.db.QueryContext(ctx, query, batchID, after, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to claim recipient page: %w", err)
	}
	defer rows.Close()

	var recipients []*Recipient
	for rows.Next() {
		var r Recipient
		var variables []byte
		if err := rows.Scan(&r.ID, &r.BatchID, &r.Identifier, &r.Name, &variables, &r.Status); err != nil {
			return nil, fmt.Errorf("failed to scan recipient: %w", err)
		}
		if len(variables) > 0 {
			if err := json.Unmarshal(variables, &r.Variables); err != nil {
				s.logger.Warn("recipient has malformed variables",
					zap.String("recipient_id", r.ID.String()), zap.Error(err))
			}
		}
		recipients = append(recipients, &r)
	}
	return recipients, rows.Err()
}

// GetRecipientStatus is the durable-store idempotency probe used when the
// hot-state circuit is open.
func (s *Store) GetRecipientStatus(ctx context.Context, recipientID uuid.UUID) (RecipientStatus, error) {
	var status RecipientStatus
	err := s.db.QueryRowContext(ctx,
		`SELECT status FROM recipients WHERE id = $1`, recipientID).Scan(&status)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to get recipient status: %w", err)
	}
	return status, nil
}

// SentUpdate carries the fields mirrored for a recipient that reached sent.
type SentUpdate struct {
	RecipientID       uuid.UUID
	ProviderMessageID string
	SentAt            time.Time
}

// BulkMarkSent mirrors hot-state sent records into Postgres. The status
// guard preserves webhook transitions that may already have advanced the
// row past sent.
func (s *Store) BulkMarkSent(ctx context.Context, updates []SentUpdate) error {
	if len(updates) == 0 {
		return nil
	}

	ids := make([]uuid.UUID, len(updates))
	messageIDs := make([]string, len(updates))
	sentAts := make([]time.Time, len(updates))
	for i, u := range updates {
		ids[i] = u.RecipientID
		messageIDs[i] = u.ProviderMessageID
		sentAts[i] = u.SentAt
	}

	query := `
		UPDATE recipients r SET
			status = 'sent',
			provider_message_id = u.provider_message_id,
			sent_at = u.sent_at,
			updated_at = NOW()
		FROM (SELECT UNNEST($1::uuid[]) AS id, UNNEST($2::text[]) AS provider_message_id,
			UNNEST($3::timestamptz[]) AS sent_at) u
		WHERE r.id = u.id AND r.status IN ('pending', 'queued')`

	if _, err := s.db.ExecContext(ctx, query, pq.Array(ids), pq.Array(messageIDs), pq.Array(sentAts)); err != nil {
		return fmt.Errorf("failed to bulk mark sent: %w", err)
	}
	return nil
}

// FailedUpdate carries the fields mirrored for a recipient that failed.
type FailedUpdate struct {
	RecipientID  uuid.UUID
	ErrorMessage string
}

func (s *Store) BulkMarkFailed(ctx context.Context, updates []FailedUpdate) error {
	if len(updates) == 0 {
		return nil
	}

	ids := make([]uuid.UUID, len(updates))
	errs := make([]string, len(updates))
	for i, u := range updates {
		ids[i] = u.RecipientID
		errs[i] = u.ErrorMessage
	}

	query := `
		UPDATE recipients r SET
			status = 'failed',
			error_message = u.error_message,
			updated_at = NOW()
		FROM (SELECT UNNEST($1::uuid[]) AS id, UNNEST($2::text[]) AS error_message) u
		WHERE r.id = u.id AND r.status IN ('pending', 'queued')`

	if _, err := s.db.ExecContext(ctx, query, pq.Array(ids), pq.Array(errs)); err != nil {
		return fmt.Errorf("failed to bulk mark failed: %w", err)
	}
	return nil
}

// MirrorCounters copies hot-state counters onto the batch row. Caps keep
// the mirror monotonic against races with the webhook pipeline.
func (s *Store) MirrorCounters(ctx context.Context, batchID uuid.UUID, sent, failed int) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE batches SET
			sent_count = LEAST($2, total_recipients),
			failed_count = LEAST($3, total_recipients),
			updated_at = NOW()
		WHERE id = $1`, batchID, sent, failed)
	if err != nil {
		return fmt.Errorf("failed to mirror counters: %w", err)
	}
	return nil
}

func (s *Store) GetBatchStatus(ctx context.Context, batchID uuid.UUID) (BatchStatus, error) {
	var status BatchStatus
	err := s.db.QueryRowContext(ctx, `SELECT status FROM batches WHERE id = $1`, batchID).Scan(&status)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to get batch status: %w", err)
	}
	return status, nil
}

// FinalizeBatch marks a batch completed. Completion is monotonic; a batch
// already completed stays untouched.
func (s *Store) FinalizeBatch(ctx context.Context, batchID uuid.UUID) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE batches SET status = 'completed', completed_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND status != 'completed'`, batchID)
	if err != nil {
		return false, fmt.Errorf("failed to finalize batch: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// WebhookApply applies one terminal class of webhook events in bulk.
// newStatus transitions are guarded by guardStatuses; the batch counter
// column is capped at total_recipients.
type WebhookApply struct {
	BatchID       uuid.UUID
	RecipientIDs  []uuid.UUID
	NewStatus     RecipientStatus
	GuardStatuses []string
	// CounterColumn is the batches column to increment (e.g.
	// delivered_count); empty means no counter change.
	CounterColumn string
	OccurredAt    time.Time
	ErrorMessage  string
}

func (s *Store) ApplyWebhookClass(ctx context.Context, apply WebhookApply) (int, error) {
	if len(apply.RecipientIDs) == 0 {
		return 0, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin webhook apply: %w", err)
	}
	defer tx.Rollback()

	var query string
	var args []interface{}
	switch apply.NewStatus {
	case RecipientBounced:
		query = `UPDATE recipients SET status = 'bounced', bounced_at = $3, error_message = NULLIF($4, ''), updated_at = NOW()
			WHERE id = ANY($1) AND status = ANY($2)`
		args = []interface{}{pq.Array(apply.RecipientIDs), pq.Array(apply.GuardStatuses), apply.OccurredAt, apply.ErrorMessage}
	case RecipientComplained:
		query = `UPDATE recipients SET status = 'complained', updated_at = NOW()
			WHERE id = ANY($1) AND status = ANY($2)`
		args = []interface{}{pq.Array(apply.RecipientIDs), pq.Array(apply.GuardStatuses)}
	case RecipientFailed:
		query = `UPDATE recipients SET status = 'failed', error_message = NULLIF($3, ''), updated_at = NOW()
			WHERE id = ANY($1) AND status = ANY($2)`
		args = []interface{}{pq.Array(apply.RecipientIDs), pq.Array(apply.GuardStatuses), apply.ErrorMessage}
	default:
		return 0, fmt.Errorf("unsupported webhook status: %s", apply.NewStatus)
	}

	res, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to apply webhook status %s: %w", apply.NewStatus, err)
	}
	applied, _ := res.RowsAffected()

	if apply.CounterColumn != "" && applied > 0 {
		counterQuery := fmt.Sprintf(`UPDATE batches SET %s = LEAST(%s + $2, total_recipients), updated_at = NOW() WHERE id = $1`,
			apply.CounterColumn, apply.CounterColumn)
		if _, err := tx.ExecContext(ctx, counterQuery, apply.BatchID, applied); err != nil {
			return 0, fmt.Errorf("failed to increment %s: %w", apply.CounterColumn, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit webhook apply: %w", err)
	}
	return int(applied), nil
}

// ApplyDelivered stamps delivered_at on sent recipients and bumps the
// delivered counter. Delivered is not a status change: the recipients
// table keeps 'sent' as the terminal send outcome and delivered_at as
// the provider confirmation.
func (s *Store) ApplyDelivered(ctx context.Context, batchID uuid.UUID, recipientIDs []uuid.UUID, occurredAt time.Time) (int, error) {
	if len(recipientIDs) == 0 {
		return 0, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin delivered apply: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE recipients SET delivered_at = $2, updated_at = NOW()
		WHERE id = ANY($1) AND status = 'sent' AND delivered_at IS NULL`,
		pq.Array(recipientIDs), occurredAt)
	if err != nil {
		return 0, fmt.Errorf("failed to apply delivered: %w", err)
	}
	applied, _ := res.RowsAffected()

	if applied > 0 {
		_, err = tx.ExecContext(ctx, `
			UPDATE batches SET delivered_count = LEAST(delivered_count + $2, total_recipients), updated_at = NOW()
			WHERE id = $1`, batchID, applied)
		if err != nil {
			return 0, fmt.Errorf("failed to increment delivered_count: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit delivered apply: %w", err)
	}
	return int(applied), nil
}

// FindRecipientByProviderMessageID is the durable-store tail of the
// webhook enrichment chain.
func (s *Store) FindRecipientByProviderMessageID(ctx context.Context, providerMessageID string) (*Recipient, uuid.UUID, error) {
	query := `SELECT r.id, r.batch_id, r.identifier, r.status, b.user_id
		FROM recipients r JOIN batches b ON b.id = r.batch_id
		WHERE r.provider_message_id = $1`

	var r Recipient
	var userID uuid.UUID
	err := s.db.QueryRowContext(ctx, query, providerMessageID).Scan(
		&r.ID, &r.BatchID, &r.Identifier, &r.Status, &userID)
	if err == sql.ErrNoRows {
		return nil, uuid.Nil, ErrNotFound
	}
	if err != nil {
		return nil, uuid.Nil, fmt.Errorf("failed to find recipient by provider message id: %w", err)
	}
	return &r, userID, nil
}

func (s *Store) Health(ctx context.Context) error {
	return s.db.PingContext(ctx)
}
