// Package sync reconciles hot-state terminal outcomes into Postgres:
// drain pending-sync recipients, bulk-mirror their states, copy the
// counters, and finalize batches whose hot state says they are done.
package sync

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"batchsender/internal/batches"
	"batchsender/internal/hotstate"
	"batchsender/internal/observability"
)

type Config struct {
	Interval             time.Duration
	MaxRecipientsPerSync int
}

type Service struct {
	store   *batches.Store
	hot     *hotstate.Manager
	metrics *observability.Metrics
	logger  *zap.Logger
	cfg     Config

	mu        sync.Mutex
	isRunning bool

	stopCh chan struct{}
	doneCh chan struct{}
}

func NewService(store *batches.Store, hot *hotstate.Manager, metrics *observability.Metrics,
	logger *zap.Logger, cfg Config) *Service {
	if cfg.Interval <= 0 {
		cfg.Interval = 2 * time.Second
	}
	if cfg.MaxRecipientsPerSync <= 0 {
		cfg.MaxRecipientsPerSync = 1000
	}
	return &Service{
		store:   store,
		hot:     hot,
		metrics: metrics,
		logger:  logger,
		cfg:     cfg,
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
}

func (s *Service) Start(ctx context.Context) {
	go s.loop(ctx)
}

// Stop runs one final cycle so committed hot-state updates survive a
// clean shutdown, then returns.
func (s *Service) Stop(ctx context.Context) {
	close(s.stopCh)
	<-s.doneCh
	s.runCycle(ctx)
}

func (s *Service) loop(ctx context.Context) {
	defer close(s.doneCh)
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.runCycle(ctx)
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// runCycle syncs every active batch once. The isRunning guard keeps a
// slow cycle from stacking on the next tick.
func (s *Service) runCycle(ctx context.Context) {
	s.mu.Lock()
	if s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.isRunning = false
		s.mu.Unlock()
	}()

	batchIDs, err := s.hot.GetActiveBatchIDs(ctx)
	if err != nil {
		if !errors.Is(err, hotstate.ErrCircuitOpen) {
			s.logger.Warn("failed to list active batches", zap.Error(err))
		}
		return
	}

	for _, batchID := range batchIDs {
		if ctx.Err() != nil {
			return
		}
		if err := s.syncBatch(ctx, batchID); err != nil {
			s.logger.Warn("batch sync failed",
				zap.String("batch_id", batchID.String()), zap.Error(err))
		}
	}
}

func (s *Service) syncBatch(ctx context.Context, batchID uuid.UUID) error {
	pending, err := s.hot.GetPendingSyncRecipients(ctx, batchID, s.cfg.MaxRecipientsPerSync)
	if err != nil {
		return err
	}

	if len(pending) > 0 {
		if err := s.mirrorRecipients(ctx, batchID, pending); err != nil {
			return err
		}
	}

	counters, err := s.hot.GetCounters(ctx, batchID)
	if err != nil {
		return err
	}
	if err := s.store.MirrorCounters(ctx, batchID, int(counters.Sent), int(counters.Failed)); err != nil {
		return err
	}

	return s.maybeFinalize(ctx, batchID, counters)
}

func (s *Service) mirrorRecipients(ctx context.Context, batchID uuid.UUID, pending []uuid.UUID) error {
	states, err := s.hot.GetRecipientStates(ctx, batchID, pending)
	if err != nil {
		return err
	}

	var sent []batches.SentUpdate
	var failed []batches.FailedUpdate
	var synced []uuid.UUID

	for _, id := range pending {
		state, ok := states[id]
		if !ok {
			// State evicted before sync; the recipient row keeps whatever
			// the durable store already has. Drop it from the set so the
			// cycle does not spin on it.
			synced = append(synced, id)
			continue
		}
		switch state.Status {
		case batches.RecipientSent:
			sent = append(sent, batches.SentUpdate{
				RecipientID:       id,
				ProviderMessageID: state.ProviderMessageID,
				SentAt:            state.SentAt,
			})
			synced = append(synced, id)
		case batches.RecipientFailed:
			failed = append(failed, batches.FailedUpdate{
				RecipientID:  id,
				ErrorMessage: state.ErrorMessage,
			})
			synced = append(synced, id)
		default:
			// Webhook-class statuses reach Postgres through the webhook
			// pipeline, not the sync loop.
			synced = append(synced, id)
		}
	}

	if err := s.store.BulkMarkSent(ctx, sent); err != nil {
		return err
	}
	if err := s.store.BulkMarkFailed(ctx, failed); err != nil {
		return err
	}

	if err := s.hot.MarkSynced(ctx, batchID, synced); err != nil {
		return err
	}

	if len(sent)+len(failed) > 0 {
		s.logger.Debug("mirrored recipient outcomes",
			zap.String("batch_id", batchID.String()),
			zap.Int("sent", len(sent)), zap.Int("failed", len(failed)))
	}
	return nil
}

func (s *Service) maybeFinalize(ctx context.Context, batchID uuid.UUID, counters hotstate.Counters) error {
	if counters.Total == 0 || counters.Sent+counters.Failed < counters.Total {
		return nil
	}

	remaining, err := s.hot.PendingSyncCount(ctx, batchID)
	if err != nil || remaining > 0 {
		return err
	}

	status, err := s.store.GetBatchStatus(ctx, batchID)
	if errors.Is(err, batches.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if status == batches.BatchCompleted {
		return nil
	}

	finalized, err := s.store.FinalizeBatch(ctx, batchID)
	if err != nil {
		return err
	}
	if finalized {
		_ = s.hot.MarkBatchCompleted(ctx, batchID)
		s.metrics.BatchesProcessedTotal.WithLabelValues("completed").Inc()
		s.logger.Info("batch finalized by sync", zap.String("batch_id", batchID.String()))
	}
	return nil
}
