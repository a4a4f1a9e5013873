// Package orchestrator consumes batch handoffs and fans each batch out
// into per-recipient jobs: claim a page, mark it queued, publish jobs
// with dedup ids, repeat until no pending recipients remain.
package orchestrator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go/jetstream"
	"go.uber.org/zap"

	"batchsender/internal/analytics"
	"batchsender/internal/batches"
	"batchsender/internal/hotstate"
	"batchsender/internal/observability"
	natsq "batchsender/internal/queue/nats"
)

const (
	pageSize = 1000
	// Batches with more than this fraction of failed enqueues are retried
	// whole; queue-level msg-id dedup absorbs the re-publish.
	maxEnqueueFailureRatio = 0.01
)

// ProcessorRegistry lazily starts per-user job consumers. Implemented by
// the worker package; an interface here keeps the dependency one-way.
type ProcessorRegistry interface {
	EnsureUserProcessor(ctx context.Context, userID uuid.UUID)
}

type Config struct {
	WorkerID          string
	ConcurrentBatches int
}

type Orchestrator struct {
	store      *batches.Store
	hot        *hotstate.Manager
	queue      *natsq.Queue
	sink       *analytics.Sink
	processors ProcessorRegistry
	metrics    *observability.Metrics
	logger     *zap.Logger
	cfg        Config

	wg sync.WaitGroup
}

func New(store *batches.Store, hot *hotstate.Manager, queue *natsq.Queue, sink *analytics.Sink,
	processors ProcessorRegistry, metrics *observability.Metrics, logger *zap.Logger, cfg Config) *Orchestrator {
	if cfg.ConcurrentBatches <= 0 {
		cfg.ConcurrentBatches = 10
	}
	return &Orchestrator{
		store:      store,
		hot:        hot,
		queue:      queue,
		sink:       sink,
		processors: processors,
		metrics:    metrics,
		logger:     logger,
		cfg:        cfg,
	}
}

// Run consumes sys.batch.process until ctx is cancelled. Batches are
// processed concurrently up to ConcurrentBatches.
func (o *Orchestrator) Run(ctx context.Context) error {
	consumer, err := o.queue.Consumer(ctx, natsq.StreamBatchProcess, natsq.ConsumerOptions{
		Durable:       "batch-orchestrator",
		FilterSubject: natsq.SubjectBatchProcess,
		MaxAckPending: o.cfg.ConcurrentBatches,
		AckWait:       5 * time.Minute,
	})
	if err != nil {
		return err
	}

	sem := make(chan struct{}, o.cfg.ConcurrentBatches)
	for {
		if ctx.Err() != nil {
			o.wg.Wait()
			return nil
		}

		msgs, err := consumer.Fetch(o.cfg.ConcurrentBatches, jetstream.FetchMaxWait(5*time.Second))
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				continue
			}
			o.logger.Warn("batch fetch failed", zap.Error(err))
			time.Sleep(time.Second)
			continue
		}

		for msg := range msgs.Messages() {
			sem <- struct{}{}
			o.wg.Add(1)
			go func(msg jetstream.Msg) {
				defer o.wg.Done()
				defer func() { <-sem }()
				o.handle(ctx, msg)
			}(msg)
		}
	}
}

func (o *Orchestrator) handle(ctx context.Context, msg jetstream.Msg) {
	traceID := natsq.TraceID(msg)
	logger := o.logger.With(zap.String("trace_id", traceID))

	var job natsq.BatchJob
	if err := json.Unmarshal(msg.Data(), &job); err != nil {
		logger.Error("undecodable batch message, terminating", zap.Error(err))
		_ = msg.Term()
		return
	}
	logger = logger.With(zap.String("batch_id", job.BatchID.String()))

	err := o.processBatch(ctx, logger, traceID, job)
	switch {
	case err == nil:
		_ = msg.Ack()
	case errors.Is(err, hotstate.ErrBackpressure):
		delay := natsq.BatchNakDelay(natsq.Redeliveries(msg))
		logger.Warn("hot state under memory pressure, delaying batch", zap.Duration("delay", delay))
		_ = msg.NakWithDelay(delay)
	default:
		delay := natsq.BatchNakDelay(natsq.Redeliveries(msg))
		logger.Error("batch processing failed, will retry",
			zap.Duration("delay", delay), zap.Error(err))
		o.metrics.BatchesProcessedTotal.WithLabelValues("error").Inc()
		_ = msg.NakWithDelay(delay)
	}
}

func (o *Orchestrator) processBatch(ctx context.Context, logger *zap.Logger, traceID string, job natsq.BatchJob) error {
	batch, err := o.store.GetBatch(ctx, job.BatchID)
	if errors.Is(err, batches.ErrNotFound) {
		logger.Warn("batch not found, dropping")
		return nil
	}
	if err != nil {
		return err
	}

	switch batch.Status {
	case batches.BatchPaused:
		logger.Info("batch paused, skipping")
		return nil
	case batches.BatchCompleted, batches.BatchFailed:
		logger.Info("batch already terminal, dropping", zap.String("status", string(batch.Status)))
		return nil
	case batches.BatchQueued:
		if err := o.store.MarkProcessing(ctx, batch.ID); err != nil {
			return err
		}
	}

	config, err := o.resolveSendConfig(ctx, batch)
	if err != nil {
		return err
	}

	remaining, err := o.store.CountRemainingRecipients(ctx, batch.ID)
	if err != nil {
		return err
	}
	if remaining == 0 {
		return o.finishIfComplete(ctx, logger, batch.ID)
	}

	if err := o.hot.InitializeBatch(ctx, batch.ID, remaining); err != nil {
		return err
	}

	var published, failed, skipped int
	cursor := uuid.Nil
	for {
		page, err := o.store.ClaimRecipientPage(ctx, batch.ID, cursor, pageSize)
		if err != nil {
			return err
		}
		if len(page) == 0 {
			break
		}
		cursor = maxRecipientID(page)

		fresh := o.filterProcessed(ctx, batch.ID, page)
		skipped += len(page) - len(fresh)

		p, f := o.publishPage(ctx, logger, traceID, batch, config, fresh)
		published += p
		failed += f
	}

	if failed > 0 {
		total := published + failed
		ratio := float64(failed) / float64(total)
		if ratio > maxEnqueueFailureRatio {
			return fmt.Errorf("enqueue failure ratio %.3f over %d jobs exceeds threshold", ratio, total)
		}
		logger.Warn("some jobs failed to enqueue",
			zap.Int("failed", failed), zap.Int("published", published))
	}

	o.processors.EnsureUserProcessor(ctx, batch.UserID)
	o.metrics.BatchesProcessedTotal.WithLabelValues("dispatched").Inc()
	logger.Info("batch dispatched",
		zap.Int("recipients", published),
		zap.Int("already_processed", skipped),
		zap.Bool("dry_run", batch.DryRun))
	return nil
}

// filterProcessed drops recipients already terminal in hot state so a
// redelivered batch does not re-publish finished work. When hot state
// cannot answer, everything is published: the worker probe and the
// queue dedup window make the duplicates harmless.
func (o *Orchestrator) filterProcessed(ctx context.Context, batchID uuid.UUID, page []*batches.Recipient) []*batches.Recipient {
	ids := make([]uuid.UUID, len(page))
	for i, r := range page {
		ids[i] = r.ID
	}

	terminal, err := o.hot.CheckRecipientsProcessedBatch(ctx, batchID, ids)
	if err != nil || len(terminal) == 0 {
		return page
	}

	fresh := make([]*batches.Recipient, 0, len(page))
	for _, r := range page {
		if _, done := terminal[r.ID]; !done {
			fresh = append(fresh, r)
		}
	}
	return fresh
}

// maxRecipientID is the keyset cursor: RETURNING rows carry no order
// guarantee, so the next page starts after the largest id seen.
func maxRecipientID(page []*batches.Recipient) uuid.UUID {
	max := page[0].ID
	for _, r := range page[1:] {
		if bytes.Compare(r.ID[:], max[:]) > 0 {
			max = r.ID
		}
	}
	return max
}

func (o *Orchestrator) resolveSendConfig(ctx context.Context, batch *batches.Batch) (*batches.SendConfig, error) {
	if batch.SendConfigID != nil {
		return o.store.GetSendConfig(ctx, *batch.SendConfigID)
	}
	return o.store.GetDefaultSendConfig(ctx, batch.UserID)
}

func (o *Orchestrator) publishPage(ctx context.Context, logger *zap.Logger, traceID string,
	batch *batches.Batch, config *batches.SendConfig, page []*batches.Recipient) (published, failed int) {

	subject := natsq.UserSendSubject(batch.UserID.String())
	for _, r := range page {
		name := ""
		if r.Name != nil {
			name = *r.Name
		}

		data, err := json.Marshal(natsq.JobData{
			BatchID:      batch.ID,
			RecipientID:  r.ID,
			UserID:       batch.UserID,
			Identifier:   r.Identifier,
			Name:         name,
			Variables:    r.Variables,
			SendConfig:   config,
			BatchPayload: batch.Payload,
			DryRun:       batch.DryRun,
		})
		if err != nil {
			failed++
			continue
		}

		if _, err := o.queue.Publish(ctx, subject, data, natsq.JobMsgID(batch.ID, r.ID), traceID); err != nil {
			failed++
			o.metrics.EnqueueFailuresTotal.WithLabelValues("user_send").Inc()
			logger.Warn("failed to enqueue job",
				zap.String("recipient_id", r.ID.String()), zap.Error(err))
			continue
		}
		published++

		o.sink.Record(analytics.Event{
			EventType:   "queued",
			ModuleType:  config.Module,
			BatchID:     batch.ID.String(),
			RecipientID: r.ID.String(),
			UserID:      batch.UserID.String(),
			Identifier:  r.Identifier,
		})
	}
	return published, failed
}

// finishIfComplete handles redeliveries of a batch with no recipients
// left to publish: finalize when hot state agrees, otherwise leave the
// sync service to converge.
func (o *Orchestrator) finishIfComplete(ctx context.Context, logger *zap.Logger, batchID uuid.UUID) error {
	complete, err := o.hot.IsBatchComplete(ctx, batchID)
	if err != nil {
		if errors.Is(err, hotstate.ErrCircuitOpen) {
			logger.Warn("hot state unavailable during completion check, acking")
			return nil
		}
		return err
	}
	if !complete {
		return nil
	}

	finalized, err := o.store.FinalizeBatch(ctx, batchID)
	if err != nil {
		return err
	}
	if finalized {
		_ = o.hot.MarkBatchCompleted(ctx, batchID)
		o.metrics.BatchesProcessedTotal.WithLabelValues("completed").Inc()
		logger.Info("batch finalized")
	}
	return nil
}
