package webhooks

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"batchsender/internal/analytics"
	"batchsender/internal/batches"
	"batchsender/internal/hotstate"
	"batchsender/internal/observability"
	natsq "batchsender/internal/queue/nats"
)

const dedupTTL = 24 * time.Hour

type PipelineConfig struct {
	BatchSize     int
	FlushInterval time.Duration
}

// Pipeline consumes webhook.> and applies events to the durable store in
// bulk: buffer, dedup, enrich, partition by class, guarded apply, mark
// processed, ack.
type Pipeline struct {
	store   *batches.Store
	hot     *hotstate.Manager
	queue   *natsq.Queue
	index   *analytics.Index
	sink    *analytics.Sink
	redis   *redis.Client
	metrics *observability.Metrics
	logger  *zap.Logger
	cfg     PipelineConfig

	mu  sync.Mutex
	buf []pendingEvent

	wg sync.WaitGroup
}

type pendingEvent struct {
	event WebhookEvent
	msg   jetstream.Msg
}

func NewPipeline(store *batches.Store, hot *hotstate.Manager, queue *natsq.Queue,
	index *analytics.Index, sink *analytics.Sink, redisClient *redis.Client,
	metrics *observability.Metrics, logger *zap.Logger, cfg PipelineConfig) *Pipeline {

	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = time.Second
	}
	return &Pipeline{
		store:   store,
		hot:     hot,
		queue:   queue,
		index:   index,
		sink:    sink,
		redis:   redisClient,
		metrics: metrics,
		logger:  logger,
		cfg:     cfg,
	}
}

// Run consumes until ctx is cancelled, then flushes the remaining buffer.
func (p *Pipeline) Run(ctx context.Context) error {
	consumer, err := p.queue.Consumer(ctx, natsq.StreamWebhookEvents, natsq.ConsumerOptions{
		Durable:       "webhook-pipeline",
		FilterSubject: "webhook.>",
		MaxAckPending: 4 * p.cfg.BatchSize,
	})
	if err != nil {
		return err
	}

	ticker := time.NewTicker(p.cfg.FlushInterval)
	defer ticker.Stop()

	fetchCh := make(chan jetstream.Msg)
	fetchCtx, cancelFetch := context.WithCancel(ctx)
	defer cancelFetch()

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer close(fetchCh)
		for fetchCtx.Err() == nil {
			msgs, err := consumer.Fetch(p.cfg.BatchSize, jetstream.FetchMaxWait(time.Second))
			if err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					continue
				}
				p.logger.Warn("webhook fetch failed", zap.Error(err))
				select {
				case <-fetchCtx.Done():
				case <-time.After(time.Second):
				}
				continue
			}
			for msg := range msgs.Messages() {
				select {
				case fetchCh <- msg:
				case <-fetchCtx.Done():
					_ = msg.Nak()
				}
			}
		}
	}()

	for {
		select {
		case msg, ok := <-fetchCh:
			if !ok {
				p.flush(context.Background())
				return nil
			}
			if p.ingest(msg) >= p.cfg.BatchSize {
				p.flush(ctx)
			}
		case <-ticker.C:
			p.flush(ctx)
		case <-ctx.Done():
			cancelFetch()
			p.wg.Wait()
			for msg := range fetchCh {
				_ = msg.Nak()
			}
			p.flush(context.Background())
			return nil
		}
	}
}

// ingest decodes one message into the buffer and returns the buffer size.
func (p *Pipeline) ingest(msg jetstream.Msg) int {
	var event WebhookEvent
	if err := json.Unmarshal(msg.Data(), &event); err != nil {
		p.logger.Error("undecodable webhook event, terminating", zap.Error(err))
		p.metrics.WebhooksErrorsTotal.WithLabelValues("decode").Inc()
		_ = msg.Term()
		return p.bufferLen()
	}

	p.mu.Lock()
	p.buf = append(p.buf, pendingEvent{event: event, msg: msg})
	n := len(p.buf)
	p.mu.Unlock()

	p.metrics.WebhookQueueDepth.Set(float64(n))
	return n
}

func (p *Pipeline) bufferLen() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.buf)
}

func (p *Pipeline) flush(ctx context.Context) {
	p.mu.Lock()
	batch := p.buf
	p.buf = nil
	p.mu.Unlock()
	p.metrics.WebhookQueueDepth.Set(0)

	if len(batch) == 0 {
		return
	}

	start := time.Now()
	p.metrics.WebhookBatchSize.Observe(float64(len(batch)))

	if err := p.processBatch(ctx, batch); err != nil {
		p.logger.Error("webhook batch apply failed, retrying whole batch", zap.Error(err))
		p.metrics.WebhookProcessingDuration.WithLabelValues("error").Observe(time.Since(start).Seconds())
		for _, pe := range batch {
			_ = pe.msg.NakWithDelay(natsq.JobNakDelay(natsq.Redeliveries(pe.msg)))
		}
		return
	}
	p.metrics.WebhookProcessingDuration.WithLabelValues("success").Observe(time.Since(start).Seconds())
}

func (p *Pipeline) processBatch(ctx context.Context, batch []pendingEvent) error {
	fresh := make([]pendingEvent, 0, len(batch))
	for _, pe := range batch {
		processed, err := p.isProcessed(ctx, pe.event)
		if err != nil {
			return err
		}
		if processed {
			p.metrics.WebhooksProcessedTotal.WithLabelValues(pe.event.Provider, pe.event.EventType, "duplicate").Inc()
			_ = pe.msg.Ack()
			continue
		}
		fresh = append(fresh, pe)
	}
	if len(fresh) == 0 {
		return nil
	}

	enriched := make([]pendingEvent, 0, len(fresh))
	for _, pe := range fresh {
		ev, ok := p.enrich(ctx, pe.event)
		if !ok {
			p.logger.Warn("webhook event unresolvable, skipping",
				zap.String("provider", pe.event.Provider),
				zap.String("provider_message_id", pe.event.ProviderMessageID),
				zap.String("event_type", pe.event.EventType))
			p.metrics.WebhooksErrorsTotal.WithLabelValues("unresolved").Inc()
			_ = pe.msg.Ack()
			continue
		}
		pe.event = ev
		enriched = append(enriched, pe)
	}
	if len(enriched) == 0 {
		return nil
	}

	classes := map[string][]pendingEvent{}
	for _, pe := range enriched {
		classes[pe.event.EventType] = append(classes[pe.event.EventType], pe)
	}

	for eventType, events := range classes {
		if err := p.applyClass(ctx, eventType, events); err != nil {
			return err
		}
	}

	for _, pe := range enriched {
		if err := p.markProcessed(ctx, pe.event); err != nil {
			p.logger.Warn("failed to mark webhook processed", zap.Error(err))
		}
		p.recordEvent(pe.event)
		p.metrics.WebhooksProcessedTotal.WithLabelValues(pe.event.Provider, pe.event.EventType, "applied").Inc()
		_ = pe.msg.Ack()
	}
	return nil
}

func dedupKey(ev WebhookEvent) string {
	return "webhook:dedup:" + ev.Provider + ":" + ev.ProviderMessageID + ":" + ev.EventType
}

func (p *Pipeline) isProcessed(ctx context.Context, ev WebhookEvent) (bool, error) {
	n, err := p.redis.Exists(ctx, dedupKey(ev)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (p *Pipeline) markProcessed(ctx context.Context, ev WebhookEvent) error {
	return p.redis.Set(ctx, dedupKey(ev), 1, dedupTTL).Err()
}

// enrich resolves recipient/batch/user for an event, cache and analytics
// index first, durable store last. false means unresolvable.
func (p *Pipeline) enrich(ctx context.Context, ev WebhookEvent) (WebhookEvent, bool) {
	if ev.RecipientID != "" && ev.BatchID != "" {
		return ev, true
	}

	entry, err := p.index.Lookup(ctx, ev.ProviderMessageID)
	if err == nil {
		ev.RecipientID = entry.RecipientID
		ev.BatchID = entry.BatchID
		ev.UserID = entry.UserID
		return ev, true
	}
	if !errors.Is(err, analytics.ErrNotIndexed) {
		p.logger.Debug("message index lookup failed", zap.Error(err))
	}

	recipient, userID, err := p.store.FindRecipientByProviderMessageID(ctx, ev.ProviderMessageID)
	if err != nil {
		return ev, false
	}
	ev.RecipientID = recipient.ID.String()
	ev.BatchID = recipient.BatchID.String()
	ev.UserID = userID.String()
	return ev, true
}

func (p *Pipeline) applyClass(ctx context.Context, eventType string, events []pendingEvent) error {
	switch eventType {
	case EventOpened, EventClicked:
		// Engagement events touch the analytics sink only; recordEvent
		// handles them after the class loop.
		return nil
	}

	byBatch := map[uuid.UUID][]pendingEvent{}
	for _, pe := range events {
		batchID, err := uuid.Parse(pe.event.BatchID)
		if err != nil {
			continue
		}
		byBatch[batchID] = append(byBatch[batchID], pe)
	}

	for batchID, group := range byBatch {
		ids := make([]uuid.UUID, 0, len(group))
		occurredAt := time.Now().UTC()
		errMsg := ""
		for _, pe := range group {
			id, err := uuid.Parse(pe.event.RecipientID)
			if err != nil {
				continue
			}
			ids = append(ids, id)
			if !pe.event.OccurredAt.IsZero() {
				occurredAt = pe.event.OccurredAt
			}
			if bt := pe.event.Metadata["bounce_type"]; bt != "" {
				errMsg = "bounce: " + bt
			}
		}
		if len(ids) == 0 {
			continue
		}

		var err error
		switch eventType {
		case EventDelivered:
			_, err = p.store.ApplyDelivered(ctx, batchID, ids, occurredAt)
			if err == nil {
				p.checkCompletion(ctx, batchID)
			}
		case EventBounced:
			_, err = p.store.ApplyWebhookClass(ctx, batches.WebhookApply{
				BatchID:       batchID,
				RecipientIDs:  ids,
				NewStatus:     batches.RecipientBounced,
				GuardStatuses: []string{"sent"},
				CounterColumn: "bounced_count",
				OccurredAt:    occurredAt,
				ErrorMessage:  errMsg,
			})
		case EventFailed:
			_, err = p.store.ApplyWebhookClass(ctx, batches.WebhookApply{
				BatchID:       batchID,
				RecipientIDs:  ids,
				NewStatus:     batches.RecipientFailed,
				GuardStatuses: []string{"sent"},
				CounterColumn: "failed_count",
				OccurredAt:    occurredAt,
				ErrorMessage:  "provider reported delivery failure",
			})
		case EventComplained:
			_, err = p.store.ApplyWebhookClass(ctx, batches.WebhookApply{
				BatchID:       batchID,
				RecipientIDs:  ids,
				NewStatus:     batches.RecipientComplained,
				GuardStatuses: []string{"sent"},
				OccurredAt:    occurredAt,
			})
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func (p *Pipeline) checkCompletion(ctx context.Context, batchID uuid.UUID) {
	complete, err := p.hot.IsBatchComplete(ctx, batchID)
	if err != nil || !complete {
		return
	}
	if err := p.hot.MarkBatchCompleted(ctx, batchID); err != nil &&
		!errors.Is(err, hotstate.ErrCircuitOpen) {
		p.logger.Debug("completion mark failed", zap.Error(err))
	}
}

func (p *Pipeline) recordEvent(ev WebhookEvent) {
	metadata := ""
	if len(ev.Metadata) > 0 {
		if raw, err := json.Marshal(ev.Metadata); err == nil {
			metadata = string(raw)
		}
	}
	p.sink.Record(analytics.Event{
		EventType:         ev.EventType,
		BatchID:           ev.BatchID,
		RecipientID:       ev.RecipientID,
		UserID:            ev.UserID,
		ProviderMessageID: ev.ProviderMessageID,
		Metadata:          metadata,
		Timestamp:         ev.OccurredAt,
	})
}
