// Package worker runs the per-user job consumers: one durable consumer
// per user, each job driven through idempotency probe, payload build,
// rate limiting, module execution and hot-state recording.
package worker

import (
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
	"batchsender/internal/modules"
	"batchsender/internal/observability"
	natsq "batchsender/internal/queue/nats"
	"batchsender/internal/rate"
)

const rateAcquireTimeout = 10 * time.Second

type Config struct {
	WorkerID              string
	MaxConcurrentRequests int
	// MaxDeliver is the total delivery attempts per job including the
	// first; the last redelivery records the recipient failed.
	MaxDeliver int
}

// Runner owns all per-user processors and the shared in-flight budget.
type Runner struct {
	store   *batches.Store
	hot     *hotstate.Manager
	queue   *natsq.Queue
	modules *modules.Registry
	dryRun  *modules.DryRunExecutor
	limiter *rate.Registry
	sink    *analytics.Sink
	index   *analytics.Index
	metrics *observability.Metrics
	logger  *zap.Logger
	cfg     Config

	inflight chan struct{}

	mu         sync.Mutex
	baseCtx    context.Context
	cancel     context.CancelFunc
	processors map[uuid.UUID]context.CancelFunc
	wg         sync.WaitGroup
}

func NewRunner(store *batches.Store, hot *hotstate.Manager, queue *natsq.Queue,
	moduleRegistry *modules.Registry, dryRun *modules.DryRunExecutor, limiter *rate.Registry,
	sink *analytics.Sink, index *analytics.Index, metrics *observability.Metrics,
	logger *zap.Logger, cfg Config) *Runner {

	if cfg.MaxConcurrentRequests <= 0 {
		cfg.MaxConcurrentRequests = 1000
	}
	if cfg.MaxDeliver <= 0 {
		cfg.MaxDeliver = 5
	}
	return &Runner{
		store:      store,
		hot:        hot,
		queue:      queue,
		modules:    moduleRegistry,
		dryRun:     dryRun,
		limiter:    limiter,
		sink:       sink,
		index:      index,
		metrics:    metrics,
		logger:     logger,
		cfg:        cfg,
		inflight:   make(chan struct{}, cfg.MaxConcurrentRequests),
		processors: make(map[uuid.UUID]context.CancelFunc),
	}
}

// Start establishes the base context new processors attach to.
func (r *Runner) Start(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.baseCtx, r.cancel = context.WithCancel(ctx)
}

// Stop cancels every processor and waits for in-flight jobs to settle.
func (r *Runner) Stop() {
	r.mu.Lock()
	if r.cancel != nil {
		r.cancel()
	}
	r.mu.Unlock()
	r.wg.Wait()
}

// EnsureUserProcessor lazily starts the consumer for a user's job
// subject. Registration under the lock gives single-flight creation;
// a processor that exits deregisters itself so the next batch restarts it.
func (r *Runner) EnsureUserProcessor(ctx context.Context, userID uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.baseCtx == nil || r.baseCtx.Err() != nil {
		return
	}
	if _, running := r.processors[userID]; running {
		return
	}

	procCtx, cancel := context.WithCancel(r.baseCtx)
	r.processors[userID] = cancel

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer func() {
			r.mu.Lock()
			delete(r.processors, userID)
			r.mu.Unlock()
		}()
		r.runProcessor(procCtx, userID)
	}()
}

func (r *Runner) runProcessor(ctx context.Context, userID uuid.UUID) {
	logger := r.logger.With(zap.String("user_id", userID.String()))

	consumer, err := r.queue.Consumer(ctx, natsq.StreamUserSend, natsq.ConsumerOptions{
		Durable:       "user-" + userID.String(),
		FilterSubject: natsq.UserSendSubject(userID.String()),
		MaxDeliver:    r.cfg.MaxDeliver,
		MaxAckPending: r.cfg.MaxConcurrentRequests,
	})
	if err != nil {
		logger.Error("failed to create user consumer", zap.Error(err))
		return
	}
	logger.Info("user processor started")

	var jobs sync.WaitGroup
	defer jobs.Wait()

	for ctx.Err() == nil {
		msgs, err := consumer.Fetch(64, jetstream.FetchMaxWait(5*time.Second))
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				continue
			}
			logger.Warn("job fetch failed", zap.Error(err))
			select {
			case <-ctx.Done():
			case <-time.After(time.Second):
			}
			continue
		}

		for msg := range msgs.Messages() {
			select {
			case r.inflight <- struct{}{}:
			case <-ctx.Done():
				_ = msg.Nak()
				continue
			}
			jobs.Add(1)
			go func(msg jetstream.Msg) {
				defer jobs.Done()
				defer func() { <-r.inflight }()
				r.handleJob(ctx, msg)
			}(msg)
		}
	}
	logger.Info("user processor stopped")
}

func (r *Runner) handleJob(ctx context.Context, msg jetstream.Msg) {
	traceID := natsq.TraceID(msg)

	var job natsq.JobData
	if err := json.Unmarshal(msg.Data(), &job); err != nil {
		r.logger.Error("undecodable job message, terminating",
			zap.String("trace_id", traceID), zap.Error(err))
		_ = msg.Term()
		return
	}

	logger := r.logger.With(
		zap.String("trace_id", traceID),
		zap.String("batch_id", job.BatchID.String()),
		zap.String("recipient_id", job.RecipientID.String()))

	redeliveries := natsq.Redeliveries(msg)
	finalAttempt := redeliveries >= r.cfg.MaxDeliver-1

	done, err := r.alreadyProcessed(ctx, job)
	if err != nil {
		r.retryOrFail(ctx, logger, msg, job, finalAttempt, redeliveries, err)
		return
	}
	if done {
		logger.Debug("recipient already terminal, skipping")
		_ = msg.Ack()
		return
	}

	result, execErr := r.execute(ctx, logger, job)
	if execErr != nil {
		if perm := (*permanentError)(nil); errors.As(execErr, &perm) || finalAttempt {
			r.recordFailure(ctx, logger, msg, job, execErr)
			return
		}
		r.retryOrFail(ctx, logger, msg, job, finalAttempt, redeliveries, execErr)
		return
	}

	outcome, err := r.hot.RecordSent(ctx, job.BatchID, job.RecipientID, result.ProviderMessageID)
	if err != nil {
		// The send happened but the record did not; retrying the job is
		// the only way to converge, and the probe absorbs the duplicate
		// once hot state recovers.
		logger.Error("failed to record sent outcome", zap.Error(err))
		_ = msg.NakWithDelay(natsq.JobNakDelay(redeliveries))
		return
	}

	provider := job.SendConfig.Provider
	r.metrics.EmailsSentTotal.WithLabelValues(provider, "sent").Inc()
	r.metrics.EmailSendDuration.WithLabelValues(provider, "sent").Observe(result.Latency.Seconds())

	if !outcome.Duplicate {
		r.sink.Record(analytics.Event{
			EventType:         "sent",
			ModuleType:        job.SendConfig.Module,
			BatchID:           job.BatchID.String(),
			RecipientID:       job.RecipientID.String(),
			UserID:            job.UserID.String(),
			Identifier:        job.Identifier,
			ProviderMessageID: result.ProviderMessageID,
		})
		if job.SendConfig.Module == "email" && result.ProviderMessageID != "" {
			r.index.Put(ctx, analytics.IndexEntry{
				ProviderMessageID: result.ProviderMessageID,
				BatchID:           job.BatchID.String(),
				RecipientID:       job.RecipientID.String(),
				UserID:            job.UserID.String(),
			})
		}
	}

	if outcome.IsComplete {
		r.finishBatch(ctx, logger, job.BatchID)
	}

	_ = msg.Ack()
}

// alreadyProcessed is the idempotency probe: hot state first, durable
// store when the circuit is open. An unverifiable answer is an error so
// the job retries instead of double-sending.
func (r *Runner) alreadyProcessed(ctx context.Context, job natsq.JobData) (bool, error) {
	state, err := r.hot.CheckRecipientProcessed(ctx, job.BatchID, job.RecipientID)
	if err == nil {
		return state != nil, nil
	}
	if !errors.Is(err, hotstate.ErrCircuitOpen) {
		return false, err
	}

	status, dbErr := r.store.GetRecipientStatus(ctx, job.RecipientID)
	if errors.Is(dbErr, batches.ErrNotFound) {
		return false, fmt.Errorf("recipient unknown to durable store: %w", err)
	}
	if dbErr != nil {
		return false, fmt.Errorf("idempotency probe unavailable: %w", dbErr)
	}
	return status.IsTerminal(), nil
}

// permanentError marks a failure that retrying cannot fix.
type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

func (r *Runner) execute(ctx context.Context, logger *zap.Logger, job natsq.JobData) (modules.Result, error) {
	if job.SendConfig == nil {
		return modules.Result{}, &permanentError{err: fmt.Errorf("job carries no send config")}
	}
	config := job.SendConfig

	var mod modules.Module
	if job.DryRun {
		mod = r.dryRun
	} else {
		var err error
		mod, err = r.modules.Get(config.Module)
		if err != nil {
			return modules.Result{}, &permanentError{err: err}
		}
	}

	payload, err := modules.BuildPayload(config.Module, modules.JobInput{
		Identifier:     job.Identifier,
		Name:           job.Name,
		Variables:      job.Variables,
		BatchPayload:   job.BatchPayload,
		ConfigDefaults: config.Config,
	})
	if err != nil {
		return modules.Result{}, &permanentError{err: err}
	}

	res, err := r.limiter.Acquire(ctx, rate.Request{
		Mode:         config.Mode,
		Provider:     config.Provider,
		Module:       config.Module,
		SendConfigID: config.ID.String(),
		UserID:       job.UserID.String(),
	}, config.RateLimitPerSecond, rateAcquireTimeout)
	if err != nil {
		return modules.Result{}, fmt.Errorf("rate limiter unavailable: %w", err)
	}
	if !res.Allowed {
		logger.Debug("rate limited",
			zap.String("limiting_factor", string(res.LimitingFactor)),
			zap.Duration("wait", res.WaitTime))
		return modules.Result{}, fmt.Errorf("%w by %s", rate.ErrRateLimited, res.LimitingFactor)
	}

	result := mod.Execute(ctx, payload, config.Config)
	if !result.Success {
		r.metrics.EmailErrorsTotal.WithLabelValues(config.Provider, errorType(result)).Inc()
		r.metrics.EmailSendDuration.WithLabelValues(config.Provider, "error").Observe(result.Latency.Seconds())
		if result.Permanent {
			return modules.Result{}, &permanentError{err: result.Err}
		}
		return modules.Result{}, result.Err
	}
	return result, nil
}

func errorType(res modules.Result) string {
	if res.Permanent {
		return "permanent"
	}
	return "transient"
}

func (r *Runner) retryOrFail(ctx context.Context, logger *zap.Logger, msg jetstream.Msg,
	job natsq.JobData, finalAttempt bool, redeliveries int, err error) {
	if finalAttempt {
		r.recordFailure(ctx, logger, msg, job, err)
		return
	}
	delay := natsq.JobNakDelay(redeliveries)
	logger.Warn("job failed, will retry",
		zap.Int("redeliveries", redeliveries), zap.Duration("delay", delay), zap.Error(err))
	_ = msg.NakWithDelay(delay)
}

// recordFailure is the only path a recipient reaches failed through the
// worker: final delivery attempt or a permanent provider rejection.
func (r *Runner) recordFailure(ctx context.Context, logger *zap.Logger, msg jetstream.Msg,
	job natsq.JobData, cause error) {

	errMsg := "unknown error"
	if cause != nil {
		errMsg = cause.Error()
	}

	outcome, err := r.hot.RecordFailed(ctx, job.BatchID, job.RecipientID, errMsg)
	if err != nil {
		logger.Error("failed to record failed outcome", zap.Error(err))
		_ = msg.NakWithDelay(natsq.JobNakDelay(natsq.Redeliveries(msg)))
		return
	}

	logger.Warn("recipient failed permanently", zap.String("error", errMsg))
	if !outcome.Duplicate {
		moduleType, provider := "", ""
		if job.SendConfig != nil {
			moduleType, provider = job.SendConfig.Module, job.SendConfig.Provider
		}
		r.metrics.EmailsSentTotal.WithLabelValues(provider, "failed").Inc()
		r.sink.Record(analytics.Event{
			EventType:    "failed",
			ModuleType:   moduleType,
			BatchID:      job.BatchID.String(),
			RecipientID:  job.RecipientID.String(),
			UserID:       job.UserID.String(),
			Identifier:   job.Identifier,
			ErrorMessage: errMsg,
		})
	}

	if outcome.IsComplete {
		r.finishBatch(ctx, logger, job.BatchID)
	}
	_ = msg.Ack()
}

func (r *Runner) finishBatch(ctx context.Context, logger *zap.Logger, batchID uuid.UUID) {
	if err := r.hot.MarkBatchCompleted(ctx, batchID); err != nil {
		logger.Warn("failed to mark batch completed in hot state", zap.Error(err))
		return
	}
	r.metrics.BatchesProcessedTotal.WithLabelValues("completed").Inc()
	logger.Info("batch completed")
}
