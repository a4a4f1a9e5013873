package hotstate

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"batchsender/internal/batches"
	"batchsender/internal/breaker"
	"batchsender/internal/observability"
)

var (
	// ErrCircuitOpen means the hot-state engine is unreachable and the
	// caller must not assume a recipient is unprocessed.
	ErrCircuitOpen = errors.New("hot state circuit open")
	// ErrBackpressure means the engine is under memory pressure and new
	// batches are refused.
	ErrBackpressure = errors.New("memory_pressure")
)

const (
	// Estimated hot-state footprint per recipient, used for admission.
	bytesPerRecipient = 50
	memoryRatioLimit  = 0.85

	defaultActiveBatchTTL    = 24 * time.Hour
	defaultCompletedBatchTTL = 1 * time.Hour
)

type Counters struct {
	Sent   int64
	Failed int64
	Total  int64
}

// RecordOutcome is returned by the terminal-write operations.
type RecordOutcome struct {
	Counters   Counters
	IsComplete bool
	// Duplicate is set when the recipient was already terminal and no
	// counter moved.
	Duplicate bool
}

// Result is one entry of a bulk terminal write.
type Result struct {
	RecipientID       uuid.UUID
	Success           bool
	ProviderMessageID string
	ErrorMessage      string
	SentAt            time.Time
}

type Config struct {
	ActiveBatchTTL    time.Duration
	CompletedBatchTTL time.Duration
	Breaker           breaker.Config
	// Instance labels the engine in memory gauges.
	Instance string
}

func DefaultConfig() Config {
	return Config{
		ActiveBatchTTL:    defaultActiveBatchTTL,
		CompletedBatchTTL: defaultCompletedBatchTTL,
		Breaker:           breaker.DefaultConfig(),
		Instance:          "critical",
	}
}

// Manager is the authoritative view of in-flight batch progress. All
// counter increments and per-recipient terminal writes land here first;
// the sync service mirrors them into Postgres.
type Manager struct {
	redis   *redis.Client
	logger  *zap.Logger
	metrics *observability.Metrics
	cfg     Config

	mu      sync.Mutex
	circuit breaker.State
}

func NewManager(client *redis.Client, logger *zap.Logger, metrics *observability.Metrics, cfg Config) *Manager {
	if cfg.ActiveBatchTTL == 0 {
		cfg.ActiveBatchTTL = defaultActiveBatchTTL
	}
	if cfg.CompletedBatchTTL == 0 {
		cfg.CompletedBatchTTL = defaultCompletedBatchTTL
	}
	if cfg.Instance == "" {
		cfg.Instance = "critical"
	}
	return &Manager{redis: client, logger: logger, metrics: metrics, cfg: cfg}
}

func countersKey(batchID uuid.UUID) string   { return "batch:" + batchID.String() + ":counters" }
func recipientsKey(batchID uuid.UUID) string { return "batch:" + batchID.String() + ":recipients" }
func pendingKey(batchID uuid.UUID) string    { return "batch:" + batchID.String() + ":pending_sync" }

func batchKeys(batchID uuid.UUID) []string {
	return []string{countersKey(batchID), recipientsKey(batchID), pendingKey(batchID)}
}

// allow consults the circuit breaker before a Redis call.
func (m *Manager) allow() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	ok := m.circuit.Check(m.cfg.Breaker, time.Now())
	m.publishBreakerState()
	if !ok {
		return ErrCircuitOpen
	}
	return nil
}

// observe records the outcome of a Redis call on the breaker.
func (m *Manager) observe(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	if err != nil {
		m.circuit.RecordFailure(m.cfg.Breaker, now)
		if m.circuit.Status() == breaker.Open {
			m.logger.Error("hot state circuit opened",
				zap.Int("recent_failures", m.circuit.RecentFailures(m.cfg.Breaker, now)),
				zap.Duration("window", m.cfg.Breaker.Window))
		}
	} else {
		m.circuit.RecordSuccess()
	}
	m.publishBreakerState()
}

func (m *Manager) publishBreakerState() {
	if m.metrics == nil {
		return
	}
	var v float64
	switch m.circuit.Status() {
	case breaker.HalfOpen:
		v = 1
	case breaker.Open:
		v = 2
	}
	m.metrics.DragonflyCircuitBreakerState.WithLabelValues("hotstate").Set(v)
}

// InitializeBatch admits a batch into hot state, refusing under memory
// pressure. remaining is the count of recipients not yet terminal in
// Postgres; re-initialization for a redelivered batch grows the
// expected total to cover progress already recorded here, never
// shrinking it.
func (m *Manager) InitializeBatch(ctx context.Context, batchID uuid.UUID, remaining int) error {
	if err := m.allow(); err != nil {
		return err
	}

	if err := m.checkMemoryPressure(ctx, remaining); err != nil {
		return err
	}

	err := initBatch.Run(ctx, m.redis, batchKeys(batchID),
		remaining, int(m.cfg.ActiveBatchTTL.Seconds())).Err()
	m.observe(err)
	if err != nil {
		return fmt.Errorf("failed to initialize batch state: %w", err)
	}
	return nil
}

// checkMemoryPressure estimates whether admitting totalRecipients would
// push the engine past the memory ratio limit. Missing memory stats
/// allow the batch: this is a diagnostic, not a correctness gate.
func (m *Manager) checkMemoryPressure(ctx context.Context, totalRecipients int) error {
	info, err := m.redis.Info(ctx, "memory").Result()
	if err != nil {
		m.logger.Warn("memory stats unavailable, admitting batch", zap.Error(err))
		return nil
	}

	used, max := parseMemoryInfo(info)
	if max <= 0 {
		return nil
	}

	if m.metrics != nil {
		m.metrics.DragonflyMemoryUsed.WithLabelValues(m.cfg.Instance).Set(float64(used))
		m.metrics.DragonflyMemoryRatio.WithLabelValues(m.cfg.Instance).Set(float64(used) / float64(max))
	}

	estimated := int64(totalRecipients) * bytesPerRecipient
	if overMemoryLimit(used, max, estimated) {
		if m.metrics != nil {
			m.metrics.BatchesRejectedMemoryPressure.Inc()
		}
		m.logger.Warn("rejecting batch due to memory pressure",
			zap.Int64("used_bytes", used),
			zap.Int64("max_bytes", max),
			zap.Int64("estimated_bytes", estimated))
		return ErrBackpressure
	}
	return nil
}

func overMemoryLimit(used, max, estimated int64) bool {
	return float64(used+estimated)/float64(max) > memoryRatioLimit
}

func parseMemoryInfo(info string) (used, max int64) {
	for _, line := range strings.Split(info, "\n") {
		line = strings.TrimSpace(line)
		if v, ok := strings.CutPrefix(line, "used_memory:"); ok {
			used, _ = strconv.ParseInt(v, 10, 64)
		} else if v, ok := strings.CutPrefix(line, "maxmemory:"); ok {
			max, _ = strconv.ParseInt(v, 10, 64)
		}
	}
	return used, max
}

// CheckRecipientProcessed returns the terminal state of a recipient, or
/// nil if it has none. Fail-safe: circuit-open and Redis errors propagate
// so the caller never executes without a verified non-terminal view.
func (m *Manager) CheckRecipientProcessed(ctx context.Context, batchID, recipientID uuid.UUID) (*RecipientState, error) {
	if err := m.allow(); err != nil {
		return nil, err
	}

	val, err := m.redis.HGet(ctx, recipientsKey(batchID), recipientID.String()).Result()
	if err == redis.Nil {
		m.observe(nil)
		return nil, nil
	}
	m.observe(err)
	if err != nil {
		return nil, fmt.Errorf("failed to check recipient state: %w", err)
	}

	state, err := Decode(val)
	if err != nil {
		return nil, err
	}
	if !state.Status.IsTerminal() {
		return nil, nil
	}
	return &state, nil
}

// CheckRecipientsProcessedBatch is the bulk idempotency probe. Same
// fail-safe contract as the single probe.
func (m *Manager) CheckRecipientsProcessedBatch(ctx context.Context, batchID uuid.UUID, recipientIDs []uuid.UUID) (map[uuid.UUID]RecipientState, error) {
	if len(recipientIDs) == 0 {
		return map[uuid.UUID]RecipientState{}, nil
	}
	if err := m.allow(); err != nil {
		return nil, err
	}

	fields := make([]string, len(recipientIDs))
	for i, id := range recipientIDs {
		fields[i] = id.String()
	}

	vals, err := m.redis.HMGet(ctx, recipientsKey(batchID), fields...).Result()
	m.observe(err)
	if err != nil {
		return nil, fmt.Errorf("failed to check recipient states: %w", err)
	}

	states := make(map[uuid.UUID]RecipientState)
	for i, v := range vals {
		s, ok := v.(string)
		if !ok {
			continue
		}
		state, err := Decode(s)
		if err != nil {
			m.logger.Warn("undecodable recipient state",
				zap.String("recipient_id", fields[i]), zap.Error(err))
			continue
		}
		if state.Status.IsTerminal() {
			states[recipientIDs[i]] = state
		}
	}
	return states, nil
}

// RecordSent atomically increments the sent counter, writes the compact
// state and adds the recipient to the pending-sync set.
func (m *Manager) RecordSent(ctx context.Context, batchID, recipientID uuid.UUID, providerMessageID string) (RecordOutcome, error) {
	encoded, err := Encode(RecipientState{
		Status:            batches.RecipientSent,
		SentAt:            time.Now(),
		ProviderMessageID: providerMessageID,
	})
	if err != nil {
		return RecordOutcome{}, err
	}
	return m.runRecord(ctx, batchID, recipientID, encoded, "sent")
}

// RecordFailed is the failure-path counterpart of RecordSent.
func (m *Manager) RecordFailed(ctx context.Context, batchID, recipientID uuid.UUID, errorMessage string) (RecordOutcome, error) {
	encoded, err := Encode(RecipientState{
		Status:       batches.RecipientFailed,
		ErrorMessage: errorMessage,
	})
	if err != nil {
		return RecordOutcome{}, err
	}
	return m.runRecord(ctx, batchID, recipientID, encoded, "failed")
}

func (m *Manager) runRecord(ctx context.Context, batchID, recipientID uuid.UUID, encoded, field string) (RecordOutcome, error) {
	if err := m.allow(); err != nil {
		return RecordOutcome{}, err
	}

	res, err := recordResult.Run(ctx, m.redis, batchKeys(batchID),
		recipientID.String(), encoded, field, int(m.cfg.ActiveBatchTTL.Seconds())).Int64Slice()
	m.observe(err)
	if err != nil {
		return RecordOutcome{}, fmt.Errorf("failed to record %s: %w", field, err)
	}
	if len(res) != 5 {
		return RecordOutcome{}, fmt.Errorf("unexpected record result length %d", len(res))
	}

	return RecordOutcome{
		Counters:   Counters{Sent: res[0], Failed: res[1], Total: res[2]},
		IsComplete: res[3] == 1,
		Duplicate:  res[4] == 1,
	}, nil
}

// RecordResultsBatch applies many terminal outcomes in one scripted call.
func (m *Manager) RecordResultsBatch(ctx context.Context, batchID uuid.UUID, results []Result) (RecordOutcome, error) {
	if len(results) == 0 {
		return RecordOutcome{}, nil
	}
	if err := m.allow(); err != nil {
		return RecordOutcome{}, err
	}

	argv := make([]interface{}, 0, 1+3*len(results))
	argv = append(argv, int(m.cfg.ActiveBatchTTL.Seconds()))
	for _, r := range results {
		var state RecipientState
		field := "failed"
		if r.Success {
			field = "sent"
			sentAt := r.SentAt
			if sentAt.IsZero() {
				sentAt = time.Now()
			}
			state = RecipientState{
				Status:            batches.RecipientSent,
				SentAt:            sentAt,
				ProviderMessageID: r.ProviderMessageID,
			}
		} else {
			state = RecipientState{
				Status:       batches.RecipientFailed,
				ErrorMessage: r.ErrorMessage,
			}
		}
		encoded, err := Encode(state)
		if err != nil {
			return RecordOutcome{}, err
		}
		argv = append(argv, r.RecipientID.String(), encoded, field)
	}

	res, err := recordBatch.Run(ctx, m.redis, batchKeys(batchID), argv...).Int64Slice()
	m.observe(err)
	if err != nil {
		return RecordOutcome{}, fmt.Errorf("failed to record results batch: %w", err)
	}
	if len(res) != 5 {
		return RecordOutcome{}, fmt.Errorf("unexpected batch record result length %d", len(res))
	}

	return RecordOutcome{
		Counters:   Counters{Sent: res[0], Failed: res[1], Total: res[2]},
		IsComplete: res[3] == 1,
	}, nil
}

// MarkBatchCompleted shortens all batch keys to the completed TTL so
// finished batches are evicted quickly.
func (m *Manager) MarkBatchCompleted(ctx context.Context, batchID uuid.UUID) error {
	if err := m.allow(); err != nil {
		return err
	}

	err := markCompleted.Run(ctx, m.redis, batchKeys(batchID),
		int(m.cfg.CompletedBatchTTL.Seconds())).Err()
	m.observe(err)
	if err != nil {
		return fmt.Errorf("failed to mark batch completed: %w", err)
	}
	return nil
}

func (m *Manager) GetCounters(ctx context.Context, batchID uuid.UUID) (Counters, error) {
	if err := m.allow(); err != nil {
		return Counters{}, err
	}

	vals, err := m.redis.HMGet(ctx, countersKey(batchID), "sent", "failed", "total").Result()
	m.observe(err)
	if err != nil {
		return Counters{}, fmt.Errorf("failed to get counters: %w", err)
	}

	parse := func(v interface{}) int64 {
		s, ok := v.(string)
		if !ok {
			return 0
		}
		n, _ := strconv.ParseInt(s, 10, 64)
		return n
	}
	return Counters{Sent: parse(vals[0]), Failed: parse(vals[1]), Total: parse(vals[2])}, nil
}

func (m *Manager) IsBatchComplete(ctx context.Context, batchID uuid.UUID) (bool, error) {
	c, err := m.GetCounters(ctx, batchID)
	if err != nil {
		return false, err
	}
	return c.Total > 0 && c.Sent+c.Failed >= c.Total, nil
}

// GetPendingSyncRecipients returns up to limit recipients with terminal
// hot-state updates not yet mirrored to Postgres.
func (m *Manager) GetPendingSyncRecipients(ctx context.Context, batchID uuid.UUID, limit int) ([]uuid.UUID, error) {
	if err := m.allow(); err != nil {
		return nil, err
	}

	members, err := m.redis.SRandMemberN(ctx, pendingKey(batchID), int64(limit)).Result()
	m.observe(err)
	if err != nil {
		return nil, fmt.Errorf("failed to read pending sync set: %w", err)
	}

	ids := make([]uuid.UUID, 0, len(members))
	for _, member := range members {
		id, err := uuid.Parse(member)
		if err != nil {
			m.logger.Warn("malformed recipient id in pending sync set", zap.String("member", member))
			continue
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// GetRecipientStates reads the decoded states of the given recipients.
func (m *Manager) GetRecipientStates(ctx context.Context, batchID uuid.UUID, recipientIDs []uuid.UUID) (map[uuid.UUID]RecipientState, error) {
	if len(recipientIDs) == 0 {
		return map[uuid.UUID]RecipientState{}, nil
	}
	if err := m.allow(); err != nil {
		return nil, err
	}

	fields := make([]string, len(recipientIDs))
	for i, id := range recipientIDs {
		fields[i] = id.String()
	}

	vals, err := m.redis.HMGet(ctx, recipientsKey(batchID), fields...).Result()
	m.observe(err)
	if err != nil {
		return nil, fmt.Errorf("failed to get recipient states: %w", err)
	}

	states := make(map[uuid.UUID]RecipientState, len(recipientIDs))
	for i, v := range vals {
		s, ok := v.(string)
		if !ok {
			continue
		}
		state, err := Decode(s)
		if err != nil {
			m.logger.Warn("undecodable recipient state",
				zap.String("recipient_id", fields[i]), zap.Error(err))
			continue
		}
		states[recipientIDs[i]] = state
	}
	return states, nil
}

// MarkSynced removes recipients from the pending-sync set after their
// terminal state reached Postgres.
func (m *Manager) MarkSynced(ctx context.Context, batchID uuid.UUID, recipientIDs []uuid.UUID) error {
	if len(recipientIDs) == 0 {
		return nil
	}
	if err := m.allow(); err != nil {
		return err
	}

	members := make([]interface{}, len(recipientIDs))
	for i, id := range recipientIDs {
		members[i] = id.String()
	}

	err := m.redis.SRem(ctx, pendingKey(batchID), members...).Err()
	m.observe(err)
	if err != nil {
		return fmt.Errorf("failed to mark recipients synced: %w", err)
	}
	return nil
}

// PendingSyncCount reports the size of a batch's pending-sync set.
func (m *Manager) PendingSyncCount(ctx context.Context, batchID uuid.UUID) (int64, error) {
	if err := m.allow(); err != nil {
		return 0, err
	}

	n, err := m.redis.SCard(ctx, pendingKey(batchID)).Result()
	m.observe(err)
	if err != nil {
		return 0, fmt.Errorf("failed to count pending sync set: %w", err)
	}
	return n, nil
}

// GetActiveBatchIDs scans for batches with a pending-sync set.
func (m *Manager) GetActiveBatchIDs(ctx context.Context) ([]uuid.UUID, error) {
	if err := m.allow(); err != nil {
		return nil, err
	}

	var ids []uuid.UUID
	var cursor uint64
	for {
		keys, next, err := m.redis.Scan(ctx, cursor, "batch:*:pending_sync", 100).Result()
		if err != nil {
			m.observe(err)
			return nil, fmt.Errorf("failed to scan pending sync keys: %w", err)
		}
		for _, key := range keys {
			parts := strings.Split(key, ":")
			if len(parts) != 3 {
				continue
			}
			id, err := uuid.Parse(parts[1])
			if err != nil {
				continue
			}
			ids = append(ids, id)
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	m.observe(nil)
	return ids, nil
}

// Close flushes nothing; hot state is owned by the engine. Present so the
// manager honors the process-wide singleton shutdown contract.
func (m *Manager) Close() error {
	return nil
}
