package hotstate

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

func newTestManager(t *testing.T) (*Manager, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewManager(client, zap.NewNop(), nil, DefaultConfig()), mr
}

func TestRecordSentCountsAndCompletes(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()
	batchID := uuid.New()

	if err := m.InitializeBatch(ctx, batchID, 2); err != nil {
		t.Fatalf("InitializeBatch() error: %v", err)
	}

	r1, r2 := uuid.New(), uuid.New()

	out, err := m.RecordSent(ctx, batchID, r1, "msg_1")
	if err != nil {
		t.Fatalf("RecordSent() error: %v", err)
	}
	if out.Counters.Sent != 1 || out.IsComplete || out.Duplicate {
		t.Errorf("after first send: %+v", out)
	}

	out, err = m.RecordFailed(ctx, batchID, r2, "provider 500")
	if err != nil {
		t.Fatalf("RecordFailed() error: %v", err)
	}
	if out.Counters.Failed != 1 || !out.IsComplete {
		t.Errorf("after final outcome: %+v", out)
	}
}

func TestRecordSentIsIdempotent(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()
	batchID, recipientID := uuid.New(), uuid.New()

	if err := m.InitializeBatch(ctx, batchID, 5); err != nil {
		t.Fatal(err)
	}

	first, err := m.RecordSent(ctx, batchID, recipientID, "msg_1")
	if err != nil {
		t.Fatal(err)
	}
	second, err := m.RecordSent(ctx, batchID, recipientID, "msg_1_retry")
	if err != nil {
		t.Fatal(err)
	}

	if first.Duplicate {
		t.Error("first record flagged duplicate")
	}
	if !second.Duplicate {
		t.Error("second record not flagged duplicate")
	}
	if second.Counters.Sent != 1 {
		t.Errorf("sent counter = %d after duplicate record, want 1", second.Counters.Sent)
	}

	// The original provider message id must survive the duplicate write.
	state, err := m.CheckRecipientProcessed(ctx, batchID, recipientID)
	if err != nil {
		t.Fatal(err)
	}
	if state == nil || state.ProviderMessageID != "msg_1" {
		t.Errorf("state after duplicate = %+v, want original msg_1", state)
	}
}

func TestReinitializePreservesCounters(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()
	batchID := uuid.New()

	if err := m.InitializeBatch(ctx, batchID, 3); err != nil {
		t.Fatal(err)
	}
	if _, err := m.RecordSent(ctx, batchID, uuid.New(), "msg_1"); err != nil {
		t.Fatal(err)
	}

	// A redelivered batch message re-initializes; progress must survive.
	if err := m.InitializeBatch(ctx, batchID, 3); err != nil {
		t.Fatal(err)
	}

	c, err := m.GetCounters(ctx, batchID)
	if err != nil {
		t.Fatal(err)
	}
	if c.Sent != 1 || c.Total != 3 {
		t.Errorf("counters after re-init = %+v, want sent=1 total=3", c)
	}
}

func TestReinitializeNeverShrinksTotal(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()
	batchID := uuid.New()

	if err := m.InitializeBatch(ctx, batchID, 10); err != nil {
		t.Fatal(err)
	}
	sent := make([]uuid.UUID, 3)
	for i := range sent {
		sent[i] = uuid.New()
		if _, err := m.RecordSent(ctx, batchID, sent[i], "msg"); err != nil {
			t.Fatal(err)
		}
	}

	// After the first three outcomes sync to Postgres, a redelivery sees
	// 7 remaining rows. Re-initializing with that count must keep the
	// expected total at 10, not declare the batch done 3 short.
	if err := m.MarkSynced(ctx, batchID, sent); err != nil {
		t.Fatal(err)
	}
	if err := m.InitializeBatch(ctx, batchID, 7); err != nil {
		t.Fatal(err)
	}

	c, err := m.GetCounters(ctx, batchID)
	if err != nil {
		t.Fatal(err)
	}
	if c.Total != 10 || c.Sent != 3 {
		t.Fatalf("counters after re-init = %+v, want sent=3 total=10", c)
	}

	var out RecordOutcome
	for i := 0; i < 4; i++ {
		out, err = m.RecordSent(ctx, batchID, uuid.New(), "msg")
		if err != nil {
			t.Fatal(err)
		}
	}
	if out.IsComplete {
		t.Errorf("batch complete with %d of %d terminal", out.Counters.Sent, c.Total)
	}

	for i := 0; i < 3; i++ {
		out, err = m.RecordSent(ctx, batchID, uuid.New(), "msg")
		if err != nil {
			t.Fatal(err)
		}
	}
	if !out.IsComplete {
		t.Errorf("batch not complete after all 10 outcomes: %+v", out)
	}
}

func TestReinitializeCountsUnsyncedProgress(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()
	batchID := uuid.New()

	if err := m.InitializeBatch(ctx, batchID, 10); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 3; i++ {
		if _, err := m.RecordSent(ctx, batchID, uuid.New(), "msg"); err != nil {
			t.Fatal(err)
		}
	}

	// Before the sync cycle runs the 3 terminal recipients still count as
	// remaining in Postgres, so a redelivery re-initializes with 10.
	// Adding those back on top of sent=3 would inflate the total to 13.
	if err := m.InitializeBatch(ctx, batchID, 10); err != nil {
		t.Fatal(err)
	}

	c, err := m.GetCounters(ctx, batchID)
	if err != nil {
		t.Fatal(err)
	}
	if c.Total != 10 {
		t.Errorf("total after re-init with unsynced progress = %d, want 10", c.Total)
	}
}

func TestOverMemoryLimit(t *testing.T) {
	tests := []struct {
		name           string
		used, max, add int64
		want           bool
	}{
		{"well under", 100, 1000, 50, false},
		{"exactly at ratio", 800, 1000, 50, false},
		{"over ratio", 800, 1000, 100, true},
		{"admission alone pushes over", 0, 1000, 900, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := overMemoryLimit(tt.used, tt.max, tt.add); got != tt.want {
				t.Errorf("overMemoryLimit(%d, %d, %d) = %v, want %v", tt.used, tt.max, tt.add, got, tt.want)
			}
		})
	}
}

func TestInitializeBatchAdmitsWithoutMemoryStats(t *testing.T) {
	// miniredis has no INFO memory section; admission must fail open
	// rather than refuse every batch.
	m, _ := newTestManager(t)
	ctx := context.Background()

	if err := m.InitializeBatch(ctx, uuid.New(), 1_000_000); err != nil {
		t.Fatalf("InitializeBatch() error: %v", err)
	}
}

func TestParseMemoryInfo(t *testing.T) {
	info := "# Memory\r\nused_memory:1024\r\nused_memory_human:1.00K\r\nmaxmemory:4096\r\n"
	used, max := parseMemoryInfo(info)
	if used != 1024 || max != 4096 {
		t.Errorf("parseMemoryInfo() = (%d, %d), want (1024, 4096)", used, max)
	}
}

func TestPendingSyncLifecycle(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()
	batchID := uuid.New()

	if err := m.InitializeBatch(ctx, batchID, 2); err != nil {
		t.Fatal(err)
	}
	r1, r2 := uuid.New(), uuid.New()
	if _, err := m.RecordSent(ctx, batchID, r1, "msg_1"); err != nil {
		t.Fatal(err)
	}
	if _, err := m.RecordFailed(ctx, batchID, r2, "boom"); err != nil {
		t.Fatal(err)
	}

	active, err := m.GetActiveBatchIDs(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(active) != 1 || active[0] != batchID {
		t.Fatalf("active batches = %v, want [%s]", active, batchID)
	}

	pending, err := m.GetPendingSyncRecipients(ctx, batchID, 100)
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 2 {
		t.Fatalf("pending = %d recipients, want 2", len(pending))
	}

	states, err := m.GetRecipientStates(ctx, batchID, pending)
	if err != nil {
		t.Fatal(err)
	}
	if len(states) != 2 {
		t.Fatalf("states = %d, want 2", len(states))
	}

	if err := m.MarkSynced(ctx, batchID, pending); err != nil {
		t.Fatal(err)
	}
	n, err := m.PendingSyncCount(ctx, batchID)
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Errorf("pending sync count after MarkSynced = %d, want 0", n)
	}
}

func TestMarkBatchCompletedShortensTTL(t *testing.T) {
	m, mr := newTestManager(t)
	ctx := context.Background()
	batchID := uuid.New()

	if err := m.InitializeBatch(ctx, batchID, 1); err != nil {
		t.Fatal(err)
	}
	if _, err := m.RecordSent(ctx, batchID, uuid.New(), "msg_1"); err != nil {
		t.Fatal(err)
	}
	if err := m.MarkBatchCompleted(ctx, batchID); err != nil {
		t.Fatal(err)
	}

	ttl := mr.TTL(countersKey(batchID))
	if ttl <= 0 || ttl > m.cfg.CompletedBatchTTL {
		t.Errorf("counters TTL = %v, want (0, %v]", ttl, m.cfg.CompletedBatchTTL)
	}
}

func TestCheckRecipientProcessedNonTerminal(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()
	batchID, recipientID := uuid.New(), uuid.New()

	// Unknown recipient: no terminal state.
	state, err := m.CheckRecipientProcessed(ctx, batchID, recipientID)
	if err != nil {
		t.Fatal(err)
	}
	if state != nil {
		t.Errorf("state for unknown recipient = %+v, want nil", state)
	}
}

func TestCircuitOpensAfterRedisFailures(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	m := NewManager(client, zap.NewNop(), nil, DefaultConfig())
	ctx := context.Background()
	batchID := uuid.New()

	mr.Close()

	var lastErr error
	for i := 0; i < m.cfg.Breaker.Threshold+1; i++ {
		_, lastErr = m.GetCounters(ctx, batchID)
	}
	if lastErr != ErrCircuitOpen {
		t.Errorf("error after repeated failures = %v, want ErrCircuitOpen", lastErr)
	}

	// The probe must fail safe, never report "unprocessed".
	if _, err := m.CheckRecipientProcessed(ctx, batchID, uuid.New()); err != ErrCircuitOpen {
		t.Errorf("probe error = %v, want ErrCircuitOpen", err)
	}
}

func TestRecordResultsBatch(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()
	batchID := uuid.New()

	if err := m.InitializeBatch(ctx, batchID, 3); err != nil {
		t.Fatal(err)
	}

	results := []Result{
		{RecipientID: uuid.New(), Success: true, ProviderMessageID: "m1"},
		{RecipientID: uuid.New(), Success: true, ProviderMessageID: "m2"},
		{RecipientID: uuid.New(), Success: false, ErrorMessage: "bad address"},
	}
	out, err := m.RecordResultsBatch(ctx, batchID, results)
	if err != nil {
		t.Fatal(err)
	}
	if out.Counters.Sent != 2 || out.Counters.Failed != 1 || !out.IsComplete {
		t.Errorf("bulk outcome = %+v", out)
	}
}
