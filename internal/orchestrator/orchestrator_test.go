package orchestrator

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"batchsender/internal/batches"
	"batchsender/internal/hotstate"
)

func newTestOrchestrator(t *testing.T) (*Orchestrator, *hotstate.Manager, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	hot := hotstate.NewManager(client, zap.NewNop(), nil, hotstate.DefaultConfig())
	o := New(nil, hot, nil, nil, nil, nil, zap.NewNop(), Config{})
	return o, hot, mr
}

func TestFilterProcessedDropsTerminalRecipients(t *testing.T) {
	o, hot, _ := newTestOrchestrator(t)
	ctx := context.Background()
	batchID := uuid.New()

	done, fresh := uuid.New(), uuid.New()
	if err := hot.InitializeBatch(ctx, batchID, 2); err != nil {
		t.Fatal(err)
	}
	if _, err := hot.RecordSent(ctx, batchID, done, "msg_1"); err != nil {
		t.Fatal(err)
	}

	page := []*batches.Recipient{{ID: done}, {ID: fresh}}
	got := o.filterProcessed(ctx, batchID, page)
	if len(got) != 1 || got[0].ID != fresh {
		t.Fatalf("filtered page = %v, want only the unprocessed recipient", got)
	}
}

func TestFilterProcessedFailsOpen(t *testing.T) {
	// When hot state cannot answer, everything is published; queue dedup
	// and the worker-side check absorb the duplicates.
	o, _, mr := newTestOrchestrator(t)
	batchID := uuid.New()
	mr.Close()

	page := []*batches.Recipient{{ID: uuid.New()}, {ID: uuid.New()}}
	got := o.filterProcessed(context.Background(), batchID, page)
	if len(got) != len(page) {
		t.Fatalf("filtered page = %d recipients, want all %d", len(got), len(page))
	}
}

func TestMaxRecipientID(t *testing.T) {
	low := uuid.MustParse("00000000-0000-0000-0000-000000000001")
	mid := uuid.MustParse("7fffffff-0000-0000-0000-000000000000")
	high := uuid.MustParse("ffffffff-0000-0000-0000-000000000000")

	page := []*batches.Recipient{{ID: mid}, {ID: high}, {ID: low}}
	if got := maxRecipientID(page); got != high {
		t.Errorf("maxRecipientID = %s, want %s", got, high)
	}
}
