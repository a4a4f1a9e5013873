package modules

import (
	"context"
	"crypto/md5"
	"encoding/json"
	"fmt"
	"math/rand"
	"time"

	"go.uber.org/zap"
)

// DryRunExecutor replaces real modules when a batch is flagged dry-run.
// It simulates provider latency and returns deterministic message ids so
// the full pipeline — idempotency, hot state, sync, finalization — runs
// without any outbound traffic.
type DryRunExecutor struct {
	minLatency time.Duration
	maxLatency time.Duration
	logger     *zap.Logger
}

func NewDryRunExecutor(minLatencyMs, maxLatencyMs int, logger *zap.Logger) *DryRunExecutor {
	if minLatencyMs < 0 {
		minLatencyMs = 0
	}
	if maxLatencyMs < minLatencyMs {
		maxLatencyMs = minLatencyMs
	}
	return &DryRunExecutor{
		minLatency: time.Duration(minLatencyMs) * time.Millisecond,
		maxLatency: time.Duration(maxLatencyMs) * time.Millisecond,
		logger:     logger,
	}
}

func (d *DryRunExecutor) Name() string { return "dryrun" }

func (d *DryRunExecutor) Execute(ctx context.Context, payload Payload, _ json.RawMessage) Result {
	start := time.Now()

	delay := d.minLatency
	if d.maxLatency > d.minLatency {
		delay += time.Duration(rand.Int63n(int64(d.maxLatency - d.minLatency)))
	}
	if delay > 0 {
		select {
		case <-ctx.Done():
			return Result{Err: ctx.Err(), Latency: time.Since(start)}
		case <-time.After(delay):
		}
	}

	// Deterministic per recipient so redeliveries produce the same id.
	sum := md5.Sum([]byte(payload.To + payload.Subject + payload.Message))
	id := fmt.Sprintf("dryrun_%x", sum[:8])

	return Result{Success: true, ProviderMessageID: id, Latency: time.Since(start)}
}
