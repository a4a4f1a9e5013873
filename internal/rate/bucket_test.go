package rate

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

func TestBurstCapacity(t *testing.T) {
	tests := []struct {
		rate     int
		expected int
	}{
		{1, 10},   // floor of 10
		{4, 10},   // 2*4 below floor
		{5, 10},   // exactly the floor
		{100, 200},
		{1000, 2000},
	}
	for _, tt := range tests {
		if got := BurstCapacity(tt.rate); got != tt.expected {
			t.Errorf("BurstCapacity(%d) = %d, want %d", tt.rate, got, tt.expected)
		}
	}
}

func newTestBucket(t *testing.T, rate int) (*TokenBucket, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewTokenBucket(client, zap.NewNop(), "test", rate), mr
}

func TestTryAcquireConsumesBurst(t *testing.T) {
	bucket, _ := newTestBucket(t, 1) // capacity 10
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		allowed, _, err := bucket.TryAcquire(ctx, 1)
		if err != nil {
			t.Fatalf("TryAcquire() error: %v", err)
		}
		if !allowed {
			t.Fatalf("acquire %d refused inside burst capacity", i+1)
		}
	}

	allowed, wait, err := bucket.TryAcquire(ctx, 1)
	if err != nil {
		t.Fatal(err)
	}
	if allowed {
		t.Error("acquire allowed past burst capacity")
	}
	if wait <= 0 {
		t.Errorf("wait = %v, want positive refill estimate", wait)
	}
}

func TestAcquireRespectsMaxWait(t *testing.T) {
	bucket, _ := newTestBucket(t, 1)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		if _, _, err := bucket.TryAcquire(ctx, 1); err != nil {
			t.Fatal(err)
		}
	}

	start := time.Now()
	allowed, wait, err := bucket.Acquire(ctx, 1, 50*time.Millisecond)
	if err != nil {
		t.Fatal(err)
	}
	if allowed {
		t.Error("acquire allowed with empty bucket and short deadline")
	}
	if wait <= 0 {
		t.Errorf("wait = %v, want positive", wait)
	}
	if time.Since(start) > 500*time.Millisecond {
		t.Errorf("Acquire blocked %v past its deadline", time.Since(start))
	}
}

func TestTryAcquireFailsOpen(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	bucket := NewTokenBucket(client, zap.NewNop(), "test", 1)

	mr.Close()

	allowed, _, err := bucket.TryAcquire(context.Background(), 1)
	if !allowed {
		t.Error("acquire refused while limiter store is down; must fail open")
	}
	if err == nil {
		t.Error("expected the underlying error to be reported")
	}
}
