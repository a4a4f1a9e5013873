package breaker

import (
	"testing"
	"time"
)

func testConfig() Config {
	return Config{
		Threshold:    3,
		Window:       10 * time.Second,
		ResetTimeout: 5 * time.Second,
	}
}

func TestOpensAtThreshold(t *testing.T) {
	cfg := testConfig()
	now := time.Now()

	var s State
	s.RecordFailure(cfg, now)
	s.RecordFailure(cfg, now.Add(time.Second))
	if s.Status() != Closed {
		t.Fatalf("expected closed after 2 failures, got %v", s.Status())
	}

	s.RecordFailure(cfg, now.Add(2*time.Second))
	if s.Status() != Open {
		t.Fatalf("expected open after %d failures, got %v", cfg.Threshold, s.Status())
	}
	if s.Check(cfg, now.Add(3*time.Second)) {
		t.Error("open circuit should refuse calls before reset timeout")
	}
}

func TestFailuresOutsideWindowIgnored(t *testing.T) {
	cfg := testConfig()
	now := time.Now()

	var s State
	s.RecordFailure(cfg, now)
	s.RecordFailure(cfg, now.Add(time.Second))
	// Third failure lands after the first two left the window.
	s.RecordFailure(cfg, now.Add(15*time.Second))

	if s.Status() != Closed {
		t.Errorf("stale failures must not count toward the threshold, got %v", s.Status())
	}
}

func TestSuccessWhileClosedKeepsFailureWindow(t *testing.T) {
	cfg := testConfig()
	now := time.Now()

	// Mixed traffic: successes interleaved with failures must not reset
	// the window, or a flapping backend never trips the breaker.
	var s State
	s.RecordFailure(cfg, now)
	s.RecordSuccess()
	s.RecordFailure(cfg, now.Add(time.Second))
	s.RecordSuccess()
	s.RecordFailure(cfg, now.Add(2*time.Second))

	if s.Status() != Open {
		t.Errorf("status after %d windowed failures = %v, want Open", cfg.Threshold, s.Status())
	}
}

func TestHalfOpenAfterResetTimeout(t *testing.T) {
	cfg := testConfig()
	now := time.Now()

	var s State
	for i := 0; i < cfg.Threshold; i++ {
		s.RecordFailure(cfg, now)
	}
	if s.Status() != Open {
		t.Fatalf("expected open, got %v", s.Status())
	}

	if !s.Check(cfg, now.Add(cfg.ResetTimeout)) {
		t.Fatal("expected probe permitted after reset timeout")
	}
	if s.Status() != HalfOpen {
		t.Fatalf("expected half-open, got %v", s.Status())
	}
}

func TestHalfOpenSuccessCloses(t *testing.T) {
	cfg := testConfig()
	now := time.Now()

	var s State
	for i := 0; i < cfg.Threshold; i++ {
		s.RecordFailure(cfg, now)
	}
	s.Check(cfg, now.Add(cfg.ResetTimeout))
	s.RecordSuccess()

	if s.Status() != Closed {
		t.Fatalf("expected closed after half-open success, got %v", s.Status())
	}
	if got := s.RecentFailures(cfg, now); got != 0 {
		t.Errorf("failure history must be cleared on close, got %d", got)
	}
}

func TestHalfOpenAdmitsSingleProbe(t *testing.T) {
	cfg := testConfig()
	now := time.Now()

	var s State
	for i := 0; i < cfg.Threshold; i++ {
		s.RecordFailure(cfg, now)
	}

	probeTime := now.Add(cfg.ResetTimeout)
	if !s.Check(cfg, probeTime) {
		t.Fatal("expected first probe permitted")
	}
	if s.Check(cfg, probeTime.Add(time.Second)) {
		t.Error("second call during an in-flight probe must be refused")
	}

	s.RecordSuccess()
	if !s.Check(cfg, probeTime.Add(2*time.Second)) {
		t.Error("closed circuit after probe success should admit calls")
	}
}

func TestHalfOpenStaleProbeRetried(t *testing.T) {
	cfg := testConfig()
	now := time.Now()

	var s State
	for i := 0; i < cfg.Threshold; i++ {
		s.RecordFailure(cfg, now)
	}

	probeTime := now.Add(cfg.ResetTimeout)
	s.Check(cfg, probeTime)

	// Probe never reported (caller crashed mid-call). After another reset
	// timeout a new probe is permitted.
	if !s.Check(cfg, probeTime.Add(cfg.ResetTimeout)) {
		t.Error("stale probe must not wedge the circuit half-open")
	}
}

func TestHalfOpenFailureReopens(t *testing.T) {
	cfg := testConfig()
	now := time.Now()

	var s State
	for i := 0; i < cfg.Threshold; i++ {
		s.RecordFailure(cfg, now)
	}
	probeTime := now.Add(cfg.ResetTimeout)
	s.Check(cfg, probeTime)
	s.RecordFailure(cfg, probeTime)

	if s.Status() != Open {
		t.Fatalf("expected re-open after half-open failure, got %v", s.Status())
	}
	// openedAt must reset: a check right before the new deadline stays refused.
	if s.Check(cfg, probeTime.Add(cfg.ResetTimeout-time.Millisecond)) {
		t.Error("re-opened circuit should refuse until the new reset timeout elapses")
	}
}
