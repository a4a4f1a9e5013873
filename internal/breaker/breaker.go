// Package breaker implements the circuit-breaker transition policy shared
// by the hot-state manager and the resilient HTTP client. It is a pure
// state machine: callers own locking and persistence.
package breaker

import "time"

type Status int

const (
	Closed Status = iota
	HalfOpen
	Open
)

func (s Status) String() string {
	switch s {
	case Closed:
		return "closed"
	case HalfOpen:
		return "half-open"
	case Open:
		return "open"
	}
	return "unknown"
}

type Config struct {
	// Threshold is the number of failures within Window that opens
	// the circuit.
	Threshold int
	// Window is the sliding window over which failures are counted.
	Window time.Duration
	// ResetTimeout is how long the circuit stays open before a
	// half-open probe is permitted.
	ResetTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		Threshold:    5,
		Window:       30 * time.Second,
		ResetTimeout: 15 * time.Second,
	}
}

// State holds the mutable breaker state. The zero value is a closed
// circuit with no failure history.
type State struct {
	status     Status
	failures   []time.Time
	openedAt   time.Time
	probeStart time.Time
}

func (s *State) Status() Status { return s.status }

// RecentFailures returns the number of failures still inside the window.
func (s *State) RecentFailures(cfg Config, now time.Time) int {
	n := 0
	for _, t := range s.failures {
		if now.Sub(t) <= cfg.Window {
			n++
		}
	}
	return n
}

// Check reports whether a call may proceed, transitioning open
// circuits to half-open once the reset timeout has elapsed. A half-open
// circuit admits a single probe; further calls are refused until the
// probe reports an outcome or goes stale.
func (s *State) Check(cfg Config, now time.Time) bool {
	switch s.status {
	case Closed:
		return true
	case HalfOpen:
		if s.probeStart.IsZero() || now.Sub(s.probeStart) >= cfg.ResetTimeout {
			s.probeStart = now
			return true
		}
		return false
	case Open:
		if now.Sub(s.openedAt) >= cfg.ResetTimeout {
			s.status = HalfOpen
			s.probeStart = now
			return true
		}
		return false
	}
	return false
}

// RecordSuccess closes a half-open circuit and clears its failure
// history. Successes on a closed circuit leave the window untouched so
// intermittent failures still accumulate toward the threshold.
func (s *State) RecordSuccess() {
	if s.status == HalfOpen {
		s.status = Closed
		s.failures = nil
		s.probeStart = time.Time{}
	}
}

// RecordFailure registers a failure, pruning entries outside the window.
// A half-open circuit re-opens immediately; a closed circuit opens once
// the threshold is reached.
func (s *State) RecordFailure(cfg Config, now time.Time) {
	if s.status == HalfOpen {
		s.status = Open
		s.openedAt = now
		s.probeStart = time.Time{}
		return
	}

	s.failures = append(s.failures, now)
	s.prune(cfg, now)

	if s.status == Closed && len(s.failures) >= cfg.Threshold {
		s.status = Open
		s.openedAt = now
	}
}

// Snapshot is the serializable form of State, used by callers that
// persist breaker state in a shared store.
type Snapshot struct {
	Status     Status  `json:"status"`
	Failures   []int64 `json:"failures,omitempty"` // unix millis
	OpenedAt   int64   `json:"opened_at,omitempty"`
	ProbeStart int64   `json:"probe_start,omitempty"`
}

func (s *State) Snapshot() Snapshot {
	snap := Snapshot{Status: s.status}
	if !s.openedAt.IsZero() {
		snap.OpenedAt = s.openedAt.UnixMilli()
	}
	if !s.probeStart.IsZero() {
		snap.ProbeStart = s.probeStart.UnixMilli()
	}
	for _, t := range s.failures {
		snap.Failures = append(snap.Failures, t.UnixMilli())
	}
	return snap
}

func FromSnapshot(snap Snapshot) *State {
	s := &State{status: snap.Status}
	if snap.OpenedAt != 0 {
		s.openedAt = time.UnixMilli(snap.OpenedAt)
	}
	if snap.ProbeStart != 0 {
		s.probeStart = time.UnixMilli(snap.ProbeStart)
	}
	for _, ms := range snap.Failures {
		s.failures = append(s.failures, time.UnixMilli(ms))
	}
	return s
}

func (s *State) prune(cfg Config, now time.Time) {
	kept := s.failures[:0]
	for _, t := range s.failures {
		if now.Sub(t) <= cfg.Window {
			kept = append(kept, t)
		}
	}
	s.failures = kept
}
