// Package metrics collects sync counters and per-subsystem errors for the
// status endpoint. A Sink is injected into the components that report to it.
package metrics

import (
	"sync"
	"time"
)

// Cycle outcomes.
const (
	OutcomeApplied = "applied"
	OutcomeDryRun  = "dry_run"
	OutcomeAborted = "aborted"
	OutcomeFailed  = "failed"
)

// Subsystems that report errors.
const (
	SubsystemObserver = "observer"
	SubsystemProvider = "provider"
	SubsystemStore    = "store"
	SubsystemSafety   = "safety"
)

// CycleStats describes a single reconciliation cycle.
type CycleStats struct {
	Outcome     string        `json:"outcome"`
	Created     int           `json:"created"`
	Updated     int           `json:"updated"`
	Deleted     int           `json:"deleted"`
	Skipped     int           `json:"skipped"`
	Failed      int           `json:"failed"`
	ManagedSize int           `json:"managed_size"`
	Duration    time.Duration `json:"duration"`
	FinishedAt  time.Time     `json:"finished_at"`
}

// Totals accumulates counters across cycles.
type Totals struct {
	Cycles  int `json:"cycles"`
	Created int `json:"created"`
	Updated int `json:"updated"`
	Deleted int `json:"deleted"`
	Failed  int `json:"failed"`
	Aborted int `json:"aborted"`
}

// CallStats counts provider calls for one operation.
type CallStats struct {
	Success       int     `json:"success"`
	Failure       int     `json:"failure"`
	LastLatencyMS float64 `json:"last_latency_ms"`
}

// ErrorInfo is the most recent error reported by a subsystem.
type ErrorInfo struct {
	Message string    `json:"message"`
	At      time.Time `json:"at"`
}

// Snapshot is a point-in-time copy of the sink.
type Snapshot struct {
	LastCycle   *CycleStats          `json:"last_cycle,omitempty"`
	LastSync    *time.Time           `json:"last_sync,omitempty"`
	ManagedSize int                  `json:"managed_size"`
	Totals      Totals               `json:"totals"`
	Calls       map[string]CallStats `json:"calls"`
	Errors      map[string]ErrorInfo `json:"errors"`
}

// Sink is a thread-safe metrics collector.
type Sink struct {
	mu       sync.Mutex
	now      func() time.Time
	last     *CycleStats
	lastSync time.Time
	managed  int
	totals   Totals
	calls    map[string]*CallStats
	errors   map[string]ErrorInfo
}

func NewSink() *Sink {
	return &Sink{
		now:    time.Now,
		calls:  make(map[string]*CallStats),
		errors: make(map[string]ErrorInfo),
	}
}

// RecordCycle stores the outcome of a cycle. The last-sync time and managed
// size only move forward for cycles that applied changes.
func (s *Sink) RecordCycle(stats CycleStats) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if stats.FinishedAt.IsZero() {
		stats.FinishedAt = s.now()
	}
	s.last = &stats
	s.totals.Cycles++
	s.totals.Created += stats.Created
	s.totals.Updated += stats.Updated
	s.totals.Deleted += stats.Deleted
	s.totals.Failed += stats.Failed
	switch stats.Outcome {
	case OutcomeAborted, OutcomeFailed:
		s.totals.Aborted++
	case OutcomeApplied:
		s.lastSync = stats.FinishedAt
		s.managed = stats.ManagedSize
	}
}

// RecordError remembers the latest error for a subsystem.
func (s *Sink) RecordError(subsystem string, err error) {
	if err == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errors[subsystem] = ErrorInfo{Message: err.Error(), At: s.now()}
}

// ClearError forgets the error for a subsystem after it recovers.
func (s *Sink) ClearError(subsystem string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.errors, subsystem)
}

// RecordCall counts one provider call.
func (s *Sink) RecordCall(operation string, success bool, latency time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stats, ok := s.calls[operation]
	if !ok {
		stats = &CallStats{}
		s.calls[operation] = stats
	}
	if success {
		stats.Success++
	} else {
		stats.Failure++
	}
	stats.LastLatencyMS = float64(latency.Microseconds()) / 1000
}

func (s *Sink) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := Snapshot{
		ManagedSize: s.managed,
		Totals:      s.totals,
		Calls:       make(map[string]CallStats, len(s.calls)),
		Errors:      make(map[string]ErrorInfo, len(s.errors)),
	}
	if s.last != nil {
		last := *s.last
		snap.LastCycle = &last
	}
	if !s.lastSync.IsZero() {
		ts := s.lastSync
		snap.LastSync = &ts
	}
	for k, v := range s.calls {
		snap.Calls[k] = *v
	}
	for k, v := range s.errors {
		snap.Errors[k] = v
	}
	return snap
}
