// Package scheduler triggers reconciliation cycles on a fixed interval and
// after debounced change notifications, running at most one cycle at a time.
package scheduler

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

// Stats counts trigger activity.
type Stats struct {
	Triggered int64 `json:"triggered"`
	Coalesced int64 `json:"coalesced"`
	Completed int64 `json:"completed"`
}

// Scheduler owns the timing of reconciliation cycles.
type Scheduler struct {
	run      func(ctx context.Context) error
	interval time.Duration
	debounce time.Duration
	grace    time.Duration
	log      logrus.FieldLogger

	notify chan string
	done   chan error

	triggered atomic.Int64
	coalesced atomic.Int64
	completed atomic.Int64
}

// New builds a scheduler. A zero debounce triggers on the next loop turn
// after a notification.
func New(run func(ctx context.Context) error, interval, debounce, grace time.Duration, log logrus.FieldLogger) *Scheduler {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Scheduler{
		run:      run,
		interval: interval,
		debounce: debounce,
		grace:    grace,
		log:      log.WithField("component", "scheduler"),
		notify:   make(chan string, 1),
		done:     make(chan error, 1),
	}
}

// Notify requests a cycle. It never blocks; notifications arriving while
// one is already queued are merged.
func (s *Scheduler) Notify(reason string) {
	select {
	case s.notify <- reason:
	default:
		s.coalesced.Add(1)
	}
}

func (s *Scheduler) Stats() Stats {
	return Stats{
		Triggered: s.triggered.Load(),
		Coalesced: s.coalesced.Load(),
		Completed: s.completed.Load(),
	}
}

// Run performs an initial cycle and then loops until ctx is cancelled. An
// in-flight cycle is given the grace period to finish; after that its
// context is cancelled and Run still waits for it to return. A run func that
// detaches its writes from ctx can therefore outlast the grace period, bounded
// only by its own per-call timeouts and retries.
func (s *Scheduler) Run(ctx context.Context) error {
	cycleCtx, cancelCycles := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelCycles()

	var ticker <-chan time.Time
	if s.interval > 0 {
		t := time.NewTicker(s.interval)
		defer t.Stop()
		ticker = t.C
	}

	debounce := time.NewTimer(time.Hour)
	stopTimer(debounce)
	defer debounce.Stop()
	debouncing := false

	running := false
	pending := false

	start := func(reason string) {
		if running {
			if !pending {
				pending = true
			} else {
				s.coalesced.Add(1)
			}
			s.log.WithField("reason", reason).Debug("cycle in progress, marking pending")
			return
		}
		running = true
		s.triggered.Add(1)
		s.log.WithField("reason", reason).Debug("starting reconciliation cycle")
		go func() {
			s.done <- s.run(cycleCtx)
		}()
	}

	start("startup")

	for {
		select {
		case <-ctx.Done():
			stopTimer(debounce)
			if running {
				s.drain(cancelCycles)
			}
			s.log.Info("scheduler stopped")
			return nil

		case <-ticker:
			start("interval")

		case reason := <-s.notify:
			if debouncing {
				s.coalesced.Add(1)
				continue
			}
			if s.debounce <= 0 {
				start(reason)
				continue
			}
			debouncing = true
			debounce.Reset(s.debounce)
			s.log.WithField("reason", reason).Debug("change detected, debouncing")

		case <-debounce.C:
			debouncing = false
			start("change")

		case err := <-s.done:
			running = false
			s.completed.Add(1)
			if err != nil {
				s.log.WithError(err).Warn("reconciliation cycle failed")
			}
			if pending {
				pending = false
				start("pending")
			}
		}
	}
}

func (s *Scheduler) drain(cancel context.CancelFunc) {
	s.log.WithField("grace", s.grace.String()).Info("waiting for in-flight cycle")
	timer := time.NewTimer(s.grace)
	defer timer.Stop()
	select {
	case <-s.done:
		s.completed.Add(1)
	case <-timer.C:
		s.log.Warn("grace period expired, cancelling the cycle context; writes already under way still finish")
		cancel()
		<-s.done
		s.completed.Add(1)
	}
}

func stopTimer(t *time.Timer) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
}
