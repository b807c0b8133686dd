// Package reconcile drives the provider's rewrite table towards the rules
// derived from the cluster, touching only rules it created itself.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"adguard-dns-sync/internal/metrics"
	"adguard-dns-sync/internal/rewrite"
)

// DefaultThreshold is the largest fraction of managed rules a single cycle
// may delete.
const DefaultThreshold = 0.8

var (
	ErrRemoteUnavailable = errors.New("remote rewrite table unavailable")
	ErrObserve           = errors.New("observe desired state")
	ErrSafetyAbort       = errors.New("safety threshold exceeded")
	ErrCycleInProgress   = errors.New("reconciliation cycle already in progress")
)

// SafetyError is returned when a cycle would delete too many managed rules.
type SafetyError struct {
	Deletes   int
	Managed   int
	Threshold float64
}

func (e *SafetyError) Error() string {
	return fmt.Sprintf("%s: %d of %d managed rules would be deleted (threshold %.0f%%)",
		ErrSafetyAbort, e.Deletes, e.Managed, e.Threshold*100)
}

func (e *SafetyError) Is(target error) bool {
	return target == ErrSafetyAbort
}

// Observer returns the desired hostname -> address mappings.
type Observer interface {
	Observe(ctx context.Context) (map[string]string, error)
}

// Store persists the managed set between cycles.
type Store interface {
	Load(ctx context.Context) (rewrite.Set, error)
	Save(ctx context.Context, set rewrite.Set) error
}

// Recorder receives cycle outcomes and subsystem errors.
type Recorder interface {
	RecordCycle(stats metrics.CycleStats)
	RecordError(subsystem string, err error)
	ClearError(subsystem string)
}

// RunOptions alters a single cycle.
type RunOptions struct {
	DryRun bool
}

// Result summarises a cycle.
type Result struct {
	Plan     *rewrite.Plan `json:"plan"`
	DryRun   bool          `json:"dry_run"`
	Created  int           `json:"created"`
	Updated  int           `json:"updated"`
	Deleted  int           `json:"deleted"`
	Skipped  int           `json:"skipped"`
	Failed   int           `json:"failed"`
	Duration time.Duration `json:"duration"`
}

// Reconciler runs reconciliation cycles. Only one cycle runs at a time.
type Reconciler struct {
	observer  Observer
	gateway   rewrite.Gateway
	store     Store
	recorder  Recorder
	log       logrus.FieldLogger
	threshold float64

	mu sync.Mutex
}

type Option func(*Reconciler)

func WithRecorder(r Recorder) Option {
	return func(rc *Reconciler) { rc.recorder = r }
}

func WithLogger(log logrus.FieldLogger) Option {
	return func(rc *Reconciler) {
		if log != nil {
			rc.log = log
		}
	}
}

// WithThreshold sets the deletion safety threshold. Values outside (0, 1]
// are ignored.
func WithThreshold(t float64) Option {
	return func(rc *Reconciler) {
		if t > 0 && t <= 1 {
			rc.threshold = t
		}
	}
}

func New(observer Observer, gateway rewrite.Gateway, store Store, opts ...Option) *Reconciler {
	rc := &Reconciler{
		observer:  observer,
		gateway:   gateway,
		store:     store,
		log:       logrus.StandardLogger(),
		threshold: DefaultThreshold,
	}
	for _, opt := range opts {
		opt(rc)
	}
	rc.log = rc.log.WithField("component", "reconciler")
	return rc
}

// Run executes one cycle. An overlapping call returns ErrCycleInProgress.
func (r *Reconciler) Run(ctx context.Context, opts RunOptions) (*Result, error) {
	if !r.mu.TryLock() {
		return nil, ErrCycleInProgress
	}
	defer r.mu.Unlock()

	start := time.Now()
	result, err := r.run(ctx, opts)
	if result != nil {
		result.Duration = time.Since(start)
	}
	r.report(result, err, start)
	return result, err
}

func (r *Reconciler) run(ctx context.Context, opts RunOptions) (*Result, error) {
	mappings, err := r.observer.Observe(ctx)
	if err != nil {
		r.recordError(metrics.SubsystemObserver, err)
		return nil, fmt.Errorf("%w: %w", ErrObserve, err)
	}
	r.clearError(metrics.SubsystemObserver)
	desired := rewrite.FromMappings(mappings)

	remote, err := r.gateway.List(ctx)
	if err != nil {
		r.recordError(metrics.SubsystemProvider, err)
		return nil, fmt.Errorf("%w: %w", ErrRemoteUnavailable, err)
	}
	r.clearError(metrics.SubsystemProvider)

	managed, err := r.store.Load(ctx)
	if err != nil {
		r.recordError(metrics.SubsystemStore, err)
		return nil, fmt.Errorf("load managed rules: %w", err)
	}

	plan := rewrite.BuildPlan(desired, remote, managed)
	result := &Result{Plan: plan, DryRun: opts.DryRun, Skipped: len(plan.Unchanged)}
	deletes := plan.Count(rewrite.ChangeDelete)

	r.log.WithFields(logrus.Fields{
		"desired": len(desired),
		"remote":  len(remote),
		"managed": len(managed),
		"create":  plan.Count(rewrite.ChangeCreate),
		"update":  plan.Count(rewrite.ChangeUpdate),
		"delete":  deletes,
	}).Info("reconciliation plan computed")

	if len(managed) > 0 && float64(deletes) > r.threshold*float64(len(managed)) {
		serr := &SafetyError{Deletes: deletes, Managed: len(managed), Threshold: r.threshold}
		r.recordError(metrics.SubsystemSafety, serr)
		return result, serr
	}
	r.clearError(metrics.SubsystemSafety)

	if opts.DryRun {
		return result, nil
	}

	applyCtx := context.WithoutCancel(ctx)
	r.apply(applyCtx, plan, result)

	if err := r.store.Save(applyCtx, desired); err != nil {
		r.recordError(metrics.SubsystemStore, err)
		return result, fmt.Errorf("save managed rules: %w", err)
	}
	r.clearError(metrics.SubsystemStore)
	return result, nil
}

func (r *Reconciler) apply(ctx context.Context, plan *rewrite.Plan, result *Result) {
	for _, change := range plan.Of(rewrite.ChangeCreate) {
		if r.gateway.Create(ctx, *change.Desired) {
			result.Created++
		} else {
			result.Failed++
		}
	}
	for _, change := range plan.Of(rewrite.ChangeUpdate) {
		if r.gateway.Update(ctx, *change.Existing, *change.Desired) {
			result.Updated++
		} else {
			result.Failed++
		}
	}
	for _, change := range plan.Of(rewrite.ChangeDelete) {
		if change.Existing == nil {
			r.log.WithField("domain", change.Domain).Debug("managed rule already absent from provider")
			result.Skipped++
			continue
		}
		if r.gateway.Delete(ctx, change.Existing.Domain, change.Existing.Answer) {
			result.Deleted++
		} else {
			result.Failed++
		}
	}
}

func (r *Reconciler) report(result *Result, err error, start time.Time) {
	stats := metrics.CycleStats{Duration: time.Since(start)}
	if result != nil {
		stats.Created = result.Created
		stats.Updated = result.Updated
		stats.Deleted = result.Deleted
		stats.Skipped = result.Skipped
		stats.Failed = result.Failed
		if result.Plan != nil {
			stats.ManagedSize = result.Plan.Desired
		}
	}
	switch {
	case errors.Is(err, ErrSafetyAbort):
		stats.Outcome = metrics.OutcomeAborted
	case err != nil:
		stats.Outcome = metrics.OutcomeFailed
	case result.DryRun:
		stats.Outcome = metrics.OutcomeDryRun
	default:
		stats.Outcome = metrics.OutcomeApplied
	}

	entry := r.log.WithFields(logrus.Fields{
		"outcome":     stats.Outcome,
		"created":     stats.Created,
		"updated":     stats.Updated,
		"deleted":     stats.Deleted,
		"skipped":     stats.Skipped,
		"failed":      stats.Failed,
		"duration_ms": stats.Duration.Milliseconds(),
	})
	switch {
	case err != nil:
		entry.WithError(err).Error("reconciliation cycle aborted")
	case stats.Failed > 0:
		entry.Warn("reconciliation cycle completed with failures")
	default:
		entry.Info("reconciliation cycle completed")
	}

	if r.recorder != nil {
		r.recorder.RecordCycle(stats)
	}
}

func (r *Reconciler) recordError(subsystem string, err error) {
	if r.recorder != nil {
		r.recorder.RecordError(subsystem, err)
	}
}

func (r *Reconciler) clearError(subsystem string) {
	if r.recorder != nil {
		r.recorder.ClearError(subsystem)
	}
}
