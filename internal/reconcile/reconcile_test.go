package reconcile

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"adguard-dns-sync/internal/metrics"
	"adguard-dns-sync/internal/rewrite"
)

type staticObserver struct {
	mappings map[string]string
	err      error
}

func (o *staticObserver) Observe(context.Context) (map[string]string, error) {
	if o.err != nil {
		return nil, o.err
	}
	out := make(map[string]string, len(o.mappings))
	for k, v := range o.mappings {
		out[k] = v
	}
	return out, nil
}

type fakeGateway struct {
	mu      sync.Mutex
	rules   rewrite.Set
	listErr error
	failOn  map[string]bool
	calls   []string
	block   chan struct{}
	entered chan struct{}
}

func newFakeGateway(pairs ...string) *fakeGateway {
	g := &fakeGateway{rules: rewrite.Set{}, failOn: map[string]bool{}}
	for i := 0; i+1 < len(pairs); i += 2 {
		g.rules.Add(rewrite.Rule{Domain: pairs[i], Answer: pairs[i+1], Enabled: true})
	}
	return g
}

func (g *fakeGateway) List(context.Context) (rewrite.Set, error) {
	if g.block != nil {
		g.entered <- struct{}{}
		<-g.block
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.listErr != nil {
		return nil, g.listErr
	}
	return g.rules.Clone(), nil
}

func (g *fakeGateway) Create(_ context.Context, rule rewrite.Rule) bool {
	return g.mutate("create "+rule.Domain, func() { g.rules.Add(rule) })
}

func (g *fakeGateway) Update(_ context.Context, current, desired rewrite.Rule) bool {
	return g.mutate(fmt.Sprintf("update %s %s->%s", current.Domain, current.Answer, desired.Answer), func() {
		delete(g.rules, rewrite.NormalizeDomain(current.Domain))
		g.rules.Add(desired)
	})
}

func (g *fakeGateway) Delete(_ context.Context, domain, answer string) bool {
	return g.mutate("delete "+domain, func() { delete(g.rules, rewrite.NormalizeDomain(domain)) })
}

func (g *fakeGateway) mutate(call string, apply func()) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls = append(g.calls, call)
	if g.failOn[call] {
		return false
	}
	apply()
	return true
}

type memoryStore struct {
	set     rewrite.Set
	loadErr error
	saveErr error
	saves   int
}

func (s *memoryStore) Load(context.Context) (rewrite.Set, error) {
	if s.loadErr != nil {
		return nil, s.loadErr
	}
	if s.set == nil {
		return rewrite.Set{}, nil
	}
	return s.set.Clone(), nil
}

func (s *memoryStore) Save(_ context.Context, set rewrite.Set) error {
	if s.saveErr != nil {
		return s.saveErr
	}
	s.saves++
	s.set = set.Clone()
	return nil
}

func managedSet(pairs ...string) rewrite.Set {
	set := rewrite.Set{}
	for i := 0; i+1 < len(pairs); i += 2 {
		set.Add(rewrite.Rule{Domain: pairs[i], Answer: pairs[i+1], Enabled: true})
	}
	return set
}

func newTestReconciler(obs Observer, gw rewrite.Gateway, st Store, opts ...Option) *Reconciler {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return New(obs, gw, st, append([]Option{WithLogger(log)}, opts...)...)
}

func TestRunIsIdempotent(t *testing.T) {
	obs := &staticObserver{mappings: map[string]string{"a.lan": "10.0.0.1", "b.lan": "10.0.0.2"}}
	gw := newFakeGateway()
	st := &memoryStore{}
	rc := newTestReconciler(obs, gw, st)
	ctx := context.Background()

	first, err := rc.Run(ctx, RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, 2, first.Created)

	gw.calls = nil
	second, err := rc.Run(ctx, RunOptions{})
	require.NoError(t, err)
	assert.Empty(t, gw.calls)
	assert.Equal(t, 0, second.Created+second.Updated+second.Deleted+second.Failed)
	assert.Equal(t, 2, second.Skipped)
	assert.Equal(t, managedSet("a.lan", "10.0.0.1", "b.lan", "10.0.0.2"), st.set)
}

func TestRunNeverDeletesUnmanagedRules(t *testing.T) {
	obs := &staticObserver{mappings: map[string]string{"a.lan": "10.0.0.1"}}
	gw := newFakeGateway("manual.lan", "192.168.1.10", "old.lan", "10.0.0.9")
	st := &memoryStore{set: managedSet("old.lan", "10.0.0.9", "a.lan", "10.0.0.1")}
	rc := newTestReconciler(obs, gw, st)

	result, err := rc.Run(context.Background(), RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, result.Created)
	assert.Equal(t, 1, result.Deleted)
	_, kept := gw.rules.Get("manual.lan")
	assert.True(t, kept)
	_, gone := gw.rules.Get("old.lan")
	assert.False(t, gone)
}

func TestRunUpdatesChangedAnswer(t *testing.T) {
	obs := &staticObserver{mappings: map[string]string{"a.lan": "10.0.0.2"}}
	gw := newFakeGateway("a.lan", "10.0.0.1")
	st := &memoryStore{set: managedSet("a.lan", "10.0.0.1")}
	rc := newTestReconciler(obs, gw, st)

	result, err := rc.Run(context.Background(), RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, result.Updated)
	assert.Equal(t, []string{"update a.lan 10.0.0.1->10.0.0.2"}, gw.calls)
}

func TestSafetyGuardAbortsMassDeletion(t *testing.T) {
	var pairs []string
	for i := 0; i < 10; i++ {
		pairs = append(pairs, fmt.Sprintf("svc%d.lan", i), fmt.Sprintf("10.0.0.%d", i))
	}
	obs := &staticObserver{mappings: map[string]string{"svc0.lan": "10.0.0.0"}}
	gw := newFakeGateway(pairs...)
	original := managedSet(pairs...)
	st := &memoryStore{set: original.Clone()}
	sink := metrics.NewSink()
	rc := newTestReconciler(obs, gw, st, WithThreshold(0.8), WithRecorder(sink))

	result, err := rc.Run(context.Background(), RunOptions{})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrSafetyAbort)
	var serr *SafetyError
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, 9, serr.Deletes)
	assert.Equal(t, 10, serr.Managed)

	require.NotNil(t, result)
	assert.Empty(t, gw.calls)
	assert.Equal(t, 0, st.saves)
	assert.Equal(t, original, st.set)

	snap := sink.Snapshot()
	assert.Equal(t, metrics.OutcomeAborted, snap.LastCycle.Outcome)
	assert.Contains(t, snap.Errors, metrics.SubsystemSafety)
}

func TestSafetyGuardAllowsDeletesAtThreshold(t *testing.T) {
	var pairs []string
	for i := 0; i < 10; i++ {
		pairs = append(pairs, fmt.Sprintf("svc%d.lan", i), fmt.Sprintf("10.0.0.%d", i))
	}
	obs := &staticObserver{mappings: map[string]string{"svc0.lan": "10.0.0.0", "svc1.lan": "10.0.0.1"}}
	gw := newFakeGateway(pairs...)
	st := &memoryStore{set: managedSet(pairs...)}
	rc := newTestReconciler(obs, gw, st, WithThreshold(0.8))

	result, err := rc.Run(context.Background(), RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, 8, result.Deleted)
}

func TestEmptyManagedSetNeverBlocksCreates(t *testing.T) {
	obs := &staticObserver{mappings: map[string]string{"a.lan": "10.0.0.1"}}
	gw := newFakeGateway()
	st := &memoryStore{}
	rc := newTestReconciler(obs, gw, st, WithThreshold(0.1))

	result, err := rc.Run(context.Background(), RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, result.Created)
}

func TestPartialFailurePersistsDesiredSet(t *testing.T) {
	obs := &staticObserver{mappings: map[string]string{"a.lan": "10.0.0.1", "b.lan": "10.0.0.2", "c.lan": "10.0.0.3"}}
	gw := newFakeGateway()
	gw.failOn["create b.lan"] = true
	st := &memoryStore{}
	sink := metrics.NewSink()
	rc := newTestReconciler(obs, gw, st, WithRecorder(sink))

	result, err := rc.Run(context.Background(), RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, 2, result.Created)
	assert.Equal(t, 1, result.Failed)
	assert.Len(t, gw.calls, 3)
	assert.Len(t, st.set, 3)
	assert.Equal(t, metrics.OutcomeApplied, sink.Snapshot().LastCycle.Outcome)

	// The failed create is retried next cycle because it is still missing remotely.
	delete(gw.failOn, "create b.lan")
	gw.calls = nil
	result, err = rc.Run(context.Background(), RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, []string{"create b.lan"}, gw.calls)
	assert.Equal(t, 1, result.Created)
}

func TestFailedUpdateIsRetriedNextCycle(t *testing.T) {
	obs := &staticObserver{mappings: map[string]string{"x.lan": "10.0.0.9", "y.lan": "10.0.0.2"}}
	gw := newFakeGateway("x.lan", "10.0.0.1")
	gw.failOn["update x.lan 10.0.0.1->10.0.0.9"] = true
	st := &memoryStore{set: managedSet("x.lan", "10.0.0.1")}
	rc := newTestReconciler(obs, gw, st)

	result, err := rc.Run(context.Background(), RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, result.Created)
	assert.Equal(t, 0, result.Updated)
	assert.Equal(t, 1, result.Failed)
	assert.Equal(t, managedSet("x.lan", "10.0.0.9", "y.lan", "10.0.0.2"), st.set)

	delete(gw.failOn, "update x.lan 10.0.0.1->10.0.0.9")
	gw.calls = nil
	result, err = rc.Run(context.Background(), RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, []string{"update x.lan 10.0.0.1->10.0.0.9"}, gw.calls)
	assert.Equal(t, 1, result.Updated)
	assert.Equal(t, 0, result.Failed)
}

func TestUpdateTargetsRemoteSpelling(t *testing.T) {
	obs := &staticObserver{mappings: map[string]string{"app.lan": "10.0.0.9"}}
	gw := newFakeGateway("App.Lan.", "10.0.0.1")
	st := &memoryStore{}
	rc := newTestReconciler(obs, gw, st)

	result, err := rc.Run(context.Background(), RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, result.Updated)
	assert.Equal(t, []string{"update App.Lan. 10.0.0.1->10.0.0.9"}, gw.calls)
}

func TestDeleteOfAbsentManagedRuleIsSkipped(t *testing.T) {
	obs := &staticObserver{mappings: map[string]string{"a.lan": "10.0.0.1"}}
	gw := newFakeGateway("a.lan", "10.0.0.1")
	st := &memoryStore{set: managedSet("a.lan", "10.0.0.1", "gone.lan", "10.0.0.5")}
	rc := newTestReconciler(obs, gw, st)

	result, err := rc.Run(context.Background(), RunOptions{})
	require.NoError(t, err)
	assert.Empty(t, gw.calls)
	assert.Equal(t, 2, result.Skipped)
	assert.Equal(t, managedSet("a.lan", "10.0.0.1"), st.set)
}

func TestRemoteListFailureAborts(t *testing.T) {
	obs := &staticObserver{mappings: map[string]string{"a.lan": "10.0.0.1"}}
	gw := newFakeGateway()
	gw.listErr = errors.New("connection refused")
	st := &memoryStore{set: managedSet("x.lan", "10.0.0.9")}
	sink := metrics.NewSink()
	rc := newTestReconciler(obs, gw, st, WithRecorder(sink))

	_, err := rc.Run(context.Background(), RunOptions{})
	assert.ErrorIs(t, err, ErrRemoteUnavailable)
	assert.Empty(t, gw.calls)
	assert.Equal(t, 0, st.saves)
	assert.Contains(t, sink.Snapshot().Errors, metrics.SubsystemProvider)
}

func TestObserverFailureAborts(t *testing.T) {
	obs := &staticObserver{err: errors.New("api server down")}
	gw := newFakeGateway("a.lan", "10.0.0.1")
	st := &memoryStore{set: managedSet("a.lan", "10.0.0.1")}
	rc := newTestReconciler(obs, gw, st)

	_, err := rc.Run(context.Background(), RunOptions{})
	assert.ErrorIs(t, err, ErrObserve)
	assert.Empty(t, gw.calls)
	assert.Equal(t, 0, st.saves)
}

func TestStoreFailuresSurface(t *testing.T) {
	obs := &staticObserver{mappings: map[string]string{"a.lan": "10.0.0.1"}}

	st := &memoryStore{loadErr: errors.New("lock timeout")}
	_, err := newTestReconciler(obs, newFakeGateway(), st).Run(context.Background(), RunOptions{})
	require.Error(t, err)

	gw := newFakeGateway()
	st = &memoryStore{saveErr: errors.New("disk full")}
	result, err := newTestReconciler(obs, gw, st).Run(context.Background(), RunOptions{})
	require.Error(t, err)
	require.NotNil(t, result)
	assert.Equal(t, 1, result.Created)
}

func TestDryRunMakesNoChanges(t *testing.T) {
	obs := &staticObserver{mappings: map[string]string{"a.lan": "10.0.0.2", "b.lan": "10.0.0.3"}}
	gw := newFakeGateway("a.lan", "10.0.0.1")
	st := &memoryStore{set: managedSet("a.lan", "10.0.0.1")}
	rc := newTestReconciler(obs, gw, st)

	result, err := rc.Run(context.Background(), RunOptions{DryRun: true})
	require.NoError(t, err)
	assert.True(t, result.DryRun)
	assert.Equal(t, 1, result.Plan.Count(rewrite.ChangeCreate))
	assert.Equal(t, 1, result.Plan.Count(rewrite.ChangeUpdate))
	assert.Empty(t, gw.calls)
	assert.Equal(t, 0, st.saves)
}

func TestOverlappingRunIsRejected(t *testing.T) {
	obs := &staticObserver{mappings: map[string]string{}}
	gw := newFakeGateway()
	gw.block = make(chan struct{})
	gw.entered = make(chan struct{}, 1)
	rc := newTestReconciler(obs, gw, &memoryStore{})

	done := make(chan error, 1)
	go func() {
		_, err := rc.Run(context.Background(), RunOptions{})
		done <- err
	}()

	select {
	case <-gw.entered:
	case <-time.After(time.Second):
		t.Fatal("first cycle did not start")
	}
	_, err := rc.Run(context.Background(), RunOptions{})
	assert.ErrorIs(t, err, ErrCycleInProgress)

	close(gw.block)
	require.NoError(t, <-done)
}
