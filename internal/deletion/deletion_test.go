package deletion_test

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/andyan77/diyu-agent-sub002/internal/config"
	"github.com/andyan77/diyu-agent-sub002/internal/deletion"
	memerr "github.com/andyan77/diyu-agent-sub002/internal/errors"
	"github.com/andyan77/diyu-agent-sub002/internal/metrics"
	"github.com/andyan77/diyu-agent-sub002/internal/model"
	"github.com/andyan77/diyu-agent-sub002/internal/store"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// flakyStore fails a surface a fixed number of times.
type flakyStore struct {
	*store.SQLiteStore
	mu       sync.Mutex
	surface  string
	failures int
}

func (f *flakyStore) PurgeSurface(ctx context.Context, id, surface string) (int64, error) {
	f.mu.Lock()
	if surface == f.surface && f.failures > 0 {
		f.failures--
		f.mu.Unlock()
		return 0, errors.New("disk full")
	}
	f.mu.Unlock()
	return f.SQLiteStore.PurgeSurface(ctx, id, surface)
}

type fixture struct {
	clock    *clock
	store    *flakyStore
	pipeline *deletion.Pipeline
	metrics  *metrics.Metrics
	alerts   *deletion.Recorder
}

func newFixture(t *testing.T, mutate func(*config.DeletionConfig)) *fixture {
	t.Helper()
	c := &clock{t: time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)}
	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "del.db"), store.Options{Now: c.Now})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	cfg := config.Default().Deletion
	if mutate != nil {
		mutate(&cfg)
	}
	f := &fixture{clock: c, store: &flakyStore{SQLiteStore: s}, metrics: metrics.New(), alerts: &deletion.Recorder{}}
	f.pipeline = deletion.New(f.store, cfg,
		deletion.WithClock(c.Now), deletion.WithMetrics(f.metrics), deletion.WithAlerter(f.alerts))
	return f
}

func (f *fixture) seed(t *testing.T, user string) {
	t.Helper()
	ctx := context.Background()
	_, err := f.store.WriteItem(ctx, model.MemoryItem{
		UserID: user, Key: "likes:coffee", Content: "User likes coffee",
		Confidence: 0.5, Provenance: model.ProvenanceObservation,
	})
	require.NoError(t, err)
	content := "I like coffee"
	_, err = f.store.AppendEvent(ctx, model.ConversationEvent{SessionID: "s-" + user, UserID: user, Role: model.RoleUser, Content: &content})
	require.NoError(t, err)
}

func (f *fixture) state(t *testing.T, id string) model.TombstoneState {
	t.Helper()
	st, _, err := f.pipeline.Status(context.Background(), id)
	require.NoError(t, err)
	return st
}

func TestRequest_FencesBeforeReturning(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.seed(t, "u1")
	f.seed(t, "u2")

	id, eta, err := f.pipeline.Request(ctx, "u1", "u1")
	require.NoError(t, err)
	assert.Equal(t, model.TombstoneQueued, f.state(t, id))
	assert.True(t, eta.After(f.clock.Now()))

	res, err := f.store.ReadItems(ctx, "u1", "coffee", 20)
	require.NoError(t, err)
	assert.Empty(t, res.Candidates, "fenced data must not be readable before the purge")

	_, err = f.store.WriteItem(ctx, model.MemoryItem{
		UserID: "u1", Key: "likes:tea", Content: "User likes tea",
		Confidence: 0.5, Provenance: model.ProvenanceObservation,
	})
	assert.True(t, memerr.IsFenced(err))

	res, err = f.store.ReadItems(ctx, "u2", "coffee", 20)
	require.NoError(t, err)
	assert.Len(t, res.Candidates, 1)
}

func TestRequest_OwnershipDenied(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.seed(t, "u1")

	id, _, err := f.pipeline.Request(ctx, "u1", "u2")
	require.Error(t, err)
	assert.True(t, memerr.HasCode(err, memerr.CodeOwnershipDenied))
	assert.Equal(t, model.TombstoneDenied, f.state(t, id))

	_, fenced := f.store.Fences().Fenced("u1")
	assert.False(t, fenced)

	// A denied request cannot be re-armed into a purge.
	err = f.pipeline.Retry(ctx, id)
	assert.True(t, memerr.HasCode(err, memerr.CodeTransitionInvalid))
	require.NoError(t, f.pipeline.Process(ctx, id))
	assert.Equal(t, model.TombstoneDenied, f.state(t, id))
	remaining, err := f.store.Remaining(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 1, remaining[store.SurfaceItems])
	assert.Equal(t, 1, remaining[store.SurfaceEvents])

	// Nor does the monitor treat it as an open erasure.
	f.clock.Advance(60 * 24 * time.Hour)
	require.NoError(t, f.pipeline.Monitor(ctx))
	assert.Empty(t, f.alerts.Alerts())

	id, _, err = f.pipeline.Request(ctx, "u1", "operator:dpo")
	require.NoError(t, err)
	assert.Equal(t, model.TombstoneQueued, f.state(t, id))
}

func TestProcess_PurgesEverySurface(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.seed(t, "u1")

	id, _, err := f.pipeline.Request(ctx, "u1", "u1")
	require.NoError(t, err)
	require.NoError(t, f.pipeline.Process(ctx, id))

	st, progress, err := f.pipeline.Status(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, model.TombstoneCompleted, st)
	assert.Equal(t, 1.0, progress.Fraction())
	assert.Equal(t, store.Surfaces, progress.SurfacesDone)

	remaining, err := f.store.Remaining(ctx, "u1")
	require.NoError(t, err)
	for surface, n := range remaining {
		assert.Zero(t, n, surface)
	}
	_, fenced := f.store.Fences().Fenced("u1")
	assert.False(t, fenced)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.DeletionsCompleted))

	// Processing a completed tombstone is a no-op.
	require.NoError(t, f.pipeline.Process(ctx, id))
}

func TestProcess_RetryResumesWithBackoff(t *testing.T) {
	f := newFixture(t, func(c *config.DeletionConfig) {
		c.MaxRetries = 3
		c.RetryBackoff = time.Minute
	})
	ctx := context.Background()
	f.seed(t, "u1")
	f.store.surface = store.SurfaceItems
	f.store.failures = 1

	id, _, err := f.pipeline.Request(ctx, "u1", "u1")
	require.NoError(t, err)
	require.NoError(t, f.pipeline.Process(ctx, id))

	st, progress, err := f.pipeline.Status(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, model.TombstoneRetryPending, st)
	assert.Equal(t, 1, progress.Attempts)
	assert.Contains(t, progress.LastError, "disk full")
	assert.Equal(t, []string{store.SurfaceVectorIndex}, progress.SurfacesDone)
	require.NotNil(t, progress.NextAttemptAt)
	assert.True(t, progress.NextAttemptAt.Equal(f.clock.Now().Add(time.Minute)))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.SurfaceFailures.WithLabelValues(store.SurfaceItems)))

	// The fence holds between attempts.
	_, fenced := f.store.Fences().Fenced("u1")
	assert.True(t, fenced)

	// Not due yet.
	require.NoError(t, f.pipeline.Monitor(ctx))
	assert.Equal(t, model.TombstoneRetryPending, f.state(t, id))

	f.clock.Advance(2 * time.Minute)
	require.NoError(t, f.pipeline.Monitor(ctx))
	assert.Equal(t, model.TombstoneQueued, f.state(t, id))

	require.NoError(t, f.pipeline.Process(ctx, id))
	assert.Equal(t, model.TombstoneCompleted, f.state(t, id))
}

func TestProcess_EscalatesAndRetryRearms(t *testing.T) {
	f := newFixture(t, func(c *config.DeletionConfig) { c.MaxRetries = 1 })
	ctx := context.Background()
	f.seed(t, "u1")
	f.store.surface = store.SurfaceEvents
	f.store.failures = 1

	id, _, err := f.pipeline.Request(ctx, "u1", "u1")
	require.NoError(t, err)
	require.NoError(t, f.pipeline.Process(ctx, id))

	assert.Equal(t, model.TombstoneEscalated, f.state(t, id))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.Escalations))
	alerts := f.alerts.Alerts()
	require.Len(t, alerts, 1)
	assert.Equal(t, deletion.AlertEscalated, alerts[0].Kind)
	assert.Equal(t, id, alerts[0].TombstoneID)

	_, fenced := f.store.Fences().Fenced("u1")
	assert.True(t, fenced, "an escalated erasure keeps the user fenced")

	require.NoError(t, f.pipeline.Retry(ctx, id))
	assert.Equal(t, model.TombstoneQueued, f.state(t, id))
	require.NoError(t, f.pipeline.Process(ctx, id))
	assert.Equal(t, model.TombstoneCompleted, f.state(t, id))

	err = f.pipeline.Retry(ctx, id)
	assert.True(t, memerr.HasCode(err, memerr.CodeTransitionInvalid))
}

func TestMonitor_SLAWarningAndViolation(t *testing.T) {
	f := newFixture(t, func(c *config.DeletionConfig) {
		c.TenantSLA = map[string]time.Duration{"acme": time.Hour}
	})
	ctx := context.Background()
	f.seed(t, "u1")

	id, eta, err := f.pipeline.Request(ctx, "u1", "u1", deletion.ForTenant("acme"))
	require.NoError(t, err)
	assert.False(t, eta.After(f.clock.Now().Add(time.Hour)))

	f.clock.Advance(30 * time.Minute)
	require.NoError(t, f.pipeline.Monitor(ctx))
	assert.Empty(t, f.alerts.Alerts())

	f.clock.Advance(20 * time.Minute)
	require.NoError(t, f.pipeline.Monitor(ctx))
	_, progress, err := f.pipeline.Status(ctx, id)
	require.NoError(t, err)
	assert.True(t, progress.SLAWarned)
	assert.False(t, progress.SLAEscalated)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.SLAWarnings))

	// A second pass does not warn twice.
	require.NoError(t, f.pipeline.Monitor(ctx))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.SLAWarnings))

	f.clock.Advance(time.Hour)
	require.NoError(t, f.pipeline.Monitor(ctx))
	st, progress, err := f.pipeline.Status(ctx, id)
	require.NoError(t, err)
	assert.True(t, progress.SLAEscalated)
	assert.Equal(t, model.TombstoneQueued, st, "a violation never cancels the erasure")
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.SLAViolations))

	kinds := map[deletion.AlertKind]int{}
	for _, a := range f.alerts.Alerts() {
		kinds[a.Kind]++
	}
	assert.Equal(t, 1, kinds[deletion.AlertSLAWarning])
	assert.Equal(t, 1, kinds[deletion.AlertSLAViolation])

	require.NoError(t, f.pipeline.Process(ctx, id))
	assert.Equal(t, model.TombstoneCompleted, f.state(t, id))
}

func TestStart_WorkersCompleteAndResume(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.seed(t, "u1")
	f.seed(t, "u2")

	// A request interrupted right after fencing.
	stranded, err := f.store.CreateTombstone(ctx, "u2", "", "u2", f.clock.Now().Add(time.Hour))
	require.NoError(t, err)
	for _, st := range []model.TombstoneState{model.TombstoneVerified, model.TombstoneTombstoned} {
		_, err := f.store.AdvanceTombstone(ctx, stranded.ID, st, store.AdvanceOptions{})
		require.NoError(t, err)
	}

	require.NoError(t, f.pipeline.Start(ctx))
	t.Cleanup(f.pipeline.Close)

	id, _, err := f.pipeline.Request(ctx, "u1", "u1")
	require.NoError(t, err)

	for _, tid := range []string{id, stranded.ID} {
		require.Eventually(t, func() bool {
			st, _, err := f.pipeline.Status(ctx, tid)
			return err == nil && st == model.TombstoneCompleted
		}, 5*time.Second, 10*time.Millisecond)
	}
}

func TestStart_ReverifiesInterruptedRequests(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.seed(t, "u1")
	f.seed(t, "u2")

	// Requests interrupted before the ownership check ran.
	owned, err := f.store.CreateTombstone(ctx, "u1", "", "u1", f.clock.Now().Add(time.Hour))
	require.NoError(t, err)
	foreign, err := f.store.CreateTombstone(ctx, "u2", "", "u3", f.clock.Now().Add(time.Hour))
	require.NoError(t, err)

	require.NoError(t, f.pipeline.Start(ctx))
	t.Cleanup(f.pipeline.Close)

	assert.Equal(t, model.TombstoneDenied, f.state(t, foreign.ID))
	require.Eventually(t, func() bool {
		st, _, err := f.pipeline.Status(ctx, owned.ID)
		return err == nil && st == model.TombstoneCompleted
	}, 5*time.Second, 10*time.Millisecond)

	remaining, err := f.store.Remaining(ctx, "u2")
	require.NoError(t, err)
	assert.Equal(t, 1, remaining[store.SurfaceItems])
	_, fenced := f.store.Fences().Fenced("u2")
	assert.False(t, fenced)
}
