package governor_test

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/andyan77/diyu-agent-sub002/internal/config"
	"github.com/andyan77/diyu-agent-sub002/internal/embedding"
	memerr "github.com/andyan77/diyu-agent-sub002/internal/errors"
	"github.com/andyan77/diyu-agent-sub002/internal/governor"
	"github.com/andyan77/diyu-agent-sub002/internal/metrics"
	"github.com/andyan77/diyu-agent-sub002/internal/model"
	"github.com/andyan77/diyu-agent-sub002/internal/store"
)

var t0 = time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)

type fixture struct {
	store   *store.SQLiteStore
	metrics *metrics.Metrics
	cfg     *config.Config
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "gov.db"), store.Options{
		Now: func() time.Time { return t0 },
	})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return &fixture{store: s, metrics: metrics.New(), cfg: config.Default()}
}

func (f *fixture) governor(t *testing.T, at time.Time, opts ...governor.Option) *governor.Governor {
	t.Helper()
	opts = append([]governor.Option{
		governor.WithMetrics(f.metrics),
		governor.WithClock(func() time.Time { return at }),
	}, opts...)
	g, err := governor.New(f.store, f.cfg.Governor, f.cfg.Rerank, opts...)
	require.NoError(t, err)
	return g
}

func (f *fixture) write(t *testing.T, item model.MemoryItem) string {
	t.Helper()
	if item.UserID == "" {
		item.UserID = "u1"
	}
	if item.Content == "" {
		item.Content = "User " + strings.ReplaceAll(item.Key, ":", " ")
	}
	wr, err := f.store.WriteItem(context.Background(), item)
	require.NoError(t, err)
	return wr.ItemID
}

func TestHealthFrom(t *testing.T) {
	h := governor.HealthFrom(&store.GovernorStats{
		CurrentItems: 10, StaleItems: 4,
		Contradictions: 1, Writes: 20,
		Injections: 10, Blocked: 2,
		Positive: 3, Negative: 1,
	})
	assert.InDelta(t, 0.4, h.StalenessRate, 1e-9)
	assert.InDelta(t, 0.05, h.ConflictRate, 1e-9)
	assert.InDelta(t, 0.2, h.BlockedRate, 1e-9)
	assert.InDelta(t, 0.75, h.InjectionQuality, 1e-9)

	assert.Equal(t, governor.Health{}, governor.HealthFrom(&store.GovernorStats{}))
}

func TestNew_RejectsBadSchedule(t *testing.T) {
	f := newFixture(t)
	cfg := f.cfg.Governor
	cfg.Schedule = "every tuesday"
	_, err := governor.New(f.store, cfg, f.cfg.Rerank)
	assert.True(t, memerr.IsValidation(err))
}

func TestNext(t *testing.T) {
	f := newFixture(t)
	f.cfg.Governor.Schedule = "0 3 * * *"
	g := f.governor(t, t0)
	assert.Equal(t, time.Date(2026, 2, 2, 3, 0, 0, 0, time.UTC), g.Next(t0))
}

func TestRunOnce_SweepsDecayedItems(t *testing.T) {
	f := newFixture(t)
	weak := f.write(t, model.MemoryItem{Key: "likes:jazz", Provenance: model.ProvenanceObservation, Confidence: 0.4})
	strong := f.write(t, model.MemoryItem{Key: "lives_in:oslo", Provenance: model.ProvenanceConfirmedByUser, Confidence: 0.9})

	rep, err := f.governor(t, t0.Add(200*24*time.Hour)).RunOnce(context.Background())
	require.NoError(t, err)

	assert.True(t, rep.Swept)
	assert.InDelta(t, 1.0, rep.Health.StalenessRate, 1e-9)
	assert.Equal(t, 1, rep.Invalidated)

	it, err := f.store.GetItem(context.Background(), weak)
	require.NoError(t, err)
	assert.NotNil(t, it.InvalidAt)
	it, err = f.store.GetItem(context.Background(), strong)
	require.NoError(t, err)
	assert.True(t, it.Current())
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.GovernorActions.WithLabelValues(governor.ActionInvalidate)))
}

func TestRunOnce_FreshStoreDoesNotSweep(t *testing.T) {
	f := newFixture(t)
	f.write(t, model.MemoryItem{Key: "likes:jazz", Provenance: model.ProvenanceObservation, Confidence: 0.1})

	rep, err := f.governor(t, t0.Add(time.Hour)).RunOnce(context.Background())
	require.NoError(t, err)
	assert.False(t, rep.Swept)
	assert.Zero(t, rep.Invalidated)
}

func TestRunOnce_ResolvesLingeringContradictions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	likes := f.write(t, model.MemoryItem{Key: "likes:tea", Provenance: model.ProvenanceObservation, Confidence: 0.5})
	dislikes := f.write(t, model.MemoryItem{Key: "dislikes:tea", Provenance: model.ProvenanceConfirmedByUser, Confidence: 0.9})
	_, err := f.store.Link(ctx, dislikes, likes, model.RelContradicts)
	require.NoError(t, err)

	g := f.governor(t, t0.Add(time.Hour))
	rep, err := g.RunOnce(ctx)
	require.NoError(t, err)

	assert.True(t, rep.Resolving)
	assert.Equal(t, 1, rep.Resolved)
	_, err = f.store.GetCurrentByKey(ctx, "u1", "likes:tea")
	assert.True(t, memerr.IsNotFound(err))
	winner, err := f.store.GetCurrentByKey(ctx, "u1", "dislikes:tea")
	require.NoError(t, err)
	assert.Equal(t, dislikes, winner.ID)
	assert.Same(t, rep, g.Last())
}

func TestRunOnce_ResolvesOppositeKeysWithoutLink(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.write(t, model.MemoryItem{Key: "likes:opera", Provenance: model.ProvenanceAnalysis, Confidence: 0.7})
	f.write(t, model.MemoryItem{Key: "dislikes:opera", Provenance: model.ProvenanceObservation, Confidence: 0.5})
	f.cfg.Governor.ConflictThreshold = -1

	rep, err := f.governor(t, t0.Add(time.Hour)).RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Resolved)
	_, err = f.store.GetCurrentByKey(ctx, "u1", "dislikes:opera")
	assert.True(t, memerr.IsNotFound(err))
}

func TestRunOnce_CalibratesFromFeedback(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	liked := f.write(t, model.MemoryItem{Key: "likes:hiking", Provenance: model.ProvenanceAnalysis, Confidence: 0.6})
	disliked := f.write(t, model.MemoryItem{Key: "likes:golf", Provenance: model.ProvenanceAnalysis, Confidence: 0.6})
	quiet := f.write(t, model.MemoryItem{Key: "likes:chess", Provenance: model.ProvenanceAnalysis, Confidence: 0.6})

	var receipts []model.Receipt
	for i := 0; i < 5; i++ {
		for _, id := range []string{liked, disliked, quiet} {
			receipts = append(receipts, model.Receipt{
				RequestID: "req", Kind: model.ReceiptInjection, UserID: "u1",
				ItemID: id, PolicyVersion: "test", Position: 0,
			})
		}
	}
	require.NoError(t, f.store.WriteReceipts(ctx, receipts))
	for i := 0; i < 3; i++ {
		_, err := f.store.RecordFeedback(ctx, model.Feedback{UserID: "u1", ItemID: liked, Positive: true})
		require.NoError(t, err)
		_, err = f.store.RecordFeedback(ctx, model.Feedback{UserID: "u1", ItemID: disliked, Positive: false})
		require.NoError(t, err)
	}
	_, err := f.store.RecordFeedback(ctx, model.Feedback{UserID: "u1", ItemID: quiet, Positive: true})
	require.NoError(t, err)
	_, err = f.store.RecordFeedback(ctx, model.Feedback{UserID: "u1", ItemID: quiet, Positive: false})
	require.NoError(t, err)

	g := f.governor(t, t0.Add(time.Hour))
	rep, err := g.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, rep.Calibrated)

	conf := func(id string) float64 {
		it, err := f.store.GetItem(ctx, id)
		require.NoError(t, err)
		return it.Confidence
	}
	assert.InDelta(t, 0.65, conf(liked), 1e-9)
	assert.InDelta(t, 0.55, conf(disliked), 1e-9)
	assert.InDelta(t, 0.6, conf(quiet), 1e-9)

	// The same feedback is not applied twice.
	rep, err = g.RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, rep.Calibrated)
	assert.InDelta(t, 0.65, conf(liked), 1e-9)
}

type keywordEmbedder struct{ word string }

func (k keywordEmbedder) Embed(_ context.Context, text string) (embedding.Vector, error) {
	if strings.Contains(strings.ToLower(text), k.word) {
		return embedding.Vector{1, 0}, nil
	}
	return embedding.Vector{0, 1}, nil
}

func (keywordEmbedder) Dims() int { return 2 }

func TestRunOnce_ConsolidatesNearDuplicates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	obs := f.write(t, model.MemoryItem{Key: "likes:espresso", Content: "User likes espresso",
		Provenance: model.ProvenanceObservation, Confidence: 0.5, SourceEvents: []string{"e1"}})
	ana := f.write(t, model.MemoryItem{Key: "loves:espresso", Content: "User loves espresso",
		Provenance: model.ProvenanceAnalysis, Confidence: 0.7, SourceEvents: []string{"e2"}})
	other := f.write(t, model.MemoryItem{Key: "lives_in:oslo", Content: "User lives in Oslo",
		Provenance: model.ProvenanceObservation, Confidence: 0.5})

	rep, err := f.governor(t, t0.Add(time.Hour), governor.WithEmbedder(keywordEmbedder{word: "espresso"})).RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Merged)

	current, err := f.store.ListItems(ctx, store.ListParams{UserID: "u1"})
	require.NoError(t, err)
	require.Len(t, current, 2)

	merged, err := f.store.GetCurrentByKey(ctx, "u1", "loves:espresso")
	require.NoError(t, err)
	assert.NotEqual(t, ana, merged.ID)
	assert.Equal(t, ana, merged.Supersedes)
	assert.Equal(t, model.ProvenanceAnalysis, merged.Provenance)
	assert.InDelta(t, 0.7, merged.Confidence, 1e-9)
	assert.ElementsMatch(t, []string{"e1", "e2"}, merged.SourceEvents)

	old, err := f.store.GetItem(ctx, obs)
	require.NoError(t, err)
	assert.Equal(t, merged.ID, old.SupersededBy)

	untouched, err := f.store.GetItem(ctx, other)
	require.NoError(t, err)
	assert.True(t, untouched.Current())

	links, err := f.store.GetLinks(ctx, merged.ID)
	require.NoError(t, err)
	consolidates := 0
	for _, l := range links {
		if l.Rel == model.RelConsolidates && l.FromID == merged.ID {
			consolidates++
		}
	}
	assert.Equal(t, 2, consolidates)
}

func TestStart_RunsOnSchedule(t *testing.T) {
	f := newFixture(t)
	f.cfg.Governor.Schedule = "* * * * * * *"
	g, err := governor.New(f.store, f.cfg.Governor, f.cfg.Rerank, governor.WithMetrics(f.metrics))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	g.Start(ctx)
	assert.Eventually(t, func() bool { return g.Last() != nil }, 5*time.Second, 50*time.Millisecond)
	g.Close()
}

func TestRunOnce_CalibrationStopsAtCeiling(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	capped := f.write(t, model.MemoryItem{Key: "likes:rowing", Provenance: model.ProvenanceObservation, Confidence: 0.6})

	var receipts []model.Receipt
	for i := 0; i < 5; i++ {
		receipts = append(receipts, model.Receipt{
			RequestID: "req", Kind: model.ReceiptInjection, UserID: "u1",
			ItemID: capped, PolicyVersion: "test", Position: 0,
		})
	}
	require.NoError(t, f.store.WriteReceipts(ctx, receipts))
	for i := 0; i < 3; i++ {
		_, err := f.store.RecordFeedback(ctx, model.Feedback{UserID: "u1", ItemID: capped, Positive: true})
		require.NoError(t, err)
	}

	_, err := f.governor(t, t0.Add(time.Hour)).RunOnce(ctx)
	require.NoError(t, err)
	it, err := f.store.GetItem(ctx, capped)
	require.NoError(t, err)
	assert.InDelta(t, model.ProvenanceObservation.Ceiling(), it.Confidence, 1e-9)
}
