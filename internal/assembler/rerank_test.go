package assembler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/andyan77/diyu-agent-sub002/internal/config"
	"github.com/andyan77/diyu-agent-sub002/internal/model"
)

var now = time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)

func item(id string, prov model.Provenance, conf float64, age time.Duration) model.MemoryItem {
	return model.MemoryItem{
		ID:              id,
		Key:             "k:" + id,
		Content:         id,
		Provenance:      prov,
		Confidence:      conf,
		EpistemicType:   model.EpistemicPreference,
		ValidAt:         now.Add(-age),
		LastValidatedAt: now.Add(-age),
	}
}

func TestEffectiveConfidence_DecaysWithoutMutating(t *testing.T) {
	cfg := config.Default().Rerank
	it := item("a", model.ProvenanceAnalysis, 0.8, 100*day)

	first := EffectiveConfidence(cfg, it, now)
	second := EffectiveConfidence(cfg, it, now)
	assert.InDelta(t, 0.8*0.6, first, 1e-9)
	assert.Equal(t, first, second)
	assert.Equal(t, 0.8, it.Confidence)

	fresh := item("b", model.ProvenanceAnalysis, 0.8, 2*day)
	assert.InDelta(t, 0.8, EffectiveConfidence(cfg, fresh, now), 1e-9)
}

func TestScore_Signals(t *testing.T) {
	cfg := config.Default().Rerank
	it := item("a", model.ProvenanceObservation, 0.5, 3*day)
	it.SourceEvents = []string{"e1", "e2", "e3"}

	s := Score(cfg, it, 0.5, now)
	assert.InDelta(t, 1.2, s.Recency, 1e-9)
	assert.InDelta(t, 0.8, s.Provenance, 1e-9)
	assert.InDelta(t, 1.2, s.Frequency, 1e-9)
	assert.InDelta(t, 0.5*1.2*0.5*0.8*1.2, s.Score, 1e-9)

	it.SourceEvents = make([]string, 20)
	assert.InDelta(t, cfg.FrequencyCap, Score(cfg, it, 1, now).Frequency, 1e-9)
}

func TestRerank_OrdersFiltersAndCuts(t *testing.T) {
	cfg := config.Default().Rerank
	outdated := item("old", model.ProvenanceConfirmedByUser, 1, day)
	outdated.EpistemicType = model.EpistemicOutdated

	candidates := []Retrieved{
		{Item: item("obs", model.ProvenanceObservation, 0.5, day), Semantic: 1},
		{Item: item("conf", model.ProvenanceConfirmedByUser, 0.9, day), Semantic: 0.9},
		{Item: outdated, Semantic: 1},
		{Item: item("weak", model.ProvenanceObservation, 0.1, 400*day), Semantic: 0.1},
	}

	ranked := Rerank(cfg, candidates, now, 1, 8)
	require.Len(t, ranked, 2)
	assert.Equal(t, "conf", ranked[0].Item.ID)
	assert.Equal(t, "obs", ranked[1].Item.ID)

	// The tail is kept when needed to reach the minimum.
	ranked = Rerank(cfg, candidates, now, 3, 8)
	require.Len(t, ranked, 3)
	assert.Equal(t, "weak", ranked[2].Item.ID)

	ranked = Rerank(cfg, candidates, now, 1, 1)
	require.Len(t, ranked, 1)
}
