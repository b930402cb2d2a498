package assembler

import (
	"sort"
	"time"

	"github.com/andyan77/diyu-agent-sub002/internal/config"
	"github.com/andyan77/diyu-agent-sub002/internal/model"
)

// Scored is a candidate with its rerank breakdown.
type Scored struct {
	Item       model.MemoryItem
	Semantic   float64
	Recency    float64
	Confidence float64
	Provenance float64
	Frequency  float64
	Score      float64
	Reason     model.Reason
}

const day = 24 * time.Hour

func ageDays(now, t time.Time) float64 {
	if t.IsZero() || t.After(now) {
		return 0
	}
	return float64(now.Sub(t)) / float64(day)
}

// EffectiveConfidence applies time decay to the stored confidence. It is
// computed at read time and never written back, so repeated reads do not
// compound.
func EffectiveConfidence(cfg config.RerankConfig, item model.MemoryItem, now time.Time) float64 {
	validated := item.LastValidatedAt
	if validated.IsZero() {
		validated = item.ValidAt
	}
	return item.Confidence * cfg.Decay.Factor(ageDays(now, validated))
}

// Score computes the rerank signals for one item.
func Score(cfg config.RerankConfig, item model.MemoryItem, semantic float64, now time.Time) Scored {
	s := Scored{
		Item:       item,
		Semantic:   semantic,
		Recency:    cfg.Recency.Factor(ageDays(now, item.ValidAt)),
		Confidence: EffectiveConfidence(cfg, item, now),
		Provenance: cfg.ProvenanceWeights[string(item.Provenance)],
		Frequency:  frequency(cfg, len(item.SourceEvents)),
	}
	s.Score = s.Semantic * s.Recency * s.Confidence * s.Provenance * s.Frequency
	s.Reason = s.reason()
	return s
}

func frequency(cfg config.RerankConfig, sources int) float64 {
	if sources < 1 {
		sources = 1
	}
	f := 1 + cfg.FrequencyStep*float64(sources-1)
	if cfg.FrequencyCap >= 1 && f > cfg.FrequencyCap {
		f = cfg.FrequencyCap
	}
	return f
}

// reason names the signal that contributed most relative to neutral.
func (s Scored) reason() model.Reason {
	switch {
	case s.Recency > 1 && s.Recency >= s.Semantic:
		return model.ReasonRecency
	case s.Confidence >= 0.8 && s.Semantic < 0.5:
		return model.ReasonConfidence
	default:
		return model.ReasonRelevance
	}
}

// Rerank scores candidates and keeps the strongest. Outdated items never
// compete. Candidates far below the best are cut, but never below minKeep.
func Rerank(cfg config.RerankConfig, candidates []Retrieved, now time.Time, minKeep, maxKeep int) []Scored {
	scored := make([]Scored, 0, len(candidates))
	for _, c := range candidates {
		if c.Item.EpistemicType == model.EpistemicOutdated {
			continue
		}
		scored = append(scored, Score(cfg, c.Item, c.Semantic, now))
	}
	sort.SliceStable(scored, func(i, j int) bool {
		if scored[i].Score != scored[j].Score {
			return scored[i].Score > scored[j].Score
		}
		return scored[i].Item.ID < scored[j].Item.ID
	})

	if maxKeep > 0 && len(scored) > maxKeep {
		scored = scored[:maxKeep]
	}
	if len(scored) == 0 {
		return scored
	}
	floor := scored[0].Score * cfg.TailCutoff
	keep := len(scored)
	for keep > minKeep && scored[keep-1].Score < floor {
		keep--
	}
	return scored[:keep]
}
