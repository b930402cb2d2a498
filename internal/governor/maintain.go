package governor

import (
	"context"
	"sort"
	"time"

	"github.com/andyan77/diyu-agent-sub002/internal/assembler"
	"github.com/andyan77/diyu-agent-sub002/internal/embedding"
	memerr "github.com/andyan77/diyu-agent-sub002/internal/errors"
	"github.com/andyan77/diyu-agent-sub002/internal/evolution"
	"github.com/andyan77/diyu-agent-sub002/internal/model"
	"github.com/andyan77/diyu-agent-sub002/internal/store"
)

// skippable reports errors that mean another writer got there first.
func (g *Governor) skippable(err error) bool {
	switch {
	case memerr.IsFenced(err):
		g.metrics.FencedWrites.WithLabelValues("governor").Inc()
		return true
	case memerr.IsConflict(err), memerr.IsNotFound(err):
		return true
	}
	return false
}

// sweep invalidates current items whose decayed confidence fell below the
// floor.
func (g *Governor) sweep(ctx context.Context, now time.Time) (int, error) {
	items, err := g.store.ListItems(ctx, store.ListParams{})
	if err != nil {
		return 0, err
	}
	n := 0
	var errs []error
	for _, it := range items {
		eff := assembler.EffectiveConfidence(g.rerank, it, now)
		if eff >= g.cfg.InvalidationFloor {
			continue
		}
		if err := g.store.Invalidate(ctx, it.ID, "stale"); err != nil {
			if !g.skippable(err) {
				errs = append(errs, err)
			}
			continue
		}
		n++
		g.metrics.GovernorActions.WithLabelValues(ActionInvalidate).Inc()
		g.logger.Debug("stale item invalidated", "item_id", it.ID, "user_id", it.UserID, "effective_confidence", eff)
	}
	return n, joined(errs)
}

// resolve settles contradictions where both sides are still current: pairs
// linked as contradicting since the window start, and likes/dislikes keys
// held at the same time. The arbitration rule is the evolution pipeline's.
func (g *Governor) resolve(ctx context.Context, since time.Time) (int, error) {
	n := 0
	var errs []error
	settle := func(a, b model.MemoryItem) {
		winner, loser := evolution.Arbitrate(a, b)
		if err := g.store.Invalidate(ctx, loser.ID, "conflict"); err != nil {
			if !g.skippable(err) {
				errs = append(errs, err)
			}
			return
		}
		n++
		g.metrics.GovernorActions.WithLabelValues(ActionResolve).Inc()
		g.logger.Info("contradiction resolved", "user_id", winner.UserID, "winner", winner.ID, "loser", loser.ID)
	}

	links, err := g.store.LinksSince(ctx, model.RelContradicts, since)
	if err != nil {
		return 0, err
	}
	for _, l := range links {
		a, err := g.store.GetItem(ctx, l.FromID)
		if err != nil {
			continue
		}
		b, err := g.store.GetItem(ctx, l.ToID)
		if err != nil {
			continue
		}
		if a.Current() && b.Current() && a.UserID == b.UserID {
			settle(*a, *b)
		}
	}

	items, err := g.store.ListItems(ctx, store.ListParams{})
	if err != nil {
		return n, memerr.Join(append(errs, err)...)
	}
	byKey := map[string]model.MemoryItem{}
	for _, it := range items {
		byKey[it.UserID+"\x00"+it.Key] = it
	}
	for _, it := range items {
		opp := evolution.Opposite(it.Key)
		if opp == "" || it.Key > opp {
			continue
		}
		if other, ok := byKey[it.UserID+"\x00"+opp]; ok {
			settle(it, other)
		}
	}
	return n, joined(errs)
}

// calibrate nudges stored confidence of frequently injected items whose
// feedback is strongly skewed. The store bounds the result by the
// provenance ceiling.
func (g *Governor) calibrate(ctx context.Context, since time.Time) (int, error) {
	injections, err := g.store.InjectionCounts(ctx, since)
	if err != nil {
		return 0, err
	}
	feedback, err := g.store.FeedbackStats(ctx, since)
	if err != nil {
		return 0, err
	}

	ids := make([]string, 0, len(injections))
	for id := range injections {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	n := 0
	var errs []error
	for _, id := range ids {
		if injections[id] < g.cfg.MinInjections {
			continue
		}
		fb := feedback[id]
		total := fb.Positive + fb.Negative
		if total == 0 {
			continue
		}
		skew := float64(fb.Positive-fb.Negative) / float64(total)
		var delta float64
		switch {
		case skew >= g.cfg.FeedbackSkew:
			delta = g.cfg.CalibrationStep
		case skew <= -g.cfg.FeedbackSkew:
			delta = -g.cfg.CalibrationStep
		default:
			continue
		}

		it, err := g.store.GetItem(ctx, id)
		if err != nil || !it.Current() {
			continue
		}
		stored, err := g.store.UpdateConfidence(ctx, id, model.ClampConfidence(it.Confidence+delta, it.Provenance))
		if err != nil {
			if !g.skippable(err) {
				errs = append(errs, err)
			}
			continue
		}
		n++
		g.metrics.GovernorActions.WithLabelValues(ActionCalibrate).Inc()
		g.logger.Debug("confidence calibrated", "item_id", id, "from", it.Confidence, "to", stored, "skew", skew)
	}
	return n, joined(errs)
}

// consolidate merges each user's near-duplicate items into one item that
// supersedes them all.
func (g *Governor) consolidate(ctx context.Context) (int, error) {
	users, err := g.store.Users(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	var errs []error
	for _, user := range users {
		merged, err := g.consolidateUser(ctx, user)
		n += merged
		if err != nil {
			if memerr.IsDegraded(err) {
				g.logger.Warn("consolidation skipped, embedder unavailable", "user_id", user, "error", err)
				continue
			}
			errs = append(errs, err)
		}
	}
	return n, joined(errs)
}

func (g *Governor) consolidateUser(ctx context.Context, userID string) (int, error) {
	all, err := g.store.ListItems(ctx, store.ListParams{UserID: userID})
	if err != nil {
		return 0, err
	}
	var items []model.MemoryItem
	for _, it := range all {
		if it.EpistemicType != model.EpistemicOutdated {
			items = append(items, it)
		}
	}
	if len(items) < 2 {
		return 0, nil
	}

	vecs := make([]embedding.Vector, len(items))
	for i, it := range items {
		v, err := g.embedder.Embed(ctx, it.Content)
		if err != nil {
			return 0, memerr.Wrap(err, memerr.CodeVectorDegraded, "embedding for consolidation", memerr.FieldUserID(userID))
		}
		vecs[i] = v
	}

	n := 0
	var errs []error
	taken := make([]bool, len(items))
	for i := range items {
		if taken[i] {
			continue
		}
		group := []model.MemoryItem{items[i]}
		for j := i + 1; j < len(items); j++ {
			if taken[j] || items[j].SessionScopeID() != items[i].SessionScopeID() {
				continue
			}
			if embedding.CosineSimilarity(vecs[i], vecs[j]) >= g.cfg.SimilarityThreshold {
				group = append(group, items[j])
				taken[j] = true
			}
		}
		if len(group) < 2 {
			continue
		}
		taken[i] = true

		item, ids := mergeGroup(group)
		id, err := g.store.Merge(ctx, ids, item)
		if err != nil {
			if !g.skippable(err) {
				errs = append(errs, err)
			}
			continue
		}
		n++
		g.metrics.GovernorActions.WithLabelValues(ActionConsolidate).Inc()
		g.logger.Info("items consolidated", "user_id", userID, "item_id", id, "merged", ids)
	}
	return n, joined(errs)
}

// mergeGroup builds the consolidated item from the arbitration winner of
// the group. Ids are returned winner first so the chain continues from it.
func mergeGroup(group []model.MemoryItem) (model.MemoryItem, []string) {
	winner := group[0]
	for _, it := range group[1:] {
		winner, _ = evolution.Arbitrate(winner, it)
	}

	ids := []string{winner.ID}
	sources := [][]string{winner.SourceEvents}
	conf := winner.Confidence
	validated := winner.LastValidatedAt
	for _, it := range group {
		if it.ID == winner.ID {
			continue
		}
		ids = append(ids, it.ID)
		sources = append(sources, it.SourceEvents)
		conf = max(conf, it.Confidence)
		if it.LastValidatedAt.After(validated) {
			validated = it.LastValidatedAt
		}
	}

	return model.MemoryItem{
		UserID:          winner.UserID,
		TenantID:        winner.TenantID,
		Scope:           winner.Scope,
		SessionID:       winner.SessionID,
		ItemType:        winner.ItemType,
		Key:             winner.Key,
		Content:         winner.Content,
		Payload:         winner.Payload,
		Confidence:      model.ClampConfidence(conf, winner.Provenance),
		EpistemicType:   winner.EpistemicType,
		Provenance:      winner.Provenance,
		ValidAt:         winner.ValidAt,
		SourceEvents:    model.MergeSources(sources...),
		LastValidatedAt: validated,
	}, ids
}

func joined(errs []error) error {
	if len(errs) == 0 {
		return nil
	}
	return memerr.Join(errs...)
}
