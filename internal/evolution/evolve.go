package evolution

import (
	"context"
	"math"
	"strings"

	memerr "github.com/andyan77/diyu-agent-sub002/internal/errors"
	"github.com/andyan77/diyu-agent-sub002/internal/model"
	"github.com/andyan77/diyu-agent-sub002/internal/store"
)

// Item write kinds reported on the ItemWrites counter.
const (
	writeNew        = "new"
	writeReinforce  = "reinforce"
	writePromote    = "promote"
	writeContradict = "contradict"
	writeCorrection = "correction"
	writeOutdated   = "outdated"
)

// observe extracts candidates from a user turn and evolves each one.
func (p *Pipeline) observe(ctx context.Context, ev model.ConversationEvent) error {
	cands := Extract(ev.Text())
	if len(cands) == 0 {
		return nil
	}

	actx := ctx
	if p.cfg.AnalysisTimeout > 0 {
		var cancel context.CancelFunc
		actx, cancel = context.WithTimeout(ctx, p.cfg.AnalysisTimeout)
		defer cancel()
	}

	var errs []error
	for _, c := range cands {
		c = p.classify(actx, c)
		if err := p.evolve(ctx, ev, c); err != nil {
			if memerr.IsFenced(err) {
				return err
			}
			p.logger.Warn("candidate dropped", "user_id", ev.UserID, "key", c.Key, "error", err)
			errs = append(errs, err)
		}
	}
	return memerr.Join(errs...)
}

func (p *Pipeline) observation(ev model.ConversationEvent, c Candidate) model.MemoryItem {
	conf := p.cfg.ObservationConfidence
	if conf <= 0 {
		conf = 0.5
	}
	return model.MemoryItem{
		UserID:        ev.UserID,
		TenantID:      ev.TenantID,
		Scope:         model.ScopePersonal,
		ItemType:      c.ItemType,
		Key:           c.Key,
		Content:       c.Content,
		Confidence:    model.ClampConfidence(conf, model.ProvenanceObservation),
		EpistemicType: c.EpistemicType,
		Provenance:    model.ProvenanceObservation,
		ValidAt:       p.now(),
		SourceEvents:  sources(ev),
	}
}

// evolve applies one candidate: a new key is written, a repeated value
// reinforces the current item and a different value is arbitrated.
func (p *Pipeline) evolve(ctx context.Context, ev model.ConversationEvent, c Candidate) error {
	item := p.observation(ev, c)

	if opp := Opposite(c.Key); opp != "" {
		other, err := p.current(ctx, ev.UserID, opp)
		if err != nil {
			return err
		}
		if other != nil {
			return p.contradictAcrossKeys(ctx, item, *other)
		}
	}

	existing, err := p.current(ctx, ev.UserID, c.Key)
	if err != nil {
		return err
	}
	if existing == nil {
		if _, err := p.store.WriteItem(ctx, item); err != nil {
			return err
		}
		p.metrics.ItemWrites.WithLabelValues(writeNew).Inc()
		return nil
	}

	if sameValue(existing.Content, item.Content) {
		return p.reinforce(ctx, *existing, item)
	}
	return p.contradict(ctx, *existing, item)
}

func (p *Pipeline) current(ctx context.Context, userID, key string) (*model.MemoryItem, error) {
	it, err := p.store.GetCurrentByKey(ctx, userID, key)
	if memerr.IsNotFound(err) {
		return nil, nil
	}
	return it, err
}

// reinforce records another source event for an unchanged value. Once the
// repeat threshold is reached an observation is promoted to analysis.
func (p *Pipeline) reinforce(ctx context.Context, existing, obs model.MemoryItem) error {
	merged := model.MergeSources(existing.SourceEvents, obs.SourceEvents)
	if len(merged) == len(existing.SourceEvents) {
		return nil
	}

	next := existing
	next.SourceEvents = merged
	next.ValidAt = existing.ValidAt
	next.LastValidatedAt = p.now()
	kind := writeReinforce

	if existing.Provenance == model.ProvenanceObservation && len(merged) >= p.cfg.RepeatThreshold {
		next.Provenance = model.ProvenanceAnalysis
		next.Confidence = promotedConfidence(len(merged))
		kind = writePromote
	} else if existing.Provenance == model.ProvenanceAnalysis {
		next.Confidence = math.Max(existing.Confidence, promotedConfidence(len(merged)))
	}
	next.Confidence = model.ClampConfidence(next.Confidence, next.Provenance)

	if _, err := p.store.Supersede(ctx, existing.ID, next); err != nil {
		return err
	}
	p.metrics.ItemWrites.WithLabelValues(kind).Inc()
	return nil
}

func promotedConfidence(n int) float64 {
	return math.Min(0.5+0.1*float64(n-1), model.ProvenanceAnalysis.Ceiling())
}

// contradict arbitrates a different value for the same key. A winning
// candidate supersedes the current item; a losing one is discarded.
func (p *Pipeline) contradict(ctx context.Context, existing, cand model.MemoryItem) error {
	winner, _ := Arbitrate(cand, existing)
	if winner.ID == existing.ID {
		p.logger.Info("contradicting observation lost arbitration",
			"user_id", cand.UserID, "key", cand.Key, "kept", existing.ID)
		return nil
	}
	newID, err := p.store.Supersede(ctx, existing.ID, cand)
	if err != nil {
		return err
	}
	p.metrics.ItemWrites.WithLabelValues(writeContradict).Inc()
	_, err = p.store.Link(ctx, newID, existing.ID, model.RelContradicts)
	return err
}

// contradictAcrossKeys handles likes:x against dislikes:x. The loser is
// invalidated and the two are linked.
func (p *Pipeline) contradictAcrossKeys(ctx context.Context, cand, other model.MemoryItem) error {
	winner, _ := Arbitrate(cand, other)
	if winner.ID == other.ID {
		p.logger.Info("contradicting observation lost arbitration",
			"user_id", cand.UserID, "key", cand.Key, "kept", other.ID)
		return nil
	}

	var newID string
	if existing, err := p.current(ctx, cand.UserID, cand.Key); err != nil {
		return err
	} else if existing != nil {
		if newID, err = p.store.Supersede(ctx, existing.ID, cand); err != nil {
			return err
		}
	} else {
		rec, err := p.store.WriteItem(ctx, cand)
		if err != nil {
			return err
		}
		newID = rec.ItemID
	}
	if err := p.store.Invalidate(ctx, other.ID, "contradicted"); err != nil && !memerr.HasCode(err, memerr.CodeItemConflict) {
		return err
	}
	p.metrics.ItemWrites.WithLabelValues(writeContradict).Inc()
	_, err := p.store.Link(ctx, newID, other.ID, model.RelContradicts)
	return err
}

// applyCorrection executes each revision of an explicit correction. It
// reports false when no revision found anything to act on.
func (p *Pipeline) applyCorrection(ctx context.Context, ev model.ConversationEvent, c *Correction) (bool, error) {
	applied := false
	var errs []error
	for _, rev := range c.Revisions {
		ok, err := p.revise(ctx, ev, rev)
		if memerr.IsFenced(err) {
			return applied, err
		}
		if err != nil {
			p.logger.Warn("correction revision failed", "user_id", ev.UserID, "key", rev.Key, "error", err)
			errs = append(errs, err)
			continue
		}
		applied = applied || ok
	}
	return applied, memerr.Join(errs...)
}

func (p *Pipeline) confirmed(ev model.ConversationEvent, c Candidate) model.MemoryItem {
	conf := p.cfg.CorrectionConfidence
	if conf <= 0 {
		conf = 0.9
	}
	return model.MemoryItem{
		UserID:        ev.UserID,
		TenantID:      ev.TenantID,
		Scope:         model.ScopePersonal,
		ItemType:      c.ItemType,
		Key:           c.Key,
		Content:       c.Content,
		Confidence:    model.ClampConfidence(conf, model.ProvenanceConfirmedByUser),
		EpistemicType: c.EpistemicType,
		Provenance:    model.ProvenanceConfirmedByUser,
		ValidAt:       p.now(),
		SourceEvents:  sources(ev),
	}
}

func (p *Pipeline) revise(ctx context.Context, ev model.ConversationEvent, rev Revision) (bool, error) {
	old, err := p.locate(ctx, ev.UserID, rev)
	if err != nil {
		return false, err
	}

	switch {
	case rev.Replace != nil:
		item := p.confirmed(ev, *rev.Replace)
		if err := p.replace(ctx, old, item); err != nil {
			return false, err
		}
		p.metrics.ItemWrites.WithLabelValues(writeCorrection).Inc()
		return true, nil

	case rev.From != "" && old != nil:
		item := p.confirmed(ev, Candidate{
			Key:           old.Key,
			Content:       replaceFold(old.Content, rev.From, rev.To),
			ItemType:      old.ItemType,
			EpistemicType: old.EpistemicType,
		})
		if k := replaceFold(old.Key, slug(rev.From), slug(rev.To)); k != old.Key {
			item.Key = k
		}
		if err := p.replace(ctx, old, item); err != nil {
			return false, err
		}
		p.metrics.ItemWrites.WithLabelValues(writeCorrection).Inc()
		return true, nil

	case rev.Outdated != "":
		item := p.confirmed(ev, Candidate{Key: rev.Key, Content: rev.Outdated, ItemType: "preference"})
		item.EpistemicType = model.EpistemicOutdated
		if old != nil {
			item.Key = old.Key
			item.ItemType = old.ItemType
			if _, err := p.store.Supersede(ctx, old.ID, item); err != nil {
				return false, err
			}
		} else if _, err := p.store.WriteItem(ctx, item); err != nil {
			return false, err
		}
		p.metrics.ItemWrites.WithLabelValues(writeOutdated).Inc()
		return true, nil
	}
	return false, nil
}

// locate finds the item a revision refers to, by key or by content.
func (p *Pipeline) locate(ctx context.Context, userID string, rev Revision) (*model.MemoryItem, error) {
	if rev.Key != "" {
		return p.current(ctx, userID, rev.Key)
	}
	if rev.Match == "" {
		return nil, nil
	}
	items, err := p.store.ListItems(ctx, store.ListParams{UserID: userID})
	if err != nil {
		return nil, err
	}
	needle := strings.ToLower(rev.Match)
	var found *model.MemoryItem
	for i := range items {
		it := items[i]
		if it.EpistemicType == model.EpistemicOutdated || !strings.Contains(strings.ToLower(it.Content), needle) {
			continue
		}
		if found == nil || it.ValidAt.After(found.ValidAt) {
			found = &it
		}
	}
	return found, nil
}

// replace makes item the current fact, retiring old. When another item
// already holds the target key, old is invalidated and that item is
// superseded instead.
func (p *Pipeline) replace(ctx context.Context, old *model.MemoryItem, item model.MemoryItem) error {
	holder, err := p.current(ctx, item.UserID, item.Key)
	if err != nil {
		return err
	}

	switch {
	case old == nil && holder == nil:
		_, err = p.store.WriteItem(ctx, item)
		return err
	case old == nil:
		_, err = p.store.Supersede(ctx, holder.ID, item)
		return err
	case holder == nil || holder.ID == old.ID:
		_, err = p.store.Supersede(ctx, old.ID, item)
		return err
	default:
		if err := p.store.Invalidate(ctx, old.ID, "corrected"); err != nil {
			return err
		}
		_, err = p.store.Supersede(ctx, holder.ID, item)
		return err
	}
}

func sources(ev model.ConversationEvent) []string {
	if ev.ID == "" {
		return nil
	}
	return []string{ev.ID}
}

// replaceFold replaces the first case-insensitive occurrence of from.
func replaceFold(s, from, to string) string {
	if from == "" {
		return s
	}
	i := strings.Index(strings.ToLower(s), strings.ToLower(from))
	if i < 0 {
		return s
	}
	return s[:i] + to + s[i+len(from):]
}
