package assembler

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	memerr "github.com/andyan77/diyu-agent-sub002/internal/errors"
	"github.com/andyan77/diyu-agent-sub002/internal/knowledge"
	"github.com/andyan77/diyu-agent-sub002/internal/model"
	"github.com/andyan77/diyu-agent-sub002/internal/rank"
)

// Retrieved is one candidate after fusion across queries.
type Retrieved struct {
	Item     model.MemoryItem
	Fused    float64
	Semantic float64
}

// Retrieval is the fused candidate set for a request.
type Retrieval struct {
	Candidates     []Retrieved
	DegradedReason string
}

// Retrieve runs a hybrid read per query concurrently and fuses the ranked
// lists with RRF. A degraded vector path on any query marks the whole
// retrieval degraded; a lexical failure is a hard error.
func (a *Assembler) Retrieve(ctx context.Context, userID string, queries []string) (*Retrieval, error) {
	lists := make([][]string, len(queries))
	degraded := make([]string, len(queries))
	items := make([]map[string]model.MemoryItem, len(queries))

	g, gctx := errgroup.WithContext(ctx)
	for i, q := range queries {
		i, q := i, q
		g.Go(func() error {
			res, err := a.store.ReadItems(gctx, userID, q, a.cfg.Retrieval.TopK)
			if err != nil {
				return err
			}
			degraded[i] = res.DegradedReason
			items[i] = make(map[string]model.MemoryItem, len(res.Candidates))
			for _, c := range res.Candidates {
				lists[i] = append(lists[i], c.Item.ID)
				items[i][c.Item.ID] = c.Item
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		if memerr.IsHardDependency(err) {
			return nil, err
		}
		return nil, memerr.Wrap(err, memerr.CodeStoreUnavailable, "retrieval failed", memerr.FieldUserID(userID))
	}

	out := &Retrieval{}
	for _, d := range degraded {
		if d != "" {
			out.DegradedReason = d
			break
		}
	}

	fused := rank.Top(rank.Fuse(a.cfg.Retrieval.RRFK, lists...), a.cfg.Retrieval.FusedLimit)
	semantic := rank.Normalized(fused)
	for _, f := range fused {
		for _, m := range items {
			if item, ok := m[f.ID]; ok {
				out.Candidates = append(out.Candidates, Retrieved{Item: item, Fused: f.Score, Semantic: semantic[f.ID]})
				break
			}
		}
	}
	return out, nil
}

// fetchKnowledge asks the knowledge collaborator under its timeout. Any
// failure yields an empty bundle and the degraded reason.
func (a *Assembler) fetchKnowledge(ctx context.Context, query, orgScope string) (*knowledge.Bundle, string) {
	if a.knowledge == nil {
		return &knowledge.Bundle{}, ""
	}
	ctx, cancel := context.WithTimeout(ctx, a.cfg.Retrieval.KnowledgeTimeout)
	defer cancel()

	type result struct {
		b   *knowledge.Bundle
		err error
	}
	ch := make(chan result, 1)
	started := time.Now()
	go func() {
		b, err := a.knowledge.Fetch(ctx, query, orgScope)
		ch <- result{b, err}
	}()

	select {
	case r := <-ch:
		if r.err != nil {
			a.logger.Warn("knowledge fetch failed", "error", memerr.Wrap(r.err, memerr.CodeKnowledgeDegraded, "knowledge fetch"))
			return &knowledge.Bundle{}, model.DegradedKnowledge
		}
		if r.b == nil {
			return &knowledge.Bundle{}, ""
		}
		return r.b, ""
	case <-ctx.Done():
		a.logger.Warn("knowledge fetch timed out", "elapsed", time.Since(started))
		return &knowledge.Bundle{}, model.DegradedKnowledge
	}
}
