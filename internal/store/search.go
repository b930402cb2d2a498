package store

import (
	"context"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/andyan77/diyu-agent-sub002/internal/embedding"
	memerr "github.com/andyan77/diyu-agent-sub002/internal/errors"
	"github.com/andyan77/diyu-agent-sub002/internal/model"
	"github.com/andyan77/diyu-agent-sub002/internal/rank"
)

// ReadItems runs lexical and vector search concurrently, each capped at
// topK, and fuses them with RRF. A vector failure degrades the result to
// lexical-only; a lexical failure fails the read.
func (s *SQLiteStore) ReadItems(ctx context.Context, userID, query string, topK int) (*ReadResult, error) {
	if s.hidden(userID) {
		return &ReadResult{}, nil
	}
	if topK <= 0 {
		topK = 20
	}

	var lexical, semantic []string
	var vecErr error

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		lctx, cancel := withTimeout(gctx, s.opts.LexicalTimeout)
		defer cancel()
		ids, err := s.SearchLexical(lctx, userID, query, topK)
		if err != nil {
			return err
		}
		lexical = ids
		return nil
	})
	g.Go(func() error {
		vctx, cancel := withTimeout(gctx, s.opts.VectorTimeout)
		defer cancel()
		ids, err := s.SearchVector(vctx, userID, query, topK)
		if err != nil {
			vecErr = err
			return nil
		}
		semantic = ids
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, memerr.Wrap(err, memerr.CodeStoreUnavailable, "lexical read failed", memerr.FieldUserID(userID))
	}

	result := &ReadResult{}
	if vecErr != nil {
		result.Degraded = true
		result.DegradedReason = model.DegradedVector
		s.log.Debug("vector search degraded", "user_id", userID, "error", vecErr)
	}

	fused := rank.Top(rank.Fuse(s.opts.RRFK, lexical, semantic), s.opts.FusedLimit)
	if len(fused) == 0 {
		return result, nil
	}

	ids := make([]string, len(fused))
	for i, f := range fused {
		ids[i] = f.ID
	}
	items, err := s.currentItems(ctx, userID, ids)
	if err != nil {
		return nil, err
	}

	// A fence may have landed while the read was in flight.
	if s.hidden(userID) {
		return &ReadResult{}, nil
	}

	for _, f := range fused {
		item, ok := items[f.ID]
		if !ok {
			continue
		}
		result.Candidates = append(result.Candidates, Candidate{
			Item:        item,
			Score:       f.Score,
			LexicalRank: f.Ranks[0],
			VectorRank:  f.Ranks[1],
		})
	}
	return result, nil
}

// SearchLexical returns ids of the user's current items matching query via
// FTS5, best match first.
func (s *SQLiteStore) SearchLexical(ctx context.Context, userID, query string, limit int) ([]string, error) {
	if s.hidden(userID) {
		return nil, nil
	}
	match := ftsQuery(query)
	if match == "" {
		return nil, nil
	}
	if limit <= 0 {
		limit = 20
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT m.id FROM items_fts
		 JOIN memory_items m ON m.rowid = items_fts.rowid
		 WHERE items_fts MATCH ? AND m.user_id = ? AND `+currentItem+` AND `+notFenced("m")+`
		 ORDER BY bm25(items_fts), m.id
		 LIMIT ?`, match, userID, limit)
	if err != nil {
		return nil, dbErr(err, "lexical search")
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, dbErr(err, "scan lexical hit")
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, dbErr(err, "lexical search")
	}
	return ids, nil
}

// SearchVector returns ids of the user's items most similar to query. The
// call is abandoned when ctx expires.
func (s *SQLiteStore) SearchVector(ctx context.Context, userID, query string, limit int) ([]string, error) {
	if s.hidden(userID) {
		return nil, nil
	}
	type result struct {
		ids []string
		err error
	}
	ch := make(chan result, 1)
	go func() {
		hits, err := s.vec.Search(ctx, userID, query, limit)
		ids := make([]string, 0, len(hits))
		for _, h := range hits {
			ids = append(ids, h.ID)
		}
		ch <- result{ids, err}
	}()

	select {
	case r := <-ch:
		if r.err != nil {
			return nil, memerr.Wrap(r.err, memerr.CodeVectorDegraded, "vector search failed")
		}
		return r.ids, nil
	case <-ctx.Done():
		return nil, memerr.Wrap(ctx.Err(), memerr.CodeVectorDegraded, "vector search timed out")
	}
}

func (s *SQLiteStore) currentItems(ctx context.Context, userID string, ids []string) (map[string]model.MemoryItem, error) {
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, 0, len(ids)+1)
	args = append(args, userID)
	for _, id := range ids {
		args = append(args, id)
	}
	items, err := s.queryItems(ctx,
		`SELECT `+itemColumns+` FROM memory_items m
		 WHERE m.user_id = ? AND m.id IN (`+placeholders+`) AND `+currentItem+` AND `+notFenced("m"), args...)
	if err != nil {
		return nil, err
	}
	out := make(map[string]model.MemoryItem, len(items))
	for _, it := range items {
		out[it.ID] = it
	}
	return out, nil
}

// ftsQuery turns free text into an FTS5 OR-query of quoted terms.
func ftsQuery(text string) string {
	seen := map[string]bool{}
	var terms []string
	for _, tok := range embedding.Tokens(text) {
		if seen[tok] {
			continue
		}
		seen[tok] = true
		terms = append(terms, `"`+tok+`"`)
	}
	return strings.Join(terms, " OR ")
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}
