package assembler

import (
	"context"
	"fmt"
	"strings"

	"github.com/andyan77/diyu-agent-sub002/internal/model"
	"github.com/andyan77/diyu-agent-sub002/internal/oracle"
)

const rewritePrompt = `Rewrite the user's message into up to %d short search queries for a personal memory store.
Return only JSON: {"queries": ["..."]}

Message: %s`

const intentLine = "\nIntent: %s"

// Rewrite expands the turn into search queries. The literal turn is always
// the first query, followed by the caller's intent hint when given; oracle
// expansions fill up to MaxQueries in total. When the oracle fails the
// literal queries are used alone and the degraded reason is returned.
// Without an oracle the literal turn is not a degradation.
func (a *Assembler) Rewrite(ctx context.Context, turn, intent string) ([]string, string) {
	literal := strings.TrimSpace(turn)
	intent = strings.TrimSpace(intent)
	limit := a.cfg.Retrieval.MaxQueries
	queries := []string{literal}
	seen := map[string]bool{strings.ToLower(literal): true}
	if intent != "" && !seen[strings.ToLower(intent)] && len(queries) < limit {
		seen[strings.ToLower(intent)] = true
		queries = append(queries, intent)
	}
	if a.oracle == nil {
		return queries, ""
	}

	prompt := fmt.Sprintf(rewritePrompt, limit, literal)
	if intent != "" {
		prompt += fmt.Sprintf(intentLine, intent)
	}
	raw, err := oracle.Call(ctx, a.oracle, a.cfg.Retrieval.RewriteTimeout, prompt)
	if err != nil {
		a.logger.Debug("query rewrite degraded", "error", err)
		return queries, model.DegradedQueryRewrite
	}
	var out struct {
		Queries []string `json:"queries"`
	}
	if err := oracle.DecodeJSON(raw, &out); err != nil {
		a.logger.Debug("query rewrite unparseable", "error", err)
		return queries, model.DegradedQueryRewrite
	}

	for _, q := range out.Queries {
		q = strings.TrimSpace(q)
		if q == "" || seen[strings.ToLower(q)] {
			continue
		}
		if len(queries) >= limit {
			break
		}
		seen[strings.ToLower(q)] = true
		queries = append(queries, q)
	}
	return queries, ""
}
