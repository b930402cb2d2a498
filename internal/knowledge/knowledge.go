// Package knowledge is the outbound interface to the organization knowledge
// collaborator. External facts always win over conflicting personal memory.
package knowledge

import (
	"context"
	"strings"

	"github.com/andyan77/diyu-agent-sub002/internal/embedding"
)

// Fact is one external knowledge statement. Key uses the same logical fact
// identity as memory items so conflicts can be detected.
type Fact struct {
	Key     string `json:"key"`
	Content string `json:"content"`
	Source  string `json:"source,omitempty"`
}

// Bundle is the result of a knowledge fetch.
type Bundle struct {
	Facts []Fact `json:"facts"`
}

// Empty reports whether the bundle carries nothing.
func (b *Bundle) Empty() bool {
	return b == nil || len(b.Facts) == 0
}

// ByKey indexes facts by key. Facts without a key are skipped.
func (b *Bundle) ByKey() map[string]Fact {
	out := map[string]Fact{}
	if b == nil {
		return out
	}
	for _, f := range b.Facts {
		if f.Key != "" {
			out[f.Key] = f
		}
	}
	return out
}

// Provider fetches knowledge for a query within an organization scope.
type Provider interface {
	Fetch(ctx context.Context, query, orgScope string) (*Bundle, error)
}

// Noop always returns an empty bundle.
type Noop struct{}

func (Noop) Fetch(context.Context, string, string) (*Bundle, error) {
	return &Bundle{}, nil
}

// Static serves a fixed fact list per org scope, returning facts that share
// at least one word with the query.
type Static struct {
	Facts map[string][]Fact
}

func (s Static) Fetch(ctx context.Context, query, orgScope string) (*Bundle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	words := map[string]bool{}
	for _, w := range embedding.Tokens(query) {
		words[w] = true
	}
	var out Bundle
	for _, f := range s.Facts[orgScope] {
		for _, w := range embedding.Tokens(f.Key + " " + f.Content) {
			if words[w] {
				out.Facts = append(out.Facts, f)
				break
			}
		}
	}
	return &out, nil
}

// SameContent compares fact and memory content ignoring case and spacing.
func SameContent(a, b string) bool {
	return strings.Join(embedding.Tokens(a), " ") == strings.Join(embedding.Tokens(b), " ")
}
