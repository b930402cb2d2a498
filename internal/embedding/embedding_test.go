package embedding

import (
	"context"
	"math"
	"testing"

	"github.com/andyan77/diyu-agent-sub002/internal/config"
)

func TestCosineSimilarity(t *testing.T) {
	tests := []struct {
		name     string
		a, b     Vector
		expected float64
		delta    float64
	}{
		{"identical", Vector{1, 0, 0}, Vector{1, 0, 0}, 1.0, 0.001},
		{"orthogonal", Vector{1, 0, 0}, Vector{0, 1, 0}, 0.0, 0.001},
		{"opposite", Vector{1, 0, 0}, Vector{-1, 0, 0}, -1.0, 0.001},
		{"similar", Vector{1, 1, 0}, Vector{1, 0, 0}, 0.707, 0.01},
		{"empty", Vector{}, Vector{}, 0.0, 0.001},
		{"different lengths", Vector{1, 0}, Vector{1, 0, 0}, 0.0, 0.001},
		{"zero vector", Vector{0, 0, 0}, Vector{1, 0, 0}, 0.0, 0.001},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := CosineSimilarity(tt.a, tt.b)
			if math.Abs(got-tt.expected) > tt.delta {
				t.Errorf("CosineSimilarity(%v, %v) = %f, want %f (±%f)", tt.a, tt.b, got, tt.expected, tt.delta)
			}
		})
	}
}

func TestHashEmbedder_Deterministic(t *testing.T) {
	e := NewHashEmbedder(128)
	a, _ := e.Embed(context.Background(), "User likes green tea")
	b, _ := e.Embed(context.Background(), "user LIKES green tea!")
	if len(a) != 128 {
		t.Fatalf("expected 128 dims, got %d", len(a))
	}
	if sim := CosineSimilarity(a, b); math.Abs(sim-1) > 1e-6 {
		t.Errorf("expected identical vectors after normalization, got similarity %f", sim)
	}
}

func TestHashEmbedder_RelatedTextIsCloser(t *testing.T) {
	e := NewHashEmbedder(256)
	ctx := context.Background()
	q, _ := e.Embed(ctx, "what tea does the user drink")
	near, _ := e.Embed(ctx, "the user drinks green tea every morning")
	far, _ := e.Embed(ctx, "quarterly revenue spreadsheet formulas")
	if CosineSimilarity(q, near) <= CosineSimilarity(q, far) {
		t.Errorf("expected related text to score higher")
	}
}

func TestNew_Disabled(t *testing.T) {
	if e := New(config.EmbeddingConfig{Provider: "none"}); e != nil {
		t.Error("expected nil embedder when no provider configured")
	}
	if e := New(config.EmbeddingConfig{Provider: "hash", Dims: 64}); e == nil || e.Dims() != 64 {
		t.Error("expected hash embedder with 64 dims")
	}
}

type countingEmbedder struct {
	HashEmbedder
	calls int
}

func (c *countingEmbedder) Embed(ctx context.Context, text string) (Vector, error) {
	c.calls++
	return c.HashEmbedder.Embed(ctx, text)
}

func TestCachedEmbedder_ReusesVectors(t *testing.T) {
	inner := &countingEmbedder{HashEmbedder: HashEmbedder{dims: 32}}
	c, err := NewCachedEmbedder(inner, 1<<20)
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	ctx := context.Background()
	first, err := c.Embed(ctx, "user likes coffee")
	if err != nil {
		t.Fatal(err)
	}
	c.Wait()
	second, _ := c.Embed(ctx, "user likes coffee")

	if inner.calls != 1 {
		t.Errorf("expected 1 inner call, got %d", inner.calls)
	}
	if CosineSimilarity(first, second) < 0.999 {
		t.Error("cached vector differs from the original")
	}
	if c.Dims() != 32 {
		t.Errorf("expected 32 dims, got %d", c.Dims())
	}
}
