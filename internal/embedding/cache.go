package embedding

import (
	"context"

	"github.com/dgraph-io/ristretto"

	memerr "github.com/andyan77/diyu-agent-sub002/internal/errors"
)

// CachedEmbedder memoizes another embedder's vectors by text. The cache is
// cost-bounded by vector bytes; evicted entries are simply recomputed.
type CachedEmbedder struct {
	next  Embedder
	cache *ristretto.Cache
}

// NewCachedEmbedder wraps next with a cache holding up to maxBytes of vectors.
func NewCachedEmbedder(next Embedder, maxBytes int64) (*CachedEmbedder, error) {
	if maxBytes <= 0 {
		maxBytes = 32 << 20
	}
	perVector := int64(next.Dims()*4) + 1
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 10 * (maxBytes / perVector),
		MaxCost:     maxBytes,
		BufferItems: 64,
	})
	if err != nil {
		return nil, memerr.Wrap(err, memerr.CodeConfigInvalid, "creating embedding cache")
	}
	return &CachedEmbedder{next: next, cache: cache}, nil
}

func (c *CachedEmbedder) Embed(ctx context.Context, text string) (Vector, error) {
	if v, ok := c.cache.Get(text); ok {
		return v.(Vector), nil
	}
	v, err := c.next.Embed(ctx, text)
	if err != nil {
		return nil, err
	}
	c.cache.Set(text, v, int64(len(v)*4))
	return v, nil
}

func (c *CachedEmbedder) Dims() int { return c.next.Dims() }

// Wait blocks until buffered writes are visible to Get.
func (c *CachedEmbedder) Wait() { c.cache.Wait() }

// Close releases the cache's goroutines.
func (c *CachedEmbedder) Close() { c.cache.Close() }
