// Package vector is the semantic-similarity capability behind hybrid
// retrieval. It is optional: callers treat any error as a degraded path.
package vector

import (
	"context"
	"fmt"
	"sync"

	chromem "github.com/philippgille/chromem-go"

	"github.com/andyan77/diyu-agent-sub002/internal/embedding"
	memerr "github.com/andyan77/diyu-agent-sub002/internal/errors"
)

// Hit is one similarity match.
type Hit struct {
	ID         string
	Similarity float64
}

// Index stores item embeddings per user and answers similarity queries.
type Index interface {
	Upsert(ctx context.Context, userID, itemID, text string) error
	Delete(ctx context.Context, userID string, itemIDs ...string) error
	DeleteUser(ctx context.Context, userID string) error
	Search(ctx context.Context, userID, query string, k int) ([]Hit, error)
}

var _ Index = (*ChromemIndex)(nil)
var _ Index = Unavailable{}

// ChromemIndex is an in-process vector index backed by chromem-go.
// Each user gets their own collection.
type ChromemIndex struct {
	db          *chromem.DB
	embedder    embedding.Embedder
	collections map[string]*chromem.Collection
	mu          sync.RWMutex
}

// NewChromemIndex creates an index that embeds text with the given embedder.
func NewChromemIndex(embedder embedding.Embedder) *ChromemIndex {
	return &ChromemIndex{
		db:          chromem.NewDB(),
		embedder:    embedder,
		collections: make(map[string]*chromem.Collection),
	}
}

func collectionName(userID string) string {
	return "user_" + userID
}

func (x *ChromemIndex) collection(userID string, create bool) (*chromem.Collection, error) {
	x.mu.RLock()
	col, ok := x.collections[userID]
	x.mu.RUnlock()
	if ok || !create {
		return col, nil
	}

	x.mu.Lock()
	defer x.mu.Unlock()
	if col, ok := x.collections[userID]; ok {
		return col, nil
	}
	col, err := x.db.GetOrCreateCollection(collectionName(userID), nil, nil)
	if err != nil {
		return nil, fmt.Errorf("create collection: %w", err)
	}
	x.collections[userID] = col
	return col, nil
}

func (x *ChromemIndex) embed(ctx context.Context, text string) (embedding.Vector, error) {
	v, err := x.embedder.Embed(ctx, text)
	if err != nil {
		return nil, err
	}
	for _, f := range v {
		if f != 0 {
			return v, nil
		}
	}
	return nil, nil
}

// Upsert embeds text and stores it under itemID.
func (x *ChromemIndex) Upsert(ctx context.Context, userID, itemID, text string) error {
	v, err := x.embed(ctx, text)
	if err != nil {
		return memerr.Wrap(err, memerr.CodeVectorDegraded, "embedding item", memerr.FieldItemID(itemID))
	}
	if v == nil {
		return nil
	}
	col, err := x.collection(userID, true)
	if err != nil {
		return memerr.Wrap(err, memerr.CodeVectorDegraded, "opening collection", memerr.FieldUserID(userID))
	}
	doc := chromem.Document{
		ID:        itemID,
		Content:   text,
		Embedding: v,
		Metadata:  map[string]string{"user_id": userID},
	}
	if err := col.AddDocument(ctx, doc); err != nil {
		return memerr.Wrap(err, memerr.CodeVectorDegraded, "adding document", memerr.FieldItemID(itemID))
	}
	return nil
}

// Delete removes items from a user's collection.
func (x *ChromemIndex) Delete(ctx context.Context, userID string, itemIDs ...string) error {
	if len(itemIDs) == 0 {
		return nil
	}
	col, _ := x.collection(userID, false)
	if col == nil {
		return nil
	}
	if err := col.Delete(ctx, nil, nil, itemIDs...); err != nil {
		return memerr.Wrap(err, memerr.CodeVectorDegraded, "deleting documents", memerr.FieldUserID(userID))
	}
	return nil
}

// DeleteUser drops the user's whole collection.
func (x *ChromemIndex) DeleteUser(_ context.Context, userID string) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	if _, ok := x.collections[userID]; !ok {
		return nil
	}
	if err := x.db.DeleteCollection(collectionName(userID)); err != nil {
		return memerr.Wrap(err, memerr.CodeVectorDegraded, "deleting collection", memerr.FieldUserID(userID))
	}
	delete(x.collections, userID)
	return nil
}

// Search returns up to k items most similar to query.
func (x *ChromemIndex) Search(ctx context.Context, userID, query string, k int) ([]Hit, error) {
	col, _ := x.collection(userID, false)
	if col == nil || k <= 0 {
		return nil, nil
	}
	// chromem-go requires nResults <= collection size
	if n := col.Count(); k > n {
		k = n
	}
	if k == 0 {
		return nil, nil
	}
	v, err := x.embed(ctx, query)
	if err != nil {
		return nil, memerr.Wrap(err, memerr.CodeVectorDegraded, "embedding query")
	}
	if v == nil {
		return nil, nil
	}
	results, err := col.QueryEmbedding(ctx, v, k, nil, nil)
	if err != nil {
		return nil, memerr.Wrap(err, memerr.CodeVectorDegraded, "querying collection", memerr.FieldUserID(userID))
	}
	hits := make([]Hit, 0, len(results))
	for _, r := range results {
		hits = append(hits, Hit{ID: r.ID, Similarity: float64(r.Similarity)})
	}
	return hits, nil
}

// Unavailable is an Index whose every call fails as degraded. It stands in
// when no embedder is configured or the capability is switched off.
type Unavailable struct{}

func (Unavailable) Upsert(context.Context, string, string, string) error {
	return memerr.New(memerr.CodeVectorDegraded, "vector capability unavailable")
}

func (Unavailable) Delete(context.Context, string, ...string) error { return nil }

func (Unavailable) DeleteUser(context.Context, string) error { return nil }

func (Unavailable) Search(context.Context, string, string, int) ([]Hit, error) {
	return nil, memerr.New(memerr.CodeVectorDegraded, "vector capability unavailable")
}

// New returns a chromem index for the embedder, or Unavailable when nil.
func New(embedder embedding.Embedder) Index {
	if embedder == nil {
		return Unavailable{}
	}
	return NewChromemIndex(embedder)
}
