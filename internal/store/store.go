// Package store is the durable, versioned memory store backed by SQLite.
// Everything else in the engine reads and writes through it.
package store

import (
	"context"
	"log/slog"
	"time"

	"github.com/andyan77/diyu-agent-sub002/internal/fence"
	"github.com/andyan77/diyu-agent-sub002/internal/model"
	"github.com/andyan77/diyu-agent-sub002/internal/vector"
)

// Options configures a store. Zero values fall back to defaults.
type Options struct {
	Vector         vector.Index
	Fences         *fence.Registry
	Logger         *slog.Logger
	RRFK           int
	FusedLimit     int
	LexicalTimeout time.Duration
	VectorTimeout  time.Duration
	Now            func() time.Time
}

// WriteReceipt acknowledges a durable item write.
type WriteReceipt struct {
	ItemID  string `json:"item_id"`
	Version int    `json:"version"`
	AuditID string `json:"audit_id"`
}

// Candidate is one fused retrieval hit.
type Candidate struct {
	Item        model.MemoryItem `json:"item"`
	Score       float64          `json:"score"`
	LexicalRank int              `json:"lexical_rank,omitempty"`
	VectorRank  int              `json:"vector_rank,omitempty"`
}

// ReadResult is the outcome of a hybrid read.
type ReadResult struct {
	Candidates     []Candidate `json:"candidates"`
	Degraded       bool        `json:"degraded"`
	DegradedReason string      `json:"degraded_reason,omitempty"`
}

// ListParams holds parameters for listing memory items.
type ListParams struct {
	UserID         string
	Key            string
	Provenance     model.Provenance
	IncludeInvalid bool
	Limit          int
}

// AdvanceOptions carries side data for a tombstone transition.
type AdvanceOptions struct {
	Error         string
	NextAttemptAt *time.Time
	CountAttempt  bool
}

// FeedbackCount tallies explicit feedback for one item.
type FeedbackCount struct {
	Positive int `json:"positive"`
	Negative int `json:"negative"`
}

// Link represents a relation between two memory items.
type Link struct {
	FromID    string    `json:"from_id"`
	ToID      string    `json:"to_id"`
	Rel       string    `json:"rel"`
	CreatedAt time.Time `json:"created_at"`
}

// Store defines the memory storage contract.
type Store interface {
	AppendEvent(ctx context.Context, ev model.ConversationEvent) (string, error)
	ListEvents(ctx context.Context, sessionID string, afterSeq int) ([]model.ConversationEvent, error)

	WriteItem(ctx context.Context, item model.MemoryItem) (*WriteReceipt, error)
	Supersede(ctx context.Context, oldID string, item model.MemoryItem) (string, error)
	Invalidate(ctx context.Context, id, reason string) error
	Merge(ctx context.Context, ids []string, item model.MemoryItem) (string, error)
	UpdateConfidence(ctx context.Context, id string, confidence float64) (float64, error)
	GetItem(ctx context.Context, id string) (*model.MemoryItem, error)
	GetCurrentByKey(ctx context.Context, userID, key string) (*model.MemoryItem, error)
	ListItems(ctx context.Context, p ListParams) ([]model.MemoryItem, error)
	History(ctx context.Context, id string) ([]model.MemoryItem, error)

	ReadItems(ctx context.Context, userID, query string, topK int) (*ReadResult, error)
	SearchLexical(ctx context.Context, userID, query string, limit int) ([]string, error)
	SearchVector(ctx context.Context, userID, query string, limit int) ([]string, error)

	PutSummary(ctx context.Context, sum model.SessionSummary) (string, error)
	LatestSummary(ctx context.Context, sessionID string) (*model.SessionSummary, error)

	CreateTombstone(ctx context.Context, userID, tenantID, requestedBy string, deadline time.Time) (*model.Tombstone, error)
	AdvanceTombstone(ctx context.Context, id string, to model.TombstoneState, opts AdvanceOptions) (*model.Tombstone, error)
	GetTombstone(ctx context.Context, id string) (*model.Tombstone, error)

	WriteReceipts(ctx context.Context, receipts []model.Receipt) error
	ListReceipts(ctx context.Context, requestID string) ([]model.Receipt, error)
	RecordFeedback(ctx context.Context, fb model.Feedback) (string, error)

	Close() error
}

var _ Store = (*SQLiteStore)(nil)
