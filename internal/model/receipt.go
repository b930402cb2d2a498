package model

import "time"

// ReceiptKind distinguishes retrieval from injection receipts.
type ReceiptKind string

const (
	ReceiptRetrieval ReceiptKind = "retrieval"
	ReceiptInjection ReceiptKind = "injection"
)

// Reason explains why a candidate was injected or not.
type Reason string

const (
	ReasonRelevance      Reason = "relevance"
	ReasonRecency        Reason = "recency"
	ReasonConfidence     Reason = "confidence"
	ReasonBudgetExceeded Reason = "budget_exceeded"
	ReasonBlocked        Reason = "blocked"
)

// Degraded reasons recorded on retrieval receipts.
const (
	DegradedQueryRewrite = "query_rewrite_failed"
	DegradedVector       = "vector_unavailable"
	DegradedKnowledge    = "knowledge_unavailable"
)

// Receipt is an immutable audit record of a retrieval or injection decision.
// Receipts outlive the memories they reference; purge only redacts Query.
type Receipt struct {
	ID             string      `json:"id"`
	RequestID      string      `json:"request_id"`
	Kind           ReceiptKind `json:"kind"`
	UserID         string      `json:"user_id"`
	SessionID      string      `json:"session_id,omitempty"`
	ItemID         string      `json:"item_id,omitempty"`
	Score          float64     `json:"score"`
	Reason         Reason      `json:"reason,omitempty"`
	PolicyVersion  string      `json:"policy_version"`
	GuardrailHit   bool        `json:"guardrail_hit"`
	Position       int         `json:"position"`
	DegradedReason string      `json:"degraded_reason,omitempty"`
	ConflictWith   string      `json:"conflict_with,omitempty"`
	Query          string      `json:"query,omitempty"`
	Redacted       bool        `json:"redacted,omitempty"`
	CreatedAt      time.Time   `json:"created_at"`
}

// Injected reports whether the receipt records a memory actually placed in context.
func (r *Receipt) Injected() bool {
	return r.Kind == ReceiptInjection && r.Position >= 0
}
