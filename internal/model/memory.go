// Package model defines the core memory data types.
package model

import (
	"math"
	"strings"
	"time"

	memerr "github.com/andyan77/diyu-agent-sub002/internal/errors"
)

// Scope bounds where a memory applies.
type Scope string

const (
	ScopeSession  Scope = "session"
	ScopePersonal Scope = "personal"
)

// EpistemicType classifies the nature of a memory, orthogonal to provenance.
type EpistemicType string

const (
	EpistemicFact       EpistemicType = "fact"
	EpistemicOpinion    EpistemicType = "opinion"
	EpistemicPreference EpistemicType = "preference"
	EpistemicOutdated   EpistemicType = "outdated"
)

// Provenance is the trust tier of a memory's origin.
type Provenance string

const (
	ProvenanceObservation     Provenance = "observation"
	ProvenanceAnalysis        Provenance = "analysis"
	ProvenanceConfirmedByUser Provenance = "confirmed_by_user"
)

// ValidScopes are the allowed memory scopes.
var ValidScopes = map[Scope]bool{
	ScopeSession:  true,
	ScopePersonal: true,
}

// ValidEpistemicTypes are the allowed epistemic classifications.
var ValidEpistemicTypes = map[EpistemicType]bool{
	EpistemicFact:       true,
	EpistemicOpinion:    true,
	EpistemicPreference: true,
	EpistemicOutdated:   true,
}

// Ceiling returns the maximum confidence a memory of this provenance may carry.
func (p Provenance) Ceiling() float64 {
	switch p {
	case ProvenanceObservation:
		return 0.6
	case ProvenanceAnalysis:
		return 0.8
	case ProvenanceConfirmedByUser:
		return 1.0
	default:
		return 0
	}
}

// Tier orders provenance by trust: observation < analysis < confirmed_by_user.
func (p Provenance) Tier() int {
	switch p {
	case ProvenanceObservation:
		return 1
	case ProvenanceAnalysis:
		return 2
	case ProvenanceConfirmedByUser:
		return 3
	default:
		return 0
	}
}

// Valid reports whether the provenance is a known tier.
func (p Provenance) Valid() bool {
	return p.Tier() > 0
}

// MemoryItem is the durable unit of personal knowledge.
//
// Items are append-mostly: a change is a new item that supersedes the old
// one. Only InvalidAt, SupersededBy and calibrated Confidence are ever
// updated in place.
type MemoryItem struct {
	ID              string            `json:"id"`
	UserID          string            `json:"user_id"`
	TenantID        string            `json:"tenant_id"`
	Scope           Scope             `json:"scope"`
	SessionID       string            `json:"session_id,omitempty"`
	ItemType        string            `json:"item_type"`
	Key             string            `json:"key"`
	Content         string            `json:"content"`
	Payload         map[string]string `json:"payload,omitempty"`
	Confidence      float64           `json:"confidence"`
	EpistemicType   EpistemicType     `json:"epistemic_type"`
	Provenance      Provenance        `json:"provenance"`
	ValidAt         time.Time         `json:"valid_at"`
	InvalidAt       *time.Time        `json:"invalid_at,omitempty"`
	SupersededBy    string            `json:"superseded_by,omitempty"`
	Supersedes      string            `json:"supersedes,omitempty"`
	Version         int               `json:"version"`
	SourceEvents    []string          `json:"source_events,omitempty"`
	LastValidatedAt time.Time         `json:"last_validated_at"`
	CreatedAt       time.Time         `json:"created_at"`
}

// Current reports whether the item is the live head of its chain.
func (m *MemoryItem) Current() bool {
	return m.InvalidAt == nil && m.SupersededBy == ""
}

// SessionScopeID returns the session id for session-scoped items, else "".
func (m *MemoryItem) SessionScopeID() string {
	if m.Scope == ScopeSession {
		return m.SessionID
	}
	return ""
}

// ApplyDefaults fills zero-valued optional fields.
func (m *MemoryItem) ApplyDefaults(now time.Time) {
	if m.EpistemicType == "" {
		m.EpistemicType = EpistemicPreference
	}
	if m.Scope == "" {
		m.Scope = ScopePersonal
	}
	if m.ValidAt.IsZero() {
		m.ValidAt = now
	}
	if m.LastValidatedAt.IsZero() {
		m.LastValidatedAt = m.ValidAt
	}
	if m.Version < 1 {
		m.Version = 1
	}
}

// Validate checks scope, confidence, epistemic type and the provenance ceiling.
func (m *MemoryItem) Validate() error {
	var problems []string

	if strings.TrimSpace(m.UserID) == "" {
		problems = append(problems, "user_id must not be empty")
	}
	if strings.TrimSpace(m.Key) == "" {
		problems = append(problems, "key must not be empty")
	}
	if strings.TrimSpace(m.Content) == "" {
		problems = append(problems, "content must not be empty")
	}
	if !ValidScopes[m.Scope] {
		problems = append(problems, "scope must be one of [session, personal], got "+string(m.Scope))
	}
	if m.Scope == ScopeSession && m.SessionID == "" {
		problems = append(problems, "session scope requires session_id")
	}
	if !ValidEpistemicTypes[m.EpistemicType] {
		problems = append(problems, "epistemic_type must be one of [fact, opinion, preference, outdated], got "+string(m.EpistemicType))
	}
	if !m.Provenance.Valid() {
		problems = append(problems, "provenance must be one of [observation, analysis, confirmed_by_user], got "+string(m.Provenance))
	}
	if math.IsNaN(m.Confidence) || m.Confidence < 0 || m.Confidence > 1 {
		problems = append(problems, "confidence must be within [0,1]")
	} else if m.Provenance.Valid() && m.Confidence > m.Provenance.Ceiling() {
		problems = append(problems, "confidence exceeds the "+string(m.Provenance)+" ceiling")
	}
	if m.Version < 1 {
		problems = append(problems, "version must be >= 1")
	}

	if len(problems) > 0 {
		return memerr.New(memerr.CodeItemInvalid, "invalid memory item: "+strings.Join(problems, "; "),
			memerr.FieldUserID(m.UserID), memerr.Field("key", m.Key))
	}
	return nil
}

// ClampConfidence bounds c to [0, ceiling of p].
func ClampConfidence(c float64, p Provenance) float64 {
	if c < 0 {
		return 0
	}
	if ceil := p.Ceiling(); c > ceil {
		return ceil
	}
	return c
}

// MergeSources unions event id sets keeping first-seen order.
func MergeSources(sets ...[]string) []string {
	seen := map[string]bool{}
	var out []string
	for _, set := range sets {
		for _, id := range set {
			if id == "" || seen[id] {
				continue
			}
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}

// Feedback is an explicit user reaction to an injected memory.
type Feedback struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	ItemID    string    `json:"item_id"`
	Positive  bool      `json:"positive"`
	CreatedAt time.Time `json:"created_at"`
}

// Link relations between memory items.
const (
	RelSupersedes   = "supersedes"
	RelContradicts  = "contradicts"
	RelConsolidates = "consolidates"
)

// ValidRels are the allowed item link relations.
var ValidRels = map[string]bool{
	RelSupersedes:   true,
	RelContradicts:  true,
	RelConsolidates: true,
}
