package model

import "time"

// TombstoneState is a step of the deletion state machine.
type TombstoneState string

const (
	TombstoneRequested    TombstoneState = "requested"
	TombstoneVerified     TombstoneState = "verified"
	TombstoneTombstoned   TombstoneState = "tombstoned"
	TombstoneQueued       TombstoneState = "queued"
	TombstoneProcessing   TombstoneState = "processing"
	TombstoneCompleted    TombstoneState = "completed"
	TombstoneFailed       TombstoneState = "failed"
	TombstoneRetryPending TombstoneState = "retry_pending"
	TombstoneEscalated    TombstoneState = "escalated"
	// TombstoneDenied ends a request that failed the ownership check. It
	// never fenced the user and can never be retried.
	TombstoneDenied TombstoneState = "denied"
)

var transitions = map[TombstoneState][]TombstoneState{
	TombstoneRequested:    {TombstoneVerified, TombstoneDenied},
	TombstoneVerified:     {TombstoneTombstoned},
	TombstoneTombstoned:   {TombstoneQueued},
	TombstoneQueued:       {TombstoneProcessing},
	TombstoneProcessing:   {TombstoneCompleted, TombstoneFailed},
	TombstoneFailed:       {TombstoneRetryPending, TombstoneEscalated},
	TombstoneRetryPending: {TombstoneQueued, TombstoneEscalated},
	TombstoneEscalated:    {TombstoneRetryPending},
}

// CanTransition reports whether from → to is a legal tombstone transition.
func CanTransition(from, to TombstoneState) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Terminal reports whether the state ends the machine.
func (s TombstoneState) Terminal() bool {
	return s == TombstoneCompleted || s == TombstoneDenied
}

// Valid reports whether s is a known state.
func (s TombstoneState) Valid() bool {
	_, ok := transitions[s]
	return ok || s.Terminal()
}

// Tombstone tracks one erasure request from request to physical purge.
type Tombstone struct {
	ID            string         `json:"id"`
	UserID        string         `json:"user_id"`
	TenantID      string         `json:"tenant_id"`
	RequestedBy   string         `json:"requested_by"`
	State         TombstoneState `json:"state"`
	Attempts      int            `json:"attempts"`
	LastError     string         `json:"last_error,omitempty"`
	SurfacesDone  []string       `json:"surfaces_done,omitempty"`
	RequestedAt   time.Time      `json:"requested_at"`
	Deadline      time.Time      `json:"deadline"`
	NextAttemptAt *time.Time     `json:"next_attempt_at,omitempty"`
	SLAWarned     bool           `json:"sla_warned,omitempty"`
	SLAEscalated  bool           `json:"sla_escalated,omitempty"`
	UpdatedAt     time.Time      `json:"updated_at"`
	CompletedAt   *time.Time     `json:"completed_at,omitempty"`
}

// SurfaceDone reports whether the named storage surface was already purged.
func (t *Tombstone) SurfaceDone(name string) bool {
	for _, s := range t.SurfacesDone {
		if s == name {
			return true
		}
	}
	return false
}

// ElapsedRatio is the fraction of the SLA window consumed at now.
func (t *Tombstone) ElapsedRatio(now time.Time) float64 {
	window := t.Deadline.Sub(t.RequestedAt)
	if window <= 0 {
		return 1
	}
	return float64(now.Sub(t.RequestedAt)) / float64(window)
}
