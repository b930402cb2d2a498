package model

import (
	"testing"
	"time"

	memerr "github.com/andyan77/diyu-agent-sub002/internal/errors"
)

func validItem() MemoryItem {
	m := MemoryItem{
		UserID:     "u1",
		Key:        "likes:coffee",
		Content:    "User likes coffee",
		Provenance: ProvenanceObservation,
		Confidence: 0.5,
	}
	m.ApplyDefaults(time.Now())
	return m
}

func TestValidateDefaults(t *testing.T) {
	m := validItem()
	if err := m.Validate(); err != nil {
		t.Fatalf("expected valid item, got %v", err)
	}
	if m.EpistemicType != EpistemicPreference {
		t.Errorf("expected default epistemic preference, got %s", m.EpistemicType)
	}
	if m.Scope != ScopePersonal {
		t.Errorf("expected default scope personal, got %s", m.Scope)
	}
}

func TestValidateCeilings(t *testing.T) {
	tests := []struct {
		prov Provenance
		conf float64
		ok   bool
	}{
		{ProvenanceObservation, 0.6, true},
		{ProvenanceObservation, 0.9, false},
		{ProvenanceAnalysis, 0.8, true},
		{ProvenanceAnalysis, 0.81, false},
		{ProvenanceConfirmedByUser, 1.0, true},
		{ProvenanceConfirmedByUser, 1.1, false},
	}
	for _, tt := range tests {
		m := validItem()
		m.Provenance = tt.prov
		m.Confidence = tt.conf
		err := m.Validate()
		if tt.ok && err != nil {
			t.Errorf("%s/%v: unexpected error %v", tt.prov, tt.conf, err)
		}
		if !tt.ok && !memerr.IsValidation(err) {
			t.Errorf("%s/%v: expected validation error, got %v", tt.prov, tt.conf, err)
		}
	}
}

func TestValidateRejectsBadEnums(t *testing.T) {
	m := validItem()
	m.Scope = "global"
	if !memerr.IsValidation(m.Validate()) {
		t.Error("expected validation error for scope")
	}

	m = validItem()
	m.EpistemicType = "rumour"
	if !memerr.IsValidation(m.Validate()) {
		t.Error("expected validation error for epistemic type")
	}

	m = validItem()
	m.Scope = ScopeSession
	if !memerr.IsValidation(m.Validate()) {
		t.Error("expected validation error for session scope without session id")
	}
}

func TestTombstoneTransitions(t *testing.T) {
	happy := []TombstoneState{
		TombstoneRequested, TombstoneVerified, TombstoneTombstoned,
		TombstoneQueued, TombstoneProcessing, TombstoneCompleted,
	}
	for i := 0; i < len(happy)-1; i++ {
		if !CanTransition(happy[i], happy[i+1]) {
			t.Errorf("expected %s -> %s allowed", happy[i], happy[i+1])
		}
	}
	if CanTransition(TombstoneCompleted, TombstoneQueued) {
		t.Error("completed must be terminal")
	}
	if CanTransition(TombstoneRequested, TombstoneTombstoned) {
		t.Error("verification must not be skipped")
	}
	if !CanTransition(TombstoneRetryPending, TombstoneEscalated) {
		t.Error("expected retry_pending -> escalated")
	}
	if !CanTransition(TombstoneRequested, TombstoneDenied) || CanTransition(TombstoneRequested, TombstoneFailed) {
		t.Error("an unverified request may only be denied")
	}
	for _, to := range []TombstoneState{TombstoneRetryPending, TombstoneQueued, TombstoneVerified} {
		if CanTransition(TombstoneDenied, to) {
			t.Errorf("denied must be terminal, got -> %s allowed", to)
		}
	}
	if !TombstoneDenied.Terminal() || !TombstoneDenied.Valid() {
		t.Error("denied must be a valid terminal state")
	}
}

func TestMergeSources(t *testing.T) {
	got := MergeSources([]string{"a", "b"}, []string{"b", "c", ""})
	if len(got) != 3 || got[2] != "c" {
		t.Errorf("unexpected merge result %v", got)
	}
}
