package store

import (
	"context"
	"testing"
	"time"

	memerr "github.com/andyan77/diyu-agent-sub002/internal/errors"
	"github.com/andyan77/diyu-agent-sub002/internal/model"
)

func TestReceiptsRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	rec, _ := s.WriteItem(ctx, pref("u1", "likes:coffee", "User likes coffee"))
	err := s.WriteReceipts(ctx, []model.Receipt{
		{RequestID: "r1", Kind: model.ReceiptRetrieval, UserID: "u1", ItemID: rec.ItemID, Score: 0.5,
			PolicyVersion: "v1", Position: -1, Query: "coffee", DegradedReason: model.DegradedVector},
		{RequestID: "r1", Kind: model.ReceiptInjection, UserID: "u1", ItemID: rec.ItemID, Score: 0.4,
			Reason: model.ReasonRelevance, PolicyVersion: "v1", Position: 0},
	})
	if err != nil {
		t.Fatal(err)
	}

	got, err := s.ListReceipts(ctx, "r1")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 receipts, got %d", len(got))
	}
	var injected int
	for _, r := range got {
		if r.Injected() {
			injected++
		}
		if r.Kind == model.ReceiptRetrieval && (r.Query != "coffee" || r.DegradedReason != model.DegradedVector) {
			t.Errorf("retrieval receipt lost fields: %+v", r)
		}
	}
	if injected != 1 {
		t.Errorf("expected 1 injected receipt, got %d", injected)
	}

	counts, _ := s.InjectionCounts(ctx, time.Time{})
	if counts[rec.ItemID] != 1 {
		t.Errorf("expected 1 injection, got %d", counts[rec.ItemID])
	}

	if err := s.WriteReceipts(ctx, []model.Receipt{{RequestID: "r2", Kind: "other", UserID: "u1", PolicyVersion: "v1"}}); !memerr.IsValidation(err) {
		t.Errorf("expected validation error, got %v", err)
	}
}

func TestFeedback(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	rec, _ := s.WriteItem(ctx, pref("u1", "likes:coffee", "User likes coffee"))
	for _, positive := range []bool{true, true, false} {
		if _, err := s.RecordFeedback(ctx, model.Feedback{UserID: "u1", ItemID: rec.ItemID, Positive: positive}); err != nil {
			t.Fatal(err)
		}
	}
	stats, err := s.FeedbackStats(ctx, time.Time{})
	if err != nil {
		t.Fatal(err)
	}
	if c := stats[rec.ItemID]; c.Positive != 2 || c.Negative != 1 {
		t.Errorf("unexpected feedback counts %+v", c)
	}

	if _, err := s.RecordFeedback(ctx, model.Feedback{UserID: "u2", ItemID: rec.ItemID}); !memerr.IsValidation(err) {
		t.Errorf("expected validation error for foreign item, got %v", err)
	}
	if _, err := s.RecordFeedback(ctx, model.Feedback{UserID: "u1", ItemID: "missing"}); !memerr.IsNotFound(err) {
		t.Errorf("expected not found, got %v", err)
	}
}

func TestGovernorStats(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	old := pref("u1", "likes:jazz", "User likes jazz")
	old.LastValidatedAt = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	old.ValidAt = old.LastValidatedAt
	a, _ := s.WriteItem(ctx, old)
	b, _ := s.WriteItem(ctx, pref("u1", "dislikes:jazz", "User dislikes jazz"))
	s.Link(ctx, b.ItemID, a.ItemID, model.RelContradicts)

	gs, err := s.GovernorStats(ctx, time.Time{}, time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatal(err)
	}
	if gs.CurrentItems != 2 || gs.StaleItems != 1 || gs.Contradictions != 1 || gs.Writes != 2 {
		t.Errorf("unexpected governor stats %+v", gs)
	}
}
