package store

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	memerr "github.com/andyan77/diyu-agent-sub002/internal/errors"
	"github.com/andyan77/diyu-agent-sub002/internal/model"
)

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(time.Millisecond)
	return c.t
}

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	return newTestStoreAt(t, filepath.Join(t.TempDir(), "test.db"), Options{})
}

func newTestStoreAt(t *testing.T, path string, opts Options) *SQLiteStore {
	t.Helper()
	if opts.Now == nil {
		clock := &testClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
		opts.Now = clock.Now
	}
	s, err := NewSQLiteStore(path, opts)
	if err != nil {
		t.Fatalf("create store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func pref(user, key, content string) model.MemoryItem {
	return model.MemoryItem{
		UserID:        user,
		Key:           key,
		Content:       content,
		Confidence:    0.5,
		EpistemicType: model.EpistemicPreference,
		Provenance:    model.ProvenanceObservation,
	}
}

func strPtr(s string) *string { return &s }

func TestWriteAndGet(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	rec, err := s.WriteItem(ctx, pref("u1", "likes:coffee", "User likes coffee"))
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	if rec.Version != 1 {
		t.Errorf("expected version 1, got %d", rec.Version)
	}
	if rec.ItemID == "" || rec.AuditID == "" {
		t.Error("expected item and audit ids")
	}

	got, err := s.GetItem(ctx, rec.ItemID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Content != "User likes coffee" || got.Scope != model.ScopePersonal {
		t.Errorf("unexpected item %+v", got)
	}

	byKey, err := s.GetCurrentByKey(ctx, "u1", "likes:coffee")
	if err != nil {
		t.Fatalf("get by key: %v", err)
	}
	if byKey.ID != rec.ItemID {
		t.Errorf("expected %s, got %s", rec.ItemID, byKey.ID)
	}

	audit, err := s.ListAudit(ctx, "u1", 10)
	if err != nil {
		t.Fatalf("audit: %v", err)
	}
	if len(audit) != 1 || audit[0].Action != "write" {
		t.Fatalf("expected one write audit record, got %+v", audit)
	}
	if audit[0].Detail == "" || strings.Contains(audit[0].Detail, "coffee") {
		t.Errorf("audit detail must not carry content: %q", audit[0].Detail)
	}
}

func TestWriteRejectsConfidenceAboveCeiling(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	item := pref("u1", "likes:tea", "User likes tea")
	item.Confidence = 0.9
	_, err := s.WriteItem(ctx, item)
	if !memerr.IsValidation(err) {
		t.Fatalf("expected validation error, got %v", err)
	}

	items, _ := s.ListItems(ctx, ListParams{UserID: "u1", IncludeInvalid: true})
	if len(items) != 0 {
		t.Errorf("rejected write must store nothing, got %d items", len(items))
	}
}

func TestWriteRejectsInvalidFields(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	cases := []model.MemoryItem{
		{UserID: "u1", Key: "k", Content: "c", Confidence: 0.3, Provenance: "rumor"},
		{UserID: "u1", Key: "k", Content: "c", Confidence: 0.3, Provenance: model.ProvenanceAnalysis, Scope: "global"},
		{UserID: "u1", Key: "k", Content: "c", Confidence: 0.3, Provenance: model.ProvenanceAnalysis, EpistemicType: "guess"},
		{UserID: "u1", Key: "k", Content: "c", Confidence: -0.1, Provenance: model.ProvenanceAnalysis},
		{UserID: "u1", Key: "k", Content: "c", Confidence: 0.3, Provenance: model.ProvenanceAnalysis, Scope: model.ScopeSession},
		{Key: "k", Content: "c", Confidence: 0.3, Provenance: model.ProvenanceAnalysis},
	}
	for i, c := range cases {
		if _, err := s.WriteItem(ctx, c); !memerr.IsValidation(err) {
			t.Errorf("case %d: expected validation error, got %v", i, err)
		}
	}
}

func TestWriteDuplicateKeyConflicts(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	if _, err := s.WriteItem(ctx, pref("u1", "likes:coffee", "User likes coffee")); err != nil {
		t.Fatal(err)
	}
	_, err := s.WriteItem(ctx, pref("u1", "likes:coffee", "User likes coffee a lot"))
	if !memerr.IsConflict(err) {
		t.Fatalf("expected conflict, got %v", err)
	}

	// Same key for another user is independent.
	if _, err := s.WriteItem(ctx, pref("u2", "likes:coffee", "User likes coffee")); err != nil {
		t.Fatalf("other user: %v", err)
	}
}

func TestSupersedeChain(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	rec, err := s.WriteItem(ctx, pref("u1", "location:home", "User lives in Berlin"))
	if err != nil {
		t.Fatal(err)
	}
	v2, err := s.Supersede(ctx, rec.ItemID, pref("u1", "", "User lives in Munich"))
	if err != nil {
		t.Fatalf("supersede: %v", err)
	}
	v3item := pref("u1", "", "User lives in Hamburg")
	v3item.Provenance = model.ProvenanceConfirmedByUser
	v3item.Confidence = 0.9
	v3, err := s.Supersede(ctx, v2, v3item)
	if err != nil {
		t.Fatalf("supersede 2: %v", err)
	}

	hist, err := s.History(ctx, rec.ItemID)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(hist) != 3 {
		t.Fatalf("expected 3 versions, got %d", len(hist))
	}
	for i, want := range []string{rec.ItemID, v2, v3} {
		if hist[i].ID != want || hist[i].Version != i+1 {
			t.Errorf("version %d: got id=%s version=%d", i+1, hist[i].ID, hist[i].Version)
		}
	}
	if hist[0].SupersededBy != v2 || hist[1].Supersedes != rec.ItemID || hist[0].InvalidAt == nil {
		t.Error("supersede pointers not set")
	}

	current, _ := s.ListItems(ctx, ListParams{UserID: "u1", Key: "location:home"})
	if len(current) != 1 || current[0].ID != v3 {
		t.Fatalf("expected only v3 current, got %+v", current)
	}

	// Superseding a retired item is a conflict.
	if _, err := s.Supersede(ctx, rec.ItemID, pref("u1", "", "User lives in Paris")); !memerr.IsConflict(err) {
		t.Errorf("expected conflict, got %v", err)
	}

	links, err := s.GetLinks(ctx, v2)
	if err != nil {
		t.Fatal(err)
	}
	if len(links) != 2 {
		t.Errorf("expected 2 supersedes links touching v2, got %d", len(links))
	}
}

func TestConcurrentSupersedeKeepsOneCurrent(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	rec, err := s.WriteItem(ctx, pref("u1", "favorite:color", "Favorite color is blue"))
	if err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.Supersede(ctx, rec.ItemID, pref("u1", "", "Favorite color is green")); err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if wins != 1 {
		t.Errorf("expected exactly one supersede to win, got %d", wins)
	}
	current, _ := s.ListItems(ctx, ListParams{UserID: "u1", Key: "favorite:color"})
	if len(current) != 1 {
		t.Errorf("expected one current item, got %d", len(current))
	}
}

func TestInvalidate(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	rec, _ := s.WriteItem(ctx, pref("u1", "likes:jazz", "User likes jazz"))
	if err := s.Invalidate(ctx, rec.ItemID, "stale"); err != nil {
		t.Fatalf("invalidate: %v", err)
	}
	if err := s.Invalidate(ctx, rec.ItemID, "stale"); !memerr.IsConflict(err) {
		t.Errorf("second invalidate should conflict, got %v", err)
	}
	current, _ := s.ListItems(ctx, ListParams{UserID: "u1"})
	if len(current) != 0 {
		t.Errorf("expected no current items, got %d", len(current))
	}
	// The key is free again.
	if _, err := s.WriteItem(ctx, pref("u1", "likes:jazz", "User likes jazz again")); err != nil {
		t.Errorf("rewrite after invalidate: %v", err)
	}
}

func TestMerge(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	a, _ := s.WriteItem(ctx, pref("u1", "likes:coffee", "User likes coffee"))
	b, _ := s.WriteItem(ctx, pref("u1", "likes:espresso", "User likes espresso coffee"))

	merged := pref("u1", "likes:coffee", "User likes coffee, especially espresso")
	id, err := s.Merge(ctx, []string{a.ItemID, b.ItemID}, merged)
	if err != nil {
		t.Fatalf("merge: %v", err)
	}
	got, _ := s.GetItem(ctx, id)
	if got.Version != 2 {
		t.Errorf("expected version 2, got %d", got.Version)
	}
	for _, old := range []string{a.ItemID, b.ItemID} {
		it, _ := s.GetItem(ctx, old)
		if it.SupersededBy != id {
			t.Errorf("%s not superseded by merge", old)
		}
	}
	links, _ := s.GetLinks(ctx, id)
	consolidates := 0
	for _, l := range links {
		if l.Rel == model.RelConsolidates {
			consolidates++
		}
	}
	if consolidates != 2 {
		t.Errorf("expected 2 consolidates links, got %d", consolidates)
	}
}

func TestUpdateConfidenceRejectsAboveCeiling(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	item := pref("u1", "likes:tea", "User likes tea")
	item.Confidence = 0.55
	rec, err := s.WriteItem(ctx, item)
	if err != nil {
		t.Fatal(err)
	}

	for _, c := range []float64{0.9, -0.1} {
		if _, err := s.UpdateConfidence(ctx, rec.ItemID, c); !memerr.IsValidation(err) {
			t.Errorf("confidence %v: expected validation error, got %v", c, err)
		}
	}
	got, err := s.GetItem(ctx, rec.ItemID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Confidence != 0.55 {
		t.Errorf("rejected update changed stored confidence to %v", got.Confidence)
	}

	stored, err := s.UpdateConfidence(ctx, rec.ItemID, model.ProvenanceObservation.Ceiling())
	if err != nil {
		t.Fatal(err)
	}
	if stored != 0.6 {
		t.Errorf("expected 0.6 at the ceiling, got %v", stored)
	}

	next := pref("u1", "likes:tea", "User likes tea a lot")
	next.Confidence = 0.9
	if _, err := s.Supersede(ctx, rec.ItemID, next); !memerr.IsValidation(err) {
		t.Errorf("supersede above ceiling: expected validation error, got %v", err)
	}
	cur, err := s.GetCurrentByKey(ctx, "u1", "likes:tea")
	if err != nil {
		t.Fatal(err)
	}
	if cur.ID != rec.ItemID {
		t.Errorf("rejected supersede replaced the current item")
	}
}

func TestAppendEventAssignsSeq(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	for _, text := range []string{"hello", "hi there", "how are you"} {
		if _, err := s.AppendEvent(ctx, model.ConversationEvent{SessionID: "s1", UserID: "u1", Content: strPtr(text)}); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	evs, err := s.ListEvents(ctx, "s1", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(evs) != 3 {
		t.Fatalf("expected 3 events, got %d", len(evs))
	}
	for i, ev := range evs {
		if ev.Seq != i+1 {
			t.Errorf("event %d has seq %d", i, ev.Seq)
		}
	}
	after, _ := s.ListEvents(ctx, "s1", 2)
	if len(after) != 1 || after[0].Text() != "how are you" {
		t.Errorf("unexpected events after seq 2: %+v", after)
	}

	_, err = s.AppendEvent(ctx, model.ConversationEvent{SessionID: "s1", UserID: "u2", Content: strPtr("intrude")})
	if !memerr.IsValidation(err) {
		t.Errorf("expected validation error for foreign session, got %v", err)
	}
	_, err = s.AppendEvent(ctx, model.ConversationEvent{SessionID: "s1", UserID: "u1", Content: strPtr(" ")})
	if !memerr.IsValidation(err) {
		t.Errorf("expected validation error for empty content, got %v", err)
	}
}

func TestSummarySupersedesPrevious(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	if _, err := s.LatestSummary(ctx, "s1"); !memerr.IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
	first, err := s.PutSummary(ctx, model.SessionSummary{SessionID: "s1", UserID: "u1", Content: "talked about coffee", FromSeq: 1, ToSeq: 4})
	if err != nil {
		t.Fatal(err)
	}
	second, err := s.PutSummary(ctx, model.SessionSummary{SessionID: "s1", UserID: "u1", Content: "talked about coffee and tea", FromSeq: 1, ToSeq: 8})
	if err != nil {
		t.Fatal(err)
	}
	latest, err := s.LatestSummary(ctx, "s1")
	if err != nil {
		t.Fatal(err)
	}
	if latest.ID != second || latest.Version != 2 || latest.ToSeq != 8 {
		t.Errorf("unexpected latest summary %+v", latest)
	}
	if latest.ID == first {
		t.Error("first summary should be superseded")
	}
}

func TestSessionScopedKeysAreIndependent(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	a := pref("u1", "topic", "Discussing trip to Rome")
	a.Scope = model.ScopeSession
	a.SessionID = "s1"
	b := a
	b.SessionID = "s2"
	if _, err := s.WriteItem(ctx, a); err != nil {
		t.Fatal(err)
	}
	if _, err := s.WriteItem(ctx, b); err != nil {
		t.Fatalf("same key in another session: %v", err)
	}
	if _, err := s.WriteItem(ctx, pref("u1", "topic", "Personal topic")); err != nil {
		t.Fatalf("same key personal: %v", err)
	}
}

func TestStats(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	rec, _ := s.WriteItem(ctx, pref("u1", "likes:tea", "User likes tea"))
	s.Supersede(ctx, rec.ItemID, pref("u1", "", "User likes green tea"))
	s.WriteItem(ctx, pref("u2", "likes:rain", "User likes rain"))

	st, err := s.Stats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if st.TotalItems != 3 || st.CurrentItems != 2 {
		t.Errorf("expected 3 total / 2 current, got %d / %d", st.TotalItems, st.CurrentItems)
	}
	if len(st.Users) != 2 {
		t.Errorf("expected 2 users, got %d", len(st.Users))
	}
}

func TestExportAndImport(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	rec, _ := s.WriteItem(ctx, pref("u1", "likes:tea", "User likes tea"))
	s.Supersede(ctx, rec.ItemID, pref("u1", "", "User likes green tea"))
	s.AppendEvent(ctx, model.ConversationEvent{SessionID: "s1", UserID: "u1", Content: strPtr("I like green tea")})

	exp, err := s.ExportUser(ctx, "u1")
	if err != nil {
		t.Fatal(err)
	}
	if len(exp.Items) != 2 || len(exp.Events) != 1 {
		t.Fatalf("expected 2 items and 1 event, got %d and %d", len(exp.Items), len(exp.Events))
	}

	other := newTestStore(t)
	n, err := other.Import(ctx, exp)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("expected 1 current item imported, got %d", n)
	}
	got, err := other.GetCurrentByKey(ctx, "u1", "likes:tea")
	if err != nil || got.Content != "User likes green tea" {
		t.Errorf("import lost current item: %v %+v", err, got)
	}
}
