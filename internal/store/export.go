package store

import (
	"context"
	"database/sql"
	"time"

	memerr "github.com/andyan77/diyu-agent-sub002/internal/errors"
	"github.com/andyan77/diyu-agent-sub002/internal/model"
)

// UserExport is everything the engine holds about one user.
type UserExport struct {
	UserID     string                    `json:"user_id"`
	ExportedAt time.Time                 `json:"exported_at"`
	Items      []model.MemoryItem        `json:"items"`
	Events     []model.ConversationEvent `json:"events"`
	Summaries  []model.SessionSummary    `json:"summaries"`
	Receipts   []model.Receipt           `json:"receipts"`
	Feedback   []model.Feedback          `json:"feedback"`
}

// ExportUser returns all versions of a user's items plus their events,
// summaries, receipts and feedback. Fenced users cannot be exported.
func (s *SQLiteStore) ExportUser(ctx context.Context, userID string) (*UserExport, error) {
	if s.hidden(userID) {
		return nil, memerr.New(memerr.CodeItemFenced, "user is fenced by an in-flight deletion", memerr.FieldUserID(userID))
	}
	out := &UserExport{UserID: userID, ExportedAt: s.now()}

	items, err := s.ListItems(ctx, ListParams{UserID: userID, IncludeInvalid: true})
	if err != nil {
		return nil, err
	}
	out.Items = items

	sessions, err := s.userSessions(ctx, userID)
	if err != nil {
		return nil, err
	}
	for _, sid := range sessions {
		evs, err := s.ListEvents(ctx, sid, 0)
		if err != nil {
			return nil, err
		}
		out.Events = append(out.Events, evs...)
	}

	if out.Summaries, err = s.userSummaries(ctx, userID); err != nil {
		return nil, err
	}
	if out.Receipts, err = s.queryReceipts(ctx,
		`SELECT `+receiptColumns+` FROM receipts WHERE user_id = ? ORDER BY created_at, id`, userID); err != nil {
		return nil, err
	}
	if out.Feedback, err = s.userFeedback(ctx, userID); err != nil {
		return nil, err
	}
	return out, nil
}

// Import writes the current items of an export as fresh items for the same
// user. Keys that already hold a current item are skipped.
func (s *SQLiteStore) Import(ctx context.Context, exp *UserExport) (int, error) {
	imported := 0
	for _, it := range exp.Items {
		if !it.Current() {
			continue
		}
		it.ID = ""
		it.UserID = exp.UserID
		if _, err := s.WriteItem(ctx, it); err != nil {
			if memerr.IsConflict(err) {
				continue
			}
			return imported, err
		}
		imported++
	}
	return imported, nil
}

func (s *SQLiteStore) userSessions(ctx context.Context, userID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT session_id, MIN(created_at) AS first FROM conversation_events WHERE user_id = ?
		 GROUP BY session_id ORDER BY first`, userID)
	if err != nil {
		return nil, dbErr(err, "user sessions")
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id, first string
		if err := rows.Scan(&id, &first); err != nil {
			return nil, dbErr(err, "scan session")
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *SQLiteStore) userSummaries(ctx context.Context, userID string) ([]model.SessionSummary, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, user_id, content, from_seq, to_seq, version, superseded_by, created_at
		 FROM session_summaries WHERE user_id = ? ORDER BY session_id, version`, userID)
	if err != nil {
		return nil, dbErr(err, "user summaries")
	}
	defer rows.Close()
	var out []model.SessionSummary
	for rows.Next() {
		var sum model.SessionSummary
		var supersededBy sql.NullString
		var createdAt string
		if err := rows.Scan(&sum.ID, &sum.SessionID, &sum.UserID, &sum.Content, &sum.FromSeq, &sum.ToSeq,
			&sum.Version, &supersededBy, &createdAt); err != nil {
			return nil, dbErr(err, "scan summary")
		}
		sum.SupersededBy = supersededBy.String
		sum.CreatedAt = parseTime(createdAt)
		out = append(out, sum)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) userFeedback(ctx context.Context, userID string) ([]model.Feedback, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, item_id, positive, created_at FROM feedback WHERE user_id = ? ORDER BY created_at, id`, userID)
	if err != nil {
		return nil, dbErr(err, "user feedback")
	}
	defer rows.Close()
	var out []model.Feedback
	for rows.Next() {
		var fb model.Feedback
		var positive int
		var createdAt string
		if err := rows.Scan(&fb.ID, &fb.UserID, &fb.ItemID, &positive, &createdAt); err != nil {
			return nil, dbErr(err, "scan feedback")
		}
		fb.Positive = positive == 1
		fb.CreatedAt = parseTime(createdAt)
		out = append(out, fb)
	}
	return out, rows.Err()
}
