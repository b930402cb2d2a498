package store

import (
	"context"
	"database/sql"
	"strings"
	"time"

	memerr "github.com/andyan77/diyu-agent-sub002/internal/errors"
	"github.com/andyan77/diyu-agent-sub002/internal/model"
)

const receiptColumns = `id, request_id, kind, user_id, session_id, item_id, score, reason, policy_version,
	guardrail_hit, position, degraded_reason, conflict_with, query, redacted, created_at`

// WriteReceipts persists a batch of receipts in one transaction. Query text
// of a fenced user is never stored.
func (s *SQLiteStore) WriteReceipts(ctx context.Context, receipts []model.Receipt) error {
	if len(receipts) == 0 {
		return nil
	}
	for i := range receipts {
		r := &receipts[i]
		if r.RequestID == "" || r.UserID == "" || r.PolicyVersion == "" {
			return memerr.New(memerr.CodeReceiptInvalid, "receipt requires request_id, user_id and policy_version",
				memerr.FieldUserID(r.UserID))
		}
		if r.Kind != model.ReceiptRetrieval && r.Kind != model.ReceiptInjection {
			return memerr.New(memerr.CodeReceiptInvalid, "unknown receipt kind "+string(r.Kind), memerr.FieldUserID(r.UserID))
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return dbErr(err, "begin")
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO receipts (`+receiptColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return dbErr(err, "prepare receipt insert")
	}
	defer stmt.Close()

	now := s.now()
	for _, r := range receipts {
		if r.ID == "" {
			r.ID = newID()
		}
		if r.CreatedAt.IsZero() {
			r.CreatedAt = now
		}
		if s.hidden(r.UserID) {
			r.Query = ""
			r.Redacted = true
		}
		_, err := stmt.ExecContext(ctx,
			r.ID, r.RequestID, string(r.Kind), r.UserID, nullString(r.SessionID), nullString(r.ItemID), r.Score,
			nullString(string(r.Reason)), r.PolicyVersion, boolInt(r.GuardrailHit), r.Position,
			nullString(r.DegradedReason), nullString(r.ConflictWith), nullString(r.Query), boolInt(r.Redacted),
			formatTime(r.CreatedAt))
		if err != nil {
			return dbErr(err, "insert receipt")
		}
	}
	return dbErr(tx.Commit(), "commit")
}

// ListReceipts returns all receipts of one assemble request.
func (s *SQLiteStore) ListReceipts(ctx context.Context, requestID string) ([]model.Receipt, error) {
	return s.queryReceipts(ctx,
		`SELECT `+receiptColumns+` FROM receipts WHERE request_id = ? ORDER BY kind DESC, position, id`, requestID)
}

// ListUserReceipts returns a user's receipts, newest first.
func (s *SQLiteStore) ListUserReceipts(ctx context.Context, userID string, limit int) ([]model.Receipt, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.queryReceipts(ctx,
		`SELECT `+receiptColumns+` FROM receipts WHERE user_id = ? ORDER BY created_at DESC, id DESC LIMIT ?`, userID, limit)
}

func (s *SQLiteStore) queryReceipts(ctx context.Context, query string, args ...any) ([]model.Receipt, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, dbErr(err, "list receipts")
	}
	defer rows.Close()

	var out []model.Receipt
	for rows.Next() {
		var r model.Receipt
		var kind, createdAt string
		var sessionID, itemID, reason, degraded, conflict, q sql.NullString
		var guardrail, redacted int
		if err := rows.Scan(&r.ID, &r.RequestID, &kind, &r.UserID, &sessionID, &itemID, &r.Score, &reason,
			&r.PolicyVersion, &guardrail, &r.Position, &degraded, &conflict, &q, &redacted, &createdAt); err != nil {
			return nil, dbErr(err, "scan receipt")
		}
		r.Kind = model.ReceiptKind(kind)
		r.SessionID = sessionID.String
		r.ItemID = itemID.String
		r.Reason = model.Reason(reason.String)
		r.DegradedReason = degraded.String
		r.ConflictWith = conflict.String
		r.Query = q.String
		r.GuardrailHit = guardrail == 1
		r.Redacted = redacted == 1
		r.CreatedAt = parseTime(createdAt)
		out = append(out, r)
	}
	return out, rows.Err()
}

// RecordFeedback stores a user's reaction to one of their items.
func (s *SQLiteStore) RecordFeedback(ctx context.Context, fb model.Feedback) (string, error) {
	if strings.TrimSpace(fb.UserID) == "" || strings.TrimSpace(fb.ItemID) == "" {
		return "", memerr.New(memerr.CodeFeedbackInvalid, "feedback requires user_id and item_id", memerr.FieldUserID(fb.UserID))
	}

	unlock := s.locks.Lock(fb.UserID)
	defer unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", dbErr(err, "begin")
	}
	defer func() { _ = tx.Rollback() }()

	if err := s.fenceCheck(ctx, tx, fb.UserID, memerr.CodeItemFenced); err != nil {
		return "", err
	}
	item, err := getItemTx(ctx, tx, fb.ItemID)
	if err != nil {
		return "", err
	}
	if item.UserID != fb.UserID {
		return "", memerr.New(memerr.CodeFeedbackInvalid, "item belongs to another user", memerr.FieldItemID(fb.ItemID))
	}

	fb.ID = newID()
	fb.CreatedAt = s.now()
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO feedback (id, user_id, item_id, positive, created_at) VALUES (?, ?, ?, ?, ?)`,
		fb.ID, fb.UserID, fb.ItemID, boolInt(fb.Positive), formatTime(fb.CreatedAt)); err != nil {
		return "", dbErr(err, "insert feedback")
	}
	detail := "negative"
	if fb.Positive {
		detail = "positive"
	}
	if _, err := s.appendAudit(ctx, tx, "feedback", fb.ID, fb.UserID, "record", "item="+fb.ItemID+" "+detail); err != nil {
		return "", err
	}
	if err := tx.Commit(); err != nil {
		return "", dbErr(err, "commit")
	}
	return fb.ID, nil
}

// FeedbackStats tallies feedback per item since the given time.
func (s *SQLiteStore) FeedbackStats(ctx context.Context, since time.Time) (map[string]FeedbackCount, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT f.item_id, SUM(f.positive), SUM(1 - f.positive) FROM feedback f
		 WHERE f.created_at >= ? AND `+notFenced("f")+`
		 GROUP BY f.item_id`, formatTime(since))
	if err != nil {
		return nil, dbErr(err, "feedback stats")
	}
	defer rows.Close()

	out := map[string]FeedbackCount{}
	for rows.Next() {
		var id string
		var c FeedbackCount
		if err := rows.Scan(&id, &c.Positive, &c.Negative); err != nil {
			return nil, dbErr(err, "scan feedback stats")
		}
		out[id] = c
	}
	return out, rows.Err()
}

// InjectionCounts counts placed injections per item since the given time.
func (s *SQLiteStore) InjectionCounts(ctx context.Context, since time.Time) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT r.item_id, COUNT(*) FROM receipts r
		 WHERE r.kind = 'injection' AND r.position >= 0 AND r.item_id IS NOT NULL AND r.created_at >= ?
		   AND `+notFenced("r")+`
		 GROUP BY r.item_id`, formatTime(since))
	if err != nil {
		return nil, dbErr(err, "injection counts")
	}
	defer rows.Close()

	out := map[string]int{}
	for rows.Next() {
		var id string
		var n int
		if err := rows.Scan(&id, &n); err != nil {
			return nil, dbErr(err, "scan injection count")
		}
		out[id] = n
	}
	return out, rows.Err()
}
