package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	memerr "github.com/andyan77/diyu-agent-sub002/internal/errors"
	"github.com/andyan77/diyu-agent-sub002/internal/model"
)

// PutSummary stores a session summary, superseding the session's current one.
func (s *SQLiteStore) PutSummary(ctx context.Context, sum model.SessionSummary) (string, error) {
	if strings.TrimSpace(sum.SessionID) == "" || strings.TrimSpace(sum.UserID) == "" {
		return "", memerr.New(memerr.CodeItemInvalid, "summary requires session_id and user_id", memerr.FieldUserID(sum.UserID))
	}
	if strings.TrimSpace(sum.Content) == "" {
		return "", memerr.New(memerr.CodeItemInvalid, "summary content must not be empty", memerr.FieldUserID(sum.UserID))
	}
	if sum.ToSeq < sum.FromSeq {
		return "", memerr.New(memerr.CodeItemInvalid, "summary to_seq precedes from_seq", memerr.FieldUserID(sum.UserID))
	}

	unlock := s.locks.Lock(sum.UserID)
	defer unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", dbErr(err, "begin")
	}
	defer func() { _ = tx.Rollback() }()

	if err := s.fenceCheck(ctx, tx, sum.UserID, memerr.CodeItemFenced); err != nil {
		return "", err
	}

	var prevID string
	var prevVersion int
	err = tx.QueryRowContext(ctx,
		`SELECT id, version FROM session_summaries WHERE session_id = ? AND superseded_by IS NULL
		 ORDER BY version DESC LIMIT 1`, sum.SessionID).Scan(&prevID, &prevVersion)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return "", dbErr(err, "current summary")
	}

	sum.ID = newID()
	sum.Version = prevVersion + 1
	sum.SupersededBy = ""
	sum.CreatedAt = s.now()
	_, err = tx.ExecContext(ctx,
		`INSERT INTO session_summaries (id, session_id, user_id, content, from_seq, to_seq, version, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		sum.ID, sum.SessionID, sum.UserID, sum.Content, sum.FromSeq, sum.ToSeq, sum.Version, formatTime(sum.CreatedAt))
	if err != nil {
		return "", dbErr(err, "insert summary")
	}
	if prevID != "" {
		if _, err := tx.ExecContext(ctx, `UPDATE session_summaries SET superseded_by = ? WHERE id = ?`, sum.ID, prevID); err != nil {
			return "", dbErr(err, "supersede summary")
		}
	}
	if _, err := s.appendAudit(ctx, tx, "session_summary", sum.ID, sum.UserID, "write",
		fmt.Sprintf("session=%s seq=%d..%d version=%d", sum.SessionID, sum.FromSeq, sum.ToSeq, sum.Version)); err != nil {
		return "", err
	}
	if err := tx.Commit(); err != nil {
		return "", dbErr(err, "commit")
	}
	return sum.ID, nil
}

// LatestSummary returns the session's current summary.
func (s *SQLiteStore) LatestSummary(ctx context.Context, sessionID string) (*model.SessionSummary, error) {
	var sum model.SessionSummary
	var supersededBy sql.NullString
	var createdAt string
	err := s.db.QueryRowContext(ctx,
		`SELECT s.id, s.session_id, s.user_id, s.content, s.from_seq, s.to_seq, s.version, s.superseded_by, s.created_at
		 FROM session_summaries s
		 WHERE s.session_id = ? AND s.superseded_by IS NULL AND `+notFenced("s")+`
		 ORDER BY s.version DESC LIMIT 1`, sessionID).
		Scan(&sum.ID, &sum.SessionID, &sum.UserID, &sum.Content, &sum.FromSeq, &sum.ToSeq, &sum.Version, &supersededBy, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, memerr.New(memerr.CodeSummaryNotFound, "no summary for session", memerr.Field("session_id", sessionID))
	}
	if err != nil {
		return nil, dbErr(err, "latest summary")
	}
	if s.hidden(sum.UserID) {
		return nil, memerr.New(memerr.CodeSummaryNotFound, "no summary for session", memerr.Field("session_id", sessionID))
	}
	sum.SupersededBy = supersededBy.String
	sum.CreatedAt = parseTime(createdAt)
	return &sum, nil
}
