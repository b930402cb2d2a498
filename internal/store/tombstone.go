package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	memerr "github.com/andyan77/diyu-agent-sub002/internal/errors"
	"github.com/andyan77/diyu-agent-sub002/internal/model"
)

// Storage surfaces in the order a deletion purges them.
const (
	SurfaceVectorIndex = "vector_index"
	SurfaceItems       = "memory_items"
	SurfaceSummaries   = "session_summaries"
	SurfaceEvents      = "conversation_events"
	SurfaceReceipts    = "receipts"
	SurfaceFeedback    = "feedback"
)

// Surfaces lists every purge surface in order.
var Surfaces = []string{
	SurfaceVectorIndex,
	SurfaceItems,
	SurfaceSummaries,
	SurfaceEvents,
	SurfaceReceipts,
	SurfaceFeedback,
}

const tombstoneColumns = `id, user_id, tenant_id, requested_by, state, attempts, last_error, surfaces_done,
	requested_at, deadline, next_attempt_at, sla_warned, sla_escalated, updated_at, completed_at`

// CreateTombstone records a new erasure request in state requested.
func (s *SQLiteStore) CreateTombstone(ctx context.Context, userID, tenantID, requestedBy string, deadline time.Time) (*model.Tombstone, error) {
	if strings.TrimSpace(userID) == "" || strings.TrimSpace(requestedBy) == "" {
		return nil, memerr.New(memerr.CodeItemInvalid, "tombstone requires user_id and requested_by", memerr.FieldUserID(userID))
	}
	now := s.now()
	t := model.Tombstone{
		ID:          newID(),
		UserID:      userID,
		TenantID:    tenantID,
		RequestedBy: requestedBy,
		State:       model.TombstoneRequested,
		RequestedAt: now,
		Deadline:    deadline,
		UpdatedAt:   now,
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, dbErr(err, "begin")
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO tombstones (id, user_id, tenant_id, requested_by, state, attempts, requested_at, deadline, updated_at)
		 VALUES (?, ?, ?, ?, ?, 0, ?, ?, ?)`,
		t.ID, t.UserID, t.TenantID, t.RequestedBy, string(t.State),
		formatTime(t.RequestedAt), formatTime(t.Deadline), formatTime(t.UpdatedAt))
	if err != nil {
		return nil, dbErr(err, "insert tombstone")
	}
	if _, err := s.appendAudit(ctx, tx, "tombstone", t.ID, userID, "create", "requested_by="+requestedBy); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, dbErr(err, "commit")
	}
	return &t, nil
}

// AdvanceTombstone moves a tombstone along the state machine. Entering
// tombstoned activates the user's fence in the same transaction; entering
// completed releases it.
func (s *SQLiteStore) AdvanceTombstone(ctx context.Context, id string, to model.TombstoneState, opts AdvanceOptions) (*model.Tombstone, error) {
	userID, err := s.tombstoneOwner(ctx, id)
	if err != nil {
		return nil, err
	}
	unlock := s.locks.Lock(userID)
	defer unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, dbErr(err, "begin")
	}
	defer func() { _ = tx.Rollback() }()

	t, err := getTombstoneTx(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	from := t.State
	if !model.CanTransition(from, to) {
		return nil, memerr.New(memerr.CodeTransitionInvalid,
			fmt.Sprintf("illegal tombstone transition %s -> %s", from, to), memerr.FieldTombstoneID(id))
	}

	now := s.now()
	t.State = to
	t.UpdatedAt = now
	t.NextAttemptAt = opts.NextAttemptAt
	if opts.CountAttempt {
		t.Attempts++
	}
	if opts.Error != "" {
		t.LastError = opts.Error
	}

	switch to {
	case model.TombstoneTombstoned:
		if _, err := tx.ExecContext(ctx,
			`INSERT OR REPLACE INTO fences (user_id, tombstone_id, created_at) VALUES (?, ?, ?)`,
			userID, id, formatTime(now)); err != nil {
			return nil, dbErr(err, "insert fence")
		}
	case model.TombstoneCompleted:
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM fences WHERE user_id = ? AND tombstone_id = ?`, userID, id); err != nil {
			return nil, dbErr(err, "release fence")
		}
		t.CompletedAt = &now
		t.LastError = ""
	}

	res, err := tx.ExecContext(ctx,
		`UPDATE tombstones SET state = ?, attempts = ?, last_error = ?, next_attempt_at = ?, updated_at = ?, completed_at = ?
		 WHERE id = ? AND state = ?`,
		string(t.State), t.Attempts, nullString(t.LastError), nullTime(t.NextAttemptAt),
		formatTime(t.UpdatedAt), nullTime(t.CompletedAt), id, string(from))
	if err != nil {
		return nil, dbErr(err, "update tombstone")
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return nil, memerr.New(memerr.CodeTransitionInvalid, "tombstone changed concurrently", memerr.FieldTombstoneID(id))
	}
	if _, err := s.appendAudit(ctx, tx, "tombstone", id, userID, "transition",
		fmt.Sprintf("from=%s to=%s attempts=%d", from, to, t.Attempts)); err != nil {
		return nil, err
	}

	// Fence the registry before the commit becomes visible so no read can
	// observe committed-but-unfenced state.
	if to == model.TombstoneTombstoned {
		s.fences.Fence(userID, id)
	}
	if err := tx.Commit(); err != nil {
		if to == model.TombstoneTombstoned {
			s.fences.Release(userID)
		}
		return nil, dbErr(err, "commit")
	}
	if to == model.TombstoneCompleted {
		if cur, ok := s.fences.Fenced(userID); ok && cur == id {
			s.fences.Release(userID)
		}
	}
	return t, nil
}

// GetTombstone returns a tombstone by id.
func (s *SQLiteStore) GetTombstone(ctx context.Context, id string) (*model.Tombstone, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+tombstoneColumns+` FROM tombstones WHERE id = ?`, id)
	t, err := scanTombstone(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, memerr.New(memerr.CodeTombstoneNotFound, "tombstone not found", memerr.FieldTombstoneID(id))
	}
	if err != nil {
		return nil, dbErr(err, "get tombstone")
	}
	return &t, nil
}

// ListTombstones returns tombstones in any of the given states (all when
// none given), oldest request first.
func (s *SQLiteStore) ListTombstones(ctx context.Context, states ...model.TombstoneState) ([]model.Tombstone, error) {
	query := `SELECT ` + tombstoneColumns + ` FROM tombstones`
	var args []any
	if len(states) > 0 {
		query += ` WHERE state IN (` + strings.TrimSuffix(strings.Repeat("?,", len(states)), ",") + `)`
		for _, st := range states {
			args = append(args, string(st))
		}
	}
	query += ` ORDER BY requested_at, id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, dbErr(err, "list tombstones")
	}
	defer rows.Close()

	var out []model.Tombstone
	for rows.Next() {
		t, err := scanTombstone(rows)
		if err != nil {
			return nil, dbErr(err, "scan tombstone")
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// FenceOf returns the tombstone currently fencing a user.
func (s *SQLiteStore) FenceOf(ctx context.Context, userID string) (string, bool, error) {
	var id string
	err := s.db.QueryRowContext(ctx, `SELECT tombstone_id FROM fences WHERE user_id = ?`, userID).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, dbErr(err, "fence lookup")
	}
	return id, true, nil
}

// MarkSLA raises the warning or escalation flag on a tombstone. Flags are
// never cleared.
func (s *SQLiteStore) MarkSLA(ctx context.Context, id string, warned, escalated bool) error {
	userID, err := s.tombstoneOwner(ctx, id)
	if err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return dbErr(err, "begin")
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx,
		`UPDATE tombstones SET sla_warned = MAX(sla_warned, ?), sla_escalated = MAX(sla_escalated, ?), updated_at = ? WHERE id = ?`,
		boolInt(warned), boolInt(escalated), formatTime(s.now()), id)
	if err != nil {
		return dbErr(err, "mark sla")
	}
	action := "sla_warning"
	if escalated {
		action = "sla_violation"
	}
	if _, err := s.appendAudit(ctx, tx, "tombstone", id, userID, action, ""); err != nil {
		return err
	}
	return dbErr(tx.Commit(), "commit")
}

// PurgeSurface clears one storage surface for the tombstone's user and
// records progress so a retry resumes after it. The tombstone must be
// processing and hold the user's fence. Already-purged surfaces are skipped.
func (s *SQLiteStore) PurgeSurface(ctx context.Context, tombstoneID, surface string) (int64, error) {
	switch surface {
	case SurfaceVectorIndex:
		return s.purge(ctx, tombstoneID, surface, func(_ *sql.Tx, userID string) (int64, error) {
			return 0, s.vec.DeleteUser(ctx, userID)
		})
	case SurfaceItems:
		return s.PurgeItems(ctx, tombstoneID)
	case SurfaceSummaries:
		return s.PurgeSummaries(ctx, tombstoneID)
	case SurfaceEvents:
		return s.RedactEvents(ctx, tombstoneID)
	case SurfaceReceipts:
		return s.RedactReceipts(ctx, tombstoneID)
	case SurfaceFeedback:
		return s.PurgeFeedback(ctx, tombstoneID)
	default:
		return 0, memerr.New(memerr.CodeSurfaceFailure, "unknown surface "+surface, memerr.FieldTombstoneID(tombstoneID))
	}
}

// PurgeItems physically deletes every memory item and item link of the user.
func (s *SQLiteStore) PurgeItems(ctx context.Context, tombstoneID string) (int64, error) {
	return s.purge(ctx, tombstoneID, SurfaceItems, func(tx *sql.Tx, userID string) (int64, error) {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM item_links WHERE from_id IN (SELECT id FROM memory_items WHERE user_id = ?)
			    OR to_id IN (SELECT id FROM memory_items WHERE user_id = ?)`, userID, userID); err != nil {
			return 0, err
		}
		return execCount(ctx, tx, `DELETE FROM memory_items WHERE user_id = ?`, userID)
	})
}

// PurgeSummaries deletes the user's session summaries.
func (s *SQLiteStore) PurgeSummaries(ctx context.Context, tombstoneID string) (int64, error) {
	return s.purge(ctx, tombstoneID, SurfaceSummaries, func(tx *sql.Tx, userID string) (int64, error) {
		return execCount(ctx, tx, `DELETE FROM session_summaries WHERE user_id = ?`, userID)
	})
}

// RedactEvents nulls event content, keeping structure for audit.
func (s *SQLiteStore) RedactEvents(ctx context.Context, tombstoneID string) (int64, error) {
	return s.purge(ctx, tombstoneID, SurfaceEvents, func(tx *sql.Tx, userID string) (int64, error) {
		return execCount(ctx, tx, `UPDATE conversation_events SET content = NULL, redacted = 1 WHERE user_id = ?`, userID)
	})
}

// RedactReceipts removes query text from receipts; scores and decisions stay.
func (s *SQLiteStore) RedactReceipts(ctx context.Context, tombstoneID string) (int64, error) {
	return s.purge(ctx, tombstoneID, SurfaceReceipts, func(tx *sql.Tx, userID string) (int64, error) {
		return execCount(ctx, tx, `UPDATE receipts SET query = NULL, redacted = 1 WHERE user_id = ?`, userID)
	})
}

// PurgeFeedback deletes the user's feedback.
func (s *SQLiteStore) PurgeFeedback(ctx context.Context, tombstoneID string) (int64, error) {
	return s.purge(ctx, tombstoneID, SurfaceFeedback, func(tx *sql.Tx, userID string) (int64, error) {
		return execCount(ctx, tx, `DELETE FROM feedback WHERE user_id = ?`, userID)
	})
}

// Remaining counts what is still left on each SQL surface for a user.
func (s *SQLiteStore) Remaining(ctx context.Context, userID string) (map[string]int, error) {
	checks := map[string]string{
		SurfaceItems:     `SELECT COUNT(*) FROM memory_items WHERE user_id = ?`,
		SurfaceSummaries: `SELECT COUNT(*) FROM session_summaries WHERE user_id = ?`,
		SurfaceEvents:    `SELECT COUNT(*) FROM conversation_events WHERE user_id = ? AND content IS NOT NULL`,
		SurfaceReceipts:  `SELECT COUNT(*) FROM receipts WHERE user_id = ? AND query IS NOT NULL`,
		SurfaceFeedback:  `SELECT COUNT(*) FROM feedback WHERE user_id = ?`,
	}
	out := make(map[string]int, len(checks))
	for surface, q := range checks {
		var n int
		if err := s.db.QueryRowContext(ctx, q, userID).Scan(&n); err != nil {
			return nil, dbErr(err, "count "+surface)
		}
		out[surface] = n
	}
	return out, nil
}

func (s *SQLiteStore) purge(ctx context.Context, tombstoneID, surface string, fn func(tx *sql.Tx, userID string) (int64, error)) (int64, error) {
	userID, err := s.tombstoneOwner(ctx, tombstoneID)
	if err != nil {
		return 0, err
	}
	unlock := s.locks.Lock(userID)
	defer unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, dbErr(err, "begin")
	}
	defer func() { _ = tx.Rollback() }()

	t, err := getTombstoneTx(ctx, tx, tombstoneID)
	if err != nil {
		return 0, err
	}
	if t.State != model.TombstoneProcessing {
		return 0, memerr.New(memerr.CodeTransitionInvalid,
			fmt.Sprintf("purge requires processing state, got %s", t.State), memerr.FieldTombstoneID(tombstoneID))
	}
	if t.SurfaceDone(surface) {
		return 0, nil
	}
	var fenced int
	if err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM fences WHERE user_id = ? AND tombstone_id = ?`, userID, tombstoneID).Scan(&fenced); err != nil {
		return 0, dbErr(err, "fence lookup")
	}
	if fenced == 0 {
		return 0, memerr.New(memerr.CodeTransitionInvalid, "purge requires an active fence",
			memerr.FieldTombstoneID(tombstoneID), memerr.FieldUserID(userID))
	}

	n, err := fn(tx, userID)
	if err != nil {
		return 0, memerr.Wrap(err, memerr.CodeSurfaceFailure, "purge "+surface,
			memerr.FieldTombstoneID(tombstoneID), memerr.Field("surface", surface))
	}

	done, _ := json.Marshal(append(t.SurfacesDone, surface))
	if _, err := tx.ExecContext(ctx, `UPDATE tombstones SET surfaces_done = ?, updated_at = ? WHERE id = ?`,
		string(done), formatTime(s.now()), tombstoneID); err != nil {
		return 0, dbErr(err, "record surface progress")
	}
	if _, err := s.appendAudit(ctx, tx, "tombstone", tombstoneID, userID, "purge",
		fmt.Sprintf("surface=%s rows=%d", surface, n)); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, dbErr(err, "commit")
	}
	return n, nil
}

func (s *SQLiteStore) tombstoneOwner(ctx context.Context, id string) (string, error) {
	var userID string
	err := s.db.QueryRowContext(ctx, `SELECT user_id FROM tombstones WHERE id = ?`, id).Scan(&userID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", memerr.New(memerr.CodeTombstoneNotFound, "tombstone not found", memerr.FieldTombstoneID(id))
	}
	if err != nil {
		return "", dbErr(err, "tombstone owner")
	}
	return userID, nil
}

func getTombstoneTx(ctx context.Context, tx *sql.Tx, id string) (*model.Tombstone, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+tombstoneColumns+` FROM tombstones WHERE id = ?`, id)
	t, err := scanTombstone(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, memerr.New(memerr.CodeTombstoneNotFound, "tombstone not found", memerr.FieldTombstoneID(id))
	}
	if err != nil {
		return nil, dbErr(err, "get tombstone")
	}
	return &t, nil
}

func scanTombstone(row scanner) (model.Tombstone, error) {
	var t model.Tombstone
	var state, requestedAt, deadline, updatedAt string
	var lastError, surfaces, nextAttempt, completedAt sql.NullString
	var warned, escalated int

	err := row.Scan(&t.ID, &t.UserID, &t.TenantID, &t.RequestedBy, &state, &t.Attempts, &lastError, &surfaces,
		&requestedAt, &deadline, &nextAttempt, &warned, &escalated, &updatedAt, &completedAt)
	if err != nil {
		return t, err
	}
	t.State = model.TombstoneState(state)
	t.LastError = lastError.String
	t.RequestedAt = parseTime(requestedAt)
	t.Deadline = parseTime(deadline)
	t.UpdatedAt = parseTime(updatedAt)
	t.SLAWarned = warned == 1
	t.SLAEscalated = escalated == 1
	if surfaces.Valid {
		_ = json.Unmarshal([]byte(surfaces.String), &t.SurfacesDone)
	}
	if nextAttempt.Valid {
		ts := parseTime(nextAttempt.String)
		t.NextAttemptAt = &ts
	}
	if completedAt.Valid {
		ts := parseTime(completedAt.String)
		t.CompletedAt = &ts
	}
	return t, nil
}

func execCount(ctx context.Context, tx *sql.Tx, query string, args ...any) (int64, error) {
	res, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
