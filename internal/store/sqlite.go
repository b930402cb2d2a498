package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	_ "modernc.org/sqlite"

	memerr "github.com/andyan77/diyu-agent-sub002/internal/errors"
	"github.com/andyan77/diyu-agent-sub002/internal/fence"
	"github.com/andyan77/diyu-agent-sub002/internal/model"
	"github.com/andyan77/diyu-agent-sub002/internal/rank"
	"github.com/andyan77/diyu-agent-sub002/internal/vector"
)

// Fixed-width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db     *sql.DB
	path   string
	vec    vector.Index
	fences *fence.Registry
	locks  *fence.Locks
	log    *slog.Logger
	opts   Options
	now    func() time.Time
}

// NewSQLiteStore opens or creates a SQLite database at the given path and
// restores active fences into the registry.
func NewSQLiteStore(dbPath string, opts Options) (*SQLiteStore, error) {
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, memerr.Wrap(err, memerr.CodeStoreUnavailable, "create db dir")
		}
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(wal)&_pragma=foreign_keys(on)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, memerr.Wrap(err, memerr.CodeStoreUnavailable, "open db")
	}
	db.SetMaxOpenConns(1)

	if opts.Vector == nil {
		opts.Vector = vector.Unavailable{}
	}
	if opts.Fences == nil {
		opts.Fences = fence.NewRegistry()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.RRFK <= 0 {
		opts.RRFK = rank.DefaultK
	}
	if opts.FusedLimit <= 0 {
		opts.FusedLimit = 15
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}

	s := &SQLiteStore{
		db:     db,
		path:   dbPath,
		vec:    opts.Vector,
		fences: opts.Fences,
		locks:  fence.NewLocks(),
		log:    opts.Logger,
		opts:   opts,
		now:    opts.Now,
	}

	if err := s.migrate(); err != nil {
		db.Close()
		return nil, memerr.Wrap(err, memerr.CodeStoreUnavailable, "migrate")
	}
	if err := s.loadFences(context.Background()); err != nil {
		db.Close()
		return nil, err
	}

	return s, nil
}

func newID() string {
	return ulid.Make().String()
}

func (s *SQLiteStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS memory_items (
		id                TEXT PRIMARY KEY,
		user_id           TEXT NOT NULL,
		tenant_id         TEXT NOT NULL DEFAULT '',
		scope             TEXT NOT NULL,
		session_id        TEXT,
		item_type         TEXT NOT NULL DEFAULT '',
		key               TEXT NOT NULL,
		content           TEXT NOT NULL,
		payload           TEXT,
		confidence        REAL NOT NULL,
		epistemic_type    TEXT NOT NULL,
		provenance        TEXT NOT NULL,
		valid_at          TEXT NOT NULL,
		invalid_at        TEXT,
		superseded_by     TEXT,
		supersedes        TEXT,
		version           INTEGER NOT NULL DEFAULT 1,
		source_events     TEXT,
		last_validated_at TEXT NOT NULL,
		created_at        TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_items_user_key ON memory_items(user_id, key);
	CREATE INDEX IF NOT EXISTS idx_items_user_current ON memory_items(user_id, invalid_at, superseded_by);

	CREATE TABLE IF NOT EXISTS conversation_events (
		id         TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		user_id    TEXT NOT NULL,
		tenant_id  TEXT NOT NULL DEFAULT '',
		seq        INTEGER NOT NULL,
		role       TEXT NOT NULL,
		content    TEXT,
		redacted   INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL,
		UNIQUE (session_id, seq)
	);
	CREATE INDEX IF NOT EXISTS idx_events_user ON conversation_events(user_id);

	CREATE TABLE IF NOT EXISTS session_summaries (
		id            TEXT PRIMARY KEY,
		session_id    TEXT NOT NULL,
		user_id       TEXT NOT NULL,
		content       TEXT NOT NULL,
		from_seq      INTEGER NOT NULL,
		to_seq        INTEGER NOT NULL,
		version       INTEGER NOT NULL,
		superseded_by TEXT,
		created_at    TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_summaries_session ON session_summaries(session_id, version DESC);

	CREATE TABLE IF NOT EXISTS tombstones (
		id              TEXT PRIMARY KEY,
		user_id         TEXT NOT NULL,
		tenant_id       TEXT NOT NULL DEFAULT '',
		requested_by    TEXT NOT NULL,
		state           TEXT NOT NULL,
		attempts        INTEGER NOT NULL DEFAULT 0,
		last_error      TEXT,
		surfaces_done   TEXT,
		requested_at    TEXT NOT NULL,
		deadline        TEXT NOT NULL,
		next_attempt_at TEXT,
		sla_warned      INTEGER NOT NULL DEFAULT 0,
		sla_escalated   INTEGER NOT NULL DEFAULT 0,
		updated_at      TEXT NOT NULL,
		completed_at    TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_tombstones_state ON tombstones(state);
	CREATE INDEX IF NOT EXISTS idx_tombstones_user ON tombstones(user_id);

	CREATE TABLE IF NOT EXISTS fences (
		user_id      TEXT PRIMARY KEY,
		tombstone_id TEXT NOT NULL REFERENCES tombstones(id),
		created_at   TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS receipts (
		id              TEXT PRIMARY KEY,
		request_id      TEXT NOT NULL,
		kind            TEXT NOT NULL,
		user_id         TEXT NOT NULL,
		session_id      TEXT,
		item_id         TEXT,
		score           REAL NOT NULL DEFAULT 0,
		reason          TEXT,
		policy_version  TEXT NOT NULL,
		guardrail_hit   INTEGER NOT NULL DEFAULT 0,
		position        INTEGER NOT NULL DEFAULT -1,
		degraded_reason TEXT,
		conflict_with   TEXT,
		query           TEXT,
		redacted        INTEGER NOT NULL DEFAULT 0,
		created_at      TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_receipts_request ON receipts(request_id);
	CREATE INDEX IF NOT EXISTS idx_receipts_user ON receipts(user_id, created_at);
	CREATE INDEX IF NOT EXISTS idx_receipts_item ON receipts(item_id);

	CREATE TABLE IF NOT EXISTS audit (
		id         TEXT PRIMARY KEY,
		entity     TEXT NOT NULL,
		entity_id  TEXT NOT NULL,
		user_id    TEXT NOT NULL,
		action     TEXT NOT NULL,
		detail     TEXT,
		created_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_audit_user ON audit(user_id, created_at);

	CREATE TABLE IF NOT EXISTS feedback (
		id         TEXT PRIMARY KEY,
		user_id    TEXT NOT NULL,
		item_id    TEXT NOT NULL,
		positive   INTEGER NOT NULL,
		created_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_feedback_item ON feedback(item_id);

	CREATE TABLE IF NOT EXISTS item_links (
		from_id    TEXT NOT NULL,
		to_id      TEXT NOT NULL,
		rel        TEXT NOT NULL,
		created_at TEXT NOT NULL,
		PRIMARY KEY (from_id, to_id, rel)
	);
	CREATE INDEX IF NOT EXISTS idx_links_to ON item_links(to_id);

	CREATE VIRTUAL TABLE IF NOT EXISTS items_fts USING fts5(
		key,
		content,
		content=memory_items,
		content_rowid=rowid
	);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return err
	}

	// FTS5 triggers for automatic sync
	triggers := []string{
		`CREATE TRIGGER IF NOT EXISTS items_ai AFTER INSERT ON memory_items BEGIN
			INSERT INTO items_fts(rowid, key, content) VALUES (new.rowid, new.key, new.content);
		END`,
		`CREATE TRIGGER IF NOT EXISTS items_ad AFTER DELETE ON memory_items BEGIN
			INSERT INTO items_fts(items_fts, rowid, key, content) VALUES('delete', old.rowid, old.key, old.content);
		END`,
		`CREATE TRIGGER IF NOT EXISTS items_au AFTER UPDATE OF key, content ON memory_items BEGIN
			INSERT INTO items_fts(items_fts, rowid, key, content) VALUES('delete', old.rowid, old.key, old.content);
			INSERT INTO items_fts(rowid, key, content) VALUES (new.rowid, new.key, new.content);
		END`,
	}
	for _, t := range triggers {
		if _, err := s.db.Exec(t); err != nil {
			return fmt.Errorf("create trigger: %w", err)
		}
	}
	return nil
}

func (s *SQLiteStore) loadFences(ctx context.Context) error {
	rows, err := s.db.QueryContext(ctx, `SELECT user_id, tombstone_id FROM fences`)
	if err != nil {
		return dbErr(err, "load fences")
	}
	defer rows.Close()
	for rows.Next() {
		var user, tomb string
		if err := rows.Scan(&user, &tomb); err != nil {
			return dbErr(err, "scan fence")
		}
		s.fences.Fence(user, tomb)
	}
	return rows.Err()
}

// Ping verifies the database is reachable.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return dbErr(s.db.PingContext(ctx), "ping")
}

// Path returns the database file path.
func (s *SQLiteStore) Path() string {
	return s.path
}

// Fences returns the in-memory fence registry.
func (s *SQLiteStore) Fences() *fence.Registry {
	return s.fences
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// --- events ---

// AppendEvent appends a conversation event to its session. Seq is assigned
// by the store.
func (s *SQLiteStore) AppendEvent(ctx context.Context, ev model.ConversationEvent) (string, error) {
	if ev.Role == "" {
		ev.Role = model.RoleUser
	}
	var problems []string
	if strings.TrimSpace(ev.SessionID) == "" {
		problems = append(problems, "session_id must not be empty")
	}
	if strings.TrimSpace(ev.UserID) == "" {
		problems = append(problems, "user_id must not be empty")
	}
	if !model.ValidRoles[ev.Role] {
		problems = append(problems, "role must be one of [user, assistant, system], got "+string(ev.Role))
	}
	if ev.Content == nil || strings.TrimSpace(*ev.Content) == "" {
		problems = append(problems, "content must not be empty")
	}
	if len(problems) > 0 {
		return "", memerr.New(memerr.CodeEventInvalid, "invalid event: "+strings.Join(problems, "; "), memerr.FieldUserID(ev.UserID))
	}

	unlock := s.locks.Lock(ev.UserID)
	defer unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", dbErr(err, "begin")
	}
	defer func() { _ = tx.Rollback() }()

	if err := s.fenceCheck(ctx, tx, ev.UserID, memerr.CodeEventFenced); err != nil {
		return "", err
	}

	var owner sql.NullString
	err = tx.QueryRowContext(ctx, `SELECT user_id FROM conversation_events WHERE session_id = ? LIMIT 1`, ev.SessionID).Scan(&owner)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return "", dbErr(err, "session owner")
	}
	if owner.Valid && owner.String != ev.UserID {
		return "", memerr.New(memerr.CodeEventInvalid, "session belongs to another user", memerr.FieldUserID(ev.UserID))
	}

	var seq int
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq), 0) + 1 FROM conversation_events WHERE session_id = ?`, ev.SessionID).Scan(&seq); err != nil {
		return "", dbErr(err, "next seq")
	}

	ev.ID = newID()
	ev.Seq = seq
	ev.CreatedAt = s.now()
	_, err = tx.ExecContext(ctx,
		`INSERT INTO conversation_events (id, session_id, user_id, tenant_id, seq, role, content, redacted, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, 0, ?)`,
		ev.ID, ev.SessionID, ev.UserID, ev.TenantID, ev.Seq, string(ev.Role), *ev.Content, formatTime(ev.CreatedAt))
	if err != nil {
		return "", dbErr(err, "insert event")
	}
	if _, err := s.appendAudit(ctx, tx, "conversation_event", ev.ID, ev.UserID, "append", fmt.Sprintf("session=%s seq=%d", ev.SessionID, seq)); err != nil {
		return "", err
	}
	if err := tx.Commit(); err != nil {
		return "", dbErr(err, "commit")
	}
	return ev.ID, nil
}

// ListEvents returns a session's events with seq > afterSeq in order.
func (s *SQLiteStore) ListEvents(ctx context.Context, sessionID string, afterSeq int) ([]model.ConversationEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT e.id, e.session_id, e.user_id, e.tenant_id, e.seq, e.role, e.content, e.redacted, e.created_at
		 FROM conversation_events e
		 WHERE e.session_id = ? AND e.seq > ? AND `+notFenced("e")+`
		 ORDER BY e.seq`, sessionID, afterSeq)
	if err != nil {
		return nil, dbErr(err, "list events")
	}
	defer rows.Close()

	var events []model.ConversationEvent
	for rows.Next() {
		var ev model.ConversationEvent
		var role, createdAt string
		var content sql.NullString
		var redacted int
		if err := rows.Scan(&ev.ID, &ev.SessionID, &ev.UserID, &ev.TenantID, &ev.Seq, &role, &content, &redacted, &createdAt); err != nil {
			return nil, dbErr(err, "scan event")
		}
		ev.Role = model.Role(role)
		ev.Redacted = redacted == 1
		ev.CreatedAt = parseTime(createdAt)
		if content.Valid {
			c := content.String
			ev.Content = &c
		}
		if s.hidden(ev.UserID) {
			continue
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

// --- items ---

const itemColumns = `m.id, m.user_id, m.tenant_id, m.scope, m.session_id, m.item_type, m.key, m.content,
	m.payload, m.confidence, m.epistemic_type, m.provenance, m.valid_at, m.invalid_at,
	m.superseded_by, m.supersedes, m.version, m.source_events, m.last_validated_at, m.created_at`

const currentItem = `m.invalid_at IS NULL AND m.superseded_by IS NULL`

// WriteItem stores a new logical fact. A key that already has a current
// item must go through Supersede instead.
func (s *SQLiteStore) WriteItem(ctx context.Context, item model.MemoryItem) (*WriteReceipt, error) {
	now := s.now()
	if item.ID == "" {
		item.ID = newID()
	}
	item.Version = 1
	item.Supersedes = ""
	item.SupersededBy = ""
	item.InvalidAt = nil
	item.CreatedAt = now
	item.ApplyDefaults(now)
	if err := item.Validate(); err != nil {
		return nil, err
	}

	unlock := s.locks.Lock(item.UserID)
	defer unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, dbErr(err, "begin")
	}
	defer func() { _ = tx.Rollback() }()

	if err := s.fenceCheck(ctx, tx, item.UserID, memerr.CodeItemFenced); err != nil {
		return nil, err
	}
	existing, err := currentIDByKey(ctx, tx, item.UserID, item.Key, item.SessionScopeID())
	if err != nil {
		return nil, err
	}
	if existing != "" {
		return nil, memerr.New(memerr.CodeItemConflict, "key already has a current item; supersede it instead",
			memerr.FieldUserID(item.UserID), memerr.FieldItemID(existing))
	}

	if err := insertItem(ctx, tx, item); err != nil {
		return nil, err
	}
	auditID, err := s.appendAudit(ctx, tx, "memory_item", item.ID, item.UserID, "write",
		fmt.Sprintf("version=%d provenance=%s", item.Version, item.Provenance))
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, dbErr(err, "commit")
	}

	s.indexUpsert(ctx, item)
	return &WriteReceipt{ItemID: item.ID, Version: item.Version, AuditID: auditID}, nil
}

// Supersede atomically retires oldID and stores item as its next version.
// Key, scope and tenant default to the old item's.
func (s *SQLiteStore) Supersede(ctx context.Context, oldID string, item model.MemoryItem) (string, error) {
	now := s.now()
	if item.UserID == "" {
		return "", memerr.New(memerr.CodeItemInvalid, "supersede requires user_id", memerr.FieldItemID(oldID))
	}

	unlock := s.locks.Lock(item.UserID)
	defer unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", dbErr(err, "begin")
	}
	defer func() { _ = tx.Rollback() }()

	if err := s.fenceCheck(ctx, tx, item.UserID, memerr.CodeItemFenced); err != nil {
		return "", err
	}
	old, err := getItemTx(ctx, tx, oldID)
	if err != nil {
		return "", err
	}
	if old.UserID != item.UserID {
		return "", memerr.New(memerr.CodeItemInvalid, "cannot supersede another user's item", memerr.FieldItemID(oldID))
	}
	if !old.Current() {
		return "", memerr.New(memerr.CodeItemConflict, "item is no longer current", memerr.FieldItemID(oldID))
	}

	if item.Key == "" {
		item.Key = old.Key
	}
	if item.Scope == "" {
		item.Scope = old.Scope
		item.SessionID = old.SessionID
	}
	if item.TenantID == "" {
		item.TenantID = old.TenantID
	}
	if item.Key != old.Key {
		existing, err := currentIDByKey(ctx, tx, item.UserID, item.Key, item.SessionScopeID())
		if err != nil {
			return "", err
		}
		if existing != "" {
			return "", memerr.New(memerr.CodeItemConflict, "target key already has a current item", memerr.FieldItemID(existing))
		}
	}

	item.ID = newID()
	item.Version = old.Version + 1
	item.Supersedes = old.ID
	item.SupersededBy = ""
	item.InvalidAt = nil
	item.CreatedAt = now
	item.ApplyDefaults(now)
	if err := item.Validate(); err != nil {
		return "", err
	}

	if err := insertItem(ctx, tx, item); err != nil {
		return "", err
	}
	if err := retire(ctx, tx, old.ID, item.ID, now); err != nil {
		return "", err
	}
	if err := s.linkTx(ctx, tx, item.ID, old.ID, model.RelSupersedes, now); err != nil {
		return "", err
	}
	if _, err := s.appendAudit(ctx, tx, "memory_item", item.ID, item.UserID, "supersede",
		fmt.Sprintf("supersedes=%s version=%d provenance=%s", old.ID, item.Version, item.Provenance)); err != nil {
		return "", err
	}
	if err := tx.Commit(); err != nil {
		return "", dbErr(err, "commit")
	}

	s.indexUpsert(ctx, item)
	s.indexDelete(ctx, item.UserID, old.ID)
	return item.ID, nil
}

// Invalidate marks a current item as no longer valid without a successor.
func (s *SQLiteStore) Invalidate(ctx context.Context, id, reason string) error {
	userID, err := s.ownerOf(ctx, id)
	if err != nil {
		return err
	}
	unlock := s.locks.Lock(userID)
	defer unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return dbErr(err, "begin")
	}
	defer func() { _ = tx.Rollback() }()

	if err := s.fenceCheck(ctx, tx, userID, memerr.CodeItemFenced); err != nil {
		return err
	}
	now := s.now()
	res, err := tx.ExecContext(ctx,
		`UPDATE memory_items SET invalid_at = ? WHERE id = ? AND invalid_at IS NULL AND superseded_by IS NULL`,
		formatTime(now), id)
	if err != nil {
		return dbErr(err, "invalidate")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return memerr.New(memerr.CodeItemConflict, "item is no longer current", memerr.FieldItemID(id))
	}
	if _, err := s.appendAudit(ctx, tx, "memory_item", id, userID, "invalidate", "reason="+reason); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return dbErr(err, "commit")
	}
	s.indexDelete(ctx, userID, id)
	return nil
}

// Merge consolidates several current items of one user into a single new
// item that supersedes all of them.
func (s *SQLiteStore) Merge(ctx context.Context, ids []string, item model.MemoryItem) (string, error) {
	if len(ids) < 2 {
		return "", memerr.New(memerr.CodeItemInvalid, "merge needs at least two items")
	}
	if item.UserID == "" {
		return "", memerr.New(memerr.CodeItemInvalid, "merge requires user_id")
	}
	now := s.now()

	unlock := s.locks.Lock(item.UserID)
	defer unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", dbErr(err, "begin")
	}
	defer func() { _ = tx.Rollback() }()

	if err := s.fenceCheck(ctx, tx, item.UserID, memerr.CodeItemFenced); err != nil {
		return "", err
	}

	olds := make([]*model.MemoryItem, 0, len(ids))
	maxVersion := 0
	for _, id := range ids {
		old, err := getItemTx(ctx, tx, id)
		if err != nil {
			return "", err
		}
		if old.UserID != item.UserID {
			return "", memerr.New(memerr.CodeItemInvalid, "cannot merge another user's item", memerr.FieldItemID(id))
		}
		if !old.Current() {
			return "", memerr.New(memerr.CodeItemConflict, "item is no longer current", memerr.FieldItemID(id))
		}
		if old.Version > maxVersion {
			maxVersion = old.Version
		}
		olds = append(olds, old)
	}

	if item.Key == "" {
		item.Key = olds[0].Key
	}
	if item.Scope == "" {
		item.Scope = olds[0].Scope
		item.SessionID = olds[0].SessionID
	}
	if item.TenantID == "" {
		item.TenantID = olds[0].TenantID
	}
	existing, err := currentIDByKey(ctx, tx, item.UserID, item.Key, item.SessionScopeID())
	if err != nil {
		return "", err
	}
	if existing != "" && !contains(ids, existing) {
		return "", memerr.New(memerr.CodeItemConflict, "target key already has a current item", memerr.FieldItemID(existing))
	}

	item.ID = newID()
	item.Version = maxVersion + 1
	item.Supersedes = olds[0].ID
	item.SupersededBy = ""
	item.InvalidAt = nil
	item.CreatedAt = now
	item.ApplyDefaults(now)
	if err := item.Validate(); err != nil {
		return "", err
	}

	if err := insertItem(ctx, tx, item); err != nil {
		return "", err
	}
	for _, old := range olds {
		if err := retire(ctx, tx, old.ID, item.ID, now); err != nil {
			return "", err
		}
		if err := s.linkTx(ctx, tx, item.ID, old.ID, model.RelConsolidates, now); err != nil {
			return "", err
		}
	}
	if _, err := s.appendAudit(ctx, tx, "memory_item", item.ID, item.UserID, "merge",
		fmt.Sprintf("merged=%s version=%d", strings.Join(ids, ","), item.Version)); err != nil {
		return "", err
	}
	if err := tx.Commit(); err != nil {
		return "", dbErr(err, "commit")
	}

	s.indexUpsert(ctx, item)
	s.indexDelete(ctx, item.UserID, ids...)
	return item.ID, nil
}

// UpdateConfidence sets a current item's stored confidence and returns the
// stored value. A value outside [0, provenance ceiling] is rejected; callers
// that want clamping use model.ClampConfidence first.
func (s *SQLiteStore) UpdateConfidence(ctx context.Context, id string, confidence float64) (float64, error) {
	userID, err := s.ownerOf(ctx, id)
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

	if err := s.fenceCheck(ctx, tx, userID, memerr.CodeItemFenced); err != nil {
		return 0, err
	}
	item, err := getItemTx(ctx, tx, id)
	if err != nil {
		return 0, err
	}
	if !item.Current() {
		return 0, memerr.New(memerr.CodeItemConflict, "item is no longer current", memerr.FieldItemID(id))
	}
	if confidence < 0 || confidence > item.Provenance.Ceiling() {
		return 0, memerr.New(memerr.CodeItemInvalid,
			fmt.Sprintf("confidence %.3f outside [0, %.1f] for %s provenance", confidence, item.Provenance.Ceiling(), item.Provenance),
			memerr.FieldItemID(id))
	}
	stored := confidence
	if _, err := tx.ExecContext(ctx, `UPDATE memory_items SET confidence = ? WHERE id = ?`, stored, id); err != nil {
		return 0, dbErr(err, "update confidence")
	}
	if _, err := s.appendAudit(ctx, tx, "memory_item", id, userID, "calibrate",
		fmt.Sprintf("from=%.3f to=%.3f", item.Confidence, stored)); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, dbErr(err, "commit")
	}
	return stored, nil
}

// GetItem returns an item by id. Items of fenced users are not found.
func (s *SQLiteStore) GetItem(ctx context.Context, id string) (*model.MemoryItem, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+itemColumns+` FROM memory_items m WHERE m.id = ? AND `+notFenced("m"), id)
	item, err := scanItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, memerr.New(memerr.CodeItemNotFound, "memory item not found", memerr.FieldItemID(id))
	}
	if err != nil {
		return nil, dbErr(err, "get item")
	}
	if s.hidden(item.UserID) {
		return nil, memerr.New(memerr.CodeItemNotFound, "memory item not found", memerr.FieldItemID(id))
	}
	return &item, nil
}

// GetCurrentByKey returns the current personal item for a user's key.
func (s *SQLiteStore) GetCurrentByKey(ctx context.Context, userID, key string) (*model.MemoryItem, error) {
	if s.hidden(userID) {
		return nil, memerr.New(memerr.CodeItemNotFound, "memory item not found", memerr.FieldUserID(userID))
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT `+itemColumns+` FROM memory_items m
		 WHERE m.user_id = ? AND m.key = ? AND IFNULL(m.session_id, '') = '' AND `+currentItem+` AND `+notFenced("m")+`
		 ORDER BY m.version DESC LIMIT 1`, userID, key)
	item, err := scanItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, memerr.New(memerr.CodeItemNotFound, "memory item not found", memerr.FieldUserID(userID), memerr.Field("key", key))
	}
	if err != nil {
		return nil, dbErr(err, "get item by key")
	}
	return &item, nil
}

// ListItems lists a user's items, current only unless IncludeInvalid.
// An empty UserID lists across users.
func (s *SQLiteStore) ListItems(ctx context.Context, p ListParams) ([]model.MemoryItem, error) {
	if p.UserID != "" && s.hidden(p.UserID) {
		return nil, nil
	}
	where := []string{notFenced("m")}
	var args []any
	if p.UserID != "" {
		where = append(where, "m.user_id = ?")
		args = append(args, p.UserID)
	}
	if p.Key != "" {
		where = append(where, "m.key = ?")
		args = append(args, p.Key)
	}
	if p.Provenance != "" {
		where = append(where, "m.provenance = ?")
		args = append(args, string(p.Provenance))
	}
	if !p.IncludeInvalid {
		where = append(where, currentItem)
	}
	query := `SELECT ` + itemColumns + ` FROM memory_items m WHERE ` + strings.Join(where, " AND ") +
		` ORDER BY m.user_id, m.key, m.version`
	if p.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", p.Limit)
	}
	return s.queryItems(ctx, query, args...)
}

// History returns the supersede chain containing id, oldest first.
func (s *SQLiteStore) History(ctx context.Context, id string) ([]model.MemoryItem, error) {
	start, err := s.GetItem(ctx, id)
	if err != nil {
		return nil, err
	}

	var back []model.MemoryItem
	seen := map[string]bool{start.ID: true}
	cur := start
	for cur.Supersedes != "" && !seen[cur.Supersedes] {
		prev, err := s.GetItem(ctx, cur.Supersedes)
		if err != nil {
			if memerr.IsNotFound(err) {
				break
			}
			return nil, err
		}
		seen[prev.ID] = true
		back = append(back, *prev)
		cur = prev
	}

	chain := make([]model.MemoryItem, 0, len(back)+1)
	for i := len(back) - 1; i >= 0; i-- {
		chain = append(chain, back[i])
	}
	chain = append(chain, *start)

	cur = start
	for cur.SupersededBy != "" && !seen[cur.SupersededBy] {
		next, err := s.GetItem(ctx, cur.SupersededBy)
		if err != nil {
			if memerr.IsNotFound(err) {
				break
			}
			return nil, err
		}
		seen[next.ID] = true
		chain = append(chain, *next)
		cur = next
	}
	return chain, nil
}

// Users lists users that have current items and are not fenced.
func (s *SQLiteStore) Users(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT m.user_id FROM memory_items m WHERE `+currentItem+` AND `+notFenced("m")+` ORDER BY m.user_id`)
	if err != nil {
		return nil, dbErr(err, "list users")
	}
	defer rows.Close()
	var users []string
	for rows.Next() {
		var u string
		if err := rows.Scan(&u); err != nil {
			return nil, dbErr(err, "scan user")
		}
		if !s.hidden(u) {
			users = append(users, u)
		}
	}
	return users, rows.Err()
}

func (s *SQLiteStore) queryItems(ctx context.Context, query string, args ...any) ([]model.MemoryItem, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, dbErr(err, "query items")
	}
	defer rows.Close()

	var items []model.MemoryItem
	for rows.Next() {
		m, err := scanItem(rows)
		if err != nil {
			return nil, dbErr(err, "scan item")
		}
		if s.hidden(m.UserID) {
			continue
		}
		items = append(items, m)
	}
	return items, rows.Err()
}

func (s *SQLiteStore) ownerOf(ctx context.Context, id string) (string, error) {
	var userID string
	err := s.db.QueryRowContext(ctx, `SELECT user_id FROM memory_items WHERE id = ?`, id).Scan(&userID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", memerr.New(memerr.CodeItemNotFound, "memory item not found", memerr.FieldItemID(id))
	}
	if err != nil {
		return "", dbErr(err, "item owner")
	}
	return userID, nil
}

func getItemTx(ctx context.Context, tx *sql.Tx, id string) (*model.MemoryItem, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+itemColumns+` FROM memory_items m WHERE m.id = ?`, id)
	item, err := scanItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, memerr.New(memerr.CodeItemNotFound, "memory item not found", memerr.FieldItemID(id))
	}
	if err != nil {
		return nil, dbErr(err, "get item")
	}
	return &item, nil
}

func currentIDByKey(ctx context.Context, tx *sql.Tx, userID, key, sessionID string) (string, error) {
	var id string
	err := tx.QueryRowContext(ctx,
		`SELECT m.id FROM memory_items m
		 WHERE m.user_id = ? AND m.key = ? AND IFNULL(m.session_id, '') = ? AND `+currentItem+`
		 LIMIT 1`, userID, key, sessionID).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", dbErr(err, "current item by key")
	}
	return id, nil
}

func insertItem(ctx context.Context, tx *sql.Tx, m model.MemoryItem) error {
	var payload, sources any
	if len(m.Payload) > 0 {
		b, _ := json.Marshal(m.Payload)
		payload = string(b)
	}
	if len(m.SourceEvents) > 0 {
		b, _ := json.Marshal(m.SourceEvents)
		sources = string(b)
	}
	_, err := tx.ExecContext(ctx,
		`INSERT INTO memory_items (id, user_id, tenant_id, scope, session_id, item_type, key, content, payload,
			confidence, epistemic_type, provenance, valid_at, invalid_at, superseded_by, supersedes, version,
			source_events, last_validated_at, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.UserID, m.TenantID, string(m.Scope), nullString(m.SessionScopeID()), m.ItemType, m.Key, m.Content, payload,
		m.Confidence, string(m.EpistemicType), string(m.Provenance), formatTime(m.ValidAt), nullTime(m.InvalidAt),
		nullString(m.SupersededBy), nullString(m.Supersedes), m.Version, sources,
		formatTime(m.LastValidatedAt), formatTime(m.CreatedAt))
	if err != nil {
		return dbErr(err, "insert item")
	}
	return nil
}

func retire(ctx context.Context, tx *sql.Tx, oldID, newID string, now time.Time) error {
	res, err := tx.ExecContext(ctx,
		`UPDATE memory_items SET invalid_at = ?, superseded_by = ?
		 WHERE id = ? AND invalid_at IS NULL AND superseded_by IS NULL`,
		formatTime(now), newID, oldID)
	if err != nil {
		return dbErr(err, "retire item")
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return memerr.New(memerr.CodeItemConflict, "item is no longer current", memerr.FieldItemID(oldID))
	}
	return nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanItem(row scanner) (model.MemoryItem, error) {
	var m model.MemoryItem
	var scope, epistemic, provenance, validAt, lastValidated, createdAt string
	var sessionID, payload, invalidAt, supersededBy, supersedes, sources sql.NullString

	err := row.Scan(
		&m.ID, &m.UserID, &m.TenantID, &scope, &sessionID, &m.ItemType, &m.Key, &m.Content,
		&payload, &m.Confidence, &epistemic, &provenance, &validAt, &invalidAt,
		&supersededBy, &supersedes, &m.Version, &sources, &lastValidated, &createdAt,
	)
	if err != nil {
		return m, err
	}

	m.Scope = model.Scope(scope)
	m.EpistemicType = model.EpistemicType(epistemic)
	m.Provenance = model.Provenance(provenance)
	m.ValidAt = parseTime(validAt)
	m.LastValidatedAt = parseTime(lastValidated)
	m.CreatedAt = parseTime(createdAt)
	m.SessionID = sessionID.String
	m.SupersededBy = supersededBy.String
	m.Supersedes = supersedes.String
	if invalidAt.Valid {
		t := parseTime(invalidAt.String)
		m.InvalidAt = &t
	}
	if payload.Valid {
		_ = json.Unmarshal([]byte(payload.String), &m.Payload)
	}
	if sources.Valid {
		_ = json.Unmarshal([]byte(sources.String), &m.SourceEvents)
	}
	return m, nil
}

// --- fences ---

// notFenced is the read-path filter excluding users with an active fence.
func notFenced(alias string) string {
	return `NOT EXISTS (SELECT 1 FROM fences f WHERE f.user_id = ` + alias + `.user_id)`
}

func (s *SQLiteStore) hidden(userID string) bool {
	_, ok := s.fences.Fenced(userID)
	return ok
}

func (s *SQLiteStore) fenceCheck(ctx context.Context, tx *sql.Tx, userID string, code memerr.Code) error {
	if tomb, ok := s.fences.Fenced(userID); ok {
		return memerr.New(code, "user is fenced by an in-flight deletion",
			memerr.FieldUserID(userID), memerr.FieldTombstoneID(tomb))
	}
	var tomb string
	err := tx.QueryRowContext(ctx, `SELECT tombstone_id FROM fences WHERE user_id = ?`, userID).Scan(&tomb)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		return dbErr(err, "check fence")
	}
	return memerr.New(code, "user is fenced by an in-flight deletion",
		memerr.FieldUserID(userID), memerr.FieldTombstoneID(tomb))
}

// --- audit ---

func (s *SQLiteStore) appendAudit(ctx context.Context, tx *sql.Tx, entity, entityID, userID, action, detail string) (string, error) {
	id := newID()
	_, err := tx.ExecContext(ctx,
		`INSERT INTO audit (id, entity, entity_id, user_id, action, detail, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		id, entity, entityID, userID, action, nullString(detail), formatTime(s.now()))
	if err != nil {
		return "", dbErr(err, "append audit")
	}
	return id, nil
}

// ListAudit returns a user's audit trail, newest first.
func (s *SQLiteStore) ListAudit(ctx context.Context, userID string, limit int) ([]model.AuditRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, entity, entity_id, user_id, action, detail, created_at FROM audit
		 WHERE user_id = ? ORDER BY created_at DESC, id DESC LIMIT ?`, userID, limit)
	if err != nil {
		return nil, dbErr(err, "list audit")
	}
	defer rows.Close()

	var out []model.AuditRecord
	for rows.Next() {
		var a model.AuditRecord
		var detail sql.NullString
		var createdAt string
		if err := rows.Scan(&a.ID, &a.Entity, &a.EntityID, &a.UserID, &a.Action, &detail, &createdAt); err != nil {
			return nil, dbErr(err, "scan audit")
		}
		a.Detail = detail.String
		a.CreatedAt = parseTime(createdAt)
		out = append(out, a)
	}
	return out, rows.Err()
}

// --- vector index side effects ---

// Reindex loads every current item into the vector index. The index lives
// in process, so it starts empty after a restart.
func (s *SQLiteStore) Reindex(ctx context.Context) (int, error) {
	items, err := s.ListItems(ctx, ListParams{})
	if err != nil {
		return 0, err
	}
	n := 0
	for _, it := range items {
		if err := ctx.Err(); err != nil {
			return n, err
		}
		if err := s.vec.Upsert(ctx, it.UserID, it.ID, it.Content); err != nil {
			if memerr.IsDegraded(err) {
				return n, nil
			}
			s.log.Warn("vector reindex skipped item", "item_id", it.ID, "error", err)
			continue
		}
		n++
	}
	return n, nil
}

func (s *SQLiteStore) indexUpsert(ctx context.Context, item model.MemoryItem) {
	if err := s.vec.Upsert(ctx, item.UserID, item.ID, item.Content); err != nil {
		s.log.Debug("vector upsert skipped", "item_id", item.ID, "error", err)
	}
}

func (s *SQLiteStore) indexDelete(ctx context.Context, userID string, ids ...string) {
	if err := s.vec.Delete(ctx, userID, ids...); err != nil {
		s.log.Warn("vector delete failed", "user_id", userID, "error", err)
	}
}

// --- helpers ---

func dbErr(err error, op string) error {
	if err == nil {
		return nil
	}
	return memerr.Wrap(err, memerr.CodeStoreUnavailable, op)
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(timeLayout, s)
	return t
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func contains(list []string, v string) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}
