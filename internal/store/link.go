package store

import (
	"context"
	"database/sql"
	"time"

	memerr "github.com/andyan77/diyu-agent-sub002/internal/errors"
	"github.com/andyan77/diyu-agent-sub002/internal/model"
)

// Link records a relation between two items of the same user.
func (s *SQLiteStore) Link(ctx context.Context, fromID, toID, rel string) (*Link, error) {
	if !model.ValidRels[rel] {
		return nil, memerr.New(memerr.CodeItemInvalid, "invalid relation "+rel+" (valid: supersedes, contradicts, consolidates)")
	}
	userID, err := s.ownerOf(ctx, fromID)
	if err != nil {
		return nil, err
	}
	toOwner, err := s.ownerOf(ctx, toID)
	if err != nil {
		return nil, err
	}
	if toOwner != userID {
		return nil, memerr.New(memerr.CodeItemInvalid, "cannot link items of different users", memerr.FieldItemID(toID))
	}

	unlock := s.locks.Lock(userID)
	defer unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, dbErr(err, "begin")
	}
	defer func() { _ = tx.Rollback() }()

	if err := s.fenceCheck(ctx, tx, userID, memerr.CodeItemFenced); err != nil {
		return nil, err
	}
	now := s.now()
	if err := s.linkTx(ctx, tx, fromID, toID, rel, now); err != nil {
		return nil, err
	}
	if _, err := s.appendAudit(ctx, tx, "item_link", fromID, userID, "link", "rel="+rel+" to="+toID); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, dbErr(err, "commit")
	}
	return &Link{FromID: fromID, ToID: toID, Rel: rel, CreatedAt: now}, nil
}

// GetLinks returns all links touching an item.
func (s *SQLiteStore) GetLinks(ctx context.Context, itemID string) ([]Link, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT l.from_id, l.to_id, l.rel, l.created_at FROM item_links l
		 JOIN memory_items m ON m.id = l.from_id
		 WHERE (l.from_id = ? OR l.to_id = ?) AND `+notFenced("m")+`
		 ORDER BY l.created_at, l.rel`, itemID, itemID)
	if err != nil {
		return nil, dbErr(err, "get links")
	}
	defer rows.Close()

	var links []Link
	for rows.Next() {
		var l Link
		var createdAt string
		if err := rows.Scan(&l.FromID, &l.ToID, &l.Rel, &createdAt); err != nil {
			return nil, dbErr(err, "scan link")
		}
		l.CreatedAt = parseTime(createdAt)
		links = append(links, l)
	}
	return links, rows.Err()
}

// LinksSince returns links of one relation created at or after since.
func (s *SQLiteStore) LinksSince(ctx context.Context, rel string, since time.Time) ([]Link, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT l.from_id, l.to_id, l.rel, l.created_at FROM item_links l
		 JOIN memory_items m ON m.id = l.from_id
		 WHERE l.rel = ? AND l.created_at >= ? AND `+notFenced("m")+`
		 ORDER BY l.created_at`, rel, formatTime(since))
	if err != nil {
		return nil, dbErr(err, "links since")
	}
	defer rows.Close()

	var links []Link
	for rows.Next() {
		var l Link
		var createdAt string
		if err := rows.Scan(&l.FromID, &l.ToID, &l.Rel, &createdAt); err != nil {
			return nil, dbErr(err, "scan link")
		}
		l.CreatedAt = parseTime(createdAt)
		links = append(links, l)
	}
	return links, rows.Err()
}

func (s *SQLiteStore) linkTx(ctx context.Context, tx *sql.Tx, fromID, toID, rel string, now time.Time) error {
	_, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO item_links (from_id, to_id, rel, created_at) VALUES (?, ?, ?, ?)`,
		fromID, toID, rel, formatTime(now))
	return dbErr(err, "insert link")
}
