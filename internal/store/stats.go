package store

import (
	"context"
	"os"
	"time"
)

// Stats holds database statistics.
type Stats struct {
	DBPath       string         `json:"db_path"`
	DBSizeBytes  int64          `json:"db_size_bytes"`
	TotalItems   int            `json:"total_items"`
	CurrentItems int            `json:"current_items"`
	Events       int            `json:"events"`
	Summaries    int            `json:"summaries"`
	Receipts     int            `json:"receipts"`
	Feedback     int            `json:"feedback"`
	ActiveFences int            `json:"active_fences"`
	Tombstones   map[string]int `json:"tombstones"`
	Users        []UserStats    `json:"users"`
}

// UserStats holds per-user item counts.
type UserStats struct {
	UserID  string `json:"user_id"`
	Current int    `json:"current"`
	Keys    int    `json:"keys"`
}

// GovernorStats are the raw counts behind the governor's health metrics.
type GovernorStats struct {
	CurrentItems   int `json:"current_items"`
	StaleItems     int `json:"stale_items"`
	Contradictions int `json:"contradictions"`
	Writes         int `json:"writes"`
	Injections     int `json:"injections"`
	Blocked        int `json:"blocked"`
	Positive       int `json:"positive"`
	Negative       int `json:"negative"`
}

// Stats returns database statistics.
func (s *SQLiteStore) Stats(ctx context.Context) (*Stats, error) {
	st := &Stats{DBPath: s.path, Tombstones: map[string]int{}}

	if info, err := os.Stat(s.path); err == nil {
		st.DBSizeBytes = info.Size()
	}

	counts := []struct {
		dst   *int
		query string
	}{
		{&st.TotalItems, `SELECT COUNT(*) FROM memory_items`},
		{&st.CurrentItems, `SELECT COUNT(*) FROM memory_items m WHERE ` + currentItem},
		{&st.Events, `SELECT COUNT(*) FROM conversation_events`},
		{&st.Summaries, `SELECT COUNT(*) FROM session_summaries WHERE superseded_by IS NULL`},
		{&st.Receipts, `SELECT COUNT(*) FROM receipts`},
		{&st.Feedback, `SELECT COUNT(*) FROM feedback`},
		{&st.ActiveFences, `SELECT COUNT(*) FROM fences`},
	}
	for _, c := range counts {
		if err := s.db.QueryRowContext(ctx, c.query).Scan(c.dst); err != nil {
			return nil, dbErr(err, "stats")
		}
	}

	rows, err := s.db.QueryContext(ctx, `SELECT state, COUNT(*) FROM tombstones GROUP BY state`)
	if err != nil {
		return nil, dbErr(err, "tombstone stats")
	}
	for rows.Next() {
		var state string
		var n int
		if err := rows.Scan(&state, &n); err != nil {
			rows.Close()
			return nil, dbErr(err, "scan tombstone stats")
		}
		st.Tombstones[state] = n
	}
	rows.Close()

	rows, err = s.db.QueryContext(ctx, `
		SELECT m.user_id, COUNT(*) AS cnt, COUNT(DISTINCT m.key)
		FROM memory_items m WHERE `+currentItem+` AND `+notFenced("m")+`
		GROUP BY m.user_id ORDER BY cnt DESC, m.user_id`)
	if err != nil {
		return nil, dbErr(err, "user stats")
	}
	defer rows.Close()

	for rows.Next() {
		var u UserStats
		if err := rows.Scan(&u.UserID, &u.Current, &u.Keys); err != nil {
			return nil, dbErr(err, "scan user stats")
		}
		st.Users = append(st.Users, u)
	}
	return st, rows.Err()
}

// GovernorStats gathers counts over the lookback window starting at since.
// Items last validated before staleBefore count as stale.
func (s *SQLiteStore) GovernorStats(ctx context.Context, since, staleBefore time.Time) (*GovernorStats, error) {
	gs := &GovernorStats{}
	sinceStr := formatTime(since)
	counts := []struct {
		dst   *int
		query string
		args  []any
	}{
		{&gs.CurrentItems, `SELECT COUNT(*) FROM memory_items m WHERE ` + currentItem + ` AND ` + notFenced("m"), nil},
		{&gs.StaleItems, `SELECT COUNT(*) FROM memory_items m WHERE ` + currentItem + ` AND ` + notFenced("m") +
			` AND m.last_validated_at < ?`, []any{formatTime(staleBefore)}},
		{&gs.Contradictions, `SELECT COUNT(*) FROM item_links WHERE rel = 'contradicts' AND created_at >= ?`, []any{sinceStr}},
		{&gs.Writes, `SELECT COUNT(*) FROM audit WHERE entity = 'memory_item' AND action IN ('write', 'supersede', 'merge')
			AND created_at >= ?`, []any{sinceStr}},
		{&gs.Injections, `SELECT COUNT(*) FROM receipts WHERE kind = 'injection' AND created_at >= ?`, []any{sinceStr}},
		{&gs.Blocked, `SELECT COUNT(*) FROM receipts WHERE kind = 'injection' AND reason = 'blocked' AND created_at >= ?`, []any{sinceStr}},
		{&gs.Positive, `SELECT COUNT(*) FROM feedback WHERE positive = 1 AND created_at >= ?`, []any{sinceStr}},
		{&gs.Negative, `SELECT COUNT(*) FROM feedback WHERE positive = 0 AND created_at >= ?`, []any{sinceStr}},
	}
	for _, c := range counts {
		if err := s.db.QueryRowContext(ctx, c.query, c.args...).Scan(c.dst); err != nil {
			return nil, dbErr(err, "governor stats")
		}
	}
	return gs, nil
}
