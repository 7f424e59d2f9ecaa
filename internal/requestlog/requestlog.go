// Package requestlog is the append-only decision log. The abuse detector is
// its only hot-path reader; everything else is admin aggregates.
package requestlog

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/skywalker-88/stormkeep/internal/store"
)

type Entry struct {
	Identifier string
	Path       string
	Method     string
	Allowed    bool
	Reason     string
	Country    string
	UserAgent  string
	Timestamp  time.Time // zero = now
}

type NameCount struct {
	Name  string `db:"name"`
	Count int    `db:"n"`
}

type Stats struct {
	Total          int
	Allowed        int
	Blocked        int
	ByReason       map[string]int
	TopIdentifiers []NameCount
	TopPaths       []NameCount
	ActiveBans     int
	ActiveKeys     int
}

type Log struct {
	db    *sqlx.DB
	clock func() time.Time

	// Aggregate delegates the active-ban/active-key counts to the owning
	// registries; nil funcs leave the fields zero.
	activeBans func(context.Context) (int, error)
	activeKeys func(context.Context) (int, error)
}

func NewLog(db *sqlx.DB) *Log {
	return &Log{db: db, clock: time.Now}
}

func (l *Log) WithClock(clock func() time.Time) *Log {
	l.clock = clock
	return l
}

func (l *Log) WithActiveCounts(bans, keys func(context.Context) (int, error)) *Log {
	l.activeBans = bans
	l.activeKeys = keys
	return l
}

func (l *Log) Log(ctx context.Context, e Entry) error {
	ts := e.Timestamp
	if ts.IsZero() {
		ts = l.clock()
	}
	allowed := 0
	if e.Allowed {
		allowed = 1
	}
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO request_log (identifier, path, method, allowed, reason, country, user_agent, ts)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.Identifier, e.Path, e.Method, allowed, e.Reason,
		nullable(e.Country), nullable(e.UserAgent), store.FormatTime(ts))
	return err
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// CountInWindow counts entries for identifier in the trailing window.
func (l *Log) CountInWindow(ctx context.Context, identifier string, seconds int) (int, error) {
	since := store.FormatTime(l.clock().Add(-time.Duration(seconds) * time.Second))
	var n int
	err := l.db.GetContext(ctx, &n,
		`SELECT COUNT(*) FROM request_log WHERE identifier = ? AND ts >= ?`,
		identifier, since)
	return n, err
}

// BaselineRatePerMinute is the identifier's request rate over the trailing
// period, requests per minute.
func (l *Log) BaselineRatePerMinute(ctx context.Context, identifier string, periodMinutes int) (float64, error) {
	if periodMinutes <= 0 {
		periodMinutes = 60
	}
	n, err := l.CountInWindow(ctx, identifier, periodMinutes*60)
	if err != nil {
		return 0, err
	}
	return float64(n) / float64(periodMinutes), nil
}

func (l *Log) RecentFor(ctx context.Context, identifier string, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	type row struct {
		Identifier string  `db:"identifier"`
		Path       string  `db:"path"`
		Method     string  `db:"method"`
		Allowed    bool    `db:"allowed"`
		Reason     string  `db:"reason"`
		Country    *string `db:"country"`
		UserAgent  *string `db:"user_agent"`
		TS         string  `db:"ts"`
	}
	var rows []row
	err := l.db.SelectContext(ctx, &rows, `
		SELECT identifier, path, method, allowed, reason, country, user_agent, ts
		FROM request_log
		WHERE identifier = ?
		ORDER BY ts DESC, id DESC
		LIMIT ?`, identifier, limit)
	if err != nil {
		return nil, err
	}
	out := make([]Entry, 0, len(rows))
	for _, r := range rows {
		ts, err := store.ParseTime(r.TS)
		if err != nil {
			return nil, err
		}
		e := Entry{
			Identifier: r.Identifier,
			Path:       r.Path,
			Method:     r.Method,
			Allowed:    r.Allowed,
			Reason:     r.Reason,
			Timestamp:  ts,
		}
		if r.Country != nil {
			e.Country = *r.Country
		}
		if r.UserAgent != nil {
			e.UserAgent = *r.UserAgent
		}
		out = append(out, e)
	}
	return out, nil
}

// Aggregate summarizes [start, end) for the admin stats view.
func (l *Log) Aggregate(ctx context.Context, start, end time.Time, topN int) (*Stats, error) {
	if topN <= 0 {
		topN = 10
	}
	from, to := store.FormatTime(start), store.FormatTime(end)

	st := &Stats{ByReason: map[string]int{}}
	err := l.db.QueryRowxContext(ctx, `
		SELECT COUNT(*),
		       COALESCE(SUM(allowed), 0),
		       COALESCE(SUM(1 - allowed), 0)
		FROM request_log WHERE ts >= ? AND ts < ?`, from, to).
		Scan(&st.Total, &st.Allowed, &st.Blocked)
	if err != nil {
		return nil, err
	}

	type reasonRow struct {
		Reason string `db:"reason"`
		N      int    `db:"n"`
	}
	var reasons []reasonRow
	if err := l.db.SelectContext(ctx, &reasons, `
		SELECT reason, COUNT(*) AS n FROM request_log
		WHERE ts >= ? AND ts < ? GROUP BY reason`, from, to); err != nil {
		return nil, err
	}
	for _, r := range reasons {
		st.ByReason[r.Reason] = r.N
	}

	if err := l.db.SelectContext(ctx, &st.TopIdentifiers, `
		SELECT identifier AS name, COUNT(*) AS n FROM request_log
		WHERE ts >= ? AND ts < ?
		GROUP BY identifier ORDER BY n DESC, name LIMIT ?`, from, to, topN); err != nil {
		return nil, err
	}
	if err := l.db.SelectContext(ctx, &st.TopPaths, `
		SELECT path AS name, COUNT(*) AS n FROM request_log
		WHERE ts >= ? AND ts < ? AND path != ''
		GROUP BY path ORDER BY n DESC, name LIMIT ?`, from, to, topN); err != nil {
		return nil, err
	}

	if l.activeBans != nil {
		if n, err := l.activeBans(ctx); err == nil {
			st.ActiveBans = n
		}
	}
	if l.activeKeys != nil {
		if n, err := l.activeKeys(ctx); err == nil {
			st.ActiveKeys = n
		}
	}
	return st, nil
}

// Cleanup trims entries older than the retention horizon.
func (l *Log) Cleanup(ctx context.Context, retentionDays int) (int64, error) {
	if retentionDays <= 0 {
		retentionDays = 30
	}
	cutoff := store.FormatTime(l.clock().AddDate(0, 0, -retentionDays))
	res, err := l.db.ExecContext(ctx, `DELETE FROM request_log WHERE ts < ?`, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
