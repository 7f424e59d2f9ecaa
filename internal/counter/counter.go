// Package counter implements the windowed rate-limit counters. The SQL store
// is the reference implementation; a Redis-backed store exists for deployments
// that share counters across replicas.
package counter

import (
	"context"
	"database/sql"
	"errors"
	"math"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/skywalker-88/stormkeep/internal/store"
)

// Config is the effective policy for one check.
type Config struct {
	Limit         int
	WindowSeconds int
	Sliding       bool
}

type Result struct {
	Allowed       bool
	Remaining     int
	ResetAt       int64 // epoch seconds
	Limit         int
	WindowSeconds int
}

// Store is the counter backend. Check must be atomic per bucket: two
// concurrent calls at the limit boundary never both come back allowed.
type Store interface {
	Check(ctx context.Context, identifier string, cfg Config) (Result, error)
	Cleanup(ctx context.Context) (int64, error)
}

// retentionFloor keeps at least two window-lengths of history for any sane
// window; buckets older than this are garbage.
const retentionFloor = 2 * time.Hour

type SQLStore struct {
	db    *sqlx.DB
	clock func() time.Time
}

func NewSQLStore(db *sqlx.DB) *SQLStore {
	return &SQLStore{db: db, clock: time.Now}
}

// WithClock swaps the time source; tests pin it.
func (s *SQLStore) WithClock(clock func() time.Time) *SQLStore {
	s.clock = clock
	return s
}

func (s *SQLStore) Check(ctx context.Context, identifier string, cfg Config) (Result, error) {
	if cfg.Limit <= 0 || cfg.WindowSeconds <= 0 {
		return Result{}, errors.New("invalid counter parameters")
	}

	now := s.clock().Unix()
	ws := int64(cfg.WindowSeconds)
	windowStart := (now / ws) * ws

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return Result{}, err
	}
	defer func() { _ = tx.Rollback() }()

	cur, err := bucketCount(ctx, tx, identifier, windowStart)
	if err != nil {
		return Result{}, err
	}

	var allowed bool
	var remaining int
	var resetAt int64

	if cfg.Sliding {
		prev, err := bucketCount(ctx, tx, identifier, windowStart-ws)
		if err != nil {
			return Result{}, err
		}
		elapsed := now - windowStart
		overlap := float64(ws-elapsed) / float64(ws)
		if overlap < 0 {
			overlap = 0
		}
		effective := float64(prev)*overlap + float64(cur)
		allowed = effective < float64(cfg.Limit)
		remaining = int(math.Floor(float64(cfg.Limit) - effective - 1))
		resetAt = now + ws
	} else {
		allowed = cur < cfg.Limit
		remaining = cfg.Limit - cur
		if allowed {
			remaining--
		}
		resetAt = windowStart + ws
	}
	if remaining < 0 {
		remaining = 0
	}

	if allowed {
		if err := incrementBucket(ctx, tx, identifier, windowStart, s.clock()); err != nil {
			return Result{}, err
		}
	}
	if err := tx.Commit(); err != nil {
		return Result{}, err
	}

	return Result{
		Allowed:       allowed,
		Remaining:     remaining,
		ResetAt:       resetAt,
		Limit:         cfg.Limit,
		WindowSeconds: cfg.WindowSeconds,
	}, nil
}

func bucketCount(ctx context.Context, tx *sqlx.Tx, identifier string, windowStart int64) (int, error) {
	var count int
	err := tx.GetContext(ctx, &count,
		`SELECT count FROM rate_counters WHERE identifier = ? AND window_start = ?`,
		identifier, store.FormatTime(time.Unix(windowStart, 0)))
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return count, err
}

func incrementBucket(ctx context.Context, tx *sqlx.Tx, identifier string, windowStart int64, now time.Time) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO rate_counters (identifier, window_start, count, last_touched)
		VALUES (?, ?, 1, ?)
		ON CONFLICT (identifier, window_start)
		DO UPDATE SET count = count + 1, last_touched = excluded.last_touched`,
		identifier, store.FormatTime(time.Unix(windowStart, 0)), store.FormatTime(now))
	return err
}

// Cleanup drops buckets past the retention floor.
func (s *SQLStore) Cleanup(ctx context.Context) (int64, error) {
	cutoff := store.FormatTime(s.clock().Add(-retentionFloor))
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM rate_counters WHERE window_start < ?`, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
