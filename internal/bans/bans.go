// Package bans is the ban registry: temporary and permanent bans keyed by
// identifier, with history kept after expiry.
package bans

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/skywalker-88/stormkeep/internal/store"
)

type Ban struct {
	ID         string
	Identifier string
	Reason     string
	BannedAt   time.Time
	ExpiresAt  *time.Time // nil = permanent
	CreatedBy  string     // "system" or "admin"
}

type banRow struct {
	ID         string  `db:"id"`
	Identifier string  `db:"identifier"`
	Reason     string  `db:"reason"`
	BannedAt   string  `db:"banned_at"`
	ExpiresAt  *string `db:"expires_at"`
	CreatedBy  string  `db:"created_by"`
}

func (r banRow) toBan() (*Ban, error) {
	bannedAt, err := store.ParseTime(r.BannedAt)
	if err != nil {
		return nil, err
	}
	expiresAt, err := store.ParseNullTime(r.ExpiresAt)
	if err != nil {
		return nil, err
	}
	return &Ban{
		ID:         r.ID,
		Identifier: r.Identifier,
		Reason:     r.Reason,
		BannedAt:   bannedAt,
		ExpiresAt:  expiresAt,
		CreatedBy:  r.CreatedBy,
	}, nil
}

type Registry struct {
	db         *sqlx.DB
	clock      func() time.Time
	autobanTTL time.Duration
}

func NewRegistry(db *sqlx.DB, autobanTTL time.Duration) *Registry {
	if autobanTTL <= 0 {
		autobanTTL = time.Hour
	}
	return &Registry{db: db, clock: time.Now, autobanTTL: autobanTTL}
}

func (r *Registry) WithClock(clock func() time.Time) *Registry {
	r.clock = clock
	return r
}

// IsBanned returns the newest active ban for identifier, or nil. A ban is
// active iff expires_at is null or strictly in the future.
func (r *Registry) IsBanned(ctx context.Context, identifier string) (*Ban, error) {
	now := store.FormatTime(r.clock())
	var row banRow
	err := r.db.GetContext(ctx, &row, `
		SELECT id, identifier, reason, banned_at, expires_at, created_by
		FROM bans
		WHERE identifier = ? AND (expires_at IS NULL OR expires_at > ?)
		ORDER BY banned_at DESC, id DESC
		LIMIT 1`, identifier, now)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return row.toBan()
}

// Create inserts a ban. durationSeconds nil or zero means permanent.
func (r *Registry) Create(ctx context.Context, identifier, reason string, durationSeconds *int, createdBy string) (*Ban, error) {
	if identifier == "" {
		return nil, store.Validationf("identifier required")
	}
	if createdBy != "system" {
		createdBy = "admin"
	}
	now := r.clock()
	b := &Ban{
		ID:         uuid.NewString(),
		Identifier: identifier,
		Reason:     reason,
		BannedAt:   now.UTC().Truncate(time.Second),
		CreatedBy:  createdBy,
	}
	if durationSeconds != nil && *durationSeconds > 0 {
		exp := b.BannedAt.Add(time.Duration(*durationSeconds) * time.Second)
		b.ExpiresAt = &exp
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO bans (id, identifier, reason, banned_at, expires_at, created_by)
		VALUES (?, ?, ?, ?, ?, ?)`,
		b.ID, b.Identifier, b.Reason, store.FormatTime(b.BannedAt),
		store.FormatNullTime(b.ExpiresAt), b.CreatedBy)
	if err != nil {
		return nil, err
	}
	return b, nil
}

// CreateAutoBan is the abuse detector's entry point: default TTL, created by
// the system. Duplicate auto-bans while one is active are permitted (history).
func (r *Registry) CreateAutoBan(ctx context.Context, identifier, reason string) (*Ban, error) {
	secs := int(r.autobanTTL / time.Second)
	return r.Create(ctx, identifier, reason, &secs, "system")
}

func (r *Registry) Remove(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM bans WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (r *Registry) RemoveAll(ctx context.Context, identifier string) (int64, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM bans WHERE identifier = ?`, identifier)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (r *Registry) ListActive(ctx context.Context, limit, offset int) ([]*Ban, error) {
	if limit <= 0 {
		limit = 50
	}
	now := store.FormatTime(r.clock())
	var rows []banRow
	err := r.db.SelectContext(ctx, &rows, `
		SELECT id, identifier, reason, banned_at, expires_at, created_by
		FROM bans
		WHERE expires_at IS NULL OR expires_at > ?
		ORDER BY banned_at DESC, id DESC
		LIMIT ? OFFSET ?`, now, limit, offset)
	if err != nil {
		return nil, err
	}
	out := make([]*Ban, 0, len(rows))
	for _, row := range rows {
		b, err := row.toBan()
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, nil
}

func (r *Registry) CountActive(ctx context.Context) (int, error) {
	now := store.FormatTime(r.clock())
	var n int
	err := r.db.GetContext(ctx, &n,
		`SELECT COUNT(*) FROM bans WHERE expires_at IS NULL OR expires_at > ?`, now)
	return n, err
}

// Cleanup deletes expired rows and returns the count.
func (r *Registry) Cleanup(ctx context.Context) (int64, error) {
	now := store.FormatTime(r.clock())
	res, err := r.db.ExecContext(ctx,
		`DELETE FROM bans WHERE expires_at IS NOT NULL AND expires_at <= ?`, now)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
