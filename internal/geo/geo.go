// Package geo is the geo-blocking registry: an enabled flag plus a set of
// blocked ISO-3166-1 alpha-2 country codes, case-folded to uppercase.
package geo

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"github.com/jmoiron/sqlx"

	"github.com/skywalker-88/stormkeep/internal/store"
)

type Country struct {
	Code string `db:"code"`
	Name string `db:"name"`
}

type Registry struct {
	db *sqlx.DB
}

func NewRegistry(db *sqlx.DB) *Registry {
	return &Registry{db: db}
}

// Seed applies the startup defaults once: only when the settings row does not
// exist yet. The registry is authoritative afterwards.
func (r *Registry) Seed(ctx context.Context, enabled bool, countries []string) error {
	var n int
	if err := r.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM geo_settings`); err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	if err := r.SetEnabled(ctx, enabled); err != nil {
		return err
	}
	for _, code := range countries {
		if err := r.Add(ctx, code, ""); err != nil {
			return err
		}
	}
	return nil
}

func (r *Registry) IsEnabled(ctx context.Context) (bool, error) {
	var enabled bool
	err := r.db.GetContext(ctx, &enabled, `SELECT enabled FROM geo_settings WHERE id = 1`)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return enabled, err
}

func (r *Registry) SetEnabled(ctx context.Context, enabled bool) error {
	v := 0
	if enabled {
		v = 1
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO geo_settings (id, enabled) VALUES (1, ?)
		ON CONFLICT (id) DO UPDATE SET enabled = excluded.enabled`, v)
	return err
}

func (r *Registry) IsBlocked(ctx context.Context, code string) (bool, error) {
	code = normalize(code)
	if code == "" {
		return false, nil
	}
	var n int
	err := r.db.GetContext(ctx, &n,
		`SELECT COUNT(*) FROM geo_blocked_countries WHERE code = ?`, code)
	return n > 0, err
}

func (r *Registry) Add(ctx context.Context, code, name string) error {
	code = normalize(code)
	if len(code) != 2 {
		return store.Validationf("country code must be 2 letters")
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO geo_blocked_countries (code, name) VALUES (?, ?)
		ON CONFLICT (code) DO UPDATE SET name = excluded.name`, code, name)
	return err
}

func (r *Registry) Remove(ctx context.Context, code string) error {
	res, err := r.db.ExecContext(ctx,
		`DELETE FROM geo_blocked_countries WHERE code = ?`, normalize(code))
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (r *Registry) List(ctx context.Context) ([]Country, error) {
	var out []Country
	err := r.db.SelectContext(ctx, &out,
		`SELECT code, COALESCE(name, '') AS name FROM geo_blocked_countries ORDER BY code`)
	return out, err
}

// ReplaceAll swaps the whole blocklist in one transaction.
func (r *Registry) ReplaceAll(ctx context.Context, entries []Country) error {
	for _, e := range entries {
		if len(normalize(e.Code)) != 2 {
			return store.Validationf("country code must be 2 letters: %q", e.Code)
		}
	}
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if _, err := tx.ExecContext(ctx, `DELETE FROM geo_blocked_countries`); err != nil {
		return err
	}
	for _, e := range entries {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO geo_blocked_countries (code, name) VALUES (?, ?)
			 ON CONFLICT (code) DO UPDATE SET name = excluded.name`,
			normalize(e.Code), e.Name); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func normalize(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}
