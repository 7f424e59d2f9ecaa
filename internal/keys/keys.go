// Package keys is the API-key registry. Plaintext keys are handed out once
// at creation or rotation; only the SHA-256 fingerprint is persisted.
package keys

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"database/sql"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/skywalker-88/stormkeep/internal/store"
)

const (
	// Plaintext shape: "rl_" + 32 url-safe chars (24 random bytes, 192 bits).
	keyPrefix     = "rl_"
	keyRandomLen  = 24
	maxNameLength = 100
)

type ApiKey struct {
	ID            string
	Fingerprint   string
	Name          string
	Limit         int
	WindowSeconds int
	Active        bool
	CreatedAt     time.Time
	ExpiresAt     *time.Time
	LastUsedAt    *time.Time
	Metadata      map[string]string
}

type keyRow struct {
	ID            string  `db:"id"`
	Fingerprint   string  `db:"key_fingerprint"`
	Name          string  `db:"display_name"`
	Limit         int     `db:"limit_count"`
	WindowSeconds int     `db:"window_seconds"`
	Active        bool    `db:"active"`
	CreatedAt     string  `db:"created_at"`
	ExpiresAt     *string `db:"expires_at"`
	LastUsedAt    *string `db:"last_used_at"`
	Metadata      string  `db:"metadata"`
}

func (r keyRow) toKey() (*ApiKey, error) {
	createdAt, err := store.ParseTime(r.CreatedAt)
	if err != nil {
		return nil, err
	}
	expiresAt, err := store.ParseNullTime(r.ExpiresAt)
	if err != nil {
		return nil, err
	}
	lastUsedAt, err := store.ParseNullTime(r.LastUsedAt)
	if err != nil {
		return nil, err
	}
	meta := map[string]string{}
	if r.Metadata != "" {
		if err := json.Unmarshal([]byte(r.Metadata), &meta); err != nil {
			meta = map[string]string{}
		}
	}
	return &ApiKey{
		ID:            r.ID,
		Fingerprint:   r.Fingerprint,
		Name:          r.Name,
		Limit:         r.Limit,
		WindowSeconds: r.WindowSeconds,
		Active:        r.Active,
		CreatedAt:     createdAt,
		ExpiresAt:     expiresAt,
		LastUsedAt:    lastUsedAt,
		Metadata:      meta,
	}, nil
}

type Registry struct {
	db            *sqlx.DB
	clock         func() time.Time
	defaultLimit  int
	defaultWindow int
}

func NewRegistry(db *sqlx.DB, defaultLimit, defaultWindowSeconds int) *Registry {
	if defaultLimit <= 0 {
		defaultLimit = 100
	}
	if defaultWindowSeconds <= 0 {
		defaultWindowSeconds = 60
	}
	return &Registry{
		db:            db,
		clock:         time.Now,
		defaultLimit:  defaultLimit,
		defaultWindow: defaultWindowSeconds,
	}
}

func (r *Registry) WithClock(clock func() time.Time) *Registry {
	r.clock = clock
	return r
}

// Fingerprint is the lowercase hex SHA-256 of the plaintext.
func Fingerprint(plaintext string) string {
	sum := sha256.Sum256([]byte(plaintext))
	return hex.EncodeToString(sum[:])
}

func newPlaintext() (string, error) {
	buf := make([]byte, keyRandomLen)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return keyPrefix + base64.RawURLEncoding.EncodeToString(buf), nil
}

// Create mints a key and returns the record plus the plaintext. The plaintext
// is not recoverable afterwards.
func (r *Registry) Create(ctx context.Context, name string, limit, windowSeconds int, expiresAt *time.Time, metadata map[string]string) (*ApiKey, string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, "", store.Validationf("name required")
	}
	if len(name) > maxNameLength {
		return nil, "", store.Validationf("name exceeds %d characters", maxNameLength)
	}
	if limit <= 0 {
		limit = r.defaultLimit
	}
	if windowSeconds <= 0 {
		windowSeconds = r.defaultWindow
	}
	now := r.clock().UTC().Truncate(time.Second)
	if expiresAt != nil && !expiresAt.After(now) {
		return nil, "", store.Validationf("expires_at must be in the future")
	}

	plaintext, err := newPlaintext()
	if err != nil {
		return nil, "", err
	}
	if metadata == nil {
		metadata = map[string]string{}
	}
	metaJSON, err := json.Marshal(metadata)
	if err != nil {
		return nil, "", err
	}

	k := &ApiKey{
		ID:            uuid.NewString(),
		Fingerprint:   Fingerprint(plaintext),
		Name:          name,
		Limit:         limit,
		WindowSeconds: windowSeconds,
		Active:        true,
		CreatedAt:     now,
		ExpiresAt:     expiresAt,
		Metadata:      metadata,
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO api_keys
			(id, key_fingerprint, display_name, limit_count, window_seconds, active, created_at, expires_at, metadata)
		VALUES (?, ?, ?, ?, ?, 1, ?, ?, ?)`,
		k.ID, k.Fingerprint, k.Name, k.Limit, k.WindowSeconds,
		store.FormatTime(k.CreatedAt), store.FormatNullTime(k.ExpiresAt), string(metaJSON))
	if err != nil {
		return nil, "", err
	}
	return k, plaintext, nil
}

// Lookup resolves a plaintext to its active key row, touching last_used_at
// for keys that are still valid. Expired rows are returned so the caller can
// distinguish "expired" from "unknown"; see IsExpired.
func (r *Registry) Lookup(ctx context.Context, plaintext string) (*ApiKey, error) {
	if plaintext == "" {
		return nil, nil
	}
	var row keyRow
	err := r.db.GetContext(ctx, &row, `
		SELECT id, key_fingerprint, display_name, limit_count, window_seconds,
		       active, created_at, expires_at, last_used_at, metadata
		FROM api_keys
		WHERE key_fingerprint = ? AND active = 1`, Fingerprint(plaintext))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	k, err := row.toKey()
	if err != nil {
		return nil, err
	}
	if !r.IsExpired(k) {
		now := r.clock()
		_, _ = r.db.ExecContext(ctx,
			`UPDATE api_keys SET last_used_at = ? WHERE id = ?`,
			store.FormatTime(now), k.ID)
		t := now.UTC().Truncate(time.Second)
		k.LastUsedAt = &t
	}
	return k, nil
}

// IsExpired treats expires_at == now as already expired.
func (r *Registry) IsExpired(k *ApiKey) bool {
	return k.ExpiresAt != nil && !k.ExpiresAt.After(r.clock())
}

func (r *Registry) GetByID(ctx context.Context, id string) (*ApiKey, error) {
	var row keyRow
	err := r.db.GetContext(ctx, &row, `
		SELECT id, key_fingerprint, display_name, limit_count, window_seconds,
		       active, created_at, expires_at, last_used_at, metadata
		FROM api_keys WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return row.toKey()
}

func (r *Registry) List(ctx context.Context, limit, offset int) ([]*ApiKey, error) {
	if limit <= 0 {
		limit = 50
	}
	var rows []keyRow
	err := r.db.SelectContext(ctx, &rows, `
		SELECT id, key_fingerprint, display_name, limit_count, window_seconds,
		       active, created_at, expires_at, last_used_at, metadata
		FROM api_keys
		ORDER BY created_at DESC, id
		LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, err
	}
	out := make([]*ApiKey, 0, len(rows))
	for _, row := range rows {
		k, err := row.toKey()
		if err != nil {
			return nil, err
		}
		out = append(out, k)
	}
	return out, nil
}

// Rotate swaps the fingerprint for a fresh plaintext and resets last_used_at.
// The record id is stable across rotation.
func (r *Registry) Rotate(ctx context.Context, id string) (*ApiKey, string, error) {
	k, err := r.GetByID(ctx, id)
	if err != nil {
		return nil, "", err
	}
	plaintext, err := newPlaintext()
	if err != nil {
		return nil, "", err
	}
	fp := Fingerprint(plaintext)
	_, err = r.db.ExecContext(ctx,
		`UPDATE api_keys SET key_fingerprint = ?, last_used_at = NULL WHERE id = ?`,
		fp, id)
	if err != nil {
		return nil, "", err
	}
	k.Fingerprint = fp
	k.LastUsedAt = nil
	return k, plaintext, nil
}

func (r *Registry) Deactivate(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `UPDATE api_keys SET active = 0 WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (r *Registry) Delete(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM api_keys WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (r *Registry) CountActive(ctx context.Context) (int, error) {
	now := store.FormatTime(r.clock())
	var n int
	err := r.db.GetContext(ctx, &n, `
		SELECT COUNT(*) FROM api_keys
		WHERE active = 1 AND (expires_at IS NULL OR expires_at > ?)`, now)
	return n, err
}
