package store

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
)

//go:embed schema.sql
var schemaSQL string

// Sentinel error kinds shared by all registries. Callers branch with errors.Is.
var (
	ErrNotFound   = errors.New("not_found")
	ErrValidation = errors.New("validation_error")
)

func Validationf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// Open opens (or creates) the sqlite database at path. WAL keeps readers off
// the writer's back; busy_timeout serializes the writers instead of erroring.
func Open(path string) (*sqlx.DB, error) {
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on&_txlock=immediate", path)
	db, err := sqlx.Open("sqlite3", dsn)
	if err != nil {
		return nil, err
	}
	// sqlite allows a single writer; more connections just queue on the lock.
	db.SetMaxOpenConns(1)
	return db, nil
}

// Bootstrap applies the embedded schema. Every statement is idempotent
// (CREATE TABLE IF NOT EXISTS), so this runs on every startup.
func Bootstrap(ctx context.Context, db *sqlx.DB) error {
	_, err := db.ExecContext(ctx, schemaSQL)
	return err
}

// Timestamps are stored as ISO-8601 UTC text at second precision. The fixed
// format keeps lexicographic and chronological order identical, so plain
// string comparison works in SQL.
const timeLayout = "2006-01-02T15:04:05Z"

func FormatTime(t time.Time) string {
	return t.UTC().Truncate(time.Second).Format(timeLayout)
}

func ParseTime(s string) (time.Time, error) {
	return time.Parse(timeLayout, s)
}

// FormatNullTime maps a nil time to SQL NULL via *string.
func FormatNullTime(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := FormatTime(*t)
	return &s
}

func ParseNullTime(s *string) (*time.Time, error) {
	if s == nil || *s == "" {
		return nil, nil
	}
	t, err := ParseTime(*s)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
