package geo

import (
	"context"
	"testing"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"

	"github.com/skywalker-88/stormkeep/internal/store"
)

func newTestRegistry(t *testing.T) (*Registry, *sqlx.DB) {
	t.Helper()
	db, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, store.Bootstrap(context.Background(), db))
	return NewRegistry(db), db
}

func TestSeed_OnlyAppliesOnce(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, reg.Seed(ctx, true, []string{"ru", "kp"}))
	enabled, err := reg.IsEnabled(ctx)
	require.NoError(t, err)
	require.True(t, enabled)

	// Runtime change, then a second seed (restart) must not clobber it.
	require.NoError(t, reg.SetEnabled(ctx, false))
	require.NoError(t, reg.Remove(ctx, "KP"))
	require.NoError(t, reg.Seed(ctx, true, []string{"ru", "kp", "ir"}))

	enabled, err = reg.IsEnabled(ctx)
	require.NoError(t, err)
	require.False(t, enabled)
	list, err := reg.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	require.Equal(t, "RU", list[0].Code)
}

func TestIsEnabled_DefaultsFalseWithoutSettingsRow(t *testing.T) {
	reg, _ := newTestRegistry(t)
	enabled, err := reg.IsEnabled(context.Background())
	require.NoError(t, err)
	require.False(t, enabled)
}

func TestIsBlocked_CaseFolded(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, reg.Add(ctx, "ru", "Russia"))

	for _, code := range []string{"RU", "ru", "Ru", " ru "} {
		blocked, err := reg.IsBlocked(ctx, code)
		require.NoError(t, err)
		require.True(t, blocked, "code %q", code)
	}
	blocked, err := reg.IsBlocked(ctx, "US")
	require.NoError(t, err)
	require.False(t, blocked)

	// Empty country hint never blocks.
	blocked, err = reg.IsBlocked(ctx, "")
	require.NoError(t, err)
	require.False(t, blocked)
}

func TestAdd_Validation(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()

	require.ErrorIs(t, reg.Add(ctx, "USA", ""), store.ErrValidation)
	require.ErrorIs(t, reg.Add(ctx, "u", ""), store.ErrValidation)
	require.ErrorIs(t, reg.Add(ctx, "", ""), store.ErrValidation)

	// Re-adding updates the display name instead of erroring.
	require.NoError(t, reg.Add(ctx, "ru", ""))
	require.NoError(t, reg.Add(ctx, "RU", "Russia"))
	list, err := reg.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	require.Equal(t, "Russia", list[0].Name)
}

func TestRemove_NotFound(t *testing.T) {
	reg, _ := newTestRegistry(t)
	require.ErrorIs(t, reg.Remove(context.Background(), "US"), store.ErrNotFound)
}

func TestReplaceAll(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, reg.Add(ctx, "ru", ""))
	require.NoError(t, reg.Add(ctx, "kp", ""))

	require.NoError(t, reg.ReplaceAll(ctx, []Country{{Code: "ir", Name: "Iran"}, {Code: "SY", Name: "Syria"}}))
	list, err := reg.List(ctx)
	require.NoError(t, err)
	require.Equal(t, []Country{{Code: "IR", Name: "Iran"}, {Code: "SY", Name: "Syria"}}, list)

	// A bad code rejects the whole batch, leaving the list untouched.
	require.ErrorIs(t, reg.ReplaceAll(ctx, []Country{{Code: "FRA"}}), store.ErrValidation)
	list, err = reg.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
}
