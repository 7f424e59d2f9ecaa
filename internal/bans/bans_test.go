package bans

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/skywalker-88/stormkeep/internal/store"
)

var t0 = time.Date(2024, 1, 19, 12, 0, 0, 0, time.UTC)

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time { return c.now }

func newTestRegistry(t *testing.T) (*Registry, *fakeClock) {
	t.Helper()
	db, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, store.Bootstrap(context.Background(), db))
	clk := &fakeClock{now: t0}
	return NewRegistry(db, time.Hour).WithClock(clk.Now), clk
}

func intp(n int) *int { return &n }

func TestIsBanned_ActivePredicate(t *testing.T) {
	reg, clk := newTestRegistry(t)
	ctx := context.Background()

	_, err := reg.Create(ctx, "203.0.113.7", "manual block", intp(600), "admin")
	require.NoError(t, err)

	b, err := reg.IsBanned(ctx, "203.0.113.7")
	require.NoError(t, err)
	require.NotNil(t, b)
	require.Equal(t, "manual block", b.Reason)
	require.Equal(t, "admin", b.CreatedBy)

	// Other identifiers are unaffected.
	b, err = reg.IsBanned(ctx, "203.0.113.8")
	require.NoError(t, err)
	require.Nil(t, b)

	// A ban that expires exactly now is no longer active.
	clk.now = t0.Add(600 * time.Second)
	b, err = reg.IsBanned(ctx, "203.0.113.7")
	require.NoError(t, err)
	require.Nil(t, b)
}

func TestIsBanned_PermanentNeverExpires(t *testing.T) {
	reg, clk := newTestRegistry(t)
	ctx := context.Background()

	_, err := reg.Create(ctx, "id", "forever", nil, "admin")
	require.NoError(t, err)

	clk.now = t0.Add(24 * 365 * time.Hour)
	b, err := reg.IsBanned(ctx, "id")
	require.NoError(t, err)
	require.NotNil(t, b)
	require.Nil(t, b.ExpiresAt)
}

func TestIsBanned_NewestWins(t *testing.T) {
	reg, clk := newTestRegistry(t)
	ctx := context.Background()

	_, err := reg.Create(ctx, "id", "first", intp(3600), "admin")
	require.NoError(t, err)
	clk.now = t0.Add(time.Minute)
	_, err = reg.Create(ctx, "id", "second", intp(3600), "admin")
	require.NoError(t, err)

	b, err := reg.IsBanned(ctx, "id")
	require.NoError(t, err)
	require.NotNil(t, b)
	require.Equal(t, "second", b.Reason)
}

func TestCreate_Validation(t *testing.T) {
	reg, _ := newTestRegistry(t)

	_, err := reg.Create(context.Background(), "", "no identifier", nil, "admin")
	require.ErrorIs(t, err, store.ErrValidation)

	// Unknown creators are normalized to admin.
	b, err := reg.Create(context.Background(), "id", "r", nil, "somebody")
	require.NoError(t, err)
	require.Equal(t, "admin", b.CreatedBy)
}

func TestCreateAutoBan_DefaultTTL(t *testing.T) {
	reg, _ := newTestRegistry(t)

	b, err := reg.CreateAutoBan(context.Background(), "id", "Burst detection: 5 requests in 10s")
	require.NoError(t, err)
	require.Equal(t, "system", b.CreatedBy)
	require.NotNil(t, b.ExpiresAt)
	require.Equal(t, t0.Add(time.Hour), *b.ExpiresAt)
}

func TestRemove_And_RemoveAll(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()

	b1, err := reg.Create(ctx, "id", "one", nil, "admin")
	require.NoError(t, err)
	_, err = reg.Create(ctx, "id", "two", nil, "admin")
	require.NoError(t, err)

	require.NoError(t, reg.Remove(ctx, b1.ID))
	require.ErrorIs(t, reg.Remove(ctx, b1.ID), store.ErrNotFound)

	n, err := reg.RemoveAll(ctx, "id")
	require.NoError(t, err)
	require.EqualValues(t, 1, n)

	active, err := reg.IsBanned(ctx, "id")
	require.NoError(t, err)
	require.Nil(t, active)
}

func TestListActive_And_CountActive(t *testing.T) {
	reg, clk := newTestRegistry(t)
	ctx := context.Background()

	_, err := reg.Create(ctx, "a", "short", intp(60), "admin")
	require.NoError(t, err)
	clk.now = t0.Add(time.Second)
	_, err = reg.Create(ctx, "b", "long", intp(3600), "admin")
	require.NoError(t, err)

	clk.now = t0.Add(2 * time.Minute) // "a" expired
	list, err := reg.ListActive(ctx, 10, 0)
	require.NoError(t, err)
	require.Len(t, list, 1)
	require.Equal(t, "b", list[0].Identifier)

	n, err := reg.CountActive(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

func TestCleanup_DropsOnlyExpired(t *testing.T) {
	reg, clk := newTestRegistry(t)
	ctx := context.Background()

	_, err := reg.Create(ctx, "a", "short", intp(60), "admin")
	require.NoError(t, err)
	_, err = reg.Create(ctx, "b", "permanent", nil, "admin")
	require.NoError(t, err)

	clk.now = t0.Add(2 * time.Minute)
	n, err := reg.Cleanup(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 1, n)

	b, err := reg.IsBanned(ctx, "b")
	require.NoError(t, err)
	require.NotNil(t, b)
}
