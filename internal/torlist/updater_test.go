package torlist

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/skywalker-88/stormkeep/internal/reputation"
	"github.com/skywalker-88/stormkeep/internal/store"
)

func newTestStore(t *testing.T) *reputation.Store {
	t.Helper()
	db, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, store.Bootstrap(context.Background(), db))
	return reputation.NewStore(db)
}

func TestParse_FiltersGarbage(t *testing.T) {
	in := strings.Join([]string{
		"# ExitNode dump",
		"",
		"185.220.101.1",
		"  185.220.101.2  ",
		"not-an-ip",
		"999.1.1.1",
		"010.1.2.3", // leading zero, rejected
		"2001:db8::1",
		"185.220.101.3",
	}, "\n")

	got, err := Parse(strings.NewReader(in))
	require.NoError(t, err)
	require.Equal(t, []string{"185.220.101.1", "185.220.101.2", "185.220.101.3"}, got)
}

func TestFetchNow_SyncsList(t *testing.T) {
	st := newTestStore(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "185.220.101.1\n185.220.101.2\n")
	}))
	defer srv.Close()

	u := NewUpdater(st, srv.URL, time.Hour, time.Second)
	require.True(t, u.LastUpdate().IsZero())
	require.NoError(t, u.FetchNow(context.Background()))
	require.False(t, u.LastUpdate().IsZero())

	exit, err := st.IsTorExit(context.Background(), "185.220.101.1")
	require.NoError(t, err)
	require.True(t, exit)
	n, err := st.TorExitCount(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, n)
}

func TestFetchNow_FailureKeepsExistingData(t *testing.T) {
	st := newTestStore(t)
	require.NoError(t, st.SyncTorExits(context.Background(), []string{"185.220.101.1"}))

	t.Run("http error", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		}))
		defer srv.Close()
		u := NewUpdater(st, srv.URL, time.Hour, time.Second)
		require.Error(t, u.FetchNow(context.Background()))
	})

	t.Run("empty body", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			fmt.Fprint(w, "# nothing but comments\n")
		}))
		defer srv.Close()
		u := NewUpdater(st, srv.URL, time.Hour, time.Second)
		require.Error(t, u.FetchNow(context.Background()))
	})

	exit, err := st.IsTorExit(context.Background(), "185.220.101.1")
	require.NoError(t, err)
	require.True(t, exit, "failed refreshes must not wipe the table")
}

func TestFetchNow_SingleFlight(t *testing.T) {
	st := newTestStore(t)
	entered := make(chan struct{})
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		close(entered)
		<-release
		fmt.Fprint(w, "185.220.101.1\n")
	}))
	defer srv.Close()

	u := NewUpdater(st, srv.URL, time.Hour, 5*time.Second)

	var wg sync.WaitGroup
	wg.Add(1)
	firstErr := make(chan error, 1)
	go func() {
		defer wg.Done()
		firstErr <- u.FetchNow(context.Background())
	}()

	// Once the handler has been entered the first fetch holds the guard, so
	// a second call is refused.
	<-entered
	require.ErrorIs(t, u.FetchNow(context.Background()), errFetchInFlight)

	close(release)
	wg.Wait()
	require.NoError(t, <-firstErr)
}

func TestStartStop(t *testing.T) {
	st := newTestStore(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "185.220.101.1\n")
	}))
	defer srv.Close()

	u := NewUpdater(st, srv.URL, time.Hour, time.Second)
	u.Start(true)

	require.Eventually(t, func() bool {
		n, err := st.TorExitCount(context.Background())
		return err == nil && n == 1
	}, 2*time.Second, 10*time.Millisecond)

	done := make(chan struct{})
	go func() {
		u.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return")
	}
}
