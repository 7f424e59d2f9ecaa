// Package torlist keeps the Tor exit-node table current from the public bulk
// exit list.
package torlist

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/skywalker-88/stormkeep/internal/reputation"
	"github.com/skywalker-88/stormkeep/pkg/metrics"
)

type Updater struct {
	store    *reputation.Store
	url      string
	interval time.Duration
	client   *http.Client

	inflight   atomic.Bool
	lastUpdate atomic.Int64 // unix seconds, 0 = never

	stop chan struct{}
	done chan struct{}
}

func NewUpdater(store *reputation.Store, url string, interval, fetchTimeout time.Duration) *Updater {
	if interval <= 0 {
		interval = time.Hour
	}
	if fetchTimeout <= 0 {
		fetchTimeout = 10 * time.Second
	}
	return &Updater{
		store:    store,
		url:      url,
		interval: interval,
		client:   &http.Client{Timeout: fetchTimeout},
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start launches the refresh loop. fetchOnStart runs one fetch immediately.
func (u *Updater) Start(fetchOnStart bool) {
	go func() {
		defer close(u.done)
		if fetchOnStart {
			if err := u.FetchNow(context.Background()); err != nil {
				log.Warn().Err(err).Msg("initial tor list fetch failed; keeping existing data")
			}
		}
		ticker := time.NewTicker(u.interval)
		defer ticker.Stop()
		for {
			select {
			case <-u.stop:
				return
			case <-ticker.C:
				if err := u.FetchNow(context.Background()); err != nil {
					log.Warn().Err(err).Msg("tor list refresh failed; keeping existing data")
				}
			}
		}
	}()
}

// Stop halts the scheduler. An in-flight fetch runs to completion first.
func (u *Updater) Stop() {
	close(u.stop)
	<-u.done
}

var errFetchInFlight = errors.New("fetch already in flight")

// FetchNow fetches and syncs the list once. At most one fetch runs at a time.
func (u *Updater) FetchNow(ctx context.Context) error {
	if !u.inflight.CompareAndSwap(false, true) {
		return errFetchInFlight
	}
	defer u.inflight.Store(false)

	addresses, err := u.fetch(ctx)
	if err != nil {
		return err
	}
	if len(addresses) == 0 {
		return errors.New("tor list parsed empty")
	}
	if err := u.store.SyncTorExits(ctx, addresses); err != nil {
		return err
	}
	u.lastUpdate.Store(time.Now().Unix())

	if n, err := u.store.TorExitCount(ctx); err == nil {
		metrics.TorExits.Set(float64(n))
	}
	log.Info().Int("exits", len(addresses)).Msg("tor exit list synced")
	return nil
}

func (u *Updater) fetch(ctx context.Context) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := u.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("status %d from %s", resp.StatusCode, u.url)
	}
	return Parse(resp.Body)
}

// Parse reads newline-delimited IPv4 literals, dropping blanks, comments, and
// anything that is not a strict dotted quad.
func Parse(r io.Reader) ([]string, error) {
	var out []string
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if _, ok := reputation.ParseIPv4(line); !ok {
			continue
		}
		out = append(out, line)
	}
	return out, sc.Err()
}

// LastUpdate is the wall-clock time of the last successful sync; zero means
// never.
func (u *Updater) LastUpdate() time.Time {
	sec := u.lastUpdate.Load()
	if sec == 0 {
		return time.Time{}
	}
	return time.Unix(sec, 0)
}
