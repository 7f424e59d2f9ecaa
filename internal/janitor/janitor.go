// Package janitor runs the periodic retention sweeps: counters, bans, the
// request log, and the reputation caches.
package janitor

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/skywalker-88/stormkeep/pkg/metrics"
)

type Task struct {
	Name string
	Run  func(ctx context.Context) (int64, error)
}

type Sweeper struct {
	interval time.Duration
	tasks    []Task
	stop     chan struct{}
	done     chan struct{}
}

func New(interval time.Duration, tasks ...Task) *Sweeper {
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	return &Sweeper{
		interval: interval,
		tasks:    tasks,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

func (s *Sweeper) Start() {
	go func() {
		defer close(s.done)
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-s.stop:
				return
			case <-ticker.C:
				s.sweep()
			}
		}
	}()
}

func (s *Sweeper) Stop() {
	close(s.stop)
	<-s.done
}

func (s *Sweeper) sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	for _, t := range s.tasks {
		n, err := t.Run(ctx)
		if err != nil {
			log.Error().Err(err).Str("task", t.Name).Msg("cleanup sweep failed")
			continue
		}
		metrics.CleanupRows.WithLabelValues(t.Name).Add(float64(n))
		if n > 0 {
			log.Debug().Str("task", t.Name).Int64("rows", n).Msg("cleanup sweep")
		}
	}
}
