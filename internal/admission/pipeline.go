// Package admission is the top-level decision pipeline: ban → geo → key →
// rate limit → burst detection, returning an allow/deny with budget fields.
package admission

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/skywalker-88/stormkeep/internal/bans"
	"github.com/skywalker-88/stormkeep/internal/counter"
	"github.com/skywalker-88/stormkeep/internal/geo"
	"github.com/skywalker-88/stormkeep/internal/keys"
	"github.com/skywalker-88/stormkeep/internal/requestlog"
	"github.com/skywalker-88/stormkeep/pkg/config"
	"github.com/skywalker-88/stormkeep/pkg/metrics"
)

// Decision reason codes.
const (
	ReasonOK          = "ok"
	ReasonRateLimited = "rate_limited"
	ReasonBanned      = "banned"
	ReasonGeoBlocked  = "geo_blocked"
	ReasonInvalidKey  = "invalid_key"
	ReasonExpiredKey  = "expired_key"
)

// Envelope is the request metadata the transport hands in. Address extraction
// from proxy headers happens before this point.
type Envelope struct {
	Address   string
	APIKey    string
	Path      string
	Method    string
	Country   string
	UserAgent string
}

type Decision struct {
	Allowed    bool
	Reason     string
	Remaining  int
	ResetAt    int64 // epoch seconds
	Limit      int
	RetryAfter int // seconds; 0 = unset
}

type Pipeline struct {
	counters counter.Store
	bans     *bans.Registry
	keys     *keys.Registry
	logs     *requestlog.Log
	geo      *geo.Registry

	defaults config.Limit
	abuse    config.Abuse
	logAll   bool
	clock    func() time.Time
}

func NewPipeline(counters counter.Store, banReg *bans.Registry, keyReg *keys.Registry,
	logs *requestlog.Log, geoReg *geo.Registry, cfg *config.Config) *Pipeline {
	return &Pipeline{
		counters: counters,
		bans:     banReg,
		keys:     keyReg,
		logs:     logs,
		geo:      geoReg,
		defaults: cfg.Default,
		abuse:    cfg.Abuse,
		logAll:   cfg.LogAllRequests,
		clock:    time.Now,
	}
}

func (p *Pipeline) WithClock(clock func() time.Time) *Pipeline {
	p.clock = clock
	return p
}

// failOpen is the decision returned when the store is misbehaving: the
// guarded workload stays available, budget fields carry nothing.
var failOpen = Decision{Allowed: true, Reason: ReasonOK}

// Check runs the full pipeline. It never surfaces store errors: any
// unexpected failure becomes a fail-open allow with an error log.
func (p *Pipeline) Check(ctx context.Context, env Envelope) Decision {
	d, err := p.check(ctx, env)
	if err != nil {
		log.Error().Err(err).Str("address", env.Address).Msg("admission pipeline error; failing open")
		metrics.Decisions.WithLabelValues(ReasonOK).Inc()
		return failOpen
	}
	metrics.Decisions.WithLabelValues(d.Reason).Inc()
	return d
}

func (p *Pipeline) check(ctx context.Context, env Envelope) (Decision, error) {
	if env.Address == "" && env.APIKey == "" {
		return Decision{Reason: ReasonInvalidKey}, nil
	}

	// Identity first. A key token resolves to its key id so that plaintext
	// never reaches the ban or log tables; an unknown token falls back to the
	// address until step 4 rejects it.
	identifier := env.Address
	var key *keys.ApiKey
	if env.APIKey != "" {
		var err error
		key, err = p.keys.Lookup(ctx, env.APIKey)
		if err != nil {
			return Decision{}, err
		}
		if key != nil {
			identifier = key.ID
		} else if identifier == "" {
			return p.deny(ctx, env, "", Decision{Reason: ReasonInvalidKey}), nil
		}
	}

	// Step 2: ban check.
	if ban, err := p.bans.IsBanned(ctx, identifier); err != nil {
		return Decision{}, err
	} else if ban != nil {
		d := Decision{Reason: ReasonBanned}
		if ban.ExpiresAt != nil {
			if ra := int(ban.ExpiresAt.Sub(p.clock()) / time.Second); ra > 0 {
				d.RetryAfter = ra
			}
		}
		return p.deny(ctx, env, identifier, d), nil
	}

	// Step 3: geo check.
	if env.Country != "" {
		enabled, err := p.geo.IsEnabled(ctx)
		if err != nil {
			return Decision{}, err
		}
		if enabled {
			blocked, err := p.geo.IsBlocked(ctx, env.Country)
			if err != nil {
				return Decision{}, err
			}
			if blocked {
				return p.deny(ctx, env, identifier, Decision{Reason: ReasonGeoBlocked}), nil
			}
		}
	}

	// Step 4: key validation; a valid key swaps in its own policy.
	effective := counter.Config{
		Limit:         p.defaults.Limit,
		WindowSeconds: p.defaults.WindowSeconds,
		Sliding:       p.defaults.Sliding,
	}
	if env.APIKey != "" {
		if key == nil {
			return p.deny(ctx, env, identifier, Decision{Reason: ReasonInvalidKey}), nil
		}
		if p.keys.IsExpired(key) {
			return p.deny(ctx, env, identifier, Decision{Reason: ReasonExpiredKey}), nil
		}
		effective.Limit = key.Limit
		effective.WindowSeconds = key.WindowSeconds
	}

	// Step 5: rate limit. The counter store fails open with zero budget.
	res, err := p.counters.Check(ctx, identifier, effective)
	if err != nil {
		log.Error().Err(err).Str("identifier", identifier).Msg("counter check failed; allowing request")
		metrics.CounterErrors.Inc()
		res = counter.Result{Allowed: true, Limit: effective.Limit, WindowSeconds: effective.WindowSeconds}
	}

	d := Decision{
		Allowed:   res.Allowed,
		Reason:    ReasonOK,
		Remaining: res.Remaining,
		ResetAt:   res.ResetAt,
		Limit:     res.Limit,
	}
	if !res.Allowed {
		d.Reason = ReasonRateLimited
		if ra := int(res.ResetAt - p.clock().Unix()); ra > 0 {
			d.RetryAfter = ra
		}
		return p.deny(ctx, env, identifier, d), nil
	}

	// Step 6: burst detection; a hit flips the decision to banned.
	if fired, retryAfter := p.detectAbuse(ctx, identifier); fired {
		d.Allowed = false
		d.Reason = ReasonBanned
		d.Remaining = 0
		d.RetryAfter = retryAfter
		return p.deny(ctx, env, identifier, d), nil
	}

	// Step 7: allowed requests are logged only when configured.
	if p.logAll {
		p.writeLog(ctx, env, identifier, d)
	}
	return d, nil
}

// deny finalizes a denied decision, writing the log entry unless the caller
// already abandoned the request.
func (p *Pipeline) deny(ctx context.Context, env Envelope, identifier string, d Decision) Decision {
	d.Allowed = false
	p.writeLog(ctx, env, identifier, d)
	return d
}

func (p *Pipeline) writeLog(ctx context.Context, env Envelope, identifier string, d Decision) {
	// Cancellation means abandonment: no decision log. Any auto-ban created
	// before this point is already durable.
	if ctx.Err() != nil {
		return
	}
	if identifier == "" {
		identifier = env.Address
	}
	if identifier == "" {
		identifier = "unknown"
	}
	err := p.logs.Log(ctx, requestlog.Entry{
		Identifier: identifier,
		Path:       env.Path,
		Method:     env.Method,
		Allowed:    d.Allowed,
		Reason:     d.Reason,
		Country:    env.Country,
		UserAgent:  env.UserAgent,
	})
	if err != nil {
		log.Error().Err(err).Str("identifier", identifier).Msg("decision log write failed")
	}
}
