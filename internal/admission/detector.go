package admission

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/skywalker-88/stormkeep/pkg/metrics"
)

// detectAbuse applies the burst rules to the identifier and creates a system
// auto-ban when one fires. Returns whether it fired and the ban's retry-after
// in seconds. Auto-ban creation must not fail silently: on store error the
// detector reports not-fired and the request stays allowed.
func (p *Pipeline) detectAbuse(ctx context.Context, identifier string) (bool, int) {
	window := p.abuse.BurstWindowSeconds
	logged, err := p.logs.CountInWindow(ctx, identifier, window)
	if err != nil {
		log.Error().Err(err).Str("identifier", identifier).Msg("burst count failed")
		return false, 0
	}
	// The request being decided is not in the log yet.
	current := logged + 1

	// Absolute rule.
	if current >= p.abuse.BurstThreshold {
		reason := fmt.Sprintf("Burst detection: %d requests in %ds", current, window)
		return p.autoban(ctx, identifier, reason)
	}

	// Baseline rule: short-window rate vs the hourly baseline. The burst
	// window is excluded from the baseline so a burst cannot inflate its own
	// reference rate, and the in-flight request is excluded from the short
	// rate so a lone request never reads as a spike.
	hourly, err := p.logs.CountInWindow(ctx, identifier, 3600)
	if err != nil {
		log.Error().Err(err).Str("identifier", identifier).Msg("baseline query failed")
		return false, 0
	}
	baseline := float64(hourly-logged) / 60.0
	currentRate := float64(logged) / (float64(window) / 60.0)
	if baseline > 0 && currentRate > baseline*p.abuse.BurstMultiplier {
		reason := fmt.Sprintf("Baseline spike: %.1f req/min vs baseline %.1f", currentRate, baseline)
		return p.autoban(ctx, identifier, reason)
	}

	return false, 0
}

func (p *Pipeline) autoban(ctx context.Context, identifier, reason string) (bool, int) {
	ban, err := p.bans.CreateAutoBan(ctx, identifier, reason)
	if err != nil {
		log.Error().Err(err).Str("identifier", identifier).Msg("auto-ban creation failed; allowing request")
		return false, 0
	}
	metrics.Autobans.Inc()
	log.Warn().Str("identifier", identifier).Str("reason", reason).Msg("auto-ban created")

	retryAfter := 0
	if ban.ExpiresAt != nil {
		if ra := int(ban.ExpiresAt.Sub(p.clock()).Seconds()); ra > 0 {
			retryAfter = ra
		}
	}
	return true, retryAfter
}
