package reputation

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/skywalker-88/stormkeep/internal/reputation/providers"
	"github.com/skywalker-88/stormkeep/pkg/metrics"
)

// Engine runs the layered classification pipeline:
// cache → manual block → Tor list → ASN heuristic → providers → fallback.
type Engine struct {
	store      *Store
	asn        *providers.FreeASN
	providers  []providers.Provider
	torEnabled bool
	ipTTL      time.Duration
	asnTTL     time.Duration
	clock      func() time.Time
}

type EngineConfig struct {
	TorEnabled bool
	IPTTL      time.Duration
}

func NewEngine(st *Store, asn *providers.FreeASN, chain []providers.Provider, cfg EngineConfig) *Engine {
	if cfg.IPTTL <= 0 {
		cfg.IPTTL = time.Hour
	}
	return &Engine{
		store:      st,
		asn:        asn,
		providers:  chain,
		torEnabled: cfg.TorEnabled,
		ipTTL:      cfg.IPTTL,
		asnTTL:     24 * time.Hour,
		clock:      time.Now,
	}
}

func (e *Engine) WithClock(clock func() time.Time) *Engine {
	e.clock = clock
	return e
}

// Classify never fails: store errors collapse to the unknown-confidence-30
// fallback with an error log.
func (e *Engine) Classify(ctx context.Context, address string, bypassCache bool) *Record {
	_ = e.store.IncrementStat(ctx, "check", 1)

	if !bypassCache {
		rec, err := e.store.GetReputation(ctx, address)
		if err != nil {
			log.Error().Err(err).Str("address", address).Msg("reputation cache read failed")
		} else if rec != nil {
			rec.Source = SourceCache
			_ = e.store.IncrementStat(ctx, "cache_hit", 1)
			metrics.Classifications.WithLabelValues(rec.Type(), SourceCache).Inc()
			return rec
		}
	}

	rec := e.classify(ctx, address)
	e.finish(ctx, address, rec)
	return rec
}

func (e *Engine) classify(ctx context.Context, address string) *Record {
	// Manual block on the exact address.
	if mb, err := e.store.GetManualBlock(ctx, address, KindAddress); err != nil {
		log.Error().Err(err).Str("address", address).Msg("manual block lookup failed")
	} else if mb != nil {
		return &Record{
			Address:    address,
			Proxy:      true,
			Confidence: 100,
			Reason:     "Manually blocked: " + mb.Reason,
			Source:     SourceManual,
		}
	}

	// Manual CIDR blocks.
	if blocks, err := e.store.ActiveCidrBlocks(ctx); err != nil {
		log.Error().Err(err).Str("address", address).Msg("cidr block scan failed")
	} else {
		for _, b := range blocks {
			if CIDRContains(b.Identifier, address) {
				return &Record{
					Address:    address,
					Proxy:      true,
					Confidence: 100,
					Reason:     "Manually blocked range " + b.Identifier + ": " + b.Reason,
					Source:     SourceManual,
				}
			}
		}
	}

	// Tor exit list.
	if e.torEnabled {
		if isExit, err := e.store.IsTorExit(ctx, address); err != nil {
			log.Error().Err(err).Str("address", address).Msg("tor lookup failed")
		} else if isExit {
			return &Record{
				Address:    address,
				Tor:        true,
				Confidence: 100,
				Reason:     "Tor exit node",
				Source:     SourceTorList,
			}
		}
	}

	// ASN heuristic. The free adapter is always consulted here: ASN data is
	// cheap and the layer works without any paid provider configured.
	if rec := e.classifyByASN(ctx, address); rec != nil {
		return rec
	}

	// Provider chain, priority order, first positive indicator wins.
	for _, p := range e.providers {
		res := e.consult(ctx, p, address)
		if res == nil {
			continue
		}
		if res.Positive() {
			return recordFromProvider(address, p.Name(), res)
		}
	}

	return &Record{
		Address:    address,
		Confidence: 30,
		Reason:     "No reputation data available",
		Source:     SourceHeuristic,
	}
}

// classifyByASN resolves the address's ASN and applies the manual-block and
// known-hosting/VPN rules. Returns nil when no ASN could be determined, which
// hands the pipeline on to the provider chain.
func (e *Engine) classifyByASN(ctx context.Context, address string) *Record {
	res := e.consult(ctx, e.asn, address)
	if res == nil || res.ASN == nil {
		return nil
	}
	asn := *res.ASN

	if mb, err := e.store.GetManualBlock(ctx, strconv.Itoa(asn), KindASN); err == nil && mb != nil {
		return &Record{
			Address:    address,
			Proxy:      true,
			Confidence: 100,
			Reason:     "Manually blocked ASN " + strconv.Itoa(asn) + ": " + mb.Reason,
			Source:     SourceManual,
			ASN:        res.ASN,
			ASNOrg:     res.ASNOrg,
			Country:    res.Country,
		}
	}

	known, err := e.store.GetAsn(ctx, asn)
	if err != nil {
		log.Error().Err(err).Int("asn", asn).Msg("asn cache read failed")
	}
	if known == nil {
		// First sighting: cache the metadata so admin tooling sees it.
		_ = e.store.UpsertAsn(ctx, AsnInfo{
			ASN:     asn,
			OrgName: res.ASNOrg,
			Country: res.Country,
		}, e.asnTTL)
	}

	base := Record{Address: address, ASN: res.ASN, ASNOrg: res.ASNOrg, Country: res.Country}
	if known != nil && known.Hosting {
		base.Hosting = true
		base.Confidence = 85
		base.Reason = "Known hosting provider: " + known.OrgName
		base.Source = SourceHeuristic
		return &base
	}
	if known != nil && known.VPN {
		base.VPN = true
		base.Confidence = 85
		base.Reason = "Known VPN provider: " + known.OrgName
		base.Source = SourceHeuristic
		return &base
	}

	base.Residential = true
	base.Confidence = 60
	base.Reason = "No hosting or VPN indicators for ASN " + strconv.Itoa(asn)
	base.Source = SourceHeuristic
	return &base
}

// consult runs one provider with the centralized cache in front of it. Errors
// are swallowed: a misbehaving provider never stalls the pipeline.
func (e *Engine) consult(ctx context.Context, p providers.Provider, address string) *providers.Result {
	if raw, ok, err := e.store.GetProviderCached(ctx, address, p.Name()); err == nil && ok {
		var res providers.Result
		if json.Unmarshal([]byte(raw), &res) == nil {
			metrics.ProviderCalls.WithLabelValues(p.Name(), "cached").Inc()
			return &res
		}
	}
	res, err := p.Check(ctx, address)
	if err != nil {
		metrics.ProviderCalls.WithLabelValues(p.Name(), "error").Inc()
		log.Warn().Err(err).Str("provider", p.Name()).Str("address", address).Msg("provider check failed")
		return nil
	}
	if res == nil {
		metrics.ProviderCalls.WithLabelValues(p.Name(), "miss").Inc()
		return nil
	}
	metrics.ProviderCalls.WithLabelValues(p.Name(), "hit").Inc()
	if buf, err := json.Marshal(res); err == nil {
		_ = e.store.SetProviderCached(ctx, address, p.Name(), string(buf), e.ipTTL)
	}
	return res
}

func recordFromProvider(address, provider string, res *providers.Result) *Record {
	rec := &Record{
		Address:    address,
		Confidence: res.Confidence,
		Source:     SourceProvider,
		ASN:        res.ASN,
		ASNOrg:     res.ASNOrg,
		Country:    res.Country,
	}
	// Single-type collapse: Tor wins over VPN over proxy over hosting.
	switch {
	case res.Tor:
		rec.Tor = true
		rec.Reason = "Tor detected by " + provider
	case res.VPN:
		rec.VPN = true
		rec.Reason = "VPN detected by " + provider
	case res.Proxy:
		rec.Proxy = true
		rec.Reason = "Proxy detected by " + provider
	default:
		rec.Hosting = true
		rec.Reason = "Hosting detected by " + provider
	}
	return rec
}

// finish write-throughs the record, bumps stats, and emits the decision log.
func (e *Engine) finish(ctx context.Context, address string, rec *Record) {
	if err := e.store.UpsertReputation(ctx, rec, e.ipTTL); err != nil {
		log.Error().Err(err).Str("address", address).Msg("reputation write-through failed")
	}
	typ := rec.Type()
	_ = e.store.IncrementStat(ctx, "classified_"+typ, 1)
	metrics.Classifications.WithLabelValues(typ, rec.Source).Inc()

	ev := log.Debug()
	if rec.Proxy || rec.VPN || rec.Tor || rec.Hosting {
		ev = log.Warn()
	}
	ev.Str("address", address).
		Str("type", typ).
		Str("source", rec.Source).
		Int("confidence", rec.Confidence).
		Msg("address classified")
}
