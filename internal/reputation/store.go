// Package reputation classifies network addresses (residential, proxy, VPN,
// Tor, hosting) from cached state, manual blocks, the Tor exit list, ASN
// heuristics, and external providers.
package reputation

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/skywalker-88/stormkeep/internal/store"
)

// Classification sources.
const (
	SourceCache     = "cache"
	SourceHeuristic = "heuristic"
	SourceProvider  = "provider"
	SourceManual    = "manual"
	SourceTorList   = "tor_list"
)

// Manual block kinds.
const (
	KindAddress = "address"
	KindASN     = "asn"
	KindCIDR    = "cidr"
)

// Record is one address's classification. The five flags are mutually
// exclusive at classification time but stored as independent bits.
type Record struct {
	Address     string
	Proxy       bool
	VPN         bool
	Tor         bool
	Hosting     bool
	Residential bool
	Confidence  int
	Reason      string
	Source      string
	ASN         *int
	ASNOrg      string
	Country     string
	CheckedAt   time.Time
	ExpiresAt   time.Time
}

// Type collapses the flag bits to the single classification name.
func (r *Record) Type() string {
	switch {
	case r.Tor:
		return "tor"
	case r.VPN:
		return "vpn"
	case r.Proxy:
		return "proxy"
	case r.Hosting:
		return "hosting"
	case r.Residential:
		return "residential"
	default:
		return "unknown"
	}
}

type AsnInfo struct {
	ASN       int
	OrgName   string
	Hosting   bool
	VPN       bool
	Country   string
	ExpiresAt time.Time
}

type ManualBlock struct {
	ID         string
	Identifier string
	Kind       string
	Reason     string
	BlockedBy  string
	BlockedAt  time.Time
	ExpiresAt  *time.Time
}

// Store is the data-access layer for the reputation tables. All reads are
// TTL-filtered at the query boundary.
type Store struct {
	db    *sqlx.DB
	clock func() time.Time
}

func NewStore(db *sqlx.DB) *Store {
	return &Store{db: db, clock: time.Now}
}

func (s *Store) WithClock(clock func() time.Time) *Store {
	s.clock = clock
	return s
}

// ---- reputation cache ----

type repRow struct {
	Address     string  `db:"address"`
	Proxy       bool    `db:"is_proxy"`
	VPN         bool    `db:"is_vpn"`
	Tor         bool    `db:"is_tor"`
	Hosting     bool    `db:"is_hosting"`
	Residential bool    `db:"is_residential"`
	Confidence  int     `db:"confidence"`
	Reason      string  `db:"reason"`
	Source      string  `db:"source"`
	ASN         *int    `db:"asn"`
	ASNOrg      *string `db:"asn_org"`
	Country     *string `db:"country"`
	CheckedAt   string  `db:"checked_at"`
	ExpiresAt   string  `db:"expires_at"`
}

func (s *Store) GetReputation(ctx context.Context, address string) (*Record, error) {
	now := store.FormatTime(s.clock())
	var row repRow
	err := s.db.GetContext(ctx, &row, `
		SELECT address, is_proxy, is_vpn, is_tor, is_hosting, is_residential,
		       confidence, reason, source, asn, asn_org, country, checked_at, expires_at
		FROM ip_reputation
		WHERE address = ? AND expires_at > ?`, address, now)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	checkedAt, err := store.ParseTime(row.CheckedAt)
	if err != nil {
		return nil, err
	}
	expiresAt, err := store.ParseTime(row.ExpiresAt)
	if err != nil {
		return nil, err
	}
	rec := &Record{
		Address:     row.Address,
		Proxy:       row.Proxy,
		VPN:         row.VPN,
		Tor:         row.Tor,
		Hosting:     row.Hosting,
		Residential: row.Residential,
		Confidence:  row.Confidence,
		Reason:      row.Reason,
		Source:      row.Source,
		ASN:         row.ASN,
		CheckedAt:   checkedAt,
		ExpiresAt:   expiresAt,
	}
	if row.ASNOrg != nil {
		rec.ASNOrg = *row.ASNOrg
	}
	if row.Country != nil {
		rec.Country = *row.Country
	}
	return rec, nil
}

func (s *Store) UpsertReputation(ctx context.Context, rec *Record, ttl time.Duration) error {
	now := s.clock().UTC().Truncate(time.Second)
	rec.CheckedAt = now
	rec.ExpiresAt = now.Add(ttl)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO ip_reputation
			(address, is_proxy, is_vpn, is_tor, is_hosting, is_residential,
			 confidence, reason, source, asn, asn_org, country, checked_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (address) DO UPDATE SET
			is_proxy = excluded.is_proxy, is_vpn = excluded.is_vpn,
			is_tor = excluded.is_tor, is_hosting = excluded.is_hosting,
			is_residential = excluded.is_residential,
			confidence = excluded.confidence, reason = excluded.reason,
			source = excluded.source, asn = excluded.asn, asn_org = excluded.asn_org,
			country = excluded.country, checked_at = excluded.checked_at,
			expires_at = excluded.expires_at`,
		rec.Address, rec.Proxy, rec.VPN, rec.Tor, rec.Hosting, rec.Residential,
		rec.Confidence, rec.Reason, rec.Source, rec.ASN,
		nullable(rec.ASNOrg), nullable(rec.Country),
		store.FormatTime(rec.CheckedAt), store.FormatTime(rec.ExpiresAt))
	return err
}

func nullable(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}

// ---- ASN cache ----

func (s *Store) GetAsn(ctx context.Context, asn int) (*AsnInfo, error) {
	now := store.FormatTime(s.clock())
	type asnRow struct {
		ASN       int     `db:"asn"`
		OrgName   string  `db:"org_name"`
		Hosting   bool    `db:"is_hosting"`
		VPN       bool    `db:"is_vpn"`
		Country   *string `db:"country"`
		ExpiresAt string  `db:"expires_at"`
	}
	var row asnRow
	err := s.db.GetContext(ctx, &row, `
		SELECT asn, org_name, is_hosting, is_vpn, country, expires_at
		FROM asn_cache WHERE asn = ? AND expires_at > ?`, asn, now)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	expiresAt, err := store.ParseTime(row.ExpiresAt)
	if err != nil {
		return nil, err
	}
	info := &AsnInfo{ASN: row.ASN, OrgName: row.OrgName, Hosting: row.Hosting, VPN: row.VPN, ExpiresAt: expiresAt}
	if row.Country != nil {
		info.Country = *row.Country
	}
	return info, nil
}

func (s *Store) UpsertAsn(ctx context.Context, info AsnInfo, ttl time.Duration) error {
	exp := s.clock().Add(ttl)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO asn_cache (asn, org_name, is_hosting, is_vpn, country, expires_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (asn) DO UPDATE SET
			org_name = excluded.org_name, is_hosting = excluded.is_hosting,
			is_vpn = excluded.is_vpn, country = excluded.country,
			expires_at = excluded.expires_at`,
		info.ASN, info.OrgName, info.Hosting, info.VPN, nullable(info.Country),
		store.FormatTime(exp))
	return err
}

// ---- Tor exits ----

func (s *Store) IsTorExit(ctx context.Context, address string) (bool, error) {
	var n int
	err := s.db.GetContext(ctx, &n,
		`SELECT COUNT(*) FROM tor_exits WHERE address = ? AND is_exit = 1`, address)
	return n > 0, err
}

// SyncTorExits bulk-upserts the fetched list in one transaction, stamping
// last_seen on every address.
func (s *Store) SyncTorExits(ctx context.Context, addresses []string) error {
	now := store.FormatTime(s.clock())
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	for _, addr := range addresses {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO tor_exits (address, first_seen, last_seen, is_exit)
			VALUES (?, ?, ?, 1)
			ON CONFLICT (address) DO UPDATE SET last_seen = excluded.last_seen, is_exit = 1`,
			addr, now, now); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *Store) TorExitCount(ctx context.Context) (int, error) {
	var n int
	err := s.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM tor_exits WHERE is_exit = 1`)
	return n, err
}

// ---- manual blocks ----

type blockRow struct {
	ID         string  `db:"id"`
	Identifier string  `db:"identifier"`
	Kind       string  `db:"kind"`
	Reason     string  `db:"reason"`
	BlockedBy  string  `db:"blocked_by"`
	BlockedAt  string  `db:"blocked_at"`
	ExpiresAt  *string `db:"expires_at"`
}

func (r blockRow) toBlock() (*ManualBlock, error) {
	blockedAt, err := store.ParseTime(r.BlockedAt)
	if err != nil {
		return nil, err
	}
	expiresAt, err := store.ParseNullTime(r.ExpiresAt)
	if err != nil {
		return nil, err
	}
	return &ManualBlock{
		ID:         r.ID,
		Identifier: r.Identifier,
		Kind:       r.Kind,
		Reason:     r.Reason,
		BlockedBy:  r.BlockedBy,
		BlockedAt:  blockedAt,
		ExpiresAt:  expiresAt,
	}, nil
}

func (s *Store) GetManualBlock(ctx context.Context, identifier, kind string) (*ManualBlock, error) {
	now := store.FormatTime(s.clock())
	var row blockRow
	err := s.db.GetContext(ctx, &row, `
		SELECT id, identifier, kind, reason, blocked_by, blocked_at, expires_at
		FROM manual_blocks
		WHERE identifier = ? AND kind = ? AND (expires_at IS NULL OR expires_at > ?)`,
		identifier, kind, now)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return row.toBlock()
}

func (s *Store) AddManualBlock(ctx context.Context, identifier, kind, reason, blockedBy string, expiresAt *time.Time) (*ManualBlock, error) {
	if identifier == "" {
		return nil, store.Validationf("identifier required")
	}
	switch kind {
	case KindAddress, KindASN, KindCIDR:
	default:
		return nil, store.Validationf("kind must be address, asn, or cidr")
	}
	if kind == KindCIDR {
		if _, _, _, ok := parseCIDR(identifier); !ok {
			return nil, store.Validationf("invalid CIDR: %q", identifier)
		}
	}
	if blockedBy == "" {
		blockedBy = "admin"
	}
	b := &ManualBlock{
		ID:         uuid.NewString(),
		Identifier: identifier,
		Kind:       kind,
		Reason:     reason,
		BlockedBy:  blockedBy,
		BlockedAt:  s.clock().UTC().Truncate(time.Second),
		ExpiresAt:  expiresAt,
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO manual_blocks (id, identifier, kind, reason, blocked_by, blocked_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (identifier, kind) DO UPDATE SET
			reason = excluded.reason, blocked_by = excluded.blocked_by,
			blocked_at = excluded.blocked_at, expires_at = excluded.expires_at`,
		b.ID, b.Identifier, b.Kind, b.Reason, b.BlockedBy,
		store.FormatTime(b.BlockedAt), store.FormatNullTime(b.ExpiresAt))
	if err != nil {
		return nil, err
	}
	return b, nil
}

func (s *Store) RemoveManualBlock(ctx context.Context, identifier, kind string) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM manual_blocks WHERE identifier = ? AND kind = ?`, identifier, kind)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) ListManualBlocks(ctx context.Context) ([]*ManualBlock, error) {
	var rows []blockRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT id, identifier, kind, reason, blocked_by, blocked_at, expires_at
		FROM manual_blocks ORDER BY blocked_at DESC, id`)
	if err != nil {
		return nil, err
	}
	out := make([]*ManualBlock, 0, len(rows))
	for _, row := range rows {
		b, err := row.toBlock()
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, nil
}

func (s *Store) ActiveCidrBlocks(ctx context.Context) ([]*ManualBlock, error) {
	now := store.FormatTime(s.clock())
	var rows []blockRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT id, identifier, kind, reason, blocked_by, blocked_at, expires_at
		FROM manual_blocks
		WHERE kind = ? AND (expires_at IS NULL OR expires_at > ?)`, KindCIDR, now)
	if err != nil {
		return nil, err
	}
	out := make([]*ManualBlock, 0, len(rows))
	for _, row := range rows {
		b, err := row.toBlock()
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, nil
}

// ---- provider cache ----

func (s *Store) GetProviderCached(ctx context.Context, address, provider string) (string, bool, error) {
	now := store.FormatTime(s.clock())
	var raw string
	err := s.db.GetContext(ctx, &raw, `
		SELECT raw_response FROM provider_cache
		WHERE address = ? AND provider = ? AND expires_at > ?`, address, provider, now)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return raw, true, nil
}

func (s *Store) SetProviderCached(ctx context.Context, address, provider, raw string, ttl time.Duration) error {
	exp := store.FormatTime(s.clock().Add(ttl))
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO provider_cache (address, provider, raw_response, expires_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (address, provider) DO UPDATE SET
			raw_response = excluded.raw_response, expires_at = excluded.expires_at`,
		address, provider, raw, exp)
	return err
}

// ---- daily stats ----

func (s *Store) IncrementStat(ctx context.Context, name string, n int) error {
	day := s.clock().UTC().Format("2006-01-02")
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO daily_stats (day, name, value) VALUES (?, ?, ?)
		ON CONFLICT (day, name) DO UPDATE SET value = value + excluded.value`,
		day, name, n)
	return err
}

func (s *Store) AggregateStats(ctx context.Context) (map[string]int, error) {
	type statRow struct {
		Name  string `db:"name"`
		Total int    `db:"total"`
	}
	var rows []statRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT name, SUM(value) AS total FROM daily_stats GROUP BY name`)
	if err != nil {
		return nil, err
	}
	out := make(map[string]int, len(rows))
	for _, r := range rows {
		out[r.Name] = r.Total
	}
	return out, nil
}

// Cleanup expires cached reputation, ASN rows, provider responses, expired
// manual blocks, and stats older than 90 days.
func (s *Store) Cleanup(ctx context.Context) (int64, error) {
	now := store.FormatTime(s.clock())
	var total int64
	for _, q := range []struct {
		query string
		arg   string
	}{
		{`DELETE FROM ip_reputation WHERE expires_at <= ?`, now},
		{`DELETE FROM asn_cache WHERE expires_at <= ?`, now},
		{`DELETE FROM provider_cache WHERE expires_at <= ?`, now},
		{`DELETE FROM manual_blocks WHERE expires_at IS NOT NULL AND expires_at <= ?`, now},
		{`DELETE FROM daily_stats WHERE day < ?`, s.clock().UTC().AddDate(0, 0, -90).Format("2006-01-02")},
	} {
		res, err := s.db.ExecContext(ctx, q.query, q.arg)
		if err != nil {
			return total, err
		}
		n, _ := res.RowsAffected()
		total += n
	}
	return total, nil
}
