package config

import (
	"os"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

type Server struct {
	Addr       string `yaml:"addr"`
	AdminToken string `yaml:"admin_token"`
}

type Database struct {
	Path string `yaml:"path"`
}

type Redis struct {
	Addr     string `yaml:"addr"`
	DB       int    `yaml:"db"`
	Password string `yaml:"password"`
}

// Limit is the global default rate-limit policy. Per-key policies come
// from the key registry and override limit/window but not sliding.
type Limit struct {
	Limit         int  `yaml:"limit"`
	WindowSeconds int  `yaml:"window_seconds"`
	Sliding       bool `yaml:"sliding"`
}

type Abuse struct {
	BurstThreshold     int     `yaml:"burst_threshold"`
	BurstWindowSeconds int     `yaml:"burst_window_seconds"`
	BurstMultiplier    float64 `yaml:"burst_multiplier"`
	AutobanSeconds     int     `yaml:"autoban_seconds"`
}

type Geo struct {
	Enabled          bool     `yaml:"enabled"`
	BlockedCountries []string `yaml:"blocked_countries"`
}

type Tor struct {
	Enabled             bool   `yaml:"enabled"`
	URL                 string `yaml:"url"`
	IntervalSeconds     int    `yaml:"interval_seconds"`
	FetchTimeoutSeconds int    `yaml:"fetch_timeout_seconds"`
	FetchOnStart        bool   `yaml:"fetch_on_start"`
}

type Providers struct {
	TimeoutMs    int    `yaml:"timeout_ms"`
	IPInfoToken  string `yaml:"ipinfo_token"`
	AbuseIPDBKey string `yaml:"abuseipdb_key"`
}

type Reputation struct {
	IPTTLSeconds int       `yaml:"ip_ttl_seconds"`
	Tor          Tor       `yaml:"tor"`
	Providers    Providers `yaml:"providers"`
}

type Config struct {
	Server           Server     `yaml:"server"`
	Database         Database   `yaml:"database"`
	Redis            Redis      `yaml:"redis"`
	Default          Limit      `yaml:"default_limit"`
	Abuse            Abuse      `yaml:"abuse"`
	Geo              Geo        `yaml:"geo"`
	Reputation       Reputation `yaml:"reputation"`
	LogAllRequests   bool       `yaml:"log_all_requests"`
	JanitorSeconds   int        `yaml:"janitor_seconds"`
	LogRetentionDays int        `yaml:"log_retention_days"`
}

func Load(path string) (*Config, error) {
	k := koanf.New(".")
	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		return nil, err
	}
	var cfg Config
	if err := k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{Tag: "yaml"}); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	return &cfg, nil
}

// Defaults returns a config usable without any file (tests, local runs).
func Defaults() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.Server.Addr == "" {
		c.Server.Addr = ":8080"
	}
	if c.Database.Path == "" {
		c.Database.Path = "stormkeep.db"
	}
	if c.Default.Limit <= 0 {
		c.Default.Limit = 100
	}
	if c.Default.WindowSeconds <= 0 {
		c.Default.WindowSeconds = 60
	}
	if c.Abuse.BurstThreshold <= 0 {
		c.Abuse.BurstThreshold = 50
	}
	if c.Abuse.BurstWindowSeconds <= 0 {
		c.Abuse.BurstWindowSeconds = 10
	}
	if c.Abuse.BurstMultiplier <= 0 {
		c.Abuse.BurstMultiplier = 5
	}
	if c.Abuse.AutobanSeconds <= 0 {
		c.Abuse.AutobanSeconds = 3600
	}
	if c.Reputation.IPTTLSeconds <= 0 {
		c.Reputation.IPTTLSeconds = 3600
	}
	if c.Reputation.Tor.URL == "" {
		c.Reputation.Tor.URL = "https://check.torproject.org/torbulkexitlist"
	}
	if c.Reputation.Tor.IntervalSeconds <= 0 {
		c.Reputation.Tor.IntervalSeconds = 3600
	}
	if c.Reputation.Tor.FetchTimeoutSeconds <= 0 {
		c.Reputation.Tor.FetchTimeoutSeconds = 10
	}
	if c.Reputation.Providers.TimeoutMs <= 0 {
		c.Reputation.Providers.TimeoutMs = 5000
	}
	if c.JanitorSeconds <= 0 {
		c.JanitorSeconds = 600
	}
	if c.LogRetentionDays <= 0 {
		c.LogRetentionDays = 30
	}
}

func MustEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
