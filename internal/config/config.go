// Package config loads the scanner's environment-prefixed configuration
// into typed structs validated before anything starts.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// envPrefix namespaces every key the scanner reads.
const envPrefix = "SCANNER_"

// Config is the full scanner configuration tree.
type Config struct {
	Exchange string
	Symbols  []string

	Scan    ScanConfig
	Adapter AdapterConfig
	Scoring ScoringConfig
	Control ControlConfig
	Persist PersistConfig
	HTTP    HTTPConfig

	LogFormat string
}

// ScanConfig tunes the cycle loop.
type ScanConfig struct {
	Interval       time.Duration
	Concurrency    int
	TopByQvol      int
	TopNDefault    int
	ProfileDefault string
	IncludeCarry   bool
}

// AdapterConfig tunes the market data adapter policy.
type AdapterConfig struct {
	Timeout         time.Duration
	MaxFailures     int
	Cooldown        time.Duration
	MarketsCacheTTL time.Duration
	RatePerSec      float64
}

// ScoringConfig holds the gate thresholds and test notional.
type ScoringConfig struct {
	MinQvolUSDT  float64
	MaxSpreadBps float64
	NotionalTest float64
}

// ControlConfig covers the admin surface and SLA thresholds.
type ControlConfig struct {
	AdminAPIToken         string
	SLAWarnMultiplier     float64
	SLACriticalMultiplier float64
}

// PersistConfig wires the storage and delivery collaborators.
type PersistConfig struct {
	PostgresDSN   string
	RedisAddr     string
	CacheTTL      time.Duration
	WebhookURL    string
	PubSubChannel string
	RulesFile     string
}

// HTTPConfig is the inbound listener.
type HTTPConfig struct {
	Addr string
}

// Load reads the environment into a Config with defaults applied. It does
// not validate; callers run Validate before using the result.
func Load() Config {
	cfg := Config{
		Exchange: envString("EXCHANGE", "bybit"),
		Symbols:  envList("SYMBOLS"),
		Scan: ScanConfig{
			Interval:       envSeconds("SCAN_INTERVAL_SEC", 30),
			Concurrency:    envInt("SCAN_CONCURRENCY", 8),
			TopByQvol:      envInt("SCAN_TOP_BY_QVOL", 80),
			TopNDefault:    envInt("TOPN_DEFAULT", 25),
			ProfileDefault: envString("PROFILE_DEFAULT", "scalp"),
			IncludeCarry:   envBool("INCLUDE_CARRY", true),
		},
		Adapter: AdapterConfig{
			Timeout:         envSeconds("ADAPTER_TIMEOUT_SEC", 5),
			MaxFailures:     envInt("ADAPTER_MAX_FAILURES", 5),
			Cooldown:        envSeconds("ADAPTER_COOLDOWN_SEC", 30),
			MarketsCacheTTL: envSeconds("MARKETS_CACHE_TTL_SEC", 600),
			RatePerSec:      envFloat("ADAPTER_RATE_PER_SEC", 20),
		},
		Scoring: ScoringConfig{
			MinQvolUSDT:  envFloat("MIN_QVOL_USDT", 25e6),
			MaxSpreadBps: envFloat("MAX_SPREAD_BPS", 25),
			NotionalTest: envFloat("NOTIONAL_TEST", 10000),
		},
		Control: ControlConfig{
			AdminAPIToken:         envString("ADMIN_API_TOKEN", ""),
			SLAWarnMultiplier:     envFloat("SCAN_SLA_WARN_MULTIPLIER", 2),
			SLACriticalMultiplier: envFloat("SCAN_SLA_CRITICAL_MULTIPLIER", 4),
		},
		Persist: PersistConfig{
			PostgresDSN:   envString("POSTGRES_DSN", ""),
			RedisAddr:     envString("REDIS_ADDR", ""),
			CacheTTL:      envSeconds("CACHE_TTL_SEC", 120),
			WebhookURL:    envString("WEBHOOK_URL", ""),
			PubSubChannel: envString("PUBSUB_CHANNEL", "scanner.signals"),
			RulesFile:     envString("RULES_FILE", ""),
		},
		HTTP: HTTPConfig{
			Addr: envString("HTTP_ADDR", ":8090"),
		},
		LogFormat: envString("LOG_FORMAT", "console"),
	}
	return cfg
}

// Validate cascades through the sub-configs and returns the first
// descriptive error. A failed validation is fatal at startup.
func (c Config) Validate() error {
	if c.Exchange == "" {
		return fmt.Errorf("config: exchange must not be empty")
	}
	if err := c.Scan.Validate(); err != nil {
		return err
	}
	if err := c.Adapter.Validate(); err != nil {
		return err
	}
	if err := c.Scoring.Validate(); err != nil {
		return err
	}
	if err := c.Control.Validate(); err != nil {
		return err
	}
	return nil
}

func (c ScanConfig) Validate() error {
	if c.Interval <= 0 {
		return fmt.Errorf("config: scan_interval_sec must be positive")
	}
	if c.Concurrency <= 0 {
		return fmt.Errorf("config: scan_concurrency must be positive")
	}
	if c.TopNDefault <= 0 {
		return fmt.Errorf("config: topn_default must be positive")
	}
	switch c.ProfileDefault {
	case "scalp", "swing", "news":
	default:
		return fmt.Errorf("config: unknown profile_default %q", c.ProfileDefault)
	}
	return nil
}

func (c AdapterConfig) Validate() error {
	if c.Timeout <= 0 {
		return fmt.Errorf("config: adapter_timeout_sec must be positive")
	}
	if c.MaxFailures <= 0 {
		return fmt.Errorf("config: adapter_max_failures must be positive")
	}
	if c.Cooldown <= 0 {
		return fmt.Errorf("config: adapter_cooldown_sec must be positive")
	}
	return nil
}

func (c ScoringConfig) Validate() error {
	if c.MinQvolUSDT < 0 {
		return fmt.Errorf("config: min_qvol_usdt must not be negative")
	}
	if c.MaxSpreadBps <= 0 {
		return fmt.Errorf("config: max_spread_bps must be positive")
	}
	if c.NotionalTest < 0 {
		return fmt.Errorf("config: notional_test must not be negative")
	}
	return nil
}

func (c ControlConfig) Validate() error {
	if c.SLAWarnMultiplier <= 0 || c.SLACriticalMultiplier <= 0 {
		return fmt.Errorf("config: SLA multipliers must be positive")
	}
	if c.SLACriticalMultiplier < c.SLAWarnMultiplier {
		return fmt.Errorf("config: sla_critical_multiplier must be >= sla_warn_multiplier")
	}
	return nil
}

// RuleDef is one rule entry from the optional YAML rules file.
type RuleDef struct {
	Name       string `yaml:"name"`
	Expression string `yaml:"expression"`
	Scope      string `yaml:"scope"`
}

// RulesFile is the document shape of the rules file.
type RulesFile struct {
	Rules []RuleDef `yaml:"rules"`
}

// LoadRules reads the YAML rules file. A missing path is not an error; an
// unreadable or malformed file is.
func LoadRules(path string) ([]RuleDef, error) {
	if path == "" {
		return nil, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: failed to read rules file %s: %w", path, err)
	}
	var doc RulesFile
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("config: failed to parse rules file %s: %w", path, err)
	}
	for i := range doc.Rules {
		if doc.Rules[i].Scope == "" {
			doc.Rules[i].Scope = "*"
		}
	}
	return doc.Rules, nil
}

func envString(key, fallback string) string {
	if v, ok := os.LookupEnv(envPrefix + key); ok {
		return v
	}
	return fallback
}

func envList(key string) []string {
	v := envString(key, "")
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func envInt(key string, fallback int) int {
	v := envString(key, "")
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func envFloat(key string, fallback float64) float64 {
	v := envString(key, "")
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fallback
	}
	return f
}

func envBool(key string, fallback bool) bool {
	v := envString(key, "")
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func envSeconds(key string, fallbackSec int) time.Duration {
	return time.Duration(envInt(key, fallbackSec)) * time.Second
}
