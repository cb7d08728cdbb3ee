package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg := Load()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "bybit", cfg.Exchange)
	assert.Equal(t, 30*time.Second, cfg.Scan.Interval)
	assert.Equal(t, "scalp", cfg.Scan.ProfileDefault)
	assert.Equal(t, 25e6, cfg.Scoring.MinQvolUSDT)
	assert.Equal(t, 10000.0, cfg.Scoring.NotionalTest)
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("SCANNER_EXCHANGE", "bybit")
	t.Setenv("SCANNER_SYMBOLS", "BTCUSDT, ETHUSDT ,SOLUSDT")
	t.Setenv("SCANNER_SCAN_INTERVAL_SEC", "15")
	t.Setenv("SCANNER_MIN_QVOL_USDT", "5000000")
	t.Setenv("SCANNER_INCLUDE_CARRY", "false")

	cfg := Load()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, []string{"BTCUSDT", "ETHUSDT", "SOLUSDT"}, cfg.Symbols)
	assert.Equal(t, 15*time.Second, cfg.Scan.Interval)
	assert.Equal(t, 5e6, cfg.Scoring.MinQvolUSDT)
	assert.False(t, cfg.Scan.IncludeCarry)
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty exchange", func(c *Config) { c.Exchange = "" }},
		{"zero interval", func(c *Config) { c.Scan.Interval = 0 }},
		{"zero concurrency", func(c *Config) { c.Scan.Concurrency = 0 }},
		{"unknown profile", func(c *Config) { c.Scan.ProfileDefault = "yolo" }},
		{"zero adapter timeout", func(c *Config) { c.Adapter.Timeout = 0 }},
		{"zero max failures", func(c *Config) { c.Adapter.MaxFailures = 0 }},
		{"negative notional", func(c *Config) { c.Scoring.NotionalTest = -1 }},
		{"inverted sla", func(c *Config) {
			c.Control.SLAWarnMultiplier = 4
			c.Control.SLACriticalMultiplier = 2
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Load()
			tt.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestLoadRules(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rules.yaml")
	content := `rules:
  - name: hot-score
    expression: "score > 10"
    scope: "*"
  - name: btc-watch
    expression: "manipulation_score >= 60"
    scope: BTCUSDT
  - name: default-scope
    expression: "rank <= 3"
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	defs, err := LoadRules(path)
	require.NoError(t, err)
	require.Len(t, defs, 3)
	assert.Equal(t, "hot-score", defs[0].Name)
	assert.Equal(t, "BTCUSDT", defs[1].Scope)
	// omitted scope defaults to the wildcard
	assert.Equal(t, "*", defs[2].Scope)
}

func TestLoadRules_MissingPathIsNotAnError(t *testing.T) {
	defs, err := LoadRules("")
	assert.NoError(t, err)
	assert.Nil(t, defs)
}

func TestLoadRules_BadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rules.yaml")
	require.NoError(t, os.WriteFile(path, []byte("rules: [unclosed"), 0o644))
	_, err := LoadRules(path)
	assert.Error(t, err)

	_, err = LoadRules(filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)
}
