package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, "symbols:\n  - { symbol: AAPL, category: stocks }\n")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.InDelta(t, 50.0, cfg.Budget.LimitUSD, 1e-9)
	assert.InDelta(t, 0.0015, cfg.Budget.CostPerRequest, 1e-9)
	assert.Equal(t, "data/cost_ledger.json", cfg.Budget.LedgerPath)
	assert.Equal(t, 900, cfg.Cache.TTLSeconds)
	assert.Equal(t, 5, cfg.Breaker.FailureThreshold)
	assert.Equal(t, 60, cfg.Breaker.RecoveryTimeoutSeconds)
	assert.Equal(t, 900, cfg.Scheduler.CollectIntervalSeconds)
	assert.Equal(t, "data/quotes", cfg.DataDir)
	require.Len(t, cfg.Symbols, 1)
	assert.Equal(t, "AAPL", cfg.Symbols[0].Symbol)
}

func TestLoadOverrides(t *testing.T) {
	path := writeConfig(t, `
budget:
  limit_usd: 10
  cost_per_request_usd: 0.5
cache:
  ttl_seconds: 60
breaker:
  failure_threshold: 3
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.InDelta(t, 10.0, cfg.Budget.LimitUSD, 1e-9)
	assert.InDelta(t, 0.5, cfg.Budget.CostPerRequest, 1e-9)
	assert.Equal(t, 60, cfg.Cache.TTLSeconds)
	assert.Equal(t, 3, cfg.Breaker.FailureThreshold)
}

func TestCredentialsComeFromEnvironment(t *testing.T) {
	t.Setenv("BRIGHTDATA_API_TOKEN", "secret-token")
	t.Setenv("BRIGHTDATA_ZONE", "custom_zone")
	path := writeConfig(t, "bright_data:\n  zone: yaml_zone\n")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "secret-token", cfg.BrightDataToken)
	assert.Equal(t, "custom_zone", cfg.BrightData.Zone, "environment wins over yaml")
}

func TestLoadRejectsBadValues(t *testing.T) {
	path := writeConfig(t, "budget:\n  limit_usd: -5\n")
	_, err := Load(path)
	assert.Error(t, err)

	path = writeConfig(t, "budget:\n  reset_hour_utc: 25\n")
	_, err = Load(path)
	assert.Error(t, err)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
