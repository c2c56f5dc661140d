package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const validYAML = `
environment:
  mode: paper
  log_level: info
broker:
  provider: tradier
  api_key: test-key
  account_id: test-account
sheet:
  base_url: https://sheet.example.com/api
store:
  path: store.json
evaluator:
  cooldown: 60s
supervisor:
  interval: 30s
  timezone: America/New_York
  trading_start: "09:30"
  trading_end: "16:00"
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad(t *testing.T) {
	path := writeConfig(t, validYAML)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "paper", cfg.Environment.Mode)
	assert.Equal(t, "tradier", cfg.Broker.Provider)
	assert.Equal(t, defaultSupervisorInterval, cfg.Supervisor.Interval)
	assert.Equal(t, defaultCapitalFactor, cfg.Store.CapitalFactor)
}

func TestLoad_InvalidPath(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nonexistent.yaml"))
	assert.Error(t, err)
}

func TestLoad_UnknownField(t *testing.T) {
	path := writeConfig(t, validYAML+"\nbogus_field: 1\n")
	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoad_ExpandsEnv(t *testing.T) {
	t.Setenv("TEST_API_KEY", "from-env")
	path := writeConfig(t, `
environment:
  mode: paper
  log_level: info
broker:
  provider: tradier
  api_key: ${TEST_API_KEY}
  account_id: test-account
sheet:
  base_url: https://sheet.example.com/api
store:
  path: store.json
supervisor:
  timezone: America/New_York
  trading_start: "09:30"
  trading_end: "16:00"
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.Broker.APIKey)
}

func baseConfig() *Config {
	cfg := &Config{
		Environment: EnvironmentConfig{Mode: "paper", LogLevel: "info"},
		Broker:      BrokerConfig{APIKey: "k", AccountID: "a", ContractRetries: 3},
		Sheet:       SheetConfig{BaseURL: "https://sheet.example.com"},
		Store:       StoreConfig{Path: "store.json", CapitalFactor: 1000},
		Evaluator:   EvaluatorConfig{Cooldown: 60 * time.Second, PegOffset: 0.02},
		Supervisor: SupervisorConfig{
			Interval:         30 * time.Second,
			FailureTolerance: 7,
			Timezone:         "America/New_York",
			TradingStart:     "09:30",
			TradingEnd:       "16:00",
		},
	}
	return cfg
}

func TestValidate_Valid(t *testing.T) {
	assert.NoError(t, baseConfig().Validate())
}

func TestValidate_BadMode(t *testing.T) {
	cfg := baseConfig()
	cfg.Environment.Mode = "sandbox"
	assert.Error(t, cfg.Validate())
}

func TestValidate_MissingBrokerKey(t *testing.T) {
	cfg := baseConfig()
	cfg.Broker.APIKey = ""
	assert.Error(t, cfg.Validate())
}

func TestValidate_BadTradingWindow(t *testing.T) {
	cfg := baseConfig()
	cfg.Supervisor.TradingStart = "16:00"
	cfg.Supervisor.TradingEnd = "09:30"
	assert.Error(t, cfg.Validate())
}

func TestValidate_DashboardPortRequiredWhenEnabled(t *testing.T) {
	cfg := baseConfig()
	cfg.Dashboard.Enabled = true
	cfg.Dashboard.Port = 0
	assert.Error(t, cfg.Validate())
}

func TestIsWithinTradingHours(t *testing.T) {
	cfg := baseConfig()
	cfg.Supervisor.AfterCloseTail = 30 * time.Minute
	loc, err := cfg.resolveLocation()
	require.NoError(t, err)

	// Wednesday, 10:00 local -> within hours
	weekday := time.Date(2026, 8, 5, 10, 0, 0, 0, loc)
	within, err := cfg.IsWithinTradingHours(weekday)
	require.NoError(t, err)
	assert.True(t, within)

	// Saturday -> never within hours
	weekend := time.Date(2026, 8, 8, 10, 0, 0, 0, loc)
	within, err = cfg.IsWithinTradingHours(weekend)
	require.NoError(t, err)
	assert.False(t, within)

	// 16:15 local, within the after-close tail
	tail := time.Date(2026, 8, 5, 16, 15, 0, 0, loc)
	within, err = cfg.IsWithinTradingHours(tail)
	require.NoError(t, err)
	assert.True(t, within)

	// 16:45 local, past the after-close tail
	late := time.Date(2026, 8, 5, 16, 45, 0, 0, loc)
	within, err = cfg.IsWithinTradingHours(late)
	require.NoError(t, err)
	assert.False(t, within)
}

func TestNormalize_AppliesDefaults(t *testing.T) {
	cfg := &Config{}
	cfg.Normalize()
	assert.Equal(t, "paper", cfg.Environment.Mode)
	assert.Equal(t, "info", cfg.Environment.LogLevel)
	assert.Equal(t, defaultCapitalFactor, cfg.Store.CapitalFactor)
	assert.Equal(t, defaultCooldown, cfg.Evaluator.Cooldown)
	assert.Equal(t, defaultSupervisorInterval, cfg.Supervisor.Interval)
	assert.Equal(t, defaultContractResolveRetries, cfg.Broker.ContractRetries)
}

func TestIsPaperTrading(t *testing.T) {
	cfg := baseConfig()
	assert.True(t, cfg.IsPaperTrading())
	cfg.Environment.Mode = "live"
	assert.False(t, cfg.IsPaperTrading())
}
