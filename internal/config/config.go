// Package config provides configuration management for the trade engine.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	yaml "gopkg.in/yaml.v3"
)

// Default values applied by Normalize when the corresponding field is unset.
const (
	defaultSupervisorInterval     = 30 * time.Second
	defaultAfterCloseTail         = 30 * time.Minute
	defaultFailureTolerance       = 7
	defaultCapitalFactor          = 1000.0
	defaultCooldown               = 60 * time.Second
	defaultPegTimeout             = 90 * time.Second
	defaultPegChaseInterval       = 5 * time.Second
	defaultPegOffset              = 0.02
	defaultPriceFreshness         = 30 * time.Second
	defaultUnderlyingFreshness    = 3 * time.Minute
	defaultSubscriptionStaleAfter = 30 * time.Minute
	defaultPendingOrderTimeout    = 15 * time.Minute
	defaultContractResolveRetries = 3
)

// Config represents the complete application configuration.
type Config struct {
	Environment EnvironmentConfig `yaml:"environment"`
	Broker      BrokerConfig      `yaml:"broker"`
	Sheet       SheetConfig       `yaml:"sheet"`
	Store       StoreConfig       `yaml:"store"`
	Evaluator   EvaluatorConfig   `yaml:"evaluator"`
	Supervisor  SupervisorConfig  `yaml:"supervisor"`
	Dashboard   DashboardConfig   `yaml:"dashboard"`
	Notify      NotifyConfig      `yaml:"notify"`
}

// EnvironmentConfig defines the environment settings.
type EnvironmentConfig struct {
	Mode     string `yaml:"mode"`      // paper | live
	LogLevel string `yaml:"log_level"` // debug | info | warn | error
}

// BrokerConfig defines broker gateway settings.
type BrokerConfig struct {
	Provider         string        `yaml:"provider"`
	APIKey           string        `yaml:"api_key"`
	AccountID        string        `yaml:"account_id"`
	StreamURL        string        `yaml:"stream_url"` // websocket tick feed
	ContractRetries  int           `yaml:"contract_retries"`
	CircuitMaxFail   uint32        `yaml:"circuit_max_failures"`
	CircuitResetWait time.Duration `yaml:"circuit_reset_wait"`
}

// SheetConfig defines the sheet gateway's HTTP transport settings.
type SheetConfig struct {
	BaseURL      string        `yaml:"base_url"`
	AuthToken    string        `yaml:"auth_token"`
	RetryMax     int           `yaml:"retry_max"`
	RetryWait    time.Duration `yaml:"retry_wait"`
	RetryWaitMax time.Duration `yaml:"retry_wait_max"`
}

// StoreConfig defines Trade Store settings.
type StoreConfig struct {
	Path          string  `yaml:"path"`
	CapitalFactor float64 `yaml:"capital_factor"`
}

// EvaluatorConfig defines Evaluator tuning parameters (§4.5).
type EvaluatorConfig struct {
	Cooldown             time.Duration `yaml:"cooldown"`
	LimitOffsetPct       float64       `yaml:"limit_offset_pct"`
	UseLimitOrders       bool          `yaml:"use_limit_orders"`
	PegOffset            float64       `yaml:"peg_offset"`
	UnderlyingFreshness  time.Duration `yaml:"underlying_freshness"`
	EmergencyCloseMaxMid float64       `yaml:"emergency_close_max_mid"`
}

// SupervisorConfig defines the control loop's scheduling parameters (§4.8).
type SupervisorConfig struct {
	Interval               time.Duration `yaml:"interval"`
	AfterCloseTail         time.Duration `yaml:"after_close_tail"`
	FailureTolerance       int           `yaml:"failure_tolerance"`
	Timezone               string        `yaml:"timezone"`
	TradingStart           string        `yaml:"trading_start"`
	TradingEnd             string        `yaml:"trading_end"`
	PegTimeout             time.Duration `yaml:"peg_timeout"`
	PegChaseInterval       time.Duration `yaml:"peg_chase_interval"`
	PendingOrderTimeout    time.Duration `yaml:"pending_order_timeout"`
	PriceFreshness         time.Duration `yaml:"price_freshness"`
	SubscriptionStaleAfter time.Duration `yaml:"subscription_stale_after"`
}

// DashboardConfig defines web dashboard settings.
type DashboardConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Port      int    `yaml:"port"`
	AuthToken string `yaml:"auth_token"`
}

// NotifyConfig defines the operator-notification webhook.
type NotifyConfig struct {
	WebhookURL string `yaml:"webhook_url"`
}

// Load reads and parses the configuration file from the specified path.
func Load(configPath string) (*Config, error) {
	if configPath == "" {
		configPath = "config.yaml"
	}

	data, err := os.ReadFile(configPath) // #nosec G304 -- configPath is a user-provided config file path
	if err != nil {
		return nil, fmt.Errorf("reading config file %q: %w", configPath, err)
	}

	expanded := os.ExpandEnv(string(data))

	var cfg Config
	dec := yaml.NewDecoder(strings.NewReader(expanded))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("parsing config %q: %w", configPath, err)
	}

	cfg.Normalize()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

// resolveLocation returns the configured TZ or NY fallback.
func (c *Config) resolveLocation() (*time.Location, error) {
	tz := c.Supervisor.Timezone
	if strings.TrimSpace(tz) == "" {
		tz = "America/New_York"
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("failed to load timezone %q: %w", tz, err)
	}
	return loc, nil
}

// Validate checks that all configuration values are valid and consistent.
func (c *Config) Validate() error {
	if c.Environment.Mode != "paper" && c.Environment.Mode != "live" {
		return fmt.Errorf("environment.mode must be 'paper' or 'live'")
	}
	switch strings.ToLower(c.Environment.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("environment.log_level must be one of: debug, info, warn, error")
	}

	if strings.TrimSpace(c.Broker.APIKey) == "" {
		return fmt.Errorf("broker.api_key is required")
	}
	if strings.TrimSpace(c.Broker.AccountID) == "" {
		return fmt.Errorf("broker.account_id is required")
	}
	if c.Broker.ContractRetries <= 0 {
		return fmt.Errorf("broker.contract_retries must be > 0")
	}

	if strings.TrimSpace(c.Sheet.BaseURL) == "" {
		return fmt.Errorf("sheet.base_url is required")
	}

	if strings.TrimSpace(c.Store.Path) == "" {
		return fmt.Errorf("store.path is required")
	}
	if c.Store.CapitalFactor <= 0 {
		return fmt.Errorf("store.capital_factor must be > 0")
	}

	if c.Evaluator.Cooldown <= 0 {
		return fmt.Errorf("evaluator.cooldown must be > 0")
	}
	if c.Evaluator.PegOffset <= 0 {
		return fmt.Errorf("evaluator.peg_offset must be > 0")
	}

	if c.Supervisor.Interval <= 0 {
		return fmt.Errorf("supervisor.interval must be > 0")
	}
	if c.Supervisor.FailureTolerance <= 0 {
		return fmt.Errorf("supervisor.failure_tolerance must be > 0")
	}
	loc, err := c.resolveLocation()
	if err != nil {
		return fmt.Errorf("timezone resolution failed: %w", err)
	}
	s, err1 := time.ParseInLocation("15:04", c.Supervisor.TradingStart, loc)
	e, err2 := time.ParseInLocation("15:04", c.Supervisor.TradingEnd, loc)
	if err1 != nil || err2 != nil || !s.Before(e) {
		return fmt.Errorf("supervisor trading window invalid (start/end parse/order)")
	}

	if c.Dashboard.Enabled {
		if c.Dashboard.Port <= 0 || c.Dashboard.Port > 65535 {
			return fmt.Errorf("dashboard.port must be between 1 and 65535")
		}
	}

	return nil
}

// IsPaperTrading returns true if the engine is configured for paper trading.
func (c *Config) IsPaperTrading() bool {
	return c.Environment.Mode == "paper"
}

// IsWithinTradingHours checks if the given time falls within configured
// trading hours (plus the after-close tail), Monday through Friday only.
func (c *Config) IsWithinTradingHours(now time.Time) (bool, error) {
	loc, err := c.resolveLocation()
	if err != nil {
		return false, fmt.Errorf("timezone resolution failed: %w", err)
	}
	today := now.In(loc)
	if today.Weekday() == time.Saturday || today.Weekday() == time.Sunday {
		return false, nil
	}

	startClock, err1 := time.ParseInLocation("15:04", c.Supervisor.TradingStart, loc)
	endClock, err2 := time.ParseInLocation("15:04", c.Supervisor.TradingEnd, loc)
	if err1 != nil || err2 != nil {
		startClock = time.Date(0, 1, 1, 9, 30, 0, 0, loc)
		endClock = time.Date(0, 1, 1, 16, 0, 0, 0, loc)
	}
	start := time.Date(today.Year(), today.Month(), today.Day(),
		startClock.Hour(), startClock.Minute(), 0, 0, loc)
	end := time.Date(today.Year(), today.Month(), today.Day(),
		endClock.Hour(), endClock.Minute(), 0, 0, loc).Add(c.Supervisor.AfterCloseTail)

	return !today.Before(start) && today.Before(end), nil
}

// Normalize sets default values for configuration fields left unset.
func (c *Config) Normalize() {
	if strings.TrimSpace(c.Environment.Mode) == "" {
		c.Environment.Mode = "paper"
	}
	if strings.TrimSpace(c.Environment.LogLevel) == "" {
		c.Environment.LogLevel = "info"
	}
	if c.Broker.ContractRetries == 0 {
		c.Broker.ContractRetries = defaultContractResolveRetries
	}
	if c.Broker.CircuitMaxFail == 0 {
		c.Broker.CircuitMaxFail = 5
	}
	if c.Broker.CircuitResetWait == 0 {
		c.Broker.CircuitResetWait = 30 * time.Second
	}
	if c.Store.CapitalFactor == 0 {
		c.Store.CapitalFactor = defaultCapitalFactor
	}
	if c.Evaluator.Cooldown == 0 {
		c.Evaluator.Cooldown = defaultCooldown
	}
	if c.Evaluator.PegOffset == 0 {
		c.Evaluator.PegOffset = defaultPegOffset
	}
	if c.Evaluator.UnderlyingFreshness == 0 {
		c.Evaluator.UnderlyingFreshness = defaultUnderlyingFreshness
	}
	if c.Supervisor.Interval == 0 {
		c.Supervisor.Interval = defaultSupervisorInterval
	}
	if c.Supervisor.AfterCloseTail == 0 {
		c.Supervisor.AfterCloseTail = defaultAfterCloseTail
	}
	if c.Supervisor.FailureTolerance == 0 {
		c.Supervisor.FailureTolerance = defaultFailureTolerance
	}
	if c.Supervisor.PegTimeout == 0 {
		c.Supervisor.PegTimeout = defaultPegTimeout
	}
	if c.Supervisor.PegChaseInterval == 0 {
		c.Supervisor.PegChaseInterval = defaultPegChaseInterval
	}
	if c.Supervisor.PendingOrderTimeout == 0 {
		c.Supervisor.PendingOrderTimeout = defaultPendingOrderTimeout
	}
	if c.Supervisor.PriceFreshness == 0 {
		c.Supervisor.PriceFreshness = defaultPriceFreshness
	}
	if c.Supervisor.SubscriptionStaleAfter == 0 {
		c.Supervisor.SubscriptionStaleAfter = defaultSubscriptionStaleAfter
	}
	if c.Dashboard.Port == 0 {
		c.Dashboard.Port = 9847
	}
	if c.Sheet.RetryMax == 0 {
		c.Sheet.RetryMax = 3
	}
	if c.Sheet.RetryWait == 0 {
		c.Sheet.RetryWait = 1 * time.Second
	}
	if c.Sheet.RetryWaitMax == 0 {
		c.Sheet.RetryWaitMax = 10 * time.Second
	}
}
