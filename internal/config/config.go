// Package config handles configuration loading and validation.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/tathienbao/order-ledger/internal/alerting"
	"github.com/tathienbao/order-ledger/internal/broker/paper"
	"github.com/tathienbao/order-ledger/internal/dispatch"
	"github.com/tathienbao/order-ledger/internal/ledger"
	"github.com/tathienbao/order-ledger/internal/types"
	"gopkg.in/yaml.v3"
)

// Config represents the full application configuration.
type Config struct {
	Inventories []InventoryConfig `yaml:"inventories"`
	Dispatch    DispatchConfig    `yaml:"dispatch"`
	Paper       PaperConfig       `yaml:"paper"`
	Shutdown    ShutdownConfig    `yaml:"shutdown"`
	Persistence PersistenceConfig `yaml:"persistence"`
	Alerting    AlertingConfig    `yaml:"alerting"`
	Metrics     MetricsConfig     `yaml:"metrics"`
}

// InventoryConfig declares one inventory. Decimal fields are strings so
// prices never pass through float64. Empty fields default from the
// instrument spec of the ticker.
type InventoryConfig struct {
	Name     string `yaml:"name"`
	Ticker   string `yaml:"ticker"`
	TickSize string `yaml:"tick_size"`
	Unit     string `yaml:"unit"`
	Fee      string `yaml:"fee"`
	FeeRate  string `yaml:"fee_rate"`
}

// DispatchConfig holds dispatcher settings.
type DispatchConfig struct {
	AuditIntervalSec    int   `yaml:"audit_interval_sec"`
	FailFast            bool  `yaml:"fail_fast"`
	UnmatchedAlertEvery int64 `yaml:"unmatched_alert_every"`
}

// PaperConfig holds paper venue settings.
type PaperConfig struct {
	SlippageTicks      int `yaml:"slippage_ticks"`
	MaxOrdersPerSecond int `yaml:"max_orders_per_second"`
	ReportBuffer       int `yaml:"report_buffer"`
}

// ShutdownConfig holds shutdown settings.
type ShutdownConfig struct {
	TimeoutSec int `yaml:"timeout_sec"`
}

// PersistenceConfig holds persistence settings.
type PersistenceConfig struct {
	Enabled bool   `yaml:"enabled"`
	Type    string `yaml:"type"` // sqlite
	Path    string `yaml:"path"`
}

// AlertingConfig holds alerting settings.
type AlertingConfig struct {
	Enabled  bool            `yaml:"enabled"`
	Channels []ChannelConfig `yaml:"channels"`
	Events   []string        `yaml:"events"`
}

// ChannelConfig holds a single alert channel configuration.
type ChannelConfig struct {
	Type     string `yaml:"type"` // console | telegram
	BotToken string `yaml:"bot_token"`
	ChatID   string `yaml:"chat_id"`
	APIURL   string `yaml:"api_url"`
}

// MetricsConfig holds metrics settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Port    int    `yaml:"port"`
	Path    string `yaml:"path"`
}

// Load loads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	return LoadFromBytes(data)
}

// LoadFromBytes loads configuration from YAML bytes.
func LoadFromBytes(data []byte) (*Config, error) {
	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return &cfg, nil
}

// Validate validates the configuration and fills defaults.
func (c *Config) Validate() error {
	var errs []string

	// Inventory validation
	if len(c.Inventories) == 0 {
		errs = append(errs, "at least one inventory is required")
	}
	names := make(map[string]bool, len(c.Inventories))
	for i, inv := range c.Inventories {
		if inv.Name == "" {
			errs = append(errs, fmt.Sprintf("inventories[%d].name is required", i))
		} else if names[inv.Name] {
			errs = append(errs, fmt.Sprintf("inventories[%d].name '%s' is duplicated", i, inv.Name))
		}
		names[inv.Name] = true

		if _, err := inv.LedgerConfig(); err != nil {
			errs = append(errs, fmt.Sprintf("inventories[%d]: %v", i, err))
		}
	}

	// Dispatch validation
	if c.Dispatch.AuditIntervalSec <= 0 {
		c.Dispatch.AuditIntervalSec = 30 // default
	}
	if c.Dispatch.UnmatchedAlertEvery < 0 {
		errs = append(errs, "dispatch.unmatched_alert_every must not be negative")
	}

	// Paper validation
	if c.Paper.SlippageTicks < 0 {
		errs = append(errs, "paper.slippage_ticks must not be negative")
	}
	if c.Paper.MaxOrdersPerSecond <= 0 {
		c.Paper.MaxOrdersPerSecond = paper.DefaultConfig().MaxOrdersPerSecond
	}
	if c.Paper.ReportBuffer <= 0 {
		c.Paper.ReportBuffer = paper.DefaultConfig().ReportBuffer
	}

	if c.Shutdown.TimeoutSec <= 0 {
		c.Shutdown.TimeoutSec = 10 // default
	}

	// Persistence validation
	if c.Persistence.Enabled {
		if c.Persistence.Type == "" {
			c.Persistence.Type = "sqlite"
		}
		if c.Persistence.Type != "sqlite" {
			errs = append(errs, "persistence.type must be 'sqlite'")
		}
		if c.Persistence.Path == "" {
			errs = append(errs, "persistence.path is required for sqlite")
		}
	}

	// Alerting validation
	for i, ch := range c.Alerting.Channels {
		switch ch.Type {
		case "console":
		case "telegram":
			if ch.BotToken == "" || ch.ChatID == "" {
				errs = append(errs, fmt.Sprintf("alerting.channels[%d]: telegram requires bot_token and chat_id", i))
			}
		default:
			errs = append(errs, fmt.Sprintf("alerting.channels[%d].type '%s' is not supported", i, ch.Type))
		}
	}
	for _, e := range c.Alerting.Events {
		if _, ok := alerting.ParseEvent(e); !ok && e != "all" {
			errs = append(errs, fmt.Sprintf("alerting.events '%s' is not a known event", e))
		}
	}

	// Metrics validation
	if c.Metrics.Enabled {
		if c.Metrics.Port <= 0 || c.Metrics.Port > 65535 {
			errs = append(errs, "metrics.port must be between 1 and 65535")
		}
		if c.Metrics.Path == "" {
			c.Metrics.Path = "/metrics"
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %s", types.ErrInvalidConfig, strings.Join(errs, "; "))
	}

	return nil
}

// LedgerConfig converts to ledger.Config, filling unset fields from the
// instrument spec of the ticker.
func (ic InventoryConfig) LedgerConfig() (ledger.Config, error) {
	cfg := ledger.Config{Name: ic.Name, Ticker: ic.Ticker}
	if spec, ok := types.GetInstrumentSpec(ic.Ticker); ok {
		cfg = ledger.ConfigFromSpec(ic.Name, spec)
	}

	fields := []struct {
		name  string
		value string
		dst   *decimal.Decimal
	}{
		{"tick_size", ic.TickSize, &cfg.TickSize},
		{"unit", ic.Unit, &cfg.Unit},
		{"fee", ic.Fee, &cfg.Fee},
		{"fee_rate", ic.FeeRate, &cfg.FeeRate},
	}
	for _, f := range fields {
		if f.value == "" {
			continue
		}
		v, err := decimal.NewFromString(f.value)
		if err != nil {
			return ledger.Config{}, fmt.Errorf("%w: %s '%s' is not a number", types.ErrInvalidConfig, f.name, f.value)
		}
		*f.dst = v
	}

	if err := cfg.Validate(); err != nil {
		return ledger.Config{}, err
	}
	return cfg, nil
}

// LedgerConfigs converts every inventory.
func (c *Config) LedgerConfigs() ([]ledger.Config, error) {
	out := make([]ledger.Config, 0, len(c.Inventories))
	for _, ic := range c.Inventories {
		cfg, err := ic.LedgerConfig()
		if err != nil {
			return nil, fmt.Errorf("inventory %s: %w", ic.Name, err)
		}
		out = append(out, cfg)
	}
	return out, nil
}

// ToDispatchConfig converts to dispatch.Config.
func (c *Config) ToDispatchConfig() dispatch.Config {
	return dispatch.Config{
		AuditInterval:       c.AuditInterval(),
		FailFast:            c.Dispatch.FailFast,
		UnmatchedAlertEvery: c.Dispatch.UnmatchedAlertEvery,
	}
}

// ToPaperConfig converts to paper.Config.
func (c *Config) ToPaperConfig() paper.Config {
	return paper.Config{
		SlippageTicks:      c.Paper.SlippageTicks,
		MaxOrdersPerSecond: c.Paper.MaxOrdersPerSecond,
		ReportBuffer:       c.Paper.ReportBuffer,
	}
}

// AuditInterval returns the ledger audit interval.
func (c *Config) AuditInterval() time.Duration {
	return time.Duration(c.Dispatch.AuditIntervalSec) * time.Second
}

// ShutdownTimeout returns the shutdown timeout duration.
func (c *Config) ShutdownTimeout() time.Duration {
	return time.Duration(c.Shutdown.TimeoutSec) * time.Second
}

// IsAlertEventEnabled checks if an alert event type is enabled.
func (c *Config) IsAlertEventEnabled(event string) bool {
	if !c.Alerting.Enabled {
		return false
	}
	// If no events specified, all are enabled
	if len(c.Alerting.Events) == 0 {
		return true
	}
	for _, e := range c.Alerting.Events {
		if e == event || e == "all" {
			return true
		}
	}
	return false
}

// AlertEvents returns the configured event filter. nil means every event.
func (c *Config) AlertEvents() []alerting.AlertEvent {
	var events []alerting.AlertEvent
	for _, e := range c.Alerting.Events {
		if e == "all" {
			return nil
		}
		if ev, ok := alerting.ParseEvent(e); ok {
			events = append(events, ev)
		}
	}
	return events
}
