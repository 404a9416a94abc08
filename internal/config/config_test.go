package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/tathienbao/order-ledger/internal/alerting"
	"github.com/tathienbao/order-ledger/internal/types"
)

func TestLoadFromBytes_Valid(t *testing.T) {
	yaml := `
inventories:
  - name: mm-mes
    ticker: MES
  - name: mm-btc
    ticker: BTCUSDT
    fee: "0"
    fee_rate: "0.0004"
  - name: custom
    ticker: XYZ
    tick_size: "0.05"
    unit: "100"
    fee: "1.5"

dispatch:
  audit_interval_sec: 10
  fail_fast: true
  unmatched_alert_every: 50

paper:
  slippage_ticks: 2
  max_orders_per_second: 20

persistence:
  enabled: true
  path: "data/ledger.db"

metrics:
  enabled: true
  port: 9090
`

	cfg, err := LoadFromBytes([]byte(yaml))
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if len(cfg.Inventories) != 3 {
		t.Fatalf("Inventories = %d, want 3", len(cfg.Inventories))
	}

	ledgers, err := cfg.LedgerConfigs()
	if err != nil {
		t.Fatalf("LedgerConfigs() error = %v", err)
	}

	mes := ledgers[0]
	if !mes.TickSize.Equal(types.InstrumentMES.TickSize) || !mes.Unit.Equal(types.InstrumentMES.Unit) {
		t.Errorf("MES defaults = %s/%s, want instrument spec", mes.TickSize, mes.Unit)
	}

	btc := ledgers[1]
	if !btc.FeeRate.Equal(decimal.RequireFromString("0.0004")) || !btc.Fee.IsZero() {
		t.Errorf("BTC fee = %s rate %s, want 0 rate 0.0004", btc.Fee, btc.FeeRate)
	}

	custom := ledgers[2]
	if !custom.TickSize.Equal(decimal.RequireFromString("0.05")) || !custom.Unit.Equal(decimal.NewFromInt(100)) {
		t.Errorf("custom = %+v", custom)
	}

	dc := cfg.ToDispatchConfig()
	if dc.AuditInterval != 10*time.Second || !dc.FailFast || dc.UnmatchedAlertEvery != 50 {
		t.Errorf("ToDispatchConfig() = %+v", dc)
	}

	pc := cfg.ToPaperConfig()
	if pc.SlippageTicks != 2 || pc.MaxOrdersPerSecond != 20 {
		t.Errorf("ToPaperConfig() = %+v", pc)
	}
	if pc.ReportBuffer <= 0 {
		t.Errorf("ReportBuffer = %d, want default", pc.ReportBuffer)
	}

	if cfg.Persistence.Type != "sqlite" {
		t.Errorf("Persistence.Type = %s, want sqlite default", cfg.Persistence.Type)
	}
	if cfg.Metrics.Path != "/metrics" {
		t.Errorf("Metrics.Path = %s, want /metrics default", cfg.Metrics.Path)
	}
}

func TestLoadFromBytes_InvalidConfig(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{
			name:    "no inventories",
			yaml:    `dispatch: {audit_interval_sec: 5}`,
			wantErr: "at least one inventory",
		},
		{
			name: "missing name",
			yaml: `
inventories:
  - ticker: MES
`,
			wantErr: "name is required",
		},
		{
			name: "duplicate name",
			yaml: `
inventories:
  - {name: a, ticker: MES}
  - {name: a, ticker: MGC}
`,
			wantErr: "duplicated",
		},
		{
			name: "unknown ticker without tick size",
			yaml: `
inventories:
  - {name: a, ticker: XYZ, unit: "1"}
`,
			wantErr: "tick size must be positive",
		},
		{
			name: "bad decimal",
			yaml: `
inventories:
  - {name: a, ticker: MES, fee: "abc"}
`,
			wantErr: "fee 'abc' is not a number",
		},
		{
			name: "negative fee",
			yaml: `
inventories:
  - {name: a, ticker: MES, fee: "-1"}
`,
			wantErr: "fee must not be negative",
		},
		{
			name: "persistence without path",
			yaml: `
inventories:
  - {name: a, ticker: MES}
persistence:
  enabled: true
`,
			wantErr: "persistence.path is required",
		},
		{
			name: "unknown alert channel",
			yaml: `
inventories:
  - {name: a, ticker: MES}
alerting:
  channels:
    - type: pager
`,
			wantErr: "not supported",
		},
		{
			name: "telegram without token",
			yaml: `
inventories:
  - {name: a, ticker: MES}
alerting:
  channels:
    - type: telegram
`,
			wantErr: "telegram requires bot_token",
		},
		{
			name: "unknown alert event",
			yaml: `
inventories:
  - {name: a, ticker: MES}
alerting:
  events: [trade_executed]
`,
			wantErr: "not a known event",
		},
		{
			name: "bad metrics port",
			yaml: `
inventories:
  - {name: a, ticker: MES}
metrics:
  enabled: true
  port: 70000
`,
			wantErr: "metrics.port",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadFromBytes([]byte(tt.yaml))
			if err == nil {
				t.Fatal("expected error")
			}
			if !errors.Is(err, types.ErrInvalidConfig) {
				t.Errorf("error = %v, want ErrInvalidConfig", err)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestConfig_Durations(t *testing.T) {
	cfg, err := LoadFromBytes([]byte(`
inventories:
  - {name: a, ticker: MES}
`))
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if cfg.AuditInterval() != 30*time.Second {
		t.Errorf("AuditInterval = %v, want 30s", cfg.AuditInterval())
	}
	if cfg.ShutdownTimeout() != 10*time.Second {
		t.Errorf("ShutdownTimeout = %v, want 10s", cfg.ShutdownTimeout())
	}
}

func TestConfig_AlertEvents(t *testing.T) {
	tests := []struct {
		name       string
		enabled    bool
		events     []string
		wantFilter []alerting.AlertEvent
		check      string
		wantCheck  bool
	}{
		{"disabled", false, nil, nil, "inventory_halted", false},
		{"all by default", true, nil, nil, "order_rejected", true},
		{"all keyword", true, []string{"all"}, nil, "order_rejected", true},
		{"filtered", true, []string{"invariant_violation"},
			[]alerting.AlertEvent{alerting.EventInvariantViolation}, "order_rejected", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{Alerting: AlertingConfig{Enabled: tt.enabled, Events: tt.events}}

			if got := cfg.IsAlertEventEnabled(tt.check); got != tt.wantCheck {
				t.Errorf("IsAlertEventEnabled(%s) = %v, want %v", tt.check, got, tt.wantCheck)
			}
			got := cfg.AlertEvents()
			if len(got) != len(tt.wantFilter) {
				t.Fatalf("AlertEvents() = %v, want %v", got, tt.wantFilter)
			}
			for i := range got {
				if got[i] != tt.wantFilter[i] {
					t.Errorf("AlertEvents()[%d] = %s, want %s", i, got[i], tt.wantFilter[i])
				}
			}
		})
	}
}

func TestLoad_FromFile(t *testing.T) {
	// Create temp config file
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	yaml := `
inventories:
  - name: mm-mgc
    ticker: MGC
shutdown:
  timeout_sec: 3
`

	if err := os.WriteFile(configPath, []byte(yaml), 0644); err != nil {
		t.Fatalf("Failed to write config file: %v", err)
	}

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if cfg.Inventories[0].Ticker != "MGC" {
		t.Errorf("Ticker = %s, want MGC", cfg.Inventories[0].Ticker)
	}
	if cfg.ShutdownTimeout() != 3*time.Second {
		t.Errorf("ShutdownTimeout = %v, want 3s", cfg.ShutdownTimeout())
	}
}

func TestLoad_FileNotFound(t *testing.T) {
	_, err := Load("/nonexistent/path/config.yaml")
	if err == nil {
		t.Error("Expected error for non-existent file")
	}
}

func TestLoad_EnvironmentVariables(t *testing.T) {
	t.Setenv("TEST_BOT_TOKEN", "my-secret-token")
	t.Setenv("TEST_LEDGER_DB", "/tmp/ledger.db")

	yaml := `
inventories:
  - {name: a, ticker: MES}

persistence:
  enabled: true
  path: "${TEST_LEDGER_DB}"

alerting:
  enabled: true
  channels:
    - type: telegram
      bot_token: "${TEST_BOT_TOKEN}"
      chat_id: "12345"
`

	cfg, err := LoadFromBytes([]byte(yaml))
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if len(cfg.Alerting.Channels) == 0 {
		t.Fatal("Expected alerting channels")
	}
	if cfg.Alerting.Channels[0].BotToken != "my-secret-token" {
		t.Errorf("BotToken = %s, want my-secret-token", cfg.Alerting.Channels[0].BotToken)
	}
	if cfg.Persistence.Path != "/tmp/ledger.db" {
		t.Errorf("Persistence.Path = %s, want /tmp/ledger.db", cfg.Persistence.Path)
	}
}
