package metrics

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"
	"github.com/tathienbao/order-ledger/internal/ledger"
)

// Check statuses
const (
	StatusHealthy   = "healthy"
	StatusUnhealthy = "unhealthy"
)

// ServerConfig holds configuration for the metrics server.
type ServerConfig struct {
	Port        int
	MetricsPath string
	HealthPath  string
	LedgerPath  string
}

// DefaultServerConfig returns default server configuration.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Port:        9090,
		MetricsPath: "/metrics",
		HealthPath:  "/health",
		LedgerPath:  "/ledger",
	}
}

// LedgerSource returns the current snapshot of every inventory.
type LedgerSource func() []ledger.Snapshot

// InventoryView is the JSON form of a ledger snapshot. Decimals are
// encoded as strings so no precision is lost.
type InventoryView struct {
	Name          string          `json:"name"`
	Ticker        string          `json:"ticker"`
	Pos           decimal.Decimal `json:"pos"`
	AvgPrice      decimal.Decimal `json:"avg_price"`
	Mark          decimal.Decimal `json:"mark"`
	RealizedPnL   decimal.Decimal `json:"realized_pnl"`
	RealizedFee   decimal.Decimal `json:"realized_fee"`
	UnrealizedPnL decimal.Decimal `json:"unrealized_pnl"`
	TotalPnL      decimal.Decimal `json:"total_pnl"`
	OpenedBuy     decimal.Decimal `json:"opened_buy"`
	OpenedSell    decimal.Decimal `json:"opened_sell"`
	Orders        int             `json:"orders"`
	Halted        bool            `json:"halted"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// HealthStatus represents the health check response.
type HealthStatus struct {
	Status    string           `json:"status"`
	Timestamp time.Time        `json:"timestamp"`
	Uptime    string           `json:"uptime"`
	Checks    map[string]Check `json:"checks"`
}

// Check represents a single health check.
type Check struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// HealthChecker is a function that performs a health check.
type HealthChecker func() Check

// HaltedCheck reports unhealthy while any inventory is halted.
func HaltedCheck(halted func() []string) HealthChecker {
	return func() Check {
		names := halted()
		if len(names) == 0 {
			return Check{Status: StatusHealthy}
		}
		slices.Sort(names)
		return Check{
			Status:  StatusUnhealthy,
			Message: "halted: " + strings.Join(names, ", "),
		}
	}
}

// ConnectedCheck reports unhealthy while the venue is disconnected.
func ConnectedCheck(connected func() bool) HealthChecker {
	return func() Check {
		if connected() {
			return Check{Status: StatusHealthy}
		}
		return Check{Status: StatusUnhealthy, Message: "broker disconnected"}
	}
}

// Server handles metrics and health endpoints.
type Server struct {
	cfg        ServerConfig
	httpServer *http.Server
	startTime  time.Time
	logger     *slog.Logger

	mu       sync.RWMutex
	checkers map[string]HealthChecker
	ledger   LedgerSource
	halted   func() []string
}

// NewServer creates a new metrics server.
func NewServer(cfg ServerConfig, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		cfg:       cfg,
		startTime: time.Now(),
		logger:    logger,
		checkers:  make(map[string]HealthChecker),
	}

	mux := http.NewServeMux()
	mux.Handle(cfg.MetricsPath, promhttp.Handler())
	mux.HandleFunc(cfg.HealthPath, s.healthHandler)
	if cfg.LedgerPath != "" {
		mux.HandleFunc(cfg.LedgerPath, s.ledgerHandler)
	}
	mux.HandleFunc("/ready", s.readyHandler)
	mux.HandleFunc("/live", s.liveHandler)

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// Handler returns the server's request multiplexer.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// RegisterHealthCheck registers a health checker.
func (s *Server) RegisterHealthCheck(name string, checker HealthChecker) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checkers[name] = checker
}

// SetLedger exposes inventory snapshots on the ledger path. halted may be
// nil.
func (s *Server) SetLedger(source LedgerSource, halted func() []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ledger = source
	s.halted = halted
}

// Start starts the metrics server.
func (s *Server) Start() error {
	s.logger.Info("starting metrics server",
		"port", s.cfg.Port,
		"metrics_path", s.cfg.MetricsPath,
		"health_path", s.cfg.HealthPath,
		"ledger_path", s.cfg.LedgerPath,
	)

	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("metrics server error", "err", err)
		}
	}()

	return nil
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down metrics server")
	return s.httpServer.Shutdown(ctx)
}

// runChecks evaluates every registered checker.
func (s *Server) runChecks() (map[string]Check, bool) {
	s.mu.RLock()
	checkers := maps.Clone(s.checkers)
	s.mu.RUnlock()

	checks := make(map[string]Check, len(checkers))
	healthy := true
	for name, checker := range checkers {
		check := checker()
		checks[name] = check
		if check.Status != StatusHealthy {
			healthy = false
		}
	}
	return checks, healthy
}

// healthHandler handles the /health endpoint.
func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	checks, healthy := s.runChecks()

	status := HealthStatus{
		Status:    StatusHealthy,
		Timestamp: time.Now(),
		Uptime:    time.Since(s.startTime).String(),
		Checks:    checks,
	}
	if !healthy {
		status.Status = StatusUnhealthy
	}

	w.Header().Set("Content-Type", "application/json")
	if !healthy {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(status)
}

// readyHandler handles the /ready endpoint.
func (s *Server) readyHandler(w http.ResponseWriter, r *http.Request) {
	if _, healthy := s.runChecks(); !healthy {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not ready"))
		return
	}

	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}

// ledgerHandler serves the inventory snapshots, sorted by name.
func (s *Server) ledgerHandler(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	source, halted := s.ledger, s.halted
	s.mu.RUnlock()

	if source == nil {
		http.Error(w, "no ledger registered", http.StatusNotFound)
		return
	}

	var haltedNames []string
	if halted != nil {
		haltedNames = halted()
	}

	snaps := source()
	views := make([]InventoryView, 0, len(snaps))
	for _, snap := range snaps {
		views = append(views, InventoryView{
			Name:          snap.Name,
			Ticker:        snap.Ticker,
			Pos:           snap.Pos,
			AvgPrice:      snap.Price,
			Mark:          snap.Mark,
			RealizedPnL:   snap.RealizedPnL,
			RealizedFee:   snap.RealizedFee,
			UnrealizedPnL: snap.UnrealizedPnL,
			TotalPnL:      snap.TotalPnL,
			OpenedBuy:     snap.OpenedBuy,
			OpenedSell:    snap.OpenedSell,
			Orders:        snap.Orders,
			Halted:        slices.Contains(haltedNames, snap.Name),
			UpdatedAt:     snap.Timestamp,
		})
	}
	slices.SortFunc(views, func(a, b InventoryView) int {
		return strings.Compare(a.Name, b.Name)
	})

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(views); err != nil {
		s.logger.Warn("encode ledger", "err", err)
	}
}

// liveHandler handles the /live endpoint.
func (s *Server) liveHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("alive"))
}

// Uptime returns the server uptime.
func (s *Server) Uptime() time.Duration {
	return time.Since(s.startTime)
}
