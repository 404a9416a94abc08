// Package main is the entry point for the order ledger.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/tathienbao/order-ledger/internal/alerting"
	"github.com/tathienbao/order-ledger/internal/broker/paper"
	"github.com/tathienbao/order-ledger/internal/config"
	"github.com/tathienbao/order-ledger/internal/dispatch"
	"github.com/tathienbao/order-ledger/internal/ledger"
	"github.com/tathienbao/order-ledger/internal/metrics"
	"github.com/tathienbao/order-ledger/internal/persistence"
	"github.com/tathienbao/order-ledger/internal/scenario"
	"golang.org/x/term"
)

// Version information (set by build flags).
var (
	Version   = "0.1.0"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

func main() {
	// Parse command
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "version", "-v", "--version":
		cmdVersion()
	case "help", "-h", "--help":
		printUsage()
	case "run":
		cmdRun(os.Args[2:])
	case "validate":
		cmdValidate(os.Args[2:])
	case "journal":
		cmdJournal(os.Args[2:])
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`Order Ledger - Order Reconciliation and PnL Accounting

Usage:
  order-ledger <command> [options]

Commands:
  run        Replay a scenario through the paper venue and report PnL
  validate   Validate configuration file
  journal    Print journaled fills for a ticker
  version    Show version information
  help       Show this help message

Examples:
  order-ledger run --config configs/config.example.yaml --data scenarios/session.csv
  order-ledger validate --config config.yaml
  order-ledger journal --config config.yaml --ticker MES --limit 20

Use "order-ledger <command> --help" for more information about a command.`)
}

func cmdVersion() {
	fmt.Printf("order-ledger version %s\n", Version)
	fmt.Printf("  Build time: %s\n", BuildTime)
	fmt.Printf("  Git commit: %s\n", GitCommit)
}

func cmdValidate(args []string) {
	fs := flag.NewFlagSet("validate", flag.ExitOnError)
	configPath := fs.String("config", "config.yaml", "Path to configuration file")
	fs.Parse(args)

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Configuration error: %v\n", err)
		os.Exit(1)
	}

	ledgers, err := cfg.LedgerConfigs()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Configuration error: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("Configuration is valid!")
	for _, lc := range ledgers {
		fmt.Printf("  %-12s %-8s tick %s  unit %s  fee %s  fee rate %s\n",
			lc.Name, lc.Ticker, lc.TickSize, lc.Unit, lc.Fee, lc.FeeRate)
	}
	fmt.Printf("  Audit interval: %v\n", cfg.AuditInterval())
	fmt.Printf("  Fail fast: %v\n", cfg.Dispatch.FailFast)
	fmt.Printf("  Persistence: %v\n", cfg.Persistence.Enabled)
}

func cmdJournal(args []string) {
	fs := flag.NewFlagSet("journal", flag.ExitOnError)
	configPath := fs.String("config", "config.yaml", "Path to configuration file")
	ticker := fs.String("ticker", "", "Ticker to print (required)")
	limit := fs.Int("limit", 50, "Most recent fills to print, 0 for all")
	fs.Parse(args)

	if *ticker == "" {
		fmt.Fprintln(os.Stderr, "Error: --ticker is required")
		fs.Usage()
		os.Exit(1)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Configuration error: %v\n", err)
		os.Exit(1)
	}
	if !cfg.Persistence.Enabled {
		fmt.Fprintln(os.Stderr, "Error: persistence is disabled in config")
		os.Exit(1)
	}

	repo, err := persistence.NewSQLiteRepository(cfg.Persistence.Path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Open journal: %v\n", err)
		os.Exit(1)
	}
	defer repo.Close()

	ctx := context.Background()
	fills, err := repo.GetFillsByTicker(ctx, *ticker, *limit)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Read journal: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("%-24s %-12s %-38s %10s %12s %8s %12s %12s\n",
		"TIME", "INVENTORY", "ORDER", "DELTA", "PRICE", "POS", "AVG", "TOTAL PNL")
	for _, f := range fills {
		fmt.Printf("%-24s %-12s %-38s %10s %12s %8s %12s %12s\n",
			f.Timestamp.Format("2006-01-02 15:04:05.000"),
			f.Name,
			f.UID,
			f.PosDelta.String(),
			f.Price.String(),
			f.Pos.String(),
			f.AvgPrice.StringFixed(4),
			f.TotalPnL.StringFixed(2),
		)
	}

	if session, err := repo.GetLatestSession(ctx); err == nil && session != nil {
		fmt.Printf("\nLast session %s: %d applied, %d unmatched, total PnL %s\n",
			session.ID, session.Applied, session.Unmatched, session.TotalPnL.StringFixed(2))
	}
}

func newLogger(format string, verbose bool) *slog.Logger {
	logLevel := slog.LevelInfo
	if verbose {
		logLevel = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: logLevel}

	// auto: readable text on a terminal, JSON when piped to a collector
	if format == "auto" {
		format = "json"
		if term.IsTerminal(int(os.Stdout.Fd())) {
			format = "text"
		}
	}
	if format == "text" {
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}

func newAlerter(cfg *config.Config, logger *slog.Logger) (*alerting.MultiAlerter, *alerting.TelegramAlerter) {
	alerter := alerting.NewMultiAlerter(logger, alerting.NewConsoleAlerter(logger))
	alerter.SetEvents(cfg.AlertEvents()...)

	var telegram *alerting.TelegramAlerter
	if !cfg.Alerting.Enabled {
		return alerter, nil
	}
	for _, ch := range cfg.Alerting.Channels {
		if ch.Type != "telegram" {
			continue
		}
		telegram = alerting.NewTelegramAlerter(alerting.TelegramConfig{
			BotToken: ch.BotToken,
			ChatID:   ch.ChatID,
			APIURL:   ch.APIURL,
		})
		alerter.AddAlerter(telegram)
	}
	return alerter, telegram
}

func cmdRun(args []string) {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	configPath := fs.String("config", "config.yaml", "Path to configuration file")
	dataPath := fs.String("data", "", "Path to scenario CSV file (required)")
	logFormat := fs.String("log-format", "auto", "Log format: auto, json, text")
	verbose := fs.Bool("verbose", false, "Debug logging, including every fill")
	hold := fs.Bool("hold", false, "Keep serving metrics after the scenario until interrupted")
	fs.Parse(args)

	if *dataPath == "" {
		fmt.Fprintln(os.Stderr, "Error: --data is required")
		fs.Usage()
		os.Exit(1)
	}

	// Setup structured logging
	logger := newLogger(*logFormat, *verbose)
	slog.SetDefault(logger)

	// Load config
	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "err", err)
		os.Exit(1)
	}

	events, err := scenario.Load(*dataPath)
	if err != nil {
		slog.Error("failed to load scenario", "err", err)
		os.Exit(1)
	}

	// Setup signal handling for graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(),
		syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metrics.SetBuildInfo(Version, GitCommit, BuildTime)
	sessionID := uuid.NewString()

	slog.Info("order-ledger starting",
		"version", Version,
		"session", sessionID,
		"inventories", len(cfg.Inventories),
		"events", len(events),
	)

	alerter, telegram := newAlerter(cfg, logger)

	// Audit sinks shared by every inventory
	sinks := ledger.MultiSink{metrics.NewSink()}
	if *verbose {
		sinks = append(sinks, ledger.NewLogSink(logger))
	}

	var journal *persistence.Journal
	if cfg.Persistence.Enabled {
		repo, err := persistence.NewSQLiteRepository(cfg.Persistence.Path)
		if err != nil {
			slog.Error("failed to open journal", "err", err)
			os.Exit(1)
		}
		defer repo.Close()
		journal = persistence.NewJournal(repo, logger)
		sinks = append(sinks, journal)
	}

	disp := dispatch.New(cfg.ToDispatchConfig(), alerter, logger)

	ledgers, err := cfg.LedgerConfigs()
	if err != nil {
		slog.Error("invalid inventory config", "err", err)
		os.Exit(1)
	}
	invs := make([]*ledger.Inventory, 0, len(ledgers))
	for _, lc := range ledgers {
		inv, err := ledger.NewInventory(lc, sinks)
		if err != nil {
			slog.Error("failed to create inventory", "inventory", lc.Name, "err", err)
			os.Exit(1)
		}
		if err := disp.Register(inv); err != nil {
			slog.Error("failed to register inventory", "inventory", lc.Name, "err", err)
			os.Exit(1)
		}
		invs = append(invs, inv)
	}

	venue := paper.NewBroker(cfg.ToPaperConfig(), logger)
	runner, err := scenario.NewRunner(disp, venue, invs, logger)
	if err != nil {
		slog.Error("failed to create runner", "err", err)
		os.Exit(1)
	}

	// Metrics server
	var server *metrics.Server
	if cfg.Metrics.Enabled {
		server = metrics.NewServer(metrics.ServerConfig{
			Port:        cfg.Metrics.Port,
			MetricsPath: cfg.Metrics.Path,
			HealthPath:  "/health",
			LedgerPath:  "/ledger",
		}, logger)
		server.SetLedger(func() []ledger.Snapshot { return disp.Snapshots(nil) }, disp.Halted)
		server.RegisterHealthCheck("inventories", metrics.HaltedCheck(disp.Halted))
		server.RegisterHealthCheck("venue", metrics.ConnectedCheck(venue.IsConnected))
		if err := server.Start(); err != nil {
			slog.Error("failed to start metrics server", "err", err)
			os.Exit(1)
		}
	}

	if err := disp.Start(ctx); err != nil {
		slog.Error("failed to start dispatcher", "err", err)
		os.Exit(1)
	}
	recorder := metrics.NewRecorder()
	if err := venue.Connect(ctx); err != nil {
		slog.Error("failed to connect venue", "err", err)
		sendAlert(ctx, alerter, alerting.EventConnectionLost, "Venue connection failed", "err", err.Error())
		os.Exit(1)
	}
	recorder.RecordBrokerStatus(venue.IsConnected())
	sendAlert(ctx, alerter, alerting.EventSessionStarted, "Session started", "session", sessionID)

	result, runErr := runner.Run(ctx, events)
	recorder.RecordBrokerStatus(venue.IsConnected())
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		slog.Error("scenario aborted", "err", runErr)
	}

	if *hold && server != nil && ctx.Err() == nil {
		slog.Info("scenario done, serving metrics until interrupted")
		<-ctx.Done()
	}

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout())
	defer cancel()

	summary := finish(shutdownCtx, finishDeps{
		sessionID: sessionID,
		disp:      disp,
		result:    result,
		journal:   journal,
		invs:      invs,
		alerter:   alerter,
		telegram:  telegram,
		server:    server,
	})

	fmt.Println(summary.Format())

	if runErr != nil || len(summary.Halted) > 0 {
		os.Exit(1)
	}
}

type finishDeps struct {
	sessionID string
	disp      *dispatch.Dispatcher
	result    *scenario.Result
	journal   *persistence.Journal
	invs      []*ledger.Inventory
	alerter   *alerting.MultiAlerter
	telegram  *alerting.TelegramAlerter
	server    *metrics.Server
}

// finish runs the shutdown steps and returns the session summary.
func finish(ctx context.Context, deps finishDeps) alerting.SessionSummary {
	slog.Info("starting graceful shutdown")

	res := deps.result
	if res == nil {
		res = &scenario.Result{Started: time.Now(), Ended: time.Now()}
	}
	summary := alerting.NewSessionSummary(res.Started, res.Ended, res.Snapshots, res.Halted,
		int(res.Applied), int(res.Unmatched))

	steps := []struct {
		name string
		fn   func() error
	}{
		{"stop dispatcher", func() error {
			return deps.disp.Stop(ctx)
		}},
		{"final audit", func() error {
			return deps.disp.Audit(ctx)
		}},
		{"save journal", func() error {
			if deps.journal == nil {
				return nil
			}
			for _, inv := range deps.invs {
				if err := deps.journal.SaveOrders(ctx, inv); err != nil {
					return err
				}
			}
			return deps.journal.SaveSession(ctx, persistence.SessionRecord{
				ID:        deps.sessionID,
				Started:   summary.Started,
				Ended:     summary.Ended,
				Applied:   res.Applied,
				Unmatched: res.Unmatched,
				Halted:    summary.Halted,
				TotalPnL:  summary.TotalPnL,
			}, summary.Inventories)
		}},
		{"send summary", func() error {
			if !deps.alerter.Enabled(alerting.EventSessionSummary) {
				return nil
			}
			if deps.telegram != nil {
				return deps.telegram.SendSessionSummary(ctx, summary)
			}
			sendAlert(ctx, deps.alerter, alerting.EventSessionSummary, "Session summary", summary.Fields()...)
			return nil
		}},
		{"stop metrics server", func() error {
			if deps.server == nil {
				return nil
			}
			return deps.server.Shutdown(ctx)
		}},
	}

	for _, step := range steps {
		select {
		case <-ctx.Done():
			slog.Error("shutdown timeout", "step", step.name)
			return summary
		default:
			slog.Debug("shutdown step", "step", step.name)
			if err := step.fn(); err != nil {
				slog.Warn("shutdown step failed", "step", step.name, "err", err)
			}
		}
	}

	sendAlert(ctx, deps.alerter, alerting.EventSessionStopped, "Session stopped", "session", deps.sessionID)
	slog.Info("order-ledger shutdown complete")
	return summary
}

func sendAlert(ctx context.Context, alerter *alerting.MultiAlerter, event alerting.AlertEvent, message string, fields ...any) {
	if err := alerter.AlertEvent(ctx, event, message, fields...); err != nil {
		slog.Warn("failed to send alert", "event", event, "err", err)
	}
}
