/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the community ledger server.
  Handles configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load configuration (.env, YAML, environment), then flags
  2. Initialize SQLite store and seed the billing configuration
  3. Start the event bus that generates next obligations after settlement
  4. Create the ledger service, API handler and router
  5. Start the overdue sweeper and the HTTP server

COMMAND-LINE FLAGS:
  -port    HTTP server port (overrides LEDGER_PORT)
  -db      SQLite database path (overrides LEDGER_DB_PATH)
           Use ":memory:" for in-memory database

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (shutdown timeout)
  3. Stop the sweeper, drain the event bus
  4. Close database connection

ENVIRONMENT:
  See config/config.go for the LEDGER_* variables.

SEE ALSO:
  - api/server.go: Router configuration
  - config/config.go: Configuration sources
  - store/sqlite/sqlite.go: Database implementation
*/
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/warp/community-ledger/api"
	"github.com/warp/community-ledger/config"
	"github.com/warp/community-ledger/ledger"
	"github.com/warp/community-ledger/metrics"
	"github.com/warp/community-ledger/pkg/logging"
	"github.com/warp/community-ledger/store/sqlite"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "ledger: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	// Flags
	port := flag.Int("port", cfg.Server.Port, "HTTP server port")
	dbPath := flag.String("db", cfg.Server.DBPath, "SQLite database path")
	flag.Parse()
	cfg.Server.Port = *port
	cfg.Server.DBPath = *dbPath

	logger := logging.Setup(cfg.LogLevel)

	if cfg.Server.DBPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(cfg.Server.DBPath), 0o755); err != nil {
			return fmt.Errorf("create data dir: %w", err)
		}
	}

	// Initialize store
	store, err := sqlite.New(cfg.Server.DBPath)
	if err != nil {
		return fmt.Errorf("initialize database: %w", err)
	}
	defer store.Close()

	seed, err := cfg.Billing.Ledger()
	if err != nil {
		return err
	}
	seed.UpdatedAt = ledger.SystemClock()
	if err := store.SeedConfig(context.Background(), seed); err != nil {
		return fmt.Errorf("seed billing config: %w", err)
	}

	recorder := metrics.NewRecorder()

	// Next obligations are generated off the request path
	bus := ledger.NewEventBus(cfg.Server.EventBuffer, logger)
	svc := ledger.NewService(store, store, store, store, ledger.Options{
		Logger:  logger,
		Metrics: recorder,
		Events:  bus,
	})
	bus.Subscribe(ledger.NextObligationHandler(svc.Generator, recorder))
	bus.Start()
	defer bus.Close()

	handler := api.NewHandler(svc, store, logger)
	router := api.NewRouter(handler, api.RouterOptions{AllowedOrigins: cfg.Server.AllowedOrigins})

	sweeper := api.NewOverdueSweeper(svc, logger)
	sweeper.Interval = cfg.Overdue.Interval
	sweeper.Enabled = cfg.Overdue.Enabled
	sweeper.Start()
	defer sweeper.Stop()

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("server starting", "port", cfg.Server.Port, "db", cfg.Server.DBPath)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-quit:
		logger.Info("shutting down server", "signal", sig.String())
	case err := <-serverErr:
		return fmt.Errorf("server failed: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	logger.Info("server stopped")
	return nil
}
