/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the benefit case-management server.
  Handles configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load env config (.env picked up in development), parse flags
  2. Initialize zap logger
  3. Open SQLite store
  4. Wire the finalization orchestrator and its observers
  5. Start the follow-up scheduler and the payment resend worker
  6. Start HTTP server with graceful shutdown

COMMAND-LINE FLAGS:
  -port    HTTP server port (overrides PORT)
  -db      SQLite database path (overrides DB_PATH)
           Use ":memory:" for an in-memory database

ENVIRONMENT:
  PORT, DB_PATH, LOG_LEVEL, SHUTDOWN_TIMEOUT
  AMQP_URL, AMQP_EXCHANGE      Statistics publisher (off when unset)
  FOLLOWUP_INTERVAL            Follow-up scheduler tick
  RESEND_INTERVAL              Failed-payment retry tick

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete
  3. Stop background workers
  4. Close database connection

EXAMPLES:
  # Run with file database
  ./server -db="./data/benefit.db"

  # Run with in-memory database
  ./server -db=":memory:"

SEE ALSO:
  - api/server.go: Router configuration
  - config/config.go: Environment configuration
  - store/sqlite/sqlite.go: Database implementation
*/
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	amqp091 "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/saksys/benefit-engine/abroadstay"
	"github.com/saksys/benefit-engine/api"
	"github.com/saksys/benefit-engine/config"
	"github.com/saksys/benefit-engine/core"
	"github.com/saksys/benefit-engine/finalize"
	"github.com/saksys/benefit-engine/followup"
	"github.com/saksys/benefit-engine/payment"
	"github.com/saksys/benefit-engine/repayment"
	"github.com/saksys/benefit-engine/statistics"
	"github.com/saksys/benefit-engine/store/sqlite"
)

func main() {
	cfg := config.Load()

	port := flag.Int("port", cfg.Port, "HTTP server port")
	dbPath := flag.String("db", cfg.DBPath, "SQLite database path (:memory: for in-memory)")
	flag.Parse()

	log, err := newLogger(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	if err := run(cfg, *port, *dbPath, log); err != nil {
		log.Fatal("server failed", zap.Error(err))
	}
}

func run(cfg config.Config, port int, dbPath string, log *zap.Logger) error {
	store, err := sqlite.New(dbPath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer store.Close()
	log.Info("store opened", zap.String("db", dbPath))

	clock := core.SystemClock

	gateway := payment.LocalGateway{Clock: clock}
	dispatcher := payment.LocalDispatcher{Clock: clock}

	orchestrator := finalize.NewOrchestrator(store, gateway, dispatcher, followup.Canceller{Store: store}, clock, log)
	orchestrator.AddObserver(statistics.NewLogObserver(log))
	orchestrator.AddObserver(followup.NewPlanner(store, clock, log))

	if cfg.AMQPURL != "" {
		conn, err := amqp091.Dial(cfg.AMQPURL)
		if err != nil {
			return fmt.Errorf("connect amqp: %w", err)
		}
		defer conn.Close()

		publisher, err := statistics.NewAMQPPublisher(conn, cfg.AMQPExchange, "case.finalized")
		if err != nil {
			return fmt.Errorf("amqp publisher: %w", err)
		}
		defer publisher.Close()
		orchestrator.AddObserver(publisher)
		log.Info("statistics publisher enabled", zap.String("exchange", cfg.AMQPExchange))
	}

	scheduler := followup.NewScheduler(store, followup.LogSink{Log: log}, clock, log)
	scheduler.CheckInterval = cfg.FollowUpInterval
	scheduler.Start()
	defer scheduler.Stop()

	resender := finalize.NewResender(store, dispatcher, clock, log)
	resender.Interval = cfg.ResendInterval
	resender.Start()
	defer resender.Stop()

	handler := api.NewHandler(store, gateway, orchestrator,
		abroadstay.NewService(store, clock),
		repayment.NewService(store, clock),
		clock, log)
	router := api.NewRouter(handler)

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: router,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("server listening", zap.Int("port", port))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		log.Info("shutting down", zap.String("signal", sig.String()))
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}

	log.Info("server stopped")
	return nil
}

func newLogger(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		lvl = zapcore.InfoLevel
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	return cfg.Build()
}
