// Command pgguardd runs a supervised PostgreSQL pool behind a small HTTP
// surface: health, metrics, a probe query and a manual reconnect trigger.
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/lmittmann/tint"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.opentelemetry.io/otel"

	"github.com/fernandezvara/pgguard"
)

func main() {
	addr := flag.String("addr", ":8080", "HTTP listen address")
	isDebug := flag.Bool("debug", false, "Enable debug logging")
	logQueries := flag.Bool("log-queries", false, "Log every query")
	flag.Parse()

	_ = godotenv.Load()

	level := slog.LevelInfo
	if *isDebug {
		level = slog.LevelDebug
	}
	logger := slog.New(tint.NewHandler(os.Stderr, &tint.Options{
		Level:      level,
		TimeFormat: time.RFC3339,
	}))
	slog.SetDefault(logger)

	if err := run(*addr, *logQueries, logger); err != nil {
		logger.Error("pgguardd stopped", "error", err)
		os.Exit(1)
	}
}

func run(addr string, logQueries bool, logger *slog.Logger) error {
	cfg, err := pgguard.ConfigFromEnv(os.Getenv)
	if err != nil {
		return err
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	cfg = cfg.
		WithLogger(logger).
		WithMetrics(registry).
		WithTracing(otel.Tracer("pgguardd")).
		WithSlowQueryLog(time.Second)
	cfg.LogQueries = logQueries

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var opts []pgguard.Option
	if cfg.DurableAudit {
		handler, closeAudit, err := openAudit(ctx, cfg.URL, logger)
		if err != nil {
			return err
		}
		defer closeAudit()
		opts = append(opts, pgguard.WithAuditHandler(handler))
	}

	db, err := pgguard.New(ctx, cfg, opts...)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              addr,
		Handler:           (&server{db: db, logger: logger, gatherer: registry}).routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("HTTP server listening", "addr", addr, "state", db.State().String())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-errCh:
		if err != nil {
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown failed", "error", err)
	}
	return db.Close(shutdownCtx)
}

// openAudit prepares the durable audit table. A database that is down at
// start-up only disables durable records; the supervisor still starts.
func openAudit(ctx context.Context, url string, logger *slog.Logger) (pgguard.AuditHandler, func(), error) {
	auditDB, err := pgguard.OpenAuditDB(pgguard.AuditStoreConfig{URL: url, Logger: logger})
	if err != nil {
		return nil, nil, err
	}

	migrateCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if _, err := pgguard.MigrateAudit(migrateCtx, auditDB); err != nil {
		logger.Warn("audit migrations not applied", "error", err)
	}

	closeFn := func() {
		if err := auditDB.Close(); err != nil {
			logger.Warn("failed to close audit database", "error", err)
		}
	}
	return pgguard.NewDatabaseAuditHandler(auditDB), closeFn, nil
}
