/**
 * @description
 * This is the main entry point for the scheduler-service.
 * This service is a long-running process that executes scheduled tasks (cron jobs):
 * subscription and trial aging, expiry reminders and the payment repair sweeps.
 * Its only HTTP surface is the Prometheus /metrics listener on METRICS_PORT.
 */
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/clementdevtech/cardirectory/internal/app"
	"github.com/clementdevtech/cardirectory/internal/clock"
	"github.com/clementdevtech/cardirectory/internal/config"
	"github.com/clementdevtech/cardirectory/internal/metrics"
	"github.com/clementdevtech/cardirectory/internal/scheduler"
	"github.com/clementdevtech/cardirectory/internal/store"
	"github.com/clementdevtech/cardirectory/pkg/authclient"
	"github.com/clementdevtech/cardirectory/pkg/pesapal"
)

func main() {
	_ = godotenv.Load()
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	// Load application configuration
	cfg, err := config.LoadConfig(".")
	if err != nil {
		logger.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	if err := cfg.Validate("DATABASE_URL", "PESAPAL_CONSUMER_KEY", "PESAPAL_CONSUMER_SECRET"); err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	ctx := context.Background()

	dbpool, err := store.NewPool(ctx, cfg.DatabaseURL, 10)
	if err != nil {
		logger.Error("unable to connect to database", "error", err)
		os.Exit(1)
	}
	defer dbpool.Close()
	logger.Info("database connection established")

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	billingMetrics := metrics.New(registry, "scheduler-service")

	// Initialize dependencies
	repository := store.NewPostgresRepository(dbpool)
	clk := clock.System{}
	gateway := pesapal.NewGateway(pesapal.NewClient(cfg.PesapalBaseURL, cfg.PesapalConsumerKey, cfg.PesapalConsumerSecret,
		cfg.ProviderTimeout(), logger))
	notifier := app.NewOutboxNotifier(repository, cfg.NotificationExchange, clk)

	var promoter app.RolePromoter = app.NewStoreRolePromoter(repository)
	if cfg.AuthServiceURL != "" {
		promoter = authclient.NewClient(cfg.AuthServiceURL, cfg.InternalAPIKey, cfg.ProviderTimeout())
	}
	reconciler := app.NewReconciler(repository, gateway, notifier, promoter, clk, app.ReconcilerConfig{
		Currency:       cfg.PaymentCurrency,
		CallbackURL:    cfg.PaymentCallbackURL,
		NotificationID: cfg.PesapalIPNID,
		Plans:          cfg.Plans,
	}, logger, billingMetrics)

	jobs := scheduler.NewJobs(repository, reconciler, notifier, clk, logger, billingMetrics, cfg)
	cronScheduler := scheduler.NewScheduler(jobs, logger, cfg)

	metricsServer := metrics.NewServer(fmt.Sprintf(":%s", cfg.MetricsPort), registry)
	go func() {
		logger.Info("metrics listening", "addr", metricsServer.Addr)
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server stopped unexpectedly", "error", err)
		}
	}()

	// Start the cron scheduler in the background
	cronScheduler.Start()
	logger.Info("scheduler started")

	// Wait for termination signal to gracefully shut down
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info("shutdown signal received, stopping scheduler")
	stopCtx := cronScheduler.Stop()
	<-stopCtx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("metrics server shutdown failed", "error", err)
	}
	logger.Info("scheduler stopped gracefully")
}
