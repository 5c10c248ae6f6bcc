/**
 * @description
 * This is the main entry point for the payment-service. It initializes configuration, the
 * database pool, the payment provider gateway, the notification outbox dispatcher, the relayed
 * payment event consumer and the HTTP server, then wires them together and serves until a
 * termination signal arrives.
 *
 * @dependencies
 * - github.com/joho/godotenv: For loading .env files during local development.
 * - github.com/redis/go-redis/v9: Distributed checkout rate limiting.
 * - github.com/prometheus/client_golang: Metrics registry.
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
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/clementdevtech/cardirectory/internal/api"
	"github.com/clementdevtech/cardirectory/internal/app"
	"github.com/clementdevtech/cardirectory/internal/clock"
	"github.com/clementdevtech/cardirectory/internal/config"
	"github.com/clementdevtech/cardirectory/internal/metrics"
	"github.com/clementdevtech/cardirectory/internal/store"
	"github.com/clementdevtech/cardirectory/pkg/authclient"
	"github.com/clementdevtech/cardirectory/pkg/pesapal"
	"github.com/clementdevtech/cardirectory/pkg/rabbitmq"
)

func main() {
	if err := godotenv.Load(); err != nil {
		slog.Info("no .env file found, using environment variables")
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg, err := config.LoadConfig(".")
	if err != nil {
		logger.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	if err := cfg.Validate("DATABASE_URL", "JWT_SECRET", "INTERNAL_API_KEY", "PESAPAL_CONSUMER_KEY", "PESAPAL_CONSUMER_SECRET"); err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dbpool, err := store.NewPool(ctx, cfg.DatabaseURL, 50)
	if err != nil {
		logger.Error("unable to connect to database", "error", err)
		os.Exit(1)
	}
	defer dbpool.Close()
	logger.Info("database connection established")

	if cfg.RunMigrations {
		if err := store.Migrate(ctx, dbpool); err != nil {
			logger.Error("failed to apply migrations", "error", err)
			os.Exit(1)
		}
		logger.Info("database migrations applied")
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	billingMetrics := metrics.New(registry, "payment-service")

	repository := store.NewPostgresRepository(dbpool)
	clk := clock.System{}
	gateway := pesapal.NewGateway(pesapal.NewClient(cfg.PesapalBaseURL, cfg.PesapalConsumerKey, cfg.PesapalConsumerSecret,
		cfg.ProviderTimeout(), logger))
	notifier := app.NewOutboxNotifier(repository, cfg.NotificationExchange, clk)

	var promoter app.RolePromoter = app.NewStoreRolePromoter(repository)
	if strings.TrimSpace(cfg.AuthServiceURL) != "" {
		promoter = authclient.NewClient(cfg.AuthServiceURL, cfg.InternalAPIKey, cfg.ProviderTimeout())
		logger.Info("role promotion delegated to auth service", "url", cfg.AuthServiceURL)
	}

	reconciler := app.NewReconciler(repository, gateway, notifier, promoter, clk, app.ReconcilerConfig{
		Currency:       cfg.PaymentCurrency,
		CallbackURL:    cfg.PaymentCallbackURL,
		NotificationID: cfg.PesapalIPNID,
		Plans:          cfg.Plans,
	}, logger, billingMetrics)
	quota := app.NewQuotaService(repository, clk, logger, billingMetrics)
	trials := app.NewTrialService(repository, notifier, clk, cfg.TrialDuration(), cfg.TrialListings, logger)
	subscriptions := app.NewSubscriptionService(repository, clk, logger)

	dispatcher := app.NewOutboxDispatcher(repository, publisherFactory(cfg.RabbitMQURL, logger), cfg.OutboxPollInterval(), logger, billingMetrics)
	go dispatcher.Run(ctx)

	if strings.TrimSpace(cfg.RabbitMQURL) != "" {
		consumer, err := rabbitmq.NewConsumer(cfg.RabbitMQURL, logger)
		if err != nil {
			logger.Error("rabbitmq consumer init failed", "error", err)
			os.Exit(1)
		}
		defer consumer.Close()

		statusConsumer := app.NewPaymentStatusConsumer(reconciler, logger)
		bindings := map[string]func([]byte) bool{
			"payment.status.updated":   statusConsumer.HandleMessage,
			"payment.status.completed": statusConsumer.HandleMessage,
			"payment.status.failed":    statusConsumer.HandleMessage,
		}
		if err := consumer.ConsumeWithBindings(cfg.PaymentEventExchange, cfg.PaymentEventQueue, bindings); err != nil {
			logger.Error("payment event consumer start failed", "error", err)
			os.Exit(1)
		}
	} else {
		logger.Warn("RABBITMQ_URL not set; relayed payment events will not be consumed")
	}

	limitWindow := time.Minute
	var limiter api.RateLimiter = api.NewLocalRateLimiter(cfg.CheckoutRateLimitPerMinute, limitWindow)
	if strings.TrimSpace(cfg.RedisURL) != "" {
		redisOpts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			logger.Error("invalid REDIS_URL", "error", err)
			os.Exit(1)
		}
		redisClient := redis.NewClient(redisOpts)
		defer redisClient.Close()
		limiter = api.NewFallbackRateLimiter(
			api.NewRedisRateLimiter(redisClient, "billing:rate_limit", cfg.CheckoutRateLimitPerMinute, limitWindow),
			limiter,
			logger,
		)
	}

	handler := api.NewHandler(reconciler, quota, trials, subscriptions, limiter, cfg.WebhookSecret, logger)
	router := api.NewRouter(handler, api.RouterConfig{
		JWTSecret:      cfg.JWTSecret,
		InternalAPIKey: cfg.InternalAPIKey,
		MetricsHandler: promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
	})

	server := &http.Server{
		Addr:              fmt.Sprintf(":%s", cfg.ServerPort),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("server listening", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server stopped unexpectedly", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown started")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown failed", "error", err)
	}
	logger.Info("shutdown complete")
}

// publisherFactory opens a RabbitMQ producer per connection attempt, or logs notifications when no broker is configured.
func publisherFactory(amqpURL string, logger *slog.Logger) app.PublisherFactory {
	if strings.TrimSpace(amqpURL) == "" {
		logger.Warn("RABBITMQ_URL not set; notifications will be logged instead of published")
		return func() (rabbitmq.Publisher, error) {
			return &rabbitmq.FallbackPublisher{Logger: logger}, nil
		}
	}
	return func() (rabbitmq.Publisher, error) {
		return rabbitmq.NewEventProducer(amqpURL, logger)
	}
}
