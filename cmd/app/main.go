package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"chatfunnel/internal/billing"
	"chatfunnel/internal/cache"
	"chatfunnel/internal/calling"
	"chatfunnel/internal/config"
	"chatfunnel/internal/engine"
	"chatfunnel/internal/gateway"
	"chatfunnel/internal/handlers"
	"chatfunnel/internal/httpserver"
	"chatfunnel/internal/jobs"
	"chatfunnel/internal/logging"
	"chatfunnel/internal/metrics"
	"chatfunnel/internal/payments"
	"chatfunnel/internal/repo"
	"chatfunnel/internal/sched"
	"chatfunnel/internal/wa"
	"chatfunnel/migrations"

	"github.com/joho/godotenv"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := logging.NewLogger(cfg.LogLevel, cfg.LogFormat)
	logger.Info("starting chatfunnel", "env", cfg.AppEnv, "tenant", cfg.TenantID, "bot", cfg.BotID)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	metricRegistry := metrics.Registry(cfg.MetricsNamespace)

	repository, err := repo.New(ctx, cfg.DatabaseURL, cfg.DatabaseSchema, logger)
	if err != nil {
		return fmt.Errorf("init repository: %w", err)
	}
	defer repository.Close()

	if err := repository.RunMigrations(ctx, migrations.Files); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	logger.Info("database migrated")

	redisClient := cache.New(cache.Config{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
		UseTLS:   cfg.RedisTLS,
	}, logger)
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("failed closing redis", "error", err)
		}
	}()
	if err := redisClient.Ping(ctx); err != nil {
		logger.Warn("redis ping failed", "error", err)
	}

	waClient, err := wa.New(ctx, wa.Config{
		StorePath: cfg.WhatsAppStorePath,
		LogLevel:  cfg.WhatsAppLogLevel,
		Metrics:   metricRegistry,
	}, logger)
	if err != nil {
		return fmt.Errorf("init whatsapp client: %w", err)
	}
	defer waClient.Close()

	gatewayClient := gateway.New(gateway.Config{
		BaseURL: cfg.GatewayBaseURL,
		APIKey:  cfg.GatewayAPIKey,
		Timeout: cfg.GatewayTimeout,
	}, logger, metricRegistry)

	queue := sched.NewQueue(redisClient, logger, metricRegistry)
	ledger := billing.NewLedger(repository, logger, metricRegistry)

	handoff := handlers.NewOperatorNotifier(cfg.OperatorNumber, waClient, logger)
	callingEngine := calling.NewEngine(repository, waClient, repository, handoff, queue,
		logger, metricRegistry, calling.Options{
			Cache: redisClient,
			Gate:  ledger,
		})

	reconciler := payments.NewReconciler(repository, callingEngine, ledger, logger, metricRegistry)
	poller := payments.NewPoller(repository, gatewayClient, reconciler, cfg.PaymentPollBatch, logger, metricRegistry)
	charges := payments.NewCharges(gatewayClient, reconciler, cfg.GatewayName, logger, metricRegistry)
	webhookHandler := payments.NewWebhookHandler(logger, metricRegistry, cfg.PaymentWebhookToken, reconciler)

	funnelEngine := engine.New(repository, logger, metricRegistry)

	classifier := &handlers.KeywordClassifier{CallingKeywords: cfg.CallingKeywords}
	messageHandler := handlers.NewMessageHandler(cfg.TenantID, cfg.BotID,
		funnelEngine, callingEngine, classifier, waClient, logger, metricRegistry)
	waClient.SetMessageProcessor(messageHandler)

	waCtx, waCancel := context.WithCancel(ctx)
	defer waCancel()
	go func() {
		if err := waClient.Start(waCtx); err != nil {
			logger.Error("whatsapp client stopped", "error", err)
			stop()
		}
	}()

	schedRunner := sched.NewRunner(queue, waClient, cfg.SchedPollInterval, logger, metricRegistry)
	go func() {
		if err := schedRunner.Run(ctx); err != nil && ctx.Err() == nil {
			logger.Error("scheduler runner stopped", "error", err)
			stop()
		}
	}()

	cronRunner, err := jobs.New(jobs.Config{
		SubscriptionSweepSpec: cfg.SubscriptionSweepCron,
		PaymentPollSpec:       cfg.PaymentPollCron,
	}, ledger, poller, logger)
	if err != nil {
		return fmt.Errorf("init cron jobs: %w", err)
	}
	cronRunner.Start()
	defer cronRunner.Stop()

	httpSrv := httpserver.New(cfg.HTTPListenAddr, logger, metricRegistry, httpserver.Handlers{
		PaymentWebhook: webhookHandler,
	}, httpserver.Dependencies{
		Store:         repository,
		Callings:      callingEngine,
		Billing:       ledger,
		Payments:      charges,
		Conversations: funnelEngine,
	}, cfg.PublicBasePath)

	errCh := make(chan error, 1)
	go func() {
		if err := httpSrv.Start(); err != nil {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server error: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", "error", err)
	}

	return nil
}
