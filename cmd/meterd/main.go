// Command meterd is the usage-metering service's HTTP entrypoint: it wires
// the Credential Validator, Admission Controller, Tenant Resolver,
// Idempotency Filter, Quota Engine, Event Recorder, Invoice Builder, and
// background job manager together behind the public HTTP surface.
package main

import (
	"context"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"usagemeter/internal/admission"
	"usagemeter/internal/credentials"
	"usagemeter/internal/httpapi"
	"usagemeter/internal/idempotency"
	"usagemeter/internal/ingest"
	"usagemeter/internal/invoicing"
	"usagemeter/internal/jobs"
	"usagemeter/internal/platform/cache"
	"usagemeter/internal/platform/config"
	"usagemeter/internal/platform/database"
	"usagemeter/internal/platform/logging"
	"usagemeter/internal/platform/monitoring"
	"usagemeter/internal/platform/server"
	"usagemeter/internal/platform/version"
	"usagemeter/internal/psp"
	"usagemeter/internal/quota"
	"usagemeter/internal/tenants"
)

func main() {
	logger := logging.NewLoggerWithService("meterd")

	config.LoadEnv(logger)

	logger.Info("starting meterd (usage metering service)")

	storeURL := config.RequireEnv("STORE_URL")
	cronSecret := config.RequireEnv("CRON_SECRET")
	pspWebhookSecret := config.GetEnv("PSP_WEBHOOK_SECRET", "")
	cacheAddrs := strings.Split(config.GetEnv("CACHE_URL", "localhost:6379"), ",")

	dbConfig := database.DefaultConfig()
	dbConfig.URL = storeURL
	db := database.MustConnect(dbConfig, logger)
	defer db.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	redisClient, err := cache.NewUniversalClient(ctx, cache.Config{
		Mode:  cache.ModeSingle,
		Addrs: cacheAddrs,
		DB:    config.GetEnvInt("CACHE_DB", 0),
	})
	if err != nil {
		logger.WithError(err).Fatal("failed to connect to redis")
	}
	defer redisClient.Close()

	breakerConfig := cache.DefaultBreakerConfig("fast-path-cache", logger)
	breakerConfig.FailureThreshold = uint(config.GetEnvInt("CIRCUIT_BREAKER_THRESHOLD", 5))
	breakerConfig.CooldownPeriod = time.Duration(config.GetEnvInt("CIRCUIT_BREAKER_COOLDOWN_SECONDS", 30)) * time.Second
	breaker := cache.NewBreaker(breakerConfig)

	healthChecker := monitoring.NewHealthChecker("meterd", version.Version)
	metricsCollector := monitoring.NewMetricsCollector("meterd", version.Version, version.Commit)

	healthChecker.AddCheck("database", monitoring.DatabaseHealthCheck(db))
	healthChecker.AddCheck("cache", monitoring.CacheHealthCheck(func(ctx context.Context) error {
		return redisClient.Ping(ctx).Err()
	}))
	healthChecker.AddCheck("config", monitoring.ConfigurationHealthCheck(map[string]string{
		"STORE_URL":   storeURL,
		"CRON_SECRET": cronSecret,
	}))

	eventsIngested, duplicates, quotaRejections, invoicesBuilt := metricsCollector.CreateBillingMetrics()

	validator := credentials.New(db, logger)
	admitter := admission.New(redisClient, breaker)
	tenantResolver := tenants.New(db)
	idempotencyFilter := idempotency.New(redisClient, db, breaker, parseDurationHours("IDEMPOTENCY_TTL_HOURS", idempotency.DefaultTTL))
	quotaEngine := quota.New(db, redisClient, breaker)

	recorder := ingest.New(db, redisClient, breaker, tenantResolver, idempotencyFilter, quotaEngine, logger)
	recorder.OnMetrics(
		func(eventType string, count int) { eventsIngested.WithLabelValues(eventType).Add(float64(count)) },
		func(eventType string, count int) { duplicates.WithLabelValues(eventType).Add(float64(count)) },
	)

	taxRate := decimal.NewFromFloat(config.GetEnvFloat("TAX_RATE", 0.10))
	dueAfter := time.Duration(config.GetEnvInt("INVOICE_DUE_DAYS", 30)) * 24 * time.Hour
	invoiceBuilder := invoicing.New(db, logger, taxRate, dueAfter)

	jobManager := jobs.New(
		db, logger,
		time.Duration(config.GetEnvInt("SNAPSHOT_JOB_PERIOD_MINUTES", 60))*time.Minute,
		time.Duration(config.GetEnvInt("OVERDUE_SWEEP_PERIOD_MINUTES", 15))*time.Minute,
	)
	jobManager.Start(ctx)
	defer jobManager.Stop()

	pspHandler := psp.New(db, pspWebhookSecret, logger)

	router := server.SetupServiceRouter(logger, "meterd", healthChecker, metricsCollector)
	httpapi.RegisterRoutes(router, httpapi.Deps{
		DB:              db,
		Validator:       validator,
		Admitter:        admitter,
		Recorder:        recorder,
		InvoiceBuilder:  invoiceBuilder,
		JobManager:      jobManager,
		PSPHandler:      pspHandler,
		OperatorToken:   cronSecret,
		Logger:          logger,
		QuotaRejections: quotaRejections,
		InvoicesBuilt:   invoicesBuilt,
		RequestTimeout:  time.Duration(config.GetEnvInt("REQUEST_TIMEOUT_SECONDS", 30)) * time.Second,
	})

	serverConfig := server.DefaultConfig("meterd", "8080")
	if err := server.Start(serverConfig, router, logger); err != nil {
		logger.WithError(err).Fatal("server startup failed")
	}
}

func parseDurationHours(key string, fallback time.Duration) time.Duration {
	hours := config.GetEnvInt(key, -1)
	if hours <= 0 {
		return fallback
	}
	return time.Duration(hours) * time.Hour
}
