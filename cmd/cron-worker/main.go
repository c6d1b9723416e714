package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/angelmondragon/grubhaul-backend/internal/cron"
	"github.com/angelmondragon/grubhaul-backend/internal/notifications"
	"github.com/angelmondragon/grubhaul-backend/internal/orders"
	"github.com/angelmondragon/grubhaul-backend/internal/payments"
	"github.com/angelmondragon/grubhaul-backend/pkg/config"
	"github.com/angelmondragon/grubhaul-backend/pkg/db"
	"github.com/angelmondragon/grubhaul-backend/pkg/enums"
	"github.com/angelmondragon/grubhaul-backend/pkg/instance"
	"github.com/angelmondragon/grubhaul-backend/pkg/logger"
	"github.com/angelmondragon/grubhaul-backend/pkg/metrics"
	"github.com/angelmondragon/grubhaul-backend/pkg/migrate"
	"github.com/angelmondragon/grubhaul-backend/pkg/outbox"
	"github.com/angelmondragon/grubhaul-backend/pkg/redis"
	"github.com/angelmondragon/grubhaul-backend/pkg/stripe"
	"github.com/angelmondragon/grubhaul-backend/pkg/svcclient"
)

func main() {
	once := flag.Bool("once", false, "run every job a single time and exit")
	flag.Parse()

	logg := logger.New(logger.Options{ServiceName: "cron-worker"})

	if err := godotenv.Load(); err != nil {
		logg.Warn(context.Background(), ".env file not found, relying on environment")
	}

	cfg, err := config.Load()
	requireResource(context.Background(), logg, "config", err)

	cfg.Service.Kind = "cron-worker"

	logg = logger.New(logger.Options{
		ServiceName: "cron-worker",
		Level:       logger.ParseLevel(cfg.App.LogLevel),
		WarnStack:   cfg.App.LogWarnStack,
		Format:      cfg.App.LogFormat,
	})

	dbClient, err := db.New(context.Background(), cfg.DB, cfg.FeatureFlags.UseSQLite, logg)
	requireResource(context.Background(), logg, "database", err)
	defer func() {
		if err := dbClient.Close(); err != nil {
			logg.Error(context.Background(), "error closing database", err)
		}
	}()

	if err := migrate.MaybeRunDev(context.Background(), cfg, logg, dbClient); err != nil {
		requireResource(context.Background(), logg, "dev migrations", err)
	}

	redisClient, err := redis.New(context.Background(), cfg.Redis, logg)
	requireResource(context.Background(), logg, "redis", err)
	defer func() {
		if err := redisClient.Close(); err != nil {
			logg.Error(context.Background(), "error closing redis", err)
		}
	}()

	jobs, err := buildJobs(context.Background(), cfg, logg, dbClient)
	requireResource(context.Background(), logg, "cron jobs", err)

	lock, err := cron.NewRedisLock(redisClient, redisClient.LockKey(lockName(cfg.App.Env)), cfg.Cron.LockTTL)
	requireResource(context.Background(), logg, "cron lock", err)

	service, err := cron.NewService(cron.ServiceParams{
		Logger:   logg,
		Registry: cron.NewRegistry(jobs...),
		Lock:     lock,
		Metrics:  metrics.NewCronJobMetrics(prometheus.DefaultRegisterer),
		Interval: cfg.Cron.Interval,
	})
	requireResource(context.Background(), logg, "cron service", err)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx = logg.WithFields(ctx, map[string]any{
		"env":         cfg.App.Env,
		"serviceKind": cfg.Service.Kind,
		"instance":    instance.GetID(),
		"once":        *once,
	})

	if *once {
		logg.Info(ctx, "running cron jobs once")
		if err := service.RunOnce(ctx); err != nil {
			logg.Error(ctx, "cron run failed", err)
			os.Exit(1)
		}
		return
	}

	logg.Info(ctx, "starting cron worker")
	if err := service.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logg.Error(ctx, "cron worker stopped unexpectedly", err)
		os.Exit(1)
	}
	logg.Info(ctx, "cron worker shutting down gracefully")
}

func buildJobs(ctx context.Context, cfg *config.Config, logg *logger.Logger, dbClient *db.Client) ([]cron.Job, error) {
	cleanup, err := cron.NewNotificationCleanupJob(cron.NotificationCleanupJobParams{
		Logger:     logg,
		DB:         dbClient,
		Repository: notifications.NewRepository(dbClient.DB()),
	})
	if err != nil {
		return nil, fmt.Errorf("notification cleanup job: %w", err)
	}

	retention, err := cron.NewOutboxRetentionJob(cron.OutboxRetentionJobParams{
		Logger:           logg,
		DB:               dbClient,
		Repository:       outbox.NewRepository(dbClient.DB()),
		DLQ:              outbox.NewDLQRepository(dbClient.DB()),
		Retention:        cfg.Outbox.RetentionDays,
		DLQRetentionDays: cfg.Outbox.DLQRetentionDays,
		MinAttempts:      cfg.Outbox.MaxAttempts,
	})
	if err != nil {
		return nil, fmt.Errorf("outbox retention job: %w", err)
	}

	paymentsService, err := buildPayments(ctx, cfg, logg, dbClient)
	if err != nil {
		return nil, err
	}
	reconcile, err := cron.NewPaymentReconcileJob(cron.PaymentReconcileJobParams{
		Logger:   logg,
		Payments: paymentsService,
		MinAge:   cfg.Cron.ReconcileMinAge,
	})
	if err != nil {
		return nil, fmt.Errorf("payment reconcile job: %w", err)
	}

	return []cron.Job{cleanup, retention, reconcile}, nil
}

// buildPayments wires the payment service used by reconcile. Reconcile only
// pushes results to orders, so events and webhooks stay unused here.
func buildPayments(ctx context.Context, cfg *config.Config, logg *logger.Logger, dbClient *db.Client) (payments.Service, error) {
	currency, err := enums.ParseCurrency(cfg.Payments.Currency)
	if err != nil {
		return nil, fmt.Errorf("payments currency: %w", err)
	}
	stripeClient, err := stripe.NewClient(ctx, cfg.Stripe, logg)
	if err != nil {
		return nil, fmt.Errorf("stripe client: %w", err)
	}
	ordersHTTP, err := svcclient.New(cfg.Services.OrdersURL, cfg.Services.Timeout,
		svcclient.WithTokenSource(svcclient.NewServiceTokens(cfg.JWT, "cron-worker", cfg.Services.ServiceTokenTTL)))
	if err != nil {
		return nil, fmt.Errorf("orders client: %w", err)
	}
	notificationsHTTP, err := svcclient.New(cfg.Services.NotificationsURL, cfg.Services.Timeout,
		svcclient.WithTokenSource(svcclient.NewServiceTokens(cfg.JWT, "cron-worker", cfg.Services.ServiceTokenTTL)))
	if err != nil {
		return nil, fmt.Errorf("notifications client: %w", err)
	}

	return payments.NewService(payments.ServiceParams{
		Repo:       payments.NewRepository(dbClient.DB()),
		Tx:         dbClient,
		Provider:   payments.NewStripeProvider(stripeClient),
		Orders:     orders.NewClient(ordersHTTP),
		Events:     notifications.NewClient(notificationsHTTP),
		Logger:     logg,
		Currency:   currency,
		MaxRetries: cfg.Payments.MaxRetries,
	})
}

func lockName(env string) string {
	if env == "" {
		env = "local"
	}
	return "cron-worker:" + env
}

func requireResource(ctx context.Context, logg *logger.Logger, resource string, err error) {
	if err == nil {
		return
	}
	logg.Error(ctx, fmt.Sprintf("resource not working: %s", resource), err)
	os.Exit(1)
}
