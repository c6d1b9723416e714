package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/angelmondragon/grubhaul-backend/internal/analytics/router"
	analyticsworker "github.com/angelmondragon/grubhaul-backend/internal/analytics/worker"
	"github.com/angelmondragon/grubhaul-backend/internal/analytics/writer"
	"github.com/angelmondragon/grubhaul-backend/internal/catalog"
	"github.com/angelmondragon/grubhaul-backend/internal/deliveries"
	"github.com/angelmondragon/grubhaul-backend/internal/notifications"
	"github.com/angelmondragon/grubhaul-backend/internal/orders"
	"github.com/angelmondragon/grubhaul-backend/pkg/bigquery"
	"github.com/angelmondragon/grubhaul-backend/pkg/config"
	"github.com/angelmondragon/grubhaul-backend/pkg/db"
	"github.com/angelmondragon/grubhaul-backend/pkg/instance"
	"github.com/angelmondragon/grubhaul-backend/pkg/logger"
	"github.com/angelmondragon/grubhaul-backend/pkg/metrics"
	"github.com/angelmondragon/grubhaul-backend/pkg/migrate"
	"github.com/angelmondragon/grubhaul-backend/pkg/outbox"
	"github.com/angelmondragon/grubhaul-backend/pkg/outbox/idempotency"
	"github.com/angelmondragon/grubhaul-backend/pkg/pubsub"
	"github.com/angelmondragon/grubhaul-backend/pkg/redis"
	"github.com/angelmondragon/grubhaul-backend/pkg/svcclient"
)

func main() {
	ctx := context.Background()
	logg := logger.New(logger.Options{ServiceName: "worker"})

	if err := godotenv.Load(); err != nil {
		logg.Warn(ctx, ".env file not found, relying on environment")
	}

	cfg, err := config.Load()
	requireResource(ctx, logg, "config", err)

	cfg.Service.Kind = "worker"

	logg = logger.New(logger.Options{
		ServiceName: "worker",
		Level:       logger.ParseLevel(cfg.App.LogLevel),
		WarnStack:   cfg.App.LogWarnStack,
		Format:      cfg.App.LogFormat,
	})

	dbClient, err := db.New(ctx, cfg.DB, cfg.FeatureFlags.UseSQLite, logg)
	requireResource(ctx, logg, "database", err)
	defer func() {
		if err := dbClient.Close(); err != nil {
			logg.Error(ctx, "error closing database", err)
		}
	}()

	if err := migrate.MaybeRunDev(ctx, cfg, logg, dbClient); err != nil {
		requireResource(ctx, logg, "dev migrations", err)
	}

	redisClient, err := redis.New(ctx, cfg.Redis, logg)
	requireResource(ctx, logg, "redis", err)
	defer func() {
		if err := redisClient.Close(); err != nil {
			logg.Error(ctx, "error closing redis", err)
		}
	}()

	pubsubClient, err := pubsub.NewClient(ctx, cfg.GCP, cfg.PubSub, logg)
	requireResource(ctx, logg, "pubsub", err)
	defer func() {
		if err := pubsubClient.Close(); err != nil {
			logg.Error(ctx, "error closing pubsub client", err)
		}
	}()

	manager, err := idempotency.NewManager(redisClient, cfg.Eventing.OutboxIdempotencyTTL)
	requireResource(ctx, logg, "idempotency manager", err)

	workflowMetrics := metrics.NewWorkflowMetrics(prometheus.DefaultRegisterer)
	outboxService := outbox.NewService(outbox.NewRepository(dbClient.DB()), logg)

	channels, err := notifications.ChannelsFor(
		cfg.Notifications.EnabledChannels(),
		notifications.NewInAppChannel(redisClient, cfg.Notifications.LiveChannel),
		notifications.WebhookConfig{
			URL:     cfg.Notifications.EmailURL,
			APIKey:  cfg.Notifications.EmailAPIKey,
			From:    cfg.Notifications.EmailFrom,
			Timeout: cfg.Services.Timeout,
		},
		notifications.WebhookConfig{
			URL:     cfg.Notifications.SMSURL,
			APIKey:  cfg.Notifications.SMSAPIKey,
			Timeout: cfg.Services.Timeout,
		},
	)
	requireResource(ctx, logg, "notification channels", err)

	dispatcher, err := notifications.NewDispatcher(notifications.DispatcherParams{
		Repo:      notifications.NewRepository(dbClient.DB()),
		Channels:  channels,
		Metrics:   workflowMetrics,
		Logger:    logg,
		Retention: cfg.Notifications.Retention(),
	})
	requireResource(ctx, logg, "notification dispatcher", err)

	var runners []namedRunner
	for name, subscription := range pubsubClient.NotificationSubscriptions() {
		consumer, err := notifications.NewConsumer("notifications-"+name, dispatcher, subscription, manager, logg)
		requireResource(ctx, logg, "notifications "+name+" consumer", err)
		runners = append(runners, namedRunner{name: "notifications-" + name, runner: consumer})
	}

	intake, err := buildDeliveryIntake(cfg, logg, dbClient, outboxService, workflowMetrics, pubsubClient, manager)
	requireResource(ctx, logg, "delivery intake", err)
	runners = append(runners, namedRunner{name: "delivery-intake", runner: intake})

	deps := []namedPinger{
		{name: "database", pinger: dbClient},
		{name: "redis", pinger: redisClient},
		{name: "pubsub", pinger: pubsubClient},
	}

	if cfg.FeatureFlags.Analytics {
		bqClient, err := bigquery.NewClient(ctx, cfg.GCP, cfg.BigQuery, logg)
		requireResource(ctx, logg, "bigquery client", err)
		defer func() {
			if err := bqClient.Close(); err != nil {
				logg.Error(ctx, "failed to close bigquery client", err)
			}
		}()

		analytics, err := buildAnalytics(cfg, logg, bqClient, pubsubClient, manager)
		requireResource(ctx, logg, "analytics worker", err)
		runners = append(runners, namedRunner{name: "analytics", runner: analytics})
		deps = append(deps, namedPinger{name: "bigquery", pinger: bqClient})
	}

	service, err := NewService(ServiceParams{
		Config:       cfg,
		Logger:       logg,
		Dependencies: deps,
		Runners:      runners,
	})
	requireResource(ctx, logg, "worker service", err)

	runCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	runCtx = logg.WithFields(runCtx, map[string]any{
		"env":         cfg.App.Env,
		"serviceKind": cfg.Service.Kind,
		"instance":    instance.GetID(),
	})
	logg.Info(runCtx, "starting worker")

	if err := service.Run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
		logg.Error(runCtx, "worker stopped unexpectedly", err)
		os.Exit(1)
	}
	logg.Info(runCtx, "worker shutting down gracefully")
}

func buildDeliveryIntake(cfg *config.Config, logg *logger.Logger, dbClient *db.Client, outboxService *outbox.Service, workflowMetrics *metrics.WorkflowMetrics, pubsubClient *pubsub.Client, manager *idempotency.Manager) (*deliveries.IntakeConsumer, error) {
	catalogHTTP, err := svcclient.New(cfg.Services.CatalogURL, cfg.Services.Timeout)
	if err != nil {
		return nil, fmt.Errorf("catalog client: %w", err)
	}
	ordersHTTP, err := svcclient.New(cfg.Services.OrdersURL, cfg.Services.Timeout,
		svcclient.WithTokenSource(svcclient.NewServiceTokens(cfg.JWT, "deliveries", cfg.Services.ServiceTokenTTL)))
	if err != nil {
		return nil, fmt.Errorf("orders client: %w", err)
	}

	svc, err := deliveries.NewService(deliveries.ServiceParams{
		Repo:        deliveries.NewRepository(dbClient.DB()),
		Tx:          dbClient,
		Outbox:      outboxService,
		Orders:      orders.NewClient(ordersHTTP),
		Restaurants: catalog.NewClient(catalogHTTP),
		Metrics:     workflowMetrics,
		Logger:      logg,
	})
	if err != nil {
		return nil, err
	}
	return deliveries.NewIntakeConsumer(svc, pubsubClient.DeliveryIntakeSubscription(), manager, logg)
}

func buildAnalytics(cfg *config.Config, logg *logger.Logger, bqClient *bigquery.Client, pubsubClient *pubsub.Client, manager *idempotency.Manager) (*analyticsworker.Service, error) {
	subscription := pubsubClient.AnalyticsSubscription()
	if subscription == nil {
		return nil, errors.New("analytics subscription not configured")
	}

	lifecycleWriter, err := writer.New(bqClient, writer.Config{LifecycleTable: cfg.BigQuery.LifecycleTable})
	if err != nil {
		return nil, err
	}
	routingHandler, err := router.NewRouter(lifecycleWriter, logg)
	if err != nil {
		return nil, err
	}
	return analyticsworker.NewService(subscription, routingHandler, manager, logg)
}

func requireResource(ctx context.Context, logg *logger.Logger, resource string, err error) {
	if err == nil {
		return
	}
	logg.Error(ctx, fmt.Sprintf("resource not working: %s", resource), err)
	os.Exit(1)
}
