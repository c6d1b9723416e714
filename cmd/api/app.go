package main

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/angelmondragon/grubhaul-backend/api/controllers"
	"github.com/angelmondragon/grubhaul-backend/api/routes"
	"github.com/angelmondragon/grubhaul-backend/internal/auth"
	"github.com/angelmondragon/grubhaul-backend/internal/catalog"
	"github.com/angelmondragon/grubhaul-backend/internal/deliveries"
	"github.com/angelmondragon/grubhaul-backend/internal/notifications"
	"github.com/angelmondragon/grubhaul-backend/internal/notifications/live"
	"github.com/angelmondragon/grubhaul-backend/internal/orders"
	"github.com/angelmondragon/grubhaul-backend/internal/payments"
	"github.com/angelmondragon/grubhaul-backend/internal/users"
	"github.com/angelmondragon/grubhaul-backend/pkg/auth/session"
	"github.com/angelmondragon/grubhaul-backend/pkg/config"
	"github.com/angelmondragon/grubhaul-backend/pkg/db"
	"github.com/angelmondragon/grubhaul-backend/pkg/enums"
	"github.com/angelmondragon/grubhaul-backend/pkg/logger"
	"github.com/angelmondragon/grubhaul-backend/pkg/metrics"
	"github.com/angelmondragon/grubhaul-backend/pkg/outbox"
	"github.com/angelmondragon/grubhaul-backend/pkg/redis"
	"github.com/angelmondragon/grubhaul-backend/pkg/security"
	"github.com/angelmondragon/grubhaul-backend/pkg/stripe"
	"github.com/angelmondragon/grubhaul-backend/pkg/svcclient"
)

const liveBufferSize = 16

type app struct {
	deps  routes.Deps
	relay *live.Relay
}

// buildApp wires the services mounted by the configured SERVICE_KIND.
// Workflows reach each other over HTTP even when they share a process.
func buildApp(ctx context.Context, cfg *config.Config, logg *logger.Logger, dbClient *db.Client, redisClient *redis.Client) (*app, error) {
	sessions, err := session.NewManager(redisClient, cfg.JWT)
	if err != nil {
		return nil, fmt.Errorf("session manager: %w", err)
	}

	workflowMetrics := metrics.NewWorkflowMetrics(prometheus.DefaultRegisterer)
	outboxService := outbox.NewService(outbox.NewRepository(dbClient.DB()), logg)

	a := &app{deps: routes.Deps{
		Config:      cfg,
		Logger:      logg,
		HTTPMetrics: metrics.NewHTTPMetrics(prometheus.DefaultRegisterer),
		Gatherer:    prometheus.DefaultGatherer,
		Pingers: map[string]controllers.Pinger{
			"database": dbClient,
			"redis":    redisClient,
		},
		Store:    redisClient,
		Sessions: sessions,
	}}

	if cfg.Service.Mounts(config.ServiceKindIdentity) {
		svc, err := auth.NewService(auth.ServiceParams{
			UserRepo:       users.NewRepository(dbClient.DB()),
			SessionManager: sessions,
			Hasher:         security.NewHasher(cfg.Password),
			JWTConfig:      cfg.JWT,
		})
		if err != nil {
			return nil, fmt.Errorf("auth service: %w", err)
		}
		a.deps.Auth = svc
	}

	if cfg.Service.Mounts(config.ServiceKindCatalog) {
		svc, err := catalog.NewService(catalog.NewRepository(dbClient.DB()))
		if err != nil {
			return nil, fmt.Errorf("catalog service: %w", err)
		}
		a.deps.Catalog = svc
	}

	needsCatalog := cfg.Service.Mounts(config.ServiceKindOrders) || cfg.Service.Mounts(config.ServiceKindDeliveries)
	var restaurants *catalog.Client
	if needsCatalog {
		httpClient, err := svcclient.New(cfg.Services.CatalogURL, cfg.Services.Timeout)
		if err != nil {
			return nil, fmt.Errorf("catalog client: %w", err)
		}
		restaurants = catalog.NewClient(httpClient)
	}

	if cfg.Service.Mounts(config.ServiceKindOrders) {
		svc, err := orders.NewService(orders.ServiceParams{
			Repo:        orders.NewRepository(dbClient.DB()),
			Tx:          dbClient,
			Outbox:      outboxService,
			Restaurants: restaurants,
			Metrics:     workflowMetrics,
			Logger:      logg,
		})
		if err != nil {
			return nil, fmt.Errorf("orders service: %w", err)
		}
		a.deps.Orders = svc
	}

	if cfg.Service.Mounts(config.ServiceKindPayments) {
		if err := wirePayments(ctx, a, cfg, logg, dbClient, redisClient, workflowMetrics); err != nil {
			return nil, err
		}
	}

	if cfg.Service.Mounts(config.ServiceKindDeliveries) {
		ordersClient, err := newOrdersClient(cfg, "deliveries")
		if err != nil {
			return nil, err
		}
		svc, err := deliveries.NewService(deliveries.ServiceParams{
			Repo:        deliveries.NewRepository(dbClient.DB()),
			Tx:          dbClient,
			Outbox:      outboxService,
			Orders:      ordersClient,
			Restaurants: restaurants,
			Metrics:     workflowMetrics,
			Logger:      logg,
		})
		if err != nil {
			return nil, fmt.Errorf("deliveries service: %w", err)
		}
		a.deps.Deliveries = svc
	}

	if cfg.Service.Mounts(config.ServiceKindNotifications) {
		svc, err := notifications.NewService(notifications.ServiceParams{
			Repo:   notifications.NewRepository(dbClient.DB()),
			Tx:     dbClient,
			Outbox: outboxService,
			Logger: logg,
		})
		if err != nil {
			return nil, fmt.Errorf("notifications service: %w", err)
		}
		a.deps.Notifications = svc

		registry := live.NewRegistry(liveBufferSize)
		relay, err := live.NewRelay(redisClient, cfg.Notifications.LiveChannel, registry, logg)
		if err != nil {
			return nil, fmt.Errorf("live relay: %w", err)
		}
		a.deps.Live = registry
		a.relay = relay
	}

	return a, nil
}

func wirePayments(ctx context.Context, a *app, cfg *config.Config, logg *logger.Logger, dbClient *db.Client, redisClient *redis.Client, workflowMetrics *metrics.WorkflowMetrics) error {
	currency, err := enums.ParseCurrency(cfg.Payments.Currency)
	if err != nil {
		return fmt.Errorf("payments currency: %w", err)
	}

	stripeClient, err := stripe.NewClient(ctx, cfg.Stripe, logg)
	if err != nil {
		return fmt.Errorf("stripe client: %w", err)
	}

	ordersClient, err := newOrdersClient(cfg, "payments")
	if err != nil {
		return err
	}

	notificationsHTTP, err := svcclient.New(cfg.Services.NotificationsURL, cfg.Services.Timeout,
		svcclient.WithTokenSource(svcclient.NewServiceTokens(cfg.JWT, "payments", cfg.Services.ServiceTokenTTL)))
	if err != nil {
		return fmt.Errorf("notifications client: %w", err)
	}

	svc, err := payments.NewService(payments.ServiceParams{
		Repo:       payments.NewRepository(dbClient.DB()),
		Tx:         dbClient,
		Provider:   payments.NewStripeProvider(stripeClient),
		Orders:     ordersClient,
		Events:     notifications.NewClient(notificationsHTTP),
		Metrics:    workflowMetrics,
		Logger:     logg,
		Currency:   currency,
		MaxRetries: cfg.Payments.MaxRetries,
	})
	if err != nil {
		return fmt.Errorf("payments service: %w", err)
	}

	guard, err := payments.NewWebhookGuard(redisClient, cfg.Eventing.WebhookIdempotencyTTL)
	if err != nil {
		return fmt.Errorf("webhook guard: %w", err)
	}

	a.deps.Payments = svc
	a.deps.WebhookGuard = guard
	return nil
}

func newOrdersClient(cfg *config.Config, caller string) (*orders.Client, error) {
	httpClient, err := svcclient.New(cfg.Services.OrdersURL, cfg.Services.Timeout,
		svcclient.WithTokenSource(svcclient.NewServiceTokens(cfg.JWT, caller, cfg.Services.ServiceTokenTTL)))
	if err != nil {
		return nil, fmt.Errorf("orders client: %w", err)
	}
	return orders.NewClient(httpClient), nil
}
