package routes

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/angelmondragon/grubhaul-backend/api/controllers"
	webhookcontrollers "github.com/angelmondragon/grubhaul-backend/api/controllers/webhooks"
	"github.com/angelmondragon/grubhaul-backend/api/middleware"
	"github.com/angelmondragon/grubhaul-backend/internal/auth"
	"github.com/angelmondragon/grubhaul-backend/internal/deliveries"
	"github.com/angelmondragon/grubhaul-backend/internal/notifications"
	"github.com/angelmondragon/grubhaul-backend/internal/orders"
	"github.com/angelmondragon/grubhaul-backend/internal/payments"
	"github.com/angelmondragon/grubhaul-backend/pkg/auth/session"
	"github.com/angelmondragon/grubhaul-backend/pkg/config"
	"github.com/angelmondragon/grubhaul-backend/pkg/enums"
	"github.com/angelmondragon/grubhaul-backend/pkg/logger"
	"github.com/angelmondragon/grubhaul-backend/pkg/metrics"
	pkgredis "github.com/angelmondragon/grubhaul-backend/pkg/redis"
)

// Store is the redis surface shared by rate limiting and idempotency.
type Store interface {
	pkgredis.IdempotencyStore
	middleware.RateLimitStore
}

// Deps carries everything the router mounts. Services that the current
// SERVICE_KIND does not serve may be nil.
type Deps struct {
	Config      *config.Config
	Logger      *logger.Logger
	HTTPMetrics *metrics.HTTPMetrics
	Gatherer    prometheus.Gatherer
	Pingers     map[string]controllers.Pinger
	Store       Store
	Sessions    session.AccessSessionChecker

	Auth          auth.Service
	Catalog       controllers.CatalogService
	Orders        orders.Service
	Payments      payments.Service
	WebhookGuard  *payments.WebhookGuard
	Deliveries    deliveries.Service
	Notifications notifications.Service
	Live          controllers.LiveStream
}

// NewRouter builds the HTTP surface for the configured service kind.
func NewRouter(d Deps) http.Handler {
	cfg := d.Config
	logg := d.Logger

	r := chi.NewRouter()
	r.Use(
		middleware.Recoverer(logg),
		middleware.RequestID(logg),
		middleware.Logging(logg, d.HTTPMetrics),
		middleware.CORS(cfg.App.AllowedOrigins()),
	)

	r.Route("/health", func(r chi.Router) {
		r.Get("/live", controllers.HealthLive(cfg))
		r.Get("/ready", controllers.HealthReady(cfg, d.Pingers, logg))
	})
	if d.Gatherer != nil {
		r.Method(http.MethodGet, "/metrics", metrics.Handler(d.Gatherer))
	}

	authn := middleware.Auth(cfg.JWT, d.Sessions, logg)
	idem := middleware.Idempotency(d.Store, logg)

	if cfg.Service.Mounts(config.ServiceKindIdentity) {
		mountIdentity(r, d, authn, idem)
	}
	if cfg.Service.Mounts(config.ServiceKindCatalog) {
		mountCatalog(r, d, authn)
	}
	if cfg.Service.Mounts(config.ServiceKindOrders) {
		mountOrders(r, d, authn, idem)
	}
	if cfg.Service.Mounts(config.ServiceKindPayments) {
		mountPayments(r, d, authn, idem)
	}
	if cfg.Service.Mounts(config.ServiceKindDeliveries) {
		mountDeliveries(r, d, authn, idem)
	}
	if cfg.Service.Mounts(config.ServiceKindNotifications) {
		mountNotifications(r, d, authn, idem)
	}

	return r
}

type middlewareFn = func(http.Handler) http.Handler

func mountIdentity(r chi.Router, d Deps, authn, idem middlewareFn) {
	cfg, logg := d.Config, d.Logger
	limits := cfg.AuthRateLimit

	login := middleware.AuthRateLimit(middleware.NewAuthRateLimitPolicy("login", limits.LoginWindow, limits.LoginIPLimit, limits.LoginEmailLimit), d.Store, logg)
	register := middleware.AuthRateLimit(middleware.NewAuthRateLimitPolicy("register", limits.RegisterWindow, limits.RegisterIPLimit, limits.RegisterEmailLimit), d.Store, logg)

	r.Route("/api/v1/auth", func(r chi.Router) {
		r.With(register, idem).Post("/register", controllers.AuthRegister(d.Auth, logg))
		r.With(login).Post("/login", controllers.AuthLogin(d.Auth, logg))
		r.Post("/logout", controllers.AuthLogout(d.Auth, cfg.JWT, logg))
		r.Post("/refresh", controllers.AuthRefresh(d.Auth, cfg.JWT, logg))
		r.With(authn).Get("/me", controllers.AuthMe(d.Auth, logg))
	})
}

func mountCatalog(r chi.Router, d Deps, authn middlewareFn) {
	logg := d.Logger
	owners := middleware.RequireRole(logg, enums.RoleRestaurantAdmin, enums.RoleAdmin)

	r.Route("/api/v1/restaurants", func(r chi.Router) {
		r.Get("/", controllers.ListRestaurants(d.Catalog, logg))
		r.Get("/{restaurantId}", controllers.GetRestaurant(d.Catalog, logg))
		r.Get("/{restaurantId}/menu-items", controllers.ListMenuItems(d.Catalog, logg))

		r.Group(func(r chi.Router) {
			r.Use(authn, owners)
			r.Post("/", controllers.CreateRestaurant(d.Catalog, logg))
			r.Post("/{restaurantId}/menu-items", controllers.AddMenuItem(d.Catalog, logg))
			r.Patch("/{restaurantId}/menu-items/{itemId}", controllers.UpdateMenuItem(d.Catalog, logg))
		})
	})
}

func mountOrders(r chi.Router, d Deps, authn, idem middlewareFn) {
	logg := d.Logger

	r.Route("/api/v1/orders", func(r chi.Router) {
		r.Use(authn)
		r.With(middleware.RequireRole(logg, enums.RoleCustomer), idem).Post("/", controllers.CreateOrder(d.Orders, logg))
		r.Get("/", controllers.ListOrders(d.Orders, logg))
		r.Get("/{orderId}", controllers.GetOrder(d.Orders, logg))
		r.Get("/{orderId}/history", controllers.OrderHistory(d.Orders, logg))
		r.Patch("/{orderId}/status", controllers.UpdateOrderStatus(d.Orders, logg))
		r.With(idem).Post("/{orderId}/cancel", controllers.CancelOrder(d.Orders, logg))
	})

	r.Route("/internal/v1/orders", func(r chi.Router) {
		r.Use(authn, middleware.RequireRole(logg, enums.RoleService))
		r.Put("/{orderId}/payment", controllers.ApplyPaymentResult(d.Orders, logg))
	})
}

func mountPayments(r chi.Router, d Deps, authn, idem middlewareFn) {
	logg := d.Logger

	r.Post("/api/v1/webhooks/stripe", webhookcontrollers.StripeWebhook(d.Payments, webhookGuard(d.WebhookGuard), logg))

	r.Route("/api/v1/payments", func(r chi.Router) {
		r.Use(authn)
		r.With(middleware.RequireRole(logg, enums.RoleCustomer), idem).Post("/intents", controllers.CreatePaymentIntent(d.Payments, logg))
		r.With(middleware.RequireRole(logg, enums.RoleCustomer)).Post("/confirm", controllers.ConfirmPayment(d.Payments, logg))
		r.Get("/{paymentId}", controllers.GetPayment(d.Payments, logg))
		r.With(middleware.RequireRole(logg, enums.RoleCustomer), idem).Post("/{paymentId}/retry", controllers.RetryPayment(d.Payments, logg))
		r.With(middleware.RequireRole(logg, enums.RoleAdmin, enums.RoleRestaurantAdmin), idem).Post("/{paymentId}/refund", controllers.RefundPayment(d.Payments, logg))
	})

	r.With(authn).Get("/api/v1/orders/{orderId}/payments", controllers.ListOrderPayments(d.Payments, logg))
}

func mountDeliveries(r chi.Router, d Deps, authn, idem middlewareFn) {
	logg := d.Logger
	couriers := middleware.RequireRole(logg, enums.RoleDeliveryPerson)

	r.Route("/api/v1/deliveries", func(r chi.Router) {
		r.Use(authn)
		r.With(middleware.RequireRole(logg, enums.RoleRestaurantAdmin, enums.RoleAdmin, enums.RoleService), idem).
			Post("/", controllers.CreateDeliveryAssignment(d.Deliveries, logg))
		r.With(couriers).Get("/available", controllers.ListAvailableDeliveries(d.Deliveries, logg))
		r.With(couriers).Get("/mine", controllers.ListMyDeliveries(d.Deliveries, logg))
		r.Get("/{deliveryId}", controllers.GetDelivery(d.Deliveries, logg))
		r.With(couriers).Post("/{deliveryId}/accept", controllers.AcceptDelivery(d.Deliveries, logg))
		r.With(couriers).Patch("/{deliveryId}/status", controllers.UpdateDeliveryStatus(d.Deliveries, logg))
	})
}

func mountNotifications(r chi.Router, d Deps, authn, idem middlewareFn) {
	logg := d.Logger

	r.Route("/api/v1/notifications", func(r chi.Router) {
		r.Use(authn)
		r.Get("/", controllers.ListNotifications(d.Notifications, logg))
		r.Get("/stream", controllers.StreamNotifications(d.Live, logg))
		r.With(idem).Post("/read-all", controllers.MarkAllNotificationsRead(d.Notifications, logg))
		r.With(idem).Post("/{notificationId}/read", controllers.MarkNotificationRead(d.Notifications, logg))
		r.Delete("/{notificationId}", controllers.DeleteNotification(d.Notifications, logg))
	})

	r.Route("/internal/v1/events", func(r chi.Router) {
		r.Use(authn, middleware.RequireRole(logg, enums.RoleService))
		r.Post("/", controllers.AcceptNotificationEvent(d.Notifications, logg))
	})
}

// webhookGuard keeps a nil *WebhookGuard from becoming a non-nil interface.
func webhookGuard(g *payments.WebhookGuard) interface {
	CheckAndMark(context.Context, string) (bool, error)
	Delete(context.Context, string) error
} {
	if g == nil {
		return nil
	}
	return g
}
