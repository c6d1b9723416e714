package config

const EnvPrefix = "GRUBHAUL"

const (
	AppEnvDev  = "dev"
	AppEnvProd = "prod"
)

const (
	ServiceKindAll           = "all"
	ServiceKindIdentity      = "identity"
	ServiceKindCatalog       = "catalog"
	ServiceKindOrders        = "orders"
	ServiceKindPayments      = "payments"
	ServiceKindDeliveries    = "deliveries"
	ServiceKindNotifications = "notifications"
)

var serviceKinds = []string{
	ServiceKindAll,
	ServiceKindIdentity,
	ServiceKindCatalog,
	ServiceKindOrders,
	ServiceKindPayments,
	ServiceKindDeliveries,
	ServiceKindNotifications,
}

const (
	EnvAppEnv      = "GRUBHAUL_APP_ENV"
	EnvPort        = "GRUBHAUL_APP_PORT"
	EnvServiceKind = "GRUBHAUL_SERVICE_KIND"

	EnvDBDSN  = "GRUBHAUL_DB_DSN"
	EnvDBHost = "GRUBHAUL_DB_HOST"
	EnvDBUser = "GRUBHAUL_DB_USER"
	EnvDBName = "GRUBHAUL_DB_NAME"

	EnvRedisURL = "GRUBHAUL_REDIS_URL"

	EnvJWTSecret              = "GRUBHAUL_JWT_SECRET"
	EnvJWTIssuer              = "GRUBHAUL_JWT_ISSUER"
	EnvJWTExpMins             = "GRUBHAUL_JWT_EXPIRATION_MINUTES"
	EnvRefreshTokenTTLMinutes = "GRUBHAUL_REFRESH_TOKEN_TTL_MINUTES"

	EnvGCPProjectID = "GRUBHAUL_GCP_PROJECT_ID"

	EnvPubSubOrderNotificationSub    = "GRUBHAUL_PUBSUB_ORDER_NOTIFICATION_SUBSCRIPTION"
	EnvPubSubPaymentNotificationSub  = "GRUBHAUL_PUBSUB_PAYMENT_NOTIFICATION_SUBSCRIPTION"
	EnvPubSubDeliveryNotificationSub = "GRUBHAUL_PUBSUB_DELIVERY_NOTIFICATION_SUBSCRIPTION"
	EnvPubSubDeliveryIntakeSub       = "GRUBHAUL_PUBSUB_DELIVERY_INTAKE_SUBSCRIPTION"

	EnvPaymentsMaxRetries = "GRUBHAUL_PAYMENTS_MAX_RETRIES"
)

var legacyDBEnvVars = []string{EnvDBHost, EnvDBUser, EnvDBName}
