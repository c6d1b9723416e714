package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	App           AppConfig
	Service       ServiceConfig
	DB            DBConfig
	Redis         RedisConfig
	JWT           JWTConfig
	Password      PasswordConfig
	AuthRateLimit AuthRateLimitConfig
	FeatureFlags  FeatureFlagsConfig
	Eventing      EventingConfig
	Services      ServicesConfig
	Payments      PaymentsConfig
	GCP           GCPConfig
	PubSub        PubSubConfig
	BigQuery      BigQueryConfig
	Stripe        StripeConfig
	Notifications NotificationsConfig
	Outbox        OutboxConfig
	Cron          CronConfig
}

func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.DB.ensureDSN(); err != nil {
		return nil, err
	}
	if err := cfg.Service.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

type AppConfig struct {
	Env          string `envconfig:"GRUBHAUL_APP_ENV" required:"true"`
	Port         string `envconfig:"GRUBHAUL_APP_PORT" required:"true"`
	LogLevel     string `envconfig:"GRUBHAUL_LOG_LEVEL" default:"info"`
	LogWarnStack bool   `envconfig:"GRUBHAUL_LOG_WARN_STACK" default:"false"`
	LogFormat    string `envconfig:"GRUBHAUL_LOG_FORMAT" default:"json"`
	CORSOrigins  string `envconfig:"GRUBHAUL_CORS_ORIGINS" default:"*"`
}

func (a AppConfig) IsDev() bool {
	return strings.EqualFold(a.Env, AppEnvDev)
}

func (a AppConfig) IsProd() bool {
	return strings.EqualFold(a.Env, AppEnvProd)
}

// AllowedOrigins splits the comma separated CORS origin list.
func (a AppConfig) AllowedOrigins() []string {
	return splitList(a.CORSOrigins)
}

// ServiceConfig selects which route groups a cmd/api process mounts.
type ServiceConfig struct {
	Kind string `envconfig:"GRUBHAUL_SERVICE_KIND" default:"all"`
}

// Mounts reports whether the process should serve the given service group.
func (s ServiceConfig) Mounts(kind string) bool {
	current := strings.ToLower(strings.TrimSpace(s.Kind))
	if current == "" || current == ServiceKindAll {
		return true
	}
	return current == kind
}

func (s ServiceConfig) validate() error {
	kind := strings.ToLower(strings.TrimSpace(s.Kind))
	if kind == "" {
		return nil
	}
	for _, allowed := range serviceKinds {
		if kind == allowed {
			return nil
		}
	}
	return fmt.Errorf("%s must be one of %s", EnvServiceKind, strings.Join(serviceKinds, ", "))
}

type DBConfig struct {
	DSN    string `envconfig:"GRUBHAUL_DB_DSN"`
	Driver string `envconfig:"GRUBHAUL_DB_DRIVER" default:"postgres"`

	LegacyHost     string `envconfig:"GRUBHAUL_DB_HOST"`
	LegacyPort     int    `envconfig:"GRUBHAUL_DB_PORT" default:"5432"`
	LegacyUser     string `envconfig:"GRUBHAUL_DB_USER"`
	LegacyPassword string `envconfig:"GRUBHAUL_DB_PASSWORD"`
	LegacyName     string `envconfig:"GRUBHAUL_DB_NAME"`
	LegacySSLMode  string `envconfig:"GRUBHAUL_DB_SSLMODE" default:"disable"`

	MaxOpenConns    int           `envconfig:"GRUBHAUL_DB_MAX_OPEN_CONNS" default:"20"`
	MaxIdleConns    int           `envconfig:"GRUBHAUL_DB_MAX_IDLE_CONNS" default:"10"`
	ConnMaxLifetime time.Duration `envconfig:"GRUBHAUL_DB_CONN_MAX_LIFETIME" default:"1h"`
	ConnMaxIdleTime time.Duration `envconfig:"GRUBHAUL_DB_CONN_MAX_IDLE_TIME" default:"10m"`
}

type RedisConfig struct {
	URL          string        `envconfig:"GRUBHAUL_REDIS_URL" required:"true"`
	Address      string        `envconfig:"GRUBHAUL_REDIS_ADDR"`
	Password     string        `envconfig:"GRUBHAUL_REDIS_PASSWORD"`
	DB           int           `envconfig:"GRUBHAUL_REDIS_DB" default:"0"`
	PoolSize     int           `envconfig:"GRUBHAUL_REDIS_POOL_SIZE" default:"10"`
	MinIdleConns int           `envconfig:"GRUBHAUL_REDIS_MIN_IDLE_CONNS" default:"2"`
	DialTimeout  time.Duration `envconfig:"GRUBHAUL_REDIS_DIAL_TIMEOUT" default:"5s"`
	ReadTimeout  time.Duration `envconfig:"GRUBHAUL_REDIS_READ_TIMEOUT" default:"5s"`
	WriteTimeout time.Duration `envconfig:"GRUBHAUL_REDIS_WRITE_TIMEOUT" default:"5s"`
}

type JWTConfig struct {
	Secret                 string `envconfig:"GRUBHAUL_JWT_SECRET" required:"true"`
	Issuer                 string `envconfig:"GRUBHAUL_JWT_ISSUER" required:"true"`
	ExpirationMinutes      int    `envconfig:"GRUBHAUL_JWT_EXPIRATION_MINUTES" required:"true"`
	RefreshTokenTTLMinutes int    `envconfig:"GRUBHAUL_REFRESH_TOKEN_TTL_MINUTES" default:"43200"`
}

// RefreshTokenTTL returns the refresh token TTL configured in minutes.
func (j JWTConfig) RefreshTokenTTL() time.Duration {
	if j.RefreshTokenTTLMinutes <= 0 {
		return 0
	}
	return time.Duration(j.RefreshTokenTTLMinutes) * time.Minute
}

type PasswordConfig struct {
	ArgonMemoryKB    int `envconfig:"GRUBHAUL_ARGON_MEMORY_KB" default:"65536"`
	ArgonTime        int `envconfig:"GRUBHAUL_ARGON_TIME" default:"3"`
	ArgonParallelism int `envconfig:"GRUBHAUL_ARGON_PARALLELISM" default:"2"`
	ArgonSaltLen     int `envconfig:"GRUBHAUL_ARGON_SALT_LEN" default:"16"`
	ArgonKeyLen      int `envconfig:"GRUBHAUL_ARGON_KEY_LEN" default:"32"`
}

type AuthRateLimitConfig struct {
	LoginWindow        time.Duration `envconfig:"GRUBHAUL_AUTH_RATE_LIMIT_LOGIN_WINDOW" default:"1m"`
	LoginEmailLimit    int           `envconfig:"GRUBHAUL_AUTH_RATE_LIMIT_LOGIN_EMAIL_LIMIT" default:"5"`
	LoginIPLimit       int           `envconfig:"GRUBHAUL_AUTH_RATE_LIMIT_LOGIN_IP_LIMIT" default:"20"`
	RegisterWindow     time.Duration `envconfig:"GRUBHAUL_AUTH_RATE_LIMIT_REGISTER_WINDOW" default:"5m"`
	RegisterEmailLimit int           `envconfig:"GRUBHAUL_AUTH_RATE_LIMIT_REGISTER_EMAIL_LIMIT" default:"3"`
	RegisterIPLimit    int           `envconfig:"GRUBHAUL_AUTH_RATE_LIMIT_REGISTER_IP_LIMIT" default:"20"`
}

type FeatureFlagsConfig struct {
	UseSQLite   bool `envconfig:"GRUBHAUL_USE_SQLITE" default:"false"`
	AutoMigrate bool `envconfig:"GRUBHAUL_AUTO_MIGRATE" default:"false"`
	Analytics   bool `envconfig:"GRUBHAUL_FEATURE_ANALYTICS" default:"false"`
}

type EventingConfig struct {
	OutboxIdempotencyTTL  time.Duration `envconfig:"GRUBHAUL_EVENTING_IDEMPOTENCY_TTL" default:"720h"`
	WebhookIdempotencyTTL time.Duration `envconfig:"GRUBHAUL_EVENTING_WEBHOOK_TTL" default:"72h"`
}

// ServicesConfig holds the base URLs the workflows use to reach each other.
type ServicesConfig struct {
	CatalogURL       string        `envconfig:"GRUBHAUL_SERVICES_CATALOG_URL" default:"http://localhost:8080"`
	OrdersURL        string        `envconfig:"GRUBHAUL_SERVICES_ORDERS_URL" default:"http://localhost:8080"`
	NotificationsURL string        `envconfig:"GRUBHAUL_SERVICES_NOTIFICATIONS_URL" default:"http://localhost:8080"`
	Timeout          time.Duration `envconfig:"GRUBHAUL_SERVICES_TIMEOUT" default:"5s"`
	ServiceTokenTTL  time.Duration `envconfig:"GRUBHAUL_SERVICES_TOKEN_TTL" default:"5m"`
}

type PaymentsConfig struct {
	Currency   string `envconfig:"GRUBHAUL_PAYMENTS_CURRENCY" default:"usd"`
	MaxRetries int    `envconfig:"GRUBHAUL_PAYMENTS_MAX_RETRIES" default:"3"`
}

type GCPConfig struct {
	ProjectID              string `envconfig:"GRUBHAUL_GCP_PROJECT_ID" required:"true"`
	CredentialsJSON        string `envconfig:"GRUBHAUL_GCP_CREDENTIALS_JSON"`
	ApplicationCredentials string `envconfig:"GRUBHAUL_GOOGLE_APPLICATION_CREDENTIALS"`
}

type PubSubConfig struct {
	OrdersTopic                string `envconfig:"GRUBHAUL_PUBSUB_ORDERS_TOPIC" default:"gh-order-events"`
	PaymentsTopic              string `envconfig:"GRUBHAUL_PUBSUB_PAYMENTS_TOPIC" default:"gh-payment-events"`
	DeliveriesTopic            string `envconfig:"GRUBHAUL_PUBSUB_DELIVERIES_TOPIC" default:"gh-delivery-events"`
	OrderNotificationSub       string `envconfig:"GRUBHAUL_PUBSUB_ORDER_NOTIFICATION_SUBSCRIPTION" required:"true"`
	PaymentNotificationSub     string `envconfig:"GRUBHAUL_PUBSUB_PAYMENT_NOTIFICATION_SUBSCRIPTION" required:"true"`
	DeliveryNotificationSub    string `envconfig:"GRUBHAUL_PUBSUB_DELIVERY_NOTIFICATION_SUBSCRIPTION" required:"true"`
	DeliveryIntakeSubscription string `envconfig:"GRUBHAUL_PUBSUB_DELIVERY_INTAKE_SUBSCRIPTION" required:"true"`
	AnalyticsSubscription      string `envconfig:"GRUBHAUL_PUBSUB_ANALYTICS_SUBSCRIPTION"`
}

type BigQueryConfig struct {
	Dataset        string `envconfig:"GRUBHAUL_BIGQUERY_DATASET" default:"grubhaul"`
	LifecycleTable string `envconfig:"GRUBHAUL_BIGQUERY_LIFECYCLE_TABLE" default:"order_lifecycle_events"`
}

type OutboxConfig struct {
	BatchSize      int `envconfig:"GRUBHAUL_OUTBOX_PUBLISH_BATCH_SIZE" default:"50"`
	PollIntervalMS int `envconfig:"GRUBHAUL_OUTBOX_PUBLISH_POLL_MS" default:"500"`
	MaxAttempts    int `envconfig:"GRUBHAUL_OUTBOX_MAX_ATTEMPTS" default:"10"`
	RetentionDays  int `envconfig:"GRUBHAUL_OUTBOX_RETENTION_DAYS" default:"14"`
	// DLQRetentionDays keeps dead letters longer than published rows so they
	// can still be replayed.
	DLQRetentionDays int `envconfig:"GRUBHAUL_OUTBOX_DLQ_RETENTION_DAYS" default:"30"`
}

type StripeConfig struct {
	APIKey            string `envconfig:"GRUBHAUL_STRIPE_API_KEY"`
	Secret            string `envconfig:"GRUBHAUL_STRIPE_SECRET"`
	Env               string `envconfig:"GRUBHAUL_STRIPE_ENV" default:"test"`
	DescriptorSuffix  string `envconfig:"GRUBHAUL_STRIPE_DESCRIPTOR_SUFFIX" default:"GRUBHAUL"`
	MaxNetworkRetries int64  `envconfig:"GRUBHAUL_STRIPE_MAX_NETWORK_RETRIES" default:"2"`
}

// Environment returns the normalized Stripe environment (test/live).
func (s StripeConfig) Environment() string {
	env := strings.TrimSpace(strings.ToLower(s.Env))
	if env == "" {
		return "test"
	}
	return env
}

type NotificationsConfig struct {
	RetentionDays int    `envconfig:"GRUBHAUL_NOTIFICATIONS_RETENTION_DAYS" default:"30"`
	Channels      string `envconfig:"GRUBHAUL_NOTIFICATIONS_CHANNELS" default:"in_app,email,sms"`
	LiveChannel   string `envconfig:"GRUBHAUL_NOTIFICATIONS_LIVE_CHANNEL" default:"notifications:live"`
	EmailURL      string `envconfig:"GRUBHAUL_NOTIFICATIONS_EMAIL_URL"`
	EmailAPIKey   string `envconfig:"GRUBHAUL_NOTIFICATIONS_EMAIL_API_KEY"`
	EmailFrom     string `envconfig:"GRUBHAUL_NOTIFICATIONS_EMAIL_FROM" default:"no-reply@grubhaul.local"`
	SMSURL        string `envconfig:"GRUBHAUL_NOTIFICATIONS_SMS_URL"`
	SMSAPIKey     string `envconfig:"GRUBHAUL_NOTIFICATIONS_SMS_API_KEY"`
}

// Retention returns the notification retention window.
func (n NotificationsConfig) Retention() time.Duration {
	days := n.RetentionDays
	if days <= 0 {
		days = 30
	}
	return time.Duration(days) * 24 * time.Hour
}

// EnabledChannels returns the configured delivery channels in order.
func (n NotificationsConfig) EnabledChannels() []string {
	return splitList(n.Channels)
}

type CronConfig struct {
	Interval        time.Duration `envconfig:"GRUBHAUL_CRON_INTERVAL" default:"1h"`
	LockTTL         time.Duration `envconfig:"GRUBHAUL_CRON_LOCK_TTL" default:"10m"`
	ReconcileMinAge time.Duration `envconfig:"GRUBHAUL_CRON_RECONCILE_MIN_AGE" default:"10m"`
}

func (db *DBConfig) ensureDSN() error {
	if db.DSN != "" {
		return nil
	}

	missing := []string{}
	legacyValues := map[string]string{
		EnvDBHost: db.LegacyHost,
		EnvDBUser: db.LegacyUser,
		EnvDBName: db.LegacyName,
	}
	for _, env := range legacyDBEnvVars {
		if legacyValues[env] == "" {
			missing = append(missing, env)
		}
	}

	if len(missing) > 0 {
		return fmt.Errorf("either %s or %s are required", EnvDBDSN, strings.Join(missing, ", "))
	}

	userInfo := url.User(db.LegacyUser)
	if db.LegacyPassword != "" {
		userInfo = url.UserPassword(db.LegacyUser, db.LegacyPassword)
	}

	u := &url.URL{
		Scheme: "postgres",
		User:   userInfo,
		Host:   fmt.Sprintf("%s:%d", db.LegacyHost, db.LegacyPort),
		Path:   db.LegacyName,
	}

	if db.LegacySSLMode != "" {
		q := u.Query()
		q.Set("sslmode", db.LegacySSLMode)
		u.RawQuery = q.Encode()
	}

	db.DSN = u.String()
	return nil
}

func splitList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
