package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	App            AppConfig
	Service        ServiceConfig
	DB             DBConfig
	Redis          RedisConfig
	FeatureFlags   FeatureFlagsConfig
	Eventing       EventingConfig
	GCP            GCPConfig
	PubSub         PubSubConfig
	BigQuery       BigQueryConfig
	Outbox         OutboxConfig
	Payments       PaymentsConfig
	SumUp          SumUpConfig
	Stripe         StripeConfig
	Catalog        CatalogConfig
	Ledger         LedgerConfig
	Sendgrid       SendgridConfig
	Fulfillment    FulfillmentConfig
	Reconciliation ReconciliationConfig
	Webhooks       WebhooksConfig
	Internal       InternalConfig
	RateLimit      RateLimitConfig
}

func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.DB.ensureDSN(); err != nil {
		return nil, err
	}
	if err := cfg.Payments.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

type AppConfig struct {
	Env          string `envconfig:"ALMOND_APP_ENV" required:"true"`
	Port         string `envconfig:"ALMOND_APP_PORT" default:"8080"`
	LogLevel     string `envconfig:"ALMOND_LOG_LEVEL" default:"info"`
	LogWarnStack bool   `envconfig:"ALMOND_LOG_WARN_STACK" default:"false"`
	LogFormat    string `envconfig:"ALMOND_LOG_FORMAT" default:"json"`
	PublicURL    string `envconfig:"ALMOND_PUBLIC_URL" default:"http://localhost:3000"`
	MetricsPort  string `envconfig:"ALMOND_METRICS_PORT" default:"9090"`
}

func (a AppConfig) IsDev() bool {
	return strings.EqualFold(a.Env, AppEnvDev)
}

func (a AppConfig) IsProd() bool {
	return strings.EqualFold(a.Env, AppEnvProd) || strings.EqualFold(a.Env, AppEnvProduction)
}

type ServiceConfig struct {
	Kind string `envconfig:"ALMOND_SERVICE_KIND" default:"api"`
}

type DBConfig struct {
	DSN string `envconfig:"ALMOND_DB_DSN"`

	LegacyHost     string `envconfig:"ALMOND_DB_HOST"`
	LegacyPort     int    `envconfig:"ALMOND_DB_PORT" default:"5432"`
	LegacyUser     string `envconfig:"ALMOND_DB_USER"`
	LegacyPassword string `envconfig:"ALMOND_DB_PASSWORD"`
	LegacyName     string `envconfig:"ALMOND_DB_NAME"`
	LegacySSLMode  string `envconfig:"ALMOND_DB_SSLMODE" default:"disable"`

	MaxOpenConns    int           `envconfig:"ALMOND_DB_MAX_OPEN_CONNS" default:"20"`
	MaxIdleConns    int           `envconfig:"ALMOND_DB_MAX_IDLE_CONNS" default:"10"`
	ConnMaxLifetime time.Duration `envconfig:"ALMOND_DB_CONN_MAX_LIFETIME" default:"1h"`
	ConnMaxIdleTime time.Duration `envconfig:"ALMOND_DB_CONN_MAX_IDLE_TIME" default:"10m"`
}

type RedisConfig struct {
	URL          string        `envconfig:"ALMOND_REDIS_URL" required:"true"`
	Address      string        `envconfig:"ALMOND_REDIS_ADDR"`
	Password     string        `envconfig:"ALMOND_REDIS_PASSWORD"`
	DB           int           `envconfig:"ALMOND_REDIS_DB" default:"0"`
	PoolSize     int           `envconfig:"ALMOND_REDIS_POOL_SIZE" default:"10"`
	MinIdleConns int           `envconfig:"ALMOND_REDIS_MIN_IDLE_CONNS" default:"2"`
	DialTimeout  time.Duration `envconfig:"ALMOND_REDIS_DIAL_TIMEOUT" default:"5s"`
	ReadTimeout  time.Duration `envconfig:"ALMOND_REDIS_READ_TIMEOUT" default:"5s"`
	WriteTimeout time.Duration `envconfig:"ALMOND_REDIS_WRITE_TIMEOUT" default:"5s"`
}

type FeatureFlagsConfig struct {
	AutoMigrate bool `envconfig:"ALMOND_AUTO_MIGRATE" default:"false"`
}

type EventingConfig struct {
	ConsumerIdempotencyTTL time.Duration `envconfig:"ALMOND_EVENTING_IDEMPOTENCY_TTL" default:"720h"`
	ConsumerClaimLease     time.Duration `envconfig:"ALMOND_EVENTING_CLAIM_LEASE" default:"20m"`
}

type GCPConfig struct {
	ProjectID              string `envconfig:"ALMOND_GCP_PROJECT_ID"`
	CredentialsJSON        string `envconfig:"ALMOND_GCP_CREDENTIALS_JSON"`
	ApplicationCredentials string `envconfig:"ALMOND_GOOGLE_APPLICATION_CREDENTIALS"`
}

type PubSubConfig struct {
	OrdersTopic           string `envconfig:"ALMOND_PUBSUB_ORDERS_TOPIC" default:"almond-order-events"`
	OrdersSubscription    string `envconfig:"ALMOND_PUBSUB_ORDERS_SUBSCRIPTION" default:"almond-order-events-fulfillment"`
	AnalyticsTopic        string `envconfig:"ALMOND_PUBSUB_ANALYTICS_TOPIC" default:"almond-analytics-events"`
	AnalyticsSubscription string `envconfig:"ALMOND_PUBSUB_ANALYTICS_SUBSCRIPTION" default:"almond-analytics-events-bq"`
}

type BigQueryConfig struct {
	Dataset                string `envconfig:"ALMOND_BIGQUERY_DATASET" default:"almond_river"`
	FulfillmentEventsTable string `envconfig:"ALMOND_BIGQUERY_FULFILLMENT_TABLE" default:"fulfillment_events"`
}

type OutboxConfig struct {
	BatchSize      int           `envconfig:"ALMOND_OUTBOX_PUBLISH_BATCH_SIZE" default:"50"`
	PollIntervalMS int           `envconfig:"ALMOND_OUTBOX_PUBLISH_POLL_MS" default:"500"`
	MaxAttempts    int           `envconfig:"ALMOND_OUTBOX_MAX_ATTEMPTS" default:"10"`
	Retention      time.Duration `envconfig:"ALMOND_OUTBOX_RETENTION" default:"720h"`
}

type PaymentsConfig struct {
	Provider    string `envconfig:"ALMOND_PAYMENTS_PROVIDER" default:"sumup"`
	Currency    string `envconfig:"ALMOND_PAYMENTS_CURRENCY" default:"GBP"`
	ReturnURL   string `envconfig:"ALMOND_PAYMENTS_RETURN_URL"`
	RedirectURL string `envconfig:"ALMOND_PAYMENTS_REDIRECT_URL"`
}

func (p PaymentsConfig) NormalizedProvider() string {
	provider := strings.TrimSpace(strings.ToLower(p.Provider))
	if provider == "" {
		return PaymentProviderSumUp
	}
	return provider
}

func (p PaymentsConfig) validate() error {
	switch p.NormalizedProvider() {
	case PaymentProviderSumUp, PaymentProviderStripe:
		return nil
	default:
		return fmt.Errorf("%s must be %q or %q", EnvPaymentsProvider, PaymentProviderSumUp, PaymentProviderStripe)
	}
}

type SumUpConfig struct {
	APIKey       string `envconfig:"ALMOND_SUMUP_API_KEY"`
	MerchantCode string `envconfig:"ALMOND_SUMUP_MERCHANT_CODE"`
	BaseURL      string `envconfig:"ALMOND_SUMUP_BASE_URL" default:"https://api.sumup.com"`
}

type StripeConfig struct {
	APIKey string `envconfig:"ALMOND_STRIPE_API_KEY"`
	Secret string `envconfig:"ALMOND_STRIPE_SECRET"`
	Env    string `envconfig:"ALMOND_STRIPE_ENV" default:"test"`
}

// Environment returns the normalized Stripe environment (test/live).
func (s StripeConfig) Environment() string {
	env := strings.TrimSpace(strings.ToLower(s.Env))
	if env == "" {
		return "test"
	}
	return env
}

type CatalogConfig struct {
	SpaceID         string        `envconfig:"ALMOND_CATALOG_SPACE_ID"`
	Environment     string        `envconfig:"ALMOND_CATALOG_ENVIRONMENT" default:"master"`
	ManagementToken string        `envconfig:"ALMOND_CATALOG_MANAGEMENT_TOKEN"`
	BaseURL         string        `envconfig:"ALMOND_CATALOG_BASE_URL" default:"https://api.contentful.com"`
	UploadURL       string        `envconfig:"ALMOND_CATALOG_UPLOAD_URL" default:"https://upload.contentful.com"`
	Locale          string        `envconfig:"ALMOND_CATALOG_LOCALE" default:"en-US"`
	ContentType     string        `envconfig:"ALMOND_CATALOG_CONTENT_TYPE" default:"vinylRecord"`
	RequestsPerSec  float64       `envconfig:"ALMOND_CATALOG_REQUESTS_PER_SECOND" default:"7"`
	ProcessTimeout  time.Duration `envconfig:"ALMOND_CATALOG_ASSET_PROCESS_TIMEOUT" default:"30s"`
	ProcessInterval time.Duration `envconfig:"ALMOND_CATALOG_ASSET_POLL_INTERVAL" default:"1s"`
}

type LedgerConfig struct {
	SpreadsheetID   string `envconfig:"ALMOND_LEDGER_SPREADSHEET_ID"`
	Range           string `envconfig:"ALMOND_LEDGER_RANGE" default:"Orders!A:H"`
	ReferenceColumn int    `envconfig:"ALMOND_LEDGER_REFERENCE_COLUMN" default:"1"`
	CredentialsJSON string `envconfig:"ALMOND_LEDGER_CREDENTIALS_JSON"`
}

type SendgridConfig struct {
	APIKey      string `envconfig:"ALMOND_SENDGRID_API_KEY"`
	DefaultFrom string `envconfig:"ALMOND_SENDGRID_FROM_EMAIL"`
	FromName    string `envconfig:"ALMOND_SENDGRID_FROM_NAME" default:"Almond River Records"`
}

type FulfillmentConfig struct {
	AwaitMaxAttempts     int           `envconfig:"ALMOND_FULFILLMENT_AWAIT_MAX_ATTEMPTS" default:"5"`
	AwaitBaseDelay       time.Duration `envconfig:"ALMOND_FULFILLMENT_AWAIT_BASE_DELAY" default:"2s"`
	InventoryMaxAttempts int           `envconfig:"ALMOND_FULFILLMENT_INVENTORY_MAX_ATTEMPTS" default:"5"`
	InventoryBaseDelay   time.Duration `envconfig:"ALMOND_FULFILLMENT_INVENTORY_BASE_DELAY" default:"500ms"`
	LockTTL              time.Duration `envconfig:"ALMOND_FULFILLMENT_LOCK_TTL" default:"0"`
	LockItemAllowance    int           `envconfig:"ALMOND_FULFILLMENT_LOCK_ITEM_ALLOWANCE" default:"10"`
}

// lockLedgerAllowance covers the email send and the ledger read and append.
const lockLedgerAllowance = time.Minute

// LockLease is how long a fulfillment run may hold its per-reference lock.
// An explicit LockTTL wins. Otherwise the lease covers the full payment wait
// plus LockItemAllowance items that each exhaust their catalog retries, with
// every attempt taking up to requestTimeout. The lock is not renewed: a run
// that outlives its lease can overlap a second run, which the conditional
// fulfilled_at update still reduces to a single commit.
func (f FulfillmentConfig) LockLease(requestTimeout time.Duration) time.Duration {
	if f.LockTTL > 0 {
		return f.LockTTL
	}
	await := time.Duration(0)
	for attempt := 1; attempt < f.AwaitMaxAttempts; attempt++ {
		await += f.AwaitBaseDelay * time.Duration(attempt)
	}
	perItem := time.Duration(0)
	for attempt := 1; attempt <= f.InventoryMaxAttempts; attempt++ {
		perItem += requestTimeout
		if attempt < f.InventoryMaxAttempts {
			perItem += f.InventoryBaseDelay * time.Duration(1<<(attempt-1))
		}
	}
	items := f.LockItemAllowance
	if items < 1 {
		items = 1
	}
	return await + time.Duration(items)*perItem + lockLedgerAllowance
}

type ReconciliationConfig struct {
	Interval       time.Duration `envconfig:"ALMOND_RECONCILIATION_INTERVAL" default:"5m"`
	MaxRetries     int           `envconfig:"ALMOND_RECONCILIATION_MAX_RETRIES" default:"5"`
	BackoffWindow  time.Duration `envconfig:"ALMOND_RECONCILIATION_BACKOFF_WINDOW" default:"10m"`
	Lookback       time.Duration `envconfig:"ALMOND_RECONCILIATION_LOOKBACK" default:"48h"`
	BatchSize      int           `envconfig:"ALMOND_RECONCILIATION_BATCH_SIZE" default:"50"`
	ReservationTTL time.Duration `envconfig:"ALMOND_RESERVATION_TTL" default:"2h"`
}

type WebhooksConfig struct {
	CatalogSecret  string        `envconfig:"ALMOND_WEBHOOKS_CATALOG_SECRET"`
	IdempotencyTTL time.Duration `envconfig:"ALMOND_WEBHOOKS_IDEMPOTENCY_TTL" default:"168h"`
}

type InternalConfig struct {
	JWTSecret string `envconfig:"ALMOND_INTERNAL_JWT_SECRET"`
	JWTIssuer string `envconfig:"ALMOND_INTERNAL_JWT_ISSUER" default:"almond-fulfillment"`
}

type RateLimitConfig struct {
	CheckoutWindow     time.Duration `envconfig:"ALMOND_CHECKOUT_RATE_WINDOW" default:"1m"`
	CheckoutIPLimit    int           `envconfig:"ALMOND_CHECKOUT_RATE_IP_LIMIT" default:"20"`
	CheckoutEmailLimit int           `envconfig:"ALMOND_CHECKOUT_RATE_EMAIL_LIMIT" default:"5"`
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
