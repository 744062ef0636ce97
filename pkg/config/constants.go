package config

const (
	EnvPrefix = "ALMOND"

	AppEnvDev        = "dev"
	AppEnvProd       = "prod"
	AppEnvProduction = "production"

	PaymentProviderSumUp  = "sumup"
	PaymentProviderStripe = "stripe"
)

const (
	EnvAppEnv           = "ALMOND_APP_ENV"
	EnvPort             = "ALMOND_APP_PORT"
	EnvDBDSN            = "ALMOND_DB_DSN"
	EnvDBHost           = "ALMOND_DB_HOST"
	EnvDBUser           = "ALMOND_DB_USER"
	EnvDBName           = "ALMOND_DB_NAME"
	EnvDBPassword       = "ALMOND_DB_PASSWORD"
	EnvRedisURL         = "ALMOND_REDIS_URL"
	EnvPaymentsProvider = "ALMOND_PAYMENTS_PROVIDER"
	EnvReconMaxRetries  = "ALMOND_RECONCILIATION_MAX_RETRIES"
	EnvLedgerRange      = "ALMOND_LEDGER_RANGE"
)

var legacyDBEnvVars = []string{EnvDBHost, EnvDBUser, EnvDBName}
