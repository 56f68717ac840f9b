package config

const (
	EnvPrefix = "MESA"

	AppEnvDev  = "dev"
	AppEnvProd = "prod"

	EnvAppEnv   = "MESA_APP_ENV"
	EnvPort     = "MESA_APP_PORT"
	EnvRedisURL = "MESA_REDIS_URL"

	EnvDBDSN  = "MESA_DB_DSN"
	EnvDBHost = "MESA_DB_HOST"
	EnvDBUser = "MESA_DB_USER"
	EnvDBName = "MESA_DB_NAME"

	EnvCardATimeout    = "MESA_CARD_A_TIMEOUT"
	EnvTransferTimeout = "MESA_TRANSFER_TIMEOUT"
)

var legacyDBEnvVars = []string{EnvDBHost, EnvDBUser, EnvDBName}
