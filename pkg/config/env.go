package config

const EnvPrefix = "PAINSYNC"

const (
	AppEnvDev  = "dev"
	AppEnvProd = "prod"

	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

const (
	EnvAppEnv        = "PAINSYNC_APP_ENV"
	EnvDBDriver      = "PAINSYNC_DB_DRIVER"
	EnvDBDSN         = "PAINSYNC_DB_DSN"
	EnvDBPath        = "PAINSYNC_DB_PATH"
	EnvRedisURL      = "PAINSYNC_REDIS_URL"
	EnvAPIBaseURL    = "PAINSYNC_API_BASE_URL"
	EnvAPISimulated  = "PAINSYNC_API_SIMULATED"
	EnvSyncInterval  = "PAINSYNC_SYNC_AUTO_INTERVAL"
	EnvSyncDebounce  = "PAINSYNC_SYNC_DEBOUNCE"
	EnvSyncBatchSize = "PAINSYNC_SYNC_BATCH_SIZE"
)
