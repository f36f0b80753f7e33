package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	App   AppConfig
	DB    DBConfig
	Redis RedisConfig
	API   APIConfig
	Sync  SyncConfig
	Cron  CronConfig
}

func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.DB.ensureDSN(); err != nil {
		return nil, err
	}
	if err := cfg.API.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

type AppConfig struct {
	Env          string `envconfig:"PAINSYNC_APP_ENV" default:"dev"`
	LogLevel     string `envconfig:"PAINSYNC_LOG_LEVEL" default:"info"`
	LogWarnStack bool   `envconfig:"PAINSYNC_LOG_WARN_STACK" default:"false"`
	LogFormat    string `envconfig:"PAINSYNC_LOG_FORMAT" default:"json"`
	DeviceID     string `envconfig:"PAINSYNC_DEVICE_ID"`
	Platform     string `envconfig:"PAINSYNC_PLATFORM" default:"android"`
	Version      string `envconfig:"PAINSYNC_APP_VERSION" default:"1.0.0"`
	StatusAddr   string `envconfig:"PAINSYNC_STATUS_ADDR" default:"127.0.0.1:8787"`
}

// LogFields are the device attributes stamped on every log entry.
func (a AppConfig) LogFields() map[string]any {
	return map[string]any{
		"device_id":   a.DeviceID,
		"platform":    a.Platform,
		"app_version": a.Version,
	}
}

func (a AppConfig) IsDev() bool {
	return strings.EqualFold(a.Env, AppEnvDev)
}

func (a AppConfig) IsProd() bool {
	return strings.EqualFold(a.Env, AppEnvProd)
}

type DBConfig struct {
	Driver string `envconfig:"PAINSYNC_DB_DRIVER" default:"sqlite"`
	DSN    string `envconfig:"PAINSYNC_DB_DSN"`
	Path   string `envconfig:"PAINSYNC_DB_PATH" default:"painsync.db"`

	AutoMigrate     bool          `envconfig:"PAINSYNC_DB_AUTO_MIGRATE" default:"true"`
	MaxOpenConns    int           `envconfig:"PAINSYNC_DB_MAX_OPEN_CONNS" default:"1"`
	MaxIdleConns    int           `envconfig:"PAINSYNC_DB_MAX_IDLE_CONNS" default:"1"`
	ConnMaxLifetime time.Duration `envconfig:"PAINSYNC_DB_CONN_MAX_LIFETIME" default:"1h"`
	ConnMaxIdleTime time.Duration `envconfig:"PAINSYNC_DB_CONN_MAX_IDLE_TIME" default:"10m"`
}

// IsSQLite reports whether the embedded store is selected.
func (db DBConfig) IsSQLite() bool {
	driver := strings.ToLower(strings.TrimSpace(db.Driver))
	return driver == "" || driver == DriverSQLite
}

type RedisConfig struct {
	URL          string        `envconfig:"PAINSYNC_REDIS_URL"`
	Address      string        `envconfig:"PAINSYNC_REDIS_ADDR"`
	Password     string        `envconfig:"PAINSYNC_REDIS_PASSWORD"`
	DB           int           `envconfig:"PAINSYNC_REDIS_DB" default:"0"`
	PoolSize     int           `envconfig:"PAINSYNC_REDIS_POOL_SIZE" default:"4"`
	MinIdleConns int           `envconfig:"PAINSYNC_REDIS_MIN_IDLE_CONNS" default:"1"`
	DialTimeout  time.Duration `envconfig:"PAINSYNC_REDIS_DIAL_TIMEOUT" default:"5s"`
	ReadTimeout  time.Duration `envconfig:"PAINSYNC_REDIS_READ_TIMEOUT" default:"5s"`
	WriteTimeout time.Duration `envconfig:"PAINSYNC_REDIS_WRITE_TIMEOUT" default:"5s"`
}

// Enabled reports whether a shared Redis instance was configured.
func (r RedisConfig) Enabled() bool {
	return strings.TrimSpace(r.URL) != "" || strings.TrimSpace(r.Address) != ""
}

type APIConfig struct {
	BaseURL         string        `envconfig:"PAINSYNC_API_BASE_URL"`
	RequestTimeout  time.Duration `envconfig:"PAINSYNC_API_REQUEST_TIMEOUT" default:"30s"`
	Simulated       bool          `envconfig:"PAINSYNC_API_SIMULATED" default:"false"`
	SimulatedSecret string        `envconfig:"PAINSYNC_API_SIMULATED_SECRET" default:"painsync-simulated"`
	SimulatedStudy  string        `envconfig:"PAINSYNC_API_SIMULATED_STUDY" default:"study-simulated"`
	Token           string        `envconfig:"PAINSYNC_API_TOKEN"`
	EnrollmentCode  string        `envconfig:"PAINSYNC_ENROLLMENT_CODE"`
	ProbeInterval   time.Duration `envconfig:"PAINSYNC_CONNECTIVITY_PROBE_INTERVAL" default:"30s"`
}

func (a APIConfig) validate() error {
	if a.Simulated {
		return nil
	}
	if strings.TrimSpace(a.BaseURL) == "" {
		return fmt.Errorf("%s is required unless %s is set", EnvAPIBaseURL, EnvAPISimulated)
	}
	return nil
}

type SyncConfig struct {
	AutoInterval       time.Duration `envconfig:"PAINSYNC_SYNC_AUTO_INTERVAL" default:"15m"`
	Debounce           time.Duration `envconfig:"PAINSYNC_SYNC_DEBOUNCE" default:"3s"`
	BatchSize          int           `envconfig:"PAINSYNC_SYNC_BATCH_SIZE" default:"50"`
	CompletedRetention time.Duration `envconfig:"PAINSYNC_SYNC_COMPLETED_RETENTION" default:"168h"`
	ExpiredRetention   time.Duration `envconfig:"PAINSYNC_SYNC_EXPIRED_RETENTION" default:"720h"`
	GateRetries        bool          `envconfig:"PAINSYNC_SYNC_GATE_RETRIES" default:"true"`
	HardenClientErrors bool          `envconfig:"PAINSYNC_SYNC_HARDEN_CLIENT_ERRORS" default:"false"`
	BackoffBase        time.Duration `envconfig:"PAINSYNC_SYNC_BACKOFF_BASE" default:"30s"`
	BackoffMax         time.Duration `envconfig:"PAINSYNC_SYNC_BACKOFF_MAX" default:"30m"`
	BackoffMultiplier  float64       `envconfig:"PAINSYNC_SYNC_BACKOFF_MULTIPLIER" default:"2"`
	MaxRetries         int           `envconfig:"PAINSYNC_SYNC_MAX_RETRIES" default:"5"`
}

type CronConfig struct {
	Interval time.Duration `envconfig:"PAINSYNC_CRON_INTERVAL" default:"1h"`
	LockTTL  time.Duration `envconfig:"PAINSYNC_CRON_LOCK_TTL" default:"10m"`
}

func (db *DBConfig) ensureDSN() error {
	if db.DSN != "" {
		return nil
	}
	if !db.IsSQLite() {
		return fmt.Errorf("%s is required for driver %q", EnvDBDSN, db.Driver)
	}
	path := strings.TrimSpace(db.Path)
	if path == "" {
		return fmt.Errorf("either %s or %s is required", EnvDBDSN, EnvDBPath)
	}
	db.DSN = fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL", path)
	return nil
}
