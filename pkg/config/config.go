package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	App          AppConfig
	Service      ServiceConfig
	DB           DBConfig
	Redis        RedisConfig
	FeatureFlags FeatureFlagsConfig
	Gateways     GatewaysConfig
	Reconcile    ReconcileConfig
	Credentials  CredentialsConfig
	GCP          GCPConfig
	PubSub       PubSubConfig
	Outbox       OutboxConfig
	RateLimit    RateLimitConfig
}

func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.DB.ensureDSN(); err != nil {
		return nil, err
	}
	if err := cfg.Gateways.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

type AppConfig struct {
	Env          string `envconfig:"MESA_APP_ENV" required:"true"`
	Port         string `envconfig:"MESA_APP_PORT" required:"true"`
	LogLevel     string `envconfig:"MESA_LOG_LEVEL" default:"info"`
	LogFormat    string `envconfig:"MESA_LOG_FORMAT" default:"json"`
	LogWarnStack bool   `envconfig:"MESA_LOG_WARN_STACK" default:"false"`
	// Dashboard origins allowed to call the API from a browser.
	CORSOrigins []string `envconfig:"MESA_CORS_ALLOWED_ORIGINS" default:"http://localhost:3000"`
}

func (a AppConfig) IsDev() bool {
	return strings.EqualFold(a.Env, AppEnvDev)
}

func (a AppConfig) IsProd() bool {
	return strings.EqualFold(a.Env, AppEnvProd) || strings.EqualFold(a.Env, "production")
}

type ServiceConfig struct {
	Kind string `envconfig:"MESA_SERVICE_KIND" default:"api"`
}

type DBConfig struct {
	DSN    string `envconfig:"MESA_DB_DSN"`
	Driver string `envconfig:"MESA_DB_DRIVER" default:"postgres"`

	LegacyHost     string `envconfig:"MESA_DB_HOST"`
	LegacyPort     int    `envconfig:"MESA_DB_PORT" default:"5432"`
	LegacyUser     string `envconfig:"MESA_DB_USER"`
	LegacyPassword string `envconfig:"MESA_DB_PASSWORD"`
	LegacyName     string `envconfig:"MESA_DB_NAME"`
	LegacySSLMode  string `envconfig:"MESA_DB_SSLMODE" default:"disable"`

	MaxOpenConns    int           `envconfig:"MESA_DB_MAX_OPEN_CONNS" default:"20"`
	MaxIdleConns    int           `envconfig:"MESA_DB_MAX_IDLE_CONNS" default:"10"`
	ConnMaxLifetime time.Duration `envconfig:"MESA_DB_CONN_MAX_LIFETIME" default:"1h"`
	ConnMaxIdleTime time.Duration `envconfig:"MESA_DB_CONN_MAX_IDLE_TIME" default:"10m"`
	// Queries slower than SlowQuery are logged at warn; zero disables it.
	SlowQuery time.Duration `envconfig:"MESA_DB_SLOW_QUERY" default:"500ms"`
}

type RedisConfig struct {
	URL          string        `envconfig:"MESA_REDIS_URL" required:"true"`
	Address      string        `envconfig:"MESA_REDIS_ADDR"`
	Password     string        `envconfig:"MESA_REDIS_PASSWORD"`
	DB           int           `envconfig:"MESA_REDIS_DB" default:"0"`
	PoolSize     int           `envconfig:"MESA_REDIS_POOL_SIZE" default:"10"`
	MinIdleConns int           `envconfig:"MESA_REDIS_MIN_IDLE_CONNS" default:"2"`
	DialTimeout  time.Duration `envconfig:"MESA_REDIS_DIAL_TIMEOUT" default:"5s"`
	ReadTimeout  time.Duration `envconfig:"MESA_REDIS_READ_TIMEOUT" default:"5s"`
	WriteTimeout time.Duration `envconfig:"MESA_REDIS_WRITE_TIMEOUT" default:"5s"`
}

type FeatureFlagsConfig struct {
	AutoMigrate bool `envconfig:"MESA_AUTO_MIGRATE" default:"false"`
	// When false the transfer gateway answers polls with NotImplemented unless a
	// restaurant has a settlement API configured.
	TransferSettlementQuery bool `envconfig:"MESA_FEATURE_TRANSFER_SETTLEMENT_QUERY" default:"true"`
}

// ProviderConfig is the typed per-provider configuration record.
type ProviderConfig struct {
	BaseURL        string
	SandboxBaseURL string
	Timeout        time.Duration
	MaxRetries     uint64
	RetryBase      time.Duration
	RetryCap       time.Duration
}

// BaseURLFor returns the sandbox URL when sandbox is true and one is configured.
func (p ProviderConfig) BaseURLFor(sandbox bool) string {
	if sandbox && strings.TrimSpace(p.SandboxBaseURL) != "" {
		return strings.TrimRight(p.SandboxBaseURL, "/")
	}
	return strings.TrimRight(p.BaseURL, "/")
}

type GatewaysConfig struct {
	CardA    CardAConfig
	CardB    CardBConfig
	CardC    CardCConfig
	Transfer TransferConfig
}

type CardAConfig struct {
	Timeout    time.Duration `envconfig:"MESA_CARD_A_TIMEOUT" default:"20s"`
	MaxRetries uint64        `envconfig:"MESA_CARD_A_MAX_RETRIES" default:"3"`
	RetryBase  time.Duration `envconfig:"MESA_CARD_A_RETRY_BASE" default:"250ms"`
	RetryCap   time.Duration `envconfig:"MESA_CARD_A_RETRY_CAP" default:"4s"`
	// Tolerance applied to the signature timestamp.
	SignatureTolerance time.Duration `envconfig:"MESA_CARD_A_SIGNATURE_TOLERANCE" default:"5m"`
}

func (c CardAConfig) Provider() ProviderConfig {
	return ProviderConfig{Timeout: c.Timeout, MaxRetries: c.MaxRetries, RetryBase: c.RetryBase, RetryCap: c.RetryCap}
}

type CardBConfig struct {
	BaseURL    string        `envconfig:"MESA_CARD_B_BASE_URL" default:"https://api.mercadopago.com"`
	Timeout    time.Duration `envconfig:"MESA_CARD_B_TIMEOUT" default:"20s"`
	MaxRetries uint64        `envconfig:"MESA_CARD_B_MAX_RETRIES" default:"3"`
	RetryBase  time.Duration `envconfig:"MESA_CARD_B_RETRY_BASE" default:"250ms"`
	RetryCap   time.Duration `envconfig:"MESA_CARD_B_RETRY_CAP" default:"4s"`
	// Hosted checkout redirects and notification URL.
	NotificationURL string `envconfig:"MESA_CARD_B_NOTIFICATION_URL"`
	SuccessURL      string `envconfig:"MESA_CARD_B_SUCCESS_URL"`
	FailureURL      string `envconfig:"MESA_CARD_B_FAILURE_URL"`
	PendingURL      string `envconfig:"MESA_CARD_B_PENDING_URL"`
}

func (c CardBConfig) Provider() ProviderConfig {
	return ProviderConfig{BaseURL: c.BaseURL, Timeout: c.Timeout, MaxRetries: c.MaxRetries, RetryBase: c.RetryBase, RetryCap: c.RetryCap}
}

type CardCConfig struct {
	BaseURL         string        `envconfig:"MESA_CARD_C_BASE_URL" default:"https://connect.squareup.com"`
	SandboxBaseURL  string        `envconfig:"MESA_CARD_C_SANDBOX_BASE_URL" default:"https://connect.squareupsandbox.com"`
	Timeout         time.Duration `envconfig:"MESA_CARD_C_TIMEOUT" default:"20s"`
	MaxRetries      uint64        `envconfig:"MESA_CARD_C_MAX_RETRIES" default:"3"`
	RetryBase       time.Duration `envconfig:"MESA_CARD_C_RETRY_BASE" default:"250ms"`
	RetryCap        time.Duration `envconfig:"MESA_CARD_C_RETRY_CAP" default:"4s"`
	NotificationURL string        `envconfig:"MESA_CARD_C_NOTIFICATION_URL"`
}

func (c CardCConfig) Provider() ProviderConfig {
	return ProviderConfig{BaseURL: c.BaseURL, SandboxBaseURL: c.SandboxBaseURL, Timeout: c.Timeout, MaxRetries: c.MaxRetries, RetryBase: c.RetryBase, RetryCap: c.RetryCap}
}

type TransferConfig struct {
	Timeout    time.Duration `envconfig:"MESA_TRANSFER_TIMEOUT" default:"30s"`
	MaxRetries uint64        `envconfig:"MESA_TRANSFER_MAX_RETRIES" default:"2"`
	RetryBase  time.Duration `envconfig:"MESA_TRANSFER_RETRY_BASE" default:"500ms"`
	RetryCap   time.Duration `envconfig:"MESA_TRANSFER_RETRY_CAP" default:"5s"`
	// Lifetime of a generated transfer code before the sweep marks it failed.
	Expiry time.Duration `envconfig:"MESA_TRANSFER_EXPIRY" default:"30m"`
}

func (c TransferConfig) Provider() ProviderConfig {
	return ProviderConfig{Timeout: c.Timeout, MaxRetries: c.MaxRetries, RetryBase: c.RetryBase, RetryCap: c.RetryCap}
}

const maxProviderTimeout = 30 * time.Second

func (g GatewaysConfig) validate() error {
	for name, timeout := range map[string]time.Duration{
		"card-a":   g.CardA.Timeout,
		"card-b":   g.CardB.Timeout,
		"card-c":   g.CardC.Timeout,
		"transfer": g.Transfer.Timeout,
	} {
		if timeout <= 0 || timeout > maxProviderTimeout {
			return fmt.Errorf("%s timeout must be within (0, %s], got %s", name, maxProviderTimeout, timeout)
		}
	}
	return nil
}

type ReconcileConfig struct {
	Interval         time.Duration `envconfig:"MESA_RECONCILE_INTERVAL" default:"1m"`
	BatchSize        int           `envconfig:"MESA_RECONCILE_BATCH_SIZE" default:"100"`
	StaleAfter       time.Duration `envconfig:"MESA_RECONCILE_STALE_AFTER" default:"10m"`
	Lookback         time.Duration `envconfig:"MESA_RECONCILE_LOOKBACK" default:"72h"`
	MaxEventAttempts int           `envconfig:"MESA_RECONCILE_MAX_EVENT_ATTEMPTS" default:"12"`
	LockTTL          time.Duration `envconfig:"MESA_RECONCILE_LOCK_TTL" default:"5m"`
}

// CredentialsConfig keys the sealing of provider secrets at rest. An empty
// EncryptionKey leaves gateway_credentials in plaintext.
type CredentialsConfig struct {
	EncryptionKey    string `envconfig:"MESA_CREDENTIALS_ENCRYPTION_KEY"`
	KeySalt          string `envconfig:"MESA_CREDENTIALS_KEY_SALT" default:"mesa-payments-credentials"`
	ArgonMemoryKB    int    `envconfig:"MESA_CREDENTIALS_ARGON_MEMORY_KB" default:"65536"`
	ArgonTime        int    `envconfig:"MESA_CREDENTIALS_ARGON_TIME" default:"1"`
	ArgonParallelism int    `envconfig:"MESA_CREDENTIALS_ARGON_PARALLELISM" default:"2"`
}

type GCPConfig struct {
	ProjectID              string `envconfig:"MESA_GCP_PROJECT_ID"`
	CredentialsJSON        string `envconfig:"MESA_GCP_CREDENTIALS_JSON"`
	ApplicationCredentials string `envconfig:"MESA_GOOGLE_APPLICATION_CREDENTIALS"`
}

type PubSubConfig struct {
	TransactionsTopic string `envconfig:"MESA_PUBSUB_TRANSACTIONS_TOPIC" default:"mesa-transaction-events"`
}

type OutboxConfig struct {
	BatchSize      int `envconfig:"MESA_OUTBOX_PUBLISH_BATCH_SIZE" default:"50"`
	PollIntervalMS int `envconfig:"MESA_OUTBOX_PUBLISH_POLL_MS" default:"500"`
	MaxAttempts    int `envconfig:"MESA_OUTBOX_MAX_ATTEMPTS" default:"10"`
	// Published rows older than Retention are pruned by the reconcile worker.
	Retention time.Duration `envconfig:"MESA_OUTBOX_RETENTION" default:"720h"`
}

type RateLimitConfig struct {
	PollWindow time.Duration `envconfig:"MESA_RATE_LIMIT_POLL_WINDOW" default:"1m"`
	PollLimit  int           `envconfig:"MESA_RATE_LIMIT_POLL_LIMIT" default:"6"`
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
