package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	App         AppConfig         `mapstructure:"app"`
	Server      ServerConfig      `mapstructure:"server"`
	Log         LogConfig         `mapstructure:"log"`
	DB          DBConfig          `mapstructure:"db"`
	Storage     StorageConfig     `mapstructure:"storage"`
	Redis       RedisConfig       `mapstructure:"redis"`
	Cron        CronConfig        `mapstructure:"cron"`
	Reservation ReservationConfig `mapstructure:"reservation"`
	Retry       RetryConfig       `mapstructure:"retry"`
	Circuit     CircuitConfig     `mapstructure:"circuit"`
	Jupiter     JupiterConfig     `mapstructure:"jupiter"`
	Solana      SolanaConfig      `mapstructure:"solana"`
	Attestation AttestationConfig `mapstructure:"attestation"`
	Webhook     WebhookConfig     `mapstructure:"webhook"`
	Auth        AuthConfig        `mapstructure:"auth"`
	Telemetry   TelemetryConfig   `mapstructure:"telemetry"`
}

type AppConfig struct {
	Env string `mapstructure:"env"`
}

type ServerConfig struct {
	HTTPAddr        string        `mapstructure:"http_addr"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type LogConfig struct {
	Level             string `mapstructure:"level"`
	Encoding          string `mapstructure:"encoding"`
	Development       bool   `mapstructure:"development"`
	Sampling          bool   `mapstructure:"sampling"`
	DisableCaller     bool   `mapstructure:"disable_caller"`
	DisableStacktrace bool   `mapstructure:"disable_stacktrace"`
}

type DBConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idle_time"`
	Timezone        string        `mapstructure:"timezone"`
	// SlowQuery logs statements slower than this at warn level; 0 disables.
	SlowQuery       time.Duration `mapstructure:"slow_query"`
}

// StorageConfig selects the repository backend: postgres or memory.
type StorageConfig struct {
	Driver string `mapstructure:"driver"`
}

// RedisConfig enables the distributed leg lock when Addr is set.
type RedisConfig struct {
	Addr     string        `mapstructure:"addr"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	LockTTL  time.Duration `mapstructure:"lock_ttl"`
}

type CronConfig struct {
	Enabled         bool   `mapstructure:"enabled"`
	Sweep           string `mapstructure:"sweep"`
	CircuitSnapshot string `mapstructure:"circuit_snapshot"`
}

type ReservationConfig struct {
	TTL                  time.Duration `mapstructure:"ttl"`
	InvoiceDefaultExpiry time.Duration `mapstructure:"invoice_default_expiry"`
	InvoiceMaxExpiry     time.Duration `mapstructure:"invoice_max_expiry"`
}

type RetryConfig struct {
	MaxToleranceBps  int     `mapstructure:"max_tolerance_bps"`
	ToleranceStepBps int     `mapstructure:"tolerance_step_bps"`
	StrictRisk       bool    `mapstructure:"strict_risk"`
	JitterFraction   float64 `mapstructure:"jitter_fraction"`
}

// CircuitConfig overrides breaker thresholds per resource type
// (venue, endpoint, token, route). Missing fields keep the defaults.
type CircuitConfig struct {
	Venue    CircuitThresholds `mapstructure:"venue"`
	Endpoint CircuitThresholds `mapstructure:"endpoint"`
	Token    CircuitThresholds `mapstructure:"token"`
	Route    CircuitThresholds `mapstructure:"route"`
}

type CircuitThresholds struct {
	FailureThreshold     int           `mapstructure:"failure_threshold"`
	SuccessThreshold     int           `mapstructure:"success_threshold"`
	Timeout              time.Duration `mapstructure:"timeout"`
	MonitoringWindow     time.Duration `mapstructure:"monitoring_window"`
	FailureRateThreshold float64       `mapstructure:"failure_rate_threshold"`
	MinimumRequests      int           `mapstructure:"minimum_requests"`
}

type JupiterConfig struct {
	BaseURL string        `mapstructure:"base_url"`
	APIKey  string        `mapstructure:"api_key"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type SolanaConfig struct {
	RPCURL         string        `mapstructure:"rpc_url"`
	WSURL          string        `mapstructure:"ws_url"`
	Commitment     string        `mapstructure:"commitment"`
	ConfirmTimeout time.Duration `mapstructure:"confirm_timeout"`
	PollInterval   time.Duration `mapstructure:"poll_interval"`
	// SignerKey is a base58 keypair that co-signs venue-built transactions.
	// When empty, built transactions are submitted without an engine signature.
	SignerKey string `mapstructure:"signer_key"`
}

type AttestationConfig struct {
	// Scheme is ed25519 or secp256k1.
	Scheme        string `mapstructure:"scheme"`
	PrivateKey    string `mapstructure:"private_key"`
	VerifyBaseURL string `mapstructure:"verify_base_url"`
}

type WebhookConfig struct {
	URL     string        `mapstructure:"url"`
	Secret  string        `mapstructure:"secret"`
	Rate    float64       `mapstructure:"rate"`
	Burst   int           `mapstructure:"burst"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type AuthConfig struct {
	JWTSecret string `mapstructure:"jwt_secret"`
	Disabled  bool   `mapstructure:"disabled"`
}

type TelemetryConfig struct {
	MetricsEnabled bool   `mapstructure:"metrics_enabled"`
	ServiceName    string `mapstructure:"service_name"`
	// TraceExporter is empty (tracing off), stdout or otlp.
	TraceExporter string `mapstructure:"trace_exporter"`
	OTLPEndpoint  string `mapstructure:"otlp_endpoint"`
	OTLPInsecure  bool   `mapstructure:"otlp_insecure"`
}

func Load(path string, envOnly bool) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("FM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.AutomaticEnv()
	v.SetDefault("app.env", "dev")
	v.SetDefault("server.http_addr", ":8080")
	v.SetDefault("server.shutdown_timeout", "10s")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.encoding", "console")
	v.SetDefault("log.development", true)
	v.SetDefault("log.sampling", false)
	v.SetDefault("log.disable_caller", false)
	v.SetDefault("log.disable_stacktrace", false)
	v.SetDefault("db.dsn", "")
	v.SetDefault("db.max_open_conns", 20)
	v.SetDefault("db.max_idle_conns", 5)
	v.SetDefault("db.conn_max_lifetime", "30m")
	v.SetDefault("db.conn_max_idle_time", "5m")
	v.SetDefault("db.timezone", "UTC")
	v.SetDefault("db.slow_query", "500ms")
	v.SetDefault("storage.driver", "postgres")
	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.lock_ttl", "2m")
	v.SetDefault("cron.enabled", true)
	v.SetDefault("cron.sweep", "@every 15s")
	v.SetDefault("cron.circuit_snapshot", "@every 1m")

	v.SetDefault("reservation.ttl", "5m")
	v.SetDefault("reservation.invoice_default_expiry", "30m")
	v.SetDefault("reservation.invoice_max_expiry", "168h")

	v.SetDefault("retry.max_tolerance_bps", 300)
	v.SetDefault("retry.tolerance_step_bps", 50)
	v.SetDefault("retry.strict_risk", false)
	v.SetDefault("retry.jitter_fraction", 0.1)

	v.SetDefault("jupiter.base_url", "https://quote-api.jup.ag/v6")
	v.SetDefault("jupiter.api_key", "")
	v.SetDefault("jupiter.timeout", "10s")

	v.SetDefault("solana.rpc_url", "https://api.mainnet-beta.solana.com")
	v.SetDefault("solana.ws_url", "")
	v.SetDefault("solana.commitment", "confirmed")
	v.SetDefault("solana.confirm_timeout", "60s")
	v.SetDefault("solana.poll_interval", "2s")
	v.SetDefault("solana.signer_key", "")

	v.SetDefault("attestation.scheme", "ed25519")
	v.SetDefault("attestation.private_key", "")
	v.SetDefault("attestation.verify_base_url", "")

	v.SetDefault("webhook.url", "")
	v.SetDefault("webhook.secret", "")
	v.SetDefault("webhook.rate", 5.0)
	v.SetDefault("webhook.burst", 10)
	v.SetDefault("webhook.timeout", "5s")

	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.disabled", false)

	v.SetDefault("telemetry.metrics_enabled", true)
	v.SetDefault("telemetry.service_name", "flowmint-engine")
	v.SetDefault("telemetry.trace_exporter", "")
	v.SetDefault("telemetry.otlp_endpoint", "localhost:4317")
	v.SetDefault("telemetry.otlp_insecure", true)

	if !envOnly {
		if err := v.ReadInConfig(); err != nil {
			return Config{}, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, err
	}

	return cfg, nil
}
