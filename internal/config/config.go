package config

import (
	"fmt"
	"log"
	"time"

	"github.com/spf13/viper"
)

// Local store backends.
const (
	StorePostgres = "postgres"
	StoreSQLite   = "sqlite"
	StoreMemory   = "memory"
)

type Config struct {
	Port        string        `mapstructure:"PORT"`
	Env         string        `mapstructure:"ENV"`
	LogLevel    string        `mapstructure:"LOG_LEVEL"`
	AuthMode    string        `mapstructure:"AUTH_MODE"`
	AuthKey     string        `mapstructure:"AUTH_SIGNING_KEY"`
	AuthIssuer  string        `mapstructure:"AUTH_ISSUER"`
	AuthAud     string        `mapstructure:"AUTH_AUDIENCE"`
	LocalStore  string        `mapstructure:"LOCAL_STORE"`
	DatabaseURL string        `mapstructure:"DATABASE_URL"`
	DBMaxConns  int32         `mapstructure:"DB_MAX_CONNS"`
	DBMinConns  int32         `mapstructure:"DB_MIN_CONNS"`
	SQLitePath  string        `mapstructure:"SQLITE_PATH"`
	LockTimeout time.Duration `mapstructure:"LOCK_TIMEOUT"`
	RedisURL    string        `mapstructure:"REDIS_URL"`

	EMRBaseURL string        `mapstructure:"EMR_BASE_URL"`
	EMRToken   string        `mapstructure:"EMR_TOKEN"`
	EMRTimeout time.Duration `mapstructure:"EMR_TIMEOUT"`

	IdempotencyInFlightTTL time.Duration `mapstructure:"IDEMPOTENCY_INFLIGHT_TTL"`
	IdempotencyResponseTTL time.Duration `mapstructure:"IDEMPOTENCY_RESPONSE_TTL"`
	RequestTimeout         time.Duration `mapstructure:"REQUEST_TIMEOUT"`
	BodyLimit              string        `mapstructure:"BODY_LIMIT"`

	AuditS3Bucket    string `mapstructure:"AUDIT_S3_BUCKET"`
	AuditS3Region    string `mapstructure:"AUDIT_S3_REGION"`
	AuditS3Endpoint  string `mapstructure:"AUDIT_S3_ENDPOINT"`
	AuditS3PathStyle bool   `mapstructure:"AUDIT_S3_PATH_STYLE"`

	AlertWebhookURL    string `mapstructure:"ALERT_WEBHOOK_URL"`
	AlertWebhookSecret string `mapstructure:"ALERT_WEBHOOK_SECRET"`
	EventQueueSize     int    `mapstructure:"EVENT_QUEUE_SIZE"`
}

var keys = []string{
	"PORT", "ENV", "LOG_LEVEL", "AUTH_MODE", "AUTH_SIGNING_KEY", "AUTH_ISSUER", "AUTH_AUDIENCE",
	"LOCAL_STORE", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS", "SQLITE_PATH", "LOCK_TIMEOUT",
	"REDIS_URL", "EMR_BASE_URL", "EMR_TOKEN", "EMR_TIMEOUT",
	"IDEMPOTENCY_INFLIGHT_TTL", "IDEMPOTENCY_RESPONSE_TTL", "REQUEST_TIMEOUT", "BODY_LIMIT",
	"AUDIT_S3_BUCKET", "AUDIT_S3_REGION", "AUDIT_S3_ENDPOINT", "AUDIT_S3_PATH_STYLE",
	"ALERT_WEBHOOK_URL", "ALERT_WEBHOOK_SECRET", "EVENT_QUEUE_SIZE",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()

	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("AUTH_MODE", "")   // inferred from ENV
	v.SetDefault("LOCAL_STORE", "") // inferred from DATABASE_URL
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("SQLITE_PATH", "data/recordsync.db")
	v.SetDefault("LOCK_TIMEOUT", "3s")
	v.SetDefault("EMR_TIMEOUT", "10s")
	v.SetDefault("IDEMPOTENCY_INFLIGHT_TTL", "2m")
	v.SetDefault("IDEMPOTENCY_RESPONSE_TTL", "5m")
	v.SetDefault("REQUEST_TIMEOUT", "30s")
	v.SetDefault("BODY_LIMIT", "1M")
	v.SetDefault("AUDIT_S3_REGION", "us-east-1")
	v.SetDefault("EVENT_QUEUE_SIZE", 1024)

	// Bind env vars explicitly so Unmarshal picks them up
	for _, k := range keys {
		_ = v.BindEnv(k)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.IsDev() && cfg.ResolvedAuthMode() == "development" {
		log.Println("WARNING: ============================================================")
		log.Println("WARNING: Server is running in DEVELOPMENT mode (ENV=development).")
		log.Println("WARNING: Requests without a token are accepted as dev-user.")
		log.Println("WARNING: Do NOT use this configuration in production.")
		log.Println("WARNING: ============================================================")
	}

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// ResolvedAuthMode returns AUTH_MODE when set, otherwise "development" in
// development and "jwt" everywhere else.
func (c *Config) ResolvedAuthMode() string {
	if c.AuthMode != "" {
		return c.AuthMode
	}
	if c.IsDev() {
		return "development"
	}
	return "jwt"
}

// ResolvedStore returns LOCAL_STORE when set, otherwise postgres when
// DATABASE_URL is present and sqlite when it is not.
func (c *Config) ResolvedStore() string {
	if c.LocalStore != "" {
		return c.LocalStore
	}
	if c.DatabaseURL != "" {
		return StorePostgres
	}
	return StoreSQLite
}

// UseFakeEMR reports whether the in-memory EMR stands in for a real one.
func (c *Config) UseFakeEMR() bool {
	return c.EMRBaseURL == ""
}

// Validate checks that the configuration is safe to run.
func (c *Config) Validate() error {
	switch mode := c.ResolvedAuthMode(); mode {
	case "development":
		if c.IsProduction() {
			return fmt.Errorf("AUTH_MODE \"development\" is not allowed in production")
		}
	case "jwt":
		if c.AuthKey == "" {
			return fmt.Errorf("AUTH_SIGNING_KEY must be set when AUTH_MODE is \"jwt\" (current ENV=%q)", c.Env)
		}
	default:
		return fmt.Errorf("AUTH_MODE must be \"development\" or \"jwt\", got %q", mode)
	}

	switch store := c.ResolvedStore(); store {
	case StorePostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required when LOCAL_STORE is %q", store)
		}
	case StoreSQLite, StoreMemory:
		if store == StoreMemory && c.IsProduction() {
			return fmt.Errorf("LOCAL_STORE \"memory\" is not allowed in production")
		}
	default:
		return fmt.Errorf("LOCAL_STORE must be postgres, sqlite or memory, got %q", store)
	}

	if c.IsProduction() && c.UseFakeEMR() {
		return fmt.Errorf("EMR_BASE_URL is required in production")
	}
	if c.LockTimeout <= 0 {
		return fmt.Errorf("LOCK_TIMEOUT must be positive")
	}
	if c.IdempotencyInFlightTTL <= 0 || c.IdempotencyResponseTTL <= 0 {
		return fmt.Errorf("idempotency TTLs must be positive")
	}
	if c.AlertWebhookURL != "" && c.AlertWebhookSecret == "" {
		return fmt.Errorf("ALERT_WEBHOOK_SECRET is required when ALERT_WEBHOOK_URL is set")
	}
	return nil
}
