// Package config parses and validates all application configuration from
// environment variables using caarlos0/env/v11.
//
// Call [Load] once at startup; pass the resulting [Config] to subcommands.
// Every subcommand exits if DATABASE_URL is missing.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config holds all application configuration sourced from environment variables.
type Config struct {
	// ── Database ─────────────────────────────────────────────────────────────────
	DatabaseURL          string        `env:"DATABASE_URL,required,notEmpty"`
	DBMaxConns           int32         `env:"DB_MAX_CONNS"            envDefault:"25"`
	DBMaxConnIdleTime    time.Duration `env:"DB_MAX_CONN_IDLE_TIME"   envDefault:"5m"`
	DBStatementTimeoutMS int           `env:"DB_STATEMENT_TIMEOUT_MS" envDefault:"14000"`
	// DBQueryExecMode: "simple_protocol" (PgBouncer-compatible) or "extended_protocol".
	DBQueryExecMode string `env:"DB_QUERY_EXEC_MODE" envDefault:"simple_protocol"`

	// ── Server ───────────────────────────────────────────────────────────────────
	ListenAddr             string `env:"LISTEN_ADDR"              envDefault:":8080"`
	AppEnv                 string `env:"APP_ENV"                  envDefault:"development"`
	ShutdownTimeoutSeconds int    `env:"SHUTDOWN_TIMEOUT_SECONDS" envDefault:"60"`

	// ── Worker loop ──────────────────────────────────────────────────────────────
	// Idle poll interval.
	SleepTime time.Duration `env:"QUEUE_SLEEPTIME" envDefault:"10s"`
	// Percent chance (0-100) of a retention sweep after each iteration.
	GCProbability int `env:"QUEUE_GCPROP" envDefault:"10"`
	// Fallback capability limits for handlers registered without their own.
	DefaultWorkerTimeout time.Duration `env:"QUEUE_DEFAULT_WORKER_TIMEOUT" envDefault:"120s"`
	DefaultWorkerRetries int           `env:"QUEUE_DEFAULT_WORKER_RETRIES" envDefault:"4"`
	// Forced exit after this long; 0 = unbounded.
	WorkerMaxRuntime time.Duration `env:"QUEUE_WORKER_MAX_RUNTIME" envDefault:"0s"`
	// Retention horizon for completed jobs.
	CleanupTimeout      time.Duration `env:"QUEUE_CLEANUP_TIMEOUT"         envDefault:"2000s"`
	ExitWhenNothingToDo bool          `env:"QUEUE_EXIT_WHEN_NOTHING_TO_DO" envDefault:"false"`
	// Restricts claims to one job group; empty = ungrouped claims.
	Group string `env:"QUEUE_GROUP"`
	// Worker metrics listener; empty disables it.
	MetricsAddr string `env:"METRICS_ADDR"`

	// ── Rendezvous ───────────────────────────────────────────────────────────────
	ResponsePollInterval time.Duration `env:"RESPONSE_POLL_INTERVAL" envDefault:"1s"`

	// ── Rate limiting ────────────────────────────────────────────────────────────
	EnqueueRatePerMinute int           `env:"ENQUEUE_RATE_PER_MINUTE" envDefault:"600"`
	EnqueueRateBurst     int           `env:"ENQUEUE_RATE_BURST"      envDefault:"60"`
	RateLimitEvictTTL    time.Duration `env:"RATE_LIMIT_EVICT_TTL"    envDefault:"15m"`

	// ── Auth ─────────────────────────────────────────────────────────────────────
	// Hex sha256 hashes of accepted API keys (see `queued keygen`). Empty
	// leaves the API open.
	APIKeyHashes []string `env:"API_KEY_HASHES" envSeparator:","`

	// ── Webhook task ─────────────────────────────────────────────────────────────
	WebhookSigningSecret string        `env:"WEBHOOK_SIGNING_SECRET"`
	WebhookTimeout       time.Duration `env:"WEBHOOK_TIMEOUT" envDefault:"10s"`

	// ── Email task ───────────────────────────────────────────────────────────────
	// The email task is registered only when SMTP_HOST is set.
	SMTPHost     string `env:"SMTP_HOST"`
	SMTPPort     int    `env:"SMTP_PORT"     envDefault:"587"`
	SMTPFrom     string `env:"SMTP_FROM"`
	SMTPFromName string `env:"SMTP_FROM_NAME" envDefault:"queued"`
	SMTPUsername string `env:"SMTP_USERNAME"`
	SMTPPassword string `env:"SMTP_PASSWORD"`
	SMTPTLS      bool   `env:"SMTP_TLS"      envDefault:"true"`

	// ── Logging ──────────────────────────────────────────────────────────────────
	LogLevel  string `env:"LOG_LEVEL"  envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`
}

// Load parses and returns Config from environment variables.
// Returns an error if any required field is missing or a value is out of range.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.GCProbability < 0 || c.GCProbability > 100 {
		return fmt.Errorf("QUEUE_GCPROP must be between 0 and 100, got %d", c.GCProbability)
	}
	if c.DefaultWorkerRetries < 0 {
		return fmt.Errorf("QUEUE_DEFAULT_WORKER_RETRIES must not be negative, got %d", c.DefaultWorkerRetries)
	}
	if c.DefaultWorkerTimeout <= 0 {
		return fmt.Errorf("QUEUE_DEFAULT_WORKER_TIMEOUT must be positive, got %s", c.DefaultWorkerTimeout)
	}
	if c.SMTPHost != "" && c.SMTPFrom == "" {
		return fmt.Errorf("SMTP_FROM is required when SMTP_HOST is set")
	}
	if c.SleepTime < 0 || c.WorkerMaxRuntime < 0 || c.CleanupTimeout < 0 {
		return fmt.Errorf("queue durations must not be negative")
	}
	return nil
}

// IsDevelopment reports whether the application is running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.AppEnv == "development"
}
