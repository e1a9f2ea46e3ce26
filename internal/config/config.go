package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Backend names accepted by STORE_BACKEND, DIRECTORY_BACKEND and QUEUE_BACKEND.
const (
	BackendPostgres = "postgres"
	BackendSQLite   = "sqlite"
	BackendMemory   = "memory"
	BackendRedis    = "redis"
)

// Email provider names accepted by EMAIL_PROVIDER.
const (
	EmailSMTP     = "smtp"
	EmailPostmark = "postmark"
)

// Config holds all runtime configuration loaded from environment variables.
// Every field has a sensible default; DATABASE_URL is required only for the
// postgres backends and REDIS_URL only when something uses Redis.
type Config struct {
	// Server
	HTTPPort        string        `env:"HTTP_PORT" envDefault:"8080"`
	ReadTimeout     time.Duration `env:"READ_TIMEOUT" envDefault:"5s"`
	WriteTimeout    time.Duration `env:"WRITE_TIMEOUT" envDefault:"10s"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"30s"`

	// Logging. LogFile enables a rotating JSON log file next to stdout.
	LogLevel          string `env:"LOG_LEVEL" envDefault:"info"`
	LogFile           string `env:"LOG_FILE"`
	LogFileMaxSizeMB  int    `env:"LOG_FILE_MAX_SIZE_MB" envDefault:"100"`
	LogFileMaxBackups int    `env:"LOG_FILE_MAX_BACKUPS" envDefault:"5"`
	LogFileMaxAgeDays int    `env:"LOG_FILE_MAX_AGE_DAYS" envDefault:"28"`

	// Delivery record store
	StoreBackend string `env:"STORE_BACKEND" envDefault:"postgres"`
	DatabaseURL  string `env:"DATABASE_URL"`
	DBMaxConns   int32  `env:"DB_MAX_CONNS" envDefault:"25"`
	DBMinConns   int32  `env:"DB_MIN_CONNS" envDefault:"5"`
	SQLitePath   string `env:"SQLITE_PATH" envDefault:"fanout.db"`

	// Recipient directory. The memory backend can be seeded from a JSON file.
	DirectoryBackend  string `env:"DIRECTORY_BACKEND" envDefault:"postgres"`
	DirectorySeedFile string `env:"DIRECTORY_SEED_FILE"`

	// Redis
	RedisURL            string        `env:"REDIS_URL"`
	RedisRetryAttempts  int           `env:"REDIS_RETRY_ATTEMPTS" envDefault:"3"`
	RedisRetryInterval  time.Duration `env:"REDIS_RETRY_INTERVAL" envDefault:"5s"`
	RedisConnectTimeout time.Duration `env:"REDIS_CONNECT_TIMEOUT" envDefault:"30s"`

	// Queue
	QueueBackend           string        `env:"QUEUE_BACKEND" envDefault:"memory"`
	QueueStreamPrefix      string        `env:"QUEUE_STREAM_PREFIX" envDefault:"fanout:jobs"`
	QueueConsumerGroup     string        `env:"QUEUE_CONSUMER_GROUP" envDefault:"fanout-workers"`
	QueueConsumerName      string        `env:"QUEUE_CONSUMER_NAME"`
	QueueVisibilityTimeout time.Duration `env:"QUEUE_VISIBILITY_TIMEOUT" envDefault:"5m"`
	QueueStreamMaxLen      int64         `env:"QUEUE_STREAM_MAXLEN" envDefault:"0"`

	// Content cache (Redis)
	ContentCacheEnabled bool          `env:"CONTENT_CACHE_ENABLED" envDefault:"false"`
	ContentCacheTTL     time.Duration `env:"CONTENT_CACHE_TTL" envDefault:"1h"`

	// Fan-out
	DeduplicateRecipients bool `env:"FANOUT_DEDUPLICATE_RECIPIENTS" envDefault:"false"`
	MaxRecipients         int  `env:"FANOUT_MAX_RECIPIENTS" envDefault:"10000"`

	// Delivery processing. ResolveTimeout and SendTimeout bound the directory
	// and sender calls; JobTimeout bounds a whole attempt.
	ResolveTimeout time.Duration `env:"RESOLVE_TIMEOUT" envDefault:"5s"`
	SendTimeout    time.Duration `env:"SEND_TIMEOUT" envDefault:"10s"`
	JobTimeout     time.Duration `env:"JOB_TIMEOUT" envDefault:"30s"`

	// Workers (one pool is shared across all channel types)
	WorkerCount int `env:"WORKER_COUNT" envDefault:"15"`
	// Redelivery backoff: index 0 = first redelivery delay, etc. The last
	// entry repeats.
	RetryBackoff []time.Duration `env:"RETRY_BACKOFF" envSeparator:"," envDefault:"5s,30s,120s"`
	// MaxRedeliveries drops a job after this many redeliveries; 0 = unbounded.
	// A dropped delivery stays pending and the sweeper enqueues it again, so
	// the cap bounds how many live jobs one stuck delivery can accumulate.
	MaxRedeliveries int `env:"MAX_REDELIVERIES" envDefault:"5"`

	// Sweeper: re-enqueues deliveries left pending longer than SweepStaleAfter.
	SweepInterval   time.Duration `env:"SWEEP_INTERVAL" envDefault:"5m"`
	SweepStaleAfter time.Duration `env:"SWEEP_STALE_AFTER" envDefault:"10m"`
	SweepBatchSize  int           `env:"SWEEP_BATCH_SIZE" envDefault:"500"`
	SweepRatePerSec int           `env:"SWEEP_RATE_PER_SEC" envDefault:"100"`

	// Channel senders. A channel whose sender is not configured fails its
	// deliveries with ChannelUnsupported.
	WebhookSMSURL   string        `env:"WEBHOOK_SMS_URL"`
	WebhookPushURL  string        `env:"WEBHOOK_PUSH_URL"`
	ProviderTimeout time.Duration `env:"PROVIDER_TIMEOUT" envDefault:"10s"`

	EmailProvider       string `env:"EMAIL_PROVIDER"`
	EmailFrom           string `env:"EMAIL_FROM"`
	EmailDefaultSubject string `env:"EMAIL_DEFAULT_SUBJECT" envDefault:"Notification"`

	SMTPHost       string `env:"SMTP_HOST"`
	SMTPPort       int    `env:"SMTP_PORT" envDefault:"587"`
	SMTPUsername   string `env:"SMTP_USERNAME"`
	SMTPPassword   string `env:"SMTP_PASSWORD"`
	SMTPEncryption string `env:"SMTP_ENCRYPTION" envDefault:"starttls"`

	PostmarkServerToken   string `env:"POSTMARK_SERVER_TOKEN"`
	PostmarkAccountToken  string `env:"POSTMARK_ACCOUNT_TOKEN"`
	PostmarkMessageStream string `env:"POSTMARK_MESSAGE_STREAM" envDefault:"outbound"`
}

// Load reads an optional .env file, parses the environment and validates
// the result.
func Load() (*Config, error) {
	// The .env file is optional.
	_ = godotenv.Load()

	cfg, err := env.ParseAs[Config]()
	if err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks cross-field requirements that struct tags cannot express.
func (c *Config) Validate() error {
	var errs []error

	switch c.StoreBackend {
	case BackendPostgres, BackendSQLite, BackendMemory:
	default:
		errs = append(errs, fmt.Errorf("STORE_BACKEND must be postgres, sqlite or memory, got %q", c.StoreBackend))
	}
	switch c.DirectoryBackend {
	case BackendPostgres, BackendMemory:
	default:
		errs = append(errs, fmt.Errorf("DIRECTORY_BACKEND must be postgres or memory, got %q", c.DirectoryBackend))
	}
	switch c.QueueBackend {
	case BackendMemory, BackendRedis:
	default:
		errs = append(errs, fmt.Errorf("QUEUE_BACKEND must be memory or redis, got %q", c.QueueBackend))
	}

	if c.NeedsPostgres() && c.DatabaseURL == "" {
		errs = append(errs, errors.New("DATABASE_URL is required for the postgres backends"))
	}
	if c.NeedsRedis() && c.RedisURL == "" {
		errs = append(errs, errors.New("REDIS_URL is required for the redis queue and the content cache"))
	}

	switch c.EmailProvider {
	case "":
	case EmailSMTP:
		if c.SMTPHost == "" || c.EmailFrom == "" {
			errs = append(errs, errors.New("SMTP_HOST and EMAIL_FROM are required for the smtp email provider"))
		}
	case EmailPostmark:
		if c.PostmarkServerToken == "" || c.EmailFrom == "" {
			errs = append(errs, errors.New("POSTMARK_SERVER_TOKEN and EMAIL_FROM are required for the postmark email provider"))
		}
	default:
		errs = append(errs, fmt.Errorf("EMAIL_PROVIDER must be smtp, postmark or empty, got %q", c.EmailProvider))
	}

	if c.WorkerCount < 1 {
		errs = append(errs, errors.New("WORKER_COUNT must be at least 1"))
	}
	if len(c.RetryBackoff) == 0 {
		errs = append(errs, errors.New("RETRY_BACKOFF must list at least one duration"))
	}
	if c.MaxRedeliveries < 0 {
		errs = append(errs, errors.New("MAX_REDELIVERIES must not be negative"))
	}
	if c.SweepRatePerSec < 1 || c.SweepBatchSize < 1 {
		errs = append(errs, errors.New("SWEEP_RATE_PER_SEC and SWEEP_BATCH_SIZE must be at least 1"))
	}

	return errors.Join(errs...)
}

// NeedsPostgres reports whether any configured backend uses PostgreSQL.
func (c *Config) NeedsPostgres() bool {
	return c.StoreBackend == BackendPostgres || c.DirectoryBackend == BackendPostgres
}

// NeedsRedis reports whether any configured component uses Redis.
func (c *Config) NeedsRedis() bool {
	return c.QueueBackend == BackendRedis || c.ContentCacheEnabled
}
