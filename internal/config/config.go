// Package config loads service configuration from the environment and an
// optional .env file.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
	_ "time/tzdata" // TIMEZONE must resolve in minimal images

	"github.com/spf13/viper"

	"github.com/drfirst/go-adherence/internal/domain/dose"
)

const (
	BackendPostgres = "postgres"
	BackendMemory   = "memory"
	BackendRedis    = "redis"

	devJWTSecret = "development-only-secret"
)

type Config struct {
	Port      string `mapstructure:"PORT"`
	Env       string `mapstructure:"ENV"`
	LogLevel  string `mapstructure:"LOG_LEVEL"`
	LogFormat string `mapstructure:"LOG_FORMAT"`

	DatabaseURL    string `mapstructure:"DATABASE_URL"`
	DBMaxConns     int32  `mapstructure:"DB_MAX_CONNS"`
	DBMinConns     int32  `mapstructure:"DB_MIN_CONNS"`
	StoreBackend   string `mapstructure:"STORE_BACKEND"`
	FireLogBackend string `mapstructure:"FIRELOG_BACKEND"`

	RedisAddr     string `mapstructure:"REDIS_ADDR"`
	RedisPassword string `mapstructure:"REDIS_PASSWORD"`
	RedisDB       int    `mapstructure:"REDIS_DB"`

	KafkaBrokers     []string `mapstructure:"KAFKA_BROKERS"`
	KafkaReplication int16    `mapstructure:"KAFKA_REPLICATION"`

	Timezone          string        `mapstructure:"TIMEZONE"`
	GraceWindow       time.Duration `mapstructure:"GRACE_WINDOW"`
	ReminderBuckets   string        `mapstructure:"REMINDER_BUCKETS"`
	SweepInterval     time.Duration `mapstructure:"SWEEP_INTERVAL"`
	SweepLookbackDays int           `mapstructure:"SWEEP_LOOKBACK_DAYS"`
	SchedulerEnabled  bool          `mapstructure:"SCHEDULER_ENABLED"`
	BackstopEnabled   bool          `mapstructure:"BACKSTOP_ENABLED"`
	FireLogRetention  time.Duration `mapstructure:"FIRELOG_RETENTION"`

	JWTSecret    string   `mapstructure:"JWT_SECRET"`
	JWTIssuer    string   `mapstructure:"JWT_ISSUER"`
	AdminAPIKeys []string `mapstructure:"ADMIN_API_KEYS"`

	OTLPEndpoint     string  `mapstructure:"OTLP_ENDPOINT"`
	TraceSampleRatio float64 `mapstructure:"TRACE_SAMPLE_RATIO"`

	NotifyQueueSize int `mapstructure:"NOTIFY_QUEUE_SIZE"`
	NotifyWorkers   int `mapstructure:"NOTIFY_WORKERS"`

	OutboxBatchSize    int           `mapstructure:"OUTBOX_BATCH_SIZE"`
	OutboxPollInterval time.Duration `mapstructure:"OUTBOX_POLL_INTERVAL"`

	// SeedDemo loads a demo patient at startup in development.
	SeedDemo bool `mapstructure:"SEED_DEMO"`

	location *time.Location
	buckets  dose.Buckets
}

var keys = []string{
	"PORT", "ENV", "LOG_LEVEL", "LOG_FORMAT",
	"DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS", "STORE_BACKEND", "FIRELOG_BACKEND",
	"REDIS_ADDR", "REDIS_PASSWORD", "REDIS_DB",
	"KAFKA_BROKERS", "KAFKA_REPLICATION",
	"TIMEZONE", "GRACE_WINDOW", "REMINDER_BUCKETS", "SWEEP_INTERVAL", "SWEEP_LOOKBACK_DAYS",
	"SCHEDULER_ENABLED", "BACKSTOP_ENABLED", "FIRELOG_RETENTION",
	"JWT_SECRET", "JWT_ISSUER", "ADMIN_API_KEYS",
	"OTLP_ENDPOINT", "TRACE_SAMPLE_RATIO",
	"NOTIFY_QUEUE_SIZE", "NOTIFY_WORKERS",
	"OUTBOX_BATCH_SIZE", "OUTBOX_POLL_INTERVAL",
	"SEED_DEMO",
}

// Load reads configuration and validates it.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()

	v.SetDefault("PORT", "8081")
	v.SetDefault("ENV", "development")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "json")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 2)
	v.SetDefault("STORE_BACKEND", BackendPostgres)
	v.SetDefault("FIRELOG_BACKEND", BackendPostgres)
	v.SetDefault("REDIS_ADDR", "localhost:6379")
	v.SetDefault("REDIS_DB", 0)
	v.SetDefault("KAFKA_BROKERS", "")
	v.SetDefault("KAFKA_REPLICATION", 1)
	v.SetDefault("TIMEZONE", "UTC")
	v.SetDefault("GRACE_WINDOW", "2h")
	v.SetDefault("REMINDER_BUCKETS", dose.DefaultBucketSpec)
	v.SetDefault("SWEEP_INTERVAL", "15m")
	v.SetDefault("SWEEP_LOOKBACK_DAYS", 1)
	v.SetDefault("SCHEDULER_ENABLED", true)
	v.SetDefault("BACKSTOP_ENABLED", true)
	v.SetDefault("FIRELOG_RETENTION", "72h")
	v.SetDefault("JWT_ISSUER", "adherence")
	v.SetDefault("ADMIN_API_KEYS", "")
	v.SetDefault("TRACE_SAMPLE_RATIO", 1.0)
	v.SetDefault("NOTIFY_QUEUE_SIZE", 1024)
	v.SetDefault("NOTIFY_WORKERS", 4)
	v.SetDefault("OUTBOX_BATCH_SIZE", 100)
	v.SetDefault("OUTBOX_POLL_INTERVAL", "1s")
	v.SetDefault("SEED_DEMO", false)

	for _, key := range keys {
		_ = v.BindEnv(key)
	}

	// A missing .env file is fine.
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.KafkaBrokers = splitList(cfg.KafkaBrokers)
	cfg.AdminAPIKeys = splitList(cfg.AdminAPIKeys)

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// splitList trims entries and drops empty ones, also splitting any entry that
// still holds commas.
func splitList(in []string) []string {
	var out []string
	for _, entry := range in {
		for _, part := range strings.Split(entry, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

func (c *Config) validate() error {
	var errs []error

	switch c.StoreBackend {
	case BackendPostgres:
		if c.DatabaseURL == "" {
			errs = append(errs, errors.New("DATABASE_URL is required for the postgres store"))
		}
	case BackendMemory:
		if !c.IsDev() {
			errs = append(errs, errors.New("STORE_BACKEND=memory is only allowed in development"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown STORE_BACKEND %q", c.StoreBackend))
	}

	switch c.FireLogBackend {
	case BackendPostgres:
		if c.StoreBackend != BackendPostgres {
			errs = append(errs, errors.New("FIRELOG_BACKEND=postgres requires STORE_BACKEND=postgres"))
		}
	case BackendRedis:
		if c.RedisAddr == "" {
			errs = append(errs, errors.New("REDIS_ADDR is required for the redis fire log"))
		}
	case BackendMemory:
		if c.StoreBackend != BackendMemory {
			errs = append(errs, errors.New("FIRELOG_BACKEND=memory requires STORE_BACKEND=memory"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown FIRELOG_BACKEND %q", c.FireLogBackend))
	}

	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		errs = append(errs, fmt.Errorf("invalid TIMEZONE %q: %w", c.Timezone, err))
	}
	c.location = loc

	buckets, err := dose.ParseBuckets(c.ReminderBuckets)
	if err != nil {
		errs = append(errs, fmt.Errorf("invalid REMINDER_BUCKETS: %w", err))
	}
	c.buckets = buckets

	if c.GraceWindow <= 0 {
		errs = append(errs, errors.New("GRACE_WINDOW must be positive"))
	}
	if c.SweepInterval <= 0 {
		errs = append(errs, errors.New("SWEEP_INTERVAL must be positive"))
	}
	if c.SweepLookbackDays < 0 {
		errs = append(errs, errors.New("SWEEP_LOOKBACK_DAYS must not be negative"))
	}
	if c.FireLogRetention < 24*time.Hour {
		errs = append(errs, errors.New("FIRELOG_RETENTION must cover at least one day"))
	}
	if c.TraceSampleRatio < 0 || c.TraceSampleRatio > 1 {
		errs = append(errs, errors.New("TRACE_SAMPLE_RATIO must be within [0, 1]"))
	}

	if c.SeedDemo && !c.IsDev() {
		errs = append(errs, errors.New("SEED_DEMO is only allowed in development"))
	}

	if c.JWTSecret == "" {
		if c.IsDev() {
			c.JWTSecret = devJWTSecret
		} else {
			errs = append(errs, errors.New("JWT_SECRET is required outside development"))
		}
	}

	return errors.Join(errs...)
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// Location is the time zone dose schedules are interpreted in.
func (c *Config) Location() *time.Location {
	if c.location == nil {
		return time.UTC
	}
	return c.location
}

// Buckets returns the parsed reminder windows.
func (c *Config) Buckets() dose.Buckets { return c.buckets }

// BrokerEnabled reports whether a Kafka-compatible broker is configured.
func (c *Config) BrokerEnabled() bool { return len(c.KafkaBrokers) > 0 }
