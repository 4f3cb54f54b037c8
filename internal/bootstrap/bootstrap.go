// Package bootstrap wires configuration, telemetry and storage for the adherence
// binaries.
package bootstrap

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/drfirst/go-adherence/internal/api/handlers"
	"github.com/drfirst/go-adherence/internal/config"
	"github.com/drfirst/go-adherence/internal/domain/dose"
	"github.com/drfirst/go-adherence/internal/infrastructure/postgres"
	"github.com/drfirst/go-adherence/internal/infrastructure/redis"
	"github.com/drfirst/go-adherence/internal/infrastructure/redpanda"
	"github.com/drfirst/go-adherence/internal/observability/logging"
	"github.com/drfirst/go-adherence/internal/observability/metrics"
	"github.com/drfirst/go-adherence/internal/observability/tracing"
)

const version = "1.0.0"

// Runtime holds the process-wide ambient services.
type Runtime struct {
	Service string
	Config  *config.Config
	Logger  *zap.Logger
	Metrics *metrics.Metrics
	tracing *tracing.Provider
}

// Init loads configuration and sets up logging, metrics and tracing.
func Init(ctx context.Context, service string) (*Runtime, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat, service)
	if err != nil {
		return nil, err
	}

	tp, err := tracing.Init(ctx, tracing.Config{
		ServiceName:    service,
		ServiceVersion: version,
		Environment:    cfg.Env,
		OTLPEndpoint:   cfg.OTLPEndpoint,
		SampleRate:     cfg.TraceSampleRatio,
	})
	if err != nil {
		logger.Warn("tracing disabled", zap.Error(err))
		tp = nil
	}

	return &Runtime{
		Service: service,
		Config:  cfg,
		Logger:  logger,
		Metrics: metrics.New(prometheus.DefaultRegisterer),
		tracing: tp,
	}, nil
}

// Shutdown flushes telemetry.
func (rt *Runtime) Shutdown(ctx context.Context) {
	if err := rt.tracing.Shutdown(ctx); err != nil {
		rt.Logger.Warn("tracing shutdown failed", zap.Error(err))
	}
	_ = rt.Logger.Sync()
}

// Seeder accepts prescriptions, creating their patients.
type Seeder interface {
	Upsert(ctx context.Context, rx dose.Prescription) error
}

// Stores bundles the persistence backends selected by configuration.
type Stores struct {
	Events  dose.EventStore
	FireLog dose.FireLog
	Rx      dose.Prescriptions
	Seeder  Seeder
	// Pool is nil for the memory backend.
	Pool   *pgxpool.Pool
	Checks map[string]handlers.Check

	closers []func()
}

// OpenStores connects the configured backends and runs migrations.
func OpenStores(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Stores, error) {
	s := &Stores{Checks: make(map[string]handlers.Check)}

	switch cfg.StoreBackend {
	case config.BackendMemory:
		events := dose.NewMemoryStore()
		rx := dose.NewMemoryPrescriptions()
		s.Events, s.Rx, s.Seeder = events, rx, rx
		s.FireLog = dose.NewMemoryFireLog()
		s.Checks["store"] = events.Ping
		logger.Warn("using in-memory store; state is lost on restart")

	case config.BackendPostgres:
		pool, err := postgres.Connect(ctx, cfg.DatabaseURL, postgres.PoolConfig{
			MaxConns: cfg.DBMaxConns,
			MinConns: cfg.DBMinConns,
		})
		if err != nil {
			return nil, err
		}
		s.closers = append(s.closers, pool.Close)
		if err := postgres.Migrate(ctx, pool, logger); err != nil {
			s.Close()
			return nil, err
		}
		events := postgres.NewEventStore(pool, cfg.Location())
		rx := postgres.NewPrescriptions(pool)
		s.Pool = pool
		s.Events, s.Rx, s.Seeder = events, rx, rx
		s.FireLog = postgres.NewFireLog(pool)
		s.Checks["store"] = events.Ping
		logger.Info("connected to database")

	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.StoreBackend)
	}

	if cfg.FireLogBackend == config.BackendRedis {
		client, err := redis.NewClient(ctx, redis.Config{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err != nil {
			s.Close()
			return nil, err
		}
		s.closers = append(s.closers, func() { _ = client.Close() })
		firelog := redis.NewFireLog(client, "", cfg.FireLogRetention)
		s.FireLog = firelog
		s.Checks["firelog"] = firelog.Ping
		logger.Info("using redis fire log", zap.String("addr", cfg.RedisAddr))
	}

	return s, nil
}

// Close releases connections in reverse order of opening.
func (s *Stores) Close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
	s.closers = nil
}

// SeedDemo registers a demo patient with morning and evening doses starting today.
func SeedDemo(ctx context.Context, seeder Seeder, today dose.Date) error {
	return seeder.Upsert(ctx, dose.Prescription{
		ID:             "demo-rx-1",
		PatientID:      "demo-patient",
		DoctorID:       "demo-doctor",
		MedicationID:   "med-metformin",
		MedicationName: "Metformin",
		Dosage:         "500mg",
		DoseTimes:      []dose.TimeOfDay{8 * 60, 19 * 60},
		StartDate:      today,
		Active:         true,
	})
}

// Producer connects to the broker and makes sure the engine's topics exist.
// It returns nil when no broker is configured.
func Producer(ctx context.Context, cfg *config.Config, clientID string, logger *zap.Logger) (*redpanda.Producer, error) {
	if !cfg.BrokerEnabled() {
		return nil, nil
	}

	admin, err := redpanda.NewAdmin(cfg.KafkaBrokers, logger)
	if err != nil {
		return nil, err
	}
	defer admin.Close()

	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := admin.EnsureTopics(ctx, redpanda.DefaultTopicConfigs(cfg.KafkaReplication)); err != nil {
		return nil, fmt.Errorf("ensure topics: %w", err)
	}

	pcfg := redpanda.DefaultProducerConfig()
	pcfg.Brokers = cfg.KafkaBrokers
	pcfg.ClientID = clientID
	producer, err := redpanda.NewProducer(pcfg, logger)
	if err != nil {
		return nil, err
	}
	logger.Info("connected to Redpanda", zap.Strings("brokers", cfg.KafkaBrokers))
	return producer, nil
}
