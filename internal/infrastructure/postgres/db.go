// Package postgres provides the PostgreSQL-backed dose event store, reminder fire
// log, prescription reader and transactional outbox.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/drfirst/go-adherence/internal/domain/dose"
)

// PoolConfig holds connection pool settings.
type PoolConfig struct {
	MaxConns          int32
	MinConns          int32
	HealthCheckPeriod time.Duration
}

// DefaultPoolConfig returns sensible defaults
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		MaxConns:          20,
		MinConns:          2,
		HealthCheckPeriod: 30 * time.Second,
	}
}

// Connect opens a pool and verifies it with a ping.
func Connect(ctx context.Context, databaseURL string, cfg PoolConfig) (*pgxpool.Pool, error) {
	pc, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	if cfg.MaxConns > 0 {
		pc.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		pc.MinConns = cfg.MinConns
	}
	if cfg.HealthCheckPeriod > 0 {
		pc.HealthCheckPeriod = cfg.HealthCheckPeriod
	}

	pool, err := pgxpool.NewWithConfig(ctx, pc)
	if err != nil {
		return nil, fmt.Errorf("create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", classify(err))
	}
	return pool, nil
}

type migration struct {
	version int
	name    string
	sql     string
}

var migrations = []migration{
	{1, "patients_and_prescriptions", `
		CREATE TABLE IF NOT EXISTS patients (
			id         TEXT PRIMARY KEY,
			doctor_id  TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE TABLE IF NOT EXISTS prescriptions (
			id              TEXT PRIMARY KEY,
			patient_id      TEXT NOT NULL REFERENCES patients(id),
			doctor_id       TEXT NOT NULL DEFAULT '',
			medication_id   TEXT NOT NULL,
			medication_name TEXT NOT NULL DEFAULT '',
			dosage          TEXT NOT NULL DEFAULT '',
			dose_times      TEXT[] NOT NULL,
			start_date      DATE NOT NULL,
			end_date        DATE,
			active          BOOLEAN NOT NULL DEFAULT TRUE
		);
		CREATE INDEX IF NOT EXISTS prescriptions_patient_active_idx
			ON prescriptions (patient_id) WHERE active;
	`},
	{2, "dose_events", `
		CREATE TABLE IF NOT EXISTS dose_events (
			prescription_id TEXT NOT NULL,
			dose_date       DATE NOT NULL,
			time_of_day     SMALLINT NOT NULL CHECK (time_of_day BETWEEN 0 AND 1439),
			patient_id      TEXT NOT NULL,
			medication_id   TEXT NOT NULL,
			medication_name TEXT NOT NULL DEFAULT '',
			dosage          TEXT NOT NULL DEFAULT '',
			state           TEXT NOT NULL DEFAULT 'pending'
				CHECK (state IN ('pending', 'taken', 'missed', 'skipped')),
			scheduled_at    TIMESTAMPTZ NOT NULL,
			grace_deadline  TIMESTAMPTZ NOT NULL,
			action_at       TIMESTAMPTZ,
			updated_at      TIMESTAMPTZ NOT NULL,
			modified_by     TEXT NOT NULL CHECK (modified_by IN ('system', 'patient')),
			PRIMARY KEY (prescription_id, dose_date, time_of_day)
		);
		CREATE INDEX IF NOT EXISTS dose_events_overdue_idx
			ON dose_events (patient_id, grace_deadline) WHERE state = 'pending';
		CREATE INDEX IF NOT EXISTS dose_events_pending_day_idx
			ON dose_events (dose_date) WHERE state = 'pending';
		CREATE INDEX IF NOT EXISTS dose_events_patient_day_idx
			ON dose_events (patient_id, dose_date);
	`},
	{3, "reminder_fire_log", `
		CREATE TABLE IF NOT EXISTS reminder_fire_log (
			patient_id TEXT NOT NULL,
			fire_date  DATE NOT NULL,
			bucket     TEXT NOT NULL,
			fired_at   TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (patient_id, fire_date, bucket)
		);
	`},
	{4, "outbox", `
		CREATE TABLE IF NOT EXISTS outbox (
			id             BIGSERIAL PRIMARY KEY,
			aggregate_id   TEXT NOT NULL,
			aggregate_type TEXT NOT NULL,
			event_type     TEXT NOT NULL,
			payload        JSONB NOT NULL,
			kafka_topic    TEXT NOT NULL,
			kafka_key      TEXT NOT NULL,
			created_at     TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at     TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			processed_at   TIMESTAMPTZ,
			retry_count    INT NOT NULL DEFAULT 0,
			last_error     TEXT
		);
		CREATE INDEX IF NOT EXISTS outbox_unprocessed_idx
			ON outbox (created_at) WHERE processed_at IS NULL;
	`},
}

// Migrate applies pending schema migrations. It is safe to run from several
// processes at once: an advisory lock serializes them.
func Migrate(ctx context.Context, pool *pgxpool.Pool, logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire connection: %w", classify(err))
	}
	defer conn.Release()

	const lockID = 7240331
	if _, err := conn.Exec(ctx, "SELECT pg_advisory_lock($1)", lockID); err != nil {
		return fmt.Errorf("lock migrations: %w", classify(err))
	}
	defer conn.Exec(context.Background(), "SELECT pg_advisory_unlock($1)", lockID)

	if _, err := conn.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version    INTEGER PRIMARY KEY,
			name       TEXT NOT NULL,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	for _, m := range migrations {
		var applied bool
		err := conn.QueryRow(ctx,
			"SELECT EXISTS (SELECT 1 FROM schema_migrations WHERE version = $1)", m.version,
		).Scan(&applied)
		if err != nil {
			return fmt.Errorf("check migration %d: %w", m.version, err)
		}
		if applied {
			continue
		}

		err = pgx.BeginFunc(ctx, conn, func(tx pgx.Tx) error {
			if _, err := tx.Exec(ctx, m.sql); err != nil {
				return err
			}
			_, err := tx.Exec(ctx, "INSERT INTO schema_migrations (version, name) VALUES ($1, $2)", m.version, m.name)
			return err
		})
		if err != nil {
			return fmt.Errorf("apply migration %d_%s: %w", m.version, m.name, err)
		}
		logger.Info("migration applied", zap.Int("version", m.version), zap.String("name", m.name))
	}
	return nil
}

// classify maps driver errors onto the dose error taxonomy.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%w: %v", dose.ErrNotFound, err)
	}
	if unavailable(err) {
		return fmt.Errorf("%w: %v", dose.ErrStoreUnavailable, err)
	}
	return err
}

func unavailable(err error) bool {
	var connErr *pgconn.ConnectError
	if errors.As(err, &connErr) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) || pgconn.Timeout(err) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		// Class 08 is connection exceptions, 57P0x is operator intervention
		// such as admin shutdown.
		return len(pgErr.Code) == 5 && (pgErr.Code[:2] == "08" || pgErr.Code[:4] == "57P0")
	}
	return strings.Contains(err.Error(), "closed pool")
}

// dateValue converts a calendar date to the value bound to a DATE column.
func dateValue(d dose.Date) time.Time {
	return time.Date(d.Year, d.Month, d.Day, 0, 0, 0, 0, time.UTC)
}

// nullableDate binds zero dates as NULL.
func nullableDate(d dose.Date) *time.Time {
	if d.IsZero() {
		return nil
	}
	v := dateValue(d)
	return &v
}

func dateFrom(t time.Time) dose.Date {
	return dose.Date{Year: t.Year(), Month: t.Month(), Day: t.Day()}
}
