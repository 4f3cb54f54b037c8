package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/drfirst/go-adherence/internal/infrastructure/redpanda"
	"github.com/drfirst/go-adherence/internal/observability/metrics"
)

// OutboxEntry is a dose transition waiting to be relayed to the broker.
type OutboxEntry struct {
	ID            int64
	AggregateID   string
	AggregateType string
	EventType     string
	Payload       json.RawMessage
	KafkaTopic    string
	KafkaKey      string
	CreatedAt     time.Time
	RetryCount    int
	LastError     *string
}

// OutboxConfig holds configuration for the outbox relay
type OutboxConfig struct {
	// BatchSize is the number of entries to process per batch
	BatchSize int
	// PollInterval is how often to poll for new entries
	PollInterval time.Duration
	// MaxRetries is the maximum retries before moving to dead letter
	MaxRetries int
	// Retention is how long processed entries are kept
	Retention time.Duration
	// MaintenanceInterval runs dead-lettering, cleanup and stats
	MaintenanceInterval time.Duration
}

// DefaultOutboxConfig returns sensible defaults
func DefaultOutboxConfig() OutboxConfig {
	return OutboxConfig{
		BatchSize:           100,
		PollInterval:        200 * time.Millisecond,
		MaxRetries:          5,
		Retention:           7 * 24 * time.Hour,
		MaintenanceInterval: time.Minute,
	}
}

// Publisher sends one message to the broker.
type Publisher interface {
	Publish(ctx context.Context, topic, key string, value []byte) error
}

// Outbox relays outbox rows to the broker. Several relays may run; rows are
// claimed with FOR UPDATE SKIP LOCKED inside a transaction.
type Outbox struct {
	pool      *pgxpool.Pool
	config    OutboxConfig
	publisher Publisher
	logger    *zap.Logger
	tracer    trace.Tracer
	metrics   *metrics.Metrics

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// NewOutbox creates a new outbox relay
func NewOutbox(pool *pgxpool.Pool, publisher Publisher, cfg OutboxConfig, logger *zap.Logger, m *metrics.Metrics) *Outbox {
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultOutboxConfig()
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = def.MaxRetries
	}
	if cfg.MaintenanceInterval <= 0 {
		cfg.MaintenanceInterval = def.MaintenanceInterval
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Outbox{
		pool:      pool,
		config:    cfg,
		publisher: publisher,
		logger:    logger,
		tracer:    otel.Tracer("adherence/outbox"),
		metrics:   m,
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
}

// WriteEntry writes an outbox entry within a transaction
// This should be called within the same transaction as the domain operation
func WriteEntry(ctx context.Context, tx pgx.Tx, entry *OutboxEntry) error {
	query := `
		INSERT INTO outbox (aggregate_id, aggregate_type, event_type, payload, kafka_topic, kafka_key)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, created_at
	`
	err := tx.QueryRow(ctx, query,
		entry.AggregateID,
		entry.AggregateType,
		entry.EventType,
		entry.Payload,
		entry.KafkaTopic,
		entry.KafkaKey,
	).Scan(&entry.ID, &entry.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to write outbox entry: %w", err)
	}
	return nil
}

// Start begins polling and processing outbox entries
func (o *Outbox) Start() {
	go o.processLoop()
	o.logger.Info("outbox relay started",
		zap.Int("batch_size", o.config.BatchSize),
		zap.Duration("poll_interval", o.config.PollInterval))
}

// Stop gracefully stops the outbox relay
func (o *Outbox) Stop() {
	o.cancel()
	<-o.done
	o.logger.Info("outbox relay stopped")
}

func (o *Outbox) processLoop() {
	defer close(o.done)

	poll := time.NewTicker(o.config.PollInterval)
	defer poll.Stop()
	maintain := time.NewTicker(o.config.MaintenanceInterval)
	defer maintain.Stop()

	for {
		select {
		case <-o.ctx.Done():
			return
		case <-poll.C:
			if _, err := o.ProcessBatch(o.ctx); err != nil && o.ctx.Err() == nil {
				o.logger.Error("outbox batch failed", zap.Error(err))
			}
		case <-maintain.C:
			o.maintain()
		}
	}
}

// ProcessBatch publishes one batch of unprocessed entries and returns how many
// were published.
func (o *Outbox) ProcessBatch(ctx context.Context) (int, error) {
	ctx, span := o.tracer.Start(ctx, "outbox.process_batch")
	defer span.End()

	published := 0
	err := pgx.BeginFunc(ctx, o.pool, func(tx pgx.Tx) error {
		entries, err := o.fetchUnprocessed(ctx, tx)
		if err != nil {
			return err
		}
		span.SetAttributes(attribute.Int("batch_size", len(entries)))

		for _, entry := range entries {
			if err := o.processEntry(ctx, tx, entry); err != nil {
				o.logger.Warn("failed to publish outbox entry",
					zap.Int64("id", entry.ID),
					zap.String("event_type", entry.EventType),
					zap.Int("retry_count", entry.RetryCount+1),
					zap.Error(err))
				continue
			}
			published++
		}
		return nil
	})
	if err != nil {
		span.RecordError(err)
		return 0, classify(err)
	}
	return published, nil
}

func (o *Outbox) fetchUnprocessed(ctx context.Context, tx pgx.Tx) ([]*OutboxEntry, error) {
	rows, err := tx.Query(ctx, `
		SELECT id, aggregate_id, aggregate_type, event_type, payload,
		       kafka_topic, kafka_key, created_at, retry_count, last_error
		FROM outbox
		WHERE processed_at IS NULL
		  AND retry_count < $1
		ORDER BY id ASC
		LIMIT $2
		FOR UPDATE SKIP LOCKED`,
		o.config.MaxRetries, o.config.BatchSize)
	if err != nil {
		return nil, fmt.Errorf("query failed: %w", err)
	}
	defer rows.Close()

	var entries []*OutboxEntry
	for rows.Next() {
		entry := &OutboxEntry{}
		if err := rows.Scan(
			&entry.ID, &entry.AggregateID, &entry.AggregateType,
			&entry.EventType, &entry.Payload, &entry.KafkaTopic,
			&entry.KafkaKey, &entry.CreatedAt, &entry.RetryCount, &entry.LastError,
		); err != nil {
			return nil, fmt.Errorf("scan failed: %w", err)
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

func (o *Outbox) processEntry(ctx context.Context, tx pgx.Tx, entry *OutboxEntry) error {
	ctx, span := o.tracer.Start(ctx, "outbox.process_entry",
		trace.WithAttributes(
			attribute.Int64("entry_id", entry.ID),
			attribute.String("event_type", entry.EventType),
			attribute.String("aggregate_id", entry.AggregateID),
		))
	defer span.End()

	if err := o.publisher.Publish(ctx, entry.KafkaTopic, entry.KafkaKey, entry.Payload); err != nil {
		if _, uerr := tx.Exec(ctx, `
			UPDATE outbox
			SET retry_count = retry_count + 1, last_error = $1, updated_at = NOW()
			WHERE id = $2`, err.Error(), entry.ID); uerr != nil {
			o.logger.Error("failed to update retry count", zap.Error(uerr))
		}
		span.RecordError(err)
		return fmt.Errorf("publish failed: %w", err)
	}

	if _, err := tx.Exec(ctx, `
		UPDATE outbox
		SET processed_at = NOW(), updated_at = NOW()
		WHERE id = $1`, entry.ID); err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to mark processed: %w", err)
	}
	o.metrics.Produced()
	return nil
}

func (o *Outbox) maintain() {
	ctx, cancel := context.WithTimeout(o.ctx, o.config.MaintenanceInterval)
	defer cancel()

	if n, err := o.MoveToDeadLetter(ctx); err != nil {
		o.logger.Error("dead-letter pass failed", zap.Error(err))
	} else if n > 0 {
		o.logger.Warn("outbox entries dead-lettered", zap.Int64("count", n))
	}
	if o.config.Retention > 0 {
		if _, err := o.CleanupProcessed(ctx, o.config.Retention); err != nil {
			o.logger.Error("outbox cleanup failed", zap.Error(err))
		}
	}
	if stats, err := o.Stats(ctx); err == nil {
		o.metrics.Pending(stats.Pending)
	}
}

// CleanupProcessed removes old processed entries
func (o *Outbox) CleanupProcessed(ctx context.Context, olderThan time.Duration) (int64, error) {
	result, err := o.pool.Exec(ctx, `
		DELETE FROM outbox
		WHERE processed_at IS NOT NULL
		  AND processed_at < NOW() - $1::interval`, olderThan.String())
	if err != nil {
		return 0, fmt.Errorf("cleanup failed: %w", classify(err))
	}
	return result.RowsAffected(), nil
}

// MoveToDeadLetter publishes entries that exhausted their retries to the
// dead-letter topic and marks them processed.
func (o *Outbox) MoveToDeadLetter(ctx context.Context) (int64, error) {
	var count int64
	err := pgx.BeginFunc(ctx, o.pool, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, `
			SELECT id, aggregate_id, aggregate_type, event_type, payload,
			       kafka_topic, kafka_key, created_at, retry_count, last_error
			FROM outbox
			WHERE processed_at IS NULL
			  AND retry_count >= $1
			LIMIT $2
			FOR UPDATE SKIP LOCKED`,
			o.config.MaxRetries, o.config.BatchSize)
		if err != nil {
			return fmt.Errorf("query failed: %w", err)
		}
		entries, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (*OutboxEntry, error) {
			e := &OutboxEntry{}
			err := row.Scan(&e.ID, &e.AggregateID, &e.AggregateType, &e.EventType, &e.Payload,
				&e.KafkaTopic, &e.KafkaKey, &e.CreatedAt, &e.RetryCount, &e.LastError)
			return e, err
		})
		if err != nil {
			return fmt.Errorf("scan failed: %w", err)
		}

		for _, entry := range entries {
			payload, err := deadLetterPayload(entry)
			if err != nil {
				return err
			}
			if err := o.publisher.Publish(ctx, redpanda.TopicDeadLetter, entry.KafkaKey, payload); err != nil {
				o.logger.Error("failed to publish to dead letter", zap.Int64("id", entry.ID), zap.Error(err))
				continue
			}
			if _, err := tx.Exec(ctx, "UPDATE outbox SET processed_at = NOW(), updated_at = NOW() WHERE id = $1", entry.ID); err != nil {
				return fmt.Errorf("mark dead-lettered: %w", err)
			}
			count++
		}
		return nil
	})
	if err != nil {
		return 0, classify(err)
	}
	return count, nil
}

func deadLetterPayload(entry *OutboxEntry) ([]byte, error) {
	payload, err := json.Marshal(map[string]interface{}{
		"original_topic": entry.KafkaTopic,
		"event_type":     entry.EventType,
		"aggregate_id":   entry.AggregateID,
		"payload":        entry.Payload,
		"retry_count":    entry.RetryCount,
		"last_error":     entry.LastError,
		"created_at":     entry.CreatedAt,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal dead letter for entry %d: %w", entry.ID, err)
	}
	return payload, nil
}

// OutboxStats summarizes the outbox table.
type OutboxStats struct {
	Pending       int64      `json:"pending"`
	Failed        int64      `json:"failed"`
	OldestPending *time.Time `json:"oldest_pending,omitempty"`
}

// Stats returns current outbox statistics
func (o *Outbox) Stats(ctx context.Context) (*OutboxStats, error) {
	stats := &OutboxStats{}
	err := o.pool.QueryRow(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE retry_count < $1),
			COUNT(*) FILTER (WHERE retry_count >= $1),
			MIN(created_at)
		FROM outbox
		WHERE processed_at IS NULL`, o.config.MaxRetries,
	).Scan(&stats.Pending, &stats.Failed, &stats.OldestPending)
	if err != nil {
		return nil, classify(err)
	}
	return stats, nil
}
