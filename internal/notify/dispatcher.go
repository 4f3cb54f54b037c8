package notify

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/drfirst/go-adherence/internal/domain/dose"
	"github.com/drfirst/go-adherence/internal/observability/metrics"
	"github.com/drfirst/go-adherence/pkg/workerpool"
)

// DispatcherConfig sizes the delivery queue.
type DispatcherConfig struct {
	Workers   int
	QueueSize int
	// Timeout bounds one delivery to all sinks.
	Timeout time.Duration
	// Origin stamps every posted event so broker consumers can skip their own.
	Origin string
}

// DefaultDispatcherConfig returns sensible defaults
func DefaultDispatcherConfig() DispatcherConfig {
	return DispatcherConfig{
		Workers:   4,
		QueueSize: 1024,
		Timeout:   5 * time.Second,
		Origin:    uuid.NewString(),
	}
}

// Dispatcher queues events and delivers them to a sink on a worker pool.
type Dispatcher struct {
	pool    *workerpool.Pool
	sink    Sink
	origin  string
	logger  *zap.Logger
	metrics *metrics.Metrics
}

// NewDispatcher creates a dispatcher. Call Start before posting.
func NewDispatcher(cfg DispatcherConfig, sink Sink, logger *zap.Logger, m *metrics.Metrics) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultDispatcherConfig()
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.Origin == "" {
		cfg.Origin = def.Origin
	}

	pool := workerpool.New(workerpool.Config{
		Workers:     cfg.Workers,
		QueueSize:   cfg.QueueSize,
		MaxRetries:  0,
		TaskTimeout: cfg.Timeout,
	}, logger.Named("notify"))

	return &Dispatcher{
		pool:    pool,
		sink:    sink,
		origin:  cfg.Origin,
		logger:  logger,
		metrics: m,
	}
}

// Origin returns the identifier stamped on events posted by this dispatcher.
func (d *Dispatcher) Origin() string { return d.origin }

func (d *Dispatcher) Start() { d.pool.Start() }

// Stop drains queued deliveries.
func (d *Dispatcher) Stop() { d.pool.Stop() }

// Post queues e for delivery. It never blocks; a full queue drops the event.
func (d *Dispatcher) Post(e Event) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Origin == "" {
		e.Origin = d.origin
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}

	err := d.pool.Submit(&workerpool.Task{
		ID: string(e.Kind) + ":" + e.ID,
		Run: func(ctx context.Context) error {
			if err := d.sink.Deliver(ctx, e); err != nil {
				d.metrics.Failed()
				return fmt.Errorf("%w: %s for patient %s: %v", dose.ErrNotificationFailure, e.Kind, e.PatientID, err)
			}
			d.metrics.Delivered(string(e.Kind))
			return nil
		},
	})
	if err != nil {
		d.metrics.Dropped()
		level := zap.WarnLevel
		if errors.Is(err, workerpool.ErrStopped) {
			level = zap.DebugLevel
		}
		d.logger.Check(level, "notification dropped").Write(
			zap.String("kind", string(e.Kind)),
			zap.String("patient_id", e.PatientID),
			zap.Error(err))
	}
}

// Stats exposes the queue statistics.
func (d *Dispatcher) Stats() workerpool.Stats { return d.pool.Stats() }

// Check reports an error while the queue is close to full. Used for readiness.
func (d *Dispatcher) Check(context.Context) error {
	if !d.pool.IsHealthy() {
		s := d.Stats()
		return fmt.Errorf("notification queue backed up: %d/%d", s.QueueDepth, s.QueueCapacity)
	}
	return nil
}
