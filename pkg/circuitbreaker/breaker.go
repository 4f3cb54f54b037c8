// Package circuitbreaker guards calls to infrastructure the engine can live without
// for a while: the notification broker and the broad sweep's store round-trips.
package circuitbreaker

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// ErrOpen is returned when a call is rejected without being attempted.
var ErrOpen = errors.New("circuit open")

// State represents the circuit breaker state
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half-open"
)

// Config holds circuit breaker configuration
type Config struct {
	Name string
	// MaxRequests is max requests allowed in half-open state
	MaxRequests uint32
	// Interval is the cyclic period for clearing counts in closed state
	Interval time.Duration
	// Timeout is how long the circuit stays open before probing
	Timeout time.Duration
	// ConsecutiveFailures trips the breaker below MinRequests
	ConsecutiveFailures uint32
	// FailureRatio trips the breaker once MinRequests have been seen
	FailureRatio float64
	MinRequests  uint32
	// Ignore reports errors that say nothing about the dependency's health,
	// such as a missing record or a cancelled caller.
	Ignore func(error) bool
}

// DefaultConfig returns defaults for a broker or database dependency.
func DefaultConfig(name string) Config {
	return Config{
		Name:                name,
		MaxRequests:         1,
		Interval:            time.Minute,
		Timeout:             15 * time.Second,
		ConsecutiveFailures: 5,
		FailureRatio:        0.5,
		MinRequests:         20,
		Ignore: func(err error) bool {
			return errors.Is(err, context.Canceled)
		},
	}
}

// CircuitBreaker wraps gobreaker with tracing, otel counters and zap logging.
type CircuitBreaker struct {
	cb     *gobreaker.CircuitBreaker
	name   string
	logger *zap.Logger
	tracer trace.Tracer

	calls    metric.Int64Counter
	rejected metric.Int64Counter

	stateMu sync.RWMutex
	state   State
	changed time.Time
}

// New creates a new circuit breaker
func New(cfg Config, logger *zap.Logger) (*CircuitBreaker, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Name == "" {
		return nil, fmt.Errorf("circuit breaker name is required")
	}

	c := &CircuitBreaker{
		name:    cfg.Name,
		logger:  logger.With(zap.String("breaker", cfg.Name)),
		tracer:  otel.Tracer("adherence/circuitbreaker"),
		state:   StateClosed,
		changed: time.Now(),
	}

	meter := otel.Meter("adherence/circuitbreaker")
	var err error
	c.calls, err = meter.Int64Counter("circuit_breaker_calls_total",
		metric.WithDescription("Calls attempted through the breaker by outcome"))
	if err != nil {
		return nil, fmt.Errorf("failed to create call counter: %w", err)
	}
	c.rejected, err = meter.Int64Counter("circuit_breaker_rejected_total",
		metric.WithDescription("Calls rejected while the circuit was open"))
	if err != nil {
		return nil, fmt.Errorf("failed to create rejected counter: %w", err)
	}

	ignore := cfg.Ignore
	c.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < cfg.MinRequests {
				return counts.ConsecutiveFailures >= cfg.ConsecutiveFailures
			}
			return float64(counts.TotalFailures)/float64(counts.Requests) >= cfg.FailureRatio
		},
		OnStateChange: func(_ string, from, to gobreaker.State) {
			c.onStateChange(from, to)
		},
		IsSuccessful: func(err error) bool {
			return err == nil || (ignore != nil && ignore(err))
		},
	})

	return c, nil
}

// Do runs fn through the breaker. Rejections are reported as ErrOpen.
func (c *CircuitBreaker) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	ctx, span := c.tracer.Start(ctx, "circuit_breaker.do",
		trace.WithAttributes(
			attribute.String("breaker.name", c.name),
			attribute.String("breaker.state", string(c.State())),
		))
	defer span.End()

	nameAttr := attribute.String("name", c.name)
	_, err := c.cb.Execute(func() (interface{}, error) {
		return nil, fn(ctx)
	})

	switch {
	case err == nil:
		c.calls.Add(ctx, 1, metric.WithAttributes(nameAttr, attribute.String("outcome", "success")))
		return nil
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		c.rejected.Add(ctx, 1, metric.WithAttributes(nameAttr))
		span.SetAttributes(attribute.Bool("breaker.rejected", true))
		return fmt.Errorf("%s: %w", c.name, ErrOpen)
	default:
		c.calls.Add(ctx, 1, metric.WithAttributes(nameAttr, attribute.String("outcome", "failure")))
		span.RecordError(err)
		return err
	}
}

// State returns the current circuit breaker state
func (c *CircuitBreaker) State() State {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	return c.state
}

// Name returns the breaker name.
func (c *CircuitBreaker) Name() string { return c.name }

// Counts returns the gobreaker counters for the current interval.
func (c *CircuitBreaker) Counts() gobreaker.Counts {
	return c.cb.Counts()
}

func (c *CircuitBreaker) onStateChange(from, to gobreaker.State) {
	c.stateMu.Lock()
	c.state = mapState(to)
	c.changed = time.Now()
	c.stateMu.Unlock()

	c.logger.Warn("circuit breaker state changed",
		zap.String("from", string(mapState(from))),
		zap.String("to", string(mapState(to))))
}

func mapState(s gobreaker.State) State {
	switch s {
	case gobreaker.StateOpen:
		return StateOpen
	case gobreaker.StateHalfOpen:
		return StateHalfOpen
	default:
		return StateClosed
	}
}

// Manager owns the breakers of one process so health checks can report them.
type Manager struct {
	mu       sync.RWMutex
	breakers map[string]*CircuitBreaker
	logger   *zap.Logger
}

// NewManager creates a circuit breaker manager
func NewManager(logger *zap.Logger) *Manager {
	return &Manager{
		breakers: make(map[string]*CircuitBreaker),
		logger:   logger,
	}
}

// GetOrCreate returns the breaker registered under cfg.Name, creating it on first use.
func (m *Manager) GetOrCreate(cfg Config) (*CircuitBreaker, error) {
	m.mu.RLock()
	cb, ok := m.breakers[cfg.Name]
	m.mu.RUnlock()
	if ok {
		return cb, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if cb, ok := m.breakers[cfg.Name]; ok {
		return cb, nil
	}
	cb, err := New(cfg, m.logger)
	if err != nil {
		return nil, err
	}
	m.breakers[cfg.Name] = cb
	return cb, nil
}

// HealthStatus describes one breaker for the readiness endpoint.
type HealthStatus struct {
	Name     string    `json:"name"`
	State    State     `json:"state"`
	Since    time.Time `json:"since"`
	Requests uint32    `json:"requests"`
	Failures uint32    `json:"failures"`
	Healthy  bool      `json:"healthy"`
}

// Health returns the status of every breaker sorted by name.
func (m *Manager) Health() []HealthStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()

	statuses := make([]HealthStatus, 0, len(m.breakers))
	for name, cb := range m.breakers {
		counts := cb.Counts()
		cb.stateMu.RLock()
		state, since := cb.state, cb.changed
		cb.stateMu.RUnlock()
		statuses = append(statuses, HealthStatus{
			Name:     name,
			State:    state,
			Since:    since,
			Requests: counts.Requests,
			Failures: counts.TotalFailures,
			Healthy:  state != StateOpen,
		})
	}
	sort.Slice(statuses, func(i, j int) bool { return statuses[i].Name < statuses[j].Name })
	return statuses
}
