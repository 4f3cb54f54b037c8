// Package workerpool provides a bounded worker pool for background work that must
// never block the caller: notification delivery and broad sweeps.
package workerpool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

var (
	// ErrQueueFull is returned by Submit when the queue has no free slot.
	ErrQueueFull = errors.New("task queue is full")
	// ErrStopped is returned by Submit after Stop.
	ErrStopped = errors.New("pool is shutting down")
)

// Task is a unit of work.
type Task struct {
	ID  string
	Run func(ctx context.Context) error
}

// Config holds worker pool configuration
type Config struct {
	// Workers is the number of concurrent workers
	Workers int
	// QueueSize is the size of the task queue
	QueueSize int
	// MaxRetries is the number of extra attempts for a failed task
	MaxRetries int
	// RetryDelay is multiplied by the attempt number between retries
	RetryDelay time.Duration
	// TaskTimeout bounds a single attempt; zero means no bound
	TaskTimeout time.Duration
	// GracefulShutdownTimeout is the timeout for draining on Stop
	GracefulShutdownTimeout time.Duration
}

// DefaultConfig returns defaults sized for notification fan-out.
func DefaultConfig() Config {
	return Config{
		Workers:                 4,
		QueueSize:               1024,
		MaxRetries:              1,
		RetryDelay:              100 * time.Millisecond,
		TaskTimeout:             5 * time.Second,
		GracefulShutdownTimeout: 10 * time.Second,
	}
}

// Pool runs submitted tasks on a fixed set of workers.
type Pool struct {
	config Config
	logger *zap.Logger

	mu      sync.RWMutex
	stopped bool
	tasks   chan *Task
	wg      sync.WaitGroup

	ctx    context.Context
	cancel context.CancelFunc

	tasksSubmitted atomic.Int64
	tasksCompleted atomic.Int64
	tasksFailed    atomic.Int64
	tasksRetried   atomic.Int64
	tasksRejected  atomic.Int64
}

// New creates a pool. Call Start before submitting.
func New(cfg Config, logger *zap.Logger) *Pool {
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.GracefulShutdownTimeout <= 0 {
		cfg.GracefulShutdownTimeout = def.GracefulShutdownTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		config: cfg,
		logger: logger,
		tasks:  make(chan *Task, cfg.QueueSize),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start launches all workers
func (p *Pool) Start() {
	for i := 0; i < p.config.Workers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
	p.logger.Info("worker pool started",
		zap.Int("workers", p.config.Workers),
		zap.Int("queue_size", p.config.QueueSize))
}

// Submit enqueues a task without blocking.
func (p *Pool) Submit(task *Task) error {
	if task == nil || task.Run == nil {
		return fmt.Errorf("task has no Run function")
	}

	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.stopped {
		p.tasksRejected.Add(1)
		return ErrStopped
	}

	select {
	case p.tasks <- task:
		p.tasksSubmitted.Add(1)
		return nil
	default:
		p.tasksRejected.Add(1)
		return ErrQueueFull
	}
}

// Stop drains queued tasks and waits for workers up to the shutdown timeout.
// In-flight attempts are cancelled when the timeout expires.
func (p *Pool) Stop() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	close(p.tasks)
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Info("worker pool stopped gracefully")
	case <-time.After(p.config.GracefulShutdownTimeout):
		p.logger.Warn("worker pool shutdown timed out")
		p.cancel()
		<-done
	}
	p.cancel()
}

func (p *Pool) worker(id int) {
	defer p.wg.Done()
	for task := range p.tasks {
		if err := p.execute(p.ctx, task); err != nil {
			p.tasksFailed.Add(1)
			p.logger.Error("task failed",
				zap.String("task_id", task.ID),
				zap.Int("worker_id", id),
				zap.Error(err))
			continue
		}
		p.tasksCompleted.Add(1)
	}
}

// execute runs a task with linear backoff retries.
func (p *Pool) execute(ctx context.Context, task *Task) error {
	var lastErr error
	for attempt := 0; attempt <= p.config.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		lastErr = p.attempt(ctx, task)
		if lastErr == nil {
			return nil
		}
		if attempt == p.config.MaxRetries {
			break
		}

		p.tasksRetried.Add(1)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(p.config.RetryDelay * time.Duration(attempt+1)):
		}
	}
	if p.config.MaxRetries == 0 {
		return lastErr
	}
	return fmt.Errorf("task failed after %d retries: %w", p.config.MaxRetries, lastErr)
}

func (p *Pool) attempt(ctx context.Context, task *Task) error {
	if p.config.TaskTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.config.TaskTimeout)
		defer cancel()
	}
	return task.Run(ctx)
}

// Stats returns current pool statistics
type Stats struct {
	TasksSubmitted int64
	TasksCompleted int64
	TasksFailed    int64
	TasksRetried   int64
	TasksRejected  int64
	QueueDepth     int
	QueueCapacity  int
	Workers        int
}

// Stats returns current pool statistics
func (p *Pool) Stats() Stats {
	return Stats{
		TasksSubmitted: p.tasksSubmitted.Load(),
		TasksCompleted: p.tasksCompleted.Load(),
		TasksFailed:    p.tasksFailed.Load(),
		TasksRetried:   p.tasksRetried.Load(),
		TasksRejected:  p.tasksRejected.Load(),
		QueueDepth:     len(p.tasks),
		QueueCapacity:  p.config.QueueSize,
		Workers:        p.config.Workers,
	}
}

// IsHealthy returns true if the queue isn't backing up significantly
func (p *Pool) IsHealthy() bool {
	stats := p.Stats()
	return float64(stats.QueueDepth)/float64(stats.QueueCapacity) < 0.9
}

// BatchResult summarizes a RunBatch call.
type BatchResult struct {
	Completed int
	Failed    int
	Errors    []error
}

// RunBatch runs tasks with at most workers in flight and waits for all of them.
// Tasks not yet started when ctx is cancelled are counted as failed with ctx.Err().
func RunBatch(ctx context.Context, workers int, tasks []Task) BatchResult {
	if workers <= 0 {
		workers = 1
	}

	var (
		mu  sync.Mutex
		res BatchResult
		wg  sync.WaitGroup
		sem = make(chan struct{}, workers)
	)
	record := func(err error) {
		mu.Lock()
		defer mu.Unlock()
		if err != nil {
			res.Failed++
			res.Errors = append(res.Errors, err)
			return
		}
		res.Completed++
	}

	for i := range tasks {
		task := tasks[i]
		if err := ctx.Err(); err != nil {
			record(fmt.Errorf("task %s not started: %w", task.ID, err))
			continue
		}
		select {
		case <-ctx.Done():
			record(fmt.Errorf("task %s not started: %w", task.ID, ctx.Err()))
			continue
		case sem <- struct{}{}:
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			if err := task.Run(ctx); err != nil {
				record(fmt.Errorf("task %s: %w", task.ID, err))
				return
			}
			record(nil)
		}()
	}
	wg.Wait()
	return res
}
