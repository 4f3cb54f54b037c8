package reminder

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/drfirst/go-adherence/internal/domain/dose"
	"github.com/drfirst/go-adherence/pkg/circuitbreaker"
)

// SchedulerConfig holds scheduler configuration
type SchedulerConfig struct {
	// SweepInterval runs the broad sweep between bucket starts; zero disables it.
	SweepInterval time.Duration
	// HousekeepInterval purges old fire-log entries; zero disables it.
	HousekeepInterval time.Duration
	// Retention is how long fire-log entries are kept.
	Retention time.Duration
	// RunTimeout bounds one bucket run or sweep.
	RunTimeout time.Duration
	// CatchUp fires the open bucket on start when it has not fired yet.
	CatchUp bool
}

// DefaultSchedulerConfig returns sensible defaults
func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		SweepInterval:     15 * time.Minute,
		HousekeepInterval: time.Hour,
		Retention:         72 * time.Hour,
		RunTimeout:        5 * time.Minute,
		CatchUp:           true,
	}
}

// Scheduler is the primary, traffic-independent path for reminders: at the start
// of every bucket it runs the broad sweep and fires the batch. Failures are logged
// and retried on the next tick; they never stop the loop.
type Scheduler struct {
	cfg     SchedulerConfig
	job     *Job
	breaker *circuitbreaker.CircuitBreaker
	logger  *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// NewScheduler creates a scheduler. breaker may be nil.
func NewScheduler(cfg SchedulerConfig, job *Job, breaker *circuitbreaker.CircuitBreaker, logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.RunTimeout <= 0 {
		cfg.RunTimeout = DefaultSchedulerConfig().RunTimeout
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cfg:     cfg,
		job:     job,
		breaker: breaker,
		logger:  logger,
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
}

// Start begins the scheduling loop
func (s *Scheduler) Start() {
	go s.run()
	s.logger.Info("reminder scheduler started",
		zap.Strings("buckets", s.job.buckets.Names()),
		zap.Duration("sweep_interval", s.cfg.SweepInterval))
}

// Stop interrupts any running sweep and waits for the loop to exit.
func (s *Scheduler) Stop() {
	s.cancel()
	<-s.done
	s.logger.Info("reminder scheduler stopped")
}

// NextRun returns the first bucket start strictly after now, in now's location.
func NextRun(now time.Time, buckets dose.Buckets) (time.Time, dose.Bucket, bool) {
	if len(buckets) == 0 {
		return time.Time{}, dose.Bucket{}, false
	}
	today := dose.DateOf(now)
	for _, b := range buckets {
		if start := today.At(b.Start, now.Location()); start.After(now) {
			return start, b, true
		}
	}
	return today.AddDays(1).At(buckets[0].Start, now.Location()), buckets[0], true
}

func (s *Scheduler) run() {
	defer close(s.done)

	if s.cfg.CatchUp {
		now := s.job.sweeper.Now()
		if b, ok := s.job.buckets.Active(dose.TimeOfDayOf(now)); ok {
			s.runBucket(b)
		}
	}

	sweepC, stopSweep := ticker(s.cfg.SweepInterval)
	defer stopSweep()
	houseC, stopHouse := ticker(s.cfg.HousekeepInterval)
	defer stopHouse()

	for {
		now := s.job.sweeper.Now()
		next, bucket, ok := NextRun(now, s.job.buckets)
		var fireC <-chan time.Time
		var timer *time.Timer
		if ok {
			timer = time.NewTimer(next.Sub(now))
			fireC = timer.C
		}

		select {
		case <-s.ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return
		case <-fireC:
			s.runBucket(bucket)
		case <-sweepC:
			s.sweep()
		case <-houseC:
			s.housekeep()
		}
		if timer != nil {
			timer.Stop()
		}
	}
}

func ticker(every time.Duration) (<-chan time.Time, func()) {
	if every <= 0 {
		return nil, func() {}
	}
	t := time.NewTicker(every)
	return t.C, t.Stop
}

// RunBucket sweeps all patients and fires b for today. It is what the loop runs
// at every bucket start.
func (s *Scheduler) RunBucket(ctx context.Context, b dose.Bucket) (Summary, error) {
	var summary Summary
	err := s.guarded(ctx, func(ctx context.Context) error {
		res, err := s.job.sweeper.SweepAll(ctx)
		if err != nil {
			if errors.Is(err, dose.ErrStoreUnavailable) {
				summary.Sweep = &res
				return fmt.Errorf("broad sweep: %w", err)
			}
			s.logger.Warn("broad sweep failed", zap.String("bucket", b.Name), zap.Error(err))
		}
		day := dose.DateOf(s.job.sweeper.Now())
		summary, err = s.job.fire(ctx, b, day, SourceScheduler, false)
		summary.Sweep = &res
		return err
	})
	return summary, err
}

func (s *Scheduler) runBucket(b dose.Bucket) {
	ctx, cancel := context.WithTimeout(s.ctx, s.cfg.RunTimeout)
	defer cancel()

	summary, err := s.RunBucket(ctx, b)
	if err != nil {
		s.logger.Error("scheduled reminder run failed, retrying next tick",
			zap.String("bucket", b.Name), zap.Error(err))
		return
	}
	if !summary.Fired {
		s.logger.Info("reminder batch already fired",
			zap.String("bucket", b.Name), zap.String("date", summary.Date.String()))
	}
}

func (s *Scheduler) sweep() {
	ctx, cancel := context.WithTimeout(s.ctx, s.cfg.RunTimeout)
	defer cancel()

	err := s.guarded(ctx, func(ctx context.Context) error {
		res, err := s.job.sweeper.SweepAll(ctx)
		if err == nil && res.Missed > 0 {
			s.logger.Info("periodic sweep marked doses missed",
				zap.Int("missed", res.Missed), zap.Int("patients", res.Patients))
		}
		return err
	})
	if err != nil {
		s.logger.Error("periodic sweep failed", zap.Error(err))
		return
	}

	// Fire an open bucket the loop has not fired, for instance after the
	// process was paused across a bucket start.
	now := s.job.sweeper.Now()
	if b, ok := s.job.buckets.Active(dose.TimeOfDayOf(now)); ok && !s.job.guard.Seen(batchKey(dose.DateOf(now), b.Name)) {
		s.runBucket(b)
	}
}

func (s *Scheduler) housekeep() {
	ctx, cancel := context.WithTimeout(s.ctx, s.cfg.RunTimeout)
	defer cancel()
	if _, err := s.job.Housekeep(ctx, s.cfg.Retention); err != nil {
		s.logger.Error("fire log housekeeping failed", zap.Error(err))
	}
}

func (s *Scheduler) guarded(ctx context.Context, fn func(ctx context.Context) error) error {
	if s.breaker == nil {
		return fn(ctx)
	}
	err := s.breaker.Do(ctx, fn)
	if errors.Is(err, circuitbreaker.ErrOpen) {
		s.logger.Warn("store circuit open, skipping run", zap.String("breaker", s.breaker.Name()))
	}
	return err
}
