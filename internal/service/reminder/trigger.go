package reminder

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/drfirst/go-adherence/internal/domain/dose"
	"github.com/drfirst/go-adherence/internal/observability/metrics"
)

// Trigger is the request-driven backstop for the scheduler. It checks whether a
// bucket is open and not yet fired, and if so fires it. The scheduler stays the
// primary path; the trigger only covers a scheduler that is down or late.
type Trigger struct {
	job     *Job
	timeout time.Duration
	logger  *zap.Logger
	metrics *metrics.Metrics

	running atomic.Bool
	wg      sync.WaitGroup
}

// NewTrigger creates a trigger. timeout bounds one detached check.
func NewTrigger(job *Job, timeout time.Duration, logger *zap.Logger, m *metrics.Metrics) *Trigger {
	if logger == nil {
		logger = zap.NewNop()
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Trigger{job: job, timeout: timeout, logger: logger, metrics: m}
}

// due returns the open bucket at now when its batch is not known to have fired.
func (t *Trigger) due(now time.Time) (dose.Bucket, dose.Date, bool) {
	b, ok := t.job.buckets.Active(dose.TimeOfDayOf(now))
	if !ok {
		return dose.Bucket{}, dose.Date{}, false
	}
	day := dose.DateOf(now)
	if t.job.guard.Seen(batchKey(day, b.Name)) {
		return dose.Bucket{}, dose.Date{}, false
	}
	return b, day, true
}

// Check fires the open bucket's batch if it has not fired today. ok is false when
// no bucket is open or the batch is already known to have fired.
func (t *Trigger) Check(ctx context.Context) (summary Summary, ok bool, err error) {
	b, day, due := t.due(t.job.sweeper.Now())
	if !due {
		return Summary{}, false, nil
	}
	summary, err = t.job.fire(ctx, b, day, SourceBackstop, true)
	return summary, true, err
}

// Kick runs Check on a detached goroutine and returns immediately. At most one
// check is in flight; kicks while one runs are ignored.
func (t *Trigger) Kick() {
	if _, _, due := t.due(t.job.sweeper.Now()); !due {
		return
	}
	if !t.running.CompareAndSwap(false, true) {
		return
	}
	t.metrics.Backstop()

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		defer t.running.Store(false)

		ctx, cancel := context.WithTimeout(context.Background(), t.timeout)
		defer cancel()

		summary, ok, err := t.Check(ctx)
		if err != nil {
			t.logger.Warn("reminder backstop failed", zap.String("bucket", summary.Bucket), zap.Error(err))
			return
		}
		if ok && summary.Fired {
			t.logger.Info("reminder backstop fired a batch the scheduler had not",
				zap.String("bucket", summary.Bucket),
				zap.Int("patients", summary.Patients))
		}
	}()
}

// Wait blocks until any detached check has finished.
func (t *Trigger) Wait() { t.wg.Wait() }
