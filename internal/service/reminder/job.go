// Package reminder fires bucketed reminder batches at most once per bucket per
// day, from a recurring scheduler, an operator request or incidental traffic.
package reminder

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/drfirst/go-adherence/internal/domain/dose"
	"github.com/drfirst/go-adherence/internal/notify"
	"github.com/drfirst/go-adherence/internal/observability/metrics"
	"github.com/drfirst/go-adherence/internal/service/adherence"
	"github.com/drfirst/go-adherence/pkg/idempotency"
)

// Source names what caused a batch to fire.
type Source string

const (
	SourceScheduler Source = "scheduler"
	SourceManual    Source = "manual"
	SourceBackstop  Source = "backstop"
)

// Sweeper is the slice of the adherence tracker the job depends on.
type Sweeper interface {
	SweepAll(ctx context.Context) (adherence.SweepResult, error)
	Now() time.Time
}

// Summary describes the outcome of one firing attempt.
type Summary struct {
	Bucket   string                 `json:"bucket"`
	Date     dose.Date              `json:"date"`
	Source   Source                 `json:"source"`
	Fired    bool                   `json:"fired"`
	Patients int                    `json:"patients"`
	Doses    int                    `json:"doses"`
	Sweep    *adherence.SweepResult `json:"sweep,omitempty"`
}

// Message is the operator-facing description of s.
func (s Summary) Message() string {
	if s.Fired {
		return fmt.Sprintf("%s medication reminders sent successfully", s.Bucket)
	}
	return fmt.Sprintf("%s medication reminders were already sent on %s", s.Bucket, s.Date)
}

// Job fans out reminder batches. The batch key (all patients, date, bucket) is
// claimed in the fire log once the recipients are known and before anything is
// sent, so a claimed batch is never sent twice no matter which path fires it. Each reminded patient also gets a
// per-patient entry.
type Job struct {
	buckets  dose.Buckets
	sweeper  Sweeper
	events   dose.EventStore
	firelog  dose.FireLog
	guard    *idempotency.Guard[dose.ReminderKey]
	notifier notify.Notifier
	logger   *zap.Logger
	tracer   trace.Tracer
	metrics  *metrics.Metrics
}

// NewJob creates a reminder job.
func NewJob(buckets dose.Buckets, sweeper Sweeper, events dose.EventStore, firelog dose.FireLog, notifier notify.Notifier, logger *zap.Logger, m *metrics.Metrics) *Job {
	if logger == nil {
		logger = zap.NewNop()
	}
	if notifier == nil {
		notifier = notify.Discard{}
	}
	j := &Job{
		buckets:  buckets,
		sweeper:  sweeper,
		events:   events,
		firelog:  firelog,
		notifier: notifier,
		logger:   logger,
		tracer:   otel.Tracer("adherence/reminder"),
		metrics:  m,
	}
	j.guard = idempotency.NewGuard[dose.ReminderKey](idempotency.ClaimFunc[dose.ReminderKey](
		func(ctx context.Context, key dose.ReminderKey) (bool, error) {
			return firelog.Claim(ctx, key, sweeper.Now())
		}))
	return j
}

// Buckets returns the configured reminder windows.
func (j *Job) Buckets() dose.Buckets { return j.buckets }

// Fire runs the named bucket's batch for today regardless of the time of day.
// It still honours the fire log: a batch that already fired today is not resent.
func (j *Job) Fire(ctx context.Context, bucket string, source Source) (Summary, error) {
	b, ok := j.buckets.Lookup(bucket)
	if !ok {
		return Summary{}, fmt.Errorf("%w: unknown reminder bucket %q (have %v)", dose.ErrInvalidInput, bucket, j.buckets.Names())
	}
	return j.fire(ctx, b, dose.DateOf(j.sweeper.Now()), source, true)
}

func batchKey(day dose.Date, bucket string) dose.ReminderKey {
	return dose.ReminderKey{PatientID: dose.AllPatients, Date: day, Bucket: bucket}
}

// fire reads the batch's recipients, then claims the batch and, if this caller
// won, reminds them. Nothing is claimed until the recipients are in hand, so a
// store outage leaves the batch for the next attempt. With sweep set the broad
// sweep runs first.
func (j *Job) fire(ctx context.Context, b dose.Bucket, day dose.Date, source Source, sweep bool) (Summary, error) {
	ctx, span := j.tracer.Start(ctx, "reminder.fire",
		trace.WithAttributes(
			attribute.String("reminder.bucket", b.Name),
			attribute.String("reminder.date", day.String()),
			attribute.String("reminder.source", string(source)),
		))
	defer span.End()

	summary := Summary{Bucket: b.Name, Date: day, Source: source}
	key := batchKey(day, b.Name)
	if j.guard.Seen(key) {
		span.SetAttributes(attribute.Bool("reminder.fired", false))
		return summary, nil
	}

	fail := func(err error) (Summary, error) {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return summary, err
	}

	if sweep {
		res, err := j.sweeper.SweepAll(ctx)
		summary.Sweep = &res
		if err != nil {
			if errors.Is(err, dose.ErrStoreUnavailable) {
				return fail(fmt.Errorf("sweep before reminder batch: %w", err))
			}
			j.logger.Warn("sweep before reminder batch failed",
				zap.String("bucket", b.Name), zap.Error(err))
		}
	}

	recipients, err := j.recipients(ctx, b, day)
	if err != nil {
		return fail(err)
	}

	fired, err := j.guard.Once(ctx, key, func(ctx context.Context) error {
		j.fanOut(ctx, b, day, recipients, &summary)
		return nil
	})
	summary.Fired = fired
	span.SetAttributes(
		attribute.Bool("reminder.fired", fired),
		attribute.Int("reminder.patients", summary.Patients),
	)
	if err != nil {
		return fail(err)
	}

	if fired {
		j.metrics.ReminderFired(b.Name, string(source), summary.Patients)
		j.logger.Info("reminder batch fired",
			zap.String("bucket", b.Name),
			zap.String("date", day.String()),
			zap.String("source", string(source)),
			zap.Int("patients", summary.Patients),
			zap.Int("doses", summary.Doses))
	}
	return summary, nil
}

// recipients groups day's pending, not yet overdue doses owned by b by patient.
func (j *Job) recipients(ctx context.Context, b dose.Bucket, day dose.Date) (map[string][]*dose.DoseEvent, error) {
	pending, err := j.events.ListPendingOn(ctx, day)
	if err != nil {
		return nil, fmt.Errorf("list pending doses: %w", err)
	}

	now := j.sweeper.Now()
	byPatient := make(map[string][]*dose.DoseEvent)
	for _, ev := range pending {
		if ev.Overdue(now) || j.buckets.For(ev.Key.TimeOfDay).Name != b.Name {
			continue
		}
		byPatient[ev.PatientID] = append(byPatient[ev.PatientID], ev)
	}
	return byPatient, nil
}

// fanOut reminds each patient once. Failures to record a patient entry are
// logged and that patient is skipped.
func (j *Job) fanOut(ctx context.Context, b dose.Bucket, day dose.Date, byPatient map[string][]*dose.DoseEvent, summary *Summary) {
	patients := make([]string, 0, len(byPatient))
	for id := range byPatient {
		patients = append(patients, id)
	}
	sort.Strings(patients)

	now := j.sweeper.Now()
	for _, id := range patients {
		won, err := j.firelog.Claim(ctx, dose.ReminderKey{PatientID: id, Date: day, Bucket: b.Name}, now)
		if err != nil {
			j.logger.Warn("record patient reminder",
				zap.String("patient_id", id), zap.String("bucket", b.Name), zap.Error(err))
			continue
		}
		if !won {
			continue
		}
		doses := byPatient[id]
		dose.SortEvents(doses)
		j.notifier.Post(notify.ReminderFor(id, b.Name, day, doses, now))
		summary.Patients++
		summary.Doses += len(doses)
	}
}

// Housekeep purges fire-log entries dated before today minus retention and drops
// the in-process memo of past days.
func (j *Job) Housekeep(ctx context.Context, retention time.Duration) (int64, error) {
	now := j.sweeper.Now()
	today := dose.DateOf(now)
	j.guard.Forget(func(k dose.ReminderKey) bool { return k.Date.Before(today) })

	cutoff := dose.DateOf(now.Add(-retention))
	n, err := j.firelog.Purge(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("purge fire log before %s: %w", cutoff, err)
	}
	j.metrics.Purged(n)
	if n > 0 {
		j.logger.Info("fire log purged", zap.Int64("entries", n), zap.String("before", cutoff.String()))
	}
	return n, nil
}
