// Package adherence implements the patient-facing dose operations and the
// missed-dose sweeper on top of the dose event store.
package adherence

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/drfirst/go-adherence/internal/domain/dose"
	"github.com/drfirst/go-adherence/internal/notify"
	"github.com/drfirst/go-adherence/internal/observability/metrics"
)

// Config holds tracker configuration
type Config struct {
	// GraceWindow is added to a dose's scheduled time to get its missed deadline.
	GraceWindow time.Duration
	// Location is the zone calendar dates and dose times are interpreted in.
	Location *time.Location
	// LookbackDays extends the broad sweep to the given number of past days.
	LookbackDays int
	// SweepWorkers bounds concurrent patients in a broad sweep.
	SweepWorkers int
	Clock        dose.Clock
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		GraceWindow:  2 * time.Hour,
		Location:     time.UTC,
		LookbackDays: 1,
		SweepWorkers: 8,
		Clock:        time.Now,
	}
}

// Tracker serves today's doses, status updates, history and statistics, and
// sweeps overdue doses to missed.
type Tracker struct {
	events   dose.EventStore
	rx       dose.Prescriptions
	notifier notify.Notifier
	cfg      Config
	logger   *zap.Logger
	tracer   trace.Tracer
	metrics  *metrics.Metrics
}

// New creates a tracker.
func New(cfg Config, events dose.EventStore, rx dose.Prescriptions, notifier notify.Notifier, logger *zap.Logger, m *metrics.Metrics) *Tracker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if notifier == nil {
		notifier = notify.Discard{}
	}
	def := DefaultConfig()
	if cfg.GraceWindow <= 0 {
		cfg.GraceWindow = def.GraceWindow
	}
	if cfg.Location == nil {
		cfg.Location = def.Location
	}
	if cfg.LookbackDays < 0 {
		cfg.LookbackDays = 0
	}
	if cfg.SweepWorkers <= 0 {
		cfg.SweepWorkers = def.SweepWorkers
	}
	if cfg.Clock == nil {
		cfg.Clock = def.Clock
	}

	return &Tracker{
		events:   events,
		rx:       rx,
		notifier: notifier,
		cfg:      cfg,
		logger:   logger,
		tracer:   otel.Tracer("adherence/service"),
		metrics:  m,
	}
}

// Now returns the tracker's current time in its configured zone.
func (t *Tracker) Now() time.Time { return t.cfg.Clock().In(t.cfg.Location) }

// Today returns the calendar date of Now.
func (t *Tracker) Today() dose.Date { return dose.DateOf(t.Now()) }

// Location returns the zone dates are interpreted in.
func (t *Tracker) Location() *time.Location { return t.cfg.Location }

// Patient returns the patient record, or dose.ErrNotFound.
func (t *Tracker) Patient(ctx context.Context, patientID string) (dose.Patient, error) {
	if patientID == "" {
		return dose.Patient{}, fmt.Errorf("%w: patient id is required", dose.ErrInvalidInput)
	}
	return t.rx.Patient(ctx, patientID)
}

// TodayDoses materializes and returns today's doses of a patient in schedule order.
func (t *Tracker) TodayDoses(ctx context.Context, patientID string) ([]*dose.DoseEvent, error) {
	p, err := t.Patient(ctx, patientID)
	if err != nil {
		return nil, err
	}
	events, _, err := t.materialize(ctx, p, t.Today())
	return events, err
}

func (t *Tracker) materialize(ctx context.Context, p dose.Patient, day dose.Date) ([]*dose.DoseEvent, int, error) {
	prescriptions, err := t.rx.ActivePrescriptions(ctx, p.ID, day)
	if err != nil {
		return nil, 0, fmt.Errorf("load prescriptions: %w", err)
	}

	now := t.Now()
	occurrences := dose.Derive(prescriptions, day, t.cfg.Location)
	out := make([]*dose.DoseEvent, 0, len(occurrences))
	created := 0
	for _, occ := range occurrences {
		stored, isNew, err := t.events.Ensure(ctx, dose.NewPendingEvent(occ, t.cfg.GraceWindow, now))
		if err != nil {
			return nil, created, fmt.Errorf("ensure %s: %w", occ.Key, err)
		}
		if isNew {
			created++
		}
		out = append(out, stored)
	}
	t.metrics.Materialized(created)
	return out, created, nil
}

// UpdateStatus records a patient's self-report for one occurrence. Only taken and
// skipped are accepted. A dose that is already terminal is returned unchanged with
// changed=false; that is not an error. A pending dose past its grace deadline is
// marked missed instead of taking the report.
func (t *Tracker) UpdateStatus(ctx context.Context, patientID string, key dose.OccurrenceKey, to dose.State) (*dose.DoseEvent, bool, error) {
	ctx, span := t.tracer.Start(ctx, "adherence.update_status",
		trace.WithAttributes(
			attribute.String("patient.id", patientID),
			attribute.String("dose.key", key.String()),
			attribute.String("dose.state", to.String()),
		))
	defer span.End()

	ev, changed, err := t.updateStatus(ctx, patientID, key, to)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.SetAttributes(attribute.Bool("dose.changed", changed))
	return ev, changed, err
}

func (t *Tracker) updateStatus(ctx context.Context, patientID string, key dose.OccurrenceKey, to dose.State) (*dose.DoseEvent, bool, error) {
	if to != dose.StateTaken && to != dose.StateSkipped {
		return nil, false, fmt.Errorf("%w: patients may only report taken or skipped, got %s", dose.ErrInvalidInput, to)
	}
	if key.PrescriptionID == "" || key.Date.IsZero() {
		return nil, false, fmt.Errorf("%w: prescription id and date are required", dose.ErrInvalidInput)
	}
	if key.Date.After(t.Today()) {
		return nil, false, fmt.Errorf("%w: %s is in the future", dose.ErrInvalidInput, key.Date)
	}

	p, err := t.Patient(ctx, patientID)
	if err != nil {
		return nil, false, err
	}
	prescriptions, err := t.rx.ActivePrescriptions(ctx, p.ID, key.Date)
	if err != nil {
		return nil, false, fmt.Errorf("load prescriptions: %w", err)
	}

	var occ *dose.Occurrence
	for _, o := range dose.Derive(prescriptions, key.Date, t.cfg.Location) {
		if o.Key == key {
			o := o
			occ = &o
			break
		}
	}
	if occ == nil {
		return nil, false, fmt.Errorf("%w: no dose %s scheduled for patient %s", dose.ErrNotFound, key, p.ID)
	}

	now := t.Now()
	stored, created, err := t.events.Ensure(ctx, dose.NewPendingEvent(*occ, t.cfg.GraceWindow, now))
	if err != nil {
		return nil, false, fmt.Errorf("ensure %s: %w", key, err)
	}
	if created {
		t.metrics.Materialized(1)
	}

	// Past its grace deadline the dose is missed, whether or not a sweep got
	// there first. The report is then a no-op on the missed record.
	if stored.Overdue(now) {
		missed, changed, err := t.events.Transition(ctx, key, dose.StateMissed, dose.ActorSystem, now)
		if err != nil {
			return nil, false, fmt.Errorf("mark %s missed: %w", key, err)
		}
		if changed {
			t.metrics.Transition(dose.StateMissed.String(), dose.ActorSystem.String())
			t.notify(missed, p.DoctorID, now)
		}
		return missed, false, nil
	}

	ev, changed, err := t.events.Transition(ctx, key, to, dose.ActorPatient, now)
	if err != nil {
		return nil, false, fmt.Errorf("transition %s: %w", key, err)
	}
	if changed {
		t.metrics.Transition(to.String(), dose.ActorPatient.String())
		t.notify(ev, p.DoctorID, now)
	}
	return ev, changed, nil
}

// History returns a patient's dose records dated within [from, to], oldest first.
func (t *Tracker) History(ctx context.Context, patientID string, from, to dose.Date) ([]*dose.DoseEvent, error) {
	if from.IsZero() || to.IsZero() {
		return nil, fmt.Errorf("%w: from and to are required", dose.ErrInvalidInput)
	}
	if to.Before(from) {
		return nil, fmt.Errorf("%w: range end %s before start %s", dose.ErrInvalidInput, to, from)
	}
	if _, err := t.Patient(ctx, patientID); err != nil {
		return nil, err
	}

	events, err := t.events.ListByRange(ctx, patientID, from, to)
	if err != nil {
		return nil, fmt.Errorf("list history: %w", err)
	}
	dose.SortEvents(events)
	return events, nil
}

// Stats aggregates a patient's adherence over [from, to]. An empty window yields
// zero counts.
func (t *Tracker) Stats(ctx context.Context, patientID string, from, to dose.Date) (dose.Stats, error) {
	events, err := t.History(ctx, patientID, from, to)
	if err != nil {
		return dose.Stats{}, err
	}
	stats := dose.Aggregate(events)
	stats.PatientID = patientID
	stats.From = from
	stats.To = to
	return stats, nil
}

func (t *Tracker) notify(ev *dose.DoseEvent, doctorID string, at time.Time) {
	e, err := notify.DoseChanged(ev, doctorID, at)
	if err != nil {
		t.logger.Error("build notification", zap.String("dose", ev.Key.String()), zap.Error(err))
		return
	}
	t.notifier.Post(e)
}
