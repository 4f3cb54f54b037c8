package adherence

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/drfirst/go-adherence/internal/domain/dose"
	"github.com/drfirst/go-adherence/pkg/workerpool"
)

// SweepResult counts what a sweep changed.
type SweepResult struct {
	Patients     int `json:"patients"`
	Materialized int `json:"materialized"`
	Missed       int `json:"missed"`
}

func (r *SweepResult) add(o SweepResult) {
	r.Patients += o.Patients
	r.Materialized += o.Materialized
	r.Missed += o.Missed
}

// SweepPatient materializes today's doses of one patient and marks every pending
// dose whose grace deadline has passed as missed. Safe to run concurrently for the
// same patient: only the sweep whose transition wins notifies.
func (t *Tracker) SweepPatient(ctx context.Context, patientID string) (SweepResult, error) {
	start := time.Now()
	p, err := t.Patient(ctx, patientID)
	if err != nil {
		return SweepResult{}, err
	}
	res, err := t.sweep(ctx, p, []dose.Date{t.Today()})
	t.metrics.Sweep("patient", time.Since(start), err)
	return res, err
}

// SweepAll runs the sweep for every patient with an active prescription today or
// within the lookback window. Patient failures do not stop the pass; they are
// joined into the returned error.
func (t *Tracker) SweepAll(ctx context.Context) (SweepResult, error) {
	ctx, span := t.tracer.Start(ctx, "adherence.sweep_all")
	defer span.End()
	start := time.Now()

	res, err := t.sweepAll(ctx)

	span.SetAttributes(
		attribute.Int("sweep.patients", res.Patients),
		attribute.Int("sweep.materialized", res.Materialized),
		attribute.Int("sweep.missed", res.Missed),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	t.metrics.Sweep("all", time.Since(start), err)
	return res, err
}

func (t *Tracker) sweepAll(ctx context.Context) (SweepResult, error) {
	today := t.Today()
	days := make([]dose.Date, 0, t.cfg.LookbackDays+1)
	for i := t.cfg.LookbackDays; i >= 0; i-- {
		days = append(days, today.AddDays(-i))
	}

	patients := make(map[string]struct{})
	var order []string
	for _, day := range days {
		ids, err := t.rx.PatientsWithActivePrescriptions(ctx, day)
		if err != nil {
			return SweepResult{}, fmt.Errorf("list patients for %s: %w", day, err)
		}
		for _, id := range ids {
			if _, ok := patients[id]; !ok {
				patients[id] = struct{}{}
				order = append(order, id)
			}
		}
	}

	var (
		mu    sync.Mutex
		total SweepResult
	)
	tasks := make([]workerpool.Task, 0, len(order))
	for _, id := range order {
		id := id
		tasks = append(tasks, workerpool.Task{
			ID: id,
			Run: func(ctx context.Context) error {
				p, err := t.rx.Patient(ctx, id)
				if err != nil {
					return err
				}
				res, err := t.sweep(ctx, p, days)
				mu.Lock()
				total.add(res)
				mu.Unlock()
				return err
			},
		})
	}

	batch := workerpool.RunBatch(ctx, t.cfg.SweepWorkers, tasks)
	if batch.Failed > 0 {
		t.logger.Warn("broad sweep finished with failures",
			zap.Int("patients", len(order)),
			zap.Int("failed", batch.Failed))
		return total, errors.Join(batch.Errors...)
	}
	return total, nil
}

func (t *Tracker) sweep(ctx context.Context, p dose.Patient, days []dose.Date) (SweepResult, error) {
	res := SweepResult{Patients: 1}
	for _, day := range days {
		_, created, err := t.materialize(ctx, p, day)
		res.Materialized += created
		if err != nil {
			return res, err
		}
	}

	now := t.Now()
	pending, err := t.events.ListPending(ctx, p.ID, now)
	if err != nil {
		return res, fmt.Errorf("list pending for %s: %w", p.ID, err)
	}

	for _, ev := range pending {
		updated, changed, err := t.events.Transition(ctx, ev.Key, dose.StateMissed, dose.ActorSystem, now)
		if err != nil {
			if errors.Is(err, dose.ErrNotFound) {
				continue
			}
			return res, fmt.Errorf("mark %s missed: %w", ev.Key, err)
		}
		if !changed {
			continue
		}
		res.Missed++
		t.metrics.Transition(dose.StateMissed.String(), dose.ActorSystem.String())
		t.logger.Debug("dose missed",
			zap.String("patient_id", p.ID),
			zap.String("dose", ev.Key.String()),
			zap.Time("grace_deadline", ev.GraceDeadline))
		t.notify(updated, p.DoctorID, now)
	}
	return res, nil
}
