package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/drfirst/go-adherence/internal/domain/dose"
	"github.com/drfirst/go-adherence/internal/infrastructure/redpanda"
)

// EventStore implements dose.EventStore. The primary key on (prescription_id,
// dose_date, time_of_day) is the only guard against duplicates, and transitions
// are a conditional UPDATE on state = 'pending'.
type EventStore struct {
	pool   *pgxpool.Pool
	loc    *time.Location
	tracer trace.Tracer
}

// NewEventStore creates a dose event store. Timestamps are returned in loc, UTC
// when nil.
func NewEventStore(pool *pgxpool.Pool, loc *time.Location) *EventStore {
	if loc == nil {
		loc = time.UTC
	}
	return &EventStore{pool: pool, loc: loc, tracer: otel.Tracer("adherence/postgres")}
}

var _ dose.EventStore = (*EventStore)(nil)

const eventColumns = `prescription_id, dose_date, time_of_day, patient_id, medication_id,
	medication_name, dosage, state, scheduled_at, grace_deadline, action_at, updated_at, modified_by`

func (s *EventStore) Ensure(ctx context.Context, ev *dose.DoseEvent) (*dose.DoseEvent, bool, error) {
	ctx, span := s.tracer.Start(ctx, "postgres.dose_events.ensure",
		trace.WithAttributes(attribute.String("dose.key", ev.Key.String())))
	defer span.End()

	query := `
		INSERT INTO dose_events (` + eventColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (prescription_id, dose_date, time_of_day) DO NOTHING
		RETURNING ` + eventColumns

	stored, err := scanEvent(s.loc, s.pool.QueryRow(ctx, query,
		ev.Key.PrescriptionID, dateValue(ev.Key.Date), int16(ev.Key.TimeOfDay),
		ev.PatientID, ev.MedicationID, ev.MedicationName, ev.Dosage,
		ev.State.String(), ev.ScheduledAt, ev.GraceDeadline, ev.ActionAt, ev.UpdatedAt,
		ev.ModifiedBy.String(),
	))
	if err == nil {
		span.SetAttributes(attribute.Bool("dose.created", true))
		return stored, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		span.RecordError(err)
		return nil, false, classify(err)
	}

	// Lost the insert: somebody else materialized it first.
	stored, err = s.get(ctx, s.pool, ev.Key)
	if err != nil {
		span.RecordError(err)
		return nil, false, err
	}
	return stored, false, nil
}

func (s *EventStore) Transition(ctx context.Context, key dose.OccurrenceKey, to dose.State, actor dose.Actor, at time.Time) (*dose.DoseEvent, bool, error) {
	ctx, span := s.tracer.Start(ctx, "postgres.dose_events.transition",
		trace.WithAttributes(
			attribute.String("dose.key", key.String()),
			attribute.String("dose.state", to.String()),
			attribute.String("dose.actor", actor.String()),
		))
	defer span.End()

	if !to.Terminal() {
		return nil, false, fmt.Errorf("%w: cannot transition to %s", dose.ErrInvalidInput, to)
	}

	var actionAt *time.Time
	if actor == dose.ActorPatient {
		actionAt = &at
	}

	var (
		result  *dose.DoseEvent
		changed bool
	)
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		updated, err := scanEvent(s.loc, tx.QueryRow(ctx, `
			UPDATE dose_events
			SET state = $4, modified_by = $5, updated_at = $6, action_at = COALESCE($7, action_at)
			WHERE prescription_id = $1 AND dose_date = $2 AND time_of_day = $3
			  AND state = 'pending'
			RETURNING `+eventColumns,
			key.PrescriptionID, dateValue(key.Date), int16(key.TimeOfDay),
			to.String(), actor.String(), at, actionAt,
		))
		if errors.Is(err, pgx.ErrNoRows) {
			// Already terminal or never ensured.
			result, err = s.get(ctx, tx, key)
			return err
		}
		if err != nil {
			return classify(err)
		}

		result, changed = updated, true
		payload, err := json.Marshal(updated)
		if err != nil {
			return fmt.Errorf("marshal dose event: %w", err)
		}
		return WriteEntry(ctx, tx, &OutboxEntry{
			AggregateID:   key.String(),
			AggregateType: "dose_event",
			EventType:     "dose." + to.String(),
			Payload:       payload,
			KafkaTopic:    redpanda.TopicDoseEvents,
			KafkaKey:      updated.PatientID,
		})
	})
	if err != nil {
		span.RecordError(err)
		return nil, false, classify(err)
	}
	span.SetAttributes(attribute.Bool("dose.changed", changed))
	return result, changed, nil
}

func (s *EventStore) ListPending(ctx context.Context, patientID string, notAfter time.Time) ([]*dose.DoseEvent, error) {
	return s.list(ctx, "postgres.dose_events.list_pending", `
		SELECT `+eventColumns+`
		FROM dose_events
		WHERE patient_id = $1 AND state = 'pending' AND grace_deadline <= $2
		ORDER BY scheduled_at, medication_id, prescription_id`,
		patientID, notAfter)
}

func (s *EventStore) ListByRange(ctx context.Context, patientID string, from, to dose.Date) ([]*dose.DoseEvent, error) {
	return s.list(ctx, "postgres.dose_events.list_range", `
		SELECT `+eventColumns+`
		FROM dose_events
		WHERE patient_id = $1 AND dose_date BETWEEN $2 AND $3
		ORDER BY scheduled_at, medication_id, prescription_id`,
		patientID, dateValue(from), dateValue(to))
}

func (s *EventStore) ListPendingOn(ctx context.Context, day dose.Date) ([]*dose.DoseEvent, error) {
	return s.list(ctx, "postgres.dose_events.list_pending_on", `
		SELECT `+eventColumns+`
		FROM dose_events
		WHERE dose_date = $1 AND state = 'pending'
		ORDER BY patient_id, scheduled_at`,
		dateValue(day))
}

func (s *EventStore) Ping(ctx context.Context) error {
	return classify(s.pool.Ping(ctx))
}

type queryRower interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func (s *EventStore) get(ctx context.Context, q queryRower, key dose.OccurrenceKey) (*dose.DoseEvent, error) {
	ev, err := scanEvent(s.loc, q.QueryRow(ctx, `
		SELECT `+eventColumns+`
		FROM dose_events
		WHERE prescription_id = $1 AND dose_date = $2 AND time_of_day = $3`,
		key.PrescriptionID, dateValue(key.Date), int16(key.TimeOfDay)))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: dose %s", dose.ErrNotFound, key)
		}
		return nil, classify(err)
	}
	return ev, nil
}

func (s *EventStore) list(ctx context.Context, spanName, query string, args ...any) ([]*dose.DoseEvent, error) {
	ctx, span := s.tracer.Start(ctx, spanName)
	defer span.End()

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		span.RecordError(err)
		return nil, classify(err)
	}
	defer rows.Close()

	var out []*dose.DoseEvent
	for rows.Next() {
		ev, err := scanEvent(s.loc, rows)
		if err != nil {
			return nil, fmt.Errorf("scan dose event: %w", err)
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		span.RecordError(err)
		return nil, classify(err)
	}
	span.SetAttributes(attribute.Int("rows", len(out)))
	return out, nil
}

func scanEvent(loc *time.Location, row pgx.Row) (*dose.DoseEvent, error) {
	var (
		ev         dose.DoseEvent
		day        time.Time
		tod        int16
		state      string
		modifiedBy string
	)
	err := row.Scan(
		&ev.Key.PrescriptionID, &day, &tod, &ev.PatientID, &ev.MedicationID,
		&ev.MedicationName, &ev.Dosage, &state, &ev.ScheduledAt, &ev.GraceDeadline,
		&ev.ActionAt, &ev.UpdatedAt, &modifiedBy,
	)
	if err != nil {
		return nil, err
	}
	ev.Key.Date = dateFrom(day)
	ev.Key.TimeOfDay = dose.TimeOfDay(tod)
	ev.ScheduledAt = ev.ScheduledAt.In(loc)
	ev.GraceDeadline = ev.GraceDeadline.In(loc)
	ev.UpdatedAt = ev.UpdatedAt.In(loc)
	if ev.ActionAt != nil {
		ts := ev.ActionAt.In(loc)
		ev.ActionAt = &ts
	}
	if ev.State, err = dose.ParseState(state); err != nil {
		return nil, err
	}
	if ev.ModifiedBy, err = dose.ParseActor(modifiedBy); err != nil {
		return nil, err
	}
	return &ev, nil
}
