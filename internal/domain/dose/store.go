package dose

import (
	"context"
	"time"
)

// EventStore persists dose events. Implementations enforce one record per
// OccurrenceKey and compare-and-set transitions out of StatePending.
type EventStore interface {
	// Ensure inserts ev if no record exists for ev.Key and returns the stored
	// record. created is true only for the caller whose insert won.
	Ensure(ctx context.Context, ev *DoseEvent) (stored *DoseEvent, created bool, err error)
	// Transition moves a pending record to a terminal state. When the record is
	// already terminal it is returned unchanged with changed=false. Returns
	// ErrNotFound when the occurrence was never ensured.
	Transition(ctx context.Context, key OccurrenceKey, to State, actor Actor, at time.Time) (ev *DoseEvent, changed bool, err error)
	// ListPending returns the patient's pending records whose grace deadline is
	// at or before notAfter.
	ListPending(ctx context.Context, patientID string, notAfter time.Time) ([]*DoseEvent, error)
	// ListByRange returns the patient's records dated within [from, to].
	ListByRange(ctx context.Context, patientID string, from, to Date) ([]*DoseEvent, error)
	// ListPendingOn returns pending records of every patient dated on day.
	ListPendingOn(ctx context.Context, day Date) ([]*DoseEvent, error)
	Ping(ctx context.Context) error
}

// AllPatients is the patient scope of a batch-wide reminder log entry.
const AllPatients = "*"

// ReminderKey identifies one reminder firing.
type ReminderKey struct {
	PatientID string
	Date      Date
	Bucket    string
}

// FireLog records reminder firings. Claim succeeds for exactly one caller per key.
type FireLog interface {
	Claim(ctx context.Context, key ReminderKey, at time.Time) (bool, error)
	// Purge deletes entries dated before cutoff.
	Purge(ctx context.Context, cutoff Date) (int64, error)
}

// Prescriptions is the read-only view of the prescription and patient records.
type Prescriptions interface {
	// Patient returns ErrNotFound for unknown patients.
	Patient(ctx context.Context, patientID string) (Patient, error)
	ActivePrescriptions(ctx context.Context, patientID string, day Date) ([]Prescription, error)
	// PatientsWithActivePrescriptions lists patients with at least one
	// prescription active on day.
	PatientsWithActivePrescriptions(ctx context.Context, day Date) ([]string, error)
}

// Clock returns the current instant.
type Clock func() time.Time
