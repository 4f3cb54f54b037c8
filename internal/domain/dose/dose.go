package dose

import (
	"fmt"
	"time"
)

// Patient is the subset of the patient record the engine needs.
type Patient struct {
	ID       string
	DoctorID string
}

// Prescription is an active medication order, read-only to this package.
type Prescription struct {
	ID             string
	PatientID      string
	DoctorID       string
	MedicationID   string
	MedicationName string
	Dosage         string
	DoseTimes      []TimeOfDay
	StartDate      Date
	// EndDate is inclusive; zero means open-ended.
	EndDate Date
	Active  bool
}

// ActiveOn reports whether the prescription produces doses on d.
func (p Prescription) ActiveOn(d Date) bool {
	if !p.Active {
		return false
	}
	if !p.StartDate.IsZero() && d.Before(p.StartDate) {
		return false
	}
	if !p.EndDate.IsZero() && d.After(p.EndDate) {
		return false
	}
	return true
}

// OccurrenceKey is the identity of one expected dose.
type OccurrenceKey struct {
	PrescriptionID string    `json:"prescription_id"`
	Date           Date      `json:"date"`
	TimeOfDay      TimeOfDay `json:"time"`
}

func (k OccurrenceKey) String() string {
	return fmt.Sprintf("%s|%s|%s", k.PrescriptionID, k.Date, k.TimeOfDay)
}

// Occurrence is one expected dose derived from a prescription schedule.
type Occurrence struct {
	Key            OccurrenceKey
	PatientID      string
	MedicationID   string
	MedicationName string
	Dosage         string
	ScheduledAt    time.Time
}

// DoseEvent is the durable record of an occurrence.
type DoseEvent struct {
	Key            OccurrenceKey `json:"key"`
	PatientID      string        `json:"patient_id"`
	MedicationID   string        `json:"medication_id"`
	MedicationName string        `json:"medication_name"`
	Dosage         string        `json:"dosage,omitempty"`
	State          State         `json:"state"`
	ScheduledAt    time.Time     `json:"scheduled_at"`
	GraceDeadline  time.Time     `json:"grace_deadline"`
	ActionAt       *time.Time    `json:"action_at,omitempty"`
	UpdatedAt      time.Time     `json:"updated_at"`
	ModifiedBy     Actor         `json:"modified_by"`
}

// NewPendingEvent materializes occ as a pending dose event.
func NewPendingEvent(occ Occurrence, grace time.Duration, now time.Time) *DoseEvent {
	return &DoseEvent{
		Key:            occ.Key,
		PatientID:      occ.PatientID,
		MedicationID:   occ.MedicationID,
		MedicationName: occ.MedicationName,
		Dosage:         occ.Dosage,
		State:          StatePending,
		ScheduledAt:    occ.ScheduledAt,
		GraceDeadline:  occ.ScheduledAt.Add(grace),
		UpdatedAt:      now,
		ModifiedBy:     ActorSystem,
	}
}

// Overdue reports whether a pending event's grace window has elapsed at now.
// The deadline itself counts as elapsed.
func (e *DoseEvent) Overdue(now time.Time) bool {
	return e.State == StatePending && !now.Before(e.GraceDeadline)
}

// Apply moves a pending event to the terminal state to. Patient actions record
// the action timestamp; system sweeps only touch UpdatedAt.
func (e *DoseEvent) Apply(to State, actor Actor, at time.Time) error {
	if !to.Terminal() {
		return fmt.Errorf("%w: cannot transition to %s", ErrInvalidInput, to)
	}
	if e.State != StatePending {
		return ErrInvalidTransition
	}
	e.State = to
	e.ModifiedBy = actor
	e.UpdatedAt = at
	if actor == ActorPatient {
		ts := at
		e.ActionAt = &ts
	}
	return nil
}

// Clone returns a deep copy of e.
func (e *DoseEvent) Clone() *DoseEvent {
	c := *e
	if e.ActionAt != nil {
		ts := *e.ActionAt
		c.ActionAt = &ts
	}
	return &c
}
