// Package notify fans dose state changes and reminder batches out to interested
// parties. Posting never blocks: events are queued and delivered by background
// workers, and delivery failures are only logged.
package notify

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/drfirst/go-adherence/internal/domain/dose"
)

// Kind identifies what an event reports.
type Kind string

const (
	KindDoseTaken   Kind = "dose.taken"
	KindDoseSkipped Kind = "dose.skipped"
	KindDoseMissed  Kind = "dose.missed"
	KindReminder    Kind = "reminder"
)

// Reminder is the payload of a reminder batch for one patient.
type Reminder struct {
	Bucket string            `json:"bucket"`
	Date   dose.Date         `json:"date"`
	Doses  []*dose.DoseEvent `json:"doses"`
}

// Event is one notification.
type Event struct {
	ID        string          `json:"id"`
	Kind      Kind            `json:"kind"`
	PatientID string          `json:"patient_id"`
	DoctorID  string          `json:"doctor_id,omitempty"`
	Origin    string          `json:"origin,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Dose      *dose.DoseEvent `json:"dose,omitempty"`
	Reminder  *Reminder       `json:"reminder,omitempty"`
}

// DoseChanged builds the event for a dose that just left pending.
func DoseChanged(ev *dose.DoseEvent, doctorID string, at time.Time) (Event, error) {
	var kind Kind
	switch ev.State {
	case dose.StateTaken:
		kind = KindDoseTaken
	case dose.StateSkipped:
		kind = KindDoseSkipped
	case dose.StateMissed:
		kind = KindDoseMissed
	default:
		return Event{}, fmt.Errorf("%w: no notification for state %s", dose.ErrInvalidInput, ev.State)
	}
	return Event{
		ID:        uuid.NewString(),
		Kind:      kind,
		PatientID: ev.PatientID,
		DoctorID:  doctorID,
		Timestamp: at,
		Dose:      ev.Clone(),
	}, nil
}

// ReminderFor builds a reminder event for one patient's pending doses.
func ReminderFor(patientID, bucket string, day dose.Date, doses []*dose.DoseEvent, at time.Time) Event {
	return Event{
		ID:        uuid.NewString(),
		Kind:      KindReminder,
		PatientID: patientID,
		Timestamp: at,
		Reminder:  &Reminder{Bucket: bucket, Date: day, Doses: doses},
	}
}

// PatientTopic is the subscription topic of a patient's own connections.
func PatientTopic(patientID string) string { return "patient/" + patientID }

// DoctorTopic is the subscription topic of a doctor's connections.
func DoctorTopic(doctorID string) string { return "doctor/" + doctorID }

// Topics returns the topics e is pushed to. The assigned doctor only hears about
// missed doses.
func (e Event) Topics() []string {
	topics := []string{PatientTopic(e.PatientID)}
	if e.Kind == KindDoseMissed && e.DoctorID != "" {
		topics = append(topics, DoctorTopic(e.DoctorID))
	}
	return topics
}

// Sink delivers an event to one transport.
type Sink interface {
	Deliver(ctx context.Context, e Event) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, e Event) error

func (f SinkFunc) Deliver(ctx context.Context, e Event) error { return f(ctx, e) }

// Sinks delivers to every sink and joins their errors.
type Sinks []Sink

func (s Sinks) Deliver(ctx context.Context, e Event) error {
	var errs []error
	for _, sink := range s {
		if err := sink.Deliver(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Notifier accepts events for asynchronous delivery.
type Notifier interface {
	Post(e Event)
}

// Discard drops every event.
type Discard struct{}

func (Discard) Post(Event) {}
