package dose

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-process EventStore for development and tests.
type MemoryStore struct {
	mu          sync.Mutex
	events      map[OccurrenceKey]*DoseEvent
	unavailable bool
}

// NewMemoryStore creates an empty in-memory event store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{events: make(map[OccurrenceKey]*DoseEvent)}
}

// SetUnavailable makes every call fail with ErrStoreUnavailable.
func (m *MemoryStore) SetUnavailable(down bool) {
	m.mu.Lock()
	m.unavailable = down
	m.mu.Unlock()
}

func (m *MemoryStore) check() error {
	if m.unavailable {
		return fmt.Errorf("%w: memory store offline", ErrStoreUnavailable)
	}
	return nil
}

func (m *MemoryStore) Ensure(_ context.Context, ev *DoseEvent) (*DoseEvent, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return nil, false, err
	}
	if existing, ok := m.events[ev.Key]; ok {
		return existing.Clone(), false, nil
	}
	stored := ev.Clone()
	m.events[ev.Key] = stored
	return stored.Clone(), true, nil
}

func (m *MemoryStore) Transition(_ context.Context, key OccurrenceKey, to State, actor Actor, at time.Time) (*DoseEvent, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return nil, false, err
	}
	ev, ok := m.events[key]
	if !ok {
		return nil, false, fmt.Errorf("%w: occurrence %s", ErrNotFound, key)
	}
	if err := ev.Apply(to, actor, at); err != nil {
		if errors.Is(err, ErrInvalidTransition) {
			return ev.Clone(), false, nil
		}
		return nil, false, err
	}
	return ev.Clone(), true, nil
}

func (m *MemoryStore) ListPending(_ context.Context, patientID string, notAfter time.Time) ([]*DoseEvent, error) {
	return m.collect(func(e *DoseEvent) bool {
		return e.PatientID == patientID && e.Overdue(notAfter)
	})
}

func (m *MemoryStore) ListByRange(_ context.Context, patientID string, from, to Date) ([]*DoseEvent, error) {
	return m.collect(func(e *DoseEvent) bool {
		return e.PatientID == patientID && !e.Key.Date.Before(from) && !e.Key.Date.After(to)
	})
}

func (m *MemoryStore) ListPendingOn(_ context.Context, day Date) ([]*DoseEvent, error) {
	return m.collect(func(e *DoseEvent) bool {
		return e.State == StatePending && e.Key.Date == day
	})
}

func (m *MemoryStore) Ping(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.check()
}

// Len returns the number of stored events.
func (m *MemoryStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.events)
}

func (m *MemoryStore) collect(match func(*DoseEvent) bool) ([]*DoseEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return nil, err
	}
	var out []*DoseEvent
	for _, e := range m.events {
		if match(e) {
			out = append(out, e.Clone())
		}
	}
	SortEvents(out)
	return out, nil
}

// MemoryFireLog is an in-process FireLog.
type MemoryFireLog struct {
	mu      sync.Mutex
	entries map[ReminderKey]time.Time
}

// NewMemoryFireLog creates an empty in-memory fire log.
func NewMemoryFireLog() *MemoryFireLog {
	return &MemoryFireLog{entries: make(map[ReminderKey]time.Time)}
}

func (l *MemoryFireLog) Claim(_ context.Context, key ReminderKey, at time.Time) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.entries[key]; ok {
		return false, nil
	}
	l.entries[key] = at
	return true, nil
}

func (l *MemoryFireLog) Purge(_ context.Context, cutoff Date) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var n int64
	for k := range l.entries {
		if k.Date.Before(cutoff) {
			delete(l.entries, k)
			n++
		}
	}
	return n, nil
}

// Entries returns a snapshot of the logged keys.
func (l *MemoryFireLog) Entries() []ReminderKey {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]ReminderKey, 0, len(l.entries))
	for k := range l.entries {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Bucket != out[j].Bucket {
			return out[i].Bucket < out[j].Bucket
		}
		return out[i].PatientID < out[j].PatientID
	})
	return out
}

// MemoryPrescriptions is an in-process Prescriptions source.
type MemoryPrescriptions struct {
	mu            sync.RWMutex
	patients      map[string]Patient
	prescriptions map[string][]Prescription
}

// NewMemoryPrescriptions creates an empty prescription source.
func NewMemoryPrescriptions() *MemoryPrescriptions {
	return &MemoryPrescriptions{
		patients:      make(map[string]Patient),
		prescriptions: make(map[string][]Prescription),
	}
}

// AddPatient registers a patient and its assigned doctor.
func (m *MemoryPrescriptions) AddPatient(p Patient) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.patients[p.ID] = p
}

// AddPrescription registers a prescription, creating its patient when unknown.
func (m *MemoryPrescriptions) AddPrescription(p Prescription) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.patients[p.PatientID]; !ok {
		m.patients[p.PatientID] = Patient{ID: p.PatientID, DoctorID: p.DoctorID}
	}
	m.prescriptions[p.PatientID] = append(m.prescriptions[p.PatientID], p)
}

// Upsert registers rx, replacing any prescription with the same ID, and sets
// the patient's assigned doctor.
func (m *MemoryPrescriptions) Upsert(_ context.Context, rx Prescription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.patients[rx.PatientID] = Patient{ID: rx.PatientID, DoctorID: rx.DoctorID}
	list := m.prescriptions[rx.PatientID]
	for i := range list {
		if list[i].ID == rx.ID {
			list[i] = rx
			return nil
		}
	}
	m.prescriptions[rx.PatientID] = append(list, rx)
	return nil
}

func (m *MemoryPrescriptions) Patient(_ context.Context, patientID string) (Patient, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.patients[patientID]
	if !ok {
		return Patient{}, fmt.Errorf("%w: patient %s", ErrNotFound, patientID)
	}
	return p, nil
}

func (m *MemoryPrescriptions) ActivePrescriptions(_ context.Context, patientID string, day Date) ([]Prescription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if _, ok := m.patients[patientID]; !ok {
		return nil, fmt.Errorf("%w: patient %s", ErrNotFound, patientID)
	}
	var out []Prescription
	for _, p := range m.prescriptions[patientID] {
		if p.ActiveOn(day) {
			out = append(out, p)
		}
	}
	return out, nil
}

func (m *MemoryPrescriptions) PatientsWithActivePrescriptions(_ context.Context, day Date) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []string
	for id, list := range m.prescriptions {
		for _, p := range list {
			if p.ActiveOn(day) {
				out = append(out, id)
				break
			}
		}
	}
	sort.Strings(out)
	return out, nil
}
