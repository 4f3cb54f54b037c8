package dose

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func pendingAt(at time.Time) *DoseEvent {
	return NewPendingEvent(Occurrence{
		Key:         OccurrenceKey{PrescriptionID: "rx-1", Date: DateOf(at), TimeOfDay: TimeOfDayOf(at)},
		PatientID:   "p-1",
		ScheduledAt: at,
	}, 2*time.Hour, at)
}

func TestMemoryStoreEnsureConcurrent(t *testing.T) {
	store := NewMemoryStore()
	ev := pendingAt(time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC))

	var created int64
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, ok, err := store.Ensure(context.Background(), ev)
			if err != nil {
				t.Error(err)
				return
			}
			if ok {
				atomic.AddInt64(&created, 1)
			}
		}()
	}
	wg.Wait()

	if created != 1 {
		t.Errorf("created = %d, want 1", created)
	}
	if store.Len() != 1 {
		t.Errorf("stored = %d, want 1", store.Len())
	}
}

func TestMemoryStoreTransitionSingleWinner(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	ev := pendingAt(time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC))
	if _, _, err := store.Ensure(ctx, ev); err != nil {
		t.Fatal(err)
	}

	var changed int64
	results := make([]*DoseEvent, 16)
	var wg sync.WaitGroup
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			got, ok, err := store.Transition(ctx, ev.Key, StateTaken, ActorPatient, ev.ScheduledAt.Add(time.Minute))
			if err != nil {
				t.Error(err)
				return
			}
			if ok {
				atomic.AddInt64(&changed, 1)
			}
			results[i] = got
		}(i)
	}
	wg.Wait()

	if changed != 1 {
		t.Fatalf("changed = %d, want 1", changed)
	}
	for _, r := range results {
		if r == nil || r.State != StateTaken {
			t.Fatalf("caller observed %+v", r)
		}
	}

	got, ok, err := store.Transition(ctx, ev.Key, StateMissed, ActorSystem, ev.GraceDeadline)
	if err != nil || ok || got.State != StateTaken {
		t.Errorf("transition after terminal = %v %v %v", got, ok, err)
	}
}

func TestMemoryStoreTransitionNotFound(t *testing.T) {
	store := NewMemoryStore()
	_, _, err := store.Transition(context.Background(), OccurrenceKey{PrescriptionID: "nope"}, StateTaken, ActorPatient, time.Now())
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestMemoryStoreListPendingBoundary(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	ev := pendingAt(time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC))
	store.Ensure(ctx, ev)

	got, _ := store.ListPending(ctx, "p-1", ev.GraceDeadline.Add(-time.Nanosecond))
	if len(got) != 0 {
		t.Errorf("listed %d before deadline", len(got))
	}
	got, _ = store.ListPending(ctx, "p-1", ev.GraceDeadline)
	if len(got) != 1 {
		t.Errorf("listed %d at deadline, want 1", len(got))
	}
}

func TestMemoryStoreUnavailable(t *testing.T) {
	store := NewMemoryStore()
	store.SetUnavailable(true)
	if err := store.Ping(context.Background()); !errors.Is(err, ErrStoreUnavailable) {
		t.Errorf("Ping = %v", err)
	}
}

func TestMemoryFireLogClaim(t *testing.T) {
	ctx := context.Background()
	log := NewMemoryFireLog()
	key := ReminderKey{PatientID: AllPatients, Date: Date{2024, time.May, 1}, Bucket: "morning"}

	var wins int64
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if ok, _ := log.Claim(ctx, key, time.Now()); ok {
				atomic.AddInt64(&wins, 1)
			}
		}()
	}
	wg.Wait()
	if wins != 1 {
		t.Errorf("wins = %d, want 1", wins)
	}

	n, _ := log.Purge(ctx, key.Date.AddDays(1))
	if n != 1 || len(log.Entries()) != 0 {
		t.Errorf("purged %d, remaining %d", n, len(log.Entries()))
	}
}

func TestMemoryPrescriptionsUpsertReplaces(t *testing.T) {
	ctx := context.Background()
	rx := NewMemoryPrescriptions()
	day := Date{2024, time.May, 1}
	base := Prescription{ID: "rx-1", PatientID: "p-1", DoctorID: "d-1", DoseTimes: []TimeOfDay{480}, StartDate: day, Active: true}

	if err := rx.Upsert(ctx, base); err != nil {
		t.Fatal(err)
	}
	base.DoctorID = "d-2"
	base.DoseTimes = []TimeOfDay{480, 1200}
	if err := rx.Upsert(ctx, base); err != nil {
		t.Fatal(err)
	}

	list, err := rx.ActivePrescriptions(ctx, "p-1", day)
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 || len(list[0].DoseTimes) != 2 {
		t.Fatalf("expected one replaced prescription, got %+v", list)
	}
	p, _ := rx.Patient(ctx, "p-1")
	if p.DoctorID != "d-2" {
		t.Errorf("doctor = %q, want d-2", p.DoctorID)
	}
}
