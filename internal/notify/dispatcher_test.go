package notify

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/drfirst/go-adherence/internal/domain/dose"
)

func missedEvent() *dose.DoseEvent {
	return &dose.DoseEvent{
		Key:       dose.OccurrenceKey{PrescriptionID: "rx-1", Date: dose.Date{Year: 2026, Month: time.March, Day: 2}, TimeOfDay: 8 * 60},
		PatientID: "pat-1",
		State:     dose.StateMissed,
	}
}

func TestDoseChangedTopics(t *testing.T) {
	ev, err := DoseChanged(missedEvent(), "doc-1", time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if ev.Kind != KindDoseMissed {
		t.Errorf("kind = %s", ev.Kind)
	}
	topics := ev.Topics()
	if len(topics) != 2 || topics[0] != "patient/pat-1" || topics[1] != "doctor/doc-1" {
		t.Errorf("topics = %v", topics)
	}

	taken := missedEvent()
	taken.State = dose.StateTaken
	ev, _ = DoseChanged(taken, "doc-1", time.Now())
	if got := ev.Topics(); len(got) != 1 {
		t.Errorf("taken topics = %v, want patient only", got)
	}

	pending := missedEvent()
	pending.State = dose.StatePending
	if _, err := DoseChanged(pending, "", time.Now()); !errors.Is(err, dose.ErrInvalidInput) {
		t.Errorf("pending: err = %v", err)
	}
}

func TestDispatcherDelivers(t *testing.T) {
	var mu sync.Mutex
	var got []Event
	done := make(chan struct{}, 1)
	sink := SinkFunc(func(_ context.Context, e Event) error {
		mu.Lock()
		got = append(got, e)
		mu.Unlock()
		done <- struct{}{}
		return nil
	})

	d := NewDispatcher(DispatcherConfig{Workers: 1, QueueSize: 4, Origin: "api-1"}, sink, nil, nil)
	d.Start()
	defer d.Stop()

	d.Post(Event{Kind: KindReminder, PatientID: "pat-1"})
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}

	mu.Lock()
	defer mu.Unlock()
	if got[0].ID == "" || got[0].Origin != "api-1" || got[0].Timestamp.IsZero() {
		t.Errorf("event not stamped: %+v", got[0])
	}
}

func TestDispatcherPostDoesNotBlockOnSlowSink(t *testing.T) {
	release := make(chan struct{})
	sink := SinkFunc(func(ctx context.Context, e Event) error {
		select {
		case <-release:
		case <-ctx.Done():
		}
		return nil
	})

	d := NewDispatcher(DispatcherConfig{Workers: 1, QueueSize: 1}, sink, nil, nil)
	d.Start()

	start := time.Now()
	for i := 0; i < 10; i++ {
		d.Post(Event{Kind: KindReminder, PatientID: "pat-1"})
	}
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Errorf("Post blocked for %v", elapsed)
	}
	if s := d.Stats(); s.TasksRejected == 0 {
		t.Errorf("expected drops, stats = %+v", s)
	}
	close(release)
	d.Stop()
}

func TestSinksJoinErrors(t *testing.T) {
	boom := errors.New("boom")
	calls := 0
	s := Sinks{
		SinkFunc(func(context.Context, Event) error { calls++; return boom }),
		SinkFunc(func(context.Context, Event) error { calls++; return nil }),
	}
	if err := s.Deliver(context.Background(), Event{}); !errors.Is(err, boom) {
		t.Errorf("err = %v", err)
	}
	if calls != 2 {
		t.Errorf("calls = %d, a failing sink must not stop the others", calls)
	}
}

func TestDispatcherCheckReportsBackedUpQueue(t *testing.T) {
	// Not started, so posted events stay queued.
	d := NewDispatcher(DispatcherConfig{Workers: 1, QueueSize: 2},
		SinkFunc(func(context.Context, Event) error { return nil }), nil, nil)
	if err := d.Check(context.Background()); err != nil {
		t.Fatalf("empty queue reported unhealthy: %v", err)
	}
	d.Post(Event{Kind: KindReminder, PatientID: "pat-1"})
	d.Post(Event{Kind: KindReminder, PatientID: "pat-2"})
	if err := d.Check(context.Background()); err == nil {
		t.Error("full queue reported healthy")
	}
	d.Start()
	d.Stop()
}
