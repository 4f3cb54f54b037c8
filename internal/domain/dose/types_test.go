package dose

import (
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func TestParseTimeOfDay(t *testing.T) {
	tests := []struct {
		in      string
		want    TimeOfDay
		wantErr bool
	}{
		{"00:00", 0, false},
		{"08:05", 8*60 + 5, false},
		{"23:59", 23*60 + 59, false},
		{"24:00", 0, true},
		{"8:00", 0, true},
		{"08-00", 0, true},
		{"ab:cd", 0, true},
	}
	for _, tt := range tests {
		got, err := ParseTimeOfDay(tt.in)
		if tt.wantErr {
			if !errors.Is(err, ErrInvalidInput) {
				t.Errorf("ParseTimeOfDay(%q) error = %v, want ErrInvalidInput", tt.in, err)
			}
			continue
		}
		if err != nil {
			t.Fatalf("ParseTimeOfDay(%q): %v", tt.in, err)
		}
		if got != tt.want {
			t.Errorf("ParseTimeOfDay(%q) = %d, want %d", tt.in, got, tt.want)
		}
		if got.String() != tt.in {
			t.Errorf("String() = %q, want %q", got.String(), tt.in)
		}
	}
}

func TestDateArithmetic(t *testing.T) {
	d, err := ParseDate("2024-02-28")
	if err != nil {
		t.Fatal(err)
	}
	if got := d.AddDays(1).String(); got != "2024-02-29" {
		t.Errorf("AddDays(1) = %s", got)
	}
	if got := d.AddDays(2).String(); got != "2024-03-01" {
		t.Errorf("AddDays(2) = %s", got)
	}
	if !d.Before(d.AddDays(1)) || d.After(d.AddDays(1)) {
		t.Error("ordering broken")
	}
	if d.Compare(d) != 0 {
		t.Error("Compare with itself should be 0")
	}

	loc := time.FixedZone("clinic", 3*3600)
	at := d.At(TimeOfDay(8*60), loc)
	if at.Hour() != 8 || at.Location() != loc || DateOf(at) != d {
		t.Errorf("At() = %v", at)
	}

	if _, err := ParseDate("2024-13-01"); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("expected ErrInvalidInput, got %v", err)
	}
}

func TestStateJSON(t *testing.T) {
	b, err := json.Marshal(struct {
		S State `json:"s"`
		A Actor `json:"a"`
	}{StateSkipped, ActorPatient})
	if err != nil {
		t.Fatal(err)
	}
	if string(b) != `{"s":"skipped","a":"patient"}` {
		t.Errorf("got %s", b)
	}

	var s State
	if err := json.Unmarshal([]byte(`"done"`), &s); err == nil {
		t.Error("expected error for unknown state")
	}
	if _, err := json.Marshal(State(42)); err == nil {
		t.Error("expected error marshaling invalid state")
	}
}

func TestStateTerminal(t *testing.T) {
	if StatePending.Terminal() {
		t.Error("pending must not be terminal")
	}
	for _, s := range []State{StateTaken, StateMissed, StateSkipped} {
		if !s.Terminal() {
			t.Errorf("%s must be terminal", s)
		}
	}
}

func TestDoseEventApply(t *testing.T) {
	now := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)
	ev := NewPendingEvent(Occurrence{
		Key:         OccurrenceKey{PrescriptionID: "rx-1", Date: DateOf(now), TimeOfDay: TimeOfDayOf(now)},
		PatientID:   "p-1",
		ScheduledAt: now,
	}, 2*time.Hour, now)

	if ev.GraceDeadline != now.Add(2*time.Hour) {
		t.Fatalf("grace deadline = %v", ev.GraceDeadline)
	}
	if ev.Overdue(now.Add(2*time.Hour - time.Second)) {
		t.Error("should not be overdue before the deadline")
	}
	if !ev.Overdue(now.Add(2 * time.Hour)) {
		t.Error("should be overdue at the deadline")
	}

	if err := ev.Apply(StatePending, ActorPatient, now); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("Apply(pending) = %v", err)
	}

	taken := now.Add(5 * time.Minute)
	if err := ev.Apply(StateTaken, ActorPatient, taken); err != nil {
		t.Fatal(err)
	}
	if ev.ActionAt == nil || !ev.ActionAt.Equal(taken) {
		t.Errorf("ActionAt = %v", ev.ActionAt)
	}
	if err := ev.Apply(StateMissed, ActorSystem, now.Add(3*time.Hour)); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("second Apply = %v, want ErrInvalidTransition", err)
	}
	if ev.State != StateTaken {
		t.Errorf("state changed to %s", ev.State)
	}
}
