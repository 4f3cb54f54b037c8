package dose

import (
	"reflect"
	"testing"
	"time"
)

func tod(t *testing.T, v string) TimeOfDay {
	t.Helper()
	out, err := ParseTimeOfDay(v)
	if err != nil {
		t.Fatal(err)
	}
	return out
}

func TestDeriveOrdering(t *testing.T) {
	day := Date{2024, time.May, 1}
	rx := []Prescription{
		{ID: "rx-b", PatientID: "p-1", MedicationID: "med-b", DoseTimes: []TimeOfDay{tod(t, "20:00"), tod(t, "08:00")}, Active: true},
		{ID: "rx-a", PatientID: "p-1", MedicationID: "med-a", DoseTimes: []TimeOfDay{tod(t, "08:00"), tod(t, "08:00")}, Active: true},
		{ID: "rx-c", PatientID: "p-1", MedicationID: "med-c", DoseTimes: []TimeOfDay{tod(t, "12:00")}, Active: false},
	}

	got := Derive(rx, day, time.UTC)

	var keys []string
	for _, o := range got {
		keys = append(keys, o.Key.String())
	}
	want := []string{
		"rx-a|2024-05-01|08:00",
		"rx-b|2024-05-01|08:00",
		"rx-b|2024-05-01|20:00",
	}
	if !reflect.DeepEqual(keys, want) {
		t.Fatalf("Derive keys = %v, want %v", keys, want)
	}
	if got[2].ScheduledAt != time.Date(2024, 5, 1, 20, 0, 0, 0, time.UTC) {
		t.Errorf("ScheduledAt = %v", got[2].ScheduledAt)
	}
}

func TestDeriveDeterministic(t *testing.T) {
	day := Date{2024, time.May, 1}
	rx := []Prescription{
		{ID: "rx-2", MedicationID: "m", DoseTimes: []TimeOfDay{tod(t, "09:00")}, Active: true},
		{ID: "rx-1", MedicationID: "m", DoseTimes: []TimeOfDay{tod(t, "09:00")}, Active: true},
	}
	first := Derive(rx, day, time.UTC)
	rx[0], rx[1] = rx[1], rx[0]
	second := Derive(rx, day, time.UTC)
	if !reflect.DeepEqual(first, second) {
		t.Fatalf("derivation depends on input order:\n%v\n%v", first, second)
	}
}

func TestDeriveRespectsDateRange(t *testing.T) {
	start := Date{2024, time.May, 2}
	end := Date{2024, time.May, 4}
	rx := []Prescription{{
		ID: "rx-1", DoseTimes: []TimeOfDay{tod(t, "08:00")},
		StartDate: start, EndDate: end, Active: true,
	}}

	tests := []struct {
		day  Date
		want int
	}{
		{start.AddDays(-1), 0},
		{start, 1},
		{end, 1},
		{end.AddDays(1), 0},
	}
	for _, tt := range tests {
		if got := len(Derive(rx, tt.day, time.UTC)); got != tt.want {
			t.Errorf("Derive on %s = %d occurrences, want %d", tt.day, got, tt.want)
		}
	}
}

func TestBucketsParseAndLookup(t *testing.T) {
	bs, err := ParseBuckets("evening=18:00-21:00, morning=07:00-10:00,afternoon=12:00-14:00")
	if err != nil {
		t.Fatal(err)
	}
	if got := bs.Names(); !reflect.DeepEqual(got, []string{"morning", "afternoon", "evening"}) {
		t.Fatalf("names = %v", got)
	}

	if b, ok := bs.Active(tod(t, "07:00")); !ok || b.Name != "morning" {
		t.Errorf("Active(07:00) = %v %v", b, ok)
	}
	if _, ok := bs.Active(tod(t, "10:00")); ok {
		t.Error("window end must be exclusive")
	}

	membership := map[string]string{
		"05:00": "morning",
		"09:30": "morning",
		"11:00": "morning",
		"12:00": "afternoon",
		"16:00": "afternoon",
		"22:00": "evening",
	}
	for at, want := range membership {
		if got := bs.For(tod(t, at)).Name; got != want {
			t.Errorf("For(%s) = %s, want %s", at, got, want)
		}
	}

	for _, bad := range []string{"", "morning", "a=10:00-09:00", "a=07:00-10:00,b=09:00-11:00", "a=07:00-08:00,a=09:00-10:00"} {
		if _, err := ParseBuckets(bad); err == nil {
			t.Errorf("ParseBuckets(%q) should fail", bad)
		}
	}
}
