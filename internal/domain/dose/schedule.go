package dose

import (
	"sort"
	"time"
)

// Derive expands prescriptions into the occurrences expected on date, ordered by
// time of day, then medication id, then prescription id. Prescriptions inactive on
// date are ignored and duplicate dose times collapse into one occurrence.
func Derive(prescriptions []Prescription, date Date, loc *time.Location) []Occurrence {
	if loc == nil {
		loc = time.UTC
	}

	var out []Occurrence
	for _, p := range prescriptions {
		if !p.ActiveOn(date) {
			continue
		}
		seen := make(map[TimeOfDay]struct{}, len(p.DoseTimes))
		for _, tod := range p.DoseTimes {
			if _, dup := seen[tod]; dup {
				continue
			}
			seen[tod] = struct{}{}
			out = append(out, Occurrence{
				Key: OccurrenceKey{
					PrescriptionID: p.ID,
					Date:           date,
					TimeOfDay:      tod,
				},
				PatientID:      p.PatientID,
				MedicationID:   p.MedicationID,
				MedicationName: p.MedicationName,
				Dosage:         p.Dosage,
				ScheduledAt:    date.At(tod, loc),
			})
		}
	}

	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Key.TimeOfDay != b.Key.TimeOfDay {
			return a.Key.TimeOfDay < b.Key.TimeOfDay
		}
		if a.MedicationID != b.MedicationID {
			return a.MedicationID < b.MedicationID
		}
		return a.Key.PrescriptionID < b.Key.PrescriptionID
	})
	return out
}

// SortEvents orders events chronologically by scheduled time, then key.
func SortEvents(events []*DoseEvent) {
	sort.SliceStable(events, func(i, j int) bool {
		a, b := events[i], events[j]
		if !a.ScheduledAt.Equal(b.ScheduledAt) {
			return a.ScheduledAt.Before(b.ScheduledAt)
		}
		if a.MedicationID != b.MedicationID {
			return a.MedicationID < b.MedicationID
		}
		return a.Key.PrescriptionID < b.Key.PrescriptionID
	})
}
