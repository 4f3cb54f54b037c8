package dose

import "math"

// Stats summarizes adherence over a date window.
type Stats struct {
	PatientID     string  `json:"patient_id"`
	From          Date    `json:"from"`
	To            Date    `json:"to"`
	Total         int     `json:"total"`
	Taken         int     `json:"taken"`
	Missed        int     `json:"missed"`
	Skipped       int     `json:"skipped"`
	Pending       int     `json:"pending"`
	AdherenceRate float64 `json:"adherence_rate"`
	CurrentStreak int     `json:"current_streak"`
}

// Aggregate computes adherence statistics from events in any order.
//
// Pending events are counted but excluded from the adherence rate. The streak
// walks from the most recent occurrence backwards, ignoring pending ones, and
// stops at the first missed or skipped dose.
func Aggregate(events []*DoseEvent) Stats {
	ordered := make([]*DoseEvent, len(events))
	copy(ordered, events)
	SortEvents(ordered)

	var s Stats
	for _, e := range ordered {
		s.Total++
		switch e.State {
		case StateTaken:
			s.Taken++
		case StateMissed:
			s.Missed++
		case StateSkipped:
			s.Skipped++
		case StatePending:
			s.Pending++
		}
	}

	if resolved := s.Taken + s.Missed + s.Skipped; resolved > 0 {
		rate := float64(s.Taken) / float64(resolved) * 100
		s.AdherenceRate = math.Round(rate*100) / 100
	}

	for i := len(ordered) - 1; i >= 0; i-- {
		st := ordered[i].State
		if st == StatePending {
			continue
		}
		if st != StateTaken {
			break
		}
		s.CurrentStreak++
	}
	return s
}
