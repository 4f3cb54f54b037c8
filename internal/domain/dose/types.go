// Package dose implements the medication adherence domain: dose occurrences,
// their lifecycle state, schedule derivation and adherence aggregation.
package dose

import (
	"fmt"
	"time"
)

// State is the lifecycle state of a dose occurrence.
type State uint8

const (
	StatePending State = iota + 1
	StateTaken
	StateMissed
	StateSkipped
)

var stateNames = map[State]string{
	StatePending: "pending",
	StateTaken:   "taken",
	StateMissed:  "missed",
	StateSkipped: "skipped",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("State(%d)", uint8(s))
}

// Valid reports whether s is one of the declared states.
func (s State) Valid() bool {
	_, ok := stateNames[s]
	return ok
}

// Terminal reports whether no further transition is allowed out of s.
func (s State) Terminal() bool {
	switch s {
	case StateTaken, StateMissed, StateSkipped:
		return true
	}
	return false
}

// ParseState parses the wire name of a state.
func ParseState(v string) (State, error) {
	for s, name := range stateNames {
		if name == v {
			return s, nil
		}
	}
	return 0, fmt.Errorf("%w: unknown dose state %q", ErrInvalidInput, v)
}

func (s State) MarshalText() ([]byte, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("%w: invalid dose state %d", ErrInvalidInput, uint8(s))
	}
	return []byte(s.String()), nil
}

func (s *State) UnmarshalText(b []byte) error {
	parsed, err := ParseState(string(b))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// Actor identifies who caused the last modification of a dose event.
type Actor uint8

const (
	ActorSystem Actor = iota + 1
	ActorPatient
)

func (a Actor) String() string {
	switch a {
	case ActorSystem:
		return "system"
	case ActorPatient:
		return "patient"
	}
	return fmt.Sprintf("Actor(%d)", uint8(a))
}

// ParseActor parses the wire name of an actor.
func ParseActor(v string) (Actor, error) {
	switch v {
	case "system":
		return ActorSystem, nil
	case "patient":
		return ActorPatient, nil
	}
	return 0, fmt.Errorf("%w: unknown actor %q", ErrInvalidInput, v)
}

func (a Actor) MarshalText() ([]byte, error) {
	if a != ActorSystem && a != ActorPatient {
		return nil, fmt.Errorf("%w: invalid actor %d", ErrInvalidInput, uint8(a))
	}
	return []byte(a.String()), nil
}

func (a *Actor) UnmarshalText(b []byte) error {
	parsed, err := ParseActor(string(b))
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

// Date is a calendar date without a time zone.
type Date struct {
	Year  int
	Month time.Month
	Day   int
}

const dateLayout = "2006-01-02"

// DateOf returns the calendar date of t in t's location.
func DateOf(t time.Time) Date {
	y, m, d := t.Date()
	return Date{Year: y, Month: m, Day: d}
}

// ParseDate parses a YYYY-MM-DD date.
func ParseDate(v string) (Date, error) {
	t, err := time.Parse(dateLayout, v)
	if err != nil {
		return Date{}, fmt.Errorf("%w: invalid date %q", ErrInvalidInput, v)
	}
	return DateOf(t), nil
}

func (d Date) String() string {
	return fmt.Sprintf("%04d-%02d-%02d", d.Year, int(d.Month), d.Day)
}

func (d Date) IsZero() bool { return d == Date{} }

// At returns the instant at which time of day tod occurs on d in loc.
func (d Date) At(tod TimeOfDay, loc *time.Location) time.Time {
	return time.Date(d.Year, d.Month, d.Day, tod.Hour(), tod.Minute(), 0, 0, loc)
}

// AddDays returns d shifted by n calendar days.
func (d Date) AddDays(n int) Date {
	return DateOf(time.Date(d.Year, d.Month, d.Day+n, 12, 0, 0, 0, time.UTC))
}

// Compare returns -1, 0 or +1 depending on whether d is before, equal to or after o.
func (d Date) Compare(o Date) int {
	switch {
	case d.Year != o.Year:
		return cmpInt(d.Year, o.Year)
	case d.Month != o.Month:
		return cmpInt(int(d.Month), int(o.Month))
	default:
		return cmpInt(d.Day, o.Day)
	}
}

func (d Date) Before(o Date) bool { return d.Compare(o) < 0 }
func (d Date) After(o Date) bool  { return d.Compare(o) > 0 }

func (d Date) MarshalText() ([]byte, error) { return []byte(d.String()), nil }

func (d *Date) UnmarshalText(b []byte) error {
	parsed, err := ParseDate(string(b))
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// TimeOfDay is a wall-clock time expressed in minutes after midnight.
type TimeOfDay uint16

// MinutesPerDay bounds TimeOfDay values.
const MinutesPerDay = 24 * 60

// NewTimeOfDay builds a TimeOfDay from hour and minute.
func NewTimeOfDay(hour, minute int) (TimeOfDay, error) {
	if hour < 0 || hour > 23 || minute < 0 || minute > 59 {
		return 0, fmt.Errorf("%w: time of day %02d:%02d out of range", ErrInvalidInput, hour, minute)
	}
	return TimeOfDay(hour*60 + minute), nil
}

// ParseTimeOfDay parses an HH:MM wall-clock time.
func ParseTimeOfDay(v string) (TimeOfDay, error) {
	if len(v) != 5 || v[2] != ':' || !isDigits(v[:2]) || !isDigits(v[3:]) {
		return 0, fmt.Errorf("%w: invalid time of day %q", ErrInvalidInput, v)
	}
	h := int(v[0]-'0')*10 + int(v[1]-'0')
	m := int(v[3]-'0')*10 + int(v[4]-'0')
	return NewTimeOfDay(h, m)
}

// TimeOfDayOf returns the wall-clock time of t, truncated to the minute.
func TimeOfDayOf(t time.Time) TimeOfDay {
	return TimeOfDay(t.Hour()*60 + t.Minute())
}

func (t TimeOfDay) Hour() int   { return int(t) / 60 }
func (t TimeOfDay) Minute() int { return int(t) % 60 }

func (t TimeOfDay) String() string {
	return fmt.Sprintf("%02d:%02d", t.Hour(), t.Minute())
}

func (t TimeOfDay) MarshalText() ([]byte, error) { return []byte(t.String()), nil }

func (t *TimeOfDay) UnmarshalText(b []byte) error {
	parsed, err := ParseTimeOfDay(string(b))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

func cmpInt(a, b int) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

func isDigits(v string) bool {
	for i := 0; i < len(v); i++ {
		if v[i] < '0' || v[i] > '9' {
			return false
		}
	}
	return true
}
