package dose

import (
	"fmt"
	"sort"
	"strings"
)

// Bucket is a named time-of-day window used to batch reminders. The window is
// half-open: [Start, End).
type Bucket struct {
	Name  string    `json:"name"`
	Start TimeOfDay `json:"start"`
	End   TimeOfDay `json:"end"`
}

// Contains reports whether tod falls inside the bucket window.
func (b Bucket) Contains(tod TimeOfDay) bool {
	return tod >= b.Start && tod < b.End
}

func (b Bucket) String() string {
	return fmt.Sprintf("%s=%s-%s", b.Name, b.Start, b.End)
}

// Buckets is a set of non-overlapping windows ordered by start time.
type Buckets []Bucket

// DefaultBucketSpec is the stock morning/afternoon/evening policy.
const DefaultBucketSpec = "morning=07:00-10:00,afternoon=12:00-14:00,evening=18:00-21:00"

// ParseBuckets parses "name=HH:MM-HH:MM,..." into an ordered bucket set.
func ParseBuckets(spec string) (Buckets, error) {
	var out Buckets
	names := make(map[string]struct{})
	for _, part := range strings.Split(spec, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		name, window, ok := strings.Cut(part, "=")
		if !ok {
			return nil, fmt.Errorf("%w: bucket %q missing '='", ErrInvalidInput, part)
		}
		from, to, ok := strings.Cut(window, "-")
		if !ok {
			return nil, fmt.Errorf("%w: bucket %q missing '-'", ErrInvalidInput, part)
		}
		start, err := ParseTimeOfDay(strings.TrimSpace(from))
		if err != nil {
			return nil, err
		}
		end, err := ParseTimeOfDay(strings.TrimSpace(to))
		if err != nil {
			return nil, err
		}
		name = strings.TrimSpace(name)
		if name == "" || end <= start {
			return nil, fmt.Errorf("%w: bucket %q has an empty name or window", ErrInvalidInput, part)
		}
		if _, dup := names[name]; dup {
			return nil, fmt.Errorf("%w: duplicate bucket %q", ErrInvalidInput, name)
		}
		names[name] = struct{}{}
		out = append(out, Bucket{Name: name, Start: start, End: end})
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: no reminder buckets configured", ErrInvalidInput)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Start < out[j].Start })
	for i := 1; i < len(out); i++ {
		if out[i].Start < out[i-1].End {
			return nil, fmt.Errorf("%w: buckets %s and %s overlap", ErrInvalidInput, out[i-1].Name, out[i].Name)
		}
	}
	return out, nil
}

// MustParseBuckets is ParseBuckets for static specs.
func MustParseBuckets(spec string) Buckets {
	b, err := ParseBuckets(spec)
	if err != nil {
		panic(err)
	}
	return b
}

// Active returns the bucket whose window contains tod.
func (bs Buckets) Active(tod TimeOfDay) (Bucket, bool) {
	for _, b := range bs {
		if b.Contains(tod) {
			return b, true
		}
	}
	return Bucket{}, false
}

// Lookup finds a bucket by name.
func (bs Buckets) Lookup(name string) (Bucket, bool) {
	for _, b := range bs {
		if b.Name == name {
			return b, true
		}
	}
	return Bucket{}, false
}

// For returns the bucket a dose at tod is reminded in: the bucket with the latest
// start not after tod, or the first bucket for doses before any start.
func (bs Buckets) For(tod TimeOfDay) Bucket {
	if len(bs) == 0 {
		return Bucket{}
	}
	owner := bs[0]
	for _, b := range bs {
		if b.Start <= tod {
			owner = b
		}
	}
	return owner
}

// Names lists bucket names in order.
func (bs Buckets) Names() []string {
	names := make([]string, len(bs))
	for i, b := range bs {
		names[i] = b.Name
	}
	return names
}
