package reminder

import (
	"context"
	"testing"
	"time"

	"github.com/drfirst/go-adherence/internal/domain/dose"
)

func TestNextRun(t *testing.T) {
	buckets := dose.MustParseBuckets(dose.DefaultBucketSpec)

	tests := []struct {
		now    time.Time
		want   time.Time
		bucket string
	}{
		{at(day, 6, 0), at(day, 7, 0), "morning"},
		{at(day, 7, 0), at(day, 12, 0), "afternoon"},
		{at(day, 9, 59), at(day, 12, 0), "afternoon"},
		{at(day, 17, 0), at(day, 18, 0), "evening"},
		{at(day, 21, 30), at(day.AddDays(1), 7, 0), "morning"},
	}
	for _, tt := range tests {
		got, b, ok := NextRun(tt.now, buckets)
		if !ok || !got.Equal(tt.want) || b.Name != tt.bucket {
			t.Errorf("NextRun(%s) = %s %s, want %s %s", tt.now.Format("15:04"), got, b.Name, tt.want, tt.bucket)
		}
	}

	if _, _, ok := NextRun(at(day, 6, 0), nil); ok {
		t.Error("NextRun with no buckets reported a run")
	}
}

func TestSchedulerRunBucketAfterBackstop(t *testing.T) {
	f := newFixture(t)
	s := NewScheduler(DefaultSchedulerConfig(), f.job, nil, nil)

	if _, _, err := NewTrigger(f.job, time.Second, nil, nil).Check(context.Background()); err != nil {
		t.Fatal(err)
	}
	summary, err := s.RunBucket(context.Background(), dose.MustParseBuckets(dose.DefaultBucketSpec)[0])
	if err != nil {
		t.Fatal(err)
	}
	if summary.Fired {
		t.Error("scheduler re-sent a batch the backstop already fired")
	}
	if summary.Sweep == nil {
		t.Error("scheduler run did not sweep")
	}
}

func TestSchedulerMarksMissedOnBucketRun(t *testing.T) {
	f := newFixture(t)
	f.clock.Set(at(day, 12, 0))
	s := NewScheduler(DefaultSchedulerConfig(), f.job, nil, nil)

	summary, err := s.RunBucket(context.Background(), dose.MustParseBuckets(dose.DefaultBucketSpec)[1])
	if err != nil {
		t.Fatal(err)
	}
	// 08:00 and 08:30 doses are past their two hour grace window at noon.
	if summary.Sweep.Missed != 2 {
		t.Errorf("missed = %d, want 2", summary.Sweep.Missed)
	}
	if !summary.Fired || summary.Patients != 1 {
		t.Errorf("summary = %+v, want pat-3 reminded", summary)
	}
}

func TestSchedulerCatchUpOnStart(t *testing.T) {
	f := newFixture(t)
	cfg := DefaultSchedulerConfig()
	cfg.SweepInterval = 0
	cfg.HousekeepInterval = 0
	s := NewScheduler(cfg, f.job, nil, nil)

	s.Start()
	deadline := time.Now().Add(2 * time.Second)
	for f.batchEntries("morning") == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	s.Stop()

	if got := f.batchEntries("morning"); got != 1 {
		t.Errorf("batch entries = %d, want the open bucket fired once on start", got)
	}
}
