package reminder

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/drfirst/go-adherence/internal/domain/dose"
	"github.com/drfirst/go-adherence/internal/notify"
	"github.com/drfirst/go-adherence/internal/service/adherence"
)

var day = dose.Date{Year: 2026, Month: time.March, Day: 2}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

func at(d dose.Date, hour, minute int) time.Time {
	return time.Date(d.Year, d.Month, d.Day, hour, minute, 0, 0, time.UTC)
}

type recorder struct {
	mu     sync.Mutex
	events []notify.Event
}

func (r *recorder) Post(e notify.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recorder) Reminders() map[string]int {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := map[string]int{}
	for _, e := range r.events {
		if e.Kind == notify.KindReminder {
			out[e.PatientID]++
		}
	}
	return out
}

type fixture struct {
	clock   *fakeClock
	store   *dose.MemoryStore
	firelog *dose.MemoryFireLog
	rx      *dose.MemoryPrescriptions
	tracker *adherence.Tracker
	sent    *recorder
	job     *Job
}

func rx(id, patient string, times ...dose.TimeOfDay) dose.Prescription {
	return dose.Prescription{
		ID:           id,
		PatientID:    patient,
		DoctorID:     "doc-1",
		MedicationID: "med-" + id,
		DoseTimes:    times,
		StartDate:    day.AddDays(-10),
		Active:       true,
	}
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		clock:   &fakeClock{now: at(day, 7, 30)},
		store:   dose.NewMemoryStore(),
		firelog: dose.NewMemoryFireLog(),
		rx:      dose.NewMemoryPrescriptions(),
		sent:    &recorder{},
	}
	f.rx.AddPrescription(rx("rx-1", "pat-1", 8*60))
	f.rx.AddPrescription(rx("rx-2", "pat-2", 8*60+30, 19*60))
	f.rx.AddPrescription(rx("rx-3", "pat-3", 13*60))

	cfg := adherence.DefaultConfig()
	cfg.Clock = f.clock.Now
	cfg.LookbackDays = 0
	f.tracker = adherence.New(cfg, f.store, f.rx, f.sent, nil, nil)
	f.job = f.newJob()
	return f
}

// newJob builds a job sharing the fixture's stores, as a second process would.
func (f *fixture) newJob() *Job {
	return NewJob(dose.MustParseBuckets(dose.DefaultBucketSpec), f.tracker, f.store, f.firelog, f.sent, nil, nil)
}

func (f *fixture) batchEntries(bucket string) int {
	n := 0
	for _, k := range f.firelog.Entries() {
		if k.PatientID == dose.AllPatients && k.Bucket == bucket {
			n++
		}
	}
	return n
}

func TestFireManualHonoursFireLog(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	summary, err := f.job.Fire(ctx, "morning", SourceManual)
	if err != nil {
		t.Fatal(err)
	}
	if !summary.Fired || summary.Patients != 2 || summary.Doses != 2 {
		t.Fatalf("summary = %+v", summary)
	}
	if summary.Message() != "morning medication reminders sent successfully" {
		t.Errorf("message = %q", summary.Message())
	}
	if summary.Sweep == nil || summary.Sweep.Patients != 3 {
		t.Errorf("sweep = %+v, want all three patients materialized", summary.Sweep)
	}

	again, err := f.job.Fire(ctx, "morning", SourceManual)
	if err != nil {
		t.Fatal(err)
	}
	if again.Fired {
		t.Error("second manual fire sent the batch again")
	}

	got := f.sent.Reminders()
	if len(got) != 2 || got["pat-1"] != 1 || got["pat-2"] != 1 {
		t.Errorf("reminders = %v", got)
	}
	// One batch entry plus one per reminded patient.
	if n := len(f.firelog.Entries()); n != 3 {
		t.Errorf("fire log entries = %d, want 3", n)
	}
}

func TestFireUnknownBucket(t *testing.T) {
	f := newFixture(t)
	if _, err := f.job.Fire(context.Background(), "midnight", SourceManual); !errors.Is(err, dose.ErrInvalidInput) {
		t.Errorf("err = %v, want ErrInvalidInput", err)
	}
}

func TestFireSkipsResolvedDoses(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	key := dose.OccurrenceKey{PrescriptionID: "rx-1", Date: day, TimeOfDay: 8 * 60}
	if _, _, err := f.tracker.UpdateStatus(ctx, "pat-1", key, dose.StateTaken); err != nil {
		t.Fatal(err)
	}

	summary, err := f.job.Fire(ctx, "morning", SourceManual)
	if err != nil {
		t.Fatal(err)
	}
	if summary.Patients != 1 {
		t.Errorf("patients = %d, want only pat-2", summary.Patients)
	}
	if got := f.sent.Reminders(); got["pat-1"] != 0 {
		t.Errorf("pat-1 reminded for a dose already taken")
	}
}

func TestFireAcrossProcessesSendsOnce(t *testing.T) {
	f := newFixture(t)
	other := f.newJob()

	var wg sync.WaitGroup
	var mu sync.Mutex
	fired := 0
	for i := 0; i < 10; i++ {
		job := f.job
		if i%2 == 1 {
			job = other
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			s, err := job.Fire(context.Background(), "afternoon", SourceManual)
			if err != nil {
				t.Error(err)
				return
			}
			if s.Fired {
				mu.Lock()
				fired++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if fired != 1 {
		t.Errorf("batch fired %d times, want 1", fired)
	}
	if n := f.batchEntries("afternoon"); n != 1 {
		t.Errorf("batch entries = %d, want 1", n)
	}
	if got := f.sent.Reminders(); len(got) != 1 || got["pat-3"] != 1 {
		t.Errorf("reminders = %v, want pat-3 once", got)
	}
}

func TestFireDuringStoreOutageIsRetried(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if _, err := f.tracker.SweepAll(ctx); err != nil {
		t.Fatal(err)
	}

	f.store.SetUnavailable(true)
	summary, err := f.job.Fire(ctx, "morning", SourceManual)
	if !errors.Is(err, dose.ErrStoreUnavailable) {
		t.Fatalf("err = %v, want ErrStoreUnavailable", err)
	}
	if summary.Fired {
		t.Error("batch reported fired during the outage")
	}
	if n := len(f.firelog.Entries()); n != 0 {
		t.Fatalf("fire log entries = %d during the outage, want 0", n)
	}
	f.store.SetUnavailable(false)

	// Another process retries first, then the original one.
	summary, err = f.newJob().Fire(ctx, "morning", SourceManual)
	if err != nil {
		t.Fatal(err)
	}
	if !summary.Fired || summary.Patients != 2 {
		t.Fatalf("retry summary = %+v", summary)
	}
	again, err := f.job.Fire(ctx, "morning", SourceManual)
	if err != nil {
		t.Fatal(err)
	}
	if again.Fired {
		t.Error("batch sent twice after recovery")
	}
	if got := f.sent.Reminders(); len(got) != 2 || got["pat-1"] != 1 || got["pat-2"] != 1 {
		t.Errorf("reminders = %v", got)
	}
}

func TestScheduledRunDuringStoreOutageIsRetried(t *testing.T) {
	f := newFixture(t)
	s := NewScheduler(DefaultSchedulerConfig(), f.job, nil, nil)
	b, _ := f.job.Buckets().Lookup("afternoon")

	f.store.SetUnavailable(true)
	if _, err := s.RunBucket(context.Background(), b); !errors.Is(err, dose.ErrStoreUnavailable) {
		t.Fatalf("err = %v, want ErrStoreUnavailable", err)
	}
	if n := f.batchEntries("afternoon"); n != 0 {
		t.Fatalf("batch entries = %d after a failed run, want 0", n)
	}
	f.store.SetUnavailable(false)

	summary, err := s.RunBucket(context.Background(), b)
	if err != nil {
		t.Fatal(err)
	}
	if !summary.Fired || summary.Patients != 1 {
		t.Errorf("next tick summary = %+v, want pat-3 reminded", summary)
	}
}

func TestHousekeepPurgesOldDays(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if _, err := f.job.Fire(ctx, "morning", SourceManual); err != nil {
		t.Fatal(err)
	}

	f.clock.Set(at(day.AddDays(1), 7, 30))
	if n, _ := f.job.Housekeep(ctx, 72*time.Hour); n != 0 {
		t.Errorf("purged %d entries inside retention", n)
	}

	f.clock.Set(at(day.AddDays(4), 7, 30))
	n, err := f.job.Housekeep(ctx, 72*time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if n != 3 {
		t.Errorf("purged %d entries, want 3", n)
	}
	if f.job.guard.Seen(batchKey(day, "morning")) {
		t.Error("memo for a past day survived housekeeping")
	}
}
