package redis

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"

	"github.com/drfirst/go-adherence/internal/domain/dose"
)

func newFireLog(t *testing.T) (*miniredis.Miniredis, *FireLog) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return mr, NewFireLog(client, "test:firelog", time.Hour)
}

func TestClaimSingleWinner(t *testing.T) {
	mr, log := newFireLog(t)
	key := dose.ReminderKey{PatientID: dose.AllPatients, Date: dose.Date{Year: 2026, Month: time.March, Day: 2}, Bucket: "morning"}

	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := log.Claim(context.Background(), key, time.Now())
			if err != nil {
				t.Error(err)
				return
			}
			if ok {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if wins != 1 {
		t.Errorf("wins = %d, want 1", wins)
	}
	if !mr.Exists("test:firelog:2026-03-02:morning:*") {
		t.Error("entry not written")
	}
	if ttl := mr.TTL("test:firelog:2026-03-02:morning:*"); ttl != time.Hour {
		t.Errorf("ttl = %v, want 1h", ttl)
	}

	mr.FastForward(2 * time.Hour)
	ok, err := log.Claim(context.Background(), key, time.Now())
	if err != nil || !ok {
		t.Errorf("claim after expiry: ok=%v err=%v", ok, err)
	}
}

func TestClaimUnavailable(t *testing.T) {
	mr, log := newFireLog(t)
	mr.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := log.Claim(ctx, dose.ReminderKey{PatientID: "pat-1", Bucket: "evening"}, time.Now())
	if !errors.Is(err, dose.ErrStoreUnavailable) {
		t.Errorf("err = %v, want ErrStoreUnavailable", err)
	}
}
