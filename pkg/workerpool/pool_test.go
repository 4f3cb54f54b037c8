package workerpool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestPoolRunsSubmittedTasks(t *testing.T) {
	p := New(Config{Workers: 2, QueueSize: 8}, nil)
	p.Start()

	var wg sync.WaitGroup
	var ran int64
	for i := 0; i < 5; i++ {
		wg.Add(1)
		err := p.Submit(&Task{ID: "t", Run: func(context.Context) error {
			defer wg.Done()
			atomic.AddInt64(&ran, 1)
			return nil
		}})
		if err != nil {
			t.Fatalf("Submit: %v", err)
		}
	}
	wg.Wait()
	p.Stop()

	if ran != 5 {
		t.Errorf("ran = %d, want 5", ran)
	}
	if s := p.Stats(); s.TasksCompleted != 5 || s.TasksSubmitted != 5 {
		t.Errorf("stats = %+v", s)
	}
}

func TestPoolSubmitNeverBlocks(t *testing.T) {
	p := New(Config{Workers: 1, QueueSize: 1}, nil)
	// Not started: the queue fills up and further submits are rejected.
	noop := &Task{ID: "n", Run: func(context.Context) error { return nil }}
	if err := p.Submit(noop); err != nil {
		t.Fatal(err)
	}
	if err := p.Submit(noop); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("err = %v, want ErrQueueFull", err)
	}
	p.Start()
	p.Stop()
	if err := p.Submit(noop); !errors.Is(err, ErrStopped) {
		t.Fatalf("err = %v, want ErrStopped", err)
	}
}

func TestPoolRetries(t *testing.T) {
	p := New(Config{Workers: 1, QueueSize: 1, MaxRetries: 2, RetryDelay: time.Millisecond}, nil)
	p.Start()

	done := make(chan struct{})
	var attempts int64
	p.Submit(&Task{ID: "flaky", Run: func(context.Context) error {
		if atomic.AddInt64(&attempts, 1) < 3 {
			return errors.New("boom")
		}
		close(done)
		return nil
	}})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("task never succeeded")
	}
	p.Stop()
	if s := p.Stats(); s.TasksRetried != 2 || s.TasksCompleted != 1 {
		t.Errorf("stats = %+v", s)
	}
}

func TestRunBatch(t *testing.T) {
	var inFlight, peak int64
	tasks := make([]Task, 10)
	for i := range tasks {
		fail := i%5 == 0
		tasks[i] = Task{ID: "b", Run: func(context.Context) error {
			n := atomic.AddInt64(&inFlight, 1)
			for {
				old := atomic.LoadInt64(&peak)
				if n <= old || atomic.CompareAndSwapInt64(&peak, old, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			atomic.AddInt64(&inFlight, -1)
			if fail {
				return errors.New("fail")
			}
			return nil
		}}
	}

	res := RunBatch(context.Background(), 3, tasks)
	if res.Completed != 8 || res.Failed != 2 {
		t.Errorf("result = %+v", res)
	}
	if peak > 3 {
		t.Errorf("peak concurrency = %d, want <= 3", peak)
	}
}

func TestRunBatchCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res := RunBatch(ctx, 1, []Task{{ID: "x", Run: func(context.Context) error { return nil }}})
	if res.Failed != 1 || !errors.Is(res.Errors[0], context.Canceled) {
		t.Errorf("result = %+v", res)
	}
}
