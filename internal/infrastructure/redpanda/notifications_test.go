package redpanda

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/drfirst/go-adherence/internal/domain/dose"
	"github.com/drfirst/go-adherence/internal/notify"
	"github.com/drfirst/go-adherence/pkg/circuitbreaker"
)

type capturedMessage struct {
	topic, key string
	value      []byte
}

type fakeProducer struct {
	mu   sync.Mutex
	sent []capturedMessage
	err  error
}

func (f *fakeProducer) ProduceMessage(_ context.Context, topic, key string, value []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, capturedMessage{topic: topic, key: key, value: value})
	return nil
}

func sampleEvent(origin string) notify.Event {
	day := dose.DateOf(time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC))
	e := notify.ReminderFor("p-1", "morning", day, nil, time.Date(2026, 3, 2, 7, 0, 0, 0, time.UTC))
	e.Origin = origin
	return e
}

func TestNotificationSinkKeysByPatient(t *testing.T) {
	producer := &fakeProducer{}
	sink := NewNotificationSink(producer, nil, nil)

	e := sampleEvent("replica-a")
	if err := sink.Deliver(context.Background(), e); err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	if len(producer.sent) != 1 {
		t.Fatalf("expected 1 message, got %d", len(producer.sent))
	}
	got := producer.sent[0]
	if got.topic != TopicNotifications || got.key != "p-1" {
		t.Errorf("unexpected routing: topic=%s key=%s", got.topic, got.key)
	}

	var decoded notify.Event
	if err := json.Unmarshal(got.value, &decoded); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.ID != e.ID || decoded.Origin != "replica-a" || decoded.Reminder.Bucket != "morning" {
		t.Errorf("payload mismatch: %+v", decoded)
	}
}

func TestNotificationSinkOpensBreaker(t *testing.T) {
	producer := &fakeProducer{err: errors.New("broker down")}
	cfg := circuitbreaker.DefaultConfig("notifications")
	cfg.ConsecutiveFailures = 2
	cfg.Timeout = time.Minute
	breaker, err := circuitbreaker.New(cfg, nil)
	if err != nil {
		t.Fatalf("New breaker: %v", err)
	}
	sink := NewNotificationSink(producer, breaker, nil)

	for i := 0; i < 2; i++ {
		if err := sink.Deliver(context.Background(), sampleEvent("a")); err == nil {
			t.Fatal("expected produce error")
		}
	}
	err = sink.Deliver(context.Background(), sampleEvent("a"))
	if !errors.Is(err, circuitbreaker.ErrOpen) {
		t.Fatalf("expected ErrOpen once tripped, got %v", err)
	}
}

func TestRelayHandlerSkipsOwnOrigin(t *testing.T) {
	var delivered []notify.Event
	local := notify.SinkFunc(func(_ context.Context, e notify.Event) error {
		delivered = append(delivered, e)
		return nil
	})
	handler := RelayHandler("replica-a", local, nil, nil)

	for _, origin := range []string{"replica-a", "replica-b"} {
		value, err := json.Marshal(sampleEvent(origin))
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		if err := handler(context.Background(), &ConsumedMessage{Topic: TopicNotifications, Value: value}); err != nil {
			t.Fatalf("handler: %v", err)
		}
	}

	if len(delivered) != 1 || delivered[0].Origin != "replica-b" {
		t.Fatalf("expected only the remote event, got %+v", delivered)
	}
}

func TestRelayHandlerDropsPoisonRecord(t *testing.T) {
	called := false
	local := notify.SinkFunc(func(context.Context, notify.Event) error {
		called = true
		return nil
	})
	handler := RelayHandler("replica-a", local, nil, nil)

	if err := handler(context.Background(), &ConsumedMessage{Value: []byte("{not json")}); err != nil {
		t.Fatalf("expected poison record to be dropped, got %v", err)
	}
	if called {
		t.Error("local sink should not see undecodable records")
	}
}

func TestHeaderCarrier(t *testing.T) {
	c := headerCarrier{record: &kgo.Record{}}
	c.Set("traceparent", "a")
	c.Set("traceparent", "b")
	c.Set("baggage", "x=1")

	if got := c.Get("traceparent"); got != "b" {
		t.Errorf("Get(traceparent) = %q, want b", got)
	}
	if keys := c.Keys(); len(keys) != 2 {
		t.Errorf("expected 2 header keys, got %v", keys)
	}
	if got := c.Get("missing"); got != "" {
		t.Errorf("Get(missing) = %q, want empty", got)
	}
}
