package redpanda

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/drfirst/go-adherence/internal/notify"
	"github.com/drfirst/go-adherence/internal/observability/metrics"
	"github.com/drfirst/go-adherence/pkg/circuitbreaker"
)

// MessageProducer is the part of Producer the notification sink needs.
type MessageProducer interface {
	ProduceMessage(ctx context.Context, topic, key string, value []byte) error
}

// NotificationSink publishes notifications so other API replicas can push them
// to their own connections.
type NotificationSink struct {
	producer MessageProducer
	breaker  *circuitbreaker.CircuitBreaker
	topic    string
	metrics  *metrics.Metrics
}

// NewNotificationSink wraps producer. breaker may be nil.
func NewNotificationSink(producer MessageProducer, breaker *circuitbreaker.CircuitBreaker, m *metrics.Metrics) *NotificationSink {
	return &NotificationSink{
		producer: producer,
		breaker:  breaker,
		topic:    TopicNotifications,
		metrics:  m,
	}
}

// Deliver implements notify.Sink. Events are keyed by patient so one patient's
// notifications stay ordered.
func (s *NotificationSink) Deliver(ctx context.Context, e notify.Event) error {
	value, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode notification %s: %w", e.ID, err)
	}

	produce := func(ctx context.Context) error {
		return s.producer.ProduceMessage(ctx, s.topic, e.PatientID, value)
	}
	if s.breaker != nil {
		err = s.breaker.Do(ctx, produce)
	} else {
		err = produce(ctx)
	}
	if err != nil {
		return err
	}
	s.metrics.Produced()
	return nil
}

// RelayHandler returns a consumer handler that hands notifications published by
// other replicas to local. Events stamped with origin were already delivered
// locally and are skipped.
func RelayHandler(origin string, local notify.Sink, logger *zap.Logger, m *metrics.Metrics) MessageHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(ctx context.Context, msg *ConsumedMessage) error {
		var e notify.Event
		if err := json.Unmarshal(msg.Value, &e); err != nil {
			// A poison record would otherwise block the partition.
			logger.Warn("dropping undecodable notification",
				zap.String("topic", msg.Topic),
				zap.Int64("offset", msg.Offset),
				zap.Error(err))
			return nil
		}
		if e.Origin == origin {
			return nil
		}
		m.Consumed()
		return local.Deliver(ctx, e)
	}
}
