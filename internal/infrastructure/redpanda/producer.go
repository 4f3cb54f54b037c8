// Package redpanda carries dose transitions and cross-process notifications over
// Kafka-compatible topics with franz-go.
package redpanda

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// ProducerConfig holds configuration for the Redpanda producer
type ProducerConfig struct {
	// Brokers is a list of broker addresses
	Brokers []string
	// Linger is how long to wait for a batch to fill
	Linger time.Duration
	// Compression is the compression codec to use
	Compression string
	// RequiredAcks sets the required acks level (-1 for all, 1 for leader)
	RequiredAcks int16
	// MaxRetries is the maximum number of retries for failed sends
	MaxRetries int
	// RetryBackoff is multiplied by the attempt number between retries
	RetryBackoff time.Duration
	// ClientID identifies the process to the brokers
	ClientID string
}

// DefaultProducerConfig returns defaults tuned for small, durable event payloads.
func DefaultProducerConfig() ProducerConfig {
	return ProducerConfig{
		Brokers:      []string{"localhost:9092"},
		Linger:       5 * time.Millisecond,
		Compression:  "lz4",
		RequiredAcks: -1,
		MaxRetries:   3,
		RetryBackoff: 100 * time.Millisecond,
		ClientID:     "adherence",
	}
}

// Producer publishes records and waits for acknowledgement.
type Producer struct {
	client *kgo.Client
	logger *zap.Logger
	tracer trace.Tracer

	messagesSent atomic.Int64
	bytesSent    atomic.Int64
	errorCount   atomic.Int64
}

// NewProducer creates a new Redpanda producer
func NewProducer(cfg ProducerConfig, logger *zap.Logger) (*Producer, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	backoff := cfg.RetryBackoff
	opts := []kgo.Opt{
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ProducerLinger(cfg.Linger),
		kgo.RecordRetries(cfg.MaxRetries),
		kgo.RetryBackoffFn(func(attempt int) time.Duration {
			return backoff * time.Duration(attempt+1)
		}),
	}
	if cfg.ClientID != "" {
		opts = append(opts, kgo.ClientID(cfg.ClientID))
	}

	switch cfg.RequiredAcks {
	case -1:
		opts = append(opts, kgo.RequiredAcks(kgo.AllISRAcks()))
	case 1:
		opts = append(opts, kgo.RequiredAcks(kgo.LeaderAck()), kgo.DisableIdempotentWrite())
	}

	switch cfg.Compression {
	case "lz4":
		opts = append(opts, kgo.ProducerBatchCompression(kgo.Lz4Compression()))
	case "snappy":
		opts = append(opts, kgo.ProducerBatchCompression(kgo.SnappyCompression()))
	case "zstd":
		opts = append(opts, kgo.ProducerBatchCompression(kgo.ZstdCompression()))
	}

	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka client: %w", err)
	}

	return &Producer{
		client: client,
		logger: logger,
		tracer: otel.Tracer("adherence/redpanda"),
	}, nil
}

// ProduceMessage sends a single message and waits for the broker ack.
func (p *Producer) ProduceMessage(ctx context.Context, topic, key string, value []byte) error {
	ctx, span := p.tracer.Start(ctx, "redpanda.produce",
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			attribute.String("messaging.destination", topic),
			attribute.String("messaging.kafka.message_key", key),
			attribute.Int("messaging.message_payload_size_bytes", len(value)),
		))
	defer span.End()

	record := &kgo.Record{Topic: topic, Key: []byte(key), Value: value}
	otel.GetTextMapPropagator().Inject(ctx, headerCarrier{record: record})

	if err := p.client.ProduceSync(ctx, record).FirstErr(); err != nil {
		p.errorCount.Add(1)
		span.RecordError(err)
		return fmt.Errorf("produce to %s: %w", topic, err)
	}

	p.messagesSent.Add(1)
	p.bytesSent.Add(int64(len(value)))
	p.logger.Debug("message produced",
		zap.String("topic", record.Topic),
		zap.Int32("partition", record.Partition),
		zap.Int64("offset", record.Offset))
	return nil
}

// Publish satisfies the outbox relay's publisher.
func (p *Producer) Publish(ctx context.Context, topic, key string, value []byte) error {
	return p.ProduceMessage(ctx, topic, key, value)
}

// Ping checks that at least one broker answers.
func (p *Producer) Ping(ctx context.Context) error {
	return p.client.Ping(ctx)
}

// Close flushes and closes the producer
func (p *Producer) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := p.client.Flush(ctx); err != nil {
		p.logger.Warn("error flushing on close", zap.Error(err))
	}
	p.client.Close()
}

// ProducerStats holds producer statistics
type ProducerStats struct {
	MessagesSent int64
	BytesSent    int64
	ErrorCount   int64
}

// Stats returns current producer statistics
func (p *Producer) Stats() ProducerStats {
	return ProducerStats{
		MessagesSent: p.messagesSent.Load(),
		BytesSent:    p.bytesSent.Load(),
		ErrorCount:   p.errorCount.Load(),
	}
}

// headerCarrier adapts record headers to the otel propagation carrier.
type headerCarrier struct {
	record *kgo.Record
}

func (c headerCarrier) Get(key string) string {
	for _, h := range c.record.Headers {
		if h.Key == key {
			return string(h.Value)
		}
	}
	return ""
}

func (c headerCarrier) Set(key, value string) {
	for i, h := range c.record.Headers {
		if h.Key == key {
			c.record.Headers[i].Value = []byte(value)
			return
		}
	}
	c.record.Headers = append(c.record.Headers, kgo.RecordHeader{Key: key, Value: []byte(value)})
}

func (c headerCarrier) Keys() []string {
	keys := make([]string, len(c.record.Headers))
	for i, h := range c.record.Headers {
		keys[i] = h.Key
	}
	return keys
}
