// Package redis provides a Redis-backed reminder fire log for deployments that
// keep dedup state out of Postgres.
package redis

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/drfirst/go-adherence/internal/domain/dose"
)

// Config holds Redis connection settings.
type Config struct {
	Addr     string
	Password string
	DB       int
}

// NewClient creates a client and verifies the connection.
func NewClient(ctx context.Context, cfg Config) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis %s: %w", cfg.Addr, classify(err))
	}
	return client, nil
}

// FireLog implements dose.FireLog with SET NX. Entries expire after the
// retention period, so Purge has nothing to do.
type FireLog struct {
	client    redis.UniversalClient
	prefix    string
	retention time.Duration
}

// NewFireLog creates a fire log. Keys are written under prefix.
func NewFireLog(client redis.UniversalClient, prefix string, retention time.Duration) *FireLog {
	if prefix == "" {
		prefix = "adherence:firelog"
	}
	if retention <= 0 {
		retention = 72 * time.Hour
	}
	return &FireLog{client: client, prefix: prefix, retention: retention}
}

var _ dose.FireLog = (*FireLog)(nil)

// Key returns the Redis key of a fire-log entry.
func (l *FireLog) Key(key dose.ReminderKey) string {
	return fmt.Sprintf("%s:%s:%s:%s", l.prefix, key.Date, key.Bucket, key.PatientID)
}

func (l *FireLog) Claim(ctx context.Context, key dose.ReminderKey, at time.Time) (bool, error) {
	ok, err := l.client.SetNX(ctx, l.Key(key), at.UTC().Format(time.RFC3339Nano), l.retention).Result()
	if err != nil {
		return false, classify(err)
	}
	return ok, nil
}

// Purge is a no-op: entries carry a TTL.
func (l *FireLog) Purge(context.Context, dose.Date) (int64, error) {
	return 0, nil
}

// Ping checks the connection.
func (l *FireLog) Ping(ctx context.Context) error {
	return classify(l.client.Ping(ctx).Err())
}

func classify(err error) error {
	if err == nil {
		return nil
	}
	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, redis.ErrClosed) {
		return fmt.Errorf("%w: %v", dose.ErrStoreUnavailable, err)
	}
	return err
}
