package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/drfirst/go-adherence/internal/domain/dose"
)

// FireLog implements dose.FireLog on the reminder_fire_log table.
type FireLog struct {
	pool *pgxpool.Pool
}

// NewFireLog creates a fire log.
func NewFireLog(pool *pgxpool.Pool) *FireLog {
	return &FireLog{pool: pool}
}

var _ dose.FireLog = (*FireLog)(nil)

// Claim inserts the entry; only the inserting caller sees true.
func (l *FireLog) Claim(ctx context.Context, key dose.ReminderKey, at time.Time) (bool, error) {
	var bucket string
	err := l.pool.QueryRow(ctx, `
		INSERT INTO reminder_fire_log (patient_id, fire_date, bucket, fired_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (patient_id, fire_date, bucket) DO NOTHING
		RETURNING bucket`,
		key.PatientID, dateValue(key.Date), key.Bucket, at,
	).Scan(&bucket)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, classify(err)
	}
	return true, nil
}

func (l *FireLog) Purge(ctx context.Context, cutoff dose.Date) (int64, error) {
	tag, err := l.pool.Exec(ctx, `DELETE FROM reminder_fire_log WHERE fire_date < $1`, dateValue(cutoff))
	if err != nil {
		return 0, classify(err)
	}
	return tag.RowsAffected(), nil
}
