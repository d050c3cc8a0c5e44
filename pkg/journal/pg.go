package journal

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

const pgLogPrefix = "journal:pg"

// defaultRecentLimit caps Recent queries when the caller passes no limit.
const defaultRecentLimit = 50

// PGRecorder is a Recorder backed by Postgres.
type PGRecorder struct {
	pool *pgxpool.Pool
}

// NewPGRecorder creates a PGRecorder over an existing pool. The caller owns the
// pool and must have run EnsureSchema.
func NewPGRecorder(pool *pgxpool.Pool) *PGRecorder {
	return &PGRecorder{pool: pool}
}

// Record inserts one delivery row.
func (r *PGRecorder) Record(ctx context.Context, d Delivery) error {
	if d.OccurredAt.IsZero() {
		d.OccurredAt = time.Now().UTC()
	}
	_, err := r.pool.Exec(ctx,
		`INSERT INTO deliveries
			(message_id, correlation_id, capability, method, target, priority, outcome, error_code, latency_ms, occurred_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		d.MessageID, d.CorrelationID, d.Capability, d.Method, d.Target,
		d.Priority, d.Outcome, d.ErrorCode, d.LatencyMS, d.OccurredAt)
	if err != nil {
		return fmt.Errorf("%s - failed to insert delivery: %w", pgLogPrefix, err)
	}
	return nil
}

// Recent returns the newest deliveries, most recent first.
func (r *PGRecorder) Recent(ctx context.Context, limit int) ([]Delivery, error) {
	if limit <= 0 {
		limit = defaultRecentLimit
	}
	rows, err := r.pool.Query(ctx,
		`SELECT message_id, correlation_id, capability, method, target, priority, outcome, error_code, latency_ms, occurred_at
		 FROM deliveries
		 ORDER BY occurred_at DESC, id DESC
		 LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("%s - failed to query deliveries: %w", pgLogPrefix, err)
	}
	defer rows.Close()

	var out []Delivery
	for rows.Next() {
		var d Delivery
		if err := rows.Scan(
			&d.MessageID, &d.CorrelationID, &d.Capability, &d.Method, &d.Target,
			&d.Priority, &d.Outcome, &d.ErrorCode, &d.LatencyMS, &d.OccurredAt,
		); err != nil {
			return nil, fmt.Errorf("%s - failed to scan delivery: %w", pgLogPrefix, err)
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s - failed to read deliveries: %w", pgLogPrefix, err)
	}
	return out, nil
}
