package journal

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
)

const schemaLogPrefix = "journal:schema"

// deliveriesDDL holds the full journal schema. It is idempotent so EnsureSchema
// can run on every startup.
const deliveriesDDL = `
CREATE TABLE IF NOT EXISTS deliveries (
	id             BIGSERIAL PRIMARY KEY,
	message_id     TEXT NOT NULL,
	correlation_id TEXT NOT NULL DEFAULT '',
	capability     TEXT NOT NULL DEFAULT '',
	method         TEXT NOT NULL DEFAULT '',
	target         TEXT NOT NULL,
	priority       TEXT NOT NULL DEFAULT '',
	outcome        TEXT NOT NULL,
	error_code     TEXT NOT NULL DEFAULT '',
	latency_ms     DOUBLE PRECISION NOT NULL DEFAULT 0,
	occurred_at    TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS deliveries_occurred_at_idx ON deliveries (occurred_at DESC);
CREATE INDEX IF NOT EXISTS deliveries_target_idx ON deliveries (target);
CREATE INDEX IF NOT EXISTS deliveries_outcome_idx ON deliveries (outcome);
`

// EnsureSchema creates the deliveries table and its indexes if they do not exist.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, deliveriesDDL); err != nil {
		return fmt.Errorf("%s - failed to create deliveries schema: %w", schemaLogPrefix, err)
	}
	slog.Info(fmt.Sprintf("%s - Journal schema ready", schemaLogPrefix))
	return nil
}

// ClearJournal truncates the deliveries table. The schema is preserved.
func ClearJournal(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, `TRUNCATE TABLE deliveries RESTART IDENTITY`); err != nil {
		return fmt.Errorf("%s - failed to clear deliveries: %w", schemaLogPrefix, err)
	}
	slog.Info(fmt.Sprintf("%s - Journal cleared", schemaLogPrefix))
	return nil
}
