package db

import (
	"context"
	"fmt"
)

// Schema creates the report_runs table. Every statement is idempotent.
const Schema = `
CREATE TABLE IF NOT EXISTS report_runs (
    id              UUID        PRIMARY KEY,
    survey_id       TEXT        NOT NULL,
    section_id      TEXT        NOT NULL,
    status          TEXT        NOT NULL DEFAULT 'pending'
                    CHECK (status IN ('pending', 'processing', 'complete', 'failed')),
    attempts        INTEGER     NOT NULL DEFAULT 0,
    total_responses INTEGER,
    snapshot        JSONB,
    pdf_path        TEXT,
    error_message   TEXT,
    created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
    completed_at    TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS report_runs_open_idx
    ON report_runs (created_at)
 WHERE status IN ('pending', 'processing');
`

// EnsureSchema applies Schema. Safe to call on every start.
func EnsureSchema(ctx context.Context, conn DBTX) error {
	if _, err := conn.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("db: ensure schema: %w", err)
	}
	return nil
}
