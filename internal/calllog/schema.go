// Package calllog persists finished-call records to PostgreSQL: the call row
// itself, the append-only utterance log, and the per-turn latency summaries.
//
// The media worker writes through this package at call end; the transcript
// rows additionally carry a GIN full-text index so operators can search what
// was said across calls.
package calllog

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

const ddlCalls = `
CREATE TABLE IF NOT EXISTS calls (
    id               TEXT         PRIMARY KEY,
    call_control_id  TEXT         NOT NULL DEFAULT '',
    agent_id         TEXT         NOT NULL DEFAULT '',
    direction        TEXT         NOT NULL,
    from_number      TEXT         NOT NULL DEFAULT '',
    to_number        TEXT         NOT NULL DEFAULT '',
    created_at       TIMESTAMPTZ  NOT NULL DEFAULT now(),
    answered_at      TIMESTAMPTZ,
    ended_at         TIMESTAMPTZ,
    end_reason       TEXT         NOT NULL DEFAULT '',
    recording_url    TEXT         NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_calls_agent_id
    ON calls (agent_id);

CREATE INDEX IF NOT EXISTS idx_calls_created_at
    ON calls (created_at);
`

const ddlCallUtterances = `
CREATE TABLE IF NOT EXISTS call_utterances (
    id         BIGSERIAL    PRIMARY KEY,
    call_id    TEXT         NOT NULL,
    role       TEXT         NOT NULL,
    text       TEXT         NOT NULL,
    spoken_at  TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_call_utterances_call_id
    ON call_utterances (call_id);

CREATE INDEX IF NOT EXISTS idx_call_utterances_call_spoken
    ON call_utterances (call_id, spoken_at);

CREATE INDEX IF NOT EXISTS idx_call_utterances_fts
    ON call_utterances USING GIN (to_tsvector('english', text));
`

const ddlCallLatency = `
CREATE TABLE IF NOT EXISTS call_latency (
    id          BIGSERIAL    PRIMARY KEY,
    call_id     TEXT         NOT NULL,
    turn        INT          NOT NULL,
    record      JSONB        NOT NULL,
    recorded_at TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_call_latency_call_id
    ON call_latency (call_id);
`

// Migrate creates or ensures all required tables and indexes exist. It is
// idempotent and safe to call on every application start.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	statements := []string{
		ddlCalls,
		ddlCallUtterances,
		ddlCallLatency,
	}
	for _, stmt := range statements {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("calllog migrate: %w", err)
		}
	}
	return nil
}
