package calllog

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/voicewire/voicewire/internal/call"
	"github.com/voicewire/voicewire/internal/latency"
	"github.com/voicewire/voicewire/pkg/types"
)

// Store is the PostgreSQL-backed call log. All methods are safe for
// concurrent use.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore connects to the database at dsn, verifies the connection, and runs
// [Migrate].
func NewStore(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("calllog: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("calllog: ping: %w", err)
	}
	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("calllog: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Close releases all connections held by the underlying pool.
func (s *Store) Close() {
	s.pool.Close()
}

// Ping verifies the database connection. Used by readiness checks.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// CreateCall inserts the call row at call start.
func (s *Store) CreateCall(ctx context.Context, c *call.Call, agentID string) error {
	const q = `
		INSERT INTO calls
		    (id, call_control_id, agent_id, direction, from_number, to_number, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`

	_, err := s.pool.Exec(ctx, q,
		c.ID,
		c.CallControlID,
		agentID,
		string(c.Direction),
		c.From,
		c.To,
		c.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("calllog: create call %s: %w", c.ID, err)
	}
	return nil
}

// MarkAnswered records when the far end picked up.
func (s *Store) MarkAnswered(ctx context.Context, callID string, at time.Time) error {
	const q = `UPDATE calls SET answered_at = $2 WHERE id = $1`
	if _, err := s.pool.Exec(ctx, q, callID, at); err != nil {
		return fmt.Errorf("calllog: mark answered %s: %w", callID, err)
	}
	return nil
}

// FinishCall records the end timestamp and reason.
func (s *Store) FinishCall(ctx context.Context, callID string, reason call.EndReason, at time.Time) error {
	const q = `UPDATE calls SET ended_at = $2, end_reason = $3 WHERE id = $1`
	if _, err := s.pool.Exec(ctx, q, callID, at, string(reason)); err != nil {
		return fmt.Errorf("calllog: finish call %s: %w", callID, err)
	}
	return nil
}

// SetRecordingURL stores the carrier's recording location once the
// recording-saved webhook arrives.
func (s *Store) SetRecordingURL(ctx context.Context, callID, url string) error {
	const q = `UPDATE calls SET recording_url = $2 WHERE id = $1`
	if _, err := s.pool.Exec(ctx, q, callID, url); err != nil {
		return fmt.Errorf("calllog: set recording url %s: %w", callID, err)
	}
	return nil
}

// AppendUtterances writes transcript entries for the call. Entries are
// append-only; nothing previously written is touched.
func (s *Store) AppendUtterances(ctx context.Context, callID string, entries []types.TranscriptEntry) error {
	if len(entries) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	const q = `
		INSERT INTO call_utterances (call_id, role, text, spoken_at)
		VALUES ($1, $2, $3, $4)`
	for _, e := range entries {
		batch.Queue(q, callID, string(e.Role), e.Text, e.Timestamp)
	}
	if err := s.pool.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("calllog: append utterances %s: %w", callID, err)
	}
	return nil
}

// AppendLatency writes per-turn latency summaries for the call as JSONB
// records.
func (s *Store) AppendLatency(ctx context.Context, callID string, records []latency.Record) error {
	if len(records) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	const q = `
		INSERT INTO call_latency (call_id, turn, record)
		VALUES ($1, $2, $3)`
	for _, r := range records {
		payload, err := json.Marshal(r)
		if err != nil {
			return fmt.Errorf("calllog: marshal latency record: %w", err)
		}
		batch.Queue(q, callID, r.Turn, payload)
	}
	if err := s.pool.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("calllog: append latency %s: %w", callID, err)
	}
	return nil
}

// CallRecord is one row of the calls table.
type CallRecord struct {
	ID            string
	CallControlID string
	AgentID       string
	Direction     types.Direction
	From          string
	To            string
	CreatedAt     time.Time
	AnsweredAt    time.Time
	EndedAt       time.Time
	EndReason     call.EndReason
	RecordingURL  string
}

// GetCall fetches one call row.
func (s *Store) GetCall(ctx context.Context, callID string) (*CallRecord, error) {
	const q = `
		SELECT id, call_control_id, agent_id, direction, from_number, to_number,
		       created_at, answered_at, ended_at, end_reason, recording_url
		FROM   calls
		WHERE  id = $1`

	row := s.pool.QueryRow(ctx, q, callID)
	rec, err := scanCall(row)
	if err != nil {
		return nil, fmt.Errorf("calllog: get call %s: %w", callID, err)
	}
	return rec, nil
}

// RecentCalls returns calls created no earlier than now-window, newest first.
// agentID empty means all agents.
func (s *Store) RecentCalls(ctx context.Context, agentID string, window time.Duration, limit int) ([]CallRecord, error) {
	args := []any{window.Microseconds()}
	q := `
		SELECT id, call_control_id, agent_id, direction, from_number, to_number,
		       created_at, answered_at, ended_at, end_reason, recording_url
		FROM   calls
		WHERE  created_at >= now() - ($1::bigint * interval '1 microsecond')`
	if agentID != "" {
		args = append(args, agentID)
		q += fmt.Sprintf("\n  AND  agent_id = $%d", len(args))
	}
	q += "\nORDER BY created_at DESC"
	if limit > 0 {
		args = append(args, limit)
		q += fmt.Sprintf("\nLIMIT $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("calllog: recent calls: %w", err)
	}
	records, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (CallRecord, error) {
		rec, err := scanCall(row)
		if err != nil {
			return CallRecord{}, err
		}
		return *rec, nil
	})
	if err != nil {
		return nil, fmt.Errorf("calllog: scan recent calls: %w", err)
	}
	return records, nil
}

// Utterance is one row of the call_utterances table.
type Utterance struct {
	CallID   string
	Role     types.Role
	Text     string
	SpokenAt time.Time
}

// Utterances returns the full utterance log for a call, oldest first.
func (s *Store) Utterances(ctx context.Context, callID string) ([]Utterance, error) {
	const q = `
		SELECT call_id, role, text, spoken_at
		FROM   call_utterances
		WHERE  call_id = $1
		ORDER  BY spoken_at, id`

	rows, err := s.pool.Query(ctx, q, callID)
	if err != nil {
		return nil, fmt.Errorf("calllog: utterances %s: %w", callID, err)
	}
	return collectUtterances(rows)
}

// SearchOpts filter a transcript search.
type SearchOpts struct {
	CallID string
	Role   types.Role
	After  time.Time
	Before time.Time
	Limit  int
}

// SearchUtterances performs a full-text search over the utterance log. The
// query is passed to plainto_tsquery so no operator syntax is required.
func (s *Store) SearchUtterances(ctx context.Context, query string, opts SearchOpts) ([]Utterance, error) {
	args := []any{query}
	next := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	conditions := []string{
		"to_tsvector('english', text) @@ plainto_tsquery('english', $1)",
	}
	if opts.CallID != "" {
		conditions = append(conditions, "call_id = "+next(opts.CallID))
	}
	if opts.Role != "" {
		conditions = append(conditions, "role = "+next(string(opts.Role)))
	}
	if !opts.After.IsZero() {
		conditions = append(conditions, "spoken_at > "+next(opts.After))
	}
	if !opts.Before.IsZero() {
		conditions = append(conditions, "spoken_at < "+next(opts.Before))
	}

	q := "SELECT call_id, role, text, spoken_at\n" +
		"FROM   call_utterances\n" +
		"WHERE  " + strings.Join(conditions, "\n  AND  ") + "\n" +
		"ORDER  BY spoken_at"
	if opts.Limit > 0 {
		args = append(args, opts.Limit)
		q += fmt.Sprintf("\nLIMIT $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("calllog: search utterances: %w", err)
	}
	return collectUtterances(rows)
}

// LatencyRecords returns the per-turn latency summaries for a call in turn
// order.
func (s *Store) LatencyRecords(ctx context.Context, callID string) ([]latency.Record, error) {
	const q = `
		SELECT record
		FROM   call_latency
		WHERE  call_id = $1
		ORDER  BY turn`

	rows, err := s.pool.Query(ctx, q, callID)
	if err != nil {
		return nil, fmt.Errorf("calllog: latency records %s: %w", callID, err)
	}
	records, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (latency.Record, error) {
		var payload []byte
		if err := row.Scan(&payload); err != nil {
			return latency.Record{}, err
		}
		var r latency.Record
		if err := json.Unmarshal(payload, &r); err != nil {
			return latency.Record{}, err
		}
		return r, nil
	})
	if err != nil {
		return nil, fmt.Errorf("calllog: scan latency records: %w", err)
	}
	return records, nil
}

// scanCall reads one calls row. Nullable timestamps scan through pointers.
func scanCall(row pgx.Row) (*CallRecord, error) {
	var (
		rec        CallRecord
		direction  string
		reason     string
		answeredAt *time.Time
		endedAt    *time.Time
	)
	if err := row.Scan(
		&rec.ID,
		&rec.CallControlID,
		&rec.AgentID,
		&direction,
		&rec.From,
		&rec.To,
		&rec.CreatedAt,
		&answeredAt,
		&endedAt,
		&reason,
		&rec.RecordingURL,
	); err != nil {
		return nil, err
	}
	rec.Direction = types.Direction(direction)
	rec.EndReason = call.EndReason(reason)
	if answeredAt != nil {
		rec.AnsweredAt = *answeredAt
	}
	if endedAt != nil {
		rec.EndedAt = *endedAt
	}
	return &rec, nil
}

// collectUtterances scans pgx rows into Utterance values.
func collectUtterances(rows pgx.Rows) ([]Utterance, error) {
	utterances, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Utterance, error) {
		var (
			u    Utterance
			role string
		)
		if err := row.Scan(&u.CallID, &role, &u.Text, &u.SpokenAt); err != nil {
			return Utterance{}, err
		}
		u.Role = types.Role(role)
		return u, nil
	})
	if err != nil {
		return nil, fmt.Errorf("calllog: scan rows: %w", err)
	}
	if utterances == nil {
		utterances = []Utterance{}
	}
	return utterances, nil
}
