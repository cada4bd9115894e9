// Package sqlstore implements store.ActivityStore over database/sql via sqlx.
// The same code serves SQLite and PostgreSQL; only the bind style and the
// write serialization differ.
package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/nextlevelbuilder/agentengine/internal/store"
)

// Dialect selects backend-specific behavior.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

// Store is an ActivityStore backed by an agent_activities table.
type Store struct {
	db      *sqlx.DB
	dialect Dialect

	// SQLite permits one writer at a time.
	writeMu sync.Mutex
}

// New wraps an open connection whose schema is already migrated.
func New(db *sqlx.DB, dialect Dialect) *Store {
	return &Store{db: db, dialect: dialect}
}

// DB exposes the underlying connection.
func (s *Store) DB() *sqlx.DB { return s.db }

type activityRow struct {
	ID           int64          `db:"id"`
	AgentID      string         `db:"agent_id"`
	AgentName    sql.NullString `db:"agent_name"`
	CycleNumber  int            `db:"cycle_number"`
	TimestampUS  int64          `db:"timestamp_us"`
	ResponseText sql.NullString `db:"response_text"`
	ToolCalls    sql.NullString `db:"tool_calls"`
	StopReason   sql.NullString `db:"stop_reason"`
	Tokens       int            `db:"tokens"`
	InputTokens  int            `db:"input_tokens"`
	OutputTokens int            `db:"output_tokens"`
	Status       string         `db:"status"`
	ErrorMessage sql.NullString `db:"error_message"`
	Metadata     sql.NullString `db:"extra_metadata"`
}

const selectColumns = `id, agent_id, agent_name, cycle_number, timestamp_us, response_text,
	tool_calls, stop_reason, tokens, input_tokens, output_tokens, status, error_message, extra_metadata`

// Append inserts rec and returns the assigned ID. rec.ID and rec.Timestamp
// are updated to the stored values.
func (s *Store) Append(ctx context.Context, rec *store.CycleRecord) (int64, error) {
	if err := store.ValidateRecord(rec); err != nil {
		return 0, err
	}

	ts := rec.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}

	var toolCalls, meta any
	if len(rec.ToolCalls) > 0 {
		data, err := json.Marshal(rec.ToolCalls)
		if err != nil {
			return 0, fmt.Errorf("marshal tool_calls: %w", err)
		}
		toolCalls = string(data)
	}
	if len(rec.Metadata) > 0 {
		data, err := json.Marshal(rec.Metadata)
		if err != nil {
			return 0, fmt.Errorf("marshal metadata: %w", err)
		}
		meta = string(data)
	}

	q := s.db.Rebind(`INSERT INTO agent_activities
		(agent_id, agent_name, cycle_number, timestamp_us, response_text, tool_calls, stop_reason,
		 tokens, input_tokens, output_tokens, status, error_message, extra_metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (agent_id, cycle_number) DO NOTHING
		RETURNING id`)

	if s.dialect == DialectSQLite {
		s.writeMu.Lock()
		defer s.writeMu.Unlock()
	}

	var id int64
	err := s.db.QueryRowxContext(ctx, q,
		rec.AgentID, nilStr(rec.AgentName), rec.CycleNumber, ts.UnixMicro(),
		nilStr(rec.ResponseText), toolCalls, nilStr(rec.StopReason),
		rec.Usage.Tokens, rec.Usage.InputTokens, rec.Usage.OutputTokens,
		string(rec.Status), nilStr(rec.ErrorMessage), meta,
	).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		// The conflict clause skipped the insert.
		return 0, &store.StoreError{Op: "append", Err: fmt.Errorf("%w: agent %s cycle %d",
			store.ErrDuplicateCycle, rec.AgentID, rec.CycleNumber)}
	}
	if err != nil {
		return 0, &store.StoreError{Op: "append", Err: err}
	}

	rec.ID = id
	rec.Timestamp = time.UnixMicro(ts.UnixMicro()).UTC()
	return id, nil
}

// Query returns records matching q, newest first.
func (s *Store) Query(ctx context.Context, q store.Query) ([]store.CycleRecord, error) {
	q, err := q.Normalize()
	if err != nil {
		return nil, err
	}

	var (
		where []string
		args  []any
	)
	if q.AgentID != "" {
		where = append(where, "agent_id = ?")
		args = append(args, q.AgentID)
	}
	if !q.Since.IsZero() {
		where = append(where, "timestamp_us >= ?")
		args = append(args, q.Since.UnixMicro())
	}
	if !q.Until.IsZero() {
		where = append(where, "timestamp_us <= ?")
		args = append(args, q.Until.UnixMicro())
	}
	if q.Before != nil {
		ts := q.Before.Timestamp.UnixMicro()
		where = append(where, "(timestamp_us < ? OR (timestamp_us = ? AND id < ?))")
		args = append(args, ts, ts, q.Before.ID)
	}

	var b strings.Builder
	b.WriteString("SELECT ")
	b.WriteString(selectColumns)
	b.WriteString(" FROM agent_activities")
	if len(where) > 0 {
		b.WriteString(" WHERE ")
		b.WriteString(strings.Join(where, " AND "))
	}
	b.WriteString(" ORDER BY timestamp_us DESC, id DESC LIMIT ? OFFSET ?")
	args = append(args, q.Limit, q.Offset)

	var rows []activityRow
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(b.String()), args...); err != nil {
		return nil, &store.StoreError{Op: "query", Err: err}
	}

	out := make([]store.CycleRecord, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toRecord())
	}
	return out, nil
}

// ListAgents returns one summary per agent with activity, most recently
// active first.
func (s *Store) ListAgents(ctx context.Context) ([]store.AgentSummary, error) {
	const q = `SELECT a.agent_id, a.agent_name, a.timestamp_us, c.total
		FROM agent_activities a
		JOIN (SELECT agent_id, MAX(id) AS last_id, COUNT(*) AS total
		      FROM agent_activities GROUP BY agent_id) c
		  ON a.id = c.last_id
		ORDER BY a.timestamp_us DESC, a.id DESC`

	rows, err := s.db.QueryxContext(ctx, q)
	if err != nil {
		return nil, &store.StoreError{Op: "list_agents", Err: err}
	}
	defer rows.Close()

	out := []store.AgentSummary{}
	for rows.Next() {
		var (
			sum  store.AgentSummary
			name sql.NullString
			ts   int64
		)
		if err := rows.Scan(&sum.AgentID, &name, &ts, &sum.TotalCycles); err != nil {
			return nil, &store.StoreError{Op: "list_agents", Err: err}
		}
		sum.AgentName = name.String
		sum.LastActivity = time.UnixMicro(ts).UTC()
		out = append(out, sum)
	}
	if err := rows.Err(); err != nil {
		return nil, &store.StoreError{Op: "list_agents", Err: err}
	}
	return out, nil
}

// LastCycleNumber returns the highest cycle number recorded for agentID.
func (s *Store) LastCycleNumber(ctx context.Context, agentID string) (int, error) {
	var n int
	q := s.db.Rebind(`SELECT COALESCE(MAX(cycle_number), 0) FROM agent_activities WHERE agent_id = ?`)
	if err := s.db.GetContext(ctx, &n, q, agentID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, nil
		}
		return 0, &store.StoreError{Op: "last_cycle", Err: err}
	}
	return n, nil
}

func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return &store.StoreError{Op: "ping", Err: err}
	}
	return nil
}

func (s *Store) Close() error {
	slog.Debug("activity store closing", "dialect", s.dialect)
	return s.db.Close()
}

func (r activityRow) toRecord() store.CycleRecord {
	rec := store.CycleRecord{
		ID:           r.ID,
		AgentID:      r.AgentID,
		AgentName:    r.AgentName.String,
		CycleNumber:  r.CycleNumber,
		Timestamp:    time.UnixMicro(r.TimestampUS).UTC(),
		ResponseText: r.ResponseText.String,
		StopReason:   r.StopReason.String,
		Usage: store.Usage{
			Tokens:       r.Tokens,
			InputTokens:  r.InputTokens,
			OutputTokens: r.OutputTokens,
		},
		Status:       store.Status(r.Status),
		ErrorMessage: r.ErrorMessage.String,
	}
	if r.ToolCalls.Valid && r.ToolCalls.String != "" {
		if err := json.Unmarshal([]byte(r.ToolCalls.String), &rec.ToolCalls); err != nil {
			slog.Warn("activity row has malformed tool_calls", "id", r.ID, "error", err)
		}
	}
	if r.Metadata.Valid && r.Metadata.String != "" {
		if err := json.Unmarshal([]byte(r.Metadata.String), &rec.Metadata); err != nil {
			slog.Warn("activity row has malformed metadata", "id", r.ID, "error", err)
		}
	}
	return rec
}

func nilStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}
