// Package store defines the activity log: an append-only record of agent
// activation cycles with filtered, paginated retrieval.
//
// Implementations live in sub-packages: sqlstore holds the SQL logic shared by
// the sqlite (standalone) and pg (managed) backends.
package store

import "context"

// ActivityStore is the durable log of cycle outcomes.
//
// Append assigns a store-unique, monotonically increasing ID. Query returns
// records ordered by timestamp descending (ties broken by ID descending), so
// Limit/Offset windows over one filter are stable. Reads observe a snapshot
// as of the start of the statement and never block writers.
type ActivityStore interface {
	Append(ctx context.Context, rec *CycleRecord) (int64, error)
	Query(ctx context.Context, q Query) ([]CycleRecord, error)
	ListAgents(ctx context.Context) ([]AgentSummary, error)

	// LastCycleNumber returns the highest recorded cycle number for an
	// agent, or 0 if it has none.
	LastCycleNumber(ctx context.Context, agentID string) (int, error)

	Ping(ctx context.Context) error
	Close() error
}
