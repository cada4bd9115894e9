package store

import (
	"encoding/json"
	"time"
)

// Status is the recorded outcome of an activation cycle.
type Status string

const (
	StatusSuccess   Status = "success"
	StatusError     Status = "error"
	StatusRateLimit Status = "rate_limit"
)

// Valid reports whether s is one of the recorded statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusSuccess, StatusError, StatusRateLimit:
		return true
	}
	return false
}

// ToolCall is one tool invocation reported by the remote agent.
type ToolCall struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
	CallID    string          `json:"id,omitempty"`
}

// Usage holds token counts for one cycle.
type Usage struct {
	Tokens       int `json:"tokens"`
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Metadata keys written by the engine.
const (
	MetaActivationInstruction = "activation_instruction"
	MetaRunID                 = "run_id"
	MetaDurationMS            = "duration_ms"
	MetaRateLimitDetail       = "rate_limit_detail"
	MetaFatal                 = "fatal"
	MetaStoreAttempts         = "store_attempts"
)

// CycleRecord is the durable outcome of one activation cycle.
// Records are never mutated after Append.
type CycleRecord struct {
	ID           int64             `json:"id"`
	AgentID      string            `json:"agent_id"`
	AgentName    string            `json:"agent_name"`
	CycleNumber  int               `json:"cycle_number"`
	Timestamp    time.Time         `json:"timestamp"`
	ResponseText string            `json:"response_text,omitempty"`
	ToolCalls    []ToolCall        `json:"tool_calls,omitempty"`
	StopReason   string            `json:"stop_reason,omitempty"`
	Usage        Usage             `json:"usage"`
	Status       Status            `json:"status"`
	ErrorMessage string            `json:"error_message,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// Query filters and paginates activity retrieval.
// Zero Since/Until mean unbounded; zero Limit means DefaultQueryLimit.
type Query struct {
	AgentID string
	Since   time.Time
	Until   time.Time
	Limit   int
	Offset  int

	// Before, when set, keeps only records older than the cursor in
	// newest-first order. Pages keyed on it stay consistent while new
	// records are appended.
	Before *Cursor
}

// Cursor is a position in the (timestamp DESC, id DESC) ordering.
type Cursor struct {
	Timestamp time.Time
	ID        int64
}

// CursorAfter returns the cursor that continues a page ending at rec.
func CursorAfter(rec CycleRecord) *Cursor {
	return &Cursor{Timestamp: rec.Timestamp, ID: rec.ID}
}

const (
	DefaultQueryLimit = 100
	MaxQueryLimit     = 1000
)

// AgentSummary is one row of ListAgents.
type AgentSummary struct {
	AgentID      string    `json:"agent_id"`
	AgentName    string    `json:"agent_name"`
	LastActivity time.Time `json:"last_activity"`
	TotalCycles  int       `json:"total_cycles"`
}
