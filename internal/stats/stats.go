// Package stats summarizes an agent's recorded cycles over a trailing window.
package stats

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/nextlevelbuilder/agentengine/internal/store"
)

const (
	DefaultWindowDays = 7
	MaxWindowDays     = 365

	pageSize = store.MaxQueryLimit
)

// Querier is the read side of store.ActivityStore.
type Querier interface {
	Query(ctx context.Context, q store.Query) ([]store.CycleRecord, error)
}

// Stats is the summary for one agent over PeriodDays.
type Stats struct {
	AgentID           string  `json:"agent_id"`
	AgentName         string  `json:"agent_name"`
	TotalCycles       int     `json:"total_cycles"`
	SuccessfulCycles  int     `json:"successful_cycles"`
	ErrorCycles       int     `json:"error_cycles"`
	RateLimitCycles   int     `json:"rate_limit_cycles"`
	TotalToolCalls    int     `json:"total_tool_calls"`
	TotalTokens       int     `json:"total_tokens"`
	AvgTokensPerCycle float64 `json:"avg_tokens_per_cycle"`
	PeriodDays        int     `json:"period_days"`
}

// ValidateWindow checks days against 1..MaxWindowDays.
func ValidateWindow(days int) error {
	if days < 1 || days > MaxWindowDays {
		return &store.ValidationError{Field: "days", Reason: fmt.Sprintf("must be between 1 and %d", MaxWindowDays)}
	}
	return nil
}

// Compute aggregates every record of agentID in (now-windowDays, now].
// Records appended while it pages are either counted once or not at all.
// An agent with no records yields zero counts, not an error.
func Compute(ctx context.Context, q Querier, agentID string, windowDays int, now time.Time) (Stats, error) {
	if err := ValidateWindow(windowDays); err != nil {
		return Stats{}, err
	}

	st := Stats{AgentID: agentID, PeriodDays: windowDays}
	query := store.Query{
		AgentID: agentID,
		Since:   now.Add(-time.Duration(windowDays) * 24 * time.Hour),
		Until:   now,
		Limit:   pageSize,
	}

	for {
		page, err := q.Query(ctx, query)
		if err != nil {
			return Stats{}, err
		}
		for i := range page {
			st.add(&page[i])
		}
		if len(page) < pageSize {
			break
		}
		// Keyset paging: records appended meanwhile cannot shift a record
		// into the next page and get counted twice.
		query.Before = store.CursorAfter(page[len(page)-1])
	}

	if st.TotalCycles > 0 {
		avg := float64(st.TotalTokens) / float64(st.TotalCycles)
		st.AvgTokensPerCycle = math.Round(avg*100) / 100
	}
	return st, nil
}

func (st *Stats) add(r *store.CycleRecord) {
	// Pages are newest first; the first non-empty name seen is the latest.
	if st.AgentName == "" {
		st.AgentName = r.AgentName
	}
	st.TotalCycles++
	switch r.Status {
	case store.StatusSuccess:
		st.SuccessfulCycles++
	case store.StatusError:
		st.ErrorCycles++
	case store.StatusRateLimit:
		st.RateLimitCycles++
	}
	st.TotalToolCalls += len(r.ToolCalls)
	st.TotalTokens += r.Usage.Tokens
}
