package engine

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/nextlevelbuilder/agentengine/internal/clock"
	"github.com/nextlevelbuilder/agentengine/internal/providers"
	"github.com/nextlevelbuilder/agentengine/internal/store"
)

var t0 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

// memStore is an in-memory ActivityStore.
type memStore struct {
	mu      sync.Mutex
	records []store.CycleRecord
	nextID  int64
	failing bool
}

func (m *memStore) Append(_ context.Context, rec *store.CycleRecord) (int64, error) {
	if err := store.ValidateRecord(rec); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failing {
		return 0, &store.StoreError{Op: "append", Err: errors.New("disk full")}
	}
	m.nextID++
	rec.ID = m.nextID
	m.records = append(m.records, *rec)
	return rec.ID, nil
}

func (m *memStore) Query(_ context.Context, q store.Query) ([]store.CycleRecord, error) {
	q, err := q.Normalize()
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []store.CycleRecord
	for _, r := range m.records {
		if q.AgentID != "" && r.AgentID != q.AgentID {
			continue
		}
		if !q.Since.IsZero() && r.Timestamp.Before(q.Since) {
			continue
		}
		if !q.Until.IsZero() && r.Timestamp.After(q.Until) {
			continue
		}
		out = append(out, r)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	if q.Offset >= len(out) {
		return nil, nil
	}
	out = out[q.Offset:]
	if len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func (m *memStore) ListAgents(context.Context) ([]store.AgentSummary, error) { return nil, nil }

func (m *memStore) LastCycleNumber(_ context.Context, agentID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, r := range m.records {
		if r.AgentID == agentID && r.CycleNumber > n {
			n = r.CycleNumber
		}
	}
	return n, nil
}

func (m *memStore) Ping(context.Context) error { return nil }
func (m *memStore) Close() error               { return nil }

func (m *memStore) setFailing(v bool) {
	m.mu.Lock()
	m.failing = v
	m.mu.Unlock()
}

// forAgent returns the agent's records in append order.
func (m *memStore) forAgent(agentID string) []store.CycleRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []store.CycleRecord
	for _, r := range m.records {
		if r.AgentID == agentID {
			out = append(out, r)
		}
	}
	return out
}

type result struct {
	resp *providers.Response
	err  error
}

func ok(text string) result {
	return result{resp: &providers.Response{Text: text, StopReason: "end_turn", Usage: store.Usage{Tokens: 10}}}
}

func rateLimited() result {
	return result{err: &providers.Error{Kind: providers.KindRateLimited, StatusCode: 429, Message: "Too Many Requests"}}
}

func fatal() result {
	return result{err: &providers.Error{Kind: providers.KindFatal, StatusCode: 404, Message: "agent not found"}}
}

func transient() result {
	return result{err: &providers.Error{Kind: providers.KindTransient, StatusCode: 502, Message: "bad gateway"}}
}

// scriptedInvoker replays per-agent results, then succeeds.
type scriptedInvoker struct {
	mu      sync.Mutex
	scripts map[string][]result
	calls   map[string]int
}

func newScripted(scripts map[string][]result) *scriptedInvoker {
	return &scriptedInvoker{scripts: scripts, calls: map[string]int{}}
}

func (s *scriptedInvoker) Invoke(_ context.Context, req providers.Request) (*providers.Response, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls[req.AgentID]++
	queue := s.scripts[req.AgentID]
	if len(queue) == 0 {
		r := ok("default")
		return r.resp, r.err
	}
	r := queue[0]
	s.scripts[req.AgentID] = queue[1:]
	return r.resp, r.err
}

func (s *scriptedInvoker) callCount(agentID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[agentID]
}

func desc(id string, interval time.Duration) AgentDescriptor {
	return AgentDescriptor{AgentID: id, Name: "name-" + id, CycleInterval: interval, Enabled: true}
}

// waitTimers fails the test instead of hanging when the loop never arms.
func waitTimers(t *testing.T, clk *clock.FakeClock, n int) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		clk.WaitForTimers(n)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for %d pending timers (have %d)", n, clk.PendingTimers())
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func statusOf(e *Engine, agentID string) AgentStatus {
	for _, st := range e.Status() {
		if st.AgentID == agentID {
			return st
		}
	}
	return AgentStatus{}
}
