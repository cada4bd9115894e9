package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/nextlevelbuilder/agentengine/internal/engine"
	"github.com/nextlevelbuilder/agentengine/internal/stats"
	"github.com/nextlevelbuilder/agentengine/internal/store"
	"github.com/nextlevelbuilder/agentengine/internal/store/sqlite"
)

var now = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

// seededServer returns a server over a temp SQLite store holding five
// cycles for agent-a (hourly, newest at now-1h) and one for agent-b.
func seededServer(t *testing.T, cfg Config) (*Server, store.ActivityStore) {
	t.Helper()
	st, err := sqlite.Open(filepath.Join(t.TempDir(), "activities.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	ctx := context.Background()
	statuses := []store.Status{store.StatusSuccess, store.StatusError, store.StatusRateLimit, store.StatusSuccess, store.StatusSuccess}
	for i, status := range statuses {
		rec := &store.CycleRecord{
			AgentID:     "agent-a",
			AgentName:   "Alpha",
			CycleNumber: i + 1,
			Timestamp:   now.Add(-time.Duration(len(statuses)-i) * time.Hour),
			Status:      status,
			Usage:       store.Usage{Tokens: 10 * (i + 1)},
		}
		if status == store.StatusError {
			rec.ErrorMessage = "timeout"
		}
		if _, err := st.Append(ctx, rec); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}
	if _, err := st.Append(ctx, &store.CycleRecord{
		AgentID: "agent-b", AgentName: "Beta", CycleNumber: 1,
		Timestamp: now.Add(-30 * time.Minute), Status: store.StatusSuccess,
	}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	s := NewServer(st, nil, cfg)
	s.now = func() time.Time { return now }
	t.Cleanup(s.limiter.Close)
	return s, st
}

func get(t *testing.T, h http.Handler, path string, hdr ...string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	for i := 0; i+1 < len(hdr); i += 2 {
		req.Header.Set(hdr[i], hdr[i+1])
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func decode[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rr.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %q: %v", rr.Body.String(), err)
	}
	return v
}

func TestActivitiesEndpoints(t *testing.T) {
	s, _ := seededServer(t, Config{})
	h := s.Handler()

	tests := []struct {
		name    string
		path    string
		wantLen int
		first   string // agent_id of the first record
	}{
		{"all", "/api/activities", 6, "agent-b"},
		{"filter_param", "/api/activities?agent_id=agent-a", 5, "agent-a"},
		{"path", "/api/activities/agent-a", 5, "agent-a"},
		{"limit", "/api/activities/agent-a?limit=2", 2, "agent-a"},
		{"offset", "/api/activities/agent-a?limit=2&offset=4", 1, "agent-a"},
		{"hours", "/api/activities?hours=2", 3, "agent-b"},
		{"unknown_agent", "/api/activities/nobody", 0, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := get(t, h, tt.path)
			if rr.Code != http.StatusOK {
				t.Fatalf("status = %d, body %s", rr.Code, rr.Body)
			}
			recs := decode[[]store.CycleRecord](t, rr)
			if len(recs) != tt.wantLen {
				t.Fatalf("len = %d, want %d", len(recs), tt.wantLen)
			}
			if tt.wantLen > 0 && recs[0].AgentID != tt.first {
				t.Errorf("first agent = %q, want %q", recs[0].AgentID, tt.first)
			}
			for i := 1; i < len(recs); i++ {
				if recs[i].Timestamp.After(recs[i-1].Timestamp) {
					t.Errorf("records not newest first at %d", i)
				}
			}
		})
	}
}

func TestActivitiesEmptyIsArray(t *testing.T) {
	s, _ := seededServer(t, Config{})
	rr := get(t, s.Handler(), "/api/activities/nobody")
	if got := strings.TrimSpace(rr.Body.String()); got != "[]" {
		t.Errorf("body = %s, want []", got)
	}
}

func TestPaginationConcatenates(t *testing.T) {
	s, _ := seededServer(t, Config{})
	h := s.Handler()

	page1 := decode[[]store.CycleRecord](t, get(t, h, "/api/activities?limit=3&offset=0"))
	page2 := decode[[]store.CycleRecord](t, get(t, h, "/api/activities?limit=3&offset=3"))
	full := decode[[]store.CycleRecord](t, get(t, h, "/api/activities?limit=6"))

	joined := append(page1, page2...)
	if len(joined) != len(full) {
		t.Fatalf("pages = %d records, full = %d", len(joined), len(full))
	}
	for i := range full {
		if joined[i].ID != full[i].ID {
			t.Errorf("record %d: page id %d, full id %d", i, joined[i].ID, full[i].ID)
		}
	}
}

func TestParameterErrors(t *testing.T) {
	s, _ := seededServer(t, Config{})
	h := s.Handler()

	paths := []string{
		"/api/activities?limit=0",
		"/api/activities?limit=1001",
		"/api/activities?limit=abc",
		"/api/activities?offset=-1",
		"/api/activities?hours=0",
		"/api/activities?hours=876001",
		"/api/activities?hours=3000000",
		"/api/activities/" + strings.Repeat("x", store.MaxAgentIDLength+1),
		"/api/stats/agent-a?days=0",
		"/api/stats/agent-a?days=366",
		"/api/stats/agent-a?days=week",
	}
	for _, p := range paths {
		t.Run(p, func(t *testing.T) {
			rr := get(t, h, p)
			if rr.Code != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400", rr.Code)
			}
			if body := decode[map[string]string](t, rr); body["error"] == "" {
				t.Errorf("missing error field: %v", body)
			}
		})
	}
}

func TestAgentsEndpoint(t *testing.T) {
	s, _ := seededServer(t, Config{})
	agents := decode[[]store.AgentSummary](t, get(t, s.Handler(), "/api/agents"))
	if len(agents) != 2 {
		t.Fatalf("agents = %+v", agents)
	}
	byID := map[string]store.AgentSummary{}
	for _, a := range agents {
		byID[a.AgentID] = a
	}
	if byID["agent-a"].TotalCycles != 5 || byID["agent-a"].AgentName != "Alpha" || byID["agent-b"].TotalCycles != 1 {
		t.Errorf("agents = %+v", agents)
	}
}

func TestStatsEndpoint(t *testing.T) {
	s, _ := seededServer(t, Config{})
	rr := get(t, s.Handler(), "/api/stats/agent-a")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rr.Code, rr.Body)
	}
	st := decode[stats.Stats](t, rr)
	if st.TotalCycles != 5 || st.SuccessfulCycles != 3 || st.ErrorCycles != 1 || st.RateLimitCycles != 1 {
		t.Errorf("stats = %+v", st)
	}
	if st.TotalTokens != 150 || st.AvgTokensPerCycle != 30 || st.PeriodDays != stats.DefaultWindowDays {
		t.Errorf("stats = %+v", st)
	}
}

func TestStatsCache(t *testing.T) {
	s, st := seededServer(t, Config{StatsCacheTTL: time.Minute})
	h := s.Handler()

	first := decode[stats.Stats](t, get(t, h, "/api/stats/agent-b"))
	if _, err := st.Append(context.Background(), &store.CycleRecord{
		AgentID: "agent-b", AgentName: "Beta", CycleNumber: 2,
		Timestamp: now.Add(-time.Minute), Status: store.StatusSuccess,
	}); err != nil {
		t.Fatal(err)
	}
	cached := decode[stats.Stats](t, get(t, h, "/api/stats/agent-b"))
	if cached.TotalCycles != first.TotalCycles {
		t.Errorf("cached total = %d, want %d", cached.TotalCycles, first.TotalCycles)
	}
	other := decode[stats.Stats](t, get(t, h, "/api/stats/agent-b?days=1"))
	if other.TotalCycles != 2 {
		t.Errorf("different window should miss the cache: total = %d", other.TotalCycles)
	}
}

type failingStore struct{ store.ActivityStore }

func (failingStore) Query(context.Context, store.Query) ([]store.CycleRecord, error) {
	return nil, &store.StoreError{Op: "query", Err: errors.New("disk gone")}
}

func (failingStore) ListAgents(context.Context) ([]store.AgentSummary, error) {
	return nil, &store.StoreError{Op: "list_agents", Err: errors.New("disk gone")}
}

func (failingStore) Ping(context.Context) error { return errors.New("disk gone") }

func TestStoreFailures(t *testing.T) {
	s := NewServer(failingStore{}, nil, Config{})
	defer s.limiter.Close()
	h := s.Handler()

	for _, p := range []string{"/api/activities", "/api/agents", "/api/stats/a"} {
		if rr := get(t, h, p); rr.Code != http.StatusInternalServerError {
			t.Errorf("%s: status = %d, want 500", p, rr.Code)
		}
	}

	rr := get(t, h, "/health")
	body := decode[map[string]string](t, rr)
	if rr.Code != http.StatusServiceUnavailable || body["status"] != "degraded" || body["storage"] != "unavailable" {
		t.Errorf("health = %d %v", rr.Code, body)
	}
}

func TestHealthAndIndex(t *testing.T) {
	s, _ := seededServer(t, Config{})
	h := s.Handler()

	body := decode[map[string]string](t, get(t, h, "/health"))
	if body["status"] != "healthy" || body["storage"] != "initialized" {
		t.Errorf("health = %v", body)
	}

	idx := decode[map[string]any](t, get(t, h, "/"))
	if idx["service"] == nil || idx["endpoints"] == nil {
		t.Errorf("index = %v", idx)
	}
	if rr := get(t, h, "/nope"); rr.Code != http.StatusNotFound {
		t.Errorf("unknown path status = %d", rr.Code)
	}
}

type fakeEngine struct{}

func (fakeEngine) Status() []engine.AgentStatus {
	last := time.Date(2026, 3, 10, 11, 0, 0, 0, time.UTC)
	return []engine.AgentStatus{{
		AgentID: "agent-a", Name: "Alpha", State: engine.TaskWaiting,
		CyclesRun: 5, ConsecutiveErrors: 2, LastActivation: &last,
	}}
}

func (fakeEngine) State() engine.State { return engine.StateRunning }

func TestEngineStatus(t *testing.T) {
	s, _ := seededServer(t, Config{})
	h := s.Handler()

	if rr := get(t, h, "/api/engine/status"); rr.Code != http.StatusServiceUnavailable {
		t.Errorf("without engine: status = %d, want 503", rr.Code)
	}

	s.SetEngine(fakeEngine{})
	rr := get(t, h, "/api/engine/status")
	var body struct {
		State  engine.State         `json:"state"`
		Agents []engine.AgentStatus `json:"agents"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body.State != engine.StateRunning || len(body.Agents) != 1 || body.Agents[0].CyclesRun != 5 {
		t.Errorf("body = %+v", body)
	}

	var raw struct {
		Agents []map[string]any `json:"agents"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &raw); err != nil {
		t.Fatal(err)
	}
	for _, key := range []string{"name", "agent_id", "cycle_interval", "total_cycles_run", "last_activation_time", "consecutive_error_count", "halted"} {
		if _, ok := raw.Agents[0][key]; !ok {
			t.Errorf("status missing %q: %v", key, raw.Agents[0])
		}
	}
}

func TestBearerToken(t *testing.T) {
	s, _ := seededServer(t, Config{Token: "secret"})
	h := s.Handler()

	tests := []struct {
		name   string
		path   string
		hdr    []string
		status int
	}{
		{"missing", "/api/agents", nil, http.StatusUnauthorized},
		{"wrong", "/api/agents", []string{"Authorization", "Bearer nope"}, http.StatusUnauthorized},
		{"not_bearer", "/api/agents", []string{"Authorization", "secret"}, http.StatusUnauthorized},
		{"ok", "/api/agents", []string{"Authorization", "Bearer secret"}, http.StatusOK},
		{"health_open", "/health", nil, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if rr := get(t, h, tt.path, tt.hdr...); rr.Code != tt.status {
				t.Errorf("status = %d, want %d", rr.Code, tt.status)
			}
		})
	}
}

func TestCORSAllowsAnyOrigin(t *testing.T) {
	s, _ := seededServer(t, Config{})
	rr := get(t, s.Handler(), "/api/agents", "Origin", "http://dashboard.example")
	if got := rr.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Errorf("Access-Control-Allow-Origin = %q", got)
	}
}

func TestRateLimitPerClient(t *testing.T) {
	s, _ := seededServer(t, Config{RateLimitRPM: 1})
	h := s.Handler()

	// Burst is 5; the refill at 1/min is negligible within the test.
	for i := 0; i < 5; i++ {
		if rr := get(t, h, "/health"); rr.Code != http.StatusOK {
			t.Fatalf("request %d: status = %d", i, rr.Code)
		}
	}
	if rr := get(t, h, "/health"); rr.Code != http.StatusTooManyRequests {
		t.Errorf("6th request status = %d, want 429", rr.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.RemoteAddr = "10.0.0.9:4000"
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Errorf("other client status = %d, want 200", rr.Code)
	}
}

func TestRateLimiterCleanup(t *testing.T) {
	rl := NewRateLimiter(60, 1)
	defer rl.Close()

	rl.Allow("old")
	rl.cleanup(time.Now().Add(limiterIdleTTL + time.Minute))
	if _, ok := rl.limiters.Load("old"); ok {
		t.Error("idle entry survived cleanup")
	}
}

func TestMetricsEndpoint(t *testing.T) {
	reg := prometheus.NewRegistry()
	engine.MustNewMetrics(reg)

	s, _ := seededServer(t, Config{Gatherer: reg})
	rr := get(t, s.Handler(), "/metrics")
	if rr.Code != http.StatusOK || !strings.Contains(rr.Body.String(), "agentengine_tasks_running") {
		t.Errorf("metrics = %d %s", rr.Code, rr.Body)
	}
}
