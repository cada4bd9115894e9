// Package http serves the read-only query surface over the activity store,
// computed statistics and the live engine status.
package http

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"

	"github.com/nextlevelbuilder/agentengine/internal/engine"
	"github.com/nextlevelbuilder/agentengine/internal/stats"
	"github.com/nextlevelbuilder/agentengine/internal/store"
)

const (
	serviceName    = "Agent Autonomous Engine API"
	serviceVersion = "1.0.0"

	statsCacheSize = 256
	healthTimeout  = 2 * time.Second
)

// EngineView is the part of engine.Engine the server reads.
type EngineView interface {
	Status() []engine.AgentStatus
	State() engine.State
}

// Config configures a Server. Zero values disable the optional features.
type Config struct {
	Token         string        // bearer token required on /api routes
	RateLimitRPM  int           // per client IP
	StatsCacheTTL time.Duration // 0 disables the stats cache
	Gatherer      prometheus.Gatherer
}

// Server answers queries against an ActivityStore. It never writes.
type Server struct {
	store    store.ActivityStore
	token    string
	limiter  *RateLimiter
	cache    *expirable.LRU[string, stats.Stats]
	gatherer prometheus.Gatherer
	now      func() time.Time

	mu     sync.RWMutex
	engine EngineView
}

// NewServer creates a server over st. eng may be nil when the API runs
// without an engine in the same process.
func NewServer(st store.ActivityStore, eng EngineView, cfg Config) *Server {
	s := &Server{
		store:    st,
		engine:   eng,
		token:    cfg.Token,
		limiter:  NewRateLimiter(cfg.RateLimitRPM, 0),
		gatherer: cfg.Gatherer,
		now:      time.Now,
	}
	if cfg.StatsCacheTTL > 0 {
		s.cache = expirable.NewLRU[string, stats.Stats](statsCacheSize, nil, cfg.StatsCacheTTL)
	}
	return s
}

// SetEngine swaps the engine whose status is reported. Used when the engine
// is restarted after a config reload.
func (s *Server) SetEngine(eng EngineView) {
	s.mu.Lock()
	s.engine = eng
	s.mu.Unlock()
}

func (s *Server) currentEngine() EngineView {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.engine
}

// Handler returns the routed handler with CORS and rate limiting applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", s.handleIndex)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /api/activities", s.authMiddleware(s.handleActivities))
	mux.HandleFunc("GET /api/activities/{agent_id}", s.authMiddleware(s.handleActivities))
	mux.HandleFunc("GET /api/agents", s.authMiddleware(s.handleAgents))
	mux.HandleFunc("GET /api/stats/{agent_id}", s.authMiddleware(s.handleStats))
	mux.HandleFunc("GET /api/engine/status", s.authMiddleware(s.handleEngineStatus))

	if s.gatherer != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}

	return cors.AllowAll().Handler(s.rateLimitMiddleware(mux))
}

// ListenAndServe serves on addr until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve is ListenAndServe over an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	httpSrv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	defer s.limiter.Close()

	errc := make(chan error, 1)
	go func() { errc <- httpSrv.Serve(ln) }()
	slog.Info("api server listening", "addr", ln.Addr().String())

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("api server shutdown", "error", err)
	}
	slog.Info("api server stopped")
	return nil
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"service": serviceName,
		"version": serviceVersion,
		"endpoints": map[string]string{
			"activities":       "/api/activities",
			"agent_activities": "/api/activities/{agent_id}",
			"agents":           "/api/agents",
			"stats":            "/api/stats/{agent_id}",
			"engine_status":    "/api/engine/status",
			"health":           "/health",
		},
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
	defer cancel()

	if err := s.store.Ping(ctx); err != nil {
		slog.Warn("health check: store unavailable", "error", err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded", "storage": "unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy", "storage": "initialized"})
}

func (s *Server) handleEngineStatus(w http.ResponseWriter, r *http.Request) {
	eng := s.currentEngine()
	if eng == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "engine not running in this process"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"state":  eng.State(),
		"agents": eng.Status(),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("write response", "error", err)
	}
}

// writeError maps validation errors to 400 and everything else to 500.
func writeError(w http.ResponseWriter, route string, err error) {
	var ve *store.ValidationError
	if errors.As(err, &ve) {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": ve.Error()})
		return
	}
	slog.Error("api query failed", "route", route, "error", err)
	writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
}
