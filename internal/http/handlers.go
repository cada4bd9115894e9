package http

import (
	"fmt"
	"net/http"

	"github.com/nextlevelbuilder/agentengine/internal/stats"
	"github.com/nextlevelbuilder/agentengine/internal/store"
)

func (s *Server) handleActivities(w http.ResponseWriter, r *http.Request) {
	q, err := activityQuery(r, s.now())
	if err != nil {
		writeError(w, "activities", err)
		return
	}
	records, err := s.store.Query(r.Context(), q)
	if err != nil {
		writeError(w, "activities", err)
		return
	}
	if records == nil {
		records = []store.CycleRecord{}
	}
	writeJSON(w, http.StatusOK, records)
}

func (s *Server) handleAgents(w http.ResponseWriter, r *http.Request) {
	agents, err := s.store.ListAgents(r.Context())
	if err != nil {
		writeError(w, "agents", err)
		return
	}
	if agents == nil {
		agents = []store.AgentSummary{}
	}
	writeJSON(w, http.StatusOK, agents)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	agentID := r.PathValue("agent_id")
	if err := store.ValidateAgentID(agentID); err != nil {
		writeError(w, "stats", err)
		return
	}
	days, err := statsDays(r)
	if err != nil {
		writeError(w, "stats", err)
		return
	}

	key := fmt.Sprintf("%s|%d", agentID, days)
	if s.cache != nil {
		if st, ok := s.cache.Get(key); ok {
			writeJSON(w, http.StatusOK, st)
			return
		}
	}

	st, err := stats.Compute(r.Context(), s.store, agentID, days, s.now())
	if err != nil {
		writeError(w, "stats", err)
		return
	}
	if s.cache != nil {
		s.cache.Add(key, st)
	}
	writeJSON(w, http.StatusOK, st)
}
