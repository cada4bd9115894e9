package http

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/nextlevelbuilder/agentengine/internal/stats"
	"github.com/nextlevelbuilder/agentengine/internal/store"
)

// intParam parses an optional integer query parameter.
func intParam(r *http.Request, name string, def int) (int, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, &store.ValidationError{Field: name, Reason: "must be an integer"}
	}
	return n, nil
}

// activityQuery builds a normalized store query from the request. The path
// agent_id, when present, wins over the agent_id query parameter.
func activityQuery(r *http.Request, now time.Time) (store.Query, error) {
	q := store.Query{AgentID: r.PathValue("agent_id")}
	if q.AgentID == "" {
		q.AgentID = r.URL.Query().Get("agent_id")
	}

	var err error
	if q.Limit, err = intParam(r, "limit", store.DefaultQueryLimit); err != nil {
		return store.Query{}, err
	}
	// Normalize treats 0 as "default"; an explicit 0 is a client error here.
	if q.Limit < 1 {
		return store.Query{}, &store.ValidationError{Field: "limit", Reason: fmt.Sprintf("must be between 1 and %d", store.MaxQueryLimit)}
	}
	if q.Offset, err = intParam(r, "offset", 0); err != nil {
		return store.Query{}, err
	}
	hours, err := intParam(r, "hours", 0)
	if err != nil {
		return store.Query{}, err
	}
	if r.URL.Query().Has("hours") {
		if q.Since, err = store.HoursAgo(now, hours); err != nil {
			return store.Query{}, err
		}
	}
	return q.Normalize()
}

func statsDays(r *http.Request) (int, error) {
	days, err := intParam(r, "days", stats.DefaultWindowDays)
	if err != nil {
		return 0, err
	}
	return days, stats.ValidateWindow(days)
}
