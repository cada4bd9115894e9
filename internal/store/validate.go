package store

import (
	"fmt"
	"time"
)

// MaxAgentIDLength matches the VARCHAR(255) agent_id column.
const MaxAgentIDLength = 255

// MaxQueryHours bounds hour windows well below time.Duration overflow.
const MaxQueryHours = 100 * 365 * 24

// HoursAgo returns the start of a trailing window of hours ending at now.
func HoursAgo(now time.Time, hours int) (time.Time, error) {
	if hours < 1 || hours > MaxQueryHours {
		return time.Time{}, &ValidationError{Field: "hours", Reason: fmt.Sprintf("must be between 1 and %d", MaxQueryHours)}
	}
	return now.Add(-time.Duration(hours) * time.Hour), nil
}

// ValidateAgentID checks that an agent identifier fits the schema.
func ValidateAgentID(id string) error {
	if len(id) > MaxAgentIDLength {
		return &ValidationError{
			Field:  "agent_id",
			Reason: fmt.Sprintf("too long: %d chars (max %d)", len(id), MaxAgentIDLength),
		}
	}
	return nil
}

// Normalize applies defaults and bounds to a query.
func (q Query) Normalize() (Query, error) {
	if q.Limit == 0 {
		q.Limit = DefaultQueryLimit
	}
	if q.Limit < 1 || q.Limit > MaxQueryLimit {
		return q, &ValidationError{Field: "limit", Reason: fmt.Sprintf("must be between 1 and %d", MaxQueryLimit)}
	}
	if q.Offset < 0 {
		return q, &ValidationError{Field: "offset", Reason: "must be >= 0"}
	}
	if err := ValidateAgentID(q.AgentID); err != nil {
		return q, err
	}
	if !q.Since.IsZero() && !q.Until.IsZero() && q.Until.Before(q.Since) {
		return q, &ValidationError{Field: "until", Reason: "must not be before since"}
	}
	return q, nil
}

// ValidateRecord checks the status/error_message invariant of a record
// before it is persisted.
func ValidateRecord(rec *CycleRecord) error {
	if rec.AgentID == "" {
		return &ValidationError{Field: "agent_id", Reason: "required"}
	}
	if err := ValidateAgentID(rec.AgentID); err != nil {
		return err
	}
	if rec.CycleNumber < 1 {
		return &ValidationError{Field: "cycle_number", Reason: "must be >= 1"}
	}
	if !rec.Status.Valid() {
		return &ValidationError{Field: "status", Reason: fmt.Sprintf("unknown status %q", rec.Status)}
	}
	if rec.Status == StatusError && rec.ErrorMessage == "" {
		return &ValidationError{Field: "error_message", Reason: "required when status is error"}
	}
	if rec.Status != StatusError && rec.ErrorMessage != "" {
		return &ValidationError{Field: "error_message", Reason: "only allowed when status is error"}
	}
	return nil
}
