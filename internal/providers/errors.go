package providers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Kind classifies an invocation failure.
type Kind string

const (
	KindRateLimited Kind = "rate_limited"
	KindTransient   Kind = "transient"
	KindFatal       Kind = "fatal" // unknown or unauthorized agent identity
)

// Error is an invocation failure with its classification.
type Error struct {
	Kind       Kind
	StatusCode int // 0 when no HTTP response was received
	Message    string
	Err        error
}

func (e *Error) Error() string {
	switch {
	case e.StatusCode != 0 && e.Message != "":
		return fmt.Sprintf("%s (%d): %s", e.Kind, e.StatusCode, e.Message)
	case e.StatusCode != 0:
		return fmt.Sprintf("%s (%d)", e.Kind, e.StatusCode)
	case e.Err != nil && e.Message != "":
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf returns the Kind of err, or "" when err carries none.
func KindOf(err error) Kind {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return ""
}

// ClassifyStatus maps an HTTP status from the agent server to a Kind.
func ClassifyStatus(code int) Kind {
	switch {
	case code == http.StatusTooManyRequests:
		return KindRateLimited
	case code == http.StatusUnauthorized, code == http.StatusForbidden,
		code == http.StatusNotFound, code == http.StatusUnprocessableEntity:
		return KindFatal
	case code == http.StatusPaymentRequired:
		// Out of credits behaves like an exhausted quota.
		return KindRateLimited
	}
	return KindTransient
}

// ClassifyMessage applies substring heuristics to an untyped error message.
func ClassifyMessage(msg string) Kind {
	lower := strings.ToLower(msg)
	if containsAny(lower, "429", "rate limit", "rate_limit", "too many requests", "quota", "resource_exhausted") {
		return KindRateLimited
	}
	return KindTransient
}

// wrapTransport classifies a failed round trip.
func wrapTransport(err error) *Error {
	if errors.Is(err, context.DeadlineExceeded) {
		return &Error{Kind: KindTransient, Message: "timeout", Err: err}
	}
	return &Error{Kind: ClassifyMessage(err.Error()), Err: err}
}

func containsAny(s string, substrs ...string) bool {
	for _, sub := range substrs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
