package engine

import (
	"context"
	"errors"

	"github.com/nextlevelbuilder/agentengine/internal/providers"
	"github.com/nextlevelbuilder/agentengine/internal/store"
)

// Outcome is the classified result of one invocation.
type Outcome string

const (
	OutcomeSuccess   Outcome = "success"
	OutcomeError     Outcome = "error"
	OutcomeRateLimit Outcome = "rate_limit"
	OutcomeFatal     Outcome = "fatal"
)

// Status maps an outcome to the recorded status. Fatal cycles are recorded
// as errors.
func (o Outcome) Status() store.Status {
	switch o {
	case OutcomeSuccess:
		return store.StatusSuccess
	case OutcomeRateLimit:
		return store.StatusRateLimit
	}
	return store.StatusError
}

const errMalformedResponse = "malformed response"

// Classify maps an invocation result to an outcome and, for non-success
// outcomes, the message to record.
func Classify(resp *providers.Response, err error) (Outcome, string) {
	if err == nil {
		if resp == nil {
			return OutcomeError, errMalformedResponse
		}
		return OutcomeSuccess, ""
	}

	msg := err.Error()
	switch providers.KindOf(err) {
	case providers.KindRateLimited:
		return OutcomeRateLimit, msg
	case providers.KindFatal:
		return OutcomeFatal, msg
	case providers.KindTransient:
		return OutcomeError, msg
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return OutcomeError, msg
	}
	if providers.ClassifyMessage(msg) == providers.KindRateLimited {
		return OutcomeRateLimit, msg
	}
	return OutcomeError, msg
}
