package engine

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/nextlevelbuilder/agentengine/internal/providers"
	"github.com/nextlevelbuilder/agentengine/internal/store"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name    string
		resp    *providers.Response
		err     error
		want    Outcome
		wantMsg bool
	}{
		{"success", &providers.Response{Text: "done"}, nil, OutcomeSuccess, false},
		{"nil_response", nil, nil, OutcomeError, true},
		{"rate_limited", nil, &providers.Error{Kind: providers.KindRateLimited, StatusCode: 429}, OutcomeRateLimit, true},
		{"fatal", nil, &providers.Error{Kind: providers.KindFatal, StatusCode: 404}, OutcomeFatal, true},
		{"transient", nil, &providers.Error{Kind: providers.KindTransient, StatusCode: 503}, OutcomeError, true},
		{"wrapped_fatal", nil, fmt.Errorf("invoke: %w", &providers.Error{Kind: providers.KindFatal}), OutcomeFatal, true},
		{"deadline", nil, context.DeadlineExceeded, OutcomeError, true},
		{"untyped_429", nil, errors.New("Error code: 429"), OutcomeRateLimit, true},
		{"untyped_quota", nil, errors.New("insufficient_quota"), OutcomeRateLimit, true},
		{"untyped_other", nil, errors.New("connection refused"), OutcomeError, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, msg := Classify(tt.resp, tt.err)
			if got != tt.want {
				t.Errorf("outcome = %s, want %s", got, tt.want)
			}
			if (msg != "") != tt.wantMsg {
				t.Errorf("message = %q, wantMsg %v", msg, tt.wantMsg)
			}
		})
	}
}

func TestOutcomeStatus(t *testing.T) {
	tests := map[Outcome]store.Status{
		OutcomeSuccess:   store.StatusSuccess,
		OutcomeRateLimit: store.StatusRateLimit,
		OutcomeError:     store.StatusError,
		OutcomeFatal:     store.StatusError,
	}
	for o, want := range tests {
		if got := o.Status(); got != want {
			t.Errorf("%s.Status() = %s, want %s", o, got, want)
		}
	}
}
