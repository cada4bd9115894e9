package store

import (
	"context"
	"errors"
	"log/slog"
	"math/rand/v2"
	"time"
)

// RetryConfig controls exponential backoff for failed appends.
type RetryConfig struct {
	MaxRetries int           // max retry attempts (0 = no retry)
	BaseDelay  time.Duration // initial backoff delay
	MaxDelay   time.Duration // maximum backoff delay
}

// DefaultRetryConfig returns the defaults used by the engine.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries: 2,
		BaseDelay:  100 * time.Millisecond,
		MaxDelay:   2 * time.Second,
	}
}

// WithRetry wraps s so that Append is retried on I/O failure.
// Validation errors and duplicate cycles are returned immediately. Reads
// pass through.
func WithRetry(s ActivityStore, cfg RetryConfig) ActivityStore {
	return &retryStore{ActivityStore: s, cfg: cfg}
}

type retryStore struct {
	ActivityStore
	cfg RetryConfig
}

func (r *retryStore) Append(ctx context.Context, rec *CycleRecord) (int64, error) {
	var (
		id  int64
		err error
	)
	for attempt := 0; attempt <= r.cfg.MaxRetries; attempt++ {
		id, err = r.ActivityStore.Append(ctx, rec)
		if err == nil {
			return id, nil
		}
		var ve *ValidationError
		if errors.As(err, &ve) || errors.Is(err, ErrDuplicateCycle) {
			return 0, err
		}
		if attempt == r.cfg.MaxRetries {
			break
		}

		delay := backoffWithJitter(r.cfg.BaseDelay, r.cfg.MaxDelay, attempt)
		slog.Warn("activity append failed, retrying",
			"agent", rec.AgentID, "cycle", rec.CycleNumber, "attempt", attempt+1, "delay", delay, "error", err)

		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return 0, &StoreError{Op: "append", Err: ctx.Err()}
		case <-t.C:
		}
	}

	var se *StoreError
	if errors.As(err, &se) {
		return 0, err
	}
	return 0, &StoreError{Op: "append", Err: err}
}

// backoffWithJitter computes delay = min(base * 2^attempt, max) + jitter(±25%).
func backoffWithJitter(base, max time.Duration, attempt int) time.Duration {
	delay := base << uint(attempt)
	if delay > max || delay <= 0 {
		delay = max
	}

	quarter := delay / 4
	if quarter > 0 {
		jitter := time.Duration(rand.Int64N(int64(quarter*2))) - quarter
		delay += jitter
	}

	return delay
}
