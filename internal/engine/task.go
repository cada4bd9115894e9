package engine

import (
	"context"
	"log/slog"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/nextlevelbuilder/agentengine/internal/bus"
	"github.com/nextlevelbuilder/agentengine/internal/clock"
	"github.com/nextlevelbuilder/agentengine/internal/providers"
	"github.com/nextlevelbuilder/agentengine/internal/store"
)

// TaskState is the phase an agent loop is in.
type TaskState string

const (
	TaskWaiting   TaskState = "waiting"
	TaskInvoking  TaskState = "invoking"
	TaskRecording TaskState = "recording"
	TaskStopped   TaskState = "stopped"
	TaskHalted    TaskState = "halted"
)

// AgentStatus is an immutable snapshot of one agent loop.
type AgentStatus struct {
	AgentID           string     `json:"agent_id"`
	Name              string     `json:"name"`
	State             TaskState  `json:"state"`
	CycleInterval     string     `json:"cycle_interval"`
	NextCycleNumber   int        `json:"next_cycle_number"`
	CyclesRun         int        `json:"total_cycles_run"`
	ConsecutiveErrors int        `json:"consecutive_error_count"`
	LastActivation    *time.Time `json:"last_activation_time,omitempty"`
	NextFire          *time.Time `json:"next_fire,omitempty"`
	LastOutcome       Outcome    `json:"last_outcome,omitempty"`
	LastError         string     `json:"last_error,omitempty"`
	Halted            bool       `json:"halted"`
}

// task drives one agent's cycle loop. All mutable fields are owned by the
// run goroutine; other goroutines only read the published snapshot.
type task struct {
	desc         AgentDescriptor
	invoker      providers.Invoker
	store        store.ActivityStore
	clock        clock.Clock
	bus          bus.Publisher
	metrics      *Metrics
	tracer       trace.Tracer
	timeout      time.Duration
	storeTimeout time.Duration

	nextCycle         int
	cyclesRun         int
	consecutiveErrors int
	lastFire          time.Time
	lastOutcome       Outcome
	lastError         string

	status atomic.Pointer[AgentStatus]
	done   chan struct{}
}

func (t *task) snapshot() AgentStatus {
	return *t.status.Load()
}

func (t *task) publishStatus(state TaskState, nextFire time.Time) {
	st := &AgentStatus{
		AgentID:           t.desc.AgentID,
		Name:              t.desc.displayName(),
		State:             state,
		CycleInterval:     t.desc.CycleInterval.String(),
		NextCycleNumber:   t.nextCycle,
		CyclesRun:         t.cyclesRun,
		ConsecutiveErrors: t.consecutiveErrors,
		LastOutcome:       t.lastOutcome,
		LastError:         t.lastError,
		Halted:            state == TaskHalted,
	}
	if !t.lastFire.IsZero() {
		last := t.lastFire
		st.LastActivation = &last
	}
	if !nextFire.IsZero() {
		st.NextFire = &nextFire
	}
	t.status.Store(st)
}

// nextFire anchors the schedule on the previous fire time. An overrun makes
// the next cycle eligible at once instead of shifting every later cycle.
func nextFire(last time.Time, interval time.Duration, now time.Time) time.Time {
	next := last.Add(interval)
	if next.Before(now) {
		return now
	}
	return next
}

func (t *task) run(stop context.Context) {
	defer close(t.done)

	halted := false
	t.metrics.taskStarted()
	defer func() { t.metrics.taskExited(halted) }()

	slog.Info("agent loop started",
		"agent", t.desc.AgentID,
		"name", t.desc.displayName(),
		"interval", t.desc.CycleInterval,
		"next_cycle", t.nextCycle,
	)

	for {
		now := t.clock.Now()
		fireAt := now
		if !t.lastFire.IsZero() {
			fireAt = nextFire(t.lastFire, t.desc.CycleInterval, now)
		}
		t.publishStatus(TaskWaiting, fireAt)

		if !t.sleepUntil(stop, fireAt) {
			t.publishStatus(TaskStopped, time.Time{})
			t.emit(bus.EventAgentStopped, map[string]any{"cycles_run": t.cyclesRun})
			slog.Info("agent loop stopped", "agent", t.desc.AgentID, "cycles_run", t.cyclesRun)
			return
		}

		t.lastFire = fireAt
		if t.runCycle(stop) == OutcomeFatal {
			halted = true
			t.publishStatus(TaskHalted, time.Time{})
			t.emit(bus.EventAgentHalted, map[string]any{"error": t.lastError})
			slog.Error("agent halted after fatal outcome", "agent", t.desc.AgentID, "error", t.lastError)
			return
		}
	}
}

// sleepUntil waits for at or for stop. It reports false when stop was
// observed, including a stop that races with the timer.
func (t *task) sleepUntil(stop context.Context, at time.Time) bool {
	if d := at.Sub(t.clock.Now()); d > 0 {
		timer := t.clock.NewTimer(d)
		select {
		case <-stop.Done():
			timer.Stop()
			return false
		case <-timer.C:
		}
	}
	return stop.Err() == nil
}

// runCycle performs one invoke-classify-record pass and updates the task's
// bookkeeping.
func (t *task) runCycle(stop context.Context) Outcome {
	cycle := t.nextCycle
	started := t.clock.Now()
	runID := newRunID()

	// A stop must not abort an invocation that is already in flight.
	ctx, span := t.tracer.Start(context.WithoutCancel(stop), "agent.cycle",
		trace.WithAttributes(
			attribute.String("agent.id", t.desc.AgentID),
			attribute.Int("agent.cycle", cycle),
			attribute.String("agent.run_id", runID),
		))
	defer span.End()

	t.publishStatus(TaskInvoking, time.Time{})
	invokeCtx, cancel := context.WithTimeout(ctx, t.timeout)
	resp, err := t.invoker.Invoke(invokeCtx, providers.Request{
		AgentID:     t.desc.AgentID,
		Instruction: t.desc.instruction(),
	})
	cancel()
	elapsed := t.clock.Now().Sub(started)

	outcome, msg := Classify(resp, err)
	t.metrics.observeCycle(t.desc.AgentID, outcome, elapsed)
	span.SetAttributes(attribute.String("agent.outcome", string(outcome)))
	if outcome != OutcomeSuccess {
		span.SetStatus(codes.Error, msg)
	}

	rec := t.buildRecord(cycle, started, runID, elapsed, outcome, msg, resp)

	t.publishStatus(TaskRecording, time.Time{})
	storeCtx, storeCancel := context.WithTimeout(ctx, t.storeTimeout)
	_, storeErr := t.store.Append(storeCtx, rec)
	storeCancel()

	t.nextCycle++
	t.cyclesRun++
	t.lastOutcome = outcome
	t.lastError = msg

	switch {
	case storeErr != nil:
		t.consecutiveErrors++
		t.metrics.storeError(t.desc.AgentID)
		span.RecordError(storeErr)
		slog.Error("failed to record cycle",
			"agent", t.desc.AgentID, "cycle", cycle, "status", rec.Status, "error", storeErr)
	case outcome == OutcomeSuccess:
		t.consecutiveErrors = 0
	case outcome == OutcomeRateLimit:
		// Expected under load; the next scheduled cycle is the retry.
	default:
		t.consecutiveErrors++
	}
	if storeErr != nil && outcome == OutcomeSuccess {
		t.lastError = storeErr.Error()
	}

	t.logOutcome(cycle, outcome, msg, elapsed)
	if storeErr == nil {
		t.emit(bus.EventCycleRecorded, map[string]any{
			"id":           rec.ID,
			"cycle_number": cycle,
			"status":       rec.Status,
			"run_id":       runID,
		})
	}
	return outcome
}

func (t *task) buildRecord(cycle int, started time.Time, runID string, elapsed time.Duration,
	outcome Outcome, msg string, resp *providers.Response) *store.CycleRecord {

	rec := &store.CycleRecord{
		AgentID:     t.desc.AgentID,
		AgentName:   t.desc.displayName(),
		CycleNumber: cycle,
		Timestamp:   started.UTC(),
		Status:      outcome.Status(),
		Metadata: map[string]string{
			store.MetaActivationInstruction: t.desc.instruction(),
			store.MetaRunID:                 runID,
			store.MetaDurationMS:            strconv.FormatInt(elapsed.Milliseconds(), 10),
		},
	}

	switch outcome {
	case OutcomeSuccess:
		rec.ResponseText = resp.Text
		rec.ToolCalls = resp.ToolCalls
		rec.StopReason = resp.StopReason
		rec.Usage = resp.Usage
	case OutcomeRateLimit:
		if msg != "" {
			rec.Metadata[store.MetaRateLimitDetail] = msg
		}
	case OutcomeFatal:
		rec.ErrorMessage = nonEmpty(msg)
		rec.Metadata[store.MetaFatal] = "true"
	default:
		rec.ErrorMessage = nonEmpty(msg)
	}
	return rec
}

func (t *task) logOutcome(cycle int, outcome Outcome, msg string, elapsed time.Duration) {
	switch outcome {
	case OutcomeSuccess:
		slog.Info("cycle completed", "agent", t.desc.AgentID, "cycle", cycle, "duration", elapsed)
	case OutcomeRateLimit:
		slog.Warn("cycle rate limited, waiting for next interval",
			"agent", t.desc.AgentID, "cycle", cycle, "detail", msg)
	default:
		slog.Error("cycle failed",
			"agent", t.desc.AgentID, "cycle", cycle, "outcome", outcome,
			"consecutive_errors", t.consecutiveErrors, "error", msg)
	}
}

func (t *task) emit(name string, payload map[string]any) {
	if t.bus == nil {
		return
	}
	t.bus.Broadcast(bus.Event{Name: name, AgentID: t.desc.AgentID, Payload: payload, At: t.clock.Now().UTC()})
}

func newRunID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

func nonEmpty(msg string) string {
	if msg == "" {
		return "unknown error"
	}
	return msg
}
