// Package engine runs one independent activation loop per configured agent.
//
// Each loop wakes on its own interval, asks the remote agent to act, classifies
// the result and appends a CycleRecord to the activity store. Loops never share
// mutable state; a fatal outcome halts only the affected agent.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/nextlevelbuilder/agentengine/internal/bus"
	"github.com/nextlevelbuilder/agentengine/internal/clock"
	"github.com/nextlevelbuilder/agentengine/internal/providers"
	"github.com/nextlevelbuilder/agentengine/internal/store"
)

// State is the engine lifecycle phase.
type State string

const (
	StateIdle         State = "idle"
	StateRunning      State = "running"
	StateShuttingDown State = "shutting_down"
	StateStopped      State = "stopped"
)

const (
	DefaultInvocationTimeout = 600 * time.Second
	defaultStoreTimeout      = 30 * time.Second
)

// ErrAlreadyStarted is returned by Start outside the idle state.
var ErrAlreadyStarted = errors.New("engine already started")

// Engine owns the set of agent loops.
type Engine struct {
	invoker      providers.Invoker
	store        store.ActivityStore
	clock        clock.Clock
	bus          bus.Publisher
	metrics      *Metrics
	tracer       trace.Tracer
	timeout      time.Duration
	storeTimeout time.Duration
	resume       bool

	mu     sync.Mutex
	state  State
	tasks  []*task
	cancel context.CancelFunc
	done   chan struct{}
}

// Option configures an Engine.
type Option func(*Engine)

func WithClock(c clock.Clock) Option { return func(e *Engine) { e.clock = c } }

// WithInvocationTimeout bounds each remote invocation.
func WithInvocationTimeout(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.timeout = d
		}
	}
}

// WithBus publishes lifecycle events to p.
func WithBus(p bus.Publisher) Option { return func(e *Engine) { e.bus = p } }

func WithMetrics(m *Metrics) Option { return func(e *Engine) { e.metrics = m } }

func WithTracer(t trace.Tracer) Option { return func(e *Engine) { e.tracer = t } }

// WithCycleResume controls whether cycle numbers continue from the highest
// number already in the store.
func WithCycleResume(on bool) Option { return func(e *Engine) { e.resume = on } }

// WithStoreTimeout bounds each Append.
func WithStoreTimeout(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.storeTimeout = d
		}
	}
}

// New creates an idle engine. Cycle numbers resume from the store unless
// WithCycleResume(false) is given.
func New(invoker providers.Invoker, st store.ActivityStore, opts ...Option) *Engine {
	e := &Engine{
		invoker:      invoker,
		store:        st,
		clock:        clock.Real(),
		timeout:      DefaultInvocationTimeout,
		storeTimeout: defaultStoreTimeout,
		resume:       true,
		state:        StateIdle,
		done:         make(chan struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.tracer == nil {
		e.tracer = otel.Tracer("github.com/nextlevelbuilder/agentengine/internal/engine")
	}
	return e
}

// Start validates descriptors and launches one loop per selected agent.
// subset, when non-empty, restricts the run to those agent ids.
//
// ctx only bounds startup work; loops stop via Shutdown.
func (e *Engine) Start(ctx context.Context, descs []AgentDescriptor, subset []string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state != StateIdle {
		return ErrAlreadyStarted
	}

	selected, err := selectDescriptors(descs, subset)
	if err != nil {
		return err
	}

	tasks := make([]*task, 0, len(selected))
	for _, d := range selected {
		first := 1
		if e.resume {
			last, err := e.store.LastCycleNumber(ctx, d.AgentID)
			if err != nil {
				return fmt.Errorf("resume cycle number for %s: %w", d.AgentID, err)
			}
			first = last + 1
		}
		t := &task{
			desc:         d,
			invoker:      e.invoker,
			store:        e.store,
			clock:        e.clock,
			bus:          e.bus,
			metrics:      e.metrics,
			tracer:       e.tracer,
			timeout:      e.timeout,
			storeTimeout: e.storeTimeout,
			nextCycle:    first,
			done:         make(chan struct{}),
		}
		t.publishStatus(TaskWaiting, time.Time{})
		tasks = append(tasks, t)
	}

	stop, cancel := context.WithCancel(context.Background())
	e.cancel = cancel
	e.tasks = tasks
	e.state = StateRunning

	for _, t := range tasks {
		go t.run(stop)
	}
	go e.awaitTasks(tasks)

	slog.Info("engine started", "agents", len(tasks), "configured", len(descs))
	return nil
}

func (e *Engine) awaitTasks(tasks []*task) {
	for _, t := range tasks {
		<-t.done
	}
	e.mu.Lock()
	e.state = StateStopped
	e.mu.Unlock()
	close(e.done)
}

// Status returns one snapshot per loop in start order.
func (e *Engine) Status() []AgentStatus {
	e.mu.Lock()
	tasks := e.tasks
	e.mu.Unlock()

	out := make([]AgentStatus, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, t.snapshot())
	}
	return out
}

// State returns the lifecycle phase.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Done is closed once every loop has exited.
func (e *Engine) Done() <-chan struct{} { return e.done }

// Shutdown signals every loop to stop and waits up to timeout. Loops finish
// an in-flight cycle before exiting. It returns the ids of agents that had
// not exited when the timeout elapsed. Calls after the first return nil.
func (e *Engine) Shutdown(timeout time.Duration) []string {
	e.mu.Lock()
	if e.state == StateIdle {
		e.state = StateStopped
		close(e.done)
		e.mu.Unlock()
		return nil
	}
	if e.cancel == nil {
		// Already shut down.
		e.mu.Unlock()
		return nil
	}
	if e.state == StateRunning {
		e.state = StateShuttingDown
	}
	e.cancel()
	e.cancel = nil
	tasks := e.tasks
	e.mu.Unlock()

	slog.Info("engine shutting down", "agents", len(tasks), "timeout", timeout)

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	select {
	case <-e.done:
	case <-deadline.C:
	}

	var pending []string
	for _, t := range tasks {
		select {
		case <-t.done:
		default:
			pending = append(pending, t.desc.AgentID)
		}
	}
	if len(pending) > 0 {
		slog.Warn("engine shutdown timed out", "pending", pending)
	} else {
		slog.Info("engine stopped")
	}
	return pending
}
