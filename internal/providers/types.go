// Package providers holds clients for the remote agent servers that carry out
// activation cycles.
package providers

import (
	"context"

	"github.com/nextlevelbuilder/agentengine/internal/store"
)

// Request asks the remote agent AgentID to act on Instruction.
type Request struct {
	AgentID     string
	Instruction string
}

// Response is what the remote agent reported for one activation.
type Response struct {
	Text       string
	ToolCalls  []store.ToolCall
	StopReason string
	Usage      store.Usage
}

// Invoker triggers one activation of a remote agent.
// Implementations must be safe for concurrent use and return *Error on
// failure so callers can classify it.
type Invoker interface {
	Invoke(ctx context.Context, req Request) (*Response, error)
}

// InvokerFunc adapts a function to Invoker.
type InvokerFunc func(ctx context.Context, req Request) (*Response, error)

func (f InvokerFunc) Invoke(ctx context.Context, req Request) (*Response, error) {
	return f(ctx, req)
}
