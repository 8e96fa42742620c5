// Package invoke launches agent invocations. An Invoker consumes a message
// history and returns the invocation's line-oriented event stream; the agent
// runtime itself is opaque to the rest of the system.
package invoke

import (
	"context"
	"io"
)

// Turn is one entry of the conversation history handed to the agent.
type Turn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Invoker starts one agent invocation. The returned stream carries one JSON
// event per line; Close reaps whatever resources the invocation holds.
// Invoker is an interface so the driver is testable with a stub stream and no
// real process.
type Invoker interface {
	Invoke(ctx context.Context, history []Turn) (io.ReadCloser, error)
}

// Func adapts a function to the Invoker interface.
type Func func(ctx context.Context, history []Turn) (io.ReadCloser, error)

func (f Func) Invoke(ctx context.Context, history []Turn) (io.ReadCloser, error) {
	return f(ctx, history)
}
