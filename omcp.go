package omcp

import "context"

// Transport is the minimal surface shared by every way of reaching a tool provider.
// SSEClient talks to a remote provider over Server-Sent Events, StdioClient to a child
// process over its standard streams, and BakedClient dispatches to tools compiled into the
// current process.
type Transport interface {
	// Connect establishes the session and completes the capability handshake.
	Connect(ctx context.Context) error
	// Disconnect tears the session down. It is safe to call more than once, and before
	// Connect.
	Disconnect(ctx context.Context) error
	// ListTools returns the descriptors of the tools the provider offers.
	ListTools(ctx context.Context) ([]Tool, error)
	// Call invokes a tool and returns its result. Remote transports render the JSON-RPC
	// result as indented JSON, BakedClient returns the tool output as is.
	Call(ctx context.Context, params CallParams) (string, error)
}

// EventHandler consumes messages pushed by the provider during an event loop. Returning
// ErrEOF ends the loop without error, any other error ends it with that error.
type EventHandler interface {
	HandleEvent(ctx context.Context, msg JSONRPCMessage) error
}

// EventHandlerFunc adapts a function to the EventHandler interface.
type EventHandlerFunc func(ctx context.Context, msg JSONRPCMessage) error

// HandleEvent calls f(ctx, msg).
func (f EventHandlerFunc) HandleEvent(ctx context.Context, msg JSONRPCMessage) error {
	return f(ctx, msg)
}

var (
	_ Transport = (*SSEClient)(nil)
	_ Transport = (*StdioClient)(nil)
	_ Transport = (*BakedClient)(nil)
)
