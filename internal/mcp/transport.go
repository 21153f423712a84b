package mcp

import (
	"context"
	"encoding/json"
)

// Transport carries JSON-RPC messages between the client and one server.
type Transport interface {
	// Connect establishes the connection (spawning the subprocess for the
	// stdio transport).
	Connect(ctx context.Context) error

	// Close tears down the connection and releases resources.
	Close() error

	// Call sends a request and waits for the matching response. Calls may
	// interleave; responses are demultiplexed by request ID.
	Call(ctx context.Context, method string, params any) (json.RawMessage, error)

	// Notify sends a notification; no response is expected.
	Notify(ctx context.Context, method string, params any) error

	// Connected reports whether the transport is usable.
	Connected() bool

	// Done is closed when the transport fails or the peer exits. A closed
	// Done channel on a transport that was never Close()d signals a crash.
	Done() <-chan struct{}
}

func marshalParams(params any) (json.RawMessage, error) {
	if params == nil {
		return nil, nil
	}
	if raw, ok := params.(json.RawMessage); ok {
		return raw, nil
	}
	return json.Marshal(params)
}
