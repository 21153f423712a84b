package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
)

// InProcessTransport connects a client to an in-process Server. Calls
// dispatch directly into the server; there is no subprocess to lose, so
// Done only closes on an explicit Close.
type InProcessTransport struct {
	server *Server

	nextID    atomic.Int64
	connected atomic.Bool
	done      chan struct{}
}

// NewInProcessTransport wraps an in-process server as a transport.
func NewInProcessTransport(server *Server) *InProcessTransport {
	return &InProcessTransport{
		server: server,
		done:   make(chan struct{}),
	}
}

// Connect marks the transport usable.
func (t *InProcessTransport) Connect(ctx context.Context) error {
	if t.server == nil {
		return fmt.Errorf("no server attached")
	}
	t.connected.Store(true)
	return nil
}

// Close marks the transport unusable.
func (t *InProcessTransport) Close() error {
	if t.connected.CompareAndSwap(true, false) {
		close(t.done)
	}
	return nil
}

// Call dispatches a request into the server synchronously.
func (t *InProcessTransport) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	if !t.connected.Load() {
		return nil, fmt.Errorf("not connected")
	}

	paramsJSON, err := marshalParams(params)
	if err != nil {
		return nil, fmt.Errorf("marshal params: %w", err)
	}

	req := &JSONRPCRequest{
		JSONRPC: "2.0",
		ID:      t.nextID.Add(1),
		Method:  method,
		Params:  paramsJSON,
	}

	resp := t.server.Handle(ctx, req)
	if resp.Error != nil {
		return nil, resp.Error
	}
	return resp.Result, nil
}

// Notify is accepted and discarded; in-process servers keep no handshake
// state beyond registration.
func (t *InProcessTransport) Notify(ctx context.Context, method string, params any) error {
	if !t.connected.Load() {
		return fmt.Errorf("not connected")
	}
	return nil
}

// Connected reports whether the transport is usable.
func (t *InProcessTransport) Connected() bool {
	return t.connected.Load()
}

// Done is closed on Close.
func (t *InProcessTransport) Done() <-chan struct{} {
	return t.done
}
