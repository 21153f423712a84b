package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pilotd/pilot/internal/backoff"
	"github.com/pilotd/pilot/internal/fault"
	"github.com/pilotd/pilot/pkg/models"
)

func calcServer(t *testing.T) *Server {
	t.Helper()
	s := NewServer("calc", "1.0.0")
	schema := json.RawMessage(`{
		"type": "object",
		"properties": {"a": {"type": "number"}, "b": {"type": "number"}},
		"required": ["a", "b"]
	}`)
	err := s.RegisterTool("add", "Adds two numbers", schema,
		func(ctx context.Context, args json.RawMessage) (*ToolCallResult, error) {
			var in struct{ A, B float64 }
			if err := json.Unmarshal(args, &in); err != nil {
				return nil, err
			}
			return TextResult(`{"sum":%g}`, in.A+in.B), nil
		})
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func fastPoolConfig() *PoolConfig {
	return &PoolConfig{
		StartupTimeout:    time.Second,
		CallTimeout:       time.Second,
		ReconnectAttempts: 3,
		Reconnect:         backoff.Policy{Initial: time.Millisecond, Max: 5 * time.Millisecond, Factor: 2},
	}
}

func TestPoolAttachAndCall(t *testing.T) {
	pool := NewSessionPool(fastPoolConfig(), nil, nil)
	defer pool.Shutdown()
	ctx := context.Background()

	if err := pool.AttachServer(ctx, "calc", calcServer(t)); err != nil {
		t.Fatal(err)
	}

	tools := pool.ListTools()
	if len(tools) != 1 {
		t.Fatalf("got %d tools, want 1", len(tools))
	}
	if tools[0].Name != "calc__add" {
		t.Errorf("got qualified name %q, want calc__add", tools[0].Name)
	}

	result, err := pool.Call(ctx, "calc__add", json.RawMessage(`{"a":1,"b":2}`))
	if err != nil {
		t.Fatal(err)
	}
	if result.Text() != `{"sum":3}` {
		t.Errorf("got %q", result.Text())
	}
}

func TestPoolCallUnqualifiedName(t *testing.T) {
	pool := NewSessionPool(fastPoolConfig(), nil, nil)
	defer pool.Shutdown()

	_, err := pool.Call(context.Background(), "add", nil)
	if !fault.Is(err, fault.InvalidInput) {
		t.Errorf("expected InvalidInput, got %v", err)
	}
}

func TestPoolCallUnknownServer(t *testing.T) {
	pool := NewSessionPool(fastPoolConfig(), nil, nil)
	defer pool.Shutdown()

	_, err := pool.Call(context.Background(), "ghost__add", nil)
	if !fault.Is(err, fault.NotFound) {
		t.Errorf("expected NotFound, got %v", err)
	}
}

func TestPoolDuplicateToolFirstWins(t *testing.T) {
	pool := NewSessionPool(fastPoolConfig(), nil, nil)
	defer pool.Shutdown()
	ctx := context.Background()

	first := NewServer("a", "1.0.0")
	if err := first.RegisterTool("ping", "first", nil, func(context.Context, json.RawMessage) (*ToolCallResult, error) {
		return TextResult("first"), nil
	}); err != nil {
		t.Fatal(err)
	}
	second := NewServer("a", "1.0.0")
	if err := second.RegisterTool("ping", "second", nil, func(context.Context, json.RawMessage) (*ToolCallResult, error) {
		return TextResult("second"), nil
	}); err != nil {
		t.Fatal(err)
	}

	if err := pool.AttachServer(ctx, "srv1", first); err != nil {
		t.Fatal(err)
	}
	if err := pool.AttachServer(ctx, "srv2", second); err != nil {
		t.Fatal(err)
	}

	// Distinct server prefixes: both are listed.
	if got := len(pool.ListTools()); got != 2 {
		t.Fatalf("got %d tools, want 2", got)
	}

	// Same prefix collision: attaching a second slot under an existing
	// name is rejected outright.
	if err := pool.AttachServer(ctx, "srv1", second); !fault.Is(err, fault.AlreadyExists) {
		t.Errorf("expected AlreadyExists, got %v", err)
	}
}

func TestPoolInProcessFactoryStart(t *testing.T) {
	var built atomic.Int32
	factory := func(spec models.ToolServerSpec) (*Server, error) {
		built.Add(1)
		return calcServer(t), nil
	}

	pool := NewSessionPool(fastPoolConfig(), factory, nil)
	defer pool.Shutdown()
	ctx := context.Background()

	err := pool.AddServer(models.ToolServerSpec{
		Name:      "calc",
		Launch:    models.LaunchInProcess,
		FactoryID: "calc",
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := pool.Start(ctx); err != nil {
		t.Fatal(err)
	}

	if built.Load() != 1 {
		t.Errorf("factory called %d times, want 1", built.Load())
	}
	if got := pool.States()["calc"]; got != StateReady {
		t.Errorf("got state %s, want ready", got)
	}
}

func TestPoolReconnectAfterServerLoss(t *testing.T) {
	factory := func(spec models.ToolServerSpec) (*Server, error) {
		return calcServer(t), nil
	}

	pool := NewSessionPool(fastPoolConfig(), factory, nil)
	defer pool.Shutdown()
	ctx := context.Background()

	recovered := make(chan bool, 1)
	pool.OnReconnect = func(server string, ok bool) { recovered <- ok }

	if err := pool.AddServer(models.ToolServerSpec{
		Name: "calc", Launch: models.LaunchInProcess, FactoryID: "calc",
	}); err != nil {
		t.Fatal(err)
	}
	if err := pool.Start(ctx); err != nil {
		t.Fatal(err)
	}

	// Kill the connection out from under the pool.
	pool.slot("calc").client.Close()

	select {
	case ok := <-recovered:
		if !ok {
			t.Fatal("reconnect did not recover")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("reconnect never finished")
	}

	if got := pool.States()["calc"]; got != StateReady {
		t.Fatalf("got state %s, want ready", got)
	}
	if _, err := pool.Call(ctx, "calc__add", json.RawMessage(`{"a":2,"b":3}`)); err != nil {
		t.Fatalf("call after reconnect failed: %v", err)
	}
}

func TestPoolDeadAfterExhaustedReconnects(t *testing.T) {
	var calls atomic.Int32
	factory := func(spec models.ToolServerSpec) (*Server, error) {
		if calls.Add(1) == 1 {
			return calcServer(t), nil
		}
		return nil, fmt.Errorf("spawn refused")
	}

	pool := NewSessionPool(fastPoolConfig(), factory, nil)
	defer pool.Shutdown()
	ctx := context.Background()

	done := make(chan bool, 1)
	pool.OnReconnect = func(server string, ok bool) { done <- ok }

	if err := pool.AddServer(models.ToolServerSpec{
		Name: "calc", Launch: models.LaunchInProcess, FactoryID: "calc",
	}); err != nil {
		t.Fatal(err)
	}
	if err := pool.Start(ctx); err != nil {
		t.Fatal(err)
	}

	pool.slot("calc").client.Close()

	select {
	case ok := <-done:
		if ok {
			t.Fatal("expected reconnect to exhaust")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("reconnect never finished")
	}

	if got := pool.States()["calc"]; got != StateDead {
		t.Fatalf("got state %s, want dead", got)
	}
	_, err := pool.Call(ctx, "calc__add", json.RawMessage(`{"a":1,"b":1}`))
	if !fault.Is(err, fault.ServerUnavailable) {
		t.Errorf("expected ServerUnavailable, got %v", err)
	}
}

func TestPoolShutdownIdempotent(t *testing.T) {
	pool := NewSessionPool(fastPoolConfig(), nil, nil)
	if err := pool.AttachServer(context.Background(), "calc", calcServer(t)); err != nil {
		t.Fatal(err)
	}
	pool.Shutdown()
	pool.Shutdown()

	_, err := pool.Call(context.Background(), "calc__add", json.RawMessage(`{"a":1,"b":1}`))
	if !fault.Is(err, fault.ServerUnavailable) {
		t.Errorf("expected ServerUnavailable after shutdown, got %v", err)
	}
}
