package services

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
)

func TestScriptCRUD(t *testing.T) {
	deps := testDeps(t)
	server, err := newPythonService(map[string]any{"base_dir": "scripts"}, deps)
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	result, rpcErr := server.CallTool(ctx, "script_write",
		json.RawMessage(`{"filename":"hello","content":"print('hi')"}`))
	if rpcErr != nil {
		t.Fatal(rpcErr)
	}
	if result.IsError {
		t.Fatalf("write failed: %s", result.Text())
	}

	result, rpcErr = server.CallTool(ctx, "script_read", json.RawMessage(`{"filename":"hello.py"}`))
	if rpcErr != nil {
		t.Fatal(rpcErr)
	}
	if result.Text() != "print('hi')" {
		t.Errorf("got %q", result.Text())
	}

	result, rpcErr = server.CallTool(ctx, "script_list", json.RawMessage(`{}`))
	if rpcErr != nil {
		t.Fatal(rpcErr)
	}
	if !strings.Contains(result.Text(), "hello.py") {
		t.Errorf("listing missing script: %q", result.Text())
	}

	result, rpcErr = server.CallTool(ctx, "script_delete", json.RawMessage(`{"filename":"hello"}`))
	if rpcErr != nil {
		t.Fatal(rpcErr)
	}
	if result.IsError {
		t.Fatalf("delete failed: %s", result.Text())
	}

	result, rpcErr = server.CallTool(ctx, "script_read", json.RawMessage(`{"filename":"hello"}`))
	if rpcErr != nil {
		t.Fatal(rpcErr)
	}
	if !result.IsError {
		t.Error("reading a deleted script should fail")
	}
}

func TestScriptPathTraversalRejected(t *testing.T) {
	deps := testDeps(t)
	server, err := newPythonService(nil, deps)
	if err != nil {
		t.Fatal(err)
	}

	result, rpcErr := server.CallTool(context.Background(), "script_write",
		json.RawMessage(`{"filename":"../escape","content":"x"}`))
	if rpcErr != nil {
		t.Fatal(rpcErr)
	}
	if !result.IsError {
		t.Error("path traversal filename should be rejected")
	}
}

func TestBuildSandboxSourceRestoresState(t *testing.T) {
	state := map[string]json.RawMessage{"x": json.RawMessage(`42`)}
	source := buildSandboxSource("print(x)", state)

	if !strings.Contains(source, "globals().update") {
		t.Errorf("missing state restore prelude:\n%s", source)
	}
	if !strings.Contains(source, `\"x\"`) && !strings.Contains(source, `"x"`) {
		t.Errorf("state not embedded:\n%s", source)
	}
	if !strings.Contains(source, "print(x)") {
		t.Errorf("user code missing:\n%s", source)
	}
	// The sentinel must appear as an escape sequence, never as raw NUL
	// bytes, or exec would reject the argument.
	if strings.ContainsRune(source, '\x00') {
		t.Error("source contains raw NUL bytes")
	}
}

func TestSplitSandboxOutput(t *testing.T) {
	stdout := "hello\n" + varsSentinel + `{"x":1}` + "\n"
	output, state := splitSandboxOutput(stdout)
	if output != "hello" {
		t.Errorf("got output %q", output)
	}
	if string(state["x"]) != "1" {
		t.Errorf("got state %v", state)
	}

	output, state = splitSandboxOutput("plain output\n")
	if output != "plain output" || state != nil {
		t.Errorf("got %q, %v", output, state)
	}
}
