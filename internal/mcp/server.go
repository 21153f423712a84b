package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// ToolFunc executes one tool call. Errors returned here surface as JSON-RPC
// internal errors; recoverable tool failures should instead return a
// ToolCallResult with IsError set.
type ToolFunc func(ctx context.Context, args json.RawMessage) (*ToolCallResult, error)

type toolEntry struct {
	def    *ToolDef
	schema *jsonschema.Schema
	fn     ToolFunc
}

// Server is an in-process MCP server: a named set of tools dispatched over
// the standard initialize / tools/list / tools/call methods. It backs the
// in-process transport and the built-in service manager's child services.
type Server struct {
	info ServerInfo

	mu    sync.RWMutex
	order []string
	tools map[string]*toolEntry
}

// NewServer creates an empty in-process server.
func NewServer(name, version string) *Server {
	return &Server{
		info:  ServerInfo{Name: name, Version: version},
		tools: make(map[string]*toolEntry),
	}
}

// Info returns the server's identity.
func (s *Server) Info() ServerInfo { return s.info }

// RegisterTool adds a tool. The input schema is compiled and later used to
// validate call arguments; invalid schemas are rejected up front.
func (s *Server) RegisterTool(name, description string, inputSchema json.RawMessage, fn ToolFunc) error {
	if name == "" {
		return fmt.Errorf("tool name is required")
	}
	if fn == nil {
		return fmt.Errorf("tool %s: handler is required", name)
	}
	if len(inputSchema) == 0 {
		inputSchema = json.RawMessage(`{"type":"object"}`)
	}

	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(name+".json", bytes.NewReader(inputSchema)); err != nil {
		return fmt.Errorf("tool %s: invalid schema: %w", name, err)
	}
	schema, err := compiler.Compile(name + ".json")
	if err != nil {
		return fmt.Errorf("tool %s: compile schema: %w", name, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.tools[name]; exists {
		return fmt.Errorf("tool %s already registered", name)
	}
	s.order = append(s.order, name)
	s.tools[name] = &toolEntry{
		def:    &ToolDef{Name: name, Description: description, InputSchema: inputSchema},
		schema: schema,
		fn:     fn,
	}
	return nil
}

// Tools returns the registered tool definitions in registration order.
func (s *Server) Tools() []*ToolDef {
	s.mu.RLock()
	defer s.mu.RUnlock()
	defs := make([]*ToolDef, 0, len(s.order))
	for _, name := range s.order {
		defs = append(defs, s.tools[name].def)
	}
	return defs
}

// CallTool validates arguments against the tool's schema and executes it.
func (s *Server) CallTool(ctx context.Context, name string, args json.RawMessage) (*ToolCallResult, *JSONRPCError) {
	s.mu.RLock()
	entry, ok := s.tools[name]
	s.mu.RUnlock()
	if !ok {
		return nil, &JSONRPCError{Code: ErrCodeMethodNotFound, Message: fmt.Sprintf("unknown tool: %s", name)}
	}

	if len(args) == 0 {
		args = json.RawMessage(`{}`)
	}
	var decoded any
	if err := json.Unmarshal(args, &decoded); err != nil {
		return nil, &JSONRPCError{Code: ErrCodeInvalidParams, Message: fmt.Sprintf("arguments are not valid JSON: %v", err)}
	}
	if err := entry.schema.Validate(decoded); err != nil {
		return nil, &JSONRPCError{Code: ErrCodeInvalidParams, Message: fmt.Sprintf("invalid arguments for %s: %v", name, err)}
	}

	result, err := entry.fn(ctx, args)
	if err != nil {
		return nil, &JSONRPCError{Code: ErrCodeInternalError, Message: err.Error()}
	}
	if result == nil {
		result = TextResult("")
	}
	return result, nil
}

// Handle dispatches one JSON-RPC request.
func (s *Server) Handle(ctx context.Context, req *JSONRPCRequest) *JSONRPCResponse {
	resp := &JSONRPCResponse{JSONRPC: "2.0", ID: req.ID}

	switch req.Method {
	case "initialize":
		result := InitializeResult{
			ProtocolVersion: ProtocolVersion,
			Capabilities:    Capabilities{Tools: &ToolsCapability{}},
			ServerInfo:      s.info,
		}
		resp.Result, _ = json.Marshal(result)

	case "tools/list":
		resp.Result, _ = json.Marshal(ListToolsResult{Tools: s.Tools()})

	case "tools/call":
		var params CallToolParams
		if err := json.Unmarshal(req.Params, &params); err != nil {
			resp.Error = &JSONRPCError{Code: ErrCodeInvalidParams, Message: "invalid tools/call params"}
			break
		}
		result, rpcErr := s.CallTool(ctx, params.Name, params.Arguments)
		if rpcErr != nil {
			resp.Error = rpcErr
			break
		}
		resp.Result, _ = json.Marshal(result)

	default:
		resp.Error = &JSONRPCError{Code: ErrCodeMethodNotFound, Message: fmt.Sprintf("unknown method: %s", req.Method)}
	}

	return resp
}
