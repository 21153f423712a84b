package services

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/pilotd/pilot/internal/mcp"
)

// ManagerName is the fixed server name the service manager is attached
// under in every session's pool.
const ManagerName = "mcp_service_manager"

// Manager is the built-in meta MCP server. Its tools let the running agent
// instantiate further in-process services (python, graph, memory) and call
// into them. Each session owns one Manager; the instances it creates live
// and die with it.
type Manager struct {
	registry *Registry
	deps     Deps

	mu        sync.RWMutex
	instances map[string]*serviceInstance
}

type serviceInstance struct {
	serviceType string
	config      map[string]any
	server      *mcp.Server
	createdAt   time.Time
}

// NewManager creates a service manager bound to one session's resources.
func NewManager(registry *Registry, deps Deps) *Manager {
	return &Manager{
		registry:  registry,
		deps:      deps,
		instances: make(map[string]*serviceInstance),
	}
}

// Server builds the manager's MCP surface.
func (m *Manager) Server() (*mcp.Server, error) {
	s := mcp.NewServer(ManagerName, "1.0.0")

	typeNames, err := json.Marshal(m.registry.Names())
	if err != nil {
		return nil, err
	}

	tools := []struct {
		name        string
		description string
		schema      string
		fn          mcp.ToolFunc
	}{
		{
			"service_list",
			"List available service types and active service instances",
			`{"type":"object","properties":{
				"show_instances":{"type":"boolean","description":"Include active instances (default true)"}}}`,
			m.serviceList,
		},
		{
			"service_create",
			"Create a new service instance",
			fmt.Sprintf(`{"type":"object","properties":{
				"service_type":{"type":"string","enum":%s,"description":"Service type"},
				"service_id":{"type":"string","description":"Unique identifier for the instance"},
				"config":{"type":"object","description":"Service configuration (optional)"}},
				"required":["service_type","service_id"]}`, typeNames),
			m.serviceCreate,
		},
		{
			"service_delete",
			"Delete a service instance",
			`{"type":"object","properties":{
				"service_id":{"type":"string","description":"Unique identifier for the instance"}},
				"required":["service_id"]}`,
			m.serviceDelete,
		},
		{
			"service_info",
			"Show details of a service instance",
			`{"type":"object","properties":{
				"service_id":{"type":"string","description":"Unique identifier for the instance"}},
				"required":["service_id"]}`,
			m.serviceInfo,
		},
		{
			"service_list_tools",
			"List the tools exposed by a service instance",
			`{"type":"object","properties":{
				"service_id":{"type":"string","description":"Unique identifier for the instance"}},
				"required":["service_id"]}`,
			m.serviceListTools,
		},
		{
			"service_call",
			"Call a tool on a service instance",
			`{"type":"object","properties":{
				"service_id":{"type":"string","description":"Unique identifier for the instance"},
				"tool_name":{"type":"string","description":"Tool to invoke"},
				"arguments":{"type":"object","description":"Tool arguments"}},
				"required":["service_id","tool_name"]}`,
			m.serviceCall,
		},
	}

	for _, tool := range tools {
		if err := s.RegisterTool(tool.name, tool.description, json.RawMessage(tool.schema), tool.fn); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Close disposes every instance.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.instances = make(map[string]*serviceInstance)
}

// InstanceCount returns the number of live instances.
func (m *Manager) InstanceCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.instances)
}

func (m *Manager) serviceList(ctx context.Context, args json.RawMessage) (*mcp.ToolCallResult, error) {
	var in struct {
		ShowInstances *bool `json:"show_instances"`
	}
	if err := json.Unmarshal(args, &in); err != nil {
		return nil, err
	}
	showInstances := in.ShowInstances == nil || *in.ShowInstances

	var b strings.Builder
	b.WriteString("Available service types:\n")
	for _, name := range m.registry.Names() {
		t, _ := m.registry.Get(name)
		fmt.Fprintf(&b, "\n- %s: %s", name, t.Description)
		if len(t.ConfigParams) > 0 {
			b.WriteString("\n  config:")
			params := make([]string, 0, len(t.ConfigParams))
			for p := range t.ConfigParams {
				params = append(params, p)
			}
			sort.Strings(params)
			for _, p := range params {
				fmt.Fprintf(&b, "\n    - %s: %s", p, t.ConfigParams[p])
			}
		}
	}

	if showInstances {
		b.WriteString("\n\nActive service instances:")
		m.mu.RLock()
		ids := make([]string, 0, len(m.instances))
		for id := range m.instances {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		if len(ids) == 0 {
			b.WriteString("\n(none)")
		}
		for _, id := range ids {
			inst := m.instances[id]
			fmt.Fprintf(&b, "\n- %s (type: %s, created: %s)",
				id, inst.serviceType, inst.createdAt.Format(time.RFC3339))
		}
		m.mu.RUnlock()
	}

	return mcp.TextResult("%s", b.String()), nil
}

func (m *Manager) serviceCreate(ctx context.Context, args json.RawMessage) (*mcp.ToolCallResult, error) {
	var in struct {
		ServiceType string         `json:"service_type"`
		ServiceID   string         `json:"service_id"`
		Config      map[string]any `json:"config"`
	}
	if err := json.Unmarshal(args, &in); err != nil {
		return nil, err
	}

	serviceType, ok := m.registry.Get(in.ServiceType)
	if !ok {
		return mcp.ErrorResult("unknown service type: %s", in.ServiceType), nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.instances[in.ServiceID]; exists {
		return mcp.ErrorResult("service instance %q already exists", in.ServiceID), nil
	}

	server, err := serviceType.Factory(in.Config, m.deps)
	if err != nil {
		return mcp.ErrorResult("failed to create %s service: %v", in.ServiceType, err), nil
	}

	m.instances[in.ServiceID] = &serviceInstance{
		serviceType: in.ServiceType,
		config:      in.Config,
		server:      server,
		createdAt:   time.Now().UTC(),
	}

	return mcp.TextResult("service instance %q (type: %s) created", in.ServiceID, in.ServiceType), nil
}

func (m *Manager) serviceDelete(ctx context.Context, args json.RawMessage) (*mcp.ToolCallResult, error) {
	var in struct {
		ServiceID string `json:"service_id"`
	}
	if err := json.Unmarshal(args, &in); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	inst, ok := m.instances[in.ServiceID]
	if !ok {
		return mcp.ErrorResult("service instance %q does not exist", in.ServiceID), nil
	}
	delete(m.instances, in.ServiceID)
	return mcp.TextResult("service instance %q (type: %s) deleted", in.ServiceID, inst.serviceType), nil
}

func (m *Manager) serviceInfo(ctx context.Context, args json.RawMessage) (*mcp.ToolCallResult, error) {
	var in struct {
		ServiceID string `json:"service_id"`
	}
	if err := json.Unmarshal(args, &in); err != nil {
		return nil, err
	}

	inst, ok := m.instance(in.ServiceID)
	if !ok {
		return mcp.ErrorResult("service instance %q does not exist", in.ServiceID), nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Service instance: %s\n", in.ServiceID)
	fmt.Fprintf(&b, "Type: %s\n", inst.serviceType)
	fmt.Fprintf(&b, "Created: %s\n", inst.createdAt.Format(time.RFC3339))
	fmt.Fprintf(&b, "Tools: %d", len(inst.server.Tools()))
	if len(inst.config) > 0 {
		cfg, err := json.MarshalIndent(inst.config, "", "  ")
		if err == nil {
			fmt.Fprintf(&b, "\nConfig: %s", cfg)
		}
	}
	return mcp.TextResult("%s", b.String()), nil
}

func (m *Manager) serviceListTools(ctx context.Context, args json.RawMessage) (*mcp.ToolCallResult, error) {
	var in struct {
		ServiceID string `json:"service_id"`
	}
	if err := json.Unmarshal(args, &in); err != nil {
		return nil, err
	}

	inst, ok := m.instance(in.ServiceID)
	if !ok {
		return mcp.ErrorResult("service instance %q does not exist", in.ServiceID), nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Tools of service %q:\n", in.ServiceID)
	for _, tool := range inst.server.Tools() {
		fmt.Fprintf(&b, "\n- %s: %s", tool.Name, tool.Description)
	}
	return mcp.TextResult("%s", b.String()), nil
}

func (m *Manager) serviceCall(ctx context.Context, args json.RawMessage) (*mcp.ToolCallResult, error) {
	var in struct {
		ServiceID string          `json:"service_id"`
		ToolName  string          `json:"tool_name"`
		Arguments json.RawMessage `json:"arguments"`
	}
	if err := json.Unmarshal(args, &in); err != nil {
		return nil, err
	}

	inst, ok := m.instance(in.ServiceID)
	if !ok {
		return mcp.ErrorResult("service instance %q does not exist", in.ServiceID), nil
	}

	result, rpcErr := inst.server.CallTool(ctx, in.ToolName, in.Arguments)
	if rpcErr != nil {
		return mcp.ErrorResult("[%s] %s", in.ServiceID, rpcErr.Message), nil
	}

	// Tag results with the instance they came from.
	tagged := &mcp.ToolCallResult{IsError: result.IsError}
	for _, c := range result.Content {
		if c.Type == "text" {
			c.Text = fmt.Sprintf("[%s] %s", in.ServiceID, c.Text)
		}
		tagged.Content = append(tagged.Content, c)
	}
	return tagged, nil
}

func (m *Manager) instance(id string) (*serviceInstance, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	inst, ok := m.instances[id]
	return inst, ok
}
