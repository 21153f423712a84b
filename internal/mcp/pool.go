package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/pilotd/pilot/internal/backoff"
	"github.com/pilotd/pilot/internal/fault"
	"github.com/pilotd/pilot/pkg/models"
)

// PoolConfig configures server lifecycles within a session pool.
type PoolConfig struct {
	// StartupTimeout bounds the spawn-to-Ready transition.
	StartupTimeout time.Duration

	// CallTimeout bounds a single tools/call round trip.
	CallTimeout time.Duration

	// ShutdownGrace is how long Close waits for a child to exit after
	// EOF before killing it.
	ShutdownGrace time.Duration

	// ReconnectAttempts is the number of re-spawns tried after a server
	// is lost before it is declared Dead.
	ReconnectAttempts int

	// Reconnect is the backoff policy between reconnect attempts.
	Reconnect backoff.Policy
}

// DefaultPoolConfig returns the documented defaults: 10s startup, 30s
// calls, 3 reconnect attempts at 100ms..2s backoff.
func DefaultPoolConfig() *PoolConfig {
	return &PoolConfig{
		StartupTimeout:    10 * time.Second,
		CallTimeout:       30 * time.Second,
		ShutdownGrace:     5 * time.Second,
		ReconnectAttempts: 3,
		Reconnect:         backoff.ReconnectPolicy(),
	}
}

// InProcessFactory builds an in-process server instance for a spec with
// launch kind in-process. The session's service registry provides this.
type InProcessFactory func(spec models.ToolServerSpec) (*Server, error)

// ReconnectObserver is notified after each reconnect sequence finishes.
type ReconnectObserver func(server string, recovered bool)

// SessionPool owns the tool servers of one session: it spawns them,
// discovers their tools, routes calls by qualified name, and re-spawns
// servers that die. Servers and their subprocesses are never shared
// between pools.
type SessionPool struct {
	config  *PoolConfig
	factory InProcessFactory
	logger  *slog.Logger

	// OnReconnect, if set, observes reconnect outcomes (metrics).
	OnReconnect ReconnectObserver

	mu     sync.RWMutex
	order  []string
	slots  map[string]*serverSlot
	closed bool
}

type serverSlot struct {
	spec models.ToolServerSpec
	pool *SessionPool

	mu     sync.Mutex
	state  ServerState
	client *Client
	// gen increments per (re)connect so stale monitors exit quietly.
	gen int
}

// NewSessionPool creates an empty pool.
func NewSessionPool(config *PoolConfig, factory InProcessFactory, logger *slog.Logger) *SessionPool {
	if config == nil {
		config = DefaultPoolConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &SessionPool{
		config:  config,
		factory: factory,
		logger:  logger.With("component", "pool"),
		slots:   make(map[string]*serverSlot),
	}
}

// AddServer registers a server spec. The server is not connected until
// Start.
func (p *SessionPool) AddServer(spec models.ToolServerSpec) error {
	if err := spec.Validate(); err != nil {
		return fault.Wrap(fault.InvalidInput, err, "tool server spec")
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return fault.New(fault.Internal, "pool is shut down")
	}
	if _, exists := p.slots[spec.Name]; exists {
		return fault.New(fault.AlreadyExists, "tool server %s already registered", spec.Name)
	}
	p.order = append(p.order, spec.Name)
	p.slots[spec.Name] = &serverSlot{spec: spec, pool: p, state: StateSpawning}
	return nil
}

// AttachServer registers and immediately readies a pre-built in-process
// server under the given name. Used for the built-in service manager and
// other runtime-owned servers.
func (p *SessionPool) AttachServer(ctx context.Context, name string, server *Server) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return fault.New(fault.Internal, "pool is shut down")
	}
	if _, exists := p.slots[name]; exists {
		p.mu.Unlock()
		return fault.New(fault.AlreadyExists, "tool server %s already registered", name)
	}
	slot := &serverSlot{
		spec: models.ToolServerSpec{Name: name, Launch: models.LaunchInProcess},
		pool: p,
	}
	p.order = append(p.order, name)
	p.slots[name] = slot
	p.mu.Unlock()

	client := NewClient(name, NewInProcessTransport(server), p.logger)
	if err := client.Connect(ctx); err != nil {
		slot.setState(StateDead)
		return fmt.Errorf("attach %s: %w", name, err)
	}

	slot.mu.Lock()
	slot.client = client
	slot.state = StateReady
	slot.mu.Unlock()
	return nil
}

// Start connects every registered server. Individual startup failures are
// logged and leave the server Dead; the rest of the pool keeps going.
func (p *SessionPool) Start(ctx context.Context) error {
	p.mu.RLock()
	names := append([]string(nil), p.order...)
	p.mu.RUnlock()

	for _, name := range names {
		slot := p.slot(name)
		if slot == nil || slot.currentState() != StateSpawning {
			continue
		}
		if err := slot.connect(ctx); err != nil {
			p.logger.Error("failed to start tool server", "server", name, "error", err)
			slot.setState(StateDead)
		}
	}
	return nil
}

// ListTools aggregates the cached tool lists of all Ready servers,
// qualifying each name with its server prefix. On a qualified-name
// collision the first-registered server wins and a warning is logged.
func (p *SessionPool) ListTools() []models.ToolDescriptor {
	p.mu.RLock()
	names := append([]string(nil), p.order...)
	p.mu.RUnlock()

	seen := make(map[string]string)
	var descriptors []models.ToolDescriptor

	for _, name := range names {
		slot := p.slot(name)
		if slot == nil {
			continue
		}
		slot.mu.Lock()
		state, client := slot.state, slot.client
		slot.mu.Unlock()
		if state != StateReady || client == nil {
			continue
		}

		for _, tool := range client.Tools() {
			qualified := models.QualifyToolName(name, tool.Name)
			if owner, dup := seen[qualified]; dup {
				p.logger.Warn("duplicate tool name, keeping first registration",
					"tool", qualified, "server", name, "owner", owner)
				continue
			}
			seen[qualified] = name
			descriptors = append(descriptors, models.ToolDescriptor{
				Name:        qualified,
				Description: tool.Description,
				InputSchema: tool.InputSchema,
			})
		}
	}
	return descriptors
}

// Call routes a qualified tool name to its server and invokes the tool.
func (p *SessionPool) Call(ctx context.Context, qualifiedName string, arguments json.RawMessage) (*ToolCallResult, error) {
	server, tool, ok := models.SplitToolName(qualifiedName)
	if !ok {
		return nil, fault.New(fault.InvalidInput, "tool name %q is not server-qualified", qualifiedName)
	}

	slot := p.slot(server)
	if slot == nil {
		return nil, fault.New(fault.NotFound, "unknown tool server %q", server)
	}

	slot.mu.Lock()
	state, client := slot.state, slot.client
	slot.mu.Unlock()

	switch state {
	case StateReady:
		// proceed
	case StateReconnecting:
		return nil, fault.New(fault.ServerUnavailable, "server %s is reconnecting", server)
	case StateDead:
		return nil, fault.New(fault.ServerUnavailable, "server %s is dead", server)
	default:
		return nil, fault.New(fault.ServerUnavailable, "server %s is not ready (%s)", server, state)
	}

	callCtx := ctx
	if p.config.CallTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, p.config.CallTimeout)
		defer cancel()
	}

	result, err := client.CallTool(callCtx, tool, arguments)
	if err != nil {
		if rpcErr, ok := err.(*JSONRPCError); ok {
			return nil, fault.Wrap(fault.ToolError, rpcErr, "tool %s failed", qualifiedName)
		}
		// Transport-level failure: the monitor goroutine observes the
		// dropped connection and drives the reconnect. The in-flight
		// call is not replayed.
		return nil, fault.Wrap(fault.ServerUnavailable, err, "call %s", qualifiedName)
	}
	return result, nil
}

// States reports each server's lifecycle state.
func (p *SessionPool) States() map[string]ServerState {
	p.mu.RLock()
	defer p.mu.RUnlock()
	states := make(map[string]ServerState, len(p.slots))
	for name, slot := range p.slots {
		states[name] = slot.currentState()
	}
	return states
}

// ToolCount returns the number of tools currently advertised.
func (p *SessionPool) ToolCount() int {
	return len(p.ListTools())
}

// Shutdown closes every server connection and terminates subprocesses.
// Safe to call more than once.
func (p *SessionPool) Shutdown() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	slots := make([]*serverSlot, 0, len(p.slots))
	for _, slot := range p.slots {
		slots = append(slots, slot)
	}
	p.mu.Unlock()

	for _, slot := range slots {
		slot.mu.Lock()
		client := slot.client
		slot.state = StateDead
		slot.mu.Unlock()
		if client != nil {
			client.Close()
		}
	}
}

func (p *SessionPool) slot(name string) *serverSlot {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.slots[name]
}

func (p *SessionPool) isClosed() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.closed
}

func (s *serverSlot) currentState() ServerState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *serverSlot) setState(state ServerState) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

// connect builds a transport for the spec, performs the MCP handshake, and
// transitions the slot to Ready.
func (s *serverSlot) connect(ctx context.Context) error {
	s.setState(StateSpawning)

	var transport Transport
	switch s.spec.Launch {
	case models.LaunchInProcess:
		if s.pool.factory == nil {
			return fmt.Errorf("no in-process factory configured")
		}
		server, err := s.pool.factory(s.spec)
		if err != nil {
			return fmt.Errorf("in-process factory %s: %w", s.spec.FactoryID, err)
		}
		transport = NewInProcessTransport(server)
	default:
		transport = NewStdioTransport(s.spec, s.pool.config.CallTimeout, s.pool.config.ShutdownGrace, s.pool.logger)
	}

	connectCtx := ctx
	if s.pool.config.StartupTimeout > 0 {
		var cancel context.CancelFunc
		connectCtx, cancel = context.WithTimeout(ctx, s.pool.config.StartupTimeout)
		defer cancel()
	}

	client := NewClient(s.spec.Name, transport, s.pool.logger)

	s.setState(StateInitializing)
	if err := client.Connect(connectCtx); err != nil {
		return err
	}

	s.mu.Lock()
	s.client = client
	s.state = StateReady
	s.gen++
	gen := s.gen
	s.mu.Unlock()

	go s.monitor(client, gen)
	return nil
}

// monitor waits for the transport to drop and drives the reconnect.
func (s *serverSlot) monitor(client *Client, gen int) {
	<-client.Done()

	s.mu.Lock()
	stale := s.gen != gen || s.state != StateReady
	s.mu.Unlock()
	if stale || s.pool.isClosed() {
		return
	}

	s.pool.logger.Warn("tool server connection lost", "server", s.spec.Name)
	s.reconnect()
}

// reconnect re-spawns the server with exponential backoff. Exhaustion
// leaves the server Dead; calls meanwhile fail fast with
// ServerUnavailable.
func (s *serverSlot) reconnect() {
	s.setState(StateReconnecting)

	cfg := s.pool.config
	err := backoff.Retry(context.Background(), cfg.Reconnect, cfg.ReconnectAttempts, func(attempt int) error {
		if s.pool.isClosed() {
			return context.Canceled
		}
		s.pool.logger.Info("reconnecting tool server",
			"server", s.spec.Name, "attempt", attempt, "max", cfg.ReconnectAttempts)
		return s.connect(context.Background())
	})

	recovered := err == nil
	if recovered {
		s.pool.logger.Info("tool server reconnected", "server", s.spec.Name)
	} else {
		s.setState(StateDead)
		s.pool.logger.Error("tool server dead after reconnect attempts",
			"server", s.spec.Name, "error", err)
	}
	if s.pool.OnReconnect != nil {
		s.pool.OnReconnect(s.spec.Name, recovered)
	}
}
