package session

import (
	"context"
	"log/slog"
	"os"

	"github.com/pilotd/pilot/internal/fault"
	"github.com/pilotd/pilot/internal/mcp"
	"github.com/pilotd/pilot/internal/memory"
	"github.com/pilotd/pilot/internal/provider"
	"github.com/pilotd/pilot/internal/services"
	"github.com/pilotd/pilot/pkg/models"
)

// Live is a session brought up for serving turns: its configuration plus
// the context, memory store, tool pool, service manager, and model
// adapter it owns. A Live is created on first Run or an explicit
// Initialize and torn down on Delete or shutdown.
type Live struct {
	Session *models.Session
	Context *Context
	Pool    *mcp.SessionPool
	Memory  *memory.Store
	Adapter provider.Adapter

	manager *services.Manager
	lock    *runLock
	logger  *slog.Logger
}

// TryBeginTurn claims the session's turn slot. It fails fast when a turn
// is already running.
func (l *Live) TryBeginTurn() bool {
	return l.lock.TryAcquire()
}

// EndTurn releases the turn slot.
func (l *Live) EndTurn() {
	l.lock.Release()
}

// MaxIterations returns the session's configured iteration bound.
func (l *Live) MaxIterations() int {
	return l.Session.Agent.MaxIterations
}

// Close tears down the pool, service instances, and memory store.
func (l *Live) Close() {
	if l.Pool != nil {
		l.Pool.Shutdown()
	}
	if l.manager != nil {
		l.manager.Close()
	}
	if l.Memory != nil {
		l.Memory.Close()
	}
}

// bringUp builds the live state for a configured session.
func (m *Manager) bringUp(ctx context.Context, sess *models.Session) (*Live, error) {
	paths := m.paths(sess.ID)

	store, err := memory.Open(paths.memory, m.memoryMaxRecords)
	if err != nil {
		return nil, fault.Wrap(fault.Internal, err, "open memory store for %s", sess.ID)
	}

	live := &Live{
		Session: sess,
		Context: NewContext(sess.Agent, store),
		Memory:  store,
		lock:    newRunLock(),
		logger:  m.logger.With("session", sess.ID),
	}

	deps := services.Deps{
		DataDir:   paths.mcp,
		GraphsDir: paths.graphs,
		Memory:    store,
		Sandbox:   m.sandbox,
		Logger:    live.logger,
	}
	live.manager = services.NewManager(m.services, deps)

	factory := func(spec models.ToolServerSpec) (*mcp.Server, error) {
		serviceType, ok := m.services.Get(spec.FactoryID)
		if !ok {
			return nil, fault.New(fault.NotFound, "unknown service factory %q", spec.FactoryID)
		}
		return serviceType.Factory(nil, deps)
	}

	pool := mcp.NewSessionPool(m.poolConfig, factory, live.logger)
	if m.onReconnect != nil {
		pool.OnReconnect = m.onReconnect
	}
	live.Pool = pool

	// The built-in service manager rides along in every session's pool.
	managerServer, err := live.manager.Server()
	if err != nil {
		live.Close()
		return nil, fault.Wrap(fault.Internal, err, "build service manager for %s", sess.ID)
	}
	if err := pool.AttachServer(ctx, services.ManagerName, managerServer); err != nil {
		live.Close()
		return nil, err
	}

	// Memory tools are exposed directly when the session enables memory.
	if sess.Agent.MemoryEnabled {
		memoryServer, err := services.NewMemoryServer(store)
		if err != nil {
			live.Close()
			return nil, fault.Wrap(fault.Internal, err, "build memory server for %s", sess.ID)
		}
		if err := pool.AttachServer(ctx, "memory", memoryServer); err != nil {
			live.Close()
			return nil, err
		}
	}

	for _, spec := range sess.ToolServers {
		if err := pool.AddServer(spec); err != nil {
			live.Close()
			return nil, err
		}
	}
	if err := pool.Start(ctx); err != nil {
		live.Close()
		return nil, err
	}

	settings := sess.Settings
	if settings.APIKey == "" && settings.CredentialsEnv != "" {
		settings.APIKey = os.Getenv(settings.CredentialsEnv)
	}
	adapter, err := m.providers.New(sess.Provider, settings)
	if err != nil {
		live.Close()
		return nil, fault.Wrap(fault.InvalidInput, err, "provider for %s", sess.ID)
	}
	live.Adapter = adapter

	if m.maintenance != nil {
		m.maintenance.Register(sess.ID, store)
	}

	return live, nil
}
