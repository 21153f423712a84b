package session

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/pilotd/pilot/internal/config"
	"github.com/pilotd/pilot/internal/fault"
	"github.com/pilotd/pilot/internal/mcp"
	"github.com/pilotd/pilot/internal/memory"
	"github.com/pilotd/pilot/internal/provider"
	"github.com/pilotd/pilot/internal/services"
	"github.com/pilotd/pilot/pkg/models"
)

const configFileName = "session_config.json"

// ListSource selects where List draws sessions from.
type ListSource string

const (
	ListMemory ListSource = "memory"
	ListFile   ListSource = "file"
	ListAll    ListSource = "all"
)

// Manager owns the sessionID -> Session map, the on-disk session tree,
// and the live runtime state of initialized sessions.
type Manager struct {
	root      string
	providers *provider.Registry
	services  *services.Registry
	logger    *slog.Logger

	poolConfig       *mcp.PoolConfig
	sandbox          config.SandboxConfig
	memoryMaxRecords int
	maintenance      *memory.Maintenance
	onReconnect      mcp.ReconnectObserver

	// OnSessionCount, if set, observes the live-session count (metrics).
	OnSessionCount func(count int)

	mu   sync.RWMutex
	live map[string]*Live
}

// Options configures a Manager.
type Options struct {
	Root        string
	Providers   *provider.Registry
	Services    *services.Registry
	PoolConfig  *mcp.PoolConfig
	Sandbox     config.SandboxConfig
	MemoryCap   int
	Maintenance *memory.Maintenance
	OnReconnect mcp.ReconnectObserver
	Logger      *slog.Logger
}

// NewManager creates a session manager rooted at opts.Root.
func NewManager(opts Options) (*Manager, error) {
	if opts.Root == "" {
		return nil, fmt.Errorf("session root is required")
	}
	if opts.Providers == nil {
		opts.Providers = provider.DefaultRegistry()
	}
	if opts.Services == nil {
		opts.Services = services.DefaultRegistry()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.PoolConfig == nil {
		opts.PoolConfig = mcp.DefaultPoolConfig()
	}

	if err := os.MkdirAll(filepath.Join(opts.Root, "sessions"), 0o755); err != nil {
		return nil, fmt.Errorf("create session root: %w", err)
	}

	return &Manager{
		root:             opts.Root,
		providers:        opts.Providers,
		services:         opts.Services,
		logger:           opts.Logger.With("component", "sessions"),
		poolConfig:       opts.PoolConfig,
		sandbox:          opts.Sandbox,
		memoryMaxRecords: opts.MemoryCap,
		maintenance:      opts.Maintenance,
		onReconnect:      opts.OnReconnect,
		live:             make(map[string]*Live),
	}, nil
}

type sessionPaths struct {
	dir    string
	config string
	memory string
	mcp    string
	graphs string
	logs   string
}

func (m *Manager) paths(id string) sessionPaths {
	dir := filepath.Join(m.root, "sessions", id)
	return sessionPaths{
		dir:    dir,
		config: filepath.Join(dir, configFileName),
		memory: filepath.Join(dir, "memory"),
		mcp:    filepath.Join(dir, "mcp"),
		graphs: filepath.Join(dir, "graphs"),
		logs:   filepath.Join(dir, "logs"),
	}
}

// Create validates the spec, builds the on-disk layout, and persists the
// configuration. The session is not initialized until first Run.
func (m *Manager) Create(spec models.SessionSpec) (*models.Session, error) {
	if err := spec.Validate(); err != nil {
		return nil, fault.Wrap(fault.InvalidInput, err, "session spec")
	}
	if len(m.providers.Names()) > 0 {
		found := false
		for _, name := range m.providers.Names() {
			if name == spec.Provider {
				found = true
				break
			}
		}
		if !found {
			return nil, fault.New(fault.InvalidInput, "unknown provider %q", spec.Provider)
		}
	}
	if filepath.Base(spec.ID) != spec.ID || spec.ID == "." || spec.ID == ".." {
		return nil, fault.New(fault.InvalidInput, "session id %q is not a valid directory name", spec.ID)
	}

	paths := m.paths(spec.ID)
	if _, err := os.Stat(paths.dir); err == nil {
		return nil, fault.New(fault.AlreadyExists, "session %s already exists", spec.ID)
	}

	now := time.Now().UTC()
	sess := &models.Session{SessionSpec: spec, CreatedAt: now, UpdatedAt: now}

	for _, dir := range []string{paths.memory, paths.mcp, paths.graphs, paths.logs} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create session directories: %w", err)
		}
	}
	if err := m.writeConfig(paths, sess); err != nil {
		os.RemoveAll(paths.dir)
		return nil, err
	}

	m.logger.Info("session created", "session", spec.ID, "provider", spec.Provider)
	return sess, nil
}

// Get loads a session's configuration, preferring the live copy.
func (m *Manager) Get(id string) (*models.Session, error) {
	m.mu.RLock()
	if live, ok := m.live[id]; ok {
		m.mu.RUnlock()
		return live.Session, nil
	}
	m.mu.RUnlock()
	return m.readConfig(id)
}

// Live returns the live state of an initialized session, if any.
func (m *Manager) Live(id string) (*Live, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	live, ok := m.live[id]
	return live, ok
}

// Initialize brings a session up: tool pool started, memory opened,
// adapter constructed. It is idempotent.
func (m *Manager) Initialize(ctx context.Context, id string) (*Live, error) {
	m.mu.RLock()
	if live, ok := m.live[id]; ok {
		m.mu.RUnlock()
		return live, nil
	}
	m.mu.RUnlock()

	sess, err := m.readConfig(id)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if live, ok := m.live[id]; ok {
		return live, nil
	}

	live, err := m.bringUp(ctx, sess)
	if err != nil {
		return nil, err
	}
	m.live[id] = live
	m.notifySessionCount()
	m.logger.Info("session initialized", "session", id)
	return live, nil
}

// List enumerates sessions from memory, disk, or both.
func (m *Manager) List(source ListSource) ([]*models.Session, error) {
	switch source {
	case ListMemory, ListFile, ListAll, "":
	default:
		return nil, fault.New(fault.InvalidInput, "unknown list source %q", source)
	}
	if source == "" {
		source = ListAll
	}

	seen := make(map[string]bool)
	var sessions []*models.Session

	if source == ListMemory || source == ListAll {
		m.mu.RLock()
		for id, live := range m.live {
			sessions = append(sessions, live.Session)
			seen[id] = true
		}
		m.mu.RUnlock()
	}

	if source == ListFile || source == ListAll {
		entries, err := os.ReadDir(filepath.Join(m.root, "sessions"))
		if err != nil {
			return nil, fmt.Errorf("read session root: %w", err)
		}
		for _, entry := range entries {
			if !entry.IsDir() || seen[entry.Name()] {
				continue
			}
			sess, err := m.readConfig(entry.Name())
			if err != nil {
				m.logger.Warn("skipping unreadable session", "session", entry.Name(), "error", err)
				continue
			}
			sessions = append(sessions, sess)
		}
	}

	sort.Slice(sessions, func(i, j int) bool { return sessions[i].ID < sessions[j].ID })
	return sessions, nil
}

// Update applies the mutable fields and persists the configuration. The
// ID and provider selection never change.
func (m *Manager) Update(id string, update models.SessionUpdate) (*models.Session, error) {
	sess, err := m.Get(id)
	if err != nil {
		return nil, err
	}

	if update.DisplayName != nil {
		sess.DisplayName = *update.DisplayName
	}
	if update.Description != nil {
		sess.Description = *update.Description
	}
	if update.Metadata != nil {
		if sess.Metadata == nil {
			sess.Metadata = map[string]string{}
		}
		for k, v := range update.Metadata {
			sess.Metadata[k] = v
		}
	}
	sess.UpdatedAt = time.Now().UTC()

	if err := m.writeConfig(m.paths(id), sess); err != nil {
		return nil, err
	}
	return sess, nil
}

// Delete tears down the live state and removes the on-disk directory.
// Deleting an absent session succeeds.
func (m *Manager) Delete(id string) error {
	m.mu.Lock()
	if live, ok := m.live[id]; ok {
		delete(m.live, id)
		m.notifySessionCount()
		m.mu.Unlock()
		if m.maintenance != nil {
			m.maintenance.Unregister(id)
		}
		live.Close()
	} else {
		m.mu.Unlock()
	}

	if err := os.RemoveAll(m.paths(id).dir); err != nil {
		return fmt.Errorf("remove session directory: %w", err)
	}
	m.logger.Info("session deleted", "session", id)
	return nil
}

// Shutdown closes every live session.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	lives := make([]*Live, 0, len(m.live))
	ids := make([]string, 0, len(m.live))
	for id, live := range m.live {
		lives = append(lives, live)
		ids = append(ids, id)
	}
	m.live = make(map[string]*Live)
	m.notifySessionCount()
	m.mu.Unlock()

	for i, live := range lives {
		if m.maintenance != nil {
			m.maintenance.Unregister(ids[i])
		}
		live.Close()
	}
}

// LiveCount returns the number of initialized sessions.
func (m *Manager) LiveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.live)
}

func (m *Manager) notifySessionCount() {
	if m.OnSessionCount != nil {
		m.OnSessionCount(len(m.live))
	}
}

func (m *Manager) readConfig(id string) (*models.Session, error) {
	data, err := os.ReadFile(m.paths(id).config)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fault.New(fault.NotFound, "session %s not found", id)
		}
		return nil, fmt.Errorf("read session config: %w", err)
	}
	var sess models.Session
	if err := json.Unmarshal(data, &sess); err != nil {
		return nil, fmt.Errorf("decode session config %s: %w", id, err)
	}
	return &sess, nil
}

// writeConfig persists the configuration atomically (temp + rename).
// ProviderSettings.APIKey is excluded from serialization; secrets never
// land in session_config.json.
func (m *Manager) writeConfig(paths sessionPaths, sess *models.Session) error {
	data, err := json.MarshalIndent(sess, "", "  ")
	if err != nil {
		return fmt.Errorf("encode session config: %w", err)
	}
	tmp := paths.config + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write session config: %w", err)
	}
	if err := os.Rename(tmp, paths.config); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename session config: %w", err)
	}
	return nil
}
