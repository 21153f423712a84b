package memory

import (
	"context"
	"log/slog"
	"sync"

	"github.com/robfig/cron/v3"
)

// Maintenance runs the consolidation and forgetting pass on a schedule
// across every registered store.
type Maintenance struct {
	logger *slog.Logger
	cron   *cron.Cron

	mu     sync.RWMutex
	stores map[string]*Store
}

// NewMaintenance creates a scheduler firing on the given cron expression
// (e.g. "@every 10m").
func NewMaintenance(schedule string, logger *slog.Logger) (*Maintenance, error) {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Maintenance{
		logger: logger.With("component", "memory-maintenance"),
		cron:   cron.New(),
		stores: make(map[string]*Store),
	}
	if _, err := m.cron.AddFunc(schedule, m.runOnce); err != nil {
		return nil, err
	}
	return m, nil
}

// Register adds a session's store to the maintenance rotation.
func (m *Maintenance) Register(sessionID string, store *Store) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stores[sessionID] = store
}

// Unregister removes a session's store.
func (m *Maintenance) Unregister(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.stores, sessionID)
}

// Start begins the schedule.
func (m *Maintenance) Start() { m.cron.Start() }

// Stop halts the schedule and waits for a running pass to finish.
func (m *Maintenance) Stop() {
	<-m.cron.Stop().Done()
}

func (m *Maintenance) runOnce() {
	m.mu.RLock()
	stores := make(map[string]*Store, len(m.stores))
	for id, s := range m.stores {
		stores[id] = s
	}
	m.mu.RUnlock()

	ctx := context.Background()
	for sessionID, store := range stores {
		promoted, err := store.Consolidate(ctx)
		if err != nil {
			m.logger.Error("consolidation failed", "session", sessionID, "error", err)
			continue
		}
		forgotten, err := store.Forget(ctx)
		if err != nil {
			m.logger.Error("forgetting failed", "session", sessionID, "error", err)
			continue
		}
		if promoted > 0 || forgotten > 0 {
			m.logger.Info("memory maintenance pass",
				"session", sessionID, "promoted", promoted, "forgotten", forgotten)
		}
	}
}
