package concurrency

import (
	"context"
	"log/slog"
	"sync"

	"git.home.luguber.info/inful/docflow/internal/logfields"
)

// Manager enforces the platform concurrency-group contract: at most one run
// executes per group key at a time. A newly admitted run supersedes the
// queued run for the same key, if any; with cancel-in-progress the running
// run is cancelled as well.
type Manager struct {
	mu       sync.Mutex
	groups   map[string]*group
	stopping bool
}

type group struct {
	activeID     string
	activeCancel context.CancelFunc
	pending      *Ticket
}

// Ticket represents one run's position in its concurrency group.
type Ticket struct {
	runID  string
	key    string
	cancel context.CancelFunc

	started    chan struct{}
	superseded chan struct{}
}

// Started is closed once the run may execute.
func (t *Ticket) Started() <-chan struct{} { return t.started }

// Superseded is closed if a newer run replaced this one while it was queued.
func (t *Ticket) Superseded() <-chan struct{} { return t.superseded }

// NewManager creates an empty concurrency group manager.
func NewManager() *Manager {
	return &Manager{groups: make(map[string]*group)}
}

// Acquire admits a run into its group. The returned ticket starts
// immediately when the group is idle; otherwise the run waits as the group's
// single pending slot. cancel must cancel the run's context; it is invoked
// on the *active* run when a newer run arrives with cancelInProgress set.
func (m *Manager) Acquire(runID, key string, cancelInProgress bool, cancel context.CancelFunc) *Ticket {
	t := &Ticket{
		runID:      runID,
		key:        key,
		cancel:     cancel,
		started:    make(chan struct{}),
		superseded: make(chan struct{}),
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.stopping {
		cancel()
		return t
	}

	g := m.groups[key]
	if g == nil {
		g = &group{}
		m.groups[key] = g
	}

	if g.activeID == "" {
		g.activeID = runID
		g.activeCancel = cancel
		close(t.started)
		return t
	}

	// The group is busy. Supersede any queued run: the platform keeps at
	// most one pending run per key.
	if g.pending != nil {
		slog.Info("Run superseded by newer run in concurrency group",
			logfields.RunID(g.pending.runID),
			logfields.Group(key))
		close(g.pending.superseded)
	}
	g.pending = t

	if cancelInProgress && g.activeCancel != nil {
		slog.Info("Cancelling in-progress run in concurrency group",
			logfields.RunID(g.activeID),
			logfields.Group(key))
		g.activeCancel()
	}

	return t
}

// Release frees the group slot held by runID and promotes the pending run.
// Calling Release for a run that never became active is a no-op.
func (m *Manager) Release(runID, key string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	g := m.groups[key]
	if g == nil || g.activeID != runID {
		// A superseded run releases nothing.
		return
	}

	if g.pending != nil {
		next := g.pending
		g.pending = nil
		g.activeID = next.runID
		g.activeCancel = next.cancel
		close(next.started)
		return
	}

	delete(m.groups, key)
}

// Shutdown cancels every run waiting in a pending slot and stops admitting
// new runs. Runs admitted after shutdown have their context cancelled
// immediately, so a draining queue never starts new work.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.stopping = true
	for key, g := range m.groups {
		if g.pending == nil {
			continue
		}
		slog.Info("Cancelling pending run in concurrency group",
			logfields.RunID(g.pending.runID),
			logfields.Group(key))
		g.pending.cancel()
		g.pending = nil
	}
}

// ActiveRun returns the run currently holding the group, if any.
func (m *Manager) ActiveRun(key string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	g := m.groups[key]
	if g == nil || g.activeID == "" {
		return "", false
	}
	return g.activeID, true
}
