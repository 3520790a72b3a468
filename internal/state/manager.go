package state

import (
	"sync"

	log "github.com/sirupsen/logrus"

	"appcore/internal/eventbus"
	"appcore/internal/models"
)

// Manager is the single source of truth for the process-wide application
// state. All mutations are serialized; every change to the externally
// visible summary publishes a state.changed event with a fresh snapshot.
// The lock is never held during publish to keep subscribers free to read
// the state back.
type Manager struct {
	bus          *eventbus.Bus
	pending      uint64
	running      uint64
	completed    uint64
	lastError    string
	shuttingDown bool
	mu           sync.Mutex
}

// NewManager ...
func NewManager(bus *eventbus.Bus) *Manager {
	return &Manager{bus: bus}
}

// BeginTask admits a new task: pending count grows by one. After
// BeginShutdown it fails with ShutdownInProgress; in-flight tasks are
// unaffected.
func (m *Manager) BeginTask() error {
	m.mu.Lock()
	if m.shuttingDown {
		m.mu.Unlock()
		return models.NewAppError(models.ErrorKindShutdownInProgress,
			"no new tasks are admitted during shutdown", nil)
	}
	m.pending++
	snap := m.snapshotLocked()
	m.mu.Unlock()

	m.publish(snap)
	return nil
}

// AbortTask backs out an admission whose registration did not complete.
// Unlike CancelTask the task never existed: completed does not grow.
func (m *Manager) AbortTask() {
	m.mu.Lock()
	m.pending--
	snap := m.snapshotLocked()
	m.mu.Unlock()

	m.publish(snap)
}

// StartTask moves one task from pending to running.
func (m *Manager) StartTask() {
	m.mu.Lock()
	m.pending--
	m.running++
	snap := m.snapshotLocked()
	m.mu.Unlock()

	m.publish(snap)
}

// RequeueTask moves one running task back to pending (retry path).
func (m *Manager) RequeueTask() {
	m.mu.Lock()
	m.running--
	m.pending++
	snap := m.snapshotLocked()
	m.mu.Unlock()

	m.publish(snap)
}

// CompleteTask resolves one running task. Succeeded and failed tasks both
// count as completed; no task is double-counted or lost.
func (m *Manager) CompleteTask(success bool) {
	m.mu.Lock()
	m.running--
	m.completed++
	snap := m.snapshotLocked()
	m.mu.Unlock()

	log.WithFields(log.Fields{
		"success":   success,
		"completed": snap.Completed,
	}).Debug("Task completed")

	m.publish(snap)
}

// CancelTask resolves one pending task that will never run.
func (m *Manager) CancelTask() {
	m.mu.Lock()
	m.pending--
	m.completed++
	snap := m.snapshotLocked()
	m.mu.Unlock()

	m.publish(snap)
}

// RecordError stores the message surfaced as last_error in snapshots.
func (m *Manager) RecordError(message string) {
	m.mu.Lock()
	m.lastError = message
	snap := m.snapshotLocked()
	m.mu.Unlock()

	m.publish(snap)
}

// BeginShutdown transitions the runtime to ShuttingDown. The transition
// is sticky: no later mutation brings the status back.
func (m *Manager) BeginShutdown() {
	m.mu.Lock()
	already := m.shuttingDown
	m.shuttingDown = true
	snap := m.snapshotLocked()
	m.mu.Unlock()

	if already {
		return
	}
	log.Info("State manager entering shutdown")
	m.publish(snap)
}

// Snapshot returns a consistent point-in-time copy of the state.
func (m *Manager) Snapshot() models.StateSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked()
}

// snapshotLocked ...
func (m *Manager) snapshotLocked() models.StateSnapshot {
	status := models.AppStatusIdle
	switch {
	case m.shuttingDown:
		status = models.AppStatusShuttingDown
	case m.pending+m.running > 0:
		status = models.AppStatusBusy
	}

	return models.StateSnapshot{
		Status:    status,
		Pending:   m.pending,
		Running:   m.running,
		Completed: m.completed,
		LastError: m.lastError,
	}
}

// publish ...
func (m *Manager) publish(snap models.StateSnapshot) {
	m.bus.Publish(eventbus.TopicStateChanged, snap)
}
