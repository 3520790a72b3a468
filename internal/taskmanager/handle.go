package taskmanager

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"

	"appcore/internal/models"
)

// ErrTaskCancelled resolves the handle of a task that was cancelled
// before its payload ran.
var ErrTaskCancelled = errors.New("task cancelled")

// Handle is the submitter's read-only view of a task's outcome. The
// manager keeps exclusive ownership of the task itself.
type Handle struct {
	manager *Manager
	id      uuid.UUID
	done    chan struct{}
	result  any
	err     error
	once    sync.Once
}

// newHandle ...
func newHandle(manager *Manager, id uuid.UUID) *Handle {
	return &Handle{
		manager: manager,
		id:      id,
		done:    make(chan struct{}),
	}
}

// ID ...
func (h *Handle) ID() uuid.UUID {
	return h.id
}

// Done is closed once the task reaches a terminal status.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Wait blocks until the task resolves or the context expires.
func (h *Handle) Wait(ctx context.Context) (any, error) {
	select {
	case <-h.done:
		return h.result, h.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Status returns the task's current status.
func (h *Handle) Status() models.TaskStatus {
	return h.manager.status(h.id)
}

// Cancel prevents a not-yet-started task from running and cascades to
// its dependents. Cancelling a task that is already running or terminal
// is a no-op returning false: executing payloads are never interrupted.
func (h *Handle) Cancel() bool {
	return h.manager.cancel(h.id)
}

// resolve publishes the outcome exactly once.
func (h *Handle) resolve(result any, err error) {
	h.once.Do(func() {
		h.result = result
		h.err = err
		close(h.done)
	})
}
