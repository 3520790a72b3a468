package models

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// TaskStatus represents the current status of a task.
type TaskStatus string

// const ...
const (
	TaskStatusPending   TaskStatus = "pending"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusSucceeded TaskStatus = "succeeded"
	TaskStatusFailed    TaskStatus = "failed"
	TaskStatusCancelled TaskStatus = "cancelled"
)

// Terminal reports whether the status is final. Terminal statuses are
// immutable once reached.
func (s TaskStatus) Terminal() bool {
	switch s {
	case TaskStatusSucceeded, TaskStatusFailed, TaskStatusCancelled:
		return true
	}
	return false
}

// TaskFunc is the executable payload of a task. The context is cancelled
// when the runtime shuts down.
type TaskFunc func(ctx context.Context) (any, error)

// Task represents a schedulable unit of work. Its status and queue
// membership are owned exclusively by the task manager from submission
// until a terminal status; everyone else reads through a handle.
type Task struct {
	CreatedAt time.Time   `json:"created_at"`
	Status    TaskStatus  `json:"status"`
	Error     string      `json:"error,omitempty"`
	DependsOn []uuid.UUID `json:"depends_on,omitempty"`
	ID        uuid.UUID   `json:"id"`
	Priority  int         `json:"priority"`
	Attempts  uint        `json:"attempts"`
}
