package taskmanager

import (
	"time"

	"github.com/google/uuid"

	"appcore/internal/models"
)

// taskEntry is the manager's private bookkeeping for one submitted task.
// All fields are guarded by the manager mutex unless noted.
type taskEntry struct {
	task       *models.Task
	fn         models.TaskFunc
	handle     *Handle
	dependents []*taskEntry
	retryTimer *time.Timer
	waiting    int
	seq        uint64
	index      int // position in the ready queue, -1 when not queued
}

// readyQueue orders eligible tasks by priority (higher first), ties
// broken by submission order. Implements container/heap.
type readyQueue []*taskEntry

func (q readyQueue) Len() int { return len(q) }

func (q readyQueue) Less(i, j int) bool {
	if q[i].task.Priority != q[j].task.Priority {
		return q[i].task.Priority > q[j].task.Priority
	}
	return q[i].seq < q[j].seq
}

func (q readyQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

func (q *readyQueue) Push(x any) {
	entry := x.(*taskEntry)
	entry.index = len(*q)
	*q = append(*q, entry)
}

func (q *readyQueue) Pop() any {
	old := *q
	n := len(old)
	entry := old[n-1]
	old[n-1] = nil
	entry.index = -1
	*q = old[:n-1]
	return entry
}

// taskEvent ...
func taskEvent(id uuid.UUID, status models.TaskStatus, priority int, attempts uint, errMsg string) models.TaskEvent {
	return models.TaskEvent{
		TaskID:   id,
		Status:   status,
		Priority: priority,
		Attempts: attempts,
		Error:    errMsg,
	}
}
