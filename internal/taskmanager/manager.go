package taskmanager

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"appcore/internal/errorhandler"
	"appcore/internal/eventbus"
	"appcore/internal/models"
	"appcore/internal/state"
)

// const ...
const (
	defaultWorkerCount = uint(4)
	metricsNamespace   = "appcore"
	metricsSubsystem   = "task_manager"
)

// Config holds the task manager configuration.
type Config struct {
	Workers uint
}

// DefaultWorkers ...
func DefaultWorkers() uint {
	return defaultWorkerCount
}

// managerMetrics holds Prometheus gauges shared by all manager instances.
type managerMetrics struct {
	queueSize      prometheus.Gauge
	workerPoolSize prometheus.Gauge
}

var (
	poolMetricsOnce sync.Once
	poolMetrics     *managerMetrics
)

// newManagerMetrics initializes and registers Prometheus gauges once per
// process.
func newManagerMetrics() *managerMetrics {
	poolMetricsOnce.Do(func() {
		poolMetrics = &managerMetrics{
			queueSize: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: metricsSubsystem,
				Name:      "ready_queue_size",
				Help:      "Current number of tasks eligible for dispatch",
			}),
			workerPoolSize: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: metricsSubsystem,
				Name:      "worker_pool_size",
				Help:      "Current size of the worker pool",
			}),
		}
		prometheus.MustRegister(poolMetrics.queueSize, poolMetrics.workerPoolSize)
	})
	return poolMetrics
}

// Manager owns the work queue and the worker pool. It is the only writer
// of task statuses: a task belongs to the manager from submission until a
// terminal status, the submitter observes the outcome through a Handle.
type Manager struct {
	bus      *eventbus.Bus
	state    *state.Manager
	errs     *errorhandler.Handler
	executor Executor
	metrics  *managerMetrics
	config   Config

	tasks    map[uuid.UUID]*taskEntry
	ready    readyQueue
	seq      uint64
	draining bool
	started  bool
	mu       sync.Mutex
	cond     *sync.Cond

	ctx       context.Context
	cancelCtx context.CancelFunc
	group     errgroup.Group
}

// NewManager validates the configuration and builds a manager. The
// executor may be wrapped with middleware before Start.
func NewManager(config Config, bus *eventbus.Bus, stateMgr *state.Manager, errs *errorhandler.Handler, executor Executor) (*Manager, error) {
	if config.Workers == 0 {
		return nil, models.NewAppError(models.ErrorKindValidation,
			"Workers must be greater than 0", nil)
	}
	if executor == nil {
		executor = NewPayloadExecutor()
	}

	ctx, cancel := context.WithCancel(context.Background())

	m := &Manager{
		bus:       bus,
		state:     stateMgr,
		errs:      errs,
		executor:  executor,
		metrics:   newManagerMetrics(),
		config:    config,
		tasks:     make(map[uuid.UUID]*taskEntry),
		ctx:       ctx,
		cancelCtx: cancel,
	}
	m.cond = sync.NewCond(&m.mu)
	return m, nil
}

// SubmitOption ...
type SubmitOption func(*submitOptions)

type submitOptions struct {
	priority  int
	dependsOn []uuid.UUID
}

// WithPriority sets the task priority; higher runs first.
func WithPriority(priority int) SubmitOption {
	return func(o *submitOptions) { o.priority = priority }
}

// WithDependsOn declares tasks that must succeed before this one runs.
func WithDependsOn(ids ...uuid.UUID) SubmitOption {
	return func(o *submitOptions) { o.dependsOn = append(o.dependsOn, ids...) }
}

// Start launches the worker pool. Calling Start twice is a no-op.
func (m *Manager) Start() {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return
	}
	m.started = true
	m.mu.Unlock()

	for i := uint(0); i < m.config.Workers; i++ {
		workerID := i
		m.metrics.workerPoolSize.Inc()
		m.group.Go(func() error {
			defer m.metrics.workerPoolSize.Dec()
			m.worker(workerID)
			return nil
		})
	}

	log.WithField("workers", m.config.Workers).Info("Task manager started")
}

// Submit enqueues a task and returns its handle immediately: the caller
// never blocks on execution. A task with unresolved dependencies is held
// out of the ready set; a dependency that already failed or was cancelled
// cancels the new task right away.
func (m *Manager) Submit(fn models.TaskFunc, opts ...SubmitOption) (*Handle, error) {
	if fn == nil {
		return nil, models.NewAppError(models.ErrorKindValidation, "task payload must not be nil", nil)
	}

	options := submitOptions{}
	for _, opt := range opts {
		opt(&options)
	}

	// Dependencies must reference known tasks. Entries are never evicted,
	// so existence checked here still holds at registration below.
	m.mu.Lock()
	for _, depID := range options.dependsOn {
		if _, ok := m.tasks[depID]; !ok {
			m.mu.Unlock()
			return nil, models.NewAppError(models.ErrorKindValidation,
				fmt.Sprintf("unknown dependency %s", depID), nil)
		}
	}
	m.mu.Unlock()

	// Admission happens outside the manager lock: state.changed subscribers
	// on a sync bus are free to query the manager back.
	if err := m.state.BeginTask(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	if m.draining {
		// Shutdown slipped between admission and registration.
		m.mu.Unlock()
		m.state.AbortTask()
		return nil, models.NewAppError(models.ErrorKindShutdownInProgress,
			"no new tasks are admitted during shutdown", nil)
	}

	m.seq++
	task := &models.Task{
		ID:        uuid.New(),
		Priority:  options.priority,
		DependsOn: options.dependsOn,
		CreatedAt: time.Now(),
		Status:    models.TaskStatusPending,
	}
	entry := &taskEntry{
		task:   task,
		fn:     fn,
		handle: newHandle(m, task.ID),
		seq:    m.seq,
		index:  -1,
	}
	m.tasks[task.ID] = entry

	failedDep := false
	for _, depID := range options.dependsOn {
		dep := m.tasks[depID]
		switch dep.task.Status {
		case models.TaskStatusSucceeded:
			// Satisfied.
		case models.TaskStatusFailed, models.TaskStatusCancelled:
			failedDep = true
		default:
			entry.waiting++
			dep.dependents = append(dep.dependents, entry)
		}
	}

	var cancelled []*taskEntry
	switch {
	case failedDep:
		cancelled = m.cancelCascadeLocked(entry)
	case entry.waiting == 0:
		m.pushReadyLocked(entry)
	}
	m.mu.Unlock()

	log.WithFields(log.Fields{
		"task_id":  task.ID,
		"priority": task.Priority,
		"deps":     len(options.dependsOn),
	}).Debug("Task submitted")

	m.resolveCancelled(cancelled)

	return entry.handle, nil
}

// Shutdown stops admission and dispatch. Pending tasks that never started
// are cancelled so no handle hangs; running tasks are allowed to finish.
// With wait, the call blocks until the workers drain or ctx expires, in
// which case outstanding tasks are abandoned and reported through a
// ShutdownTimeout error.
func (m *Manager) Shutdown(ctx context.Context, wait bool) error {
	m.state.BeginShutdown()

	m.mu.Lock()
	var cancelled []*taskEntry
	if !m.draining {
		m.draining = true
		for _, entry := range m.tasks {
			if entry.task.Status == models.TaskStatusPending {
				cancelled = append(cancelled, m.cancelCascadeLocked(entry)...)
			}
		}
		m.cond.Broadcast()
	}
	m.mu.Unlock()

	m.resolveCancelled(cancelled)

	if !wait {
		return nil
	}

	done := make(chan struct{})
	go func() {
		_ = m.group.Wait()
		close(done)
	}()

	select {
	case <-done:
		m.cancelCtx()
		log.Info("Task manager drained")
		return nil
	case <-ctx.Done():
		snap := m.state.Snapshot()
		err := models.NewAppError(models.ErrorKindShutdownTimeout,
			fmt.Sprintf("%d tasks still running at shutdown deadline", snap.Running), ctx.Err())
		m.errs.Handle(err, map[string]any{"running": snap.Running})
		m.cancelCtx()
		return err
	}
}

// worker is the dispatch loop of one pool goroutine: pop the next ready
// task by priority, run it, route the outcome.
func (m *Manager) worker(id uint) {
	log.WithField("worker_id", id).Debug("Worker started")

	for {
		m.mu.Lock()
		for m.ready.Len() == 0 && !m.draining {
			m.cond.Wait()
		}
		if m.ready.Len() == 0 {
			m.mu.Unlock()
			log.WithField("worker_id", id).Debug("Worker stopping")
			return
		}

		entry := heap.Pop(&m.ready).(*taskEntry)
		m.metrics.queueSize.Dec()
		entry.task.Status = models.TaskStatusRunning
		entry.task.Attempts++
		taskID := entry.task.ID
		priority := entry.task.Priority
		attempts := entry.task.Attempts
		m.mu.Unlock()

		m.state.StartTask()
		m.bus.Publish(eventbus.TopicTaskStarted,
			taskEvent(taskID, models.TaskStatusRunning, priority, attempts, ""))
		m.bus.Publish(eventbus.TopicTaskProgress, models.ProgressEvent{
			TaskID:   taskID,
			Progress: 0,
			Message:  "task started",
		})

		result, err := m.execute(entry)
		if err != nil {
			m.handleFailure(entry, err)
		} else {
			m.finalizeSuccess(entry, result)
		}
	}
}

// execute runs the payload, converting a panic into an ExecutionError so
// a failing task can never take a worker down with it.
func (m *Manager) execute(entry *taskEntry) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = models.NewAppError(models.ErrorKindExecution,
				fmt.Sprintf("task payload panicked: %v", r), nil)
		}
	}()
	return m.executor.Execute(m.ctx, entry.task, entry.fn)
}

// handleFailure routes a payload error through the error handler and
// applies the returned recovery action. A retry puts the task back to
// pending and reschedules it for future eligibility instead of sleeping
// the worker.
func (m *Manager) handleFailure(entry *taskEntry, err error) {
	var appErr *models.AppError
	if !errors.As(err, &appErr) {
		err = models.NewAppError(models.ErrorKindExecution, "task payload failed", err)
	}

	taskID := entry.task.ID
	decision := m.errs.Handle(err, map[string]any{
		"task_id":  taskID,
		"priority": entry.task.Priority,
	})

	m.bus.Publish(eventbus.TopicTaskProgress, models.ProgressEvent{
		TaskID:   taskID,
		Progress: -1,
		Message:  err.Error(),
	})

	if decision.Action != models.RecoveryRetried {
		m.finalizeFailure(entry, err, decision.Action)
		return
	}

	m.mu.Lock()
	if m.draining {
		// Shutdown raced the retry: resolve terminally instead of requeueing.
		m.mu.Unlock()
		m.finalizeFailure(entry, err, models.RecoveryEscalated)
		return
	}
	m.mu.Unlock()

	// The pending count must grow before the timer is armed: a sub-backoff
	// delay must not let another worker's StartTask observe the old count.
	m.state.RequeueTask()

	// The task stays Running until the timer exists, so a shutdown or
	// cancel in this window cannot touch it.
	m.mu.Lock()
	if m.draining {
		m.mu.Unlock()
		// Put the counts back so terminal bookkeeping sees a running task.
		m.state.StartTask()
		m.finalizeFailure(entry, err, models.RecoveryEscalated)
		return
	}
	entry.task.Status = models.TaskStatusPending
	entry.retryTimer = time.AfterFunc(decision.Delay, func() {
		m.requeue(entry)
	})
	m.mu.Unlock()

	log.WithFields(log.Fields{
		"task_id": taskID,
		"delay":   decision.Delay,
	}).Info("Task scheduled for retry")
}

// requeue returns a retried task to the ready set once its backoff delay
// has elapsed.
func (m *Manager) requeue(entry *taskEntry) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry.retryTimer = nil
	if m.draining || entry.task.Status != models.TaskStatusPending {
		// Cancelled or shut down during the backoff window.
		return
	}
	m.pushReadyLocked(entry)
}

// finalizeSuccess resolves a succeeded task and releases any dependents
// whose last unmet dependency this was.
func (m *Manager) finalizeSuccess(entry *taskEntry, result any) {
	taskID := entry.task.ID

	m.mu.Lock()
	entry.task.Status = models.TaskStatusSucceeded
	for _, dependent := range entry.dependents {
		dependent.waiting--
		if dependent.waiting == 0 && dependent.task.Status == models.TaskStatusPending {
			m.pushReadyLocked(dependent)
		}
	}
	entry.dependents = nil
	priority := entry.task.Priority
	attempts := entry.task.Attempts
	m.mu.Unlock()

	m.state.CompleteTask(true)
	m.errs.ClearAttempts(taskID)

	m.bus.Publish(eventbus.TopicTaskProgress, models.ProgressEvent{
		TaskID:   taskID,
		Progress: 100,
		Message:  "task completed",
	})
	m.bus.Publish(eventbus.TopicTaskCompleted,
		taskEvent(taskID, models.TaskStatusSucceeded, priority, attempts, ""))

	entry.handle.resolve(result, nil)
}

// finalizeFailure resolves a failed task, cancelling the chain of
// dependents that can no longer run. Exactly one task.failed event is
// published per task.
func (m *Manager) finalizeFailure(entry *taskEntry, err error, action models.RecoveryAction) {
	taskID := entry.task.ID

	m.mu.Lock()
	entry.task.Status = models.TaskStatusFailed
	entry.task.Error = err.Error()
	var cancelled []*taskEntry
	for _, dependent := range entry.dependents {
		cancelled = append(cancelled, m.cancelCascadeLocked(dependent)...)
	}
	entry.dependents = nil
	priority := entry.task.Priority
	attempts := entry.task.Attempts
	m.mu.Unlock()

	m.state.CompleteTask(false)
	if action == models.RecoveryEscalated {
		m.state.RecordError(err.Error())
	}
	m.errs.ClearAttempts(taskID)

	m.bus.Publish(eventbus.TopicTaskFailed,
		taskEvent(taskID, models.TaskStatusFailed, priority, attempts, err.Error()))

	entry.handle.resolve(nil, err)

	m.resolveCancelled(cancelled)
}

// cancel transitions a pending task to Cancelled and cascades to its
// dependents. Running and terminal tasks are left alone.
func (m *Manager) cancel(id uuid.UUID) bool {
	m.mu.Lock()
	entry, ok := m.tasks[id]
	if !ok || entry.task.Status != models.TaskStatusPending {
		m.mu.Unlock()
		return false
	}
	cancelled := m.cancelCascadeLocked(entry)
	m.mu.Unlock()

	m.resolveCancelled(cancelled)
	return true
}

// cancelCascadeLocked marks the entry and, recursively, its pending
// dependents as Cancelled, removing them from the ready set and stopping
// pending retry timers. Caller holds the mutex and is responsible for
// resolving the returned entries.
func (m *Manager) cancelCascadeLocked(entry *taskEntry) []*taskEntry {
	var out []*taskEntry

	var walk func(e *taskEntry)
	walk = func(e *taskEntry) {
		if e.task.Status != models.TaskStatusPending {
			return
		}
		e.task.Status = models.TaskStatusCancelled
		if e.index >= 0 {
			heap.Remove(&m.ready, e.index)
			m.metrics.queueSize.Dec()
		}
		if e.retryTimer != nil {
			e.retryTimer.Stop()
			e.retryTimer = nil
		}
		out = append(out, e)
		for _, dependent := range e.dependents {
			walk(dependent)
		}
		e.dependents = nil
	}
	walk(entry)

	return out
}

// resolveCancelled completes the state bookkeeping and notifications for
// entries cancelled under the lock.
func (m *Manager) resolveCancelled(cancelled []*taskEntry) {
	for _, entry := range cancelled {
		m.state.CancelTask()
		m.bus.Publish(eventbus.TopicTaskCancelled,
			taskEvent(entry.task.ID, models.TaskStatusCancelled, entry.task.Priority, entry.task.Attempts, ""))
		entry.handle.resolve(nil, ErrTaskCancelled)

		log.WithField("task_id", entry.task.ID).Info("Task cancelled")
	}
}

// pushReadyLocked ...
func (m *Manager) pushReadyLocked(entry *taskEntry) {
	heap.Push(&m.ready, entry)
	m.metrics.queueSize.Inc()
	m.cond.Signal()
}

// status ...
func (m *Manager) status(id uuid.UUID) models.TaskStatus {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.tasks[id]
	if !ok {
		return ""
	}
	return entry.task.Status
}
