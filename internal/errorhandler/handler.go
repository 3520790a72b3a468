package errorhandler

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"appcore/internal/eventbus"
	"appcore/internal/models"
)

// const ...
const (
	defaultMaxAttempts    = uint(3)
	defaultInitialBackoff = time.Second
	defaultMaxBackoff     = time.Minute
	defaultMultiplier     = 2.0
	defaultRecordCapacity = 100
)

// Strategy decides what happens for a single error kind. Retry carries
// its attempt budget and backoff curve; Skip and Escalate need no
// parameters.
type Strategy struct {
	Action         models.RecoveryAction
	MaxAttempts    uint
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Multiplier     float64
}

// Retry ...
func Retry(maxAttempts uint, initial, max time.Duration) Strategy {
	return Strategy{
		Action:         models.RecoveryRetried,
		MaxAttempts:    maxAttempts,
		InitialBackoff: initial,
		MaxBackoff:     max,
		Multiplier:     defaultMultiplier,
	}
}

// Skip ...
func Skip() Strategy {
	return Strategy{Action: models.RecoverySkipped}
}

// Escalate ...
func Escalate() Strategy {
	return Strategy{Action: models.RecoveryEscalated}
}

// Decision is what Handle returns to the caller: the recovery action and,
// for a retry, the backoff delay the caller applies before resubmitting.
// The handler itself never sleeps.
type Decision struct {
	Action models.RecoveryAction
	Delay  time.Duration
}

// Handler classifies failures, applies the per-kind recovery strategy,
// publishes error.occurred events and keeps a bounded diagnostic record
// of recent failures.
type Handler struct {
	bus        *eventbus.Bus
	strategies map[models.ErrorKind]Strategy
	attempts   map[uuid.UUID]uint
	records    []models.ErrorRecord
	recordCap  int
	mu         sync.Mutex
}

// DefaultStrategies returns the recovery policy used when the caller does
// not override anything: transient resource failures retry, everything
// else escalates.
func DefaultStrategies() map[models.ErrorKind]Strategy {
	return map[models.ErrorKind]Strategy{
		models.ErrorKindResource:   Retry(defaultMaxAttempts, defaultInitialBackoff, defaultMaxBackoff),
		models.ErrorKindValidation: Escalate(),
		models.ErrorKindExecution:  Escalate(),
		models.ErrorKindUnknown:    Escalate(),
	}
}

// NewHandler validates the strategy table and builds a handler. Invalid
// strategies fail construction, matching the fail-fast policy for
// configuration errors.
func NewHandler(bus *eventbus.Bus, strategies map[models.ErrorKind]Strategy) (*Handler, error) {
	if strategies == nil {
		strategies = DefaultStrategies()
	}

	for kind, s := range strategies {
		if err := validateStrategy(s); err != nil {
			return nil, models.NewAppError(models.ErrorKindValidation,
				fmt.Sprintf("invalid strategy for kind %q", kind), err)
		}
	}

	return &Handler{
		bus:        bus,
		strategies: strategies,
		attempts:   make(map[uuid.UUID]uint),
		recordCap:  defaultRecordCapacity,
	}, nil
}

// validateStrategy ...
func validateStrategy(s Strategy) error {
	switch s.Action {
	case models.RecoverySkipped, models.RecoveryEscalated:
		return nil
	case models.RecoveryRetried:
		if s.MaxAttempts == 0 {
			return errors.New("retry strategy requires MaxAttempts > 0")
		}
		if s.InitialBackoff <= 0 || s.MaxBackoff < s.InitialBackoff {
			return errors.New("retry strategy requires 0 < InitialBackoff <= MaxBackoff")
		}
		if s.Multiplier < 1 {
			return errors.New("retry strategy requires Multiplier >= 1")
		}
		return nil
	default:
		return fmt.Errorf("unknown recovery action %q", s.Action)
	}
}

// SetStrategy replaces the strategy for a single kind. Intended for use
// before the first task submission.
func (h *Handler) SetStrategy(kind models.ErrorKind, s Strategy) error {
	if err := validateStrategy(s); err != nil {
		return models.NewAppError(models.ErrorKindValidation,
			fmt.Sprintf("invalid strategy for kind %q", kind), err)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.strategies[kind] = s
	return nil
}

// Handle classifies err, records it, publishes error.occurred and returns
// the recovery decision. The event is published before returning so
// subscribers observe failures even when the action is a retry. The
// task_id context value, when present, keys the per-task attempt count.
func (h *Handler) Handle(err error, context map[string]any) Decision {
	kind := models.Classify(err)

	h.mu.Lock()

	strategy, ok := h.strategies[kind]
	if !ok {
		strategy = Escalate()
	}

	taskID, hasTask := taskIDFrom(context)
	decision := Decision{Action: strategy.Action}

	if strategy.Action == models.RecoveryRetried {
		var attempt uint
		if hasTask {
			h.attempts[taskID]++
			attempt = h.attempts[taskID]
		} else {
			attempt = 1
		}

		if attempt >= strategy.MaxAttempts {
			// Attempt budget exhausted, the retry becomes an escalation.
			decision = Decision{Action: models.RecoveryEscalated}
		} else {
			decision.Delay = backoff(strategy, attempt)
		}
	}

	record := models.ErrorRecord{
		Timestamp: time.Now(),
		Kind:      kind,
		Message:   err.Error(),
		Context:   context,
		Action:    decision.Action,
		TaskID:    taskID,
	}
	h.appendRecordLocked(record)
	h.mu.Unlock()

	log.WithFields(log.Fields{
		"kind":   kind,
		"action": decision.Action,
		"error":  err,
	}).Warn("Handled failure")

	h.bus.Publish(eventbus.TopicErrorOccurred, record)

	return decision
}

// Attempts returns the failure count recorded for a task.
func (h *Handler) Attempts(taskID uuid.UUID) uint {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.attempts[taskID]
}

// ClearAttempts drops the attempt counter once a task reaches a terminal
// status.
func (h *Handler) ClearAttempts(taskID uuid.UUID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.attempts, taskID)
}

// Recent returns up to n most recent error records, newest first.
func (h *Handler) Recent(n int) []models.ErrorRecord {
	h.mu.Lock()
	defer h.mu.Unlock()

	if n <= 0 || n > len(h.records) {
		n = len(h.records)
	}
	out := make([]models.ErrorRecord, n)
	for i := 0; i < n; i++ {
		out[i] = h.records[len(h.records)-1-i]
	}
	return out
}

// appendRecordLocked keeps the record buffer bounded to the most recent
// recordCap entries. Caller holds the mutex.
func (h *Handler) appendRecordLocked(record models.ErrorRecord) {
	h.records = append(h.records, record)
	if len(h.records) > h.recordCap {
		h.records = h.records[len(h.records)-h.recordCap:]
	}
}

// backoff computes the exponential delay for the given attempt, capped at
// the strategy maximum.
func backoff(s Strategy, attempt uint) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	delay := float64(s.InitialBackoff) * math.Pow(s.Multiplier, float64(attempt-1))
	if delay > float64(s.MaxBackoff) {
		return s.MaxBackoff
	}
	return time.Duration(delay)
}

// taskIDFrom ...
func taskIDFrom(context map[string]any) (uuid.UUID, bool) {
	if context == nil {
		return uuid.Nil, false
	}
	id, ok := context["task_id"].(uuid.UUID)
	return id, ok
}
