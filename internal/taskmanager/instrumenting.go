package taskmanager

import (
	"context"
	"strconv"
	"time"

	"github.com/go-kit/kit/metrics"

	"appcore/internal/models"
)

// Executor runs task payloads. The manager talks to its executor through
// this interface so middleware can wrap execution.
type Executor interface {
	Execute(ctx context.Context, task *models.Task, fn models.TaskFunc) (any, error)
}

// payloadExecutor is the plain executor: it just invokes the payload.
type payloadExecutor struct{}

// NewPayloadExecutor ...
func NewPayloadExecutor() Executor {
	return payloadExecutor{}
}

// Execute ...
func (payloadExecutor) Execute(ctx context.Context, _ *models.Task, fn models.TaskFunc) (any, error) {
	return fn(ctx)
}

// instrumentingMiddleware wraps an Executor and enables execution metrics
type instrumentingMiddleware struct {
	taskCount    metrics.Counter
	taskDuration metrics.Histogram
	next         Executor
}

// Execute ...
func (s *instrumentingMiddleware) Execute(ctx context.Context, task *models.Task, fn models.TaskFunc) (result any, err error) {
	defer func(startTime time.Time) {
		labels := []string{
			"method", "Execute",
			"error", strconv.FormatBool(err != nil),
		}
		s.taskCount.With(labels...).Add(1)
		s.taskDuration.With(labels...).Observe(time.Since(startTime).Seconds())
	}(time.Now())
	return s.next.Execute(ctx, task, fn)
}

// NewInstrumentingMiddleware ...
func NewInstrumentingMiddleware(
	taskCount metrics.Counter,
	taskDuration metrics.Histogram,
	next Executor,
) Executor {
	return &instrumentingMiddleware{
		taskCount:    taskCount,
		taskDuration: taskDuration,
		next:         next,
	}
}
