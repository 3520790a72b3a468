package handlers

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"appcore/internal/eventbus"
	"appcore/internal/metrics"
	"appcore/internal/models"
)

func TestRegisterAllHandlers(t *testing.T) {
	t.Parallel()

	bus := eventbus.New(eventbus.DispatchSync, 16)
	collector := metrics.NewCollector()

	subs := RegisterAllHandlers(bus, collector)
	require.NotEmpty(t, subs)
	assert.Equal(t, len(subs), bus.HandlerCount(""))

	// Lifecycle events flow into the collector through the recorder.
	bus.Publish(eventbus.TopicTaskStarted, models.TaskEvent{
		TaskID: uuid.New(),
		Status: models.TaskStatusRunning,
	})
	bus.Publish(eventbus.TopicTaskCompleted, models.TaskEvent{
		TaskID: uuid.New(),
		Status: models.TaskStatusSucceeded,
	})

	snap := collector.GetSnapshot()
	assert.Equal(t, int64(1), snap.Counters["tasks.started"])
	assert.Equal(t, int64(1), snap.Counters["tasks.completed"])

	for _, sub := range subs {
		bus.Unsubscribe(sub)
	}
	assert.Zero(t, bus.HandlerCount(""))
}

func TestLoggingHandler_CoversAllPayloads(t *testing.T) {
	t.Parallel()

	h := NewLoggingHandler()

	// Must not panic on any payload shape the runtime publishes.
	payloads := []any{
		models.TaskEvent{TaskID: uuid.New(), Status: models.TaskStatusFailed, Error: "boom"},
		models.StateSnapshot{Status: models.AppStatusBusy, Pending: 1},
		models.ErrorRecord{Kind: models.ErrorKindExecution, Message: "oops"},
		models.HandlerError{Topic: "task.started", Message: "subscriber bug"},
		"unexpected payload",
	}
	for _, payload := range payloads {
		h.Handle(eventbus.Event{Topic: "topic", Payload: payload})
	}
}
