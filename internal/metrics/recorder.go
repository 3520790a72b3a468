package metrics

import (
	"appcore/internal/eventbus"
)

// Recorder is a bus subscriber that folds task lifecycle events into the
// collector, so metrics stay current without the processor knowing about
// metric names.
type Recorder struct {
	collector *Collector
}

// NewRecorder ...
func NewRecorder(collector *Collector) *Recorder {
	return &Recorder{collector: collector}
}

// Handle ...
func (r *Recorder) Handle(event eventbus.Event) {
	switch event.Topic {
	case eventbus.TopicTaskStarted:
		r.collector.IncrementCounter("tasks.started", 1)
	case eventbus.TopicTaskCompleted:
		r.collector.IncrementCounter("tasks.completed", 1)
	case eventbus.TopicTaskFailed:
		r.collector.IncrementCounter("tasks.failed", 1)
	case eventbus.TopicTaskCancelled:
		r.collector.IncrementCounter("tasks.cancelled", 1)
	case eventbus.TopicErrorOccurred:
		r.collector.IncrementCounter("errors.handled", 1)
	case eventbus.TopicHandlerError:
		r.collector.IncrementCounter("errors.handler", 1)
	}
}

// Register subscribes the recorder to every topic it records.
func (r *Recorder) Register(bus *eventbus.Bus) []*eventbus.Subscription {
	topics := []string{
		eventbus.TopicTaskStarted,
		eventbus.TopicTaskCompleted,
		eventbus.TopicTaskFailed,
		eventbus.TopicTaskCancelled,
		eventbus.TopicErrorOccurred,
		eventbus.TopicHandlerError,
	}

	subs := make([]*eventbus.Subscription, 0, len(topics))
	for _, topic := range topics {
		subs = append(subs, bus.Subscribe(topic, r, 0))
	}
	return subs
}
