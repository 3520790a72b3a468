package handlers

import (
	"appcore/internal/eventbus"
	"appcore/internal/metrics"
)

// RegisterAllHandlers subscribes the built-in runtime consumers: the
// structured-log subscriber and the metrics recorder. UI layers register
// their own subscribers on top of these.
func RegisterAllHandlers(
	bus *eventbus.Bus,
	collector *metrics.Collector,
) []*eventbus.Subscription {
	var subs []*eventbus.Subscription

	logging := NewLoggingHandler()
	for _, topic := range []string{
		eventbus.TopicTaskStarted,
		eventbus.TopicTaskCompleted,
		eventbus.TopicTaskFailed,
		eventbus.TopicTaskCancelled,
		eventbus.TopicStateChanged,
		eventbus.TopicErrorOccurred,
		eventbus.TopicHandlerError,
	} {
		subs = append(subs, bus.Subscribe(topic, logging, loggingPriority))
	}

	recorder := metrics.NewRecorder(collector)
	subs = append(subs, recorder.Register(bus)...)

	return subs
}
