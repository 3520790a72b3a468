package handlers

import (
	log "github.com/sirupsen/logrus"

	"appcore/internal/eventbus"
	"appcore/internal/models"
)

// loggingPriority keeps the log subscriber ahead of the metrics recorder
// for the same topics.
const loggingPriority = -10

// LoggingHandler mirrors runtime events into the structured log so the
// lifecycle stays observable without a UI attached.
type LoggingHandler struct{}

// NewLoggingHandler ...
func NewLoggingHandler() *LoggingHandler {
	return &LoggingHandler{}
}

// Handle ...
func (h *LoggingHandler) Handle(event eventbus.Event) {
	switch payload := event.Payload.(type) {
	case models.TaskEvent:
		entry := log.WithFields(log.Fields{
			"task_id":  payload.TaskID,
			"status":   payload.Status,
			"attempts": payload.Attempts,
		})
		if payload.Error != "" {
			entry = entry.WithField("error", payload.Error)
		}
		entry.Info(event.Topic)
	case models.StateSnapshot:
		log.WithFields(log.Fields{
			"status":    payload.Status,
			"pending":   payload.Pending,
			"running":   payload.Running,
			"completed": payload.Completed,
		}).Debug(event.Topic)
	case models.ErrorRecord:
		log.WithFields(log.Fields{
			"kind":   payload.Kind,
			"action": payload.Action,
		}).Warn(payload.Message)
	case models.HandlerError:
		log.WithFields(log.Fields{
			"topic":    payload.Topic,
			"event_id": payload.EventID,
		}).Error(payload.Message)
	default:
		log.WithField("topic", event.Topic).Debug("event")
	}
}
