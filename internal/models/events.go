package models

import "github.com/google/uuid"

// TaskEvent is the payload published for task lifecycle topics.
type TaskEvent struct {
	TaskID   uuid.UUID  `json:"task_id"`
	Status   TaskStatus `json:"status"`
	Priority int        `json:"priority"`
	Attempts uint       `json:"attempts"`
	Error    string     `json:"error,omitempty"`
}

// ProgressEvent reports payload progress: 0 on start, 100 on success,
// -1 on failure.
type ProgressEvent struct {
	TaskID   uuid.UUID `json:"task_id"`
	Progress int       `json:"progress"`
	Message  string    `json:"message,omitempty"`
}

// HandlerError is published on the reserved bus topic when a subscriber
// fails while handling an event.
type HandlerError struct {
	Topic   string `json:"topic"`
	EventID string `json:"event_id"`
	Message string `json:"message"`
}
