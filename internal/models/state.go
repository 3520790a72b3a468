package models

// AppStatus is the process-wide status of the runtime.
type AppStatus string

// const ...
const (
	AppStatusIdle         AppStatus = "idle"
	AppStatusBusy         AppStatus = "busy"
	AppStatusShuttingDown AppStatus = "shutting_down"
)

// StateSnapshot is an internally consistent point-in-time copy of the
// application state. Invariant: Pending+Running+Completed equals the
// number of tasks ever admitted.
type StateSnapshot struct {
	Status    AppStatus `json:"status"`
	Pending   uint64    `json:"pending"`
	Running   uint64    `json:"running"`
	Completed uint64    `json:"completed"`
	LastError string    `json:"last_error,omitempty"`
}
