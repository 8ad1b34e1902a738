package queue

import "fmt"

// Job is one queued action execution. The payload snapshot is rendered
// at dispatch time so the worker never re-reads the event or trigger
// config; (TriggerID, EventID, ActionID) is the stable idempotency key.
type Job struct {
	JobID      int64
	TriggerID  int64
	EventID    string
	ActionID   int64
	ActionType string
	Priority   int32
	Attempt    int
	// Config is the action's JSON config blob at dispatch time.
	Config string
	// Payload is the rendered event snapshot (JSON object of template
	// variables).
	Payload string
	TraceID *string
}

// Key returns the job's idempotency key for logging.
func (j Job) Key() string {
	return fmt.Sprintf("%d:%s:%d", j.TriggerID, j.EventID, j.ActionID)
}
