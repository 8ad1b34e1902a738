package model

import "time"

// ActionStatus is the terminal (or in-flight) status of one action execution.
type ActionStatus string

const (
	ActionStatusSuccess  ActionStatus = "success"
	ActionStatusFailure  ActionStatus = "failure"
	ActionStatusRetrying ActionStatus = "retrying"
)

// ActionResult is the append-only outcome record of one executed job.
// Feeds the circuit breaker's rolling window and external analytics.
// A success row for (trigger_id, event_id, action_id) is the idempotency
// marker that prevents duplicate side effects on job redelivery.
type ActionResult struct {
	ID           int64        `json:"id"`
	JobID        int64        `json:"job_id"`
	TriggerID    int64        `json:"trigger_id"`
	EventID      string       `json:"event_id"`
	ActionID     int64        `json:"action_id"`
	ActionType   ActionType   `json:"action_type"`
	Status       ActionStatus `json:"status"`
	RetryCount   int32        `json:"retry_count"`
	DurationMS   int64        `json:"duration_ms"`
	ErrorMessage *string      `json:"error_message,omitempty"`
	ExecutedAt   time.Time    `json:"executed_at"`
}

// ProcessedEvent marks an event as routed through trigger matching.
// Insert-once with ON CONFLICT DO NOTHING; re-delivery of the same event
// short-circuits on this marker.
type ProcessedEvent struct {
	EventID           string    `json:"event_id"`
	ProcessorInstance string    `json:"processor_instance"`
	DurationMS        int32     `json:"duration_ms"`
	TriggersMatched   int32     `json:"triggers_matched"`
	ActionsEnqueued   int32     `json:"actions_enqueued"`
	ProcessedAt       time.Time `json:"processed_at"`
}
