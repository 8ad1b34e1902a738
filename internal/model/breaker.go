package model

import "time"

// CircuitState is the circuit breaker state machine position for a trigger.
type CircuitState string

const (
	CircuitClosed   CircuitState = "closed"
	CircuitOpen     CircuitState = "open"
	CircuitHalfOpen CircuitState = "half_open"
)

// BreakerState is the persisted per-trigger circuit breaker row.
// Rolling success/failure counts live in the sliding-window counter, not
// here; this row holds only the state machine position. Version implements
// optimistic concurrency across processor/worker instances.
type BreakerState struct {
	TriggerID         int64        `json:"trigger_id"`
	State             CircuitState `json:"state"`
	OpenedAt          *time.Time   `json:"opened_at,omitempty"`
	HalfOpenSuccesses int          `json:"half_open_successes"`
	Version           int64        `json:"version"`
	UpdatedAt         time.Time    `json:"updated_at"`
}

// BreakerAudit is an append-only record of a breaker transition.
type BreakerAudit struct {
	ID          int64        `json:"id"`
	TriggerID   int64        `json:"trigger_id"`
	FromState   CircuitState `json:"from_state"`
	ToState     CircuitState `json:"to_state"`
	Reason      string       `json:"reason"`
	FailureRate float64      `json:"failure_rate"`
	SampleCount int64        `json:"sample_count"`
	CreatedAt   time.Time    `json:"created_at"`
}
