package model

import (
	"encoding/json"
	"time"
)

// ConditionType discriminates the tagged union of condition kinds.
// Stateless kinds read only the event; stateful kinds also read and
// update the trigger's persisted state.
type ConditionType string

const (
	ConditionFieldEquals     ConditionType = "field_equals"
	ConditionScoreThreshold  ConditionType = "score_threshold"
	ConditionTagEquals       ConditionType = "tag_equals"
	ConditionEventTypeEquals ConditionType = "event_type_equals"
	ConditionEMAThreshold    ConditionType = "ema_threshold"
	ConditionRateLimit       ConditionType = "rate_limit"
)

// Stateful reports whether evaluating this condition mutates trigger state.
func (t ConditionType) Stateful() bool {
	return t == ConditionEMAThreshold || t == ConditionRateLimit
}

// Condition is one predicate in a trigger's ordered condition list.
// Immutable once attached; validated into a typed evaluator at load time.
type Condition struct {
	ID        int64           `json:"id"`
	TriggerID int64           `json:"trigger_id"`
	Type      ConditionType   `json:"condition_type"`
	Field     string          `json:"field"`
	Operator  string          `json:"operator"`
	Value     string          `json:"value"`
	Config    json.RawMessage `json:"config,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// ActionType identifies the external system an action targets.
type ActionType string

const (
	ActionTelegram ActionType = "telegram"
	ActionWebhook  ActionType = "webhook"
	ActionAgent    ActionType = "agent"
)

func (t ActionType) Valid() bool {
	switch t {
	case ActionTelegram, ActionWebhook, ActionAgent:
		return true
	}
	return false
}

// Action is one external action attached to a trigger. Lower priority
// values dispatch first; ties break by ID for determinism.
type Action struct {
	ID        int64           `json:"id"`
	TriggerID int64           `json:"trigger_id"`
	Type      ActionType      `json:"action_type"`
	Priority  int32           `json:"priority"`
	Enabled   bool            `json:"enabled"`
	Config    json.RawMessage `json:"config"`
	CreatedAt time.Time       `json:"created_at"`
}

// Trigger binds conditions over chain events to one or more actions.
// Owned by the CRUD surface; this pipeline reads it and writes back only
// the Enabled flag (circuit breaker).
type Trigger struct {
	ID             int64     `json:"id"`
	OrganizationID int64     `json:"organization_id"`
	Name           string    `json:"name"`
	ChainID        int64     `json:"chain_id"`
	Registry       Registry  `json:"registry"`
	Enabled        bool      `json:"enabled"`
	IsStateful     bool      `json:"is_stateful"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`

	// Loaded alongside the trigger by the batch loader, never persisted
	// through this struct.
	Conditions []Condition `json:"conditions,omitempty"`
	Actions    []Action    `json:"actions,omitempty"`
}
