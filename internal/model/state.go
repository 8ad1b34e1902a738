package model

import (
	"encoding/json"
	"time"
)

// TriggerState is the persisted mutable state of a stateful trigger.
// One row per trigger; the condition evaluator is the only writer.
// Version implements optimistic concurrency: writers must present the
// version they read, and the store rejects stale writes.
type TriggerState struct {
	TriggerID int64           `json:"trigger_id"`
	Data      json.RawMessage `json:"data"`
	Version   int64           `json:"version"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// EMAState is the portion of TriggerState.Data owned by ema_threshold
// conditions, keyed by condition ID so multiple EMA conditions on one
// trigger stay independent.
type EMAState struct {
	EMA         float64   `json:"ema"`
	Count       int64     `json:"count"`
	LastUpdated time.Time `json:"last_updated"`
}

// StateData is the decoded shape of TriggerState.Data.
type StateData struct {
	EMA map[string]EMAState `json:"ema,omitempty"` // key: condition ID (decimal string)
}

// DecodeStateData unmarshals a state blob, returning an empty StateData
// for a nil or empty blob (first evaluation).
func DecodeStateData(raw json.RawMessage) (StateData, error) {
	var data StateData
	if len(raw) == 0 {
		return data, nil
	}
	if err := json.Unmarshal(raw, &data); err != nil {
		return StateData{}, err
	}
	return data, nil
}

// Encode marshals the state data back into a blob for persistence.
func (d StateData) Encode() (json.RawMessage, error) {
	return json.Marshal(d)
}
