package store

import (
	"context"
	"errors"

	"chainpulse.dev/pulse/internal/model"
)

// ErrNotFound is returned when a requested entity does not exist.
var ErrNotFound = errors.New("not found")

// ErrVersionConflict is returned when an optimistic-concurrency write
// presents a stale version. Callers should re-read and retry.
var ErrVersionConflict = errors.New("version conflict")

// EventStore reads immutable registry events written by the ingestion side.
type EventStore interface {
	GetByID(ctx context.Context, id string) (*model.Event, error)
	// ListUnprocessed returns event IDs without a processed marker, oldest
	// first. Used by the resync scan that backstops missed notifications.
	ListUnprocessed(ctx context.Context, limit int32) ([]string, error)
}

// ProcessedEventStore tracks the idempotency markers for event routing.
type ProcessedEventStore interface {
	Exists(ctx context.Context, eventID string) (bool, error)
	// Mark inserts the marker; inserting an existing marker is a no-op
	// (duplicate delivery), reported via the bool.
	Mark(ctx context.Context, pe *model.ProcessedEvent) (bool, error)
}

// TriggerStore reads trigger configuration and writes back only the
// enabled flag (admin surface). The flag is owner intent; the circuit
// breaker suppresses dispatch without touching it.
type TriggerStore interface {
	GetByID(ctx context.Context, id int64) (*model.Trigger, error)
	// ListEnabled returns enabled triggers for a chain/registry pair,
	// without conditions or actions attached.
	ListEnabled(ctx context.Context, chainID int64, registry model.Registry) ([]model.Trigger, error)
	// LoadRelations batch-loads conditions and actions for the given
	// triggers in two queries, keyed by trigger ID.
	LoadRelations(ctx context.Context, triggerIDs []int64) (map[int64][]model.Condition, map[int64][]model.Action, error)
	SetEnabled(ctx context.Context, id int64, enabled bool) error
}

// TriggerStateStore persists stateful-trigger state with single-writer
// semantics per trigger.
type TriggerStateStore interface {
	// GetForUpdate loads the state row with a row lock. Must be called
	// inside a transaction; returns ErrNotFound when no state exists yet.
	GetForUpdate(ctx context.Context, triggerID int64) (*model.TriggerState, error)
	// Upsert writes the state, enforcing the version the caller read.
	// Inserts with version 1 when expectedVersion is 0.
	Upsert(ctx context.Context, triggerID int64, data []byte, expectedVersion int64) error
}

// BreakerStore persists circuit breaker state rows and transition audits.
type BreakerStore interface {
	Get(ctx context.Context, triggerID int64) (*model.BreakerState, error)
	// Upsert writes the breaker row with a version guard, returning
	// ErrVersionConflict on a stale write.
	Upsert(ctx context.Context, st *model.BreakerState) error
	InsertAudit(ctx context.Context, audit *model.BreakerAudit) error
}

// ActionResultStore appends execution outcomes and answers the worker's
// idempotency check.
type ActionResultStore interface {
	Insert(ctx context.Context, res *model.ActionResult) error
	HasSuccess(ctx context.Context, triggerID int64, eventID string, actionID int64) (bool, error)
	ListRecentByTrigger(ctx context.Context, triggerID int64, limit int32) ([]model.ActionResult, error)
}
