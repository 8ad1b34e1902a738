package store

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Querier is the subset of pgx satisfied by both *pgxpool.Pool and pgx.Tx,
// so the same store code runs pooled or inside a transaction.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Stores bundles all store implementations over one Querier.
type Stores struct {
	Events          EventStore
	ProcessedEvents ProcessedEventStore
	Triggers        TriggerStore
	TriggerState    TriggerStateStore
	Breaker         BreakerStore
	ActionResults   ActionResultStore
}

func NewStores(q Querier) *Stores {
	return &Stores{
		Events:          &eventStore{q: q},
		ProcessedEvents: &processedEventStore{q: q},
		Triggers:        &triggerStore{q: q},
		TriggerState:    &triggerStateStore{q: q},
		Breaker:         &breakerStore{q: q},
		ActionResults:   &actionResultStore{q: q},
	}
}
