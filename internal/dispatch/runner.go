package dispatch

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"chainpulse.dev/pulse/core/db"
	"chainpulse.dev/pulse/internal/store"
)

// dbRunner implements StoreRunner over the pgx pool.
type dbRunner struct {
	db *db.DB
}

func NewDBRunner(database *db.DB) StoreRunner {
	return &dbRunner{db: database}
}

func (r *dbRunner) Stores() *store.Stores {
	return store.NewStores(r.db.Pool())
}

func (r *dbRunner) WithEventLock(ctx context.Context, eventID string, fn func(stores *store.Stores) error) (bool, error) {
	var locked bool
	err := r.db.WithTx(ctx, func(tx pgx.Tx) error {
		var err error
		locked, err = tryAdvisoryLock(ctx, tx, eventID)
		if err != nil || !locked {
			return err
		}
		return fn(store.NewStores(tx))
	})
	return locked, err
}

// tryAdvisoryLock claims the transaction-scoped advisory lock for the
// event. The lock releases on commit or rollback.
func tryAdvisoryLock(ctx context.Context, tx pgx.Tx, eventID string) (bool, error) {
	var locked bool
	err := tx.QueryRow(ctx,
		`SELECT pg_try_advisory_xact_lock(hashtextextended($1, 0))`, eventID,
	).Scan(&locked)
	if err != nil {
		return false, fmt.Errorf("acquire event lock: %w", err)
	}
	return locked, nil
}
