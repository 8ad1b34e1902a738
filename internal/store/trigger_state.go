package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"chainpulse.dev/pulse/internal/model"
)

type triggerStateStore struct {
	q Querier
}

func (s *triggerStateStore) GetForUpdate(ctx context.Context, triggerID int64) (*model.TriggerState, error) {
	var st model.TriggerState
	err := s.q.QueryRow(ctx, `
		SELECT trigger_id, data, version, updated_at
		FROM trigger_state
		WHERE trigger_id = $1
		FOR UPDATE`, triggerID,
	).Scan(&st.TriggerID, &st.Data, &st.Version, &st.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get trigger state %d: %w", triggerID, err)
	}
	return &st, nil
}

func (s *triggerStateStore) Upsert(ctx context.Context, triggerID int64, data []byte, expectedVersion int64) error {
	if expectedVersion == 0 {
		tag, err := s.q.Exec(ctx, `
			INSERT INTO trigger_state (trigger_id, data, version, updated_at)
			VALUES ($1, $2, 1, NOW())
			ON CONFLICT (trigger_id) DO NOTHING`, triggerID, data)
		if err != nil {
			return fmt.Errorf("insert trigger state %d: %w", triggerID, err)
		}
		if tag.RowsAffected() == 0 {
			return ErrVersionConflict
		}
		return nil
	}

	tag, err := s.q.Exec(ctx, `
		UPDATE trigger_state
		SET data = $2, version = version + 1, updated_at = NOW()
		WHERE trigger_id = $1 AND version = $3`,
		triggerID, data, expectedVersion)
	if err != nil {
		return fmt.Errorf("update trigger state %d: %w", triggerID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrVersionConflict
	}
	return nil
}
