package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"chainpulse.dev/pulse/internal/model"
)

type breakerStore struct {
	q Querier
}

func (s *breakerStore) Get(ctx context.Context, triggerID int64) (*model.BreakerState, error) {
	var st model.BreakerState
	err := s.q.QueryRow(ctx, `
		SELECT trigger_id, state, opened_at, half_open_successes, version, updated_at
		FROM circuit_breaker_state
		WHERE trigger_id = $1`, triggerID,
	).Scan(&st.TriggerID, &st.State, &st.OpenedAt, &st.HalfOpenSuccesses, &st.Version, &st.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get breaker state %d: %w", triggerID, err)
	}
	return &st, nil
}

func (s *breakerStore) Upsert(ctx context.Context, st *model.BreakerState) error {
	if st.Version == 0 {
		tag, err := s.q.Exec(ctx, `
			INSERT INTO circuit_breaker_state (trigger_id, state, opened_at, half_open_successes, version, updated_at)
			VALUES ($1, $2, $3, $4, 1, NOW())
			ON CONFLICT (trigger_id) DO NOTHING`,
			st.TriggerID, st.State, st.OpenedAt, st.HalfOpenSuccesses)
		if err != nil {
			return fmt.Errorf("insert breaker state %d: %w", st.TriggerID, err)
		}
		if tag.RowsAffected() == 0 {
			return ErrVersionConflict
		}
		st.Version = 1
		return nil
	}

	tag, err := s.q.Exec(ctx, `
		UPDATE circuit_breaker_state
		SET state = $2, opened_at = $3, half_open_successes = $4, version = version + 1, updated_at = NOW()
		WHERE trigger_id = $1 AND version = $5`,
		st.TriggerID, st.State, st.OpenedAt, st.HalfOpenSuccesses, st.Version)
	if err != nil {
		return fmt.Errorf("update breaker state %d: %w", st.TriggerID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrVersionConflict
	}
	st.Version++
	return nil
}

func (s *breakerStore) InsertAudit(ctx context.Context, audit *model.BreakerAudit) error {
	_, err := s.q.Exec(ctx, `
		INSERT INTO circuit_breaker_audit (id, trigger_id, from_state, to_state, reason, failure_rate, sample_count)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		audit.ID, audit.TriggerID, audit.FromState, audit.ToState,
		audit.Reason, audit.FailureRate, audit.SampleCount)
	if err != nil {
		return fmt.Errorf("insert breaker audit for trigger %d: %w", audit.TriggerID, err)
	}
	return nil
}
