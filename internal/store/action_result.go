package store

import (
	"context"
	"fmt"

	"chainpulse.dev/pulse/internal/model"
)

type actionResultStore struct {
	q Querier
}

func (s *actionResultStore) Insert(ctx context.Context, res *model.ActionResult) error {
	_, err := s.q.Exec(ctx, `
		INSERT INTO action_results (id, job_id, trigger_id, event_id, action_id, action_type, status, retry_count, duration_ms, error_message)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		res.ID, res.JobID, res.TriggerID, res.EventID, res.ActionID,
		res.ActionType, res.Status, res.RetryCount, res.DurationMS, res.ErrorMessage)
	if err != nil {
		return fmt.Errorf("insert action result for job %d: %w", res.JobID, err)
	}
	return nil
}

func (s *actionResultStore) HasSuccess(ctx context.Context, triggerID int64, eventID string, actionID int64) (bool, error) {
	var exists bool
	err := s.q.QueryRow(ctx, `
		SELECT EXISTS(
			SELECT 1 FROM action_results
			WHERE trigger_id = $1 AND event_id = $2 AND action_id = $3 AND status = 'success'
		)`, triggerID, eventID, actionID,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check action result: %w", err)
	}
	return exists, nil
}

func (s *actionResultStore) ListRecentByTrigger(ctx context.Context, triggerID int64, limit int32) ([]model.ActionResult, error) {
	rows, err := s.q.Query(ctx, `
		SELECT id, job_id, trigger_id, event_id, action_id, action_type, status, retry_count, duration_ms, error_message, executed_at
		FROM action_results
		WHERE trigger_id = $1
		ORDER BY executed_at DESC
		LIMIT $2`, triggerID, limit)
	if err != nil {
		return nil, fmt.Errorf("list action results for trigger %d: %w", triggerID, err)
	}
	defer rows.Close()

	var results []model.ActionResult
	for rows.Next() {
		var r model.ActionResult
		if err := rows.Scan(&r.ID, &r.JobID, &r.TriggerID, &r.EventID, &r.ActionID,
			&r.ActionType, &r.Status, &r.RetryCount, &r.DurationMS, &r.ErrorMessage, &r.ExecutedAt); err != nil {
			return nil, fmt.Errorf("scan action result: %w", err)
		}
		results = append(results, r)
	}
	return results, rows.Err()
}
