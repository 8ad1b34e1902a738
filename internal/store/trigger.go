package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"chainpulse.dev/pulse/internal/model"
)

type triggerStore struct {
	q Querier
}

const triggerColumns = `id, organization_id, name, chain_id, registry, enabled, is_stateful, created_at, updated_at`

func (s *triggerStore) GetByID(ctx context.Context, id int64) (*model.Trigger, error) {
	row := s.q.QueryRow(ctx, `SELECT `+triggerColumns+` FROM triggers WHERE id = $1`, id)
	t, err := scanTrigger(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get trigger %d: %w", id, err)
	}
	return t, nil
}

func (s *triggerStore) ListEnabled(ctx context.Context, chainID int64, registry model.Registry) ([]model.Trigger, error) {
	rows, err := s.q.Query(ctx, `
		SELECT `+triggerColumns+`
		FROM triggers
		WHERE enabled = TRUE AND chain_id = $1 AND registry = $2
		ORDER BY id ASC`, chainID, registry)
	if err != nil {
		return nil, fmt.Errorf("list enabled triggers: %w", err)
	}
	defer rows.Close()

	var triggers []model.Trigger
	for rows.Next() {
		t, err := scanTrigger(rows)
		if err != nil {
			return nil, fmt.Errorf("scan trigger: %w", err)
		}
		triggers = append(triggers, *t)
	}
	return triggers, rows.Err()
}

func (s *triggerStore) LoadRelations(ctx context.Context, triggerIDs []int64) (map[int64][]model.Condition, map[int64][]model.Action, error) {
	conditions := make(map[int64][]model.Condition)
	actions := make(map[int64][]model.Action)
	if len(triggerIDs) == 0 {
		return conditions, actions, nil
	}

	rows, err := s.q.Query(ctx, `
		SELECT id, trigger_id, condition_type, field, operator, value, config, created_at
		FROM trigger_conditions
		WHERE trigger_id = ANY($1)
		ORDER BY trigger_id, id`, triggerIDs)
	if err != nil {
		return nil, nil, fmt.Errorf("load conditions: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var c model.Condition
		if err := rows.Scan(&c.ID, &c.TriggerID, &c.Type, &c.Field, &c.Operator, &c.Value, &c.Config, &c.CreatedAt); err != nil {
			return nil, nil, fmt.Errorf("scan condition: %w", err)
		}
		conditions[c.TriggerID] = append(conditions[c.TriggerID], c)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, err
	}

	actRows, err := s.q.Query(ctx, `
		SELECT id, trigger_id, action_type, priority, enabled, config, created_at
		FROM trigger_actions
		WHERE trigger_id = ANY($1) AND enabled = TRUE
		ORDER BY trigger_id, priority, id`, triggerIDs)
	if err != nil {
		return nil, nil, fmt.Errorf("load actions: %w", err)
	}
	defer actRows.Close()
	for actRows.Next() {
		var a model.Action
		if err := actRows.Scan(&a.ID, &a.TriggerID, &a.Type, &a.Priority, &a.Enabled, &a.Config, &a.CreatedAt); err != nil {
			return nil, nil, fmt.Errorf("scan action: %w", err)
		}
		actions[a.TriggerID] = append(actions[a.TriggerID], a)
	}
	return conditions, actions, actRows.Err()
}

func (s *triggerStore) SetEnabled(ctx context.Context, id int64, enabled bool) error {
	tag, err := s.q.Exec(ctx,
		`UPDATE triggers SET enabled = $2, updated_at = NOW() WHERE id = $1`, id, enabled)
	if err != nil {
		return fmt.Errorf("set trigger %d enabled=%t: %w", id, enabled, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func scanTrigger(row pgx.Row) (*model.Trigger, error) {
	var t model.Trigger
	err := row.Scan(&t.ID, &t.OrganizationID, &t.Name, &t.ChainID, &t.Registry,
		&t.Enabled, &t.IsStateful, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
