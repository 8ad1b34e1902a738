package handler_test

import (
	"context"

	"chainpulse.dev/pulse/internal/breaker"
	"chainpulse.dev/pulse/internal/model"
)

type mockBreakerControl struct {
	statusFn     func(ctx context.Context, triggerID int64) (*breaker.Status, error)
	forceCloseFn func(ctx context.Context, triggerID int64) error
}

func (m *mockBreakerControl) Status(ctx context.Context, triggerID int64) (*breaker.Status, error) {
	if m.statusFn != nil {
		return m.statusFn(ctx, triggerID)
	}
	return &breaker.Status{TriggerID: triggerID, State: model.CircuitClosed}, nil
}

func (m *mockBreakerControl) ForceClose(ctx context.Context, triggerID int64) error {
	if m.forceCloseFn != nil {
		return m.forceCloseFn(ctx, triggerID)
	}
	return nil
}

type mockTriggerStore struct {
	getByIDFn       func(ctx context.Context, id int64) (*model.Trigger, error)
	listEnabledFn   func(ctx context.Context, chainID int64, registry model.Registry) ([]model.Trigger, error)
	loadRelationsFn func(ctx context.Context, triggerIDs []int64) (map[int64][]model.Condition, map[int64][]model.Action, error)
	setEnabledFn    func(ctx context.Context, id int64, enabled bool) error
}

func (m *mockTriggerStore) GetByID(ctx context.Context, id int64) (*model.Trigger, error) {
	if m.getByIDFn != nil {
		return m.getByIDFn(ctx, id)
	}
	return &model.Trigger{ID: id, Enabled: true}, nil
}

func (m *mockTriggerStore) ListEnabled(ctx context.Context, chainID int64, registry model.Registry) ([]model.Trigger, error) {
	if m.listEnabledFn != nil {
		return m.listEnabledFn(ctx, chainID, registry)
	}
	return nil, nil
}

func (m *mockTriggerStore) LoadRelations(ctx context.Context, triggerIDs []int64) (map[int64][]model.Condition, map[int64][]model.Action, error) {
	if m.loadRelationsFn != nil {
		return m.loadRelationsFn(ctx, triggerIDs)
	}
	return map[int64][]model.Condition{}, map[int64][]model.Action{}, nil
}

func (m *mockTriggerStore) SetEnabled(ctx context.Context, id int64, enabled bool) error {
	if m.setEnabledFn != nil {
		return m.setEnabledFn(ctx, id, enabled)
	}
	return nil
}

type mockResultStore struct {
	insertFn     func(ctx context.Context, res *model.ActionResult) error
	hasSuccessFn func(ctx context.Context, triggerID int64, eventID string, actionID int64) (bool, error)
	listRecentFn func(ctx context.Context, triggerID int64, limit int32) ([]model.ActionResult, error)
}

func (m *mockResultStore) Insert(ctx context.Context, res *model.ActionResult) error {
	if m.insertFn != nil {
		return m.insertFn(ctx, res)
	}
	return nil
}

func (m *mockResultStore) HasSuccess(ctx context.Context, triggerID int64, eventID string, actionID int64) (bool, error) {
	if m.hasSuccessFn != nil {
		return m.hasSuccessFn(ctx, triggerID, eventID, actionID)
	}
	return false, nil
}

func (m *mockResultStore) ListRecentByTrigger(ctx context.Context, triggerID int64, limit int32) ([]model.ActionResult, error) {
	if m.listRecentFn != nil {
		return m.listRecentFn(ctx, triggerID, limit)
	}
	return nil, nil
}
