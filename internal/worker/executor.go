package worker

import (
	"context"
	"encoding/json"
	"fmt"

	"chainpulse.dev/pulse/internal/model"
	"chainpulse.dev/pulse/internal/queue"
)

// Executor performs one action type against its external system.
// Implementations classify failures: transient errors are returned
// bare, terminal rejections are wrapped with Permanent.
type Executor interface {
	Type() model.ActionType
	Execute(ctx context.Context, job queue.Job) error
}

// Registry maps action types to executors.
type Registry map[model.ActionType]Executor

func NewRegistry(executors ...Executor) Registry {
	reg := make(Registry, len(executors))
	for _, e := range executors {
		reg[e.Type()] = e
	}
	return reg
}

func (r Registry) Lookup(actionType string) (Executor, error) {
	e, ok := r[model.ActionType(actionType)]
	if !ok {
		return nil, fmt.Errorf("no executor for action type %q", actionType)
	}
	return e, nil
}

// payloadVars decodes the job's rendered payload snapshot.
func payloadVars(job queue.Job) (map[string]string, error) {
	vars := make(map[string]string)
	if job.Payload == "" {
		return vars, nil
	}
	if err := json.Unmarshal([]byte(job.Payload), &vars); err != nil {
		return nil, Permanent(fmt.Errorf("invalid payload snapshot: %w", err))
	}
	return vars, nil
}
