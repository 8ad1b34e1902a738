package condition

import (
	"context"
	"fmt"
	"time"

	"chainpulse.dev/pulse/internal/model"
	"chainpulse.dev/pulse/internal/ratelimit"
)

// Outcome is the result of evaluating a trigger's full condition list.
type Outcome struct {
	Matched bool
	// StateChanged reports whether any stateful condition ran. The
	// caller must persist the StateData when true, even on a non-match,
	// or moving averages drift.
	StateChanged bool
}

// Engine compiles and evaluates condition lists. Safe for concurrent
// use; per-trigger serialization is the caller's responsibility (the
// state row lock).
type Engine struct {
	counter ratelimit.Counter
	clock   func() time.Time
}

func NewEngine(counter ratelimit.Counter) *Engine {
	return &Engine{counter: counter, clock: time.Now}
}

// WithClock overrides the time source for tests.
func (e *Engine) WithClock(clock func() time.Time) *Engine {
	e.clock = clock
	return e
}

// Compile validates one condition row into a typed evaluator.
func (e *Engine) Compile(c model.Condition) (Evaluator, error) {
	switch c.Type {
	case model.ConditionFieldEquals:
		return newFieldEquals(c)
	case model.ConditionScoreThreshold:
		return newScoreThreshold(c)
	case model.ConditionTagEquals:
		return newTagEquals(c)
	case model.ConditionEventTypeEquals:
		return newEventTypeEquals(c)
	case model.ConditionEMAThreshold:
		return newEMAThreshold(c, e.clock)
	case model.ConditionRateLimit:
		return newRateLimit(c, e.counter)
	}
	return nil, fmt.Errorf("unknown condition type %q", c.Type)
}

// Evaluate runs the conditions in list order, combined with AND.
// Evaluation short-circuits on the first failing condition, but any
// stateful condition that did run has already written its update into
// st. An empty list always matches.
//
// A compile error on any condition aborts the whole trigger before any
// evaluation, so a half-valid list never partially updates state.
func (e *Engine) Evaluate(ctx context.Context, conditions []model.Condition, ev *model.Event, st *model.StateData) (Outcome, error) {
	evaluators := make([]Evaluator, len(conditions))
	for i, c := range conditions {
		compiled, err := e.Compile(c)
		if err != nil {
			return Outcome{}, err
		}
		evaluators[i] = compiled
	}

	out := Outcome{Matched: true}
	for i, evaluator := range evaluators {
		matched, err := evaluator.Evaluate(ctx, ev, st)
		if conditions[i].Type.Stateful() {
			out.StateChanged = true
		}
		if err != nil {
			return Outcome{}, fmt.Errorf("evaluate condition %d: %w", conditions[i].ID, err)
		}
		if !matched {
			out.Matched = false
			break
		}
	}
	return out, nil
}
