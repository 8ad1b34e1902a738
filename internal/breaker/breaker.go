// Package breaker protects external action targets from failing
// triggers. It tracks a rolling failure rate per trigger over the
// shared sliding-window counter and suppresses dispatch while the
// circuit is open. The trigger's enabled flag is owner intent and is
// never touched here: a tripped trigger keeps matching events, which
// is what drives the cooldown probe and automatic recovery.
package breaker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"chainpulse.dev/pulse/common/id"
	"chainpulse.dev/pulse/core/config"
	"chainpulse.dev/pulse/internal/metrics"
	"chainpulse.dev/pulse/internal/model"
	"chainpulse.dev/pulse/internal/ratelimit"
	"chainpulse.dev/pulse/internal/store"
)

// Counter key namespaces. Totals and failures share the window so the
// rate is computed over the same sample set.
const (
	totalPrefix = "cb:total:"
	failPrefix  = "cb:fail:"
)

// casAttempts bounds retries on a version conflict. Conflicts are rare:
// two workers finishing jobs for one trigger at the same moment.
const casAttempts = 3

// Status is the operational view of one trigger's circuit.
type Status struct {
	TriggerID   int64
	State       model.CircuitState
	FailureRate float64
	SampleCount int64
	// RetryAfter is how long until an Open circuit moves to HalfOpen.
	// Zero unless Open.
	RetryAfter time.Duration
}

// Breaker runs the per-trigger circuit state machine. All instances
// share state through the counter store and the breaker rows, so any
// listener or worker may drive a transition.
type Breaker struct {
	breakers store.BreakerStore
	counter  ratelimit.Counter
	cfg      config.BreakerConfig
	clock    func() time.Time
}

func New(breakers store.BreakerStore, counter ratelimit.Counter, cfg config.BreakerConfig) *Breaker {
	return &Breaker{
		breakers: breakers,
		counter:  counter,
		cfg:      cfg,
		clock:    time.Now,
	}
}

// WithClock overrides the time source for tests.
func (b *Breaker) WithClock(clock func() time.Time) *Breaker {
	b.clock = clock
	return b
}

// Allow reports whether dispatch may proceed for the trigger. An Open
// circuit whose cooldown has elapsed transitions to HalfOpen here and
// allows the probe through.
func (b *Breaker) Allow(ctx context.Context, triggerID int64) (bool, error) {
	st, err := b.load(ctx, triggerID)
	if err != nil {
		return false, err
	}

	switch st.State {
	case model.CircuitClosed, model.CircuitHalfOpen:
		return true, nil
	case model.CircuitOpen:
		if st.OpenedAt == nil || b.clock().Sub(*st.OpenedAt) < b.cfg.Cooldown {
			return false, nil
		}
		if err := b.transition(ctx, st, model.CircuitHalfOpen, "cooldown elapsed", 0, 0); err != nil {
			if errors.Is(err, store.ErrVersionConflict) {
				// Another instance is driving the same transition.
				return false, nil
			}
			return false, err
		}
		return true, nil
	}
	return false, fmt.Errorf("trigger %d: unknown circuit state %q", triggerID, st.State)
}

// Record observes one terminal action outcome. Every outcome feeds the
// rolling window regardless of circuit state, so recovery is measured
// even while the circuit is Open.
func (b *Breaker) Record(ctx context.Context, triggerID int64, success bool) error {
	window := b.cfg.Window
	if _, err := b.counter.Increment(ctx, totalPrefix+itoa(triggerID), 1, window, 0); err != nil {
		return fmt.Errorf("record outcome for trigger %d: %w", triggerID, err)
	}
	if !success {
		if _, err := b.counter.Increment(ctx, failPrefix+itoa(triggerID), 1, window, 0); err != nil {
			return fmt.Errorf("record failure for trigger %d: %w", triggerID, err)
		}
	}

	for attempt := 0; attempt < casAttempts; attempt++ {
		err := b.step(ctx, triggerID, success)
		if err == nil {
			return nil
		}
		if !errors.Is(err, store.ErrVersionConflict) {
			return err
		}
	}
	// Conflicting writers converge on the next outcome; drop this step.
	slog.WarnContext(ctx, "breaker state contention, skipping transition",
		"trigger_id", triggerID)
	return nil
}

func (b *Breaker) step(ctx context.Context, triggerID int64, success bool) error {
	st, err := b.load(ctx, triggerID)
	if err != nil {
		return err
	}

	switch st.State {
	case model.CircuitClosed:
		// Checked on every outcome, not just failures: a success can be
		// the observation that pushes the sample count past the minimum.
		rate, samples, err := b.failureRate(ctx, triggerID)
		if err != nil {
			return err
		}
		if samples < b.cfg.MinSamples || rate < b.cfg.FailureRateThreshold {
			return nil
		}
		if err := b.transition(ctx, st, model.CircuitOpen, "failure rate threshold exceeded", rate, samples); err != nil {
			return err
		}
		slog.WarnContext(ctx, "circuit opened, dispatch suppressed",
			"trigger_id", triggerID, "failure_rate", rate, "samples", samples)
		return nil

	case model.CircuitHalfOpen:
		if !success {
			return b.transition(ctx, st, model.CircuitOpen, "probe failed", 0, 0)
		}
		st.HalfOpenSuccesses++
		if st.HalfOpenSuccesses < b.cfg.HalfOpenSuccesses {
			return b.breakers.Upsert(ctx, st)
		}
		return b.close(ctx, st, "probe succeeded")

	case model.CircuitOpen:
		// Observation only; Allow drives the cooldown transition.
		return nil
	}
	return fmt.Errorf("trigger %d: unknown circuit state %q", triggerID, st.State)
}

// ForceClose is the manual override exposed to the admin surface. It
// closes the circuit and clears the rolling window so stale failures
// cannot re-trip immediately.
func (b *Breaker) ForceClose(ctx context.Context, triggerID int64) error {
	st, err := b.load(ctx, triggerID)
	if err != nil {
		return err
	}
	return b.close(ctx, st, "manual force close")
}

// Status reports the circuit state plus the rolling failure rate.
func (b *Breaker) Status(ctx context.Context, triggerID int64) (*Status, error) {
	st, err := b.load(ctx, triggerID)
	if err != nil {
		return nil, err
	}
	rate, samples, err := b.failureRate(ctx, triggerID)
	if err != nil {
		return nil, err
	}

	status := &Status{
		TriggerID:   triggerID,
		State:       st.State,
		FailureRate: rate,
		SampleCount: samples,
	}
	if st.State == model.CircuitOpen && st.OpenedAt != nil {
		if remaining := b.cfg.Cooldown - b.clock().Sub(*st.OpenedAt); remaining > 0 {
			status.RetryAfter = remaining
		}
	}
	return status, nil
}

// load returns the breaker row, defaulting to a Closed circuit with
// version 0 when no row exists yet.
func (b *Breaker) load(ctx context.Context, triggerID int64) (*model.BreakerState, error) {
	st, err := b.breakers.Get(ctx, triggerID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return &model.BreakerState{TriggerID: triggerID, State: model.CircuitClosed}, nil
		}
		return nil, err
	}
	return st, nil
}

func (b *Breaker) failureRate(ctx context.Context, triggerID int64) (float64, int64, error) {
	total, err := b.counter.Peek(ctx, totalPrefix+itoa(triggerID), b.cfg.Window)
	if err != nil {
		return 0, 0, fmt.Errorf("peek totals for trigger %d: %w", triggerID, err)
	}
	if total.Current <= 0 {
		return 0, 0, nil
	}
	fails, err := b.counter.Peek(ctx, failPrefix+itoa(triggerID), b.cfg.Window)
	if err != nil {
		return 0, 0, fmt.Errorf("peek failures for trigger %d: %w", triggerID, err)
	}
	return float64(fails.Current) / float64(total.Current), total.Current, nil
}

func (b *Breaker) transition(ctx context.Context, st *model.BreakerState, to model.CircuitState, reason string, rate float64, samples int64) error {
	from := st.State
	st.State = to
	switch to {
	case model.CircuitOpen:
		now := b.clock()
		st.OpenedAt = &now
		st.HalfOpenSuccesses = 0
	case model.CircuitHalfOpen:
		st.HalfOpenSuccesses = 0
	case model.CircuitClosed:
		st.OpenedAt = nil
		st.HalfOpenSuccesses = 0
	}
	if err := b.breakers.Upsert(ctx, st); err != nil {
		return err
	}
	metrics.BreakerTransitions.WithLabelValues(string(to)).Inc()

	audit := &model.BreakerAudit{
		ID:          id.New(),
		TriggerID:   st.TriggerID,
		FromState:   from,
		ToState:     to,
		Reason:      reason,
		FailureRate: rate,
		SampleCount: samples,
	}
	if err := b.breakers.InsertAudit(ctx, audit); err != nil {
		// The transition itself committed; a lost audit row is logged,
		// not fatal.
		slog.ErrorContext(ctx, "failed to write breaker audit",
			"trigger_id", st.TriggerID, "from", from, "to", to, "error", err)
	}
	return nil
}

func (b *Breaker) close(ctx context.Context, st *model.BreakerState, reason string) error {
	if err := b.transition(ctx, st, model.CircuitClosed, reason, 0, 0); err != nil {
		return err
	}
	for _, key := range []string{totalPrefix + itoa(st.TriggerID), failPrefix + itoa(st.TriggerID)} {
		if err := b.counter.Reset(ctx, key); err != nil {
			return err
		}
	}
	slog.InfoContext(ctx, "circuit closed",
		"trigger_id", st.TriggerID, "reason", reason)
	return nil
}

func itoa(v int64) string {
	return strconv.FormatInt(v, 10)
}
