package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/trace"

	"chainpulse.dev/pulse/common/logger"
	"chainpulse.dev/pulse/internal/condition"
	"chainpulse.dev/pulse/internal/metrics"
	"chainpulse.dev/pulse/internal/model"
	"chainpulse.dev/pulse/internal/store"
)

// MaxTriggersPerEvent caps the candidate set per event. A chain/registry
// pair with more enabled triggers than this is misconfigured; the
// overflow is logged and skipped rather than stalling the pipeline.
const MaxTriggersPerEvent = 100

// DispatchGate decides whether a matched trigger may dispatch.
// Implemented by the circuit breaker.
type DispatchGate interface {
	Allow(ctx context.Context, triggerID int64) (bool, error)
}

// StoreRunner hands out stores bound to the connection pool or to one
// transaction holding the per-event advisory lock. Production wraps
// *db.DB via NewDBRunner; tests substitute in-memory stores.
type StoreRunner interface {
	Stores() *store.Stores
	// WithEventLock runs fn inside a transaction after claiming the
	// advisory lock for eventID. When another instance holds the lock,
	// fn is skipped and locked is false.
	WithEventLock(ctx context.Context, eventID string, fn func(stores *store.Stores) error) (locked bool, err error)
}

// Processor routes one event through trigger matching to job dispatch.
// Safe to run on multiple instances: a per-event advisory lock plus the
// processed marker give at-most-one-concurrent-evaluation per event.
type Processor struct {
	runner     StoreRunner
	engine     *condition.Engine
	gate       DispatchGate
	dispatcher *Dispatcher
	instance   string
}

func NewProcessor(runner StoreRunner, engine *condition.Engine, gate DispatchGate, dispatcher *Dispatcher, instance string) *Processor {
	return &Processor{
		runner:     runner,
		engine:     engine,
		gate:       gate,
		dispatcher: dispatcher,
		instance:   instance,
	}
}

// ProcessEvent evaluates all candidate triggers for the event and
// enqueues jobs for the matches. Duplicate deliveries return nil
// immediately. A returned error means nothing was marked processed and
// the caller should rely on redelivery or the resync scan.
func (p *Processor) ProcessEvent(ctx context.Context, eventID string) error {
	sc := logger.StartSpan(ctx, "dispatch.process_event", trace.WithSpanKind(trace.SpanKindConsumer))
	defer sc.End()
	ctx = logger.WithLogFields(sc.Context(), logger.LogFields{
		Component: "pulse.dispatch",
		EventID:   &eventID,
	})

	// Fast path outside the transaction: most duplicate notifications
	// stop here without taking the lock.
	exists, err := p.runner.Stores().ProcessedEvents.Exists(ctx, eventID)
	if err != nil {
		return fmt.Errorf("check processed marker: %w", err)
	}
	if exists {
		metrics.EventsDuplicate.Inc()
		slog.DebugContext(ctx, "event already processed, skipping")
		return nil
	}

	start := time.Now()
	var matched, enqueued int32

	locked, err := p.runner.WithEventLock(ctx, eventID, func(stores *store.Stores) error {
		// Re-check under the lock: the other instance may have finished
		// between the fast path and here.
		exists, err := stores.ProcessedEvents.Exists(ctx, eventID)
		if err != nil {
			return fmt.Errorf("re-check processed marker: %w", err)
		}
		if exists {
			return nil
		}

		ev, err := stores.Events.GetByID(ctx, eventID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				// Notification for a row we cannot see yet; the resync
				// scan will pick it up once visible.
				slog.WarnContext(ctx, "notified event not found, deferring to resync")
				return nil
			}
			return err
		}

		matched, enqueued, err = p.matchAndDispatch(ctx, stores, ev)
		if err != nil {
			return err
		}

		inserted, err := stores.ProcessedEvents.Mark(ctx, &model.ProcessedEvent{
			EventID:           eventID,
			ProcessorInstance: p.instance,
			DurationMS:        int32(time.Since(start).Milliseconds()),
			TriggersMatched:   matched,
			ActionsEnqueued:   enqueued,
		})
		if err != nil {
			return err
		}
		if !inserted {
			slog.WarnContext(ctx, "processed marker already present at commit")
		}
		return nil
	})
	if err != nil {
		sc.RecordError(err)
		return err
	}
	if !locked {
		slog.DebugContext(ctx, "event locked by another instance, skipping")
		return nil
	}

	metrics.EventsProcessed.Inc()
	metrics.EventProcessingDuration.Observe(time.Since(start).Seconds())
	slog.InfoContext(ctx, "event processed",
		"triggers_matched", matched,
		"actions_enqueued", enqueued,
		"duration_ms", time.Since(start).Milliseconds())
	return nil
}

func (p *Processor) matchAndDispatch(ctx context.Context, stores *store.Stores, ev *model.Event) (matched, enqueued int32, err error) {
	triggers, err := stores.Triggers.ListEnabled(ctx, ev.ChainID, ev.Registry)
	if err != nil {
		return 0, 0, fmt.Errorf("list candidate triggers: %w", err)
	}
	if len(triggers) > MaxTriggersPerEvent {
		slog.WarnContext(ctx, "too many candidate triggers, truncating",
			"candidates", len(triggers),
			"cap", MaxTriggersPerEvent)
		triggers = triggers[:MaxTriggersPerEvent]
	}
	if len(triggers) == 0 {
		return 0, 0, nil
	}

	triggerIDs := make([]int64, len(triggers))
	for i, t := range triggers {
		triggerIDs[i] = t.ID
	}
	conditions, actions, err := stores.Triggers.LoadRelations(ctx, triggerIDs)
	if err != nil {
		return 0, 0, fmt.Errorf("load trigger relations: %w", err)
	}

	for i := range triggers {
		trigger := &triggers[i]
		metrics.TriggersEvaluated.Inc()
		ok, err := p.evaluateTrigger(ctx, stores, trigger, conditions[trigger.ID], ev)
		if err != nil {
			// Evaluation errors are contained per trigger: malformed
			// config must not block siblings.
			slog.ErrorContext(ctx, "trigger evaluation failed, skipping",
				"trigger_id", trigger.ID,
				"error", err)
			continue
		}
		if !ok {
			continue
		}
		matched++
		metrics.TriggersMatched.Inc()

		allowed, err := p.gate.Allow(ctx, trigger.ID)
		if err != nil {
			return matched, enqueued, fmt.Errorf("breaker gate for trigger %d: %w", trigger.ID, err)
		}
		if !allowed {
			metrics.BreakerSuppressed.Inc()
			slog.InfoContext(ctx, "circuit open, suppressing dispatch",
				"trigger_id", trigger.ID)
			continue
		}

		n, err := p.dispatcher.Dispatch(ctx, trigger, ev, actions[trigger.ID])
		if err != nil {
			return matched, enqueued, err
		}
		enqueued += n
	}
	return matched, enqueued, nil
}

// evaluateTrigger runs the condition list, persisting stateful updates
// under the row lock held by the surrounding transaction.
func (p *Processor) evaluateTrigger(ctx context.Context, stores *store.Stores, trigger *model.Trigger, conditions []model.Condition, ev *model.Event) (bool, error) {
	// The is_stateful flag is a hint maintained by the CRUD surface;
	// trust the condition list when they disagree.
	stateful := trigger.IsStateful
	for _, c := range conditions {
		if c.Type.Stateful() {
			stateful = true
			break
		}
	}

	var version int64
	stateData := model.StateData{}

	if stateful {
		row, err := stores.TriggerState.GetForUpdate(ctx, trigger.ID)
		switch {
		case err == nil:
			version = row.Version
			stateData, err = model.DecodeStateData(row.Data)
			if err != nil {
				return false, fmt.Errorf("decode state for trigger %d: %w", trigger.ID, err)
			}
		case errors.Is(err, store.ErrNotFound):
			// First stateful evaluation for this trigger.
		default:
			return false, err
		}
	}

	out, err := p.engine.Evaluate(ctx, conditions, ev, &stateData)
	if err != nil {
		return false, err
	}

	if out.StateChanged {
		data, err := stateData.Encode()
		if err != nil {
			return false, fmt.Errorf("encode state for trigger %d: %w", trigger.ID, err)
		}
		if err := stores.TriggerState.Upsert(ctx, trigger.ID, data, version); err != nil {
			return false, fmt.Errorf("persist state for trigger %d: %w", trigger.ID, err)
		}
	}
	return out.Matched, nil
}
