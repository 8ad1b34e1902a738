package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"

	"go.opentelemetry.io/otel/trace"

	"chainpulse.dev/pulse/common/id"
	"chainpulse.dev/pulse/internal/metrics"
	"chainpulse.dev/pulse/internal/model"
	"chainpulse.dev/pulse/internal/queue"
)

// Dispatcher turns a matched trigger into queued jobs, one per enabled
// action. The event snapshot is rendered once per trigger so workers
// never observe later event or config mutation.
type Dispatcher struct {
	producer queue.Producer
}

func NewDispatcher(producer queue.Producer) *Dispatcher {
	return &Dispatcher{producer: producer}
}

// Dispatch enqueues jobs for every enabled action, ordered by priority
// ascending with ties broken by action ID. All-or-nothing from the
// caller's perspective: an enqueue failure aborts, the caller re-runs
// the whole trigger, and workers dedupe the already-enqueued jobs by
// their idempotency key.
func (d *Dispatcher) Dispatch(ctx context.Context, trigger *model.Trigger, ev *model.Event, actions []model.Action) (int32, error) {
	snapshot, err := json.Marshal(ev.PayloadMap())
	if err != nil {
		return 0, fmt.Errorf("render event snapshot: %w", err)
	}

	ordered := make([]model.Action, 0, len(actions))
	for _, a := range actions {
		if a.Enabled {
			ordered = append(ordered, a)
		}
	}
	sort.SliceStable(ordered, func(i, j int) bool {
		if ordered[i].Priority != ordered[j].Priority {
			return ordered[i].Priority < ordered[j].Priority
		}
		return ordered[i].ID < ordered[j].ID
	})

	var traceID *string
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		s := sc.TraceID().String()
		traceID = &s
	}

	var enqueued int32
	for _, action := range ordered {
		job := queue.Job{
			JobID:      id.New(),
			TriggerID:  trigger.ID,
			EventID:    ev.ID,
			ActionID:   action.ID,
			ActionType: string(action.Type),
			Priority:   action.Priority,
			Attempt:    1,
			Config:     string(action.Config),
			Payload:    string(snapshot),
			TraceID:    traceID,
		}
		if err := d.producer.Enqueue(ctx, job); err != nil {
			return enqueued, fmt.Errorf("dispatch trigger %d action %d: %w", trigger.ID, action.ID, err)
		}
		enqueued++
		metrics.JobsEnqueued.Inc()
	}

	if enqueued > 0 {
		slog.DebugContext(ctx, "trigger dispatched",
			"trigger_id", trigger.ID,
			"event_id", ev.ID,
			"jobs", enqueued)
	}
	return enqueued, nil
}
