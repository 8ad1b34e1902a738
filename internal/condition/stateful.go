package condition

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"chainpulse.dev/pulse/internal/model"
	"chainpulse.dev/pulse/internal/ratelimit"
)

// emaThreshold tracks an exponential moving average of a numeric event
// field and matches when the updated average crosses the threshold.
// The average incorporates every observation, match or not, so the
// state update must be persisted even when the trigger does not fire.
type emaThreshold struct {
	conditionID int64
	field       string
	operator    string
	threshold   float64
	alpha       float64
	clock       func() time.Time
}

type emaConfig struct {
	WindowSize int64    `json:"window_size"`
	Alpha      *float64 `json:"alpha,omitempty"`
}

func newEMAThreshold(c model.Condition, clock func() time.Time) (*emaThreshold, error) {
	threshold, err := strconv.ParseFloat(c.Value, 64)
	if err != nil {
		return nil, fmt.Errorf("ema_threshold condition %d: invalid value %q", c.ID, c.Value)
	}
	if _, err := compareFloat(c.Operator, 0, 0); err != nil {
		return nil, fmt.Errorf("ema_threshold condition %d: %w", c.ID, err)
	}

	var cfg emaConfig
	if len(c.Config) > 0 {
		if err := json.Unmarshal(c.Config, &cfg); err != nil {
			return nil, fmt.Errorf("ema_threshold condition %d: invalid config: %w", c.ID, err)
		}
	}

	var alpha float64
	switch {
	case cfg.Alpha != nil:
		alpha = *cfg.Alpha
		if alpha <= 0 || alpha > 1 {
			return nil, fmt.Errorf("ema_threshold condition %d: alpha %v out of range (0, 1]", c.ID, alpha)
		}
	case cfg.WindowSize > 0:
		alpha = 2.0 / (float64(cfg.WindowSize) + 1.0)
	default:
		return nil, fmt.Errorf("ema_threshold condition %d: config needs window_size or alpha", c.ID)
	}

	field := c.Field
	if field == "" {
		field = "score"
	}
	return &emaThreshold{
		conditionID: c.ID,
		field:       field,
		operator:    c.Operator,
		threshold:   threshold,
		alpha:       alpha,
		clock:       clock,
	}, nil
}

func (e *emaThreshold) Evaluate(_ context.Context, ev *model.Event, st *model.StateData) (bool, error) {
	raw, ok := ev.PayloadMap()[e.field]
	if !ok {
		return false, fmt.Errorf("event %s has no field %q", ev.ID, e.field)
	}
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return false, fmt.Errorf("field %q is not numeric: %w", e.field, err)
	}

	if st.EMA == nil {
		st.EMA = make(map[string]model.EMAState)
	}
	key := strconv.FormatInt(e.conditionID, 10)

	prev, exists := st.EMA[key]
	var ema float64
	if exists {
		ema = e.alpha*value + (1-e.alpha)*prev.EMA
	} else {
		// First observation seeds the average.
		ema = value
	}
	st.EMA[key] = model.EMAState{
		EMA:         ema,
		Count:       prev.Count + 1,
		LastUpdated: e.clock(),
	}

	return compareFloat(e.operator, ema, e.threshold)
}

// rateLimit counts matching events in a sliding window via the shared
// counter and matches when the count satisfies the threshold. The
// counter lives in the external counter store, not in TriggerState, so
// concurrent listener instances share one window.
type rateLimit struct {
	triggerID   int64
	conditionID int64
	operator    string
	threshold   float64
	window      time.Duration
	counter     ratelimit.Counter
}

type rateLimitConfig struct {
	TimeWindow string `json:"time_window"`
}

func newRateLimit(c model.Condition, counter ratelimit.Counter) (*rateLimit, error) {
	threshold, err := strconv.ParseFloat(c.Value, 64)
	if err != nil {
		return nil, fmt.Errorf("rate_limit condition %d: invalid value %q", c.ID, c.Value)
	}
	if _, err := compareFloat(c.Operator, 0, 0); err != nil {
		return nil, fmt.Errorf("rate_limit condition %d: %w", c.ID, err)
	}

	var cfg rateLimitConfig
	if len(c.Config) == 0 {
		return nil, fmt.Errorf("rate_limit condition %d: missing config", c.ID)
	}
	if err := json.Unmarshal(c.Config, &cfg); err != nil {
		return nil, fmt.Errorf("rate_limit condition %d: invalid config: %w", c.ID, err)
	}
	window, err := parseWindow(cfg.TimeWindow)
	if err != nil {
		return nil, fmt.Errorf("rate_limit condition %d: %w", c.ID, err)
	}
	if window <= 0 {
		return nil, fmt.Errorf("rate_limit condition %d: time_window must be positive", c.ID)
	}

	return &rateLimit{
		triggerID:   c.TriggerID,
		conditionID: c.ID,
		operator:    c.Operator,
		threshold:   threshold,
		window:      window,
		counter:     counter,
	}, nil
}

func (e *rateLimit) key() string {
	return fmt.Sprintf("rc:%d:%d", e.triggerID, e.conditionID)
}

func (e *rateLimit) Evaluate(ctx context.Context, _ *model.Event, _ *model.StateData) (bool, error) {
	// Count-only increment; the threshold comparison decides the match,
	// the counter never rejects.
	res, err := e.counter.Increment(ctx, e.key(), 1, e.window, 0)
	if err != nil {
		return false, fmt.Errorf("increment rate counter %s: %w", e.key(), err)
	}
	return compareFloat(e.operator, float64(res.Current), e.threshold)
}
