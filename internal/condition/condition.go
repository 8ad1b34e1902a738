// Package condition evaluates trigger condition lists against events.
// Condition rows are loosely typed in the database; Compile validates
// them into typed evaluators so malformed config fails at load time,
// not mid-evaluation.
package condition

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"chainpulse.dev/pulse/internal/model"
)

// Evaluator is one compiled condition. Stateful evaluators mutate the
// given StateData in place; the caller persists it.
type Evaluator interface {
	Evaluate(ctx context.Context, ev *model.Event, st *model.StateData) (bool, error)
}

func compareFloat(op string, v, threshold float64) (bool, error) {
	switch op {
	case "<":
		return v < threshold, nil
	case ">":
		return v > threshold, nil
	case "<=":
		return v <= threshold, nil
	case ">=":
		return v >= threshold, nil
	case "=", "==":
		return math.Abs(v-threshold) < 1e-9, nil
	case "!=", "<>":
		return math.Abs(v-threshold) >= 1e-9, nil
	}
	return false, fmt.Errorf("invalid numeric operator %q", op)
}

func compareString(op, v, want string) (bool, error) {
	switch op {
	case "=", "==":
		return v == want, nil
	case "!=", "<>":
		return v != want, nil
	}
	return false, fmt.Errorf("invalid string operator %q", op)
}

// parseWindow parses durations like "30s", "5m", "1h", "7d".
func parseWindow(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if strings.HasSuffix(s, "d") {
		days, err := strconv.ParseInt(strings.TrimSuffix(s, "d"), 10, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid window %q: %w", s, err)
		}
		return time.Duration(days) * 24 * time.Hour, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid window %q: %w", s, err)
	}
	return d, nil
}
