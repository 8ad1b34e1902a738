package condition

import (
	"context"
	"fmt"
	"strconv"

	"chainpulse.dev/pulse/internal/model"
)

// fieldEquals compares a flattened event field against the condition
// value. Numeric operators require both sides to parse as numbers.
type fieldEquals struct {
	field    string
	operator string
	value    string
}

func newFieldEquals(c model.Condition) (*fieldEquals, error) {
	if c.Field == "" {
		return nil, fmt.Errorf("field_equals condition %d: empty field", c.ID)
	}
	switch c.Operator {
	case "=", "==", "!=", "<>":
	case "<", ">", "<=", ">=":
		if _, err := strconv.ParseFloat(c.Value, 64); err != nil {
			return nil, fmt.Errorf("field_equals condition %d: operator %q needs a numeric value, got %q", c.ID, c.Operator, c.Value)
		}
	default:
		return nil, fmt.Errorf("field_equals condition %d: invalid operator %q", c.ID, c.Operator)
	}
	return &fieldEquals{field: c.Field, operator: c.Operator, value: c.Value}, nil
}

func (e *fieldEquals) Evaluate(_ context.Context, ev *model.Event, _ *model.StateData) (bool, error) {
	got, ok := ev.PayloadMap()[e.field]
	if !ok {
		// Absent field never matches; an event from another registry
		// simply lacks this payload.
		return false, nil
	}
	switch e.operator {
	case "<", ">", "<=", ">=":
		gotN, err := strconv.ParseFloat(got, 64)
		if err != nil {
			return false, nil
		}
		wantN, _ := strconv.ParseFloat(e.value, 64)
		return compareFloat(e.operator, gotN, wantN)
	default:
		return compareString(e.operator, got, e.value)
	}
}

// scoreThreshold compares the reputation score against a numeric bound.
type scoreThreshold struct {
	operator  string
	threshold float64
}

func newScoreThreshold(c model.Condition) (*scoreThreshold, error) {
	threshold, err := strconv.ParseFloat(c.Value, 64)
	if err != nil {
		return nil, fmt.Errorf("score_threshold condition %d: invalid value %q", c.ID, c.Value)
	}
	if _, err := compareFloat(c.Operator, 0, 0); err != nil {
		return nil, fmt.Errorf("score_threshold condition %d: %w", c.ID, err)
	}
	return &scoreThreshold{operator: c.Operator, threshold: threshold}, nil
}

func (e *scoreThreshold) Evaluate(_ context.Context, ev *model.Event, _ *model.StateData) (bool, error) {
	if ev.Score == nil {
		return false, nil
	}
	return compareFloat(e.operator, float64(*ev.Score), e.threshold)
}

// tagEquals matches feedback tags. Field selects tag1, tag2, or tag;
// the special field "any" matches if any tag equals the value.
type tagEquals struct {
	field    string
	operator string
	value    string
}

func newTagEquals(c model.Condition) (*tagEquals, error) {
	switch c.Field {
	case "tag1", "tag2", "tag", "any", "":
	default:
		return nil, fmt.Errorf("tag_equals condition %d: invalid field %q", c.ID, c.Field)
	}
	if _, err := compareString(c.Operator, "", ""); err != nil {
		return nil, fmt.Errorf("tag_equals condition %d: %w", c.ID, err)
	}
	return &tagEquals{field: c.Field, operator: c.Operator, value: c.Value}, nil
}

func (e *tagEquals) Evaluate(_ context.Context, ev *model.Event, _ *model.StateData) (bool, error) {
	deref := func(s *string) string {
		if s == nil {
			return ""
		}
		return *s
	}
	switch e.field {
	case "tag1":
		return compareString(e.operator, deref(ev.Tag1), e.value)
	case "tag2":
		return compareString(e.operator, deref(ev.Tag2), e.value)
	case "tag":
		return compareString(e.operator, deref(ev.Tag), e.value)
	default:
		for _, tag := range []*string{ev.Tag1, ev.Tag2, ev.Tag} {
			ok, err := compareString(e.operator, deref(tag), e.value)
			if err != nil {
				return false, err
			}
			if ok {
				return true, nil
			}
		}
		return false, nil
	}
}

// eventTypeEquals matches the event type name.
type eventTypeEquals struct {
	operator string
	value    string
}

func newEventTypeEquals(c model.Condition) (*eventTypeEquals, error) {
	if _, err := compareString(c.Operator, "", ""); err != nil {
		return nil, fmt.Errorf("event_type_equals condition %d: %w", c.ID, err)
	}
	if c.Value == "" {
		return nil, fmt.Errorf("event_type_equals condition %d: empty value", c.ID)
	}
	return &eventTypeEquals{operator: c.Operator, value: c.Value}, nil
}

func (e *eventTypeEquals) Evaluate(_ context.Context, ev *model.Event, _ *model.StateData) (bool, error) {
	return compareString(e.operator, ev.EventType, e.value)
}
