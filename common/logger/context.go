package logger

import "context"

type contextKey string

const logFieldsKey contextKey = "log_fields"

// LogFields contains structured fields automatically added to all logs within a context.
// Fields flow through context enrichment, enabling zero-touch logging where pipeline
// context (event_id, trigger_id, etc.) is automatically included in all log statements.
type LogFields struct {
	EventID   *string // Chain event ID being processed
	TriggerID *int64  // Trigger being evaluated or executed
	JobID     *int64  // Action job ID
	MessageID *string // Redis stream message ID
	ChainID   *int64  // Chain the event came from
	EventType *string // Event type (e.g., "NewFeedback", "AgentRegistered")
	Component string  // Component name (OTel semantic convention style, e.g., "pulse.dispatch.processor")
}

// WithLogFields enriches context with structured log fields.
// Multiple calls merge fields, with newer non-nil/non-empty values taking precedence.
// Context timeouts and cancellation are preserved.
func WithLogFields(ctx context.Context, fields LogFields) context.Context {
	existing := GetLogFields(ctx)
	merged := mergeFields(existing, fields)
	return context.WithValue(ctx, logFieldsKey, merged)
}

// GetLogFields retrieves log fields from context.
// Returns empty LogFields if none are set.
func GetLogFields(ctx context.Context) LogFields {
	if fields, ok := ctx.Value(logFieldsKey).(LogFields); ok {
		return fields
	}
	return LogFields{}
}

// mergeFields merges two LogFields, preferring non-nil/non-empty values from 'new'.
func mergeFields(existing, new LogFields) LogFields {
	result := existing

	if new.EventID != nil {
		result.EventID = new.EventID
	}
	if new.TriggerID != nil {
		result.TriggerID = new.TriggerID
	}
	if new.JobID != nil {
		result.JobID = new.JobID
	}
	if new.MessageID != nil {
		result.MessageID = new.MessageID
	}
	if new.ChainID != nil {
		result.ChainID = new.ChainID
	}
	if new.EventType != nil {
		result.EventType = new.EventType
	}
	if new.Component != "" {
		result.Component = new.Component
	}

	return result
}

// Ptr is a helper to create a pointer from a value.
// Useful for setting LogFields inline: logger.WithLogFields(ctx, logger.LogFields{TriggerID: logger.Ptr(id)})
func Ptr[T any](v T) *T {
	return &v
}

// Truncate truncates a string to maxLen characters, appending "..." if truncated.
// Useful for logging potentially long strings like templates or error messages.
func Truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
