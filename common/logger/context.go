package logger

import (
	"context"
	"log/slog"
)

type contextKey struct{}

// LogFields are attached to every record logged with a context that carries
// them, so a task's id and flow reach each line written while the task is
// ingested, queued or executed.
type LogFields struct {
	TaskID    *string
	FlowID    *string
	Provider  *string // github, gitlab, jira, slack, sentry
	WebhookID *string
	EventType *string // normalized, e.g. "issue_comment.created"
	MessageID *string // queue stream entry id
	Slot      *int    // worker slot index
	Component string  // e.g. "relay.worker.pool"
}

// WithLogFields merges fields into the ones ctx already carries; set values
// in fields win.
func WithLogFields(ctx context.Context, fields LogFields) context.Context {
	merged := GetLogFields(ctx)
	override(&merged.TaskID, fields.TaskID)
	override(&merged.FlowID, fields.FlowID)
	override(&merged.Provider, fields.Provider)
	override(&merged.WebhookID, fields.WebhookID)
	override(&merged.EventType, fields.EventType)
	override(&merged.MessageID, fields.MessageID)
	override(&merged.Slot, fields.Slot)
	if fields.Component != "" {
		merged.Component = fields.Component
	}
	return context.WithValue(ctx, contextKey{}, merged)
}

func GetLogFields(ctx context.Context) LogFields {
	if fields, ok := ctx.Value(contextKey{}).(LogFields); ok {
		return fields
	}
	return LogFields{}
}

func override[T any](dst **T, src *T) {
	if src != nil {
		*dst = src
	}
}

func (f LogFields) attrs() []slog.Attr {
	attrs := make([]slog.Attr, 0, 8)
	str := func(key string, v *string) {
		if v != nil {
			attrs = append(attrs, slog.String(key, *v))
		}
	}
	str("task_id", f.TaskID)
	str("flow_id", f.FlowID)
	str("provider", f.Provider)
	str("webhook_id", f.WebhookID)
	str("event_type", f.EventType)
	str("message_id", f.MessageID)
	if f.Slot != nil {
		attrs = append(attrs, slog.Int("slot", *f.Slot))
	}
	if f.Component != "" {
		attrs = append(attrs, slog.String("component", f.Component))
	}
	return attrs
}

// Truncate cuts s to maxLen bytes and marks the cut with "...".
func Truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
