package logger

import (
	"context"

	"go.uber.org/zap"
)

// Standard field names for consistent structured logging across the agent.
const (
	FieldComponent = "component"
	FieldUnitID    = "unit_id"
	FieldGroup     = "group"
	FieldState     = "state"
	FieldOperation = "operation"
	FieldDurationMS = "duration_ms"
	FieldError     = "error"
	FieldRetries   = "retries"
	FieldPID       = "pid"
	FieldURL       = "url"
)

type contextKey string

const (
	unitIDKey    contextKey = "logger_unit_id"
	groupKey     contextKey = "logger_group"
	componentKey contextKey = "logger_component"
)

// WithUnitID adds a work-unit id to the context for logging.
func WithUnitID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, unitIDKey, id)
}

// WithGroup adds a group name to the context for logging.
func WithGroup(ctx context.Context, name string) context.Context {
	return context.WithValue(ctx, groupKey, name)
}

// WithComponent adds a component name to the context for logging.
func WithComponent(ctx context.Context, component string) context.Context {
	return context.WithValue(ctx, componentKey, component)
}

// FieldsFromContext extracts logging fields from context, suitable for Infow/Errorw/etc.
func FieldsFromContext(ctx context.Context) []interface{} {
	var fields []interface{}

	if id, ok := ctx.Value(unitIDKey).(string); ok && id != "" {
		fields = append(fields, FieldUnitID, id)
	}
	if group, ok := ctx.Value(groupKey).(string); ok && group != "" {
		fields = append(fields, FieldGroup, group)
	}
	if component, ok := ctx.Value(componentKey).(string); ok && component != "" {
		fields = append(fields, FieldComponent, component)
	}

	return fields
}

// LoggerFromContext returns a logger enriched with fields carried on ctx.
func LoggerFromContext(ctx context.Context) *zap.SugaredLogger {
	fields := FieldsFromContext(ctx)
	if len(fields) == 0 {
		return Logger
	}
	return Logger.With(fields...)
}

// ComponentLogger returns a named logger for a specific component.
func ComponentLogger(name string) *zap.SugaredLogger {
	return Logger.Named(name)
}
