package tracing

import (
	"context"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ContextKey is the type for context keys
type ContextKey string

const (
	// TraceIDKey is the context key for trace ID
	TraceIDKey ContextKey = "trace_id"
	// CorrelationIDKey is the context key for the bridge correlation ID
	CorrelationIDKey ContextKey = "correlation_id"
	// PrincipalKey is the context key for the calling principal
	PrincipalKey ContextKey = "principal"
)

// NewTraceID generates a new trace ID
func NewTraceID() string {
	return uuid.New().String()
}

// WithTraceID adds a trace ID to the context
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, TraceIDKey, traceID)
}

// WithCorrelationID adds a correlation ID to the context
func WithCorrelationID(ctx context.Context, corr string) context.Context {
	return context.WithValue(ctx, CorrelationIDKey, corr)
}

// WithPrincipal adds the calling principal to the context
func WithPrincipal(ctx context.Context, principal string) context.Context {
	return context.WithValue(ctx, PrincipalKey, principal)
}

// GetTraceID retrieves the trace ID from the context
func GetTraceID(ctx context.Context) string {
	if traceID, ok := ctx.Value(TraceIDKey).(string); ok {
		return traceID
	}
	return ""
}

// GetCorrelationID retrieves the correlation ID from the context
func GetCorrelationID(ctx context.Context) string {
	if corr, ok := ctx.Value(CorrelationIDKey).(string); ok {
		return corr
	}
	return ""
}

// GetPrincipal retrieves the calling principal from the context
func GetPrincipal(ctx context.Context) string {
	if principal, ok := ctx.Value(PrincipalKey).(string); ok {
		return principal
	}
	return ""
}

// NewRequestContext creates a new context for a request with a new trace ID
func NewRequestContext(ctx context.Context) context.Context {
	return WithTraceID(ctx, NewTraceID())
}

// LoggerFromContext creates a logger with tracing fields bound from the
// given context.
func LoggerFromContext(ctx context.Context, baseLogger zerolog.Logger) zerolog.Logger {
	if traceID := GetTraceID(ctx); traceID != "" {
		baseLogger = baseLogger.With().Str("trace_id", traceID).Logger()
	}
	if corr := GetCorrelationID(ctx); corr != "" {
		baseLogger = baseLogger.With().Str("correlation_id", corr).Logger()
	}
	if principal := GetPrincipal(ctx); principal != "" {
		baseLogger = baseLogger.With().Str("principal", principal).Logger()
	}
	return baseLogger
}
