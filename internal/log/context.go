// Package log provides structured logging utilities.
package log

import (
	"context"

	"github.com/rs/zerolog"
)

type ctxKey string

const (
	executionIDKey ctxKey = "execution_id"
	queueIDKey     ctxKey = "queue_id"
	deviceIDKey    ctxKey = "device_id"
)

// ContextWithExecutionID stores the provided execution ID in the context.
func ContextWithExecutionID(ctx context.Context, id string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, executionIDKey, id)
}

// ContextWithQueueID stores the provided queue ID in the context.
func ContextWithQueueID(ctx context.Context, id string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, queueIDKey, id)
}

// ContextWithDeviceID stores the provided device ID in the context.
func ContextWithDeviceID(ctx context.Context, id string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, deviceIDKey, id)
}

// ExecutionIDFromContext extracts the execution ID from context if present.
func ExecutionIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(executionIDKey).(string); ok {
		return v
	}
	return ""
}

// QueueIDFromContext extracts the queue ID from context if present.
func QueueIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(queueIDKey).(string); ok {
		return v
	}
	return ""
}

// DeviceIDFromContext extracts the device ID from context if present.
func DeviceIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(deviceIDKey).(string); ok {
		return v
	}
	return ""
}

// WithContext enriches the supplied logger with correlation fields from context.
func WithContext(ctx context.Context, logger zerolog.Logger) zerolog.Logger {
	if ctx == nil {
		return logger
	}
	builder := logger.With()
	added := false
	if eid := ExecutionIDFromContext(ctx); eid != "" {
		builder = builder.Str("execution_id", eid)
		added = true
	}
	if qid := QueueIDFromContext(ctx); qid != "" {
		builder = builder.Str("queue_id", qid)
		added = true
	}
	if did := DeviceIDFromContext(ctx); did != "" {
		builder = builder.Str("device_id", did)
		added = true
	}
	if !added {
		return logger
	}
	return builder.Logger()
}

// FromContext returns a logger from the context, or the base logger if none is present.
func FromContext(ctx context.Context) *zerolog.Logger {
	if ctx == nil {
		l := Base()
		return &l
	}
	l := zerolog.Ctx(ctx)
	if l.GetLevel() == zerolog.Disabled {
		b := Base()
		return &b
	}
	return l
}
