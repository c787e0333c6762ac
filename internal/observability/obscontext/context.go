package obscontext

import (
	"context"
	"strings"
)

type ctxKey string

const (
	requestIDKey  ctxKey = "request_id"
	runIDKey      ctxKey = "run_id"
	documentIDKey ctxKey = "document_id"
	triggerKey    ctxKey = "trigger"
)

func WithRequestID(ctx context.Context, id string) context.Context {
	return withValue(ctx, requestIDKey, id)
}

func RequestIDFromContext(ctx context.Context) string {
	return valueOf(ctx, requestIDKey)
}

// WithRunID tags work started by one scheduler or supervisor run.
func WithRunID(ctx context.Context, id string) context.Context {
	return withValue(ctx, runIDKey, id)
}

func RunIDFromContext(ctx context.Context) string {
	return valueOf(ctx, runIDKey)
}

func WithDocumentID(ctx context.Context, id string) context.Context {
	return withValue(ctx, documentIDKey, id)
}

func DocumentIDFromContext(ctx context.Context) string {
	return valueOf(ctx, documentIDKey)
}

// WithTrigger records what caused a document to be processed: push, poll,
// recovery or manual.
func WithTrigger(ctx context.Context, trigger string) context.Context {
	return withValue(ctx, triggerKey, trigger)
}

func TriggerFromContext(ctx context.Context) string {
	return valueOf(ctx, triggerKey)
}

func withValue(ctx context.Context, key ctxKey, value string) context.Context {
	value = strings.TrimSpace(value)
	if value == "" {
		return ctx
	}
	return context.WithValue(ctx, key, value)
}

func valueOf(ctx context.Context, key ctxKey) string {
	if ctx == nil {
		return ""
	}
	value, _ := ctx.Value(key).(string)
	return value
}
