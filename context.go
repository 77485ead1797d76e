package cqrs

import (
	"context"
)

type ctxKey string

// Define constants for context keys
const (
	eventIDKey          ctxKey = "eventID"
	eventTypeKey        ctxKey = "eventType"
	aggregateIDKey      ctxKey = "aggregateID"
	aggregateVersionKey ctxKey = "aggregateVersion"
	sagaIDKey           ctxKey = "sagaID"
	commandTypeKey      ctxKey = "commandType"
	causationKey        ctxKey = "causation"
	metadataKey         ctxKey = "metadata"
)

// WithEvent adds the identity of the event being handled to the context.
// Commands sent while handling it carry the event id as causation.
func WithEvent(ctx context.Context, event Event) context.Context {
	ctx = context.WithValue(ctx, eventIDKey, event.ID)
	ctx = context.WithValue(ctx, eventTypeKey, event.Type)
	ctx = context.WithValue(ctx, aggregateIDKey, event.AggregateID)
	if event.AggregateVersion != nil {
		ctx = context.WithValue(ctx, aggregateVersionKey, *event.AggregateVersion)
	}
	ctx = context.WithValue(ctx, sagaIDKey, event.SagaID)
	ctx = context.WithValue(ctx, causationKey, event.ID)
	ctx = context.WithValue(ctx, metadataKey, event.Context)
	return ctx
}

// WithCommand adds the identity of the command being executed to the context.
func WithCommand(ctx context.Context, cmd Command) context.Context {
	ctx = context.WithValue(ctx, commandTypeKey, cmd.Type)
	ctx = context.WithValue(ctx, aggregateIDKey, cmd.AggregateID)
	ctx = context.WithValue(ctx, sagaIDKey, cmd.SagaID)
	ctx = context.WithValue(ctx, metadataKey, cmd.Context)
	return ctx
}

func stringFromContext(ctx context.Context, key ctxKey) string {
	if v := ctx.Value(key); v != nil {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

// EventIDFromContext returns the EventID or "" if not present
func EventIDFromContext(ctx context.Context) string {
	return stringFromContext(ctx, eventIDKey)
}

// EventTypeFromContext returns the event type or "" if not present
func EventTypeFromContext(ctx context.Context) string {
	return stringFromContext(ctx, eventTypeKey)
}

// AggregateIDFromContext returns the AggregateID or "" if not present
func AggregateIDFromContext(ctx context.Context) string {
	return stringFromContext(ctx, aggregateIDKey)
}

// SagaIDFromContext returns the SagaID or "" if not present
func SagaIDFromContext(ctx context.Context) string {
	return stringFromContext(ctx, sagaIDKey)
}

// CommandTypeFromContext returns the command type or "" if not present
func CommandTypeFromContext(ctx context.Context) string {
	return stringFromContext(ctx, commandTypeKey)
}

// CausationFromContext returns the id of the event that caused the current operation.
func CausationFromContext(ctx context.Context) string {
	return stringFromContext(ctx, causationKey)
}

// AggregateVersionFromContext returns the aggregate version or 0 if not present
func AggregateVersionFromContext(ctx context.Context) uint64 {
	if v := ctx.Value(aggregateVersionKey); v != nil {
		if ver, ok := v.(uint64); ok {
			return ver
		}
	}
	return 0
}

// MetadataFromContext returns Metadata or nil if not present
func MetadataFromContext(ctx context.Context) Metadata {
	if v := ctx.Value(metadataKey); v != nil {
		if md, ok := v.(Metadata); ok {
			return md
		}
	}
	return nil
}
