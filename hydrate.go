package cqrs

import (
	"context"
	"fmt"
)

// Evolve creates a MutatorFunc receiving the event payload decoded into P.
//
// Example Usage:
//
//	Mutators: map[string]cqrs.MutatorFunc[Order]{
//	    "itemAdded": cqrs.Evolve(func(o *Order, p ItemAdded) { o.Items = append(o.Items, p.SKU) }),
//	}
func Evolve[S, P any](fn func(state *S, payload P)) MutatorFunc[S] {
	return func(state *S, event Event) error {
		var p P
		if err := DecodePayload(event.Payload, &p); err != nil {
			return fmt.Errorf("event %q: %w", event.Type, err)
		}
		fn(state, p)
		return nil
	}
}

// Decide creates an AggregateHandlerFunc receiving the command payload decoded into P.
func Decide[P any](fn func(ctx context.Context, payload P, md Metadata) error) AggregateHandlerFunc {
	return func(ctx context.Context, payload any, md Metadata) error {
		var p P
		if err := DecodePayload(payload, &p); err != nil {
			return fmt.Errorf("command %q: %w", CommandTypeFromContext(ctx), err)
		}
		return fn(ctx, p, md)
	}
}

// React creates a SagaHandlerFunc receiving the event payload decoded into P.
func React[P any](fn func(ctx context.Context, payload P, event Event) error) SagaHandlerFunc {
	return func(ctx context.Context, event Event) error {
		var p P
		if err := DecodePayload(event.Payload, &p); err != nil {
			return fmt.Errorf("event %q: %w", event.Type, err)
		}
		return fn(ctx, p, event)
	}
}
