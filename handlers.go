package cqrs

import (
	"context"
	"sort"
	"strings"

	"github.com/iancoleman/strcase"
)

// CommandHandlerFunc handles a command delivered by a CommandBus.
type CommandHandlerFunc func(ctx context.Context, cmd Command) error

// EventHandlerFunc handles an event delivered by an EventBus.
type EventHandlerFunc func(ctx context.Context, event Event) error

// privatePrefix marks a handler that is only used when no public handler with
// the same normalised name exists.
const privatePrefix = "_"

// handlerTable maps message types to handlers. It is built once and read-only afterwards.
//
// Keys are normalised to lower camel case so "orderPlaced", "OrderPlaced" and
// "order_placed" resolve to the same entry. A key starting with "_" registers a
// private handler, used only as a fallback to the public one.
type handlerTable[F any] struct {
	public  map[string]F
	private map[string]F
	// names are the keys as registered, private prefix stripped
	names []string
}

func newHandlerTable[F any](handlers map[string]F) *handlerTable[F] {
	t := &handlerTable[F]{
		public:  make(map[string]F, len(handlers)),
		private: make(map[string]F),
	}
	seen := make(map[string]struct{}, len(handlers))
	for name, h := range handlers {
		key := name
		target := t.public
		if strings.HasPrefix(name, privatePrefix) {
			key = strings.TrimPrefix(name, privatePrefix)
			target = t.private
		}
		registered := key
		key = normaliseHandlerName(key)
		if key == "" {
			continue
		}
		target[key] = h
		if _, ok := seen[registered]; !ok {
			seen[registered] = struct{}{}
			t.names = append(t.names, registered)
		}
	}
	sort.Strings(t.names)
	return t
}

func normaliseHandlerName(name string) string {
	return strcase.ToLowerCamel(name)
}

func (t *handlerTable[F]) lookup(messageType string) (F, bool) {
	key := normaliseHandlerName(messageType)
	if h, ok := t.public[key]; ok {
		return h, true
	}
	h, ok := t.private[key]
	return h, ok
}

// types returns the registered message types, without the private prefix, in
// deterministic order. They are not normalised: subscriptions and storage
// queries match event types exactly.
func (t *handlerTable[F]) types() []string {
	out := make([]string, len(t.names))
	copy(out, t.names)
	return out
}
