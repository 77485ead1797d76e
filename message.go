package cqrs

import "fmt"

// SnapshotEventType is the reserved event type carrying a serialized aggregate state.
const SnapshotEventType = "snapshot"

// Metadata is the opaque context travelling with a message. Commands pass it on
// to the events they cause and sagas pass it on to the commands they send.
type Metadata map[string]any

// Command is a request for an aggregate to change.
type Command struct {
	Type        string   `json:"type"`
	AggregateID string   `json:"aggregateId,omitempty"`
	SagaID      string   `json:"sagaId,omitempty"`
	SagaVersion *uint64  `json:"sagaVersion,omitempty"`
	Payload     any      `json:"payload,omitempty"`
	Context     Metadata `json:"context,omitempty"`
}

// Event is an immutable record of something that happened to an aggregate or a saga.
type Event struct {
	ID               string   `json:"id,omitempty"`
	Type             string   `json:"type"`
	AggregateID      string   `json:"aggregateId,omitempty"`
	AggregateVersion *uint64  `json:"aggregateVersion,omitempty"`
	SagaID           string   `json:"sagaId,omitempty"`
	SagaVersion      *uint64  `json:"sagaVersion,omitempty"`
	Payload          any      `json:"payload,omitempty"`
	Context          Metadata `json:"context,omitempty"`
}

// EventSet is the ordered outcome of a single command or dispatch call.
type EventSet []Event

// Version returns a pointer to v, for the optional version fields of Event and Command.
func Version(v uint64) *uint64 {
	return &v
}

// IsSnapshot reports whether e carries an aggregate snapshot.
func (e Event) IsSnapshot() bool {
	return e.Type == SnapshotEventType
}

// Types returns the distinct event types in order of first appearance.
func (s EventSet) Types() []string {
	seen := make(map[string]struct{}, len(s))
	out := make([]string, 0, len(s))
	for _, e := range s {
		if _, ok := seen[e.Type]; ok {
			continue
		}
		seen[e.Type] = struct{}{}
		out = append(out, e.Type)
	}
	return out
}

// ValidateEvent checks the structural rules every committed event must satisfy.
func ValidateEvent(e Event) error {
	if e.Type == "" {
		return fmt.Errorf("event.type: %w", ErrInvalidArgument)
	}
	if e.AggregateID == "" && e.SagaID == "" {
		return fmt.Errorf("event %q: either aggregateId or sagaId is required: %w", e.Type, ErrInvalidArgument)
	}
	if e.SagaID != "" && e.SagaVersion == nil {
		return fmt.Errorf("event %q: sagaVersion is required when sagaId is set: %w", e.Type, ErrInvalidArgument)
	}
	return nil
}

// ValidateCommand checks that cmd can be routed.
func ValidateCommand(cmd Command) error {
	if cmd.Type == "" {
		return fmt.Errorf("command.type: %w", ErrInvalidArgument)
	}
	return nil
}

func cloneMetadata(m Metadata) Metadata {
	if m == nil {
		return nil
	}
	out := make(Metadata, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
