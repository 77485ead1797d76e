package cqrs_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	cqrs "github.com/terraskye/cqrs"
)

func TestValidateEvent(t *testing.T) {
	tests := []struct {
		name  string
		event cqrs.Event
		valid bool
	}{
		{name: "aggregate event", event: cqrs.Event{Type: "orderPlaced", AggregateID: "order-1"}, valid: true},
		{name: "saga event", event: cqrs.Event{Type: "timeout", SagaID: "saga-1", SagaVersion: cqrs.Version(0)}, valid: true},
		{name: "missing type", event: cqrs.Event{AggregateID: "order-1"}},
		{name: "no owner", event: cqrs.Event{Type: "orderPlaced"}},
		{name: "saga without version", event: cqrs.Event{Type: "timeout", SagaID: "saga-1"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := cqrs.ValidateEvent(tt.event)
			if tt.valid {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, cqrs.ErrInvalidArgument)
			}
		})
	}

	assert.ErrorIs(t, cqrs.ValidateCommand(cqrs.Command{}), cqrs.ErrInvalidArgument)
	assert.NoError(t, cqrs.ValidateCommand(cqrs.Command{Type: "placeOrder"}))
}

func TestEventSet_Types(t *testing.T) {
	set := cqrs.EventSet{{Type: "a"}, {Type: "b"}, {Type: "a"}, {Type: "c"}}
	assert.Equal(t, []string{"a", "b", "c"}, set.Types())
	assert.Empty(t, cqrs.EventSet(nil).Types())
}

func TestEvent_IsSnapshot(t *testing.T) {
	assert.True(t, cqrs.Event{Type: cqrs.SnapshotEventType}.IsSnapshot())
	assert.False(t, cqrs.Event{Type: "orderPlaced"}.IsSnapshot())
}
