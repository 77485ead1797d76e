package fixtures

import (
	cqrs "github.com/terraskye/cqrs"
)

// TestCommandBuilder provides a fluent API for constructing test commands.
type TestCommandBuilder struct {
	cmd cqrs.Command
}

// NewTestCommand creates a new TestCommandBuilder with sensible defaults.
func NewTestCommand() *TestCommandBuilder {
	return &TestCommandBuilder{cmd: cqrs.Command{
		Type:        "testCommand",
		AggregateID: "aggregate-1",
	}}
}

// WithType sets the command type.
func (b *TestCommandBuilder) WithType(typ string) *TestCommandBuilder {
	b.cmd.Type = typ
	return b
}

// WithAggregateID sets the aggregate ID. An empty id asks for a new aggregate.
func (b *TestCommandBuilder) WithAggregateID(id string) *TestCommandBuilder {
	b.cmd.AggregateID = id
	return b
}

// InSaga sets the saga identity.
func (b *TestCommandBuilder) InSaga(id string, version uint64) *TestCommandBuilder {
	b.cmd.SagaID = id
	b.cmd.SagaVersion = cqrs.Version(version)
	return b
}

// WithPayload sets the payload.
func (b *TestCommandBuilder) WithPayload(payload any) *TestCommandBuilder {
	b.cmd.Payload = payload
	return b
}

// WithContext adds a single metadata entry.
func (b *TestCommandBuilder) WithContext(key string, value any) *TestCommandBuilder {
	if b.cmd.Context == nil {
		b.cmd.Context = cqrs.Metadata{}
	}
	b.cmd.Context[key] = value
	return b
}

// Build constructs the command.
func (b *TestCommandBuilder) Build() cqrs.Command {
	c := b.cmd
	if b.cmd.Context != nil {
		c.Context = make(cqrs.Metadata, len(b.cmd.Context))
		for k, v := range b.cmd.Context {
			c.Context[k] = v
		}
	}
	return c
}

// Increment builds a counter command.
func Increment(aggregateID string, by int) cqrs.Command {
	return NewTestCommand().
		WithType(CounterIncrement).
		WithAggregateID(aggregateID).
		WithPayload(IncrementPayload{By: by}).
		Build()
}
