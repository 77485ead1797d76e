package cqrs_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	cqrs "github.com/terraskye/cqrs"
	"github.com/terraskye/cqrs/eventstore/memory"
	"github.com/terraskye/cqrs/fixtures"
)

const sampleConfig = `
[eventstore]
saga_starters = ["orderPlaced"]
publish_async = true

[dispatcher]
concurrency = 8

[command_handler]
max_retries = 0

[aggregate]
snapshot_every = 3

[locker]
projection_name = "orders"
schema_version = "2"
view_lock_ttl = "90s"
event_lock_ttl = "5s"
`

func TestParseConfig(t *testing.T) {
	cfg, err := cqrs.ParseConfig(sampleConfig)
	require.NoError(t, err)

	assert.Equal(t, []string{"orderPlaced"}, cfg.EventStore.SagaStarters)
	assert.True(t, cfg.EventStore.PublishAsync)
	assert.Equal(t, 8, cfg.Dispatcher.Concurrency)
	require.NotNil(t, cfg.CommandHandler.MaxRetries)
	assert.Equal(t, uint64(0), *cfg.CommandHandler.MaxRetries)
	assert.Equal(t, uint64(3), cfg.Aggregate.SnapshotEvery)
	assert.Equal(t, 90*time.Second, cfg.Locker.ViewLockTTL.Duration)
	assert.Equal(t, 5*time.Second, cfg.Locker.EventLockTTL.Duration)

	assert.Len(t, cfg.EventStoreOptions(), 2)
	assert.Len(t, cfg.DispatcherOptions(), 1)
	assert.Len(t, cfg.CommandHandlerOptions(), 1)

	policy := cfg.SnapshotPolicy()
	require.NotNil(t, policy)
	assert.False(t, policy(2, nil))
	assert.True(t, policy(3, nil))
}

func TestParseConfig_Defaults(t *testing.T) {
	cfg, err := cqrs.ParseConfig("")
	require.NoError(t, err)

	assert.Len(t, cfg.EventStoreOptions(), 1)
	assert.Empty(t, cfg.DispatcherOptions())
	assert.Empty(t, cfg.CommandHandlerOptions())
	assert.Nil(t, cfg.SnapshotPolicy())
}

func TestParseConfig_Errors(t *testing.T) {
	_, err := cqrs.ParseConfig("[dispatcher]\nworkers = 3\n")
	assert.ErrorIs(t, err, cqrs.ErrInvalidArgument)

	_, err = cqrs.ParseConfig("[locker]\nview_lock_ttl = \"soon\"\n")
	assert.Error(t, err)
}

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cqrs.toml")
	require.NoError(t, os.WriteFile(path, []byte(sampleConfig), 0o600))

	cfg, err := cqrs.LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "orders", cfg.Locker.ProjectionName)

	_, err = cqrs.LoadConfig(filepath.Join(t.TempDir(), "missing.toml"))
	assert.Error(t, err)
}

func TestConfigOptionsApply(t *testing.T) {
	cfg, err := cqrs.ParseConfig(sampleConfig)
	require.NoError(t, err)

	es := newStore(t, memory.NewStorage(), fixtures.NewEventBusSpy(), cfg.EventStoreOptions()...)
	committed, err := es.Commit(t.Context(), cqrs.EventSet{
		fixtures.NewTestEvent().WithType(fixtures.OrderPlaced).ForAggregate("order-1", 0).Build(),
	})
	require.NoError(t, err)
	assert.NotEmpty(t, committed[0].SagaID, "saga starters come from the config")
}
