package cqrs

import (
	"fmt"
	"time"

	"github.com/BurntSushi/toml"
)

// Duration is a time.Duration read from strings such as "30s" in config files.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", text, err)
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Config is the file configuration of the components.
//
//	[eventstore]
//	saga_starters = ["orderPlaced"]
//	publish_async = false
//
//	[dispatcher]
//	concurrency = 4
//
//	[command_handler]
//	max_retries = 5
//
//	[aggregate]
//	snapshot_every = 50
//
//	[locker]
//	projection_name = "orders"
//	schema_version = "1"
//	view_lock_ttl = "2m"
//	event_lock_ttl = "15s"
type Config struct {
	EventStore     EventStoreConfig     `toml:"eventstore"`
	Dispatcher     DispatcherConfig     `toml:"dispatcher"`
	CommandHandler CommandHandlerConfig `toml:"command_handler"`
	Aggregate      AggregateConfig      `toml:"aggregate"`
	Locker         LockerConfig         `toml:"locker"`
}

type EventStoreConfig struct {
	SagaStarters []string `toml:"saga_starters"`
	PublishAsync bool     `toml:"publish_async"`
}

type DispatcherConfig struct {
	Concurrency int `toml:"concurrency"`
}

type CommandHandlerConfig struct {
	MaxRetries *uint64 `toml:"max_retries"`
}

type AggregateConfig struct {
	// SnapshotEvery is the number of events between snapshots, 0 for none.
	SnapshotEvery uint64 `toml:"snapshot_every"`
}

// LockerConfig is read by the locker package.
type LockerConfig struct {
	ProjectionName string   `toml:"projection_name"`
	SchemaVersion  string   `toml:"schema_version"`
	ViewLockTTL    Duration `toml:"view_lock_ttl"`
	EventLockTTL   Duration `toml:"event_lock_ttl"`
}

// LoadConfig reads a TOML config file.
func LoadConfig(path string) (Config, error) {
	var cfg Config
	md, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return Config{}, fmt.Errorf("load config %q: %w", path, err)
	}
	if err := checkUndecoded(md); err != nil {
		return Config{}, fmt.Errorf("load config %q: %w", path, err)
	}
	return cfg, nil
}

// ParseConfig reads TOML config data.
func ParseConfig(data string) (Config, error) {
	var cfg Config
	md, err := toml.Decode(data, &cfg)
	if err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	if err := checkUndecoded(md); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

func checkUndecoded(md toml.MetaData) error {
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return fmt.Errorf("unknown key %q: %w", undecoded[0].String(), ErrInvalidArgument)
	}
	return nil
}

// EventStoreOptions converts the [eventstore] section.
func (c Config) EventStoreOptions() []EventStoreOption {
	opts := []EventStoreOption{WithPublishAsync(c.EventStore.PublishAsync)}
	if len(c.EventStore.SagaStarters) > 0 {
		opts = append(opts, WithSagaStarters(c.EventStore.SagaStarters...))
	}
	return opts
}

// DispatcherOptions converts the [dispatcher] section.
func (c Config) DispatcherOptions() []DispatcherOption {
	if c.Dispatcher.Concurrency <= 0 {
		return nil
	}
	return []DispatcherOption{WithDispatchConcurrency(c.Dispatcher.Concurrency)}
}

// CommandHandlerOptions converts the [command_handler] section.
func (c Config) CommandHandlerOptions() []CommandHandlerOption {
	if c.CommandHandler.MaxRetries == nil {
		return nil
	}
	return []CommandHandlerOption{WithMaxRetries(*c.CommandHandler.MaxRetries)}
}

// SnapshotPolicy converts the [aggregate] section. It is nil when snapshots are disabled.
func (c Config) SnapshotPolicy() SnapshotPolicy {
	if c.Aggregate.SnapshotEvery == 0 {
		return nil
	}
	return SnapshotEvery(c.Aggregate.SnapshotEvery)
}
