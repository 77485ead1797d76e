// Package sqlite implements event and snapshot storage on SQLite.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	cqrs "github.com/terraskye/cqrs"
	_ "modernc.org/sqlite"
)

var (
	_ cqrs.EventStorage    = (*Storage)(nil)
	_ cqrs.SnapshotStorage = (*Storage)(nil)
)

const schema = `
CREATE TABLE IF NOT EXISTS events (
	position          INTEGER PRIMARY KEY AUTOINCREMENT,
	id                TEXT NOT NULL UNIQUE,
	type              TEXT NOT NULL,
	aggregate_id      TEXT,
	aggregate_version INTEGER,
	saga_id           TEXT,
	saga_version      INTEGER,
	payload           TEXT,
	context           TEXT
);
CREATE UNIQUE INDEX IF NOT EXISTS events_aggregate_version ON events (aggregate_id, aggregate_version);
CREATE INDEX IF NOT EXISTS events_saga ON events (saga_id, position);
CREATE INDEX IF NOT EXISTS events_type ON events (type, position);

CREATE TABLE IF NOT EXISTS snapshots (
	aggregate_id      TEXT PRIMARY KEY,
	aggregate_version INTEGER,
	id                TEXT,
	payload           TEXT,
	context           TEXT
);
`

const eventColumns = "id, type, aggregate_id, aggregate_version, saga_id, saga_version, payload, context"

// Storage keeps events in a single table ordered by an autoincrement
// position. Writes go through one connection, reads through a pool, so
// open iterators never block a commit.
type Storage struct {
	writer *sql.DB
	reader *sql.DB
}

// Open opens or creates the database file and its schema.
func Open(ctx context.Context, file string) (*Storage, error) {
	writer, err := sql.Open("sqlite", dsn(file, "_txlock=immediate", "_pragma=journal_mode(WAL)", "_pragma=synchronous(NORMAL)"))
	if err != nil {
		return nil, fmt.Errorf("open %q: %w", file, err)
	}
	writer.SetMaxOpenConns(1)

	if _, err := writer.ExecContext(ctx, schema); err != nil {
		writer.Close()
		return nil, fmt.Errorf("init schema %q: %w", file, err)
	}

	reader, err := sql.Open("sqlite", dsn(file, "mode=ro"))
	if err != nil {
		writer.Close()
		return nil, fmt.Errorf("open %q: %w", file, err)
	}

	return &Storage{writer: writer, reader: reader}, nil
}

func dsn(file string, params ...string) string {
	params = append(params, "_pragma=busy_timeout(5000)")
	return fmt.Sprintf("file:%s?%s", file, strings.Join(params, "&"))
}

// Close closes both connection pools.
func (s *Storage) Close() error {
	return errors.Join(s.reader.Close(), s.writer.Close())
}

func (s *Storage) GetNewID(ctx context.Context) (string, error) {
	return uuid.NewString(), nil
}

// CommitEvents inserts events in one transaction. A taken aggregate version
// rolls the whole batch back with a *cqrs.ConcurrencyError.
func (s *Storage) CommitEvents(ctx context.Context, events cqrs.EventSet) (cqrs.EventSet, error) {
	persisted := make(cqrs.EventSet, len(events))
	err := transact(ctx, s.writer, func(tx *sql.Tx) error {
		insert, err := tx.PrepareContext(ctx, "INSERT INTO events ("+eventColumns+") VALUES (?,?,?,?,?,?,?,?);")
		if err != nil {
			return fmt.Errorf("prepare insert: %w", err)
		}
		defer insert.Close()

		for i, e := range events {
			if e.AggregateID != "" && e.AggregateVersion != nil {
				var exists int
				err := tx.QueryRowContext(ctx,
					"SELECT 1 FROM events WHERE aggregate_id = ? AND aggregate_version = ?;",
					e.AggregateID, *e.AggregateVersion,
				).Scan(&exists)
				switch {
				case err == nil:
					return &cqrs.ConcurrencyError{AggregateID: e.AggregateID, Version: *e.AggregateVersion}
				case !errors.Is(err, sql.ErrNoRows):
					return fmt.Errorf("check version: %w", err)
				}
			}

			if e.ID == "" {
				e.ID = ulid.Make().String()
			}
			payload, err := encode(e.Payload)
			if err != nil {
				return fmt.Errorf("encode payload of %q: %w", e.Type, err)
			}
			md, err := encode(e.Context)
			if err != nil {
				return fmt.Errorf("encode context of %q: %w", e.Type, err)
			}
			if _, err := insert.ExecContext(ctx,
				e.ID, e.Type,
				nullString(e.AggregateID), nullVersion(e.AggregateVersion),
				nullString(e.SagaID), nullVersion(e.SagaVersion),
				payload, md,
			); err != nil {
				return fmt.Errorf("insert %q: %w", e.Type, err)
			}
			persisted[i] = e
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return persisted, nil
}

// GetAggregateEvents streams the events of the aggregate in commit order,
// skipping those covered by opts.Snapshot.
func (s *Storage) GetAggregateEvents(ctx context.Context, aggregateID string, opts cqrs.AggregateEventsOptions) (*cqrs.Iterator[cqrs.Event], error) {
	query := "SELECT " + eventColumns + " FROM events WHERE aggregate_id = ?"
	args := []any{aggregateID}
	if opts.Snapshot != nil && opts.Snapshot.AggregateVersion != nil {
		query += " AND aggregate_version > ?"
		args = append(args, *opts.Snapshot.AggregateVersion)
	}
	return s.query(ctx, query+" ORDER BY position;", args...)
}

// GetSagaEvents streams the events of the saga committed before opts.BeforeEvent.
func (s *Storage) GetSagaEvents(ctx context.Context, sagaID string, opts cqrs.SagaEventsOptions) (*cqrs.Iterator[cqrs.Event], error) {
	if opts.BeforeEvent == nil {
		return nil, fmt.Errorf("beforeEvent is required: %w", cqrs.ErrInvalidArgument)
	}
	before, err := s.position(ctx, opts.BeforeEvent.ID)
	if err != nil {
		return nil, err
	}
	return s.query(ctx,
		"SELECT "+eventColumns+" FROM events WHERE saga_id = ? AND position < ? ORDER BY position;",
		sagaID, before,
	)
}

// GetEvents streams the events of the given types, all types when none are
// given, strictly between the filter bounds.
func (s *Storage) GetEvents(ctx context.Context, eventTypes []string, filter cqrs.EventFilter) (*cqrs.Iterator[cqrs.Event], error) {
	var where []string
	var args []any
	if len(eventTypes) > 0 {
		where = append(where, "type IN (?"+strings.Repeat(",?", len(eventTypes)-1)+")")
		for _, t := range eventTypes {
			args = append(args, t)
		}
	}
	if filter.AfterEvent != nil {
		pos, err := s.position(ctx, filter.AfterEvent.ID)
		if err != nil {
			return nil, err
		}
		where = append(where, "position > ?")
		args = append(args, pos)
	}
	if filter.BeforeEvent != nil {
		pos, err := s.position(ctx, filter.BeforeEvent.ID)
		if err != nil {
			return nil, err
		}
		where = append(where, "position < ?")
		args = append(args, pos)
	}

	query := "SELECT " + eventColumns + " FROM events"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	return s.query(ctx, query+" ORDER BY position;", args...)
}

// GetAggregateSnapshot returns the latest snapshot of the aggregate, or nil.
func (s *Storage) GetAggregateSnapshot(ctx context.Context, aggregateID string) (*cqrs.Event, error) {
	var (
		id      sql.NullString
		version sql.NullInt64
		payload sql.NullString
		md      sql.NullString
	)
	err := s.reader.QueryRowContext(ctx,
		"SELECT id, aggregate_version, payload, context FROM snapshots WHERE aggregate_id = ?;",
		aggregateID,
	).Scan(&id, &version, &payload, &md)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("select snapshot %q: %w", aggregateID, err)
	}

	snap := cqrs.Event{
		ID:               id.String,
		Type:             cqrs.SnapshotEventType,
		AggregateID:      aggregateID,
		AggregateVersion: versionOf(version),
	}
	if err := decodeInto(&snap, payload, md); err != nil {
		return nil, err
	}
	return &snap, nil
}

// SaveAggregateSnapshot replaces the aggregate's snapshot unless a newer one is stored.
func (s *Storage) SaveAggregateSnapshot(ctx context.Context, snapshot cqrs.Event) error {
	if snapshot.AggregateID == "" {
		return fmt.Errorf("snapshot aggregateId is required: %w", cqrs.ErrInvalidArgument)
	}
	payload, err := encode(snapshot.Payload)
	if err != nil {
		return fmt.Errorf("encode snapshot of %q: %w", snapshot.AggregateID, err)
	}
	md, err := encode(snapshot.Context)
	if err != nil {
		return fmt.Errorf("encode snapshot context of %q: %w", snapshot.AggregateID, err)
	}

	_, err = s.writer.ExecContext(ctx, `
		INSERT INTO snapshots (aggregate_id, aggregate_version, id, payload, context)
		VALUES (?,?,?,?,?)
		ON CONFLICT (aggregate_id) DO UPDATE SET
			aggregate_version = excluded.aggregate_version,
			id = excluded.id,
			payload = excluded.payload,
			context = excluded.context
		WHERE snapshots.aggregate_version IS NULL
			OR excluded.aggregate_version IS NULL
			OR excluded.aggregate_version >= snapshots.aggregate_version;`,
		snapshot.AggregateID, nullVersion(snapshot.AggregateVersion), snapshot.ID, payload, md,
	)
	if err != nil {
		return fmt.Errorf("upsert snapshot %q: %w", snapshot.AggregateID, err)
	}
	return nil
}

func (s *Storage) position(ctx context.Context, eventID string) (int64, error) {
	var pos int64
	err := s.reader.QueryRowContext(ctx, "SELECT position FROM events WHERE id = ?;", eventID).Scan(&pos)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("event %q is not in the log: %w", eventID, cqrs.ErrInvalidArgument)
	}
	if err != nil {
		return 0, fmt.Errorf("select position of %q: %w", eventID, err)
	}
	return pos, nil
}

// query runs a select over the event columns and streams the rows.
func (s *Storage) query(ctx context.Context, query string, args ...any) (*cqrs.Iterator[cqrs.Event], error) {
	rows, err := s.reader.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}

	return cqrs.NewIteratorFunc(func(ctx context.Context) (cqrs.Event, error) {
		if err := ctx.Err(); err != nil {
			return cqrs.Event{}, err
		}
		if !rows.Next() {
			if err := rows.Err(); err != nil {
				return cqrs.Event{}, fmt.Errorf("read events: %w", err)
			}
			return cqrs.Event{}, io.EOF
		}
		return scanEvent(rows)
	}).WithClose(rows.Close), nil
}

func scanEvent(rows *sql.Rows) (cqrs.Event, error) {
	var (
		e                 cqrs.Event
		aggregateID       sql.NullString
		aggregateVersion  sql.NullInt64
		sagaID            sql.NullString
		sagaVersion       sql.NullInt64
		payload, metadata sql.NullString
	)
	if err := rows.Scan(&e.ID, &e.Type, &aggregateID, &aggregateVersion, &sagaID, &sagaVersion, &payload, &metadata); err != nil {
		return cqrs.Event{}, fmt.Errorf("scan event: %w", err)
	}
	e.AggregateID = aggregateID.String
	e.AggregateVersion = versionOf(aggregateVersion)
	e.SagaID = sagaID.String
	e.SagaVersion = versionOf(sagaVersion)
	if err := decodeInto(&e, payload, metadata); err != nil {
		return cqrs.Event{}, err
	}
	return e, nil
}

func decodeInto(e *cqrs.Event, payload, metadata sql.NullString) error {
	if payload.Valid {
		v, err := cqrs.UnmarshalPayload(e.Type, []byte(payload.String))
		if err != nil {
			return fmt.Errorf("event %q: %w", e.ID, err)
		}
		e.Payload = v
	}
	if metadata.Valid && metadata.String != "null" {
		if err := json.Unmarshal([]byte(metadata.String), &e.Context); err != nil {
			return fmt.Errorf("event %q: decode context: %w", e.ID, err)
		}
	}
	return nil
}

func encode(v any) (sql.NullString, error) {
	if v == nil {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullVersion(v *uint64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*v), Valid: true}
}

func versionOf(v sql.NullInt64) *uint64 {
	if !v.Valid {
		return nil
	}
	return cqrs.Version(uint64(v.Int64))
}

// transact runs fn in a transaction and rolls it back when fn fails.
func transact(ctx context.Context, db *sql.DB, fn func(tx *sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin-tx: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}
