// Package sqlite stores view leases and event claims in SQLite.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/terraskye/cqrs/locker"
	_ "modernc.org/sqlite"
)

var _ locker.Backend = (*Backend)(nil)

const schema = `
CREATE TABLE IF NOT EXISTS view_locks (
	projection     TEXT NOT NULL,
	schema_version TEXT NOT NULL,
	owner          TEXT,
	locked_till    INTEGER,
	last_event_id  TEXT,
	PRIMARY KEY (projection, schema_version)
);
CREATE TABLE IF NOT EXISTS event_locks (
	projection     TEXT NOT NULL,
	schema_version TEXT NOT NULL,
	event_id       TEXT NOT NULL,
	processing_at  INTEGER NOT NULL,
	projected      INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (projection, schema_version, event_id)
);
`

// Backend is a locker.Backend on SQLite. Timestamps are unix milliseconds.
type Backend struct {
	db *sql.DB
}

// Open opens or creates the database file.
func Open(ctx context.Context, file string) (*Backend, error) {
	params := strings.Join([]string{
		"_txlock=immediate",
		"_pragma=journal_mode(WAL)",
		"_pragma=busy_timeout(5000)",
	}, "&")
	db, err := sql.Open("sqlite", fmt.Sprintf("file:%s?%s", file, params))
	if err != nil {
		return nil, fmt.Errorf("open %q: %w", file, err)
	}
	db.SetMaxOpenConns(1)

	b, err := New(ctx, db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return b, nil
}

// New creates the tables in db if needed.
func New(ctx context.Context, db *sql.DB) (*Backend, error) {
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return nil, fmt.Errorf("init schema: %w", err)
	}
	return &Backend{db: db}, nil
}

func (b *Backend) Close() error {
	return b.db.Close()
}

func (b *Backend) AcquireLease(ctx context.Context, key locker.ViewKey, owner string, now time.Time, ttl time.Duration) (bool, error) {
	res, err := b.db.ExecContext(ctx, `
		INSERT INTO view_locks (projection, schema_version, owner, locked_till)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (projection, schema_version) DO UPDATE SET
			owner = excluded.owner,
			locked_till = excluded.locked_till
		WHERE view_locks.locked_till IS NULL
			OR view_locks.locked_till <= ?
			OR view_locks.owner = excluded.owner;`,
		key.Projection, key.SchemaVersion, owner, millis(now.Add(ttl)), millis(now),
	)
	return affected(res, err, "acquire lease")
}

func (b *Backend) ExtendLease(ctx context.Context, key locker.ViewKey, owner string, now time.Time, ttl time.Duration) (bool, error) {
	res, err := b.db.ExecContext(ctx, `
		UPDATE view_locks SET locked_till = ?
		WHERE projection = ? AND schema_version = ? AND owner = ? AND locked_till IS NOT NULL;`,
		millis(now.Add(ttl)), key.Projection, key.SchemaVersion, owner,
	)
	return affected(res, err, "extend lease")
}

func (b *Backend) ReleaseLease(ctx context.Context, key locker.ViewKey, owner string) error {
	_, err := b.db.ExecContext(ctx, `
		UPDATE view_locks SET locked_till = NULL
		WHERE projection = ? AND schema_version = ? AND owner = ?;`,
		key.Projection, key.SchemaVersion, owner,
	)
	if err != nil {
		return fmt.Errorf("release lease: %w", err)
	}
	return nil
}

func (b *Backend) LastEventID(ctx context.Context, key locker.ViewKey) (string, error) {
	var id sql.NullString
	err := b.db.QueryRowContext(ctx,
		"SELECT last_event_id FROM view_locks WHERE projection = ? AND schema_version = ?;",
		key.Projection, key.SchemaVersion,
	).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("select last event: %w", err)
	}
	return id.String, nil
}

func (b *Backend) ClaimEvent(ctx context.Context, key locker.ViewKey, eventID string, now time.Time, ttl time.Duration) (bool, error) {
	res, err := b.db.ExecContext(ctx, `
		INSERT INTO event_locks (projection, schema_version, event_id, processing_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (projection, schema_version, event_id) DO UPDATE SET
			processing_at = excluded.processing_at
		WHERE event_locks.projected = 0 AND event_locks.processing_at <= ?;`,
		key.Projection, key.SchemaVersion, eventID, millis(now), millis(now.Add(-ttl)),
	)
	return affected(res, err, "claim event")
}

func (b *Backend) FinalizeEvent(ctx context.Context, key locker.ViewKey, eventID string) error {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin-tx: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE event_locks SET projected = 1
		WHERE projection = ? AND schema_version = ? AND event_id = ? AND projected = 0;`,
		key.Projection, key.SchemaVersion, eventID,
	)
	ok, err := affected(res, err, "finalize event")
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("event %q of %s: %w", eventID, key, locker.ErrLockIntegrity)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO view_locks (projection, schema_version, last_event_id)
		VALUES (?, ?, ?)
		ON CONFLICT (projection, schema_version) DO UPDATE SET
			last_event_id = excluded.last_event_id;`,
		key.Projection, key.SchemaVersion, eventID,
	); err != nil {
		return fmt.Errorf("advance last event: %w", err)
	}
	return tx.Commit()
}

func millis(t time.Time) int64 {
	return t.UnixMilli()
}

func affected(res sql.Result, err error, op string) (bool, error) {
	if err != nil {
		return false, fmt.Errorf("%s: %w", op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("%s: %w", op, err)
	}
	return n == 1, nil
}
