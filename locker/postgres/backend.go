// Package postgres stores view leases and event claims in PostgreSQL.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/terraskye/cqrs/locker"
)

var _ locker.Backend = (*Backend)(nil)

const schema = `
CREATE TABLE IF NOT EXISTS view_locks (
	projection     TEXT NOT NULL,
	schema_version TEXT NOT NULL,
	owner          TEXT,
	locked_till    BIGINT,
	last_event_id  TEXT,
	PRIMARY KEY (projection, schema_version)
);
CREATE TABLE IF NOT EXISTS event_locks (
	projection     TEXT NOT NULL,
	schema_version TEXT NOT NULL,
	event_id       TEXT NOT NULL,
	processing_at  BIGINT NOT NULL,
	projected      BOOLEAN NOT NULL DEFAULT FALSE,
	PRIMARY KEY (projection, schema_version, event_id)
);
`

// Backend is a locker.Backend on PostgreSQL. Timestamps are unix milliseconds.
type Backend struct {
	pool *pgxpool.Pool
}

// Connect opens a pool for connString and creates the tables if needed.
func Connect(ctx context.Context, connString string) (*Backend, error) {
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}
	b, err := New(ctx, pool)
	if err != nil {
		pool.Close()
		return nil, err
	}
	return b, nil
}

// New creates the tables through pool if needed.
func New(ctx context.Context, pool *pgxpool.Pool) (*Backend, error) {
	if _, err := pool.Exec(ctx, schema); err != nil {
		return nil, fmt.Errorf("init schema: %w", err)
	}
	return &Backend{pool: pool}, nil
}

func (b *Backend) Close() {
	b.pool.Close()
}

func (b *Backend) AcquireLease(ctx context.Context, key locker.ViewKey, owner string, now time.Time, ttl time.Duration) (bool, error) {
	tag, err := b.pool.Exec(ctx, `
		INSERT INTO view_locks (projection, schema_version, owner, locked_till)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (projection, schema_version) DO UPDATE SET
			owner = EXCLUDED.owner,
			locked_till = EXCLUDED.locked_till
		WHERE view_locks.locked_till IS NULL
			OR view_locks.locked_till <= $5
			OR view_locks.owner = EXCLUDED.owner`,
		key.Projection, key.SchemaVersion, owner, now.Add(ttl).UnixMilli(), now.UnixMilli(),
	)
	if err != nil {
		return false, fmt.Errorf("acquire lease: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (b *Backend) ExtendLease(ctx context.Context, key locker.ViewKey, owner string, now time.Time, ttl time.Duration) (bool, error) {
	tag, err := b.pool.Exec(ctx, `
		UPDATE view_locks SET locked_till = $1
		WHERE projection = $2 AND schema_version = $3 AND owner = $4 AND locked_till IS NOT NULL`,
		now.Add(ttl).UnixMilli(), key.Projection, key.SchemaVersion, owner,
	)
	if err != nil {
		return false, fmt.Errorf("extend lease: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (b *Backend) ReleaseLease(ctx context.Context, key locker.ViewKey, owner string) error {
	if _, err := b.pool.Exec(ctx, `
		UPDATE view_locks SET locked_till = NULL
		WHERE projection = $1 AND schema_version = $2 AND owner = $3`,
		key.Projection, key.SchemaVersion, owner,
	); err != nil {
		return fmt.Errorf("release lease: %w", err)
	}
	return nil
}

func (b *Backend) LastEventID(ctx context.Context, key locker.ViewKey) (string, error) {
	var id *string
	err := b.pool.QueryRow(ctx,
		"SELECT last_event_id FROM view_locks WHERE projection = $1 AND schema_version = $2",
		key.Projection, key.SchemaVersion,
	).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("select last event: %w", err)
	}
	if id == nil {
		return "", nil
	}
	return *id, nil
}

func (b *Backend) ClaimEvent(ctx context.Context, key locker.ViewKey, eventID string, now time.Time, ttl time.Duration) (bool, error) {
	tag, err := b.pool.Exec(ctx, `
		INSERT INTO event_locks (projection, schema_version, event_id, processing_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (projection, schema_version, event_id) DO UPDATE SET
			processing_at = EXCLUDED.processing_at
		WHERE NOT event_locks.projected AND event_locks.processing_at <= $5`,
		key.Projection, key.SchemaVersion, eventID, now.UnixMilli(), now.Add(-ttl).UnixMilli(),
	)
	if err != nil {
		return false, fmt.Errorf("claim event: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (b *Backend) FinalizeEvent(ctx context.Context, key locker.ViewKey, eventID string) error {
	return pgx.BeginFunc(ctx, b.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE event_locks SET projected = TRUE
			WHERE projection = $1 AND schema_version = $2 AND event_id = $3 AND NOT projected`,
			key.Projection, key.SchemaVersion, eventID,
		)
		if err != nil {
			return fmt.Errorf("finalize event: %w", err)
		}
		if tag.RowsAffected() != 1 {
			return fmt.Errorf("event %q of %s: %w", eventID, key, locker.ErrLockIntegrity)
		}

		if _, err := tx.Exec(ctx, `
			INSERT INTO view_locks (projection, schema_version, last_event_id)
			VALUES ($1, $2, $3)
			ON CONFLICT (projection, schema_version) DO UPDATE SET
				last_event_id = EXCLUDED.last_event_id`,
			key.Projection, key.SchemaVersion, eventID,
		); err != nil {
			return fmt.Errorf("advance last event: %w", err)
		}
		return nil
	})
}
