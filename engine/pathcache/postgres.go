package pathcache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/WessleyAI/warmpath/engine/domain"
)

// Schema creates the cache table. persons lists every person on the
// cached paths so invalidation is one indexed delete.
const Schema = `
CREATE TABLE IF NOT EXISTS cached_paths (
	from_id    TEXT        NOT NULL,
	to_id      TEXT        NOT NULL,
	persons    TEXT[]      NOT NULL,
	strength   INT         NOT NULL,
	hops       INT         NOT NULL,
	payload    JSONB       NOT NULL,
	expires_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (from_id, to_id)
);
CREATE INDEX IF NOT EXISTS cached_paths_persons_idx ON cached_paths USING GIN (persons);
CREATE INDEX IF NOT EXISTS cached_paths_expires_idx ON cached_paths (expires_at);
`

const (
	getSQL = `SELECT payload FROM cached_paths WHERE from_id = $1 AND to_id = $2 AND expires_at > $3`

	putSQL = `
INSERT INTO cached_paths (from_id, to_id, persons, strength, hops, payload, expires_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (from_id, to_id) DO UPDATE SET
	persons = EXCLUDED.persons,
	strength = EXCLUDED.strength,
	hops = EXCLUDED.hops,
	payload = EXCLUDED.payload,
	expires_at = EXCLUDED.expires_at`

	deleteTouchingSQL = `DELETE FROM cached_paths WHERE persons @> ARRAY[$1]::TEXT[]`

	deleteExpiredSQL = `DELETE FROM cached_paths WHERE expires_at <= $1`
)

type dbConn interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PGBackend stores entries in Postgres. One row per pair; Put is a
// single-row upsert.
type PGBackend struct {
	db dbConn
}

// NewPGBackend creates a backend on pool.
func NewPGBackend(pool *pgxpool.Pool) *PGBackend {
	return &PGBackend{db: pool}
}

// Migrate creates the table and indexes if missing.
func (b *PGBackend) Migrate(ctx context.Context) error {
	if _, err := b.db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("pathcache: migrate: %w", err)
	}
	return nil
}

func (b *PGBackend) Get(ctx context.Context, from, to string, now time.Time) (domain.CachedPath, error) {
	var payload []byte
	err := b.db.QueryRow(ctx, getSQL, from, to, now).Scan(&payload)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.CachedPath{}, ErrMiss
	}
	if err != nil {
		return domain.CachedPath{}, err
	}
	var e domain.CachedPath
	if err := json.Unmarshal(payload, &e); err != nil {
		return domain.CachedPath{}, fmt.Errorf("decode cached path: %w", err)
	}
	return e, nil
}

func (b *PGBackend) Put(ctx context.Context, e domain.CachedPath) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return err
	}
	_, err = b.db.Exec(ctx, putSQL, e.From, e.To, touched(e), e.Strength, e.Hops, payload, e.ExpiresAt)
	return err
}

func (b *PGBackend) DeleteTouching(ctx context.Context, personID string) (int, error) {
	tag, err := b.db.Exec(ctx, deleteTouchingSQL, personID)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

func (b *PGBackend) DeleteExpired(ctx context.Context, now time.Time) (int, error) {
	tag, err := b.db.Exec(ctx, deleteExpiredSQL, now)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}
