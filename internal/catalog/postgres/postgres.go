// Package postgres provides a PostgreSQL-backed [catalog.Index].
//
// Usage:
//
//	idx, err := postgres.Open(ctx, dsn)
//	if err != nil { … }
//	defer idx.Close()
//
//	_, _ = idx.Register(ctx, entry)
package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/voxcap/internal/catalog"
)

// Schema is the SQL DDL for the recordings table. Execute it via
// [Index.Migrate] or apply it manually during deployment.
const Schema = `
CREATE TABLE IF NOT EXISTS recordings (
    id           TEXT         PRIMARY KEY,
    title        TEXT         NOT NULL,
    path         TEXT         NOT NULL,
    mime_type    TEXT         NOT NULL DEFAULT 'audio/x-wav',
    size_bytes   BIGINT       NOT NULL DEFAULT 0,
    duration_ms  BIGINT       NOT NULL DEFAULT 0,
    sample_rate  INTEGER      NOT NULL DEFAULT 0,
    utterances   INTEGER      NOT NULL DEFAULT 0,
    recorded_at  TIMESTAMPTZ  NOT NULL,
    created_at   TIMESTAMPTZ  NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_recordings_recorded_at ON recordings (recorded_at DESC);
`

// DB is the database interface used by [Index]. Both *pgxpool.Pool and
// *pgx.Conn satisfy this interface.
type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Ping(ctx context.Context) error
}

// Index is a [catalog.Index] backed by a PostgreSQL database.
type Index struct {
	db    DB
	close func()
}

var _ catalog.Index = (*Index)(nil)

// New returns an Index using db. The caller is responsible for calling
// [Index.Migrate] before issuing queries.
func New(db DB) *Index {
	return &Index{db: db, close: func() {}}
}

// Open connects a pool to dsn, verifies it with a ping and runs [Index.Migrate].
func Open(ctx context.Context, dsn string) (*Index, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("catalog: parse dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("catalog: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("catalog: ping: %w", err)
	}

	idx := &Index{db: pool, close: pool.Close}
	if err := idx.Migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return idx, nil
}

// Migrate executes [Schema], creating the recordings table if needed.
func (x *Index) Migrate(ctx context.Context) error {
	if _, err := x.db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("catalog: migrate: %w", err)
	}
	return nil
}

// Ping checks that the database is reachable.
func (x *Index) Ping(ctx context.Context) error {
	return x.db.Ping(ctx)
}

// Close releases the pool opened by [Open]. It is a no-op for an Index built
// with [New].
func (x *Index) Close() { x.close() }

// Register implements [catalog.Index]. An existing row with the same ID is
// updated in place and keeps its created_at.
func (x *Index) Register(ctx context.Context, e catalog.Entry) (catalog.Entry, error) {
	if err := e.Validate(); err != nil {
		return catalog.Entry{}, err
	}
	e = catalog.WithDefaults(e)

	const query = `
		INSERT INTO recordings (
			id, title, path, mime_type, size_bytes, duration_ms,
			sample_rate, utterances, recorded_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		ON CONFLICT (id) DO UPDATE SET
			title = EXCLUDED.title,
			path = EXCLUDED.path,
			mime_type = EXCLUDED.mime_type,
			size_bytes = EXCLUDED.size_bytes,
			duration_ms = EXCLUDED.duration_ms,
			sample_rate = EXCLUDED.sample_rate,
			utterances = EXCLUDED.utterances,
			recorded_at = EXCLUDED.recorded_at
		RETURNING created_at`

	err := x.db.QueryRow(ctx, query,
		e.ID, e.Title, e.Path, e.MimeType, e.SizeBytes, e.Duration.Milliseconds(),
		e.SampleRate, e.Utterances, e.RecordedAt,
	).Scan(&e.CreatedAt)
	if err != nil {
		return catalog.Entry{}, fmt.Errorf("catalog: register %q: %w", e.ID, err)
	}
	return e, nil
}

// List implements [catalog.Index].
func (x *Index) List(ctx context.Context, limit int) ([]catalog.Entry, error) {
	const query = `
		SELECT id, title, path, mime_type, size_bytes, duration_ms,
		       sample_rate, utterances, recorded_at, created_at
		FROM recordings
		ORDER BY recorded_at DESC, id
		LIMIT $1`

	// LIMIT NULL means no limit.
	var lim *int
	if limit > 0 {
		lim = &limit
	}
	rows, err := x.db.Query(ctx, query, lim)
	if err != nil {
		return nil, fmt.Errorf("catalog: list: %w", err)
	}

	entries, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (catalog.Entry, error) {
		var (
			e          catalog.Entry
			durationMs int64
		)
		err := row.Scan(
			&e.ID, &e.Title, &e.Path, &e.MimeType, &e.SizeBytes, &durationMs,
			&e.SampleRate, &e.Utterances, &e.RecordedAt, &e.CreatedAt,
		)
		e.Duration = time.Duration(durationMs) * time.Millisecond
		return e, err
	})
	if err != nil {
		return nil, fmt.Errorf("catalog: list: %w", err)
	}
	return entries, nil
}
