// Package clickhouse provides a ClickHouse-backed [utterlog.Store].
//
// Rows land in a MergeTree table ordered by start time, which suits the
// append-only, time-sliced queries utterance statistics are made of:
//
//	SELECT toStartOfHour(started_at) AS hour, count(), avg(duration_ms)
//	FROM utterances GROUP BY hour ORDER BY hour
package clickhouse

import (
	"context"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"

	"github.com/MrWong99/voxcap/internal/utterlog"
)

// Schema creates the utterances table.
const Schema = `
CREATE TABLE IF NOT EXISTS utterances (
    session      String,
    recording    String,
    seq          UInt32,
    started_at   DateTime64(3),
    ended_at     DateTime64(3),
    duration_ms  UInt32,
    frames       UInt32,
    bytes        UInt64,
    peak_level   UInt16
) ENGINE = MergeTree
ORDER BY (started_at, session)
`

const insertSQL = `
INSERT INTO utterances (session, recording, seq, started_at, ended_at, duration_ms, frames, bytes, peak_level)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
`

// Conn is the subset of the ClickHouse driver connection used by [Store].
type Conn interface {
	Exec(ctx context.Context, query string, args ...any) error
	Ping(ctx context.Context) error
	Close() error
}

// Config holds connection settings.
type Config struct {
	// Addr is host:port of the native protocol endpoint, e.g. "localhost:9000".
	Addr     string
	Database string
	Username string
	Password string
}

// Store is a [utterlog.Store] writing to ClickHouse.
type Store struct {
	conn Conn
}

var _ utterlog.Store = (*Store)(nil)

// New returns a Store over conn. Call [Store.Migrate] before inserting.
func New(conn Conn) *Store {
	return &Store{conn: conn}
}

// Open connects to ClickHouse, verifies the connection and applies [Schema].
func Open(ctx context.Context, cfg Config) (*Store, error) {
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{cfg.Addr},
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.Username,
			Password: cfg.Password,
		},
		DialTimeout: 5 * time.Second,
		Compression: &clickhouse.Compression{
			Method: clickhouse.CompressionLZ4,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("utterlog/clickhouse: open: %w", err)
	}
	s := New(conn)
	if err := s.Ping(ctx); err != nil {
		_ = conn.Close()
		return nil, err
	}
	if err := s.Migrate(ctx); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return s, nil
}

// Migrate creates the utterances table if it does not exist.
func (s *Store) Migrate(ctx context.Context) error {
	if err := s.conn.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("utterlog/clickhouse: migrate: %w", err)
	}
	return nil
}

// Insert implements [utterlog.Store].
func (s *Store) Insert(ctx context.Context, u utterlog.Utterance) error {
	if err := u.Validate(); err != nil {
		return err
	}
	err := s.conn.Exec(ctx, insertSQL,
		u.Session,
		u.Recording,
		uint32(u.Seq),
		u.StartedAt,
		u.EndedAt,
		uint32(u.Duration().Milliseconds()),
		uint32(u.Frames),
		uint64(u.Bytes),
		uint16(u.PeakLevel),
	)
	if err != nil {
		return fmt.Errorf("utterlog/clickhouse: insert utterance %d of %s: %w", u.Seq, u.Session, err)
	}
	return nil
}

// Ping verifies the server is reachable.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.conn.Ping(ctx); err != nil {
		return fmt.Errorf("utterlog/clickhouse: ping: %w", err)
	}
	return nil
}

// Close closes the connection.
func (s *Store) Close() error {
	return s.conn.Close()
}
