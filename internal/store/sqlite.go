package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"theatrecal/internal/model"
)

const schema = `
CREATE TABLE IF NOT EXISTS months (
	key        TEXT PRIMARY KEY,
	events     TEXT NOT NULL,
	updated_at TEXT NOT NULL
)`

// SQLiteStore keeps one row per month in an embedded SQLite database.
type SQLiteStore struct {
	conn  *sql.DB
	path  string
	codec codec
}

// OpenSQLite opens (creating if needed) the database file at path.
func OpenSQLite(path string, opts Options) (*SQLiteStore, error) {
	if path == "" {
		return nil, errors.New("store: sqlite path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	conn, err := sql.Open("sqlite3", "file:"+path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	// A single writer is all a month cache ever needs.
	conn.SetMaxOpenConns(1)

	for _, stmt := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		schema,
	} {
		if _, err := conn.Exec(stmt); err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("failed to initialize database: %w", err)
		}
	}

	return &SQLiteStore{
		conn:  conn,
		path:  path,
		codec: codec{keepFingerprints: opts.PersistFingerprints},
	}, nil
}

func (s *SQLiteStore) Read(ctx context.Context, key string) ([]model.Event, error) {
	var data string
	err := s.conn.QueryRowContext(ctx, `SELECT events FROM months WHERE key = ?`, key).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read month %s: %w", key, err)
	}
	return s.codec.decode([]byte(data))
}

func (s *SQLiteStore) Write(ctx context.Context, key string, events []model.Event) error {
	data, err := s.codec.encode(events)
	if err != nil {
		return err
	}
	_, err = s.conn.ExecContext(ctx, `
		INSERT INTO months (key, events, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET events = excluded.events, updated_at = excluded.updated_at`,
		key, string(data), time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("write month %s: %w", key, err)
	}
	return nil
}

// Close checkpoints the WAL and closes the database.
func (s *SQLiteStore) Close() error {
	if s.conn == nil {
		return nil
	}
	_, _ = s.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
	err := s.conn.Close()
	s.conn = nil
	return err
}
