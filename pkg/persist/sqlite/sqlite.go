// Package sqlite implements the persistence boundaries on an embedded
// SQLite database (modernc.org/sqlite, pure Go).
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/RsousaIA/agentewhatsappia-sub001/pkg/persist"

	_ "modernc.org/sqlite"
)

// DB stores records in a templates table and snapshots in a snapshots table
type DB struct {
	conn *sql.DB
}

var _ persist.Backend = (*DB)(nil)

// Open opens (or creates) the database at dbPath and runs migrations.
// ":memory:" gives a private in-memory database.
func Open(dbPath string) (*DB, error) {
	conn, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("sqlite: opening database: %w", err)
	}
	// A single connection keeps ":memory:" databases shared and serializes writers
	conn.SetMaxOpenConns(1)

	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("sqlite: pinging database: %w", err)
	}

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=FULL",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := conn.Exec(pragma); err != nil {
			conn.Close()
			return nil, fmt.Errorf("sqlite: %s: %w", pragma, err)
		}
	}

	db := &DB{conn: conn}
	if err := db.migrate(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("sqlite: running migrations: %w", err)
	}
	return db, nil
}

// Close closes the connection pool
func (db *DB) Close() error {
	return db.conn.Close()
}

func (db *DB) migrate() error {
	_, err := db.conn.Exec(`
		CREATE TABLE IF NOT EXISTS templates (
			id         TEXT PRIMARY KEY,
			record     BLOB NOT NULL,
			written_at INTEGER NOT NULL
		);
		CREATE TABLE IF NOT EXISTS snapshots (
			id       TEXT NOT NULL,
			taken_at TEXT NOT NULL,
			data     BLOB NOT NULL,
			PRIMARY KEY (id, taken_at)
		);
	`)
	if err != nil {
		return fmt.Errorf("creating tables: %w", err)
	}
	return nil
}

// Put inserts or replaces the record for id
func (db *DB) Put(ctx context.Context, id string, record []byte) error {
	_, err := db.conn.ExecContext(ctx,
		`INSERT INTO templates (id, record, written_at) VALUES (?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET record = excluded.record, written_at = excluded.written_at`,
		id, record, time.Now().UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("sqlite: put %s: %w", id, err)
	}
	return nil
}

// Get returns the record for id
func (db *DB) Get(ctx context.Context, id string) ([]byte, error) {
	var record []byte
	err := db.conn.QueryRowContext(ctx, `SELECT record FROM templates WHERE id = ?`, id).Scan(&record)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persist.ErrNotExist
		}
		return nil, fmt.Errorf("sqlite: get %s: %w", id, err)
	}
	return record, nil
}

// Delete removes the record for id
func (db *DB) Delete(ctx context.Context, id string) error {
	res, err := db.conn.ExecContext(ctx, `DELETE FROM templates WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("sqlite: delete %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("sqlite: delete %s: %w", id, err)
	}
	if n == 0 {
		return persist.ErrNotExist
	}
	return nil
}

// ListIDs returns every record id in sorted order
func (db *DB) ListIDs(ctx context.Context) ([]string, error) {
	rows, err := db.conn.QueryContext(ctx, `SELECT id FROM templates ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list ids: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("sqlite: scan id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// PutSnapshot inserts a snapshot; the primary key forbids overwrites
func (db *DB) PutSnapshot(ctx context.Context, id string, ts time.Time, data []byte) error {
	res, err := db.conn.ExecContext(ctx,
		`INSERT INTO snapshots (id, taken_at, data) VALUES (?, ?, ?) ON CONFLICT DO NOTHING`,
		id, persist.FormatTimestamp(ts), data,
	)
	if err != nil {
		return fmt.Errorf("sqlite: put snapshot %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("sqlite: put snapshot %s: %w", id, err)
	}
	if n == 0 {
		return persist.ErrSnapshotExists
	}
	return nil
}

// ListSnapshots returns the snapshot timestamps for id, oldest first
func (db *DB) ListSnapshots(ctx context.Context, id string) ([]time.Time, error) {
	rows, err := db.conn.QueryContext(ctx,
		`SELECT taken_at FROM snapshots WHERE id = ? ORDER BY taken_at`, id)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list snapshots %s: %w", id, err)
	}
	defer rows.Close()

	var out []time.Time
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("sqlite: scan snapshot: %w", err)
		}
		ts, err := persist.ParseTimestamp(raw)
		if err != nil {
			continue
		}
		out = append(out, ts)
	}
	return out, rows.Err()
}

// GetSnapshot returns the snapshot stored under (id, ts)
func (db *DB) GetSnapshot(ctx context.Context, id string, ts time.Time) ([]byte, error) {
	var data []byte
	err := db.conn.QueryRowContext(ctx,
		`SELECT data FROM snapshots WHERE id = ? AND taken_at = ?`,
		id, persist.FormatTimestamp(ts),
	).Scan(&data)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persist.ErrNotExist
		}
		return nil, fmt.Errorf("sqlite: get snapshot %s: %w", id, err)
	}
	return data, nil
}
