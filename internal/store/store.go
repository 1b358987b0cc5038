// Package store is the SQLite-backed persistence layer: channel registry,
// event types and handlers, the append-only session log, scratch
// agent-data, and cron job rows. A single database file backs all of it;
// every write is a single statement or a short transaction so no write
// lock is held across a network or LLM call.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// DB wraps the shared *sql.DB connection and exposes the store's
// sub-components (channels, registry, sessions, agent data, cron).
type DB struct {
	conn *sql.DB
}

// Open opens (creating if necessary) the SQLite database at path, applies
// pragmas, and runs idempotent migrations. Pass ":memory:" for tests.
func Open(path string) (*DB, error) {
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}

	// A single writer connection avoids SQLITE_BUSY storms under WAL; reads
	// tolerate concurrent writers via WAL snapshot semantics.
	conn.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		if _, err := conn.Exec(p); err != nil {
			conn.Close()
			return nil, fmt.Errorf("apply pragma %q: %w", p, err)
		}
	}

	db := &DB{conn: conn}
	if err := db.migrate(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate schema: %w", err)
	}

	return db, nil
}

// Close releases the underlying connection.
func (db *DB) Close() error {
	return db.conn.Close()
}

// Conn exposes the raw connection for components (search index) that need
// to share the same database file.
func (db *DB) Conn() *sql.DB {
	return db.conn
}

const schema = `
CREATE TABLE IF NOT EXISTS channels (
	id TEXT PRIMARY KEY,
	type_name TEXT NOT NULL,
	is_group INTEGER NOT NULL DEFAULT 0,
	is_private INTEGER NOT NULL DEFAULT 0,
	created_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS event_types (
	name TEXT PRIMARY KEY,
	description TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS event_handlers (
	id TEXT PRIMARY KEY,
	prompt TEXT NOT NULL DEFAULT '',
	channel_id TEXT
);

CREATE TABLE IF NOT EXISTS event_handler_types (
	handler_id TEXT NOT NULL,
	event_type_name TEXT NOT NULL,
	PRIMARY KEY (handler_id, event_type_name)
);
CREATE INDEX IF NOT EXISTS idx_handler_types_event ON event_handler_types(event_type_name);

CREATE TABLE IF NOT EXISTS session_keys (
	session_key TEXT PRIMARY KEY,
	session_id TEXT NOT NULL,
	last_activity_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS session_entries (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id TEXT NOT NULL,
	created_at TEXT NOT NULL,
	messages_json TEXT NOT NULL,
	is_compaction INTEGER NOT NULL DEFAULT 0,
	response_id TEXT NOT NULL DEFAULT '',
	usage_json TEXT NOT NULL DEFAULT '{}',
	pending_json TEXT NOT NULL DEFAULT '[]',
	user_id TEXT NOT NULL DEFAULT '',
	post_id TEXT NOT NULL DEFAULT '',
	deleted INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_session_entries_session ON session_entries(session_id, id);
CREATE INDEX IF NOT EXISTS idx_session_entries_post ON session_entries(post_id);

CREATE TABLE IF NOT EXISTS agent_data (
	key TEXT PRIMARY KEY,
	value TEXT NOT NULL,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL,
	tags_json TEXT NOT NULL DEFAULT '[]',
	channel_id TEXT NOT NULL DEFAULT '',
	user_id TEXT NOT NULL DEFAULT '',
	post_id TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_agent_data_post ON agent_data(post_id);

CREATE TABLE IF NOT EXISTS cron_jobs (
	name TEXT PRIMARY KEY,
	cron_expr TEXT NOT NULL,
	prompt TEXT NOT NULL,
	channel_id TEXT NOT NULL DEFAULT '',
	timezone TEXT NOT NULL DEFAULT ''
);
`

// migrationColumns lists columns that may be absent in a database created by
// an older version of the schema; each is added via idempotent ALTER TABLE.
var migrationColumns = map[string][]struct{ name, ddl string }{
	"session_entries": {
		{"response_id", "ALTER TABLE session_entries ADD COLUMN response_id TEXT NOT NULL DEFAULT ''"},
		{"usage_json", "ALTER TABLE session_entries ADD COLUMN usage_json TEXT NOT NULL DEFAULT '{}'"},
		{"pending_json", "ALTER TABLE session_entries ADD COLUMN pending_json TEXT NOT NULL DEFAULT '[]'"},
	},
}

func (db *DB) migrate() error {
	if _, err := db.conn.Exec(schema); err != nil {
		return err
	}

	for table, cols := range migrationColumns {
		existing, err := db.tableColumns(table)
		if err != nil {
			return fmt.Errorf("inspect table %s: %w", table, err)
		}
		for _, col := range cols {
			if existing[col.name] {
				continue
			}
			if _, err := db.conn.Exec(col.ddl); err != nil {
				return fmt.Errorf("add column %s.%s: %w", table, col.name, err)
			}
		}
	}

	return nil
}

// tableColumns returns the set of column names present on table, via
// PRAGMA table_info.
func (db *DB) tableColumns(table string) (map[string]bool, error) {
	rows, err := db.conn.Query(fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	cols := make(map[string]bool)
	for rows.Next() {
		var cid int
		var name, ctype string
		var notnull, pk int
		var dflt sql.NullString
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dflt, &pk); err != nil {
			return nil, err
		}
		cols[name] = true
	}
	return cols, rows.Err()
}

func nowRFC3339() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}

func withTx(ctx context.Context, conn *sql.DB, fn func(*sql.Tx) error) error {
	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}
