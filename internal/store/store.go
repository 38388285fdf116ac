// Package store implements the event-sourced revision store. Every write is
// an appended event; an events journal records the full history and each
// event materializes deterministically into queryable tables inside the same
// transaction. Nothing is ever updated or deleted, so undo/redo is additive
// and the whole state is reproducible by replay.
package store

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

// Store is a SQLite-backed event store with materialized views.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the store at the given path. Use ":memory:" for an
// ephemeral store in tests.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// SQLite allows one writer; a single connection keeps appends serialized
	// without busy-retry handling.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &Store{db: db}
	if err := s.initialize(); err != nil {
		return nil, fmt.Errorf("initialize database: %w", err)
	}
	return s, nil
}

func (s *Store) initialize() error {
	schema := `
	CREATE TABLE IF NOT EXISTS events (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL,
		payload TEXT NOT NULL,
		at INTEGER NOT NULL
	);
	CREATE TABLE IF NOT EXISTS nodes (
		id TEXT PRIMARY KEY,
		tag TEXT NOT NULL,
		x REAL NOT NULL,
		y REAL NOT NULL,
		parent_id TEXT NOT NULL,
		order_index INTEGER NOT NULL,
		created_at INTEGER NOT NULL
	);
	CREATE TABLE IF NOT EXISTS node_removal_log (
		seq INTEGER PRIMARY KEY,
		id TEXT NOT NULL,
		node_id TEXT NOT NULL,
		timestamp INTEGER NOT NULL
	);
	CREATE TABLE IF NOT EXISTS node_readd_log (
		seq INTEGER PRIMARY KEY,
		id TEXT NOT NULL,
		node_id TEXT NOT NULL,
		timestamp INTEGER NOT NULL
	);
	CREATE TABLE IF NOT EXISTS html_pages (
		seq INTEGER PRIMARY KEY,
		id TEXT NOT NULL,
		page_id TEXT NOT NULL,
		html TEXT NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE TABLE IF NOT EXISTS html_selections (
		seq INTEGER PRIMARY KEY,
		id TEXT NOT NULL,
		page_id TEXT NOT NULL,
		selected_updated_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE TABLE IF NOT EXISTS input_log (
		seq INTEGER PRIMARY KEY,
		id TEXT NOT NULL,
		content TEXT NOT NULL,
		timestamp INTEGER NOT NULL
	);
	CREATE TABLE IF NOT EXISTS convo_history (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL,
		page_id TEXT NOT NULL,
		role TEXT NOT NULL,
		content TEXT NOT NULL,
		ts INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_nodes_parent ON nodes(parent_id, order_index);
	CREATE INDEX IF NOT EXISTS idx_removal_node ON node_removal_log(node_id);
	CREATE INDEX IF NOT EXISTS idx_readd_node ON node_readd_log(node_id);
	CREATE INDEX IF NOT EXISTS idx_pages_page ON html_pages(page_id, updated_at);
	CREATE INDEX IF NOT EXISTS idx_selections_page ON html_selections(page_id);
	CREATE INDEX IF NOT EXISTS idx_history_page ON convo_history(page_id, ts);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return err
	}
	return nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}
