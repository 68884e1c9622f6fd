package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// DB wraps the SQLite database connection
type DB struct {
	db *sql.DB
}

// NewDB creates a new database connection
func NewDB(dbPath string) (*DB, error) {
	// Ensure directory exists
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	// Open database connection
	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Test connection
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	store := &DB{db: db}

	// Initialize schema
	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return store, nil
}

// Close closes the database connection
func (d *DB) Close() error {
	return d.db.Close()
}

// GetDB returns the underlying sql.DB connection
func (d *DB) GetDB() *sql.DB {
	return d.db
}

// initSchema initializes the database schema
func (d *DB) initSchema() error {
	schema := `
	-- Business records replicated between nodes
	CREATE TABLE IF NOT EXISTS records (
		table_name TEXT NOT NULL,
		record_id TEXT NOT NULL,
		payload TEXT NOT NULL,
		deleted INTEGER DEFAULT 0,
		updated_by TEXT NOT NULL,
		updated_at REAL NOT NULL,
		vector_clock TEXT NOT NULL,
		PRIMARY KEY (table_name, record_id)
	);

	-- Append-only change event log
	CREATE TABLE IF NOT EXISTS sync_events (
		sequence INTEGER PRIMARY KEY AUTOINCREMENT,
		event_id TEXT UNIQUE NOT NULL,
		origin_node TEXT NOT NULL,
		origin_seq INTEGER NOT NULL,
		timestamp REAL NOT NULL,
		event_type TEXT NOT NULL,
		table_name TEXT NOT NULL,
		record_id TEXT NOT NULL,
		payload TEXT,
		vector_clock TEXT NOT NULL,
		acknowledged INTEGER DEFAULT 0
	);

	-- Sync session history
	CREATE TABLE IF NOT EXISTS sync_sessions (
		session_id TEXT PRIMARY KEY,
		peer_id TEXT NOT NULL,
		mode TEXT NOT NULL,
		state TEXT NOT NULL,
		initiator INTEGER DEFAULT 0,
		events_sent INTEGER DEFAULT 0,
		events_applied INTEGER DEFAULT 0,
		bytes_transferred INTEGER DEFAULT 0,
		error TEXT,
		started_at REAL NOT NULL,
		finished_at REAL
	);

	-- Peer registry and reachability state
	CREATE TABLE IF NOT EXISTS peers (
		peer_id TEXT PRIMARY KEY,
		name TEXT,
		address TEXT,
		port INTEGER,
		public_key TEXT,
		capabilities TEXT,
		last_seen REAL,
		reachable INTEGER DEFAULT 0,
		created_at REAL DEFAULT (unixepoch())
	);

	-- Network partition incidents
	CREATE TABLE IF NOT EXISTS partitions (
		partition_id TEXT PRIMARY KEY,
		peer_id TEXT NOT NULL,
		detected_at REAL NOT NULL,
		resolved_at REAL,
		missed_windows INTEGER NOT NULL
	);

	-- Conflict resolution audit trail
	CREATE TABLE IF NOT EXISTS conflicts (
		conflict_id TEXT PRIMARY KEY,
		table_name TEXT NOT NULL,
		record_id TEXT NOT NULL,
		winner_node TEXT NOT NULL,
		loser_node TEXT NOT NULL,
		winner_timestamp REAL NOT NULL,
		loser_timestamp REAL NOT NULL,
		winner_payload TEXT,
		loser_payload TEXT,
		resolved_at REAL NOT NULL
	);

	-- Events queued for unreachable peers
	CREATE TABLE IF NOT EXISTS offline_queue (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		peer_id TEXT NOT NULL,
		event_id TEXT NOT NULL,
		attempts INTEGER DEFAULT 0,
		queued_at REAL NOT NULL,
		UNIQUE (peer_id, event_id)
	);

	-- Per-peer delivery watermarks
	CREATE TABLE IF NOT EXISTS watermarks (
		peer_id TEXT NOT NULL,
		origin_node TEXT NOT NULL,
		last_seq INTEGER NOT NULL,
		updated_at REAL DEFAULT (unixepoch()),
		PRIMARY KEY (peer_id, origin_node)
	);

	-- Node identity and local settings
	CREATE TABLE IF NOT EXISTS node_config (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL,
		updated_at REAL DEFAULT (unixepoch())
	);

	-- Indexes for performance
	CREATE INDEX IF NOT EXISTS idx_events_origin ON sync_events(origin_node, origin_seq);
	CREATE INDEX IF NOT EXISTS idx_events_timestamp ON sync_events(timestamp);
	CREATE INDEX IF NOT EXISTS idx_events_record ON sync_events(table_name, record_id);
	CREATE INDEX IF NOT EXISTS idx_sessions_peer ON sync_sessions(peer_id);
	CREATE INDEX IF NOT EXISTS idx_peers_last_seen ON peers(last_seen);
	CREATE INDEX IF NOT EXISTS idx_queue_peer ON offline_queue(peer_id);
	CREATE INDEX IF NOT EXISTS idx_partitions_peer ON partitions(peer_id);
	`

	if _, err := d.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}

	return nil
}

// BeginTx starts a new transaction
func (d *DB) BeginTx() (*sql.Tx, error) {
	return d.db.Begin()
}

// Exec executes a query without returning rows
func (d *DB) Exec(query string, args ...interface{}) (sql.Result, error) {
	return d.db.Exec(query, args...)
}

// Query executes a query that returns rows
func (d *DB) Query(query string, args ...interface{}) (*sql.Rows, error) {
	return d.db.Query(query, args...)
}

// QueryRow executes a query that returns a single row
func (d *DB) QueryRow(query string, args ...interface{}) *sql.Row {
	return d.db.QueryRow(query, args...)
}
