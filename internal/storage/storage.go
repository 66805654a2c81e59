// Package storage provides persistent storage using SQLite.
package storage

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Storage provides persistent storage for the crosslock coordinator.
// It is the single source of truth for order and nonce state.
type Storage struct {
	db     *sql.DB
	dbPath string
	mu     sync.RWMutex
}

// Config holds storage configuration.
type Config struct {
	DataDir string
}

// New creates a new Storage instance.
func New(cfg *Config) (*Storage, error) {
	dataDir := expandPath(cfg.DataDir)

	// Ensure directory exists
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, "crosslock.db")

	// Open database
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Test connection
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// SQLite only supports one writer
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	s := &Storage{
		db:     db,
		dbPath: dbPath,
	}

	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return s, nil
}

// Close closes the database connection.
func (s *Storage) Close() error {
	return s.db.Close()
}

// DB returns the underlying database connection.
func (s *Storage) DB() *sql.DB {
	return s.db
}

// initSchema creates all database tables.
func (s *Storage) initSchema() error {
	schema := `
	-- =========================================================================
	-- Atomic swap orders
	-- =========================================================================

	-- An order is one side of a cross-chain swap intent. Orders are never
	-- deleted; terminal rows are retained for audit and idempotent re-query.
	CREATE TABLE IF NOT EXISTS orders (
		id TEXT PRIMARY KEY,
		status TEXT NOT NULL DEFAULT 'created',

		-- Participants (ledger-native address strings)
		maker TEXT NOT NULL,
		taker TEXT NOT NULL,

		-- Source leg (what the maker locks)
		source_ledger TEXT NOT NULL,
		source_token TEXT NOT NULL,
		source_amount INTEGER NOT NULL,

		-- Destination leg (what the maker receives)
		destination_ledger TEXT NOT NULL,
		destination_token TEXT NOT NULL,
		destination_amount INTEGER NOT NULL,

		-- Hashlock commitment (hex). Secret stays NULL until revealed.
		hashlock TEXT NOT NULL,
		secret TEXT,

		-- HTLC references, set once each leg is created on its ledger
		source_htlc_id TEXT,
		destination_htlc_id TEXT,

		-- Pairing back-reference, set at most once
		counter_order_id TEXT,

		-- Timing
		timelock_secs INTEGER NOT NULL,
		created_at INTEGER NOT NULL,
		expires_at INTEGER NOT NULL,
		updated_at INTEGER,

		-- Optimistic concurrency for match linking
		version INTEGER NOT NULL DEFAULT 0,

		-- Refund retry bookkeeping for the expiry path
		refund_attempts INTEGER NOT NULL DEFAULT 0,
		last_refund_error TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_orders_status ON orders(status);
	CREATE INDEX IF NOT EXISTS idx_orders_expires ON orders(expires_at);
	CREATE INDEX IF NOT EXISTS idx_orders_pair ON orders(source_ledger, destination_ledger);
	CREATE INDEX IF NOT EXISTS idx_orders_counter ON orders(counter_order_id);

	-- Transition audit log: one row per status change, never updated.
	CREATE TABLE IF NOT EXISTS order_transitions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		order_id TEXT NOT NULL,
		from_status TEXT NOT NULL,
		to_status TEXT NOT NULL,
		at INTEGER NOT NULL,

		FOREIGN KEY (order_id) REFERENCES orders(id)
	);

	CREATE INDEX IF NOT EXISTS idx_transitions_order ON order_transitions(order_id);

	-- =========================================================================
	-- Permit nonce counters (one row per signer)
	-- =========================================================================

	CREATE TABLE IF NOT EXISTS nonces (
		signer TEXT PRIMARY KEY,
		next_nonce INTEGER NOT NULL,
		confirmed_nonce INTEGER NOT NULL DEFAULT 0,
		updated_at INTEGER NOT NULL
	);
	`

	_, err := s.db.Exec(schema)
	return err
}

// expandPath expands ~ to home directory.
func expandPath(path string) string {
	if len(path) > 0 && path[0] == '~' {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[1:])
	}
	return path
}
