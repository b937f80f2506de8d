// Package storage provides persistent storage using SQLite.
package storage

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "github.com/mattn/go-sqlite3"
)

// DBFileName is the database file created inside the data directory.
const DBFileName = "satsend.db"

// Storage persists the broadcast journal.
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

	dbPath := filepath.Join(dataDir, DBFileName)

	// Open database
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// SQLite has a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Storage{
		db:     db,
		dbPath: dbPath,
	}

	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate schema: %w", err)
	}

	return s, nil
}

// Close closes the database connection.
func (s *Storage) Close() error {
	return s.db.Close()
}

// Path returns the database file path.
func (s *Storage) Path() string {
	return s.dbPath
}

// migrations are applied in order. The database's user_version records how
// many have run; append new steps, never edit old ones.
var migrations = []string{
	// 1: broadcast journal
	`
	CREATE TABLE sent_transactions (
		txid TEXT PRIMARY KEY,
		network TEXT NOT NULL,

		from_address TEXT NOT NULL,
		recipient TEXT NOT NULL,
		amount INTEGER NOT NULL,
		fee INTEGER NOT NULL,
		fee_rate REAL NOT NULL,
		change INTEGER NOT NULL DEFAULT 0,

		raw_hex TEXT NOT NULL,

		-- Confirmation tracking
		confirmed INTEGER NOT NULL DEFAULT 0,
		block_height INTEGER,

		created_at INTEGER NOT NULL,
		updated_at INTEGER
	);

	CREATE INDEX idx_sent_network ON sent_transactions(network, created_at);
	`,

	// 2: outpoints consumed by a broadcast, so they are not reselected
	// before the indexer sees the spend
	`
	CREATE TABLE spent_outpoints (
		txid TEXT NOT NULL,
		vout INTEGER NOT NULL,
		network TEXT NOT NULL,
		spending_txid TEXT NOT NULL,
		created_at INTEGER NOT NULL,

		PRIMARY KEY (txid, vout),
		FOREIGN KEY (spending_txid) REFERENCES sent_transactions(txid) ON DELETE CASCADE
	);

	CREATE INDEX idx_spent_network ON spent_outpoints(network);
	CREATE INDEX idx_spent_created ON spent_outpoints(created_at);
	`,

	// 3: released outpoints no longer filter selection but stay in history
	`
	ALTER TABLE spent_outpoints ADD COLUMN released INTEGER NOT NULL DEFAULT 0;
	`,
}

// SchemaVersion returns the number of applied migrations.
func (s *Storage) SchemaVersion() (int, error) {
	var version int
	if err := s.db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return 0, fmt.Errorf("failed to read schema version: %w", err)
	}
	return version, nil
}

// migrate applies pending migrations, each in its own transaction.
func (s *Storage) migrate() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	version, err := s.SchemaVersion()
	if err != nil {
		return err
	}
	if version > len(migrations) {
		return fmt.Errorf("database schema version %d is newer than this build (%d)", version, len(migrations))
	}

	for i := version; i < len(migrations); i++ {
		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("failed to begin migration %d: %w", i+1, err)
		}
		if _, err := tx.Exec(migrations[i]); err != nil {
			tx.Rollback()
			return fmt.Errorf("migration %d failed: %w", i+1, err)
		}
		// PRAGMA does not take bind parameters.
		if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d", i+1)); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to record migration %d: %w", i+1, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit migration %d: %w", i+1, err)
		}
	}
	return nil
}

// expandPath expands ~ to home directory.
func expandPath(path string) string {
	if len(path) > 0 && path[0] == '~' {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[1:])
	}
	return path
}
