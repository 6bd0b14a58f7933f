package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/nextlevelbuilder/hiboss/internal/hiberr"
)

// Store is the process-private, single-writer durable store (spec §4.1).
// It never throws on the happy path: ambiguity and not-found are domain
// returns, not panics, and constraint/storage failures are classified via
// hiberr before returning.
type Store struct {
	db *sql.DB
}

// Open opens (creating if necessary) the SQLite database at path and
// ensures its schema exists. Matching govega's store_sqlite.go: WAL mode,
// a single *sql.DB shared across goroutines (database/sql pools
// connections internally; SQLite itself serializes writers).
func Open(ctx context.Context, path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: enable WAL: %w", err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: enable foreign keys: %w", err)
	}
	s := &Store{db: db}
	if err := s.init(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) init(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS envelopes (
			id TEXT PRIMARY KEY,
			from_addr TEXT NOT NULL,
			to_addr TEXT NOT NULL,
			from_boss INTEGER NOT NULL DEFAULT 0,
			text TEXT NOT NULL DEFAULT '',
			attachments TEXT NOT NULL DEFAULT '[]',
			reply_to TEXT,
			deliver_at INTEGER,
			status TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			metadata TEXT NOT NULL DEFAULT '{}'
		)`,
		`CREATE INDEX IF NOT EXISTS idx_envelopes_to_status_deliver ON envelopes(to_addr, status, deliver_at, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_envelopes_from ON envelopes(from_addr)`,
		`CREATE TABLE IF NOT EXISTS agents (
			name TEXT PRIMARY KEY,
			token TEXT NOT NULL UNIQUE,
			description TEXT NOT NULL DEFAULT '',
			workspace TEXT NOT NULL DEFAULT '',
			provider TEXT NOT NULL DEFAULT '{}',
			permission INTEGER NOT NULL,
			session_policy TEXT NOT NULL DEFAULT '{}',
			metadata TEXT NOT NULL DEFAULT '{}',
			created_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS bindings (
			agent_name TEXT NOT NULL,
			adapter_type TEXT NOT NULL,
			adapter_token TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			PRIMARY KEY (adapter_type, adapter_token)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_bindings_agent ON bindings(agent_name)`,
		`CREATE TABLE IF NOT EXISTS cron_schedules (
			id TEXT PRIMARY KEY,
			agent_name TEXT NOT NULL,
			cron TEXT NOT NULL,
			timezone TEXT NOT NULL DEFAULT '',
			enabled INTEGER NOT NULL DEFAULT 1,
			pending_envelope_id TEXT,
			to_addr TEXT NOT NULL,
			text TEXT NOT NULL DEFAULT '',
			attachments TEXT NOT NULL DEFAULT '[]',
			metadata TEXT NOT NULL DEFAULT '{}',
			created_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS runs (
			id TEXT PRIMARY KEY,
			agent_name TEXT NOT NULL,
			started_at INTEGER NOT NULL,
			completed_at INTEGER,
			processed_envelopes TEXT NOT NULL DEFAULT '[]',
			final_response TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			error TEXT NOT NULL DEFAULT '',
			context_length INTEGER
		)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_agent_status ON runs(agent_name, status)`,
		`CREATE TABLE IF NOT EXISTS config (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("store: init schema: %w", err)
		}
	}
	return nil
}

// InTransaction runs fn inside a single SQL transaction, used for setup
// reconciliation and multi-row advancement (spec §4.1).
func (s *Store) InTransaction(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return hiberr.New(hiberr.Internal, "begin transaction: %v", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return hiberr.New(hiberr.Internal, "commit transaction: %v", err)
	}
	return nil
}

func nowMs() int64 { return time.Now().UTC().UnixMilli() }

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique") || strings.Contains(msg, "constraint")
}
