// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Package localstore is the on-device relational store for Habistat data:
// calendars, habits, completions, activity records, the user profile, and
// the sync metadata (per-entity watermarks, the durable deletion queue,
// deletion tombstones, and mutation tracking for the sync scheduler).
//
// The local store is the sole source of truth while offline. Correlation
// with the remote replica happens exclusively through each record's
// local_uuid; SQLite row ids never leave this package.
package localstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// Store owns the SQLite database and hands out per-entity accessors.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open opens (or creates) the database at path and initializes the schema.
func Open(path string, logger *slog.Logger) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	store, err := NewStore(db, logger)
	if err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

// NewStore wraps an existing database handle and initializes the schema.
func NewStore(db *sql.DB, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := initializeDatabase(db); err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	return &Store{db: db, logger: logger}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

// DB exposes the handle for advanced callers and tests.
func (s *Store) DB() *sql.DB { return s.db }

// Per-entity accessors.
func (s *Store) Calendars() *CalendarStore     { return &CalendarStore{s} }
func (s *Store) Habits() *HabitStore           { return &HabitStore{s} }
func (s *Store) Completions() *CompletionStore { return &CompletionStore{s} }
func (s *Store) Activity() *ActivityStore      { return &ActivityStore{s} }
func (s *Store) Profile() *ProfileStore        { return &ProfileStore{s} }

func initializeDatabase(db *sql.DB) error {
	// WAL keeps readers unblocked while a sync pass writes.
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		return fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA foreign_keys=ON`); err != nil {
		return fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	tables := []string{
		`CREATE TABLE IF NOT EXISTS calendars (
			local_id        INTEGER PRIMARY KEY AUTOINCREMENT,
			local_uuid      TEXT NOT NULL UNIQUE,
			owner_principal TEXT,
			name            TEXT NOT NULL,
			color_theme     TEXT NOT NULL DEFAULT '',
			position        INTEGER NOT NULL DEFAULT 0,
			is_enabled      INTEGER NOT NULL DEFAULT 1,
			created_at      INTEGER NOT NULL,
			updated_at      INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS calendars_changed_idx ON calendars(updated_at)`,

		`CREATE TABLE IF NOT EXISTS habits (
			local_id                INTEGER PRIMARY KEY AUTOINCREMENT,
			local_uuid              TEXT NOT NULL UNIQUE,
			owner_principal         TEXT,
			calendar_uuid           TEXT NOT NULL,
			name                    TEXT NOT NULL,
			description             TEXT NOT NULL DEFAULT '',
			kind                    TEXT NOT NULL DEFAULT 'positive' CHECK (kind IN ('positive','negative')),
			timer_enabled           INTEGER NOT NULL DEFAULT 0,
			target_duration_seconds INTEGER NOT NULL DEFAULT 0,
			points_value            INTEGER NOT NULL DEFAULT 0,
			position                INTEGER NOT NULL DEFAULT 0,
			is_enabled              INTEGER NOT NULL DEFAULT 1,
			created_at              INTEGER NOT NULL,
			updated_at              INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS habits_changed_idx ON habits(updated_at)`,
		`CREATE INDEX IF NOT EXISTS habits_calendar_idx ON habits(calendar_uuid)`,

		`CREATE TABLE IF NOT EXISTS completions (
			local_id        INTEGER PRIMARY KEY AUTOINCREMENT,
			local_uuid      TEXT NOT NULL UNIQUE,
			owner_principal TEXT,
			habit_uuid      TEXT NOT NULL,
			completed_at    INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS completions_changed_idx ON completions(completed_at)`,
		`CREATE INDEX IF NOT EXISTS completions_habit_idx ON completions(habit_uuid)`,

		// At most one activity record per (owner, date). COALESCE folds the
		// anonymous (NULL owner) rows into one uniqueness domain, since
		// SQLite treats NULLs as distinct in unique indexes.
		`CREATE TABLE IF NOT EXISTS activity_records (
			local_id        INTEGER PRIMARY KEY AUTOINCREMENT,
			local_uuid      TEXT NOT NULL UNIQUE,
			owner_principal TEXT,
			date            TEXT NOT NULL,
			created_at      INTEGER NOT NULL,
			updated_at      INTEGER NOT NULL
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS activity_owner_date_idx
			ON activity_records(COALESCE(owner_principal, ''), date)`,
		`CREATE INDEX IF NOT EXISTS activity_changed_idx ON activity_records(updated_at)`,

		// Singleton profile row. first_ever_opened_at is set exactly once,
		// before any remote association.
		`CREATE TABLE IF NOT EXISTS user_profile (
			id                   INTEGER PRIMARY KEY CHECK (id = 1),
			owner_principal      TEXT,
			display_name         TEXT NOT NULL DEFAULT '',
			first_ever_opened_at INTEGER NOT NULL DEFAULT 0,
			updated_at           INTEGER NOT NULL DEFAULT 0
		)`,

		// Sync metadata. Watermarks are keyed by principal so switching
		// accounts on one device re-triggers initial import for the new
		// principal.
		`CREATE TABLE IF NOT EXISTS sync_watermarks (
			entity_type  TEXT NOT NULL,
			principal    TEXT NOT NULL,
			last_sync_at INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (entity_type, principal)
		)`,

		`CREATE TABLE IF NOT EXISTS sync_deletion_queue (
			entity_type TEXT NOT NULL,
			local_uuid  TEXT NOT NULL,
			queued_at   INTEGER NOT NULL,
			PRIMARY KEY (entity_type, local_uuid)
		)`,

		// Tombstones outlive the deletion queue so a stale pull cannot
		// resurrect a record the user deleted.
		`CREATE TABLE IF NOT EXISTS sync_tombstones (
			entity_type TEXT NOT NULL,
			local_uuid  TEXT NOT NULL,
			deleted_at  INTEGER NOT NULL,
			PRIMARY KEY (entity_type, local_uuid)
		)`,

		// Last user-facing mutation per entity type. Sync applies do not
		// update this table; the scheduler compares it against watermarks
		// to skip ticks with nothing to push.
		`CREATE TABLE IF NOT EXISTS sync_touch (
			entity_type     TEXT PRIMARY KEY,
			last_mutated_at INTEGER NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS sync_device (
			id        INTEGER PRIMARY KEY CHECK (id = 1),
			source_id TEXT NOT NULL
		)`,
	}

	for _, table := range tables {
		if _, err := db.Exec(table); err != nil {
			return fmt.Errorf("failed to create table: %w", err)
		}
	}
	return nil
}

// EnsureSourceID generates and persists this device's source ID on first use.
func (s *Store) EnsureSourceID(ctx context.Context) (string, error) {
	var sourceID string
	err := s.db.QueryRowContext(ctx, `SELECT source_id FROM sync_device WHERE id = 1`).Scan(&sourceID)
	if errors.Is(err, sql.ErrNoRows) {
		sourceID = uuid.New().String()
		if _, err := s.db.ExecContext(ctx, `INSERT INTO sync_device (id, source_id) VALUES (1, ?)`, sourceID); err != nil {
			return "", fmt.Errorf("failed to persist source ID: %w", err)
		}
		return sourceID, nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to query source ID: %w", err)
	}
	return sourceID, nil
}

func nowMs() int64 { return time.Now().UnixMilli() }

// ownerArg maps the wire representation (empty string = anonymous) to the
// nullable column.
func ownerArg(owner string) any {
	if owner == "" {
		return nil
	}
	return owner
}

func ownerValue(owner sql.NullString) string {
	if owner.Valid {
		return owner.String
	}
	return ""
}

// touch records a user-facing mutation for the scheduler, inside the same
// transaction as the mutation itself.
func touch(ctx context.Context, tx *sql.Tx, entityType string) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO sync_touch (entity_type, last_mutated_at) VALUES (?, ?)
		ON CONFLICT (entity_type) DO UPDATE SET last_mutated_at = excluded.last_mutated_at
	`, entityType, nowMs())
	if err != nil {
		return fmt.Errorf("failed to record mutation: %w", err)
	}
	return nil
}
