// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package localstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/ilyaizen/habistat-sub002/syncserver"
)

// entityTables maps entity types to their table and conflict-timestamp
// column. Activity records resolve conflicts by natural key and have their
// own apply path in activity.go.
var entityTables = map[string]struct {
	table    string
	tsColumn string
}{
	syncserver.EntityCalendars:   {"calendars", "updated_at"},
	syncserver.EntityHabits:      {"habits", "updated_at"},
	syncserver.EntityCompletions: {"completions", "completed_at"},
	syncserver.EntityActivity:    {"activity_records", "updated_at"},
}

// applyRemote runs the shared merge protocol for a record arriving from the
// remote store: tombstone check, LWW comparison against the stored conflict
// timestamp, then the entity-specific write - all in one transaction so a
// concurrent user edit cannot slip between the read and the write. force
// skips both guards (initial import: the remote copy wins unconditionally).
func applyRemote(ctx context.Context, s *Store, entityType, localUUID string, incomingTS int64, force bool, write func(context.Context, *sql.Tx) error) (syncserver.UpsertOutcome, error) {
	meta, ok := entityTables[entityType]
	if !ok {
		return "", fmt.Errorf("unknown entity type %q", entityType)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if !force {
		deletedAt, err := tombstoneDeletedAt(ctx, tx, entityType, localUUID)
		if err != nil {
			return "", err
		}
		if deletedAt > 0 && deletedAt >= incomingTS {
			// The local delete is at least as recent; deletion wins.
			return syncserver.OutcomeUnchanged, nil
		}
	}
	if err := clearTombstone(ctx, tx, entityType, localUUID); err != nil {
		return "", err
	}

	var storedTS int64
	err = tx.QueryRowContext(ctx,
		`SELECT `+meta.tsColumn+` FROM `+meta.table+` WHERE local_uuid = ?`, localUUID,
	).Scan(&storedTS)
	exists := err == nil
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("failed to query stored timestamp: %w", err)
	}

	if exists && !force && incomingTS <= storedTS {
		return syncserver.OutcomeUnchanged, nil
	}

	if err := write(ctx, tx); err != nil {
		return "", err
	}
	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("failed to commit remote apply: %w", err)
	}

	if exists {
		return syncserver.OutcomeUpdated, nil
	}
	return syncserver.OutcomeCreated, nil
}

// deleteLocal removes a record on behalf of the user: the row goes away now,
// a tombstone guards against resurrection by stale pulls, and the deletion
// queue carries the remote delete across offline gaps.
func deleteLocal(ctx context.Context, s *Store, table, entityType, localUUID string) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `DELETE FROM `+table+` WHERE local_uuid = ?`, localUUID)
	if err != nil {
		return false, fmt.Errorf("failed to delete from %s: %w", table, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return false, nil
	}
	if err := recordDeletion(ctx, tx, entityType, localUUID); err != nil {
		return false, err
	}
	if err := touch(ctx, tx, entityType); err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit delete: %w", err)
	}
	return true, nil
}

// adoptOwner stamps the principal on still-unowned records after their first
// successful push. Deliberately leaves the LWW timestamp alone: association
// is sync bookkeeping, not a user edit.
func adoptOwner(ctx context.Context, s *Store, table string, localUUIDs []string, principal string) error {
	if len(localUUIDs) == 0 {
		return nil
	}
	placeholders := strings.Repeat("?,", len(localUUIDs)-1) + "?"
	args := make([]any, 0, len(localUUIDs)+1)
	args = append(args, principal)
	for _, id := range localUUIDs {
		args = append(args, id)
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE `+table+` SET owner_principal = ?
		WHERE local_uuid IN (`+placeholders+`) AND owner_principal IS NULL
	`, args...)
	if err != nil {
		return fmt.Errorf("failed to adopt owner on %s: %w", table, err)
	}
	return nil
}
