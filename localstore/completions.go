// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package localstore

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"

	"github.com/ilyaizen/habistat-sub002/syncserver"
)

// CompletionStore provides completion recording and the completion sync
// adapter surface. Completions are immutable once recorded; completed_at
// doubles as the LWW timestamp so a duplicated pull is always a no-op.
type CompletionStore struct {
	s *Store
}

// CompletionRow is a completion with its local row id.
type CompletionRow struct {
	LocalID int64
	syncserver.Completion
}

const completionColumns = `local_id, local_uuid, owner_principal, habit_uuid, completed_at`

func scanCompletion(row interface{ Scan(...any) error }) (CompletionRow, error) {
	var c CompletionRow
	var owner sql.NullString
	err := row.Scan(&c.LocalID, &c.LocalUUID, &owner, &c.HabitUUID, &c.CompletedAt)
	if err != nil {
		return CompletionRow{}, err
	}
	c.Owner = ownerValue(owner)
	return c, nil
}

// ListByHabit returns a habit's completions, newest first.
func (cs *CompletionStore) ListByHabit(ctx context.Context, habitUUID string) ([]CompletionRow, error) {
	rows, err := cs.s.db.QueryContext(ctx, `
		SELECT `+completionColumns+` FROM completions
		WHERE habit_uuid = ? ORDER BY completed_at DESC
	`, habitUUID)
	if err != nil {
		return nil, fmt.Errorf("failed to query completions: %w", err)
	}
	defer rows.Close()

	var out []CompletionRow
	for rows.Next() {
		c, err := scanCompletion(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan completion: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate completions: %w", err)
	}
	return out, nil
}

// Record inserts a completion for a habit at the given moment.
func (cs *CompletionStore) Record(ctx context.Context, habitUUID string, completedAt int64) (*CompletionRow, error) {
	c := CompletionRow{Completion: syncserver.Completion{
		LocalUUID:   uuid.New().String(),
		HabitUUID:   habitUUID,
		CompletedAt: completedAt,
	}}

	tx, err := cs.s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO completions (local_uuid, owner_principal, habit_uuid, completed_at)
		VALUES (?, NULL, ?, ?)
	`, c.LocalUUID, c.HabitUUID, c.CompletedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to insert completion: %w", err)
	}
	if c.LocalID, err = res.LastInsertId(); err != nil {
		return nil, fmt.Errorf("failed to read completion row id: %w", err)
	}
	if err := touch(ctx, tx, syncserver.EntityCompletions); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit completion insert: %w", err)
	}
	return &c, nil
}

// Delete removes a completion locally (undo) and queues the remote delete.
func (cs *CompletionStore) Delete(ctx context.Context, localUUID string) (bool, error) {
	return deleteLocal(ctx, cs.s, "completions", syncserver.EntityCompletions, localUUID)
}

// ListChangedSince returns records changed after the watermark that belong
// to the principal or are not yet associated with any principal.
func (cs *CompletionStore) ListChangedSince(ctx context.Context, principal string, since int64) ([]syncserver.Completion, error) {
	rows, err := cs.s.db.QueryContext(ctx, `
		SELECT `+completionColumns+` FROM completions
		WHERE completed_at > ? AND (owner_principal IS NULL OR owner_principal = ?)
		ORDER BY completed_at
	`, since, principal)
	if err != nil {
		return nil, fmt.Errorf("failed to query changed completions: %w", err)
	}
	defer rows.Close()

	var out []syncserver.Completion
	for rows.Next() {
		c, err := scanCompletion(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan completion: %w", err)
		}
		out = append(out, c.Completion)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate changed completions: %w", err)
	}
	return out, nil
}

// Upsert applies a remote record under the LWW rule.
func (cs *CompletionStore) Upsert(ctx context.Context, c syncserver.Completion) (syncserver.UpsertOutcome, error) {
	return applyRemote(ctx, cs.s, syncserver.EntityCompletions, c.LocalUUID, c.CompletedAt, false, func(ctx context.Context, tx *sql.Tx) error {
		return writeCompletion(ctx, tx, c)
	})
}

// ForceUpsert applies a remote record unconditionally (initial import).
func (cs *CompletionStore) ForceUpsert(ctx context.Context, c syncserver.Completion) error {
	_, err := applyRemote(ctx, cs.s, syncserver.EntityCompletions, c.LocalUUID, c.CompletedAt, true, func(ctx context.Context, tx *sql.Tx) error {
		return writeCompletion(ctx, tx, c)
	})
	return err
}

func writeCompletion(ctx context.Context, tx *sql.Tx, c syncserver.Completion) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO completions (local_uuid, owner_principal, habit_uuid, completed_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (local_uuid) DO UPDATE SET
			owner_principal = excluded.owner_principal,
			habit_uuid = excluded.habit_uuid,
			completed_at = excluded.completed_at
	`, c.LocalUUID, ownerArg(c.Owner), c.HabitUUID, c.CompletedAt)
	if err != nil {
		return fmt.Errorf("failed to write completion: %w", err)
	}
	return nil
}

// DeleteByCorrelationKey removes a record without queueing a remote delete.
func (cs *CompletionStore) DeleteByCorrelationKey(ctx context.Context, localUUID string) (bool, error) {
	res, err := cs.s.db.ExecContext(ctx, `DELETE FROM completions WHERE local_uuid = ?`, localUUID)
	if err != nil {
		return false, fmt.Errorf("failed to delete completion: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// AdoptOwner stamps the principal on records pushed during their first
// association.
func (cs *CompletionStore) AdoptOwner(ctx context.Context, localUUIDs []string, principal string) error {
	return adoptOwner(ctx, cs.s, "completions", localUUIDs, principal)
}
