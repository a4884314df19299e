// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package localstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// PendingDeletion is one queued remote deletion awaiting confirmation.
type PendingDeletion struct {
	EntityType string
	LocalUUID  string
	QueuedAt   int64
}

// Watermark returns the last successful sync timestamp for an entity type
// and principal. Zero means never synced, which triggers initial-import mode.
func (s *Store) Watermark(ctx context.Context, entityType, principal string) (int64, error) {
	var at int64
	err := s.db.QueryRowContext(ctx, `
		SELECT last_sync_at FROM sync_watermarks WHERE entity_type = ? AND principal = ?
	`, entityType, principal).Scan(&at)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to query watermark: %w", err)
	}
	return at, nil
}

// SetWatermark advances the watermark. Watermarks never move backwards.
func (s *Store) SetWatermark(ctx context.Context, entityType, principal string, at int64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_watermarks (entity_type, principal, last_sync_at) VALUES (?, ?, ?)
		ON CONFLICT (entity_type, principal) DO UPDATE
		SET last_sync_at = MAX(last_sync_at, excluded.last_sync_at)
	`, entityType, principal, at)
	if err != nil {
		return fmt.Errorf("failed to set watermark: %w", err)
	}
	return nil
}

// LastMutatedAt returns when the entity type last saw a user-facing mutation.
func (s *Store) LastMutatedAt(ctx context.Context, entityType string) (int64, error) {
	var at int64
	err := s.db.QueryRowContext(ctx, `
		SELECT last_mutated_at FROM sync_touch WHERE entity_type = ?
	`, entityType).Scan(&at)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to query mutation time: %w", err)
	}
	return at, nil
}

// PendingDeletions lists queued remote deletions in enqueue order.
func (s *Store) PendingDeletions(ctx context.Context) ([]PendingDeletion, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT entity_type, local_uuid, queued_at FROM sync_deletion_queue ORDER BY queued_at
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query deletion queue: %w", err)
	}
	defer rows.Close()

	var pending []PendingDeletion
	for rows.Next() {
		var d PendingDeletion
		if err := rows.Scan(&d.EntityType, &d.LocalUUID, &d.QueuedAt); err != nil {
			return nil, fmt.Errorf("failed to scan deletion entry: %w", err)
		}
		pending = append(pending, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate deletion queue: %w", err)
	}
	return pending, nil
}

// RemoveDeletion clears a queue entry once the remote delete is confirmed,
// including the degenerate already-absent case.
func (s *Store) RemoveDeletion(ctx context.Context, entityType, localUUID string) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM sync_deletion_queue WHERE entity_type = ? AND local_uuid = ?
	`, entityType, localUUID)
	if err != nil {
		return fmt.Errorf("failed to remove deletion entry: %w", err)
	}
	return nil
}

// recordDeletion writes the tombstone and queue entry for a local delete,
// inside the transaction that removed the row.
func recordDeletion(ctx context.Context, tx *sql.Tx, entityType, localUUID string) error {
	now := nowMs()
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO sync_tombstones (entity_type, local_uuid, deleted_at) VALUES (?, ?, ?)
		ON CONFLICT (entity_type, local_uuid) DO UPDATE SET deleted_at = excluded.deleted_at
	`, entityType, localUUID, now); err != nil {
		return fmt.Errorf("failed to write tombstone: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO sync_deletion_queue (entity_type, local_uuid, queued_at) VALUES (?, ?, ?)
		ON CONFLICT (entity_type, local_uuid) DO UPDATE SET queued_at = excluded.queued_at
	`, entityType, localUUID, now); err != nil {
		return fmt.Errorf("failed to enqueue deletion: %w", err)
	}
	return nil
}

// tombstoneDeletedAt returns the tombstone time for a correlation key, or 0.
func tombstoneDeletedAt(ctx context.Context, tx *sql.Tx, entityType, localUUID string) (int64, error) {
	var deletedAt int64
	err := tx.QueryRowContext(ctx, `
		SELECT deleted_at FROM sync_tombstones WHERE entity_type = ? AND local_uuid = ?
	`, entityType, localUUID).Scan(&deletedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to query tombstone: %w", err)
	}
	return deletedAt, nil
}

func clearTombstone(ctx context.Context, tx *sql.Tx, entityType, localUUID string) error {
	if _, err := tx.ExecContext(ctx, `
		DELETE FROM sync_tombstones WHERE entity_type = ? AND local_uuid = ?
	`, entityType, localUUID); err != nil {
		return fmt.Errorf("failed to clear tombstone: %w", err)
	}
	return nil
}
