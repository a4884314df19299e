// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package localstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/ilyaizen/habistat-sub002/syncserver"
)

// ActivityStore tracks app-open activity, one record per day. Activity
// resolves conflicts by natural key (the date) rather than by correlation
// key alone: two devices that each minted a record for the same day must
// converge on a single row, with the correlation key following the winner.
type ActivityStore struct {
	s *Store
}

// ActivityRow is an activity record with its local row id.
type ActivityRow struct {
	LocalID int64
	syncserver.ActivityRecord
}

const activityColumns = `local_id, local_uuid, owner_principal, date, created_at, updated_at`

func scanActivity(row interface{ Scan(...any) error }) (ActivityRow, error) {
	var a ActivityRow
	var owner sql.NullString
	err := row.Scan(&a.LocalID, &a.LocalUUID, &owner, &a.Date, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return ActivityRow{}, err
	}
	a.Owner = ownerValue(owner)
	return a, nil
}

// RecordOpen marks the given day as active. Idempotent per day: the first
// call of a day creates the record, later calls only bump the timestamp.
func (as *ActivityStore) RecordOpen(ctx context.Context, date string) (*ActivityRow, error) {
	tx, err := as.s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := nowMs()
	row := tx.QueryRowContext(ctx, `
		SELECT `+activityColumns+` FROM activity_records
		WHERE date = ? AND owner_principal IS NULL
	`, date)
	a, err := scanActivity(row)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		a = ActivityRow{ActivityRecord: syncserver.ActivityRecord{
			LocalUUID: uuid.New().String(),
			Date:      date,
			CreatedAt: now,
			UpdatedAt: now,
		}}
		res, err := tx.ExecContext(ctx, `
			INSERT INTO activity_records (local_uuid, owner_principal, date, created_at, updated_at)
			VALUES (?, NULL, ?, ?, ?)
		`, a.LocalUUID, a.Date, a.CreatedAt, a.UpdatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to insert activity record: %w", err)
		}
		if a.LocalID, err = res.LastInsertId(); err != nil {
			return nil, fmt.Errorf("failed to read activity row id: %w", err)
		}
	case err != nil:
		return nil, fmt.Errorf("failed to query activity record: %w", err)
	default:
		a.UpdatedAt = now
		_, err = tx.ExecContext(ctx, `
			UPDATE activity_records SET updated_at = ? WHERE local_uuid = ?
		`, now, a.LocalUUID)
		if err != nil {
			return nil, fmt.Errorf("failed to update activity record: %w", err)
		}
	}
	if err := touch(ctx, tx, syncserver.EntityActivity); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit activity record: %w", err)
	}
	return &a, nil
}

// ListRange returns activity records between two dates, inclusive.
func (as *ActivityStore) ListRange(ctx context.Context, from, to string) ([]ActivityRow, error) {
	rows, err := as.s.db.QueryContext(ctx, `
		SELECT `+activityColumns+` FROM activity_records
		WHERE date >= ? AND date <= ? ORDER BY date
	`, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to query activity records: %w", err)
	}
	defer rows.Close()

	var out []ActivityRow
	for rows.Next() {
		a, err := scanActivity(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan activity record: %w", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate activity records: %w", err)
	}
	return out, nil
}

// Delete removes an activity record locally and queues the remote delete.
func (as *ActivityStore) Delete(ctx context.Context, localUUID string) (bool, error) {
	return deleteLocal(ctx, as.s, "activity_records", syncserver.EntityActivity, localUUID)
}

// ListChangedSince returns records changed after the watermark that belong
// to the principal or are not yet associated with any principal.
func (as *ActivityStore) ListChangedSince(ctx context.Context, principal string, since int64) ([]syncserver.ActivityRecord, error) {
	rows, err := as.s.db.QueryContext(ctx, `
		SELECT `+activityColumns+` FROM activity_records
		WHERE updated_at > ? AND (owner_principal IS NULL OR owner_principal = ?)
		ORDER BY updated_at
	`, since, principal)
	if err != nil {
		return nil, fmt.Errorf("failed to query changed activity records: %w", err)
	}
	defer rows.Close()

	var out []syncserver.ActivityRecord
	for rows.Next() {
		a, err := scanActivity(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan activity record: %w", err)
		}
		out = append(out, a.ActivityRecord)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate changed activity records: %w", err)
	}
	return out, nil
}

// Upsert applies a remote record under the LWW rule. Unlike the other
// entities, the existing row is located by date: a locally minted record
// for the same day is replaced outright when the remote one wins, and its
// correlation key is discarded with it.
func (as *ActivityStore) Upsert(ctx context.Context, a syncserver.ActivityRecord) (syncserver.UpsertOutcome, error) {
	return as.apply(ctx, a, false)
}

// ForceUpsert applies a remote record unconditionally (initial import).
func (as *ActivityStore) ForceUpsert(ctx context.Context, a syncserver.ActivityRecord) error {
	_, err := as.apply(ctx, a, true)
	return err
}

func (as *ActivityStore) apply(ctx context.Context, a syncserver.ActivityRecord, force bool) (syncserver.UpsertOutcome, error) {
	tx, err := as.s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if !force {
		deletedAt, err := tombstoneDeletedAt(ctx, tx, syncserver.EntityActivity, a.LocalUUID)
		if err != nil {
			return "", err
		}
		if deletedAt > 0 && deletedAt >= a.UpdatedAt {
			return syncserver.OutcomeUnchanged, nil
		}
	}
	if err := clearTombstone(ctx, tx, syncserver.EntityActivity, a.LocalUUID); err != nil {
		return "", err
	}

	// Natural-key lookup: an unowned local row for the same date is the
	// same logical day and must collapse into one record.
	existing, err := scanActivity(tx.QueryRowContext(ctx, `
		SELECT `+activityColumns+` FROM activity_records
		WHERE date = ? AND (owner_principal IS NULL OR owner_principal = ?)
	`, a.Date, a.Owner))
	switch {
	case errors.Is(err, sql.ErrNoRows):
		_, err = tx.ExecContext(ctx, `
			INSERT INTO activity_records (local_uuid, owner_principal, date, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?)
		`, a.LocalUUID, ownerArg(a.Owner), a.Date, a.CreatedAt, a.UpdatedAt)
		if err != nil {
			return "", fmt.Errorf("failed to insert activity record: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return "", fmt.Errorf("failed to commit activity apply: %w", err)
		}
		return syncserver.OutcomeCreated, nil
	case err != nil:
		return "", fmt.Errorf("failed to query activity record: %w", err)
	}

	if !force && a.UpdatedAt <= existing.UpdatedAt {
		return syncserver.OutcomeUnchanged, nil
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE activity_records
		SET local_uuid = ?, owner_principal = ?, created_at = ?, updated_at = ?
		WHERE local_id = ?
	`, a.LocalUUID, ownerArg(a.Owner), a.CreatedAt, a.UpdatedAt, existing.LocalID)
	if err != nil {
		return "", fmt.Errorf("failed to update activity record: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("failed to commit activity apply: %w", err)
	}
	return syncserver.OutcomeUpdated, nil
}

// DeleteByCorrelationKey removes a record without queueing a remote delete.
func (as *ActivityStore) DeleteByCorrelationKey(ctx context.Context, localUUID string) (bool, error) {
	res, err := as.s.db.ExecContext(ctx, `DELETE FROM activity_records WHERE local_uuid = ?`, localUUID)
	if err != nil {
		return false, fmt.Errorf("failed to delete activity record: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// AdoptOwner stamps the principal on records pushed during their first
// association.
func (as *ActivityStore) AdoptOwner(ctx context.Context, localUUIDs []string, principal string) error {
	return adoptOwner(ctx, as.s, "activity_records", localUUIDs, principal)
}
