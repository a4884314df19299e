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

// HabitStore provides habit CRUD and the habit sync adapter surface.
type HabitStore struct {
	s *Store
}

// HabitRow is a habit with its local row id.
type HabitRow struct {
	LocalID int64
	syncserver.Habit
}

const habitColumns = `local_id, local_uuid, owner_principal, calendar_uuid, name, description, kind, timer_enabled, target_duration_seconds, points_value, position, is_enabled, created_at, updated_at`

func scanHabit(row interface{ Scan(...any) error }) (HabitRow, error) {
	var h HabitRow
	var owner sql.NullString
	err := row.Scan(&h.LocalID, &h.LocalUUID, &owner, &h.CalendarUUID, &h.Name,
		&h.Description, &h.Kind, &h.TimerEnabled, &h.TargetDurationSeconds,
		&h.PointsValue, &h.Position, &h.IsEnabled, &h.CreatedAt, &h.UpdatedAt)
	if err != nil {
		return HabitRow{}, err
	}
	h.Owner = ownerValue(owner)
	return h, nil
}

// ListByCalendar returns a calendar's habits in display order.
func (hs *HabitStore) ListByCalendar(ctx context.Context, calendarUUID string) ([]HabitRow, error) {
	rows, err := hs.s.db.QueryContext(ctx, `
		SELECT `+habitColumns+` FROM habits WHERE calendar_uuid = ? ORDER BY position, created_at
	`, calendarUUID)
	if err != nil {
		return nil, fmt.Errorf("failed to query habits: %w", err)
	}
	defer rows.Close()

	var out []HabitRow
	for rows.Next() {
		h, err := scanHabit(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan habit: %w", err)
		}
		out = append(out, h)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate habits: %w", err)
	}
	return out, nil
}

// Get looks a habit up by correlation key.
func (hs *HabitStore) Get(ctx context.Context, localUUID string) (*HabitRow, error) {
	row := hs.s.db.QueryRowContext(ctx, `
		SELECT `+habitColumns+` FROM habits WHERE local_uuid = ?
	`, localUUID)
	h, err := scanHabit(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get habit: %w", err)
	}
	return &h, nil
}

// Create inserts a new habit into a calendar.
func (hs *HabitStore) Create(ctx context.Context, h syncserver.Habit) (*HabitRow, error) {
	now := nowMs()
	row := HabitRow{Habit: h}
	row.LocalUUID = uuid.New().String()
	row.Owner = ""
	row.CreatedAt = now
	row.UpdatedAt = now

	tx, err := hs.s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO habits (local_uuid, owner_principal, calendar_uuid, name, description, kind, timer_enabled, target_duration_seconds, points_value, position, is_enabled, created_at, updated_at)
		VALUES (?, NULL, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, row.LocalUUID, row.CalendarUUID, row.Name, row.Description, row.Kind,
		row.TimerEnabled, row.TargetDurationSeconds, row.PointsValue,
		row.Position, row.IsEnabled, row.CreatedAt, row.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to insert habit: %w", err)
	}
	if row.LocalID, err = res.LastInsertId(); err != nil {
		return nil, fmt.Errorf("failed to read habit row id: %w", err)
	}
	if err := touch(ctx, tx, syncserver.EntityHabits); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit habit insert: %w", err)
	}
	return &row, nil
}

// Update rewrites a habit's mutable fields and bumps its LWW timestamp.
func (hs *HabitStore) Update(ctx context.Context, h syncserver.Habit) error {
	tx, err := hs.s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE habits SET calendar_uuid = ?, name = ?, description = ?, kind = ?,
			timer_enabled = ?, target_duration_seconds = ?, points_value = ?,
			position = ?, is_enabled = ?, updated_at = ?
		WHERE local_uuid = ?
	`, h.CalendarUUID, h.Name, h.Description, h.Kind, h.TimerEnabled,
		h.TargetDurationSeconds, h.PointsValue, h.Position, h.IsEnabled,
		nowMs(), h.LocalUUID)
	if err != nil {
		return fmt.Errorf("failed to update habit: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	if err := touch(ctx, tx, syncserver.EntityHabits); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit habit update: %w", err)
	}
	return nil
}

// Delete removes a habit locally and queues the remote delete.
func (hs *HabitStore) Delete(ctx context.Context, localUUID string) (bool, error) {
	return deleteLocal(ctx, hs.s, "habits", syncserver.EntityHabits, localUUID)
}

// ListChangedSince returns records changed after the watermark that belong
// to the principal or are not yet associated with any principal.
func (hs *HabitStore) ListChangedSince(ctx context.Context, principal string, since int64) ([]syncserver.Habit, error) {
	rows, err := hs.s.db.QueryContext(ctx, `
		SELECT `+habitColumns+` FROM habits
		WHERE updated_at > ? AND (owner_principal IS NULL OR owner_principal = ?)
		ORDER BY updated_at
	`, since, principal)
	if err != nil {
		return nil, fmt.Errorf("failed to query changed habits: %w", err)
	}
	defer rows.Close()

	var out []syncserver.Habit
	for rows.Next() {
		h, err := scanHabit(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan habit: %w", err)
		}
		out = append(out, h.Habit)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate changed habits: %w", err)
	}
	return out, nil
}

// Upsert applies a remote record under the LWW rule.
func (hs *HabitStore) Upsert(ctx context.Context, h syncserver.Habit) (syncserver.UpsertOutcome, error) {
	return applyRemote(ctx, hs.s, syncserver.EntityHabits, h.LocalUUID, h.UpdatedAt, false, func(ctx context.Context, tx *sql.Tx) error {
		return writeHabit(ctx, tx, h)
	})
}

// ForceUpsert applies a remote record unconditionally (initial import).
func (hs *HabitStore) ForceUpsert(ctx context.Context, h syncserver.Habit) error {
	_, err := applyRemote(ctx, hs.s, syncserver.EntityHabits, h.LocalUUID, h.UpdatedAt, true, func(ctx context.Context, tx *sql.Tx) error {
		return writeHabit(ctx, tx, h)
	})
	return err
}

func writeHabit(ctx context.Context, tx *sql.Tx, h syncserver.Habit) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO habits (local_uuid, owner_principal, calendar_uuid, name, description, kind, timer_enabled, target_duration_seconds, points_value, position, is_enabled, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (local_uuid) DO UPDATE SET
			owner_principal = excluded.owner_principal,
			calendar_uuid = excluded.calendar_uuid,
			name = excluded.name,
			description = excluded.description,
			kind = excluded.kind,
			timer_enabled = excluded.timer_enabled,
			target_duration_seconds = excluded.target_duration_seconds,
			points_value = excluded.points_value,
			position = excluded.position,
			is_enabled = excluded.is_enabled,
			updated_at = excluded.updated_at
	`, h.LocalUUID, ownerArg(h.Owner), h.CalendarUUID, h.Name, h.Description,
		h.Kind, h.TimerEnabled, h.TargetDurationSeconds, h.PointsValue,
		h.Position, h.IsEnabled, h.CreatedAt, h.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to write habit: %w", err)
	}
	return nil
}

// DeleteByCorrelationKey removes a record without queueing a remote delete.
func (hs *HabitStore) DeleteByCorrelationKey(ctx context.Context, localUUID string) (bool, error) {
	res, err := hs.s.db.ExecContext(ctx, `DELETE FROM habits WHERE local_uuid = ?`, localUUID)
	if err != nil {
		return false, fmt.Errorf("failed to delete habit: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// AdoptOwner stamps the principal on records pushed during their first
// association.
func (hs *HabitStore) AdoptOwner(ctx context.Context, localUUIDs []string, principal string) error {
	return adoptOwner(ctx, hs.s, "habits", localUUIDs, principal)
}
