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

// ErrNotFound is returned by Get-style lookups for absent records.
var ErrNotFound = errors.New("record not found")

// CalendarStore provides calendar CRUD for the UI layer and the local sync
// adapter surface for the engine. UI mutations are recorded in sync_touch;
// sync applies are not, so merged remote data never re-triggers a sync tick.
type CalendarStore struct {
	s *Store
}

// CalendarRow is a calendar with its local row id. The row id never leaves
// the device.
type CalendarRow struct {
	LocalID int64
	syncserver.Calendar
}

const calendarColumns = `local_id, local_uuid, owner_principal, name, color_theme, position, is_enabled, created_at, updated_at`

func scanCalendar(row interface{ Scan(...any) error }) (CalendarRow, error) {
	var c CalendarRow
	var owner sql.NullString
	err := row.Scan(&c.LocalID, &c.LocalUUID, &owner, &c.Name, &c.ColorTheme,
		&c.Position, &c.IsEnabled, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return CalendarRow{}, err
	}
	c.Owner = ownerValue(owner)
	return c, nil
}

// List returns all calendars in display order.
func (cs *CalendarStore) List(ctx context.Context) ([]CalendarRow, error) {
	rows, err := cs.s.db.QueryContext(ctx, `
		SELECT `+calendarColumns+` FROM calendars ORDER BY position, created_at
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query calendars: %w", err)
	}
	defer rows.Close()

	var out []CalendarRow
	for rows.Next() {
		c, err := scanCalendar(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan calendar: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate calendars: %w", err)
	}
	return out, nil
}

// Get looks a calendar up by correlation key.
func (cs *CalendarStore) Get(ctx context.Context, localUUID string) (*CalendarRow, error) {
	row := cs.s.db.QueryRowContext(ctx, `
		SELECT `+calendarColumns+` FROM calendars WHERE local_uuid = ?
	`, localUUID)
	c, err := scanCalendar(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get calendar: %w", err)
	}
	return &c, nil
}

// Create inserts a new calendar. New records start unowned; the first push
// after sign-in stamps the owner principal.
func (cs *CalendarStore) Create(ctx context.Context, name, colorTheme string, position int) (*CalendarRow, error) {
	now := nowMs()
	c := CalendarRow{Calendar: syncserver.Calendar{
		LocalUUID:  uuid.New().String(),
		Name:       name,
		ColorTheme: colorTheme,
		Position:   position,
		IsEnabled:  true,
		CreatedAt:  now,
		UpdatedAt:  now,
	}}

	tx, err := cs.s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO calendars (local_uuid, owner_principal, name, color_theme, position, is_enabled, created_at, updated_at)
		VALUES (?, NULL, ?, ?, ?, 1, ?, ?)
	`, c.LocalUUID, c.Name, c.ColorTheme, c.Position, c.CreatedAt, c.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to insert calendar: %w", err)
	}
	if c.LocalID, err = res.LastInsertId(); err != nil {
		return nil, fmt.Errorf("failed to read calendar row id: %w", err)
	}
	if err := touch(ctx, tx, syncserver.EntityCalendars); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit calendar insert: %w", err)
	}
	return &c, nil
}

// Update rewrites a calendar's mutable fields and bumps its LWW timestamp.
func (cs *CalendarStore) Update(ctx context.Context, c syncserver.Calendar) error {
	tx, err := cs.s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE calendars SET name = ?, color_theme = ?, position = ?, is_enabled = ?, updated_at = ?
		WHERE local_uuid = ?
	`, c.Name, c.ColorTheme, c.Position, c.IsEnabled, nowMs(), c.LocalUUID)
	if err != nil {
		return fmt.Errorf("failed to update calendar: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	if err := touch(ctx, tx, syncserver.EntityCalendars); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit calendar update: %w", err)
	}
	return nil
}

// Delete removes a calendar locally and queues the remote delete. Safe to
// call while offline; the deletion queue drains on the next sync cycle.
func (cs *CalendarStore) Delete(ctx context.Context, localUUID string) (bool, error) {
	return deleteLocal(ctx, cs.s, "calendars", syncserver.EntityCalendars, localUUID)
}

// ListChangedSince returns records changed after the watermark that belong
// to the principal or are not yet associated with any principal.
func (cs *CalendarStore) ListChangedSince(ctx context.Context, principal string, since int64) ([]syncserver.Calendar, error) {
	rows, err := cs.s.db.QueryContext(ctx, `
		SELECT `+calendarColumns+` FROM calendars
		WHERE updated_at > ? AND (owner_principal IS NULL OR owner_principal = ?)
		ORDER BY updated_at
	`, since, principal)
	if err != nil {
		return nil, fmt.Errorf("failed to query changed calendars: %w", err)
	}
	defer rows.Close()

	var out []syncserver.Calendar
	for rows.Next() {
		c, err := scanCalendar(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan calendar: %w", err)
		}
		out = append(out, c.Calendar)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate changed calendars: %w", err)
	}
	return out, nil
}

// Upsert applies a remote record under the LWW rule: overwrite only when the
// incoming timestamp is strictly greater. A tombstone at or past the
// incoming timestamp means a local delete wins and the record stays gone.
func (cs *CalendarStore) Upsert(ctx context.Context, c syncserver.Calendar) (syncserver.UpsertOutcome, error) {
	return applyRemote(ctx, cs.s, syncserver.EntityCalendars, c.LocalUUID, c.UpdatedAt, false, func(ctx context.Context, tx *sql.Tx) error {
		return writeCalendar(ctx, tx, c)
	})
}

// ForceUpsert applies a remote record unconditionally (initial import).
func (cs *CalendarStore) ForceUpsert(ctx context.Context, c syncserver.Calendar) error {
	_, err := applyRemote(ctx, cs.s, syncserver.EntityCalendars, c.LocalUUID, c.UpdatedAt, true, func(ctx context.Context, tx *sql.Tx) error {
		return writeCalendar(ctx, tx, c)
	})
	return err
}

func writeCalendar(ctx context.Context, tx *sql.Tx, c syncserver.Calendar) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO calendars (local_uuid, owner_principal, name, color_theme, position, is_enabled, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (local_uuid) DO UPDATE SET
			owner_principal = excluded.owner_principal,
			name = excluded.name,
			color_theme = excluded.color_theme,
			position = excluded.position,
			is_enabled = excluded.is_enabled,
			updated_at = excluded.updated_at
	`, c.LocalUUID, ownerArg(c.Owner), c.Name, c.ColorTheme, c.Position, c.IsEnabled, c.CreatedAt, c.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to write calendar: %w", err)
	}
	return nil
}

// DeleteByCorrelationKey removes a record without queueing a remote delete;
// this is the sync-side delete, idempotent by contract.
func (cs *CalendarStore) DeleteByCorrelationKey(ctx context.Context, localUUID string) (bool, error) {
	res, err := cs.s.db.ExecContext(ctx, `DELETE FROM calendars WHERE local_uuid = ?`, localUUID)
	if err != nil {
		return false, fmt.Errorf("failed to delete calendar: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// AdoptOwner stamps the principal on records pushed during their first
// association.
func (cs *CalendarStore) AdoptOwner(ctx context.Context, localUUIDs []string, principal string) error {
	return adoptOwner(ctx, cs.s, "calendars", localUUIDs, principal)
}
