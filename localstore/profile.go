// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package localstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/ilyaizen/habistat-sub002/syncserver"
)

// ProfileStore manages the singleton user profile row. Two fields sync:
// display_name merges last-write-wins, first_ever_opened_at is set once and
// never changes afterwards, even across reinstalls.
type ProfileStore struct {
	s *Store
}

// Get returns the profile, creating the empty singleton row on first call.
func (ps *ProfileStore) Get(ctx context.Context) (syncserver.UserProfile, error) {
	var p syncserver.UserProfile
	var owner sql.NullString
	err := ps.s.db.QueryRowContext(ctx, `
		SELECT owner_principal, display_name, first_ever_opened_at, updated_at
		FROM user_profile WHERE id = 1
	`).Scan(&owner, &p.DisplayName, &p.FirstEverOpenedAt, &p.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		if _, err := ps.s.db.ExecContext(ctx, `
			INSERT INTO user_profile (id) VALUES (1) ON CONFLICT (id) DO NOTHING
		`); err != nil {
			return syncserver.UserProfile{}, fmt.Errorf("failed to create profile row: %w", err)
		}
		return syncserver.UserProfile{}, nil
	}
	if err != nil {
		return syncserver.UserProfile{}, fmt.Errorf("failed to query profile: %w", err)
	}
	p.Owner = ownerValue(owner)
	return p, nil
}

// EnsureFirstOpened records the first-ever app open. A later call with any
// timestamp is a no-op once the field is set.
func (ps *ProfileStore) EnsureFirstOpened(ctx context.Context, at int64) error {
	tx, err := ps.s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO user_profile (id) VALUES (1) ON CONFLICT (id) DO NOTHING
	`); err != nil {
		return fmt.Errorf("failed to create profile row: %w", err)
	}
	res, err := tx.ExecContext(ctx, `
		UPDATE user_profile SET first_ever_opened_at = ?, updated_at = ?
		WHERE id = 1 AND first_ever_opened_at = 0
	`, at, nowMs())
	if err != nil {
		return fmt.Errorf("failed to set first-opened time: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		if err := touch(ctx, tx, syncserver.EntityProfile); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit profile update: %w", err)
	}
	return nil
}

// SetDisplayName updates the display name and bumps the LWW timestamp.
func (ps *ProfileStore) SetDisplayName(ctx context.Context, name string) error {
	tx, err := ps.s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO user_profile (id) VALUES (1) ON CONFLICT (id) DO NOTHING
	`); err != nil {
		return fmt.Errorf("failed to create profile row: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE user_profile SET display_name = ?, updated_at = ? WHERE id = 1
	`, name, nowMs()); err != nil {
		return fmt.Errorf("failed to set display name: %w", err)
	}
	if err := touch(ctx, tx, syncserver.EntityProfile); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit profile update: %w", err)
	}
	return nil
}

// MergeRemote folds the server's copy of the profile into the local row:
// display_name by LWW, first_ever_opened_at by first-write-wins. Returns
// the merged profile.
func (ps *ProfileStore) MergeRemote(ctx context.Context, remote syncserver.UserProfile) (syncserver.UserProfile, error) {
	tx, err := ps.s.db.BeginTx(ctx, nil)
	if err != nil {
		return syncserver.UserProfile{}, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO user_profile (id) VALUES (1) ON CONFLICT (id) DO NOTHING
	`); err != nil {
		return syncserver.UserProfile{}, fmt.Errorf("failed to create profile row: %w", err)
	}

	var local syncserver.UserProfile
	var owner sql.NullString
	err = tx.QueryRowContext(ctx, `
		SELECT owner_principal, display_name, first_ever_opened_at, updated_at
		FROM user_profile WHERE id = 1
	`).Scan(&owner, &local.DisplayName, &local.FirstEverOpenedAt, &local.UpdatedAt)
	if err != nil {
		return syncserver.UserProfile{}, fmt.Errorf("failed to query profile: %w", err)
	}
	local.Owner = ownerValue(owner)

	merged := local
	merged.Owner = remote.Owner
	if remote.UpdatedAt > local.UpdatedAt {
		merged.DisplayName = remote.DisplayName
		merged.UpdatedAt = remote.UpdatedAt
	}
	if merged.FirstEverOpenedAt == 0 && remote.FirstEverOpenedAt > 0 {
		merged.FirstEverOpenedAt = remote.FirstEverOpenedAt
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE user_profile
		SET owner_principal = ?, display_name = ?, first_ever_opened_at = ?, updated_at = ?
		WHERE id = 1
	`, ownerArg(merged.Owner), merged.DisplayName, merged.FirstEverOpenedAt, merged.UpdatedAt); err != nil {
		return syncserver.UserProfile{}, fmt.Errorf("failed to merge profile: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return syncserver.UserProfile{}, fmt.Errorf("failed to commit profile merge: %w", err)
	}
	return merged, nil
}
