// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package syncserver

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// initializeSchemaInTx creates the sync tables within an existing transaction.
// DDL is idempotent; the service runs it on every startup.
func (s *Service) initializeSchemaInTx(ctx context.Context, tx pgx.Tx) error {
	migrations := []string{
		/*language=postgresql*/ `CREATE SCHEMA IF NOT EXISTS habistat`,

		// One row per synced record, payload-agnostic. The correlation key
		// (local_uuid) joins the record to its on-device counterpart; the
		// natural key enforces at-most-one-record-per-key invariants such as
		// one activity record per (owner, date). updated_at_ms is the
		// client-assigned LWW timestamp; received_at_ms is the server clock
		// at write time and orders the changes-since feed.
		/*language=postgresql*/ `CREATE TABLE IF NOT EXISTS habistat.entity_state (
			owner_principal TEXT   NOT NULL,
			entity_type     TEXT   NOT NULL,
			local_uuid      UUID   NOT NULL,
			natural_key     TEXT   NOT NULL,
			payload         JSONB  NOT NULL,
			updated_at_ms   BIGINT NOT NULL,
			received_at_ms  BIGINT NOT NULL,
			PRIMARY KEY (owner_principal, entity_type, local_uuid)
		)`,

		/*language=postgresql*/ `CREATE UNIQUE INDEX IF NOT EXISTS entity_state_natural_key_idx
			ON habistat.entity_state (owner_principal, entity_type, natural_key)`,

		/*language=postgresql*/ `CREATE INDEX IF NOT EXISTS entity_state_changed_since_idx
			ON habistat.entity_state (owner_principal, entity_type, received_at_ms, local_uuid)`,

		// Profile singleton per principal. first_ever_opened_at_ms is
		// first-write-wins: 0 means unset, and a non-zero value is never
		// overwritten.
		/*language=postgresql*/ `CREATE TABLE IF NOT EXISTS habistat.user_profile (
			owner_principal         TEXT   PRIMARY KEY,
			display_name            TEXT   NOT NULL DEFAULT '',
			first_ever_opened_at_ms BIGINT NOT NULL DEFAULT 0,
			updated_at_ms           BIGINT NOT NULL DEFAULT 0
		)`,
	}

	for _, migration := range migrations {
		if _, err := tx.Exec(ctx, migration); err != nil {
			return fmt.Errorf("failed to execute migration: %w", err)
		}
	}

	return nil
}
