// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package syncserver

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// legacyColorThemes maps raw hex colors written by pre-theme app builds to
// the named themes the current record shape expects.
var legacyColorThemes = map[string]string{
	"#ef4444": "red",
	"#f97316": "orange",
	"#eab308": "yellow",
	"#22c55e": "green",
	"#14b8a6": "teal",
	"#3b82f6": "blue",
	"#8b5cf6": "violet",
	"#ec4899": "pink",
}

// MigrateLegacyColors rewrites calendar payloads that still carry a legacy
// hex color_theme. One-shot administrative maintenance across all tenants;
// never part of the steady-state sync loop. The LWW timestamp is left alone
// so the rewrite does not race client edits - clients pick the change up
// through the receive-time feed.
func (s *Service) MigrateLegacyColors(ctx context.Context) (*MigrateLegacyColorsResult, error) {
	result := &MigrateLegacyColorsResult{}

	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if err := tx.QueryRow(ctx, `
			SELECT COUNT(*) FROM habistat.entity_state WHERE entity_type = $1
		`, EntityCalendars).Scan(&result.CalendarsScanned); err != nil {
			return fmt.Errorf("failed to count calendars: %w", err)
		}

		for hex, theme := range legacyColorThemes {
			tag, err := tx.Exec(ctx, `
				UPDATE habistat.entity_state
				SET payload = jsonb_set(payload, '{color_theme}', to_jsonb($3::text)),
					received_at_ms = (extract(epoch FROM clock_timestamp()) * 1000)::bigint
				WHERE entity_type = $1 AND payload->>'color_theme' = $2
			`, EntityCalendars, hex, theme)
			if err != nil {
				return fmt.Errorf("failed to migrate color %s: %w", hex, err)
			}
			result.CalendarsUpdated += tag.RowsAffected()
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("legacy color migration failed: %w", err)
	}

	s.logger.Info("legacy color migration complete",
		"scanned", result.CalendarsScanned, "updated", result.CalendarsUpdated)
	return result, nil
}
