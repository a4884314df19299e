// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Package syncserver implements the remote multi-tenant store for the
// Habistat sync engine: a payload-agnostic, principal-scoped record store on
// PostgreSQL with Last-Write-Wins upserts, keyset-paginated changes-since
// queries, and idempotent deletes.
package syncserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Sentinel errors mapped to HTTP status codes by the handlers.
var (
	ErrUnknownEntity = errors.New("unknown entity type")
	ErrBadPayload    = errors.New("bad payload")
)

// RegisteredEntity declares one entity type the service accepts. The service
// never interprets payloads beyond the three declared fields, mirroring how
// the client's local store owns the full record shape.
type RegisteredEntity struct {
	Name            string // e.g. "calendars"
	NaturalKeyField string // payload field forming the per-owner unique key; empty means the correlation key
	TimestampField  string // payload field carrying the conflict timestamp; empty means "updated_at"
}

// DefaultEntities registers the four Habistat entity types.
func DefaultEntities() []RegisteredEntity {
	return []RegisteredEntity{
		{Name: EntityCalendars},
		{Name: EntityHabits},
		{Name: EntityCompletions, TimestampField: "completed_at"},
		{Name: EntityActivity, NaturalKeyField: "date"},
	}
}

// ServiceConfig holds configuration for the sync service.
type ServiceConfig struct {
	AppName      string
	Entities     []RegisteredEntity
	MaxBatchSize int // maximum items per batch upsert (0 = default 500)
	MaxPageSize  int // maximum items per changes page (0 = default 500)
}

// Service provides the server half of the sync contract. All operations are
// scoped to the authenticated principal passed by the HTTP layer; the service
// itself never reads tokens.
type Service struct {
	pool     *pgxpool.Pool
	logger   *slog.Logger
	config   *ServiceConfig
	entities map[string]RegisteredEntity
}

// NewService creates the service and initializes the database schema.
func NewService(pool *pgxpool.Pool, config *ServiceConfig, logger *slog.Logger) (*Service, error) {
	if config == nil {
		config = &ServiceConfig{AppName: "habisyncd", Entities: DefaultEntities()}
	}
	if logger == nil {
		logger = slog.Default()
	}
	if config.MaxBatchSize <= 0 {
		config.MaxBatchSize = 500
	}
	if config.MaxPageSize <= 0 {
		config.MaxPageSize = 500
	}

	s := &Service{
		pool:     pool,
		logger:   logger,
		config:   config,
		entities: make(map[string]RegisteredEntity, len(config.Entities)),
	}
	for _, e := range config.Entities {
		s.entities[e.Name] = e
	}

	ctx := context.Background()
	if err := pgx.BeginFunc(ctx, pool, func(tx pgx.Tx) error {
		return s.initializeSchemaInTx(ctx, tx)
	}); err != nil {
		return nil, fmt.Errorf("failed to initialize sync schema: %w", err)
	}

	return s, nil
}

// Pool returns the underlying connection pool for advanced callers.
func (s *Service) Pool() *pgxpool.Pool { return s.pool }

// Entities returns the registered entity type names in sync order.
func (s *Service) Entities() []string {
	names := make([]string, 0, len(s.entities))
	for _, name := range SyncOrder {
		if _, ok := s.entities[name]; ok {
			names = append(names, name)
		}
	}
	return names
}

// parsedItem is an upload item after field extraction.
type parsedItem struct {
	localUUID  string
	naturalKey string
	timestamp  int64
	payload    []byte
}

// parseItem extracts the correlation key, natural key and conflict timestamp
// from a raw payload and stamps the owner principal into it. The owner field
// always comes from the token, never from the client body.
func (s *Service) parseItem(entity RegisteredEntity, principal string, raw json.RawMessage) (parsedItem, error) {
	var fields map[string]any
	if err := json.Unmarshal(raw, &fields); err != nil {
		return parsedItem{}, fmt.Errorf("%w: %v", ErrBadPayload, err)
	}

	id, _ := fields["local_uuid"].(string)
	parsed, err := uuid.Parse(id)
	if err != nil {
		return parsedItem{}, fmt.Errorf("%w: local_uuid is not a UUID", ErrBadPayload)
	}

	tsField := entity.TimestampField
	if tsField == "" {
		tsField = "updated_at"
	}
	tsVal, ok := fields[tsField].(float64)
	if !ok || tsVal <= 0 {
		return parsedItem{}, fmt.Errorf("%w: missing %s timestamp", ErrBadPayload, tsField)
	}

	naturalKey := parsed.String()
	if entity.NaturalKeyField != "" {
		nk, ok := fields[entity.NaturalKeyField].(string)
		if !ok || nk == "" {
			return parsedItem{}, fmt.Errorf("%w: missing %s natural key", ErrBadPayload, entity.NaturalKeyField)
		}
		naturalKey = nk
	}

	fields["owner"] = principal
	payload, err := json.Marshal(fields)
	if err != nil {
		return parsedItem{}, fmt.Errorf("failed to marshal stamped payload: %w", err)
	}

	return parsedItem{
		localUUID:  parsed.String(),
		naturalKey: naturalKey,
		timestamp:  int64(tsVal),
		payload:    payload,
	}, nil
}

const stmtEntityUpsert = "s_entity_upsert"

// entityUpsertSQL applies the LWW rule in a single statement: insert, or
// overwrite the natural-key row only when the incoming timestamp is strictly
// greater. The correlation key moves with the winning record, which is how a
// superseded activity record for the same date gets absorbed. No row back
// means the stored record won (unchanged).
const entityUpsertSQL = `
INSERT INTO habistat.entity_state AS t
	(owner_principal, entity_type, local_uuid, natural_key, payload, updated_at_ms, received_at_ms)
VALUES ($1, $2, $3::uuid, $4, $5::jsonb, $6, $7)
ON CONFLICT (owner_principal, entity_type, natural_key) DO UPDATE
SET local_uuid     = EXCLUDED.local_uuid,
	payload        = EXCLUDED.payload,
	updated_at_ms  = EXCLUDED.updated_at_ms,
	received_at_ms = EXCLUDED.received_at_ms
WHERE EXCLUDED.updated_at_ms > t.updated_at_ms
RETURNING (xmax = 0) AS inserted`

// BatchUpsert applies a batch of records for one entity type atomically and
// reports a per-item outcome in request order.
func (s *Service) BatchUpsert(ctx context.Context, principal, entityName string, items []json.RawMessage) (*BatchUpsertResponse, error) {
	entity, ok := s.entities[entityName]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownEntity, entityName)
	}
	if len(items) > s.config.MaxBatchSize {
		return nil, fmt.Errorf("%w: batch of %d exceeds limit %d", ErrBadPayload, len(items), s.config.MaxBatchSize)
	}

	parsed := make([]parsedItem, len(items))
	for i, raw := range items {
		p, err := s.parseItem(entity, principal, raw)
		if err != nil {
			return nil, fmt.Errorf("item %d: %w", i, err)
		}
		parsed[i] = p
	}

	statuses := make([]UpsertStatus, len(parsed))
	receivedAt := time.Now().UnixMilli()

	err := pgx.BeginTxFunc(ctx, s.pool, pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadWrite}, func(tx pgx.Tx) error {
		if _, err := tx.Prepare(ctx, stmtEntityUpsert, entityUpsertSQL); err != nil {
			return fmt.Errorf("failed to prepare upsert statement: %w", err)
		}
		for i, item := range parsed {
			var inserted bool
			err := tx.QueryRow(ctx, stmtEntityUpsert,
				principal, entityName, item.localUUID, item.naturalKey,
				item.payload, item.timestamp, receivedAt,
			).Scan(&inserted)
			switch {
			case errors.Is(err, pgx.ErrNoRows):
				statuses[i] = UpsertStatus{LocalUUID: item.localUUID, Outcome: OutcomeUnchanged}
			case err != nil:
				return fmt.Errorf("failed to upsert %s/%s: %w", entityName, item.localUUID, err)
			case inserted:
				statuses[i] = UpsertStatus{LocalUUID: item.localUUID, Outcome: OutcomeCreated}
			default:
				statuses[i] = UpsertStatus{LocalUUID: item.localUUID, Outcome: OutcomeUpdated}
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to process batch upsert: %w", err)
	}

	return &BatchUpsertResponse{Statuses: statuses}, nil
}

// ListChangedSince returns one page of records whose server receive time is
// at or past the watermark, ordered by (received_at_ms, local_uuid). An empty
// next cursor means no more pages.
func (s *Service) ListChangedSince(ctx context.Context, principal, entityName string, since int64, cursor string, limit int) (*ChangesPage[json.RawMessage], error) {
	if _, ok := s.entities[entityName]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownEntity, entityName)
	}
	if limit <= 0 || limit > s.config.MaxPageSize {
		limit = s.config.MaxPageSize
	}
	cur, err := decodeCursor(cursor)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadPayload, err)
	}

	// First page starts at the watermark; subsequent pages resume strictly
	// after the cursor tuple.
	const q = `
SELECT payload, received_at_ms, local_uuid::text
FROM habistat.entity_state
WHERE owner_principal = $1
  AND entity_type = $2
  AND (
    ($3::text = '' AND received_at_ms >= $4)
    OR ($3::text <> '' AND (received_at_ms, local_uuid::text) > ($5, $3))
  )
ORDER BY received_at_ms, local_uuid
LIMIT $6 + 1`

	rows, err := s.pool.Query(ctx, q, principal, entityName, cur.LocalUUID, since, cur.ReceivedAt, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query changes page: %w", err)
	}
	defer rows.Close()

	page := &ChangesPage[json.RawMessage]{Items: []json.RawMessage{}}
	var last pageCursor
	for rows.Next() {
		var payload []byte
		var receivedAt int64
		var localUUID string
		if err := rows.Scan(&payload, &receivedAt, &localUUID); err != nil {
			return nil, fmt.Errorf("failed to scan changes row: %w", err)
		}
		if len(page.Items) == limit {
			// The extra row only signals another page exists.
			page.NextCursor = encodeCursor(last)
			break
		}
		page.Items = append(page.Items, json.RawMessage(payload))
		last = pageCursor{ReceivedAt: receivedAt, LocalUUID: localUUID}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate changes page: %w", err)
	}

	return page, nil
}

// DeleteByCorrelationKey removes a record. Deleting an absent record reports
// deleted=false, never an error, so the client's deletion queue drain is
// idempotent.
func (s *Service) DeleteByCorrelationKey(ctx context.Context, principal, entityName, localUUID string) (bool, error) {
	if _, ok := s.entities[entityName]; !ok {
		return false, fmt.Errorf("%w: %s", ErrUnknownEntity, entityName)
	}
	parsed, err := uuid.Parse(localUUID)
	if err != nil {
		return false, fmt.Errorf("%w: local_uuid is not a UUID", ErrBadPayload)
	}

	tag, err := s.pool.Exec(ctx, `
		DELETE FROM habistat.entity_state
		WHERE owner_principal = $1 AND entity_type = $2 AND local_uuid = $3::uuid
	`, principal, entityName, parsed.String())
	if err != nil {
		return false, fmt.Errorf("failed to delete %s/%s: %w", entityName, localUUID, err)
	}
	return tag.RowsAffected() > 0, nil
}

// GetProfile returns the principal's profile, or an empty profile when none
// has been written yet.
func (s *Service) GetProfile(ctx context.Context, principal string) (*UserProfile, error) {
	p := &UserProfile{Owner: principal}
	err := s.pool.QueryRow(ctx, `
		SELECT display_name, first_ever_opened_at_ms, updated_at_ms
		FROM habistat.user_profile WHERE owner_principal = $1
	`, principal).Scan(&p.DisplayName, &p.FirstEverOpenedAt, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return p, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query profile: %w", err)
	}
	return p, nil
}

// MergeProfile merges an incoming profile write and returns the stored state.
// first_ever_opened_at is first-write-wins (it records a historical fact);
// the remaining fields follow the standard LWW rule on updated_at.
func (s *Service) MergeProfile(ctx context.Context, principal string, incoming *UserProfile) (*UserProfile, error) {
	merged := &UserProfile{Owner: principal}
	err := s.pool.QueryRow(ctx, `
		INSERT INTO habistat.user_profile AS t
			(owner_principal, display_name, first_ever_opened_at_ms, updated_at_ms)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (owner_principal) DO UPDATE
		SET display_name = CASE WHEN EXCLUDED.updated_at_ms > t.updated_at_ms
				THEN EXCLUDED.display_name ELSE t.display_name END,
			updated_at_ms = GREATEST(t.updated_at_ms, EXCLUDED.updated_at_ms),
			first_ever_opened_at_ms = CASE WHEN t.first_ever_opened_at_ms = 0
				THEN EXCLUDED.first_ever_opened_at_ms ELSE t.first_ever_opened_at_ms END
		RETURNING display_name, first_ever_opened_at_ms, updated_at_ms
	`, principal, incoming.DisplayName, incoming.FirstEverOpenedAt, incoming.UpdatedAt).
		Scan(&merged.DisplayName, &merged.FirstEverOpenedAt, &merged.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to merge profile: %w", err)
	}
	return merged, nil
}
