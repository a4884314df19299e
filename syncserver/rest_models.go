// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package syncserver

// REST/JSON models for the sync HTTP API. The client engine imports these
// directly so both sides serialize the exact same shapes.

// ChangesPage is one page of a changes-since query. NextCursor is opaque to
// the client; an empty cursor means the server has no more pages.
type ChangesPage[T any] struct {
	Items      []T    `json:"items"`
	NextCursor string `json:"next_cursor,omitempty"`
}

// BatchUpsertRequest uploads a batch of records for one entity type.
// The owner principal is taken from the bearer token, never from the body.
type BatchUpsertRequest[T any] struct {
	Items []T `json:"items"`
}

// UpsertStatus is the per-record result of a batch upsert.
type UpsertStatus struct {
	LocalUUID string        `json:"local_uuid"`
	Outcome   UpsertOutcome `json:"outcome"`
}

// BatchUpsertResponse mirrors the request order, one status per item.
type BatchUpsertResponse struct {
	Statuses []UpsertStatus `json:"statuses"`
}

// DeleteRequest removes a record by correlation key.
type DeleteRequest struct {
	LocalUUID string `json:"local_uuid"`
}

// DeleteResponse reports whether a record was actually removed. Deleting an
// absent record is not an error; it reports deleted=false.
type DeleteResponse struct {
	Deleted bool `json:"deleted"`
}

// ErrorResponse is the JSON error envelope for all non-2xx responses.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// StatusResponse reports service health for diagnostics.
type StatusResponse struct {
	Status   string   `json:"status"`
	AppName  string   `json:"app_name"`
	Entities []string `json:"entities"`
}

// MigrateLegacyColorsResult reports the outcome of the one-shot legacy color
// migration. This is an out-of-band administrative operation, not part of the
// steady-state sync loop.
type MigrateLegacyColorsResult struct {
	CalendarsScanned int64 `json:"calendars_scanned"`
	CalendarsUpdated int64 `json:"calendars_updated"`
}
