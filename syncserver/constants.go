// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package syncserver

// Entity type constants. The order calendars -> habits -> completions ->
// activity matters to the client engine (habits reference calendars by
// correlation key) and is defined once here.
const (
	EntityCalendars   = "calendars"
	EntityHabits      = "habits"
	EntityCompletions = "completions"
	EntityActivity    = "activity"
)

// SyncOrder is the fixed dependency order entity synchronizers run in.
var SyncOrder = []string{EntityCalendars, EntityHabits, EntityCompletions, EntityActivity}

// EntityProfile names the singleton profile in sync metadata. It is not an
// entity collection and never appears in SyncOrder.
const EntityProfile = "profile"

// UpsertOutcome reports what an upsert-by-correlation-key did.
type UpsertOutcome string

const (
	OutcomeCreated   UpsertOutcome = "created"
	OutcomeUpdated   UpsertOutcome = "updated"
	OutcomeUnchanged UpsertOutcome = "unchanged"
)

// Error codes used in the JSON error envelope.
const (
	CodeAuthenticationFailed = "authentication_failed"
	CodeInvalidRequest       = "invalid_request"
	CodeUnknownEntity        = "unknown_entity"
	CodeRateLimited          = "rate_limited"
	CodeInternalError        = "internal_error"
)
