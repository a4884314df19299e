// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package syncserver

// Entity record models shared by the local and remote store adapters.
//
// These are the wire shapes: the client's SQLite row ids never appear here.
// The correlation key (LocalUUID) is the only identifier both replicas share.
// All timestamps are epoch milliseconds assigned by the client clock at the
// moment of mutation.

// Calendar is a group of habits with a display theme and ordering position.
type Calendar struct {
	LocalUUID  string `json:"local_uuid"`
	Owner      string `json:"owner,omitempty"` // empty for anonymous/offline-only records
	Name       string `json:"name"`
	ColorTheme string `json:"color_theme"`
	Position   int    `json:"position"`
	IsEnabled  bool   `json:"is_enabled"`
	CreatedAt  int64  `json:"created_at"`
	UpdatedAt  int64  `json:"updated_at"`
}

func (c Calendar) CorrelationKey() string { return c.LocalUUID }
func (c Calendar) NaturalKey() string { return c.LocalUUID }
func (c Calendar) ConflictTimestamp() int64 { return c.UpdatedAt }
func (c Calendar) OwnerPrincipal() string { return c.Owner }

// HabitKind distinguishes build-up habits from break-bad-habit ones.
const (
	HabitKindPositive = "positive"
	HabitKindNegative = "negative"
)

// Habit belongs to a calendar, referenced by the calendar's correlation key.
type Habit struct {
	LocalUUID             string `json:"local_uuid"`
	Owner                 string `json:"owner,omitempty"`
	CalendarUUID          string `json:"calendar_uuid"`
	Name                  string `json:"name"`
	Description           string `json:"description,omitempty"`
	Kind                  string `json:"kind"` // positive | negative
	TimerEnabled          bool   `json:"timer_enabled"`
	TargetDurationSeconds int64  `json:"target_duration_seconds,omitempty"`
	PointsValue           int    `json:"points_value"`
	Position              int    `json:"position"`
	IsEnabled             bool   `json:"is_enabled"`
	CreatedAt             int64  `json:"created_at"`
	UpdatedAt             int64  `json:"updated_at"`
}

func (h Habit) CorrelationKey() string { return h.LocalUUID }
func (h Habit) NaturalKey() string { return h.LocalUUID }
func (h Habit) ConflictTimestamp() int64 { return h.UpdatedAt }
func (h Habit) OwnerPrincipal() string { return h.Owner }

// Completion records a single habit completion event. The completion
// timestamp doubles as the conflict timestamp: completions are immutable
// facts, so the latest-written one for a correlation key simply wins.
type Completion struct {
	LocalUUID   string `json:"local_uuid"`
	Owner       string `json:"owner,omitempty"`
	HabitUUID   string `json:"habit_uuid"`
	CompletedAt int64  `json:"completed_at"`
}

func (c Completion) CorrelationKey() string { return c.LocalUUID }
func (c Completion) NaturalKey() string { return c.LocalUUID }
func (c Completion) ConflictTimestamp() int64 { return c.CompletedAt }
func (c Completion) OwnerPrincipal() string { return c.Owner }

// ActivityRecord marks that the app was opened on a given calendar date.
// At most one record may exist per (owner, date); when two devices create a
// record for the same day independently the natural key is the date, not the
// correlation key, and the most recently written record supersedes the other.
type ActivityRecord struct {
	LocalUUID string `json:"local_uuid"`
	Owner     string `json:"owner,omitempty"`
	Date      string `json:"date"` // YYYY-MM-DD, local calendar date
	CreatedAt int64  `json:"created_at"`
	UpdatedAt int64  `json:"updated_at"`
}

func (a ActivityRecord) CorrelationKey() string { return a.LocalUUID }
func (a ActivityRecord) NaturalKey() string { return a.Date }
func (a ActivityRecord) ConflictTimestamp() int64 { return a.UpdatedAt }
func (a ActivityRecord) OwnerPrincipal() string { return a.Owner }

// UserProfile is a singleton per principal. FirstEverOpenedAt models a
// historical fact and is first-write-wins on the server; every other field
// follows the normal LWW rule via UpdatedAt.
type UserProfile struct {
	Owner             string `json:"owner,omitempty"`
	DisplayName       string `json:"display_name,omitempty"`
	FirstEverOpenedAt int64  `json:"first_ever_opened_at,omitempty"`
	UpdatedAt         int64  `json:"updated_at"`
}
