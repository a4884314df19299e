// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package localstore

import (
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ilyaizen/habistat-sub002/syncserver"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:", slog.Default())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestCalendarCRUD(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	cs := s.Calendars()

	c, err := cs.Create(ctx, "Health", "emerald", 0)
	require.NoError(t, err)
	require.NotEmpty(t, c.LocalUUID)
	require.Empty(t, c.Owner, "new records start unowned")

	got, err := cs.Get(ctx, c.LocalUUID)
	require.NoError(t, err)
	require.Equal(t, "Health", got.Name)

	got.Name = "Fitness"
	require.NoError(t, cs.Update(ctx, got.Calendar))

	got2, err := cs.Get(ctx, c.LocalUUID)
	require.NoError(t, err)
	require.Equal(t, "Fitness", got2.Name)
	require.Greater(t, got2.UpdatedAt, int64(0))

	_, err = cs.Get(ctx, "00000000-0000-0000-0000-000000000000")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestUpsertLWW(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	cs := s.Calendars()

	base := syncserver.Calendar{
		LocalUUID: "11111111-1111-1111-1111-111111111111",
		Owner:     "alice",
		Name:      "Work",
		CreatedAt: 100,
		UpdatedAt: 200,
	}

	outcome, err := cs.Upsert(ctx, base)
	require.NoError(t, err)
	require.Equal(t, syncserver.OutcomeCreated, outcome)

	// Older timestamp loses; the stored record must not change.
	stale := base
	stale.Name = "Stale"
	stale.UpdatedAt = 150
	outcome, err = cs.Upsert(ctx, stale)
	require.NoError(t, err)
	require.Equal(t, syncserver.OutcomeUnchanged, outcome)

	got, err := cs.Get(ctx, base.LocalUUID)
	require.NoError(t, err)
	require.Equal(t, "Work", got.Name)

	// Equal timestamp is also a no-op; only strictly newer wins.
	tie := base
	tie.Name = "Tie"
	outcome, err = cs.Upsert(ctx, tie)
	require.NoError(t, err)
	require.Equal(t, syncserver.OutcomeUnchanged, outcome)

	newer := base
	newer.Name = "Newer"
	newer.UpdatedAt = 300
	outcome, err = cs.Upsert(ctx, newer)
	require.NoError(t, err)
	require.Equal(t, syncserver.OutcomeUpdated, outcome)

	got, err = cs.Get(ctx, base.LocalUUID)
	require.NoError(t, err)
	require.Equal(t, "Newer", got.Name)
	require.Equal(t, int64(300), got.UpdatedAt)
}

func TestForceUpsertOverridesNewerLocal(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	cs := s.Calendars()

	local := syncserver.Calendar{
		LocalUUID: "22222222-2222-2222-2222-222222222222",
		Name:      "Local",
		CreatedAt: 100,
		UpdatedAt: 500,
	}
	_, err := cs.Upsert(ctx, local)
	require.NoError(t, err)

	// Initial import: the server copy wins even with an older timestamp.
	remote := local
	remote.Name = "Server"
	remote.UpdatedAt = 200
	require.NoError(t, cs.ForceUpsert(ctx, remote))

	got, err := cs.Get(ctx, local.LocalUUID)
	require.NoError(t, err)
	require.Equal(t, "Server", got.Name)
	require.Equal(t, int64(200), got.UpdatedAt)
}

func TestDeleteQueuesAndTombstones(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	cs := s.Calendars()

	c, err := cs.Create(ctx, "Doomed", "", 0)
	require.NoError(t, err)

	deleted, err := cs.Delete(ctx, c.LocalUUID)
	require.NoError(t, err)
	require.True(t, deleted)

	pending, err := s.PendingDeletions(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, syncserver.EntityCalendars, pending[0].EntityType)
	require.Equal(t, c.LocalUUID, pending[0].LocalUUID)

	// A stale remote copy must not resurrect the record.
	outcome, err := cs.Upsert(ctx, syncserver.Calendar{
		LocalUUID: c.LocalUUID,
		Name:      "Zombie",
		CreatedAt: c.CreatedAt,
		UpdatedAt: c.UpdatedAt,
	})
	require.NoError(t, err)
	require.Equal(t, syncserver.OutcomeUnchanged, outcome)
	_, err = cs.Get(ctx, c.LocalUUID)
	require.ErrorIs(t, err, ErrNotFound)

	// A genuinely newer remote write postdating the delete comes back.
	outcome, err = cs.Upsert(ctx, syncserver.Calendar{
		LocalUUID: c.LocalUUID,
		Name:      "Reborn",
		CreatedAt: c.CreatedAt,
		UpdatedAt: nowMs() + 60_000,
	})
	require.NoError(t, err)
	require.Equal(t, syncserver.OutcomeCreated, outcome)

	require.NoError(t, s.RemoveDeletion(ctx, syncserver.EntityCalendars, c.LocalUUID))
	pending, err = s.PendingDeletions(ctx)
	require.NoError(t, err)
	require.Empty(t, pending)
}

func TestDeleteMissingRecord(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	deleted, err := s.Calendars().Delete(ctx, "33333333-3333-3333-3333-333333333333")
	require.NoError(t, err)
	require.False(t, deleted)

	pending, err := s.PendingDeletions(ctx)
	require.NoError(t, err)
	require.Empty(t, pending, "absent records do not enqueue deletions")
}

func TestActivityOnePerDay(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	as := s.Activity()

	first, err := as.RecordOpen(ctx, "2026-08-29")
	require.NoError(t, err)
	second, err := as.RecordOpen(ctx, "2026-08-29")
	require.NoError(t, err)
	require.Equal(t, first.LocalUUID, second.LocalUUID)
	_, err = as.RecordOpen(ctx, "2026-08-29")
	require.NoError(t, err)

	rows, err := as.ListRange(ctx, "2026-08-01", "2026-08-31")
	require.NoError(t, err)
	require.Len(t, rows, 1)
}

func TestActivityRemoteCollapsesByDate(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	as := s.Activity()

	local, err := as.RecordOpen(ctx, "2026-08-29")
	require.NoError(t, err)

	// Another device minted its own record for the same day with a newer
	// timestamp; the rows must collapse and the key must follow the winner.
	remote := syncserver.ActivityRecord{
		LocalUUID: "44444444-4444-4444-4444-444444444444",
		Owner:     "alice",
		Date:      "2026-08-29",
		CreatedAt: local.CreatedAt,
		UpdatedAt: local.UpdatedAt + 1000,
	}
	outcome, err := as.Upsert(ctx, remote)
	require.NoError(t, err)
	require.Equal(t, syncserver.OutcomeUpdated, outcome)

	rows, err := as.ListRange(ctx, "2026-08-29", "2026-08-29")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, remote.LocalUUID, rows[0].LocalUUID)
	require.Equal(t, "alice", rows[0].Owner)

	// An older remote record for the same day loses.
	older := remote
	older.LocalUUID = "55555555-5555-5555-5555-555555555555"
	older.UpdatedAt = remote.UpdatedAt - 500
	outcome, err = as.Upsert(ctx, older)
	require.NoError(t, err)
	require.Equal(t, syncserver.OutcomeUnchanged, outcome)

	rows, err = as.ListRange(ctx, "2026-08-29", "2026-08-29")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, remote.LocalUUID, rows[0].LocalUUID)
}

func TestWatermarks(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	at, err := s.Watermark(ctx, syncserver.EntityHabits, "alice")
	require.NoError(t, err)
	require.Zero(t, at, "never-synced means zero watermark")

	require.NoError(t, s.SetWatermark(ctx, syncserver.EntityHabits, "alice", 1000))
	require.NoError(t, s.SetWatermark(ctx, syncserver.EntityHabits, "alice", 500))

	at, err = s.Watermark(ctx, syncserver.EntityHabits, "alice")
	require.NoError(t, err)
	require.Equal(t, int64(1000), at, "watermarks never move backwards")

	// Watermarks are per-principal: a different account starts from zero.
	at, err = s.Watermark(ctx, syncserver.EntityHabits, "bob")
	require.NoError(t, err)
	require.Zero(t, at)
}

func TestListChangedSinceFiltersByOwner(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	cs := s.Calendars()

	mine := syncserver.Calendar{LocalUUID: "66666666-6666-6666-6666-666666666666", Owner: "alice", Name: "Mine", CreatedAt: 10, UpdatedAt: 100}
	theirs := syncserver.Calendar{LocalUUID: "77777777-7777-7777-7777-777777777777", Owner: "bob", Name: "Theirs", CreatedAt: 10, UpdatedAt: 100}
	_, err := cs.Upsert(ctx, mine)
	require.NoError(t, err)
	_, err = cs.Upsert(ctx, theirs)
	require.NoError(t, err)
	unowned, err := cs.Create(ctx, "Unowned", "", 0)
	require.NoError(t, err)

	changed, err := cs.ListChangedSince(ctx, "alice", 0)
	require.NoError(t, err)
	uuids := make([]string, 0, len(changed))
	for _, c := range changed {
		uuids = append(uuids, c.LocalUUID)
	}
	require.ElementsMatch(t, []string{mine.LocalUUID, unowned.LocalUUID}, uuids)
}

func TestAdoptOwner(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	cs := s.Calendars()

	c, err := cs.Create(ctx, "Adopted", "", 0)
	require.NoError(t, err)
	before, err := cs.Get(ctx, c.LocalUUID)
	require.NoError(t, err)

	require.NoError(t, cs.AdoptOwner(ctx, []string{c.LocalUUID}, "alice"))

	after, err := cs.Get(ctx, c.LocalUUID)
	require.NoError(t, err)
	require.Equal(t, "alice", after.Owner)
	require.Equal(t, before.UpdatedAt, after.UpdatedAt, "association does not bump the LWW timestamp")

	// Already-owned rows are left alone.
	require.NoError(t, cs.AdoptOwner(ctx, []string{c.LocalUUID}, "bob"))
	after, err = cs.Get(ctx, c.LocalUUID)
	require.NoError(t, err)
	require.Equal(t, "alice", after.Owner)
}

func TestMutationTouchSkipsSyncApplies(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	cs := s.Calendars()

	at, err := s.LastMutatedAt(ctx, syncserver.EntityCalendars)
	require.NoError(t, err)
	require.Zero(t, at)

	_, err = cs.Upsert(ctx, syncserver.Calendar{
		LocalUUID: "88888888-8888-8888-8888-888888888888",
		Name:      "FromServer",
		CreatedAt: 10,
		UpdatedAt: 100,
	})
	require.NoError(t, err)

	at, err = s.LastMutatedAt(ctx, syncserver.EntityCalendars)
	require.NoError(t, err)
	require.Zero(t, at, "merged remote data must not look like a local edit")

	_, err = cs.Create(ctx, "FromUser", "", 0)
	require.NoError(t, err)
	at, err = s.LastMutatedAt(ctx, syncserver.EntityCalendars)
	require.NoError(t, err)
	require.Greater(t, at, int64(0))
}

func TestProfileMerge(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	ps := s.Profile()

	require.NoError(t, ps.EnsureFirstOpened(ctx, 1000))
	require.NoError(t, ps.EnsureFirstOpened(ctx, 2000))
	p, err := ps.Get(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1000), p.FirstEverOpenedAt, "first-opened is set once")

	require.NoError(t, ps.SetDisplayName(ctx, "Ilya"))
	p, err = ps.Get(ctx)
	require.NoError(t, err)
	require.Equal(t, "Ilya", p.DisplayName)

	// Remote with an older timestamp loses the name but never the
	// first-opened field comparison.
	merged, err := ps.MergeRemote(ctx, syncserver.UserProfile{
		Owner:             "alice",
		DisplayName:       "Old Name",
		FirstEverOpenedAt: 500,
		UpdatedAt:         1,
	})
	require.NoError(t, err)
	require.Equal(t, "Ilya", merged.DisplayName)
	require.Equal(t, "alice", merged.Owner)
	require.Equal(t, int64(1000), merged.FirstEverOpenedAt)

	// Remote with a newer timestamp wins the name.
	merged, err = ps.MergeRemote(ctx, syncserver.UserProfile{
		Owner:       "alice",
		DisplayName: "New Name",
		UpdatedAt:   merged.UpdatedAt + 1000,
	})
	require.NoError(t, err)
	require.Equal(t, "New Name", merged.DisplayName)
}

func TestSourceIDStable(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	id1, err := s.EnsureSourceID(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, id1)
	id2, err := s.EnsureSourceID(ctx)
	require.NoError(t, err)
	require.Equal(t, id1, id2)
}

func TestHabitLifecycle(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	cal, err := s.Calendars().Create(ctx, "Health", "emerald", 0)
	require.NoError(t, err)

	hs := s.Habits()
	h, err := hs.Create(ctx, syncserver.Habit{
		CalendarUUID: cal.LocalUUID,
		Name:         "Run",
		Kind:         syncserver.HabitKindPositive,
		PointsValue:  5,
		IsEnabled:    true,
	})
	require.NoError(t, err)

	list, err := hs.ListByCalendar(ctx, cal.LocalUUID)
	require.NoError(t, err)
	require.Len(t, list, 1)
	require.Equal(t, "Run", list[0].Name)

	comp, err := s.Completions().Record(ctx, h.LocalUUID, nowMs())
	require.NoError(t, err)
	comps, err := s.Completions().ListByHabit(ctx, h.LocalUUID)
	require.NoError(t, err)
	require.Len(t, comps, 1)
	require.Equal(t, comp.LocalUUID, comps[0].LocalUUID)

	deleted, err := s.Completions().Delete(ctx, comp.LocalUUID)
	require.NoError(t, err)
	require.True(t, deleted)
	comps, err = s.Completions().ListByHabit(ctx, h.LocalUUID)
	require.NoError(t, err)
	require.Empty(t, comps)
}
