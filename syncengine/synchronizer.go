// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package syncengine

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/ilyaizen/habistat-sub002/syncserver"
)

// Record is the contract every synced entity type satisfies.
type Record interface {
	CorrelationKey() string
	NaturalKey() string
	ConflictTimestamp() int64
}

// LocalAdapter is the per-entity surface the synchronizer needs from the
// local store. The localstore entity stores satisfy it directly.
type LocalAdapter[T Record] interface {
	ListChangedSince(ctx context.Context, principal string, since int64) ([]T, error)
	Upsert(ctx context.Context, record T) (syncserver.UpsertOutcome, error)
	ForceUpsert(ctx context.Context, record T) error
	AdoptOwner(ctx context.Context, localUUIDs []string, principal string) error
}

// RemoteAdapter is the per-entity surface the synchronizer needs from the
// sync server.
type RemoteAdapter[T Record] interface {
	FetchChanges(ctx context.Context, since int64, cursor string, limit int) (syncserver.ChangesPage[T], error)
	PushBatch(ctx context.Context, items []T) ([]syncserver.UpsertStatus, error)
}

// EntityReport summarizes one entity type's sync pass. Err is set when the
// pass failed; its watermark was then left untouched.
type EntityReport struct {
	Entity        string
	Pulled        int
	Applied       int
	Pushed        int
	InitialImport bool
	Err           error
}

// Synchronizer runs the pull-then-push cycle for one entity type.
type Synchronizer[T Record] struct {
	Entity    string
	Local     LocalAdapter[T]
	Remote    RemoteAdapter[T]
	PageSize  int
	BatchSize int
	Logger    *slog.Logger
}

const (
	defaultPageSize  = 200
	defaultBatchSize = 100
)

// Run pulls remote changes since the watermark and pushes local ones. A zero
// watermark switches the pull into initial-import mode, where every server
// record overwrites the local copy unconditionally.
func (s *Synchronizer[T]) Run(ctx context.Context, principal string, watermark int64) (EntityReport, error) {
	report := EntityReport{Entity: s.Entity, InitialImport: watermark == 0}
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}

	if err := s.pull(ctx, watermark, report.InitialImport, &report); err != nil {
		return report, fmt.Errorf("pull %s: %w", s.Entity, err)
	}
	if err := s.push(ctx, principal, watermark, &report); err != nil {
		return report, fmt.Errorf("push %s: %w", s.Entity, err)
	}

	logger.Debug("entity sync finished",
		"entity", s.Entity,
		"pulled", report.Pulled,
		"applied", report.Applied,
		"pushed", report.Pushed,
		"initial_import", report.InitialImport)
	return report, nil
}

// pull streams pages from the server and applies them serially. Fetching the
// next page overlaps with applying the current one; application order is
// preserved so LWW comparisons see pages in server order.
func (s *Synchronizer[T]) pull(ctx context.Context, since int64, force bool, report *EntityReport) error {
	pageSize := s.PageSize
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}

	pages := make(chan []T, 1)
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer close(pages)
		cursor := ""
		for {
			page, err := s.Remote.FetchChanges(gctx, since, cursor, pageSize)
			if err != nil {
				return err
			}
			if len(page.Items) > 0 {
				select {
				case pages <- page.Items:
				case <-gctx.Done():
					return gctx.Err()
				}
			}
			if page.NextCursor == "" {
				return nil
			}
			cursor = page.NextCursor
		}
	})

	g.Go(func() error {
		for items := range pages {
			report.Pulled += len(items)
			for _, item := range dedupeByNaturalKey(items) {
				if item.CorrelationKey() == "" {
					return &InvariantError{Entity: s.Entity, Detail: "pulled record without correlation key"}
				}
				if force {
					if err := s.Local.ForceUpsert(gctx, item); err != nil {
						return err
					}
					report.Applied++
					continue
				}
				outcome, err := s.Local.Upsert(gctx, item)
				if err != nil {
					return err
				}
				if outcome != syncserver.OutcomeUnchanged {
					report.Applied++
				}
			}
		}
		return nil
	})

	return g.Wait()
}

// push uploads local changes since the watermark in fixed-size batches, then
// stamps the principal on any records that were still unowned.
func (s *Synchronizer[T]) push(ctx context.Context, principal string, since int64, report *EntityReport) error {
	batchSize := s.BatchSize
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}

	changed, err := s.Local.ListChangedSince(ctx, principal, since)
	if err != nil {
		return err
	}
	for start := 0; start < len(changed); start += batchSize {
		end := min(start+batchSize, len(changed))
		batch := changed[start:end]
		statuses, err := s.Remote.PushBatch(ctx, batch)
		if err != nil {
			return err
		}
		report.Pushed += len(batch)

		adopted := make([]string, 0, len(statuses))
		for _, st := range statuses {
			adopted = append(adopted, st.LocalUUID)
		}
		if err := s.Local.AdoptOwner(ctx, adopted, principal); err != nil {
			return err
		}
	}
	return nil
}

// dedupeByNaturalKey collapses in-page duplicates that share a natural key,
// keeping the record with the greatest conflict timestamp. Mostly relevant
// for activity records, where two devices can mint the same day.
func dedupeByNaturalKey[T Record](items []T) []T {
	winners := make(map[string]int, len(items))
	out := make([]T, 0, len(items))
	for _, item := range items {
		key := item.NaturalKey()
		if idx, ok := winners[key]; ok {
			if item.ConflictTimestamp() > out[idx].ConflictTimestamp() {
				out[idx] = item
			}
			continue
		}
		winners[key] = len(out)
		out = append(out, item)
	}
	return out
}
