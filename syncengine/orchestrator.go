// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package syncengine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/ilyaizen/habistat-sub002/localstore"
	"github.com/ilyaizen/habistat-sub002/syncserver"
)

// Orchestrator runs full sync cycles: deletion queue drain, every entity
// type in dependency order, then the profile merge. At most one cycle runs
// at a time; overlapping requests fail fast with ErrSyncInProgress.
type Orchestrator struct {
	store     *localstore.Store
	remote    *Remote
	gate      *Gate
	logger    *slog.Logger
	pageSize  int
	batchSize int
	running   atomic.Bool
}

// Report summarizes one sync cycle.
type Report struct {
	Principal       string
	StartedAt       time.Time
	FinishedAt      time.Time
	DeletionsPushed int
	Entities        []EntityReport
}

func NewOrchestrator(store *localstore.Store, remote *Remote, gate *Gate, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		store:     store,
		remote:    remote,
		gate:      gate,
		logger:    logger,
		pageSize:  defaultPageSize,
		batchSize: defaultBatchSize,
	}
}

// SetPageSize overrides the pull page size. Mostly for tests.
func (o *Orchestrator) SetPageSize(n int) { o.pageSize = n }

// SetBatchSize overrides the push batch size. Mostly for tests.
func (o *Orchestrator) SetBatchSize(n int) { o.batchSize = n }

// SyncNow runs one complete sync cycle. The cycle's watermark candidate is
// captured before any transfer starts, so a user edit made mid-cycle lands
// after the new watermark and is picked up next time.
func (o *Orchestrator) SyncNow(ctx context.Context) (*Report, error) {
	if !o.running.CompareAndSwap(false, true) {
		return nil, ErrSyncInProgress
	}
	defer o.running.Store(false)

	principal, err := o.gate.Principal(ctx)
	if err != nil {
		return nil, err
	}

	report := &Report{Principal: principal, StartedAt: time.Now()}
	cycleStart := report.StartedAt.UnixMilli()
	o.logger.Info("sync cycle started", "principal", principal)

	// One failing step does not stop the rest: entities that complete
	// cleanly keep their advanced watermark even when a later (or earlier)
	// one fails and retries next cycle.
	var errs []error

	if err := o.drainDeletions(ctx, report); err != nil {
		// Failed entries stay queued for the next cycle; tombstones keep
		// the deleted records from resurrecting through this cycle's pulls.
		o.logger.Warn("deletion drain incomplete", "error", err)
		errs = append(errs, err)
	}

	for _, runner := range o.runners() {
		watermark, err := o.store.Watermark(ctx, runner.entity, principal)
		if err != nil {
			return report, err
		}
		entityReport, err := runner.run(ctx, principal, watermark)
		entityReport.Err = err
		report.Entities = append(report.Entities, entityReport)
		if err != nil {
			o.logger.Warn("entity sync failed", "entity", runner.entity, "error", err)
			errs = append(errs, err)
			continue
		}
		// Only a clean pull+push moves the watermark forward.
		if err := o.store.SetWatermark(ctx, runner.entity, principal, cycleStart); err != nil {
			return report, err
		}
	}

	// Profile runs last so a flaky /sync/profile cannot starve the entity
	// synchronizers; its failure is isolated like any other entity's.
	profileReport := EntityReport{Entity: syncserver.EntityProfile}
	if err := o.syncProfile(ctx); err != nil {
		profileReport.Err = fmt.Errorf("profile sync: %w", err)
		o.logger.Warn("entity sync failed", "entity", syncserver.EntityProfile, "error", err)
		errs = append(errs, profileReport.Err)
	} else if err := o.store.SetWatermark(ctx, syncserver.EntityProfile, principal, cycleStart); err != nil {
		return report, err
	}
	report.Entities = append(report.Entities, profileReport)

	report.FinishedAt = time.Now()
	if len(errs) > 0 {
		return report, errors.Join(errs...)
	}
	o.logger.Info("sync cycle finished",
		"principal", principal,
		"deletions", report.DeletionsPushed,
		"duration", report.FinishedAt.Sub(report.StartedAt))
	return report, nil
}

// drainDeletions pushes every queued deletion to the server before any pull
// runs, so a deleted record cannot be re-downloaded in the same cycle. The
// server treats deleting an absent record as success, which makes the queue
// drain idempotent across crashes. An entry that fails to push stays queued
// and the rest of the queue is still attempted.
func (o *Orchestrator) drainDeletions(ctx context.Context, report *Report) error {
	pending, err := o.store.PendingDeletions(ctx)
	if err != nil {
		return err
	}
	var errs []error
	for _, d := range pending {
		if _, err := o.remote.DeleteRecord(ctx, d.EntityType, d.LocalUUID); err != nil {
			errs = append(errs, fmt.Errorf("push deletion %s/%s: %w", d.EntityType, d.LocalUUID, err))
			continue
		}
		if err := o.store.RemoveDeletion(ctx, d.EntityType, d.LocalUUID); err != nil {
			errs = append(errs, err)
			continue
		}
		report.DeletionsPushed++
	}
	return errors.Join(errs...)
}

// syncProfile merges the singleton profile both ways: the server merges the
// local copy field by field and the result is folded back into the local row.
func (o *Orchestrator) syncProfile(ctx context.Context) error {
	local, err := o.store.Profile().Get(ctx)
	if err != nil {
		return err
	}
	merged, err := o.remote.PutProfile(ctx, local)
	if err != nil {
		return err
	}
	if _, err := o.store.Profile().MergeRemote(ctx, merged); err != nil {
		return err
	}
	return nil
}

type entityRunner struct {
	entity string
	run    func(ctx context.Context, principal string, watermark int64) (EntityReport, error)
}

func newRunner[T Record](entity string, local LocalAdapter[T], o *Orchestrator) entityRunner {
	s := &Synchronizer[T]{
		Entity:    entity,
		Local:     local,
		Remote:    entityRemote[T]{r: o.remote, entity: entity},
		PageSize:  o.pageSize,
		BatchSize: o.batchSize,
		Logger:    o.logger,
	}
	return entityRunner{entity: entity, run: s.Run}
}

// runners returns the entity synchronizers in dependency order: calendars
// before the habits that reference them, then completions, then activity.
func (o *Orchestrator) runners() []entityRunner {
	return []entityRunner{
		newRunner[syncserver.Calendar](syncserver.EntityCalendars, o.store.Calendars(), o),
		newRunner[syncserver.Habit](syncserver.EntityHabits, o.store.Habits(), o),
		newRunner[syncserver.Completion](syncserver.EntityCompletions, o.store.Completions(), o),
		newRunner[syncserver.ActivityRecord](syncserver.EntityActivity, o.store.Activity(), o),
	}
}
