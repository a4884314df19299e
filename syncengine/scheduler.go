// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package syncengine

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/ilyaizen/habistat-sub002/localstore"
	"github.com/ilyaizen/habistat-sub002/syncserver"
)

// Notifier receives sync cycle outcomes, typically to surface sync status
// in the UI. All methods are called from the scheduler goroutine.
type Notifier interface {
	SyncCompleted(report *Report)
	SyncFailed(err error)
}

// Scheduler triggers sync cycles on a fixed interval, skipping ticks when
// nothing changed since the last successful cycle. Explicit triggers
// (sign-in, app foreground) bypass the idle check.
type Scheduler struct {
	orch     *Orchestrator
	store    *localstore.Store
	gate     *Gate
	interval time.Duration
	epsilon  time.Duration
	logger   *slog.Logger
	notifier Notifier
	trigger  chan struct{}
}

func NewScheduler(orch *Orchestrator, store *localstore.Store, gate *Gate, interval time.Duration, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		orch:     orch,
		store:    store,
		gate:     gate,
		interval: interval,
		epsilon:  time.Second,
		logger:   logger,
		trigger:  make(chan struct{}, 1),
	}
}

// SetNotifier installs a sync outcome listener. Call before Run.
func (s *Scheduler) SetNotifier(n Notifier) { s.notifier = n }

// TriggerNow requests an immediate sync cycle without waiting for the next
// tick. Non-blocking; a trigger while one is already pending coalesces.
func (s *Scheduler) TriggerNow() {
	select {
	case s.trigger <- struct{}{}:
	default:
	}
}

// Run drives the scheduling loop until the context is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.maybeSync(ctx, false)
		case <-s.trigger:
			s.maybeSync(ctx, true)
		}
	}
}

func (s *Scheduler) maybeSync(ctx context.Context, forced bool) {
	principal, err := s.gate.Principal(ctx)
	if err != nil {
		if errors.Is(err, ErrUnauthenticated) {
			s.logger.Debug("sync tick skipped, signed out")
			return
		}
		s.report(nil, err)
		return
	}

	if !forced {
		pending, err := s.hasPendingWork(ctx, principal)
		if err != nil {
			s.report(nil, err)
			return
		}
		if !pending {
			s.logger.Debug("sync tick skipped, nothing changed")
			return
		}
	}

	report, err := s.orch.SyncNow(ctx)
	if errors.Is(err, ErrSyncInProgress) {
		return
	}
	s.report(report, err)
}

// hasPendingWork reports whether anything changed since the last successful
// cycle: queued deletions, a never-synced entity, or a local mutation past
// the watermark. The epsilon forgives the clock read between capturing a
// cycle's watermark and committing the mutations it already pushed.
func (s *Scheduler) hasPendingWork(ctx context.Context, principal string) (bool, error) {
	pending, err := s.store.PendingDeletions(ctx)
	if err != nil {
		return false, err
	}
	if len(pending) > 0 {
		return true, nil
	}

	entities := append([]string{}, syncserver.SyncOrder...)
	entities = append(entities, syncserver.EntityProfile)
	for _, entity := range entities {
		watermark, err := s.store.Watermark(ctx, entity, principal)
		if err != nil {
			return false, err
		}
		if watermark == 0 {
			return true, nil
		}
		mutatedAt, err := s.store.LastMutatedAt(ctx, entity)
		if err != nil {
			return false, err
		}
		if mutatedAt > watermark+s.epsilon.Milliseconds() {
			return true, nil
		}
	}
	return false, nil
}

func (s *Scheduler) report(report *Report, err error) {
	if err != nil {
		s.logger.Warn("sync cycle failed", "error", err, "retryable", IsRetryable(err))
		if s.notifier != nil {
			s.notifier.SyncFailed(err)
		}
		return
	}
	if s.notifier != nil {
		s.notifier.SyncCompleted(report)
	}
}
