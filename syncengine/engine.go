// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Package syncengine reconciles the on-device localstore with the remote
// sync service. Records correlate across the two stores by UUID, conflicts
// resolve last-write-wins per record, and per-entity watermarks bound each
// incremental cycle. The engine is strictly additive to the app: everything
// works offline and sync catches the remote copy up when connectivity and
// an authenticated principal are both available.
package syncengine

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/ilyaizen/habistat-sub002/localstore"
)

// Config carries engine construction options.
type Config struct {
	// BaseURL of the sync server, e.g. "https://sync.habistat.app".
	BaseURL string

	// Interval between scheduled sync ticks. Defaults to 5 minutes.
	Interval time.Duration

	// GateTimeout bounds how long a cycle waits for the identity provider
	// to become ready. A cycle that times out is skipped as signed-out and
	// retried on the next tick. Defaults to 5 seconds.
	GateTimeout time.Duration

	// HTTPClient overrides the default HTTP client. Optional.
	HTTPClient *http.Client

	Logger *slog.Logger
}

// Engine bundles the remote client, orchestrator, and scheduler around one
// local store.
type Engine struct {
	Store        *localstore.Store
	Remote       *Remote
	Orchestrator *Orchestrator
	Scheduler    *Scheduler
}

// New assembles a sync engine. identity gates every cycle; token signs
// every request.
func New(ctx context.Context, store *localstore.Store, identity IdentityProvider, token TokenFunc, cfg Config) (*Engine, error) {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Minute
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	sourceID, err := store.EnsureSourceID(ctx)
	if err != nil {
		return nil, err
	}

	remote := NewRemote(cfg.BaseURL, cfg.HTTPClient, token, sourceID)
	gate := NewGate(identity)
	if cfg.GateTimeout > 0 {
		gate.timeout = cfg.GateTimeout
	}
	orch := NewOrchestrator(store, remote, gate, cfg.Logger)
	sched := NewScheduler(orch, store, gate, cfg.Interval, cfg.Logger)

	return &Engine{
		Store:        store,
		Remote:       remote,
		Orchestrator: orch,
		Scheduler:    sched,
	}, nil
}

// Run drives the scheduler until the context is cancelled.
func (e *Engine) Run(ctx context.Context) error { return e.Scheduler.Run(ctx) }

// SyncNow runs one sync cycle immediately, bypassing the scheduler.
func (e *Engine) SyncNow(ctx context.Context) (*Report, error) {
	return e.Orchestrator.SyncNow(ctx)
}

// TriggerNow nudges the scheduler to run a cycle as soon as possible.
func (e *Engine) TriggerNow() { e.Scheduler.TriggerNow() }
