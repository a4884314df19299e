// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package syncengine

import (
	"context"
	"errors"
	"time"
)

// IdentityProvider reports the application's authentication state. The
// engine never performs sign-in itself; it only waits on it.
type IdentityProvider interface {
	// AwaitReady blocks until the auth state is known (restored from disk
	// or resolved over the network), or the context is cancelled.
	AwaitReady(ctx context.Context) error

	// CurrentPrincipal returns the signed-in principal, or "" when the
	// user is signed out.
	CurrentPrincipal(ctx context.Context) (string, error)
}

// Gate is the engine's admission check: every sync cycle passes through it
// and proceeds only with an authenticated principal in hand.
type Gate struct {
	provider IdentityProvider
	timeout  time.Duration
}

const defaultGateTimeout = 5 * time.Second

func NewGate(provider IdentityProvider) *Gate {
	return &Gate{provider: provider, timeout: defaultGateTimeout}
}

// Principal waits for auth readiness and returns the signed-in principal.
// Returns ErrUnauthenticated when the user is signed out. The readiness wait
// is bounded: a provider that never initializes counts as signed out for
// this cycle instead of wedging the caller, and is probed again next cycle.
func (g *Gate) Principal(ctx context.Context) (string, error) {
	waitCtx := ctx
	if g.timeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}
	if err := g.provider.AwaitReady(waitCtx); err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return "", ErrUnauthenticated
		}
		return "", err
	}
	principal, err := g.provider.CurrentPrincipal(ctx)
	if err != nil {
		return "", err
	}
	if principal == "" {
		return "", ErrUnauthenticated
	}
	return principal, nil
}
