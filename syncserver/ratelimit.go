// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package syncserver

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// PrincipalLimiter applies a token-bucket rate limit per authenticated
// principal. A principal over its budget receives 429 and the client engine
// defers its remaining push items to the next sync cycle instead of retrying
// in a loop.
type PrincipalLimiter struct {
	mu       sync.Mutex
	limiters map[string]*limiterEntry
	limit    rate.Limit
	burst    int
}

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewPrincipalLimiter creates a limiter allowing rps requests per second with
// the given burst per principal.
func NewPrincipalLimiter(rps float64, burst int) *PrincipalLimiter {
	return &PrincipalLimiter{
		limiters: make(map[string]*limiterEntry),
		limit:    rate.Limit(rps),
		burst:    burst,
	}
}

// Allow reports whether the principal may proceed with one request.
func (l *PrincipalLimiter) Allow(principal string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry, ok := l.limiters[principal]
	if !ok {
		entry = &limiterEntry{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.limiters[principal] = entry
		// Opportunistic cleanup of stale entries keeps the map bounded
		// without a background goroutine.
		if len(l.limiters) > 10_000 {
			cutoff := time.Now().Add(-1 * time.Hour)
			for p, e := range l.limiters {
				if e.lastSeen.Before(cutoff) {
					delete(l.limiters, p)
				}
			}
		}
	}
	entry.lastSeen = time.Now()
	return entry.limiter.Allow()
}
