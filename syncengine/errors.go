// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package syncengine

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrUnauthenticated means no signed-in principal is available; the
	// sync gate stays closed and nothing is transferred.
	ErrUnauthenticated = errors.New("no authenticated principal")

	// ErrSyncInProgress is returned when a sync cycle is requested while
	// another one is still running. Cycles never overlap.
	ErrSyncInProgress = errors.New("sync already in progress")
)

// TransientError marks a failure worth retrying on a later cycle: network
// trouble, timeouts, server 5xx. The watermark is not advanced.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return fmt.Sprintf("transient sync error: %v", e.Err) }
func (e *TransientError) Unwrap() error { return e.Err }

// RateLimitedError reports a server-side throttle and how long to back off.
type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limited, retry after %s", e.RetryAfter)
}

// InvariantError reports a record that violates a structural assumption the
// engine relies on, such as a missing correlation key. The offending entity's
// pass is aborted; other entities keep syncing.
type InvariantError struct {
	Entity string
	Detail string
}

func (e *InvariantError) Error() string {
	return fmt.Sprintf("%s: invariant violated: %s", e.Entity, e.Detail)
}

// IsRetryable reports whether a sync failure is expected to clear on its own.
func IsRetryable(err error) bool {
	var te *TransientError
	var re *RateLimitedError
	return errors.As(err, &te) || errors.As(err, &re)
}
