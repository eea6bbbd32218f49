// Copyright 2024 The ktllog Authors. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package quota implements the byte quota gate (§4.3): an asynchronous
// FIFO byte semaphore that bounds the number of bytes in flight across
// all concurrent writes to a log. The bound equals the configured
// maxQueuedWriteDepth, which in turn bounds the "zone of chaos"
// recovery must search after a crash (§4.8).
package quota

import (
	"context"

	"golang.org/x/sync/semaphore"

	"github.com/ktllog/core/kerrors"
)

// Gate is a byte quota gate. The zero value is not usable; construct
// with New.
type Gate struct {
	sem   *semaphore.Weighted
	bound int64
}

// New returns a Gate that admits at most bound bytes in flight at
// once. bound corresponds to the geometry's maxQueuedWriteDepth.
func New(bound int64) *Gate {
	if bound <= 0 {
		panic("quota.New: bound must be positive")
	}
	return &Gate{sem: semaphore.NewWeighted(bound), bound: bound}
}

// Bound returns the gate's configured capacity.
func (g *Gate) Bound() int64 { return g.bound }

// Token represents bytes currently held from the gate. Token must be
// released exactly once, in whole or (via ReleasePartial) in pieces
// that sum to at most the bytes originally acquired.
type Token struct {
	gate *Gate
	held int64
}

// Acquire blocks until n bytes are available, FIFO with respect to
// other waiters, or until ctx is done. It fails with
// DeviceConfigurationError if n exceeds the gate's bound: no sequence
// of releases by other holders could ever satisfy such a request.
func (g *Gate) Acquire(ctx context.Context, n int64) (*Token, error) {
	if n > g.bound {
		return nil, kerrors.E(kerrors.DeviceConfigurationError,
			"requested bytes exceed quota gate bound")
	}
	if n == 0 {
		return &Token{gate: g}, nil
	}
	if err := g.sem.Acquire(ctx, n); err != nil {
		return nil, err
	}
	return &Token{gate: g, held: n}, nil
}

// Release returns all bytes still held by the token to the gate. It is
// a no-op if the token holds no bytes (e.g. already fully released via
// ReleasePartial). Release must be called exactly once per token
// returned by Acquire that is not fully consumed by ReleasePartial.
func (t *Token) Release() {
	if t == nil || t.held == 0 {
		return
	}
	t.gate.sem.Release(t.held)
	t.held = 0
}

// ReleasePartial returns n bytes from the token early, e.g. after the
// admit stage learns the write's actual committed size is smaller than
// the conservative upper bound acquired in stage 3 of the pipeline.
// It panics if n exceeds the bytes currently held by the token.
func (t *Token) ReleasePartial(n int64) {
	if n == 0 {
		return
	}
	if n > t.held {
		panic("quota: ReleasePartial exceeds held bytes")
	}
	t.gate.sem.Release(n)
	t.held -= n
}

// Held returns the number of bytes the token currently holds.
func (t *Token) Held() int64 {
	if t == nil {
		return 0
	}
	return t.held
}
