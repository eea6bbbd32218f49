// Copyright 2024 The ktllog Authors. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package olc implements the LSN-ordered completion gate (§4.4 stage
// 6, §5): the serialization point at which concurrent physical writes,
// which may finish in any order, are observed to complete strictly in
// the order their LSNs were allocated. Because LSN allocation already
// happens under a single admit lock in strictly increasing order, the
// gate is keyed by a monotonic admission sequence number rather than
// by the LSN value itself (LSNs are not dense integers: each record
// consumes a variable number of bytes). Adapted from the teacher's
// syncqueue.OrderedQueue, generalized with context support.
package olc

import (
	"context"
	"fmt"
	"sync"
)

// Gate orders values leaving the queue by the sequence number they
// were inserted with. Producers call Insert once for each sequence
// number (starting at the start value given to New, with no gaps), in
// any order; a single consumer calls Next to receive values strictly
// in sequence order, regardless of the order Insert calls complete in.
type Gate struct {
	mu      sync.Mutex
	cond    *sync.Cond
	next    int64
	bound   int
	pending map[int64]interface{}
	closed  bool
	err     error
}

// New returns a Gate that starts expecting sequence number start and
// buffers up to bound not-yet-dequeued entries before Insert blocks.
func New(start int64, bound int) *Gate {
	if bound < 1 {
		panic("olc.New: bound must be at least 1")
	}
	g := &Gate{next: start, bound: bound, pending: make(map[int64]interface{})}
	g.cond = sync.NewCond(&g.mu)
	return g
}

// Insert enqueues value at sequence number seq. It blocks if doing so
// would exceed the gate's bound and seq is not the next value Next
// will dequeue, or until ctx is done. seq values may be supplied in
// any order; the same seq must not be inserted twice.
func (g *Gate) Insert(ctx context.Context, seq int64, value interface{}) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	stop := g.watchCtx(ctx)
	defer stop()

	for g.err == nil {
		_, haveNext := g.pending[g.next]
		blocked := (haveNext && len(g.pending) == g.bound) ||
			(!haveNext && seq != g.next && len(g.pending) == g.bound-1)
		if !blocked {
			break
		}
		g.cond.Wait()
		if ctx.Err() != nil && g.err == nil {
			return ctx.Err()
		}
	}
	if g.err != nil {
		return g.err
	}
	if g.closed {
		panic("olc: Insert called after Close")
	}
	g.pending[seq] = value
	if seq == g.next {
		g.cond.Broadcast()
	}
	return nil
}

// Next blocks until the entry at the current sequence number is
// available, then returns it and advances the sequence. It returns
// ok=false once the gate is closed and drained.
func (g *Gate) Next(ctx context.Context) (value interface{}, ok bool, err error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	stop := g.watchCtx(ctx)
	defer stop()

	for g.err == nil {
		v, found := g.pending[g.next]
		if found {
			value = v
			break
		}
		if g.closed {
			return nil, false, nil
		}
		g.cond.Wait()
		if ctx.Err() != nil && g.err == nil {
			return nil, false, ctx.Err()
		}
	}
	if g.err != nil {
		return nil, false, g.err
	}
	delete(g.pending, g.next)
	g.next++
	g.cond.Broadcast()
	return value, true, nil
}

// Close tells the gate that no more Insert calls will arrive. Pending
// entries already inserted may still be drained with Next. If err is
// non-nil, all blocked and future Insert/Next calls fail with err.
func (g *Gate) Close(err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.err == nil {
		g.err = err
	}
	g.closed = true
	g.cond.Broadcast()
}

// NextSeq returns the sequence number the gate currently expects next.
func (g *Gate) NextSeq() int64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.next
}

// watchCtx spawns a goroutine that wakes waiters when ctx is done, and
// returns a function to stop it. The caller must hold g.mu when
// calling watchCtx and when the returned stop func runs via defer
// (sync.Cond.Wait reacquires the lock before returning).
func (g *Gate) watchCtx(ctx context.Context) func() {
	if ctx.Done() == nil {
		return func() {}
	}
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			g.mu.Lock()
			g.cond.Broadcast()
			g.mu.Unlock()
		case <-done:
		}
	}()
	return func() { close(done) }
}

func (g *Gate) String() string {
	return fmt.Sprintf("olc.Gate{next=%d pending=%d closed=%v}", g.next, len(g.pending), g.closed)
}
