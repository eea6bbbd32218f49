// Copyright 2024 The ktllog Authors. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

package olc

import (
	"context"
	"sync"
)

// Mutex is a context-aware exclusive lock used for the admit lock
// (§4.4 stage 4, §5): held only across pure computation and the
// scheduling of physical writes, never across their completion. The
// zero value is ready to use.
type Mutex struct {
	initOnce sync.Once
	lockCh   chan struct{}
}

func (m *Mutex) init() {
	m.initOnce.Do(func() {
		m.lockCh = make(chan struct{}, 1)
	})
}

// Lock acquires m exclusively, blocking until it is free or ctx is
// done.
func (m *Mutex) Lock(ctx context.Context) error {
	m.init()
	select {
	case m.lockCh <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Unlock releases m. It panics if m is not locked.
func (m *Mutex) Unlock() {
	m.init()
	select {
	case <-m.lockCh:
	default:
		panic("olc: Unlock of unlocked Mutex")
	}
}
