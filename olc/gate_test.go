// Copyright 2024 The ktllog Authors. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

package olc_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ktllog/core/olc"
)

func TestGateOrdersOutOfOrderInserts(t *testing.T) {
	g := olc.New(0, 10)
	ctx := context.Background()

	require.NoError(t, g.Insert(ctx, 2, "two"))
	require.NoError(t, g.Insert(ctx, 0, "zero"))
	require.NoError(t, g.Insert(ctx, 1, "one"))

	for _, want := range []string{"zero", "one", "two"} {
		v, ok, err := g.Next(ctx)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, want, v)
	}
}

func TestGateCloseDrainsPending(t *testing.T) {
	g := olc.New(0, 4)
	ctx := context.Background()
	require.NoError(t, g.Insert(ctx, 0, "zero"))
	g.Close(nil)

	v, ok, err := g.Next(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "zero", v)

	_, ok, err = g.Next(ctx)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestGateCloseWithErrorFailsWaiters(t *testing.T) {
	g := olc.New(0, 1)
	boom := assertError("boom")
	var wg sync.WaitGroup
	wg.Add(1)
	var gotErr error
	go func() {
		defer wg.Done()
		_, _, gotErr = g.Next(context.Background())
	}()
	time.Sleep(10 * time.Millisecond)
	g.Close(boom)
	wg.Wait()
	assert.Equal(t, boom, gotErr)
}

type assertError string

func (e assertError) Error() string { return string(e) }

func TestMutexContextCancellation(t *testing.T) {
	var m olc.Mutex
	require.NoError(t, m.Lock(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	err := m.Lock(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	m.Unlock()
	require.NoError(t, m.Lock(context.Background()))
	m.Unlock()
}

func TestMutexUnlockOfUnlockedPanics(t *testing.T) {
	var m olc.Mutex
	assert.Panics(t, func() { m.Unlock() })
}
