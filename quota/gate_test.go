// Copyright 2024 The ktllog Authors. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

package quota_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ktllog/core/kerrors"
	"github.com/ktllog/core/quota"
)

func TestGateAcquireRelease(t *testing.T) {
	g := quota.New(100)
	ctx := context.Background()

	tok, err := g.Acquire(ctx, 60)
	require.NoError(t, err)
	assert.EqualValues(t, 60, tok.Held())

	tok2, err := g.Acquire(ctx, 40)
	require.NoError(t, err)
	assert.EqualValues(t, 40, tok2.Held())

	tok.Release()
	tok2.Release()
}

func TestGateBlocksUntilReleased(t *testing.T) {
	g := quota.New(10)
	ctx := context.Background()
	tok, err := g.Acquire(ctx, 10)
	require.NoError(t, err)

	blockedCtx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	_, err = g.Acquire(blockedCtx, 1)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	tok.Release()
	unblockedCtx, cancel2 := context.WithTimeout(ctx, time.Second)
	defer cancel2()
	tok2, err := g.Acquire(unblockedCtx, 10)
	require.NoError(t, err)
	tok2.Release()
}

func TestGateRejectsOverBound(t *testing.T) {
	g := quota.New(10)
	_, err := g.Acquire(context.Background(), 11)
	require.Error(t, err)
	assert.Equal(t, kerrors.DeviceConfigurationError, kerrors.KindOf(err))
}

func TestTokenReleasePartial(t *testing.T) {
	g := quota.New(10)
	tok, err := g.Acquire(context.Background(), 10)
	require.NoError(t, err)
	tok.ReleasePartial(4)
	assert.EqualValues(t, 6, tok.Held())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	tok2, err := g.Acquire(ctx, 4)
	require.NoError(t, err)
	tok2.Release()
	tok.Release()
}

func TestTokenReleasePartialPanicsOnOverdraw(t *testing.T) {
	g := quota.New(10)
	tok, err := g.Acquire(context.Background(), 5)
	require.NoError(t, err)
	assert.Panics(t, func() { tok.ReleasePartial(6) })
	tok.Release()
}
