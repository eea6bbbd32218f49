// Copyright 2024 The ktllog Authors. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

package lsnindex_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ktllog/core/lsnindex"
)

func TestAddHigherLsnRecordAndLookup(t *testing.T) {
	ix := lsnindex.New()
	ix.GuaranteeAddTwoHigherRecords()
	ix.AddHigherLsnRecord(100, lsnindex.Sizes{HeaderSize: 64, PayloadSize: 10})
	ix.AddHigherLsnRecord(200, lsnindex.Sizes{HeaderSize: 64, PayloadSize: 20})

	sizes, ok := ix.Lookup(100)
	require.True(t, ok)
	assert.EqualValues(t, 10, sizes.PayloadSize)

	_, ok = ix.Lookup(150)
	assert.False(t, ok)
	assert.Equal(t, 2, ix.Len())
}

func TestAddHigherLsnRecordPanicsOutOfOrder(t *testing.T) {
	ix := lsnindex.New()
	ix.AddHigherLsnRecord(100, lsnindex.Sizes{})
	assert.Panics(t, func() { ix.AddHigherLsnRecord(50, lsnindex.Sizes{}) })
}

func TestTruncateDropsBelow(t *testing.T) {
	ix := lsnindex.New()
	for _, lsn := range []uint64{10, 20, 30, 40} {
		ix.AddHigherLsnRecord(lsn, lsnindex.Sizes{})
	}
	ix.Truncate(30)
	lo, ok := ix.Lowest()
	require.True(t, ok)
	assert.EqualValues(t, 30, lo)
	assert.Equal(t, 2, ix.Len())
}

func TestLowestHighestEmpty(t *testing.T) {
	ix := lsnindex.New()
	_, ok := ix.Lowest()
	assert.False(t, ok)
	_, ok = ix.Highest()
	assert.False(t, ok)
}

func TestSnapshotAndLoadRoundTrip(t *testing.T) {
	ix := lsnindex.New()
	ix.AddHigherLsnRecord(1, lsnindex.Sizes{HeaderSize: 1, PayloadSize: 2})
	ix.AddHigherLsnRecord(2, lsnindex.Sizes{HeaderSize: 3, PayloadSize: 4})

	snap := ix.Snapshot()
	require.Len(t, snap, 2)

	ix2 := lsnindex.New()
	ix2.Load(snap)
	assert.Equal(t, 2, ix2.Len())
	sizes, ok := ix2.Lookup(2)
	require.True(t, ok)
	assert.EqualValues(t, 4, sizes.PayloadSize)
}
