// Copyright 2024 The ktllog Authors. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

package lsnspace_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ktllog/core/lsnspace"
)

func mustSpace(t *testing.T, regionSize, blockSize, chunkSize uint64) lsnspace.Space {
	t.Helper()
	s, err := lsnspace.New(4096, regionSize, blockSize, chunkSize)
	require.NoError(t, err)
	return s
}

func TestNewRejectsBadGeometry(t *testing.T) {
	_, err := lsnspace.New(4096, 100, 64, 10)
	assert.Error(t, err, "region size not a multiple of block size")

	_, err = lsnspace.New(4096, 1024, 64, 0)
	assert.Error(t, err, "zero chunk size")

	_, err = lsnspace.New(4096, 1024, 64, 2048)
	assert.Error(t, err, "chunk size larger than region")
}

func TestOffsetWrapsAtRegionBoundary(t *testing.T) {
	s := mustSpace(t, 1000, 100, 200)
	off, contig := s.Offset(0)
	assert.EqualValues(t, 4096, off)
	assert.EqualValues(t, 1000, contig)

	off, contig = s.Offset(1000)
	assert.EqualValues(t, 4096, off)
	assert.EqualValues(t, 1000, contig)

	off, contig = s.Offset(1500)
	assert.EqualValues(t, 4096+500, off)
	assert.EqualValues(t, 500, contig)
}

func TestPlanSplitsAcrossWrap(t *testing.T) {
	s := mustSpace(t, 1000, 100, 200)

	segs := s.Plan(900, 50)
	require.Len(t, segs, 1)
	assert.EqualValues(t, 4096+900, segs[0].Offset)
	assert.EqualValues(t, 50, segs[0].Length)

	segs = s.Plan(900, 150)
	require.Len(t, segs, 2)
	assert.EqualValues(t, 4096+900, segs[0].Offset)
	assert.EqualValues(t, 100, segs[0].Length)
	assert.EqualValues(t, 4096, segs[1].Offset)
	assert.EqualValues(t, 50, segs[1].Length)
}

func TestChunkArithmetic(t *testing.T) {
	s := mustSpace(t, 1000, 100, 300)
	assert.EqualValues(t, 4, s.ChunkCount()) // 300,300,300,100

	assert.EqualValues(t, 0, s.ChunkOf(0))
	assert.EqualValues(t, 1, s.ChunkOf(300))
	assert.EqualValues(t, 3, s.ChunkOf(950))

	start, end := s.ChunkBounds(3)
	assert.EqualValues(t, 900, start)
	assert.EqualValues(t, 1000, end) // clamped, short final chunk
}

func TestUnusedRangesNoneWhenBelowChunkWindow(t *testing.T) {
	s := mustSpace(t, 1000, 100, 300)
	assert.Nil(t, s.UnusedRanges(0, 200))
}

func TestUnusedRangesPreservedWindowAtOrigin(t *testing.T) {
	s := mustSpace(t, 1000, 100, 300)
	got := s.UnusedRanges(0, 300)
	require.Len(t, got, 1)
	assert.EqualValues(t, 4096+300, got[0].Offset)
	assert.EqualValues(t, 700, got[0].Length)
}

func TestUnusedRangesPreservedWindowInMiddle(t *testing.T) {
	s := mustSpace(t, 1000, 100, 300)
	got := s.UnusedRanges(0, 700)
	require.Len(t, got, 2)
	assert.EqualValues(t, 4096+700, got[0].Offset)
	assert.EqualValues(t, 300, got[0].Length)
	assert.EqualValues(t, 4096, got[1].Offset)
	assert.EqualValues(t, 400, got[1].Length)
}

func TestUnusedRangesStraddlingWrap(t *testing.T) {
	s := mustSpace(t, 1000, 100, 300)
	// next=1250 wraps to ring position 250; preserved window [next-300, next) = [950,1250), block-aligned down to [900,1250) -> ring [900,1000) + [0,250).
	got := s.UnusedRanges(0, 1250)
	require.Len(t, got, 1)
	// preserved window covers ring [900,1000)+[0,250); the trimmable gap
	// between the live head and that window is the single range [250,900).
	assert.EqualValues(t, 4096+250, got[0].Offset)
	assert.EqualValues(t, 650, got[0].Length)
}
