// Copyright 2024 The ktllog Authors. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

package wal_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ktllog/core/blockdev"
	"github.com/ktllog/core/kerrors"
	"github.com/ktllog/core/logid"
	"github.com/ktllog/core/wal"
)

const (
	testBlockSize   = 128
	testRegionSize  = 8192
	testMasterBlock = 256 // >= wire.MasterBlockSize(140), rounded to BlockSize
	testDeviceSize  = 2*testMasterBlock + testRegionSize
)

func testConfig() wal.Config {
	return wal.Config{
		BlockSize:                      testBlockSize,
		MaxRecordSize:                  4096,
		MaxMetadataSize:                256,
		MaxIOBufferSize:                1024,
		MaxQueuedWriteDepth:            4096,
		MinFileSize:                    testDeviceSize,
		MinFreeSpace:                   512,
		StreamCheckpointInterval:       1 << 30,
		WholeLogCheckpointInterval:     1 << 30,
		MaxStreams:                     8,
		MaxStreamCheckpointSegmentSize: 1024,
		MaxWholeLogCheckpointSize:      512,
	}
}

func TestCreateOpenEmptyLogRoundTrip(t *testing.T) {
	ctx := context.Background()
	dev := blockdev.NewFake(testDeviceSize)

	l, err := wal.CreateLog(ctx, dev, testConfig())
	require.NoError(t, err)
	geo := l.Geometry() // sanity: geometry accessible before close
	assert.Equal(t, testConfig().BlockSize, geo.BlockSize)
	require.NoError(t, l.Close(ctx))

	// Recovering an empty log must succeed and find nothing.
	reopened, err := wal.OpenLog(ctx, dev, logid.ID{})
	require.NoError(t, err)
	require.NoError(t, reopened.Close(ctx))
}

func TestSingleRecordRoundTripAcrossReopen(t *testing.T) {
	ctx := context.Background()
	dev := blockdev.NewFake(testDeviceSize)

	l, err := wal.CreateLog(ctx, dev, testConfig())
	require.NoError(t, err)

	s, err := l.OpenOrCreateStream(ctx, logid.New(), logid.New())
	require.NoError(t, err)

	payload := []byte("hello, durable world")
	require.NoError(t, s.Write(ctx, 1, 1, []byte("meta"), payload, 0, false))

	entry, ok := s.Query(1, 0)
	require.True(t, ok)
	assert.EqualValues(t, 1, entry.ASN)

	got, err := s.ReadPayload(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, payload, got)

	streamID := s.ID()
	streamType := s.Type()
	require.NoError(t, l.Close(ctx))

	reopened, err := wal.OpenLog(ctx, dev, logid.ID{})
	require.NoError(t, err)
	defer reopened.Close(ctx)

	s2, err := reopened.OpenOrCreateStream(ctx, streamID, streamType)
	require.NoError(t, err)
	got2, err := s2.ReadPayload(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, payload, got2)
}

func TestVersionStaleRejected(t *testing.T) {
	ctx := context.Background()
	dev := blockdev.NewFake(testDeviceSize)
	l, err := wal.CreateLog(ctx, dev, testConfig())
	require.NoError(t, err)
	defer l.Close(ctx)

	s, err := l.OpenOrCreateStream(ctx, logid.New(), logid.New())
	require.NoError(t, err)

	require.NoError(t, s.Write(ctx, 1, 5, nil, []byte("v5"), 0, false))
	err = s.Write(ctx, 1, 2, nil, []byte("v2"), 0, false)
	require.Error(t, err)
	assert.Equal(t, kerrors.VersionStale, kerrors.KindOf(err))
}

func TestOpenLogRejectsWrongLogID(t *testing.T) {
	ctx := context.Background()
	dev := blockdev.NewFake(testDeviceSize)
	l, err := wal.CreateLog(ctx, dev, testConfig())
	require.NoError(t, err)
	require.NoError(t, l.Close(ctx))

	_, err = wal.OpenLog(ctx, dev, logid.New())
	require.Error(t, err)
	assert.Equal(t, kerrors.VersionStale, kerrors.KindOf(err))
}

func TestTruncateReclaimsSpace(t *testing.T) {
	ctx := context.Background()
	dev := blockdev.NewFake(testDeviceSize)
	l, err := wal.CreateLog(ctx, dev, testConfig())
	require.NoError(t, err)
	defer l.Close(ctx)

	s, err := l.OpenOrCreateStream(ctx, logid.New(), logid.New())
	require.NoError(t, err)
	for asn := uint64(1); asn <= 3; asn++ {
		require.NoError(t, s.Write(ctx, asn, 1, nil, []byte("payload"), 0, false))
	}

	lowestBefore, _, _, _ := s.Snapshot()
	require.NoError(t, s.Truncate(ctx, 2))
	lowestAfter, _, _, _ := s.Snapshot()
	assert.Greater(t, lowestAfter, lowestBefore, "truncation should advance the stream's lowest live LSN")

	// A write at or below the new truncation point is a logical no-op.
	require.NoError(t, s.Write(ctx, 1, 1, nil, []byte("stale"), 0, false))
}

func TestCrashDuringWriteIsRecoveredToLastValidRecord(t *testing.T) {
	ctx := context.Background()
	dev := blockdev.NewFake(testDeviceSize)
	l, err := wal.CreateLog(ctx, dev, testConfig())
	require.NoError(t, err)

	s, err := l.OpenOrCreateStream(ctx, logid.New(), logid.New())
	require.NoError(t, err)
	require.NoError(t, s.Write(ctx, 1, 1, nil, []byte("first"), 0, false))

	streamID, streamType := s.ID(), s.Type()

	// Simulate a crash: let every write so far land, then silently drop
	// the bytes of everything after, mimicking a write that the
	// pipeline believes succeeded but that never reached stable
	// storage before the process died.
	dev.SetWriteBudget(len(dev.WriteLog()))
	require.NoError(t, s.Write(ctx, 2, 1, nil, []byte("second-lost"), 0, false))
	_ = l.Close(ctx) // the in-memory Log is abandoned, as after a real crash

	reopened, err := wal.OpenLog(ctx, dev, logid.ID{})
	require.NoError(t, err)
	defer reopened.Close(ctx)

	s2, err := reopened.OpenOrCreateStream(ctx, streamID, streamType)
	require.NoError(t, err)
	got, err := s2.ReadPayload(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, []byte("first"), got)

	_, ok := s2.Query(2, 0)
	assert.False(t, ok, "the record lost in the simulated crash must not reappear after recovery")
}
