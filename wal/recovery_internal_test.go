// Copyright 2024 The ktllog Authors. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

package wal

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ktllog/core/asnindex"
	"github.com/ktllog/core/blockdev"
	"github.com/ktllog/core/logid"
	"github.com/ktllog/core/wire"
)

// recoveryTestConfig uses one chunk spanning the whole region, so
// findHeadChunk's binary search degenerates to the n==1 base case and
// the test can focus on scanHeadRun's zone-of-chaos cutoff.
func recoveryTestConfig() Config {
	return Config{
		BlockSize:                      128,
		MaxRecordSize:                  4096,
		MaxMetadataSize:                256,
		MaxIOBufferSize:                1024,
		MaxQueuedWriteDepth:            8192,
		MinFileSize:                    2*256 + 8192,
		MinFreeSpace:                   512,
		StreamCheckpointInterval:       1 << 30,
		WholeLogCheckpointInterval:     1 << 30,
		MaxStreams:                     8,
		MaxStreamCheckpointSegmentSize: 1024,
		MaxWholeLogCheckpointSize:      512,
	}
}

// craftUserRecordBytes builds the on-disk bytes of a user record by
// hand, the way the pipeline would have just before admitting it,
// without running it through the pipeline. Tests use this to plant a
// record whose HighestCompletedLsn deliberately lags its own LSN,
// simulating one that physically landed but that the completion gate
// never observed finishing (§4.8 scenario 6).
func craftUserRecordBytes(t *testing.T, l *Log, s *Stream, asn uint64, payload []byte, lsn, highestCompleted uint64) []byte {
	t.Helper()
	rec := wire.Record{
		Common: wire.CommonHeader{
			LogID:        l.logID,
			LogSignature: l.logSig,
			StreamID:     s.id,
			StreamType:   s.streamType,
			IOBufferSize: uint32(len(payload)),
			RecordType:   wire.RecordTypeUser,
		},
		User: &wire.UserSuffix{ASN: asn, ASNVersion: 1},
	}
	n, err := rec.HeaderAndMetadataLen()
	require.NoError(t, err)
	rec.Common.ThisHeaderSize = alignUp(uint32(wire.LsnBlockSize+n), l.cfg.BlockSize)
	rec.Lsn = wire.LsnBlock{LSN: lsn, HighestCompletedLsn: highestCompleted}

	header, err := rec.Encode()
	require.NoError(t, err)
	return append(header, payload...)
}

// writeRawAt physically places buf on the ring at lsn, splitting
// across the wrap exactly as the real pipeline would, bypassing the
// admit path entirely.
func writeRawAt(t *testing.T, ctx context.Context, l *Log, lsn uint64, buf []byte) {
	t.Helper()
	off := uint64(0)
	for _, seg := range l.space.Plan(lsn, uint64(len(buf))) {
		require.NoError(t, l.dev.Write(ctx, blockdev.Foreground, seg.Offset, buf[off:off+seg.Length]))
		off += seg.Length
	}
}

func TestRecoveryExcludesRecordBeyondHighestCompletedLsn(t *testing.T) {
	ctx := context.Background()
	cfg := recoveryTestConfig()
	dev := blockdev.NewFake(cfg.MinFileSize)

	l, err := CreateLog(ctx, dev, cfg)
	require.NoError(t, err)

	s, err := l.OpenOrCreateStream(ctx, logid.New(), logid.New())
	require.NoError(t, err)
	for asn := uint64(1); asn <= 5; asn++ {
		require.NoError(t, s.Write(ctx, asn, 1, nil, []byte(fmt.Sprintf("payload-%d", asn)), 0, false))
	}
	streamID, streamType := s.ID(), s.Type()

	// Craft a 6th record whose header claims the completion gate had
	// only observed up through record 5, exactly as if the process had
	// aborted after this record's bytes landed but before its own
	// completion was processed (the zone of chaos).
	l.mu.Lock()
	lsn6 := l.next
	highestCompletedAsOfAdmission := l.highestCompletedLsn
	l.mu.Unlock()
	require.Less(t, highestCompletedAsOfAdmission, lsn6, "record 5 must have completed strictly before record 6's own LSN")

	buf6 := craftUserRecordBytes(t, l, s, 6, []byte("lost-in-the-chaos"), lsn6, highestCompletedAsOfAdmission)
	writeRawAt(t, ctx, l, lsn6, buf6)

	require.NoError(t, l.Close(ctx)) // abandon the in-memory Log, as after a real crash

	reopened, err := OpenLog(ctx, dev, logid.ID{})
	require.NoError(t, err)
	defer reopened.Close(ctx)

	s2, err := reopened.OpenOrCreateStream(ctx, streamID, streamType)
	require.NoError(t, err)

	for asn := uint64(1); asn <= 5; asn++ {
		got, err := s2.ReadPayload(ctx, asn)
		require.NoError(t, err)
		assert.Equal(t, []byte(fmt.Sprintf("payload-%d", asn)), got)
	}

	_, ok := s2.Query(6, asnindex.Exact)
	assert.False(t, ok, "a record physically present beyond highestCompletedLsn must not be replayed")

	_, _, next, _ := s2.Snapshot()
	assert.Equal(t, lsn6, next, "the stream's next must stop at record 5, not extend through the uncompleted record 6")
}

func TestRecoveryRestoresNonZeroLowestAfterTruncate(t *testing.T) {
	ctx := context.Background()
	cfg := recoveryTestConfig()
	dev := blockdev.NewFake(cfg.MinFileSize)

	l, err := CreateLog(ctx, dev, cfg)
	require.NoError(t, err)

	s, err := l.OpenOrCreateStream(ctx, logid.New(), logid.New())
	require.NoError(t, err)
	for asn := uint64(1); asn <= 4; asn++ {
		require.NoError(t, s.Write(ctx, asn, 1, nil, []byte("payload"), 0, false))
	}
	streamID, streamType := s.ID(), s.Type()

	lowestBefore, _, _, _ := s.Snapshot()
	require.NoError(t, s.Truncate(ctx, 3))
	lowestAfter, _, _, _ := s.Snapshot()
	require.Greater(t, lowestAfter, lowestBefore)
	require.NoError(t, l.Close(ctx))

	reopened, err := OpenLog(ctx, dev, logid.ID{})
	require.NoError(t, err)
	defer reopened.Close(ctx)

	s2, err := reopened.OpenOrCreateStream(ctx, streamID, streamType)
	require.NoError(t, err)
	lowestReopened, _, _, _ := s2.Snapshot()
	assert.Equal(t, lowestAfter, lowestReopened,
		"a truncated log's non-empty stream's lowest must survive recovery, not reset to 0")

	reopened.mu.Lock()
	logLowest := reopened.lowest
	reopened.mu.Unlock()
	assert.Equal(t, lowestAfter, logLowest, "log.lowest must match the minimum lowest across live streams, not hardcode 0")
}
