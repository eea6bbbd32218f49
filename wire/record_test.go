// Copyright 2024 The ktllog Authors. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

package wire_test

import (
	"encoding/binary"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ktllog/core/logid"
	"github.com/ktllog/core/wire"
)

func buildUserRecord(t *testing.T, metadata, payload []byte) wire.Record {
	t.Helper()
	rec := wire.Record{
		Common: wire.CommonHeader{
			LogID:        logid.New(),
			StreamID:     logid.New(),
			StreamType:   logid.New(),
			MetadataSize: uint32(len(metadata)),
			IOBufferSize: uint32(len(payload)),
			RecordType:   wire.RecordTypeUser,
		},
		User:     &wire.UserSuffix{ASN: 42, ASNVersion: 1},
		Metadata: metadata,
	}
	n, err := rec.HeaderAndMetadataLen()
	require.NoError(t, err)
	rec.Common.ThisHeaderSize = uint32(wire.LsnBlockSize + n)
	rec.Lsn = wire.LsnBlock{LSN: 4096, HighestCompletedLsn: 0, LastCheckpointLsn: 0, PreviousLsnInStream: 0}
	return rec
}

func TestRecordRoundTrip(t *testing.T) {
	rec := buildUserRecord(t, []byte("meta"), []byte("payload-bytes"))
	buf, err := rec.Encode()
	require.NoError(t, err)

	got, err := wire.DecodeRecord(buf)
	require.NoError(t, err)
	assert.Equal(t, rec.Common.LogID, got.Common.LogID)
	assert.Equal(t, rec.Common.StreamID, got.Common.StreamID)
	assert.Equal(t, uint64(42), got.User.ASN)
	assert.Equal(t, uint64(1), got.User.ASNVersion)
	assert.Equal(t, []byte("meta"), got.Metadata)
}

func TestRecordCorruptionDetected(t *testing.T) {
	rec := buildUserRecord(t, []byte("meta"), nil)
	buf, err := rec.Encode()
	require.NoError(t, err)

	buf[len(buf)-1] ^= 0xff // flip a metadata byte
	_, err = wire.DecodeRecord(buf)
	assert.Error(t, err)
}

func TestRecordRejectsLsnMismatchViaCRC2(t *testing.T) {
	rec := buildUserRecord(t, nil, nil)
	buf, err := rec.Encode()
	require.NoError(t, err)

	// Stamping in a different LSN without recomputing CRC2 must be
	// caught on decode (the whole point of folding CRC1 into CRC2).
	binary.LittleEndian.PutUint64(buf[8:16], 9999)
	_, err = wire.DecodeRecord(buf)
	assert.Error(t, err)
}

func TestWholeLogCheckpointSuffixRoundTrip(t *testing.T) {
	entries := []wire.StreamTableEntry{
		{StreamID: logid.New(), StreamType: logid.New(), Lowest: 10, Highest: 20, Next: 30},
		{StreamID: logid.New(), StreamType: logid.New(), Lowest: 0, Highest: 0, Next: 0},
	}
	suffix := wire.WholeLogCheckpointSuffix{Streams: entries}
	buf := suffix.Encode(nil)

	got, n, err := wire.DecodeWholeLogCheckpointSuffix(buf)
	require.NoError(t, err)
	assert.Equal(t, len(buf), n)
	if diff := cmp.Diff(entries, got.Streams); diff != "" {
		t.Errorf("stream table round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestStreamCheckpointSuffixRoundTripWithPadding(t *testing.T) {
	suffix := wire.StreamCheckpointSuffix{
		StreamID:  logid.New(),
		SegmentNo: 0,
		SegmentOf: 1,
		AsnEntries: []wire.AsnMappingEntry{
			{ASN: 1, Version: 1, Disposition: 2, LSN: 100, PayloadSizeHint: 50},
		},
		LsnEntries: []wire.LsnIndexEntry{
			{LSN: 100, HeaderSize: 64, PayloadSize: 50},
		},
	}
	encoded := suffix.Encode(nil)
	padded := append(append([]byte(nil), encoded...), make([]byte, 37)...) // simulate block-alignment padding

	got, n, err := wire.DecodeStreamCheckpointSuffix(padded)
	require.NoError(t, err)
	assert.Equal(t, len(encoded), n)
	assert.Equal(t, suffix.AsnEntries, got.AsnEntries)
	assert.Equal(t, suffix.LsnEntries, got.LsnEntries)
}

func TestMasterBlockRoundTrip(t *testing.T) {
	mb := wire.MasterBlock{
		MajorVersion:  wire.FormatMajorVersion,
		MinorVersion:  wire.FormatMinorVersion,
		LogID:         logid.New(),
		LogFileSize:   1 << 20,
		Location:      1<<20 - 4096,
		CreationFlags: wire.CreatedFresh,
		Geometry: wire.GeometryConfig{
			BlockSize: 4096, MaxRecordSize: 1 << 20, MaxMetadataSize: 4096,
			MaxIOBufferSize: 1 << 20, MaxQueuedWriteDepthBytes: 1 << 20,
			MinFileSize: 1 << 20, MinFreeSpace: 1 << 16,
			StreamCheckpointInterval: 1 << 16, WholeLogCheckpointInterval: 1 << 18,
			MaxStreams: 64,
		},
	}
	buf := mb.Encode()
	got, err := wire.DecodeMasterBlock(buf, mb.Location)
	require.NoError(t, err)
	assert.Equal(t, mb.LogID, got.LogID)
	assert.Equal(t, mb.Location, got.Location)
	assert.Equal(t, mb.Geometry, got.Geometry)

	buf[10] ^= 0xff
	_, err = wire.DecodeMasterBlock(buf, mb.Location)
	assert.Error(t, err)
}

func TestMasterBlockRejectsWrongLocation(t *testing.T) {
	mb := wire.MasterBlock{
		MajorVersion: wire.FormatMajorVersion,
		MinorVersion: wire.FormatMinorVersion,
		LogID:        logid.New(),
		LogFileSize:  1 << 20,
		Location:     0,
		Geometry: wire.GeometryConfig{
			BlockSize: 4096, MaxRecordSize: 1 << 20, MaxMetadataSize: 4096,
			MaxIOBufferSize: 1 << 20, MaxQueuedWriteDepthBytes: 1 << 20,
			MinFileSize: 1 << 20, MinFreeSpace: 1 << 16,
			StreamCheckpointInterval: 1 << 16, WholeLogCheckpointInterval: 1 << 18,
			MaxStreams: 64,
		},
	}
	buf := mb.Encode()
	// A block read from a different physical offset than the one it was
	// written for (e.g. a stale trailing copy from a previous, larger
	// file) must be rejected even though its own checksum is intact.
	_, err := wire.DecodeMasterBlock(buf, 1<<20-4096)
	assert.Error(t, err)
}
