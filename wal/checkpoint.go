// Copyright 2024 The ktllog Authors. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

package wal

import (
	"github.com/ktllog/core/kerrors"
	"github.com/ktllog/core/lsnindex"
	"github.com/ktllog/core/wire"
)

// alignUp rounds v up to the next multiple of align.
func alignUp(v, align uint32) uint32 {
	if v%align == 0 {
		return v
	}
	return v + (align - v%align)
}

// prepareUserRecord builds the almost-complete record for a user
// write (§4.4 stage 1): everything except the LSN block, which is
// stamped in at admit time once the LSN is known.
func (l *Log) prepareUserRecord(op *pipelineOp) (*recordJob, error) {
	common := wire.CommonHeader{
		LogID:           l.logID,
		LogSignature:    l.logSig,
		StreamID:        op.stream.id,
		StreamType:      op.stream.streamType,
		MetadataSize:    uint32(len(op.metadata)),
		IOBufferSize:    uint32(len(op.payload)),
		RecordType:      wire.RecordTypeUser,
		TruncationPoint: op.stream.truncationAsnSnapshot(),
	}
	rec := wire.Record{
		Common:   common,
		User:     &wire.UserSuffix{ASN: op.asn, ASNVersion: op.version},
		Metadata: op.metadata,
	}
	n, err := rec.HeaderAndMetadataLen()
	if err != nil {
		return nil, err
	}
	headerSize := alignUp(uint32(wire.LsnBlockSize+n), l.cfg.BlockSize)
	rec.Common.ThisHeaderSize = headerSize

	total := uint64(headerSize) + uint64(len(op.payload))
	if total > uint64(l.cfg.MaxRecordSize) {
		return nil, kerrors.E(kerrors.BufferOverflow, "wal: record exceeds MaxRecordSize once encoded")
	}

	return &recordJob{
		kind:      recUser,
		rec:       rec,
		payload:   op.payload,
		totalSize: total,
		stream:    op.stream,
		asn:       op.asn,
		version:   op.version,
	}, nil
}

func (s *Stream) truncationAsnSnapshot() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.truncationAsn
}

// snapshotStreamTable captures {streamId, streamType, lowest, highest,
// next} for every live slot, including the dedicated checkpoint
// stream itself (§4.5).
func (l *Log) snapshotStreamTable() []wire.StreamTableEntry {
	l.mu.Lock()
	slots := make([]*Stream, 0, len(l.slots))
	for _, sl := range l.slots {
		if sl.stream != nil {
			slots = append(slots, sl.stream)
		}
	}
	l.mu.Unlock()

	out := make([]wire.StreamTableEntry, 0, len(slots))
	for _, s := range slots {
		lo, hi, next, _ := s.Snapshot()
		out = append(out, wire.StreamTableEntry{
			StreamID:   s.id,
			StreamType: s.streamType,
			Lowest:     lo,
			Highest:    hi,
			Next:       next,
		})
	}
	return out
}

// prepareWholeLogCheckpoint builds the physical checkpoint record: a
// snapshot of the whole stream table, written into the dedicated
// checkpoint stream (§4.5).
func (l *Log) prepareWholeLogCheckpoint() (*recordJob, error) {
	cp := l.cpStream
	streams := l.snapshotStreamTable()

	common := wire.CommonHeader{
		LogID:        l.logID,
		LogSignature: l.logSig,
		StreamID:     cp.id,
		StreamType:   cp.streamType,
		RecordType:   wire.RecordTypeWholeLogCheckpoint,
	}
	suffix := wire.WholeLogCheckpointSuffix{Streams: streams}
	rec := wire.Record{Common: common, WholeLogCP: &suffix}
	n, err := rec.HeaderAndMetadataLen()
	if err != nil {
		return nil, err
	}
	headerSize := alignUp(uint32(wire.LsnBlockSize+n), l.cfg.BlockSize)
	rec.Common.ThisHeaderSize = headerSize
	total := uint64(headerSize)
	if total > l.cfg.MaxWholeLogCheckpointSize {
		return nil, kerrors.E(kerrors.BufferOverflow, "wal: whole-log checkpoint exceeds MaxWholeLogCheckpointSize")
	}

	return &recordJob{
		kind:                 recWholeLogCheckpoint,
		rec:                  rec,
		totalSize:            total,
		stream:               cp,
		isWholeLogCheckpoint: true,
		isLastCpSeg:          true,
	}, nil
}

// prepareStreamCheckpoint builds one or more segments snapshotting a
// stream's ASN and LSN indices (§4.5). All segments are returned
// together so the admit stage assigns them contiguous LSNs in a single
// pass, with the highest-LSN segment marked last: recovery uses that
// marker to recognize a completed stream checkpoint.
func (l *Log) prepareStreamCheckpoint(s *Stream) ([]*recordJob, error) {
	asnEntries := s.asnIndex.Snapshot()
	lsnEntries := s.lsnIndex.Snapshot()

	asn := make([]wire.AsnMappingEntry, len(asnEntries))
	for i, e := range asnEntries {
		asn[i] = wire.AsnMappingEntry{ASN: e.ASN, Version: e.Version, Disposition: uint8(e.Disposition), LSN: e.LSN, PayloadSizeHint: e.PayloadSizeHint}
	}
	lsn := make([]wire.LsnIndexEntry, len(lsnEntries))
	for i, e := range lsnEntries {
		lsn[i] = wire.LsnIndexEntry{LSN: e.LSN, HeaderSize: e.HeaderSize, PayloadSize: e.PayloadSize}
	}

	maxPerSegment := estimateMaxEntriesPerSegment(l.cfg.MaxStreamCheckpointSegmentSize)

	var jobs []*recordJob
	asnOff, lsnOff := 0, 0
	for asnOff < len(asn) || lsnOff < len(lsn) || (len(asn) == 0 && len(lsn) == 0 && len(jobs) == 0) {
		asnEnd := min(asnOff+maxPerSegment, len(asn))
		lsnEnd := min(lsnOff+maxPerSegment, len(lsn))

		common := wire.CommonHeader{
			LogID:        l.logID,
			LogSignature: l.logSig,
			StreamID:     s.id,
			StreamType:   s.streamType,
			RecordType:   wire.RecordTypeStreamCheckpointSegment,
		}
		suffix := wire.StreamCheckpointSuffix{
			StreamID:   s.id,
			SegmentNo:  uint32(len(jobs)),
			AsnEntries: asn[asnOff:asnEnd],
			LsnEntries: lsn[lsnOff:lsnEnd],
		}
		rec := wire.Record{Common: common, StreamCP: &suffix}
		n, err := rec.HeaderAndMetadataLen()
		if err != nil {
			return nil, err
		}
		headerSize := alignUp(uint32(wire.LsnBlockSize+n), l.cfg.BlockSize)
		rec.Common.ThisHeaderSize = headerSize
		total := uint64(headerSize)
		if total > l.cfg.MaxStreamCheckpointSegmentSize {
			return nil, kerrors.E(kerrors.BufferOverflow, "wal: stream checkpoint segment exceeds MaxStreamCheckpointSegmentSize")
		}

		jobs = append(jobs, &recordJob{
			kind:      recStreamCheckpoint,
			rec:       rec,
			totalSize: total,
			stream:    s,
		})

		asnOff, lsnOff = asnEnd, lsnEnd
		if asnOff >= len(asn) && lsnOff >= len(lsn) {
			break
		}
	}
	for i, j := range jobs {
		j.rec.StreamCP.SegmentOf = uint32(len(jobs))
		j.isLastCpSeg = i == len(jobs)-1
	}
	return jobs, nil
}

func estimateMaxEntriesPerSegment(maxSegmentBytes uint64) int {
	const perEntry = wire.AsnMappingEntrySize + wire.LsnIndexEntrySize
	n := int(maxSegmentBytes) / perEntry
	if n < 1 {
		n = 1
	}
	return n
}

// finalizeJobLocked stamps the LSN block and encodes the final
// on-disk bytes for job, now that its LSN has been assigned, and
// computes its physical write plan. Caller must hold l.mu.
func (l *Log) finalizeJobLocked(j *recordJob) error {
	var prevLsnInStream uint64
	if j.stream != nil {
		j.stream.mu.Lock()
		if j.stream.haveAny {
			prevLsnInStream = j.stream.highest
		}
		j.stream.mu.Unlock()
	}

	var highestCompleted uint64
	if l.haveHighestCompleted {
		highestCompleted = l.highestCompletedLsn
	}

	j.rec.Lsn = wire.LsnBlock{
		LSN:                 j.lsn,
		HighestCompletedLsn: highestCompleted,
		LastCheckpointLsn:   l.highestCheckpointLsn,
		PreviousLsnInStream: prevLsnInStream,
	}

	header, err := j.rec.Encode()
	if err != nil {
		return err
	}
	full := header
	if j.kind == recUser {
		full = append(full, j.payload...)
	}
	plan := l.space.Plan(j.lsn, uint64(len(full)))
	segs := make([]segmentWrite, len(plan))
	offsetInFull := uint64(0)
	for i, p := range plan {
		segs[i] = segmentWrite{offset: p.Offset, buf: full[offsetInFull : offsetInFull+p.Length]}
		offsetInFull += p.Length
	}
	j.segments = segs
	j.sizes = lsnindex.Sizes{HeaderSize: j.rec.Common.ThisHeaderSize, PayloadSize: j.rec.Common.IOBufferSize}
	return nil
}
