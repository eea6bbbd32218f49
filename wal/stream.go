// Copyright 2024 The ktllog Authors. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

package wal

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/ktllog/core/asnindex"
	"github.com/ktllog/core/kerrors"
	"github.com/ktllog/core/logid"
	"github.com/ktllog/core/lsnindex"
	"github.com/ktllog/core/olc"
	"github.com/ktllog/core/wire"
)

type streamState int32

const (
	streamOpen streamState = iota
	streamDeleting
)

// Stream is one independent logical record sequence inside a Log
// (§3.1). Each Stream exclusively owns its two indices and is
// serialized for writes by its own logical apartment queue (§D.3 of
// SPEC_FULL.md): two writers racing on the same stream's reservation
// counters are forced through writeMu in FIFO order before either
// reaches the log's shared admit lock.
type Stream struct {
	log        *Log
	slotIndex  uint32
	id         logid.ID
	streamType logid.ID

	writeMu olc.Mutex  // the stream's logical apartment queue
	truncMu sync.Mutex // serializes truncation passes; §4.6 "at most one at a time"

	mu               sync.Mutex
	lowest           uint64
	highest          uint64
	haveAny          bool
	next             uint64
	lastStreamCpLsn  uint64
	truncationAsn    uint64
	reservedBytes    uint64
	state            atomic.Int32

	asnIndex *asnindex.Index
	lsnIndex *lsnindex.Index
}

func newStream(l *Log, slotIndex uint32, id, streamType logid.ID) *Stream {
	return &Stream{
		log:        l,
		slotIndex:  slotIndex,
		id:         id,
		streamType: streamType,
		asnIndex:   asnindex.New(),
		lsnIndex:   lsnindex.New(),
	}
}

// stateFn reports the stream's current lifecycle state.
func (s *Stream) stateFn() streamState { return streamState(s.state.Load()) }

func (s *Stream) setDeleting() bool {
	return s.state.CompareAndSwap(int32(streamOpen), int32(streamDeleting))
}

func (s *Stream) nextLsnSnapshot() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.next
}

// ID returns the stream's identifier.
func (s *Stream) ID() logid.ID { return s.id }

// Type returns the stream's type tag.
func (s *Stream) Type() logid.ID { return s.streamType }

// Snapshot returns the stream's current {lowest, highest, next} and
// whether it is non-empty.
func (s *Stream) Snapshot() (lowest, highest, next uint64, nonEmpty bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lowest, s.highest, s.next, s.haveAny
}

// Write admits one record into the stream (§6.5). metadata and
// payload are copied; the caller's buffers may be reused immediately
// after Write returns.
func (s *Stream) Write(ctx context.Context, asn, version uint64, metadata, payload []byte, reservationToUse uint64, lowPriority bool) error {
	if s.stateFn() == streamDeleting {
		return kerrors.E(kerrors.DeletePending, "wal: stream is being deleted")
	}
	if err := s.writeMu.Lock(ctx); err != nil {
		return err
	}
	defer s.writeMu.Unlock()

	s.mu.Lock()
	truncAsn := s.truncationAsn
	s.mu.Unlock()
	if asn <= truncAsn {
		// Old write below the truncation point: logical no-op success
		// (§4.4 stage 1).
		return nil
	}

	totalSize := uint64(wire.LsnBlockSize+wire.CommonHeaderSize+wire.UserSuffixSize) + uint64(len(metadata)) + uint64(len(payload))
	if totalSize > uint64(s.log.cfg.MaxRecordSize) {
		return kerrors.E(kerrors.BufferOverflow, "wal: record exceeds MaxRecordSize")
	}
	if uint64(len(metadata)) > uint64(s.log.cfg.MaxMetadataSize) {
		return kerrors.E(kerrors.BufferOverflow, "wal: metadata exceeds MaxMetadataSize")
	}

	prior, hadPrior, err := s.asnIndex.AddOrUpdate(asn, version, uint32(len(payload)))
	if err != nil {
		return err
	}

	op := &pipelineOp{
		kind:             opUserWrite,
		log:              s.log,
		stream:           s,
		asn:              asn,
		version:          version,
		metadata:         append([]byte(nil), metadata...),
		payload:          append([]byte(nil), payload...),
		totalSize:         totalSize,
		reservationToUse: reservationToUse,
		lowPriority:      lowPriority,
		done:             make(chan struct{}),
	}
	if err := s.log.runPipeline(ctx, op); err != nil {
		s.asnIndex.Restore(asn, prior, hadPrior)
		return err
	}
	return nil
}

// UpdateReservation adjusts the stream's reservation counter through
// the admit lock (§4.4 "Update-reservation").
func (s *Stream) UpdateReservation(ctx context.Context, delta int64) error {
	if err := s.writeMu.Lock(ctx); err != nil {
		return err
	}
	defer s.writeMu.Unlock()
	op := &pipelineOp{
		kind:              opUpdateReservation,
		log:               s.log,
		stream:            s,
		reservationDelta:  delta,
		done:              make(chan struct{}),
	}
	return s.log.runPipeline(ctx, op)
}

// DeleteRecord removes an ASN entry, possibly advancing the stream's
// minimal truncation point (§E of SPEC_FULL.md; §9(c)).
func (s *Stream) DeleteRecord(ctx context.Context, asn, version uint64) error {
	removed, minTrunc := s.asnIndex.TryRemoveForDelete(asn, version, 0)
	if !removed {
		return kerrors.E(kerrors.NotFound, "wal: delete target not found or version mismatch")
	}
	if minTrunc > 0 {
		return s.Truncate(ctx, minTrunc)
	}
	return nil
}

// Truncate advances the stream's truncation point and runs the
// truncation engine (§4.6).
func (s *Stream) Truncate(ctx context.Context, newTruncation uint64) error {
	return s.log.truncateStream(ctx, s, newTruncation)
}

// Query looks up an ASN entry by kind (§6.5).
func (s *Stream) Query(asn uint64, kind asnindex.QueryKind) (asnindex.Entry, bool) {
	return s.asnIndex.Query(asn, kind)
}

// QueryRange returns all ASN entries in [low, high].
func (s *Stream) QueryRange(low, high uint64) []asnindex.Entry {
	return s.asnIndex.QueryRange(low, high)
}
