// Copyright 2024 The ktllog Authors. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

package wal

import (
	"context"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/ktllog/core/blockdev"
	"github.com/ktllog/core/kerrors"
	"github.com/ktllog/core/klog"
	"github.com/ktllog/core/lsnindex"
	"github.com/ktllog/core/quota"
	"github.com/ktllog/core/wire"
)

type opKind int

const (
	opUserWrite opKind = iota
	opUpdateReservation
	opForceCheckpoint
)

// pipelineOp is a caller-facing write-pipeline request (§4.4). Its
// kind selects which of the seven stages apply.
type pipelineOp struct {
	kind   opKind
	log    *Log
	stream *Stream

	asn              uint64
	version          uint64
	metadata         []byte
	payload          []byte
	totalSize        uint64
	reservationToUse uint64
	lowPriority      bool
	reservationDelta int64

	done chan struct{}
	err  error
}

// recordKind distinguishes the physical records a single admitted
// batch may contain.
type recordKind int

const (
	recUser recordKind = iota
	recStreamCheckpoint
	recWholeLogCheckpoint
)

// recordJob is one physical record admitted in a batch: assigned an
// LSN and a completion-gate sequence number under the admit lock, then
// written and completed outside it.
type recordJob struct {
	kind     recordKind
	seq      int64
	lsn      uint64
	segments []segmentWrite
	sizes    lsnindex.Sizes

	rec       wire.Record
	payload   []byte
	totalSize uint64

	stream      *Stream // nil for the whole-log checkpoint record
	asn         uint64
	version     uint64
	isLastCpSeg bool

	isWholeLogCheckpoint bool

	batch    *recordBatch
	writeErr error
}

// recordBatch tracks the quota token shared by every job admitted in a
// single admit-lock entry (§4.4 stage 4's "Commit space" covers the
// whole batch at once); the token is released once every job in the
// batch has completed (§4.4 stage 7).
type recordBatch struct {
	tok       *quota.Token
	remaining atomic.Int32
}

type segmentWrite struct {
	offset uint64
	buf    []byte
}

// runPipeline drives op through admission, dispatch, and (for the
// caller's own record) waits for LSN-ordered completion.
func (l *Log) runPipeline(ctx context.Context, op *pipelineOp) error {
	if op.kind == opUpdateReservation {
		return l.admitReservationUpdate(ctx, op)
	}

	quotaNeeded := int64(op.totalSize) + int64(l.cfg.MaxStreamCheckpointSegmentSize) + int64(l.cfg.MaxWholeLogCheckpointSize)
	if op.kind == opForceCheckpoint {
		quotaNeeded = int64(l.cfg.MaxWholeLogCheckpointSize)
	}
	tok, err := l.quotaGate.Acquire(ctx, quotaNeeded)
	if err != nil {
		return err
	}

	jobs, primarySeq, err := l.admit(ctx, op, tok)
	if err != nil {
		tok.Release()
		return err
	}

	ch := l.registerWaiter(primarySeq)
	l.dispatch(jobs)

	return l.awaitSeq(ctx, ch)
}

// admit is pipeline stage 4: it runs entirely under the admit lock.
func (l *Log) admit(ctx context.Context, op *pipelineOp, tok *quota.Token) ([]*recordJob, int64, error) {
	if err := l.admitMu.Lock(ctx); err != nil {
		return nil, 0, err
	}
	defer l.admitMu.Unlock()

	l.mu.Lock()
	if err := l.checkFailedLocked(); err != nil {
		l.mu.Unlock()
		return nil, 0, err
	}
	l.mu.Unlock()

	var jobs []*recordJob
	var primaryJob *recordJob

	switch op.kind {
	case opUserWrite:
		j, err := l.prepareUserRecord(op)
		if err != nil {
			return nil, 0, err
		}
		jobs = append(jobs, j)
		primaryJob = j
	case opForceCheckpoint:
		j, err := l.prepareWholeLogCheckpoint()
		if err != nil {
			return nil, 0, err
		}
		jobs = append(jobs, j)
		primaryJob = j
	}

	// Evaluate checkpoint thresholds inline (§4.4 stage 4 "Decide
	// checkpoints inline"). Only for user writes: a forced checkpoint is
	// itself the whole-log CP.
	if op.kind == opUserWrite {
		if due := l.wholeLogCpDueLocked(); due {
			if j, err := l.prepareWholeLogCheckpoint(); err == nil {
				jobs = append(jobs, j)
			}
		}
		if due := op.stream.streamCpDue(l.cfg.StreamCheckpointInterval); due {
			segs, err := l.prepareStreamCheckpoint(op.stream)
			if err == nil {
				jobs = append(jobs, segs...)
			}
		}
	}

	var totalLsnNeeded uint64
	for _, j := range jobs {
		totalLsnNeeded += j.totalSize
	}

	l.mu.Lock()
	if l.free+op.reservationToUse < totalLsnNeeded {
		l.mu.Unlock()
		if op.reservationToUse > 0 && op.reservationToUse < totalLsnNeeded {
			return nil, 0, kerrors.E(kerrors.ReserveTooSmall, "wal: declared reservation too small")
		}
		return nil, 0, kerrors.E(kerrors.LogFull, "wal: insufficient free space")
	}
	l.free -= totalLsnNeeded
	if op.reservationToUse > 0 {
		if op.reservationToUse > l.reserved {
			op.reservationToUse = l.reserved
		}
		l.reserved -= op.reservationToUse
		l.free += op.reservationToUse
	}
	if op.stream != nil {
		op.stream.mu.Lock()
		if op.reservationToUse > 0 && op.reservationToUse <= op.stream.reservedBytes {
			op.stream.reservedBytes -= op.reservationToUse
		}
		op.stream.mu.Unlock()
	}

	for _, j := range jobs {
		lsn := l.allocateLsnLocked(j.totalSize)
		j.lsn = lsn
		if err := l.finalizeJobLocked(j); err != nil {
			l.mu.Unlock()
			return nil, 0, err
		}
		j.seq = l.seq
		l.seq++
		if j.isWholeLogCheckpoint {
			l.lastWholeLogCpLsn = lsn
		}
	}
	l.mu.Unlock()

	// Trim excess quota not needed for the actual committed size (§4.4
	// stage 4, last bullet); the remainder is released once every job
	// in the batch completes.
	if held := tok.Held(); held > int64(totalLsnNeeded) {
		tok.ReleasePartial(held - int64(totalLsnNeeded))
	}
	batch := &recordBatch{tok: tok}
	batch.remaining.Store(int32(len(jobs)))
	for _, j := range jobs {
		j.batch = batch
	}

	_ = primaryJob
	return jobs, jobs[0].seq, nil
}

func (l *Log) wholeLogCpDueLocked() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.next-l.lastWholeLogCpLsn >= l.cfg.WholeLogCheckpointInterval
}

func (s *Stream) streamCpDue(interval uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.next-s.lastStreamCpLsn >= interval
}

// allocateLsnLocked assigns the next LSN and advances log.next by size.
// Caller must hold l.mu.
func (l *Log) allocateLsnLocked(size uint64) uint64 {
	lsn := l.next
	l.next += size
	return lsn
}

// dispatch issues the physical writes for a batch outside the admit
// lock (§4.4 stage 5) and feeds each job into the LSN-ordered
// completion gate (stage 6) as it finishes.
func (l *Log) dispatch(jobs []*recordJob) {
	for _, j := range jobs {
		j := j
		go func() {
			var g errgroup.Group
			for _, seg := range j.segments {
				seg := seg
				g.Go(func() error {
					return l.dev.Write(context.Background(), blockdev.Foreground, seg.offset, seg.buf)
				})
			}
			if err := g.Wait(); err != nil {
				j.writeErr = err
				klog.Error.Printf("wal: physical write failed at lsn %d: %v", j.lsn, err)
			}
			if err := l.completeGate.Insert(context.Background(), j.seq, j); err != nil {
				klog.Error.Printf("wal: completion gate insert failed: %v", err)
			}
		}()
	}
}

// awaitSeq blocks until the completion loop has processed the primary
// record's seq, whose waiter channel ch was registered before dispatch.
func (l *Log) awaitSeq(ctx context.Context, ch chan error) error {
	select {
	case err := <-ch:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *Log) admitReservationUpdate(ctx context.Context, op *pipelineOp) error {
	if err := l.admitMu.Lock(ctx); err != nil {
		return err
	}
	defer l.admitMu.Unlock()

	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.checkFailedLocked(); err != nil {
		return err
	}
	delta := op.reservationDelta
	if delta > 0 {
		if l.free < uint64(delta)+l.cfg.MinFreeSpace {
			return kerrors.E(kerrors.LogFull, "wal: reservation increase would breach minimum free space")
		}
		l.free -= uint64(delta)
		l.reserved += uint64(delta)
		op.stream.mu.Lock()
		op.stream.reservedBytes += uint64(delta)
		op.stream.mu.Unlock()
	} else if delta < 0 {
		n := uint64(-delta)
		op.stream.mu.Lock()
		if n > op.stream.reservedBytes {
			op.stream.mu.Unlock()
			return kerrors.E(kerrors.ReserveTooSmall, "wal: reservation decrease exceeds held reservation")
		}
		op.stream.reservedBytes -= n
		op.stream.mu.Unlock()
		l.reserved -= n
		l.free += n
	}
	return nil
}
