// Copyright 2024 The ktllog Authors. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

package wal

import (
	"context"

	"github.com/ktllog/core/asnindex"
	"github.com/ktllog/core/kerrors"
	"github.com/ktllog/core/klog"
)

// registerWaiter returns a channel that receives the op's completion
// error exactly once, matched to seq by the completion loop.
func (l *Log) registerWaiter(seq int64) chan error {
	ch := make(chan error, 1)
	l.waitersMu.Lock()
	l.waiters[seq] = ch
	l.waitersMu.Unlock()
	return ch
}

func (l *Log) notifyWaiter(seq int64, err error) {
	l.waitersMu.Lock()
	ch, ok := l.waiters[seq]
	if ok {
		delete(l.waiters, seq)
	}
	l.waitersMu.Unlock()
	if ok {
		ch <- err
	}
}

// completionLoop is pipeline stage 6 (§4.4): it dequeues admitted
// records strictly in LSN order, regardless of the order their
// physical writes finished in, and applies each one's effects to log
// and stream state before releasing the next.
func (l *Log) completionLoop() {
	ctx := context.Background()
	for {
		v, ok, err := l.completeGate.Next(ctx)
		if err != nil {
			klog.Error.Printf("wal: completion gate error: %v", err)
			return
		}
		if !ok {
			return
		}
		job := v.(*recordJob)
		l.completeOne(job)
	}
}

func (l *Log) completeOne(job *recordJob) {
	var opErr error
	l.mu.Lock()
	if job.writeErr != nil {
		l.markFailedLocked(job.writeErr)
		opErr = kerrors.E(kerrors.LogStructureFault, "wal: physical write failed", job.writeErr)
	} else {
		l.highestCompletedLsn = job.lsn
		l.haveHighestCompleted = true
		if job.isWholeLogCheckpoint {
			l.highestCheckpointLsn = job.lsn
			l.haveHighestCheckpoint = true
		}
	}
	l.mu.Unlock()

	if opErr == nil && job.kind == recUser && job.stream != nil {
		job.stream.asnIndex.UpdateLsnAndDisposition(job.asn, job.version, asnindex.Persisted, job.lsn)
	}

	if opErr == nil && job.stream != nil {
		job.stream.lsnIndex.AddHigherLsnRecord(job.lsn, job.sizes)
		job.stream.mu.Lock()
		if !job.stream.haveAny {
			job.stream.lowest = job.lsn
			job.stream.haveAny = true
		}
		job.stream.highest = job.lsn
		job.stream.next = job.lsn + uint64(job.sizes.HeaderSize) + uint64(job.sizes.PayloadSize)
		if job.kind == recStreamCheckpoint && job.isLastCpSeg {
			job.stream.lastStreamCpLsn = job.lsn
		}
		job.stream.mu.Unlock()
	}

	if job.batch != nil && job.batch.remaining.Add(-1) == 0 {
		job.batch.tok.Release()
	}

	l.notifyWaiter(job.seq, opErr)
}
