// Copyright 2024 The ktllog Authors. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

package wal

import (
	"context"

	"github.com/ktllog/core/klog"
)

// truncateStream runs the truncation engine (§4.6) for stream, up to
// newTruncation. Only one truncation pass runs at a time per stream
// (guarded by stream.truncMu); a call that arrives while a pass is
// already running for a lower target raises stream.truncationAsn, which
// the in-flight pass re-checks and loops on, and then waits for
// truncMu and runs its own pass, so two passes never run concurrently.
func (l *Log) truncateStream(ctx context.Context, s *Stream, newTruncation uint64) error {
	s.mu.Lock()
	if newTruncation <= s.truncationAsn {
		s.mu.Unlock()
		return nil
	}
	s.truncationAsn = newTruncation
	s.mu.Unlock()

	s.truncMu.Lock()
	defer s.truncMu.Unlock()

	for {
		s.mu.Lock()
		target := s.truncationAsn
		s.mu.Unlock()

		if err := l.runTruncationPass(ctx, s, target); err != nil {
			return err
		}

		s.mu.Lock()
		latest := s.truncationAsn
		s.mu.Unlock()
		if latest <= target {
			return nil
		}
		// A higher target arrived while this pass ran (§4.6 "queued
		// re-run"): loop once more instead of returning, so the caller
		// never observes a truncation weaker than the one it asked for.
	}
}

// runTruncationPass performs one truncation pass: it advances the
// stream's lowest LSN to the boundary its truncation ASN now permits,
// folds that into the log-wide lowest-used LSN, conditionally forces a
// whole-log checkpoint to make the reclaimed space usable, truncates
// the stream's LSN index, and issues trim hints for freed ranges.
func (l *Log) runTruncationPass(ctx context.Context, s *Stream, target uint64) error {
	fallback := s.nextLsnSnapshot()
	newLow := s.asnIndex.LowestLsnOfHigherAsns(target, fallback)

	s.mu.Lock()
	if !s.haveAny || newLow > s.lowest {
		s.lowest = newLow
		if newLow >= s.next {
			s.haveAny = false
		}
	}
	belowLsn := s.lowest
	s.mu.Unlock()
	s.lsnIndex.Truncate(belowLsn)

	if err := l.recomputeLogLowest(ctx); err != nil {
		return err
	}

	l.mu.Lock()
	lowest, next := l.lowest, l.next
	l.mu.Unlock()
	for _, r := range l.space.UnusedRanges(lowest, next) {
		if err := l.dev.Trim(ctx, r.Offset, r.Offset+r.Length); err != nil {
			klog.Error.Printf("wal: trim hint for [%d,%d) failed (non-fatal): %v", r.Offset, r.Offset+r.Length, err)
		}
	}
	return nil
}

// recomputeLogLowest recomputes the log-wide lowest-used LSN across
// every live user stream (§4.6 step 3), excluding the dedicated
// checkpoint stream's own lowest from the computation so a stale
// checkpoint record doesn't pin space open indefinitely. If the
// recomputed value reclaims at least one whole-log checkpoint's worth
// of space, a whole-log checkpoint is forced, the checkpoint stream's
// own lowest advances to what was its highest before that checkpoint,
// and log.lowest/log.free advance; otherwise nothing observable changes.
func (l *Log) recomputeLogLowest(ctx context.Context) error {
	l.mu.Lock()
	var streams []*Stream
	for _, sl := range l.slots {
		if sl.stream != nil && sl.stream != l.cpStream {
			streams = append(streams, sl.stream)
		}
	}
	oldLowest := l.lowest
	newLowest := l.next
	l.mu.Unlock()

	for _, st := range streams {
		lo, _, _, nonEmpty := st.Snapshot()
		if nonEmpty && lo < newLowest {
			newLowest = lo
		}
	}

	var reclaimable uint64
	if newLowest > oldLowest {
		reclaimable = newLowest - oldLowest
	}
	if reclaimable < l.cfg.MaxWholeLogCheckpointSize {
		return nil
	}
	cp := l.cpStream
	cp.mu.Lock()
	cpHighest, cpHadAny := cp.highest, cp.haveAny
	cp.mu.Unlock()
	if err := l.ForceCheckpoint(ctx); err != nil {
		return err
	}
	cp.mu.Lock()
	if cpHadAny && cpHighest > cp.lowest {
		cp.lowest = cpHighest
	}
	cpLowest := cp.lowest
	cp.mu.Unlock()
	cp.lsnIndex.Truncate(cpLowest)
	l.mu.Lock()
	if newLowest > l.lowest {
		l.free += newLowest - l.lowest
		l.lowest = newLowest
	}
	l.mu.Unlock()
	return nil
}
