// Copyright 2024 The ktllog Authors. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

package wal

import (
	"context"

	"github.com/ktllog/core/asnindex"
	"github.com/ktllog/core/kerrors"
	"github.com/ktllog/core/klog"
	"github.com/ktllog/core/logid"
	"github.com/ktllog/core/lsnindex"
	"github.com/ktllog/core/wire"
)

// headRecord is one physically-decoded record encountered while
// walking the head run (§4.8 Phase B/C), keyed by its own lsn field
// (CRC validated) rather than the ring position it happened to be read
// from.
type headRecord struct {
	lsn  uint64
	size uint64
	rec  wire.Record
}

// chunkProbe is the result of scanning one recovery chunk for the
// earliest record header it holds (§4.8 Phase B). ok is false if the
// chunk is entirely unwritten.
type chunkProbe struct {
	lsn  uint64
	size uint64
	rec  wire.Record
	ok   bool
}

// probeChunk scans chunk block by block from its start, returning the
// first record whose header decodes validly. This is the per-chunk
// primitive the Phase B binary search compares across chunks.
func (l *Log) probeChunk(ctx context.Context, chunkIdx uint64) (chunkProbe, error) {
	start, end := l.space.ChunkBounds(chunkIdx)
	for pos := start; pos < end; pos += uint64(l.cfg.BlockSize) {
		rec, size, ok, err := l.readRecordAt(ctx, pos)
		if err != nil {
			return chunkProbe{}, err
		}
		if ok {
			return chunkProbe{lsn: rec.Lsn.LSN, size: size, rec: rec, ok: true}, nil
		}
	}
	return chunkProbe{}, nil
}

// findHeadChunk implements §4.8 Phase B: binary search for the
// recovery chunk holding the highest LSN instead of scanning the whole
// region linearly. Read chunk by chunk from ring position 0, the
// representative LSN found in each chunk is ascending except for
// either a single drop (the ring has wrapped at least once) or an
// unwritten tail (the ring has never been filled once); both shapes
// support a binary search for the boundary instead of a full scan.
// haveHead is false if the log has never had anything written to it.
func (l *Log) findHeadChunk(ctx context.Context, n uint64) (probe chunkProbe, haveHead bool, err error) {
	first, err := l.probeChunk(ctx, 0)
	if err != nil {
		return chunkProbe{}, false, err
	}
	if !first.ok {
		return chunkProbe{}, false, nil
	}
	if n == 1 {
		return first, true, nil
	}

	last, err := l.probeChunk(ctx, n-1)
	if err != nil {
		return chunkProbe{}, false, err
	}
	if !last.ok {
		// The ring has never been filled once: binary search for the
		// last chunk that has been written to.
		lo, hi := uint64(0), n-1
		for lo < hi {
			mid := lo + (hi-lo+1)/2
			p, err := l.probeChunk(ctx, mid)
			if err != nil {
				return chunkProbe{}, false, err
			}
			if p.ok {
				lo = mid
			} else {
				hi = mid - 1
			}
		}
		p, err := l.probeChunk(ctx, lo)
		return p, true, err
	}
	if first.lsn < last.lsn {
		// Ascending all the way round: the ring has never wrapped and is
		// exactly full, with no unwritten tail.
		return last, true, nil
	}

	// Rotated: binary search for the pivot chunk, the one immediately
	// before the represented LSN drops back down to an earlier value.
	lo, hi := uint64(0), n-1
	loVal := first
	for lo < hi {
		mid := lo + (hi-lo+1)/2
		p, err := l.probeChunk(ctx, mid)
		if err != nil {
			return chunkProbe{}, false, err
		}
		if p.ok && p.lsn >= loVal.lsn {
			lo, loVal = mid, p
		} else {
			hi = mid - 1
		}
	}
	p, err := l.probeChunk(ctx, lo)
	return p, true, err
}

// scanHeadRun walks forward from the first record found in the head
// chunk, following each record's own reported size rather than block
// steps, until it hits either a decode failure or a record whose LSN
// does not continue the expected sequence. A record found at the
// expected continuation point whose LSN doesn't match is the "hole
// marker" of §4.8 Phase B/C: either the zone of chaos, or stale bytes
// left over from a previous lap of the ring. Either way, the run built
// here is the trusted head, and its last entry's own header fields are
// the most authoritative available for highestCompletedLsn and the
// last checkpoint's LSN (every record's header snapshots those values
// as of its own admission, so the most recently admitted record - the
// last one physically found - has the freshest view).
func (l *Log) scanHeadRun(ctx context.Context, start chunkProbe, regionSize uint64) ([]headRecord, error) {
	run := []headRecord{{lsn: start.lsn, size: start.size, rec: start.rec}}
	pos := start.lsn + start.size
	scanned := start.size
	for scanned < regionSize {
		rec, size, ok, err := l.readRecordAt(ctx, pos)
		if err != nil {
			return nil, err
		}
		if !ok || rec.Lsn.LSN != pos {
			break
		}
		run = append(run, headRecord{lsn: pos, size: size, rec: rec})
		pos += size
		scanned += size
	}
	return run, nil
}

// streamAccum is the in-memory state recovery rebuilds for one stream,
// seeded from the last checkpoint's stream table (§4.8 Phase E) and
// then advanced by replaying the trusted tail (§4.8 Phase F).
type streamAccum struct {
	id, typ         logid.ID
	lowest, highest uint64
	next            uint64
	haveAny         bool
	lastStreamCpLsn uint64
	asn             []asnindex.Entry
	lsn             []lsnindex.LsnSizes
}

func (a *streamAccum) observe(lsn, size uint64) {
	if !a.haveAny {
		a.lowest = lsn
		a.haveAny = true
	}
	a.highest = lsn
	a.next = lsn + size
}

// recoverLog rebuilds a Log's in-memory state from the physical
// contents of the ring (§4.8). Master block validation and geometry
// recovery (Phase A) already happened in OpenLog; this function covers
// Phases B through F: locate the head by chunk binary search, cap it at
// highestCompletedLsn to exclude the zone of chaos, read the last
// whole-log checkpoint's stream table, and replay only the trusted
// records after it.
func recoverLog(ctx context.Context, l *Log, regionSize uint64) error {
	n := l.space.ChunkCount()
	probe, haveHead, err := l.findHeadChunk(ctx, n)
	if err != nil {
		return err
	}
	if !haveHead {
		l.mu.Lock()
		l.lowest, l.next = 0, 0
		l.free = regionSize
		l.mu.Unlock()
		klog.Info.Printf("wal: recovery found an empty log")
		return nil
	}

	run, err := l.scanHeadRun(ctx, probe, regionSize)
	if err != nil {
		return err
	}

	last := run[len(run)-1]
	highestCompleted := last.rec.Lsn.HighestCompletedLsn
	cpLsn := last.rec.Lsn.LastCheckpointLsn

	// §4.8 Phase C: drop everything physically present beyond
	// highestCompletedLsn. These are records the completion gate never
	// observed finishing, even though their bytes landed (scenario 6:
	// W6 is on disk and decodes, but its own header's
	// highestCompletedLsn still points at W5).
	cut := len(run)
	for i, hr := range run {
		if hr.lsn > highestCompleted {
			cut = i
			break
		}
	}
	trusted := run[:cut]

	var next uint64
	if len(trusted) > 0 {
		tl := trusted[len(trusted)-1]
		next = tl.lsn + tl.size
	} else {
		next = run[0].lsn
	}

	// §4.8 Phase E: read the last whole-log checkpoint and load its
	// stream table. cpLsn==0 is ambiguous with "never checkpointed", so
	// confirm by reading the record physically rather than trusting the
	// zero value alone.
	var streamTable []wire.StreamTableEntry
	var haveCheckpoint bool
	cpRec, _, ok, err := l.readRecordAt(ctx, cpLsn)
	if err != nil {
		return err
	}
	if ok && cpRec.Lsn.LSN == cpLsn && cpRec.Common.RecordType == wire.RecordTypeWholeLogCheckpoint {
		haveCheckpoint = true
		streamTable = cpRec.WholeLogCP.Streams
	}

	accum := make(map[logid.ID]*streamAccum)
	for _, e := range streamTable {
		accum[e.StreamID] = &streamAccum{
			id: e.StreamID, typ: e.StreamType,
			lowest: e.Lowest, highest: e.Highest, next: e.Next,
			haveAny: e.Next > e.Lowest,
		}
	}

	// §4.8 Phase F: replay (cpLsn, highestCompletedLsn] on top of the
	// checkpointed state; absent any checkpoint, replay the whole
	// trusted run from genesis.
	for _, hr := range trusted {
		if haveCheckpoint && hr.lsn <= cpLsn {
			continue
		}
		rec := hr.rec
		a := accum[rec.Common.StreamID]
		if a == nil {
			a = &streamAccum{id: rec.Common.StreamID, typ: rec.Common.StreamType}
			accum[rec.Common.StreamID] = a
		}
		if a.typ != rec.Common.StreamType {
			return kerrors.E(kerrors.LogStructureFault, "wal: replayed record's stream type "+
				rec.Common.StreamType.String()+" disagrees with recovered stream type "+a.typ.String())
		}
		switch rec.Common.RecordType {
		case wire.RecordTypeUser:
			a.observe(hr.lsn, hr.size)
			a.asn = append(a.asn, asnindex.Entry{
				ASN: rec.User.ASN, Version: rec.User.ASNVersion,
				Disposition: asnindex.Persisted, LSN: hr.lsn, PayloadSizeHint: rec.Common.IOBufferSize,
			})
			a.lsn = append(a.lsn, lsnindex.LsnSizes{LSN: hr.lsn, Sizes: lsnindex.Sizes{
				HeaderSize: rec.Common.ThisHeaderSize, PayloadSize: rec.Common.IOBufferSize,
			}})
		case wire.RecordTypeStreamCheckpointSegment:
			a.observe(hr.lsn, hr.size)
			a.lsn = append(a.lsn, lsnindex.LsnSizes{LSN: hr.lsn, Sizes: lsnindex.Sizes{
				HeaderSize: rec.Common.ThisHeaderSize, PayloadSize: rec.Common.IOBufferSize,
			}})
			if rec.StreamCP.SegmentNo+1 == rec.StreamCP.SegmentOf {
				a.lastStreamCpLsn = hr.lsn
			}
		case wire.RecordTypeWholeLogCheckpoint:
			// cpLsn already names the latest checkpoint (it came from the
			// head's own header fields), so none should appear in the
			// replay window; a stray one means the window was miscomputed.
			return kerrors.E(kerrors.LogStructureFault, "wal: unexpected whole-log checkpoint inside the replay window")
		}
	}

	// §4.8 Phase E: log.lowest is the minimum lowest across non-empty,
	// non-CP streams.
	var lowest uint64
	haveLowest := false
	for id, a := range accum {
		if id == l.cpStream.id || !a.haveAny {
			continue
		}
		if !haveLowest || a.lowest < lowest {
			lowest, haveLowest = a.lowest, true
		}
	}
	if !haveLowest {
		lowest = next
	}

	l.mu.Lock()
	l.lowest = lowest
	l.next = next
	l.highestCompletedLsn = highestCompleted
	l.haveHighestCompleted = true
	l.highestCheckpointLsn = cpLsn
	l.haveHighestCheckpoint = haveCheckpoint
	l.lastWholeLogCpLsn = cpLsn
	// §8: free == regionSize - reserved - (next - lowest). No
	// reservation survives a crash, so reserved is 0 here; MinFreeSpace
	// is a separate floor the write pipeline enforces at admit time, not
	// folded into free itself.
	l.free = regionSize - (next - lowest)
	l.mu.Unlock()

	for id, a := range accum {
		var s *Stream
		if id == l.cpStream.id {
			s = l.cpStream
		} else {
			var err error
			s, err = l.OpenOrCreateStream(ctx, id, a.typ)
			if err != nil {
				return err
			}
		}
		s.asnIndex.Load(a.asn)
		s.lsnIndex.Load(a.lsn)
		s.mu.Lock()
		s.lowest, s.highest, s.next, s.haveAny = a.lowest, a.highest, a.next, a.haveAny
		s.lastStreamCpLsn = a.lastStreamCpLsn
		s.mu.Unlock()
	}

	klog.Info.Printf("wal: recovery found head at lsn %d, highestCompleted=%d, lowest=%d, next=%d across %d streams",
		last.lsn, highestCompleted, lowest, next, len(accum))
	return nil
}
