// Copyright 2024 The ktllog Authors. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

package wal

import (
	"context"
	"fmt"

	"github.com/ktllog/core/asnindex"
	"github.com/ktllog/core/wire"
)

// readRingBytes reads n bytes starting at lsn, splitting the read
// across the ring wrap exactly as lsnspace.Space.Plan splits writes.
func (l *Log) readRingBytes(ctx context.Context, lsn uint64, n uint64) ([]byte, error) {
	buf := make([]byte, n)
	off := uint64(0)
	for _, seg := range l.space.Plan(lsn, n) {
		if err := l.dev.Read(ctx, seg.Offset, buf[off:off+seg.Length], true); err != nil {
			return nil, err
		}
		off += seg.Length
	}
	return buf, nil
}

// readRecordAt reads and validates whatever record physically occupies
// ring position pos, including its payload if it is a user record. pos
// is a ring position, not necessarily the record's own LSN: recovery's
// head-finding scan (§4.8 Phase B/C) walks ring positions that do not
// always correspond to what was originally written there (a wrapped or
// truncated log, or the zone of chaos), so the decoded record's own
// lsn field is returned for the caller to check rather than enforced
// here. It returns ok=false (with a nil error) for a record whose
// header fails to decode or validate, signaling the caller has reached
// a hole: the end of the valid log, a wrap boundary, or the start of
// the zone of chaos left by an incomplete write.
func (l *Log) readRecordAt(ctx context.Context, pos uint64) (rec wire.Record, totalSize uint64, ok bool, err error) {
	const fixedPrefix = wire.LsnBlockSize + wire.CommonHeaderSize
	prefix, err := l.readRingBytes(ctx, pos, fixedPrefix)
	if err != nil {
		return wire.Record{}, 0, false, err
	}
	headerSize, perr := wire.PeekThisHeaderSize(prefix)
	if perr != nil || headerSize < fixedPrefix || uint64(headerSize) > uint64(l.cfg.MaxRecordSize) {
		return wire.Record{}, 0, false, nil
	}

	full := prefix
	if uint64(headerSize) > fixedPrefix {
		rest, err := l.readRingBytes(ctx, pos+fixedPrefix, uint64(headerSize)-fixedPrefix)
		if err != nil {
			return wire.Record{}, 0, false, err
		}
		full = append(full, rest...)
	}

	r, derr := wire.DecodeRecord(full)
	if derr != nil {
		return wire.Record{}, 0, false, nil
	}

	total := uint64(headerSize) + uint64(r.Common.IOBufferSize)
	if r.Common.RecordType == wire.RecordTypeUser && r.Common.IOBufferSize > 0 {
		// The payload itself carries no checksum (§4.1): reading it here
		// only confirms the bytes physically landed, which is enough for
		// recovery's purposes since every size it needs already came from
		// the (CRC-validated) header.
		if _, err := l.readRingBytes(ctx, pos+uint64(headerSize), uint64(r.Common.IOBufferSize)); err != nil {
			return wire.Record{}, 0, false, err
		}
	}
	return r, total, true, nil
}

// ReadPayload reads back the payload bytes last written for asn
// (SPEC_FULL.md §D.4): a convenience built on top of the ASN and LSN
// indices that re-reads the physical record rather than caching
// payload bytes in memory.
func (s *Stream) ReadPayload(ctx context.Context, asn uint64) ([]byte, error) {
	e, ok := s.asnIndex.Query(asn, asnindex.Exact)
	if !ok {
		return nil, fmt.Errorf("wal: asn %d not found", asn)
	}
	const fixedPrefix = wire.LsnBlockSize + wire.CommonHeaderSize
	prefix, err := s.log.readRingBytes(ctx, e.LSN, fixedPrefix)
	if err != nil {
		return nil, err
	}
	headerSize, perr := wire.PeekThisHeaderSize(prefix)
	if perr != nil {
		return nil, perr
	}
	full := prefix
	if uint64(headerSize) > fixedPrefix {
		rest, err := s.log.readRingBytes(ctx, e.LSN+fixedPrefix, uint64(headerSize)-fixedPrefix)
		if err != nil {
			return nil, err
		}
		full = append(full, rest...)
	}
	r, err := wire.DecodeRecord(full)
	if err != nil {
		return nil, err
	}
	if r.User == nil || r.User.ASN != asn {
		return nil, fmt.Errorf("wal: record at lsn %d does not match asn %d", e.LSN, asn)
	}
	if r.Common.IOBufferSize == 0 {
		return nil, nil
	}
	return s.log.readRingBytes(ctx, e.LSN+uint64(headerSize), uint64(r.Common.IOBufferSize))
}
