// Copyright 2024 The ktllog Authors. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

package wire

import (
	"fmt"

	"github.com/ktllog/core/logid"
)

// LsnBlockSize is the size of the LSN checksum block (§6.4): the
// prefix of every record header that is rewritten after the rest of
// the header has been composed and CRC1 computed over it.
const LsnBlockSize = 8 * 5

// LsnBlock carries the fields stamped onto a record only once it has
// been admitted and assigned an LSN (§4.1, §4.4 stage 4). Its on-disk
// checksum (ThisBlockChecksum) is CRC2: a checksum over the other four
// fields here with CRC1 (computed over the header+metadata region that
// follows this block) folded in. With this split, CRC1 does not depend
// on these fields; Record.Encode still recomputes CRC1 on every call.
type LsnBlock struct {
	ThisBlockChecksum  uint64
	LSN                uint64
	HighestCompletedLsn uint64
	LastCheckpointLsn   uint64
	PreviousLsnInStream uint64
}

// CommonHeader is the fixed portion of a record header that follows
// the LSN block and precedes the record-type-specific suffix (§6.4).
type CommonHeader struct {
	LogID           logid.ID
	LogSignature    [32]byte
	StreamID        logid.ID
	StreamType      logid.ID
	ThisHeaderSize  uint32 // header + metadata, a multiple of BlockSize
	MetadataSize    uint32
	IOBufferSize    uint32
	RecordType      RecordType
	TruncationPoint uint64 // writer's view of its stream's truncation ASN
}

// CommonHeaderSize is the fixed encoded size of CommonHeader.
const CommonHeaderSize = 16 + 32 + 16 + 16 + 4 + 4 + 4 + 4 + 8

// UserSuffix is the record-type-specific suffix for RecordTypeUser.
type UserSuffix struct {
	ASN        uint64
	ASNVersion uint64
}

// UserSuffixSize is the fixed encoded size of UserSuffix.
const UserSuffixSize = 8 + 8

// StreamTableEntry is one stream's row in a whole-log checkpoint
// record (§4.5, §6.3's stream table).
type StreamTableEntry struct {
	StreamID   logid.ID
	StreamType logid.ID
	Lowest     uint64
	Highest    uint64
	Next       uint64
}

// StreamTableEntrySize is the fixed encoded size of a StreamTableEntry.
const StreamTableEntrySize = 16 + 16 + 8 + 8 + 8

// WholeLogCheckpointSuffix is the record-type-specific suffix for
// RecordTypeWholeLogCheckpoint: a snapshot of every stream's table
// entry (§4.5).
type WholeLogCheckpointSuffix struct {
	Streams []StreamTableEntry
}

// Encode appends the encoded suffix to buf.
func (s WholeLogCheckpointSuffix) Encode(buf []byte) []byte {
	buf = byteOrder.AppendUint32(buf, uint32(len(s.Streams)))
	for _, e := range s.Streams {
		buf = append(buf, e.StreamID.Bytes()...)
		buf = append(buf, e.StreamType.Bytes()...)
		buf = byteOrder.AppendUint64(buf, e.Lowest)
		buf = byteOrder.AppendUint64(buf, e.Highest)
		buf = byteOrder.AppendUint64(buf, e.Next)
	}
	return buf
}

// DecodeWholeLogCheckpointSuffix decodes a WholeLogCheckpointSuffix
// from the front of buf, returning the number of bytes consumed.
func DecodeWholeLogCheckpointSuffix(buf []byte) (WholeLogCheckpointSuffix, int, error) {
	if len(buf) < 4 {
		return WholeLogCheckpointSuffix{}, 0, fmt.Errorf("wire: short buffer decoding checkpoint suffix count")
	}
	n := byteOrder.Uint32(buf)
	rest := buf[4:]
	if uint64(len(rest)) < uint64(n)*StreamTableEntrySize {
		return WholeLogCheckpointSuffix{}, 0, fmt.Errorf("wire: short buffer decoding %d stream table entries", n)
	}
	out := WholeLogCheckpointSuffix{Streams: make([]StreamTableEntry, n)}
	for i := range out.Streams {
		e := &out.Streams[i]
		copy(e.StreamID[:], rest[:16])
		rest = rest[16:]
		copy(e.StreamType[:], rest[:16])
		rest = rest[16:]
		e.Lowest = byteOrder.Uint64(rest)
		rest = rest[8:]
		e.Highest = byteOrder.Uint64(rest)
		rest = rest[8:]
		e.Next = byteOrder.Uint64(rest)
		rest = rest[8:]
	}
	consumed := 4 + int(n)*StreamTableEntrySize
	return out, consumed, nil
}

// AsnMappingEntry is one row of a stream checkpoint's ASN index
// snapshot (§4.2, §4.5).
type AsnMappingEntry struct {
	ASN             uint64
	Version         uint64
	Disposition     uint8
	LSN             uint64
	PayloadSizeHint uint32
}

// AsnMappingEntrySize is the fixed encoded size of an AsnMappingEntry.
const AsnMappingEntrySize = 8 + 8 + 1 + 8 + 4

// LsnIndexEntry is one row of a stream checkpoint's LSN index snapshot
// (§4.2, §4.5).
type LsnIndexEntry struct {
	LSN         uint64
	HeaderSize  uint32
	PayloadSize uint32
}

// LsnIndexEntrySize is the fixed encoded size of an LsnIndexEntry.
const LsnIndexEntrySize = 8 + 4 + 4

// StreamCheckpointSuffix is the record-type-specific suffix for
// RecordTypeStreamCheckpointSegment: one segment of a (possibly
// multi-segment) per-stream index snapshot (§4.2, §4.5).
type StreamCheckpointSuffix struct {
	StreamID    logid.ID
	SegmentNo   uint32
	SegmentOf   uint32
	AsnEntries  []AsnMappingEntry
	LsnEntries  []LsnIndexEntry
}

// Encode appends the encoded suffix to buf.
func (s StreamCheckpointSuffix) Encode(buf []byte) []byte {
	buf = append(buf, s.StreamID.Bytes()...)
	buf = byteOrder.AppendUint32(buf, s.SegmentNo)
	buf = byteOrder.AppendUint32(buf, s.SegmentOf)
	buf = byteOrder.AppendUint32(buf, uint32(len(s.AsnEntries)))
	buf = byteOrder.AppendUint32(buf, uint32(len(s.LsnEntries)))
	for _, e := range s.AsnEntries {
		buf = byteOrder.AppendUint64(buf, e.ASN)
		buf = byteOrder.AppendUint64(buf, e.Version)
		buf = append(buf, e.Disposition)
		buf = byteOrder.AppendUint64(buf, e.LSN)
		buf = byteOrder.AppendUint32(buf, e.PayloadSizeHint)
	}
	for _, e := range s.LsnEntries {
		buf = byteOrder.AppendUint64(buf, e.LSN)
		buf = byteOrder.AppendUint32(buf, e.HeaderSize)
		buf = byteOrder.AppendUint32(buf, e.PayloadSize)
	}
	return buf
}

// DecodeStreamCheckpointSuffix decodes a StreamCheckpointSuffix from
// the front of buf, returning the number of bytes consumed.
func DecodeStreamCheckpointSuffix(buf []byte) (StreamCheckpointSuffix, int, error) {
	const head = 16 + 4 + 4 + 4 + 4
	if len(buf) < head {
		return StreamCheckpointSuffix{}, 0, fmt.Errorf("wire: short buffer decoding stream checkpoint header")
	}
	var s StreamCheckpointSuffix
	rest := buf
	copy(s.StreamID[:], rest[:16])
	rest = rest[16:]
	s.SegmentNo = byteOrder.Uint32(rest)
	rest = rest[4:]
	s.SegmentOf = byteOrder.Uint32(rest)
	rest = rest[4:]
	nAsn := byteOrder.Uint32(rest)
	rest = rest[4:]
	nLsn := byteOrder.Uint32(rest)
	rest = rest[4:]
	if uint64(len(rest)) < uint64(nAsn)*AsnMappingEntrySize+uint64(nLsn)*LsnIndexEntrySize {
		return StreamCheckpointSuffix{}, 0, fmt.Errorf("wire: short buffer decoding stream checkpoint entries")
	}
	s.AsnEntries = make([]AsnMappingEntry, nAsn)
	for i := range s.AsnEntries {
		e := &s.AsnEntries[i]
		e.ASN = byteOrder.Uint64(rest)
		rest = rest[8:]
		e.Version = byteOrder.Uint64(rest)
		rest = rest[8:]
		e.Disposition = rest[0]
		rest = rest[1:]
		e.LSN = byteOrder.Uint64(rest)
		rest = rest[8:]
		e.PayloadSizeHint = byteOrder.Uint32(rest)
		rest = rest[4:]
	}
	s.LsnEntries = make([]LsnIndexEntry, nLsn)
	for i := range s.LsnEntries {
		e := &s.LsnEntries[i]
		e.LSN = byteOrder.Uint64(rest)
		rest = rest[8:]
		e.HeaderSize = byteOrder.Uint32(rest)
		rest = rest[4:]
		e.PayloadSize = byteOrder.Uint32(rest)
		rest = rest[4:]
	}
	consumed := head + int(nAsn)*AsnMappingEntrySize + int(nLsn)*LsnIndexEntrySize
	return s, consumed, nil
}

// Record is the fully composed, in-memory view of one record header,
// ready to be split-written per §4.4 stage 5.
type Record struct {
	Lsn    LsnBlock
	Common CommonHeader

	User       *UserSuffix
	WholeLogCP *WholeLogCheckpointSuffix
	StreamCP   *StreamCheckpointSuffix

	Metadata []byte // user-supplied metadata bytes, length Common.MetadataSize
}

// encodeCommonAndSuffix encodes everything in r except the LSN block,
// in the exact byte order CRC1 is computed over (§4.1): the common
// header, the record-type-specific suffix and the metadata. The result
// is neither padded nor prefixed with room for the LSN block.
func (r Record) encodeCommonAndSuffix() ([]byte, error) {
	buf := make([]byte, 0, CommonHeaderSize+64)
	buf = append(buf, r.Common.LogID.Bytes()...)
	buf = append(buf, r.Common.LogSignature[:]...)
	buf = append(buf, r.Common.StreamID.Bytes()...)
	buf = append(buf, r.Common.StreamType.Bytes()...)
	buf = byteOrder.AppendUint32(buf, r.Common.ThisHeaderSize)
	buf = byteOrder.AppendUint32(buf, r.Common.MetadataSize)
	buf = byteOrder.AppendUint32(buf, r.Common.IOBufferSize)
	buf = byteOrder.AppendUint32(buf, uint32(r.Common.RecordType))
	buf = byteOrder.AppendUint64(buf, r.Common.TruncationPoint)

	switch r.Common.RecordType {
	case RecordTypeUser:
		if r.User == nil {
			return nil, fmt.Errorf("wire: user record missing UserSuffix")
		}
		buf = byteOrder.AppendUint64(buf, r.User.ASN)
		buf = byteOrder.AppendUint64(buf, r.User.ASNVersion)
	case RecordTypeWholeLogCheckpoint:
		if r.WholeLogCP == nil {
			return nil, fmt.Errorf("wire: checkpoint record missing WholeLogCheckpointSuffix")
		}
		buf = r.WholeLogCP.Encode(buf)
	case RecordTypeStreamCheckpointSegment:
		if r.StreamCP == nil {
			return nil, fmt.Errorf("wire: checkpoint record missing StreamCheckpointSuffix")
		}
		buf = r.StreamCP.Encode(buf)
	default:
		return nil, fmt.Errorf("wire: unknown record type %d", r.Common.RecordType)
	}
	buf = append(buf, r.Metadata...)
	return buf, nil
}

// HeaderAndMetadataLen returns the unpadded length of the common
// header, the record-type-specific suffix, and the metadata, not
// including the LSN block. Callers use this to compute
// Common.ThisHeaderSize before calling Encode.
func (r Record) HeaderAndMetadataLen() (int, error) {
	body, err := r.encodeCommonAndSuffix()
	if err != nil {
		return 0, err
	}
	return len(body), nil
}

// ComputeCRC1 computes CRC1 over the header+metadata region, excluding
// the LSN block (§4.1). Its value does not depend on the LSN block's
// fields, so it can be computed before a LSN has been assigned.
func (r Record) ComputeCRC1() (uint64, error) {
	body, err := r.encodeCommonAndSuffix()
	if err != nil {
		return 0, err
	}
	return checksum64(body), nil
}

// lsnBlockInputSize is the size of the LSN block's fields that feed
// CRC2, excluding the checksum field itself, plus the folded-in CRC1.
const lsnBlockInputSize = 8*4 + 8

// ComputeCRC2 computes CRC2 (the LSN block's on-disk
// ThisBlockChecksum) over the LSN block's other four fields with crc1
// folded in (§4.1). Called at admit time, after LSN,
// HighestCompletedLsn, LastCheckpointLsn and PreviousLsnInStream have
// been stamped in.
func ComputeCRC2(lsn LsnBlock, crc1 uint64) uint64 {
	var tmp [lsnBlockInputSize]byte
	o := 0
	byteOrder.PutUint64(tmp[o:], lsn.LSN)
	o += 8
	byteOrder.PutUint64(tmp[o:], lsn.HighestCompletedLsn)
	o += 8
	byteOrder.PutUint64(tmp[o:], lsn.LastCheckpointLsn)
	o += 8
	byteOrder.PutUint64(tmp[o:], lsn.PreviousLsnInStream)
	o += 8
	byteOrder.PutUint64(tmp[o:], crc1)
	return checksum64(tmp[:])
}

// Encode serializes the full header (LSN block + common header +
// suffix + metadata), computing CRC1 fresh and CRC2 from
// r.Lsn.{LSN,HighestCompletedLsn,LastCheckpointLsn,PreviousLsnInStream},
// which the caller must already have stamped in. The result is padded
// with zero bytes up to r.Common.ThisHeaderSize.
func (r Record) Encode() ([]byte, error) {
	body, err := r.encodeCommonAndSuffix()
	if err != nil {
		return nil, err
	}
	crc1 := checksum64(body)
	crc2 := ComputeCRC2(r.Lsn, crc1)

	out := make([]byte, 0, int(r.Common.ThisHeaderSize))
	out = byteOrder.AppendUint64(out, crc2)
	out = byteOrder.AppendUint64(out, r.Lsn.LSN)
	out = byteOrder.AppendUint64(out, r.Lsn.HighestCompletedLsn)
	out = byteOrder.AppendUint64(out, r.Lsn.LastCheckpointLsn)
	out = byteOrder.AppendUint64(out, r.Lsn.PreviousLsnInStream)
	out = append(out, body...)
	if uint32(len(out)) > r.Common.ThisHeaderSize {
		return nil, fmt.Errorf("wire: encoded header %d bytes exceeds declared ThisHeaderSize %d", len(out), r.Common.ThisHeaderSize)
	}
	for uint32(len(out)) < r.Common.ThisHeaderSize {
		out = append(out, 0)
	}
	return out, nil
}

// PeekThisHeaderSize reads just the ThisHeaderSize field out of a
// buffer holding at least LsnBlockSize+CommonHeaderSize bytes from the
// front of a record, without validating anything. Recovery uses this
// to learn how many more bytes to read before calling DecodeRecord,
// since a record's total on-disk header region length is not known in
// advance of reading it.
func PeekThisHeaderSize(buf []byte) (uint32, error) {
	const off = LsnBlockSize + 16 + 32 + 16 + 16 // past LogID, LogSignature, StreamID, StreamType
	if len(buf) < off+4 {
		return 0, fmt.Errorf("wire: buffer too short to peek ThisHeaderSize: %d bytes", len(buf))
	}
	return byteOrder.Uint32(buf[off:]), nil
}

// DecodeRecord parses and validates a full record header from buf,
// checking both CRC1 (recomputed over the header+metadata region) and
// CRC2 (recomputed from the LSN block fields and the recovered CRC1).
// buf must contain at least CommonHeaderSize+LsnBlockSize bytes.
func DecodeRecord(buf []byte) (Record, error) {
	if len(buf) < LsnBlockSize+CommonHeaderSize {
		return Record{}, fmt.Errorf("wire: record buffer too short: %d bytes", len(buf))
	}
	var r Record
	storedCRC2 := byteOrder.Uint64(buf[0:8])
	r.Lsn.LSN = byteOrder.Uint64(buf[8:16])
	r.Lsn.HighestCompletedLsn = byteOrder.Uint64(buf[16:24])
	r.Lsn.LastCheckpointLsn = byteOrder.Uint64(buf[24:32])
	r.Lsn.PreviousLsnInStream = byteOrder.Uint64(buf[32:40])

	body := buf[LsnBlockSize:]
	o := 0
	copy(r.Common.LogID[:], body[o:o+16])
	o += 16
	copy(r.Common.LogSignature[:], body[o:o+32])
	o += 32
	copy(r.Common.StreamID[:], body[o:o+16])
	o += 16
	copy(r.Common.StreamType[:], body[o:o+16])
	o += 16
	r.Common.ThisHeaderSize = byteOrder.Uint32(body[o:])
	o += 4
	r.Common.MetadataSize = byteOrder.Uint32(body[o:])
	o += 4
	r.Common.IOBufferSize = byteOrder.Uint32(body[o:])
	o += 4
	r.Common.RecordType = RecordType(byteOrder.Uint32(body[o:]))
	o += 4
	r.Common.TruncationPoint = byteOrder.Uint64(body[o:])
	o += 8

	if !r.Common.RecordType.Valid() {
		return Record{}, fmt.Errorf("wire: invalid record type %d", r.Common.RecordType)
	}
	headerTotal := int(r.Common.ThisHeaderSize) - LsnBlockSize // includes block-alignment padding
	if headerTotal < o || headerTotal > len(body) {
		return Record{}, fmt.Errorf("wire: record ThisHeaderSize %d inconsistent with buffer", r.Common.ThisHeaderSize)
	}

	switch r.Common.RecordType {
	case RecordTypeUser:
		if len(body) < o+UserSuffixSize {
			return Record{}, fmt.Errorf("wire: short buffer decoding user suffix")
		}
		u := &UserSuffix{
			ASN:        byteOrder.Uint64(body[o:]),
			ASNVersion: byteOrder.Uint64(body[o+8:]),
		}
		o += UserSuffixSize
		r.User = u
	case RecordTypeWholeLogCheckpoint:
		s, n, err := DecodeWholeLogCheckpointSuffix(body[o:headerTotal])
		if err != nil {
			return Record{}, err
		}
		r.WholeLogCP = &s
		o += n
	case RecordTypeStreamCheckpointSegment:
		s, n, err := DecodeStreamCheckpointSuffix(body[o:headerTotal])
		if err != nil {
			return Record{}, err
		}
		r.StreamCP = &s
		o += n
	}

	if o < 0 || o+int(r.Common.MetadataSize) > headerTotal {
		return Record{}, fmt.Errorf("wire: record metadata region out of bounds")
	}
	r.Metadata = append([]byte(nil), body[o:o+int(r.Common.MetadataSize)]...)
	unpaddedLen := o + int(r.Common.MetadataSize)

	crc1 := checksum64(body[:unpaddedLen])
	gotCRC2 := ComputeCRC2(r.Lsn, crc1)
	if gotCRC2 != storedCRC2 {
		return Record{}, fmt.Errorf("wire: record checksum mismatch at lsn %d", r.Lsn.LSN)
	}
	return r, nil
}
