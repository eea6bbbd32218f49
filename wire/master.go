// Copyright 2024 The ktllog Authors. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

package wire

import (
	"fmt"

	"github.com/ktllog/core/logid"
)

// FormatVersion identifies the on-disk layout version implemented by
// this package. A MasterBlock whose major version does not match is
// rejected by DecodeMasterBlock rather than misinterpreted.
const (
	FormatMajorVersion uint16 = 1
	FormatMinorVersion uint16 = 0
)

// CreationFlags records how a log file was brought into being.
// CreateLog stamps CreatedFresh; recovery does not read the field, and
// does not patch the checkpoint stream's own {lowest,highest,next}
// entry (§D.2 of SPEC_FULL.md).
type CreationFlags uint32

const (
	// CreatedFresh marks a log written for the first time: nothing has
	// ever been checkpointed.
	CreatedFresh CreationFlags = 1 << iota
)

// MasterBlock is the fixed-size block written identically at both
// ends of the log file (§6.3), except for Location, which records
// which of the two copies this is. That difference is what lets
// recovery tell a genuine copy from a copy that was read from the
// wrong physical offset (a truncated or misconfigured device, a stale
// copy left over from a previous, differently-sized file).
type MasterBlock struct {
	MajorVersion  uint16
	MinorVersion  uint16
	LogID         logid.ID
	LogFileSize   uint64
	Location      uint64 // 0 for the leading copy, fileSize-MasterBlockSize for the trailing copy
	CreationFlags CreationFlags
	LogSignature  [32]byte
	Geometry      GeometryConfig
}

// MasterBlockSize is the fixed size of an encoded MasterBlock,
// including its leading checksum field, rounded up by the caller to
// the geometry's BlockSize when allocating the two on-disk copies.
const MasterBlockSize = 8 /*checksum*/ + 2 + 2 + 16 + 8 + 8 + 4 + 32 + GeometrySize

// Encode serializes m, computing and filling in the leading
// whole-block checksum (xxhash64 over the remainder of the block).
func (m MasterBlock) Encode() []byte {
	buf := make([]byte, 8, MasterBlockSize)
	buf = byteOrder.AppendUint16(buf, m.MajorVersion)
	buf = byteOrder.AppendUint16(buf, m.MinorVersion)
	buf = append(buf, m.LogID.Bytes()...)
	buf = byteOrder.AppendUint64(buf, m.LogFileSize)
	buf = byteOrder.AppendUint64(buf, m.Location)
	buf = byteOrder.AppendUint32(buf, uint32(m.CreationFlags))
	buf = append(buf, m.LogSignature[:]...)
	buf = m.Geometry.Encode(buf)
	sum := checksum64(buf[8:])
	byteOrder.PutUint64(buf[0:8], sum)
	return buf
}

// DecodeMasterBlock parses and validates a MasterBlock from buf, which
// must be at least MasterBlockSize bytes. wantLocation is the offset
// this copy was read from; a decoded Location that disagrees means
// the bytes are not this copy (stale data from a previous, differently
// sized incarnation of the file, or a read from the wrong offset), and
// is reported as a decode failure exactly like a checksum mismatch so
// callers fall back to the other copy the same way. It returns plain
// errors; wrapping into kerrors.Error is the caller's responsibility,
// since this package has no notion of retriability on its own.
func DecodeMasterBlock(buf []byte, wantLocation uint64) (MasterBlock, error) {
	if len(buf) < MasterBlockSize {
		return MasterBlock{}, fmt.Errorf("wire: master block buffer too short: %d bytes", len(buf))
	}
	wantSum := byteOrder.Uint64(buf[0:8])
	gotSum := checksum64(buf[8:MasterBlockSize])
	if wantSum != gotSum {
		return MasterBlock{}, fmt.Errorf("wire: master block checksum mismatch")
	}
	var m MasterBlock
	o := 8
	m.MajorVersion = byteOrder.Uint16(buf[o:])
	o += 2
	m.MinorVersion = byteOrder.Uint16(buf[o:])
	o += 2
	copy(m.LogID[:], buf[o:o+16])
	o += 16
	m.LogFileSize = byteOrder.Uint64(buf[o:])
	o += 8
	m.Location = byteOrder.Uint64(buf[o:])
	o += 8
	m.CreationFlags = CreationFlags(byteOrder.Uint32(buf[o:]))
	o += 4
	copy(m.LogSignature[:], buf[o:o+32])
	o += 32
	geom, _, err := DecodeGeometryConfig(buf[o:MasterBlockSize])
	if err != nil {
		return MasterBlock{}, err
	}
	m.Geometry = geom
	if m.MajorVersion != FormatMajorVersion {
		return MasterBlock{}, fmt.Errorf("wire: master block major version %d unsupported (want %d)",
			m.MajorVersion, FormatMajorVersion)
	}
	if m.Location != wantLocation {
		return MasterBlock{}, fmt.Errorf("wire: master block location %d does not match read offset %d", m.Location, wantLocation)
	}
	return m, nil
}
