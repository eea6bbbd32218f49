// Copyright 2024 The ktllog Authors. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package wire implements the fixed binary layouts described in §4.1
// and §6.3-§6.4: the master block, the generic record header (with
// its two-CRC split), the geometry configuration embedded in the
// master block, and the type-specific suffixes for user records,
// whole-log checkpoint records, and stream checkpoint segments.
//
// All multi-byte integers are little-endian, following the teacher's
// logio and recordio codecs.
package wire

import (
	"encoding/binary"

	"github.com/cespare/xxhash/v2"
)

var byteOrder = binary.LittleEndian

// checksum64 computes the xxhash64 of data, used for both the master
// block's whole-block checksum and the record header's CRC1/CRC2
// (§ domain stack table in SPEC_FULL.md).
func checksum64(data []byte) uint64 {
	return xxhash.Sum64(data)
}

// RecordType selects which type-specific suffix follows the common
// record header (§6.4).
type RecordType uint32

const (
	// RecordTypeInvalid never appears on disk; it is the zero value so
	// an all-zero (e.g. never-written) block is trivially rejected.
	RecordTypeInvalid RecordType = 0
	// RecordTypeUser is a user stream write.
	RecordTypeUser RecordType = 1
	// RecordTypeStreamCheckpointSegment is one segment of a per-stream
	// checkpoint (§4.5).
	RecordTypeStreamCheckpointSegment RecordType = 2
	// RecordTypeWholeLogCheckpoint is a whole-log (physical) checkpoint
	// (§4.5).
	RecordTypeWholeLogCheckpoint RecordType = 3
)

func (t RecordType) Valid() bool {
	return t == RecordTypeUser || t == RecordTypeStreamCheckpointSegment || t == RecordTypeWholeLogCheckpoint
}
