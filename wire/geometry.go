// Copyright 2024 The ktllog Authors. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

package wire

import (
	"fmt"
)

// GeometryConfig is the immutable, on-disk log geometry (§6.3),
// embedded in both master blocks. It is validated once at creation
// time and never mutated thereafter.
type GeometryConfig struct {
	BlockSize                 uint32
	MaxRecordSize             uint32
	MaxMetadataSize           uint32
	MaxIOBufferSize           uint32
	MaxQueuedWriteDepthBytes  uint64
	MinFileSize               uint64
	MinFreeSpace              uint64
	StreamCheckpointInterval  uint64
	WholeLogCheckpointInterval uint64
	MaxStreams                uint32
}

// GeometrySize is the fixed on-disk size of an encoded GeometryConfig.
const GeometrySize = 4*4 + 8*5 + 4

// Encode appends the encoded form of g to buf and returns the result.
func (g GeometryConfig) Encode(buf []byte) []byte {
	var tmp [GeometrySize]byte
	o := 0
	byteOrder.PutUint32(tmp[o:], g.BlockSize)
	o += 4
	byteOrder.PutUint32(tmp[o:], g.MaxRecordSize)
	o += 4
	byteOrder.PutUint32(tmp[o:], g.MaxMetadataSize)
	o += 4
	byteOrder.PutUint32(tmp[o:], g.MaxIOBufferSize)
	o += 4
	byteOrder.PutUint64(tmp[o:], g.MaxQueuedWriteDepthBytes)
	o += 8
	byteOrder.PutUint64(tmp[o:], g.MinFileSize)
	o += 8
	byteOrder.PutUint64(tmp[o:], g.MinFreeSpace)
	o += 8
	byteOrder.PutUint64(tmp[o:], g.StreamCheckpointInterval)
	o += 8
	byteOrder.PutUint64(tmp[o:], g.WholeLogCheckpointInterval)
	o += 8
	byteOrder.PutUint32(tmp[o:], g.MaxStreams)
	o += 4
	if o != GeometrySize {
		panic("wire: GeometrySize out of sync with Encode")
	}
	return append(buf, tmp[:]...)
}

// DecodeGeometryConfig decodes a GeometryConfig from the front of buf
// and returns it along with the remaining bytes.
func DecodeGeometryConfig(buf []byte) (GeometryConfig, []byte, error) {
	if len(buf) < GeometrySize {
		return GeometryConfig{}, nil, fmt.Errorf("wire: short buffer decoding geometry: %d bytes", len(buf))
	}
	var g GeometryConfig
	o := 0
	g.BlockSize = byteOrder.Uint32(buf[o:])
	o += 4
	g.MaxRecordSize = byteOrder.Uint32(buf[o:])
	o += 4
	g.MaxMetadataSize = byteOrder.Uint32(buf[o:])
	o += 4
	g.MaxIOBufferSize = byteOrder.Uint32(buf[o:])
	o += 4
	g.MaxQueuedWriteDepthBytes = byteOrder.Uint64(buf[o:])
	o += 8
	g.MinFileSize = byteOrder.Uint64(buf[o:])
	o += 8
	g.MinFreeSpace = byteOrder.Uint64(buf[o:])
	o += 8
	g.StreamCheckpointInterval = byteOrder.Uint64(buf[o:])
	o += 8
	g.WholeLogCheckpointInterval = byteOrder.Uint64(buf[o:])
	o += 8
	g.MaxStreams = byteOrder.Uint32(buf[o:])
	o += 4
	return g, buf[o:], nil
}

// Validate checks g for internal consistency. Called once, through
// wal.Config.Validate, by CreateLog;
// geometry is immutable for the lifetime of an open log thereafter.
func (g GeometryConfig) Validate() error {
	switch {
	case g.BlockSize == 0 || g.BlockSize&(g.BlockSize-1) != 0:
		return fmt.Errorf("wire: geometry BlockSize %d is not a power of two", g.BlockSize)
	case g.MaxRecordSize == 0:
		return fmt.Errorf("wire: geometry MaxRecordSize must be positive")
	case g.MaxMetadataSize == 0 || g.MaxMetadataSize > g.MaxRecordSize:
		return fmt.Errorf("wire: geometry MaxMetadataSize %d invalid for MaxRecordSize %d", g.MaxMetadataSize, g.MaxRecordSize)
	case g.MaxIOBufferSize == 0 || g.MaxIOBufferSize > g.MaxRecordSize:
		return fmt.Errorf("wire: geometry MaxIOBufferSize %d invalid for MaxRecordSize %d", g.MaxIOBufferSize, g.MaxRecordSize)
	case g.MaxQueuedWriteDepthBytes < uint64(g.MaxRecordSize):
		return fmt.Errorf("wire: geometry MaxQueuedWriteDepthBytes %d smaller than MaxRecordSize %d", g.MaxQueuedWriteDepthBytes, g.MaxRecordSize)
	case g.MinFileSize == 0:
		return fmt.Errorf("wire: geometry MinFileSize must be positive")
	case g.MaxStreams == 0:
		return fmt.Errorf("wire: geometry MaxStreams must be positive")
	}
	return nil
}
