// Copyright 2024 The ktllog Authors. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package wal is the orchestrating package of the log engine: it
// combines blockdev, wire, lsnspace, asnindex, lsnindex, quota and olc
// into the Log and Stream types, the seven-stage write pipeline, the
// checkpoint scheduler, the truncation engine and the recovery engine.
package wal

import (
	"fmt"

	"github.com/ktllog/core/wire"
)

// Config is the immutable, validated-once geometry a log is opened
// or created with (§6.3, §9 "global singletons" note: config is
// threaded through construction rather than mutated post-open).
type Config struct {
	BlockSize                 uint32
	MaxRecordSize             uint32
	MaxMetadataSize           uint32
	MaxIOBufferSize           uint32
	MaxQueuedWriteDepth       uint64
	MinFileSize               uint64
	MinFreeSpace              uint64
	StreamCheckpointInterval  uint64
	WholeLogCheckpointInterval uint64
	MaxStreams                uint32

	MaxStreamCheckpointSegmentSize uint64
	MaxWholeLogCheckpointSize      uint64
}

// Validate checks c for internal consistency, mirroring
// wire.GeometryConfig.Validate plus the pipeline-specific maxima.
func (c Config) Validate() error {
	g := c.toWire()
	if err := g.Validate(); err != nil {
		return err
	}
	if c.MaxStreamCheckpointSegmentSize == 0 {
		return fmt.Errorf("wal: Config.MaxStreamCheckpointSegmentSize must be positive")
	}
	if c.MaxWholeLogCheckpointSize == 0 {
		return fmt.Errorf("wal: Config.MaxWholeLogCheckpointSize must be positive")
	}
	if c.MinFreeSpace < c.MaxWholeLogCheckpointSize {
		return fmt.Errorf("wal: Config.MinFreeSpace must cover at least one whole-log checkpoint")
	}
	return nil
}

func (c Config) toWire() wire.GeometryConfig {
	return wire.GeometryConfig{
		BlockSize:                  c.BlockSize,
		MaxRecordSize:              c.MaxRecordSize,
		MaxMetadataSize:            c.MaxMetadataSize,
		MaxIOBufferSize:            c.MaxIOBufferSize,
		MaxQueuedWriteDepthBytes:   c.MaxQueuedWriteDepth,
		MinFileSize:                c.MinFileSize,
		MinFreeSpace:               c.MinFreeSpace,
		StreamCheckpointInterval:   c.StreamCheckpointInterval,
		WholeLogCheckpointInterval: c.WholeLogCheckpointInterval,
		MaxStreams:                 c.MaxStreams,
	}
}

func configFromWire(g wire.GeometryConfig, maxStreamCp, maxWholeLogCp uint64) Config {
	return Config{
		BlockSize:                  g.BlockSize,
		MaxRecordSize:              g.MaxRecordSize,
		MaxMetadataSize:            g.MaxMetadataSize,
		MaxIOBufferSize:            g.MaxIOBufferSize,
		MaxQueuedWriteDepth:        g.MaxQueuedWriteDepthBytes,
		MinFileSize:                g.MinFileSize,
		MinFreeSpace:               g.MinFreeSpace,
		StreamCheckpointInterval:   g.StreamCheckpointInterval,
		WholeLogCheckpointInterval: g.WholeLogCheckpointInterval,
		MaxStreams:                 g.MaxStreams,
		MaxStreamCheckpointSegmentSize: maxStreamCp,
		MaxWholeLogCheckpointSize:      maxWholeLogCp,
	}
}
