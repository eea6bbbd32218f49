// Copyright 2024 The ktllog Authors. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

package wal

import (
	"context"
	"fmt"

	"github.com/ktllog/core/blockdev"
	"github.com/ktllog/core/kerrors"
	"github.com/ktllog/core/klog"
	"github.com/ktllog/core/logid"
	"github.com/ktllog/core/lsnspace"
	"github.com/ktllog/core/olc"
	"github.com/ktllog/core/quota"
	"github.com/ktllog/core/wire"
)

const completionGateBound = 4096

// masterBlockRegionSize returns the size of the (block-aligned) region
// reserved for one master block copy, given the geometry's block size.
// Both ends of the file reserve exactly this many bytes.
func masterBlockRegionSize(blockSize uint32) uint64 {
	mbSize := uint64(blockSize)
	for mbSize < wire.MasterBlockSize {
		mbSize += uint64(blockSize)
	}
	return mbSize
}

func newEmptyLog(dev blockdev.Device, cfg Config, logID logid.ID, logSig [32]byte, space lsnspace.Space) *Log {
	l := &Log{
		dev:        dev,
		cfg:        cfg,
		space:      space,
		logID:      logID,
		logSig:     logSig,
		free:       cfg.MinFileSize, // overwritten by caller with the real region size
		slots:      make([]streamSlot, 1),
		byStreamID: make(map[logid.ID]uint32),
		waiters:    make(map[int64]chan error),
		closeCh:    make(chan struct{}),
	}
	l.completeGate = olc.New(0, completionGateBound)
	l.quotaGate = quota.New(int64(cfg.MaxQueuedWriteDepth))
	l.cpStream = newStream(l, cpStreamIndex, cpStreamID, cpStreamType)
	l.slots[cpStreamIndex] = streamSlot{generation: 1, stream: l.cpStream}
	l.byStreamID[l.cpStream.id] = cpStreamIndex
	go l.completionLoop()
	return l
}

// CreateLog formats a brand-new log file: it zeroes both master-block
// regions (§E of SPEC_FULL.md, resolving the source's BUG comment
// about stale bytes from a prior incarnation) and writes two master
// blocks that are identical except for Location, then opens the
// freshly created, empty log.
func CreateLog(ctx context.Context, dev blockdev.Device, cfg Config) (*Log, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	attrs, err := dev.QueryAttributes(ctx)
	if err != nil {
		return nil, err
	}
	if attrs.DeviceSize < cfg.MinFileSize {
		return nil, kerrors.E(kerrors.DeviceConfigurationError, "wal: device smaller than configured MinFileSize")
	}
	mbSize := masterBlockRegionSize(cfg.BlockSize)
	regionSize := attrs.DeviceSize - 2*mbSize

	zeros := make([]byte, mbSize)
	if err := dev.Write(ctx, blockdev.Foreground, 0, zeros); err != nil {
		return nil, err
	}
	if err := dev.Write(ctx, blockdev.Foreground, attrs.DeviceSize-mbSize, zeros); err != nil {
		return nil, err
	}

	logID := logid.New()
	var sig [32]byte
	copy(sig[:], logid.New().Bytes())

	mb := wire.MasterBlock{
		MajorVersion:  wire.FormatMajorVersion,
		MinorVersion:  wire.FormatMinorVersion,
		LogID:         logID,
		LogFileSize:   attrs.DeviceSize,
		CreationFlags: wire.CreatedFresh,
		LogSignature:  sig,
		Geometry:      cfg.toWire(),
	}
	mb.Location = 0
	if err := dev.Write(ctx, blockdev.Foreground, 0, mb.Encode()); err != nil {
		return nil, err
	}
	mb.Location = attrs.DeviceSize - mbSize
	if err := dev.Write(ctx, blockdev.Foreground, attrs.DeviceSize-mbSize, mb.Encode()); err != nil {
		return nil, err
	}

	space, err := lsnspace.New(mbSize, regionSize, uint64(cfg.BlockSize), cfg.MaxQueuedWriteDepth)
	if err != nil {
		return nil, err
	}
	l := newEmptyLog(dev, cfg, logID, sig, space)
	// §8: free == regionSize - reserved - (next - lowest); a brand-new
	// log has lowest=next=0 and no reservations, so free starts at the
	// full region. MinFreeSpace is a separate reserve the write
	// pipeline enforces at admit time, not a subtraction folded into
	// free itself.
	l.free = regionSize
	klog.Info.Printf("wal: created log %s, region size %d", logID, regionSize)
	return l, nil
}

// OpenLog validates at least one master block, runs recovery, and
// activates the write pipeline (§4.8, §6.5 "openLog").
func OpenLog(ctx context.Context, dev blockdev.Device, expectedLogID logid.ID) (*Log, error) {
	attrs, err := dev.QueryAttributes(ctx)
	if err != nil {
		return nil, err
	}

	leading := make([]byte, wire.MasterBlockSize)
	if err := dev.Read(ctx, 0, leading, true); err != nil {
		return nil, err
	}
	leadMB, leadErr := wire.DecodeMasterBlock(leading, 0)

	var mbSize uint64
	if leadErr == nil && leadMB.Geometry.BlockSize != 0 {
		mbSize = masterBlockRegionSize(leadMB.Geometry.BlockSize)
	} else {
		mbSize = uint64(wire.MasterBlockSize)
	}

	trailing := make([]byte, wire.MasterBlockSize)
	trailLocation := attrs.DeviceSize - mbSize
	if err := dev.Read(ctx, trailLocation, trailing, true); err != nil {
		return nil, err
	}
	trailMB, trailErr := wire.DecodeMasterBlock(trailing, trailLocation)

	var mb wire.MasterBlock
	switch {
	case leadErr == nil:
		mb = leadMB
	case trailErr == nil:
		mb = trailMB
	default:
		return nil, kerrors.E(kerrors.LogStructureFault, "wal: both master blocks are corrupt")
	}
	if !expectedLogID.IsZero() && mb.LogID != expectedLogID {
		return nil, kerrors.E(kerrors.VersionStale, "wal: log id does not match expected id")
	}
	if mb.LogFileSize != attrs.DeviceSize {
		return nil, kerrors.E(kerrors.LogStructureFault, fmt.Sprintf("wal: master block file size %d disagrees with device size %d", mb.LogFileSize, attrs.DeviceSize))
	}

	cfg := configFromWire(mb.Geometry, mb.Geometry.MaxRecordSize, mb.Geometry.MaxRecordSize)
	mbSize = masterBlockRegionSize(mb.Geometry.BlockSize)
	regionSize := attrs.DeviceSize - 2*mbSize
	space, err := lsnspace.New(mbSize, regionSize, uint64(cfg.BlockSize), cfg.MaxQueuedWriteDepth)
	if err != nil {
		return nil, err
	}

	l := newEmptyLog(dev, cfg, mb.LogID, mb.LogSignature, space)
	if err := recoverLog(ctx, l, regionSize); err != nil {
		return nil, err
	}
	klog.Info.Printf("wal: opened log %s: lowest=%d next=%d highestCompleted=%v", l.logID, l.lowest, l.next, l.highestCompletedLsn)
	return l, nil
}

// Close stops the completion loop and releases the underlying device.
// Pending operations observe ctx.Done() or an olc.Gate closed error.
func (l *Log) Close(ctx context.Context) error {
	l.completeGate.Close(kerrors.E(kerrors.LogStructureFault, "wal: log closed"))
	l.closeOnce.Do(func() { close(l.closeCh) })
	return l.dev.Close(ctx)
}
