// Copyright 2024 The ktllog Authors. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

package wal

import (
	"context"
	"fmt"
	"sync"

	"github.com/ktllog/core/blockdev"
	"github.com/ktllog/core/kerrors"
	"github.com/ktllog/core/klog"
	"github.com/ktllog/core/logid"
	"github.com/ktllog/core/lsnspace"
	"github.com/ktllog/core/olc"
	"github.com/ktllog/core/quota"
	"github.com/ktllog/core/wire"
)

// cpStreamIndex is the fixed slot the dedicated whole-log checkpoint
// stream occupies (§9 design notes: "the dedicated CP stream takes a
// fixed slot").
const cpStreamIndex = 0

// cpStreamType is the reserved stream type tag of the dedicated
// checkpoint stream; no user stream may be created with this type.
var cpStreamType = logid.ID{0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff}

// cpStreamID is the reserved, fixed id of the dedicated checkpoint
// stream. Unlike user stream ids it is not random: recovery must
// recognize checkpoint records written by a prior incarnation of the
// log, so the id has to be stable across CreateLog/OpenLog rather than
// freshly generated each time.
var cpStreamID = logid.ID{}

// streamSlot is one entry of the log's stream table arena (§9 design
// notes: arena-and-index instead of cyclic shared pointers). A slot is
// free when stream is nil.
type streamSlot struct {
	generation uint32
	stream     *Stream
}

// Log is one open log file hosting many streams (§3.1).
type Log struct {
	dev   blockdev.Device
	cfg   Config
	space lsnspace.Space
	logID logid.ID
	logSig [32]byte

	admitMu      olc.Mutex
	completeGate *olc.Gate
	quotaGate    *quota.Gate

	mu                   sync.Mutex // guards the fields below; also held (nested under admitMu) during stage 4
	lowest               uint64
	next                 uint64
	highestCompletedLsn  uint64
	haveHighestCompleted bool
	highestCheckpointLsn uint64
	haveHighestCheckpoint bool
	lastWholeLogCpLsn    uint64
	free                 uint64
	reserved             uint64
	failed               bool
	failErr              error
	seq                  int64

	cpStream   *Stream
	slots      []streamSlot
	byStreamID map[logid.ID]uint32

	waitersMu sync.Mutex
	waiters   map[int64]chan error

	closeOnce sync.Once
	closeCh   chan struct{}
}

// StreamHandle identifies a stream by its slot index and generation,
// following the arena-and-index design (§9): reuse of a freed slot is
// detectable because the generation no longer matches.
type StreamHandle struct {
	index      uint32
	generation uint32
}

// Geometry returns the log's immutable configured geometry.
func (l *Log) Geometry() Config { return l.cfg }

// markFailedLocked puts the log into the sticky failed state (§7
// LogStructureFault handling). Caller must hold l.mu.
func (l *Log) markFailedLocked(err error) {
	if !l.failed {
		l.failed = true
		l.failErr = err
		klog.Error.Printf("wal: log marked failed: %v", err)
	}
}

func (l *Log) checkFailedLocked() error {
	if l.failed {
		return kerrors.E(kerrors.LogStructureFault, "wal: log is in failed state", l.failErr)
	}
	return nil
}

// findStreamSlot returns the slot index of an existing stream with the
// given id, or false.
func (l *Log) findStreamSlot(id logid.ID) (uint32, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	idx, ok := l.byStreamID[id]
	return idx, ok
}

// allocSlotLocked finds a free slot or grows the table, up to MaxStreams.
// Caller must hold l.mu.
func (l *Log) allocSlotLocked() (uint32, error) {
	for i := range l.slots {
		if l.slots[i].stream == nil {
			return uint32(i), nil
		}
	}
	if uint32(len(l.slots)) >= l.cfg.MaxStreams {
		return 0, kerrors.E(kerrors.LogFull, "wal: stream table full")
	}
	l.slots = append(l.slots, streamSlot{})
	return uint32(len(l.slots) - 1), nil
}

// OpenOrCreateStream returns the Stream for id, creating a new
// in-memory descriptor with the given type if one does not already
// exist (§6.5).
func (l *Log) OpenOrCreateStream(ctx context.Context, id, streamType logid.ID) (*Stream, error) {
	if streamType == cpStreamType {
		return nil, kerrors.E(kerrors.DeviceConfigurationError, "wal: stream type is reserved for the checkpoint stream")
	}
	if idx, ok := l.findStreamSlot(id); ok {
		l.mu.Lock()
		s := l.slots[idx].stream
		l.mu.Unlock()
		if s.stateFn() == streamDeleting {
			return nil, kerrors.E(kerrors.DeletePending, "wal: stream is being deleted")
		}
		return s, nil
	}

	l.mu.Lock()
	idx, err := l.allocSlotLocked()
	if err != nil {
		l.mu.Unlock()
		return nil, err
	}
	s := newStream(l, uint32(idx), id, streamType)
	l.slots[idx] = streamSlot{generation: l.slots[idx].generation + 1, stream: s}
	l.byStreamID[id] = idx
	l.mu.Unlock()
	return s, nil
}

// DeleteStream marks a stream Deleting and truncates it fully, freeing
// its slot once the truncation completes.
func (l *Log) DeleteStream(ctx context.Context, id logid.ID) error {
	idx, ok := l.findStreamSlot(id)
	if !ok {
		return kerrors.E(kerrors.NotFound, "wal: stream not found")
	}
	l.mu.Lock()
	s := l.slots[idx].stream
	l.mu.Unlock()
	if !s.setDeleting() {
		return kerrors.E(kerrors.DeletePending, "wal: stream already deleting")
	}
	if err := s.Truncate(ctx, s.nextLsnSnapshot()); err != nil {
		return err
	}
	l.mu.Lock()
	delete(l.byStreamID, id)
	l.slots[idx].stream = nil
	l.mu.Unlock()
	return nil
}

// ForceCheckpoint triggers a whole-log checkpoint through the normal
// write pipeline (§4.4 "Forced checkpoint write").
func (l *Log) ForceCheckpoint(ctx context.Context) error {
	op := &pipelineOp{
		kind: opForceCheckpoint,
		log:  l,
		done: make(chan struct{}),
	}
	return l.runPipeline(ctx, op)
}

func (l *Log) String() string {
	return fmt.Sprintf("wal.Log{id=%s}", l.logID)
}
