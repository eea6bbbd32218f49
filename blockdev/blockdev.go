// Copyright 2024 The ktllog Authors. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package blockdev implements the block device contract (§6.1): the
// one external collaborator the log engine assumes. All operations
// are asynchronous in the sense that they take a context and may be
// issued concurrently at disjoint offsets; this package does not
// itself schedule or pool goroutines, leaving that to callers (§5).
package blockdev

import (
	"context"

	"github.com/ktllog/core/ioctx"
)

// Priority distinguishes a write the caller is waiting on from one
// that only needs to land eventually (e.g. a checkpoint writer
// catching up).
type Priority int

const (
	Background Priority = iota
	Foreground
)

// AllocatedRange is one extent reported by QueryAllocations: either
// backed by real data on disk, or a hole (for sparse files).
type AllocatedRange struct {
	Offset uint64
	Length uint64
	Hole   bool
}

// Attributes describes the fixed properties of a device.
type Attributes struct {
	DeviceSize uint64
	Sparse     bool
}

// Device is the block device contract consumed by the log engine
// (§6.1). Implementations must tolerate concurrent Read/Write calls at
// disjoint offsets; they need not tolerate overlapping concurrent
// writes to the same bytes, since the engine never issues those.
type Device interface {
	ioctx.Closer

	// Read fills buf with len(buf) bytes read from offset. If contiguous is
	// true, the implementation may assume the range does not require
	// scatter/gather (a hint only; correctness must hold regardless).
	Read(ctx context.Context, offset uint64, buf []byte, contiguous bool) error

	// ReadNonContiguous reads len(buf) bytes starting at offset, split into
	// chunkSize pieces for implementations that benefit from bounded
	// per-call I/O (e.g. recovery's chunked binary search scan).
	ReadNonContiguous(ctx context.Context, offset uint64, buf []byte, chunkSize uint64) error

	// Write writes buf at offset with the given scheduling priority.
	Write(ctx context.Context, priority Priority, offset uint64, buf []byte) error

	// Trim hints that bytes in [fromOffset, toOffset) are no longer
	// needed. Only meaningful for sparse files; failures are non-fatal
	// to the caller (§4.6 step 5).
	Trim(ctx context.Context, fromOffset, toOffset uint64) error

	// QueryAllocations reports which sub-ranges of [offset, offset+length)
	// are backed by data versus holes, used to bound recovery's scan
	// region on a sparse file.
	QueryAllocations(ctx context.Context, offset, length uint64) ([]AllocatedRange, error)

	// QueryAttributes reports the device's fixed size and sparseness.
	QueryAttributes(ctx context.Context) (Attributes, error)

	// SetSparseFile requests the backing file be marked sparse, if the
	// implementation supports it. A no-op for implementations that are
	// always sparse or never are.
	SetSparseFile(ctx context.Context, sparse bool) error
}
