// Copyright 2024 The ktllog Authors. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

package blockdev

import (
	"context"
	"fmt"
	"sync"
)

// Fake is an in-memory Device used by tests to exercise crash and
// recovery scenarios without touching the filesystem, modeled on the
// teacher's use of bytes.Buffer-backed readers/writers in its logio
// tests. Fake additionally supports injecting a crash point: once
// WriteBudget writes have succeeded, every subsequent Write silently
// drops its bytes (simulating a process abort after the write was
// issued but before it reached stable storage) while still reporting
// success, matching how a real crash leaves bytes that may or may not
// be on disk depending on timing.
type Fake struct {
	mu         sync.Mutex
	data       []byte
	sparse     bool
	writes     int
	dropAfter  int // -1 means never drop
	writeOrder []fakeWrite
}

type fakeWrite struct {
	Offset uint64
	Length int
	Landed bool
}

// NewFake returns a Fake backed by size zeroed bytes.
func NewFake(size uint64) *Fake {
	return &Fake{data: make([]byte, size), dropAfter: -1}
}

// SetWriteBudget configures the Fake to silently drop the bytes of
// every Write call after the first n have landed, simulating a crash.
// n == -1 disables dropping.
func (d *Fake) SetWriteBudget(n int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dropAfter = n
}

// WriteLog returns, in call order, whether each Write call's bytes
// actually landed in the backing buffer.
func (d *Fake) WriteLog() []fakeWrite {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]fakeWrite(nil), d.writeOrder...)
}

func (d *Fake) String() string { return "blockdev.Fake" }

func (d *Fake) Close(ctx context.Context) error { return nil }

func (d *Fake) Read(ctx context.Context, offset uint64, buf []byte, contiguous bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.readLocked(offset, buf)
}

func (d *Fake) readLocked(offset uint64, buf []byte) error {
	if offset+uint64(len(buf)) > uint64(len(d.data)) {
		return fmt.Errorf("blockdev.Fake: read [%d,%d) out of range (size %d)", offset, offset+uint64(len(buf)), len(d.data))
	}
	copy(buf, d.data[offset:offset+uint64(len(buf))])
	return nil
}

func (d *Fake) ReadNonContiguous(ctx context.Context, offset uint64, buf []byte, chunkSize uint64) error {
	return d.Read(ctx, offset, buf, false)
}

func (d *Fake) Write(ctx context.Context, priority Priority, offset uint64, buf []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if offset+uint64(len(buf)) > uint64(len(d.data)) {
		return fmt.Errorf("blockdev.Fake: write [%d,%d) out of range (size %d)", offset, offset+uint64(len(buf)), len(d.data))
	}
	d.writes++
	landed := d.dropAfter < 0 || d.writes <= d.dropAfter
	if landed {
		copy(d.data[offset:offset+uint64(len(buf))], buf)
	}
	d.writeOrder = append(d.writeOrder, fakeWrite{Offset: offset, Length: len(buf), Landed: landed})
	return nil
}

func (d *Fake) Trim(ctx context.Context, fromOffset, toOffset uint64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if fromOffset >= toOffset || toOffset > uint64(len(d.data)) {
		return nil
	}
	for i := fromOffset; i < toOffset; i++ {
		d.data[i] = 0
	}
	return nil
}

func (d *Fake) QueryAllocations(ctx context.Context, offset, length uint64) ([]AllocatedRange, error) {
	return []AllocatedRange{{Offset: offset, Length: length, Hole: false}}, nil
}

func (d *Fake) QueryAttributes(ctx context.Context) (Attributes, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return Attributes{DeviceSize: uint64(len(d.data)), Sparse: d.sparse}, nil
}

func (d *Fake) SetSparseFile(ctx context.Context, sparse bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sparse = sparse
	return nil
}
