// Copyright 2024 The ktllog Authors. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package lsnindex implements the per-stream LSN index (§4.2): an
// append-mostly ordered sequence from LSN to a record's header and
// payload sizes, truncated from the low end as old records fall below
// a stream's truncation point. It exposes a pre-reservation contract,
// guaranteeAddTwoHigherRecords in spec terms, so that admitting a user
// record together with its optional stream checkpoint segment can be
// done atomically: reserve first, then insert. In this implementation
// neither step can fail.
package lsnindex

import (
	"sort"
	"sync"
)

// Sizes is the header and payload size recorded for one LSN.
type Sizes struct {
	HeaderSize  uint32
	PayloadSize uint32
}

// entry is one row, keyed implicitly by its position once appended.
type entry struct {
	lsn uint64
	Sizes
}

// Index is the per-stream LSN index. The zero value is not usable;
// construct with New. Safe for concurrent use.
type Index struct {
	mu        sync.Mutex
	entries   []entry
	reserved  int // slots guaranteed available to the next AddHigherLsnRecord calls
}

// New returns an empty Index.
func New() *Index {
	return &Index{}
}

// GuaranteeAddTwoHigherRecords reserves storage for two subsequent
// AddHigherLsnRecord calls so that they cannot fail. It must be called
// before admitting a user record plus its optional stream checkpoint
// segment, and is the hard contract the on-disk pre-allocation design
// requires (§9 design notes).
func (ix *Index) GuaranteeAddTwoHigherRecords() {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	// append-based growth in Go never fails (it panics only on OOM,
	// which no caller can roll back from regardless); the reservation
	// count exists to make the contract explicit and checkable.
	need := len(ix.entries) + 2
	if cap(ix.entries) < need {
		grown := make([]entry, len(ix.entries), need)
		copy(grown, ix.entries)
		ix.entries = grown
	}
	ix.reserved = 2
}

// AddHigherLsnRecord appends a record at lsn, which must be strictly
// greater than every LSN already indexed. It consumes one unit of a
// prior GuaranteeAddTwoHigherRecords reservation if one is
// outstanding, but never fails regardless.
func (ix *Index) AddHigherLsnRecord(lsn uint64, sizes Sizes) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	if n := len(ix.entries); n > 0 && ix.entries[n-1].lsn >= lsn {
		panic("lsnindex: AddHigherLsnRecord called out of LSN order")
	}
	ix.entries = append(ix.entries, entry{lsn: lsn, Sizes: sizes})
	if ix.reserved > 0 {
		ix.reserved--
	}
}

// Truncate removes every entry with LSN strictly below belowLsn.
func (ix *Index) Truncate(belowLsn uint64) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	pos := sort.Search(len(ix.entries), func(i int) bool { return ix.entries[i].lsn >= belowLsn })
	ix.entries = ix.entries[pos:]
}

// Lookup returns the sizes recorded for lsn, if present.
func (ix *Index) Lookup(lsn uint64) (Sizes, bool) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	pos := sort.Search(len(ix.entries), func(i int) bool { return ix.entries[i].lsn >= lsn })
	if pos >= len(ix.entries) || ix.entries[pos].lsn != lsn {
		return Sizes{}, false
	}
	return ix.entries[pos].Sizes, true
}

// Lowest returns the lowest indexed LSN and true, or (0, false) if the
// index is empty.
func (ix *Index) Lowest() (uint64, bool) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	if len(ix.entries) == 0 {
		return 0, false
	}
	return ix.entries[0].lsn, true
}

// Highest returns the highest indexed LSN and true, or (0, false) if
// the index is empty.
func (ix *Index) Highest() (uint64, bool) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	if len(ix.entries) == 0 {
		return 0, false
	}
	return ix.entries[len(ix.entries)-1].lsn, true
}

// Len returns the number of indexed LSNs.
func (ix *Index) Len() int {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	return len(ix.entries)
}

// LsnSizes pairs an LSN with its recorded Sizes, for Snapshot.
type LsnSizes struct {
	LSN uint64
	Sizes
}

// Snapshot returns every indexed LSN with its sizes in ascending
// order, for checkpointing (§4.5).
func (ix *Index) Snapshot() []LsnSizes {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	out := make([]LsnSizes, len(ix.entries))
	for i, e := range ix.entries {
		out[i] = LsnSizes{LSN: e.lsn, Sizes: e.Sizes}
	}
	return out
}

// Load replaces the index's contents with entries, which must already
// be in ascending LSN order, as recovery does after reading a stream
// checkpoint and replaying the tail on top.
func (ix *Index) Load(entries []LsnSizes) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.entries = make([]entry, len(entries))
	for i, e := range entries {
		ix.entries[i] = entry{lsn: e.LSN, Sizes: e.Sizes}
	}
}
