// Copyright 2024 The ktllog Authors. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package asnindex implements the per-stream ASN index (§4.2): an
// ordered map from a caller-chosen application sequence number to the
// record currently associated with it. Entries are version-monotonic:
// a write with a version lower than what is already indexed is
// rejected rather than applied.
package asnindex

import (
	"sort"
	"sync"

	"github.com/ktllog/core/kerrors"
)

// Disposition is the lifecycle state of an ASN entry (§3.1).
type Disposition uint8

const (
	None Disposition = iota
	Pending
	Persisted
)

// Entry is one row of the ASN index.
type Entry struct {
	ASN             uint64
	Version         uint64
	Disposition     Disposition
	LSN             uint64
	PayloadSizeHint uint32
}

// Index is an ordered, version-monotonic map keyed by ASN. The zero
// value is not usable; construct with New. Safe for concurrent use.
type Index struct {
	mu      sync.RWMutex
	entries map[uint64]*Entry
	order   []uint64 // kept sorted; ASN -> position via sort.Search
}

// New returns an empty Index.
func New() *Index {
	return &Index{entries: make(map[uint64]*Entry)}
}

// find returns the position in order at which asn is, or would be
// inserted, and whether it is present. Caller must hold mu.
func (ix *Index) find(asn uint64) (pos int, present bool) {
	pos = sort.Search(len(ix.order), func(i int) bool { return ix.order[i] >= asn })
	present = pos < len(ix.order) && ix.order[pos] == asn
	return pos, present
}

// AddOrUpdate atomically inserts or replaces the entry for asn. If an
// entry already exists with a strictly greater version, it fails with
// kerrors.VersionStale and leaves the index unchanged. It returns a
// snapshot of the entry that was replaced (or the zero Entry and
// false if this was an insert), for the pipeline to roll back to if a
// later stage aborts.
func (ix *Index) AddOrUpdate(asn, version uint64, payloadSizeHint uint32) (prior Entry, hadPrior bool, err error) {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	pos, present := ix.find(asn)
	if present {
		e := ix.entries[asn]
		if e.Version > version {
			return Entry{}, false, kerrors.E(kerrors.VersionStale, "asnindex: write version older than indexed entry")
		}
		prior = *e
		e.Version = version
		e.Disposition = Pending
		e.PayloadSizeHint = payloadSizeHint
		return prior, true, nil
	}
	ix.entries[asn] = &Entry{ASN: asn, Version: version, Disposition: Pending, PayloadSizeHint: payloadSizeHint}
	ix.order = append(ix.order, 0)
	copy(ix.order[pos+1:], ix.order[pos:])
	ix.order[pos] = asn
	return Entry{}, false, nil
}

// Restore puts back a snapshot previously returned by AddOrUpdate,
// undoing a speculative update that a later pipeline stage aborted. If
// hadPrior is false, the entry is removed entirely.
func (ix *Index) Restore(asn uint64, prior Entry, hadPrior bool) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	if hadPrior {
		if e, ok := ix.entries[asn]; ok {
			*e = prior
		}
		return
	}
	pos, present := ix.find(asn)
	if !present {
		return
	}
	delete(ix.entries, asn)
	ix.order = append(ix.order[:pos], ix.order[pos+1:]...)
}

// UpdateLsnAndDisposition sets the LSN and disposition for asn,
// provided the entry's current version still matches version. It
// returns false without effect if a newer writer has since raced
// ahead and changed the version.
func (ix *Index) UpdateLsnAndDisposition(asn, version uint64, disposition Disposition, lsn uint64) bool {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	e, ok := ix.entries[asn]
	if !ok || e.Version != version {
		return false
	}
	e.LSN = lsn
	e.Disposition = disposition
	return true
}

// TryRemove removes the entry for asn iff its current version equals
// version, as when an accepted write's physical stage is rejected
// before admission.
func (ix *Index) TryRemove(asn, version uint64) bool {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	e, ok := ix.entries[asn]
	if !ok || e.Version != version {
		return false
	}
	pos, present := ix.find(asn)
	if !present {
		return false
	}
	delete(ix.entries, asn)
	ix.order = append(ix.order[:pos], ix.order[pos+1:]...)
	return true
}

// TryRemoveForDelete removes the entry for asn iff its version
// matches, additionally reporting the minimal LSN truncation point
// the removal unblocks: the lowest LSN among remaining entries with a
// strictly greater ASN, or fallback if none remain.
func (ix *Index) TryRemoveForDelete(asn, version uint64, fallback uint64) (removed bool, minLsnTruncationPoint uint64) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	e, ok := ix.entries[asn]
	if !ok || e.Version != version {
		return false, 0
	}
	pos, present := ix.find(asn)
	if !present {
		return false, 0
	}
	delete(ix.entries, asn)
	ix.order = append(ix.order[:pos], ix.order[pos+1:]...)
	return true, ix.lowestLsnOfHigherAsnsLocked(asn, fallback)
}

// Query kind selectors for Query.
type QueryKind int

const (
	Exact QueryKind = iota
	Next
	Prev
	Containing
)

// Query looks up asn by kind. Containing and Exact behave
// identically for this index (entries are not ranged); Containing is
// offered for interface symmetry with callers that treat ASNs as
// potentially covering sub-ranges in richer schemes.
func (ix *Index) Query(asn uint64, kind QueryKind) (Entry, bool) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	pos, present := ix.find(asn)
	switch kind {
	case Exact, Containing:
		if !present {
			return Entry{}, false
		}
		return *ix.entries[ix.order[pos]], true
	case Next:
		if present {
			pos++
		}
		if pos >= len(ix.order) {
			return Entry{}, false
		}
		return *ix.entries[ix.order[pos]], true
	case Prev:
		pos--
		if pos < 0 {
			return Entry{}, false
		}
		return *ix.entries[ix.order[pos]], true
	default:
		return Entry{}, false
	}
}

// QueryRange returns all entries with ASN in [low, high], in
// ascending ASN order.
func (ix *Index) QueryRange(low, high uint64) []Entry {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	start := sort.Search(len(ix.order), func(i int) bool { return ix.order[i] >= low })
	var out []Entry
	for i := start; i < len(ix.order) && ix.order[i] <= high; i++ {
		out = append(out, *ix.entries[ix.order[i]])
	}
	return out
}

// LowestLsnOfHigherAsns returns the minimum LSN among entries with ASN
// strictly greater than asn, or fallback if none exist.
func (ix *Index) LowestLsnOfHigherAsns(asn, fallback uint64) uint64 {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return ix.lowestLsnOfHigherAsnsLocked(asn, fallback)
}

func (ix *Index) lowestLsnOfHigherAsnsLocked(asn, fallback uint64) uint64 {
	pos := sort.Search(len(ix.order), func(i int) bool { return ix.order[i] > asn })
	min := fallback
	found := false
	for i := pos; i < len(ix.order); i++ {
		lsn := ix.entries[ix.order[i]].LSN
		if !found || lsn < min {
			min = lsn
			found = true
		}
	}
	if !found {
		return fallback
	}
	return min
}

// Len returns the number of entries in the index.
func (ix *Index) Len() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.order)
}

// Snapshot returns every entry in ascending ASN order, for
// checkpointing (§4.5).
func (ix *Index) Snapshot() []Entry {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	out := make([]Entry, len(ix.order))
	for i, asn := range ix.order {
		out[i] = *ix.entries[asn]
	}
	return out
}

// Load replaces the index's contents with entries, as recovery does
// after reading a stream checkpoint (§4.8 Phase E) and replaying the
// tail (Phase F) on top.
func (ix *Index) Load(entries []Entry) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.entries = make(map[uint64]*Entry, len(entries))
	ix.order = make([]uint64, 0, len(entries))
	for _, e := range entries {
		cp := e
		ix.entries[e.ASN] = &cp
		ix.order = append(ix.order, e.ASN)
	}
	sort.Slice(ix.order, func(i, j int) bool { return ix.order[i] < ix.order[j] })
}
