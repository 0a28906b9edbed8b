// Copyright 2025 The Malloc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package malloc

// MallocStats is a snapshot of the allocator's accounting, taken at the
// moment Stats acquired the lock.
type MallocStats struct {
	BytesAllocated int // payload bytes currently allocated
	BytesPeak      int // high-water mark of BytesAllocated
	BytesTotal     int // payload bytes allocated, lifetime

	AllocsTiny  int
	AllocsSmall int
	AllocsLarge int

	ZonesActive int // zones currently on the manager's lists
	ZonesTotal  int // zones created, lifetime

	Errors          int // rejected frees, exhaustion, invalid input
	CorruptionCount int // header gauntlet and invariant failures
}

// Stats reports the allocator's counters.
func (a *Allocator) Stats() MallocStats {
	a.mu.Lock()
	defer a.mu.Unlock()

	return MallocStats{
		BytesAllocated:  a.bytesAllocated,
		BytesPeak:       a.bytesPeak,
		BytesTotal:      a.bytesTotal,
		AllocsTiny:      a.allocs[classTiny],
		AllocsSmall:     a.allocs[classSmall],
		AllocsLarge:     a.allocs[classLarge],
		ZonesActive:     a.counts[classTiny] + a.counts[classSmall] + a.counts[classLarge],
		ZonesTotal:      a.zonesTotal,
		Errors:          a.errs,
		CorruptionCount: a.corrupt,
	}
}

// MapperStats reports the page mapper's traffic with the OS: bytes mapped
// and unmapped lifetime, bytes currently mapped, the peak, and call/failure
// counts.
func (a *Allocator) MapperStats() (mapped, unmapped, current, peak, maps, unmaps, failures int) {
	a.mu.Lock()
	defer a.mu.Unlock()

	m := a.mapper
	return m.mapped, m.unmapped, m.current, m.peak, m.maps, m.unmaps, m.failures
}
