// Copyright 2025 The Malloc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package malloc

import "unsafe"

// zone is one contiguous mapping of a fixed size class. Its header sits at
// the start of the mapped region; chunks are carved from start+used upward,
// so used is a high-water mark that only find-free reuse keeps from
// growing. The chunk chain is doubly linked in address order.
type zone struct {
	magic   uint32
	class   sizeClass
	total   int
	used    int
	start   uintptr // mapping base
	end     uintptr
	chunks  *chunk
	tail    *chunk
	next    *zone
	nchunks int
}

// newZone maps a region for one zone and lays the zone header at its base.
// TINY and SMALL zones have class-fixed sizes chosen so that well over a
// hundred maximum-size requests of the class fit in one zone; LARGE zones
// are sized for their single allocation.
func (a *Allocator) newZone(class sizeClass, need int) (*zone, error) {
	var size int
	switch class {
	case classTiny:
		size = tinyZonePages * osPageSize
	case classSmall:
		size = smallZonePages * osPageSize
	default:
		size = zoneHeaderSize + chunkHeaderSize + need
	}

	base, total, err := a.acquire(size)
	if err != nil {
		return nil, err
	}

	// The mapping is zero-filled; only the non-zero fields need stamping.
	z := (*zone)(base)
	z.magic = magicZone
	z.class = class
	z.total = total
	z.used = zoneHeaderSize
	z.start = uintptr(base)
	z.end = uintptr(base) + uintptr(total)
	a.zonesTotal++
	return z, nil
}

// base recovers the mapping address for release. The zone header sits at
// the start of the mapped region, so the zone pointer is the base.
func (z *zone) base() unsafe.Pointer { return unsafe.Pointer(z) }

// valid checks the zone header invariants: magic, class range, address
// ordering, accounting bounds, and that the first chunk (if any) sits at
// the aligned post-header offset.
func (z *zone) valid() bool {
	if z == nil || z.magic != magicZone {
		return false
	}
	if z.class < classTiny || z.class > classLarge {
		return false
	}
	if z.start == 0 || z.start >= z.end {
		return false
	}
	if z.used < zoneHeaderSize || z.used > z.total {
		return false
	}
	if z.chunks != nil && uintptr(unsafe.Pointer(z.chunks)) != z.start+uintptr(zoneHeaderSize) {
		return false
	}
	return true
}

// findFree is the first-fit walk over the zone's chain. The second result
// is false when the iteration cap trips, which means the chain is broken;
// the caller must treat the zone as corrupt rather than read further.
func (z *zone) findFree(need int) (*chunk, bool) {
	n := 0
	for c := z.chunks; c != nil; c = c.next {
		if n++; n > maxChunkWalk {
			return nil, false
		}
		if c.state == stateFree && c.magic == magicFree && c.size >= need {
			return c, true
		}
	}
	return nil, true
}

// carveFresh places a new chunk at the tail of used space. It returns nil
// when the remaining capacity cannot hold a header plus need bytes. The
// chunk is born FREE; the caller stamps it.
func (z *zone) carveFresh(need int) *chunk {
	if z.total-z.used < chunkHeaderSize+need {
		return nil
	}

	c := (*chunk)(unsafe.Pointer(uintptr(unsafe.Pointer(z)) + uintptr(z.used)))
	c.magic = magicFree
	c.state = stateFree
	c.size = need
	c.zone = z
	c.prev = z.tail
	c.next = nil
	if z.tail != nil {
		z.tail.next = c
	} else {
		z.chunks = c
	}
	z.tail = c
	z.used += chunkHeaderSize + need
	z.nchunks++
	return c
}

// fits reports whether the zone can satisfy need bytes, either from tail
// capacity or from an existing free chunk.
func (z *zone) fits(need int) bool {
	if z.total-z.used >= chunkHeaderSize+need {
		return true
	}
	c, ok := z.findFree(need)
	return ok && c != nil
}

// split shortens c to need bytes and turns the remainder into a new FREE
// chunk immediately after it. It only splits when the remainder would
// still hold a viable chunk; otherwise c keeps its full payload.
func (z *zone) split(c *chunk, need int) {
	if c.size < need+chunkHeaderSize+minSplit {
		return
	}

	rem := (*chunk)(unsafe.Pointer(uintptr(unsafe.Pointer(c)) + uintptr(chunkHeaderSize) + uintptr(need)))
	rem.magic = magicFree
	rem.state = stateFree
	rem.size = c.size - need - chunkHeaderSize
	rem.zone = z
	rem.prev = c
	rem.next = c.next
	if c.next != nil {
		c.next.prev = rem
	} else {
		z.tail = rem
	}
	c.next = rem
	c.size = need
	z.nchunks++
}

// coalesce merges c with its FREE neighbors. A neighbor is absorbed only
// when it is both FREE and physically adjacent; a non-adjacent FREE
// neighbor can only arise under corruption and is left alone. Absorbed
// headers are restamped with the corruption sentinel. Returns the
// surviving chunk.
func (z *zone) coalesce(c *chunk) *chunk {
	if n := c.next; n != nil && n.state == stateFree && n.magic == magicFree && adjacent(c, n) {
		c.size += chunkHeaderSize + n.size
		c.next = n.next
		if n.next != nil {
			n.next.prev = c
		} else {
			z.tail = c
		}
		n.stampCorrupt()
		z.nchunks--
	}
	if p := c.prev; p != nil && p.state == stateFree && p.magic == magicFree && adjacent(p, c) {
		p.size += chunkHeaderSize + c.size
		p.next = c.next
		if c.next != nil {
			c.next.prev = p
		} else {
			z.tail = p
		}
		c.stampCorrupt()
		z.nchunks--
		c = p
	}
	return c
}

// expandInto grows an allocated chunk forward by absorbing its FREE,
// physically adjacent successor when the combined payload covers need.
// The in-place path of Realloc uses this to avoid a copy.
func (z *zone) expandInto(c *chunk, need int) bool {
	n := c.next
	if n == nil || n.state != stateFree || n.magic != magicFree || !adjacent(c, n) {
		return false
	}
	if c.size+chunkHeaderSize+n.size < need {
		return false
	}

	c.size += chunkHeaderSize + n.size
	c.next = n.next
	if n.next != nil {
		n.next.prev = c
	} else {
		z.tail = c
	}
	n.stampCorrupt()
	z.nchunks--
	return true
}

// empty reports whether the zone holds no allocated chunk.
func (z *zone) empty() bool {
	n := 0
	for c := z.chunks; c != nil && n < maxChunkWalk; c = c.next {
		if c.state == stateAllocated {
			return false
		}
		n++
	}
	return true
}
