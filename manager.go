// Copyright 2025 The Malloc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package malloc

// findOrCreate routes a request to a zone of the given class. LARGE
// requests always get a fresh zone, prepended to the uncapped LARGE list.
// TINY and SMALL requests reuse the first listed zone that fits; when none
// does and the class cap is not yet reached, a new zone is appended.
// Returns (nil, nil) when the cap is reached: resource exhaustion, not an
// OS failure.
func (a *Allocator) findOrCreate(class sizeClass, need int) (*zone, error) {
	if class == classLarge {
		z, err := a.newZone(classLarge, need)
		if err != nil {
			return nil, err
		}

		z.next = a.zones[classLarge]
		a.zones[classLarge] = z
		a.counts[classLarge]++
		return z, nil
	}

	n := 0
	for z := a.zones[class]; z != nil && n < maxZoneSearch; z = z.next {
		if z.fits(need) {
			return z, nil
		}
		n++
	}

	if a.counts[class] >= maxZonesPerClass {
		return nil, nil
	}

	z, err := a.newZone(class, need)
	if err != nil {
		return nil, err
	}

	a.appendZone(class, z)
	a.counts[class]++
	return z, nil
}

// appendZone links z at the end of its class list. O(list length), bounded
// by the per-class cap.
func (a *Allocator) appendZone(class sizeClass, z *zone) {
	if a.zones[class] == nil {
		a.zones[class] = z
		return
	}

	last := a.zones[class]
	for n := 0; last.next != nil && n < maxZonesPerClass; n++ {
		last = last.next
	}
	last.next = z
}

// zoneWalkLimit bounds a walk over one class list. TINY and SMALL lists
// can never outgrow the per-class cap, so the cap doubles as their
// corruption fuse. The LARGE list is uncapped; truncating its walks would
// lose zones, so they are left unbounded.
func zoneWalkLimit(class sizeClass) int {
	if class == classLarge {
		return int(^uint(0) >> 1)
	}
	return maxZonesPerClass
}

// detach unlinks z from its class list. Used by the LARGE eager-unmap path
// in free; a zone not on the list is left alone.
func (a *Allocator) detach(z *zone) {
	class := z.class
	if a.zones[class] == z {
		a.zones[class] = z.next
		a.counts[class]--
		return
	}

	limit := zoneWalkLimit(class)
	n := 0
	for prev := a.zones[class]; prev != nil && n < limit; prev = prev.next {
		if prev.next == z {
			prev.next = z.next
			a.counts[class]--
			return
		}
		n++
	}
}

// reclaimEmpty walks every class list and unmaps each zone with no
// allocated chunks, returning the number reclaimed. Unmap failures count
// as errors but do not stop the sweep.
func (a *Allocator) reclaimEmpty() int {
	reclaimed := 0
	for class := classTiny; class < classCount; class++ {
		limit := zoneWalkLimit(class)
		var prev *zone
		z := a.zones[class]
		for n := 0; z != nil && n < limit; n++ {
			next := z.next
			if z.empty() {
				if prev != nil {
					prev.next = next
				} else {
					a.zones[class] = next
				}
				if err := a.release(z.base(), z.total); err != nil {
					a.errs++
				}
				a.counts[class]--
				reclaimed++
			} else {
				prev = z
			}
			z = next
		}
	}
	return reclaimed
}

// Leaks counts the chunks currently allocated across every zone. A clean
// shutdown reports zero.
func (a *Allocator) Leaks() int {
	a.mu.Lock()
	defer a.mu.Unlock()

	leaks := 0
	for class := classTiny; class < classCount; class++ {
		limit := zoneWalkLimit(class)
		n := 0
		for z := a.zones[class]; z != nil && n < limit; z = z.next {
			m := 0
			for c := z.chunks; c != nil && m < maxChunkWalk; c = c.next {
				if c.state == stateAllocated {
					leaks++
				}
				m++
			}
			n++
		}
	}
	return leaks
}

// ValidateSystem walks every zone and chunk, checking the structural
// invariants: zone headers validate, chunk headers are sane, and each
// chunk's payload ends exactly where its successor starts. It returns the
// number of corrupt structures found and records them in Stats.
func (a *Allocator) ValidateSystem() int {
	a.mu.Lock()
	defer a.mu.Unlock()

	bad := 0
	for class := classTiny; class < classCount; class++ {
		limit := zoneWalkLimit(class)
		n := 0
		for z := a.zones[class]; z != nil && n < limit; z = z.next {
			if !z.valid() {
				bad++
				n++
				continue
			}
			m := 0
			for c := z.chunks; c != nil && m < maxChunkWalk; c = c.next {
				if !c.headerSane(z) {
					bad++
					break
				}
				if c.next != nil && !adjacent(c, c.next) {
					bad++
				}
				m++
			}
			n++
		}
	}
	a.corrupt += bad
	return bad
}
