// Copyright 2025 The Malloc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package malloc

import "unsafe"

// mapperStats tracks the page mapper's traffic with the OS. Maintained
// under the allocator lock, for observability only.
type mapperStats struct {
	mapped   int // bytes asked from the OS, lifetime
	unmapped int // bytes returned, lifetime
	current  int // bytes currently mapped
	peak     int // high-water mark of current
	maps     int
	unmaps   int
	failures int
}

// acquire maps a fresh region of at least size bytes, rounded up to the OS
// page size. The region is page-aligned, readable, writable, zero-filled
// and private to the process. On failure no partial region exists.
func (a *Allocator) acquire(size int) (base unsafe.Pointer, total int, err error) {
	total = roundup(size, osPageSize)
	base, err = mmap(total)
	if err != nil {
		a.mapper.failures++
		return nil, 0, err
	}

	a.mapper.maps++
	a.mapper.mapped += total
	a.mapper.current += total
	if a.mapper.current > a.mapper.peak {
		a.mapper.peak = a.mapper.current
	}
	return base, total, nil
}

// release returns a region obtained from acquire to the OS.
func (a *Allocator) release(base unsafe.Pointer, total int) error {
	if err := munmap(base, total); err != nil {
		a.mapper.failures++
		return err
	}

	a.mapper.unmaps++
	a.mapper.unmapped += total
	a.mapper.current -= total
	return nil
}
