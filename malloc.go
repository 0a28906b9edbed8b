// Copyright 2025 The Malloc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package malloc implements a zone-based memory allocator with the
// traditional C heap contract: 16-byte aligned, non-overlapping regions
// whose lifetime is controlled by the caller.
//
// Memory comes from anonymous private page mappings. Requests are routed
// by size into TINY, SMALL and LARGE classes; TINY and SMALL share pooled
// zones that carve chunks out of a few pages, LARGE requests get a mapping
// of their own that is returned to the OS on free. Every chunk carries a
// header with a magic sentinel and a back-reference to its zone, so Free
// and Realloc validate caller-supplied pointers before trusting them:
// double frees, interior pointers and wild pointers become no-ops instead
// of corrupting the heap.
//
// The package offers two API layers, a []byte convenience layer (Malloc,
// Calloc, Free, Realloc) and an unsafe.Pointer layer (UnsafeMalloc and
// friends) that carries the exact C semantics. An Allocator's zero value
// is ready for use and all methods are safe for concurrent use.
package malloc

import (
	"fmt"
	"os"
	"sync"
	"unsafe"
)

const trace = false

const (
	mallocAlign = 16

	tinyMax  = 128
	smallMax = 1024

	tinyZonePages  = 16
	smallZonePages = 104

	// MaxAllocSize is the largest request Malloc accepts. Anything above
	// it returns nil, the same as an exhausted allocator.
	MaxAllocSize = 1 << 30

	minSplit = 32

	maxChunkWalk     = 10000
	maxZoneSearch    = 100
	maxZonesPerClass = 1000
)

// Header sentinels. Random memory is overwhelmingly unlikely to hold one.
const (
	magicAlloc   = 0xDEADBEEF
	magicFree    = 0xFEEDFACE
	magicZone    = 0xCAFEBABE
	magicCorrupt = 0xDEADDEAD
)

type sizeClass int32

const (
	classTiny sizeClass = iota
	classSmall
	classLarge
	classCount
)

var (
	osPageSize = pagesize()
	osPageMask = osPageSize - 1

	chunkHeaderSize = roundup(int(unsafe.Sizeof(chunk{})), mallocAlign)
	zoneHeaderSize  = roundup(int(unsafe.Sizeof(zone{})), mallocAlign)
)

func pagesize() int {
	if n := os.Getpagesize(); n > 0 {
		return n
	}
	return 4096
}

// if n%m != 0 { n += m-n%m }. m must be a power of 2.
func roundup(n, m int) int { return (n + m - 1) &^ (m - 1) }

// classify routes an aligned request size to its zone class.
func classify(n int) sizeClass {
	switch {
	case n <= tinyMax:
		return classTiny
	case n <= smallMax:
		return classSmall
	default:
		return classLarge
	}
}

// Allocator allocates and frees memory. Its zero value is ready for use.
type Allocator struct {
	mu sync.Mutex

	zones  [classCount]*zone
	counts [classCount]int

	bytesAllocated int
	bytesPeak      int
	bytesTotal     int
	allocs         [classCount]int
	zonesTotal     int
	errs           int
	corrupt        int

	mapper mapperStats
}

// global backs the package-level entry points. First use maps nothing;
// zones appear on the first real request.
var global Allocator

// Malloc allocates size bytes and returns a byte slice over the allocated
// memory. The memory is not initialized. Malloc panics for size < 0 and
// returns (nil, nil) for zero or over-limit size.
//
// It's ok to reslice the returned slice but the result of appending to it
// cannot be passed to Free or Realloc as it may refer to a different
// backing array afterwards.
func (a *Allocator) Malloc(size int) (r []byte, err error) {
	if trace {
		defer func() {
			var p *byte
			if len(r) != 0 {
				p = &r[0]
			}
			fmt.Fprintf(os.Stderr, "Malloc(%#x) %p, %v\n", size, p, err)
		}()
	}
	p, err := a.UnsafeMalloc(size)
	if p == nil || err != nil {
		return nil, err
	}

	return unsafe.Slice((*byte)(p), size), nil
}

// Calloc is like Malloc except the allocated memory is zeroed.
func (a *Allocator) Calloc(size int) (r []byte, err error) {
	if trace {
		defer func() {
			var p *byte
			if len(r) != 0 {
				p = &r[0]
			}
			fmt.Fprintf(os.Stderr, "Calloc(%#x) %p, %v\n", size, p, err)
		}()
	}
	b, err := a.Malloc(size)
	if err != nil {
		return nil, err
	}

	for i := range b {
		b[i] = 0
	}
	return b, nil
}

// Free deallocates memory (as in C.free). The argument of Free must have
// been acquired from Calloc or Malloc or Realloc. Free(nil-backed slice)
// is a no-op, as is any slice whose pointer fails validation; rejected
// frees are counted in Stats rather than reported.
func (a *Allocator) Free(b []byte) (err error) {
	if trace {
		var p *byte
		if len(b) != 0 {
			p = &b[0]
		}
		defer func() {
			fmt.Fprintf(os.Stderr, "Free(%#x) %v\n", p, err)
		}()
	}
	b = b[:cap(b)]
	if len(b) == 0 {
		return nil
	}

	return a.UnsafeFree(unsafe.Pointer(&b[0]))
}

// Realloc changes the size of the backing array of b to size bytes. The
// contents are unchanged in the range from the start of the region up to
// the minimum of the old and new sizes. If b's backing array is of zero
// size the call is equivalent to Malloc(size); if size is zero and b's
// backing array is not, the call is equivalent to Free(b). If the area was
// moved, a Free(b) is done.
func (a *Allocator) Realloc(b []byte, size int) (r []byte, err error) {
	if trace {
		var p0 *byte
		if len(b) != 0 {
			p0 = &b[0]
		}
		defer func() {
			var p *byte
			if len(r) != 0 {
				p = &r[0]
			}
			fmt.Fprintf(os.Stderr, "Realloc(%p, %#x) %p, %v\n", p0, size, p, err)
		}()
	}
	b = b[:cap(b)]
	if len(b) == 0 {
		return a.Malloc(size)
	}

	p, err := a.UnsafeRealloc(unsafe.Pointer(&b[0]), size)
	if p == nil || err != nil {
		return nil, err
	}

	return unsafe.Slice((*byte)(p), size), nil
}

// UnsafeMalloc is like Malloc except it returns an unsafe.Pointer. The
// returned pointer is 16-byte aligned and usable for size bytes.
func (a *Allocator) UnsafeMalloc(size int) (r unsafe.Pointer, err error) {
	if trace {
		defer func() {
			fmt.Fprintf(os.Stderr, "Malloc(%#x) %p, %v\n", size, r, err)
		}()
	}
	if size < 0 {
		panic("invalid malloc size")
	}

	if size == 0 {
		return nil, nil
	}

	a.mu.Lock()
	r, err = a.malloc0(size)
	a.mu.Unlock()
	return r, err
}

// UnsafeCalloc is like Calloc except it returns an unsafe.Pointer.
func (a *Allocator) UnsafeCalloc(size int) (r unsafe.Pointer, err error) {
	if trace {
		defer func() {
			fmt.Fprintf(os.Stderr, "Calloc(%#x) %p, %v\n", size, r, err)
		}()
	}
	if r, err = a.UnsafeMalloc(size); r == nil || err != nil {
		return nil, err
	}

	b := unsafe.Slice((*byte)(r), size)
	for i := range b {
		b[i] = 0
	}
	return r, nil
}

// UnsafeFree is like Free except its argument is an unsafe.Pointer, which
// must have been acquired from UnsafeCalloc or UnsafeMalloc or
// UnsafeRealloc. A nil pointer is a no-op. A pointer that fails the header
// validation sequence (double free, interior pointer, foreign pointer) is
// dropped silently; the rejection is visible in Stats. The returned error
// is non-nil only when the OS refuses to unmap a LARGE region.
func (a *Allocator) UnsafeFree(p unsafe.Pointer) (err error) {
	if trace {
		defer func() {
			fmt.Fprintf(os.Stderr, "Free(%#x) %v\n", p, err)
		}()
	}
	if p == nil {
		return nil
	}

	a.mu.Lock()
	err = a.free0(p)
	a.mu.Unlock()
	return err
}

// UnsafeRealloc is like Realloc except its first argument is an
// unsafe.Pointer, which must have been returned from UnsafeCalloc,
// UnsafeMalloc or UnsafeRealloc.
func (a *Allocator) UnsafeRealloc(p unsafe.Pointer, size int) (r unsafe.Pointer, err error) {
	if trace {
		defer func() {
			fmt.Fprintf(os.Stderr, "UnsafeRealloc(%p, %#x) %p, %v\n", p, size, r, err)
		}()
	}
	switch {
	case p == nil:
		return a.UnsafeMalloc(size)
	case size == 0:
		return nil, a.UnsafeFree(p)
	}

	a.mu.Lock()
	r, err = a.realloc0(p, size)
	a.mu.Unlock()
	return r, err
}

// UnsafeUsableSize reports the payload capacity of the chunk p points to,
// which can be larger than the size originally requested. Returns 0 for
// nil or for any pointer that fails validation.
func (a *Allocator) UnsafeUsableSize(p unsafe.Pointer) (r int) {
	if trace {
		defer func() {
			fmt.Fprintf(os.Stderr, "UsableSize(%p) %#x\n", p, r)
		}()
	}
	if p == nil {
		return 0
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if uintptr(p)&(mallocAlign-1) != 0 {
		return 0
	}

	h := chunkFromPtr(p)
	if !h.validAllocated(p) {
		return 0
	}

	return h.size
}

// UsableSize is like UnsafeUsableSize for a slice-API pointer.
func (a *Allocator) UsableSize(p *byte) int { return a.UnsafeUsableSize(unsafe.Pointer(p)) }

// Close releases all OS resources used by a and resets it to its zero
// state. It's not necessary to Close the Allocator when exiting a process.
func (a *Allocator) Close() (err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for class := classTiny; class < classCount; class++ {
		z := a.zones[class]
		for z != nil {
			next := z.next
			if e := a.release(z.base(), z.total); e != nil && err == nil {
				err = e
			}
			z = next
		}
		a.zones[class] = nil
		a.counts[class] = 0
	}
	a.bytesAllocated = 0
	a.bytesPeak = 0
	a.bytesTotal = 0
	a.allocs = [classCount]int{}
	a.zonesTotal = 0
	a.errs = 0
	a.corrupt = 0
	a.mapper = mapperStats{}
	return err
}

// Cleanup retires every pooled zone that holds no allocated chunk and
// returns the number of zones unmapped. LARGE zones are normally retired
// eagerly by Free; Cleanup catches any that validation left behind.
func (a *Allocator) Cleanup() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.reclaimEmpty()
}

// malloc0 implements allocation with the lock held.
func (a *Allocator) malloc0(size int) (unsafe.Pointer, error) {
	if size > MaxAllocSize {
		a.errs++
		return nil, nil
	}

	n := roundup(size, mallocAlign)
	class := classify(n)
	z, err := a.findOrCreate(class, n)
	if err != nil {
		return nil, err
	}

	if z == nil { // class cap reached
		a.errs++
		return nil, nil
	}

	c, ok := z.findFree(n)
	if !ok {
		a.corrupt++
		return nil, nil
	}

	if c == nil {
		if c = z.carveFresh(n); c == nil {
			a.errs++
			return nil, nil
		}
	}
	c.stampAllocated()
	z.split(c, n)

	a.bytesAllocated += c.size
	a.bytesTotal += c.size
	if a.bytesAllocated > a.bytesPeak {
		a.bytesPeak = a.bytesAllocated
	}
	a.allocs[class]++
	return c.user(), nil
}

// free0 implements deallocation with the lock held. Every rejection path
// returns nil: an invalid pointer must not take the process down.
func (a *Allocator) free0(p unsafe.Pointer) error {
	if uintptr(p)&(mallocAlign-1) != 0 {
		// Misaligned pointers are never ours. Do not even read the header.
		a.errs++
		return nil
	}

	h := chunkFromPtr(p)
	if !h.validAllocated(p) {
		if h.magic == magicFree || h.magic == magicCorrupt {
			a.errs++ // double free or stale reference
		} else {
			a.corrupt++
		}
		return nil
	}

	z := h.zone
	a.bytesAllocated -= h.size
	h.stampFree()

	if z.class == classLarge {
		if z.empty() {
			a.detach(z)
			return a.release(z.base(), z.total)
		}
		return nil
	}

	z.coalesce(h)
	return nil
}

// realloc0 implements reallocation with the lock held. A negative or
// over-limit size is invalid input and surfaces as a null return, like any
// other validation failure; p is left intact.
func (a *Allocator) realloc0(p unsafe.Pointer, size int) (unsafe.Pointer, error) {
	if size < 0 || size > MaxAllocSize {
		a.errs++
		return nil, nil
	}

	if uintptr(p)&(mallocAlign-1) != 0 {
		a.errs++
		return nil, nil
	}

	h := chunkFromPtr(p)
	if !h.validAllocated(p) {
		a.errs++
		return nil, nil
	}

	z := h.zone
	n := roundup(size, mallocAlign)
	old := h.size

	if old >= n {
		// Shrink in place. split refuses a sub-viable remainder, in which
		// case the chunk keeps its full payload.
		z.split(h, n)
		if rem := h.next; rem != nil && rem.state == stateFree {
			z.coalesce(rem)
		}
		a.bytesAllocated += h.size - old
		return p, nil
	}

	if z.class != classLarge && z.expandInto(h, n) {
		z.split(h, n)
		a.bytesAllocated += h.size - old
		if a.bytesAllocated > a.bytesPeak {
			a.bytesPeak = a.bytesAllocated
		}
		return p, nil
	}

	q, err := a.malloc0(size)
	if q == nil || err != nil {
		// Leave p intact on failure.
		return nil, err
	}

	memmove(q, p, size, old)
	if err := a.free0(p); err != nil {
		return q, err
	}
	return q, nil
}

// memmove copies min(size, old) bytes from src to dst.
func memmove(dst, src unsafe.Pointer, size, old int) {
	if size > old {
		size = old
	}
	copy(unsafe.Slice((*byte)(dst), size), unsafe.Slice((*byte)(src), size))
}

// Package-level entry points over the process-wide allocator.

// Malloc allocates size bytes from the process-wide allocator.
func Malloc(size int) ([]byte, error) { return global.Malloc(size) }

// Calloc allocates zeroed memory from the process-wide allocator.
func Calloc(size int) ([]byte, error) { return global.Calloc(size) }

// Free returns b to the process-wide allocator.
func Free(b []byte) error { return global.Free(b) }

// Realloc resizes b within the process-wide allocator.
func Realloc(b []byte, size int) ([]byte, error) { return global.Realloc(b, size) }

// UnsafeMalloc allocates from the process-wide allocator.
func UnsafeMalloc(size int) (unsafe.Pointer, error) { return global.UnsafeMalloc(size) }

// UnsafeFree frees a pointer obtained from UnsafeMalloc.
func UnsafeFree(p unsafe.Pointer) error { return global.UnsafeFree(p) }

// UnsafeRealloc resizes an allocation of the process-wide allocator.
func UnsafeRealloc(p unsafe.Pointer, size int) (unsafe.Pointer, error) {
	return global.UnsafeRealloc(p, size)
}

// ShowAllocMem writes the diagnostic listing of the process-wide allocator
// to standard output.
func ShowAllocMem() { global.ShowAllocMem() }

// Stats reports the process-wide allocator statistics.
func Stats() MallocStats { return global.Stats() }

// Cleanup retires empty pooled zones of the process-wide allocator.
func Cleanup() int { return global.Cleanup() }
