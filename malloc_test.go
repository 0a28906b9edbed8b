// Copyright 2025 The Malloc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package malloc

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestAlignment verifies every returned pointer is 16-byte aligned and the
// payload holds at least the aligned request.
func TestAlignment(t *testing.T) {
	var a Allocator
	defer a.Close()

	for _, size := range []int{1, 7, 15, 16, 17, 100, 128, 129, 1000, 1024, 1025, 5000, 100000} {
		p, err := a.UnsafeMalloc(size)
		require.NoError(t, err, "UnsafeMalloc(%d)", size)
		require.NotNil(t, p, "UnsafeMalloc(%d)", size)
		assert.Zero(t, uintptr(p)%mallocAlign, "pointer for size %d", size)
		assert.GreaterOrEqual(t, a.UnsafeUsableSize(p), roundup(size, mallocAlign), "capacity for size %d", size)
	}
}

// TestZeroAndLimit covers the input boundaries: zero size and the
// allocation cap both yield nil without error.
func TestZeroAndLimit(t *testing.T) {
	var a Allocator
	defer a.Close()

	p, err := a.UnsafeMalloc(0)
	require.NoError(t, err)
	assert.Nil(t, p)

	p, err = a.UnsafeMalloc(MaxAllocSize + 1)
	require.NoError(t, err)
	assert.Nil(t, p)
	assert.Equal(t, 1, a.Stats().Errors)
}

// TestClassThresholds allocates exactly at and just past the class
// boundaries and checks the per-class routing through Stats.
func TestClassThresholds(t *testing.T) {
	var a Allocator
	defer a.Close()

	for _, size := range []int{128, 129, 1024, 1025} {
		_, err := a.UnsafeMalloc(size)
		require.NoError(t, err)
	}

	s := a.Stats()
	assert.Equal(t, 1, s.AllocsTiny)  // 128
	assert.Equal(t, 2, s.AllocsSmall) // 129 aligns to 144; 1024
	assert.Equal(t, 1, s.AllocsLarge) // 1025 aligns to 1040
}

// TestRecycle frees a chunk and expects the next same-size request to get
// the same address back (first-fit reuse inside the TINY zone).
func TestRecycle(t *testing.T) {
	var a Allocator
	defer a.Close()

	p, err := a.UnsafeMalloc(64)
	require.NoError(t, err)
	require.NoError(t, a.UnsafeFree(p))

	q, err := a.UnsafeMalloc(64)
	require.NoError(t, err)
	assert.Equal(t, p, q)
}

// TestLargeEagerUnmap checks that freeing a LARGE allocation returns its
// zone to the OS immediately.
func TestLargeEagerUnmap(t *testing.T) {
	var a Allocator

	p, err := a.UnsafeMalloc(8192)
	require.NoError(t, err)
	_, _, current, _, _, _, _ := a.MapperStats()
	require.Greater(t, current, 0)

	require.NoError(t, a.UnsafeFree(p))
	s := a.Stats()
	assert.Equal(t, 0, s.ZonesActive)
	_, _, current, _, _, _, _ = a.MapperStats()
	assert.Equal(t, 0, current)
}

// TestCoalesce frees three neighboring chunks and expects them to merge
// into one block big enough for a request none of them could hold alone.
func TestCoalesce(t *testing.T) {
	var a Allocator
	defer a.Close()

	p1, err := a.UnsafeMalloc(64)
	require.NoError(t, err)
	p2, err := a.UnsafeMalloc(64)
	require.NoError(t, err)
	p3, err := a.UnsafeMalloc(64)
	require.NoError(t, err)

	require.NoError(t, a.UnsafeFree(p1))
	require.NoError(t, a.UnsafeFree(p3))
	require.NoError(t, a.UnsafeFree(p2)) // middle last: merges all three

	// 128 is the largest TINY request and more than any single 64-byte
	// chunk holds.
	q, err := a.UnsafeMalloc(128)
	require.NoError(t, err)
	require.NotNil(t, q)
	// First-fit serves the merged block, which starts where p1 did.
	assert.Equal(t, p1, q)
}

// TestReallocPreserves grows an allocation and verifies the original
// payload survives the move bitwise.
func TestReallocPreserves(t *testing.T) {
	var a Allocator
	defer a.Close()

	b, err := a.Malloc(100)
	require.NoError(t, err)
	for i := range b {
		b[i] = 0xA5
	}

	r, err := a.Realloc(b, 500)
	require.NoError(t, err)
	require.Len(t, r, 500)
	for i := 0; i < 100; i++ {
		require.EqualValues(t, 0xA5, r[i], "byte %d", i)
	}
}

// TestReallocLaws covers the null-pointer and zero-size equivalences.
func TestReallocLaws(t *testing.T) {
	var a Allocator
	defer a.Close()

	// resize(nil, n) == allocate(n)
	p, err := a.UnsafeRealloc(nil, 64)
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, 1, a.Stats().AllocsTiny)

	// resize(p, 0) == release(p), returns nil
	q, err := a.UnsafeRealloc(p, 0)
	require.NoError(t, err)
	assert.Nil(t, q)
	assert.Equal(t, 0, a.Stats().BytesAllocated)
	assert.Equal(t, 0, a.Leaks())

	// A negative size is invalid input: null return, never a panic, and
	// the allocation stays intact.
	p2, err := a.UnsafeMalloc(64)
	require.NoError(t, err)
	q, err = a.UnsafeRealloc(p2, -1)
	require.NoError(t, err)
	assert.Nil(t, q)
	assert.Equal(t, 1, a.Leaks())
	require.NoError(t, a.UnsafeFree(p2))
}

// TestReallocShrinkKeepsChunk shrinks by less than the split minimum and
// expects the chunk to keep its full payload.
func TestReallocShrinkKeepsChunk(t *testing.T) {
	var a Allocator
	defer a.Close()

	p, err := a.UnsafeMalloc(160)
	require.NoError(t, err)
	require.Equal(t, 160, a.UnsafeUsableSize(p))

	q, err := a.UnsafeRealloc(p, 144)
	require.NoError(t, err)
	assert.Equal(t, p, q)
	// 160-144 = 16 cannot hold a header plus a viable remainder.
	assert.Equal(t, 160, a.UnsafeUsableSize(q))
}

// TestReallocShrinkSplits shrinks by enough to carve the excess off into a
// free chunk.
func TestReallocShrinkSplits(t *testing.T) {
	var a Allocator
	defer a.Close()

	p, err := a.UnsafeMalloc(512)
	require.NoError(t, err)

	q, err := a.UnsafeRealloc(p, 64)
	require.NoError(t, err)
	assert.Equal(t, p, q)
	assert.Equal(t, 64, a.UnsafeUsableSize(q))
	assert.Equal(t, 64, a.Stats().BytesAllocated)
}

// TestReallocExpandInPlace frees the physically next chunk, then grows the
// first into it without moving.
func TestReallocExpandInPlace(t *testing.T) {
	var a Allocator
	defer a.Close()

	p1, err := a.UnsafeMalloc(64)
	require.NoError(t, err)
	p2, err := a.UnsafeMalloc(64)
	require.NoError(t, err)
	require.NoError(t, a.UnsafeFree(p2))

	q, err := a.UnsafeRealloc(p1, 128)
	require.NoError(t, err)
	assert.Equal(t, p1, q, "expected in-place forward expansion")
}

// TestDoubleFree checks idempotence: the second free of a pointer is a
// no-op visible only in the error counter.
func TestDoubleFree(t *testing.T) {
	var a Allocator
	defer a.Close()

	p, err := a.UnsafeMalloc(64)
	require.NoError(t, err)
	keep, err := a.UnsafeMalloc(64)
	require.NoError(t, err)

	require.NoError(t, a.UnsafeFree(p))
	before := a.Stats()
	require.NoError(t, a.UnsafeFree(p))
	after := a.Stats()

	assert.Equal(t, before.BytesAllocated, after.BytesAllocated)
	assert.Equal(t, before.Errors+1, after.Errors)
	assert.Equal(t, 1, a.Leaks())
	require.NoError(t, a.UnsafeFree(keep))
}

// TestRejectsForeignPointers feeds the validation gauntlet pointers that
// were never returned by the allocator.
func TestRejectsForeignPointers(t *testing.T) {
	var a Allocator
	defer a.Close()

	p, err := a.UnsafeMalloc(256)
	require.NoError(t, err)
	before := a.Stats()

	// Interior pointer, still 16-byte aligned.
	interior := unsafe.Pointer(uintptr(p) + 16)
	require.NoError(t, a.UnsafeFree(interior))

	// Misaligned pointer: dropped before the header is even read.
	misaligned := unsafe.Pointer(uintptr(p) + 1)
	require.NoError(t, a.UnsafeFree(misaligned))

	// Pointer into Go-managed memory.
	foreign := make([]byte, 1024)
	require.NoError(t, a.UnsafeFree(unsafe.Pointer(&foreign[512])))

	after := a.Stats()
	assert.Equal(t, before.BytesAllocated, after.BytesAllocated)
	assert.Equal(t, 1, a.Leaks(), "the real allocation must survive")
	require.NoError(t, a.UnsafeFree(p))
}

// TestAccounting checks that BytesAllocated equals the sum of aligned
// payloads across a mixed workload.
func TestAccounting(t *testing.T) {
	var a Allocator
	defer a.Close()

	sizes := []int{1, 17, 64, 100, 128, 500, 1024, 2000, 9000}
	want := 0
	ptrs := make([]unsafe.Pointer, 0, len(sizes))
	for _, size := range sizes {
		p, err := a.UnsafeMalloc(size)
		require.NoError(t, err)
		ptrs = append(ptrs, p)
		want += roundup(size, mallocAlign)
	}
	assert.Equal(t, want, a.Stats().BytesAllocated)
	assert.Equal(t, want, a.Stats().BytesPeak)

	for _, p := range ptrs {
		require.NoError(t, a.UnsafeFree(p))
	}
	s := a.Stats()
	assert.Equal(t, 0, s.BytesAllocated)
	assert.Equal(t, want, s.BytesPeak)
	assert.Equal(t, want, s.BytesTotal)
}

// TestCleanupReclaims frees everything and expects Cleanup to hand the
// pooled zones back to the OS.
func TestCleanupReclaims(t *testing.T) {
	var a Allocator

	var ptrs []unsafe.Pointer
	for i := 0; i < 100; i++ {
		p, err := a.UnsafeMalloc(64)
		require.NoError(t, err)
		ptrs = append(ptrs, p)
	}
	require.NotZero(t, a.Stats().ZonesActive)

	for _, p := range ptrs {
		require.NoError(t, a.UnsafeFree(p))
	}
	// Pooled zones are retained across frees and retired only here.
	require.NotZero(t, a.Stats().ZonesActive)
	assert.GreaterOrEqual(t, a.Cleanup(), 1)
	assert.Equal(t, 0, a.Stats().ZonesActive)
	_, _, current, _, _, _, _ := a.MapperStats()
	assert.Equal(t, 0, current)
}

// TestManyLargeZones grows the uncapped LARGE list well past the pooled
// per-class cap and frees every zone again: detach, Leaks and the stats
// walks must reach zones at any depth.
func TestManyLargeZones(t *testing.T) {
	var a Allocator

	const n = maxZonesPerClass + 100
	ptrs := make([]unsafe.Pointer, 0, n)
	for i := 0; i < n; i++ {
		p, err := a.UnsafeMalloc(smallMax + 1)
		require.NoError(t, err)
		ptrs = append(ptrs, p)
	}
	require.Equal(t, n, a.Stats().ZonesActive)
	require.Equal(t, n, a.Leaks())
	require.Zero(t, a.ValidateSystem())

	// Freeing in allocation order detaches from the deep end of the
	// prepend-ordered list first.
	for _, p := range ptrs {
		require.NoError(t, a.UnsafeFree(p))
	}
	assert.Equal(t, 0, a.Stats().ZonesActive)
	assert.Equal(t, 0, a.Leaks())
	_, _, current, _, _, _, _ := a.MapperStats()
	assert.Equal(t, 0, current)
}

// TestValidateSystem runs the structural walk on a healthy heap, then on
// one with a deliberately smashed header.
func TestValidateSystem(t *testing.T) {
	var a Allocator
	defer a.Close()

	p, err := a.UnsafeMalloc(64)
	require.NoError(t, err)
	q, err := a.UnsafeMalloc(64)
	require.NoError(t, err)
	require.Zero(t, a.ValidateSystem())

	h := chunkFromPtr(p)
	saved := h.magic
	h.magic = 0x12345678
	assert.GreaterOrEqual(t, a.ValidateSystem(), 1)
	assert.GreaterOrEqual(t, a.Stats().CorruptionCount, 1)

	h.magic = saved
	require.Zero(t, a.ValidateSystem())
	require.NoError(t, a.UnsafeFree(p))
	require.NoError(t, a.UnsafeFree(q))
}

// TestGlobalEntryPoints smoke-tests the package-level API over the
// process-wide allocator.
func TestGlobalEntryPoints(t *testing.T) {
	b, err := Malloc(100)
	require.NoError(t, err)
	require.Len(t, b, 100)

	b, err = Realloc(b, 200)
	require.NoError(t, err)
	require.Len(t, b, 200)

	require.NoError(t, Free(b))
	assert.Equal(t, 0, Stats().BytesAllocated)
	Cleanup()
}
