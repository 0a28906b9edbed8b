// Copyright 2025 The Malloc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build unix

package malloc

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

func mmap(size int) (unsafe.Pointer, error) {
	b, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return nil, err
	}

	p := unsafe.Pointer(&b[0])
	if uintptr(p)&uintptr(osPageMask) != 0 {
		panic("internal error")
	}

	return p, nil
}

func munmap(addr unsafe.Pointer, size int) error {
	return unix.Munmap(unsafe.Slice((*byte)(addr), size))
}

// rawWrite is the only output primitive of the diagnostic dump: the host
// program may be routing its own I/O through this allocator, so no
// formatted-I/O machinery is allowed on that path.
func rawWrite(fd int, b []byte) {
	for len(b) > 0 {
		n, err := unix.Write(fd, b)
		if err != nil || n <= 0 {
			return
		}
		b = b[n:]
	}
}
