// Copyright 2021 Intuitive Labs GmbH. All rights reserved.
//
// Use of this source code is governed by a source-available license
// that can be found in the LICENSE.txt file in the root of the source
// tree.

//go:build !heap_qmalloc
// +build !heap_qmalloc

package memprof

import (
	"math/rand"
	"testing"
	"unsafe"
)

func TestHeapAllocFree(t *testing.T) {
	if !heapInit(4 * 1024 * 1024) {
		t.Fatalf("heapInit failed\n")
	}
	defer heapDestroy()

	const N = 10000
	var ptrs [N]unsafe.Pointer
	var sizes [N]uint64
	rnd := rand.New(rand.NewSource(1))
	for i := 0; i < N; i++ {
		sz := uint64(rnd.Intn(256) + 1)
		p := heapAlloc(sz)
		if p == nil {
			t.Fatalf("alloc %d (%d bytes) failed\n", i, sz)
		}
		if uintptr(p)%AllocRoundTo != 0 {
			t.Errorf("alignment error: %p not multiple of %d\n",
				p, AllocRoundTo)
		}
		if got := heapSize(p); got < sz {
			t.Errorf("heapSize %d for a %d byte request\n", got, sz)
		}
		// write over the whole usable size
		b := ptrBytes(p, heapSize(p))
		for j := range b {
			b[j] = byte(i)
		}
		ptrs[i] = p
		sizes[i] = sz
		if i >= 2000 && i%3 == 0 {
			// free an older one to exercise reuse
			j := i - 2000
			if ptrs[j] != nil {
				if !heapFree(ptrs[j]) {
					t.Errorf("free of own block %d rejected\n", j)
				}
				ptrs[j] = nil
			}
		}
	}
	for i := 0; i < N; i++ {
		if ptrs[i] != nil {
			heapFree(ptrs[i])
		}
	}
}

func TestHeapBlockReuse(t *testing.T) {
	if !heapInit(1024 * 1024) {
		t.Fatalf("heapInit failed\n")
	}
	defer heapDestroy()

	p1 := heapAlloc(100)
	if p1 == nil {
		t.Fatalf("alloc failed\n")
	}
	heapFree(p1)
	p2 := heapAlloc(100)
	if p2 != p1 {
		t.Errorf("same-class realloc did not reuse the freed block "+
			"(%p vs %p)\n", p2, p1)
	}
	heapFree(p2)
}

func TestHeapForeignFree(t *testing.T) {
	if !heapInit(1024 * 1024) {
		t.Fatalf("heapInit failed\n")
	}
	defer heapDestroy()

	ff0 := heapStats.ForeignFree.Get()
	var local [64]byte
	if heapFree(unsafe.Pointer(&local[0])) {
		t.Errorf("free of a pointer outside the arena accepted\n")
	}
	if heapStats.ForeignFree.Get() != ff0+1 {
		t.Errorf("foreign free not counted\n")
	}
	p := heapAlloc(64)
	if p == nil {
		t.Fatalf("alloc failed\n")
	}
	if !heapFree(p) {
		t.Errorf("legitimate free rejected\n")
	}
	if heapFree(p) {
		t.Errorf("double free accepted\n")
	}
}

func TestHeapExhaustion(t *testing.T) {
	if !heapInit(64 * 1024) {
		t.Fatalf("heapInit failed\n")
	}
	defer heapDestroy()

	n := 0
	for {
		if p := heapAlloc(1024); p == nil {
			break
		}
		n++
		if n > 1024 {
			t.Fatalf("no allocation failure on a 64k arena\n")
		}
	}
	if n == 0 {
		t.Fatalf("not a single allocation succeeded\n")
	}
	t.Logf("%d x 1k blocks from a 64k arena\n", n)
}

func TestHeapSizeClasses(t *testing.T) {
	tests := []struct {
		sz  uint64
		rsz uint64
	}{
		{1, 16}, {16, 16}, {17, 32}, {4096, 4096},
		{4097, 8192}, {8193, 16384}, {100000, 131072},
	}
	for _, tc := range tests {
		c, rsz := hClassForSize(tc.sz)
		if c < 0 || rsz != tc.rsz {
			t.Errorf("class for %d: got (%d, %d), expected rounded %d\n",
				tc.sz, c, rsz, tc.rsz)
		}
	}
	if c, _ := hClassForSize(1 << 41); c >= 0 {
		t.Errorf("oversized request got class %d\n", c)
	}
}
