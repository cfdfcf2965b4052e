// Copyright 2021 Intuitive Labs GmbH. All rights reserved.
//
// Use of this source code is governed by a source-available license
// that can be found in the LICENSE.txt file in the root of the source
// tree.

//go:build !heap_qmalloc
// +build !heap_qmalloc

package memprof

import (
	"sync/atomic"
	"unsafe"
)

// build type constants
const HeapType = HeapArena        // build time heap backend type
const HeapTypeName = "heap_arena" // backend type as string

func init() {
	BuildTags = append(BuildTags, HeapTypeName)
}

// Default heap backend: segregated free lists carving blocks out of
// one arena preallocated at heapInit(). Blocks are never split or
// coalesced: a freed block goes back to the free list of its size
// class. Bounded, allocation free after init and safe to call from
// any engine context (per class spinlocks only).

const hHdrSize = 16 // block header: u64 payload size, u32 magic, u32 class

const (
	hMagicBusy = 0x6d70af01
	hMagicFree = 0x6d70af00
)

// size classes: 0..255 in AllocRoundTo steps (16..4096), then one
// class per power of two up to 1<<40.
const hSmallClasses = 256
const hSmallMax = hSmallClasses * AllocRoundTo
const hLargeClasses = 28 // 1<<13 .. 1<<40
const hNClasses = hSmallClasses + hLargeClasses

type heapClass struct {
	lock spinLock
	head uintptr // first free block payload address (0 if empty)
}

type harena struct {
	mem  []byte
	base uintptr // aligned start
	end  uintptr
	brk  uint64 // bump offset from base (atomic)

	classes [hNClasses]heapClass
}

var heapA harena

// hClassForSize returns the size class index and the rounded payload
// size for a request, or (-1, 0) if the request cannot be satisfied.
func hClassForSize(sz uint64) (int, uint64) {
	if sz == 0 {
		sz = 1
	}
	rsz := ((sz-1)/AllocRoundTo + 1) * AllocRoundTo
	if rsz <= hSmallMax {
		return int(rsz/AllocRoundTo) - 1, rsz
	}
	c := hSmallClasses
	psz := uint64(hSmallMax) * 2 // 8192
	for psz < rsz {
		psz <<= 1
		c++
	}
	if c >= hNClasses {
		return -1, 0
	}
	return c, psz
}

// heapInit (re)initializes the backend with an arena of max bytes.
func heapInit(max uint64) bool {
	if max < hHdrSize+AllocRoundTo {
		return false
	}
	heapA.mem = make([]byte, max+AllocRoundTo)
	addr := uintptr(unsafe.Pointer(&heapA.mem[0]))
	heapA.base = (addr + AllocRoundTo - 1) &^ (AllocRoundTo - 1)
	heapA.end = addr + uintptr(len(heapA.mem))
	heapA.brk = 0
	for i := 0; i < hNClasses; i++ {
		heapA.classes[i].head = 0
	}
	return true
}

func heapDestroy() {
	heapA.mem = nil
	heapA.base = 0
	heapA.end = 0
	heapA.brk = 0
}

func (a *harena) hdr(payload uintptr) *[2]uint64 {
	return (*[2]uint64)(unsafe.Pointer(payload - hHdrSize))
}

// heapAlloc returns a pointer to sz usable bytes or nil if the arena
// is exhausted. The memory content is undefined (reused blocks are
// not zeroed).
func heapAlloc(sz uint64) unsafe.Pointer {
	heapStats.Allocs.Inc(1)
	if sz == 0 {
		heapStats.ZeroSize.Inc(1)
	}
	c, rsz := hClassForSize(sz)
	if c < 0 || heapA.base == 0 {
		heapStats.Failures.Inc(1)
		return nil
	}
	cl := &heapA.classes[c]
	cl.lock.Lock()
	p := cl.head
	if p != 0 {
		cl.head = *(*uintptr)(unsafe.Pointer(p)) // next free block
		cl.lock.Unlock()
		h := heapA.hdr(p)
		h[1] = uint64(hMagicBusy) | uint64(c)<<32
		return unsafe.Pointer(p)
	}
	cl.lock.Unlock()
	// class list empty: carve a new block
	need := hHdrSize + rsz
	off := atomic.AddUint64(&heapA.brk, need)
	if heapA.base+uintptr(off) > heapA.end {
		// exhausted; brk stays over the limit, every later carve
		// fails the same way
		heapStats.Failures.Inc(1)
		return nil
	}
	p = heapA.base + uintptr(off-need) + hHdrSize
	h := heapA.hdr(p)
	h[0] = rsz
	h[1] = uint64(hMagicBusy) | uint64(c)<<32
	return unsafe.Pointer(p)
}

// heapFree returns a block to its size class free list.
// Pointers the backend never produced (pre-interposition memory,
// arbitrary garbage) are detected and ignored: never a crash.
func heapFree(p unsafe.Pointer) bool {
	if p == nil {
		return false
	}
	heapStats.Frees.Inc(1)
	addr := uintptr(p)
	if addr < heapA.base+hHdrSize || addr >= heapA.end ||
		addr&(AllocRoundTo-1) != 0 {
		heapStats.ForeignFree.Inc(1)
		return false
	}
	h := heapA.hdr(addr)
	magic := uint32(h[1])
	c := int(h[1] >> 32)
	if magic != hMagicBusy || c >= hNClasses {
		// double free or foreign pointer inside the arena
		heapStats.ForeignFree.Inc(1)
		return false
	}
	h[1] = uint64(hMagicFree) | uint64(c)<<32
	cl := &heapA.classes[c]
	cl.lock.Lock()
	*(*uintptr)(unsafe.Pointer(addr)) = cl.head
	cl.head = addr
	cl.lock.Unlock()
	return true
}

// heapSize returns the usable payload size of a block returned by
// heapAlloc, 0 for unknown pointers.
func heapSize(p unsafe.Pointer) uint64 {
	if p == nil {
		return 0
	}
	addr := uintptr(p)
	if addr < heapA.base+hHdrSize || addr >= heapA.end {
		return 0
	}
	h := heapA.hdr(addr)
	if uint32(h[1]) != hMagicBusy {
		return 0
	}
	return h[0]
}
