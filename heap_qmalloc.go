// Copyright 2021 Intuitive Labs GmbH. All rights reserved.
//
// Use of this source code is governed by a source-available license
// that can be found in the LICENSE.txt file in the root of the source
// tree.

//go:build heap_qmalloc
// +build heap_qmalloc

package memprof

import (
	"unsafe"

	"github.com/intuitivelabs/mallocs/qmalloc"
)

// build type constants
const HeapType = HeapQMalloc        // build time heap backend type
const HeapTypeName = "heap_qmalloc" // backend type as string

func init() {
	BuildTags = append(BuildTags, HeapTypeName)
}

// qmalloc backed heap: one big block, managed outside the go GC.
// A 16 byte header keeps the requested (rounded) size so that
// heapSize() works the same as for the arena backend.

const hHdrSize = 16

const (
	hMagicBusy = 0x6d70af01
	hMagicFree = 0x6d70af00
)

var qm qmalloc.QMalloc
var qmMem []byte
var qmBase, qmEnd uintptr

func heapInit(max uint64) bool {
	qmMem = make([]byte, max)
	if !qm.Init(qmMem, 14, qmalloc.QMDefaultOptions) {
		ERR("heapInit: qmalloc init failed (%d bytes)\n", max)
		return false
	}
	qmBase = uintptr(unsafe.Pointer(&qmMem[0]))
	qmEnd = qmBase + uintptr(len(qmMem))
	return true
}

func heapDestroy() {
	qmMem = nil
	qmBase = 0
	qmEnd = 0
}

func heapAlloc(sz uint64) unsafe.Pointer {
	heapStats.Allocs.Inc(1)
	if sz == 0 {
		heapStats.ZeroSize.Inc(1)
		sz = 1
	}
	rsz := ((sz-1)/AllocRoundTo + 1) * AllocRoundTo
	p := qm.Malloc(rsz + hHdrSize)
	if p == nil {
		heapStats.Failures.Inc(1)
		return nil
	}
	h := (*[2]uint64)(p)
	h[0] = rsz
	h[1] = hMagicBusy
	return unsafe.Pointer(uintptr(p) + hHdrSize)
}

func heapFree(p unsafe.Pointer) bool {
	if p == nil {
		return false
	}
	heapStats.Frees.Inc(1)
	addr := uintptr(p)
	if addr < qmBase+hHdrSize || addr >= qmEnd {
		heapStats.ForeignFree.Inc(1)
		return false
	}
	h := (*[2]uint64)(unsafe.Pointer(addr - hHdrSize))
	if uint32(h[1]) != hMagicBusy {
		heapStats.ForeignFree.Inc(1)
		return false
	}
	h[1] = hMagicFree
	qm.Free(unsafe.Pointer(addr - hHdrSize))
	return true
}

func heapSize(p unsafe.Pointer) uint64 {
	if p == nil {
		return 0
	}
	addr := uintptr(p)
	if addr < qmBase+hHdrSize || addr >= qmEnd {
		return 0
	}
	h := (*[2]uint64)(unsafe.Pointer(addr - hHdrSize))
	if uint32(h[1]) != hMagicBusy {
		return 0
	}
	return h[0]
}
