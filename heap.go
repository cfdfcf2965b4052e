// Copyright 2021 Intuitive Labs GmbH. All rights reserved.
//
// Use of this source code is governed by a source-available license
// that can be found in the LICENSE.txt file in the root of the source
// tree.

package memprof

import (
	"unsafe"
)

// AllocRoundTo is the heap backend size granularity and minimum
// payload alignment.
const AllocRoundTo = 16

// constants for recording the used heap backend for testing/versioning
const (
	HeapArena   = iota // size-class free lists over one mmap-like arena
	HeapQMalloc        // qmalloc backed, memory outside the go GC
)

// each conditional build variant should define
// const HeapType = ...
// const HeapTypeName = "..."
// and the heapInit/heapAlloc/heapFree/heapSize entry points.

// HeapStats counts the traffic through the underlying heap backend.
// The shim keeps its own per-entry accounting on top of these.
type HeapStats struct {
	Allocs      StatCounter
	Frees       StatCounter
	Failures    StatCounter // backend out of memory
	ForeignFree StatCounter // frees of pointers the backend never produced
	ZeroSize    StatCounter // zero size alloc requests
}

var heapStats HeapStats

// ptrBytes aliases n bytes of raw heap memory as a byte slice
// (copy/zeroing helper; the memory is owned by the heap backend).
func ptrBytes(p unsafe.Pointer, n uint64) []byte {
	if p == nil || n == 0 {
		return nil
	}
	return unsafe.Slice((*byte)(p), n)
}
