// Copyright 2021 Intuitive Labs GmbH. All rights reserved.
//
// Use of this source code is governed by a source-available license
// that can be found in the LICENSE.txt file in the root of the source
// tree.

package memprof

import (
	"runtime"
	"unsafe"
)

// The interposition shim: the allocation family entry points every
// host allocation is routed through. Each call forwards to the
// underlying heap backend and, unless reentrant, updates the live
// allocation table, consults the sampling state and publishes sample
// events. The bookkeeping itself never calls the general purpose
// allocator (table entries and ring slots are preallocated), so it
// cannot recursively trigger another interposed call.
//
// A nil *ThreadState is always legal and means plain pass-through.

const pageSize = 4096

// ShimStats counts the traffic through the interposed entry points.
type ShimStats struct {
	Mallocs    StatCounter
	Callocs    StatCounter
	Reallocs   StatCounter
	Memaligns  StatCounter
	Mmaps      StatCounter
	Frees      StatCounter
	Munmaps    StatCounter
	Failures   StatCounter // underlying heap out of memory
	Reentrant  StatCounter // calls bypassed by the reentrancy guard
	TotalAlloc StatCounter // cumulative requested bytes
	CopyBytes  StatCounter // cumulative observed copy volume
}

var shimStats ShimStats

// recordAlloc does the post-allocation bookkeeping: sampling
// decision, call-site snapshot, table insert and event publish.
// Runs with the reentrancy guard held.
func (ts *ThreadState) recordAlloc(p, base unsafe.Pointer, sz uint64,
	kind EventType) {

	if !running() {
		return
	}
	shimStats.TotalAlloc.Inc(uint(sz))
	cfg := GetCfg()
	sampled := false
	w := float64(0)
	if cfg.MemProfOn {
		sampled, w = ts.mem.Sample(sz)
	}
	var rec EvRecord
	if sampled {
		rec.Kind = kind
		rec.Ctx = ts.ExecCtx()
		rec.TID = ts.TID
		rec.Val = sz
		rec.Weight = w
		// skip Callers, recordAlloc and the entry point itself
		n := runtime.Callers(3, rec.pcbuf())
		rec.NPC = uint8(n)
		if n > 0 {
			ts.setLastPC(rec.PC[0])
		}
	}
	allocHash.Insert(uintptr(p), uintptr(base), sz, ts.TID, sampled, w,
		&rec.PC, rec.NPC)
	if sampled {
		evRing.Write(&rec)
	}
}

// pcbuf returns the record's pc array as a slice for runtime.Callers
// (no allocation).
func (r *EvRecord) pcbuf() []uintptr {
	return r.PC[:]
}

// Malloc allocates sz bytes through the profiled heap.
// On failure it returns nil, exactly as the underlying heap reported
// it: the shim never retries and never synthesizes memory.
func (ts *ThreadState) Malloc(sz uint64) unsafe.Pointer {
	shimStats.Mallocs.Inc(1)
	if ts == nil || !ts.enter() {
		if ts != nil {
			shimStats.Reentrant.Inc(1)
		}
		return heapAlloc(sz)
	}
	p := heapAlloc(sz)
	if p == nil {
		shimStats.Failures.Inc(1)
		ts.leave()
		return nil
	}
	ts.recordAlloc(p, p, sz, EvAlloc)
	ts.leave()
	return p
}

// Calloc allocates n*sz zeroed bytes.
func (ts *ThreadState) Calloc(n, sz uint64) unsafe.Pointer {
	shimStats.Callocs.Inc(1)
	total := n * sz
	if n != 0 && total/n != sz {
		// multiplication overflow
		shimStats.Failures.Inc(1)
		return nil
	}
	if ts == nil || !ts.enter() {
		if ts != nil {
			shimStats.Reentrant.Inc(1)
		}
		p := heapAlloc(total)
		zeroBlock(p, total)
		return p
	}
	p := heapAlloc(total)
	if p == nil {
		shimStats.Failures.Inc(1)
		ts.leave()
		return nil
	}
	zeroBlock(p, total)
	ts.recordAlloc(p, p, total, EvAlloc)
	ts.leave()
	return p
}

// zeroBlock clears a fresh block (reused heap blocks are dirty).
func zeroBlock(p unsafe.Pointer, sz uint64) {
	b := ptrBytes(p, sz)
	for i := range b {
		b[i] = 0
	}
}

// Realloc resizes a block, modeled as a free-then-allocate pair
// against the underlying heap so that size accounting stays exact
// even when the host would have resized in place. On underlying heap
// failure it returns nil and the old block stays valid and tracked.
func (ts *ThreadState) Realloc(p unsafe.Pointer, sz uint64) unsafe.Pointer {
	shimStats.Reallocs.Inc(1)
	if p == nil {
		return ts.Malloc(sz)
	}
	if sz == 0 {
		ts.Free(p)
		return nil
	}
	if ts == nil || !ts.enter() {
		if ts != nil {
			shimStats.Reentrant.Inc(1)
		}
		return heapRealloc(p, sz)
	}
	base := p
	var oldEnt AllocEntry
	okEnt := false
	if running() {
		oldEnt, okEnt = allocHash.Remove(uintptr(p))
		if okEnt && oldEnt.Base != 0 {
			base = unsafe.Pointer(oldEnt.Base)
		}
	}
	np := heapAlloc(sz)
	if np == nil {
		// propagate the failure untouched; the old block is still
		// valid, so put its accounting back
		if okEnt {
			allocHash.Insert(oldEnt.Addr, oldEnt.Base, oldEnt.Size,
				oldEnt.TID, oldEnt.Sampled, oldEnt.Weight,
				&oldEnt.PC, oldEnt.NPC)
		}
		shimStats.Failures.Inc(1)
		ts.leave()
		return nil
	}
	cp := heapSize(base)
	if okEnt {
		cp = oldEnt.Size
	}
	if cp > sz {
		cp = sz
	}
	copy(ptrBytes(np, cp), ptrBytes(p, cp))
	if okEnt && oldEnt.Sampled && GetCfg().MemProfOn && running() {
		rec := EvRecord{
			Kind:   EvFree,
			Ctx:    ts.ExecCtx(),
			TID:    ts.TID,
			Val:    oldEnt.Size,
			Weight: oldEnt.Weight,
		}
		evRing.Write(&rec)
	}
	heapFree(base)
	ts.recordAlloc(np, np, sz, EvRealloc)
	ts.leave()
	return np
}

// Memalign allocates sz bytes aligned to align (a power of two).
// Over-aligned blocks are padded; the table keeps the heap block base
// so that Free() can return the right pointer to the heap.
func (ts *ThreadState) Memalign(align, sz uint64) unsafe.Pointer {
	shimStats.Memaligns.Inc(1)
	if align == 0 || align&(align-1) != 0 {
		return nil
	}
	if align <= AllocRoundTo {
		// the heap backend aligns to AllocRoundTo anyway
		return ts.Malloc(sz)
	}
	if ts == nil || !ts.enter() {
		if ts != nil {
			shimStats.Reentrant.Inc(1)
		}
		// NOTE: reentrant over-aligned blocks cannot be returned to
		// the heap later (no base record); the heap ignores the
		// foreign-looking free
		p := heapAlloc(sz + align)
		if p == nil {
			return nil
		}
		return unsafe.Pointer((uintptr(p) + uintptr(align) - 1) &^
			(uintptr(align) - 1))
	}
	p := heapAlloc(sz + align)
	if p == nil {
		shimStats.Failures.Inc(1)
		ts.leave()
		return nil
	}
	aligned := unsafe.Pointer((uintptr(p) + uintptr(align) - 1) &^
		(uintptr(align) - 1))
	ts.recordAlloc(aligned, p, sz, EvAlloc)
	ts.leave()
	return aligned
}

// Mmap allocates a page-rounded mapping-like region through the same
// heap (large allocations routed around malloc still get observed).
func (ts *ThreadState) Mmap(sz uint64) unsafe.Pointer {
	shimStats.Mmaps.Inc(1)
	if sz == 0 {
		return nil
	}
	rsz := ((sz-1)/pageSize + 1) * pageSize
	if ts == nil || !ts.enter() {
		if ts != nil {
			shimStats.Reentrant.Inc(1)
		}
		return heapAlloc(rsz)
	}
	p := heapAlloc(rsz)
	if p == nil {
		shimStats.Failures.Inc(1)
		ts.leave()
		return nil
	}
	ts.recordAlloc(p, p, rsz, EvAlloc)
	ts.leave()
	return p
}

// Munmap releases a region obtained from Mmap.
func (ts *ThreadState) Munmap(p unsafe.Pointer) {
	shimStats.Munmaps.Inc(1)
	ts.Free(p)
}

// Free releases a block. A free for an address the engine never saw
// is not an error: it is memory allocated before interposition was
// installed (or accounting that was skipped) and is silently ignored
// by the table; the heap backend additionally protects itself against
// pointers it never produced.
func (ts *ThreadState) Free(p unsafe.Pointer) {
	shimStats.Frees.Inc(1)
	if p == nil {
		return
	}
	if ts == nil || !ts.enter() {
		if ts != nil {
			shimStats.Reentrant.Inc(1)
		}
		heapFree(p)
		return
	}
	base := p
	if running() {
		if ent, ok := allocHash.Remove(uintptr(p)); ok {
			if ent.Base != 0 {
				base = unsafe.Pointer(ent.Base)
			}
			if ent.Sampled && GetCfg().MemProfOn {
				rec := EvRecord{
					Kind:   EvFree,
					Ctx:    ts.ExecCtx(),
					TID:    ts.TID,
					Val:    ent.Size,
					Weight: ent.Weight,
				}
				evRing.Write(&rec)
			}
		} else if GetCfg().Dbg&DbgFAllocs != 0 && DBGon() {
			DBG("free for untracked address %p (tid %d)\n", p, ts.TID)
		}
	}
	heapFree(base)
	ts.leave()
}

// Memcpy copies src into dst through the engine, accounting the copy
// volume (sampled independently from allocation volume).
func (ts *ThreadState) Memcpy(dst, src []byte) int {
	n := copy(dst, src)
	shimStats.CopyBytes.Inc(uint(n))
	if ts == nil || !running() || !GetCfg().CopyProfOn {
		return n
	}
	if !ts.enter() {
		shimStats.Reentrant.Inc(1)
		return n
	}
	if ok, w := ts.cpy.Sample(uint64(n)); ok {
		rec := EvRecord{
			Kind:   EvCopy,
			Ctx:    ts.ExecCtx(),
			TID:    ts.TID,
			Val:    uint64(n),
			Weight: w,
		}
		npc := runtime.Callers(2, rec.pcbuf())
		rec.NPC = uint8(npc)
		evRing.Write(&rec)
	}
	ts.leave()
	return n
}

// heapRealloc is the raw (bookkeeping free) resize used on reentrant
// paths: allocate, copy, free.
func heapRealloc(p unsafe.Pointer, sz uint64) unsafe.Pointer {
	np := heapAlloc(sz)
	if np == nil {
		return nil
	}
	cp := heapSize(p)
	if cp > sz {
		cp = sz
	}
	copy(ptrBytes(np, cp), ptrBytes(p, cp))
	heapFree(p)
	return np
}
