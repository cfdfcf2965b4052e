// Copyright 2021 Intuitive Labs GmbH. All rights reserved.
//
// Use of this source code is governed by a source-available license
// that can be found in the LICENSE.txt file in the root of the source
// tree.

package memprof

import (
	"encoding/binary"
	"sync"

	"github.com/intuitivelabs/counters"
	"github.com/zeebo/xxh3"
)

// AllocEntry holds the metadata for one live (not yet freed)
// intercepted allocation. Entries live in the preallocated table
// arena and are linked into their hash bucket; the table owns them
// from Insert() until the matching Remove() or Destroy().
type AllocEntry struct {
	next, prev *AllocEntry

	Addr    uintptr // address returned to the caller
	Base    uintptr // heap block base (!= Addr for over-aligned allocs)
	Size    uint64  // requested size in bytes
	TID     uint64  // allocating thread
	Seq     uint64  // monotonic allocation sequence number
	Weight  float64 // sampling weight (valid if Sampled)
	Sampled bool    // full record emitted for this allocation
	NPC     uint8   // call-site pcs recorded (sampled allocations only)

	PC [EvRecPCs]uintptr // allocation call-site snapshot

	hashNo uint32
}

// allocation table counters (one shared group, registered once)
type allocTblStats struct {
	grp *counters.Group

	hActive    counters.Handle // current live entries
	hFailNew   counters.Handle // entry arena exhausted, accounting skipped
	hLockMiss  counters.Handle // try-lock contention, bookkeeping skipped
	hUnmatched counters.Handle // frees for addresses never seen
}

var allocTblCnts allocTblStats
var allocTblCntsOnce sync.Once

func allocTblInitCnts() {
	allocTblCntsOnce.Do(func() {
		tblCntDefs := [...]counters.Def{
			{H: &allocTblCnts.hActive, Flags: counters.CntMaxF, Name: "active",
				Desc: "current live tracked allocations"},
			{H: &allocTblCnts.hFailNew, Flags: 0, Name: "fail_new",
				Desc: "tracking skipped: entry arena exhausted"},
			{H: &allocTblCnts.hLockMiss, Flags: 0, Name: "lock_miss",
				Desc: "bookkeeping skipped on try-lock contention"},
			{H: &allocTblCnts.hUnmatched, Flags: 0, Name: "unmatched_free",
				Desc: "frees for addresses with no tracked allocation"},
		}
		entries := 20 // extra space to allow registering more counters
		if entries < len(tblCntDefs) {
			entries = len(tblCntDefs)
		}
		allocTblCnts.grp = counters.NewGroup("alloc_tbl", nil, entries)
		if allocTblCnts.grp == nil {
			// TODO: better error fallback
			allocTblCnts.grp = &counters.Group{}
			allocTblCnts.grp.Init("alloc_tbl", nil, entries)
		}
		if !allocTblCnts.grp.RegisterDefs(tblCntDefs[:]) {
			Log.PANIC("alloc table: failed to register counters\n")
		}
	})
}

// AllocEntryLst is one hash bucket: an intrusive, doubly linked entry
// list under a try-lockable spinlock.
type AllocEntryLst struct {
	head AllocEntry // used only as list head (only next and prev are valid)
	lock spinLock
	// statistics
	entries uint
	bucket  uint32 // DBG
}

func (lst *AllocEntryLst) Init() {
	lst.head.next = &lst.head
	lst.head.prev = &lst.head
}

func (lst *AllocEntryLst) Lock() {
	lst.lock.Lock()
}

func (lst *AllocEntryLst) TryLock() bool {
	return lst.lock.TryLock()
}

func (lst *AllocEntryLst) Unlock() {
	lst.lock.Unlock()
}

func (lst *AllocEntryLst) Insert(e *AllocEntry) {
	e.prev = &lst.head
	e.next = lst.head.next
	e.next.prev = e
	lst.head.next = e
	lst.entries++
}

func (lst *AllocEntryLst) Rm(e *AllocEntry) {
	e.prev.next = e.next
	e.next.prev = e.prev
	// "mark" e as detached
	e.next = e
	e.prev = e
	lst.entries--
}

func (lst *AllocEntryLst) Detached(e *AllocEntry) bool {
	return e == e.next
}

// FindUnsafe returns the entry for addr or nil.
// It does not use internal locking. Call it between Lock() / Unlock()
// to be concurrency safe.
func (lst *AllocEntryLst) FindUnsafe(addr uintptr) *AllocEntry {
	for e := lst.head.next; e != &lst.head; e = e.next {
		if e.Addr == addr {
			return e
		}
	}
	return nil
}

// ForEach iterates on the entire list calling f(e) for each element,
// until false is returned or the list ends.
// WARNING: does not support removing the current element from f.
func (lst *AllocEntryLst) ForEach(f func(e *AllocEntry) bool) {
	cont := true
	for v := lst.head.next; v != &lst.head && cont; v = v.next {
		cont = f(v)
	}
}

// AllocEntryHash is the live allocation table: address identity to
// AllocEntry, sharded by address hash, safe for concurrent access
// from every thread's interposed calls. All the entries come from an
// arena preallocated at Init(): table updates never touch the general
// purpose allocator, so bookkeeping cannot re-enter the shim.
type AllocEntryHash struct {
	HTable []AllocEntryLst

	entries   StatCounter
	liveBytes StatCounter // sum of live entry sizes
	peakBytes StatCounter // high-water mark of liveBytes
	seqNo     StatCounter

	arena    []AllocEntry
	freeLock spinLock
	free     *AllocEntry // entry free list head

	cnts allocTblStats
}

func (h *AllocEntryHash) Init(sz int, maxEntries uint) {
	if sz <= 0 || maxEntries == 0 {
		Log.PANIC("AllocEntryHash.Init: bad sizes %d, %d\n", sz, maxEntries)
	}
	h.HTable = make([]AllocEntryLst, sz)
	for i := 0; i < len(h.HTable); i++ {
		h.HTable[i].Init()
		h.HTable[i].bucket = uint32(i) // DBG
	}
	h.arena = make([]AllocEntry, maxEntries)
	h.free = nil
	for i := 0; i < len(h.arena); i++ {
		h.arena[i].next = h.free
		h.free = &h.arena[i]
	}
	h.entries.Set(0)
	h.liveBytes.Set(0)
	h.peakBytes.Set(0)
	h.seqNo.Set(0)

	allocTblInitCnts()
	h.cnts = allocTblCnts
}

// Destroy drops all the entries and releases the table.
func (h *AllocEntryHash) Destroy() {
	for i := 0; i < len(h.HTable); i++ {
		h.HTable[i].Lock()
		s := h.HTable[i].head.next
		for v, nxt := s, s.next; v != &h.HTable[i].head; v, nxt = nxt, nxt.next {
			h.HTable[i].Rm(v)
		}
		h.HTable[i].Unlock()
	}
	h.HTable = nil
	h.arena = nil
	h.free = nil
}

// Hash returns the bucket index for an address.
func (h *AllocEntryHash) Hash(addr uintptr) uint32 {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], uint64(addr))
	return uint32(xxh3.Hash(b[:]) % uint64(len(h.HTable)))
}

// getEntry pops a free entry from the arena (nil if exhausted).
func (h *AllocEntryHash) getEntry() *AllocEntry {
	h.freeLock.Lock()
	e := h.free
	if e != nil {
		h.free = e.next
	}
	h.freeLock.Unlock()
	if e != nil {
		*e = AllocEntry{}
		e.next = e
		e.prev = e
	}
	return e
}

func (h *AllocEntryHash) putEntry(e *AllocEntry) {
	e.hashNo = ^uint32(0) - 1 // DBG: mark as free'd
	h.freeLock.Lock()
	e.next = h.free
	h.free = e
	h.freeLock.Unlock()
}

// Insert records a new live allocation and returns its sequence
// number. ok == false means the accounting was skipped (arena
// exhausted); the allocation itself is unaffected.
func (h *AllocEntryHash) Insert(addr, base uintptr, size, tid uint64,
	sampled bool, weight float64,
	pc *[EvRecPCs]uintptr, npc uint8) (uint64, bool) {

	e := h.getEntry()
	if e == nil {
		h.cnts.grp.Inc(h.cnts.hFailNew)
		return 0, false
	}
	seq := h.seqNo.Inc(1)
	e.Addr = addr
	e.Base = base
	e.Size = size
	e.TID = tid
	e.Seq = seq
	e.Sampled = sampled
	e.Weight = weight
	if pc != nil {
		e.PC = *pc
		e.NPC = npc
	}
	i := h.Hash(addr)
	e.hashNo = i
	h.HTable[i].Lock()
	h.HTable[i].Insert(e)
	h.HTable[i].Unlock()
	h.entries.Inc(1)
	h.cnts.grp.Inc(h.cnts.hActive)
	h.peakBytes.UpdateMax(h.liveBytes.Inc(uint(size)))
	return seq, true
}

// Remove consumes the entry for addr and returns a copy of it.
// A miss is not an error (memory allocated before the shim was
// installed or accounting previously skipped): it is counted and
// reported as (zero entry, false).
func (h *AllocEntryHash) Remove(addr uintptr) (AllocEntry, bool) {
	var ret AllocEntry
	i := h.Hash(addr)
	h.HTable[i].Lock()
	e := h.HTable[i].FindUnsafe(addr)
	if e != nil {
		if e.hashNo != i {
			BUG("entry %p (addr 0x%x) in bucket %d, marked %d\n",
				e, e.Addr, i, e.hashNo)
		}
		h.HTable[i].Rm(e)
	}
	h.HTable[i].Unlock()
	if e == nil {
		h.cnts.grp.Inc(h.cnts.hUnmatched)
		return ret, false
	}
	ret = *e
	ret.next = nil
	ret.prev = nil
	h.putEntry(e)
	h.entries.Dec(1)
	h.cnts.grp.Dec(h.cnts.hActive)
	h.liveBytes.Dec(uint(ret.Size))
	return ret, true
}

// RemoveTry is Remove for contexts that may not block (timer
// handlers): on bucket contention it skips the bookkeeping, counts
// the miss and reports (zero, false, false).
func (h *AllocEntryHash) RemoveTry(addr uintptr) (AllocEntry, bool, bool) {
	var ret AllocEntry
	i := h.Hash(addr)
	if !h.HTable[i].TryLock() {
		h.cnts.grp.Inc(h.cnts.hLockMiss)
		return ret, false, false
	}
	e := h.HTable[i].FindUnsafe(addr)
	if e != nil {
		h.HTable[i].Rm(e)
	}
	h.HTable[i].Unlock()
	if e == nil {
		h.cnts.grp.Inc(h.cnts.hUnmatched)
		return ret, false, true
	}
	ret = *e
	ret.next = nil
	ret.prev = nil
	h.putEntry(e)
	h.entries.Dec(1)
	h.cnts.grp.Dec(h.cnts.hActive)
	h.liveBytes.Dec(uint(ret.Size))
	return ret, true, true
}

// Entries returns the current number of live tracked allocations.
func (h *AllocEntryHash) Entries() uint64 {
	return h.entries.Get()
}

// LiveBytes returns the sum of the sizes of all the live tracked
// allocations.
func (h *AllocEntryHash) LiveBytes() uint64 {
	return h.liveBytes.Get()
}

// PeakBytes returns the liveBytes high-water mark.
func (h *AllocEntryHash) PeakBytes() uint64 {
	return h.peakBytes.Get()
}

// ForEach iterates over all the live entries, one locked bucket at a
// time, calling f until it returns false.
// The per-bucket view is consistent; the whole-table view is a
// best-effort snapshot unless all the mutating threads are quiesced
// (which is the case for the shutdown leak enumeration, running after
// the timer is disarmed and the host stopped allocating).
func (h *AllocEntryHash) ForEach(f func(e *AllocEntry) bool) {
	cont := true
	for i := 0; i < len(h.HTable) && cont; i++ {
		h.HTable[i].Lock()
		h.HTable[i].ForEach(func(e *AllocEntry) bool {
			cont = f(e)
			return cont
		})
		h.HTable[i].Unlock()
	}
}
