// Copyright 2021 Intuitive Labs GmbH. All rights reserved.
//
// Use of this source code is governed by a source-available license
// that can be found in the LICENSE.txt file in the root of the source
// tree.

package memprof

import (
	"sync"
	"sync/atomic"

	"github.com/intuitivelabs/counters"
)

// event ring counters (one shared group, registered once)
type ringStats struct {
	grp *counters.Group

	hWritten  counters.Handle // successfully published records
	hDropped  counters.Handle // records lost (overwritten or rejected)
	hOverflow counters.Handle // write attempts that found the ring full
	hDrained  counters.Handle // records handed to the consumer
}

var ringCnts ringStats
var ringCntsOnce sync.Once

func ringInitCnts() {
	ringCntsOnce.Do(func() {
		ringCntDefs := [...]counters.Def{
			{H: &ringCnts.hWritten, Flags: 0, Name: "written",
				Desc: "total records published into the ring"},
			{H: &ringCnts.hDropped, Flags: 0, Name: "dropped",
				Desc: "records lost to overflow (overwritten or rejected)"},
			{H: &ringCnts.hOverflow, Flags: 0, Name: "overflow",
				Desc: "write attempts that found the ring full"},
			{H: &ringCnts.hDrained, Flags: 0, Name: "drained",
				Desc: "records handed to the consumer"},
		}
		entries := len(ringCntDefs)
		ringCnts.grp = counters.NewGroup("ev_ring", nil, entries)
		if ringCnts.grp == nil {
			// TODO: better error fallback
			ringCnts.grp = &counters.Group{}
			ringCnts.grp.Init("ev_ring", nil, entries)
		}
		if !ringCnts.grp.RegisterDefs(ringCntDefs[:]) {
			Log.PANIC("ev ring: failed to register counters\n")
		}
	})
}

// EvRing is the hand-off channel between the engine and the external
// attribution layer: a preallocated ring of fixed-size records.
//
// Writers claim a position with a fetch-and-add on the write cursor,
// copy their record into the corresponding slot and publish it by
// storing pos+1 into the slot sequence. They never block on other
// writers and never allocate. The reader consumes published slots
// from the read cursor up; a slot whose sequence is above the
// expected value was overwritten (lossy mode) and the read cursor is
// already past it.
//
// Ordering: records from one thread are published in call order;
// cross-thread order is the claim order of the write cursor, which
// approximates but does not guarantee wall-clock order.
type EvRing struct {
	slots []EvRecord
	seqs  []uint64 // per slot publish sequence (pos+1 once written)
	mask  uint64
	wr    uint64 // next position to claim (atomic)
	rd    uint64 // first unconsumed position (atomic)

	policy RingPolicy
	spin   int

	cnts ringStats
}

// Init prepares the ring for use. sz is rounded up to a power of two.
// All the memory is allocated here; Write() performs no allocation.
func (r *EvRing) Init(sz uint64, policy RingPolicy, spin int) {
	if sz < 2 {
		sz = 2
	}
	n := uint64(1)
	for n < sz {
		n <<= 1
	}
	r.slots = make([]EvRecord, n)
	r.seqs = make([]uint64, n)
	r.mask = n - 1
	r.wr = 0
	r.rd = 0
	r.policy = policy
	r.spin = spin
	if r.spin <= 0 {
		r.spin = 1
	}

	ringInitCnts()
	r.cnts = ringCnts
}

// Cap returns the ring capacity in records.
func (r *EvRing) Cap() uint64 {
	return uint64(len(r.slots))
}

// Dropped returns the total number of records lost so far.
func (r *EvRing) Dropped() uint64 {
	return uint64(r.cnts.grp.Get(r.cnts.hDropped))
}

// Write publishes a record. rec.Seq is overwritten with the assigned
// sequence number. It never blocks unboundedly: in lossy mode a full
// ring overwrites the oldest unconsumed record (counted as dropped),
// in backpressure mode the writer retries a bounded number of times
// and then drops the new record (also counted) without claiming a
// slot, so everything already published stays intact. Returns false
// only if the record itself was dropped.
func (r *EvRing) Write(rec *EvRecord) bool {
	sz := uint64(len(r.slots))
	var pos uint64
	if r.policy == RingBackpressure {
		// claim by CAS: a rejected write must not own a position
		// (a fetch-and-add claim cannot be undone and its slot still
		// holds the oldest published record when the ring is full)
		spin := 0
		for {
			pos = atomic.LoadUint64(&r.wr)
			if pos-atomic.LoadUint64(&r.rd) >= sz {
				if spin >= r.spin {
					r.cnts.grp.Inc(r.cnts.hOverflow)
					r.cnts.grp.Inc(r.cnts.hDropped)
					if GetCfg().Dbg&DbgFRing != 0 && DBGon() {
						DBG("ring full at %d, record %s dropped\n",
							pos, rec.Kind)
					}
					return false
				}
				spin++
				continue
			}
			if atomic.CompareAndSwapUint64(&r.wr, pos, pos+1) {
				break
			}
		}
	} else {
		pos = atomic.AddUint64(&r.wr, 1) - 1
		// lossy: push the read cursor forward over the oldest
		// unconsumed record until our slot is free
		for {
			rd := atomic.LoadUint64(&r.rd)
			if pos-rd < sz {
				break
			}
			r.cnts.grp.Inc(r.cnts.hOverflow)
			if atomic.CompareAndSwapUint64(&r.rd, rd, rd+1) {
				r.cnts.grp.Inc(r.cnts.hDropped)
			}
		}
	}
	rec.Seq = pos
	r.slots[pos&r.mask] = *rec
	atomic.StoreUint64(&r.seqs[pos&r.mask], pos+1)
	r.cnts.grp.Inc(r.cnts.hWritten)
	return true
}

// Drain consumes published records in sequence order, calling f for
// each one. It stops at the first unpublished slot or when f returns
// false. Records overwritten in lossy mode are skipped (they were
// counted as dropped at write time and show up as a Seq jump).
// Returns the number of records handed to f.
// Single consumer: Drain must not be called concurrently with itself.
func (r *EvRing) Drain(f HandleEvF) int {
	n := 0
	for {
		rd := atomic.LoadUint64(&r.rd)
		if rd >= atomic.LoadUint64(&r.wr) {
			break
		}
		i := rd & r.mask
		s := atomic.LoadUint64(&r.seqs[i])
		if s < rd+1 {
			// slot claimed but not yet published
			break
		}
		if s > rd+1 {
			// slot overwritten by a later lap; a lossy writer has
			// already advanced rd past it, reload and retry
			continue
		}
		rec := r.slots[i] // copy before releasing the slot
		if !atomic.CompareAndSwapUint64(&r.rd, rd, rd+1) {
			// raced with a lossy writer bumping rd
			continue
		}
		n++
		r.cnts.grp.Inc(r.cnts.hDrained)
		if f != nil && !f(&rec) {
			break
		}
	}
	return n
}
