// Copyright 2021 Intuitive Labs GmbH. All rights reserved.
//
// Use of this source code is governed by a source-available license
// that can be found in the LICENSE.txt file in the root of the source
// tree.

package memprof

import (
	"sync/atomic"
)

// ThreadState is the per-thread engine state: the reentrancy guard,
// the independent sampling states and the execution context marker
// read by the execution sampler. One ThreadState belongs to exactly
// one host thread; the host obtains it from RegisterThread() and
// passes it into every shim call (go has no thread locals; explicit
// handles keep the guard and sampling state race free).
type ThreadState struct {
	TID uint64

	busy   int32  // reentrancy guard (!=0: inside the shim)
	ctx    uint32 // ExecCtx marker set by the host (atomic)
	lastPC uint64 // last sampled call-site pc (atomic)
	inUse  int32

	mem SampleState // allocation volume sampling
	cpy SampleState // copy volume sampling
}

// enter sets the reentrancy guard. It returns false if this call is
// already running inside the shim (the caller must bypass all the
// bookkeeping and forward directly to the heap).
func (ts *ThreadState) enter() bool {
	return atomic.CompareAndSwapInt32(&ts.busy, 0, 1)
}

func (ts *ThreadState) leave() {
	atomic.StoreInt32(&ts.busy, 0)
}

// inShim reports whether the thread is currently executing shim
// bookkeeping (read by the execution sampler).
func (ts *ThreadState) inShim() bool {
	return atomic.LoadInt32(&ts.busy) != 0
}

// SetExecCtx publishes the thread's current execution context
// (interpreted vs native); the host attribution layer updates it at
// its interpreter boundaries. CtxUnknown clears the marker.
func (ts *ThreadState) SetExecCtx(c ExecCtx) {
	if c >= CtxBad {
		c = CtxUnknown
	}
	atomic.StoreUint32(&ts.ctx, uint32(c))
}

// ExecCtx returns the current marker.
func (ts *ThreadState) ExecCtx() ExecCtx {
	return ExecCtx(atomic.LoadUint32(&ts.ctx))
}

func (ts *ThreadState) setLastPC(pc uintptr) {
	atomic.StoreUint64(&ts.lastPC, uint64(pc))
}

func (ts *ThreadState) getLastPC() uintptr {
	return uintptr(atomic.LoadUint64(&ts.lastPC))
}

// threadTable holds all the ThreadStates, preallocated at Init so
// that registration never allocates.
type threadTable struct {
	slots []ThreadState
	n     int32 // registered so far (atomic)

	failed StatCounter // registrations refused (slots exhausted)
}

func (t *threadTable) Init(max int) {
	if max <= 0 {
		max = 1
	}
	t.slots = make([]ThreadState, max)
	t.n = 0
	t.failed.Set(0)
}

func (t *threadTable) Destroy() {
	t.slots = nil
	t.n = 0
}

// Register claims a slot for a thread. Returns nil if the slots are
// exhausted; the shim treats a nil state as plain pass-through.
func (t *threadTable) Register(tid uint64, cfg *Config) *ThreadState {
	i := atomic.AddInt32(&t.n, 1) - 1
	if int(i) >= len(t.slots) {
		t.failed.Inc(1)
		return nil
	}
	ts := &t.slots[i]
	ts.TID = tid
	// independent sampling streams per thread and per kind
	ts.mem.Init(cfg.MemSampleMean, tid*2654435761+1)
	ts.cpy.Init(cfg.CopySampleMean, tid*40503+0x5bd1e995)
	ts.SetExecCtx(CtxUnknown)
	atomic.StoreInt32(&ts.inUse, 1)
	return ts
}

// ForEach calls f for every registered thread until f returns false.
func (t *threadTable) ForEach(f func(ts *ThreadState) bool) {
	n := int(atomic.LoadInt32(&t.n))
	if n > len(t.slots) {
		n = len(t.slots)
	}
	for i := 0; i < n; i++ {
		if atomic.LoadInt32(&t.slots[i].inUse) == 0 {
			continue
		}
		if !f(&t.slots[i]) {
			return
		}
	}
}
