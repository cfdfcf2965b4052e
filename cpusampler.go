// Copyright 2021 Intuitive Labs GmbH. All rights reserved.
//
// Use of this source code is governed by a source-available license
// that can be found in the LICENSE.txt file in the root of the source
// tree.

package memprof

import (
	"sync/atomic"
	"time"

	"github.com/intuitivelabs/counters"
	"github.com/intuitivelabs/timestamp"
	"github.com/intuitivelabs/wtimer"
)

// code ranges registered for pc classification (interpreter bytecode
// loops, the engine's own text, known native libraries)
const MaxCodeRanges = 32

type codeRange struct {
	start, end uintptr
	ctx        ExecCtx
}

var codeRanges [MaxCodeRanges]codeRange
var nCodeRanges int32

// RegisterCodeRange declares that pcs in [start, end) belong to the
// given execution context class. Returns false if the range table is
// full or the range is invalid. Ranges cannot be unregistered.
func RegisterCodeRange(start, end uintptr, ctx ExecCtx) bool {
	if start >= end || ctx >= CtxBad {
		return false
	}
	i := atomic.AddInt32(&nCodeRanges, 1) - 1
	if int(i) >= len(codeRanges) {
		atomic.AddInt32(&nCodeRanges, -1)
		return false
	}
	codeRanges[i].start = start
	codeRanges[i].end = end
	codeRanges[i].ctx = ctx
	return true
}

// classifyPC matches a pc against the registered code ranges.
func classifyPC(pc uintptr) ExecCtx {
	n := int(atomic.LoadInt32(&nCodeRanges))
	if n > len(codeRanges) {
		n = len(codeRanges)
	}
	for i := 0; i < n; i++ {
		if pc >= codeRanges[i].start && pc < codeRanges[i].end {
			return codeRanges[i].ctx
		}
	}
	return CtxUnknown
}

// execution sampler counters
type cpuStats struct {
	grp *counters.Group

	hTicks   counters.Handle
	hSamples counters.Handle
	hCtx     [int(CtxBad)]counters.Handle // per classification class
}

// cpuSampler periodically captures where every registered thread is
// executing. The tick runs on the timer wheel, classifies each thread
// from its context marker (plus the last sampled call-site pc against
// the registered code ranges) and emits one CPU sample per thread
// through the event ring. The tick itself never blocks and never
// allocates; if classification is not possible the sample is still
// emitted, tagged "unknown" (undercounting would be worse for the
// attribution layer than a conservative unknown bucket).
type cpuSampler struct {
	timerH wtimer.TimerLnk
	intvl  time.Duration
	on     int32 // !=0 while armed (atomic)

	cnts cpuStats
}

var sampler cpuSampler

func (s *cpuSampler) initCnts() {
	if s.cnts.grp != nil {
		return
	}
	cpuCntDefs := [...]counters.Def{
		{H: &s.cnts.hTicks, Flags: 0, Name: "ticks", Desc: "sampler timer ticks"},
		{H: &s.cnts.hSamples, Flags: 0, Name: "samples",
			Desc: "cpu samples emitted"},
		{H: &s.cnts.hCtx[CtxUnknown], Flags: 0, Name: "ctx_unknown",
			Desc: "samples with unknown execution context"},
		{H: &s.cnts.hCtx[CtxInterp], Flags: 0, Name: "ctx_interp",
			Desc: "samples in interpreted code"},
		{H: &s.cnts.hCtx[CtxNative], Flags: 0, Name: "ctx_native",
			Desc: "samples in native/system code"},
		{H: &s.cnts.hCtx[CtxEngine], Flags: 0, Name: "ctx_engine",
			Desc: "samples inside allocator bookkeeping"},
	}
	entries := len(cpuCntDefs)
	s.cnts.grp = counters.NewGroup("cpu_sampler", nil, entries)
	if s.cnts.grp == nil {
		// TODO: better error fallback
		s.cnts.grp = &counters.Group{}
		s.cnts.grp.Init("cpu_sampler", nil, entries)
	}
	if !s.cnts.grp.RegisterDefs(cpuCntDefs[:]) {
		Log.PANIC("cpuSampler: failed to register counters\n")
	}
}

// Start arms the sampler on the engine timer wheel.
func (s *cpuSampler) Start(intvl time.Duration) error {
	s.initCnts()
	s.intvl = intvl
	if s.intvl < time.Millisecond {
		s.intvl = time.Millisecond
	}
	if GetCfg().Dbg&DbgFSampler != 0 && DBGon() {
		DBG("execution sampler armed, period %s\n", s.intvl)
	}
	atomic.StoreInt32(&s.on, 1)
	if err := timers.InitTimer(&s.timerH, timersFlags); err != nil {
		atomic.StoreInt32(&s.on, 0)
		return err
	}
	return timers.Add(&s.timerH, s.intvl, cpuTick, s)
}

// Stop disarms the sampler. Safe to call from any goroutine, never
// from a timer handler.
func (s *cpuSampler) Stop() {
	if !atomic.CompareAndSwapInt32(&s.on, 1, 0) {
		return
	}
	if ok, err := timers.DelTry(&s.timerH); !ok {
		if err != nil {
			ERR("cpu sampler timer del: %s\n", err)
		}
		// handler running now: it will see on == 0 and stop itself
	}
}

// classify returns the execution context for one thread.
// The reentrancy guard takes priority (the thread is provably inside
// allocator bookkeeping); then the host supplied marker; then the
// last sampled call-site pc against the registered code ranges.
func (s *cpuSampler) classify(ts *ThreadState) ExecCtx {
	if ts.inShim() {
		return CtxEngine
	}
	if c := ts.ExecCtx(); c != CtxUnknown {
		return c
	}
	if pc := ts.getLastPC(); pc != 0 {
		return classifyPC(pc)
	}
	return CtxUnknown
}

// cpuTick is the timer wheel callback (wtimer.TimerHandleF type): it
// emits one CPU sample per registered thread and re-arms itself.
func cpuTick(wt *wtimer.WTimer, h *wtimer.TimerLnk,
	arg interface{}) (bool, time.Duration) {

	s := arg.(*cpuSampler)
	if atomic.LoadInt32(&s.on) == 0 {
		return false, 0 // stopped, don't re-arm
	}
	s.cnts.grp.Inc(s.cnts.hTicks)
	now := timestamp.Now()
	elapsed := uint64(now.Sub(startTS))
	threads.ForEach(func(ts *ThreadState) bool {
		ctx := s.classify(ts)
		rec := EvRecord{
			Kind:   EvCPU,
			Ctx:    ctx,
			TID:    ts.TID,
			Val:    elapsed, // monotonic ns since engine start
			Weight: 1,
		}
		evRing.Write(&rec)
		s.cnts.grp.Inc(s.cnts.hSamples)
		s.cnts.grp.Inc(s.cnts.hCtx[ctx])
		return true
	})
	return true, s.intvl
}
