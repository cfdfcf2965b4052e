// Copyright 2021 Intuitive Labs GmbH. All rights reserved.
//
// Use of this source code is governed by a source-available license
// that can be found in the LICENSE.txt file in the root of the source
// tree.

// Package memprof implements a low overhead sampling profiler engine:
// an allocation shim standing in for the process allocation entry
// points, a statistical byte-interval sampling controller, a live
// allocation table, a periodic execution sampler and a fixed-record
// ring channel through which the sample events leave the engine.
// The external attribution layer (source line mapping, reports) is a
// separate consumer draining the channel at its own pace; the engine
// knows nothing about source lines or report formats.
package memprof

import (
	"errors"
	"sync/atomic"
	"time"

	"github.com/intuitivelabs/timestamp"
	"github.com/intuitivelabs/wtimer"
)

var (
	ErrAlreadyInit = errors.New("memprof: engine already initialized")
	ErrNotInit     = errors.New("memprof: engine not running")
	ErrNoMem       = errors.New("memprof: heap backend init failed")
)

// engine states
const (
	engDown int32 = iota
	engStarting
	engRunning
	engStopping
)

// process wide engine state (explicit init-once / explicit-teardown;
// nothing here is set up from implicit static construction)
var (
	engState  int32 // atomic
	allocHash AllocEntryHash
	evRing    EvRing
	threads   threadTable
	startTS   timestamp.TS
	runCfg    Config // private copy of the Init() config
)

// timer wheel (execution sampler + process monitor)
var timers wtimer.WTimer
var timersOn bool

const timersFlags = 0

// tick length: the wheel must resolve the cpu sampling period; the
// expire error is +/- one tick most of the time
const timerTick = 2 * time.Millisecond

func running() bool {
	return atomic.LoadInt32(&engState) == engRunning
}

// Init sets up and starts the engine. A nil cfg means defaults.
// It must complete before the first shim call; the configuration
// cannot change until Shutdown().
func Init(cfg *Config) error {
	if !atomic.CompareAndSwapInt32(&engState, engDown, engStarting) {
		return ErrAlreadyInit
	}
	if cfg == nil {
		runCfg = DefaultConfig()
	} else {
		runCfg = *cfg
	}
	cfgFixDefaults(&runCfg)
	setCfg(&runCfg)

	if !heapInit(runCfg.MaxHeapMem) {
		atomic.StoreInt32(&engState, engDown)
		return ErrNoMem
	}
	allocHash.Init(runCfg.HashSize, runCfg.MaxEntries)
	evRing.Init(runCfg.RingSize, runCfg.RingPolicy, runCfg.RingSpin)
	threads.Init(runCfg.MaxThreads)
	startTS = timestamp.Now()

	if runCfg.CPUProfOn || runCfg.MonitorIntvl > 0 {
		timers = wtimer.WTimer{}
		if err := timers.Init(timerTick); err != nil {
			ERR("timer wheel init failed: %s\n", err)
			engCleanup()
			atomic.StoreInt32(&engState, engDown)
			return err
		}
		timers.Start()
		timersOn = true
	}
	atomic.StoreInt32(&engState, engRunning)
	if runCfg.CPUProfOn {
		if err := sampler.Start(runCfg.CPUSampleIntvl); err != nil {
			Shutdown()
			return err
		}
	}
	if runCfg.MonitorIntvl > 0 {
		if err := monitor.Start(runCfg.MonitorIntvl); err != nil {
			// diagnostics only, the engine stays usable
			WARN("process monitor start failed: %s\n", err)
		}
	}
	DBG("engine started (heap %q, ring %d records)\n",
		HeapTypeName, evRing.Cap())
	return nil
}

// cfgFixDefaults replaces zero values with the defaults.
func cfgFixDefaults(cfg *Config) {
	d := DefaultConfig()
	if cfg.RingSize == 0 {
		cfg.RingSize = d.RingSize
	}
	if cfg.RingSpin == 0 {
		cfg.RingSpin = d.RingSpin
	}
	if cfg.MaxHeapMem == 0 {
		cfg.MaxHeapMem = d.MaxHeapMem
	}
	if cfg.MaxEntries == 0 {
		cfg.MaxEntries = d.MaxEntries
	}
	if cfg.HashSize <= 0 {
		cfg.HashSize = d.HashSize
	}
	if cfg.MaxThreads <= 0 {
		cfg.MaxThreads = d.MaxThreads
	}
	if cfg.CPUProfOn && cfg.CPUSampleIntvl <= 0 {
		cfg.CPUSampleIntvl = d.CPUSampleIntvl
	}
}

// RegisterThread claims the per-thread engine state for a host
// thread. Returns nil if the engine is down or the preallocated
// thread slots are exhausted; the shim treats a nil state as plain
// pass-through to the heap.
func RegisterThread(tid uint64) *ThreadState {
	if !running() {
		return nil
	}
	return threads.Register(tid, GetCfg())
}

// Flush drains the event ring into the registered event handler.
// Returns the number of records handed over. Single consumer.
func Flush() int {
	return evRing.Drain(evHandler)
}

// Drain consumes the ring through f (bypassing the registered
// handler). Single consumer.
func Drain(f HandleEvF) int {
	return evRing.Drain(f)
}

// LiveBytes returns the engine's current resident allocation volume
// (the sum of all the tracked, not yet freed allocation sizes).
func LiveBytes() uint64 {
	return allocHash.LiveBytes()
}

// LiveAllocs returns the number of tracked live allocations.
func LiveAllocs() uint64 {
	return allocHash.Entries()
}

// PeakLiveBytes returns the high-water mark of LiveBytes.
func PeakLiveBytes() uint64 {
	return allocHash.PeakBytes()
}

// DroppedEvents returns the number of sample events lost to channel
// overflow or bookkeeping contention so far (the attribution layer
// should annotate its output as approximate if this is non zero).
func DroppedEvents() uint64 {
	return evRing.Dropped()
}

// Shutdown stops the engine: the timer wheel is disarmed, every
// still-live allocation is emitted as a leak-candidate event, the
// channel is flushed into the registered handler and the engine
// returns to the uninitialized state. Must never be called from a
// timer handler or from inside a shim call.
// Returns the number of leak candidates found.
func Shutdown() (int, error) {
	if !atomic.CompareAndSwapInt32(&engState, engRunning, engStopping) {
		if !atomic.CompareAndSwapInt32(&engState, engStarting, engStopping) {
			return 0, ErrNotInit
		}
	}
	sampler.Stop()
	monitor.Stop()
	if timersOn {
		// stop all the timer goroutines and wait for them to finish
		timers.Shutdown()
		timersOn = false
	}
	// leak candidates: everything still live is enumerated and sent
	// through the same channel; the table is quiesced at this point
	// (timer disarmed, shim calls see the engine stopping and skip
	// bookkeeping)
	leaks := 0
	pending := 0
	highWater := int(evRing.Cap() / 2)
	allocHash.ForEach(func(e *AllocEntry) bool {
		rec := EvRecord{
			Kind:   EvLeak,
			Ctx:    CtxUnknown,
			NPC:    e.NPC,
			TID:    e.TID,
			Val:    e.Size,
			Weight: 1, // enumeration is complete, not sampled
			PC:     e.PC,
		}
		evRing.Write(&rec)
		leaks++
		pending++
		if pending >= highWater {
			// don't let the report overwrite itself
			Flush()
			pending = 0
		}
		return true
	})
	end := EvRecord{
		Kind:   EvShutdown,
		Ctx:    CtxUnknown,
		Val:    evRing.Dropped(),
		Weight: 1,
	}
	evRing.Write(&end)
	Flush()

	engCleanup()
	atomic.StoreInt32(&engState, engDown)
	DBG("engine stopped, %d leak candidate(s)\n", leaks)
	return leaks, nil
}

// engCleanup releases everything Init() allocated (the failed-init
// paths must not keep the arena and the entry table around).
func engCleanup() {
	allocHash.Destroy()
	threads.Destroy()
	heapDestroy()
}
