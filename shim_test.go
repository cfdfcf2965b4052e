// Copyright 2021 Intuitive Labs GmbH. All rights reserved.
//
// Use of this source code is governed by a source-available license
// that can be found in the LICENSE.txt file in the root of the source
// tree.

package memprof

import (
	"testing"
	"unsafe"
)

// test engine config: exact accounting (no byte sampling), no timers.
func testCfg() Config {
	cfg := DefaultConfig()
	cfg.MemSampleMean = 0 // record every allocation
	cfg.CPUProfOn = false
	cfg.MonitorIntvl = 0
	cfg.RingSize = 8 * 1024
	cfg.MaxHeapMem = 16 * 1024 * 1024
	cfg.MaxEntries = 8 * 1024
	cfg.HashSize = 64
	cfg.MaxThreads = 16
	return cfg
}

// collectEvents registers a recording handler; returns the slice ptr
// and a restore function.
func collectEvents() (*[]EvRecord, func()) {
	var evs []EvRecord
	old := RegisterEvHandler(func(ev *EvRecord) bool {
		evs = append(evs, *ev)
		return true
	})
	return &evs, func() { RegisterEvHandler(old) }
}

func countKind(evs []EvRecord, k EventType) int {
	n := 0
	for i := range evs {
		if evs[i].Kind == k {
			n++
		}
	}
	return n
}

func TestEngineAllocFreeBalance(t *testing.T) {
	cfg := testCfg()
	if err := Init(&cfg); err != nil {
		t.Fatalf("Init: %s\n", err)
	}
	evs, restore := collectEvents()
	defer restore()

	ts := RegisterThread(1)
	if ts == nil {
		t.Fatalf("RegisterThread failed\n")
	}
	const N = 1000
	var ptrs [N]unsafe.Pointer
	for i := 0; i < N; i++ {
		ptrs[i] = ts.Malloc(1024)
		if ptrs[i] == nil {
			t.Fatalf("Malloc %d failed\n", i)
		}
	}
	if LiveBytes() != N*1024 || LiveAllocs() != N {
		t.Errorf("live %d bytes / %d allocs, expected %d / %d\n",
			LiveBytes(), LiveAllocs(), N*1024, N)
	}
	for i := 0; i < N; i++ {
		ts.Free(ptrs[i])
	}
	if LiveBytes() != 0 || LiveAllocs() != 0 {
		t.Errorf("live %d bytes / %d allocs after freeing everything\n",
			LiveBytes(), LiveAllocs())
	}
	leaks, err := Shutdown()
	if err != nil {
		t.Fatalf("Shutdown: %s\n", err)
	}
	if leaks != 0 {
		t.Errorf("%d leak candidates on a balanced run\n", leaks)
	}
	if n := countKind(*evs, EvAlloc); n != N {
		t.Errorf("%d alloc events, expected %d\n", n, N)
	}
	if n := countKind(*evs, EvFree); n != N {
		t.Errorf("%d free events, expected %d\n", n, N)
	}
	if n := countKind(*evs, EvLeak); n != 0 {
		t.Errorf("%d leak events on a balanced run\n", n)
	}
	if len(*evs) == 0 || (*evs)[len(*evs)-1].Kind != EvShutdown {
		t.Errorf("event stream not terminated by a shutdown marker\n")
	}
}

func TestEngineLeakReport(t *testing.T) {
	cfg := testCfg()
	cfg.MaxHeapMem = 96 * 1024 * 1024
	if err := Init(&cfg); err != nil {
		t.Fatalf("Init: %s\n", err)
	}
	evs, restore := collectEvents()
	defer restore()

	ts := RegisterThread(2)
	const leakSz = 64 * 1024 * 1024
	p := ts.Malloc(leakSz)
	if p == nil {
		t.Fatalf("Malloc failed\n")
	}
	// a balanced pair must not show up in the report
	q := ts.Malloc(512)
	ts.Free(q)

	leaks, err := Shutdown()
	if err != nil {
		t.Fatalf("Shutdown: %s\n", err)
	}
	if leaks != 1 {
		t.Errorf("%d leak candidates, expected 1\n", leaks)
	}
	found := 0
	for i := range *evs {
		if (*evs)[i].Kind != EvLeak {
			continue
		}
		found++
		if (*evs)[i].Val != leakSz {
			t.Errorf("leak size %d, expected %d\n", (*evs)[i].Val, leakSz)
		}
		if (*evs)[i].TID != 2 {
			t.Errorf("leak tid %d, expected 2\n", (*evs)[i].TID)
		}
		if (*evs)[i].Weight != 1 {
			t.Errorf("leak weight %f, expected 1 (exact)\n",
				(*evs)[i].Weight)
		}
		if (*evs)[i].NPC == 0 {
			t.Errorf("leak record without a call-site snapshot\n")
		}
	}
	if found != 1 {
		t.Errorf("%d leak events, expected 1\n", found)
	}
}

func TestEngineCallocZeroed(t *testing.T) {
	cfg := testCfg()
	if err := Init(&cfg); err != nil {
		t.Fatalf("Init: %s\n", err)
	}
	defer Shutdown()

	ts := RegisterThread(3)
	// dirty a block first so that reuse hands back non-zero memory
	p := ts.Malloc(1024)
	b := ptrBytes(p, 1024)
	for i := range b {
		b[i] = 0xff
	}
	ts.Free(p)

	q := ts.Calloc(16, 64)
	if q == nil {
		t.Fatalf("Calloc failed\n")
	}
	if q != p {
		t.Logf("calloc did not reuse the dirty block (%p vs %p)\n", q, p)
	}
	zb := ptrBytes(q, 1024)
	for i := range zb {
		if zb[i] != 0 {
			t.Fatalf("calloc memory not zeroed at offset %d\n", i)
		}
	}
	// overflowing n*sz must fail, not wrap
	if ts.Calloc(1<<33, 1<<33) != nil {
		t.Errorf("overflowing calloc succeeded\n")
	}
	ts.Free(q)
}

func TestEngineRealloc(t *testing.T) {
	cfg := testCfg()
	if err := Init(&cfg); err != nil {
		t.Fatalf("Init: %s\n", err)
	}
	defer Shutdown()

	ts := RegisterThread(4)
	p := ts.Malloc(128)
	b := ptrBytes(p, 128)
	for i := range b {
		b[i] = byte(i)
	}
	p2 := ts.Realloc(p, 4096)
	if p2 == nil {
		t.Fatalf("grow failed\n")
	}
	b2 := ptrBytes(p2, 128)
	for i := range b2 {
		if b2[i] != byte(i) {
			t.Fatalf("data lost on grow at offset %d\n", i)
		}
	}
	if LiveBytes() != 4096 || LiveAllocs() != 1 {
		t.Errorf("live %d bytes / %d allocs after grow, expected 4096/1\n",
			LiveBytes(), LiveAllocs())
	}
	p3 := ts.Realloc(p2, 64)
	if p3 == nil {
		t.Fatalf("shrink failed\n")
	}
	b3 := ptrBytes(p3, 64)
	for i := range b3 {
		if b3[i] != byte(i) {
			t.Fatalf("data lost on shrink at offset %d\n", i)
		}
	}
	if LiveBytes() != 64 {
		t.Errorf("live %d bytes after shrink, expected 64\n", LiveBytes())
	}
	// realloc(nil, sz) == malloc, realloc(p, 0) == free
	p4 := ts.Realloc(nil, 256)
	if p4 == nil {
		t.Fatalf("realloc(nil) failed\n")
	}
	ts.Realloc(p4, 0)
	ts.Free(p3)
	if LiveBytes() != 0 {
		t.Errorf("live %d bytes at the end\n", LiveBytes())
	}
}

func TestEngineMemalign(t *testing.T) {
	cfg := testCfg()
	if err := Init(&cfg); err != nil {
		t.Fatalf("Init: %s\n", err)
	}
	defer Shutdown()

	ts := RegisterThread(5)
	p := ts.Memalign(256, 1000)
	if p == nil {
		t.Fatalf("Memalign failed\n")
	}
	if uintptr(p)%256 != 0 {
		t.Errorf("pointer %p not 256 byte aligned\n", p)
	}
	if LiveBytes() != 1000 {
		t.Errorf("live %d bytes, expected the requested 1000\n",
			LiveBytes())
	}
	ts.Free(p)
	if LiveBytes() != 0 || LiveAllocs() != 0 {
		t.Errorf("over-aligned block not fully released\n")
	}
	if ts.Memalign(24, 64) != nil {
		t.Errorf("non power of two alignment accepted\n")
	}
}

func TestEngineMmap(t *testing.T) {
	cfg := testCfg()
	if err := Init(&cfg); err != nil {
		t.Fatalf("Init: %s\n", err)
	}
	defer Shutdown()

	ts := RegisterThread(6)
	p := ts.Mmap(5000)
	if p == nil {
		t.Fatalf("Mmap failed\n")
	}
	if LiveBytes() != 2*pageSize {
		t.Errorf("live %d bytes, expected page rounded %d\n",
			LiveBytes(), 2*pageSize)
	}
	ts.Munmap(p)
	if LiveBytes() != 0 {
		t.Errorf("live %d bytes after munmap\n", LiveBytes())
	}
}

func TestEngineMemcpy(t *testing.T) {
	cfg := testCfg()
	cfg.CopyProfOn = true
	cfg.CopySampleMean = 0 // record every copy
	if err := Init(&cfg); err != nil {
		t.Fatalf("Init: %s\n", err)
	}
	evs, restore := collectEvents()
	defer restore()

	ts := RegisterThread(7)
	src := make([]byte, 300)
	for i := range src {
		src[i] = byte(i)
	}
	dst := make([]byte, 300)
	if n := ts.Memcpy(dst, src); n != 300 {
		t.Errorf("Memcpy returned %d, expected 300\n", n)
	}
	for i := range dst {
		if dst[i] != byte(i) {
			t.Fatalf("copy corrupted at offset %d\n", i)
		}
	}
	Flush()
	if n := countKind(*evs, EvCopy); n != 1 {
		t.Errorf("%d copy events, expected 1\n", n)
	}
	for i := range *evs {
		if (*evs)[i].Kind == EvCopy && (*evs)[i].Val != 300 {
			t.Errorf("copy event val %d, expected 300\n", (*evs)[i].Val)
		}
	}
	Shutdown()
}

func TestEngineReentrantBypass(t *testing.T) {
	cfg := testCfg()
	if err := Init(&cfg); err != nil {
		t.Fatalf("Init: %s\n", err)
	}
	defer Shutdown()

	ts := RegisterThread(8)
	if !ts.enter() {
		t.Fatalf("guard already held on a fresh state\n")
	}
	// a call made while the guard is held must bypass bookkeeping but
	// still return usable memory
	p := ts.Malloc(512)
	if p == nil {
		t.Fatalf("reentrant Malloc failed\n")
	}
	if LiveAllocs() != 0 {
		t.Errorf("reentrant allocation was tracked\n")
	}
	ts.leave()
	// the untracked free is a silent no-op for the table
	ts.Free(p)
	if LiveAllocs() != 0 {
		t.Errorf("table accounting damaged by an untracked free\n")
	}
	if shimStats.Reentrant.Get() == 0 {
		t.Errorf("reentrant bypass not counted\n")
	}
}

func TestEngineForeignFree(t *testing.T) {
	cfg := testCfg()
	if err := Init(&cfg); err != nil {
		t.Fatalf("Init: %s\n", err)
	}
	defer Shutdown()

	ts := RegisterThread(9)
	var local [32]byte
	// pre-interposition memory: must be ignored, never crash
	ts.Free(unsafe.Pointer(&local[0]))
	ts.Free(nil)
	if LiveAllocs() != 0 {
		t.Errorf("foreign free damaged the accounting\n")
	}
}

func TestEngineInitShutdownStates(t *testing.T) {
	cfg := testCfg()
	if err := Init(&cfg); err != nil {
		t.Fatalf("Init: %s\n", err)
	}
	if err := Init(&cfg); err != ErrAlreadyInit {
		t.Errorf("second Init: got %v, expected ErrAlreadyInit\n", err)
	}
	if _, err := Shutdown(); err != nil {
		t.Fatalf("Shutdown: %s\n", err)
	}
	if _, err := Shutdown(); err != ErrNotInit {
		t.Errorf("second Shutdown: got %v, expected ErrNotInit\n", err)
	}
	if RegisterThread(1) != nil {
		t.Errorf("RegisterThread succeeded on a stopped engine\n")
	}
	// the engine must be restartable
	if err := Init(&cfg); err != nil {
		t.Fatalf("re-Init: %s\n", err)
	}
	ts := RegisterThread(1)
	p := ts.Malloc(64)
	if p == nil {
		t.Fatalf("Malloc after re-Init failed\n")
	}
	ts.Free(p)
	Shutdown()
}
