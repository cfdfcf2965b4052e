// Copyright 2021 Intuitive Labs GmbH. All rights reserved.
//
// Use of this source code is governed by a source-available license
// that can be found in the LICENSE.txt file in the root of the source
// tree.

package memprof

import (
	"testing"
	"time"
)

func TestCodeRanges(t *testing.T) {
	if RegisterCodeRange(0x7f0000001000, 0x7f0000001000, CtxNative) {
		t.Errorf("empty range accepted\n")
	}
	if RegisterCodeRange(0x7f0000002000, 0x7f0000001000, CtxNative) {
		t.Errorf("inverted range accepted\n")
	}
	if RegisterCodeRange(0x7f0000001000, 0x7f0000002000, CtxBad) {
		t.Errorf("invalid context accepted\n")
	}
	if !RegisterCodeRange(0x7f0000001000, 0x7f0000002000, CtxInterp) {
		t.Fatalf("valid range rejected\n")
	}
	if !RegisterCodeRange(0x7f0000008000, 0x7f0000009000, CtxNative) {
		t.Fatalf("valid range rejected\n")
	}
	tests := []struct {
		pc  uintptr
		ctx ExecCtx
	}{
		{0x7f0000001000, CtxInterp},
		{0x7f0000001fff, CtxInterp},
		{0x7f0000002000, CtxUnknown}, // end is exclusive
		{0x7f0000008800, CtxNative},
		{0x1234, CtxUnknown},
	}
	for _, tc := range tests {
		if got := classifyPC(tc.pc); got != tc.ctx {
			t.Errorf("pc %x classified %s, expected %s\n",
				tc.pc, got, tc.ctx)
		}
	}
}

// classification priority: reentrancy guard, then the host marker,
// then the last sampled call-site pc.
func TestClassifyThread(t *testing.T) {
	sampler.initCnts()
	var ts ThreadState

	if c := sampler.classify(&ts); c != CtxUnknown {
		t.Errorf("fresh thread classified %s\n", c)
	}
	if !RegisterCodeRange(0x7e0000000000, 0x7e0000010000, CtxNative) {
		t.Fatalf("range registration failed\n")
	}
	ts.setLastPC(0x7e0000000800)
	if c := sampler.classify(&ts); c != CtxNative {
		t.Errorf("pc fallback classified %s, expected native\n", c)
	}
	ts.SetExecCtx(CtxInterp)
	if c := sampler.classify(&ts); c != CtxInterp {
		t.Errorf("marker ignored, classified %s\n", c)
	}
	if !ts.enter() {
		t.Fatalf("guard already held\n")
	}
	if c := sampler.classify(&ts); c != CtxEngine {
		t.Errorf("guard ignored, classified %s\n", c)
	}
	ts.leave()
	ts.SetExecCtx(CtxUnknown) // clears the marker
	if c := sampler.classify(&ts); c != CtxNative {
		t.Errorf("cleared marker: classified %s, expected pc fallback\n",
			c)
	}
}

func TestCPUSamplerTicks(t *testing.T) {
	cfg := testCfg()
	cfg.MemProfOn = false
	cfg.CPUProfOn = true
	cfg.CPUSampleIntvl = 2 * time.Millisecond
	if err := Init(&cfg); err != nil {
		t.Fatalf("Init: %s\n", err)
	}
	evs, restore := collectEvents()
	defer restore()

	ts := RegisterThread(11)
	ts.SetExecCtx(CtxNative)
	time.Sleep(100 * time.Millisecond)
	Flush()

	samples := 0
	var lastVal uint64
	for i := range *evs {
		if (*evs)[i].Kind != EvCPU {
			continue
		}
		samples++
		if (*evs)[i].TID != 11 {
			t.Errorf("cpu sample for unknown tid %d\n", (*evs)[i].TID)
		}
		if (*evs)[i].Ctx != CtxNative {
			t.Errorf("cpu sample classified %s, expected native\n",
				(*evs)[i].Ctx)
		}
		if (*evs)[i].Val < lastVal {
			t.Errorf("cpu sample timestamps not monotonic\n")
		}
		lastVal = (*evs)[i].Val
	}
	// 100ms at a 2ms period: be very generous with scheduling jitter
	if samples < 3 {
		t.Errorf("only %d cpu samples over 100ms\n", samples)
	}
	t.Logf("%d cpu samples\n", samples)
	Shutdown()
	// no further samples may arrive after shutdown
	n := len(*evs)
	time.Sleep(20 * time.Millisecond)
	Flush()
	if len(*evs) != n {
		t.Errorf("%d events arrived after shutdown\n", len(*evs)-n)
	}
}
