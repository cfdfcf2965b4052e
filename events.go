// Copyright 2021 Intuitive Labs GmbH. All rights reserved.
//
// Use of this source code is governed by a source-available license
// that can be found in the LICENSE.txt file in the root of the source
// tree.

package memprof

import (
	"encoding/binary"
	"math"
)

// EventType is the sample event kind.
type EventType uint8

const (
	EvNone    EventType = iota // empty / unused slot
	EvAlloc                    // sampled allocation
	EvFree                     // free of a sampled allocation
	EvRealloc                  // allocation half of a realloc pair
	EvCopy                     // sampled copy volume
	EvCPU                      // execution sample
	EvLeak                     // still-live allocation at shutdown
	EvShutdown                 // engine teardown marker
	EvBad
)

var evTypeName = [EvBad + 1]string{
	EvNone:     "empty",
	EvAlloc:    "alloc",
	EvFree:     "free",
	EvRealloc:  "realloc",
	EvCopy:     "copy",
	EvCPU:      "cpu-sample",
	EvLeak:     "leak-candidate",
	EvShutdown: "shutdown",
	EvBad:      "invalid",
}

func (e EventType) String() string {
	if int(e) >= len(evTypeName) {
		e = EvBad
	}
	return evTypeName[int(e)]
}

// ExecCtx classifies the execution context of a CPU sample.
type ExecCtx uint8

const (
	CtxUnknown ExecCtx = iota // classification not possible
	CtxInterp                 // interpreted / host-managed code
	CtxNative                 // native or system library code
	CtxEngine                 // engine-internal (allocation bookkeeping)
	CtxBad
)

var execCtxName = [CtxBad + 1]string{
	CtxUnknown: "unknown",
	CtxInterp:  "interpreted",
	CtxNative:  "native",
	CtxEngine:  "allocator-internal",
	CtxBad:     "invalid",
}

func (c ExecCtx) String() string {
	if int(c) >= len(execCtxName) {
		c = CtxBad
	}
	return execCtxName[int(c)]
}

// EvRecPCs is the call-site snapshot depth carried by a record.
const EvRecPCs = 4

// EvRecSize is the on-wire record size in bytes (fixed layout).
const EvRecSize = 8 + 8 + 8 + 8 + 8 + EvRecPCs*8

// EvRecord is a single fixed-size sample event.
// Val holds the allocation/copy size in bytes for memory events, the
// monotonic time offset in nanoseconds for EvCPU and the still-live
// size for EvLeak. Weight is the sampling weight (inverse of the
// probability that the event was chosen); size*weight summed over the
// recorded events is an unbiased estimate of the true volume.
// Seq is assigned by the event ring; consumers detect dropped records
// by jumps in Seq.
type EvRecord struct {
	Kind   EventType
	Ctx    ExecCtx
	NPC    uint8 // valid entries in PC
	TID    uint64
	Seq    uint64
	Val    uint64
	Weight float64
	PC     [EvRecPCs]uintptr
}

// MarshalSlot encodes the record into b, which must be at least
// EvRecSize bytes. It returns the number of bytes written.
// Layout (little endian):
//
//	u8 kind | u8 ctx | u8 npc | 5 pad | u64 tid | u64 seq |
//	u64 val | f64 weight | EvRecPCs * u64 pc
func (r *EvRecord) MarshalSlot(b []byte) int {
	if len(b) < EvRecSize {
		return 0
	}
	b[0] = byte(r.Kind)
	b[1] = byte(r.Ctx)
	b[2] = r.NPC
	b[3], b[4], b[5], b[6], b[7] = 0, 0, 0, 0, 0
	binary.LittleEndian.PutUint64(b[8:], r.TID)
	binary.LittleEndian.PutUint64(b[16:], r.Seq)
	binary.LittleEndian.PutUint64(b[24:], r.Val)
	binary.LittleEndian.PutUint64(b[32:], math.Float64bits(r.Weight))
	for i := 0; i < EvRecPCs; i++ {
		binary.LittleEndian.PutUint64(b[40+i*8:], uint64(r.PC[i]))
	}
	return EvRecSize
}

// UnmarshalSlot decodes a record from b. Returns false on short or
// invalid input.
func (r *EvRecord) UnmarshalSlot(b []byte) bool {
	if len(b) < EvRecSize || EventType(b[0]) >= EvBad ||
		ExecCtx(b[1]) >= CtxBad || b[2] > EvRecPCs {
		return false
	}
	r.Kind = EventType(b[0])
	r.Ctx = ExecCtx(b[1])
	r.NPC = b[2]
	r.TID = binary.LittleEndian.Uint64(b[8:])
	r.Seq = binary.LittleEndian.Uint64(b[16:])
	r.Val = binary.LittleEndian.Uint64(b[24:])
	r.Weight = math.Float64frombits(binary.LittleEndian.Uint64(b[32:]))
	for i := 0; i < EvRecPCs; i++ {
		r.PC[i] = uintptr(binary.LittleEndian.Uint64(b[40+i*8:]))
	}
	return true
}

// HandleEvF is a callback handling one drained sample event.
// It should copy any information it needs: the record is reused after
// the call returns. Returning false stops the current drain.
type HandleEvF func(ev *EvRecord) bool

var evHandler HandleEvF // drained event callback

// RegisterEvHandler registers a callback invoked for each record
// drained via Flush() (including the shutdown leak report).
// It returns the previous callback.
// It must not be called while a drain is in progress.
func RegisterEvHandler(f HandleEvF) HandleEvF {
	old := evHandler
	evHandler = f
	return old
}
