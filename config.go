// Copyright 2021 Intuitive Labs GmbH. All rights reserved.
//
// Use of this source code is governed by a source-available license
// that can be found in the LICENSE.txt file in the root of the source
// tree.

package memprof

import (
	"sync/atomic"
	"time"
	"unsafe"
)

// BuildTags contains the build type tags (filled from conditionally
// compiled files, e.g. the heap backend variants).
var BuildTags []string

type DbgFlags uint32

const (
	DbgFAllocs DbgFlags = 1 << iota // extra allocation debugging
	DbgFRing                        // event ring debugging
	DbgFSampler                     // execution sampler debugging
)

// RingPolicy selects the event ring overflow behaviour.
type RingPolicy uint8

const (
	// RingLossy overwrites the oldest undrained records on overflow
	// (each overwritten record is counted as dropped).
	RingLossy RingPolicy = iota
	// RingBackpressure spins a bounded number of times waiting for the
	// reader and falls back to dropping the new record.
	RingBackpressure
)

// Config holds the engine configuration. It is read at Init() and
// must not be changed while the engine runs.
type Config struct {
	// mean of the exponential allocation-sampling interval, in bytes.
	// 0 disables byte sampling (every allocation gets a full record,
	// weight 1).
	MemSampleMean uint64
	// mean of the copy-volume sampling interval, in bytes.
	CopySampleMean uint64
	// execution sampler period.
	CPUSampleIntvl time.Duration
	// process cpu/mem usage monitor period (0 disables the monitor).
	MonitorIntvl time.Duration

	RingSize   uint64 // event ring capacity in records (rounded up to 2^n)
	RingPolicy RingPolicy
	RingSpin   int // max spin retries in backpressure mode

	MemProfOn  bool // record allocation/free sample events
	CPUProfOn  bool // run the execution sampler
	CopyProfOn bool // record copy-volume sample events

	MaxHeapMem uint64 // underlying heap backend arena size
	MaxEntries uint   // live allocation table capacity (preallocated)
	HashSize   int    // allocation table shards
	MaxThreads int    // max registered thread states (preallocated)

	Dbg DbgFlags
}

// DefaultConfig returns the default engine configuration.
func DefaultConfig() Config {
	return Config{
		MemSampleMean:  1024 * 1024,
		CopySampleMean: 2 * 1024 * 1024,
		CPUSampleIntvl: 10 * time.Millisecond,
		MonitorIntvl:   time.Second,
		RingSize:       64 * 1024,
		RingPolicy:     RingLossy,
		RingSpin:       64,
		MemProfOn:      true,
		CPUProfOn:      true,
		CopyProfOn:     false,
		MaxHeapMem:     256 * 1024 * 1024,
		MaxEntries:     512 * 1024,
		HashSize:       1024,
		MaxThreads:     1024,
	}
}

var defaultCfg = DefaultConfig()

// crtCfg points to the current config (atomic access only).
var crtCfg = unsafe.Pointer(&defaultCfg)

// GetCfg returns the current config.
// The returned value must be treated as read-only.
func GetCfg() *Config {
	return (*Config)(atomic.LoadPointer(&crtCfg))
}

// setCfg atomically replaces the current config (Init() only).
func setCfg(cfg *Config) {
	atomic.StorePointer(&crtCfg, unsafe.Pointer(cfg))
}
