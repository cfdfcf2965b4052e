// Copyright 2021 Intuitive Labs GmbH. All rights reserved.
//
// Use of this source code is governed by a source-available license
// that can be found in the LICENSE.txt file in the root of the source
// tree.

package memprof

import (
	"math"
)

// SampleState decides, per thread and independently for allocation
// and copy volume, which events receive a full record.
//
// It keeps a byte countdown toward the next full record, re-drawn
// from an exponential distribution with mean equal to the configured
// sampling interval. Crossings of zero then form a Poisson process in
// allocated bytes: the probability that an allocation of s bytes
// triggers a record is 1-exp(-s/mean), independent of the call
// pattern, and the attached weight 1/(1-exp(-s/mean)) makes
// sum(size*weight) an unbiased estimate of the true volume.
// Per-call sampling ("every Nth call") is deliberately not used: it
// under-weights large, rare allocations.
//
// Requests of at least one mean interval always cross the countdown
// eventually and are instead recorded deterministically with weight 1
// (their exact size is never missed).
//
// Not safe for concurrent use: one SampleState belongs to exactly one
// ThreadState. No allocation, no locks, no math/rand (the global
// source locks).
type SampleState struct {
	countdown int64  // bytes left until the next full record
	mean      uint64 // sampling interval mean (0: record everything)
	prng      uint64 // xorshift64 state
}

// Init sets the sampling mean and seeds the threshold generator.
// A zero mean disables byte sampling: every event is recorded with
// weight 1.
func (s *SampleState) Init(mean uint64, seed uint64) {
	s.mean = mean
	if seed == 0 {
		seed = 0x9e3779b97f4a7c15
	}
	s.prng = seed
	s.countdown = s.drawThreshold()
}

// next returns the next pseudo random value (xorshift64).
func (s *SampleState) next() uint64 {
	x := s.prng
	x ^= x << 13
	x ^= x >> 7
	x ^= x << 17
	s.prng = x
	return x
}

// drawThreshold draws the byte distance to the next sample from an
// exponential distribution with mean s.mean.
func (s *SampleState) drawThreshold() int64 {
	if s.mean == 0 {
		return 0
	}
	// u uniform in (0, 1]; 53 mantissa bits
	u := (float64(s.next()>>11) + 1) / (1 << 53)
	t := int64(-math.Log(u) * float64(s.mean))
	if t < 1 {
		t = 1
	}
	return t
}

// Sample accounts sz bytes and decides whether this event gets a full
// record. It returns (true, weight) for recorded events and
// (false, 0) otherwise.
func (s *SampleState) Sample(sz uint64) (bool, float64) {
	if s.mean == 0 {
		// sampling disabled: exact accounting
		return true, 1
	}
	if sz >= s.mean {
		// at least one whole interval: always recorded, exact
		return true, 1
	}
	s.countdown -= int64(sz)
	if s.countdown > 0 {
		return false, 0
	}
	s.countdown = s.drawThreshold()
	p := 1 - math.Exp(-float64(sz)/float64(s.mean))
	return true, 1 / p
}
