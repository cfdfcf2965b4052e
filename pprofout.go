// Copyright 2021 Intuitive Labs GmbH. All rights reserved.
//
// Use of this source code is governed by a source-available license
// that can be found in the LICENSE.txt file in the root of the source
// tree.

package memprof

import (
	"io"
	"time"

	"github.com/google/pprof/profile"
)

// pprof export: drained event records aggregated into standard pprof
// profiles. Locations carry raw pc addresses only; symbolization
// against the host's mappings is the consumer's job (pprof does it
// from the binary).

// profBuilder aggregates records sharing a call-site stack into one
// pprof sample.
type profBuilder struct {
	p     *profile.Profile
	locs  map[uint64]*profile.Location
	samps map[string]*profile.Sample
}

func newProfBuilder(sampleTypes []*profile.ValueType) *profBuilder {
	return &profBuilder{
		p: &profile.Profile{
			SampleType: sampleTypes,
			TimeNanos:  time.Now().UnixNano(),
		},
		locs:  make(map[uint64]*profile.Location),
		samps: make(map[string]*profile.Sample),
	}
}

func (b *profBuilder) loc(addr uint64) *profile.Location {
	if l, ok := b.locs[addr]; ok {
		return l
	}
	l := &profile.Location{
		ID:      uint64(len(b.p.Location) + 1),
		Address: addr,
	}
	b.p.Location = append(b.p.Location, l)
	b.locs[addr] = l
	return l
}

// add merges one record's values into the sample for its stack.
// nvals must match the builder's SampleType arity.
func (b *profBuilder) add(rec *EvRecord, vals []int64) {
	var key [8 * EvRecPCs]byte
	n := int(rec.NPC)
	if n > EvRecPCs {
		n = EvRecPCs
	}
	stack := make([]*profile.Location, 0, n)
	for i := 0; i < n; i++ {
		a := uint64(rec.PC[i])
		key[i*8] = byte(a)
		key[i*8+1] = byte(a >> 8)
		key[i*8+2] = byte(a >> 16)
		key[i*8+3] = byte(a >> 24)
		key[i*8+4] = byte(a >> 32)
		key[i*8+5] = byte(a >> 40)
		key[i*8+6] = byte(a >> 48)
		key[i*8+7] = byte(a >> 56)
		stack = append(stack, b.loc(a))
	}
	k := string(key[:n*8])
	if s, ok := b.samps[k]; ok {
		for i := range vals {
			s.Value[i] += vals[i]
		}
		return
	}
	s := &profile.Sample{
		Location: stack,
		Value:    append([]int64(nil), vals...),
	}
	b.p.Sample = append(b.p.Sample, s)
	b.samps[k] = s
}

// LeakProfile builds an inuse-space profile from leak-candidate
// records (the EvLeak stream emitted at Shutdown). The counts are
// exact for tracked allocations, not extrapolated.
func LeakProfile(recs []EvRecord) *profile.Profile {
	b := newProfBuilder([]*profile.ValueType{
		{Type: "inuse_objects", Unit: "count"},
		{Type: "inuse_space", Unit: "bytes"},
	})
	for i := range recs {
		if recs[i].Kind != EvLeak {
			continue
		}
		b.add(&recs[i], []int64{1, int64(recs[i].Val)})
	}
	return b.p
}

// VolumeProfile builds an allocation-volume profile from sampled
// allocation records. The sampling weight extrapolates each record to
// the unsampled population, so the totals estimate the true
// allocation traffic.
func VolumeProfile(recs []EvRecord) *profile.Profile {
	b := newProfBuilder([]*profile.ValueType{
		{Type: "alloc_objects", Unit: "count"},
		{Type: "alloc_space", Unit: "bytes"},
	})
	for i := range recs {
		k := recs[i].Kind
		if k != EvAlloc && k != EvRealloc {
			continue
		}
		w := recs[i].Weight
		if w < 1 {
			w = 1
		}
		b.add(&recs[i], []int64{
			int64(w + 0.5),
			int64(w*float64(recs[i].Val) + 0.5),
		})
	}
	return b.p
}

// CPUProfile builds a samples profile from the periodic execution
// records. period is the configured sampling interval (each sample
// stands for that much wall time).
func CPUProfile(recs []EvRecord, period time.Duration) *profile.Profile {
	b := newProfBuilder([]*profile.ValueType{
		{Type: "samples", Unit: "count"},
		{Type: "time", Unit: "nanoseconds"},
	})
	b.p.PeriodType = &profile.ValueType{Type: "time", Unit: "nanoseconds"}
	b.p.Period = int64(period)
	for i := range recs {
		if recs[i].Kind != EvCPU {
			continue
		}
		b.add(&recs[i], []int64{1, int64(period)})
	}
	return b.p
}

// WriteProfile serializes a profile in the standard gzip compressed
// protobuf format accepted by the pprof tooling.
func WriteProfile(p *profile.Profile, w io.Writer) error {
	return p.Write(w)
}
