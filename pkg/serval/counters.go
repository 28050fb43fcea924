// Copyright 2025 Esteban Alvarez. All Rights Reserved.
//
// Created: October 2025
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package serval

import (
	"runtime"
	"sync/atomic"
)

// Counter is a monotonic wraparound counter (spec §4.2: "wraparound at 2^32
// is acceptable"). It backs the per-target-entry fields of StatBundle.
type Counter struct {
	v atomic.Uint32
}

// Add increments the counter by delta and returns the new value.
func (c *Counter) Add(delta uint32) uint32 { return c.v.Add(delta) }

// Load returns the current value.
func (c *Counter) Load() uint32 { return c.v.Load() }

// StatBundle is the small counter bundle carried by every target entry:
// packets/bytes resolved, packets/bytes dropped, tokens consumed (spec §3,
// §6 service_info_stat). Each resolution charges the resolved pair through
// ChargeResolve; a caller that later drops the packet also calls ChargeDrop.
type StatBundle struct {
	PacketsResolved Counter
	BytesResolved   Counter
	PacketsDropped  Counter
	BytesDropped    Counter
	TokensConsumed  Counter
}

// ChargeResolve records a successful resolution of n bytes in one packet.
func (s *StatBundle) ChargeResolve(n uint32) {
	s.PacketsResolved.Add(1)
	s.BytesResolved.Add(n)
}

// ChargeDrop records that a previously resolved packet was dropped instead
// of transmitted.
func (s *StatBundle) ChargeDrop(n uint32) {
	s.PacketsDropped.Add(1)
	s.BytesDropped.Add(n)
}

// ChargeTokens debits token-bucket style transmit credit (original's
// tokens_consumed field; here charged by reliable.Manager.flush for each
// segment written — one token per MSS-worth of payload, rounded up).
func (s *StatBundle) ChargeTokens(n uint32) {
	s.TokensConsumed.Add(n)
}

// Snapshot is a point-in-time copy of a StatBundle's values, suitable for
// encoding onto the control socket (service_info_stat) without holding a
// reference to the live counters.
type Snapshot struct {
	PacketsResolved uint32
	BytesResolved   uint32
	PacketsDropped  uint32
	BytesDropped    uint32
	TokensConsumed  uint32
}

// Snapshot reads all five counters. Individual loads are not atomic as a
// group, matching the original's lockless stat reporting.
func (s *StatBundle) Snapshot() Snapshot {
	return Snapshot{
		PacketsResolved: s.PacketsResolved.Load(),
		BytesResolved:   s.BytesResolved.Load(),
		PacketsDropped:  s.PacketsDropped.Load(),
		BytesDropped:    s.BytesDropped.Load(),
		TokensConsumed:  s.TokensConsumed.Load(),
	}
}

// padSize over-pads a stripe to avoid false sharing between cores, the same
// technique and constant rationale as the teacher's pkg/vsa striped
// accumulator (128-byte cache-line target minus the 8-byte counter itself).
const padSize = 128 - 8

type stripe struct {
	val atomic.Uint64
	_   [padSize]byte
}

// GlobalStats aggregates resolve/drop counts across the whole service table
// (spec §4.2: "A global bundle aggregates these across the table"). It is
// read far less often than it is written, so writes are striped across
// per-CPU-ish counters the way the teacher's VSA spreads updates across
// stripes to collapse contention on a single hot cache line.
type GlobalStats struct {
	resolvedPackets []stripe
	resolvedBytes   []stripe
	droppedPackets  []stripe
	droppedBytes    []stripe
	mask            uint64
	chooser         atomic.Uint64
}

// NewGlobalStats builds a stripe set sized to roughly GOMAXPROCS, rounded up
// to a power of two, mirroring the teacher's NewWithOptions default sizing.
func NewGlobalStats() *GlobalStats {
	p := runtime.GOMAXPROCS(0)
	n := nextPow2(clamp(p, 8, 64))
	return &GlobalStats{
		resolvedPackets: make([]stripe, n),
		resolvedBytes:   make([]stripe, n),
		droppedPackets:  make([]stripe, n),
		droppedBytes:    make([]stripe, n),
		mask:            uint64(n - 1),
	}
}

func (g *GlobalStats) idx() uint64 {
	return g.chooser.Add(1) & g.mask
}

// ObserveResolve records a table-wide resolution of n bytes.
func (g *GlobalStats) ObserveResolve(n uint32) {
	i := g.idx()
	g.resolvedPackets[i].val.Add(1)
	g.resolvedBytes[i].val.Add(uint64(n))
}

// ObserveDrop records a table-wide drop of n bytes.
func (g *GlobalStats) ObserveDrop(n uint32) {
	i := g.idx()
	g.droppedPackets[i].val.Add(1)
	g.droppedBytes[i].val.Add(uint64(n))
}

// Totals sums all stripes. O(stripe count), intended for periodic export,
// not the hot path.
func (g *GlobalStats) Totals() (packetsResolved, bytesResolved, packetsDropped, bytesDropped uint64) {
	for i := range g.resolvedPackets {
		packetsResolved += g.resolvedPackets[i].val.Load()
		bytesResolved += g.resolvedBytes[i].val.Load()
		packetsDropped += g.droppedPackets[i].val.Load()
		bytesDropped += g.droppedBytes[i].val.Load()
	}
	return
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func nextPow2(v int) int {
	n := 1
	for n < v {
		n <<= 1
	}
	return n
}
