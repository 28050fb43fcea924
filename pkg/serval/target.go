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
	"net"
	"sync/atomic"
	"time"
)

// TargetType selects how a target entry should be used once chosen by
// resolve() (spec §3).
type TargetType uint16

const (
	// TargetForward sends the packet on to NextHop/IfIndex.
	TargetForward TargetType = iota
	// TargetDemux delivers the packet to a local socket instead of the wire.
	TargetDemux
	// TargetDelay parks the packet pending resolver upcall completion.
	TargetDelay
)

func (t TargetType) String() string {
	switch t {
	case TargetForward:
		return "forward"
	case TargetDemux:
		return "demux"
	case TargetDelay:
		return "delay"
	default:
		return "unknown"
	}
}

// TargetEntry is one resolvable instance of a service (spec §3). Fields
// other than Stats and LastActive are immutable after Modify replaces them
// wholesale; Stats and LastActive are updated in place under concurrent
// resolve() calls.
type TargetEntry struct {
	Type TargetType

	NextHop net.IP
	IfIndex uint32

	Priority uint32 // lower is preferred
	Weight   uint32 // randomized selection within a priority class

	IdleTimeout time.Duration // 0 disables idle eviction for this entry
	HardTimeout time.Duration // 0 disables hard eviction for this entry

	CreatedAt time.Time

	// lastActive is stored as UnixNano for lock-free reads from the
	// eviction sweep and lock-free writes from resolve(), the same pattern
	// the teacher's managedVSA uses for its access timestamp.
	lastActive atomic.Int64

	Stats StatBundle
}

// NewTargetEntry constructs a target entry with CreatedAt and LastActive set
// to now.
func NewTargetEntry(typ TargetType, nextHop net.IP, ifIndex uint32, priority, weight uint32, idle, hard time.Duration) *TargetEntry {
	te := &TargetEntry{
		Type:        typ,
		NextHop:     nextHop,
		IfIndex:     ifIndex,
		Priority:    priority,
		Weight:      weight,
		IdleTimeout: idle,
		HardTimeout: hard,
		CreatedAt:   time.Now(),
	}
	te.Touch()
	return te
}

// Touch records activity now. Called by resolve() on every selection.
func (te *TargetEntry) Touch() {
	te.lastActive.Store(time.Now().UnixNano())
}

// LastActive returns the last time this entry was selected by resolve().
func (te *TargetEntry) LastActive() time.Time {
	return time.Unix(0, te.lastActive.Load())
}

// Expired reports whether this entry should be evicted as of now, per the
// idle/hard timeout rules in spec §4.2.
func (te *TargetEntry) Expired(now time.Time) bool {
	if te.IdleTimeout > 0 && now.Sub(te.LastActive()) >= te.IdleTimeout {
		return true
	}
	if te.HardTimeout > 0 && now.Sub(te.CreatedAt) >= te.HardTimeout {
		return true
	}
	return false
}

// Selector identifies a single installed target entry for modify/delete
// (spec §4.2: "(prefix, bits, next-hop, interface)").
type Selector struct {
	NextHop net.IP
	IfIndex uint32
}

// Matches reports whether te was installed under the given next-hop/interface.
func (te *TargetEntry) Matches(sel Selector) bool {
	return te.IfIndex == sel.IfIndex && te.NextHop.Equal(sel.NextHop)
}
