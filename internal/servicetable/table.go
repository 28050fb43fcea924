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

// Package servicetable implements the service resolution table (spec §4.2,
// component C2): a trie-backed map from service-id prefix to a list of
// target entries, with weighted selection, statistics, and background
// eviction. It is the destination lookup consulted on every outbound
// packet.
package servicetable

import (
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"github.com/arlojensen/serval/internal/trie"
	"github.com/arlojensen/serval/pkg/serval"
)

// UpcallFunc is invoked, fire-and-forget, when Resolve finds no matching
// target entry (spec §4.2 "Upcalls on miss"). The caller (not the table) is
// responsible for buffering the originating packet pending the resolver's
// response.
type UpcallFunc func(src, dst serval.ServiceID)

// entryList is the payload stored at a trie node: the target entries
// installed at that exact prefix, plus a rotation cursor for the
// round-robin tie-break in the selection policy (spec §4.2).
type entryList struct {
	entries []*serval.TargetEntry
	rr      atomic.Uint64
}

// Table is the service resolution table. The zero value is not usable; use
// New.
type Table struct {
	mu   sync.RWMutex // single-writer/many-reader over the trie (spec §5)
	t    trie.Trie
	stat *serval.GlobalStats

	// Upcall is called on a resolve() miss. Nil disables upcalls.
	Upcall UpcallFunc

	// Transit mirrors the control socket's capabilities bit 0 (spec §6,
	// SPEC_FULL §C.1): when false, this stack instance is terminal for
	// unmatched prefixes and will not attempt resolver-assisted forwarding
	// even if the caller wires an Upcall.
	Transit bool
}

// New constructs an empty service table.
func New() *Table {
	return &Table{stat: serval.NewGlobalStats(), Transit: true}
}

// GlobalStats returns the table-wide resolved/dropped aggregate (spec §4.2).
func (tbl *Table) GlobalStats() *serval.GlobalStats { return tbl.stat }

func serviceKey(id serval.ServiceID, bits int) trie.Key {
	return trie.Key{Bytes: id[:], Bits: bits}
}

// Add inserts a target entry at the node for (prefix, bits). The node is
// created if absent; multiple adds at an identical prefix accumulate into a
// list (spec §4.2).
func (tbl *Table) Add(prefix serval.ServiceID, bits int, target *serval.TargetEntry) {
	tbl.mu.Lock()
	defer tbl.mu.Unlock()

	n := tbl.t.Insert(serviceKey(prefix, bits))
	el, _ := n.Payload.(*entryList)
	if el == nil {
		el = &entryList{}
		n.Payload = el
	}
	el.entries = append(el.entries, target)
}

// Modify replaces the priority/weight/timeouts of the target entry
// identified by (prefix, bits, sel). It returns serval.ErrNoEntry if no such
// target is installed (spec §4.2).
func (tbl *Table) Modify(prefix serval.ServiceID, bits int, sel serval.Selector, priority, weight uint32, idle, hard int64) error {
	tbl.mu.Lock()
	defer tbl.mu.Unlock()

	n := tbl.t.FindFunc(serviceKey(prefix, bits), func(n *trie.Node) bool { return n.PrefixLen == bits })
	if n == nil || n.PrefixLen != bits {
		return serval.ErrNoEntry
	}
	el, _ := n.Payload.(*entryList)
	if el == nil {
		return serval.ErrNoEntry
	}
	for _, te := range el.entries {
		if te.Matches(sel) {
			te.Priority = priority
			te.Weight = weight
			te.IdleTimeout = time.Duration(idle) * time.Second
			te.HardTimeout = time.Duration(hard) * time.Second
			return nil
		}
	}
	return serval.ErrNoEntry
}

// Delete removes target entries at (prefix, bits). If sel is non-nil, only
// the single matching target entry is removed; otherwise every target entry
// at that node is removed. The trie node is pruned once its entry list is
// empty (spec §4.2).
func (tbl *Table) Delete(prefix serval.ServiceID, bits int, sel *serval.Selector) {
	tbl.mu.Lock()
	defer tbl.mu.Unlock()

	key := serviceKey(prefix, bits)
	n := tbl.t.FindFunc(key, func(n *trie.Node) bool { return n.PrefixLen == bits })
	if n == nil || n.PrefixLen != bits {
		return
	}
	el, _ := n.Payload.(*entryList)
	if el == nil {
		return
	}
	if sel == nil {
		el.entries = nil
	} else {
		kept := el.entries[:0]
		for _, te := range el.entries {
			if !te.Matches(*sel) {
				kept = append(kept, te)
			}
		}
		el.entries = kept
	}
	if len(el.entries) == 0 {
		n.Payload = nil
		tbl.t.Remove(key)
	}
}

// Resolve returns one target entry selected from the longest matching
// non-empty node (spec §4.2, §4.1). On a miss it fires Upcall (if set and
// Transit is true) with src/dst and returns serval.ErrNoEntry.
func (tbl *Table) Resolve(src, dst serval.ServiceID) (*serval.TargetEntry, error) {
	tbl.mu.RLock()
	n := tbl.t.FindFunc(serviceKey(dst, 256), func(n *trie.Node) bool {
		el, _ := n.Payload.(*entryList)
		return el != nil && len(el.entries) > 0
	})
	var te *serval.TargetEntry
	if n != nil {
		el := n.Payload.(*entryList)
		te = selectWeighted(el)
	}
	tbl.mu.RUnlock()

	if te == nil {
		if tbl.Upcall != nil && tbl.Transit {
			tbl.Upcall(src, dst)
		}
		return nil, serval.ErrNoEntry
	}
	te.Touch()
	return te, nil
}

// ChargeDrop records that a packet previously resolved to te was dropped
// instead of transmitted (spec §4.2).
func (tbl *Table) ChargeDrop(te *serval.TargetEntry, bytes uint32) {
	te.Stats.ChargeDrop(bytes)
	tbl.stat.ObserveDrop(bytes)
}

// ChargeResolve records a resolution of bytes on te's own stats and on the
// table-wide aggregate. Resolve does not call it; the packet demultiplexer
// calls it after each successful Resolve.
func (tbl *Table) ChargeResolve(te *serval.TargetEntry, bytes uint32) {
	te.Stats.ChargeResolve(bytes)
	tbl.stat.ObserveResolve(bytes)
}

// selectWeighted implements the selection policy of spec §4.2: partition by
// priority, pick the lowest priority class present, then weighted random
// selection within that class. Equal weights (including all-zero) are
// broken by a stable per-node round-robin cursor rather than the PRNG, so
// that a draw among truly tied entries is fair over a small number of
// trials instead of merely unbiased in expectation.
func selectWeighted(el *entryList) *serval.TargetEntry {
	if len(el.entries) == 0 {
		return nil
	}
	minPriority := el.entries[0].Priority
	for _, te := range el.entries[1:] {
		if te.Priority < minPriority {
			minPriority = te.Priority
		}
	}
	var class []*serval.TargetEntry
	for _, te := range el.entries {
		if te.Priority == minPriority {
			class = append(class, te)
		}
	}
	if len(class) == 1 {
		return class[0]
	}

	uniform := true
	for _, te := range class[1:] {
		if te.Weight != class[0].Weight {
			uniform = false
			break
		}
	}
	if uniform {
		idx := el.rr.Add(1) % uint64(len(class))
		return class[idx]
	}

	var total uint64
	for _, te := range class {
		total += uint64(te.Weight)
	}
	if total == 0 {
		idx := el.rr.Add(1) % uint64(len(class))
		return class[idx]
	}
	draw := rand.Uint64N(total)
	var cum uint64
	for _, te := range class {
		cum += uint64(te.Weight)
		if draw < cum {
			return te
		}
	}
	return class[len(class)-1]
}

