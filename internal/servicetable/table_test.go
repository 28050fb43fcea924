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

package servicetable

import (
	"net"
	"testing"
	"time"

	"github.com/arlojensen/serval/pkg/serval"
)

func sid(t *testing.T, hex string, padTo int) serval.ServiceID {
	t.Helper()
	for len(hex) < padTo*2 {
		hex += "00"
	}
	id, err := serval.ParseServiceID(hex)
	if err != nil {
		t.Fatalf("ParseServiceID(%q): %v", hex, err)
	}
	return id
}

func target(ip string, priority, weight uint32) *serval.TargetEntry {
	return serval.NewTargetEntry(serval.TargetForward, net.ParseIP(ip), 0, priority, weight, 0, 0)
}

// Test_Resolve_LongestPrefixWins mirrors spec §8's concrete scenario: a
// shorter non-empty match at 0x01/8 must lose to a longer non-empty match at
// 0x0100/16, and an unrelated prefix must miss entirely.
func Test_Resolve_LongestPrefixWins(t *testing.T) {
	tbl := New()
	a := target("10.0.0.1", 0, 1)
	b := target("10.0.0.2", 0, 1)

	tbl.Add(sid(t, "01", 32), 8, a)
	tbl.Add(sid(t, "0100", 32), 16, b)

	dst := sid(t, "0100", 32)
	got, err := tbl.Resolve(serval.ServiceID{}, dst)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !got.NextHop.Equal(b.NextHop) {
		t.Fatalf("expected target B (longest match), got %v", got.NextHop)
	}

	missDst := sid(t, "02", 32)
	if _, err := tbl.Resolve(serval.ServiceID{}, missDst); err != serval.ErrNoEntry {
		t.Fatalf("expected ErrNoEntry for 0x02.., got %v", err)
	}

	fallbackDst := sid(t, "01ff", 32)
	got, err = tbl.Resolve(serval.ServiceID{}, fallbackDst)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !got.NextHop.Equal(a.NextHop) {
		t.Fatalf("expected fallback to A for 0x01ff.., got %v", got.NextHop)
	}
}

// Test_Resolve_Miss_FiresUpcall checks that a resolve failure invokes the
// configured upcall exactly once with the original src/dst pair.
func Test_Resolve_Miss_FiresUpcall(t *testing.T) {
	tbl := New()
	var gotSrc, gotDst serval.ServiceID
	calls := 0
	tbl.Upcall = func(src, dst serval.ServiceID) {
		calls++
		gotSrc, gotDst = src, dst
	}

	src := sid(t, "aa", 32)
	dst := sid(t, "bb", 32)
	if _, err := tbl.Resolve(src, dst); err != serval.ErrNoEntry {
		t.Fatalf("expected ErrNoEntry, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected 1 upcall, got %d", calls)
	}
	if gotSrc != src || gotDst != dst {
		t.Fatalf("upcall got wrong src/dst")
	}
}

// Test_SelectWeighted_SplitsProportionally is the statistical scenario from
// spec §8: two targets at the same prefix with weights 3 and 1 should be
// selected in roughly a 3:1 ratio over many trials.
func Test_SelectWeighted_SplitsProportionally(t *testing.T) {
	tbl := New()
	heavy := target("10.0.0.1", 0, 3)
	light := target("10.0.0.2", 0, 1)
	prefix := sid(t, "05", 32)
	tbl.Add(prefix, 8, heavy)
	tbl.Add(prefix, 8, light)

	const trials = 10000
	heavyCount := 0
	dst := sid(t, "05", 32)
	for i := 0; i < trials; i++ {
		got, err := tbl.Resolve(serval.ServiceID{}, dst)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if got.NextHop.Equal(heavy.NextHop) {
			heavyCount++
		}
	}

	// Expect ~7500/10000; allow +/- 300, about 7 sigma (binomial sigma ~= 43 at p=0.75).
	const want = trials * 3 / 4
	const tolerance = 300
	if heavyCount < want-tolerance || heavyCount > want+tolerance {
		t.Fatalf("expected heavy target selected ~%d/%d times, got %d", want, trials, heavyCount)
	}
}

// Test_SelectWeighted_TiesRoundRobin verifies that equal-weight entries
// (including the all-zero case) are split evenly via the rotation cursor
// rather than left to PRNG variance.
func Test_SelectWeighted_TiesRoundRobin(t *testing.T) {
	tbl := New()
	x := target("10.0.0.1", 0, 0)
	y := target("10.0.0.2", 0, 0)
	prefix := sid(t, "06", 32)
	tbl.Add(prefix, 8, x)
	tbl.Add(prefix, 8, y)

	dst := sid(t, "06", 32)
	counts := map[string]int{}
	for i := 0; i < 100; i++ {
		got, err := tbl.Resolve(serval.ServiceID{}, dst)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		counts[got.NextHop.String()]++
	}
	for ip, c := range counts {
		if c != 50 {
			t.Fatalf("expected perfectly even round-robin split, got %s=%d", ip, c)
		}
	}
}

// Test_Modify_UpdatesMatchingEntry checks that Modify finds the entry by
// selector and updates its fields, and returns ErrNoEntry for an unmatched
// selector.
func Test_Modify_UpdatesMatchingEntry(t *testing.T) {
	tbl := New()
	te := target("10.0.0.1", 5, 1)
	prefix := sid(t, "07", 32)
	tbl.Add(prefix, 8, te)

	sel := serval.Selector{NextHop: net.ParseIP("10.0.0.1")}
	if err := tbl.Modify(prefix, 8, sel, 1, 9, 30, 60); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if te.Priority != 1 || te.Weight != 9 {
		t.Fatalf("expected priority=1 weight=9, got priority=%d weight=%d", te.Priority, te.Weight)
	}
	if te.IdleTimeout != 30*time.Second || te.HardTimeout != 60*time.Second {
		t.Fatalf("expected idle=30s hard=60s, got idle=%v hard=%v", te.IdleTimeout, te.HardTimeout)
	}

	badSel := serval.Selector{NextHop: net.ParseIP("10.0.0.9")}
	if err := tbl.Modify(prefix, 8, badSel, 0, 0, 0, 0); err != serval.ErrNoEntry {
		t.Fatalf("expected ErrNoEntry for unmatched selector, got %v", err)
	}
}

// Test_Delete_RemovesEntryAndPrunesNode ensures a deleted sole entry leaves
// the prefix unresolvable (the trie node is pruned, not just emptied).
func Test_Delete_RemovesEntryAndPrunesNode(t *testing.T) {
	tbl := New()
	te := target("10.0.0.1", 0, 1)
	prefix := sid(t, "08", 32)
	tbl.Add(prefix, 8, te)

	sel := serval.Selector{NextHop: net.ParseIP("10.0.0.1")}
	tbl.Delete(prefix, 8, &sel)

	dst := sid(t, "08", 32)
	if _, err := tbl.Resolve(serval.ServiceID{}, dst); err != serval.ErrNoEntry {
		t.Fatalf("expected ErrNoEntry after delete, got %v", err)
	}
}

// Test_Sweeper_EvictsExpiredEntry verifies a target with a short idle
// timeout is gone after roughly one sweep period.
func Test_Sweeper_EvictsExpiredEntry(t *testing.T) {
	tbl := New()
	te := target("10.0.0.1", 0, 1)
	te.IdleTimeout = 10 * time.Millisecond
	prefix := sid(t, "09", 32)
	tbl.Add(prefix, 8, te)
	te.LastActive()

	sweeper := NewSweeper(tbl, 20*time.Millisecond)
	sweeper.Start()
	defer sweeper.Stop()

	time.Sleep(200 * time.Millisecond)

	dst := sid(t, "09", 32)
	if _, err := tbl.Resolve(serval.ServiceID{}, dst); err != serval.ErrNoEntry {
		t.Fatalf("expected target to be evicted, got err=%v", err)
	}
}
