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

package trie

import "testing"

func key(b byte, bits int) Key {
	return Key{Bytes: []byte{b, 0, 0, 0}, Bits: bits}
}

// Test_LPM_LongerNonEmptyWins mirrors the scenario in spec §8.1: a shorter
// non-empty match must never win over a longer non-empty match.
func Test_LPM_LongerNonEmptyWins(t *testing.T) {
	var tr Trie
	a := tr.Insert(key(0x01, 8))
	a.Payload = "A"
	b := tr.Insert(key(0x01, 16)) // 0x0100/16
	b.Payload = "B"

	got := tr.Find(Key{Bytes: []byte{0x01, 0x00, 0, 0}, Bits: 24}) // query 0x010000.. matches B's 16-bit prefix exactly
	if got == nil || got.Payload != "B" {
		t.Fatalf("expected match B, got %#v", got)
	}

	got = tr.Find(Key{Bytes: []byte{0x01, 0x0F, 0x00, 0}, Bits: 24}) // query 0x010F00.. diverges from B after 12 bits, falls back to A
	if got == nil || got.Payload != "A" {
		t.Fatalf("expected fallback match A for 0x010F00.., got %#v", got)
	}

	got = tr.Find(Key{Bytes: []byte{0x02, 0, 0, 0}, Bits: 24})
	if got != nil {
		t.Fatalf("expected no match, got %#v", got)
	}

	got = tr.Find(Key{Bytes: []byte{0x01, 0xFF, 0, 0}, Bits: 24})
	if got == nil || got.Payload != "A" {
		t.Fatalf("expected match A, got %#v", got)
	}
}

// Test_Insert_SplitsOnDivergence checks that inserting a key which diverges
// inside an existing prefix creates a structural branch node, not an
// overwrite.
func Test_Insert_SplitsOnDivergence(t *testing.T) {
	var tr Trie
	n1 := tr.Insert(Key{Bytes: []byte{0b1010_0000}, Bits: 4}) // 1010
	n1.Payload = "n1"
	n2 := tr.Insert(Key{Bytes: []byte{0b1011_0000}, Bits: 4}) // 1011
	n2.Payload = "n2"

	if n1 == n2 {
		t.Fatalf("expected distinct nodes for diverging keys")
	}
	got := tr.Find(Key{Bytes: []byte{0b1010_0000}, Bits: 4})
	if got == nil || got.Payload != "n1" {
		t.Fatalf("expected n1, got %#v", got)
	}
	got = tr.Find(Key{Bytes: []byte{0b1011_0000}, Bits: 4})
	if got == nil || got.Payload != "n2" {
		t.Fatalf("expected n2, got %#v", got)
	}
}

// Test_InsertThenRemove_IsStructurallyIdentical exercises the round-trip law
// from spec §8: add-then-delete should leave no dangling structural nodes.
func Test_InsertThenRemove_IsStructurallyIdentical(t *testing.T) {
	var tr Trie
	base := tr.Insert(key(0x01, 8))
	base.Payload = "base"

	leaf := tr.Insert(key(0x01, 16)) // 0x0100/16
	leaf.Payload = "leaf"
	tr.Remove(key(0x01, 16))

	count := 0
	tr.Walk(nil, func(n *Node) { count++ })
	if count != 1 {
		t.Fatalf("expected trie to collapse back to 1 node after remove, got %d", count)
	}
	got := tr.Find(key(0x01, 24))
	if got == nil || got.Payload != "base" {
		t.Fatalf("expected base to survive remove, got %#v", got)
	}
}

// Test_FindFunc_SkipsStructuralNodes verifies that a predicate-based find
// does not stop at a purely structural (payload-less) ancestor.
func Test_FindFunc_SkipsStructuralNodes(t *testing.T) {
	var tr Trie
	// Force a structural split between two far-apart leaves.
	l1 := tr.Insert(Key{Bytes: []byte{0x00}, Bits: 8})
	l1.Payload = 1
	l2 := tr.Insert(Key{Bytes: []byte{0xFF}, Bits: 8})
	l2.Payload = 2

	got := tr.FindFunc(Key{Bytes: []byte{0x00}, Bits: 8}, func(n *Node) bool { return n.Payload != nil })
	if got == nil || got.Payload != 1 {
		t.Fatalf("expected payload 1, got %#v", got)
	}
}

func Test_Walk_VisitsAllNodes(t *testing.T) {
	var tr Trie
	for _, b := range []byte{0x00, 0x40, 0x80, 0xC0} {
		n := tr.Insert(Key{Bytes: []byte{b}, Bits: 8})
		n.Payload = b
	}
	seen := map[byte]bool{}
	tr.Walk(nil, func(n *Node) {
		if n.Payload != nil {
			seen[n.Payload.(byte)] = true
		}
	})
	for _, b := range []byte{0x00, 0x40, 0x80, 0xC0} {
		if !seen[b] {
			t.Fatalf("walk missed payload %#x", b)
		}
	}
}
