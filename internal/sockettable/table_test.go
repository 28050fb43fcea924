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

package sockettable

import (
	"sync"
	"testing"

	"github.com/arlojensen/serval/pkg/serval"
)

func mustSID(t *testing.T, hex string) serval.ServiceID {
	t.Helper()
	for len(hex) < 64 {
		hex += "00"
	}
	id, err := serval.ParseServiceID(hex)
	if err != nil {
		t.Fatalf("ParseServiceID: %v", err)
	}
	return id
}

func Test_Hash_AssignsUniqueFlowIDs(t *testing.T) {
	tbl := New()
	seen := map[serval.FlowID]bool{}
	for i := 0; i < 1000; i++ {
		s := NewSocket(0)
		id := tbl.Hash(s)
		if seen[id] {
			t.Fatalf("flow-id %s reused", id)
		}
		seen[id] = true
	}
}

func Test_HashWithFlow_RejectsCollision(t *testing.T) {
	tbl := New()
	a := NewSocket(0)
	if err := tbl.HashWithFlow(a, serval.FlowID(42)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	b := NewSocket(0)
	if err := tbl.HashWithFlow(b, serval.FlowID(42)); err != serval.ErrAddressNotAvailable {
		t.Fatalf("expected ErrAddressNotAvailable, got %v", err)
	}
}

func Test_LookupByFlow_RoundTrip(t *testing.T) {
	tbl := New()
	s := NewSocket(0)
	id := tbl.Hash(s)

	got := tbl.LookupByFlow(id)
	if got != s {
		t.Fatalf("expected lookup to return the hashed socket")
	}
	tbl.Release(got) // release the lookup's own ref

	if tbl.LookupByFlow(serval.FlowID(999999)) != nil {
		t.Fatalf("expected nil for unknown flow-id")
	}
}

func Test_BindService_ExclusiveNonListening(t *testing.T) {
	tbl := New()
	sid := mustSID(t, "aa")

	a := NewSocket(0)
	tbl.Hash(a)
	if err := tbl.BindService(sid, a, false); err != nil {
		t.Fatalf("unexpected error binding a: %v", err)
	}

	b := NewSocket(0)
	tbl.Hash(b)
	if err := tbl.BindService(sid, b, false); err != serval.ErrAddressNotAvailable {
		t.Fatalf("expected ErrAddressNotAvailable for second non-listening bind, got %v", err)
	}
}

func Test_BindService_MultipleListeners(t *testing.T) {
	tbl := New()
	sid := mustSID(t, "bb")

	a := NewSocket(0)
	tbl.Hash(a)
	if err := tbl.BindService(sid, a, true); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	b := NewSocket(0)
	tbl.Hash(b)
	if err := tbl.BindService(sid, b, true); err != nil {
		t.Fatalf("expected multiple listeners to be allowed, got %v", err)
	}

	got := tbl.LookupByService(sid)
	if got == nil {
		t.Fatalf("expected a listener to be found")
	}
	tbl.Release(got)
}

func Test_Release_RunsDestructorOnZero(t *testing.T) {
	tbl := New()
	sid := mustSID(t, "cc")
	s := NewSocket(0)
	id := tbl.Hash(s)
	if err := tbl.BindService(sid, s, false); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	tbl.Release(s) // drop the Hash ref; refcount reaches 0, destructor fires

	if tbl.LookupByFlow(id) != nil {
		t.Fatalf("expected socket to be unhashed after destructor ran")
	}
	if tbl.LookupByService(sid) != nil {
		t.Fatalf("expected socket to be unbound from its service-id after destructor ran")
	}
}

func Test_TryDeliver_BacklogsUnderContention(t *testing.T) {
	s := NewSocket(0)
	s.Lock()

	delivered := []int{}
	var mu sync.Mutex
	s.TryDeliver(1, func(pkt interface{}) {
		mu.Lock()
		delivered = append(delivered, pkt.(int))
		mu.Unlock()
	})
	s.TryDeliver(2, func(pkt interface{}) {
		mu.Lock()
		delivered = append(delivered, pkt.(int))
		mu.Unlock()
	})

	mu.Lock()
	if len(delivered) != 0 {
		t.Fatalf("expected no delivery while locked, got %v", delivered)
	}
	mu.Unlock()

	s.Unlock(func(pkt interface{}) {
		mu.Lock()
		delivered = append(delivered, pkt.(int))
		mu.Unlock()
	})

	mu.Lock()
	defer mu.Unlock()
	if len(delivered) != 2 || delivered[0] != 1 || delivered[1] != 2 {
		t.Fatalf("expected backlog drained in arrival order, got %v", delivered)
	}
}
