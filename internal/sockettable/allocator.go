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

	"github.com/arlojensen/serval/pkg/serval"
)

// flowAllocator hands out local flow-ids that are unique over the live set
// of sockets (spec §3: "drawn from an allocator that guarantees uniqueness
// over the live set of sockets"). It also accepts caller-supplied ids
// (inherited by a cloned accept-socket) and rejects duplicates.
type flowAllocator struct {
	mu   sync.Mutex
	next uint32
	live map[serval.FlowID]struct{}
}

func newFlowAllocator() *flowAllocator {
	return &flowAllocator{next: 1, live: make(map[serval.FlowID]struct{})}
}

// allocate returns the next unused flow-id, skipping zero (reserved to mean
// "no peer flow-id yet") and any id already live.
func (a *flowAllocator) allocate() serval.FlowID {
	a.mu.Lock()
	defer a.mu.Unlock()
	for {
		id := serval.FlowID(a.next)
		a.next++
		if a.next == 0 {
			a.next = 1
		}
		if id == 0 {
			continue
		}
		if _, taken := a.live[id]; taken {
			continue
		}
		a.live[id] = struct{}{}
		return id
	}
}

// reserve claims a caller-supplied flow-id, returning false if it is already
// live (spec §4.3: "a colliding request signals address-in-use").
func (a *flowAllocator) reserve(id serval.FlowID) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if id == 0 {
		return false
	}
	if _, taken := a.live[id]; taken {
		return false
	}
	a.live[id] = struct{}{}
	return true
}

func (a *flowAllocator) free(id serval.FlowID) {
	a.mu.Lock()
	delete(a.live, id)
	a.mu.Unlock()
}
