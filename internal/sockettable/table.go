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

// serviceBucket is the by-service map's value: the sockets currently bound
// to one service-id. A non-listening bind is exclusive; a listening bind may
// share the bucket with other listeners (spec §3).
type serviceBucket struct {
	mu        sync.Mutex
	normal    *Socket
	listeners []*Socket
}

// Table is the connection socket table (spec §4.3): by-flow and by-service
// concurrent maps plus the flow-id allocator. The zero value is not usable;
// use New.
type Table struct {
	byFlow    sync.Map // serval.FlowID -> *Socket
	byService sync.Map // serval.ServiceID -> *serviceBucket
	flows     *flowAllocator
}

// New constructs an empty socket table.
func New() *Table {
	return &Table{flows: newFlowAllocator()}
}

// Hash allocates a fresh local flow-id for sock, indexes it under by-flow,
// and returns the assigned id. The returned socket starts with refcount 1,
// owned by the caller (spec §4.3: "hash(socket)").
func (t *Table) Hash(sock *Socket) serval.FlowID {
	id := t.flows.allocate()
	sock.LocalFlow = id
	sock.addRef()
	sock.onDestroy = t.destroy
	t.byFlow.Store(id, sock)
	return id
}

// HashWithFlow indexes sock under a caller-chosen flow-id (used when a
// cloned accept-socket inherits an id negotiated during the handshake). It
// returns serval.ErrAddressNotAvailable if the id is already live.
func (t *Table) HashWithFlow(sock *Socket, id serval.FlowID) error {
	if !t.flows.reserve(id) {
		return serval.ErrAddressNotAvailable
	}
	sock.LocalFlow = id
	sock.addRef()
	sock.onDestroy = t.destroy
	t.byFlow.Store(id, sock)
	return nil
}

// BindService associates sock with a service-id. listen selects whether
// sock joins the shared listener set or claims the exclusive non-listening
// slot (spec §3: "A bound service-id may have multiple sockets only if the
// listen role is set ... a non-listening bound socket is unique per
// service-id"). Returns serval.ErrAddressNotAvailable on conflict.
func (t *Table) BindService(sid serval.ServiceID, sock *Socket, listen bool) error {
	actual, _ := t.byService.LoadOrStore(sid, &serviceBucket{})
	bucket := actual.(*serviceBucket)

	bucket.mu.Lock()
	defer bucket.mu.Unlock()

	if listen {
		if bucket.normal != nil {
			return serval.ErrAddressNotAvailable
		}
		sock.Role = RoleListen
		bucket.listeners = append(bucket.listeners, sock)
	} else {
		if bucket.normal != nil || len(bucket.listeners) > 0 {
			return serval.ErrAddressNotAvailable
		}
		sock.Role = RoleNormal
		bucket.normal = sock
	}
	sock.LocalService = &sid
	return nil
}

// Unhash removes sock from by-flow, freeing its flow-id for reuse (spec
// §4.3: "unhash(socket)"). It does not release the caller's reference; call
// Release separately (or rely on the destructor, which calls Unhash itself).
func (t *Table) Unhash(sock *Socket) {
	t.byFlow.Delete(sock.LocalFlow)
	t.flows.free(sock.LocalFlow)
}

// unbindService removes sock from its service-id bucket, pruning an empty
// bucket entirely.
func (t *Table) unbindService(sock *Socket) {
	if sock.LocalService == nil {
		return
	}
	sid := *sock.LocalService
	actual, ok := t.byService.Load(sid)
	if !ok {
		return
	}
	bucket := actual.(*serviceBucket)
	bucket.mu.Lock()
	if bucket.normal == sock {
		bucket.normal = nil
	}
	for i, l := range bucket.listeners {
		if l == sock {
			bucket.listeners = append(bucket.listeners[:i], bucket.listeners[i+1:]...)
			break
		}
	}
	empty := bucket.normal == nil && len(bucket.listeners) == 0
	bucket.mu.Unlock()
	if empty {
		t.byService.CompareAndDelete(sid, actual)
	}
}

// LookupByFlow returns the socket owning id with its reference count
// incremented, or nil if none is indexed (spec §4.3: "lookup_by_flow(id)").
// Callers must call Release when done.
func (t *Table) LookupByFlow(id serval.FlowID) *Socket {
	v, ok := t.byFlow.Load(id)
	if !ok {
		return nil
	}
	sock := v.(*Socket)
	sock.addRef()
	return sock
}

// LookupByService returns the non-listening socket bound to sid if present,
// otherwise the first listener, with the reference count incremented (spec
// §4.3: "lookup_by_service(sid)"). Callers must call Release when done.
func (t *Table) LookupByService(sid serval.ServiceID) *Socket {
	actual, ok := t.byService.Load(sid)
	if !ok {
		return nil
	}
	bucket := actual.(*serviceBucket)
	bucket.mu.Lock()
	defer bucket.mu.Unlock()
	if bucket.normal != nil {
		bucket.normal.addRef()
		return bucket.normal
	}
	if len(bucket.listeners) > 0 {
		l := bucket.listeners[0]
		l.addRef()
		return l
	}
	return nil
}

// Release drops one reference to sock, destroying it once the count reaches
// zero (spec §4.3: "releasing decrements and, on zero, runs the socket
// destructor").
func (t *Table) Release(sock *Socket) { sock.release() }

// destroy is the socket destructor wired via Socket.onDestroy: it removes
// every trace of sock from both maps. It must leave no other references to
// the socket's queues (spec §4.3), which holds here because both maps are
// unindexed before this func returns.
func (t *Table) destroy(sock *Socket) {
	t.Unhash(sock)
	t.unbindService(sock)
}

// Len reports how many sockets are currently hashed by flow-id.
func (t *Table) Len() int {
	n := 0
	t.byFlow.Range(func(_, _ interface{}) bool { n++; return true })
	return n
}

// Range iterates every hashed socket. The callback must not call Hash or
// Unhash on t.
func (t *Table) Range(fn func(*Socket) bool) {
	t.byFlow.Range(func(_, v interface{}) bool {
		return fn(v.(*Socket))
	})
}
