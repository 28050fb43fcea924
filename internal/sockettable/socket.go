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

// Package sockettable implements the connection socket table (spec §4.3,
// component C3): two concurrent maps over live sockets, keyed by local
// flow-id and by bound service-id, plus the per-socket lock/backlog
// discipline described in spec §5.
package sockettable

import (
	"container/list"
	"net"
	"sync"
	"sync/atomic"

	"github.com/arlojensen/serval/pkg/serval"
)

// SALState is one state of the per-socket SAL state machine (spec §4.5). The
// transition table itself lives in internal/sal; Socket only carries the
// current value so the socket table and the reliable engine can read it
// without importing the state machine package.
type SALState int32

const (
	StateClosed SALState = iota
	StateRequest
	StateRespond
	StateEstablished
	StateFinWait1
	StateFinWait2
	StateClosing
	StateTimeWait
	StateCloseWait
	StateLastAck
	StateFailed
)

func (s SALState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateRequest:
		return "request"
	case StateRespond:
		return "respond"
	case StateEstablished:
		return "established"
	case StateFinWait1:
		return "finwait1"
	case StateFinWait2:
		return "finwait2"
	case StateClosing:
		return "closing"
	case StateTimeWait:
		return "timewait"
	case StateCloseWait:
		return "closewait"
	case StateLastAck:
		return "lastack"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Role distinguishes a listening socket (accepts new connections for its
// bound service-id) from a normal connecting/connected one (spec §3: "A
// bound service-id may have multiple sockets only if the listen role is set
// ... a non-listening bound socket is unique per service-id").
type Role int32

const (
	RoleNormal Role = iota
	RoleListen
)

// backlogQueue holds packets that arrived while the socket lock was held by
// another thread (spec §5). It is an ordered queue drained under the lock,
// the same container/list-backed shape the teacher uses for its per-key
// ordered actor queues.
type backlogQueue struct {
	mu    sync.Mutex
	items *list.List
}

func newBacklogQueue() *backlogQueue {
	return &backlogQueue{items: list.New()}
}

func (b *backlogQueue) push(pkt interface{}) {
	b.mu.Lock()
	b.items.PushBack(pkt)
	b.mu.Unlock()
}

// drain removes and returns every queued packet in arrival order.
func (b *backlogQueue) drain() []interface{} {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.items.Len() == 0 {
		return nil
	}
	out := make([]interface{}, 0, b.items.Len())
	for e := b.items.Front(); e != nil; e = e.Next() {
		out = append(out, e.Value)
	}
	b.items.Init()
	return out
}

// Socket owns the state described in spec §3: bound/peer service-ids, local
// and peer flow-ids, the four per-socket queues, and the current SAL state.
// The reliable engine (internal/reliable) and the state machine
// (internal/sal) both operate on this shared type; sockettable owns its
// lifecycle and indexing.
type Socket struct {
	LocalFlow serval.FlowID
	PeerFlow  serval.FlowID // zero until handshake completes

	LocalService *serval.ServiceID // nil if unbound
	PeerService  *serval.ServiceID // nil until connected

	Role Role

	// Peer is the transport-level address control/data frames for this
	// socket are written to, learned from the first frame that names this
	// socket's flow-id (spec §4.4's per-packet peer address) and reused by
	// the reliable engine for every segment it emits thereafter.
	Peer net.Addr

	// ISN is this socket's own initial sequence number, generated once at
	// connect (active open) or at passive-accept time and carried on the
	// handshake's SAL header option so the peer can seed its receive
	// sequence space from it. Held here so a retransmitted connect/accept
	// and the eventual OnEstablished call all agree on the same value.
	ISN uint32

	mu      sync.Mutex // the socket lock (spec §5): excludes app threads, timer worker, and I/O workers
	locked  bool
	backlog *backlogQueue

	state atomic.Int32 // SALState, read lock-free by the dump/debug surface

	refcount atomic.Int32

	// SendQueue, RecvQueue, OOOQueue and SALQueue are opaque to the socket
	// table; the reliable engine and SAL state machine define their actual
	// element types and push/pop onto these generically-typed lists.
	SendQueue *list.List
	RecvQueue *list.List
	OOOQueue  *list.List
	SALQueue  *list.List

	destroyed atomic.Bool
	onDestroy func(*Socket)
}

// NewSocket allocates an unbound, closed socket for localFlow. Callers get
// it back already ref-counted at 1 from Table.Hash; NewSocket itself does
// not touch the refcount.
func NewSocket(localFlow serval.FlowID) *Socket {
	return &Socket{
		LocalFlow: localFlow,
		backlog:   newBacklogQueue(),
		SendQueue: list.New(),
		RecvQueue: list.New(),
		OOOQueue:  list.New(),
		SALQueue:  list.New(),
	}
}

// State returns the socket's current SAL state.
func (s *Socket) State() SALState { return SALState(s.state.Load()) }

// SetState installs a new SAL state. Transition validity is the state
// machine's responsibility, not the socket's.
func (s *Socket) SetState(next SALState) { s.state.Store(int32(next)) }

// Lock acquires the socket lock. I/O workers that cannot acquire it
// immediately should push to the backlog instead of blocking (spec §5); Lock
// itself blocks, for application threads and the timer worker which must
// wait their turn.
func (s *Socket) Lock() {
	s.mu.Lock()
	s.locked = true
}

// Unlock releases the socket lock after draining the backlog, so that a
// waiting application thread observes every arrival that landed before this
// release point (spec §5).
func (s *Socket) Unlock(drain func(pkt interface{})) {
	if drain != nil {
		for _, pkt := range s.backlog.drain() {
			drain(pkt)
		}
	}
	s.locked = false
	s.mu.Unlock()
}

// TryDeliver attempts to hand pkt to deliver immediately by acquiring the
// lock; if the lock is already held it enqueues pkt on the backlog instead
// (spec §5: "it enqueues the packet on the socket's backlog queue instead of
// processing it directly").
func (s *Socket) TryDeliver(pkt interface{}, deliver func(pkt interface{})) {
	if !s.mu.TryLock() {
		s.backlog.push(pkt)
		return
	}
	s.locked = true
	deliver(pkt)
	for _, queued := range s.backlog.drain() {
		deliver(queued)
	}
	s.locked = false
	s.mu.Unlock()
}

// addRef increments the reference count. Called by Table on every lookup
// hit and on Hash.
func (s *Socket) addRef() { s.refcount.Add(1) }

// release decrements the reference count and runs the destructor once it
// reaches zero (spec §4.3: "releasing decrements and, on zero, runs the
// socket destructor").
func (s *Socket) release() {
	if s.refcount.Add(-1) == 0 {
		if s.destroyed.CompareAndSwap(false, true) {
			if s.onDestroy != nil {
				s.onDestroy(s)
			}
		}
	}
}
