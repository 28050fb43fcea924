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

package sal

import (
	"net"
	"time"

	"github.com/arlojensen/serval/internal/port"
	"github.com/arlojensen/serval/internal/sockettable"
	"github.com/arlojensen/serval/pkg/serval"
)

// controlPacket is one entry on a socket's SAL control queue (spec §4.5:
// "SAL maintains its own retransmit queue separate from the transport's").
type controlPacket struct {
	header   *port.Header
	payload  []byte
	peer     net.Addr
	attempts int
	dueAt    time.Time
}

// enqueueControl pushes pkt onto sock's SAL queue, respecting the configured
// bound (spec §4.5: "Queue length is bounded ... exceeding it returns
// no-buffer-space to the caller"). The socket lock doubles as the control
// queue's lock (spec §5: the socket lock "excludes the timer worker from
// mutating state", which is exactly the retransmit sweep below).
func (m *Machine) enqueueControl(sock *Socket, pkt *controlPacket) error {
	sock.Lock()
	defer sock.Unlock(nil)

	if sock.SALQueue.Len() >= m.cfg.QueueBound {
		return serval.ErrNoBufferSpace
	}
	sock.SALQueue.PushBack(pkt)
	return nil
}

// drainControlHead removes and returns the head control packet if it
// matches flag (spec §4.5: "the control queue is drained of the connect").
// It is a no-op returning nil if the head doesn't match.
func (m *Machine) drainControlHead(sock *Socket, flag uint8) *controlPacket {
	sock.Lock()
	defer sock.Unlock(nil)

	front := sock.SALQueue.Front()
	if front == nil {
		return nil
	}
	pkt := front.Value.(*controlPacket)
	if !pkt.header.HasFlag(flag) {
		return nil
	}
	sock.SALQueue.Remove(front)
	return pkt
}

// sweepOne retransmits sock's control-queue head if its backoff deadline has
// passed, doubling the deadline and failing the socket after cfg.MaxAttempts
// (spec §4.5: "doubling per attempt, capped at 60s, with a maximum of 7
// attempts before the socket is marked failed").
func (m *Machine) sweepOne(sock *Socket, now time.Time) {
	sock.Lock()
	front := sock.SALQueue.Front()
	if front == nil {
		sock.Unlock(nil)
		return
	}
	pkt := front.Value.(*controlPacket)
	if now.Before(pkt.dueAt) {
		sock.Unlock(nil)
		return
	}
	if pkt.attempts >= m.cfg.MaxAttempts {
		sock.SALQueue.Remove(front)
		sock.SetState(sockettable.StateFailed)
		sock.Unlock(nil)
		return
	}
	pkt.dueAt = now.Add(m.cfg.backoff(pkt.attempts))
	pkt.attempts++
	peer := pkt.peer
	header := pkt.header
	payload := pkt.payload
	sock.Unlock(nil)

	m.send(header, payload, peer)
}
