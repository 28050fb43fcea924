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
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/arlojensen/serval/internal/port"
	"github.com/arlojensen/serval/internal/sockettable"
	"github.com/arlojensen/serval/pkg/serval"
)

// Socket is an alias for the shared connection-state type sockettable owns;
// sal only ever interprets its State/SALQueue/PeerFlow fields.
type Socket = sockettable.Socket

// EstablishedHandler is notified when a socket completes its handshake in
// either role, so the reliable engine can initialize its sequence-space
// state (spec §4.5: "the transport is told to move to its own established
// state").
type EstablishedHandler interface {
	OnEstablished(sock *Socket, iss, irs uint32)
}

// Machine is the SAL state machine (spec §4.5): it owns transitions,
// control-queue retransmission, and passive-open socket cloning. It
// implements port.ControlHandler.
type Machine struct {
	sockets *sockettable.Table
	wire    PacketSender
	cfg     Config

	OnEstablished EstablishedHandler

	stopChan chan struct{}
	wg       sync.WaitGroup
	stopped  uint32

	isnCounter atomic.Uint32
}

// PacketSender is the subset of port.PacketPort the state machine needs to
// emit control packets; kept as an interface so tests can substitute a fake.
type PacketSender interface {
	WriteFrame(ctx context.Context, f port.Frame) error
}

// NewMachine constructs a state machine writing control packets through
// wire and indexing sockets in the given table.
func NewMachine(sockets *sockettable.Table, wire PacketSender, cfg Config) *Machine {
	return &Machine{sockets: sockets, wire: wire, cfg: cfg, stopChan: make(chan struct{})}
}

// Start launches the retransmit sweep worker (spec §4.5's control-queue
// retransmission timer), grounded on the teacher's ticker-based background
// worker shape.
func (m *Machine) Start() {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.retransmitLoop()
	}()
}

// Stop gracefully stops the retransmit sweep worker.
func (m *Machine) Stop() {
	if !atomic.CompareAndSwapUint32(&m.stopped, 0, 1) {
		return
	}
	close(m.stopChan)
	m.wg.Wait()
}

func (m *Machine) retransmitLoop() {
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			now := time.Now()
			m.sockets.Range(func(sock *Socket) bool {
				m.sweepOne(sock, now)
				return true
			})
		case <-m.stopChan:
			return
		}
	}
}

func (m *Machine) send(h *port.Header, payload []byte, peer net.Addr) {
	wire, err := port.Encode(h)
	if err != nil {
		fmt.Printf("sal: failed to encode control packet: %v\n", err)
		return
	}
	frame := port.Frame{Data: append(wire, payload...), Peer: peer}
	if err := m.wire.WriteFrame(context.Background(), frame); err != nil {
		fmt.Printf("sal: failed to send control packet: %v\n", err)
	}
}

func (m *Machine) nextISN() uint32 { return m.isnCounter.Add(1) }

// Connect performs the active-open side of the handshake (spec §4.5:
// "closed -> request on application connect"): it allocates a socket and
// flow-id, emits the connect packet, and arms the retransmit timer. The
// returned socket is in StateRequest; the caller observes completion via
// OnEstablished.
func (m *Machine) Connect(peerService serval.ServiceID, peer net.Addr) (*Socket, error) {
	sock := sockettable.NewSocket(0)
	flow := m.sockets.Hash(sock)
	sock.PeerService = &peerService
	sock.SetState(sockettable.StateRequest)
	sock.ISN = m.nextISN()

	h := &port.Header{
		Version: 1,
		Flags:   port.FlagConnect,
		SrcFlow: flow,
		Options: []port.Option{
			{Type: port.OptServiceID, Value: peerService[:]},
			{Type: port.OptConnect, Value: port.ISNOptionValue(sock.ISN)},
		},
	}
	pkt := &controlPacket{header: h, peer: peer, dueAt: time.Now()}
	if err := m.enqueueControl(sock, pkt); err != nil {
		m.sockets.Release(sock)
		return nil, err
	}
	m.sweepOne(sock, time.Now())
	return sock, nil
}

// Listen binds sock as a listener for sid (spec §4.3 listen role; spec §4.5
// "closed -> respond on receipt of a connect whose destination service-id
// matches a listening socket").
func (m *Machine) Listen(sock *Socket, sid serval.ServiceID) error {
	m.sockets.Hash(sock)
	return m.sockets.BindService(sid, sock, true)
}

// Close performs the local active-close side of the teardown (spec §4.5:
// "established -> finwait1 on local close").
func (m *Machine) Close(sock *Socket) error {
	switch sock.State() {
	case sockettable.StateEstablished:
		sock.SetState(sockettable.StateFinWait1)
	case sockettable.StateCloseWait:
		sock.SetState(sockettable.StateLastAck)
	default:
		return serval.ErrNotConnected
	}
	h := &port.Header{Version: 1, Flags: port.FlagClose, SrcFlow: sock.LocalFlow, DstFlow: sock.PeerFlow}
	pkt := &controlPacket{header: h, dueAt: time.Now()}
	if err := m.enqueueControl(sock, pkt); err != nil {
		return err
	}
	m.sweepOne(sock, time.Now())
	return nil
}

// HandleControl implements port.ControlHandler. sock is nil for a
// connect/migrate addressed to an unknown local flow-id, which is the
// passive-open case (spec §4.5: "closed -> respond").
func (m *Machine) HandleControl(sock *Socket, h *port.Header, payload []byte, peer net.Addr) {
	if sock == nil {
		if h.HasFlag(port.FlagConnect) {
			m.handlePassiveOpen(h, payload, peer)
		}
		return
	}

	switch {
	case h.HasFlag(port.FlagConnectAck):
		m.handleConnectAck(sock, h, peer)
	case h.HasFlag(port.FlagClose):
		m.handleClose(sock, h, peer)
	case h.HasFlag(port.FlagMigrate):
		m.handleMigrate(sock, h, peer)
	}
}

func (m *Machine) handlePassiveOpen(h *port.Header, payload []byte, peer net.Addr) {
	sid, ok := h.ServiceIDOption()
	if !ok {
		return
	}
	peerISN, ok := h.ISNOption(port.OptConnect)
	if !ok {
		return
	}
	listener := m.sockets.LookupByService(sid)
	if listener == nil {
		return
	}
	defer m.sockets.Release(listener)
	if listener.Role != sockettable.RoleListen {
		return
	}

	child := sockettable.NewSocket(0)
	child.LocalService = listener.LocalService
	child.PeerFlow = h.SrcFlow
	child.Peer = peer
	flow := m.sockets.Hash(child)
	child.SetState(sockettable.StateRespond)
	child.ISN = m.nextISN()

	ack := &port.Header{
		Version: 1,
		Flags:   port.FlagConnectAck,
		SrcFlow: flow,
		DstFlow: h.SrcFlow,
		Options: []port.Option{{Type: port.OptConnectAck, Value: port.ISNOptionValue(child.ISN)}},
	}
	m.send(ack, nil, peer)

	if m.OnEstablished != nil {
		m.OnEstablished.OnEstablished(child, child.ISN, peerISN)
	}
}

func (m *Machine) handleConnectAck(sock *Socket, h *port.Header, peer net.Addr) {
	switch sock.State() {
	case sockettable.StateRequest:
		peerISN, ok := h.ISNOption(port.OptConnectAck)
		if !ok {
			return
		}
		sock.PeerFlow = h.SrcFlow
		sock.Peer = peer
		sock.SetState(sockettable.StateEstablished)
		m.drainControlHead(sock, port.FlagConnect)
		if m.OnEstablished != nil {
			m.OnEstablished.OnEstablished(sock, sock.ISN, peerISN)
		}
		ack := &port.Header{Version: 1, Flags: port.FlagConnectAck, SrcFlow: sock.LocalFlow, DstFlow: sock.PeerFlow}
		m.send(ack, nil, peer)
	case sockettable.StateRespond:
		sock.SetState(sockettable.StateEstablished)
	}
}

func (m *Machine) handleClose(sock *Socket, h *port.Header, peer net.Addr) {
	switch sock.State() {
	case sockettable.StateEstablished:
		sock.SetState(sockettable.StateCloseWait)
	case sockettable.StateFinWait1:
		sock.SetState(sockettable.StateClosing)
	case sockettable.StateFinWait2:
		sock.SetState(sockettable.StateTimeWait)
		m.armTimeWait(sock)
	case sockettable.StateLastAck:
		sock.SetState(sockettable.StateClosed)
		m.sockets.Release(sock)
	}
	ack := &port.Header{Version: 1, Flags: port.FlagClose | port.FlagConnectAck, SrcFlow: sock.LocalFlow, DstFlow: sock.PeerFlow}
	m.send(ack, nil, peer)
}

func (m *Machine) armTimeWait(sock *Socket) {
	go func() {
		time.Sleep(2 * m.cfg.MSL)
		if sock.State() == sockettable.StateTimeWait {
			sock.SetState(sockettable.StateClosed)
			m.sockets.Release(sock)
		}
	}()
}

// handleMigrate implements the orthogonal any-state -> migrate transition
// (spec §4.5): the peer's new source address replaces the one this socket
// sends to, and the old address is deprecated once the ack round-trips.
func (m *Machine) handleMigrate(sock *Socket, h *port.Header, peer net.Addr) {
	sock.Peer = peer
	ack := &port.Header{Version: 1, Flags: port.FlagMigrate | port.FlagConnectAck, SrcFlow: sock.LocalFlow, DstFlow: sock.PeerFlow}
	m.send(ack, nil, peer)
}
