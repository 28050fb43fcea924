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

package reliable

import (
	"context"
	"sync"
	"time"

	"github.com/arlojensen/serval/internal/metrics"
	"github.com/arlojensen/serval/internal/port"
	"github.com/arlojensen/serval/internal/sockettable"
	"github.com/arlojensen/serval/pkg/serval"
)

// wire is the subset of port.PacketPort the manager needs to emit data-plane
// segments; kept narrow so tests can substitute a fake (mirrors
// sal.PacketSender's shape).
type wire interface {
	WriteFrame(ctx context.Context, f port.Frame) error
}

// Conn pairs a socket with the two halves of its byte-stream engine (spec
// §4.6/§4.7): Recv processes inbound segments, Send owns the retransmit
// queue and congestion state for outbound ones.
type Conn struct {
	Socket *sockettable.Socket
	Send   *SendEngine
	Recv   *ReceiveEngine

	// Stats tracks this connection's own token consumption (service_info_stat's
	// tokens_consumed, spec §6): one token per MSS-worth of payload actually
	// written to the wire by flush. Unlike the resolved/dropped pair, token
	// accounting has no destination service-id to aggregate into, so it lives
	// on the connection rather than a servicetable.Table target entry.
	Stats serval.StatBundle
}

// Manager owns every live Conn, keyed by local flow-id, and implements
// sal.EstablishedHandler and port.DataHandler: spec §4.5's "the transport is
// told to move to its own established state" and §4.4 step 4's "hands the
// residue ... to the transport's receive entry point".
type Manager struct {
	mu    sync.Mutex
	conns map[uint32]*Conn

	wire           wire
	mss            uint32
	maxRetransmits int
	minRTO, maxRTO time.Duration
}

// NewManager constructs a connection manager writing outbound segments
// through w.
func NewManager(w wire, mss uint32, maxRetransmits int, minRTO, maxRTO time.Duration) *Manager {
	return &Manager{
		conns:          make(map[uint32]*Conn),
		wire:           w,
		mss:            mss,
		maxRetransmits: maxRetransmits,
		minRTO:         minRTO,
		maxRTO:         maxRTO,
	}
}

// OnEstablished implements sal.EstablishedHandler: it allocates the send and
// receive engines for a socket that just completed its handshake, in either
// role.
func (m *Manager) OnEstablished(sock *sockettable.Socket, iss, irs uint32) {
	send := NewSendEngine(iss, m.mss, m.maxRetransmits)
	if m.minRTO > 0 {
		send.rtt.RTOMin = m.minRTO
	}
	if m.maxRTO > 0 {
		send.rtt.RTOMax = m.maxRTO
	}
	recv := NewReceiveEngine(irs, 65535)

	m.mu.Lock()
	m.conns[uint32(sock.LocalFlow)] = &Conn{Socket: sock, Send: send, Recv: recv}
	m.mu.Unlock()
}

// Forget releases a connection's engine state. No caller in this module
// invokes it, so engine state stays registered after its socket closes.
func (m *Manager) Forget(localFlow uint32) {
	m.mu.Lock()
	delete(m.conns, localFlow)
	m.mu.Unlock()
}

func (m *Manager) lookup(localFlow uint32) *Conn {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.conns[localFlow]
}

// tokensFor converts a count of payload bytes actually written to the wire
// into the token count ChargeTokens debits (one token per MSS-worth of data,
// rounded up so a partial segment still costs a token).
func (m *Manager) tokensFor(bytes uint32) uint32 {
	if m.mss == 0 {
		return bytes
	}
	return (bytes + m.mss - 1) / m.mss
}

// ConnStats returns a snapshot of the connection's own statistics (currently
// just tokens_consumed), for the control surface to report alongside the
// service table's resolved/dropped pair.
func (m *Manager) ConnStats(localFlow uint32) (serval.Snapshot, bool) {
	conn := m.lookup(localFlow)
	if conn == nil {
		return serval.Snapshot{}, false
	}
	return conn.Stats.Snapshot(), true
}

// HandleData implements port.DataHandler: it decodes the reliable-engine
// segment carried in residue, feeds it to the receive engine, retires
// whatever the segment's ack covers from the send engine, and appends any
// newly in-order bytes to the socket's RecvQueue.
func (m *Manager) HandleData(sock *sockettable.Socket, residue []byte, h *port.Header) {
	conn := m.lookup(uint32(sock.LocalFlow))
	if conn == nil {
		return
	}
	seg, err := DecodeSegment(residue)
	if err != nil {
		metrics.ObserveMalformedDrop()
		return
	}

	if seg.Flags.Has(FlagACK) {
		conn.Send.HandleAck(seg.Ack, uint32(seg.Window), time.Now())
	}
	if !conn.Recv.Accept(seg) {
		return
	}
	if delivered := conn.Recv.Drain(); len(delivered) > 0 {
		sock.RecvQueue.PushBack(delivered)
	}
	if conn.Recv.AckScheduled() {
		m.sendAck(conn)
	}
}

// Write queues data for transmission on conn's socket and flushes whatever
// the send window currently allows, the same split the spec draws between
// the unbounded socket-side write and the window-bounded wire send (spec
// §4.6/§4.7).
func (m *Manager) Write(ctx context.Context, localFlow uint32, data []byte) (int, error) {
	conn := m.lookup(localFlow)
	if conn == nil {
		return 0, ErrNoConnection
	}
	conn.Socket.SendQueue.PushBack(data)
	return len(data), m.flush(ctx, conn)
}

func (m *Manager) flush(ctx context.Context, conn *Conn) error {
	for {
		front := conn.Socket.SendQueue.Front()
		if front == nil {
			return nil
		}
		pending := front.Value.([]byte)
		allowed := conn.Send.CanSend()
		if allowed == 0 {
			return nil
		}
		chunk := pending
		if uint32(len(chunk)) > allowed {
			chunk = chunk[:allowed]
		}
		seg := conn.Send.Send(FlagACK, chunk, time.Now())
		if err := m.writeSegment(ctx, conn, seg); err != nil {
			return err
		}
		if n := len(chunk); n > 0 {
			conn.Stats.ChargeTokens(m.tokensFor(uint32(n)))
		}
		if len(chunk) == len(pending) {
			conn.Socket.SendQueue.Remove(front)
		} else {
			front.Value = pending[len(chunk):]
		}
	}
}

func (m *Manager) sendAck(conn *Conn) {
	seg := &Segment{Seq: conn.Send.SndNxt, Ack: conn.Recv.RcvNxt, Flags: FlagACK, Window: uint16(conn.Recv.RcvWnd)}
	_ = m.writeSegment(context.Background(), conn, seg)
}

func (m *Manager) writeSegment(ctx context.Context, conn *Conn, seg *Segment) error {
	h := &port.Header{Version: 1, SrcFlow: conn.Socket.LocalFlow, DstFlow: conn.Socket.PeerFlow}
	wireHeader, err := port.Encode(h)
	if err != nil {
		return err
	}
	frame := port.Frame{Data: append(wireHeader, EncodeSegment(seg)...), Peer: conn.Socket.Peer}
	return m.wire.WriteFrame(ctx, frame)
}

// RunRetransmitSweep periodically checks every live connection's send
// engine for an expired RTO, retransmitting or declaring the connection
// dead (spec §4.7: "exponential backoff ... and max-attempts-exceeded
// signaling"). It blocks until ctx is done.
func (m *Manager) RunRetransmitSweep(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sweepOnce(ctx)
		}
	}
}

func (m *Manager) sweepOnce(ctx context.Context) {
	m.mu.Lock()
	conns := make([]*Conn, 0, len(m.conns))
	for _, c := range m.conns {
		conns = append(conns, c)
	}
	m.mu.Unlock()

	now := time.Now()
	for _, conn := range conns {
		seg, err := conn.Send.CheckTimeout(now)
		if err == nil && seg != nil {
			metrics.ObserveRetransmit()
			_ = m.writeSegment(ctx, conn, seg)
		} else if err == ErrMaxRetransmitsExceeded {
			metrics.ObserveHandshakeFailure()
			conn.Socket.SetState(sockettable.StateFailed)
		}
	}
}

var ErrNoConnection = sendError("reliable: no connection for flow")
