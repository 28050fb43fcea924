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

package port

import (
	"context"
	"net"
	"sync/atomic"

	"github.com/arlojensen/serval/internal/sockettable"
	"github.com/arlojensen/serval/pkg/serval"
)

// ControlHandler receives packets whose SAL header carries a connect or
// close flag, dispatched by local flow-id to the socket owning that flow
// (spec §4.4 step 3). internal/sal implements this; internal/port only
// depends on the interface to avoid importing the state machine package.
type ControlHandler interface {
	HandleControl(sock *sockettable.Socket, h *Header, payload []byte, peer net.Addr)
}

// ResolveHandler receives a pure resolution request (no connect/close flag),
// handed to the service-router surface instead of the state machine (spec
// §4.4 step 3: "resolution is otherwise handled inline on send, not on
// receive").
type ResolveHandler interface {
	HandleResolve(h *Header, payload []byte, peer net.Addr)
}

// DataHandler receives the SAL-stripped residue of a data packet bound for
// an established socket (spec §4.4 step 4: "hands the residue plus the
// bound socket to the transport's receive entry point").
type DataHandler interface {
	HandleData(sock *sockettable.Socket, residue []byte, h *Header)
}

// Demuxer implements the port/demux component (spec §4.4): it reads frames
// from a PacketPort, parses the SAL header, and dispatches by flag and
// flow-id.
type Demuxer struct {
	Port     PacketPort
	Sockets  *sockettable.Table
	Control  ControlHandler
	Resolve  ResolveHandler
	Data     DataHandler

	malformedDropped atomic.Uint64
	noSocketDropped  atomic.Uint64
}

// NewDemuxer constructs a demultiplexer reading from port and dispatching
// into sockets.
func NewDemuxer(p PacketPort, sockets *sockettable.Table) *Demuxer {
	return &Demuxer{Port: p, Sockets: sockets}
}

// MalformedDropped returns the count of frames dropped for failing SAL
// header validation (spec §4.4: "Malformed frames are counted and dropped;
// there is no retry on parse failure").
func (d *Demuxer) MalformedDropped() uint64 { return d.malformedDropped.Load() }

// NoSocketDropped returns the count of data/control frames whose local
// flow-id did not match a live socket.
func (d *Demuxer) NoSocketDropped() uint64 { return d.noSocketDropped.Load() }

// Run reads frames from the port until ctx is done or ReadFrame errors.
func (d *Demuxer) Run(ctx context.Context) error {
	for {
		frame, err := d.Port.ReadFrame(ctx)
		if err != nil {
			return err
		}
		d.dispatch(frame)
	}
}

// dispatch performs the four steps of spec §4.4 for one received frame. The
// outer network header's protocol check (step 1) is the caller's/port's
// responsibility on a real link; the scaffold UDP port only ever carries
// this stack's traffic on its dedicated socket.
func (d *Demuxer) dispatch(frame Frame) {
	h, consumed, err := ParseHeader(frame.Data)
	if err != nil {
		d.malformedDropped.Add(1)
		return
	}
	residue := frame.Data[consumed:]

	switch {
	case h.HasFlag(FlagConnect) || h.HasFlag(FlagConnectAck) || h.HasFlag(FlagClose) || h.HasFlag(FlagMigrate):
		d.dispatchControl(h, residue, frame.Peer)
	case h.HasFlag(FlagResolve):
		if d.Resolve != nil {
			d.Resolve.HandleResolve(h, residue, frame.Peer)
		}
	default:
		d.dispatchData(h, residue, frame.Peer)
	}
}

func (d *Demuxer) dispatchControl(h *Header, residue []byte, peer net.Addr) {
	sock := d.Sockets.LookupByFlow(h.DstFlow)
	if sock == nil {
		// connect/migrate to an unknown flow-id may still be a fresh
		// passive-open request; hand it through with a nil socket and let
		// the state machine decide (it consults bound service-ids instead).
		if d.Control != nil {
			d.Control.HandleControl(nil, h, residue, peer)
		}
		return
	}
	defer d.Sockets.Release(sock)
	if d.Control != nil {
		d.Control.HandleControl(sock, h, residue, peer)
	}
}

func (d *Demuxer) dispatchData(h *Header, residue []byte, peer net.Addr) {
	sock := d.Sockets.LookupByFlow(h.DstFlow)
	if sock == nil {
		d.noSocketDropped.Add(1)
		return
	}
	defer d.Sockets.Release(sock)
	if d.Data != nil {
		sock.TryDeliver(residue, func(pkt interface{}) {
			d.Data.HandleData(sock, pkt.([]byte), h)
		})
	}
}

// SendDatagram resolves dst via services and writes a datagramless-SAL
// frame directly to the packet port, bypassing the SAL handshake entirely
// (SPEC_FULL §C.4, grounded on the original's scaffold_udp.c). It is the
// unreliable-transport entry point named in spec.md §1's scope note.
func SendDatagram(ctx context.Context, p PacketPort, services ServiceResolver, src, dst serval.ServiceID, srcFlow serval.FlowID, payload []byte) error {
	if len(payload) > 65535 {
		return serval.ErrMessageTooLarge
	}
	target, err := services.Resolve(src, dst)
	if err != nil {
		return err
	}
	// Every resolve charges the selected target's resolved counters, whether
	// or not the send that follows actually succeeds (spec §4.2: "every
	// resolve increments packets_resolved/bytes_resolved").
	services.ChargeResolve(target, uint32(len(payload)))

	h := &Header{Version: 1, SrcFlow: srcFlow}
	wire, err := Encode(h)
	if err != nil {
		services.ChargeDrop(target, uint32(len(payload)))
		return err
	}
	frame := Frame{
		Data:    append(wire, payload...),
		Peer:    &net.UDPAddr{IP: target.NextHop},
		IfIndex: target.IfIndex,
	}
	if err := p.WriteFrame(ctx, frame); err != nil {
		services.ChargeDrop(target, uint32(len(payload)))
		return err
	}
	return nil
}

// ServiceResolver is the subset of servicetable.Table's surface SendDatagram
// needs; kept as an interface so internal/port does not import
// internal/servicetable (and vice versa) for the trivial datagram path.
type ServiceResolver interface {
	Resolve(src, dst serval.ServiceID) (*serval.TargetEntry, error)
	ChargeResolve(te *serval.TargetEntry, bytes uint32)
	ChargeDrop(te *serval.TargetEntry, bytes uint32)
}
