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
	"time"

	"github.com/arlojensen/serval/pkg/serval"
)

// UDPPort is the scaffold datagram transport (SPEC_FULL §C.4, grounded on
// the original's scaffold_udp.c): a PacketPort implemented directly on top
// of a UDP socket, for development and for cmd/servald's default
// configuration when no raw-link port is available.
type UDPPort struct {
	conn    *net.UDPConn
	ifIndex uint32
}

// ListenUDPPort opens a UDP socket at addr and wraps it as a PacketPort
// bound to ifIndex.
func ListenUDPPort(addr string, ifIndex uint32) (*UDPPort, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, err
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, err
	}
	return &UDPPort{conn: conn, ifIndex: ifIndex}, nil
}

// ReadFrame blocks until a datagram arrives or ctx is done. Cancellation is
// implemented with a read deadline, since net.UDPConn has no native context
// support.
func (u *UDPPort) ReadFrame(ctx context.Context) (Frame, error) {
	if dl, ok := ctx.Deadline(); ok {
		u.conn.SetReadDeadline(dl)
	} else {
		u.conn.SetReadDeadline(time.Time{})
	}

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			u.conn.SetReadDeadline(time.Now())
		case <-done:
		}
	}()

	buf := make([]byte, 65535)
	n, peer, err := u.conn.ReadFromUDP(buf)
	if err != nil {
		if ctx.Err() != nil {
			return Frame{}, ctx.Err()
		}
		return Frame{}, err
	}
	return Frame{Data: buf[:n], Peer: peer, IfIndex: u.ifIndex}, nil
}

// WriteFrame writes f.Data to f.Peer. The write side is unbounded (spec
// §4.4); there is no flow control at this layer.
func (u *UDPPort) WriteFrame(ctx context.Context, f Frame) error {
	udpAddr, ok := f.Peer.(*net.UDPAddr)
	if !ok {
		return &net.OpError{Op: "write", Net: "udp", Err: errNotUDPAddr}
	}
	_, err := u.conn.WriteToUDP(f.Data, udpAddr)
	return err
}

// IfIndex returns the configured interface index for this port.
func (u *UDPPort) IfIndex() uint32 { return u.ifIndex }

// Close releases the underlying UDP socket.
func (u *UDPPort) Close() error { return u.conn.Close() }

var errNotUDPAddr = portError("port: frame peer is not a *net.UDPAddr")

type portError string

func (e portError) Error() string { return string(e) }

// RecvDatagram reads one unreliable datagram frame and returns its source
// flow-id and payload, with no SAL handshake involved (SPEC_FULL §C.4).
func RecvDatagram(ctx context.Context, p PacketPort) (serval.FlowID, []byte, net.Addr, error) {
	frame, err := p.ReadFrame(ctx)
	if err != nil {
		return 0, nil, nil, err
	}
	h, consumed, err := ParseHeader(frame.Data)
	if err != nil {
		return 0, nil, nil, err
	}
	return h.SrcFlow, frame.Data[consumed:], frame.Peer, nil
}
