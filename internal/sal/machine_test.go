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
	"net"
	"sync"
	"testing"
	"time"

	"github.com/arlojensen/serval/internal/port"
	"github.com/arlojensen/serval/internal/sockettable"
	"github.com/arlojensen/serval/pkg/serval"
)

// fakeWire captures every frame written, standing in for a PacketPort.
type fakeWire struct {
	mu     sync.Mutex
	frames []port.Frame
}

func (w *fakeWire) WriteFrame(ctx context.Context, f port.Frame) error {
	w.mu.Lock()
	w.frames = append(w.frames, f)
	w.mu.Unlock()
	return nil
}

func (w *fakeWire) last() (port.Frame, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.frames) == 0 {
		return port.Frame{}, false
	}
	return w.frames[len(w.frames)-1], true
}

func testAddr() net.Addr { return &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 9999} }

func Test_Connect_EmitsConnectPacket(t *testing.T) {
	sockets := sockettable.New()
	wire := &fakeWire{}
	m := NewMachine(sockets, wire, DefaultConfig())

	var sid serval.ServiceID
	sid[0] = 0xAB
	sock, err := m.Connect(sid, testAddr())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sock.State() != sockettable.StateRequest {
		t.Fatalf("expected StateRequest, got %s", sock.State())
	}

	frame, ok := wire.last()
	if !ok {
		t.Fatalf("expected a connect frame to be written")
	}
	h, _, err := port.ParseHeader(frame.Data)
	if err != nil {
		t.Fatalf("ParseHeader: %v", err)
	}
	if !h.HasFlag(port.FlagConnect) {
		t.Fatalf("expected FlagConnect set")
	}
}

func Test_PassiveOpen_EmitsConnectAck(t *testing.T) {
	sockets := sockettable.New()
	wire := &fakeWire{}
	m := NewMachine(sockets, wire, DefaultConfig())

	var sid serval.ServiceID
	sid[0] = 0xCD
	listener := sockettable.NewSocket(0)
	if err := m.Listen(listener, sid); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	h := &port.Header{
		Version: 1,
		Flags:   port.FlagConnect,
		SrcFlow: serval.FlowID(111),
		Options: []port.Option{
			{Type: port.OptServiceID, Value: sid[:]},
			{Type: port.OptConnect, Value: port.ISNOptionValue(42)},
		},
	}
	m.HandleControl(nil, h, nil, testAddr())

	frame, ok := wire.last()
	if !ok {
		t.Fatalf("expected a connect-ack frame to be written")
	}
	got, _, err := port.ParseHeader(frame.Data)
	if err != nil {
		t.Fatalf("ParseHeader: %v", err)
	}
	if !got.HasFlag(port.FlagConnectAck) {
		t.Fatalf("expected FlagConnectAck set")
	}
	if got.DstFlow != h.SrcFlow {
		t.Fatalf("expected connect-ack dst-flow to echo the connect's src-flow")
	}
}

func Test_FullHandshake_ReachesEstablished(t *testing.T) {
	sockets := sockettable.New()
	wire := &fakeWire{}
	m := NewMachine(sockets, wire, DefaultConfig())

	var sid serval.ServiceID
	sid[0] = 0xEF
	listener := sockettable.NewSocket(0)
	if err := m.Listen(listener, sid); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	active, err := m.Connect(sid, testAddr())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	connectFrame, _ := wire.last()
	connectHeader, _, _ := port.ParseHeader(connectFrame.Data)

	// Simulate the passive side receiving the connect.
	m.HandleControl(nil, connectHeader, nil, testAddr())
	ackFrame, _ := wire.last()
	ackHeader, _, _ := port.ParseHeader(ackFrame.Data)

	// Simulate the active side receiving the connect-ack.
	m.HandleControl(active, ackHeader, nil, testAddr())

	if active.State() != sockettable.StateEstablished {
		t.Fatalf("expected active socket established, got %s", active.State())
	}
}

// fakeEstablished records every OnEstablished call's (iss, irs) pair, so
// tests can assert each side of a handshake learns the other's real ISN
// rather than an always-zero placeholder.
type fakeEstablished struct {
	mu    sync.Mutex
	calls []struct{ iss, irs uint32 }
}

func (f *fakeEstablished) OnEstablished(sock *Socket, iss, irs uint32) {
	f.mu.Lock()
	f.calls = append(f.calls, struct{ iss, irs uint32 }{iss, irs})
	f.mu.Unlock()
}

func Test_FullHandshake_ExchangesISNs(t *testing.T) {
	sockets := sockettable.New()
	wire := &fakeWire{}
	m := NewMachine(sockets, wire, DefaultConfig())
	established := &fakeEstablished{}
	m.OnEstablished = established

	var sid serval.ServiceID
	sid[0] = 0x11
	listener := sockettable.NewSocket(0)
	if err := m.Listen(listener, sid); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	active, err := m.Connect(sid, testAddr())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	connectFrame, _ := wire.last()
	connectHeader, _, _ := port.ParseHeader(connectFrame.Data)

	m.HandleControl(nil, connectHeader, nil, testAddr())
	ackFrame, _ := wire.last()
	ackHeader, _, _ := port.ParseHeader(ackFrame.Data)

	m.HandleControl(active, ackHeader, nil, testAddr())

	established.mu.Lock()
	defer established.mu.Unlock()
	if len(established.calls) != 2 {
		t.Fatalf("expected 2 OnEstablished calls (passive then active), got %d", len(established.calls))
	}
	passive, activeCall := established.calls[0], established.calls[1]

	if passive.iss == 0 || activeCall.iss == 0 {
		t.Fatalf("expected both sides to generate a nonzero ISN, got passive=%d active=%d", passive.iss, activeCall.iss)
	}
	if passive.iss == activeCall.iss {
		t.Fatalf("expected each side to generate a distinct ISN, both were %d", passive.iss)
	}
	if activeCall.irs != passive.iss {
		t.Fatalf("expected active side's irs (%d) to equal passive side's iss (%d)", activeCall.irs, passive.iss)
	}
	if passive.irs != activeCall.iss {
		t.Fatalf("expected passive side's irs (%d) to equal active side's iss (%d)", passive.irs, activeCall.iss)
	}
}

func Test_Close_TransitionsEstablishedToFinWait1(t *testing.T) {
	sockets := sockettable.New()
	wire := &fakeWire{}
	m := NewMachine(sockets, wire, DefaultConfig())

	sock := sockettable.NewSocket(0)
	sockets.Hash(sock)
	sock.SetState(sockettable.StateEstablished)

	if err := m.Close(sock); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sock.State() != sockettable.StateFinWait1 {
		t.Fatalf("expected StateFinWait1, got %s", sock.State())
	}
}

func Test_RetransmitSweep_FailsAfterMaxAttempts(t *testing.T) {
	sockets := sockettable.New()
	wire := &fakeWire{}
	cfg := DefaultConfig()
	cfg.RetransmitBase = time.Millisecond
	cfg.RetransmitCap = 2 * time.Millisecond
	cfg.MaxAttempts = 3
	m := NewMachine(sockets, wire, cfg)

	var sid serval.ServiceID
	sock, err := m.Connect(sid, testAddr())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	deadline := time.Now().Add(500 * time.Millisecond)
	for time.Now().Before(deadline) && sock.State() != sockettable.StateFailed {
		m.sweepOne(sock, time.Now())
		time.Sleep(time.Millisecond)
	}
	if sock.State() != sockettable.StateFailed {
		t.Fatalf("expected socket to be marked failed after exhausting attempts, got %s", sock.State())
	}
}
