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

package ctrlsock

import (
	"net"
	"testing"
	"time"

	"github.com/arlojensen/serval/pkg/serval"
)

func testSID(b byte) serval.ServiceID {
	var sid serval.ServiceID
	sid[0] = b
	return sid
}

func Test_ServiceInfo_RoundTrip(t *testing.T) {
	in := ServiceInfo{
		Type:            serval.TargetForward,
		SrvIDPrefixBits: 64,
		SrvIDFlags:      3,
		IfIndex:         2,
		Priority:        10,
		Weight:          5,
		IdleTimeout:     30 * time.Second,
		HardTimeout:     time.Hour,
		Address:         net.ParseIP("10.0.0.1"),
		ServiceID:       testSID(0xAB),
	}
	buf := make([]byte, ServiceInfoLen)
	EncodeServiceInfo(in, buf)

	out, err := DecodeServiceInfo(buf)
	if err != nil {
		t.Fatalf("DecodeServiceInfo: %v", err)
	}
	if out.Type != in.Type || out.IfIndex != in.IfIndex || out.Priority != in.Priority ||
		out.Weight != in.Weight || out.IdleTimeout != in.IdleTimeout || out.HardTimeout != in.HardTimeout ||
		out.ServiceID != in.ServiceID || !out.Address.Equal(in.Address) {
		t.Fatalf("round trip mismatch: got %+v, want %+v", out, in)
	}
}

func Test_ServiceInfoStat_RoundTrip(t *testing.T) {
	te := serval.NewTargetEntry(serval.TargetForward, net.ParseIP("10.0.0.2"), 1, 1, 1, 0, 0)
	te.Stats.ChargeResolve(1500)
	te.Stats.ChargeDrop(64)
	te.Stats.ChargeTokens(3)

	stat := FromTargetEntryStat(te, testSID(0xCD), 32, te.CreatedAt.Add(5*time.Second))
	buf := make([]byte, ServiceInfoStatLen)
	EncodeServiceInfoStat(stat, buf)

	out, err := DecodeServiceInfoStat(buf)
	if err != nil {
		t.Fatalf("DecodeServiceInfoStat: %v", err)
	}
	if out.PacketsResolved != 1 || out.BytesResolved != 1500 || out.PacketsDropped != 1 ||
		out.BytesDropped != 64 || out.TokensConsumed != 3 {
		t.Fatalf("unexpected stat counters: %+v", out)
	}
	if out.DurationSec != 5 {
		t.Fatalf("expected duration_sec 5, got %d", out.DurationSec)
	}
}

func Test_ServiceMessage_RoundTrip(t *testing.T) {
	svcs := []ServiceInfo{
		{Type: serval.TargetForward, Address: net.ParseIP("10.0.0.1"), ServiceID: testSID(1)},
		{Type: serval.TargetDemux, Address: net.ParseIP("10.0.0.2"), ServiceID: testSID(2)},
	}
	buf := EncodeServiceMessage(TypeAddService, 42, svcs)

	msg, err := DecodeServiceMessage(buf)
	if err != nil {
		t.Fatalf("DecodeServiceMessage: %v", err)
	}
	if msg.XID != 42 || msg.Header.Type != TypeAddService {
		t.Fatalf("unexpected header: %+v", msg.Header)
	}
	if len(msg.Services) != 2 {
		t.Fatalf("expected 2 services, got %d", len(msg.Services))
	}
	if msg.Services[0].ServiceID != testSID(1) || msg.Services[1].ServiceID != testSID(2) {
		t.Fatalf("service ids did not round-trip in order")
	}
}

func Test_ServiceMessage_RejectsMisalignedPayload(t *testing.T) {
	bad := EncodeServiceMessage(TypeGetService, 1, []ServiceInfo{{}})
	bad = bad[:len(bad)-3] // truncate one record by 3 bytes; Len is updated to match below
	binaryPutLen(bad, uint16(len(bad)))
	if _, err := DecodeServiceMessage(bad); err == nil {
		t.Fatalf("expected an error decoding a misaligned service array")
	}
}

func Test_Register_ReregisterFlag(t *testing.T) {
	m := RegisterMessage{
		Flags:     RegFlagReregister,
		Address:   net.ParseIP("192.168.1.1"),
		ServiceID: testSID(9),
	}
	buf := EncodeRegister(TypeRegister, m)

	out, err := DecodeRegister(buf)
	if err != nil {
		t.Fatalf("DecodeRegister: %v", err)
	}
	if !out.IsReregister() {
		t.Fatalf("expected reregister flag to round-trip")
	}
	if !out.Address.Equal(m.Address) {
		t.Fatalf("expected old address to round-trip, got %v", out.Address)
	}
}

func Test_Resolve_RoundTrip(t *testing.T) {
	m := ResolveMessage{
		XID:          7,
		SrcPrefixBits: 32,
		DstPrefixBits: 64,
		SrcServiceID: testSID(1),
		DstServiceID: testSID(2),
		SrcAddress:   net.ParseIP("10.1.1.1"),
	}
	buf := EncodeResolve(m)

	out, err := DecodeResolve(buf)
	if err != nil {
		t.Fatalf("DecodeResolve: %v", err)
	}
	if out.XID != 7 || out.DstServiceID != testSID(2) || !out.SrcAddress.Equal(m.SrcAddress) {
		t.Fatalf("round trip mismatch: %+v", out)
	}
}

func Test_Capabilities_TransitBit(t *testing.T) {
	buf := EncodeCapabilities(1, CapTransit)
	got, err := DecodeCapabilities(buf)
	if err != nil {
		t.Fatalf("DecodeCapabilities: %v", err)
	}
	if !got.HasTransit() {
		t.Fatalf("expected transit capability bit to round-trip")
	}
}

func Test_Migrate_ServiceVariant_RoundTrip(t *testing.T) {
	m := MigrateMessage{
		MigrateType: MigrateService,
		FromService: testSID(0xEE),
		ToIface:     "eth1",
	}
	buf := EncodeMigrate(m)

	out, err := DecodeMigrate(buf)
	if err != nil {
		t.Fatalf("DecodeMigrate: %v", err)
	}
	if out.FromService != testSID(0xEE) || out.ToIface != "eth1" {
		t.Fatalf("round trip mismatch: %+v", out)
	}
}

func Test_Migrate_IfaceVariant_RoundTrip(t *testing.T) {
	m := MigrateMessage{MigrateType: MigrateIface, FromIface: "eth0", ToIface: "wlan0"}
	buf := EncodeMigrate(m)

	out, err := DecodeMigrate(buf)
	if err != nil {
		t.Fatalf("DecodeMigrate: %v", err)
	}
	if out.FromIface != "eth0" || out.ToIface != "wlan0" {
		t.Fatalf("round trip mismatch: %+v", out)
	}
}

func Test_AggregateStat_RoundTrip(t *testing.T) {
	in := AggregateStat{Capabilities: uint32(CapTransit), Services: 3, Instances: 9, PacketsResolved: 100}
	buf := EncodeAggregateStat(5, in)

	xid, out, err := DecodeAggregateStat(buf)
	if err != nil {
		t.Fatalf("DecodeAggregateStat: %v", err)
	}
	if xid != 5 || out.Services != 3 || out.Instances != 9 || out.PacketsResolved != 100 {
		t.Fatalf("round trip mismatch: %+v", out)
	}
}

func Test_ConnReadMessage_FramesByHeaderLen(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	msg := EncodeCapabilities(3, CapTransit)
	go func() {
		NewConn(client).WriteMessage(msg)
	}()

	got, err := NewConn(server).ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	if len(got) != len(msg) {
		t.Fatalf("expected framed message of length %d, got %d", len(msg), len(got))
	}
}

func binaryPutLen(buf []byte, n uint16) {
	buf[2] = byte(n >> 8)
	buf[3] = byte(n)
}
