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

package store

import (
	"net"
	"testing"
	"time"

	"github.com/arlojensen/serval/pkg/serval"
)

func testReg() Registration {
	var sid serval.ServiceID
	sid[0] = 0xAB
	return Registration{
		ServiceID:    sid,
		PrefixBits:   256,
		NextHop:      net.ParseIP("10.0.0.1"),
		IfIndex:      2,
		Priority:     1,
		Weight:       5,
		RegisteredAt: time.Unix(1700000000, 0),
	}
}

func Test_ToWire_FromWire_RoundTrip(t *testing.T) {
	reg := testReg()
	w := toWire(reg)
	got, err := fromWire(w)
	if err != nil {
		t.Fatalf("fromWire: %v", err)
	}
	if got.ServiceID != reg.ServiceID {
		t.Fatalf("service id mismatch")
	}
	if !got.NextHop.Equal(reg.NextHop) {
		t.Fatalf("next hop mismatch: got %v want %v", got.NextHop, reg.NextHop)
	}
	if got.IfIndex != reg.IfIndex || got.Priority != reg.Priority || got.Weight != reg.Weight {
		t.Fatalf("field mismatch: %+v vs %+v", got, reg)
	}
	if !got.RegisteredAt.Equal(reg.RegisteredAt) {
		t.Fatalf("registered_at mismatch: got %v want %v", got.RegisteredAt, reg.RegisteredAt)
	}
}

func Test_FromWire_RejectsBadServiceID(t *testing.T) {
	_, err := fromWire(wireRegistration{ServiceID: "not-hex"})
	if err == nil {
		t.Fatalf("expected error for malformed service id")
	}
}

func Test_RegistrationKey_CommitMarkerKey(t *testing.T) {
	var sid serval.ServiceID
	sid[0] = 0x01
	if got, want := registrationKey(sid), "serval:reg:"+sid.String(); got != want {
		t.Fatalf("got %q want %q", got, want)
	}
	if got, want := commitMarkerKey("c1"), "serval:commit:c1"; got != want {
		t.Fatalf("got %q want %q", got, want)
	}
}

func Test_Registration_ToTargetEntry(t *testing.T) {
	reg := testReg()
	te := reg.ToTargetEntry()
	if te.Type != serval.TargetForward {
		t.Fatalf("expected TargetForward, got %v", te.Type)
	}
	if !te.NextHop.Equal(reg.NextHop) {
		t.Fatalf("next hop mismatch")
	}
	if te.IfIndex != reg.IfIndex || te.Priority != reg.Priority || te.Weight != reg.Weight {
		t.Fatalf("field mismatch")
	}
}
