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

package serval

import "testing"

func TestServiceIDHasPrefix(t *testing.T) {
	a, err := ParseServiceID("01" + repeatHex("00", 31))
	if err != nil {
		t.Fatal(err)
	}
	b, err := ParseServiceID("0100" + repeatHex("00", 30))
	if err != nil {
		t.Fatal(err)
	}
	if !b.HasPrefix(a, 8) {
		t.Fatalf("expected %s to have 8-bit prefix of %s", b, a)
	}
	q, err := ParseServiceID("010f" + repeatHex("00", 29) + "00")
	if err != nil {
		t.Fatal(err)
	}
	if q.HasPrefix(b, 16) {
		t.Fatalf("did not expect %s to share 16-bit prefix with %s", q, b)
	}
	if !q.HasPrefix(a, 8) {
		t.Fatalf("expected %s to share 8-bit prefix with %s", q, a)
	}
}

func TestServiceIDCommonPrefixLen(t *testing.T) {
	a, _ := ParseServiceID(repeatHex("00", 32))
	b, _ := ParseServiceID("80" + repeatHex("00", 31))
	if got := a.CommonPrefixLen(b); got != 0 {
		t.Fatalf("expected 0 common bits, got %d", got)
	}
	c, _ := ParseServiceID(repeatHex("00", 32))
	if got := a.CommonPrefixLen(c); got != 256 {
		t.Fatalf("expected 256 common bits, got %d", got)
	}
}

func repeatHex(s string, n int) string {
	out := make([]byte, 0, len(s)*n)
	for i := 0; i < n; i++ {
		out = append(out, s...)
	}
	return string(out)
}
