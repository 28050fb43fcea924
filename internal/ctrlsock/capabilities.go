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

import "encoding/binary"

// Capabilities is the 32-bit flags word of ctrlmsg.h's sv_stack_capabilities.
type Capabilities uint32

// CapTransit marks this stack instance as able to resolve and forward a
// packet that does not match a local socket, rather than being terminal for
// any prefix it does not own (SPEC_FULL §C.1, ctrlmsg.h's SVSTK_TRANSIT).
const CapTransit Capabilities = 1 << 0

// HasTransit reports whether the transit bit is set.
func (c Capabilities) HasTransit() bool { return c&CapTransit != 0 }

const capabilitiesLen = HeaderLen + 4

// EncodeCapabilities serializes the ctrlmsg_capabilities message.
func EncodeCapabilities(xid uint32, c Capabilities) []byte {
	out := newMessage(TypeCapabilities, xid, capabilitiesLen)
	binary.BigEndian.PutUint32(out[HeaderLen:HeaderLen+4], uint32(c))
	return out
}

// DecodeCapabilities parses the ctrlmsg_capabilities message.
func DecodeCapabilities(buf []byte) (Capabilities, error) {
	if _, err := DecodeHeader(buf); err != nil {
		return 0, err
	}
	if err := checkLen(buf, capabilitiesLen, "ctrlmsg_capabilities"); err != nil {
		return 0, err
	}
	return Capabilities(binary.BigEndian.Uint32(buf[HeaderLen : HeaderLen+4])), nil
}
