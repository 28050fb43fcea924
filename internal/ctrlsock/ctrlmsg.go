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

// Package ctrlsock implements the control-socket wire format (spec §6):
// register/unregister, resolve upcalls, service add/del/mod/get, service and
// per-target statistics, stack capabilities, and migration requests. Each
// message is a fixed 8-byte ctrlmsg header followed by a type-specific
// payload, matching the original stack's packed C structs byte-for-byte so a
// Go-only resolver process can exchange messages with a conforming peer.
package ctrlsock

import (
	"encoding/binary"
	"fmt"

	"github.com/arlojensen/serval/pkg/serval"
)

// Message types (ctrlmsg.h's ctrlmsg_type).
const (
	TypeRegister Type = iota
	TypeUnregister
	TypeResolve
	TypeAddService
	TypeDelService
	TypeModService
	TypeGetService
	TypeServiceStat
	TypeCapabilities
	TypeMigrate
	TypeDummy
)

// Type is one ctrlmsg_type value.
type Type uint8

func (t Type) String() string {
	switch t {
	case TypeRegister:
		return "register"
	case TypeUnregister:
		return "unregister"
	case TypeResolve:
		return "resolve"
	case TypeAddService:
		return "add_service"
	case TypeDelService:
		return "del_service"
	case TypeModService:
		return "mod_service"
	case TypeGetService:
		return "get_service"
	case TypeServiceStat:
		return "service_stat"
	case TypeCapabilities:
		return "capabilities"
	case TypeMigrate:
		return "migrate"
	case TypeDummy:
		return "dummy"
	default:
		return "unknown"
	}
}

// Retval is the ctrlmsg_retval carried in replies.
type Retval uint8

const (
	RetvalOK Retval = iota
	RetvalError
	RetvalNoEntry
	RetvalMalformed
)

// HeaderLen is sizeof(struct ctrlmsg): {type, retval, len, xid}.
const HeaderLen = 8

// Header is the fixed 8-byte ctrlmsg common to every control message.
type Header struct {
	Type   Type
	Retval Retval
	Len    uint16 // total length including this header
	XID    uint32 // transaction id, echoed in replies
}

// EncodeHeader writes h's 8 bytes into out[0:8].
func EncodeHeader(h Header, out []byte) {
	out[0] = byte(h.Type)
	out[1] = byte(h.Retval)
	binary.BigEndian.PutUint16(out[2:4], h.Len)
	binary.BigEndian.PutUint32(out[4:8], h.XID)
}

// DecodeHeader reads a ctrlmsg header from the front of buf.
func DecodeHeader(buf []byte) (Header, error) {
	if len(buf) < HeaderLen {
		return Header{}, serval.ErrMalformed
	}
	h := Header{
		Type:   Type(buf[0]),
		Retval: Retval(buf[1]),
		Len:    binary.BigEndian.Uint16(buf[2:4]),
		XID:    binary.BigEndian.Uint32(buf[4:8]),
	}
	if int(h.Len) < HeaderLen || int(h.Len) > len(buf) {
		return Header{}, serval.ErrMalformed
	}
	return h, nil
}

// newMessage allocates a buffer of the given total length and writes the
// header, leaving the payload region zeroed for the caller to fill in.
func newMessage(typ Type, xid uint32, totalLen int) []byte {
	out := make([]byte, totalLen)
	EncodeHeader(Header{Type: typ, Len: uint16(totalLen), XID: xid}, out)
	return out
}

func checkLen(buf []byte, want int, what string) error {
	if len(buf) < want {
		return fmt.Errorf("ctrlsock: %s: %w (need %d bytes, have %d)", what, serval.ErrMalformed, want, len(buf))
	}
	return nil
}
