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
	"encoding/binary"
	"errors"
	"net"

	"github.com/arlojensen/serval/pkg/serval"
)

var errMalformedServiceArray = errors.New("ctrlsock: service array does not divide evenly into records")

// RegisterFlags mirrors ctrlmsg.h's enum ctrlmsg_register_flags.
type RegisterFlags uint8

// RegFlagReregister marks a register message as replacing a prior
// registration rather than installing a fresh one (SPEC_FULL §C.3); the
// address field then carries the *old* address being replaced.
const RegFlagReregister RegisterFlags = 1

// RegisterLen is sizeof(struct ctrlmsg_register): header + flags/pad/prefix
// bits/srvid flags (4 bytes) + in_addr (4 bytes) + service_id (32 bytes).
const RegisterLen = HeaderLen + 4 + 4 + serval.ServiceIDBytes

// RegisterMessage is register/unregister (ctrlmsg_register).
type RegisterMessage struct {
	Header          Header
	XID             uint32
	Flags           RegisterFlags
	SrvIDPrefixBits uint8
	SrvIDFlags      uint8
	Address         net.IP // on reregister, the *old* address being replaced
	ServiceID       serval.ServiceID
}

// EncodeRegister serializes a RegisterMessage of the given type (Register
// or Unregister).
func EncodeRegister(typ Type, m RegisterMessage) []byte {
	out := newMessage(typ, m.XID, RegisterLen)
	off := HeaderLen
	out[off] = byte(m.Flags)
	out[off+1] = 0 // pad
	out[off+2] = m.SrvIDPrefixBits
	out[off+3] = m.SrvIDFlags
	off += 4
	v4 := m.Address.To4()
	copy(out[off:off+4], v4)
	off += 4
	copy(out[off:off+serval.ServiceIDBytes], m.ServiceID[:])
	return out
}

// DecodeRegister parses a RegisterMessage.
func DecodeRegister(buf []byte) (RegisterMessage, error) {
	h, err := DecodeHeader(buf)
	if err != nil {
		return RegisterMessage{}, err
	}
	if err := checkLen(buf, RegisterLen, "ctrlmsg_register"); err != nil {
		return RegisterMessage{}, err
	}
	off := HeaderLen
	m := RegisterMessage{
		Header:          h,
		XID:             h.XID,
		Flags:           RegisterFlags(buf[off]),
		SrvIDPrefixBits: buf[off+2],
		SrvIDFlags:      buf[off+3],
	}
	off += 4
	m.Address = net.IP(append([]byte(nil), buf[off:off+4]...))
	off += 4
	copy(m.ServiceID[:], buf[off:off+serval.ServiceIDBytes])
	return m, nil
}

// IsReregister reports whether this register message replaces a prior
// registration rather than installing a new one.
func (m RegisterMessage) IsReregister() bool { return m.Flags&RegFlagReregister != 0 }

// ResolveLen is sizeof(struct ctrlmsg_resolve): header + xid + 4 flag/prefix
// bytes + two service ids + one in_addr.
const ResolveLen = HeaderLen + 4 + 4 + 2*serval.ServiceIDBytes + 4

// ResolveMessage is the resolver upcall (ctrlmsg_resolve): the stack asks a
// cooperating resolver process to resolve a service id that missed in the
// local service table.
type ResolveMessage struct {
	Header Header
	XID    uint32

	SrcFlags      uint8
	SrcPrefixBits uint8
	DstFlags      uint8
	DstPrefixBits uint8

	SrcServiceID serval.ServiceID
	DstServiceID serval.ServiceID

	SrcAddress net.IP
}

// EncodeResolve serializes a ResolveMessage.
func EncodeResolve(m ResolveMessage) []byte {
	out := newMessage(TypeResolve, m.XID, ResolveLen)
	off := HeaderLen
	binary.BigEndian.PutUint32(out[off:off+4], m.XID)
	off += 4
	out[off] = m.SrcFlags
	out[off+1] = m.SrcPrefixBits
	out[off+2] = m.DstFlags
	out[off+3] = m.DstPrefixBits
	off += 4
	copy(out[off:off+serval.ServiceIDBytes], m.SrcServiceID[:])
	off += serval.ServiceIDBytes
	copy(out[off:off+serval.ServiceIDBytes], m.DstServiceID[:])
	off += serval.ServiceIDBytes
	v4 := m.SrcAddress.To4()
	copy(out[off:off+4], v4)
	return out
}

// DecodeResolve parses a ResolveMessage.
func DecodeResolve(buf []byte) (ResolveMessage, error) {
	h, err := DecodeHeader(buf)
	if err != nil {
		return ResolveMessage{}, err
	}
	if err := checkLen(buf, ResolveLen, "ctrlmsg_resolve"); err != nil {
		return ResolveMessage{}, err
	}
	off := HeaderLen
	m := ResolveMessage{Header: h, XID: binary.BigEndian.Uint32(buf[off : off+4])}
	off += 4
	m.SrcFlags = buf[off]
	m.SrcPrefixBits = buf[off+1]
	m.DstFlags = buf[off+2]
	m.DstPrefixBits = buf[off+3]
	off += 4
	copy(m.SrcServiceID[:], buf[off:off+serval.ServiceIDBytes])
	off += serval.ServiceIDBytes
	copy(m.DstServiceID[:], buf[off:off+serval.ServiceIDBytes])
	off += serval.ServiceIDBytes
	m.SrcAddress = net.IP(append([]byte(nil), buf[off:off+4]...))
	return m, nil
}
