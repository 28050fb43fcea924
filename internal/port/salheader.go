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

// Package port implements the per-interface packet port abstraction and the
// SAL header codec/demultiplexer (spec §4.4, component C4). The packet port
// itself (raw link I/O) is named a non-goal of spec.md §1 and is modeled
// here purely as the PacketPort interface; a scaffold in-process UDP
// implementation is provided for tests and cmd/servald's default transport
// (SPEC_FULL §C.4).
package port

import (
	"encoding/binary"
	"fmt"

	"github.com/arlojensen/serval/pkg/serval"
)

// Base header flag bits (spec §4.4/§6).
const (
	FlagConnect uint8 = 1 << iota
	FlagConnectAck
	FlagClose
	FlagResolve
	FlagMigrate
)

// Option types in the chained options area (spec §6: "connect, connect-ack,
// fin, migrate, service-id").
const (
	OptEnd uint8 = iota
	OptConnect
	OptConnectAck
	OptFin
	OptMigrate
	OptServiceID
)

const baseHeaderLen = 4 + 4 + 4 // version/len/flags/checksum word + src flow + dst flow

// Option is one {type, length, value} tuple in the SAL options chain.
type Option struct {
	Type  uint8
	Value []byte
}

// Header is the fixed base plus the parsed option chain (spec §6).
type Header struct {
	Version    uint8
	HeaderLen  uint8 // in 4-byte words, matching the base header's nibble width
	Flags      uint8
	Checksum   uint16
	SrcFlow    serval.FlowID
	DstFlow    serval.FlowID
	Options    []Option
}

// HasFlag reports whether bit is set in the header's flags byte.
func (h *Header) HasFlag(bit uint8) bool { return h.Flags&bit != 0 }

// ServiceIDOption returns the service-id carried in an OptServiceID option,
// if present (spec §6: "service-id, carried on control packets before a flow
// is established").
func (h *Header) ServiceIDOption() (serval.ServiceID, bool) {
	for _, opt := range h.Options {
		if opt.Type == OptServiceID && len(opt.Value) == serval.ServiceIDBytes {
			var id serval.ServiceID
			copy(id[:], opt.Value)
			return id, true
		}
	}
	return serval.ServiceID{}, false
}

// ISNOption returns the 4-byte initial sequence number carried in an option
// of the given type (OptConnect or OptConnectAck), if present (spec §6:
// "connect, connect-ack ... options" carry each side's ISN so the reliable
// engine's two sequence spaces can be initialized from what the peer
// actually chose, not a locally-assumed value).
func (h *Header) ISNOption(optType uint8) (uint32, bool) {
	for _, opt := range h.Options {
		if opt.Type == optType && len(opt.Value) == 4 {
			return binary.BigEndian.Uint32(opt.Value), true
		}
	}
	return 0, false
}

// ISNOptionValue encodes isn as the 4-byte value of an OptConnect or
// OptConnectAck option.
func ISNOptionValue(isn uint32) []byte {
	v := make([]byte, 4)
	binary.BigEndian.PutUint32(v, isn)
	return v
}

// ParseHeader decodes the SAL base header and option chain from buf,
// returning the header and the number of bytes consumed. It rejects the
// packet as malformed if any length field is inconsistent with the
// remaining buffer (spec §4.4 step 2).
func ParseHeader(buf []byte) (*Header, int, error) {
	if len(buf) < baseHeaderLen {
		return nil, 0, serval.ErrMalformed
	}
	word := binary.BigEndian.Uint32(buf[0:4])
	h := &Header{
		Version:   uint8(word >> 28),
		HeaderLen: uint8(word>>24) & 0xF,
		Flags:     uint8(word >> 16),
		Checksum:  uint16(word),
		SrcFlow:   serval.FlowID(binary.BigEndian.Uint32(buf[4:8])),
		DstFlow:   serval.FlowID(binary.BigEndian.Uint32(buf[8:12])),
	}

	declared := int(h.HeaderLen) * 4
	if declared < baseHeaderLen || declared > len(buf) {
		return nil, 0, serval.ErrMalformed
	}

	off := baseHeaderLen
	for off < declared {
		typ := buf[off]
		if typ == OptEnd {
			off++
			break
		}
		if off+2 > declared {
			return nil, 0, serval.ErrMalformed
		}
		length := int(buf[off+1])
		valStart := off + 2
		valEnd := valStart + length
		if length < 0 || valEnd > declared {
			return nil, 0, serval.ErrMalformed
		}
		val := make([]byte, length)
		copy(val, buf[valStart:valEnd])
		h.Options = append(h.Options, Option{Type: typ, Value: val})
		off = valEnd
	}

	return h, declared, nil
}

// Encode serializes h into wire form, padding HeaderLen up to a multiple of
// 4 bytes as required by the nibble-width header-length field.
func Encode(h *Header) ([]byte, error) {
	body := make([]byte, 0, baseHeaderLen)
	for _, opt := range h.Options {
		if len(opt.Value) > 0xFF {
			return nil, fmt.Errorf("port: option value too large (%d bytes)", len(opt.Value))
		}
		body = append(body, opt.Type, uint8(len(opt.Value)))
		body = append(body, opt.Value...)
	}
	body = append(body, OptEnd)

	total := baseHeaderLen + len(body)
	pad := (4 - total%4) % 4
	total += pad

	words := total / 4
	if words > 0xF {
		return nil, fmt.Errorf("port: header too long to encode in a 4-bit word count (%d words)", words)
	}

	out := make([]byte, total)
	word := uint32(h.Version&0xF)<<28 | uint32(words&0xF)<<24 | uint32(h.Flags)<<16 | uint32(h.Checksum)
	binary.BigEndian.PutUint32(out[0:4], word)
	binary.BigEndian.PutUint32(out[4:8], uint32(h.SrcFlow))
	binary.BigEndian.PutUint32(out[8:12], uint32(h.DstFlow))
	copy(out[baseHeaderLen:], body)
	return out, nil
}
