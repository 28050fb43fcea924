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

	"github.com/arlojensen/serval/pkg/serval"
)

// MigrateType mirrors ctrlmsg.h's anonymous enum selecting which union
// member of ctrlmsg_migrate's "from" field is populated.
type MigrateType uint8

const (
	MigrateIface MigrateType = iota
	MigrateFlow
	MigrateService
)

// ifnameSize is IFNAMSIZ on Linux, the width of an interface name field.
const ifnameSize = 16

// fromFieldSize is the widest member of the original's "from" union
// (service_id, 32 bytes), used as the fixed width of the encoded field
// here since Go has no native union type.
const fromFieldSize = serval.ServiceIDBytes

const migrateLen = HeaderLen + 1 + fromFieldSize + ifnameSize

// MigrateMessage is ctrlmsg_migrate: a request to move a flow, an interface,
// or an entire service's traffic to a new interface.
type MigrateMessage struct {
	Header Header

	MigrateType MigrateType

	FromIface   string
	FromFlow    serval.FlowID
	FromService serval.ServiceID

	ToIface string
}

// EncodeMigrate serializes a MigrateMessage, writing only the "from" union
// member that MigrateType selects and zeroing the rest.
func EncodeMigrate(m MigrateMessage) []byte {
	out := newMessage(TypeMigrate, 0, migrateLen)
	off := HeaderLen
	out[off] = byte(m.MigrateType)
	off++

	switch m.MigrateType {
	case MigrateIface:
		copy(out[off:off+ifnameSize], []byte(m.FromIface))
	case MigrateFlow:
		binary.BigEndian.PutUint32(out[off:off+4], uint32(m.FromFlow))
	case MigrateService:
		copy(out[off:off+serval.ServiceIDBytes], m.FromService[:])
	}
	off += fromFieldSize

	copy(out[off:off+ifnameSize], []byte(m.ToIface))
	return out
}

// DecodeMigrate parses a MigrateMessage, populating only the "from" field
// its MigrateType names.
func DecodeMigrate(buf []byte) (MigrateMessage, error) {
	h, err := DecodeHeader(buf)
	if err != nil {
		return MigrateMessage{}, err
	}
	if err := checkLen(buf, migrateLen, "ctrlmsg_migrate"); err != nil {
		return MigrateMessage{}, err
	}
	off := HeaderLen
	m := MigrateMessage{Header: h, MigrateType: MigrateType(buf[off])}
	off++

	switch m.MigrateType {
	case MigrateIface:
		m.FromIface = trimTrailingZeros(buf[off : off+ifnameSize])
	case MigrateFlow:
		m.FromFlow = serval.FlowID(binary.BigEndian.Uint32(buf[off : off+4]))
	case MigrateService:
		copy(m.FromService[:], buf[off:off+serval.ServiceIDBytes])
	}
	off += fromFieldSize

	m.ToIface = trimTrailingZeros(buf[off : off+ifnameSize])
	return m, nil
}

func trimTrailingZeros(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}
