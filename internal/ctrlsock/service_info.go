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
	"net"
	"time"

	"github.com/arlojensen/serval/pkg/serval"
)

// ServiceInfoLen is sizeof(struct service_info): 60 bytes.
const ServiceInfoLen = 2 + 1 + 1 + 4 + 4 + 4 + 4 + 4 + 4 + serval.ServiceIDBytes

// ServiceInfoStatLen is sizeof(struct service_info_stat): the embedded
// service_info plus seven uint32 counters, 88 bytes.
const ServiceInfoStatLen = ServiceInfoLen + 7*4

// ServiceInfo mirrors ctrlmsg.h's struct service_info: one target entry as
// carried on the control socket, decoupled from pkg/serval.TargetEntry so
// the wire layout can stay byte-exact independent of the in-process type.
type ServiceInfo struct {
	Type            serval.TargetType
	SrvIDPrefixBits uint8
	SrvIDFlags      uint8
	IfIndex         uint32
	Priority        uint32
	Weight          uint32
	IdleTimeout     time.Duration
	HardTimeout     time.Duration
	Address         net.IP // the IPv4 next-hop address (struct in_addr)
	ServiceID       serval.ServiceID
}

// FromTargetEntry builds the wire form of a live target entry matched under
// the given prefix length.
func FromTargetEntry(te *serval.TargetEntry, sid serval.ServiceID, prefixBits int) ServiceInfo {
	return ServiceInfo{
		Type:            te.Type,
		SrvIDPrefixBits: uint8(prefixBits),
		IfIndex:         te.IfIndex,
		Priority:        te.Priority,
		Weight:          te.Weight,
		IdleTimeout:     te.IdleTimeout,
		HardTimeout:     te.HardTimeout,
		Address:         te.NextHop,
		ServiceID:       sid,
	}
}

// ToTargetEntry reconstructs a serval.TargetEntry from a decoded ServiceInfo
// (used on the resolver side to install an entry an add_service message
// names).
func (si ServiceInfo) ToTargetEntry() *serval.TargetEntry {
	return serval.NewTargetEntry(si.Type, si.Address, si.IfIndex, si.Priority, si.Weight, si.IdleTimeout, si.HardTimeout)
}

// EncodeServiceInfo writes si into out[0:ServiceInfoLen], matching the
// packed C layout field-for-field.
func EncodeServiceInfo(si ServiceInfo, out []byte) {
	binary.BigEndian.PutUint16(out[0:2], uint16(si.Type))
	out[2] = si.SrvIDPrefixBits
	out[3] = si.SrvIDFlags
	binary.BigEndian.PutUint32(out[4:8], si.IfIndex)
	binary.BigEndian.PutUint32(out[8:12], si.Priority)
	binary.BigEndian.PutUint32(out[12:16], si.Weight)
	binary.BigEndian.PutUint32(out[16:20], uint32(si.IdleTimeout/time.Second))
	binary.BigEndian.PutUint32(out[20:24], uint32(si.HardTimeout/time.Second))
	v4 := si.Address.To4()
	copy(out[24:28], v4)
	copy(out[28:28+serval.ServiceIDBytes], si.ServiceID[:])
}

// DecodeServiceInfo reads one service_info record from the front of buf.
func DecodeServiceInfo(buf []byte) (ServiceInfo, error) {
	if err := checkLen(buf, ServiceInfoLen, "service_info"); err != nil {
		return ServiceInfo{}, err
	}
	si := ServiceInfo{
		Type:            serval.TargetType(binary.BigEndian.Uint16(buf[0:2])),
		SrvIDPrefixBits: buf[2],
		SrvIDFlags:      buf[3],
		IfIndex:         binary.BigEndian.Uint32(buf[4:8]),
		Priority:        binary.BigEndian.Uint32(buf[8:12]),
		Weight:          binary.BigEndian.Uint32(buf[12:16]),
		IdleTimeout:     time.Duration(binary.BigEndian.Uint32(buf[16:20])) * time.Second,
		HardTimeout:     time.Duration(binary.BigEndian.Uint32(buf[20:24])) * time.Second,
		Address:         net.IP(append([]byte(nil), buf[24:28]...)),
	}
	copy(si.ServiceID[:], buf[28:28+serval.ServiceIDBytes])
	return si, nil
}

// ServiceInfoStat mirrors ctrlmsg.h's struct service_info_stat: a
// ServiceInfo plus the entry's age and counter bundle (SPEC_FULL §C.2).
type ServiceInfoStat struct {
	Service ServiceInfo

	DurationSec  uint32
	DurationNsec uint32

	PacketsResolved uint32
	BytesResolved   uint32
	PacketsDropped  uint32
	BytesDropped    uint32
	TokensConsumed  uint32
}

// FromTargetEntryStat builds a ServiceInfoStat from a live target entry,
// computing entry age relative to now.
func FromTargetEntryStat(te *serval.TargetEntry, sid serval.ServiceID, prefixBits int, now time.Time) ServiceInfoStat {
	age := now.Sub(te.CreatedAt)
	snap := te.Stats.Snapshot()
	return ServiceInfoStat{
		Service:         FromTargetEntry(te, sid, prefixBits),
		DurationSec:     uint32(age / time.Second),
		DurationNsec:    uint32(age % time.Second),
		PacketsResolved: snap.PacketsResolved,
		BytesResolved:   snap.BytesResolved,
		PacketsDropped:  snap.PacketsDropped,
		BytesDropped:    snap.BytesDropped,
		TokensConsumed:  snap.TokensConsumed,
	}
}

// EncodeServiceInfoStat writes s into out[0:ServiceInfoStatLen].
func EncodeServiceInfoStat(s ServiceInfoStat, out []byte) {
	EncodeServiceInfo(s.Service, out[0:ServiceInfoLen])
	off := ServiceInfoLen
	binary.BigEndian.PutUint32(out[off:off+4], s.DurationSec)
	binary.BigEndian.PutUint32(out[off+4:off+8], s.DurationNsec)
	binary.BigEndian.PutUint32(out[off+8:off+12], s.PacketsResolved)
	binary.BigEndian.PutUint32(out[off+12:off+16], s.BytesResolved)
	binary.BigEndian.PutUint32(out[off+16:off+20], s.PacketsDropped)
	binary.BigEndian.PutUint32(out[off+20:off+24], s.BytesDropped)
	binary.BigEndian.PutUint32(out[off+24:off+28], s.TokensConsumed)
}

// DecodeServiceInfoStat reads one service_info_stat record from the front of buf.
func DecodeServiceInfoStat(buf []byte) (ServiceInfoStat, error) {
	if err := checkLen(buf, ServiceInfoStatLen, "service_info_stat"); err != nil {
		return ServiceInfoStat{}, err
	}
	si, err := DecodeServiceInfo(buf[0:ServiceInfoLen])
	if err != nil {
		return ServiceInfoStat{}, err
	}
	off := ServiceInfoLen
	return ServiceInfoStat{
		Service:         si,
		DurationSec:     binary.BigEndian.Uint32(buf[off : off+4]),
		DurationNsec:    binary.BigEndian.Uint32(buf[off+4 : off+8]),
		PacketsResolved: binary.BigEndian.Uint32(buf[off+8 : off+12]),
		BytesResolved:   binary.BigEndian.Uint32(buf[off+12 : off+16]),
		PacketsDropped:  binary.BigEndian.Uint32(buf[off+16 : off+20]),
		BytesDropped:    binary.BigEndian.Uint32(buf[off+20 : off+24]),
		TokensConsumed:  binary.BigEndian.Uint32(buf[off+24 : off+28]),
	}, nil
}
