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

// serviceHeaderLen is sizeof(struct ctrlmsg_service): the ctrlmsg header
// plus a 4-byte transaction id, before the variable-length service array.
const serviceHeaderLen = HeaderLen + 4

// ServiceMessage is add_service/del_service/mod_service/get_service: a
// ctrlmsg carrying zero or more ServiceInfo records (ctrlmsg.h's
// ctrlmsg_service, CTRLMSG_SERVICE_NUM_LEN).
type ServiceMessage struct {
	Header   Header
	XID      uint32
	Services []ServiceInfo
}

// EncodeServiceMessage serializes a ServiceMessage of the given type.
func EncodeServiceMessage(typ Type, xid uint32, services []ServiceInfo) []byte {
	total := serviceHeaderLen + len(services)*ServiceInfoLen
	out := newMessage(typ, xid, total)
	binary.BigEndian.PutUint32(out[HeaderLen:HeaderLen+4], xid)
	off := serviceHeaderLen
	for _, si := range services {
		EncodeServiceInfo(si, out[off:off+ServiceInfoLen])
		off += ServiceInfoLen
	}
	return out
}

// DecodeServiceMessage parses a ServiceMessage, validating that the
// payload divides evenly into ServiceInfo records (CTRLMSG_SERVICE_NUM).
func DecodeServiceMessage(buf []byte) (ServiceMessage, error) {
	h, err := DecodeHeader(buf)
	if err != nil {
		return ServiceMessage{}, err
	}
	if err := checkLen(buf, serviceHeaderLen, "ctrlmsg_service"); err != nil {
		return ServiceMessage{}, err
	}
	msg := ServiceMessage{Header: h, XID: binary.BigEndian.Uint32(buf[HeaderLen : HeaderLen+4])}

	body := buf[serviceHeaderLen:h.Len]
	if len(body)%ServiceInfoLen != 0 {
		return ServiceMessage{}, errMalformedServiceArray
	}
	for off := 0; off < len(body); off += ServiceInfoLen {
		si, err := DecodeServiceInfo(body[off : off+ServiceInfoLen])
		if err != nil {
			return ServiceMessage{}, err
		}
		msg.Services = append(msg.Services, si)
	}
	return msg, nil
}

// serviceStatHeaderLen is sizeof(struct ctrlmsg_service_info_stat).
const serviceStatHeaderLen = HeaderLen + 4

// ServiceStatMessage carries the per-target stat records returned in
// response to a service_stat query (ctrlmsg_service_info_stat).
type ServiceStatMessage struct {
	Header Header
	XID    uint32
	Stats  []ServiceInfoStat
}

// EncodeServiceStatMessage serializes a ServiceStatMessage.
func EncodeServiceStatMessage(xid uint32, stats []ServiceInfoStat) []byte {
	total := serviceStatHeaderLen + len(stats)*ServiceInfoStatLen
	out := newMessage(TypeServiceStat, xid, total)
	binary.BigEndian.PutUint32(out[HeaderLen:HeaderLen+4], xid)
	off := serviceStatHeaderLen
	for _, s := range stats {
		EncodeServiceInfoStat(s, out[off:off+ServiceInfoStatLen])
		off += ServiceInfoStatLen
	}
	return out
}

// DecodeServiceStatMessage parses a ServiceStatMessage.
func DecodeServiceStatMessage(buf []byte) (ServiceStatMessage, error) {
	h, err := DecodeHeader(buf)
	if err != nil {
		return ServiceStatMessage{}, err
	}
	if err := checkLen(buf, serviceStatHeaderLen, "ctrlmsg_service_info_stat"); err != nil {
		return ServiceStatMessage{}, err
	}
	msg := ServiceStatMessage{Header: h, XID: binary.BigEndian.Uint32(buf[HeaderLen : HeaderLen+4])}

	body := buf[serviceStatHeaderLen:h.Len]
	if len(body)%ServiceInfoStatLen != 0 {
		return ServiceStatMessage{}, errMalformedServiceArray
	}
	for off := 0; off < len(body); off += ServiceInfoStatLen {
		s, err := DecodeServiceInfoStat(body[off : off+ServiceInfoStatLen])
		if err != nil {
			return ServiceStatMessage{}, err
		}
		msg.Stats = append(msg.Stats, s)
	}
	return msg, nil
}

// AggregateStat mirrors ctrlmsg.h's struct service_stat: table-wide totals,
// 28 bytes, carried inside a ctrlmsg_service_stat.
type AggregateStat struct {
	Capabilities    uint32
	Services        uint32
	Instances       uint32
	PacketsResolved uint32
	BytesResolved   uint32
	BytesDropped    uint32
	PacketsDropped  uint32
}

const aggregateStatLen = 7 * 4
const aggregateMessageLen = HeaderLen + 4 + aggregateStatLen

// EncodeAggregateStat serializes the ctrlmsg_service_stat message.
func EncodeAggregateStat(xid uint32, s AggregateStat) []byte {
	out := newMessage(TypeServiceStat, xid, aggregateMessageLen)
	binary.BigEndian.PutUint32(out[HeaderLen:HeaderLen+4], xid)
	off := HeaderLen + 4
	binary.BigEndian.PutUint32(out[off:off+4], s.Capabilities)
	binary.BigEndian.PutUint32(out[off+4:off+8], s.Services)
	binary.BigEndian.PutUint32(out[off+8:off+12], s.Instances)
	binary.BigEndian.PutUint32(out[off+12:off+16], s.PacketsResolved)
	binary.BigEndian.PutUint32(out[off+16:off+20], s.BytesResolved)
	binary.BigEndian.PutUint32(out[off+20:off+24], s.BytesDropped)
	binary.BigEndian.PutUint32(out[off+24:off+28], s.PacketsDropped)
	return out
}

// DecodeAggregateStat parses the ctrlmsg_service_stat message.
func DecodeAggregateStat(buf []byte) (uint32, AggregateStat, error) {
	if _, err := DecodeHeader(buf); err != nil {
		return 0, AggregateStat{}, err
	}
	if err := checkLen(buf, aggregateMessageLen, "ctrlmsg_service_stat"); err != nil {
		return 0, AggregateStat{}, err
	}
	xid := binary.BigEndian.Uint32(buf[HeaderLen : HeaderLen+4])
	off := HeaderLen + 4
	s := AggregateStat{
		Capabilities:    binary.BigEndian.Uint32(buf[off : off+4]),
		Services:        binary.BigEndian.Uint32(buf[off+4 : off+8]),
		Instances:       binary.BigEndian.Uint32(buf[off+8 : off+12]),
		PacketsResolved: binary.BigEndian.Uint32(buf[off+12 : off+16]),
		BytesResolved:   binary.BigEndian.Uint32(buf[off+16 : off+20]),
		BytesDropped:    binary.BigEndian.Uint32(buf[off+20 : off+24]),
		PacketsDropped:  binary.BigEndian.Uint32(buf[off+24 : off+28]),
	}
	return xid, s, nil
}
