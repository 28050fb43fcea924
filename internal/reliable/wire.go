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

package reliable

import (
	"encoding/binary"

	"github.com/arlojensen/serval/pkg/serval"
)

// SegmentHeaderLen is the fixed-width byte-stream segment header carried in
// the SAL residue (spec §4.4 step 4: "hands the residue ... to the
// transport's receive entry point"; the residue's own framing is this
// engine's concern, encoded BigEndian fixed-offset the way port/salheader.go
// encodes the SAL base header).
const SegmentHeaderLen = 4 + 4 + 2 + 1 + 4 // seq, ack, window, flags, timestamp

// EncodeSegment serializes seg's header and data into a single wire buffer.
func EncodeSegment(seg *Segment) []byte {
	out := make([]byte, SegmentHeaderLen+len(seg.Data))
	binary.BigEndian.PutUint32(out[0:4], seg.Seq)
	binary.BigEndian.PutUint32(out[4:8], seg.Ack)
	binary.BigEndian.PutUint16(out[8:10], seg.Window)
	out[10] = uint8(seg.Flags)
	binary.BigEndian.PutUint32(out[11:15], seg.Timestamp)
	copy(out[SegmentHeaderLen:], seg.Data)
	return out
}

// DecodeSegment parses a wire buffer produced by EncodeSegment.
func DecodeSegment(buf []byte) (*Segment, error) {
	if len(buf) < SegmentHeaderLen {
		return nil, serval.ErrMalformed
	}
	seg := &Segment{
		Seq:       binary.BigEndian.Uint32(buf[0:4]),
		Ack:       binary.BigEndian.Uint32(buf[4:8]),
		Window:    binary.BigEndian.Uint16(buf[8:10]),
		Flags:     Flags(buf[10]),
		Timestamp: binary.BigEndian.Uint32(buf[11:15]),
	}
	if len(buf) > SegmentHeaderLen {
		data := make([]byte, len(buf)-SegmentHeaderLen)
		copy(data, buf[SegmentHeaderLen:])
		seg.Data = data
	}
	return seg, nil
}
