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

// Package reliable implements the byte-stream receive and send engines
// (spec §4.6/§4.7, components C6/C7): sequence-space validation, in-order
// delivery and out-of-order reassembly on receive; retransmit queue,
// cumulative ack processing, RTT/RTO estimation, and reno-style congestion
// control on send.
package reliable

// Sequence numbers live in a 32-bit space that wraps (spec §3: "modulo
// 2^32"). These helpers compare using signed-difference arithmetic so
// wraparound is handled the same way the reference stack does it.

func seqLess(a, b uint32) bool { return int32(a-b) < 0 }

func seqLessEq(a, b uint32) bool { return int32(a-b) <= 0 }

func seqGreater(a, b uint32) bool { return int32(a-b) > 0 }

func seqGreaterEq(a, b uint32) bool { return int32(a-b) >= 0 }

// Flags mirrors the well-known byte-stream protocol's control bits (spec
// §4.6: "syn/fin/ack/psh/rst/urg").
type Flags uint8

const (
	FlagFIN Flags = 1 << iota
	FlagSYN
	FlagRST
	FlagPSH
	FlagACK
	FlagURG
)

func (f Flags) Has(bit Flags) bool { return f&bit != 0 }

// Segment is one inbound or outbound byte-stream segment.
type Segment struct {
	Seq    uint32
	Ack    uint32
	Window uint16
	Flags  Flags
	Data   []byte

	// Timestamp is the echoed value of the aligned timestamp option (spec
	// §4.6 fast path step 1), zero if absent.
	Timestamp uint32

	// retransmitted marks a segment resent by the send engine, excluding it
	// from RTT sampling (spec §4.7: "Samples from retransmitted segments are
	// discarded (Karn's rule)").
	retransmitted bool

	sentAt int64 // UnixNano send time, for RTT sampling
}

// EndSeq returns the sequence number one past the last byte/flag this
// segment occupies (SYN and FIN each consume one sequence number).
func (s *Segment) EndSeq() uint32 {
	end := s.Seq + uint32(len(s.Data))
	if s.Flags.Has(FlagSYN) {
		end++
	}
	if s.Flags.Has(FlagFIN) {
		end++
	}
	return end
}
