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

import "sync"

// AckMode is one of the three ack-scheduling modes of spec §4.6.
type AckMode int

const (
	AckQuick AckMode = iota
	AckDelayed
	AckPingpong
)

const quickAckCount = 16 // bounded count of immediate acks during slow start (spec §4.6)

// ReceiveEngine is the byte-stream receive side (spec §4.6, component C6):
// fast-path and slow-path segment processing, out-of-order reassembly, and
// ack scheduling.
type ReceiveEngine struct {
	mu sync.Mutex

	RcvNxt      uint32
	RcvWup      uint32 // sequence of the last window update sent (spec §3 invariant: rcv_wup <= rcv_nxt)
	RcvWnd      uint32
	RcvSsthresh uint32

	// RecvQueue holds in-order bytes ready for the application.
	RecvQueue []byte

	// ooo holds out-of-order segments sorted by Seq, each with seq > rcv_nxt.
	ooo []*Segment

	ackMode    AckMode
	quickAcks  int
	needAck    bool
	halfClosed bool
}

// NewReceiveEngine initializes an engine with the given initial receive
// sequence number and window (established via the handshake's exchanged
// initial sequence numbers, spec §4.5).
func NewReceiveEngine(irs uint32, initialWindow uint32) *ReceiveEngine {
	return &ReceiveEngine{
		RcvNxt:    irs,
		RcvWup:    irs,
		RcvWnd:    initialWindow,
		ackMode:   AckQuick,
		quickAcks: quickAckCount,
	}
}

// AckScheduled reports and clears whether an ack should be sent now.
func (e *ReceiveEngine) AckScheduled() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	v := e.needAck
	e.needAck = false
	return v
}

// HalfClosed reports whether a FIN has been processed on this engine.
func (e *ReceiveEngine) HalfClosed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.halfClosed
}

// Accept processes one inbound segment, running the fast path when the
// segment is the expected next one and the slow path otherwise (spec
// §4.6). It returns true if seg was accepted (in-order or queued
// out-of-order), false if it was a pure duplicate/out-of-window drop.
func (e *ReceiveEngine) Accept(seg *Segment) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.isFastPath(seg) {
		e.acceptFastPath(seg)
		return true
	}
	return e.acceptSlowPath(seg)
}

// isFastPath mirrors spec §4.6's fast-path predicate: "segment's predicted
// flag pattern matches the current expectation, its sequence equals
// rcv_nxt". (The ack-advances-without-exceeding-snd_nxt half of the
// predicate is not checked here; Manager.HandleData hands the ack to the
// send engine's HandleAck before it calls Accept.) Header prediction is
// also disabled whenever out-of-order data is still queued (original
// stack, serval_tcp_input.c: "The fast path is disabled when: ... Out of
// order segments arrived"), since the fast path never merges the ooo queue
// and would otherwise strand it forever on a gap-filling segment.
func (e *ReceiveEngine) isFastPath(seg *Segment) bool {
	if seg.Flags.Has(FlagSYN) || seg.Flags.Has(FlagFIN) || seg.Flags.Has(FlagRST) || seg.Flags.Has(FlagURG) {
		return false
	}
	if len(e.ooo) > 0 {
		return false
	}
	return seg.Seq == e.RcvNxt
}

func (e *ReceiveEngine) acceptFastPath(seg *Segment) {
	e.RecvQueue = append(e.RecvQueue, seg.Data...)
	e.RcvNxt += uint32(len(seg.Data))
	e.tuneWindow()
	e.scheduleAck(seg, false)
}

// acceptSlowPath runs the full sequence-space acceptance check (spec §4.6:
// "sequence-space acceptance, reset handling ... then data queuing").
func (e *ReceiveEngine) acceptSlowPath(seg *Segment) bool {
	if seg.Flags.Has(FlagRST) {
		return false
	}

	end := seg.EndSeq()
	if seqLess(seg.Seq, e.RcvNxt) && seqLessEq(end, e.RcvNxt) {
		// Entirely old duplicate.
		return false
	}

	retransmit := seqLess(seg.Seq, e.RcvNxt) && len(seg.Data) > 0

	if seqLessEq(seg.Seq, e.RcvNxt) {
		// In-order, or starting before rcv_nxt with new data past it; the
		// already-received prefix is trimmed.
		data := seg.Data
		if seqLess(seg.Seq, e.RcvNxt) {
			// trim the covered prefix
			skip := e.RcvNxt - seg.Seq
			if int(skip) < len(data) {
				data = data[skip:]
			} else {
				data = nil
			}
		}
		e.RecvQueue = append(e.RecvQueue, data...)
		e.RcvNxt += uint32(len(data))
		if seg.Flags.Has(FlagFIN) {
			e.RcvNxt++
			e.halfClosed = true
			e.ooo = nil // purge OOO on FIN (spec §4.6)
		}
		e.advanceFromOOO()
		e.tuneWindow()
		e.scheduleAck(seg, retransmit)
		return true
	}

	if seqGreater(seg.Seq, e.RcvNxt) {
		e.insertOOO(seg)
		e.scheduleAck(seg, retransmit)
		return true
	}

	return false
}

// insertOOO maintains the out-of-order queue sorted by start sequence (spec
// §4.6): append without search if it abuts the tail; otherwise reverse-walk
// to the insertion point, dropping fully-covered segments and trimming
// overlaps.
func (e *ReceiveEngine) insertOOO(seg *Segment) {
	if len(e.ooo) > 0 {
		tail := e.ooo[len(e.ooo)-1]
		if seg.Seq == tail.EndSeq() {
			e.ooo = append(e.ooo, seg)
			return
		}
	}

	i := len(e.ooo)
	for i > 0 && seqGreater(e.ooo[i-1].Seq, seg.Seq) {
		i--
	}

	if i > 0 {
		prev := e.ooo[i-1]
		if seqGreaterEq(prev.EndSeq(), seg.EndSeq()) {
			// Fully covered by the previous segment; drop.
			return
		}
		if seqGreater(prev.EndSeq(), seg.Seq) {
			// Overlaps prev on the right: accept the non-overlapping suffix.
			skip := prev.EndSeq() - seg.Seq
			if int(skip) < len(seg.Data) {
				seg = &Segment{Seq: prev.EndSeq(), Data: seg.Data[skip:], Flags: seg.Flags}
			} else {
				return
			}
		}
	}

	// Trim/drop following segments fully covered by the new one.
	j := i
	for j < len(e.ooo) && seqLessEq(e.ooo[j].EndSeq(), seg.EndSeq()) {
		j++
	}
	if j < len(e.ooo) && seqLess(e.ooo[j].Seq, seg.EndSeq()) {
		skip := seg.EndSeq() - e.ooo[j].Seq
		if int(skip) < len(e.ooo[j].Data) {
			e.ooo[j].Data = e.ooo[j].Data[skip:]
			e.ooo[j].Seq = seg.EndSeq()
		} else {
			j++
		}
	}

	merged := make([]*Segment, 0, len(e.ooo)-(j-i)+1)
	merged = append(merged, e.ooo[:i]...)
	merged = append(merged, seg)
	merged = append(merged, e.ooo[j:]...)
	e.ooo = merged
}

// advanceFromOOO moves any out-of-order segments that now abut rcv_nxt into
// the receive queue (spec §4.6: "scanned for runs that now abut rcv_nxt and
// moved across; covered duplicates are dropped").
func (e *ReceiveEngine) advanceFromOOO() {
	for len(e.ooo) > 0 {
		head := e.ooo[0]
		if seqGreater(head.Seq, e.RcvNxt) {
			return
		}
		data := head.Data
		if seqLess(head.Seq, e.RcvNxt) {
			skip := e.RcvNxt - head.Seq
			if int(skip) < len(data) {
				data = data[skip:]
			} else {
				data = nil
			}
		}
		e.RecvQueue = append(e.RecvQueue, data...)
		e.RcvNxt += uint32(len(data))
		e.ooo = e.ooo[1:]
	}
}

// tuneWindow is the hook called after every successful data acceptance; it
// does nothing, so the advertised window changes only through explicit
// Grow/Shrink calls, which nothing in this module makes.
func (e *ReceiveEngine) tuneWindow() {}

// Grow increases the advertised window by by, up to ceiling. No caller in
// this module invokes it.
func (e *ReceiveEngine) Grow(by uint32, ceiling uint32) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.RcvWnd += by
	if e.RcvWnd > ceiling {
		e.RcvWnd = ceiling
	}
}

// Shrink clamps the window under memory pressure (spec §4.6).
func (e *ReceiveEngine) Shrink(floor uint32) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.RcvWnd > floor {
		e.RcvWnd = floor
	}
}

// scheduleAck forces an immediate ack when out-of-order data exists or a
// retransmitted segment is detected; otherwise it respects the configured
// ack mode. Segment size is not considered: a full-size segment does not by
// itself force an ack.
func (e *ReceiveEngine) scheduleAck(seg *Segment, retransmitted bool) {
	if len(e.ooo) > 0 || retransmitted {
		e.needAck = true
		return
	}
	switch e.ackMode {
	case AckQuick:
		e.needAck = true
		if e.quickAcks > 0 {
			e.quickAcks--
			if e.quickAcks == 0 {
				e.ackMode = AckDelayed
			}
		}
	case AckPingpong:
		// always delay; a timeout elsewhere flushes it.
	case AckDelayed:
		// one ack per ~two segments: toggle a pending flag every other call.
		e.needAck = !e.needAck
	}
}

// SetPingpong switches the engine into interactive (pingpong) ack mode. No
// caller in this module invokes it.
func (e *ReceiveEngine) SetPingpong() {
	e.mu.Lock()
	e.ackMode = AckPingpong
	e.mu.Unlock()
}

// Drain removes and returns all bytes currently in the in-order receive
// queue, for delivery to a blocked application read.
func (e *ReceiveEngine) Drain() []byte {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := e.RecvQueue
	e.RecvQueue = nil
	return out
}
