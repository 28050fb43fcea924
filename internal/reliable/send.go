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
	"sync"
	"time"
)

// outstandingSegment is one unacknowledged segment sitting in the
// retransmit queue, in send order.
type outstandingSegment struct {
	seg       *Segment
	rtoAt     time.Time
	attempts  int
	sampledAt bool // an RTT sample has already been taken for this segment (Karn's rule)
}

// ErrMaxRetransmitsExceeded is returned by CheckTimeout once a segment has
// been retransmitted past the configured attempt ceiling (spec §4.7:
// "repeated RTO expiry without any ack progress eventually resets the
// connection").
type sendError string

func (e sendError) Error() string { return string(e) }

const ErrMaxRetransmitsExceeded sendError = "reliable: max retransmits exceeded"

// SendEngine is the byte-stream send side (spec §4.7, component C7):
// retransmit queue, cumulative-ack processing, RTT/RTO estimation, and
// congestion-window management.
type SendEngine struct {
	mu sync.Mutex

	SndUna uint32 // oldest unacknowledged sequence
	SndNxt uint32 // next sequence to send
	SndWnd uint32 // peer-advertised window, in bytes

	MSS uint32

	queue []*outstandingSegment // in send order, Seq ascending

	rtt  *RTTEstimator
	cong *CongestionController

	MaxRetransmits int

	dupAcks int
}

// NewSendEngine initializes a send engine for a connection whose initial
// send sequence number is iss (spec §4.5's exchanged initial sequence
// numbers) and whose maximum segment size is mss.
func NewSendEngine(iss uint32, mss uint32, maxRetransmits int) *SendEngine {
	return &SendEngine{
		SndUna:         iss,
		SndNxt:         iss,
		SndWnd:         mss, // conservative until the first window update arrives
		MSS:            mss,
		rtt:            NewRTTEstimator(),
		cong:           NewCongestionController(mss),
		MaxRetransmits: maxRetransmits,
	}
}

// InFlight returns the number of bytes currently outstanding.
func (s *SendEngine) InFlight() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inFlightLocked()
}

func (s *SendEngine) inFlightLocked() uint32 {
	if len(s.queue) == 0 {
		return 0
	}
	last := s.queue[len(s.queue)-1]
	return last.seg.EndSeq() - s.SndUna
}

// CongestionWindow returns the current cwnd in bytes.
func (s *SendEngine) CongestionWindow() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cong.Cwnd * s.MSS
}

// CanSend reports how many bytes may be sent right now, bounded by both the
// peer's advertised window and the congestion window (spec §4.7: "a segment
// is eligible to send when it fits within both the congestion window and
// the peer's advertised window").
func (s *SendEngine) CanSend() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()

	inFlight := s.inFlightLocked()
	cwnd := s.cong.Cwnd * s.MSS

	limit := s.SndWnd
	if cwnd < limit {
		limit = cwnd
	}
	if inFlight >= limit {
		return 0
	}
	return limit - inFlight
}

// Send enqueues an outbound segment, assigning it the next sequence number
// and arming its RTO.
func (s *SendEngine) Send(flags Flags, data []byte, now time.Time) *Segment {
	s.mu.Lock()
	defer s.mu.Unlock()

	seg := &Segment{Seq: s.SndNxt, Flags: flags, Data: data, sentAt: now.UnixNano()}
	s.SndNxt = seg.EndSeq()

	s.queue = append(s.queue, &outstandingSegment{
		seg:   seg,
		rtoAt: now.Add(s.rtt.RTO()),
	})
	return seg
}

// AckResult reports what a processed ack did, so the caller (the socket's
// event loop) knows whether to wake blocked writers or schedule a FIN.
type AckResult struct {
	Advanced    bool
	AckedBytes  uint32
	DupAck      bool
	FullyAcked  bool // SndUna == SndNxt: nothing outstanding
}

// HandleAck processes a cumulative ack (spec §4.7): segments fully covered
// by ack are retired from the retransmit queue, an RTT sample is taken from
// the oldest newly-acked segment unless it was retransmitted (Karn's rule),
// and the congestion window is advanced via OnAck. A window update in the
// same segment also updates SndWnd.
func (s *SendEngine) HandleAck(ack uint32, window uint32, now time.Time) AckResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	if seqLessEq(ack, s.SndUna) {
		// Old or duplicate ack.
		if ack == s.SndUna {
			s.dupAcks++
			if s.dupAcks >= 3 {
				s.cong.EnterRecovery(true)
			}
		}
		s.SndWnd = window
		return AckResult{DupAck: true}
	}
	if seqGreater(ack, s.SndNxt) {
		// Acks data never sent; ignore (spec §4.7 acceptance check).
		return AckResult{}
	}

	s.dupAcks = 0

	var ackedBytes uint32
	var sampled bool
	for len(s.queue) > 0 {
		head := s.queue[0]
		if seqGreater(head.seg.EndSeq(), ack) {
			if seqGreater(ack, head.seg.Seq) {
				// Partial ack: trim the covered prefix in place.
				covered := ack - head.seg.Seq
				ackedBytes += covered
				head.seg.Seq = ack
				if int(covered) <= len(head.seg.Data) {
					head.seg.Data = head.seg.Data[covered:]
				}
			}
			break
		}
		ackedBytes += head.seg.EndSeq() - s.SndUna
		s.SndUna = head.seg.EndSeq()
		if !head.seg.retransmitted && !sampled {
			s.rtt.Sample(time.Duration(now.UnixNano() - head.seg.sentAt))
			sampled = true
		}
		s.queue = s.queue[1:]
	}

	if len(s.queue) > 0 {
		s.SndUna = ack
	}

	s.SndWnd = window
	if sampled {
		s.rtt.EndRound()
	}

	if s.cong.State != CongestionOpen && seqGreaterEq(ack, s.cong.HighSeq) {
		s.cong.State = CongestionOpen
	}
	if ackedBytes > 0 {
		s.cong.OnAck(ackedBytes, s.inFlightLocked())
	}

	return AckResult{
		Advanced:   ackedBytes > 0,
		AckedBytes: ackedBytes,
		FullyAcked: len(s.queue) == 0,
	}
}

// CheckTimeout examines the head of the retransmit queue and, if its RTO
// has elapsed, marks it for retransmission and doubles the backoff (spec
// §4.7: RTO expiry enters loss, resets cwnd to 1, and retransmits the
// oldest unacknowledged segment). It returns the segment to retransmit, or
// nil if nothing is due. ErrMaxRetransmitsExceeded signals the caller to
// reset the connection.
func (s *SendEngine) CheckTimeout(now time.Time) (*Segment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.queue) == 0 {
		return nil, nil
	}
	head := s.queue[0]
	if now.Before(head.rtoAt) {
		return nil, nil
	}

	head.attempts++
	if head.attempts > s.MaxRetransmits {
		return nil, ErrMaxRetransmitsExceeded
	}

	s.cong.EnterLoss(s.SndNxt)
	head.seg.retransmitted = true
	head.seg.sentAt = now.UnixNano()

	rto := s.rtt.RTO() * time.Duration(1<<uint(head.attempts))
	if max := s.rtt.RTOMax; rto > max {
		rto = max
	}
	head.rtoAt = now.Add(rto)

	return head.seg, nil
}

// SndUnaValue returns the current SndUna under lock, for tests/diagnostics.
func (s *SendEngine) SndUnaValue() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.SndUna
}

// CongestionState exposes the current congestion state for diagnostics
// (e.g. the debug dump, spec §C.5).
func (s *SendEngine) CongestionState() CongestionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cong.State
}
