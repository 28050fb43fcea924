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

// CongestionState mirrors the reno state machine named in spec §4.7: open,
// disorder, cwr, recovery, loss.
type CongestionState int

const (
	CongestionOpen CongestionState = iota
	CongestionDisorder
	CongestionCWR
	CongestionRecovery
	CongestionLoss
)

func (s CongestionState) String() string {
	switch s {
	case CongestionOpen:
		return "open"
	case CongestionDisorder:
		return "disorder"
	case CongestionCWR:
		return "cwr"
	case CongestionRecovery:
		return "recovery"
	case CongestionLoss:
		return "loss"
	default:
		return "unknown"
	}
}

// CongestionControl is the pluggable interface spec §4.7 names: "ssthresh(sock)
// and cong_avoid(sock, ack, in_flight) and optional pkts_acked(sock, acked, rtt_us)".
type CongestionControl interface {
	Ssthresh(c *CongestionController) uint32
	CongAvoid(c *CongestionController, acked uint32, inFlight uint32)
	PktsAcked(c *CongestionController, acked uint32, rttUs int64)
}

// CongestionController holds the window state the congestion-control
// algorithm mutates. MSS is the maximum segment size used to convert
// between bytes and the spec's packet-counted slow-start/cwnd arithmetic.
type CongestionController struct {
	MSS      uint32
	Cwnd     uint32 // in MSS units, per the conventional reno accounting
	Ssthresh uint32
	State    CongestionState
	HighSeq  uint32

	partial uint32 // accumulated acked-MSS fraction toward the next cwnd increment
	algo    CongestionControl
}

// NewCongestionController returns a controller initialized into slow start
// (cwnd = 1 MSS, as spec §4.7's loss-entry reset also uses).
func NewCongestionController(mss uint32) *CongestionController {
	return &CongestionController{MSS: mss, Cwnd: 1, Ssthresh: 0x7FFFFFFF, State: CongestionOpen, algo: Reno{}}
}

// OnAck is called on every unambiguous ack that advances data (spec §4.7:
// "The engine calls cong_avoid when the ack is unambiguous and advances
// data").
func (c *CongestionController) OnAck(ackedBytes uint32, inFlightBytes uint32) {
	acked := ackedBytes / c.MSS
	if acked == 0 {
		acked = 1
	}
	inFlight := inFlightBytes / c.MSS
	c.algo.CongAvoid(c, acked, inFlight)
}

// EnterLoss implements the RTO-expiry transition (spec §4.7: "RTO expiry
// enters loss, resets cwnd to 1, saves snd_nxt as high_seq").
func (c *CongestionController) EnterLoss(sndNxt uint32) {
	c.Ssthresh = c.algo.Ssthresh(c)
	c.State = CongestionLoss
	c.Cwnd = 1
	c.HighSeq = sndNxt
}

// EnterRecovery implements the dubious-ack transition into recovery or
// disorder (spec §4.7).
func (c *CongestionController) EnterRecovery(dubious bool) {
	if c.State != CongestionOpen {
		return
	}
	c.Ssthresh = c.algo.Ssthresh(c)
	if dubious {
		c.State = CongestionRecovery
	} else {
		c.State = CongestionDisorder
	}
}

// Reno is the standard additive-increase/multiplicative-decrease algorithm
// (spec §4.7: "reno-only" is the non-goal's complement — this is the engine
// actually specified).
type Reno struct{}

// Ssthresh halves the current congestion window, floored at 2 MSS.
func (Reno) Ssthresh(c *CongestionController) uint32 {
	half := c.Cwnd / 2
	if half < 2 {
		half = 2
	}
	return half
}

// CongAvoid grows cwnd by 1 MSS per acked segment in slow start (cwnd <
// ssthresh, roughly doubling per RTT) or by 1 MSS per cwnd acked segments in
// congestion avoidance (about 1 MSS per RTT, linear).
func (Reno) CongAvoid(c *CongestionController, acked uint32, _ uint32) {
	if c.Cwnd < c.Ssthresh {
		// Slow start: one full MSS of growth per acked segment.
		c.Cwnd += acked
		return
	}
	// Congestion avoidance: classic reno additive increase, accumulated
	// across acks rather than granted in one lump per RTT.
	c.partial += acked
	if c.partial >= c.Cwnd {
		c.partial -= c.Cwnd
		c.Cwnd++
	}
}

// PktsAcked is a no-op for plain reno; present to satisfy CongestionControl
// for algorithms (e.g. a future BBR/Vegas swap-in) that use RTT samples.
func (Reno) PktsAcked(*CongestionController, uint32, int64) {}
