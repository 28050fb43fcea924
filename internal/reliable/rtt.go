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

import "time"

// RTTEstimator implements the smoothed round-trip estimator of spec §4.7
// (Jacobson/Karn): srtt = 7/8*srtt + 1/8*m; mdev = 3/4*mdev + 1/4*|m-srtt|;
// rto = srtt + 4*rttvar, clamped to [RTOMin, RTOMax].
type RTTEstimator struct {
	RTOMin time.Duration
	RTOMax time.Duration

	srtt    time.Duration
	mdev    time.Duration
	mdevMax time.Duration
	rttvar  time.Duration
	primed  bool
}

// NewRTTEstimator returns an estimator with the reference floor/ceiling.
func NewRTTEstimator() *RTTEstimator {
	return &RTTEstimator{RTOMin: 200 * time.Millisecond, RTOMax: 120 * time.Second}
}

// Sample folds one round-trip measurement m into the estimator. The first
// sample seeds srtt/mdev directly rather than blending, the standard
// cold-start rule.
func (r *RTTEstimator) Sample(m time.Duration) {
	if !r.primed {
		r.srtt = m
		r.mdev = m / 2
		r.mdevMax = r.mdev
		r.rttvar = r.mdev
		r.primed = true
		return
	}

	delta := m - r.srtt
	r.srtt += delta / 8

	absDelta := delta
	if absDelta < 0 {
		absDelta = -absDelta
	}
	r.mdev += (absDelta - r.mdev) / 4
	if r.mdev > r.mdevMax {
		r.mdevMax = r.mdev
	}
	// rttvar tracks the maximum mdev observed since the last EndRound.
	r.rttvar = r.mdevMax
}

// EndRound resets the mdev maximum to the current mdev. SendEngine.HandleAck
// calls it after every ack that yields an RTT sample, so rttvar is the larger
// of the previous and the current sample's mdev, not a maximum over a full
// window of acks.
func (r *RTTEstimator) EndRound() { r.mdevMax = r.mdev }

// RTO returns the current retransmission timeout, clamped to [RTOMin, RTOMax].
func (r *RTTEstimator) RTO() time.Duration {
	if !r.primed {
		return r.RTOMin
	}
	rto := r.srtt + 4*r.rttvar
	if rto < r.RTOMin {
		return r.RTOMin
	}
	if rto > r.RTOMax {
		return r.RTOMax
	}
	return rto
}
