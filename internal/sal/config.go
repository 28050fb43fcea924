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

// Package sal implements the per-socket SAL state machine (spec §4.5,
// component C5): connection states, the transitions between them, and the
// control queue's own retransmission scheme, independent of the reliable
// transport's retransmit queue (C6/C7, internal/reliable).
package sal

import "time"

// Config holds the implementation-chosen constants spec §4.5 leaves open,
// with the reference values the spec text itself cites.
type Config struct {
	RetransmitBase time.Duration // starting backoff (reference: ~3s)
	RetransmitCap  time.Duration // backoff ceiling (reference: 60s)
	MaxAttempts    int           // attempts before the socket is marked failed (reference: 7)
	QueueBound     int           // control queue length bound (reference: 20)
	MSL            time.Duration // maximum segment lifetime; timewait lasts 2x this
}

// DefaultConfig returns the reference constants named in spec §4.5.
func DefaultConfig() Config {
	return Config{
		RetransmitBase: 3 * time.Second,
		RetransmitCap:  60 * time.Second,
		MaxAttempts:    7,
		QueueBound:     20,
		MSL:            30 * time.Second,
	}
}

// backoff computes the retransmit delay for the given 0-indexed attempt
// number, doubling per attempt and capped at cfg.RetransmitCap.
func (cfg Config) backoff(attempt int) time.Duration {
	d := cfg.RetransmitBase
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= cfg.RetransmitCap {
			return cfg.RetransmitCap
		}
	}
	return d
}
