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

package servicetable

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/arlojensen/serval/internal/trie"
)

// Sweeper periodically removes target entries whose idle or hard timeout
// has elapsed (spec §4.2: "invoked at >= 1 Hz"). Its start/stop lifecycle
// mirrors the teacher's background commit/eviction worker: a ticker loop
// selecting on a stop channel, with a WaitGroup so Stop blocks until the
// goroutine has actually exited.
type Sweeper struct {
	table    *Table
	interval time.Duration
	stopChan chan struct{}
	wg       sync.WaitGroup
	stopped  uint32
}

// NewSweeper builds a sweeper for table at the given interval. interval must
// be <= 1s to satisfy the spec's ">= 1 Hz" requirement; callers that pass a
// larger value get it clamped.
func NewSweeper(table *Table, interval time.Duration) *Sweeper {
	if interval <= 0 || interval > time.Second {
		interval = time.Second
	}
	return &Sweeper{table: table, interval: interval, stopChan: make(chan struct{})}
}

// Start launches the background sweep goroutine.
func (s *Sweeper) Start() {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.loop()
	}()
}

// Stop gracefully stops the sweeper. Safe to call once; idempotent.
func (s *Sweeper) Stop() {
	if !atomic.CompareAndSwapUint32(&s.stopped, 0, 1) {
		return
	}
	close(s.stopChan)
	s.wg.Wait()
}

func (s *Sweeper) loop() {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.runSweepCycle()
		case <-s.stopChan:
			return
		}
	}
}

// runSweepCycle walks every node in the trie and drops expired target
// entries, pruning nodes left with an empty entry list.
func (s *Sweeper) runSweepCycle() {
	s.table.mu.Lock()
	defer s.table.mu.Unlock()

	now := time.Now()
	var toPrune []trie.Key
	s.table.t.Walk(nil, func(n *trie.Node) {
		el, _ := n.Payload.(*entryList)
		if el == nil {
			return
		}
		kept := el.entries[:0]
		evicted := 0
		for _, te := range el.entries {
			if te.Expired(now) {
				evicted++
				continue
			}
			kept = append(kept, te)
		}
		el.entries = kept
		if evicted > 0 {
			fmt.Printf("servicetable: evicted %d stale target entries\n", evicted)
		}
		if len(el.entries) == 0 {
			n.Payload = nil
			toPrune = append(toPrune, trie.Key{Bytes: append([]byte(nil), n.Prefix...), Bits: n.PrefixLen})
		}
	})
	for _, k := range toPrune {
		s.table.t.Remove(k)
	}
}
