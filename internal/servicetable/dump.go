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
	"strings"

	"github.com/arlojensen/serval/internal/trie"
)

// Dump renders a human-readable tree of every node carrying target entries,
// for debugging.
func (tbl *Table) Dump() string {
	tbl.mu.RLock()
	defer tbl.mu.RUnlock()

	var b strings.Builder
	tbl.t.Walk(nil, func(n *trie.Node) {
		el, _ := n.Payload.(*entryList)
		if el == nil || len(el.entries) == 0 {
			return
		}
		fmt.Fprintf(&b, "/%d\n", n.PrefixLen)
		for _, te := range el.entries {
			fmt.Fprintf(&b, "  type=%s next-hop=%s if=%d priority=%d weight=%d\n",
				te.Type, te.NextHop, te.IfIndex, te.Priority, te.Weight)
		}
	})
	return b.String()
}
