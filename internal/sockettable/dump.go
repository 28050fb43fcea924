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

package sockettable

import (
	"fmt"
	"strings"
)

// Dump renders a human-readable list of every hashed socket, one line per
// socket, for debugging.
func (t *Table) Dump() string {
	var b strings.Builder
	t.Range(func(s *Socket) bool {
		local := "-"
		if s.LocalService != nil {
			local = s.LocalService.String()
		}
		peer := "-"
		if s.PeerService != nil {
			peer = s.PeerService.String()
		}
		fmt.Fprintf(&b, "flow=%s peer-flow=%s state=%s local-sid=%s peer-sid=%s role=%d refcount=%d\n",
			s.LocalFlow, s.PeerFlow, s.State(), local, peer, s.Role, s.refcount.Load())
		return true
	})
	return b.String()
}
