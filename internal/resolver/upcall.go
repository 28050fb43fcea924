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

// Package resolver implements the cooperative resolution upcall (spec §4.2:
// "a miss may trigger an upcall to a user-space resolver process"): when the
// local service table has no match for a destination service id, the stack
// asks one of several cooperating resolver replicas to resolve it, durably
// records what it learns, and installs the result as a new target entry.
package resolver

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/dgryski/go-rendezvous"

	"github.com/arlojensen/serval/internal/ctrlsock"
	"github.com/arlojensen/serval/internal/resolver/store"
	"github.com/arlojensen/serval/pkg/serval"
)

// hashNode feeds rendezvous's hash function requirement (a string -> uint64
// hash), using xxhash the way the teacher's go.mod already pulls it in
// transitively via prometheus/common.
func hashNode(s string) uint64 { return xxhash.Sum64String(s) }

// Upcall resolves service ids that missed in the local service table by
// picking one of several cooperating resolver replicas via rendezvous
// hashing, so that repeated misses for the same service id land on the same
// replica even as the replica set grows or shrinks (consistent hashing's
// usual minimal-disruption property).
type Upcall struct {
	mu    sync.RWMutex
	nodes *rendezvous.Rendezvous
	addrs map[string]string // replica id -> dial address

	cache    store.Cache
	registry store.Registry

	dialTimeout time.Duration
}

// NewUpcall builds an upcall client over the given replica set (id -> dial
// address), optionally backed by a cache and durable registry.
func NewUpcall(replicas map[string]string, cache store.Cache, registry store.Registry) *Upcall {
	ids := make([]string, 0, len(replicas))
	for id := range replicas {
		ids = append(ids, id)
	}
	return &Upcall{
		nodes:       rendezvous.New(ids, hashNode),
		addrs:       replicas,
		cache:       cache,
		registry:    registry,
		dialTimeout: 2 * time.Second,
	}
}

// AddReplica adds a cooperating resolver replica to the hash ring.
func (u *Upcall) AddReplica(id, addr string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.addrs[id] = addr
	u.nodes.Add(id)
}

// RemoveReplica removes a replica from the hash ring, e.g. after a health
// check marks it unreachable.
func (u *Upcall) RemoveReplica(id string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	delete(u.addrs, id)
	u.nodes.Remove(id)
}

// owner returns the dial address of the replica rendezvous hashing assigns
// to dst.
func (u *Upcall) owner(dst serval.ServiceID) (string, error) {
	u.mu.RLock()
	defer u.mu.RUnlock()
	id := u.nodes.Lookup(dst.String())
	addr, ok := u.addrs[id]
	if !ok {
		return "", fmt.Errorf("resolver: no replica address for %q", id)
	}
	return addr, nil
}

// Resolve asks the replica owning dst to resolve it, consulting the cache
// first (spec §4.2's delay/upcall path). On a successful upcall reply, the
// result is remembered in the cache and durably upserted into the registry
// (each when configured) so a future local miss, or a resolver restart,
// does not need to repeat the round trip.
func (u *Upcall) Resolve(ctx context.Context, xid uint32, src, dst serval.ServiceID, srcAddr net.IP) (*serval.TargetEntry, error) {
	if u.cache != nil {
		if reg, ok, err := u.cache.Lookup(ctx, dst); err == nil && ok {
			return reg.ToTargetEntry(), nil
		}
	}

	addr, err := u.owner(dst)
	if err != nil {
		return nil, err
	}

	dialCtx, cancel := context.WithTimeout(ctx, u.dialTimeout)
	defer cancel()
	conn, err := dialWithContext(dialCtx, addr)
	if err != nil {
		return nil, fmt.Errorf("resolver: dial replica %s: %w", addr, err)
	}
	defer conn.Close()

	req := ctrlsock.ResolveMessage{
		XID:           xid,
		SrcServiceID:  src,
		DstServiceID:  dst,
		SrcAddress:    srcAddr,
		DstPrefixBits: 255, // widest prefix match the wire field can express
	}
	if err := conn.WriteMessage(ctrlsock.EncodeResolve(req)); err != nil {
		return nil, fmt.Errorf("resolver: write resolve upcall: %w", err)
	}

	replyBuf, err := conn.ReadMessage()
	if err != nil {
		return nil, fmt.Errorf("resolver: read resolve reply: %w", err)
	}
	svcMsg, err := ctrlsock.DecodeServiceMessage(replyBuf)
	if err != nil {
		return nil, fmt.Errorf("resolver: decode resolve reply: %w", err)
	}
	if len(svcMsg.Services) == 0 {
		return nil, serval.ErrNoEntry
	}
	info := svcMsg.Services[0]
	entry := info.ToTargetEntry()

	reg := store.Registration{
		ServiceID:    dst,
		PrefixBits:   int(info.SrvIDPrefixBits),
		NextHop:      info.Address,
		IfIndex:      info.IfIndex,
		Priority:     info.Priority,
		Weight:       info.Weight,
		RegisteredAt: time.Now(),
	}
	if u.cache != nil {
		_ = u.cache.Remember(ctx, dst, reg, 10*time.Minute)
	}
	if u.registry != nil {
		_ = u.registry.Upsert(ctx, reg, fmt.Sprintf("upcall-%d", xid))
	}

	return entry, nil
}

func dialWithContext(ctx context.Context, addr string) (*ctrlsock.Conn, error) {
	var d net.Dialer
	c, err := d.DialContext(ctx, "unix", addr)
	if err != nil {
		return nil, err
	}
	return ctrlsock.NewConn(c), nil
}
