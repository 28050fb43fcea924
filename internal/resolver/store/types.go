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

// Package store provides durable and cached persistence for the resolver's
// view of registered services: a register/add_service control message
// installs a Registration, which must survive a resolver restart (spec.md's
// "no persistent on-disk state" non-goal scopes the *transport*, not this
// control-plane registry, SPEC_FULL §C).
package store

import (
	"context"
	"net"
	"time"

	"github.com/arlojensen/serval/pkg/serval"
)

// Registration is one durable record of a register/add_service control
// message: the service id, the target it resolves to, and whether this
// install replaces a prior one (ctrlsock.RegFlagReregister).
type Registration struct {
	ServiceID   serval.ServiceID
	PrefixBits  int
	NextHop     net.IP
	IfIndex     uint32
	Priority    uint32
	Weight      uint32
	Reregister  bool
	OldNextHop  net.IP // only meaningful when Reregister is true
	RegisteredAt time.Time
}

// ToTargetEntry builds the in-memory target entry a service-table install
// installs on a successful resolve, defaulting to TargetForward since a
// Registration only ever describes a next hop to forward toward.
func (r Registration) ToTargetEntry() *serval.TargetEntry {
	return serval.NewTargetEntry(serval.TargetForward, r.NextHop, r.IfIndex, r.Priority, r.Weight, 0, 0)
}

// Registry is the durable backing store every persister implements:
// idempotent upserts keyed by (ServiceID, PrefixBits, NextHop, IfIndex), and
// a full load for populating the in-memory service table on startup.
type Registry interface {
	Upsert(ctx context.Context, reg Registration, commitID string) error
	LoadAll(ctx context.Context) ([]Registration, error)
}

// Cache is the fast-path lookup the resolver consults before falling back to
// the durable Registry — a recently-resolved target entry, or an
// idempotency marker for a duplicate add_service (mirrors the teacher's
// Redis SETNX commit-marker pattern).
type Cache interface {
	Remember(ctx context.Context, sid serval.ServiceID, reg Registration, ttl time.Duration) error
	Lookup(ctx context.Context, sid serval.ServiceID) (Registration, bool, error)
	SeenCommit(ctx context.Context, commitID string) (bool, error)
}
