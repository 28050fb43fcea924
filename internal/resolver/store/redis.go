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

package store

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/arlojensen/serval/pkg/serval"
)

// RedisCache is a Cache backed by go-redis/v9: a short-lived copy of each
// registration for fast resolver-restart-free lookups, plus an idempotency
// marker so a duplicate add_service control message (retried after a
// timeout) is not applied twice.
type RedisCache struct {
	client    redis.Cmdable
	markerTTL time.Duration
}

// NewRedisCache returns a cache using client, defaulting markerTTL to 24h
// the way the teacher's RedisPersister guards against unbounded marker
// growth.
func NewRedisCache(client redis.Cmdable, markerTTL time.Duration) *RedisCache {
	if markerTTL <= 0 {
		markerTTL = 24 * time.Hour
	}
	return &RedisCache{client: client, markerTTL: markerTTL}
}

func registrationKey(sid serval.ServiceID) string {
	return fmt.Sprintf("serval:reg:%s", sid.String())
}

func commitMarkerKey(commitID string) string {
	return fmt.Sprintf("serval:commit:%s", commitID)
}

// wireRegistration is Registration's JSON-friendly shape (net.IP doesn't
// round-trip through encoding/json the way we want for a fixed-width
// address field).
type wireRegistration struct {
	ServiceID    string `json:"service_id"`
	PrefixBits   int    `json:"prefix_bits"`
	NextHop      string `json:"next_hop"`
	IfIndex      uint32 `json:"if_index"`
	Priority     uint32 `json:"priority"`
	Weight       uint32 `json:"weight"`
	Reregister   bool   `json:"reregister"`
	OldNextHop   string `json:"old_next_hop,omitempty"`
	RegisteredAt int64  `json:"registered_at"`
}

func toWire(reg Registration) wireRegistration {
	w := wireRegistration{
		ServiceID:    reg.ServiceID.String(),
		PrefixBits:   reg.PrefixBits,
		NextHop:      reg.NextHop.String(),
		IfIndex:      reg.IfIndex,
		Priority:     reg.Priority,
		Weight:       reg.Weight,
		Reregister:   reg.Reregister,
		RegisteredAt: reg.RegisteredAt.UnixNano(),
	}
	if reg.OldNextHop != nil {
		w.OldNextHop = reg.OldNextHop.String()
	}
	return w
}

func fromWire(w wireRegistration) (Registration, error) {
	sid, err := serval.ParseServiceID(w.ServiceID)
	if err != nil {
		return Registration{}, err
	}
	reg := Registration{
		ServiceID:    sid,
		PrefixBits:   w.PrefixBits,
		NextHop:      net.ParseIP(w.NextHop),
		IfIndex:      w.IfIndex,
		Priority:     w.Priority,
		Weight:       w.Weight,
		Reregister:   w.Reregister,
		RegisteredAt: time.Unix(0, w.RegisteredAt),
	}
	if w.OldNextHop != "" {
		reg.OldNextHop = net.ParseIP(w.OldNextHop)
	}
	return reg, nil
}

// Remember caches reg under sid for ttl.
func (c *RedisCache) Remember(ctx context.Context, sid serval.ServiceID, reg Registration, ttl time.Duration) error {
	b, err := json.Marshal(toWire(reg))
	if err != nil {
		return fmt.Errorf("store: marshal registration: %w", err)
	}
	return c.client.Set(ctx, registrationKey(sid), b, ttl).Err()
}

// Lookup returns the cached registration for sid, if present.
func (c *RedisCache) Lookup(ctx context.Context, sid serval.ServiceID) (Registration, bool, error) {
	b, err := c.client.Get(ctx, registrationKey(sid)).Bytes()
	if err == redis.Nil {
		return Registration{}, false, nil
	}
	if err != nil {
		return Registration{}, false, fmt.Errorf("store: redis get: %w", err)
	}
	var w wireRegistration
	if err := json.Unmarshal(b, &w); err != nil {
		return Registration{}, false, fmt.Errorf("store: unmarshal registration: %w", err)
	}
	reg, err := fromWire(w)
	if err != nil {
		return Registration{}, false, err
	}
	return reg, true, nil
}

// seenCommitScript sets the idempotency marker and reports whether it was
// newly set, the same SETNX-then-expire shape as the teacher's
// RedisPersister (persistence/redis.go).
const seenCommitScript = `
local marker = KEYS[1]
local ttl = tonumber(ARGV[1])
local set = redis.call('SETNX', marker, 1)
if set == 1 then
  if ttl and ttl > 0 then
    redis.call('EXPIRE', marker, ttl)
  end
  return 0
else
  return 1
end
`

// SeenCommit reports whether commitID has already been applied, marking it
// as applied if this is the first sighting.
func (c *RedisCache) SeenCommit(ctx context.Context, commitID string) (bool, error) {
	res, err := c.client.Eval(ctx, seenCommitScript, []string{commitMarkerKey(commitID)}, int(c.markerTTL.Seconds())).Result()
	if err != nil {
		return false, fmt.Errorf("store: redis eval commit marker: %w", err)
	}
	seen, ok := res.(int64)
	if !ok {
		return false, fmt.Errorf("store: unexpected redis eval result type %T", res)
	}
	return seen == 1, nil
}
