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
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/arlojensen/serval/pkg/serval"
)

// fakeCmdable is a minimal redis.Cmdable stand-in exercising only the three
// methods RedisCache calls, the same narrow-fake approach the teacher's
// persistence package uses for its Redis tests.
type fakeCmdable struct {
	redis.Cmdable

	stored    map[string]string
	evalKeys  []string
	evalArgs  []interface{}
	evalCalls int
	evalErr   error
	getErr    error
}

func newFakeCmdable() *fakeCmdable {
	return &fakeCmdable{stored: make(map[string]string)}
}

func (f *fakeCmdable) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd {
	switch v := value.(type) {
	case []byte:
		f.stored[key] = string(v)
	case string:
		f.stored[key] = v
	}
	return redis.NewStatusResult("OK", nil)
}

func (f *fakeCmdable) Get(ctx context.Context, key string) *redis.StringCmd {
	if f.getErr != nil {
		return redis.NewStringResult("", f.getErr)
	}
	v, ok := f.stored[key]
	if !ok {
		return redis.NewStringResult("", redis.Nil)
	}
	return redis.NewStringResult(v, nil)
}

func (f *fakeCmdable) Eval(ctx context.Context, script string, keys []string, args ...interface{}) *redis.Cmd {
	f.evalCalls++
	f.evalKeys = keys
	f.evalArgs = args
	if f.evalErr != nil {
		return redis.NewCmdResult(nil, f.evalErr)
	}
	if f.evalCalls == 1 {
		return redis.NewCmdResult(int64(0), nil)
	}
	return redis.NewCmdResult(int64(1), nil)
}

func Test_RedisCache_RememberLookup_RoundTrip(t *testing.T) {
	fake := newFakeCmdable()
	c := NewRedisCache(fake, time.Hour)
	reg := testReg()

	if err := c.Remember(context.Background(), reg.ServiceID, reg, 10*time.Minute); err != nil {
		t.Fatalf("Remember: %v", err)
	}
	got, ok, err := c.Lookup(context.Background(), reg.ServiceID)
	if err != nil || !ok {
		t.Fatalf("Lookup: ok=%v err=%v", ok, err)
	}
	if !got.NextHop.Equal(reg.NextHop) {
		t.Fatalf("next hop mismatch: got %v want %v", got.NextHop, reg.NextHop)
	}
}

func Test_RedisCache_Lookup_Miss(t *testing.T) {
	fake := newFakeCmdable()
	c := NewRedisCache(fake, time.Hour)
	var sid serval.ServiceID
	_, ok, err := c.Lookup(context.Background(), sid)
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if ok {
		t.Fatalf("expected miss")
	}
}

func Test_RedisCache_SeenCommit_FirstThenRepeat(t *testing.T) {
	fake := newFakeCmdable()
	c := NewRedisCache(fake, time.Hour)

	seen, err := c.SeenCommit(context.Background(), "commit-1")
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if seen {
		t.Fatalf("expected first sighting to report not-seen")
	}

	seen, err = c.SeenCommit(context.Background(), "commit-1")
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if !seen {
		t.Fatalf("expected repeat sighting to report seen")
	}
}

func Test_NewRedisCache_DefaultsTTL(t *testing.T) {
	c := NewRedisCache(newFakeCmdable(), 0)
	if c.markerTTL != 24*time.Hour {
		t.Fatalf("expected default TTL 24h, got %v", c.markerTTL)
	}
}
