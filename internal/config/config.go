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

// Package config parses the flag-backed tunables of cmd/servald (cmd/servalctl
// parses its own flags), the same doubles-as-production-knobs style as the
// teacher's cmd/ratelimiter-api/main.go flag block.
package config

import (
	"flag"
	"fmt"
	"strings"
	"time"
)

// Config holds every tunable servald needs to stand up the stack: the
// packet port, the SAL state machine's retransmit schedule, the reliable
// engine's window/RTO bounds, the control socket, metrics, and resolver
// persistence.
type Config struct {
	// Packet port
	ListenAddr string // UDP address the scaffold port binds (spec §4.4's PacketPort)
	IfIndex    uint32

	// Control socket (spec's cooperating-process control plane, internal/ctrlsock)
	CtrlSocketPath string

	// SAL state machine (spec §4.5)
	SALRetransmitBase time.Duration
	SALRetransmitCap  time.Duration
	SALMaxAttempts    int
	SALQueueBound     int
	SALMSL            time.Duration

	// Reliable engine (spec §4.6/4.7, components C6/C7)
	InitialWindow  uint32
	MSS            uint32
	MaxRetransmits int
	MinRTO         time.Duration
	MaxRTO         time.Duration

	// Service table eviction sweep (spec §4.2)
	EvictionInterval time.Duration

	// Metrics
	MetricsEnabled bool
	MetricsAddr    string

	// Resolver persistence (SPEC_FULL §C)
	RedisAddr       string
	PostgresDSN     string
	ResolverPeers   map[string]string // replica id -> unix socket path
	ResolverTimeout time.Duration
}

// Default returns the reference constants the spec and its expansion cite,
// the values Parse uses unless overridden by a flag.
func Default() Config {
	return Config{
		ListenAddr:        ":9876",
		IfIndex:           1,
		CtrlSocketPath:    "/tmp/serval-stack-ctrl.sock",
		SALRetransmitBase: 3 * time.Second,
		SALRetransmitCap:  60 * time.Second,
		SALMaxAttempts:    7,
		SALQueueBound:     20,
		SALMSL:            30 * time.Second,
		InitialWindow:     65535,
		MSS:               1460,
		MaxRetransmits:    12,
		MinRTO:            200 * time.Millisecond,
		MaxRTO:            60 * time.Second,
		EvictionInterval:  time.Second,
		MetricsEnabled:    false,
		MetricsAddr:       ":9090",
		ResolverTimeout:   2 * time.Second,
	}
}

// Parse parses args (typically os.Args[1:]) into a Config, starting from
// Default and overriding whatever flags are present.
func Parse(args []string) (*Config, error) {
	def := Default()
	fs := flag.NewFlagSet("servald", flag.ContinueOnError)

	listenAddr := fs.String("listen", def.ListenAddr, "UDP address the packet port binds")
	ifIndex := fs.Uint("if_index", uint(def.IfIndex), "Interface index reported on service registrations")
	ctrlSocketPath := fs.String("ctrl_socket", def.CtrlSocketPath, "Unix control socket path")

	salRetransmitBase := fs.Duration("sal_retransmit_base", def.SALRetransmitBase, "SAL control-queue starting retransmit backoff")
	salRetransmitCap := fs.Duration("sal_retransmit_cap", def.SALRetransmitCap, "SAL control-queue retransmit backoff ceiling")
	salMaxAttempts := fs.Int("sal_max_attempts", def.SALMaxAttempts, "Attempts before a handshake is marked failed")
	salQueueBound := fs.Int("sal_queue_bound", def.SALQueueBound, "Control queue length bound")
	salMSL := fs.Duration("sal_msl", def.SALMSL, "Maximum segment lifetime (TIME_WAIT lasts 2x this)")

	initialWindow := fs.Uint("initial_window", uint(def.InitialWindow), "Initial receive window, in bytes (not passed to the reliable engine, which advertises 65535)")
	mss := fs.Uint("mss", uint(def.MSS), "Maximum segment size, in bytes")
	maxRetransmits := fs.Int("max_retransmits", def.MaxRetransmits, "Reliable-engine RTO retransmit attempts before the connection is declared dead")
	minRTO := fs.Duration("min_rto", def.MinRTO, "Floor on the computed retransmission timeout")
	maxRTO := fs.Duration("max_rto", def.MaxRTO, "Ceiling on the computed retransmission timeout")

	evictionInterval := fs.Duration("eviction_interval", def.EvictionInterval, "How often the service table sweeps idle/hard-timed-out entries (values above 1s are clamped to 1s)")

	metricsEnabled := fs.Bool("metrics", def.MetricsEnabled, "Enable Prometheus metrics recording")
	metricsAddr := fs.String("metrics_addr", def.MetricsAddr, "Address to expose /metrics on, when metrics are enabled")

	redisAddr := fs.String("redis_addr", "", "Redis address for the resolver's fast-path registration cache (empty disables it)")
	postgresDSN := fs.String("postgres_dsn", "", "Postgres DSN for the resolver's durable registration registry (empty disables it)")
	resolverPeers := fs.String("resolver_peers", "", "Comma-separated id=unix-socket-path pairs naming cooperating resolver replicas")
	resolverTimeout := fs.Duration("resolver_timeout", def.ResolverTimeout, "Timeout for a single resolver upcall round trip")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	peers, err := parsePeers(*resolverPeers)
	if err != nil {
		return nil, err
	}

	return &Config{
		ListenAddr:        *listenAddr,
		IfIndex:           uint32(*ifIndex),
		CtrlSocketPath:    *ctrlSocketPath,
		SALRetransmitBase: *salRetransmitBase,
		SALRetransmitCap:  *salRetransmitCap,
		SALMaxAttempts:    *salMaxAttempts,
		SALQueueBound:     *salQueueBound,
		SALMSL:            *salMSL,
		InitialWindow:     uint32(*initialWindow),
		MSS:               uint32(*mss),
		MaxRetransmits:    *maxRetransmits,
		MinRTO:            *minRTO,
		MaxRTO:            *maxRTO,
		EvictionInterval:  evictionIntervalOrDefault(*evictionInterval),
		MetricsEnabled:    *metricsEnabled,
		MetricsAddr:       *metricsAddr,
		RedisAddr:         *redisAddr,
		PostgresDSN:       *postgresDSN,
		ResolverPeers:     peers,
		ResolverTimeout:   *resolverTimeout,
	}, nil
}

func evictionIntervalOrDefault(d time.Duration) time.Duration {
	if d <= 0 {
		return Default().EvictionInterval
	}
	return d
}

// parsePeers parses "alpha=/tmp/a.sock,beta=/tmp/b.sock" into a map.
func parsePeers(s string) (map[string]string, error) {
	peers := make(map[string]string)
	s = strings.TrimSpace(s)
	if s == "" {
		return peers, nil
	}
	for _, pair := range strings.Split(s, ",") {
		kv := strings.SplitN(pair, "=", 2)
		if len(kv) != 2 || kv[0] == "" || kv[1] == "" {
			return nil, fmt.Errorf("config: malformed resolver peer entry %q, want id=path", pair)
		}
		peers[kv[0]] = kv[1]
	}
	return peers, nil
}
