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

// Package metrics exposes the stack's Prometheus counters and gauges:
// service-table resolve/drop/eviction activity, socket-table occupancy, and
// reliable-engine retransmit/congestion behavior. Disabled by default; safe
// to call from hot paths when disabled (SPEC_FULL ambient stack).
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	enabled bool

	packetsResolvedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "serval_packets_resolved_total",
		Help: "Total packets successfully resolved against the service table",
	})
	bytesResolvedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "serval_bytes_resolved_total",
		Help: "Total bytes successfully resolved against the service table",
	})
	packetsDroppedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "serval_packets_dropped_total",
		Help: "Total packets dropped after resolution (no target, malformed, or buffer exhaustion)",
	})
	bytesDroppedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "serval_bytes_dropped_total",
		Help: "Total bytes dropped after resolution",
	})
	targetsEvictedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "serval_targets_evicted_total",
		Help: "Total target entries removed by the idle/hard-timeout eviction sweep",
	})

	socketsOpen = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "serval_sockets_open",
		Help: "Number of sockets currently tracked in the socket table",
	})
	salRetransmitsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "serval_sal_retransmits_total",
		Help: "Total RTO-driven segment retransmissions issued by the reliable send engine",
	})
	salFailuresTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "serval_sal_handshake_failures_total",
		Help: "Total connections declared dead by the reliable send engine after exhausting RTO retransmit attempts",
	})

	congestionEventsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "serval_congestion_events_total",
		Help: "Total congestion-state transitions observed by the reliable send engine, by new state",
	}, []string{"state"})
	rtoMicros = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "serval_rto_microseconds",
		Help:    "Distribution of the computed retransmission timeout",
		Buckets: prometheus.ExponentialBuckets(1000, 2, 14), // 1ms .. ~8s
	})

	malformedDroppedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "serval_demux_malformed_dropped_total",
		Help: "Total inbound frames dropped by the demultiplexer for failing header parse",
	})
	noSocketDroppedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "serval_demux_no_socket_dropped_total",
		Help: "Total inbound frames dropped by the demultiplexer for naming an unknown flow-id",
	})
)

func init() {
	prometheus.MustRegister(
		packetsResolvedTotal, bytesResolvedTotal, packetsDroppedTotal, bytesDroppedTotal,
		targetsEvictedTotal, socketsOpen, salRetransmitsTotal, salFailuresTotal,
		congestionEventsTotal, rtoMicros, malformedDroppedTotal, noSocketDroppedTotal,
	)
}

// Enable turns on metrics recording. Disabled by default so a resolver or
// test binary that never calls Enable pays no recording cost beyond the
// (harmless) eager prometheus.MustRegister in init.
func Enable() { enabled = true }

// Enabled reports whether metrics recording is active.
func Enabled() bool { return enabled }

// ObserveResolve records a successful service-table resolution.
func ObserveResolve(bytes uint32) {
	if !enabled {
		return
	}
	packetsResolvedTotal.Inc()
	bytesResolvedTotal.Add(float64(bytes))
}

// ObserveDrop records a packet dropped after resolution.
func ObserveDrop(bytes uint32) {
	if !enabled {
		return
	}
	packetsDroppedTotal.Inc()
	bytesDroppedTotal.Add(float64(bytes))
}

// ObserveEviction records one target entry removed by the eviction sweep.
func ObserveEviction() {
	if enabled {
		targetsEvictedTotal.Inc()
	}
}

// SetSocketsOpen records the current socket-table occupancy.
func SetSocketsOpen(n int) {
	if enabled {
		socketsOpen.Set(float64(n))
	}
}

// ObserveRetransmit records one RTO-driven segment retransmission by the
// reliable engine. SAL control-packet retransmissions are not counted.
func ObserveRetransmit() {
	if enabled {
		salRetransmitsTotal.Inc()
	}
}

// ObserveHandshakeFailure records a connection the reliable engine declared
// dead after exhausting its RTO retransmit attempts. SAL handshake failures
// are not counted.
func ObserveHandshakeFailure() {
	if enabled {
		salFailuresTotal.Inc()
	}
}

// ObserveCongestionState records a transition into state.
func ObserveCongestionState(state string) {
	if enabled {
		congestionEventsTotal.WithLabelValues(state).Inc()
	}
}

// ObserveRTO records a computed retransmission timeout.
func ObserveRTO(rto time.Duration) {
	if enabled {
		rtoMicros.Observe(float64(rto.Microseconds()))
	}
}

// ObserveMalformedDrop records one frame dropped for a header parse failure.
func ObserveMalformedDrop() {
	if enabled {
		malformedDroppedTotal.Inc()
	}
}

// ObserveNoSocketDrop records one frame dropped for naming an unknown flow-id.
func ObserveNoSocketDrop() {
	if enabled {
		noSocketDroppedTotal.Inc()
	}
}

// Serve starts a dedicated HTTP server exposing /metrics, returning
// immediately; the caller is responsible for shutting it down via ctx
// cancellation (mirrors the teacher's churn.Config.MetricsAddr server).
func Serve(ctx context.Context, addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		_ = srv.ListenAndServe()
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	return srv
}
