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

// Package main runs servald, the service-centric transport stack daemon: it
// wires the service table, socket table, packet demultiplexer, SAL state
// machine, and reliable byte-stream engine into one running process, and
// exposes the control socket cooperating resolver/management processes use
// to register services and resolve service ids.
package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/arlojensen/serval/internal/config"
	"github.com/arlojensen/serval/internal/ctrlsock"
	"github.com/arlojensen/serval/internal/metrics"
	"github.com/arlojensen/serval/internal/port"
	"github.com/arlojensen/serval/internal/reliable"
	"github.com/arlojensen/serval/internal/resolver"
	"github.com/arlojensen/serval/internal/resolver/store"
	"github.com/arlojensen/serval/internal/sal"
	"github.com/arlojensen/serval/internal/servicetable"
	"github.com/arlojensen/serval/internal/sockettable"
	"github.com/arlojensen/serval/pkg/serval"
)

var upcallXID atomic.Uint32

func nextUpcallXID() uint32 { return upcallXID.Add(1) }

func main() {
	cfg, err := config.Parse(os.Args[1:])
	if err != nil {
		log.Fatalf("servald: config: %v", err)
	}

	if cfg.MetricsEnabled {
		metrics.Enable()
	}

	services := servicetable.New()
	sockets := sockettable.New()

	packetPort, err := port.ListenUDPPort(cfg.ListenAddr, cfg.IfIndex)
	if err != nil {
		log.Fatalf("servald: packet port: %v", err)
	}
	defer packetPort.Close()

	conns := reliable.NewManager(packetPort, cfg.MSS, cfg.MaxRetransmits, cfg.MinRTO, cfg.MaxRTO)

	salCfg := sal.Config{
		RetransmitBase: cfg.SALRetransmitBase,
		RetransmitCap:  cfg.SALRetransmitCap,
		MaxAttempts:    cfg.SALMaxAttempts,
		QueueBound:     cfg.SALQueueBound,
		MSL:            cfg.SALMSL,
	}
	machine := sal.NewMachine(sockets, packetPort, salCfg)
	machine.OnEstablished = conns
	machine.Start()
	defer machine.Stop()

	sweeper := servicetable.NewSweeper(services, cfg.EvictionInterval)
	sweeper.Start()
	defer sweeper.Stop()

	cache, registry := openResolverStores(cfg)
	if len(cfg.ResolverPeers) > 0 {
		upcall := resolver.NewUpcall(cfg.ResolverPeers, cache, registry)
		services.Upcall = func(src, dst serval.ServiceID) {
			go func() {
				ctx, cancel := context.WithTimeout(context.Background(), cfg.ResolverTimeout)
				defer cancel()
				entry, err := upcall.Resolve(ctx, nextUpcallXID(), src, dst, nil)
				if err != nil {
					return
				}
				services.Add(dst, serval.ServiceIDBytes*8, entry)
			}()
		}
	}

	demux := port.NewDemuxer(packetPort, sockets)
	demux.Control = machine
	demux.Data = conns

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		if err := demux.Run(ctx); err != nil && ctx.Err() == nil {
			log.Printf("servald: demultiplexer stopped: %v", err)
		}
	}()

	go conns.RunRetransmitSweep(ctx, 250*time.Millisecond)

	if cfg.MetricsEnabled {
		srv := metrics.Serve(ctx, cfg.MetricsAddr)
		defer srv.Close()
		log.Printf("servald: metrics listening on %s", cfg.MetricsAddr)
	}

	ctrlListener, err := ctrlsock.Listen(cfg.CtrlSocketPath)
	if err != nil {
		log.Fatalf("servald: control socket: %v", err)
	}
	defer ctrlListener.Close()

	ctrlSrv := &controlServer{services: services, registry: registry, cache: cache}
	go ctrlSrv.serve(ctx, ctrlListener)

	log.Printf("servald: listening on %s, control socket %s", cfg.ListenAddr, cfg.CtrlSocketPath)

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	log.Print("servald: shutting down")
	cancel()
}

func openResolverStores(cfg *config.Config) (store.Cache, store.Registry) {
	var cache store.Cache
	var registry store.Registry

	if cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		cache = store.NewRedisCache(client, 24*time.Hour)
	}
	if cfg.PostgresDSN != "" {
		db, err := sql.Open("postgres", cfg.PostgresDSN)
		if err != nil {
			log.Printf("servald: postgres: %v (durable registry disabled)", err)
		} else {
			registry = store.NewPostgresRegistry(db)
		}
	}
	return cache, registry
}

// controlServer answers ctrlsock requests: register installs a service
// target, resolve looks one up. It is the server side of the wire protocol
// internal/ctrlsock defines.
type controlServer struct {
	services *servicetable.Table
	registry store.Registry
	cache    store.Cache
}

func (s *controlServer) serve(ctx context.Context, ln net.Listener) {
	go func() {
		<-ctx.Done()
		ln.Close()
	}()
	for {
		c, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Printf("servald: control accept: %v", err)
			continue
		}
		go s.handle(ctx, ctrlsock.NewConn(c))
	}
}

func (s *controlServer) handle(ctx context.Context, conn *ctrlsock.Conn) {
	defer conn.Close()
	buf, err := conn.ReadMessage()
	if err != nil {
		return
	}
	hdr, err := ctrlsock.DecodeHeader(buf)
	if err != nil {
		metrics.ObserveMalformedDrop()
		return
	}

	switch hdr.Type {
	case ctrlsock.TypeRegister, ctrlsock.TypeUnregister:
		s.handleRegister(ctx, conn, buf, hdr.Type == ctrlsock.TypeUnregister)
	case ctrlsock.TypeResolve:
		s.handleResolve(conn, buf)
	default:
		// Other control message types (migrate, capabilities, stats) get
		// no reply.
	}
}

func (s *controlServer) handleRegister(ctx context.Context, conn *ctrlsock.Conn, buf []byte, unregister bool) {
	msg, err := ctrlsock.DecodeRegister(buf)
	if err != nil {
		metrics.ObserveMalformedDrop()
		return
	}

	if unregister {
		s.services.Delete(msg.ServiceID, int(msg.SrvIDPrefixBits), nil)
	} else {
		target := ctrlsock.ServiceInfo{
			Address: msg.Address,
		}.ToTargetEntry()
		s.services.Add(msg.ServiceID, int(msg.SrvIDPrefixBits), target)
	}

	if s.registry != nil {
		reg := store.Registration{
			ServiceID:  msg.ServiceID,
			PrefixBits: int(msg.SrvIDPrefixBits),
			NextHop:    msg.Address,
			Reregister: msg.IsReregister(),
		}
		commitID := fmt.Sprintf("register-%d", msg.XID)
		if err := s.registry.Upsert(ctx, reg, commitID); err != nil {
			log.Printf("servald: registry upsert: %v", err)
		}
	}

	reply := ctrlsock.Header{Type: msg.Header.Type, Retval: ctrlsock.RetvalOK, Len: ctrlsock.HeaderLen, XID: msg.XID}
	out := make([]byte, ctrlsock.HeaderLen)
	ctrlsock.EncodeHeader(reply, out)
	_ = conn.WriteMessage(out)
}

func (s *controlServer) handleResolve(conn *ctrlsock.Conn, buf []byte) {
	msg, err := ctrlsock.DecodeResolve(buf)
	if err != nil {
		metrics.ObserveMalformedDrop()
		return
	}
	target, err := s.services.Resolve(msg.SrcServiceID, msg.DstServiceID)
	if err != nil {
		_ = conn.WriteMessage(ctrlsock.EncodeServiceMessage(ctrlsock.TypeResolve, msg.XID, nil))
		return
	}
	info := ctrlsock.FromTargetEntry(target, msg.DstServiceID, int(msg.DstPrefixBits))
	_ = conn.WriteMessage(ctrlsock.EncodeServiceMessage(ctrlsock.TypeResolve, msg.XID, []ctrlsock.ServiceInfo{info}))
}
