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

// servalctl is a tiny control-socket client for servald: it registers a
// service target or asks the daemon to resolve one, printing the result.
//
// Usage examples:
//
//	servalctl -socket=/tmp/serval-stack-ctrl.sock register -service=ab01... -address=10.0.0.5
//	servalctl -socket=/tmp/serval-stack-ctrl.sock resolve -service=ab01...
package main

import (
	"encoding/hex"
	"flag"
	"fmt"
	"net"
	"os"
	"sync/atomic"

	"github.com/arlojensen/serval/internal/ctrlsock"
	"github.com/arlojensen/serval/pkg/serval"
)

var xidCounter atomic.Uint32

func nextXID() uint32 { return xidCounter.Add(1) }

func main() {
	socketPath := flag.String("socket", ctrlsock.DefaultSocketPath, "Control socket path")
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		usage()
		os.Exit(2)
	}

	conn, err := ctrlsock.Dial(*socketPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "servalctl: dial %s: %v\n", *socketPath, err)
		os.Exit(1)
	}
	defer conn.Close()

	switch args[0] {
	case "register":
		runRegister(conn, args[1:])
	case "resolve":
		runResolve(conn, args[1:])
	default:
		usage()
		os.Exit(2)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: servalctl [-socket path] <register|resolve> [flags]")
}

func runRegister(conn *ctrlsock.Conn, args []string) {
	fs := flag.NewFlagSet("register", flag.ExitOnError)
	serviceHex := fs.String("service", "", "Service id, hex-encoded")
	prefixBits := fs.Int("prefix_bits", serval.ServiceIDBytes*8, "Prefix length in bits")
	address := fs.String("address", "", "Next-hop IPv4 address")
	reregister := fs.Bool("reregister", false, "Mark this as a reregistration")
	fs.Parse(args)

	sid, err := parseServiceID(*serviceHex)
	if err != nil {
		fatal(err)
	}
	addr := net.ParseIP(*address)
	if addr == nil {
		fatal(fmt.Errorf("servalctl: invalid -address %q", *address))
	}

	var flags ctrlsock.RegisterFlags
	if *reregister {
		flags |= ctrlsock.RegFlagReregister
	}
	msg := ctrlsock.RegisterMessage{
		XID:             nextXID(),
		Flags:           flags,
		SrvIDPrefixBits: uint8(*prefixBits),
		Address:         addr,
		ServiceID:       sid,
	}
	if err := conn.WriteMessage(ctrlsock.EncodeRegister(ctrlsock.TypeRegister, msg)); err != nil {
		fatal(err)
	}

	reply, err := conn.ReadMessage()
	if err != nil {
		fatal(err)
	}
	hdr, err := ctrlsock.DecodeHeader(reply)
	if err != nil {
		fatal(err)
	}
	fmt.Printf("register: retval=%d xid=%d\n", hdr.Retval, hdr.XID)
}

func runResolve(conn *ctrlsock.Conn, args []string) {
	fs := flag.NewFlagSet("resolve", flag.ExitOnError)
	serviceHex := fs.String("service", "", "Destination service id, hex-encoded")
	fs.Parse(args)

	sid, err := parseServiceID(*serviceHex)
	if err != nil {
		fatal(err)
	}

	msg := ctrlsock.ResolveMessage{
		XID:           nextXID(),
		DstServiceID:  sid,
		DstPrefixBits: 255,
	}
	if err := conn.WriteMessage(ctrlsock.EncodeResolve(msg)); err != nil {
		fatal(err)
	}

	reply, err := conn.ReadMessage()
	if err != nil {
		fatal(err)
	}
	svcMsg, err := ctrlsock.DecodeServiceMessage(reply)
	if err != nil {
		fatal(err)
	}
	if len(svcMsg.Services) == 0 {
		fmt.Println("resolve: no entry")
		return
	}
	for _, si := range svcMsg.Services {
		fmt.Printf("resolve: address=%s if_index=%d priority=%d weight=%d\n", si.Address, si.IfIndex, si.Priority, si.Weight)
	}
}

func parseServiceID(s string) (serval.ServiceID, error) {
	var sid serval.ServiceID
	b, err := hex.DecodeString(s)
	if err != nil {
		return sid, fmt.Errorf("servalctl: invalid -service hex: %w", err)
	}
	if len(b) > serval.ServiceIDBytes {
		return sid, fmt.Errorf("servalctl: -service too long: got %d bytes, want <= %d", len(b), serval.ServiceIDBytes)
	}
	copy(sid[serval.ServiceIDBytes-len(b):], b)
	return sid, nil
}

func fatal(err error) {
	fmt.Fprintln(os.Stderr, "servalctl:", err)
	os.Exit(1)
}
