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

package ctrlsock

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"os"

	"github.com/arlojensen/serval/pkg/serval"
)

// DefaultSocketPath is the original stack's control-socket path.
const DefaultSocketPath = "/tmp/serval-stack-ctrl.sock"

// Conn is one control-socket connection. Messages are length-framed by
// their own ctrlmsg.Len field, so Conn reads the 8-byte header first and
// then the declared remainder, matching a SOCK_STREAM Unix domain socket
// (the original's netlink/Unix-socket control channel, SPEC_FULL §D).
type Conn struct {
	c net.Conn
}

// NewConn wraps an established connection.
func NewConn(c net.Conn) *Conn { return &Conn{c: c} }

// Listen opens a Unix-domain listener at path, removing a stale socket file
// left behind by a previous instance first.
func Listen(path string) (net.Listener, error) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("ctrlsock: removing stale socket %s: %w", path, err)
	}
	l, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("ctrlsock: listen %s: %w", path, err)
	}
	return l, nil
}

// Dial connects to a control socket at path.
func Dial(path string) (*Conn, error) {
	c, err := net.Dial("unix", path)
	if err != nil {
		return nil, fmt.Errorf("ctrlsock: dial %s: %w", path, err)
	}
	return NewConn(c), nil
}

// ReadMessage reads one complete ctrlmsg (header plus the declared
// payload) off the connection.
func (c *Conn) ReadMessage() ([]byte, error) {
	hdr := make([]byte, HeaderLen)
	if _, err := io.ReadFull(c.c, hdr); err != nil {
		return nil, err
	}
	total := int(binary.BigEndian.Uint16(hdr[2:4]))
	if total < HeaderLen {
		return nil, serval.ErrMalformed
	}
	buf := make([]byte, total)
	copy(buf, hdr)
	if total > HeaderLen {
		if _, err := io.ReadFull(c.c, buf[HeaderLen:]); err != nil {
			return nil, err
		}
	}
	return buf, nil
}

// WriteMessage writes a fully-encoded ctrlmsg to the connection.
func (c *Conn) WriteMessage(buf []byte) error {
	_, err := c.c.Write(buf)
	return err
}

// Close closes the underlying connection.
func (c *Conn) Close() error { return c.c.Close() }
