// Copyright 2023 Kami
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

package reactor

import (
	"fmt"
	"net/netip"
	"time"

	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/govoltron/reactor/internal/iopoll"
	"github.com/govoltron/reactor/internal/rlog"
	"github.com/govoltron/reactor/internal/sysconn"
)

// connectorState is the Connector's own small lifecycle.
type connectorState int32

const (
	connectorIdle connectorState = iota
	connectorConnecting
	connectorConnected
	connectorFailed
)

// Connector is the connect-side half-open state machine: it drives a
// non-blocking connect to completion (or a blocking one, synchronously)
// and hands the caller an established Connection.
type Connector struct {
	loop *iopoll.Loop
	ip   string
	port uint16

	handle  int
	channel *iopoll.Channel
	state   atomic.Int32

	timeout time.Duration
	log     *rlog.Logger

	onConnect func(conn *Connection)
	onError   func(err error)
}

// NewConnector constructs a Connector that will dial ip:port on loop.
func NewConnector(loop *iopoll.Loop, ip string, port uint16, opts ...ConnectorOption) *Connector {
	c := &Connector{
		loop:    loop,
		ip:      ip,
		port:    port,
		timeout: 5 * time.Second,
		log:     rlog.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SetConnUserCallback installs the callback invoked with the established
// Connection once the async connect completes.
func (c *Connector) SetConnUserCallback(fn func(conn *Connection)) {
	c.onConnect = fn
}

// State returns the connector's own small lifecycle state (distinct from
// the Connection's ConnectionState, which only exists once connected).
func (c *Connector) State() string {
	switch connectorState(c.state.Load()) {
	case connectorConnecting:
		return "connecting"
	case connectorConnected:
		return "connected"
	case connectorFailed:
		return "failed"
	default:
		return "idle"
	}
}

func (c *Connector) resolve() (netip.AddrPort, int, error) {
	addr, err := netip.ParseAddr(c.ip)
	if err != nil {
		return netip.AddrPort{}, 0, sysconn.ErrInvalidAddress
	}
	stack := IPv4Only
	if !addr.Is4() {
		stack = IPv6Only
	}
	return sysconn.ParseAddress(c.ip, c.port, stack)
}

// Start posts the connect attempt to the connector's loop and returns
// immediately; the result arrives via the connect-error callback or the
// conn-user callback.
func (c *Connector) Start() {
	c.state.Store(int32(connectorConnecting))
	c.loop.Post(c.startInLoop)
}

func (c *Connector) startInLoop() {
	ap, family, err := c.resolve()
	if err != nil {
		c.fail(err)
		return
	}
	fd, err := sysconn.Connect(ap, family, false, 0)
	if err != nil {
		c.fail(err)
		return
	}

	c.handle = fd
	c.channel = iopoll.NewChannel(c.loop, fd)
	c.channel.SetWriteCallback(c.handleWrite)
	// A refused or reset handshake is reported as error/hangup readiness,
	// which the channel dispatches to its close callback (with SO_ERROR
	// already read and cleared) rather than to the write callback.
	c.channel.SetCloseCallback(func(errno int) {
		c.channel.ClearAll()
		c.channel.Remove()
		sysconn.CloseHandle(c.handle)
		c.fail(fmt.Errorf("reactor: connect failed: errno %d", errno))
	})
	c.channel.EnableWrite()
}

// handleWrite fires once the non-blocking connect's socket becomes
// writable, the signal that the handshake settled one way or another.
func (c *Connector) handleWrite() {
	c.channel.ClearAll()
	c.channel.Remove()

	errno, err := sysconn.SOError(c.handle)
	if err != nil || errno != 0 {
		sysconn.CloseHandle(c.handle)
		if err == nil {
			err = fmt.Errorf("reactor: connect failed: errno %d", errno)
		}
		c.fail(err)
		return
	}

	c.state.Store(int32(connectorConnected))
	ap, _, _ := c.resolve()
	conn := newConnection(c.loop, c.handle, ap, c.log)
	conn.start()
	if c.onConnect != nil {
		c.onConnect(conn)
	}
}

func (c *Connector) fail(err error) {
	c.state.Store(int32(connectorFailed))
	c.log.Warn("connect failed", zap.String("addr", fmt.Sprintf("%s:%d", c.ip, c.port)), zap.Error(err))
	if c.onError != nil {
		c.onError(err)
	}
}

// StartSync performs a blocking connect with the configured timeout
// (default 5s) and returns the established Connection immediately; it does
// not call Start, the conn-user callback, or touch the connector's state.
func (c *Connector) StartSync() (*Connection, error) {
	ap, family, err := c.resolve()
	if err != nil {
		return nil, err
	}
	fd, err := sysconn.Connect(ap, family, true, c.timeout)
	if err != nil {
		return nil, err
	}

	result := make(chan *Connection, 1)
	c.loop.Post(func() {
		conn := newConnection(c.loop, fd, ap, c.log)
		conn.start()
		result <- conn
	})
	return <-result, nil
}
