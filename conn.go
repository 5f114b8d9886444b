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
	"net/netip"

	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/govoltron/reactor/internal/iopoll"
	"github.com/govoltron/reactor/internal/rlog"
	"github.com/govoltron/reactor/internal/sockbuf"
	"github.com/govoltron/reactor/internal/sysconn"
)

// recvChunk is how much writable tail Connection.handleRead guarantees
// before each recv, matching the edge-triggered drain-until-would-block
// contract: one readiness notification must be enough to drain a burst of
// any size, one recv at a time.
const recvChunk = 2048

// MessageCallback is invoked once per non-empty recv with the connection's
// current readable region. The buffer is never cleared between calls; the
// callback owns consumption via Connection.Consume.
type MessageCallback func(conn *Connection, data []byte)

// CloseCallback is invoked exactly once, when a Connection's close handler
// fires. errno is 0 on a graceful close.
type CloseCallback func(conn *Connection, errno int)

// WatermarkCallback is invoked when queued outbound bytes cross the high
// watermark (with that threshold) or drain back to the low watermark
// (with that threshold).
type WatermarkCallback func(conn *Connection, threshold int)

// Connection is a per-TCP-peer state machine: a send queue, a
// receive-drain loop, watermarks, and graceful/forceful close. All
// mutating operations must execute on the owning Loop's goroutine; callers
// on another goroutine go through Send/Shutdown/Close, which post.
type Connection struct {
	handle  int
	loop    *iopoll.Loop
	channel *iopoll.Channel
	remote  netip.AddrPort

	inbound  *sockbuf.Buffer
	outbound *sockbuf.Buffer

	state atomic.Int32
	alive atomic.Bool

	highWatermark int
	lowWatermark  int
	warning       atomic.Bool
	onWatermark   WatermarkCallback

	lowLatency atomic.Bool

	onMessage MessageCallback
	onClose   CloseCallback

	// onCloseHolder is the Server's internal hook for dropping its
	// handle->Connection map entry; set once before Start.
	onCloseHolder func(conn *Connection)

	log *rlog.Logger
}

// newConnection constructs a Connection around an already-accepted or
// already-dialed handle. It does not touch the poller; call Start on the
// owning loop's goroutine to do that.
func newConnection(loop *iopoll.Loop, handle int, remote netip.AddrPort, log *rlog.Logger) *Connection {
	c := &Connection{
		handle:        handle,
		loop:          loop,
		remote:        remote,
		inbound:       sockbuf.New(sockbuf.DefaultCapacity),
		outbound:      sockbuf.New(sockbuf.DefaultCapacity),
		highWatermark: 64 * 1024,
		lowWatermark:  8 * 1024,
		log:           log,
	}
	if c.log == nil {
		c.log = rlog.Nop()
	}
	return c
}

// RemoteAddr returns the peer's address.
func (c *Connection) RemoteAddr() netip.AddrPort { return c.remote }

// LoopName returns the name of the loop servicing this connection, useful
// in tests and logging to confirm round-robin dispatch.
func (c *Connection) LoopName() string { return c.loop.Name }

// Handle returns the underlying file descriptor. Exposed for diagnostics;
// callers must not perform I/O on it directly.
func (c *Connection) Handle() int { return c.handle }

// State returns the connection's current lifecycle state.
func (c *Connection) State() ConnectionState {
	return ConnectionState(c.state.Load())
}

// SetConnUserCallbacks installs the message and close callbacks. Valid
// only from the new-connection callback, before any I/O has run.
func (c *Connection) SetConnUserCallbacks(onMessage MessageCallback, onClose CloseCallback) {
	c.onMessage = onMessage
	c.onClose = onClose
}

// SetBuffers replaces the receive/send buffers with ones of the given
// initial capacities. Valid only from the new-connection callback.
func (c *Connection) SetBuffers(readCap, writeCap int) {
	c.inbound = sockbuf.New(readCap)
	c.outbound = sockbuf.New(writeCap)
}

// SetWatermarks configures the high/low watermark thresholds; high must
// exceed low, and low must be positive. Valid only from the new-connection
// callback.
func (c *Connection) SetWatermarks(high, low int) {
	if high > low && low > 0 {
		c.highWatermark, c.lowWatermark = high, low
	}
}

// SetWatermarkCallback installs the watermark callback.
func (c *Connection) SetWatermarkCallback(fn WatermarkCallback) {
	c.onWatermark = fn
}

// SetLowLatency toggles whether off-loop Sends route through sendInLoop
// directly (attempting an immediate syscall) instead of just queuing.
func (c *Connection) SetLowLatency(enabled bool) {
	c.lowLatency.Store(enabled)
}

// Consume advances the receive buffer's read cursor by n bytes, evicting
// them. The message callback owns this; the buffer is never cleared for it.
func (c *Connection) Consume(n int) error {
	return c.inbound.Consume(n)
}

// start registers the connection's channel and transitions to Connected.
// Precondition: state == Disconnected, called once on the owning loop's
// goroutine.
func (c *Connection) start() {
	c.alive.Store(true)
	c.channel = iopoll.NewChannel(c.loop, c.handle)
	c.channel.SetReadCallback(c.handleRead)
	c.channel.SetWriteCallback(c.handleWrite)
	c.channel.SetCloseCallback(c.handleClose)
	c.channel.Tie(func() bool { return c.alive.Load() })
	c.channel.EnableRead()
	c.state.Store(int32(Connected))
}

// Send queues bytes for delivery, preserving call-order on the wire. A
// no-op if the connection is not Connected or data is empty.
func (c *Connection) Send(data []byte) {
	if c.State() != Connected || len(data) == 0 {
		return
	}
	if c.loop.InLoopGoroutine() {
		c.sendInLoop(data)
		return
	}

	payload := append([]byte(nil), data...)
	if c.lowLatency.Load() {
		c.loop.Post(func() { c.sendInLoop(payload) })
		return
	}
	c.loop.Post(func() {
		if c.State() != Connected {
			return
		}
		c.outbound.Append(payload)
		c.channel.EnableWrite()
		c.checkHighWatermark()
	})
}

// sendInLoop is only ever called on the owning loop's goroutine with
// state == Connected.
func (c *Connection) sendInLoop(data []byte) {
	if c.State() != Connected {
		return
	}
	if c.outbound.ReadableLen() > 0 {
		// Preserve FIFO order: never attempt a direct send while bytes are
		// already queued ahead of this payload.
		c.outbound.Append(data)
		c.checkHighWatermark()
		return
	}

	n, err := sysconn.Send(c.handle, data)
	if err != nil {
		switch sysconn.ClassifyError(err) {
		case sysconn.RetryLater:
			n = 0
		case sysconn.Transient:
			n = 0
		default:
			c.handleClose(sysconn.Errno(err))
			return
		}
	}
	if n < len(data) {
		c.outbound.Append(data[n:])
		c.channel.EnableWrite()
	}
	c.checkHighWatermark()
}

func (c *Connection) checkHighWatermark() {
	queued := c.outbound.ReadableLen()
	if queued > c.highWatermark && c.onWatermark != nil && !c.warning.Load() {
		c.warning.Store(true)
		c.onWatermark(c, c.highWatermark)
	}
}

// handleRead drains the socket until it would block, per the
// edge-triggered contract: one readiness notification must surface every
// byte of an arbitrarily large burst.
func (c *Connection) handleRead() {
	for {
		c.inbound.EnsureWritable(recvChunk)
		n, err := sysconn.Recv(c.handle, c.inbound.WriteTail())
		if err != nil {
			switch sysconn.ClassifyError(err) {
			case sysconn.RetryLater:
				return
			case sysconn.Transient:
				continue
			default:
				c.handleClose(sysconn.Errno(err))
				return
			}
		}
		if n == 0 {
			if c.State() == Disconnecting {
				c.handleClose(0)
			}
			// Otherwise the channel's own hangup/peer-hangup detection will
			// invoke handleClose immediately after this callback returns.
			return
		}
		_ = c.inbound.AdvanceWritten(n)
		if c.onMessage != nil {
			c.onMessage(c, c.inbound.Peek())
		}
	}
}

func (c *Connection) handleWrite() {
	if !c.channel.IsWriting() {
		return
	}
	for c.outbound.ReadableLen() > 0 {
		n, err := sysconn.Send(c.handle, c.outbound.Peek())
		if err != nil {
			switch sysconn.ClassifyError(err) {
			case sysconn.RetryLater:
				return
			case sysconn.Transient:
				continue
			default:
				c.handleClose(sysconn.Errno(err))
				return
			}
		}
		if n == 0 {
			return
		}
		_ = c.outbound.Consume(n)

		if c.warning.Load() && c.outbound.ReadableLen() <= c.lowWatermark {
			c.warning.Store(false)
			if c.onWatermark != nil {
				c.onWatermark(c, c.lowWatermark)
			}
		}
	}

	c.outbound.Clear()
	c.channel.DisableWrite()
	if c.State() == Disconnecting {
		sysconn.ShutWrite(c.handle)
	}
}

// handleClose fires exactly once: the alive CAS guards re-entrance between
// a concurrently dispatched error/hangup event and an explicit
// Close/Shutdown, both of which route here.
func (c *Connection) handleClose(errno int) {
	if !c.alive.CompareAndSwap(true, false) {
		return
	}
	c.state.Store(int32(Disconnecting))
	c.channel.ClearAll()
	c.channel.Remove()
	sysconn.CloseHandle(c.handle)

	if c.onClose != nil {
		c.onClose(c, errno)
	}
	if c.onCloseHolder != nil {
		c.onCloseHolder(c)
	}
	c.state.Store(int32(Disconnected))

	if errno != 0 {
		c.log.Warn("connection closed with error",
			zap.String("remote", c.remote.String()),
			zap.Int("errno", errno),
		)
	}
}

// Shutdown half-closes the connection once the send queue drains, so any
// already-queued bytes are still delivered. A no-op unless currently
// Connected.
func (c *Connection) Shutdown() {
	if c.State() != Connected {
		return
	}
	c.state.Store(int32(Disconnecting))
	c.loop.Post(func() {
		if !c.channel.IsWriting() {
			sysconn.ShutWrite(c.handle)
		}
		// Otherwise handleWrite performs the shutdown once the queue empties.
	})
}

// Close tears the connection down immediately, without waiting for any
// queued bytes to drain. A no-op unless currently Connected.
func (c *Connection) Close() {
	if c.State() != Connected {
		return
	}
	c.state.Store(int32(Disconnecting))
	c.loop.Post(func() { c.handleClose(0) })
}
