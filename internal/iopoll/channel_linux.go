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

//go:build linux

// Package iopoll is the reactor runtime: the epoll-backed Poller, the
// per-handle Channel abstraction, and the Loop that ties them together with
// a cross-goroutine task queue.
package iopoll

import "golang.org/x/sys/unix"

// Interest bits a Channel can register with the poller.
const (
	InterestNone  uint32 = 0
	InterestRead  uint32 = unix.EPOLLIN | unix.EPOLLRDHUP
	InterestWrite uint32 = unix.EPOLLOUT
)

// Result bits the poller can report back, layered on top of the interest
// bits above; ErrCondition/HangUp/PeerHangUp are read-only and produced by
// the kernel.
const (
	ResultError      uint32 = unix.EPOLLERR
	ResultHangUp     uint32 = unix.EPOLLHUP
	ResultPeerHangUp uint32 = unix.EPOLLRDHUP
)

// Channel binds interest bits and up to three callbacks to a handle
// registered with a Poller. Its zero value is not usable; construct with
// NewChannel.
type Channel struct {
	handle     int
	interest   uint32
	result     uint32
	registered bool

	onRead  func()
	onWrite func()
	onClose func(errno int)

	tied    bool
	promote func() (tie bool)

	loop *Loop
}

// NewChannel creates a Channel for handle, owned by loop. The channel is
// not registered with the poller until its interest becomes non-empty.
func NewChannel(loop *Loop, handle int) *Channel {
	return &Channel{handle: handle, loop: loop}
}

// Handle returns the channel's file descriptor.
func (c *Channel) Handle() int { return c.handle }

// Interest returns the channel's current interest mask.
func (c *Channel) Interest() uint32 { return c.interest }

// Registered reports whether the channel is currently in the poller's map.
func (c *Channel) Registered() bool { return c.registered }

// SetRegistered is called only by the Poller to record registration state.
func (c *Channel) SetRegistered(registered bool) { c.registered = registered }

// SetResult records the latest readiness bits reported by the poller for
// this channel, ahead of a HandleEvent call.
func (c *Channel) SetResult(result uint32) { c.result = result }

// SetReadCallback installs the readable-event handler.
func (c *Channel) SetReadCallback(fn func()) { c.onRead = fn }

// SetWriteCallback installs the writable-event handler.
func (c *Channel) SetWriteCallback(fn func()) { c.onWrite = fn }

// SetCloseCallback installs the close handler, invoked with the captured
// SO_ERROR value (0 on graceful EOF).
func (c *Channel) SetCloseCallback(fn func(errno int)) { c.onClose = fn }

// Tie arms the weak-self-reference guard described in the reactor's design
// notes: promote should report whether the channel's owner is still alive
// (e.g. by promoting a weak reference held elsewhere), and HandleEvent will
// refuse to dispatch a callback when promote reports false, preventing a
// use-after-free race between an in-flight event and a concurrent close.
func (c *Channel) Tie(promote func() bool) {
	c.promote = promote
	c.tied = true
}

// EnableRead adds the read interest bit and asks the owning loop to
// reconcile the poller.
func (c *Channel) EnableRead() {
	if c.interest&InterestRead != 0 {
		return
	}
	c.interest |= InterestRead
	c.loop.updateChannel(c)
}

// EnableWrite adds the write interest bit and asks the owning loop to
// reconcile the poller.
func (c *Channel) EnableWrite() {
	if c.interest&InterestWrite != 0 {
		return
	}
	c.interest |= InterestWrite
	c.loop.updateChannel(c)
}

// DisableWrite clears the write interest bit.
func (c *Channel) DisableWrite() {
	if c.interest&InterestWrite == 0 {
		return
	}
	c.interest &^= InterestWrite
	c.loop.updateChannel(c)
}

// IsWriting reports whether the write interest bit is set.
func (c *Channel) IsWriting() bool { return c.interest&InterestWrite != 0 }

// IsReading reports whether the read interest bit is set.
func (c *Channel) IsReading() bool { return c.interest&InterestRead != 0 }

// ClearAll drops all interest, which causes the next reconciliation to
// deregister the channel from the poller.
func (c *Channel) ClearAll() {
	c.interest = InterestNone
	c.loop.updateChannel(c)
}

// Remove deregisters the channel from the poller outright. Callers must
// have already cleared interest (ClearAll) or never registered.
func (c *Channel) Remove() {
	c.loop.removeChannel(c)
}

// HandleEvent dispatches based on the latest result mask, in the sealed
// order: error/hangup conditions first (draining any final readable bytes
// before closing), then readable, then writable.
func (c *Channel) HandleEvent() {
	if c.tied {
		if !c.promote() {
			return
		}
	}
	c.handleEvent()
}

func (c *Channel) handleEvent() {
	if c.result&(ResultError|ResultHangUp|ResultPeerHangUp) != 0 {
		errno := 0
		if c.result&ResultError != 0 {
			if e, gerr := unix.GetsockoptInt(c.handle, unix.SOL_SOCKET, unix.SO_ERROR); gerr == nil {
				errno = e
			}
		}
		if c.result&(InterestRead|ResultHangUp) != 0 && c.onRead != nil {
			c.onRead()
		}
		if c.onClose != nil {
			c.onClose(errno)
		}
		return
	}

	if c.result&InterestRead != 0 && c.onRead != nil {
		c.onRead()
	}
	if c.result&InterestWrite != 0 && c.onWrite != nil {
		c.onWrite()
	}
}
