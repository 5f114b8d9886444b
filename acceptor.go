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

	"go.uber.org/zap"

	"github.com/govoltron/reactor/internal/iopoll"
	"github.com/govoltron/reactor/internal/rlog"
	"github.com/govoltron/reactor/internal/sysconn"
)

// acceptorState is the Acceptor's own small lifecycle, independent of
// ConnectionState.
type acceptorState int32

const (
	acceptorIdle acceptorState = iota
	acceptorListening
	acceptorStopped
)

// Acceptor is the listen-side half-open state machine: it owns the listen
// handle and turns readiness events into accepted (handle, remote) pairs.
type Acceptor struct {
	loop    *iopoll.Loop
	channel *iopoll.Channel
	handle  int

	state acceptorState
	log   *rlog.Logger

	onAccept func(fd int, remote netip.AddrPort)
	onError  func(err error)
}

// newAcceptor constructs an Acceptor bound to loop. It does not listen.
func newAcceptor(loop *iopoll.Loop, log *rlog.Logger) *Acceptor {
	if log == nil {
		log = rlog.Nop()
	}
	return &Acceptor{loop: loop, log: log.Named("acceptor")}
}

// listen obtains a listening handle via sysconn, registers a channel
// enabled for read, and transitions to Listening. Must run on the
// acceptor's loop goroutine, or before that loop has started running.
func (a *Acceptor) listen(ip string, port uint16, stack ProtocolStack, opts SocketOption) error {
	ap, family, err := sysconn.ParseAddress(ip, port, stack)
	if err != nil {
		return err
	}
	fd, err := sysconn.Listen(ap, family, stack, opts)
	if err != nil {
		return err
	}

	a.handle = fd
	a.channel = iopoll.NewChannel(a.loop, fd)
	a.channel.SetReadCallback(a.handleRead)
	a.channel.EnableRead()
	a.state = acceptorListening
	return nil
}

// Addr returns the address the listen socket is bound to, useful to
// recover the kernel-chosen port after listening on port 0. Valid only
// once listen has succeeded.
func (a *Acceptor) Addr() (netip.AddrPort, error) {
	return sysconn.LocalAddr(a.handle)
}

// shutdown clears channel interest, removes it from the poller, and closes
// the listen handle. Must run on the acceptor's loop goroutine.
func (a *Acceptor) shutdown() {
	if a.state != acceptorListening {
		return
	}
	a.channel.ClearAll()
	a.channel.Remove()
	sysconn.CloseHandle(a.handle)
	a.state = acceptorStopped
}

func (a *Acceptor) handleRead() {
	conns, err := sysconn.AcceptMany(a.handle)
	for _, ac := range conns {
		if a.onAccept != nil {
			a.onAccept(ac.FD, ac.Remote)
		}
	}
	if err != nil {
		a.log.Warn("accept residual error", zap.Error(err))
		if a.onError != nil {
			a.onError(err)
		}
		// The acceptor remains Listening: this residual corresponds only to
		// the current burst, and the next readiness event retries.
	}
}
