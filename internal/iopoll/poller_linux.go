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

package iopoll

import (
	"golang.org/x/sys/unix"
)

const initialEventBufSize = 128
const maxEventBufSize = 128 * 1024

// Poller wraps a single epoll instance and the set of channels registered
// with it. poll() may only ever be called on the owning Loop's goroutine.
//
// The kernel's epoll_event carries only a fixed-size, non-GC-visible data
// word, so rather than smuggle a *Channel through it (unsafe, and hostile
// to the garbage collector, which would have no record of the reference)
// the poller keeps its own fd->Channel map and looks channels up by the fd
// epoll_wait reports, the same approach the early gnet loop took before it
// grew an operator-cache.
type Poller struct {
	epfd     int
	events   []unix.EpollEvent
	channels map[int]*Channel
}

func newPoller() (*Poller, error) {
	fd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}
	return &Poller{
		epfd:     fd,
		events:   make([]unix.EpollEvent, initialEventBufSize),
		channels: make(map[int]*Channel),
	}, nil
}

// poll blocks for up to timeoutMS milliseconds (-1 blocks indefinitely, 0
// returns immediately) and appends every channel that became active to
// active. It returns an error from epoll_wait other than EINTR.
func (p *Poller) poll(timeoutMS int, active []*Channel) ([]*Channel, error) {
	n, err := unix.EpollWait(p.epfd, p.events, timeoutMS)
	if err != nil {
		if err == unix.EINTR {
			return active, nil
		}
		return active, err
	}
	for i := 0; i < n; i++ {
		ev := &p.events[i]
		ch, ok := p.channels[int(ev.Fd)]
		if !ok {
			// Stale event for a channel that deregistered between wait and
			// dispatch; drop it.
			continue
		}
		ch.SetResult(ev.Events)
		active = append(active, ch)
	}
	if n == len(p.events) && len(p.events) < maxEventBufSize {
		p.events = make([]unix.EpollEvent, len(p.events)*2)
	}
	return active, nil
}

// updateChannel derives EPOLL_CTL_ADD/MOD/DEL from the channel's current
// interest mask and its registered flag, as the sole path that mutates
// kernel-visible poller state.
func (p *Poller) updateChannel(ch *Channel) error {
	switch {
	case !ch.Registered() && ch.Interest() != InterestNone:
		if err := p.ctl(unix.EPOLL_CTL_ADD, ch); err != nil {
			return err
		}
		p.channels[ch.Handle()] = ch
		ch.SetRegistered(true)
	case ch.Registered() && ch.Interest() == InterestNone:
		if err := p.ctl(unix.EPOLL_CTL_DEL, ch); err != nil {
			return err
		}
		delete(p.channels, ch.Handle())
		ch.SetRegistered(false)
	case ch.Registered():
		if err := p.ctl(unix.EPOLL_CTL_MOD, ch); err != nil {
			return err
		}
	}
	return nil
}

// removeChannel unconditionally deregisters ch, used on forceful close
// paths where interest may not have been cleared first.
func (p *Poller) removeChannel(ch *Channel) error {
	if !ch.Registered() {
		return nil
	}
	if err := p.ctl(unix.EPOLL_CTL_DEL, ch); err != nil {
		return err
	}
	delete(p.channels, ch.Handle())
	ch.SetRegistered(false)
	return nil
}

func (p *Poller) ctl(op int, ch *Channel) error {
	var ev unix.EpollEvent
	ev.Events = ch.Interest() | unix.EPOLLET
	ev.Fd = int32(ch.Handle())
	return unix.EpollCtl(p.epfd, op, ch.Handle(), &ev)
}

// shutdown deregisters every remaining channel and closes the epoll fd.
func (p *Poller) shutdown() error {
	for _, ch := range p.channels {
		p.ctl(unix.EPOLL_CTL_DEL, ch)
	}
	p.channels = make(map[int]*Channel)
	return unix.Close(p.epfd)
}
