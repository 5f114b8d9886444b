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
	"runtime"
	"sync"

	"go.uber.org/atomic"
	"go.uber.org/multierr"
	"golang.org/x/sys/unix"

	"github.com/govoltron/reactor/internal/sysconn"
)

// PollTimeoutMS is the timeout a running Loop waits on its poller with on
// each tick of run().
const PollTimeoutMS = 10_000

// Loop owns exactly one Poller, one wakeup fd/Channel pair, and a
// cross-goroutine task queue. After Run begins, only the owning goroutine
// may touch the poller, any Channel registered with it, or any state that
// belongs to objects bound to this loop; the only safe cross-goroutine
// entry point is Post.
type Loop struct {
	Name string

	poller  *Poller
	wakeFD  int
	wakeCh  *Channel
	active  []*Channel

	mu      sync.Mutex
	pending []func()

	shutdownFlag atomic.Bool
	running      atomic.Bool

	onError func(l *Loop, err error)

	// ownerTID is the OS thread id Run/PollOnce locked itself to, per
	// runtime.LockOSThread; 0 until the loop has ticked at least once.
	// InLoopGoroutine compares it against unix.Gettid() to tell whether the
	// caller is already executing on this loop's own goroutine, the same
	// distinction cxpnet draws with std::this_thread::get_id().
	ownerTID atomic.Int32
}

// New constructs a Loop. The loop is idle until Run or PollOnce is called.
func New(name string) (*Loop, error) {
	poller, err := newPoller()
	if err != nil {
		return nil, err
	}
	wakeFD, err := sysconn.RegisterWakeup()
	if err != nil {
		poller.shutdown()
		return nil, err
	}

	l := &Loop{Name: name, poller: poller, wakeFD: wakeFD}
	l.wakeCh = NewChannel(l, wakeFD)
	l.wakeCh.SetReadCallback(func() {
		_ = sysconn.DrainWakeToken(l.wakeFD)
	})
	l.wakeCh.EnableRead()
	return l, nil
}

// SetErrorCallback installs the callback invoked when poll() returns a
// fatal error (anything other than the interrupted-syscall case).
func (l *Loop) SetErrorCallback(fn func(l *Loop, err error)) { l.onError = fn }

// Run locks the calling goroutine to its OS thread and blocks, performing
// the readiness->callbacks->tasks cycle until Shutdown is observed. Locking
// the thread is what makes InLoopGoroutine's Gettid comparison meaningful:
// without it the Go scheduler is free to migrate the goroutine between
// ticks and a stale thread id would misclassify a later cross-goroutine
// caller as "on the loop".
func (l *Loop) Run() {
	runtime.LockOSThread()
	l.running.Store(true)
	l.ownerTID.Store(int32(unix.Gettid()))
	for !l.shutdownFlag.Load() {
		l.tick(PollTimeoutMS)
	}
}

// PollOnce performs exactly one tick with a zero timeout; intended for the
// SingleThreaded embedding where the caller drives the tick loop itself
// (e.g. a Server.Poll call inside the user's own main loop). It is the
// caller's responsibility to invoke PollOnce from the same goroutine every
// time, the same constraint Run enforces for itself via LockOSThread.
func (l *Loop) PollOnce() {
	l.ownerTID.Store(int32(unix.Gettid()))
	l.tick(0)
}

// InLoopGoroutine reports whether the calling goroutine is the one driving
// this loop's ticks. It is only meaningful after Run or PollOnce has run at
// least once.
func (l *Loop) InLoopGoroutine() bool {
	return l.ownerTID.Load() == int32(unix.Gettid())
}

// Running reports whether Run has been called and Shutdown has not yet
// been observed.
func (l *Loop) Running() bool {
	return l.running.Load() && !l.shutdownFlag.Load()
}

func (l *Loop) tick(timeoutMS int) {
	l.active = l.active[:0]
	active, err := l.poller.poll(timeoutMS, l.active)
	l.active = active

	for _, ch := range l.active {
		ch.HandleEvent()
	}

	var tasks []func()
	l.mu.Lock()
	tasks, l.pending = l.pending, nil
	l.mu.Unlock()
	for _, fn := range tasks {
		fn()
	}

	// The Poller already swallows EINTR internally (returns a nil error),
	// so any non-nil err here is fatal by construction.
	if err != nil && l.onError != nil {
		l.onError(l, err)
	}
}

// Post runs fn on the loop's own goroutine. If the caller is already on
// that goroutine, fn runs inline and immediately. Otherwise it is queued
// and the loop is woken via the eventfd so it observes the task within one
// poll timeout even if it is currently blocked in epoll_wait.
func (l *Loop) Post(fn func()) {
	if fn == nil {
		return
	}
	if l.InLoopGoroutine() {
		fn()
		return
	}
	l.mu.Lock()
	l.pending = append(l.pending, fn)
	l.mu.Unlock()
	_ = sysconn.WriteWakeToken(l.wakeFD)
}

// Shutdown sets the shutdown flag and wakes the loop so Run observes it at
// its next turn and returns. Shutdown itself does not block.
func (l *Loop) Shutdown() {
	if l.shutdownFlag.Swap(true) {
		return
	}
	_ = sysconn.WriteWakeToken(l.wakeFD)
}

// Close releases the loop's wakeup fd and epoll fd. Call only after Run has
// returned.
func (l *Loop) Close() error {
	l.wakeCh.ClearAll()
	l.wakeCh.Remove()
	wakeErr := sysconn.CloseHandle(l.wakeFD)
	pollErr := l.poller.shutdown()
	return multierr.Combine(wakeErr, pollErr)
}

// updateChannel reconciles a channel's current interest with the poller.
// Must be called on the loop's own goroutine.
func (l *Loop) updateChannel(ch *Channel) {
	if err := l.poller.updateChannel(ch); err != nil && l.onError != nil {
		l.onError(l, err)
	}
}

func (l *Loop) removeChannel(ch *Channel) {
	if err := l.poller.removeChannel(ch); err != nil && l.onError != nil {
		l.onError(l, err)
	}
}
