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
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/govoltron/reactor/internal/iopoll"
	"github.com/govoltron/reactor/internal/rlog"
	"github.com/govoltron/reactor/internal/sysconn"
)

// Server distributes accepted connections across a pool of worker loops
// running one-per-goroutine (or services everything on a single loop the
// caller drives itself), per mode.
type Server struct {
	ip   string
	port uint16

	mode      RunningMode
	threadNum int
	stack     ProtocolStack
	sockOpts  SocketOption

	mainLoop *iopoll.Loop
	pool     *LoopPool
	acceptor *Acceptor

	mu    sync.Mutex
	conns map[int]*Connection

	startedAt time.Time
	log       *rlog.Logger

	onConn        func(conn *Connection)
	onPollError   func(loopName string, err error)
	onAcceptError func(err error)
}

// NewServer constructs a Server bound to ip:port. It does not listen;
// call Start for that.
func NewServer(ip string, port uint16, opts ...ServerOption) (*Server, error) {
	mainLoop, err := iopoll.New("main")
	if err != nil {
		return nil, err
	}

	stack := IPv4Only
	if addr, perr := netip.ParseAddr(ip); perr == nil && !addr.Is4() {
		stack = IPv6Only
	}

	s := &Server{
		ip:        ip,
		port:      port,
		mode:      OneLoopPerThread,
		threadNum: 1,
		stack:     stack,
		mainLoop:  mainLoop,
		conns:     make(map[int]*Connection),
		log:       rlog.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	mainLoop.SetErrorCallback(func(_ *iopoll.Loop, err error) {
		s.log.Warn("main loop poll error", zap.Error(err))
		if s.onPollError != nil {
			s.onPollError("main", err)
		}
	})
	return s, nil
}

// Start binds the listen socket, wires the acceptor, and (in
// OneLoopPerThread mode) launches the worker-loop pool. It does not block;
// call Run (OneLoopPerThread) or Poll in a loop (SingleThreaded) next.
func (s *Server) Start() error {
	if s.mode == OneLoopPerThread {
		pool, err := newLoopPool(s.threadNum, func(name string, err error) {
			s.log.Warn("worker loop poll error", zap.String("loop", name), zap.Error(err))
			if s.onPollError != nil {
				s.onPollError(name, err)
			}
		})
		if err != nil {
			return err
		}
		s.pool = pool
	}

	s.acceptor = newAcceptor(s.mainLoop, s.log)
	s.acceptor.onAccept = s.handleAccept
	s.acceptor.onError = s.onAcceptError

	// The main loop is not running yet, so no goroutine owns it and the
	// acceptor is set up directly from the calling goroutine.
	if err := s.acceptor.listen(s.ip, s.port, s.stack, s.sockOpts); err != nil {
		if s.pool != nil {
			closeErr := s.pool.Close()
			s.pool = nil
			err = multierr.Append(err, closeErr)
		}
		return err
	}

	if s.pool != nil {
		s.pool.start()
	}
	s.startedAt = time.Now()
	return nil
}

// Run drives the main loop. Blocking; returns once Shutdown is observed.
// Intended for OneLoopPerThread mode, where sub-loops already run their own
// goroutines started by Start.
func (s *Server) Run() {
	s.mainLoop.Run()
}

// Poll performs exactly one tick of the main loop with a zero timeout;
// intended for SingleThreaded mode, where the caller drives its own loop
// and the acceptor (and every accepted Connection) lives on the main loop.
func (s *Server) Poll() {
	s.mainLoop.PollOnce()
}

// Shutdown stops the acceptor, the worker-loop pool (each sub-loop joined),
// and finally the main loop.
func (s *Server) Shutdown() error {
	done := make(chan struct{})
	s.mainLoop.Post(func() {
		s.acceptor.shutdown()
		close(done)
	})
	<-done

	var poolErr error
	if s.pool != nil {
		poolErr = s.pool.shutdown()
	}
	s.mainLoop.Shutdown()
	return poolErr
}

// handleAccept runs on the main loop goroutine, as the acceptor's read
// callback. It chooses a worker loop, constructs the Connection there,
// inserts the server's map entry (main-loop-only), and starts the
// connection on its owning loop.
func (s *Server) handleAccept(fd int, remote netip.AddrPort) {
	if remote.Port() == 0 || !remote.IsValid() {
		sysconn.CloseHandle(fd)
		return
	}

	loop := s.mainLoop
	if s.pool != nil {
		loop = s.pool.Next()
	}

	conn := newConnection(loop, fd, remote, s.log)
	conn.onCloseHolder = func(c *Connection) {
		s.mainLoop.Post(func() {
			s.mu.Lock()
			delete(s.conns, c.Handle())
			s.mu.Unlock()
		})
	}

	s.mu.Lock()
	s.conns[fd] = conn
	s.mu.Unlock()

	loop.Post(func() {
		conn.start()
		if s.onConn != nil {
			s.onConn(conn)
		}
	})
}

// Addr returns the address the listen socket is bound to; valid only after
// Start succeeds. Useful to recover the kernel-chosen port after
// listening on port 0.
func (s *Server) Addr() (netip.AddrPort, error) {
	result := make(chan struct {
		ap  netip.AddrPort
		err error
	}, 1)
	s.mainLoop.Post(func() {
		ap, err := s.acceptor.Addr()
		result <- struct {
			ap  netip.AddrPort
			err error
		}{ap, err}
	})
	r := <-result
	return r.ap, r.err
}

// ConnCount returns the number of connections currently tracked in the
// server's map. Safe from any goroutine.
func (s *Server) ConnCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// LoopNames returns the main loop's name followed by each worker loop's
// name, in pool order, for introspection.
func (s *Server) LoopNames() []string {
	names := []string{s.mainLoop.Name}
	if s.pool != nil {
		for _, l := range s.pool.Loops() {
			names = append(names, l.Name)
		}
	}
	return names
}

// Uptime reports how long Start has been running. Zero before Start.
func (s *Server) Uptime() time.Duration {
	if s.startedAt.IsZero() {
		return 0
	}
	return time.Since(s.startedAt)
}

// LoopStats returns the connection count tracked against each loop, in the
// same order as LoopNames (main loop first, then each worker loop).
func (s *Server) LoopStats() []int {
	loops := []*iopoll.Loop{s.mainLoop}
	if s.pool != nil {
		loops = append(loops, s.pool.Loops()...)
	}
	counts := make(map[*iopoll.Loop]int, len(loops))

	s.mu.Lock()
	for _, conn := range s.conns {
		counts[conn.loop]++
	}
	s.mu.Unlock()

	stats := make([]int, len(loops))
	for i, l := range loops {
		stats[i] = counts[l]
	}
	return stats
}
