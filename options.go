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
	"time"

	"github.com/govoltron/reactor/internal/rlog"
)

// ServerOption configures a Server at construction time.
type ServerOption func(s *Server)

// WithThreadNum sets the worker-loop count used in OneLoopPerThread mode.
// Ignored in SingleThreaded mode. The default is 1.
func WithThreadNum(n int) ServerOption {
	return func(s *Server) {
		if n > 0 {
			s.threadNum = n
		}
	}
}

// WithMode selects OneLoopPerThread or SingleThreaded dispatch.
func WithMode(mode RunningMode) ServerOption {
	return func(s *Server) { s.mode = mode }
}

// WithReuseAddr enables SO_REUSEADDR on the listen socket.
func WithReuseAddr() ServerOption {
	return func(s *Server) { s.sockOpts |= ReuseAddr }
}

// WithReusePort enables SO_REUSEPORT on the listen socket.
func WithReusePort() ServerOption {
	return func(s *Server) { s.sockOpts |= ReusePort }
}

// WithProtocolStack overrides the default ProtocolStack inferred from the
// listen address's textual form (IPv4Only for a v4 address, IPv6Only
// otherwise).
func WithProtocolStack(stack ProtocolStack) ServerOption {
	return func(s *Server) { s.stack = stack }
}

// WithLogger installs a *rlog.Logger; the default is rlog.Nop().
func WithLogger(logger *rlog.Logger) ServerOption {
	return func(s *Server) {
		if logger != nil {
			s.log = logger
		}
	}
}

// WithConnUserCallback sets the callback invoked once per accepted
// Connection, on its owning loop, before any I/O has been dispatched on it.
func WithConnUserCallback(fn func(conn *Connection)) ServerOption {
	return func(s *Server) { s.onConn = fn }
}

// WithPollErrorUserCallback sets the callback invoked when the main loop's
// or a worker loop's poll returns a fatal error; loopName is "main" for the
// main loop.
func WithPollErrorUserCallback(fn func(loopName string, err error)) ServerOption {
	return func(s *Server) { s.onPollError = fn }
}

// WithAcceptorErrorUserCallback sets the callback invoked when accept
// yields a non-recoverable residual error; the acceptor keeps listening.
func WithAcceptorErrorUserCallback(fn func(err error)) ServerOption {
	return func(s *Server) { s.onAcceptError = fn }
}

// ConnectorOption configures a Connector at construction time.
type ConnectorOption func(c *Connector)

// WithConnectorLogger installs a *rlog.Logger on a Connector; the default
// is rlog.Nop().
func WithConnectorLogger(logger *rlog.Logger) ConnectorOption {
	return func(c *Connector) {
		if logger != nil {
			c.log = logger
		}
	}
}

// WithConnectErrorCallback sets the callback invoked when a Connector's
// async connect fails.
func WithConnectErrorCallback(fn func(err error)) ConnectorOption {
	return func(c *Connector) { c.onError = fn }
}

// WithConnectTimeout overrides the 5 second default used by StartSync.
func WithConnectTimeout(d time.Duration) ConnectorOption {
	return func(c *Connector) {
		if d > 0 {
			c.timeout = d
		}
	}
}
