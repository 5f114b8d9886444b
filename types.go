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

import "github.com/govoltron/reactor/internal/sysconn"

// ProtocolStack selects the socket family a Server or Connector uses.
type ProtocolStack = sysconn.ProtocolStack

const (
	IPv4Only  = sysconn.IPv4Only
	IPv6Only  = sysconn.IPv6Only
	DualStack = sysconn.DualStack
)

// SocketOption is a bitset of listen-side socket flags.
type SocketOption = sysconn.SocketOption

const (
	ReuseAddr = sysconn.ReuseAddr
	ReusePort = sysconn.ReusePort
)

// RunningMode selects whether a Server distributes connections across a
// pool of sub-loops or services everything on its single main loop.
type RunningMode int

const (
	// OneLoopPerThread starts ThreadNum worker loops, each on its own
	// goroutine, and round-robins accepted connections across them.
	OneLoopPerThread RunningMode = iota
	// SingleThreaded attaches the acceptor to the main loop and expects the
	// caller to drive it by calling Server.Poll in its own loop.
	SingleThreaded
)

// ConnectionState is the Connection lifecycle state, stored atomically and
// observable across goroutines.
type ConnectionState int32

const (
	Disconnected ConnectionState = iota
	Connecting
	Connected
	Disconnecting
)

func (s ConnectionState) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Disconnecting:
		return "disconnecting"
	default:
		return "unknown"
	}
}
