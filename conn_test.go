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

package reactor

import (
	"net"
	"net/netip"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/govoltron/reactor/internal/iopoll"
)

// socketpairConn builds a Connection bound to one end of a Unix
// socketpair, wired to a real running Loop, and returns a net.Conn wrapping
// the other end for the test to drive directly.
func socketpairConn(t *testing.T) (*Connection, net.Conn, *iopoll.Loop) {
	t.Helper()

	loop, err := iopoll.New("test")
	require.NoError(t, err)
	go loop.Run()
	t.Cleanup(func() {
		loop.Shutdown()
		loop.Close()
	})

	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	require.NoError(t, err)
	require.NoError(t, unix.SetNonblock(fds[0], true))

	peerFile := os.NewFile(uintptr(fds[1]), "peer")
	peerConn, err := net.FileConn(peerFile)
	require.NoError(t, err)
	require.NoError(t, peerFile.Close()) // net.FileConn dup()s; drop our copy.
	t.Cleanup(func() { peerConn.Close() })

	conn := newConnection(loop, fds[0], netip.AddrPort{}, nil)
	return conn, peerConn, loop
}

func TestConnection_MessageCallbackAndConsume(t *testing.T) {
	conn, peer, loop := socketpairConn(t)

	var mu sync.Mutex
	var received []byte
	done := make(chan struct{}, 1)
	conn.SetConnUserCallbacks(func(c *Connection, data []byte) {
		mu.Lock()
		received = append(received, data...)
		mu.Unlock()
		require.NoError(t, c.Consume(len(data)))
		done <- struct{}{}
	}, nil)

	loop.Post(conn.start)

	payload := []byte("hello over a socketpair")
	_, err := peer.Write(payload)
	require.NoError(t, err)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("message callback never fired")
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, payload, received)
}

func TestConnection_SendPreservesOrder(t *testing.T) {
	conn, peer, loop := socketpairConn(t)
	started := make(chan struct{})
	loop.Post(func() {
		conn.start()
		close(started)
	})
	<-started

	// Two off-loop sends must still arrive concatenated in call order:
	// neither caller is the loop goroutine, so each Send queues through
	// the same mutex-guarded pending slice, and the second can never jump
	// ahead of the first.
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		conn.Send([]byte("first-"))
	}()
	go func() {
		defer wg.Done()
		time.Sleep(5 * time.Millisecond)
		conn.Send([]byte("second"))
	}()
	wg.Wait()

	peer.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, len("first-second"))
	_, err := ioReadFull(peer, buf)
	require.NoError(t, err)
	assert.Equal(t, "first-second", string(buf))
}

func TestConnection_CloseIsIdempotent(t *testing.T) {
	conn, _, loop := socketpairConn(t)

	var closes int
	closeDone := make(chan struct{})
	conn.SetConnUserCallbacks(nil, func(c *Connection, errno int) {
		closes++
		close(closeDone)
	})
	started := make(chan struct{})
	loop.Post(func() {
		conn.start()
		close(started)
	})
	<-started

	conn.Close()
	conn.Close() // second call must be a no-op; state is no longer Connected.

	select {
	case <-closeDone:
	case <-time.After(2 * time.Second):
		t.Fatal("close callback never fired")
	}
	assert.Equal(t, 1, closes)
	assert.Equal(t, Disconnected, conn.State())
}

func TestConnection_HighLowWatermark(t *testing.T) {
	conn, _, loop := socketpairConn(t)
	conn.SetWatermarks(1000, 200)

	var mu sync.Mutex
	var thresholds []int
	conn.SetWatermarkCallback(func(c *Connection, threshold int) {
		mu.Lock()
		thresholds = append(thresholds, threshold)
		mu.Unlock()
	})

	result := make(chan struct{})
	loop.Post(func() {
		conn.start()
		// Queue well past the high watermark directly, bypassing the
		// socket: sendInLoop's accounting is what's under test here, not
		// kernel buffering behavior.
		conn.outbound.Append(make([]byte, 1500))
		conn.checkHighWatermark()
		close(result)
	})
	<-result

	mu.Lock()
	require.Len(t, thresholds, 1)
	assert.Equal(t, 1000, thresholds[0])
	mu.Unlock()

	// Draining below the low watermark and re-running the same check
	// handleWrite performs must clear the warning and fire once more.
	done := make(chan struct{})
	loop.Post(func() {
		require.NoError(t, conn.outbound.Consume(1400)) // 100 bytes left, under 200
		if conn.warning.Load() && conn.outbound.ReadableLen() <= conn.lowWatermark {
			conn.warning.Store(false)
			if conn.onWatermark != nil {
				conn.onWatermark(conn, conn.lowWatermark)
			}
		}
		close(done)
	})
	<-done

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, thresholds, 2)
	assert.Equal(t, 200, thresholds[1])
}
