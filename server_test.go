package reactor

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startEchoServer(t *testing.T, threadNum int) (*Server, string) {
	t.Helper()

	srv, err := NewServer("127.0.0.1", 0,
		WithThreadNum(threadNum),
		WithReuseAddr(),
		WithConnUserCallback(func(conn *Connection) {
			conn.SetConnUserCallbacks(
				func(c *Connection, data []byte) {
					c.Send(data)
					c.Consume(len(data))
				},
				nil,
			)
		}),
	)
	require.NoError(t, err)
	require.NoError(t, srv.Start())
	go srv.Run()

	// Port 0 means the kernel chose one; recover it from the acceptor's fd.
	ap, err := srv.Addr()
	require.NoError(t, err)
	return srv, ap.String()
}

func TestServer_ListenRejection(t *testing.T) {
	srv, err := NewServer("not-an-ip", 9090)
	require.NoError(t, err) // construction never binds

	err = srv.Start()
	assert.Error(t, err)
}

func TestServer_EchoRoundTrip(t *testing.T) {
	srv, addr := startEchoServer(t, 1)
	defer srv.Shutdown()

	conn, err := net.DialTimeout("tcp", addr, 2*time.Second)
	require.NoError(t, err)
	defer conn.Close()

	payload := []byte("hello, reactor")
	_, err = conn.Write(payload)
	require.NoError(t, err)

	buf := make([]byte, len(payload))
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err = ioReadFull(conn, buf)
	require.NoError(t, err)
	assert.Equal(t, payload, buf)

	conn.(*net.TCPConn).CloseWrite()
	// Drain until EOF to confirm the server's close handler ran.
	discard := make([]byte, 16)
	for {
		_, rerr := conn.Read(discard)
		if rerr != nil {
			break
		}
	}
}

func TestServer_RoundRobinDispatch(t *testing.T) {
	const threadNum = 3
	const total = 6

	var mu sync.Mutex
	var loopNames []string
	done := make(chan struct{}, total)

	srv, err := NewServer("127.0.0.1", 0,
		WithThreadNum(threadNum),
		WithReuseAddr(),
		WithConnUserCallback(func(conn *Connection) {
			mu.Lock()
			loopNames = append(loopNames, conn.LoopName())
			mu.Unlock()
			done <- struct{}{}
		}),
	)
	require.NoError(t, err)
	require.NoError(t, srv.Start())
	go srv.Run()
	defer srv.Shutdown()

	ap, err := srv.Addr()
	require.NoError(t, err)
	addr := ap.String()

	var conns []net.Conn
	for i := 0; i < total; i++ {
		c, derr := net.DialTimeout("tcp", addr, 2*time.Second)
		require.NoError(t, derr)
		conns = append(conns, c)
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("connection never dispatched")
		}
		time.Sleep(10 * time.Millisecond) // keep acceptance order deterministic
	}
	for _, c := range conns {
		c.Close()
	}

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, loopNames, total)
	// Connections 1&4, 2&5, 3&6 (1-indexed) land on the same loop.
	for i := 0; i < threadNum; i++ {
		assert.Equal(t, loopNames[i], loopNames[i+threadNum],
			"connection %d and %d should share a loop", i+1, i+1+threadNum)
	}
}

func TestServer_GracefulShutdownDrainsQueue(t *testing.T) {
	var closedErrno = -1
	closeDone := make(chan struct{})

	srv, err := NewServer("127.0.0.1", 0,
		WithThreadNum(1),
		WithReuseAddr(),
		WithConnUserCallback(func(conn *Connection) {
			conn.SetConnUserCallbacks(nil, func(c *Connection, errno int) {
				closedErrno = errno
				close(closeDone)
			})
			payload := make([]byte, 64*1024)
			conn.Send(payload)
			conn.Shutdown()
		}),
	)
	require.NoError(t, err)
	require.NoError(t, srv.Start())
	go srv.Run()
	defer srv.Shutdown()

	ap, err := srv.Addr()
	require.NoError(t, err)
	addr := ap.String()
	conn, err := net.DialTimeout("tcp", addr, 2*time.Second)
	require.NoError(t, err)
	defer conn.Close()

	received := 0
	buf := make([]byte, 4096)
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		n, rerr := conn.Read(buf)
		received += n
		if rerr != nil {
			break
		}
	}
	assert.Equal(t, 64*1024, received, "shutdown must deliver all queued bytes before EOF")

	// The server's close handler fires once it reads the client's own EOF.
	conn.(*net.TCPConn).CloseWrite()
	select {
	case <-closeDone:
	case <-time.After(2 * time.Second):
		t.Fatal("server-side close handler never fired")
	}
	assert.Equal(t, 0, closedErrno)
}

func ioReadFull(conn net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := conn.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}
