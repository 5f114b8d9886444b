//go:build linux

package iopoll

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestLoop_PostFromOtherGoroutine(t *testing.T) {
	l, err := New("test")
	require.NoError(t, err)

	done := make(chan struct{})
	go l.Run()

	var ran bool
	l.Post(func() {
		ran = true
		close(done)
	})

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("posted task never ran")
	}
	assert.True(t, ran)

	l.Shutdown()
	time.Sleep(50 * time.Millisecond)
	l.Close()
}

func TestLoop_PostInlineWhenOnLoopGoroutine(t *testing.T) {
	l, err := New("test")
	require.NoError(t, err)

	inlineDone := make(chan bool, 1)
	l.Post(func() {
		// This closure itself runs as a queued task dispatched from tick(),
		// so the goroutine executing it is the loop's own goroutine: a
		// nested Post from here must run synchronously, before Post
		// returns, rather than being queued again.
		ran := false
		l.Post(func() { ran = true })
		inlineDone <- ran
	})
	go l.Run()

	select {
	case ran := <-inlineDone:
		assert.True(t, ran, "nested Post on the loop goroutine must execute inline")
	case <-time.After(2 * time.Second):
		t.Fatal("outer posted task never ran")
	}

	l.Shutdown()
	time.Sleep(50 * time.Millisecond)
	l.Close()
}

func TestLoop_ChannelReadReadiness(t *testing.T) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	require.NoError(t, err)
	require.NoError(t, unix.SetNonblock(fds[0], true))
	require.NoError(t, unix.SetNonblock(fds[1], true))
	defer unix.Close(fds[1])

	l, err := New("test")
	require.NoError(t, err)

	var mu sync.Mutex
	var gotData []byte
	readDone := make(chan struct{})

	ch := NewChannel(l, fds[0])
	ch.SetReadCallback(func() {
		buf := make([]byte, 64)
		n, rerr := unix.Read(fds[0], buf)
		if rerr == nil && n > 0 {
			mu.Lock()
			gotData = append(gotData, buf[:n]...)
			mu.Unlock()
			select {
			case <-readDone:
			default:
				close(readDone)
			}
		}
	})
	l.Post(func() { ch.EnableRead() })

	go l.Run()

	_, err = unix.Write(fds[1], []byte("hello"))
	require.NoError(t, err)

	select {
	case <-readDone:
	case <-time.After(2 * time.Second):
		t.Fatal("read callback never fired")
	}

	mu.Lock()
	assert.Equal(t, "hello", string(gotData))
	mu.Unlock()

	l.Post(func() { ch.ClearAll() })
	time.Sleep(20 * time.Millisecond)
	unix.Close(fds[0])

	l.Shutdown()
	time.Sleep(50 * time.Millisecond)
	l.Close()
}

func TestLoop_ChannelCloseOnPeerHangup(t *testing.T) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	require.NoError(t, err)
	require.NoError(t, unix.SetNonblock(fds[0], true))
	require.NoError(t, unix.SetNonblock(fds[1], true))

	l, err := New("test")
	require.NoError(t, err)

	closeDone := make(chan int, 1)
	ch := NewChannel(l, fds[0])
	ch.SetReadCallback(func() {
		buf := make([]byte, 64)
		unix.Read(fds[0], buf) // drain; ignore EOF/EAGAIN here
	})
	ch.SetCloseCallback(func(errno int) {
		ch.ClearAll()
		ch.Remove()
		closeDone <- errno
	})
	l.Post(func() { ch.EnableRead() })

	go l.Run()

	time.Sleep(20 * time.Millisecond)
	unix.Close(fds[1])

	select {
	case errno := <-closeDone:
		assert.Equal(t, 0, errno, "graceful peer close should report no socket error")
	case <-time.After(2 * time.Second):
		t.Fatal("close callback never fired after peer hangup")
	}

	unix.Close(fds[0])
	l.Shutdown()
	time.Sleep(50 * time.Millisecond)
	l.Close()
}

func TestLoop_InLoopGoroutine(t *testing.T) {
	l, err := New("test")
	require.NoError(t, err)

	result := make(chan bool, 1)
	l.Post(func() { result <- l.InLoopGoroutine() })
	go l.Run()

	select {
	case inLoop := <-result:
		assert.True(t, inLoop)
	case <-time.After(2 * time.Second):
		t.Fatal("task never ran")
	}
	assert.False(t, l.InLoopGoroutine(), "test goroutine is not the loop goroutine")

	l.Shutdown()
	time.Sleep(50 * time.Millisecond)
	l.Close()
}
