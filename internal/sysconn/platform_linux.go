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

// Package sysconn is the core's only collaborator for platform syscalls:
// socket lifecycle, address parsing, readiness registration primitives and
// error classification. Everything above this package is pure Go reactor
// logic; everything in it is a thin wrapper around golang.org/x/sys/unix.
package sysconn

import (
	"errors"
	"net"
	"net/netip"
	"time"

	reuseport "github.com/kavu/go_reuseport"
	"golang.org/x/sys/unix"
)

// ProtocolStack selects the socket family a listener or dialer should use.
type ProtocolStack int

const (
	IPv4Only ProtocolStack = iota
	IPv6Only
	DualStack
)

// SocketOption is a bitset of optional listen-side socket flags.
type SocketOption uint8

const (
	ReuseAddr SocketOption = 1 << iota
	ReusePort
)

// ErrClass is the coarse classification of an I/O errno, per ClassifyError.
type ErrClass int

const (
	// RetryLater means the syscall would have blocked (EAGAIN/EWOULDBLOCK):
	// the caller should stop draining and wait for the next readiness event.
	RetryLater ErrClass = iota
	// Transient means the syscall failed for a reason that does not
	// indicate a broken connection (EINTR, ECONNABORTED, EPROTO): the
	// caller should retry immediately.
	Transient
	// Fatal means the connection or listener is no longer usable.
	Fatal
)

// ErrInvalidAddress is returned by ParseAddress when the textual address
// does not parse, or does not match the requested ProtocolStack.
var ErrInvalidAddress = errors.New("sysconn: invalid address for requested protocol stack")

// AcceptedConn is one result of AcceptMany.
type AcceptedConn struct {
	FD     int
	Remote netip.AddrPort
}

// ParseAddress detects v4 vs v6 textually and reconciles it with stack,
// returning the address family to use for Listen/Connect.
func ParseAddress(ip string, port uint16, stack ProtocolStack) (netip.AddrPort, int, error) {
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return netip.AddrPort{}, 0, ErrInvalidAddress
	}

	switch {
	case addr.Is4() && stack == IPv4Only:
		return netip.AddrPortFrom(addr, port), unix.AF_INET, nil
	case addr.Is4() && stack != IPv4Only:
		return netip.AddrPort{}, 0, ErrInvalidAddress
	case !addr.Is4() && (stack == IPv6Only || stack == DualStack):
		return netip.AddrPortFrom(addr, port), unix.AF_INET6, nil
	default:
		return netip.AddrPort{}, 0, ErrInvalidAddress
	}
}

func sockaddrFromAddrPort(ap netip.AddrPort, family int) unix.Sockaddr {
	if family == unix.AF_INET6 {
		return &unix.SockaddrInet6{Port: int(ap.Port()), Addr: ap.Addr().As16()}
	}
	return &unix.SockaddrInet4{Port: int(ap.Port()), Addr: ap.Addr().As4()}
}

// Listen creates a non-blocking, listening TCP socket bound to ap. For
// ReusePort it defers to github.com/kavu/go_reuseport, which does the
// SO_REUSEPORT dance portably; otherwise it builds the socket by hand so
// ReuseAddr and the dual-stack IPV6_V6ONLY=0 option can be applied exactly
// as specified.
func Listen(ap netip.AddrPort, family int, stack ProtocolStack, opts SocketOption) (fd int, err error) {
	if opts&ReusePort != 0 {
		return listenReusePort(ap)
	}
	return listenPlain(ap, family, stack, opts)
}

func listenReusePort(ap netip.AddrPort) (int, error) {
	ln, err := reuseport.Listen("tcp", ap.String())
	if err != nil {
		return -1, err
	}
	tcpLn, ok := ln.(*net.TCPListener)
	if !ok {
		ln.Close()
		return -1, errors.New("sysconn: reuseport listener is not TCP")
	}
	sc, err := tcpLn.SyscallConn()
	if err != nil {
		tcpLn.Close()
		return -1, err
	}
	var dupFD int
	var dupErr error
	err = sc.Control(func(fd uintptr) {
		dupFD, dupErr = unix.Dup(int(fd))
	})
	tcpLn.Close()
	if err != nil {
		return -1, err
	}
	if dupErr != nil {
		return -1, dupErr
	}
	if err := unix.SetNonblock(dupFD, true); err != nil {
		unix.Close(dupFD)
		return -1, err
	}
	return dupFD, nil
}

func listenPlain(ap netip.AddrPort, family int, stack ProtocolStack, opts SocketOption) (int, error) {
	fd, err := unix.Socket(family, unix.SOCK_STREAM, unix.IPPROTO_TCP)
	if err != nil {
		return -1, err
	}
	closeOnErr := func(err error) (int, error) {
		unix.Close(fd)
		return -1, err
	}

	if family == unix.AF_INET6 && stack == DualStack {
		if err := unix.SetsockoptInt(fd, unix.IPPROTO_IPV6, unix.IPV6_V6ONLY, 0); err != nil {
			return closeOnErr(err)
		}
	}
	if opts&ReuseAddr != 0 {
		if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
			return closeOnErr(err)
		}
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		return closeOnErr(err)
	}

	if err := unix.Bind(fd, sockaddrFromAddrPort(ap, family)); err != nil {
		return closeOnErr(err)
	}
	if err := unix.Listen(fd, unix.SOMAXCONN); err != nil {
		return closeOnErr(err)
	}
	return fd, nil
}

// AcceptMany accepts connections off listenFD in a loop until the kernel
// signals RetryLater. Accepted fds are already non-blocking and
// close-on-exec. A non-nil residual error means a fatal condition was hit
// partway through the burst; the accepted conns collected so far are still
// valid and returned.
func AcceptMany(listenFD int) (conns []AcceptedConn, residual error) {
	for {
		nfd, sa, err := unix.Accept4(listenFD, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
		if err != nil {
			switch ClassifyError(err) {
			case RetryLater:
				return conns, nil
			case Transient:
				continue
			default:
				return conns, err
			}
		}
		conns = append(conns, AcceptedConn{FD: nfd, Remote: sockaddrToAddrPort(sa)})
	}
}

func sockaddrToAddrPort(sa unix.Sockaddr) netip.AddrPort {
	switch v := sa.(type) {
	case *unix.SockaddrInet4:
		return netip.AddrPortFrom(netip.AddrFrom4(v.Addr), uint16(v.Port))
	case *unix.SockaddrInet6:
		return netip.AddrPortFrom(netip.AddrFrom16(v.Addr), uint16(v.Port))
	default:
		return netip.AddrPort{}
	}
}

// Connect issues a connect(2) to ap. When blocking is false, the returned
// fd may still be mid-handshake (EINPROGRESS tolerated as success); the
// caller is expected to wait for write-readiness and check SO_ERROR. When
// blocking is true, Connect itself waits up to timeout for write readiness
// (a timeout <= 0 defaults to 5 seconds) and verifies SO_ERROR == 0 before
// returning.
func Connect(ap netip.AddrPort, family int, blocking bool, timeout time.Duration) (fd int, err error) {
	fd, err = unix.Socket(family, unix.SOCK_STREAM, unix.IPPROTO_TCP)
	if err != nil {
		return -1, err
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return -1, err
	}

	err = unix.Connect(fd, sockaddrFromAddrPort(ap, family))
	if err == nil {
		return fd, nil
	}
	if err != unix.EINPROGRESS {
		unix.Close(fd)
		return -1, err
	}
	if !blocking {
		return fd, nil
	}

	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	pfd := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLOUT}}
	n, err := unix.Poll(pfd, int(timeout/time.Millisecond))
	if err != nil || n != 1 {
		unix.Close(fd)
		if err == nil {
			err = errors.New("sysconn: connect timed out")
		}
		return -1, err
	}
	if serr, gerr := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR); gerr != nil || serr != 0 {
		unix.Close(fd)
		if gerr != nil {
			return -1, gerr
		}
		return -1, unix.Errno(serr)
	}
	return fd, nil
}

// RegisterWakeup creates a wakeup primitive: a handle that becomes readable
// after any WriteWakeToken and drains a full token on DrainWakeToken.
func RegisterWakeup() (int, error) {
	return unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
}

// WriteWakeToken writes one token to a wakeup fd.
func WriteWakeToken(fd int) error {
	var buf [8]byte
	buf[7] = 1
	_, err := unix.Write(fd, buf[:])
	return err
}

// DrainWakeToken reads (and discards) the accumulated token count from a
// wakeup fd.
func DrainWakeToken(fd int) error {
	var buf [8]byte
	_, err := unix.Read(fd, buf[:])
	if err != nil && ClassifyError(err) == RetryLater {
		return nil
	}
	return err
}

// ShutWrite disables further sending on fd; the remote peer observes EOF.
func ShutWrite(fd int) error {
	return unix.Shutdown(fd, unix.SHUT_WR)
}

// CloseHandle closes fd.
func CloseHandle(fd int) error {
	return unix.Close(fd)
}

// ClassifyError maps an errno-bearing error to the coarse ErrClass the
// reactor's read/write loops branch on.
func ClassifyError(err error) ErrClass {
	var errno unix.Errno
	if !errors.As(err, &errno) {
		return Fatal
	}
	switch errno {
	case unix.EAGAIN:
		// EWOULDBLOCK == EAGAIN on Linux.
		return RetryLater
	case unix.EPROTO, unix.ECONNABORTED, unix.EINTR:
		return Transient
	default:
		return Fatal
	}
}

// Send writes data to fd. It never blocks; on EAGAIN it returns (-1, err)
// with ClassifyError(err) == RetryLater.
func Send(fd int, data []byte) (int, error) {
	return unix.Write(fd, data)
}

// Recv reads into buf from fd. It never blocks; on EAGAIN it returns
// (-1, err) with ClassifyError(err) == RetryLater.
func Recv(fd int, buf []byte) (int, error) {
	return unix.Read(fd, buf)
}

// SOError retrieves and clears the socket's pending SO_ERROR value.
func SOError(fd int) (int, error) {
	return unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
}

// LocalAddr returns the address fd is bound to, e.g. to recover the port
// the kernel chose for a listen with port 0.
func LocalAddr(fd int) (netip.AddrPort, error) {
	sa, err := unix.Getsockname(fd)
	if err != nil {
		return netip.AddrPort{}, err
	}
	return sockaddrToAddrPort(sa), nil
}

// Errno extracts the raw errno from err, or -1 if err does not wrap one.
func Errno(err error) int {
	var errno unix.Errno
	if errors.As(err, &errno) {
		return int(errno)
	}
	return -1
}
