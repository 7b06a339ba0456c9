// Package server wires internal/connstate, internal/fdevent,
// internal/fastcgi and internal/plugin into a single-threaded accept/
// read/write event loop: one Poller owns every client socket, every
// FastCGI backend descriptor the gateway opens, and the job list.
package server

import (
	"fmt"
	"net"
	"strings"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/lighttgo/lighttgo/internal/chunk"
	"github.com/lighttgo/lighttgo/internal/netio"
)

// socketIO adapts a raw, non-blocking descriptor to connstate.Connection's
// IO interface, the event-loop-facing half of the seam internal/connstate
// only knows as "something that reads/writes a chunk.Queue".
type socketIO struct {
	fd int
}

func (s socketIO) Read(q *chunk.Queue, maxBytes int) (netio.Result, int64, error) {
	return netio.ReadQueue(s.fd, q, maxBytes)
}

func (s socketIO) Write(q *chunk.Queue) (netio.Result, int64, error) {
	return netio.WriteQueue(s.fd, q)
}

// openListenerFD binds addr (a "host:port" TCP address, or a Unix socket
// path beginning with "/") and returns the raw, non-blocking listening
// descriptor this server's event loop polls directly. This dups the fd out
// of a short-lived net.Listener and closes the Go wrapper, the same
// technique internal/fastcgi.DialProc uses on the outbound side, so the
// event loop drives accept(2) itself instead of handing control to
// net.Listener.Accept's own blocking goroutine.
func openListenerFD(addr string) (int, error) {
	network := "tcp"
	if strings.HasPrefix(addr, "/") {
		network = "unix"
	}
	ln, err := net.Listen(network, addr)
	if err != nil {
		return -1, fmt.Errorf("server: listen %s %s: %w", network, addr, err)
	}
	defer ln.Close()

	sc, ok := ln.(syscall.Conn)
	if !ok {
		return -1, fmt.Errorf("server: %s listener does not expose a raw descriptor", network)
	}
	rc, err := sc.SyscallConn()
	if err != nil {
		return -1, err
	}

	var fd int
	var dupErr error
	if err := rc.Control(func(raw uintptr) {
		fd, dupErr = unix.Dup(int(raw))
	}); err != nil {
		return -1, err
	}
	if dupErr != nil {
		return -1, dupErr
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return -1, err
	}
	return fd, nil
}

// acceptAll drains every connection currently queued on listenFD, stopping
// at EAGAIN (spec §4.5: the event loop only wakes for already-ready
// descriptors, so a readable listener may have more than one pending
// connection per wakeup). onAccept is called once per accepted descriptor,
// already non-blocking and close-on-exec.
func acceptAll(listenFD int, onAccept func(fd int, remote string)) error {
	for {
		nfd, sa, err := unix.Accept4(listenFD, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
		if err != nil {
			switch err {
			case unix.EAGAIN:
				return nil
			case unix.EINTR, unix.ECONNABORTED:
				continue
			default:
				return err
			}
		}
		onAccept(nfd, remoteString(sa))
	}
}

// remoteString renders a sockaddr as a display string for logging; an
// unrecognized family (or a Unix socket's unnamed/abstract address) yields
// an empty string rather than an error, since remote address is informational
// only.
func remoteString(sa unix.Sockaddr) string {
	switch a := sa.(type) {
	case *unix.SockaddrInet4:
		return fmt.Sprintf("%d.%d.%d.%d:%d", a.Addr[0], a.Addr[1], a.Addr[2], a.Addr[3], a.Port)
	case *unix.SockaddrInet6:
		return fmt.Sprintf("[%x]:%d", a.Addr, a.Port)
	case *unix.SockaddrUnix:
		return "unix:" + a.Name
	default:
		return ""
	}
}
