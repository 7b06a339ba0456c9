package fastcgi

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
)

// SlotSocketPath is the per-slot unix socket path a local host's spawned
// processes listen on, shared between the ListenSockFunc that creates it
// and the Host.AddrForSlot callback the gateway dials once the process is
// RUNNING.
func SlotSocketPath(dir, hostName string, slot int) string {
	return filepath.Join(dir, hostName+"-"+strconv.Itoa(slot)+".sock")
}

// NewUnixListenSock builds a ListenSockFunc that binds a fresh unix socket
// per slot under dir and hands the listener's descriptor to Spawn, the
// standard FastCGI convention of a parent-bound listen socket a forked
// worker accepts connections from (spec §4.4 "Spawning"). A stale socket
// file left by a prior process occupying the same slot is removed first.
func NewUnixListenSock(dir string) ListenSockFunc {
	return func(h *Host, slot int) (*os.File, error) {
		path := SlotSocketPath(dir, h.Name, slot)
		_ = os.Remove(path)

		ln, err := net.Listen("unix", path)
		if err != nil {
			return nil, fmt.Errorf("fastcgi: listen %s: %w", path, err)
		}
		// Keep the socket file when the parent's copy closes: the spawned
		// child serves on it and the gateway dials it by path.
		ln.(*net.UnixListener).SetUnlinkOnClose(false)
		defer ln.Close()

		f, err := ln.(*net.UnixListener).File()
		if err != nil {
			return nil, fmt.Errorf("fastcgi: extract fd for %s: %w", path, err)
		}
		return f, nil
	}
}
