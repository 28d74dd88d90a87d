//go:build linux

package bypass

import (
	"log/slog"
	"net"
	"syscall"

	"golang.org/x/sys/unix"
)

// defaultFwmark is the SO_MARK value applied to bypassed sockets. A host
// app wiring its own routing policy (e.g. `ip rule add fwmark 0xe4a1
// lookup main`) would exclude this mark from the TUN's table.
const defaultFwmark = 0xe4a1

// Default returns the platform's bypass implementation: SO_MARK on Linux.
func Default() Func { return LinuxSOMark() }

// LinuxSOMark returns a Func that sets SO_MARK on the socket so policy
// routing can steer it around the TUN's routing table, avoiding the
// fatal tunnel-inside-tunnel loop described in spec.md §4.7.
func LinuxSOMark() Func {
	return func(fd uintptr) bool {
		if err := unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_MARK, defaultFwmark); err != nil {
			slog.Warn("bypass: SO_MARK failed", "error", err)
			return false
		}
		return true
	}
}

// Apply runs f against conn's underlying file descriptor via
// syscall.RawConn.Control. It returns false (and logs) if conn does not
// expose a raw connection, or if f itself reports failure.
func Apply(conn net.Conn, f Func) bool {
	sc, ok := conn.(syscall.Conn)
	if !ok {
		slog.Warn("bypass: connection does not support SyscallConn")
		return false
	}

	rc, err := sc.SyscallConn()
	if err != nil {
		slog.Warn("bypass: SyscallConn failed", "error", err)
		return false
	}

	ok = true
	ctrlErr := rc.Control(func(fd uintptr) {
		ok = f(fd)
	})
	if ctrlErr != nil {
		slog.Warn("bypass: RawConn.Control failed", "error", ctrlErr)
		return false
	}
	return ok
}
