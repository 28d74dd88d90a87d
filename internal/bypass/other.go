//go:build !linux

package bypass

import (
	"log/slog"
	"net"
)

// Apply is a no-op outside Linux; platforms without an SO_MARK-style
// bypass must supply their own Func and apply it through their own
// socket-creation path (spec.md §6 treats BypassFn as a host collaborator).
func Apply(conn net.Conn, f Func) bool {
	slog.Warn("bypass: no platform-specific Apply on this GOOS, call Func directly against the socket fd")
	return false
}

// Default returns Noop: no platform-specific bypass is wired outside Linux.
func Default() Func { return Noop }
