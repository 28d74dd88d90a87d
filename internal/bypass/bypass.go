// Package bypass defines the BypassFn contract (spec.md §6): the
// host-supplied predicate that marks an outbound socket so platform
// routing skips it past the TUN, and ships a reference Linux
// implementation so the core is exercisable standalone.
package bypass

// Func marks a socket so the platform's routing excludes it from the TUN.
// It is applied to every outbound TCP/UDP socket the tunnel layer opens
// (spec.md §3 invariant). A false return means the platform could not
// honor the request; the core logs it and continues (spec.md §6) rather
// than aborting the flow.
type Func func(fd uintptr) bool

// Noop never marks anything and always reports success. Useful for tests
// and for platforms where the TUN and the tunnel socket are already
// isolated by other means (e.g. network namespaces).
func Noop(uintptr) bool { return true }

// RawConnFunc adapts a Func to the shape syscall.RawConn.Control expects,
// so callers can write:
//
//	rc, _ := conn.(syscall.Conn).SyscallConn()
//	rc.Control(bypass.RawConnFunc(bypassFn))
func RawConnFunc(f Func) func(fd uintptr) {
	return func(fd uintptr) {
		f(fd)
	}
}
