// Package demux implements the packet demultiplexer (spec.md §4.2): it
// reads the TUN device on a single goroutine and dispatches each packet by
// protocol to the TCP flow engine, the UDP session table, or the ICMP
// responder.
package demux

import "sync"

// tunWriter wraps a *tun.Device's WritePacket behind a mutex so the many
// concurrent flow/session goroutines that emit synthetic packets can share
// one underlying TUN handle without interleaving partial writes (spec.md
// §5's single-writer requirement).
type tunWriter struct {
	mu     sync.Mutex
	device interface{ WritePacket([]byte) error }
}

func newTunWriter(device interface{ WritePacket([]byte) error }) *tunWriter {
	return &tunWriter{device: device}
}

func (w *tunWriter) WritePacket(pkt []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.device.WritePacket(pkt)
}
