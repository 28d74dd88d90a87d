package flow

import (
	"context"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"vlesstun/internal/packet"
)

const (
	// connectTimeout bounds how long a flow waits for its tunnel to open
	// before giving up with no RST (spec.md §4.3/§7).
	connectTimeout = 15 * time.Second
	// defaultIdleTimeout tears down a flow that has carried no traffic in
	// either direction for this long (spec.md §4.3/§5).
	defaultIdleTimeout = 300 * time.Second
	// idleCheckInterval is how often the idle watchdog polls.
	idleCheckInterval = 30 * time.Second
	// maxPendingBytes bounds host data buffered before the tunnel connects;
	// further writes are dropped rather than blocking the demultiplexer
	// (spec.md §4.3/§7 backpressure-overflow).
	maxPendingBytes = 64 * 1024
	// defaultMSS is used when no MTU-derived value is supplied.
	defaultMSS = 1460
)

// TunnelHandle is the subset of *wstunnel.Tunnel a TCPFlow depends on.
// Declaring it here (rather than importing the concrete type) keeps the
// flow engine unit-testable with a fake tunnel.
type TunnelHandle interface {
	Send(b []byte) error
	Recv() <-chan []byte
	Done() <-chan struct{}
	Close() error
}

// DialFunc opens a new tunnel to destIP:destPort, fusing earlyData into the
// tunnel's first frame when non-empty (spec.md §4.3/§4.7 first-data
// merging). It must respect ctx's deadline.
type DialFunc func(ctx context.Context, destIP [4]byte, destPort uint16, earlyData []byte) (TunnelHandle, error)

// TCPState is the flow's lifecycle (spec.md §3).
type TCPState int32

const (
	TCPSynReceived TCPState = iota
	TCPEstablished
	TCPClosed
)

// TCPFlow is the synthetic TCP engine for a single 4-tuple (spec.md §4.3).
// It never implements retransmission, congestion control, or reordering:
// it assumes an in-order, non-overlapping host stack, which is the actual
// contract every mainstream TCP/IP stack honors for packets it emits.
type TCPFlow struct {
	key    TCPKey
	writer PacketWriter
	dial   DialFunc
	stats  StatsSink
	mss    int

	table *TCPTable

	mu           sync.Mutex
	state        TCPState
	serverSeq    uint32
	clientAck    uint32
	connected    bool
	tunnel       TunnelHandle
	pending      []byte
	pendingDrops uint64
	lastActivity time.Time

	closeOnce sync.Once
	done      chan struct{}

	idleTimeout time.Duration
}

// NewTCPFlow registers a new flow in table, emits its synthetic SYN-ACK,
// and starts the background goroutines that dial the tunnel and relay
// tunnel->host bytes. clientSeq is the SYN segment's sequence number.
func NewTCPFlow(key TCPKey, clientSeq uint32, table *TCPTable, writer PacketWriter, dial DialFunc, stats StatsSink, mtu int) *TCPFlow {
	if stats == nil {
		stats = NoopStats{}
	}
	mss := mtu - 40
	if mss <= 0 {
		mss = defaultMSS
	}

	f := &TCPFlow{
		key:          key,
		writer:       writer,
		dial:         dial,
		stats:        stats,
		mss:          mss,
		table:        table,
		state:        TCPSynReceived,
		serverSeq:    rand.Uint32(),
		clientAck:    clientSeq + 1,
		lastActivity: time.Now(),
		done:         make(chan struct{}),
		idleTimeout:  defaultIdleTimeout,
	}

	table.Insert(key, f)

	synAck := f.buildSegment(f.serverSeq, f.clientAck, packet.FlagSYN|packet.FlagACK, nil)
	f.serverSeq++
	if err := writer.WritePacket(synAck); err != nil {
		slog.Warn("flow: writing synthetic SYN-ACK failed", "flow", key, "error", err)
	}

	go f.run()
	go f.idleWatcher()

	return f
}

// HandleSegment feeds a TCP segment addressed to this flow's key into the
// engine. Called synchronously by the demultiplexer for every inbound
// packet; must not block.
func (f *TCPFlow) HandleSegment(seg packet.TCPSegment) {
	f.mu.Lock()
	f.lastActivity = time.Now()

	if f.state == TCPClosed {
		f.mu.Unlock()
		return
	}

	if seg.Flags&packet.FlagRST != 0 {
		f.mu.Unlock()
		f.teardown(false)
		return
	}

	if seg.Flags&packet.FlagFIN != 0 {
		f.clientAck = seg.Seq + uint32(len(seg.Payload)) + 1
		serverSeq := f.serverSeq
		clientAck := f.clientAck
		f.serverSeq++
		f.mu.Unlock()

		finAck := f.buildSegment(serverSeq, clientAck, packet.FlagFIN|packet.FlagACK, nil)
		if err := f.writer.WritePacket(finAck); err != nil {
			slog.Warn("flow: writing FIN-ACK failed", "flow", f.key, "error", err)
		}
		f.teardown(false)
		return
	}

	if len(seg.Payload) == 0 {
		f.mu.Unlock()
		return
	}

	connected := f.connected
	accepted := true
	if !connected {
		if len(f.pending)+len(seg.Payload) <= maxPendingBytes {
			f.pending = append(f.pending, seg.Payload...)
		} else {
			accepted = false
			f.pendingDrops++
			slog.Warn("flow: pending buffer full, dropping host data", "flow", f.key, "bytes", len(seg.Payload))
		}
	}
	if accepted {
		// Only ACK bytes actually buffered or forwarded; a dropped payload
		// must not be acknowledged so the host retransmits it.
		f.clientAck = seg.Seq + uint32(len(seg.Payload))
	}
	tunnel := f.tunnel
	serverSeq := f.serverSeq
	clientAck := f.clientAck
	f.mu.Unlock()

	if accepted && connected && tunnel != nil {
		if err := tunnel.Send(seg.Payload); err != nil {
			slog.Warn("flow: forwarding host payload failed", "flow", f.key, "error", err)
			f.teardown(false)
			return
		}
		f.stats.AddBytesOut(uint64(len(seg.Payload)))
	}

	// clientAck reflects only what was actually buffered or forwarded above,
	// so this is a duplicate ACK (prompting retransmission) when accepted is
	// false.
	ack := f.buildSegment(serverSeq, clientAck, packet.FlagACK, nil)
	if err := f.writer.WritePacket(ack); err != nil {
		slog.Warn("flow: writing ACK failed", "flow", f.key, "error", err)
	}
}

// Done reports the flow's teardown signal.
func (f *TCPFlow) Done() <-chan struct{} { return f.done }

// Close tears the flow down and closes its tunnel, if any. Used by the
// supervisor during graceful shutdown (spec.md §4.8).
func (f *TCPFlow) Close() error {
	f.teardown(true)
	return nil
}

// run dials the tunnel (fusing any host data buffered since the SYN-ACK as
// early data), flushes whatever accumulated during the dial, then relays
// tunnel->host bytes until the tunnel closes.
func (f *TCPFlow) run() {
	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()

	f.mu.Lock()
	earlyData := f.pending
	f.pending = nil
	f.mu.Unlock()

	tunnel, err := f.dial(ctx, f.key.DstIP, f.key.DstPort, earlyData)
	if err != nil {
		slog.Warn("flow: tunnel connect failed, dropping flow with no RST", "flow", f.key, "error", err)
		f.teardown(false)
		return
	}
	if len(earlyData) > 0 {
		f.stats.AddBytesOut(uint64(len(earlyData)))
	}

	f.mu.Lock()
	f.connected = true
	f.tunnel = tunnel
	f.state = TCPEstablished
	leftover := f.pending
	f.pending = nil
	f.mu.Unlock()

	if len(leftover) > 0 {
		if err := tunnel.Send(leftover); err != nil {
			slog.Warn("flow: flushing buffered host data failed", "flow", f.key, "error", err)
			f.teardown(true)
			return
		}
		f.stats.AddBytesOut(uint64(len(leftover)))
	}

	for {
		select {
		case <-tunnel.Done():
			f.teardown(true)
			return
		case <-f.done:
			return
		case chunk, ok := <-tunnel.Recv():
			if !ok {
				f.teardown(true)
				return
			}
			f.relayToHost(chunk)
		}
	}
}

// relayToHost splits chunk into segments no larger than mss and emits a
// synthetic PSH+ACK for each, advancing serverSeq by the payload length
// (spec.md §4.3).
func (f *TCPFlow) relayToHost(chunk []byte) {
	for len(chunk) > 0 {
		n := len(chunk)
		if n > f.mss {
			n = f.mss
		}
		piece := chunk[:n]
		chunk = chunk[n:]

		f.mu.Lock()
		serverSeq := f.serverSeq
		clientAck := f.clientAck
		f.serverSeq += uint32(n)
		f.lastActivity = time.Now()
		f.mu.Unlock()

		seg := f.buildSegment(serverSeq, clientAck, packet.FlagPSH|packet.FlagACK, piece)
		if err := f.writer.WritePacket(seg); err != nil {
			slog.Warn("flow: writing PSH-ACK failed", "flow", f.key, "error", err)
			return
		}
		f.stats.AddBytesIn(uint64(n))
	}
}

// idleWatcher tears down the flow once it has carried no traffic for
// idleTimeout (spec.md §4.3/§5).
func (f *TCPFlow) idleWatcher() {
	ticker := time.NewTicker(idleCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-f.done:
			return
		case <-ticker.C:
			f.mu.Lock()
			idle := time.Since(f.lastActivity)
			f.mu.Unlock()
			if idle >= f.idleTimeout {
				slog.Debug("flow: idle timeout", "flow", f.key, "idle", idle)
				f.teardown(true)
				return
			}
		}
	}
}

// buildSegment renders a TCP segment from this flow to the host (note the
// src/dst swap: the flow's "destination" is the TCP source here) wrapped in
// its IPv4 header, ready to write to the TUN.
func (f *TCPFlow) buildSegment(seq, ack uint32, flags uint8, payload []byte) []byte {
	tcpSeg := packet.BuildTCP(f.key.DstIP, f.key.SrcIP, f.key.DstPort, f.key.SrcPort,
		seq, ack, flags, 65535, payload)
	return packet.BuildIPv4(f.key.DstIP, f.key.SrcIP, packet.ProtoTCP, tcpSeg)
}

// teardown removes the flow from its table, signals done, and, when
// closeTunnel is true, closes its tunnel if one was established; with
// closeTunnel false the tunnel is left open. Idempotent.
func (f *TCPFlow) teardown(closeTunnel bool) {
	f.closeOnce.Do(func() {
		f.mu.Lock()
		f.state = TCPClosed
		tunnel := f.tunnel
		f.mu.Unlock()

		f.table.Remove(f.key)
		close(f.done)

		if closeTunnel && tunnel != nil {
			_ = tunnel.Close()
		}
	})
}
