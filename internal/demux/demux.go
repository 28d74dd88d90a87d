package demux

import (
	"context"
	"errors"
	"log/slog"

	"vlesstun/internal/flow"
	"vlesstun/internal/packet"
	"vlesstun/internal/tun"
)

// tunDevice is the subset of *tun.Device the engine depends on, so tests
// can supply a fake.
type tunDevice interface {
	ReadPacket() ([]byte, error)
	WritePacket(pkt []byte) error
	MTU() int
}

// Engine is the single-goroutine packet demultiplexer described in
// spec.md §4.2: one TUN read loop dispatching by IPv4 protocol number to
// the TCP flow engine, UDP session table, or ICMP responder.
type Engine struct {
	device tunDevice
	writer *tunWriter

	tcpTable *flow.TCPTable
	udpTable *flow.UDPTable

	dialTCP flow.DialFunc
	stats   flow.StatsSink
	mtu     int
}

// New constructs an Engine. dialTCP opens a VLESS-over-WebSocket tunnel per
// new TCP flow (spec.md §4.3/§4.7); dialUDP opens a bypassed direct UDP
// socket per new session (spec.md §4.4, §9 Open Question).
func New(device *tun.Device, dialTCP flow.DialFunc, dialUDP flow.UDPDialFunc, stats flow.StatsSink) *Engine {
	if stats == nil {
		stats = flow.NoopStats{}
	}
	w := newTunWriter(device)
	return &Engine{
		device:   device,
		writer:   w,
		tcpTable: flow.NewTCPTable(),
		udpTable: flow.NewUDPTable(dialUDP),
		dialTCP:  dialTCP,
		stats:    stats,
		mtu:      device.MTU(),
	}
}

// TCPTable exposes the live flow table, e.g. so the supervisor can snapshot
// it for graceful shutdown.
func (e *Engine) TCPTable() *flow.TCPTable { return e.tcpTable }

// UDPTable exposes the live session table for the same reason.
func (e *Engine) UDPTable() *flow.UDPTable { return e.udpTable }

// Run reads packets off the TUN device until ctx is canceled or the device
// returns a non-recoverable error. Malformed or unsupported packets are
// dropped and logged at debug level; they never terminate the loop
// (spec.md §7: malformed input is not an error condition).
func (e *Engine) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		pkt, err := e.device.ReadPacket()
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return err
			}
			return err
		}
		if len(pkt) == 0 {
			continue
		}

		e.dispatch(pkt)
	}
}

func (e *Engine) dispatch(pkt []byte) {
	hdr, transport, err := packet.ParseIPv4(pkt)
	if err != nil {
		slog.Debug("demux: dropping unparseable packet", "error", err)
		return
	}

	switch hdr.Protocol {
	case packet.ProtoTCP:
		e.dispatchTCP(hdr, transport)
	case packet.ProtoUDP:
		e.dispatchUDP(hdr, transport)
	case packet.ProtoICMP:
		e.dispatchICMP(hdr, transport)
	default:
		slog.Debug("demux: dropping unsupported protocol", "protocol", hdr.Protocol)
	}
}

func (e *Engine) dispatchTCP(hdr packet.IPv4Header, transport []byte) {
	seg, err := packet.ParseTCP(transport)
	if err != nil {
		slog.Debug("demux: dropping unparseable TCP segment", "error", err)
		return
	}

	key := flow.TCPKey{SrcIP: hdr.Src, SrcPort: seg.SrcPort, DstIP: hdr.Dst, DstPort: seg.DstPort}

	if f, ok := e.tcpTable.Get(key); ok {
		f.HandleSegment(seg)
		return
	}

	isSYN := seg.Flags&packet.FlagSYN != 0 && seg.Flags&packet.FlagACK == 0
	if !isSYN {
		slog.Debug("demux: dropping segment for unknown flow", "flow", key)
		return
	}

	flow.NewTCPFlow(key, seg.Seq, e.tcpTable, e.writer, e.dialTCP, e.stats, e.mtu)
}

func (e *Engine) dispatchUDP(hdr packet.IPv4Header, transport []byte) {
	dgram, err := packet.ParseUDP(transport)
	if err != nil {
		slog.Debug("demux: dropping unparseable UDP datagram", "error", err)
		return
	}

	key := flow.UDPKey{SrcIP: hdr.Src, SrcPort: dgram.SrcPort, DstIP: hdr.Dst, DstPort: dgram.DstPort}
	e.udpTable.Handle(key, dgram, e.writer, e.stats)
}

func (e *Engine) dispatchICMP(hdr packet.IPv4Header, transport []byte) {
	msg, err := packet.ParseICMPEcho(transport)
	if err != nil {
		slog.Debug("demux: dropping unparseable ICMP message", "error", err)
		return
	}
	flow.HandleICMP(hdr.Src, hdr.Dst, msg, e.writer)
}

// Close tears down every live flow and session, then closes the TUN device.
func (e *Engine) Close() error {
	for _, f := range e.tcpTable.Snapshot() {
		_ = f.Close()
	}
	e.udpTable.Close()
	if closer, ok := e.device.(interface{ Close() error }); ok {
		return closer.Close()
	}
	return nil
}
