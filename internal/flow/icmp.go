package flow

import (
	"log/slog"

	"vlesstun/internal/packet"
)

// HandleICMP answers an echo request in place, synthesizing a type-0 reply
// with source and destination swapped (spec.md §4.5). Every other ICMP type
// is dropped silently; there is no synthetic engine for anything but echo.
func HandleICMP(srcIP, dstIP [4]byte, msg packet.ICMPEcho, writer PacketWriter) {
	if msg.Type != packet.ICMPEchoRequest {
		return
	}

	reply := packet.BuildICMPEcho(packet.ICMPEchoReply, 0, msg.ID, msg.Seq, msg.Payload)
	ipPkt := packet.BuildIPv4(dstIP, srcIP, packet.ProtoICMP, reply)

	if err := writer.WritePacket(ipPkt); err != nil {
		slog.Warn("flow: writing ICMP echo reply failed", "error", err)
	}
}
