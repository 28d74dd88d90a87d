// Package flow implements the per-protocol flow state spec.md §3-§4
// describes: the TCP flow engine, the UDP session table, and the ICMP
// echo responder, plus the concurrency-safe tables that back them.
package flow

import "fmt"

// TCPKey identifies a TCP flow by its 4-tuple (spec.md §3).
type TCPKey struct {
	SrcIP   [4]byte
	SrcPort uint16
	DstIP   [4]byte
	DstPort uint16
}

func (k TCPKey) String() string {
	return fmt.Sprintf("%d.%d.%d.%d:%d->%d.%d.%d.%d:%d",
		k.SrcIP[0], k.SrcIP[1], k.SrcIP[2], k.SrcIP[3], k.SrcPort,
		k.DstIP[0], k.DstIP[1], k.DstIP[2], k.DstIP[3], k.DstPort)
}

// UDPKey identifies a UDP session by its 4-tuple (spec.md §3).
type UDPKey struct {
	SrcIP   [4]byte
	SrcPort uint16
	DstIP   [4]byte
	DstPort uint16
}

func (k UDPKey) String() string {
	return fmt.Sprintf("%d.%d.%d.%d:%d->%d.%d.%d.%d:%d",
		k.SrcIP[0], k.SrcIP[1], k.SrcIP[2], k.SrcIP[3], k.SrcPort,
		k.DstIP[0], k.DstIP[1], k.DstIP[2], k.DstIP[3], k.DstPort)
}

// ICMPKey identifies an ICMP echo exchange by (src, dst, id) (spec.md §3).
type ICMPKey struct {
	SrcIP [4]byte
	DstIP [4]byte
	ID    uint16
}
