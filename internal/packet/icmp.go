package packet

import "encoding/binary"

// ICMP types handled by the echo responder.
const (
	ICMPEchoRequest = 8
	ICMPEchoReply   = 0
)

// ICMPEcho is the subset of an ICMP echo message the responder needs.
type ICMPEcho struct {
	Type     uint8
	Code     uint8
	ID       uint16
	Seq      uint16
	Payload  []byte
}

// ParseICMPEcho parses an ICMP message from transport, the bytes following
// the IPv4 header. Only echo request/reply framing (type, code, id, seq,
// payload) is decoded; other ICMP types still parse so the caller can
// inspect Type and drop.
func ParseICMPEcho(transport []byte) (ICMPEcho, error) {
	if len(transport) < 8 {
		return ICMPEcho{}, ErrMalformed
	}
	return ICMPEcho{
		Type:    transport[0],
		Code:    transport[1],
		ID:      binary.BigEndian.Uint16(transport[4:6]),
		Seq:     binary.BigEndian.Uint16(transport[6:8]),
		Payload: transport[8:],
	}, nil
}

// BuildICMPEcho renders an ICMP echo request/reply message with a
// recomputed checksum.
func BuildICMPEcho(icmpType, code uint8, id, seq uint16, payload []byte) []byte {
	const headerLen = 8
	buf := make([]byte, headerLen+len(payload))

	buf[0] = icmpType
	buf[1] = code
	binary.BigEndian.PutUint16(buf[2:4], 0) // checksum placeholder
	binary.BigEndian.PutUint16(buf[4:6], id)
	binary.BigEndian.PutUint16(buf[6:8], seq)
	copy(buf[headerLen:], payload)

	csum := Checksum(buf)
	binary.BigEndian.PutUint16(buf[2:4], csum)

	return buf
}
