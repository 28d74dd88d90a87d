package packet

import (
	"encoding/binary"
	"errors"
)

// Protocol numbers carried in the IPv4 header.
const (
	ProtoICMP = 1
	ProtoTCP  = 6
	ProtoUDP  = 17
)

// ErrMalformed is returned for any packet that fails to parse; callers drop
// and continue per spec.md §7 (malformed-packet is not counted as an error).
var ErrMalformed = errors.New("packet: malformed")

// IPv4Header is the subset of the IPv4 header the engine needs. Options
// (IHL > 5) are skipped on parse and never re-emitted.
type IPv4Header struct {
	IHL      uint8
	TotalLen uint16
	Protocol uint8
	Src      [4]byte
	Dst      [4]byte
	// HeaderLen is IHL*4, the offset at which the payload begins.
	HeaderLen int
}

// ParseIPv4 parses the IPv4 header of b. Non-IPv4 packets and packets too
// short for their declared header length are rejected.
func ParseIPv4(b []byte) (IPv4Header, []byte, error) {
	if len(b) < 20 {
		return IPv4Header{}, nil, ErrMalformed
	}
	version := b[0] >> 4
	if version != 4 {
		return IPv4Header{}, nil, ErrMalformed
	}
	ihl := b[0] & 0x0F
	headerLen := int(ihl) * 4
	if ihl < 5 || len(b) < headerLen {
		return IPv4Header{}, nil, ErrMalformed
	}

	totalLen := binary.BigEndian.Uint16(b[2:4])
	if int(totalLen) > len(b) {
		// Tolerate a TUN read that's shorter than advertised total length by
		// trusting the slice we actually have; don't fabricate bytes.
		totalLen = uint16(len(b))
	}
	if int(totalLen) < headerLen {
		return IPv4Header{}, nil, ErrMalformed
	}

	h := IPv4Header{
		IHL:       ihl,
		TotalLen:  totalLen,
		Protocol:  b[9],
		HeaderLen: headerLen,
	}
	copy(h.Src[:], b[12:16])
	copy(h.Dst[:], b[16:20])

	return h, b[headerLen:totalLen], nil
}

// BuildIPv4 renders a 20-byte (no options) IPv4 header followed by payload,
// with the header checksum computed and installed.
func BuildIPv4(src, dst [4]byte, protocol uint8, payload []byte) []byte {
	const headerLen = 20
	total := headerLen + len(payload)
	buf := make([]byte, total)

	buf[0] = 0x45 // version 4, IHL 5
	buf[1] = 0x00 // DSCP/ECN
	binary.BigEndian.PutUint16(buf[2:4], uint16(total))
	binary.BigEndian.PutUint16(buf[4:6], 0) // identification
	binary.BigEndian.PutUint16(buf[6:8], 0) // flags/fragment offset
	buf[8] = 64                             // TTL
	buf[9] = protocol
	binary.BigEndian.PutUint16(buf[10:12], 0) // checksum placeholder
	copy(buf[12:16], src[:])
	copy(buf[16:20], dst[:])

	copy(buf[headerLen:], payload)

	csum := Checksum(buf[:headerLen])
	binary.BigEndian.PutUint16(buf[10:12], csum)

	return buf
}
