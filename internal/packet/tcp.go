package packet

import "encoding/binary"

// TCP flag bits.
const (
	FlagFIN uint8 = 0x01
	FlagSYN uint8 = 0x02
	FlagRST uint8 = 0x04
	FlagPSH uint8 = 0x08
	FlagACK uint8 = 0x10
)

// TCPSegment is the subset of a TCP segment the flow engine needs.
type TCPSegment struct {
	SrcPort uint16
	DstPort uint16
	Seq     uint32
	Ack     uint32
	Flags   uint8
	Window  uint16
	Payload []byte
}

// ParseTCP parses a TCP segment from transport, the bytes following the
// IPv4 header. Options (data offset > 5) are skipped, not emitted.
func ParseTCP(transport []byte) (TCPSegment, error) {
	if len(transport) < 20 {
		return TCPSegment{}, ErrMalformed
	}
	dataOffset := int(transport[12]>>4) * 4
	if dataOffset < 20 || len(transport) < dataOffset {
		return TCPSegment{}, ErrMalformed
	}

	return TCPSegment{
		SrcPort: binary.BigEndian.Uint16(transport[0:2]),
		DstPort: binary.BigEndian.Uint16(transport[2:4]),
		Seq:     binary.BigEndian.Uint32(transport[4:8]),
		Ack:     binary.BigEndian.Uint32(transport[8:12]),
		Flags:   transport[13],
		Window:  binary.BigEndian.Uint16(transport[14:16]),
		Payload: transport[dataOffset:],
	}, nil
}

// BuildTCP renders a 20-byte-header (no options) TCP segment. The checksum
// is computed and installed using the supplied pseudo-header.
func BuildTCP(src, dst [4]byte, srcPort, dstPort uint16, seq, ack uint32, flags uint8, window uint16, payload []byte) []byte {
	const headerLen = 20
	total := headerLen + len(payload)
	buf := make([]byte, total)

	binary.BigEndian.PutUint16(buf[0:2], srcPort)
	binary.BigEndian.PutUint16(buf[2:4], dstPort)
	binary.BigEndian.PutUint32(buf[4:8], seq)
	binary.BigEndian.PutUint32(buf[8:12], ack)
	buf[12] = 5 << 4 // data offset, no options
	buf[13] = flags
	binary.BigEndian.PutUint16(buf[14:16], window)
	binary.BigEndian.PutUint16(buf[16:18], 0) // checksum placeholder
	binary.BigEndian.PutUint16(buf[18:20], 0) // urgent pointer

	copy(buf[headerLen:], payload)

	pseudo := PseudoHeader(src, dst, ProtoTCP, total)
	csum := TransportChecksum(pseudo, buf)
	binary.BigEndian.PutUint16(buf[16:18], csum)

	return buf
}
