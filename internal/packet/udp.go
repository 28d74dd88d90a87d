package packet

import "encoding/binary"

// UDPDatagram is the subset of a UDP datagram the session table needs.
type UDPDatagram struct {
	SrcPort uint16
	DstPort uint16
	Payload []byte
}

// ParseUDP parses a UDP datagram from transport, the bytes following the
// IPv4 header.
func ParseUDP(transport []byte) (UDPDatagram, error) {
	if len(transport) < 8 {
		return UDPDatagram{}, ErrMalformed
	}
	length := binary.BigEndian.Uint16(transport[4:6])
	if int(length) < 8 {
		return UDPDatagram{}, ErrMalformed
	}
	if int(length) > len(transport) {
		length = uint16(len(transport))
	}

	return UDPDatagram{
		SrcPort: binary.BigEndian.Uint16(transport[0:2]),
		DstPort: binary.BigEndian.Uint16(transport[2:4]),
		Payload: transport[8:length],
	}, nil
}

// BuildUDP renders a UDP datagram with the checksum computed and installed
// using the supplied pseudo-header.
func BuildUDP(src, dst [4]byte, srcPort, dstPort uint16, payload []byte) []byte {
	const headerLen = 8
	total := headerLen + len(payload)
	buf := make([]byte, total)

	binary.BigEndian.PutUint16(buf[0:2], srcPort)
	binary.BigEndian.PutUint16(buf[2:4], dstPort)
	binary.BigEndian.PutUint16(buf[4:6], uint16(total))
	binary.BigEndian.PutUint16(buf[6:8], 0) // checksum placeholder

	copy(buf[headerLen:], payload)

	pseudo := PseudoHeader(src, dst, ProtoUDP, total)
	csum := TransportChecksum(pseudo, buf)
	if csum == 0 {
		// 0 means "no checksum" on the wire; RFC 768 reserves that value
		// to mean absent, so a genuine zero result is sent as all-ones.
		csum = 0xFFFF
	}
	binary.BigEndian.PutUint16(buf[6:8], csum)

	return buf
}
