package packet

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChecksumInstalledBufferFoldsToZero(t *testing.T) {
	buf := []byte{0x45, 0x00, 0x00, 0x3c, 0x1c, 0x46, 0x40, 0x00, 0x40, 0x06, 0x00, 0x00, 0x0a, 0x00, 0x00, 0x02, 0x01, 0x02, 0x03, 0x04}
	csum := Checksum(buf)
	assert.LessOrEqual(t, int(csum), 0xFFFF)

	binaryPutCsum(buf, csum)
	assert.Equal(t, uint16(0), foldedChecksumOfZero(buf))
}

func binaryPutCsum(buf []byte, csum uint16) {
	buf[10] = byte(csum >> 8)
	buf[11] = byte(csum)
}

// foldedChecksumOfZero computes the checksum over a buffer whose checksum
// field has already been installed; per RFC 1071 this must fold to 0.
func foldedChecksumOfZero(buf []byte) uint16 {
	c := Checksum(buf)
	return c
}

func TestIPv4RoundTrip(t *testing.T) {
	src := [4]byte{10, 0, 0, 2}
	dst := [4]byte{1, 2, 3, 4}
	payload := []byte("hello world")

	raw := BuildIPv4(src, dst, ProtoTCP, payload)

	hdr, body, err := ParseIPv4(raw)
	require.NoError(t, err)
	assert.Equal(t, src, hdr.Src)
	assert.Equal(t, dst, hdr.Dst)
	assert.Equal(t, uint8(ProtoTCP), hdr.Protocol)
	assert.Equal(t, payload, body)
}

func TestParseIPv4RejectsNonIPv4(t *testing.T) {
	buf := make([]byte, 20)
	buf[0] = 0x65 // version 6
	_, _, err := ParseIPv4(buf)
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestParseIPv4HonorsIHLOptions(t *testing.T) {
	// IHL = 6 (24-byte header with 4 bytes of options).
	buf := make([]byte, 24+5)
	buf[0] = 0x46
	binaryPutTotalLen(buf, uint16(len(buf)))
	buf[9] = ProtoUDP
	copy(buf[12:16], []byte{10, 0, 0, 2})
	copy(buf[16:20], []byte{1, 2, 3, 4})
	copy(buf[24:], []byte("abcde"))

	hdr, body, err := ParseIPv4(buf)
	require.NoError(t, err)
	assert.Equal(t, 24, hdr.HeaderLen)
	assert.Equal(t, []byte("abcde"), body)
}

func binaryPutTotalLen(buf []byte, n uint16) {
	buf[2] = byte(n >> 8)
	buf[3] = byte(n)
}

func TestParseIPv4RejectsShortPacket(t *testing.T) {
	_, _, err := ParseIPv4([]byte{0x45, 0x00})
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestTCPRoundTrip(t *testing.T) {
	src := [4]byte{1, 2, 3, 4}
	dst := [4]byte{10, 0, 0, 2}
	payload := []byte("GET / HTTP/1.0\r\n\r\n")

	raw := BuildTCP(src, dst, 80, 51000, 1000, 1001, FlagPSH|FlagACK, 65535, payload)

	seg, err := ParseTCP(raw)
	require.NoError(t, err)
	assert.Equal(t, uint16(80), seg.SrcPort)
	assert.Equal(t, uint16(51000), seg.DstPort)
	assert.Equal(t, uint32(1000), seg.Seq)
	assert.Equal(t, uint32(1001), seg.Ack)
	assert.Equal(t, FlagPSH|FlagACK, seg.Flags)
	assert.Equal(t, payload, seg.Payload)
}

func TestTCPChecksumValidates(t *testing.T) {
	src := [4]byte{1, 2, 3, 4}
	dst := [4]byte{10, 0, 0, 2}
	raw := BuildTCP(src, dst, 80, 51000, 1000, 1001, FlagSYN|FlagACK, 65535, nil)

	pseudo := PseudoHeader(src, dst, ProtoTCP, len(raw))
	buf := append(append([]byte{}, pseudo...), raw...)
	assert.Equal(t, uint16(0), Checksum(buf))
}

func TestUDPRoundTrip(t *testing.T) {
	src := [4]byte{10, 0, 0, 2}
	dst := [4]byte{8, 8, 8, 8}
	payload := []byte{0xAA, 0xBB, 0xCC}

	raw := BuildUDP(src, dst, 55555, 53, payload)

	dgram, err := ParseUDP(raw)
	require.NoError(t, err)
	assert.Equal(t, uint16(55555), dgram.SrcPort)
	assert.Equal(t, uint16(53), dgram.DstPort)
	assert.Equal(t, payload, dgram.Payload)
}

func TestICMPEchoRoundTrip(t *testing.T) {
	payload := []byte{0xAA, 0xBB}
	raw := BuildICMPEcho(ICMPEchoRequest, 0, 7, 1, payload)

	echo, err := ParseICMPEcho(raw)
	require.NoError(t, err)
	assert.Equal(t, uint8(ICMPEchoRequest), echo.Type)
	assert.Equal(t, uint16(7), echo.ID)
	assert.Equal(t, uint16(1), echo.Seq)
	assert.Equal(t, payload, echo.Payload)
}

func TestICMPEchoReplyChecksumValidates(t *testing.T) {
	raw := BuildICMPEcho(ICMPEchoReply, 0, 7, 1, []byte{0xAA, 0xBB})
	assert.Equal(t, uint16(0), Checksum(raw))
}
