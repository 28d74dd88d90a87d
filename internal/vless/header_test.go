package vless

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildRequestHeaderIPv4(t *testing.T) {
	id := uuid.MustParse("0102030f-0506-0708-090a-0b0c0d0e0f10")
	h, err := BuildRequestHeader(id, "1.2.3.4", 0x0050, CommandTCP)
	require.NoError(t, err)

	assert.Equal(t, byte(0x00), h[0])
	assert.Equal(t, id[:], h[1:17])
	assert.Equal(t, byte(0x00), h[17])
	assert.Equal(t, byte(0x01), h[18])
	assert.Equal(t, []byte{0x00, 0x50}, h[19:21])
	assert.Equal(t, AddrTypeIPv4, h[21])
	assert.Equal(t, []byte{1, 2, 3, 4}, h[22:26])
	assert.Len(t, h, 26)
}

func TestBuildRequestHeaderDomain(t *testing.T) {
	id := uuid.New()
	h, err := BuildRequestHeader(id, "example.com", 443, CommandTCP)
	require.NoError(t, err)

	assert.Equal(t, AddrTypeDomain, h[21])
	assert.Equal(t, byte(len("example.com")), h[22])
	assert.Equal(t, "example.com", string(h[23:23+len("example.com")]))
}

func TestBuildRequestHeaderIPv6(t *testing.T) {
	id := uuid.New()
	h, err := BuildRequestHeader(id, "::1", 8080, CommandTCP)
	require.NoError(t, err)

	assert.Equal(t, AddrTypeIPv6, h[21])
	want := make([]byte, 16)
	want[15] = 1
	assert.Equal(t, want, h[22:38])
}

func TestStripResponseHeaderFixedAddon(t *testing.T) {
	frame := []byte{0x00, 0x00, 0x48, 0x49, 0x21}
	out, err := StripResponseHeader(frame)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x48, 0x49, 0x21}, out)
}

func TestStripResponseHeaderWithAddons(t *testing.T) {
	frame := []byte{0x00, 0x02, 0xAA, 0xBB, 'h', 'i'}
	out, err := StripResponseHeader(frame)
	require.NoError(t, err)
	assert.Equal(t, []byte("hi"), out)
}

func TestStripResponseHeaderTooShort(t *testing.T) {
	_, err := StripResponseHeader([]byte{0x00, 0x05, 0x01})
	assert.Error(t, err)
}

func TestUUIDCanonicalRoundTrip(t *testing.T) {
	s := "550e8400-e29b-41d4-a716-446655440000"
	id, err := uuid.Parse(s)
	require.NoError(t, err)
	assert.Equal(t, s, id.String())
}

func TestRequestHeaderMinimumLength(t *testing.T) {
	id := uuid.New()
	h, err := BuildRequestHeader(id, "1.2.3.4", 80, CommandTCP)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, len(h), 22)
}
