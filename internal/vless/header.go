// Package vless implements VLESS v0 request/response framing: the
// lightweight header the tunnel prepends to the first client payload and
// strips from the first server reply.
package vless

import (
	"encoding/binary"
	"fmt"
	"net/netip"

	"github.com/google/uuid"
)

// Command bytes for the VLESS request header.
const (
	CommandTCP byte = 0x01
	CommandUDP byte = 0x02
)

// Address types for the VLESS request header.
const (
	AddrTypeIPv4   byte = 0x01
	AddrTypeDomain byte = 0x02
	AddrTypeIPv6   byte = 0x03
)

const version byte = 0x00

// BuildRequestHeader renders a VLESS v0 request header targeting host:port.
// host may be a dotted IPv4 address, a bracket-free IPv6 address, or a
// domain name; the address type byte is chosen accordingly. The header is
// always at least 22 bytes (spec.md §4.6).
func BuildRequestHeader(id uuid.UUID, host string, port uint16, command byte) ([]byte, error) {
	addrType, addrBytes, err := encodeAddress(host)
	if err != nil {
		return nil, err
	}

	header := make([]byte, 0, 22+len(addrBytes))
	header = append(header, version)
	header = append(header, id[:]...)
	header = append(header, 0x00) // addon length
	header = append(header, command)

	portBytes := make([]byte, 2)
	binary.BigEndian.PutUint16(portBytes, port)
	header = append(header, portBytes...)

	header = append(header, addrType)
	header = append(header, addrBytes...)

	return header, nil
}

// encodeAddress classifies host and renders its VLESS address-field bytes
// per the table in spec.md §4.6.
func encodeAddress(host string) (byte, []byte, error) {
	if addr, err := netip.ParseAddr(host); err == nil {
		if addr.Is4() {
			b := addr.As4()
			return AddrTypeIPv4, b[:], nil
		}
		if addr.Is6() {
			b := addr.As16()
			return AddrTypeIPv6, b[:], nil
		}
	}

	if len(host) > 255 {
		return 0, nil, fmt.Errorf("vless: domain name too long: %d bytes", len(host))
	}
	out := make([]byte, 0, 1+len(host))
	out = append(out, byte(len(host)))
	out = append(out, []byte(host)...)
	return AddrTypeDomain, out, nil
}

// StripResponseHeader discards the VLESS response header — version (1
// byte) + addon length (1 byte) + addon bytes — from the first inbound
// frame and returns the remainder. frame must be non-empty and begin with
// the version byte (0x00); spec.md §8 requires
// strip_response(C) == C[2+C[1]:].
func StripResponseHeader(frame []byte) ([]byte, error) {
	if len(frame) < 2 {
		return nil, fmt.Errorf("vless: response frame too short: %d bytes", len(frame))
	}
	addonLen := int(frame[1])
	cut := 2 + addonLen
	if len(frame) < cut {
		return nil, fmt.Errorf("vless: response frame shorter than declared addon length")
	}
	return frame[cut:], nil
}
