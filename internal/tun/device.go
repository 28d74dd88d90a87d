// Package tun wraps golang.zx2c4.com/wireguard/tun's cross-platform TUN
// device so the flow demultiplexer can read/write one IPv4 packet at a
// time, the contract spec.md §6 describes.
package tun

import (
	"fmt"

	wgtun "golang.zx2c4.com/wireguard/tun"
)

// Device is a single-packet-at-a-time TUN handle. The underlying
// wireguard-go tun.Device supports vectored batch I/O; this wrapper uses a
// batch of one to preserve the "one read = one packet" contract the
// demultiplexer and TCP/UDP/ICMP emitters rely on.
type Device struct {
	dev  wgtun.Device
	mtu  int
	bufs [][]byte
	szs  []int
}

// Open creates (or attaches to) the named TUN interface at the given MTU.
// On most platforms name is advisory; the OS may assign the next available
// name in the same family (e.g. "utun" on Darwin).
func Open(name string, mtu int) (*Device, error) {
	dev, err := wgtun.CreateTUN(name, mtu)
	if err != nil {
		return nil, fmt.Errorf("tun: creating device %q: %w", name, err)
	}
	actualMTU, err := dev.MTU()
	if err != nil {
		_ = dev.Close()
		return nil, fmt.Errorf("tun: reading MTU: %w", err)
	}
	return &Device{
		dev:  dev,
		mtu:  actualMTU,
		bufs: [][]byte{make([]byte, actualMTU)},
		szs:  make([]int, 1),
	}, nil
}

// MTU returns the device's negotiated MTU.
func (d *Device) MTU() int { return d.mtu }

// Name returns the OS-assigned interface name.
func (d *Device) Name() (string, error) { return d.dev.Name() }

// ReadPacket blocks until exactly one IPv4 packet is available and returns
// it. The returned slice is only valid until the next call to ReadPacket.
func (d *Device) ReadPacket() ([]byte, error) {
	n, err := d.dev.Read(d.bufs, d.szs, 0)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, nil
	}
	return d.bufs[0][:d.szs[0]], nil
}

// WritePacket sends exactly one IPv4 packet to the TUN.
func (d *Device) WritePacket(pkt []byte) error {
	_, err := d.dev.Write([][]byte{pkt}, 0)
	return err
}

// Close releases the TUN device.
func (d *Device) Close() error { return d.dev.Close() }
