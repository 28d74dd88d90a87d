package demux

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vlesstun/internal/flow"
	"vlesstun/internal/packet"
)

// fakeDevice is an in-memory tunDevice a test can feed packets into and
// inspect writes from.
type fakeDevice struct {
	mu      sync.Mutex
	inbound chan []byte
	written [][]byte
	mtu     int
}

func newFakeDevice() *fakeDevice {
	return &fakeDevice{inbound: make(chan []byte, 16), mtu: 1500}
}

func (d *fakeDevice) ReadPacket() ([]byte, error) {
	pkt, ok := <-d.inbound
	if !ok {
		return nil, context.Canceled
	}
	return pkt, nil
}

func (d *fakeDevice) WritePacket(pkt []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	cp := make([]byte, len(pkt))
	copy(cp, pkt)
	d.written = append(d.written, cp)
	return nil
}

func (d *fakeDevice) MTU() int { return d.mtu }

func (d *fakeDevice) writtenCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.written)
}

func buildEngine(t *testing.T, device *fakeDevice, dialTCP flow.DialFunc, dialUDP flow.UDPDialFunc) *Engine {
	t.Helper()
	w := newTunWriter(device)
	return &Engine{
		device:   device,
		writer:   w,
		tcpTable: flow.NewTCPTable(),
		udpTable: flow.NewUDPTable(dialUDP),
		dialTCP:  dialTCP,
		stats:    flow.NoopStats{},
		mtu:      device.MTU(),
	}
}

func noopDialTCP(ctx context.Context, destIP [4]byte, destPort uint16, earlyData []byte) (flow.TunnelHandle, error) {
	return nil, assert.AnError
}

func TestDispatchTCPSYNCreatesFlow(t *testing.T) {
	device := newFakeDevice()
	e := buildEngine(t, device, noopDialTCP, nil)

	tcpSeg := packet.BuildTCP([4]byte{10, 0, 0, 1}, [4]byte{1, 1, 1, 1}, 5000, 80, 100, 0, packet.FlagSYN, 65535, nil)
	ipPkt := packet.BuildIPv4([4]byte{10, 0, 0, 1}, [4]byte{1, 1, 1, 1}, packet.ProtoTCP, tcpSeg)

	e.dispatch(ipPkt)

	assert.Equal(t, 1, e.tcpTable.Len())
	require.Eventually(t, func() bool { return device.writtenCount() >= 1 }, time.Second, time.Millisecond)
}

func TestDispatchTCPUnknownNonSYNDropped(t *testing.T) {
	device := newFakeDevice()
	e := buildEngine(t, device, noopDialTCP, nil)

	tcpSeg := packet.BuildTCP([4]byte{10, 0, 0, 1}, [4]byte{1, 1, 1, 1}, 5000, 80, 100, 0, packet.FlagACK, 65535, nil)
	ipPkt := packet.BuildIPv4([4]byte{10, 0, 0, 1}, [4]byte{1, 1, 1, 1}, packet.ProtoTCP, tcpSeg)

	e.dispatch(ipPkt)

	assert.Equal(t, 0, e.tcpTable.Len())
	assert.Equal(t, 0, device.writtenCount())
}

func TestDispatchICMPEchoRepliesInPlace(t *testing.T) {
	device := newFakeDevice()
	e := buildEngine(t, device, noopDialTCP, nil)

	icmpMsg := packet.BuildICMPEcho(packet.ICMPEchoRequest, 0, 42, 1, []byte("ping"))
	ipPkt := packet.BuildIPv4([4]byte{10, 0, 0, 1}, [4]byte{8, 8, 8, 8}, packet.ProtoICMP, icmpMsg)

	e.dispatch(ipPkt)

	require.Equal(t, 1, device.writtenCount())
	hdr, transport, err := packet.ParseIPv4(device.written[0])
	require.NoError(t, err)
	assert.Equal(t, [4]byte{8, 8, 8, 8}, hdr.Src)
	assert.Equal(t, [4]byte{10, 0, 0, 1}, hdr.Dst)

	reply, err := packet.ParseICMPEcho(transport)
	require.NoError(t, err)
	assert.Equal(t, uint8(packet.ICMPEchoReply), reply.Type)
	assert.Equal(t, []byte("ping"), reply.Payload)
}

func TestDispatchDropsMalformedPacket(t *testing.T) {
	device := newFakeDevice()
	e := buildEngine(t, device, noopDialTCP, nil)

	e.dispatch([]byte{0x01, 0x02})

	assert.Equal(t, 0, device.writtenCount())
}
