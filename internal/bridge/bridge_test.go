package bridge

import (
	"errors"
	"net"
	"net/netip"
	"sync"
	"testing"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tezedge/tezedge-debugger/internal/capture"
)

type recorder struct {
	packets [][]byte
	err     error
}

func (r *recorder) WritePacketData(data []byte) error {
	if r.err != nil {
		return r.err
	}
	r.packets = append(r.packets, append([]byte(nil), data...))
	return nil
}

func segment(t *testing.T, src, dst string, sport, dport uint16, payload string) *capture.Segment {
	t.Helper()
	eth := &layers.Ethernet{
		SrcMAC:       net.HardwareAddr{0, 1, 2, 3, 4, 5},
		DstMAC:       net.HardwareAddr{6, 7, 8, 9, 10, 11},
		EthernetType: layers.EthernetTypeIPv4,
	}
	ip := &layers.IPv4{Version: 4, TTL: 64, SrcIP: net.ParseIP(src).To4(), DstIP: net.ParseIP(dst).To4(), Protocol: layers.IPProtocolTCP}
	tcp := &layers.TCP{SrcPort: layers.TCPPort(sport), DstPort: layers.TCPPort(dport), Seq: 77, ACK: true, PSH: true}
	require.NoError(t, tcp.SetNetworkLayerForChecksum(ip))

	buf := gopacket.NewSerializeBuffer()
	require.NoError(t, gopacket.SerializeLayers(buf, gopacket.SerializeOptions{ComputeChecksums: true, FixLengths: true},
		eth, ip, tcp, gopacket.Payload(payload)))

	seg, err := capture.NewClassifier(9732, layers.LayerTypeEthernet).Classify(buf.Bytes())
	require.NoError(t, err)
	require.NotNil(t, seg)
	return seg
}

func decode(t *testing.T, data []byte) (*layers.IPv4, *layers.TCP) {
	t.Helper()
	pkt := gopacket.NewPacket(data, layers.LayerTypeIPv4, gopacket.Default)
	ip, ok := pkt.Layer(layers.LayerTypeIPv4).(*layers.IPv4)
	require.True(t, ok)
	tcp, ok := pkt.Layer(layers.LayerTypeTCP).(*layers.TCP)
	require.True(t, ok)
	return ip, tcp
}

func TestInjector_SendToLocal(t *testing.T) {
	out := &recorder{}
	inj := NewInjector(out)
	seg := segment(t, "10.0.0.9", "10.0.0.1", 9732, 50000, "hello")

	require.NoError(t, inj.SendToLocal(seg, netip.MustParseAddr("192.168.7.2")))
	require.Len(t, out.packets, 1)

	ip, tcp := decode(t, out.packets[0])
	assert.Equal(t, "10.0.0.9", ip.SrcIP.String())
	assert.Equal(t, "192.168.7.2", ip.DstIP.String())
	assert.Equal(t, uint32(77), tcp.Seq)
	assert.Equal(t, "hello", string(tcp.Payload))

	// the original capture is untouched
	origIP, _ := decode(t, seg.Network)
	assert.Equal(t, "10.0.0.1", origIP.DstIP.String())
}

func TestInjector_SendToNetwork(t *testing.T) {
	out := &recorder{}
	inj := NewInjector(out)
	seg := segment(t, "10.0.0.1", "10.0.0.9", 50000, 9732, "world")

	require.NoError(t, inj.SendToNetwork(seg, netip.MustParseAddr("::ffff:172.16.0.5")))
	ip, tcp := decode(t, out.packets[0])
	assert.Equal(t, "172.16.0.5", ip.SrcIP.String())
	assert.Equal(t, "10.0.0.9", ip.DstIP.String())
	assert.Equal(t, layers.TCPPort(9732), tcp.DstPort)
}

func TestInjector_Errors(t *testing.T) {
	seg := segment(t, "10.0.0.1", "10.0.0.9", 50000, 9732, "x")

	inj := NewInjector(&recorder{})
	assert.ErrorIs(t, inj.SendToLocal(seg, netip.MustParseAddr("fd00::1")), ErrFamilyMismatch)
	assert.Error(t, inj.SendToLocal(&capture.Segment{}, netip.MustParseAddr("10.0.0.1")))

	failing := NewInjector(&recorder{err: errors.New("device gone")})
	assert.Error(t, failing.SendToNetwork(seg, netip.MustParseAddr("10.1.1.1")))
}

// countingWriter detects overlapping calls.
type countingWriter struct {
	active  int32
	overlap bool
	mu      sync.Mutex
	calls   int
}

func (c *countingWriter) enter() {
	c.mu.Lock()
	c.active++
	if c.active > 1 {
		c.overlap = true
	}
	c.calls++
	c.mu.Unlock()
}

func (c *countingWriter) leave() {
	c.mu.Lock()
	c.active--
	c.mu.Unlock()
}

func (c *countingWriter) SendToLocal(*capture.Segment, netip.Addr) error {
	c.enter()
	defer c.leave()
	return nil
}

func (c *countingWriter) SendToNetwork(*capture.Segment, netip.Addr) error {
	c.enter()
	defer c.leave()
	return nil
}

func TestLocked_Serializes(t *testing.T) {
	inner := &countingWriter{}
	w := NewLocked(inner)
	addr := netip.MustParseAddr("10.0.0.1")

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_ = w.SendToLocal(nil, addr) //nolint:errcheck // fake never fails
		}()
		go func() {
			defer wg.Done()
			_ = w.SendToNetwork(nil, addr) //nolint:errcheck // fake never fails
		}()
	}
	wg.Wait()

	assert.False(t, inner.overlap)
	assert.Equal(t, 100, inner.calls)
}
