package capture

import (
	"errors"
	"fmt"
	"net"
	"net/netip"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

// Classifier decodes link-layer frames and keeps TCP segments of one port.
// It reuses its layer buffers and is not safe for concurrent use.
type Classifier struct {
	port uint16

	eth     layers.Ethernet
	ip4     layers.IPv4
	ip6     layers.IPv6
	tcp     layers.TCP
	payload gopacket.Payload
	parser  *gopacket.DecodingLayerParser
	decoded []gopacket.LayerType
}

// NewClassifier creates a classifier for frames starting with firstLayer,
// usually layers.LayerTypeEthernet.
func NewClassifier(port uint16, firstLayer gopacket.LayerType) *Classifier {
	c := &Classifier{port: port}
	c.parser = gopacket.NewDecodingLayerParser(firstLayer, &c.eth, &c.ip4, &c.ip6, &c.tcp, &c.payload)
	c.parser.IgnoreUnsupported = true
	return c
}

// Classify decodes frame. It returns nil, nil for frames that are not TCP
// segments to or from the monitored port.
func (c *Classifier) Classify(frame []byte) (*Segment, error) {
	c.decoded = c.decoded[:0]
	if err := c.parser.DecodeLayers(frame, &c.decoded); err != nil {
		var unsupported gopacket.UnsupportedLayerType
		if !errors.As(err, &unsupported) {
			return nil, fmt.Errorf("decoding frame: %w", err)
		}
	}

	var (
		srcIP, dstIP net.IP
		network      []byte
		haveTCP      bool
	)
	for _, lt := range c.decoded {
		switch lt {
		case layers.LayerTypeIPv4:
			srcIP, dstIP = c.ip4.SrcIP, c.ip4.DstIP
			network = joinLayer(c.ip4.Contents, c.ip4.Payload)
		case layers.LayerTypeIPv6:
			srcIP, dstIP = c.ip6.SrcIP, c.ip6.DstIP
			network = joinLayer(c.ip6.Contents, c.ip6.Payload)
		case layers.LayerTypeTCP:
			haveTCP = true
		}
	}
	if !haveTCP || network == nil {
		return nil, nil
	}

	src, ok := addrPort(srcIP, uint16(c.tcp.SrcPort))
	if !ok {
		return nil, nil
	}
	dst, ok := addrPort(dstIP, uint16(c.tcp.DstPort))
	if !ok {
		return nil, nil
	}

	seg := &Segment{
		Src:     src,
		Dst:     dst,
		Payload: append([]byte(nil), c.tcp.Payload...),
		Network: network,
	}
	switch {
	case dst.Port() == c.port:
		seg.Direction = Outgoing
		seg.LocalPort = src.Port()
		seg.Remote = dst
	case src.Port() == c.port:
		seg.Direction = Incoming
		seg.LocalPort = dst.Port()
		seg.Remote = src
	default:
		return nil, nil
	}
	return seg, nil
}

func joinLayer(header, payload []byte) []byte {
	out := make([]byte, 0, len(header)+len(payload))
	out = append(out, header...)
	return append(out, payload...)
}

func addrPort(ip net.IP, port uint16) (netip.AddrPort, bool) {
	addr, ok := netip.AddrFromSlice(ip)
	if !ok {
		return netip.AddrPort{}, false
	}
	return netip.AddrPortFrom(addr.Unmap(), port), true
}
