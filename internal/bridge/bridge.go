// Package bridge forwards observed segments to a virtual interface so the
// local node keeps receiving them while the debugger sits in the path.
package bridge

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sync"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcap"

	"github.com/tezedge/tezedge-debugger/internal/capture"
)

// Writer re-injects segments.
type Writer interface {
	// SendToLocal delivers an incoming segment to the local node at local.
	SendToLocal(seg *capture.Segment, local netip.Addr) error
	// SendToNetwork sends an outgoing segment with its source replaced by fake.
	SendToNetwork(seg *capture.Segment, fake netip.Addr) error
}

// Locked serializes every write to the wrapped Writer with one mutex.
type Locked struct {
	mu sync.Mutex
	w  Writer
}

// NewLocked wraps w.
func NewLocked(w Writer) *Locked {
	return &Locked{w: w}
}

// SendToLocal implements Writer.
func (l *Locked) SendToLocal(seg *capture.Segment, local netip.Addr) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.SendToLocal(seg, local)
}

// SendToNetwork implements Writer.
func (l *Locked) SendToNetwork(seg *capture.Segment, fake netip.Addr) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.SendToNetwork(seg, fake)
}

// PacketWriter is the subset of *pcap.Handle used for injection.
type PacketWriter interface {
	WritePacketData(data []byte) error
}

// ErrFamilyMismatch is returned when the rewrite address and the packet use
// different IP versions.
var ErrFamilyMismatch = errors.New("address family does not match packet")

// Injector rewrites segment addresses and writes the resulting IP packets to
// a raw interface such as a tun device.
type Injector struct {
	out     PacketWriter
	handle  *pcap.Handle
	buf     gopacket.SerializeBuffer
	options gopacket.SerializeOptions
}

// NewInjector writes packets to out.
func NewInjector(out PacketWriter) *Injector {
	return &Injector{
		out: out,
		buf: gopacket.NewSerializeBuffer(),
		options: gopacket.SerializeOptions{
			ComputeChecksums: true,
			FixLengths:       true,
		},
	}
}

// OpenInjector opens device for injection.
func OpenInjector(device string) (*Injector, error) {
	handle, err := pcap.OpenLive(device, 65535, false, pcap.BlockForever)
	if err != nil {
		return nil, fmt.Errorf("opening bridge device %s: %w", device, err)
	}
	inj := NewInjector(handle)
	inj.handle = handle
	return inj, nil
}

// Close releases the device, if the injector opened one.
func (i *Injector) Close() {
	if i.handle != nil {
		i.handle.Close()
	}
}

// SendToLocal implements Writer.
func (i *Injector) SendToLocal(seg *capture.Segment, local netip.Addr) error {
	return i.rewrite(seg, local, true)
}

// SendToNetwork implements Writer.
func (i *Injector) SendToNetwork(seg *capture.Segment, fake netip.Addr) error {
	return i.rewrite(seg, fake, false)
}

// rewrite replaces the destination (toLocal) or the source address of the
// segment's IP packet with addr and writes it out.
func (i *Injector) rewrite(seg *capture.Segment, addr netip.Addr, toLocal bool) error {
	if len(seg.Network) == 0 {
		return errors.New("segment has no network packet")
	}

	first := layers.LayerTypeIPv4
	if seg.Network[0]>>4 == 6 {
		first = layers.LayerTypeIPv6
	}
	pkt := gopacket.NewPacket(seg.Network, first, gopacket.NoCopy)
	tcp, ok := pkt.Layer(layers.LayerTypeTCP).(*layers.TCP)
	if !ok {
		return fmt.Errorf("no TCP layer in %s", seg)
	}

	var ip gopacket.SerializableLayer
	switch l := pkt.NetworkLayer().(type) {
	case *layers.IPv4:
		addr = addr.Unmap()
		if !addr.Is4() {
			return ErrFamilyMismatch
		}
		setAddr(&l.SrcIP, &l.DstIP, addr, toLocal)
		if err := tcp.SetNetworkLayerForChecksum(l); err != nil {
			return err
		}
		ip = l
	case *layers.IPv6:
		if !addr.Is6() || addr.Is4In6() {
			return ErrFamilyMismatch
		}
		setAddr(&l.SrcIP, &l.DstIP, addr, toLocal)
		if err := tcp.SetNetworkLayerForChecksum(l); err != nil {
			return err
		}
		ip = l
	default:
		return fmt.Errorf("unsupported network layer in %s", seg)
	}

	if err := i.buf.Clear(); err != nil {
		return err
	}
	if err := gopacket.SerializeLayers(i.buf, i.options, ip, tcp, gopacket.Payload(tcp.Payload)); err != nil {
		return fmt.Errorf("serializing packet: %w", err)
	}
	if err := i.out.WritePacketData(i.buf.Bytes()); err != nil {
		return fmt.Errorf("writing packet: %w", err)
	}
	return nil
}

func setAddr(src, dst *net.IP, addr netip.Addr, toLocal bool) {
	if toLocal {
		*dst = addr.AsSlice()
	} else {
		*src = addr.AsSlice()
	}
}
