// Package capture reads TCP segments of the monitored port from a network
// interface and classifies them by direction.
package capture

import (
	"fmt"
	"net/netip"
)

// Direction tells which way a segment travels relative to the local node.
type Direction uint8

// Directions.
const (
	Outgoing Direction = iota
	Incoming
)

func (d Direction) String() string {
	if d == Incoming {
		return "incoming"
	}
	return "outgoing"
}

// Segment is one classified TCP segment.
type Segment struct {
	Direction Direction
	// LocalPort is the port of the local end, the segment key.
	LocalPort uint16
	// Remote is the endpoint using the monitored port.
	Remote netip.AddrPort
	Src    netip.AddrPort
	Dst    netip.AddrPort
	// Payload is the TCP payload.
	Payload []byte
	// Network holds the IP packet, headers included, for re-injection.
	Network []byte
}

// IsIncoming reports whether the segment was sent by the remote peer.
func (s *Segment) IsIncoming() bool {
	return s.Direction == Incoming
}

func (s *Segment) String() string {
	return fmt.Sprintf("%s %s -> %s (%d bytes)", s.Direction, s.Src, s.Dst, len(s.Payload))
}
