package sockmeta

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net/netip"

	"golang.org/x/sys/unix"
)

// SocketMetadata holds what is known about one traced socket.
type SocketMetadata struct {
	Remote   netip.AddrPort // peer address, valid after a traced connect
	BytesOut uint64
	BytesIn  uint64
	Events   uint64
}

// ErrShortSockaddr is returned for sockaddr copies too short for their family.
var ErrShortSockaddr = errors.New("sockaddr too short")

// ParseSockaddr decodes a struct sockaddr_in or sockaddr_in6 as copied from
// the tracee. The family is host order, port and address network order.
func ParseSockaddr(raw []byte) (netip.AddrPort, error) {
	if len(raw) < 2 {
		return netip.AddrPort{}, ErrShortSockaddr
	}
	family := binary.LittleEndian.Uint16(raw)
	switch family {
	case unix.AF_INET:
		if len(raw) < unix.SizeofSockaddrInet4 {
			return netip.AddrPort{}, ErrShortSockaddr
		}
		port := binary.BigEndian.Uint16(raw[2:4])
		addr := netip.AddrFrom4([4]byte(raw[4:8]))
		return netip.AddrPortFrom(addr, port), nil
	case unix.AF_INET6:
		if len(raw) < unix.SizeofSockaddrInet6 {
			return netip.AddrPort{}, ErrShortSockaddr
		}
		port := binary.BigEndian.Uint16(raw[2:4])
		addr := netip.AddrFrom16([16]byte(raw[8:24])).Unmap()
		return netip.AddrPortFrom(addr, port), nil
	default:
		return netip.AddrPort{}, fmt.Errorf("unsupported address family %d", family)
	}
}
