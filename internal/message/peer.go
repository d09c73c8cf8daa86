package message

import (
	"encoding/binary"
	"fmt"
)

// Tag identifies a peer message.
type Tag uint16

// Peer message tags.
const (
	TagDisconnect                  Tag = 0x01
	TagBootstrap                   Tag = 0x02
	TagAdvertise                   Tag = 0x03
	TagSwapRequest                 Tag = 0x04
	TagSwapAck                     Tag = 0x05
	TagGetCurrentBranch            Tag = 0x10
	TagCurrentBranch               Tag = 0x11
	TagDeactivate                  Tag = 0x12
	TagGetCurrentHead              Tag = 0x13
	TagCurrentHead                 Tag = 0x14
	TagGetBlockHeaders             Tag = 0x20
	TagBlockHeader                 Tag = 0x21
	TagGetOperations               Tag = 0x30
	TagOperation                   Tag = 0x31
	TagGetProtocols                Tag = 0x40
	TagProtocol                    Tag = 0x41
	TagGetOperationHashesForBlocks Tag = 0x50
	TagOperationHashesForBlock     Tag = 0x51
	TagGetOperationsForBlocks      Tag = 0x60
	TagOperationsForBlocks         Tag = 0x61
)

var tagNames = map[Tag]string{
	TagDisconnect:                  "disconnect",
	TagBootstrap:                   "bootstrap",
	TagAdvertise:                   "advertise",
	TagSwapRequest:                 "swap_request",
	TagSwapAck:                     "swap_ack",
	TagGetCurrentBranch:            "get_current_branch",
	TagCurrentBranch:               "current_branch",
	TagDeactivate:                  "deactivate",
	TagGetCurrentHead:              "get_current_head",
	TagCurrentHead:                 "current_head",
	TagGetBlockHeaders:             "get_block_headers",
	TagBlockHeader:                 "block_header",
	TagGetOperations:               "get_operations",
	TagOperation:                   "operation",
	TagGetProtocols:                "get_protocols",
	TagProtocol:                    "protocol",
	TagGetOperationHashesForBlocks: "get_operation_hashes_for_blocks",
	TagOperationHashesForBlock:     "operation_hashes_for_block",
	TagGetOperationsForBlocks:      "get_operations_for_blocks",
	TagOperationsForBlocks:         "operations_for_blocks",
}

func (t Tag) String() string {
	if name, ok := tagNames[t]; ok {
		return name
	}
	return fmt.Sprintf("Tag(%#04x)", uint16(t))
}

// Known reports whether t is a defined peer message tag.
func (t Tag) Known() bool {
	_, ok := tagNames[t]
	return ok
}

// PeerMessage is one application message. Only the peer-list messages are
// decoded further; every other body is kept in Payload.
type PeerMessage struct {
	Tag     Tag
	Payload []byte
	Peers   []string // Advertise
}

const (
	peerSizeHeader = 4
	peerTagSize    = 2
)

// ParsePeerMessage decodes a PeerMessageResponse: u32 size || u16 tag || body.
func ParsePeerMessage(b []byte) (*PeerMessage, error) {
	if len(b) < peerSizeHeader {
		return nil, &UnderflowError{Bytes: peerSizeHeader - len(b)}
	}
	size := int(binary.BigEndian.Uint32(b))
	rest := b[peerSizeHeader:]
	if len(rest) < size {
		return nil, &UnderflowError{Bytes: size - len(rest)}
	}
	if len(rest) > size {
		return nil, ErrTrailingBytes
	}
	if size < peerTagSize {
		return nil, fmt.Errorf("peer message of %d bytes has no tag", size)
	}

	m := &PeerMessage{Tag: Tag(binary.BigEndian.Uint16(rest))}
	body := rest[peerTagSize:]
	if !m.Tag.Known() {
		return nil, fmt.Errorf("unknown peer message tag %s", m.Tag)
	}

	switch m.Tag {
	case TagDisconnect, TagBootstrap:
		if len(body) != 0 {
			return nil, fmt.Errorf("%s: %w", m.Tag, ErrTrailingBytes)
		}
	case TagAdvertise:
		peers, err := parseStringList(body)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", m.Tag, err)
		}
		m.Peers = peers
	default:
		m.Payload = append([]byte(nil), body...)
	}
	return m, nil
}

func parseStringList(b []byte) ([]string, error) {
	var out []string
	for len(b) > 0 {
		if len(b) < 4 {
			return nil, fmt.Errorf("truncated string length")
		}
		n := int(binary.BigEndian.Uint32(b))
		b = b[4:]
		if n > len(b) {
			return nil, fmt.Errorf("string of %d bytes exceeds message", n)
		}
		out = append(out, string(b[:n]))
		b = b[n:]
	}
	return out, nil
}

// MarshalBinary encodes m as a PeerMessageResponse.
func (m *PeerMessage) MarshalBinary() ([]byte, error) {
	body := m.Payload
	if m.Tag == TagAdvertise {
		body = nil
		for _, p := range m.Peers {
			body = binary.BigEndian.AppendUint32(body, uint32(len(p))) //nolint:gosec // peer strings are short
			body = append(body, p...)
		}
	}
	b := make([]byte, 0, peerSizeHeader+peerTagSize+len(body))
	b = binary.BigEndian.AppendUint32(b, uint32(peerTagSize+len(body))) //nolint:gosec // chunk bounded
	b = binary.BigEndian.AppendUint16(b, uint16(m.Tag))
	return append(b, body...), nil
}
