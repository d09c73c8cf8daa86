// Package message parses the plaintext messages of a node's peer-to-peer
// session.
//
// Each direction of a session carries, in order, one ConnectionMessage in
// the clear, then encrypted: one Metadata message, one Ack, and any number of
// peer messages. Parsers report missing input with *UnderflowError so the
// caller can keep accumulating decrypted chunks.
package message

import (
	"errors"
	"fmt"
)

// UnderflowError reports that a message needs Bytes more bytes of input.
type UnderflowError struct {
	Bytes int
}

func (e *UnderflowError) Error() string {
	return fmt.Sprintf("input underflow, %d more bytes needed", e.Bytes)
}

// IsUnderflow reports whether err is an *UnderflowError and returns the
// missing byte count.
func IsUnderflow(err error) (int, bool) {
	var u *UnderflowError
	if errors.As(err, &u) {
		return u.Bytes, true
	}
	return 0, false
}

// ErrTrailingBytes is returned when input extends past the end of a message.
var ErrTrailingBytes = errors.New("trailing bytes after message")

// Kind identifies the stage of the session a message belongs to.
type Kind uint8

// Message kinds in stream order.
const (
	KindConnection Kind = iota
	KindMetadata
	KindAck
	KindPeer
)

func (k Kind) String() string {
	switch k {
	case KindConnection:
		return "connection"
	case KindMetadata:
		return "metadata"
	case KindAck:
		return "ack"
	case KindPeer:
		return "peer"
	default:
		return fmt.Sprintf("Kind(%d)", uint8(k))
	}
}

// Message is one decoded message. Exactly one of the typed fields is set,
// according to Kind.
type Message struct {
	Kind       Kind
	Connection *ConnectionMessage
	Metadata   *Metadata
	Ack        *Ack
	Peer       *PeerMessage

	// Raw holds the wire bytes (encrypted chunks, length prefixes included)
	// the message was decoded from.
	Raw []byte
}

// Name returns a short description of the message content.
func (m *Message) Name() string {
	switch m.Kind {
	case KindPeer:
		if m.Peer != nil {
			return m.Peer.Tag.String()
		}
	case KindAck:
		if m.Ack != nil {
			return m.Ack.Kind.String()
		}
	}
	return m.Kind.String()
}

// Metadata is the first encrypted message of each direction.
type Metadata struct {
	DisableMempool bool
	PrivateNode    bool
}

// MetadataSize is the encoded size of Metadata.
const MetadataSize = 2

// ParseMetadata decodes a Metadata message.
func ParseMetadata(b []byte) (*Metadata, error) {
	if len(b) < MetadataSize {
		return nil, &UnderflowError{Bytes: MetadataSize - len(b)}
	}
	if len(b) > MetadataSize {
		return nil, ErrTrailingBytes
	}
	return &Metadata{DisableMempool: b[0] != 0, PrivateNode: b[1] != 0}, nil
}

// MarshalBinary encodes m.
func (m *Metadata) MarshalBinary() ([]byte, error) {
	return []byte{boolByte(m.DisableMempool), boolByte(m.PrivateNode)}, nil
}

func boolByte(v bool) byte {
	if v {
		return 0xff
	}
	return 0
}

// AckKind distinguishes the ack variants.
type AckKind uint8

// Ack tags on the wire.
const (
	AckOk   AckKind = 0x00
	AckNack AckKind = 0x01
	// AckNackV0 is the legacy refusal without motive.
	AckNackV0 AckKind = 0xff
)

func (k AckKind) String() string {
	switch k {
	case AckOk:
		return "ack"
	case AckNack:
		return "nack"
	case AckNackV0:
		return "nack_v0"
	default:
		return fmt.Sprintf("AckKind(%#x)", uint8(k))
	}
}

// Ack accepts or refuses the session. Nack carries its motive and
// suggested peers undecoded in Rest.
type Ack struct {
	Kind AckKind
	Rest []byte
}

// ParseAck decodes an Ack message.
func ParseAck(b []byte) (*Ack, error) {
	if len(b) == 0 {
		return nil, &UnderflowError{Bytes: 1}
	}
	kind := AckKind(b[0])
	switch kind {
	case AckOk, AckNackV0:
		if len(b) > 1 {
			return nil, ErrTrailingBytes
		}
		return &Ack{Kind: kind}, nil
	case AckNack:
		return &Ack{Kind: kind, Rest: append([]byte(nil), b[1:]...)}, nil
	default:
		return nil, fmt.Errorf("unknown ack tag %#x", b[0])
	}
}

// MarshalBinary encodes a.
func (a *Ack) MarshalBinary() ([]byte, error) {
	return append([]byte{byte(a.Kind)}, a.Rest...), nil
}
