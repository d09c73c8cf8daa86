package message

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/tezedge/tezedge-debugger/internal/crypto"
)

// ChunkHeaderSize is the size of the length prefix of every chunk.
const ChunkHeaderSize = 2

// MaxChunkSize is the largest chunk body a u16 prefix can describe.
const MaxChunkSize = 1<<16 - 1

// ErrChunkFraming is returned for chunks whose prefix disagrees with their size.
var ErrChunkFraming = errors.New("chunk length prefix does not match content")

// ChunkBody returns the content of a length-prefixed chunk.
func ChunkBody(chunk []byte) ([]byte, error) {
	if len(chunk) < ChunkHeaderSize {
		return nil, ErrChunkFraming
	}
	n := int(binary.BigEndian.Uint16(chunk))
	if len(chunk)-ChunkHeaderSize != n {
		return nil, fmt.Errorf("%w: prefix %d, content %d", ErrChunkFraming, n, len(chunk)-ChunkHeaderSize)
	}
	return chunk[ChunkHeaderSize:], nil
}

// Chunk prefixes body with its length.
func Chunk(body []byte) ([]byte, error) {
	if len(body) > MaxChunkSize {
		return nil, fmt.Errorf("chunk body of %d bytes too large", len(body))
	}
	out := make([]byte, ChunkHeaderSize, ChunkHeaderSize+len(body))
	binary.BigEndian.PutUint16(out, uint16(len(body)))
	return append(out, body...), nil
}

// ConnectionMessage opens each direction of a session, in the clear.
type ConnectionMessage struct {
	Port                 uint16
	PublicKey            crypto.PublicKey
	ProofOfWorkStamp     [24]byte
	MessageNonce         crypto.Nonce
	ChainName            string
	DistributedDBVersion uint16
	P2PVersion           uint16
}

const connectionFixedSize = 2 + crypto.KeySize + 24 + crypto.NonceSize

// maxChainName bounds the chain name accepted from the wire.
const maxChainName = 128

// ParseConnectionMessage decodes the body of a connection chunk.
func ParseConnectionMessage(b []byte) (*ConnectionMessage, error) {
	if len(b) < connectionFixedSize+4 {
		return nil, &UnderflowError{Bytes: connectionFixedSize + 4 - len(b)}
	}
	m := &ConnectionMessage{}
	off := 0
	m.Port = binary.BigEndian.Uint16(b[off:])
	off += 2
	off += copy(m.PublicKey[:], b[off:])
	off += copy(m.ProofOfWorkStamp[:], b[off:])
	off += copy(m.MessageNonce[:], b[off:])

	nameLen := int(binary.BigEndian.Uint32(b[off:]))
	off += 4
	if nameLen > maxChainName {
		return nil, fmt.Errorf("chain name of %d bytes too long", nameLen)
	}
	if need := off + nameLen + 4; len(b) < need {
		return nil, &UnderflowError{Bytes: need - len(b)}
	}
	m.ChainName = string(b[off : off+nameLen])
	off += nameLen

	m.DistributedDBVersion = binary.BigEndian.Uint16(b[off:])
	m.P2PVersion = binary.BigEndian.Uint16(b[off+2:])
	off += 4

	if off != len(b) {
		return nil, ErrTrailingBytes
	}
	return m, nil
}

// MarshalBinary encodes m without the chunk prefix.
func (m *ConnectionMessage) MarshalBinary() ([]byte, error) {
	if len(m.ChainName) > maxChainName {
		return nil, fmt.Errorf("chain name of %d bytes too long", len(m.ChainName))
	}
	b := make([]byte, 0, connectionFixedSize+4+len(m.ChainName)+4)
	b = binary.BigEndian.AppendUint16(b, m.Port)
	b = append(b, m.PublicKey[:]...)
	b = append(b, m.ProofOfWorkStamp[:]...)
	b = append(b, m.MessageNonce[:]...)
	b = binary.BigEndian.AppendUint32(b, uint32(len(m.ChainName))) //nolint:gosec // bounded above
	b = append(b, m.ChainName...)
	b = binary.BigEndian.AppendUint16(b, m.DistributedDBVersion)
	b = binary.BigEndian.AppendUint16(b, m.P2PVersion)
	return b, nil
}
