// Package decoder reverses the encryption of one direction of a peer session
// and reassembles messages that span several chunks.
//
// Every call to Ingest consumes exactly one nonce, whatever its outcome, so
// the nonce stays aligned with the peer's chunk sequence. A chunk that fails
// authentication means the counters are no longer aligned; the decoder then
// closes itself and refuses further input.
package decoder

import (
	"errors"
	"fmt"

	"github.com/tezedge/tezedge-debugger/internal/crypto"
	"github.com/tezedge/tezedge-debugger/internal/message"
)

// ErrSessionClosed is returned by Ingest after a desynchronization.
var ErrSessionClosed = errors.New("decoder session closed after desynchronization")

// DesyncError reports a chunk that could not be decrypted. It is fatal for
// the session.
type DesyncError struct {
	Nonce crypto.Nonce
	Err   error
}

func (e *DesyncError) Error() string {
	return fmt.Sprintf("chunk with nonce %s: %v", e.Nonce, e.Err)
}

func (e *DesyncError) Unwrap() error {
	return e.Err
}

// ParseError reports decrypted input that is not a valid message. The
// accumulated input is kept.
type ParseError struct {
	Err error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("failed to deserialize message: %v", e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// Decoder holds the state of one direction of a session.
type Decoder struct {
	key       *crypto.PrecomputedKey
	nonce     crypto.Nonce
	peerID    string
	parser    *message.Parser
	remaining int
	raw       []byte
	plain     []byte
	closed    bool
}

// New creates a decoder whose first chunk is sealed with nonce.
func New(key *crypto.PrecomputedKey, nonce crypto.Nonce, peerID string) *Decoder {
	return &Decoder{
		key:    key,
		nonce:  nonce,
		peerID: peerID,
		parser: message.NewParser(),
	}
}

// Nonce returns the nonce the next chunk will be opened with.
func (d *Decoder) Nonce() crypto.Nonce {
	return d.nonce
}

// PeerID returns the identifier of the remote peer.
func (d *Decoder) PeerID() string {
	return d.peerID
}

// Remaining returns how many plaintext bytes the pending message still needs.
// Zero means the decoder expects the start of a new message.
func (d *Decoder) Remaining() int {
	return d.remaining
}

// Buffered returns the number of plaintext bytes accumulated for the pending
// message.
func (d *Decoder) Buffered() int {
	return len(d.plain)
}

// Closed reports whether a desynchronization closed the session.
func (d *Decoder) Closed() bool {
	return d.closed
}

func (d *Decoder) nextNonce() crypto.Nonce {
	n := d.nonce
	d.nonce = n.Increment()
	return n
}

// Ingest consumes one chunk (u16 length prefix included). It returns a
// message once enough chunks were seen to complete one, and nil, nil while
// a message is still partial.
func (d *Decoder) Ingest(chunk []byte) (*message.Message, error) {
	nonce := d.nextNonce()
	if d.closed {
		return nil, ErrSessionClosed
	}

	body, err := message.ChunkBody(chunk)
	if err != nil {
		d.closed = true
		return nil, &DesyncError{Nonce: nonce, Err: err}
	}
	plain, err := crypto.Decrypt(body, nonce, d.key)
	if err != nil {
		d.closed = true
		return nil, &DesyncError{Nonce: nonce, Err: err}
	}

	d.raw = append(d.raw, chunk...)
	d.plain = append(d.plain, plain...)
	d.remaining -= len(plain)
	if d.remaining < 0 {
		d.remaining = 0
	}
	if d.remaining > 0 {
		return nil, nil
	}

	msg, err := d.parser.Parse(d.plain)
	if err != nil {
		if n, ok := message.IsUnderflow(err); ok {
			d.remaining += n
			return nil, nil
		}
		return nil, &ParseError{Err: err}
	}

	msg.Raw = d.raw
	d.raw = nil
	d.plain = nil
	return msg, nil
}
