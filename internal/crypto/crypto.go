// Package crypto holds the primitives of the peer-to-peer session cipher:
// sequential nonces, precomputed box keys and peer identifiers.
package crypto

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/btcsuite/btcutil/base58"
	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/nacl/box"
)

// Key and nonce sizes of the NaCl box construction.
const (
	KeySize   = 32
	NonceSize = 24
	Overhead  = box.Overhead
)

// ErrDecrypt is returned when a ciphertext fails authentication.
var ErrDecrypt = errors.New("decryption failed")

// Nonce is a 24-byte big-endian counter.
type Nonce [NonceSize]byte

// NonceFromBytes copies a nonce from b, which must be NonceSize long.
func NonceFromBytes(b []byte) (Nonce, error) {
	var n Nonce
	if len(b) != NonceSize {
		return n, fmt.Errorf("nonce must be %d bytes, got %d", NonceSize, len(b))
	}
	copy(n[:], b)
	return n, nil
}

// Increment returns n+1, wrapping around at 2^192.
func (n Nonce) Increment() Nonce {
	for i := NonceSize - 1; i >= 0; i-- {
		n[i]++
		if n[i] != 0 {
			break
		}
	}
	return n
}

// Add returns n+k.
func (n Nonce) Add(k uint64) Nonce {
	carry := k
	for i := NonceSize - 1; i >= 0 && carry != 0; i-- {
		sum := uint64(n[i]) + carry&0xff
		n[i] = byte(sum)
		carry = carry>>8 + sum>>8
	}
	return n
}

func (n Nonce) String() string {
	return hex.EncodeToString(n[:])
}

// PublicKey is a Curve25519 public key.
type PublicKey [KeySize]byte

// SecretKey is a Curve25519 secret key.
type SecretKey [KeySize]byte

// PrecomputedKey is the shared key of one session.
type PrecomputedKey [KeySize]byte

// Precompute derives the shared key between our secret key and the remote
// public key.
func Precompute(remote *PublicKey, local *SecretKey) *PrecomputedKey {
	var shared [KeySize]byte
	box.Precompute(&shared, (*[KeySize]byte)(remote), (*[KeySize]byte)(local))
	k := PrecomputedKey(shared)
	return &k
}

// Encrypt seals plain with the shared key.
func Encrypt(plain []byte, nonce Nonce, key *PrecomputedKey) []byte {
	n := [NonceSize]byte(nonce)
	return box.SealAfterPrecomputation(nil, plain, &n, (*[KeySize]byte)(key))
}

// Decrypt opens a box sealed with the shared key.
func Decrypt(sealed []byte, nonce Nonce, key *PrecomputedKey) ([]byte, error) {
	n := [NonceSize]byte(nonce)
	plain, ok := box.OpenAfterPrecomputation(nil, sealed, &n, (*[KeySize]byte)(key))
	if !ok {
		return nil, ErrDecrypt
	}
	return plain, nil
}

// NoncePair holds the initial nonces of both directions of a session.
// Local numbers messages we send, Remote the ones we receive.
type NoncePair struct {
	Local  Nonce
	Remote Nonce
}

// GenerateNonces derives the session nonces from the connection messages
// exchanged in the handshake. sent and received are the full chunks,
// including their length prefix. incoming is true when the remote side
// opened the connection.
func GenerateNonces(sent, received []byte, incoming bool) NoncePair {
	initMsg, respMsg := sent, received
	if incoming {
		initMsg, respMsg = received, sent
	}

	initToResp := deriveNonce(initMsg, respMsg, "Init -> Resp")
	respToInit := deriveNonce(initMsg, respMsg, "Resp -> Init")

	if incoming {
		return NoncePair{Local: initToResp, Remote: respToInit}
	}
	return NoncePair{Local: respToInit, Remote: initToResp}
}

func deriveNonce(initMsg, respMsg []byte, label string) Nonce {
	h, _ := blake2b.New256(nil) //nolint:errcheck // only fails for oversized keys
	h.Write(initMsg)
	h.Write(respMsg)
	h.Write([]byte(label))
	var n Nonce
	copy(n[:], h.Sum(nil))
	return n
}

// peerIDPrefix is the base58check prefix that renders as "idt".
var peerIDPrefix = []byte{153, 103}

// PublicKeyHash returns the 16-byte blake2b digest identifying a public key.
func PublicKeyHash(pk *PublicKey) []byte {
	h, _ := blake2b.New(16, nil) //nolint:errcheck // 16 is a valid size
	h.Write(pk[:])
	return h.Sum(nil)
}

// PeerID renders the identifier of the node owning pk.
func PeerID(pk *PublicKey) string {
	return base58Check(peerIDPrefix, PublicKeyHash(pk))
}

func base58Check(prefix, payload []byte) string {
	data := make([]byte, 0, len(prefix)+len(payload)+4)
	data = append(data, prefix...)
	data = append(data, payload...)
	first := sha256.Sum256(data)
	second := sha256.Sum256(first[:])
	data = append(data, second[:4]...)
	return base58.Encode(data)
}

// ParsePublicKey decodes a hex encoded public key.
func ParsePublicKey(s string) (*PublicKey, error) {
	var pk PublicKey
	if err := decodeHexKey(s, pk[:]); err != nil {
		return nil, fmt.Errorf("public key: %w", err)
	}
	return &pk, nil
}

// ParseSecretKey decodes a hex encoded secret key.
func ParseSecretKey(s string) (*SecretKey, error) {
	var sk SecretKey
	if err := decodeHexKey(s, sk[:]); err != nil {
		return nil, fmt.Errorf("secret key: %w", err)
	}
	return &sk, nil
}

func decodeHexKey(s string, dst []byte) error {
	b, err := hex.DecodeString(s)
	if err != nil {
		return err
	}
	if len(b) != len(dst) {
		return fmt.Errorf("expected %d bytes, got %d", len(dst), len(b))
	}
	copy(dst, b)
	return nil
}
