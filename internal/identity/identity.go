// Package identity loads the node identity used to decrypt its sessions.
package identity

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/tezedge/tezedge-debugger/internal/crypto"
)

// Identity is the local node's key material.
type Identity struct {
	PeerID           string
	PublicKey        crypto.PublicKey
	SecretKey        crypto.SecretKey
	ProofOfWorkStamp string
}

// file mirrors the JSON identity file written by the node.
type file struct {
	PeerID           string `json:"peer_id"`
	PublicKey        string `json:"public_key"`
	SecretKey        string `json:"secret_key"`
	ProofOfWorkStamp string `json:"proof_of_work_stamp"`
}

// Load reads an identity file.
func Load(path string) (*Identity, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading identity file: %w", err)
	}
	id, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("identity file %s: %w", path, err)
	}
	return id, nil
}

// Parse decodes the JSON representation of an identity.
func Parse(data []byte) (*Identity, error) {
	var f file
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("decoding identity: %w", err)
	}
	if f.PublicKey == "" || f.SecretKey == "" {
		return nil, errors.New("identity lacks public_key or secret_key")
	}

	pk, err := crypto.ParsePublicKey(f.PublicKey)
	if err != nil {
		return nil, err
	}
	sk, err := crypto.ParseSecretKey(f.SecretKey)
	if err != nil {
		return nil, err
	}

	id := &Identity{
		PeerID:           f.PeerID,
		PublicKey:        *pk,
		SecretKey:        *sk,
		ProofOfWorkStamp: f.ProofOfWorkStamp,
	}
	if id.PeerID == "" {
		id.PeerID = crypto.PeerID(pk)
	}
	return id, nil
}
