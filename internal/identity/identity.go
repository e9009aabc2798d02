// Package identity loads the node's libp2p private key and derives its peer ID.
package identity

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"strings"

	logging "github.com/ipfs/go-log/v2"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/peer"
)

var log = logging.Logger("i2kn-identity")

// ErrMalformedKey is returned when the encoded private key cannot be decoded
// or parsed.
var ErrMalformedKey = errors.New("malformed private key")

// Identity is the node's keypair and the peer ID derived from it.
type Identity struct {
	PrivKey crypto.PrivKey
	ID      peer.ID
}

// String returns the base58 peer ID.
func (i *Identity) String() string {
	return i.ID.String()
}

// Encode returns the private key in the same padded base64 form accepted by Load.
func (i *Identity) Encode() (string, error) {
	raw, err := crypto.MarshalPrivateKey(i.PrivKey)
	if err != nil {
		return "", fmt.Errorf("failed to marshal private key: %w", err)
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

// Load decodes a padded base64 protobuf-serialized private key and derives
// the peer ID from it.
func Load(encoded string) (*Identity, error) {
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(encoded))
	if err != nil {
		return nil, fmt.Errorf("%w: base64: %v", ErrMalformedKey, err)
	}
	if len(raw) == 0 {
		return nil, fmt.Errorf("%w: empty key", ErrMalformedKey)
	}

	privKey, err := crypto.UnmarshalPrivateKey(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedKey, err)
	}

	id, err := peer.IDFromPrivateKey(privKey)
	if err != nil {
		return nil, fmt.Errorf("%w: derive peer id: %v", ErrMalformedKey, err)
	}

	log.Debugf("Loaded %s identity %s", privKey.Type(), id)
	return &Identity{PrivKey: privKey, ID: id}, nil
}

// LoadFile reads an encoded private key from path and loads it.
func LoadFile(path string) (*Identity, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read key file: %w", err)
	}
	return Load(string(data))
}

// Generate creates a fresh Ed25519 identity.
func Generate() (*Identity, error) {
	privKey, _, err := crypto.GenerateEd25519Key(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}

	id, err := peer.IDFromPrivateKey(privKey)
	if err != nil {
		return nil, fmt.Errorf("failed to derive peer id: %w", err)
	}

	return &Identity{PrivKey: privKey, ID: id}, nil
}
