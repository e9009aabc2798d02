// Package swarmkey decodes the pre-shared key that admits peers into the
// private swarm.
package swarmkey

import (
	"bytes"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/libp2p/go-libp2p/core/pnet"
)

// ErrMalformedToken is returned when the swarm key cannot be decoded.
var ErrMalformedToken = errors.New("malformed swarm key")

// v1Header prefixes every version 1 swarm key file.
const v1Header = "/key/swarm/psk/1.0.0/"

// Decode turns a standard base64 encoded V1 swarm key file into a PSK.
func Decode(encoded string) (pnet.PSK, error) {
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(encoded))
	if err != nil {
		return nil, fmt.Errorf("%w: base64: %v", ErrMalformedToken, err)
	}
	return decodeV1(raw)
}

// LoadFile reads a swarm key from disk. Both the raw V1 file written by
// ipfs-swarm-key-gen and its base64 form are accepted.
func LoadFile(path string) (pnet.PSK, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read swarm key file: %w", err)
	}
	if bytes.HasPrefix(bytes.TrimSpace(data), []byte(v1Header)) {
		return decodeV1(data)
	}
	return Decode(string(data))
}

// Generate returns a freshly generated swarm key in the base64 form accepted
// by Decode.
func Generate() (string, error) {
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return "", fmt.Errorf("failed to read random bytes: %w", err)
	}
	return Encode(key), nil
}

// Encode renders a PSK as a base64 encoded V1 swarm key file.
func Encode(psk pnet.PSK) string {
	file := fmt.Sprintf("%s\n/base16/\n%s", v1Header, hex.EncodeToString(psk))
	return base64.StdEncoding.EncodeToString([]byte(file))
}

func decodeV1(raw []byte) (pnet.PSK, error) {
	psk, err := pnet.DecodeV1PSK(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedToken, err)
	}
	return psk, nil
}
