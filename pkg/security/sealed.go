package security

import (
	"crypto/rand"
	"errors"
	"fmt"

	"golang.org/x/crypto/nacl/box"
)

// ErrOpenFailed is returned when a sealed box cannot be opened with the
// given keys.
var ErrOpenFailed = errors.New("failed to open sealed box")

// BoxKeyPair is a curve25519 key pair for anonymous sealed boxes.
type BoxKeyPair struct {
	Public  *[32]byte
	Private *[32]byte
}

func GenerateBoxKeyPair() (*BoxKeyPair, error) {
	pub, priv, err := box.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate box key: %w", err)
	}
	return &BoxKeyPair{Public: pub, Private: priv}, nil
}

// Seal encrypts message so that only the holder of the private key matching
// recipient can read it.
func Seal(message []byte, recipient *[32]byte) ([]byte, error) {
	sealed, err := box.SealAnonymous(nil, message, recipient, rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to seal message: %w", err)
	}
	return sealed, nil
}

func Open(sealed []byte, keys *BoxKeyPair) ([]byte, error) {
	message, ok := box.OpenAnonymous(nil, sealed, keys.Public, keys.Private)
	if !ok {
		return nil, ErrOpenFailed
	}
	return message, nil
}
