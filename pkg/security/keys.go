package security

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha512"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"datanet/pkg/types"

	"golang.org/x/crypto/curve25519"
)

// KeyPair is an ed25519 signing identity.
type KeyPair struct {
	PrivateKey ed25519.PrivateKey
	PublicKey  ed25519.PublicKey
}

// GenerateKeyPair creates a fresh random key pair.
func GenerateKeyPair() (*KeyPair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate key pair: %w", err)
	}
	return &KeyPair{PrivateKey: priv, PublicKey: pub}, nil
}

// KeyPairFromSeed deterministically derives a key pair from a 32 byte seed.
func KeyPairFromSeed(seed []byte) (*KeyPair, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("invalid seed length %d, expected %d", len(seed), ed25519.SeedSize)
	}
	priv := ed25519.NewKeyFromSeed(seed)
	return &KeyPair{PrivateKey: priv, PublicKey: priv.Public().(ed25519.PublicKey)}, nil
}

func (k *KeyPair) Sign(message []byte) []byte {
	return ed25519.Sign(k.PrivateKey, message)
}

func (k *KeyPair) Seed() []byte {
	return k.PrivateKey.Seed()
}

// PublicKeyBytes returns a copy of the raw public key.
func (k *KeyPair) PublicKeyBytes() []byte {
	b := make([]byte, len(k.PublicKey))
	copy(b, k.PublicKey)
	return b
}

func (k *KeyPair) PublicKeyHash() types.Hash {
	return KeyHash(k.PublicKey)
}

// BoxKeyPair derives the X25519 key pair used to open sealed mailbox
// payloads addressed to this identity.
func (k *KeyPair) BoxKeyPair() (*BoxKeyPair, error) {
	h := sha512.Sum512(k.Seed())
	var priv [32]byte
	copy(priv[:], h[:32])
	priv[0] &= 248
	priv[31] &= 127
	priv[31] |= 64

	pub, err := curve25519.X25519(priv[:], curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("failed to derive box key: %w", err)
	}
	bkp := &BoxKeyPair{Private: new([32]byte), Public: new([32]byte)}
	copy(bkp.Private[:], priv[:])
	copy(bkp.Public[:], pub)
	return bkp, nil
}

// Verify reports whether signature is a valid signature of message by
// publicKey. Malformed keys or signatures yield false.
func Verify(publicKey, message, signature []byte) bool {
	if len(publicKey) != ed25519.PublicKeySize {
		return false
	}
	if len(signature) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(publicKey), message, signature)
}

// SaveKeyPair writes the hex encoded seed to path with owner-only permissions.
func SaveKeyPair(path string, kp *KeyPair) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("failed to create key directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(hex.EncodeToString(kp.Seed())+"\n"), 0600); err != nil {
		return fmt.Errorf("failed to write key file: %w", err)
	}
	return nil
}

// LoadKeyPair reads a key file written by SaveKeyPair.
func LoadKeyPair(path string) (*KeyPair, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read key file: %w", err)
	}
	seed, err := hex.DecodeString(strings.TrimSpace(string(data)))
	if err != nil {
		return nil, fmt.Errorf("failed to decode key file: %w", err)
	}
	return KeyPairFromSeed(seed)
}

// LoadOrCreateKeyPair loads the key at path, generating and saving one if
// the file does not exist yet.
func LoadOrCreateKeyPair(path string) (*KeyPair, bool, error) {
	if _, err := os.Stat(path); err == nil {
		kp, err := LoadKeyPair(path)
		return kp, false, err
	} else if !os.IsNotExist(err) {
		return nil, false, fmt.Errorf("failed to stat key file: %w", err)
	}

	kp, err := GenerateKeyPair()
	if err != nil {
		return nil, false, err
	}
	if err := SaveKeyPair(path, kp); err != nil {
		return nil, false, err
	}
	return kp, true, nil
}
