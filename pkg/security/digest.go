package security

import (
	"crypto/sha256"

	"datanet/pkg/types"
)

// Digest returns the SHA-256 content hash of data.
func Digest(data []byte) types.Hash {
	return types.Hash(sha256.Sum256(data))
}

// KeyHash returns the hash used to bind an envelope to an owner key.
func KeyHash(publicKey []byte) types.Hash {
	return Digest(publicKey)
}
