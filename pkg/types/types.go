package types

import (
	"encoding/hex"
	"fmt"
)

type NodeID string

// HashSize is the length of every content and key hash.
const HashSize = 32

// Hash identifies stored content and owner keys.
type Hash [HashSize]byte

func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

func (h Hash) Bytes() []byte {
	b := make([]byte, HashSize)
	copy(b, h[:])
	return b
}

func (h Hash) IsZero() bool {
	return h == Hash{}
}

// HashFromBytes copies b into a Hash. b must be exactly HashSize long.
func HashFromBytes(b []byte) (Hash, error) {
	var h Hash
	if len(b) != HashSize {
		return h, fmt.Errorf("invalid hash length %d, expected %d", len(b), HashSize)
	}
	copy(h[:], b)
	return h, nil
}

// ParseHash decodes a hex encoded hash.
func ParseHash(s string) (Hash, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return Hash{}, fmt.Errorf("invalid hash %q: %w", s, err)
	}
	return HashFromBytes(b)
}

type StoreType int

const (
	StoreTypeAuthenticated StoreType = iota
	StoreTypeMailbox
	StoreTypeAppendOnly
)

// Dir is the directory name used for persisted stores of this type.
func (t StoreType) Dir() string {
	switch t {
	case StoreTypeAuthenticated:
		return "authenticated_data_store"
	case StoreTypeMailbox:
		return "mailbox_data_store"
	case StoreTypeAppendOnly:
		return "append_only_data_store"
	default:
		return "unknown_store"
	}
}

func (t StoreType) String() string {
	switch t {
	case StoreTypeAuthenticated:
		return "authenticated"
	case StoreTypeMailbox:
		return "mailbox"
	case StoreTypeAppendOnly:
		return "append_only"
	default:
		return "unknown"
	}
}

// StoreTypes lists every store type in load order.
var StoreTypes = []StoreType{StoreTypeAuthenticated, StoreTypeMailbox, StoreTypeAppendOnly}

type TransportType string

const (
	TransportGRPC TransportType = "grpc"
	TransportMesh TransportType = "mesh"
	TransportMQTT TransportType = "mqtt"
)
