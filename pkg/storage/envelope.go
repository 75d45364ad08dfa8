package storage

import (
	"time"

	"datanet/pkg/security"
	"datanet/pkg/types"
	"datanet/pkg/wire"
)

// AuthenticatedData is the envelope binding a payload to an owner key and a
// sequence number.
type AuthenticatedData struct {
	Payload         Payload
	SequenceNumber  int32
	HashOfPublicKey types.Hash
	Created         int64 // unix millis
}

func (d *AuthenticatedData) MetaData() MetaData {
	return d.Payload.MetaData()
}

// ContentHash is the digest of the serialized payload, the store key.
func (d *AuthenticatedData) ContentHash() types.Hash {
	return security.Digest(d.Payload.Serialize())
}

func (d *AuthenticatedData) IsExpired(now time.Time) bool {
	return isExpired(d.Created, d.MetaData().TTL, now)
}

func (d *AuthenticatedData) IsSequenceNrInvalid(stored int32) bool {
	return d.SequenceNumber <= stored
}

// IsDataInvalid runs the payload checks plus, for authorized data, the
// signer authorization checks.
func (d *AuthenticatedData) IsDataInvalid(roles security.RoleRegistry) bool {
	if d.Payload.IsDataInvalid() {
		return true
	}
	if ad, ok := d.Payload.(*AuthorizedData); ok {
		return ad.IsAuthorizationInvalid(d.HashOfPublicKey, roles)
	}
	return false
}

// Serialize returns the bytes covered by the owner signature.
func (d *AuthenticatedData) Serialize() []byte {
	e := wire.NewEncoder()
	if ad, ok := d.Payload.(*AuthorizedData); ok {
		e.Message(5, ad.Serialize())
	} else {
		e.Message(1, encodeAny(d.Payload))
	}
	return e.Int32(2, d.SequenceNumber).
		Bytes(3, d.HashOfPublicKey[:]).
		Int64(4, d.Created).
		Encode()
}

// MailboxData is the envelope of a payload addressed to one receiver.
type MailboxData struct {
	Payload               MailboxPayload
	SequenceNumber        int32
	SenderPublicKeyHash   types.Hash
	ReceiverPublicKeyHash types.Hash
	ReceiverPublicKey     []byte
	Created               int64
}

func (d *MailboxData) MetaData() MetaData {
	return d.Payload.MetaData()
}

func (d *MailboxData) ContentHash() types.Hash {
	return security.Digest(d.Payload.Serialize())
}

func (d *MailboxData) IsExpired(now time.Time) bool {
	return isExpired(d.Created, d.MetaData().TTL, now)
}

func (d *MailboxData) IsSequenceNrInvalid(stored int32) bool {
	return d.SequenceNumber <= stored
}

// IsDataInvalid also rejects payloads claiming a different sender than the
// envelope.
func (d *MailboxData) IsDataInvalid() bool {
	if d.Payload.IsDataInvalid() {
		return true
	}
	if d.Payload.SenderPublicKeyHash() != d.SenderPublicKeyHash {
		return true
	}
	return security.KeyHash(d.ReceiverPublicKey) != d.ReceiverPublicKeyHash
}

func (d *MailboxData) Serialize() []byte {
	return wire.NewEncoder().
		Message(1, encodeAny(d.Payload)).
		Int32(2, d.SequenceNumber).
		Bytes(3, d.SenderPublicKeyHash[:]).
		Bytes(4, d.ReceiverPublicKeyHash[:]).
		Bytes(5, d.ReceiverPublicKey).
		Int64(6, d.Created).
		Encode()
}

// MaxClockSkew is how far a request may be dated ahead of the local clock.
const MaxClockSkew = 5 * time.Minute

func isFutureDated(created int64, now time.Time) bool {
	return created-now.UnixMilli() > MaxClockSkew.Milliseconds()
}

func isExpired(created int64, ttl time.Duration, now time.Time) bool {
	return now.UnixMilli()-created > ttl.Milliseconds()
}

func nowMillis(now time.Time) int64 {
	return now.UnixMilli()
}
