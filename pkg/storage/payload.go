package storage

import (
	"datanet/pkg/security"
	"datanet/pkg/types"
	"datanet/pkg/wire"
)

// Payload is the content unit carried by every request.
type Payload interface {
	MetaData() MetaData
	// Serialize must be deterministic; its digest is the content hash.
	Serialize() []byte
	IsDataInvalid() bool
}

// Authorized is embedded by payloads that may only be published by keys
// holding a bonded role.
type Authorized struct{}

func (Authorized) authorized() {}

// AuthorizedPayload is content whose publisher must be authorized either by
// a static key set or by the role registry.
type AuthorizedPayload interface {
	Payload
	// AuthorizedPublicKeys lists the keys allowed to publish this payload
	// when StaticPublicKeysProvided reports true.
	AuthorizedPublicKeys() [][]byte
	StaticPublicKeysProvided() bool
	authorized()
}

// Mailbox is embedded by payloads addressed to a single receiver.
type Mailbox struct{}

func (Mailbox) mailbox() {}

type MailboxPayload interface {
	Payload
	SenderPublicKeyHash() types.Hash
	mailbox()
}

// AppendOnly is embedded by payloads that are never removed.
type AppendOnly struct{}

func (AppendOnly) appendOnly() {}

type AppendOnlyPayload interface {
	Payload
	appendOnly()
}

// AuthorizedData wraps an AuthorizedPayload with the signature of the key
// that published it. It is stored in authenticated data stores like any
// other payload.
type AuthorizedData struct {
	Data                AuthorizedPayload
	Signature           []byte
	AuthorizedPublicKey []byte
}

// NewAuthorizedData signs data with keyPair.
func NewAuthorizedData(data AuthorizedPayload, keyPair *security.KeyPair) *AuthorizedData {
	return &AuthorizedData{
		Data:                data,
		Signature:           keyPair.Sign(data.Serialize()),
		AuthorizedPublicKey: keyPair.PublicKeyBytes(),
	}
}

func (a *AuthorizedData) MetaData() MetaData {
	return a.Data.MetaData()
}

func (a *AuthorizedData) Serialize() []byte {
	return wire.NewEncoder().
		Message(1, encodeAny(a.Data)).
		Bytes(2, a.Signature).
		Bytes(3, a.AuthorizedPublicKey).
		Encode()
}

func (a *AuthorizedData) IsDataInvalid() bool {
	return a.Data.IsDataInvalid()
}

// IsAuthorizationInvalid checks that the signer published this envelope,
// that the signature covers the payload and that the signer is authorized.
func (a *AuthorizedData) IsAuthorizationInvalid(ownerKeyHash types.Hash, roles security.RoleRegistry) bool {
	if security.KeyHash(a.AuthorizedPublicKey) != ownerKeyHash {
		return true
	}
	if !security.Verify(a.AuthorizedPublicKey, a.Data.Serialize(), a.Signature) {
		return true
	}
	if a.Data.StaticPublicKeysProvided() {
		for _, k := range a.Data.AuthorizedPublicKeys() {
			if string(k) == string(a.AuthorizedPublicKey) {
				return false
			}
		}
		return true
	}
	if roles == nil {
		return true
	}
	return !roles.IsAuthorized(a.AuthorizedPublicKey, a.Data.MetaData().ClassName)
}
