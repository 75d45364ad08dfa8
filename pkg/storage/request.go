package storage

import (
	"time"

	"datanet/pkg/security"
	"datanet/pkg/types"
	"datanet/pkg/wire"
)

const (
	// RemoveVersionLegacy signs the content hash, sequence number and
	// creation time without the class name.
	RemoveVersionLegacy = 0
	// RemoveVersionCurrent signs class name, hash, sequence number and
	// creation time.
	RemoveVersionCurrent = 1
)

// DataRequest is a signed intent to mutate a store. The set of
// implementations is closed to this package.
type DataRequest interface {
	MetaData() MetaData
	ClassName() string
	// Hash is the content hash the request targets.
	Hash() types.Hash
	SequenceNumber() int32
	CreatedAt() int64
	isDataRequest()
}

// AddDataRequest is implemented by requests that add or refresh content.
type AddDataRequest interface {
	DataRequest
	isAddDataRequest()
}

// RemoveDataRequest is implemented by requests that tombstone content.
type RemoveDataRequest interface {
	DataRequest
	isRemoveDataRequest()
}

// AddAuthenticatedDataRequest publishes authenticated or authorized data.
type AddAuthenticatedDataRequest struct {
	Data           *AuthenticatedData
	Signature      []byte
	OwnerPublicKey []byte
}

// NewAddAuthenticatedDataRequest wraps payload in an envelope owned by
// keyPair and signs the serialized envelope.
func NewAddAuthenticatedDataRequest(payload Payload, keyPair *security.KeyPair, sequenceNumber int32, now time.Time) *AddAuthenticatedDataRequest {
	data := &AuthenticatedData{
		Payload:         payload,
		SequenceNumber:  sequenceNumber,
		HashOfPublicKey: keyPair.PublicKeyHash(),
		Created:         nowMillis(now),
	}
	return &AddAuthenticatedDataRequest{
		Data:           data,
		Signature:      keyPair.Sign(data.Serialize()),
		OwnerPublicKey: keyPair.PublicKeyBytes(),
	}
}

func (r *AddAuthenticatedDataRequest) MetaData() MetaData    { return r.Data.MetaData() }
func (r *AddAuthenticatedDataRequest) ClassName() string     { return r.Data.MetaData().ClassName }
func (r *AddAuthenticatedDataRequest) Hash() types.Hash      { return r.Data.ContentHash() }
func (r *AddAuthenticatedDataRequest) SequenceNumber() int32 { return r.Data.SequenceNumber }
func (r *AddAuthenticatedDataRequest) CreatedAt() int64      { return r.Data.Created }
func (r *AddAuthenticatedDataRequest) isDataRequest()        {}
func (r *AddAuthenticatedDataRequest) isAddDataRequest()     {}

func (r *AddAuthenticatedDataRequest) IsPublicKeyInvalid() bool {
	return security.KeyHash(r.OwnerPublicKey) != r.Data.HashOfPublicKey
}

func (r *AddAuthenticatedDataRequest) IsSignatureInvalid() bool {
	return !security.Verify(r.OwnerPublicKey, r.Data.Serialize(), r.Signature)
}

// RemoveAuthenticatedDataRequest tombstones authenticated data. It carries
// the content hash instead of the payload.
type RemoveAuthenticatedDataRequest struct {
	Meta           MetaData
	ContentHash    types.Hash
	OwnerPublicKey []byte
	Seq            int32
	Created        int64
	Signature      []byte
	Version        int
}

func NewRemoveAuthenticatedDataRequest(meta MetaData, hash types.Hash, keyPair *security.KeyPair, sequenceNumber int32, now time.Time) *RemoveAuthenticatedDataRequest {
	r := &RemoveAuthenticatedDataRequest{
		Meta:           meta,
		ContentHash:    hash,
		OwnerPublicKey: keyPair.PublicKeyBytes(),
		Seq:            sequenceNumber,
		Created:        nowMillis(now),
		Version:        RemoveVersionCurrent,
	}
	r.Signature = keyPair.Sign(r.SigningBytes())
	return r
}

// Legacy returns a version 0 clone re-signed for older peers.
func (r *RemoveAuthenticatedDataRequest) Legacy(keyPair *security.KeyPair) *RemoveAuthenticatedDataRequest {
	clone := *r
	clone.OwnerPublicKey = append([]byte(nil), r.OwnerPublicKey...)
	clone.Version = RemoveVersionLegacy
	clone.Signature = keyPair.Sign(clone.SigningBytes())
	return &clone
}

func (r *RemoveAuthenticatedDataRequest) MetaData() MetaData    { return r.Meta }
func (r *RemoveAuthenticatedDataRequest) ClassName() string     { return r.Meta.ClassName }
func (r *RemoveAuthenticatedDataRequest) Hash() types.Hash      { return r.ContentHash }
func (r *RemoveAuthenticatedDataRequest) SequenceNumber() int32 { return r.Seq }
func (r *RemoveAuthenticatedDataRequest) CreatedAt() int64      { return r.Created }
func (r *RemoveAuthenticatedDataRequest) isDataRequest()        {}
func (r *RemoveAuthenticatedDataRequest) isRemoveDataRequest()  {}

func (r *RemoveAuthenticatedDataRequest) SigningBytes() []byte {
	return removeSigningBytes("remove", r.Meta.ClassName, r.ContentHash, r.Seq, r.Created, r.Version)
}

func (r *RemoveAuthenticatedDataRequest) IsSequenceNrInvalid(stored int32) bool {
	return r.Seq <= stored
}

// IsPublicKeyHashInvalid compares the remover key with the owner of the
// stored envelope.
func (r *RemoveAuthenticatedDataRequest) IsPublicKeyHashInvalid(stored *AuthenticatedData) bool {
	return security.KeyHash(r.OwnerPublicKey) != stored.HashOfPublicKey
}

func (r *RemoveAuthenticatedDataRequest) IsSignatureInvalid() bool {
	return !security.Verify(r.OwnerPublicKey, r.SigningBytes(), r.Signature)
}

// RefreshAuthenticatedDataRequest bumps the sequence number and creation
// time of stored data without resending it.
type RefreshAuthenticatedDataRequest struct {
	Meta           MetaData
	ContentHash    types.Hash
	OwnerPublicKey []byte
	Seq            int32
	Created        int64
	Signature      []byte
}

func NewRefreshAuthenticatedDataRequest(meta MetaData, hash types.Hash, keyPair *security.KeyPair, sequenceNumber int32, now time.Time) *RefreshAuthenticatedDataRequest {
	r := &RefreshAuthenticatedDataRequest{
		Meta:           meta,
		ContentHash:    hash,
		OwnerPublicKey: keyPair.PublicKeyBytes(),
		Seq:            sequenceNumber,
		Created:        nowMillis(now),
	}
	r.Signature = keyPair.Sign(r.SigningBytes())
	return r
}

func (r *RefreshAuthenticatedDataRequest) MetaData() MetaData    { return r.Meta }
func (r *RefreshAuthenticatedDataRequest) ClassName() string     { return r.Meta.ClassName }
func (r *RefreshAuthenticatedDataRequest) Hash() types.Hash      { return r.ContentHash }
func (r *RefreshAuthenticatedDataRequest) SequenceNumber() int32 { return r.Seq }
func (r *RefreshAuthenticatedDataRequest) CreatedAt() int64      { return r.Created }
func (r *RefreshAuthenticatedDataRequest) isDataRequest()        {}
func (r *RefreshAuthenticatedDataRequest) isAddDataRequest()     {}

func (r *RefreshAuthenticatedDataRequest) SigningBytes() []byte {
	return removeSigningBytes("refresh", r.Meta.ClassName, r.ContentHash, r.Seq, r.Created, RemoveVersionCurrent)
}

func (r *RefreshAuthenticatedDataRequest) IsSequenceNrInvalid(stored int32) bool {
	return r.Seq <= stored
}

func (r *RefreshAuthenticatedDataRequest) IsPublicKeyHashInvalid(stored *AuthenticatedData) bool {
	return security.KeyHash(r.OwnerPublicKey) != stored.HashOfPublicKey
}

func (r *RefreshAuthenticatedDataRequest) IsSignatureInvalid() bool {
	return !security.Verify(r.OwnerPublicKey, r.SigningBytes(), r.Signature)
}

// AddMailboxRequest publishes a mailbox payload signed by its sender.
type AddMailboxRequest struct {
	Data            *MailboxData
	Signature       []byte
	SenderPublicKey []byte
}

func NewAddMailboxRequest(payload MailboxPayload, sender *security.KeyPair, receiverPublicKey []byte, sequenceNumber int32, now time.Time) *AddMailboxRequest {
	data := &MailboxData{
		Payload:               payload,
		SequenceNumber:        sequenceNumber,
		SenderPublicKeyHash:   sender.PublicKeyHash(),
		ReceiverPublicKeyHash: security.KeyHash(receiverPublicKey),
		ReceiverPublicKey:     append([]byte(nil), receiverPublicKey...),
		Created:               nowMillis(now),
	}
	return &AddMailboxRequest{
		Data:            data,
		Signature:       sender.Sign(data.Serialize()),
		SenderPublicKey: sender.PublicKeyBytes(),
	}
}

func (r *AddMailboxRequest) MetaData() MetaData    { return r.Data.MetaData() }
func (r *AddMailboxRequest) ClassName() string     { return r.Data.MetaData().ClassName }
func (r *AddMailboxRequest) Hash() types.Hash      { return r.Data.ContentHash() }
func (r *AddMailboxRequest) SequenceNumber() int32 { return r.Data.SequenceNumber }
func (r *AddMailboxRequest) CreatedAt() int64      { return r.Data.Created }
func (r *AddMailboxRequest) isDataRequest()        {}
func (r *AddMailboxRequest) isAddDataRequest()     {}

func (r *AddMailboxRequest) IsPublicKeyInvalid() bool {
	return security.KeyHash(r.SenderPublicKey) != r.Data.SenderPublicKeyHash
}

func (r *AddMailboxRequest) IsSignatureInvalid() bool {
	return !security.Verify(r.SenderPublicKey, r.Data.Serialize(), r.Signature)
}

// RemoveMailboxRequest is issued by the receiver once a mailbox payload has
// been consumed.
type RemoveMailboxRequest struct {
	Meta              MetaData
	ContentHash       types.Hash
	ReceiverPublicKey []byte
	Seq               int32
	Created           int64
	Signature         []byte
	Version           int
}

func NewRemoveMailboxRequest(meta MetaData, hash types.Hash, receiver *security.KeyPair, sequenceNumber int32, now time.Time) *RemoveMailboxRequest {
	r := &RemoveMailboxRequest{
		Meta:              meta,
		ContentHash:       hash,
		ReceiverPublicKey: receiver.PublicKeyBytes(),
		Seq:               sequenceNumber,
		Created:           nowMillis(now),
		Version:           RemoveVersionCurrent,
	}
	r.Signature = receiver.Sign(r.SigningBytes())
	return r
}

func (r *RemoveMailboxRequest) Legacy(receiver *security.KeyPair) *RemoveMailboxRequest {
	clone := *r
	clone.ReceiverPublicKey = append([]byte(nil), r.ReceiverPublicKey...)
	clone.Version = RemoveVersionLegacy
	clone.Signature = receiver.Sign(clone.SigningBytes())
	return &clone
}

func (r *RemoveMailboxRequest) MetaData() MetaData    { return r.Meta }
func (r *RemoveMailboxRequest) ClassName() string     { return r.Meta.ClassName }
func (r *RemoveMailboxRequest) Hash() types.Hash      { return r.ContentHash }
func (r *RemoveMailboxRequest) SequenceNumber() int32 { return r.Seq }
func (r *RemoveMailboxRequest) CreatedAt() int64      { return r.Created }
func (r *RemoveMailboxRequest) isDataRequest()        {}
func (r *RemoveMailboxRequest) isRemoveDataRequest()  {}

func (r *RemoveMailboxRequest) SigningBytes() []byte {
	return removeSigningBytes("remove_mailbox", r.Meta.ClassName, r.ContentHash, r.Seq, r.Created, r.Version)
}

func (r *RemoveMailboxRequest) IsSequenceNrInvalid(stored int32) bool {
	return r.Seq <= stored
}

// IsPublicKeyHashInvalid checks that the remover is the receiver of the
// stored mailbox data.
func (r *RemoveMailboxRequest) IsPublicKeyHashInvalid(stored *MailboxData) bool {
	return security.KeyHash(r.ReceiverPublicKey) != stored.ReceiverPublicKeyHash
}

func (r *RemoveMailboxRequest) IsSignatureInvalid() bool {
	return !security.Verify(r.ReceiverPublicKey, r.SigningBytes(), r.Signature)
}

// AddAppendOnlyDataRequest carries an append-only payload. It has no owner
// and no sequence number.
type AddAppendOnlyDataRequest struct {
	Payload AppendOnlyPayload
	Created int64
}

func NewAddAppendOnlyDataRequest(payload AppendOnlyPayload, now time.Time) *AddAppendOnlyDataRequest {
	return &AddAppendOnlyDataRequest{Payload: payload, Created: nowMillis(now)}
}

func (r *AddAppendOnlyDataRequest) MetaData() MetaData    { return r.Payload.MetaData() }
func (r *AddAppendOnlyDataRequest) ClassName() string     { return r.Payload.MetaData().ClassName }
func (r *AddAppendOnlyDataRequest) Hash() types.Hash      { return security.Digest(r.Payload.Serialize()) }
func (r *AddAppendOnlyDataRequest) SequenceNumber() int32 { return 0 }
func (r *AddAppendOnlyDataRequest) CreatedAt() int64      { return r.Created }
func (r *AddAppendOnlyDataRequest) isDataRequest()        {}
func (r *AddAppendOnlyDataRequest) isAddDataRequest()     {}

func removeSigningBytes(kind, className string, hash types.Hash, seq int32, created int64, version int) []byte {
	if version == RemoveVersionLegacy {
		return wire.NewEncoder().
			Bytes(3, hash[:]).
			Int32(4, seq).
			Int64(5, created).
			Encode()
	}
	return wire.NewEncoder().
		String(1, kind).
		String(2, className).
		Bytes(3, hash[:]).
		Int32(4, seq).
		Int64(5, created).
		Encode()
}
