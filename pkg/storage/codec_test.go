package storage

import (
	"testing"

	"datanet/pkg/security"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRequestEncodingPreservesSignatures(t *testing.T) {
	clock := newTestClock()
	owner := newKeyPair(t)
	receiver := newKeyPair(t)
	registry := testRegistry()

	note := &testNote{Text: "wire"}
	letter := &testLetter{Sender: owner.PublicKeyHash(), Body: []byte("box")}
	notice := NewAuthorizedData(&testNotice{Headline: "wire", StaticKeys: [][]byte{owner.PublicKeyBytes()}}, owner)

	type verifiable interface {
		IsSignatureInvalid() bool
	}

	tests := []struct {
		name string
		req  DataRequest
	}{
		{"add authenticated", NewAddAuthenticatedDataRequest(note, owner, 3, clock.Now())},
		{"add authorized", NewAddAuthenticatedDataRequest(notice, owner, 1, clock.Now())},
		{"remove authenticated", NewRemoveAuthenticatedDataRequest(noteMeta, security.Digest(note.Serialize()), owner, 4, clock.Now())},
		{"legacy remove", NewRemoveAuthenticatedDataRequest(noteMeta, security.Digest(note.Serialize()), owner, 4, clock.Now()).Legacy(owner)},
		{"refresh", NewRefreshAuthenticatedDataRequest(noteMeta, security.Digest(note.Serialize()), owner, 5, clock.Now())},
		{"add mailbox", NewAddMailboxRequest(letter, owner, receiver.PublicKeyBytes(), 1, clock.Now())},
		{"remove mailbox", NewRemoveMailboxRequest(letterMeta, security.Digest(letter.Serialize()), receiver, 2, clock.Now())},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			decoded, err := registry.DecodeRequest(EncodeRequest(tt.req))
			require.NoError(t, err)

			assert.IsType(t, tt.req, decoded)
			assert.Equal(t, tt.req.Hash(), decoded.Hash())
			assert.Equal(t, tt.req.SequenceNumber(), decoded.SequenceNumber())
			assert.Equal(t, tt.req.CreatedAt(), decoded.CreatedAt())
			assert.Equal(t, tt.req.MetaData(), decoded.MetaData())
			assert.Equal(t, EncodeRequest(tt.req), EncodeRequest(decoded))

			if v, ok := decoded.(verifiable); ok {
				assert.False(t, v.IsSignatureInvalid())
			}
		})
	}
}

func TestDecodeAuthorizedDataKeepsAuthorization(t *testing.T) {
	clock := newTestClock()
	owner := newKeyPair(t)
	registry := testRegistry()

	ad := NewAuthorizedData(&testNotice{Headline: "static", StaticKeys: [][]byte{owner.PublicKeyBytes()}}, owner)
	req := NewAddAuthenticatedDataRequest(ad, owner, 1, clock.Now())

	decoded, err := registry.DecodeRequest(EncodeRequest(req))
	require.NoError(t, err)
	add := decoded.(*AddAuthenticatedDataRequest)
	_, ok := add.Data.Payload.(*AuthorizedData)
	require.True(t, ok)
	assert.False(t, add.Data.IsDataInvalid(nil))
}

func TestDecodeRequestErrors(t *testing.T) {
	registry := testRegistry()

	_, err := registry.DecodeRequest(nil)
	assert.Error(t, err)

	_, err = registry.DecodeRequest([]byte{0xff, 0xff})
	assert.Error(t, err)

	clock := newTestClock()
	owner := newKeyPair(t)
	encoded := EncodeRequest(NewAddAuthenticatedDataRequest(&testNote{Text: "x"}, owner, 1, clock.Now()))
	_, err = NewRegistry().DecodeRequest(encoded)
	assert.ErrorIs(t, err, ErrUnknownClass)
}

func TestInventoryEncodingSkipsUnknownClasses(t *testing.T) {
	clock := newTestClock()
	owner := newKeyPair(t)

	known := NewAddAuthenticatedDataRequest(&testNote{Text: "known"}, owner, 1, clock.Now())
	inv := Inventory{
		Entries:        []DataRequest{known, NewAddAppendOnlyDataRequest(&testRecord{Statement: "s"}, clock.Now())},
		NumDropped:     2,
		MaxSizeReached: true,
	}

	registry := NewRegistry()
	registry.Register(noteMeta.ClassName, testRegistry().decoders[noteMeta.ClassName])

	decoded, err := registry.DecodeInventory(EncodeInventory(inv))
	require.NoError(t, err)
	require.Len(t, decoded.Entries, 1)
	assert.Equal(t, known.Hash(), decoded.Entries[0].Hash())
	assert.Equal(t, 3, decoded.NumDropped)
	assert.True(t, decoded.MaxSizeReached)
}

func TestFilterEncoding(t *testing.T) {
	filter := DataFilter{
		Entries: []FilterEntry{
			{Hash: security.Digest([]byte("a")), SequenceNumber: 1},
			{Hash: security.Digest([]byte("b")), SequenceNumber: 9},
		},
		Offset: 10,
		Range:  20,
	}
	decoded, err := DecodeFilter(EncodeFilter(filter))
	require.NoError(t, err)
	assert.Equal(t, filter, decoded)

	oversized := DataFilter{Entries: make([]FilterEntry, DataFilterMaxEntries+1)}
	for i := range oversized.Entries {
		oversized.Entries[i].SequenceNumber = 1
	}
	_, err = DecodeFilter(EncodeFilter(oversized))
	assert.Error(t, err)
}

func TestStoreKeyFor(t *testing.T) {
	tests := []struct {
		class string
		want  string
	}{
		{"Note", "note"},
		{"AuthorizedBondedRole", "authorized_bonded_role"},
		{"MailboxMessage", "mailbox_message"},
		{"OfferV2", "offer_v2"},
		{"TLSInfo", "tls_info"},
	}
	for _, tt := range tests {
		t.Run(tt.class, func(t *testing.T) {
			assert.Equal(t, tt.want, StoreKeyFor(tt.class))
		})
	}
}
