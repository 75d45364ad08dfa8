package storage

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMailboxStore(t *testing.T) {
	clock := newTestClock()
	store, err := NewMailboxDataStore(letterMeta, testStoreConfig(t, clock))
	require.NoError(t, err)
	defer store.Shutdown()
	rec := &recorder{}
	store.AddListener(rec)

	sender := newKeyPair(t)
	receiver := newKeyPair(t)
	letter := &testLetter{Sender: sender.PublicKeyHash(), Body: []byte("sealed")}

	add := NewAddMailboxRequest(letter, sender, receiver.PublicKeyBytes(), 1, clock.Now())
	require.True(t, store.Add(add).Accepted())
	assert.Equal(t, SequenceNumberInvalid, store.Add(add).Reason)

	data, ok := store.GetMailboxData(add.Hash())
	require.True(t, ok)
	assert.Equal(t, receiver.PublicKeyHash(), data.ReceiverPublicKeyHash)

	// Only the receiver may remove the letter.
	bySender := NewRemoveMailboxRequest(letterMeta, add.Hash(), sender, 2, clock.Now())
	assert.Equal(t, PublicKeyInvalid, store.Remove(bySender).Reason)

	byReceiver := NewRemoveMailboxRequest(letterMeta, add.Hash(), receiver, 2, clock.Now())
	assert.True(t, store.Remove(byReceiver).Accepted())
	added, removed, _ := rec.counts()
	assert.Equal(t, 1, added)
	assert.Equal(t, 1, removed)

	_, ok = store.GetMailboxData(add.Hash())
	assert.False(t, ok)
}

func TestMailboxStoreAddValidation(t *testing.T) {
	clock := newTestClock()
	sender := newKeyPair(t)
	receiver := newKeyPair(t)
	impostor := newKeyPair(t)

	tests := []struct {
		name  string
		build func() *AddMailboxRequest
		want  Reason
	}{
		{
			name: "expired",
			build: func() *AddMailboxRequest {
				letter := &testLetter{Sender: sender.PublicKeyHash(), Body: []byte("old")}
				return NewAddMailboxRequest(letter, sender, receiver.PublicKeyBytes(), 1, clock.Now().Add(-2*time.Hour))
			},
			want: Expired,
		},
		{
			name: "payload claims another sender",
			build: func() *AddMailboxRequest {
				letter := &testLetter{Sender: impostor.PublicKeyHash(), Body: []byte("spoofed")}
				return NewAddMailboxRequest(letter, sender, receiver.PublicKeyBytes(), 1, clock.Now())
			},
			want: DataInvalid,
		},
		{
			name: "receiver key does not match its hash",
			build: func() *AddMailboxRequest {
				letter := &testLetter{Sender: sender.PublicKeyHash(), Body: []byte("misrouted")}
				req := NewAddMailboxRequest(letter, sender, receiver.PublicKeyBytes(), 1, clock.Now())
				req.Data.ReceiverPublicKey = impostor.PublicKeyBytes()
				return req
			},
			want: DataInvalid,
		},
		{
			name: "sender key does not match envelope",
			build: func() *AddMailboxRequest {
				letter := &testLetter{Sender: sender.PublicKeyHash(), Body: []byte("relayed")}
				req := NewAddMailboxRequest(letter, sender, receiver.PublicKeyBytes(), 1, clock.Now())
				req.SenderPublicKey = impostor.PublicKeyBytes()
				return req
			},
			want: PublicKeyInvalid,
		},
		{
			name: "bad signature",
			build: func() *AddMailboxRequest {
				letter := &testLetter{Sender: sender.PublicKeyHash(), Body: []byte("tampered")}
				req := NewAddMailboxRequest(letter, sender, receiver.PublicKeyBytes(), 1, clock.Now())
				req.Signature = impostor.Sign(req.Data.Serialize())
				return req
			},
			want: SignatureInvalid,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store, err := NewMailboxDataStore(letterMeta, testStoreConfig(t, clock))
			require.NoError(t, err)
			defer store.Shutdown()
			assert.Equal(t, tt.want, store.Add(tt.build()).Reason)
			assert.Equal(t, 0, store.Len())
		})
	}
}

func TestMailboxStoreRemoveOverridesMetaData(t *testing.T) {
	clock := newTestClock()
	store, err := NewMailboxDataStore(letterMeta, testStoreConfig(t, clock))
	require.NoError(t, err)
	defer store.Shutdown()

	sender := newKeyPair(t)
	receiver := newKeyPair(t)
	letter := &testLetter{Sender: sender.PublicKeyHash(), Body: []byte("meta")}
	add := NewAddMailboxRequest(letter, sender, receiver.PublicKeyBytes(), 1, clock.Now())
	require.True(t, store.Add(add).Accepted())

	wrongMeta := letterMeta
	wrongMeta.TTL = time.Minute
	remove := NewRemoveMailboxRequest(wrongMeta, add.Hash(), receiver, 2, clock.Now())
	require.True(t, store.Remove(remove).Accepted())

	stored, ok := store.Get(add.Hash())
	require.True(t, ok)
	assert.Equal(t, letterMeta, stored.MetaData())
}

func TestMailboxStoreRemoveBeforeAdd(t *testing.T) {
	clock := newTestClock()
	store, err := NewMailboxDataStore(letterMeta, testStoreConfig(t, clock))
	require.NoError(t, err)
	defer store.Shutdown()

	sender := newKeyPair(t)
	receiver := newKeyPair(t)
	letter := &testLetter{Sender: sender.PublicKeyHash(), Body: []byte("overtaken")}
	add := NewAddMailboxRequest(letter, sender, receiver.PublicKeyBytes(), 1, clock.Now())

	res := store.Remove(NewRemoveMailboxRequest(letterMeta, add.Hash(), receiver, 2, clock.Now()))
	assert.Equal(t, NoEntry, res.Reason)
	assert.True(t, res.Stored)
	assert.Equal(t, SequenceNumberInvalid, store.Add(add).Reason)
}

func TestMailboxStoreTombstoneBounds(t *testing.T) {
	clock := newTestClock()
	store, err := NewMailboxDataStore(letterMeta, testStoreConfig(t, clock))
	require.NoError(t, err)
	defer store.Shutdown()

	sender := newKeyPair(t)
	receiver := newKeyPair(t)
	stranger := newKeyPair(t)
	letter := &testLetter{Sender: sender.PublicKeyHash(), Body: []byte("guarded")}
	add := NewAddMailboxRequest(letter, sender, receiver.PublicKeyBytes(), 1, clock.Now())

	future := NewRemoveMailboxRequest(letterMeta, add.Hash(), receiver, 2, clock.Now().Add(time.Hour))
	assert.Equal(t, DataInvalid, store.Remove(future).Reason)

	forged := NewRemoveMailboxRequest(letterMeta, add.Hash(), receiver, 2, clock.Now())
	forged.Signature = stranger.Sign(forged.SigningBytes())
	assert.Equal(t, SignatureInvalid, store.Remove(forged).Reason)
	assert.Equal(t, 0, store.Len())

	// A tombstone by someone other than the receiver does not block delivery.
	planted := NewRemoveMailboxRequest(letterMeta, add.Hash(), stranger, 9, clock.Now())
	assert.Equal(t, NoEntry, store.Remove(planted).Reason)
	assert.True(t, store.Add(add).Accepted())

	lateLetter := NewAddMailboxRequest(&testLetter{Sender: sender.PublicKeyHash(), Body: []byte("late")}, sender, receiver.PublicKeyBytes(), 1, clock.Now().Add(time.Hour))
	assert.Equal(t, DataInvalid, store.Add(lateLetter).Reason)
}

func TestAppendOnlyStore(t *testing.T) {
	clock := newTestClock()
	cfg := testStoreConfig(t, clock)
	cfg.MaxMapSize = 2
	store, err := NewAppendOnlyDataStore(recordMeta, cfg)
	require.NoError(t, err)
	defer store.Shutdown()
	rec := &recorder{}
	store.AddListener(rec)

	first := NewAddAppendOnlyDataRequest(&testRecord{Statement: "first"}, clock.Now())
	assert.True(t, store.Add(first).Accepted())
	assert.Equal(t, PayloadAlreadyStored, store.Add(first).Reason)
	assert.Equal(t, DataInvalid, store.Add(NewAddAppendOnlyDataRequest(&testRecord{}, clock.Now())).Reason)
	assert.True(t, store.Add(NewAddAppendOnlyDataRequest(&testRecord{Statement: "second"}, clock.Now())).Accepted())
	assert.Equal(t, MaxMapSizeReached, store.Add(NewAddAppendOnlyDataRequest(&testRecord{Statement: "third"}, clock.Now())).Reason)

	added, _, _ := rec.counts()
	assert.Equal(t, 2, added)

	payload, ok := store.GetAppendOnlyData(first.Hash())
	require.True(t, ok)
	assert.Equal(t, "first", payload.(*testRecord).Statement)

	// Append-only entries never age out.
	clock.Advance(2 * MaxAge)
	assert.Equal(t, 0, store.Prune(clock.Now()))
	assert.Equal(t, 2, store.Len())
}
