package storage

import (
	"bytes"
	"time"

	"datanet/pkg/types"

	"go.uber.org/zap"
)

// MailboxDataStore holds mailbox payloads of one class until their receiver
// removes them or they expire.
type MailboxDataStore struct {
	*dataStore[DataRequest]
}

func NewMailboxDataStore(meta MetaData, cfg StoreConfig) (*MailboxDataStore, error) {
	return openMailboxDataStore(meta.StoreKey(), meta, cfg)
}

func openMailboxDataStore(storeKey string, meta MetaData, cfg StoreConfig) (*MailboxDataStore, error) {
	base := newDataStore[DataRequest](types.StoreTypeMailbox, storeKey, meta, cfg)
	base.expired = func(r DataRequest, now time.Time) bool {
		if add, ok := r.(*AddMailboxRequest); ok {
			return add.Data.IsExpired(now)
		}
		return false
	}
	base.live = func(r DataRequest) bool {
		_, ok := r.(*AddMailboxRequest)
		return ok
	}
	base.removedEvent = func(hash types.Hash, r DataRequest) (Event, bool) {
		add, ok := r.(*AddMailboxRequest)
		if !ok {
			return Event{}, false
		}
		return mailboxEvent(storeKey, hash, add.Data), true
	}
	if err := base.load(); err != nil {
		return nil, err
	}
	base.Prune(base.cfg.Now())
	return &MailboxDataStore{dataStore: base}, nil
}

func (s *MailboxDataStore) Add(req *AddMailboxRequest) Result {
	hash := req.Hash()
	now := s.cfg.Now()

	s.mu.Lock()
	if existing, ok := s.entries[hash]; ok && !isForeignTombstone(existing, req.Data.ReceiverPublicKeyHash) &&
		req.Data.IsSequenceNrInvalid(existing.SequenceNumber()) {
		s.mu.Unlock()
		return s.observe(OpAdd, hash, failure(SequenceNumberInvalid))
	}

	var reason Reason
	switch {
	case req.Data.IsExpired(now):
		reason = Expired
	case isFutureDated(req.Data.Created, now), req.Data.IsDataInvalid():
		reason = DataInvalid
	case req.IsPublicKeyInvalid():
		reason = PublicKeyInvalid
	case req.IsSignatureInvalid():
		reason = SignatureInvalid
	}
	if reason != ReasonNone {
		s.mu.Unlock()
		return s.observe(OpAdd, hash, failure(reason))
	}

	pruned, kept := s.insertLocked(hash, req, now)
	s.mu.Unlock()

	s.afterPrune(pruned)
	s.persist()
	if !kept {
		return s.observe(OpAdd, hash, failure(MaxMapSizeReached))
	}
	s.listeners.notify(s.logger, "OnAdded", func(l Listener) {
		l.OnAdded(s.event(hash, req.Data))
	})
	return s.observe(OpAdd, hash, success())
}

// Remove is authorised by the receiver key of the stored mailbox data.
func (s *MailboxDataStore) Remove(req *RemoveMailboxRequest) Result {
	hash := req.Hash()
	now := s.cfg.Now()

	s.mu.Lock()
	existing, ok := s.entries[hash]
	if !ok {
		var reason Reason
		switch {
		case isFutureDated(req.Created, now):
			reason = DataInvalid
		case req.IsSignatureInvalid():
			reason = SignatureInvalid
		}
		if reason != ReasonNone {
			s.mu.Unlock()
			return s.observe(OpRemove, hash, failure(reason))
		}
		pruned, kept := s.insertLocked(hash, req, now)
		s.mu.Unlock()
		s.afterPrune(pruned)
		s.persist()
		return s.observe(OpRemove, hash, Result{Reason: NoEntry, Stored: kept})
	}

	add, isAdd := existing.(*AddMailboxRequest)
	if !isAdd {
		if req.IsSequenceNrInvalid(existing.SequenceNumber()) {
			s.mu.Unlock()
			return s.observe(OpRemove, hash, failure(AlreadyRemoved))
		}
		prior, _ := existing.(*RemoveMailboxRequest)
		var reason Reason
		switch {
		case isFutureDated(req.Created, now):
			reason = DataInvalid
		case prior != nil && !bytes.Equal(prior.ReceiverPublicKey, req.ReceiverPublicKey):
			reason = PublicKeyInvalid
		case req.IsSignatureInvalid():
			reason = SignatureInvalid
		}
		if reason != ReasonNone {
			s.mu.Unlock()
			return s.observe(OpRemove, hash, failure(reason))
		}
		s.entries[hash] = req
		s.mu.Unlock()
		s.persist()
		return s.observe(OpRemove, hash, Result{Reason: AlreadyRemoved, Stored: true})
	}

	var reason Reason
	switch {
	case req.IsSequenceNrInvalid(add.SequenceNumber()):
		reason = SequenceNumberInvalid
	case isFutureDated(req.Created, now):
		reason = DataInvalid
	case req.IsPublicKeyHashInvalid(add.Data):
		reason = PublicKeyInvalid
	case req.IsSignatureInvalid():
		reason = SignatureInvalid
	}
	if reason != ReasonNone {
		s.mu.Unlock()
		return s.observe(OpRemove, hash, failure(reason))
	}

	// Senders control the meta data of the payload, receivers only name it.
	stored := add.Data.MetaData()
	if req.Meta != stored {
		s.logger.Warn("Remove request meta data differs from stored meta data",
			zap.String("hash", hash.String()),
			zap.String("request_class", req.Meta.ClassName),
			zap.String("stored_class", stored.ClassName))
		tombstone := *req
		tombstone.Meta = stored
		req = &tombstone
	}
	s.entries[hash] = req
	s.mu.Unlock()

	s.persist()
	s.listeners.notify(s.logger, "OnRemoved", func(l Listener) {
		l.OnRemoved(s.event(hash, add.Data))
	})
	return s.observe(OpRemove, hash, success())
}

// GetMailboxData returns the live mailbox envelope at hash.
func (s *MailboxDataStore) GetMailboxData(hash types.Hash) (*MailboxData, bool) {
	r, ok := s.Get(hash)
	if !ok {
		return nil, false
	}
	add, ok := r.(*AddMailboxRequest)
	if !ok {
		return nil, false
	}
	return add.Data, true
}

func (s *MailboxDataStore) event(hash types.Hash, data *MailboxData) Event {
	return mailboxEvent(s.storeKey, hash, data)
}

func mailboxEvent(storeKey string, hash types.Hash, data *MailboxData) Event {
	return Event{
		StoreType: types.StoreTypeMailbox,
		StoreKey:  storeKey,
		Hash:      hash,
		Mailbox:   data,
	}
}
