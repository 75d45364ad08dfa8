package storage

import (
	"bytes"
	"time"

	"datanet/pkg/security"

	"datanet/pkg/types"
)

// AuthenticatedDataStore holds the authenticated and authorized data of one
// payload class. All mutations are serialised by the store lock.
type AuthenticatedDataStore struct {
	*dataStore[DataRequest]
}

// NewAuthenticatedDataStore opens the store for meta, loading and pruning
// its persisted map.
func NewAuthenticatedDataStore(meta MetaData, cfg StoreConfig) (*AuthenticatedDataStore, error) {
	return openAuthenticatedDataStore(meta.StoreKey(), meta, cfg)
}

func openAuthenticatedDataStore(storeKey string, meta MetaData, cfg StoreConfig) (*AuthenticatedDataStore, error) {
	base := newDataStore[DataRequest](types.StoreTypeAuthenticated, storeKey, meta, cfg)
	base.expired = func(r DataRequest, now time.Time) bool {
		if add, ok := r.(*AddAuthenticatedDataRequest); ok {
			return add.Data.IsExpired(now)
		}
		return false
	}
	base.live = func(r DataRequest) bool {
		_, ok := storedData(r)
		return ok
	}
	base.invalid = func(r DataRequest) bool {
		add, ok := storedData(r)
		if !ok {
			return false
		}
		ad, ok := add.Data.Payload.(*AuthorizedData)
		return ok && ad.IsAuthorizationInvalid(add.Data.HashOfPublicKey, base.cfg.Roles)
	}
	base.removedEvent = func(hash types.Hash, r DataRequest) (Event, bool) {
		add, ok := storedData(r)
		if !ok {
			return Event{}, false
		}
		return authenticatedEvent(storeKey, hash, add.Data), true
	}
	if err := base.load(); err != nil {
		return nil, err
	}
	base.Prune(base.cfg.Now())
	return &AuthenticatedDataStore{dataStore: base}, nil
}

// storedData returns the envelope behind an add or refreshed entry.
func storedData(r DataRequest) (*AddAuthenticatedDataRequest, bool) {
	add, ok := r.(*AddAuthenticatedDataRequest)
	return add, ok
}

// Add stores req after the ordered validity checks.
func (s *AuthenticatedDataStore) Add(req *AddAuthenticatedDataRequest) Result {
	hash := req.Hash()
	now := s.cfg.Now()

	s.mu.Lock()
	if existing, ok := s.entries[hash]; ok && !isForeignTombstone(existing, req.Data.HashOfPublicKey) &&
		req.Data.IsSequenceNrInvalid(existing.SequenceNumber()) {
		s.mu.Unlock()
		return s.observe(OpAdd, hash, failure(SequenceNumberInvalid))
	}
	if reason := s.validateAdd(req, now); reason != ReasonNone {
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

func (s *AuthenticatedDataStore) validateAdd(req *AddAuthenticatedDataRequest, now time.Time) Reason {
	switch {
	case req.Data.IsExpired(now):
		return Expired
	case isFutureDated(req.Data.Created, now), req.Data.IsDataInvalid(s.cfg.Roles):
		return DataInvalid
	case req.IsPublicKeyInvalid():
		return PublicKeyInvalid
	case req.IsSignatureInvalid():
		return SignatureInvalid
	default:
		return ReasonNone
	}
}

// Remove tombstones the entry at the request hash. Tombstones are also kept
// for unknown hashes and for already removed entries so that stale adds
// arriving later are rejected. Those bookkeeping tombstones stay local: the
// result is not accepted and is never propagated.
func (s *AuthenticatedDataStore) Remove(req *RemoveAuthenticatedDataRequest) Result {
	hash := req.Hash()
	now := s.cfg.Now()

	s.mu.Lock()
	existing, ok := s.entries[hash]
	if !ok {
		// No stored owner to check against, only the request itself.
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

	add, isAdd := storedData(existing)
	if !isAdd {
		if req.IsSequenceNrInvalid(existing.SequenceNumber()) {
			s.mu.Unlock()
			return s.observe(OpRemove, hash, failure(AlreadyRemoved))
		}
		prior, _ := existing.(*RemoveAuthenticatedDataRequest)
		var reason Reason
		switch {
		case isFutureDated(req.Created, now):
			reason = DataInvalid
		case prior != nil && !bytes.Equal(prior.OwnerPublicKey, req.OwnerPublicKey):
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
	s.entries[hash] = req
	s.mu.Unlock()

	s.persist()
	s.listeners.notify(s.logger, "OnRemoved", func(l Listener) {
		l.OnRemoved(s.event(hash, add.Data))
	})
	return s.observe(OpRemove, hash, success())
}

// Refresh bumps the sequence number and creation time of a stored entry.
// The stored payload, owner key and original signature are kept.
func (s *AuthenticatedDataStore) Refresh(req *RefreshAuthenticatedDataRequest) Result {
	hash := req.Hash()
	now := s.cfg.Now()

	s.mu.Lock()
	existing, ok := s.entries[hash]
	if !ok {
		s.mu.Unlock()
		return s.observe(OpRefresh, hash, failure(NoEntry))
	}
	add, isAdd := storedData(existing)
	if !isAdd {
		s.mu.Unlock()
		return s.observe(OpRefresh, hash, failure(AlreadyRemoved))
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
		return s.observe(OpRefresh, hash, failure(reason))
	}

	refreshed := &AddAuthenticatedDataRequest{
		Data: &AuthenticatedData{
			Payload:         add.Data.Payload,
			SequenceNumber:  req.Seq,
			HashOfPublicKey: add.Data.HashOfPublicKey,
			Created:         req.Created,
		},
		Signature:      add.Signature,
		OwnerPublicKey: add.OwnerPublicKey,
	}
	s.entries[hash] = refreshed
	s.mu.Unlock()

	s.persist()
	s.listeners.notify(s.logger, "OnRefreshed", func(l Listener) {
		l.OnRefreshed(s.event(hash, refreshed.Data))
	})
	return s.observe(OpRefresh, hash, success())
}

// GetAuthenticatedData returns the live envelope at hash. Tombstoned entries
// report false.
func (s *AuthenticatedDataStore) GetAuthenticatedData(hash types.Hash) (*AuthenticatedData, bool) {
	r, ok := s.Get(hash)
	if !ok {
		return nil, false
	}
	add, ok := storedData(r)
	if !ok {
		return nil, false
	}
	return add.Data, true
}

// IsRemoved reports whether hash is held as a tombstone.
func (s *AuthenticatedDataStore) IsRemoved(hash types.Hash) bool {
	r, ok := s.Get(hash)
	if !ok {
		return false
	}
	_, isAdd := storedData(r)
	return !isAdd
}

func (s *AuthenticatedDataStore) event(hash types.Hash, data *AuthenticatedData) Event {
	return authenticatedEvent(s.storeKey, hash, data)
}

func authenticatedEvent(storeKey string, hash types.Hash, data *AuthenticatedData) Event {
	return Event{
		StoreType:     types.StoreTypeAuthenticated,
		StoreKey:      storeKey,
		Hash:          hash,
		Authenticated: data,
	}
}

// isForeignTombstone reports a tombstone written by a key other than
// owner. Such a tombstone does not hold back adds by owner.
func isForeignTombstone(existing DataRequest, owner types.Hash) bool {
	switch r := existing.(type) {
	case *RemoveAuthenticatedDataRequest:
		return security.KeyHash(r.OwnerPublicKey) != owner
	case *RemoveMailboxRequest:
		return security.KeyHash(r.ReceiverPublicKey) != owner
	default:
		return false
	}
}
