package storage

import (
	"datanet/pkg/types"
)

// AppendOnlyDataStore keeps append-only payloads of one class. Entries never
// age out; the store refuses new entries once it is full.
type AppendOnlyDataStore struct {
	*dataStore[*AddAppendOnlyDataRequest]
}

func NewAppendOnlyDataStore(meta MetaData, cfg StoreConfig) (*AppendOnlyDataStore, error) {
	return openAppendOnlyDataStore(meta.StoreKey(), meta, cfg)
}

func openAppendOnlyDataStore(storeKey string, meta MetaData, cfg StoreConfig) (*AppendOnlyDataStore, error) {
	base := newDataStore[*AddAppendOnlyDataRequest](types.StoreTypeAppendOnly, storeKey, meta, cfg)
	base.agePruned = false
	if err := base.load(); err != nil {
		return nil, err
	}
	base.Prune(base.cfg.Now())
	return &AppendOnlyDataStore{dataStore: base}, nil
}

func (s *AppendOnlyDataStore) Add(req *AddAppendOnlyDataRequest) Result {
	hash := req.Hash()

	s.mu.Lock()
	if _, ok := s.entries[hash]; ok {
		s.mu.Unlock()
		return s.observe(OpAdd, hash, failure(PayloadAlreadyStored))
	}
	if isFutureDated(req.Created, s.cfg.Now()) || req.Payload.IsDataInvalid() {
		s.mu.Unlock()
		return s.observe(OpAdd, hash, failure(DataInvalid))
	}
	if len(s.entries) >= s.cfg.MaxMapSize {
		s.mu.Unlock()
		return s.observe(OpAdd, hash, failure(MaxMapSizeReached))
	}
	s.entries[hash] = req
	s.mu.Unlock()

	s.persist()
	s.listeners.notify(s.logger, "OnAdded", func(l Listener) {
		l.OnAdded(Event{
			StoreType:  types.StoreTypeAppendOnly,
			StoreKey:   s.storeKey,
			Hash:       hash,
			AppendOnly: req.Payload,
		})
	})
	return s.observe(OpAdd, hash, success())
}

// GetAppendOnlyData returns the payload stored at hash.
func (s *AppendOnlyDataStore) GetAppendOnlyData(hash types.Hash) (AppendOnlyPayload, bool) {
	r, ok := s.Get(hash)
	if !ok {
		return nil, false
	}
	return r.Payload, true
}
