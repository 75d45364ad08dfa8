package storage

import (
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"datanet/pkg/persistence"
	"datanet/pkg/security"
	"datanet/pkg/types"

	"go.uber.org/zap"
)

// StoreConfig carries the dependencies and limits shared by every store.
type StoreConfig struct {
	// Dir is the directory holding the store file. Empty keeps the store in
	// memory only.
	Dir             string
	MaxMapSize      int
	MaxAge          time.Duration
	PersistInterval time.Duration

	Registry *Registry
	Roles    security.RoleRegistry
	Observer Observer
	Logger   *zap.Logger
	Now      func() time.Time
}

func (c StoreConfig) withDefaults() StoreConfig {
	if c.MaxMapSize <= 0 {
		c.MaxMapSize = MaxMapSize
	}
	if c.MaxAge <= 0 {
		c.MaxAge = MaxAge
	}
	if c.Registry == nil {
		c.Registry = NewRegistry()
	}
	if c.Observer == nil {
		c.Observer = nopObserver{}
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}

// persistedStore is the on-disk layout of one store file.
type persistedStore struct {
	StoreKey  string           `msgpack:"store_key"`
	StoreType int              `msgpack:"store_type"`
	Meta      []byte           `msgpack:"meta"`
	Entries   []persistedEntry `msgpack:"entries"`
}

type persistedEntry struct {
	Hash    []byte `msgpack:"hash"`
	Request []byte `msgpack:"request"`
}

// ReadStoreFile loads a persisted store file without opening a store. It is
// used by offline tooling.
func ReadStoreFile(path string, registry *Registry) (MetaData, map[types.Hash]DataRequest, error) {
	ps, ok, err := persistence.NewFile[persistedStore](path).Read()
	if err != nil {
		return MetaData{}, nil, err
	}
	if !ok {
		return MetaData{}, nil, fmt.Errorf("store file %s not found", path)
	}
	meta, err := DecodeMetaData(ps.Meta)
	if err != nil {
		return MetaData{}, nil, fmt.Errorf("failed to decode meta data: %w", err)
	}
	entries := make(map[types.Hash]DataRequest, len(ps.Entries))
	for _, e := range ps.Entries {
		hash, err := types.HashFromBytes(e.Hash)
		if err != nil {
			continue
		}
		req, err := registry.DecodeRequest(e.Request)
		if err != nil {
			continue
		}
		entries[hash] = req
	}
	return meta, entries, nil
}

// dataStore is the map, lock, persistence and pruning shared by the three
// store kinds.
type dataStore[R DataRequest] struct {
	storeType types.StoreType
	storeKey  string
	cfg       StoreConfig
	logger    *zap.Logger

	mu      sync.Mutex
	meta    MetaData
	entries map[types.Hash]R

	// expired reports entries pruning must drop regardless of age.
	expired func(r R, now time.Time) bool
	// agePruned is false for stores whose entries never age out.
	agePruned bool
	// live is false for tombstones. Over capacity, tombstones go first.
	live func(r R) bool
	// invalid reports stored entries that no longer validate, e.g.
	// authorized data whose signer lost its role.
	invalid func(r R) bool
	// removedEvent builds the OnRemoved event for a pruned live entry.
	removedEvent func(hash types.Hash, r R) (Event, bool)

	file      *persistence.File[persistedStore]
	writer    *persistence.Writer
	listeners listenerSet
}

func newDataStore[R DataRequest](storeType types.StoreType, storeKey string, meta MetaData, cfg StoreConfig) *dataStore[R] {
	cfg = cfg.withDefaults()
	s := &dataStore[R]{
		storeType: storeType,
		storeKey:  storeKey,
		cfg:       cfg,
		logger:    cfg.Logger.With(zap.String("store", storeKey), zap.String("type", storeType.String())),
		meta:      meta,
		entries:   make(map[types.Hash]R),
		expired:   func(R, time.Time) bool { return false },
		agePruned: true,
		live:      func(R) bool { return true },
		invalid:   func(R) bool { return false },
	}
	if cfg.Dir != "" {
		s.file = persistence.NewFile[persistedStore](filepath.Join(cfg.Dir, storeKey+persistence.Extension))
		s.writer = persistence.NewWriter(cfg.PersistInterval, s.flush, s.logger)
	}
	return s
}

// load reads the persisted map. Entries that fail to decode are skipped.
func (s *dataStore[R]) load() error {
	if s.file == nil {
		return nil
	}
	ps, ok, err := s.file.Read()
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}

	if s.meta.ClassName == "" && len(ps.Meta) > 0 {
		meta, err := DecodeMetaData(ps.Meta)
		if err != nil {
			return fmt.Errorf("failed to decode meta data: %w", err)
		}
		s.meta = meta
	}

	skipped := 0
	s.mu.Lock()
	for _, e := range ps.Entries {
		hash, err := types.HashFromBytes(e.Hash)
		if err != nil {
			skipped++
			continue
		}
		req, err := s.cfg.Registry.DecodeRequest(e.Request)
		if err != nil {
			skipped++
			continue
		}
		typed, ok := req.(R)
		if !ok {
			skipped++
			continue
		}
		s.entries[hash] = typed
	}
	loaded := len(s.entries)
	s.mu.Unlock()

	if skipped > 0 {
		s.logger.Warn("Skipped undecodable persisted entries", zap.Int("skipped", skipped))
	}
	s.logger.Info("Loaded persisted store", zap.Int("entries", loaded))
	return nil
}

func (s *dataStore[R]) flush() error {
	if s.file == nil {
		return nil
	}
	s.mu.Lock()
	ps := persistedStore{
		StoreKey:  s.storeKey,
		StoreType: int(s.storeType),
		Meta:      EncodeMetaData(s.meta),
		Entries:   make([]persistedEntry, 0, len(s.entries)),
	}
	for hash, req := range s.entries {
		ps.Entries = append(ps.Entries, persistedEntry{Hash: hash.Bytes(), Request: EncodeRequest(req)})
	}
	s.mu.Unlock()

	sort.Slice(ps.Entries, func(i, j int) bool {
		return string(ps.Entries[i].Hash) < string(ps.Entries[j].Hash)
	})
	return s.file.Write(ps)
}

func (s *dataStore[R]) persist() {
	if s.writer != nil {
		s.writer.Request()
	}
	s.mu.Lock()
	n := len(s.entries)
	s.mu.Unlock()
	s.cfg.Observer.ObserveSize(s.storeKey, n)
}

// pruneResult reports what a prune pass dropped.
type pruneResult struct {
	count int
	// removed holds the events of dropped live entries.
	removed []Event
}

// pruneLocked drops entries older than MaxAge, expired entries and entries
// dated beyond the allowed clock skew, then keeps MaxMapSize entries with
// live data before tombstones and newest first. With revalidate set, stored
// entries are also checked against the current authorization state.
// Callers hold s.mu.
func (s *dataStore[R]) pruneLocked(now time.Time, revalidate bool) pruneResult {
	before := len(s.entries)
	maxAgeMs := s.cfg.MaxAge.Milliseconds()
	nowMs := now.UnixMilli()

	var res pruneResult
	drop := func(hash types.Hash, req R) {
		if s.removedEvent == nil || !s.live(req) {
			return
		}
		if e, ok := s.removedEvent(hash, req); ok {
			res.removed = append(res.removed, e)
		}
	}

	type kv struct {
		hash types.Hash
		req  R
	}
	kept := make([]kv, 0, len(s.entries))
	for hash, req := range s.entries {
		switch {
		case s.agePruned && nowMs-req.CreatedAt() > maxAgeMs,
			isFutureDated(req.CreatedAt(), now),
			s.expired(req, now),
			revalidate && s.invalid(req):
			drop(hash, req)
			continue
		}
		kept = append(kept, kv{hash, req})
	}

	if len(kept) > s.cfg.MaxMapSize {
		sort.Slice(kept, func(i, j int) bool {
			li, lj := s.live(kept[i].req), s.live(kept[j].req)
			if li != lj {
				return li
			}
			return kept[i].req.CreatedAt() > kept[j].req.CreatedAt()
		})
		for _, e := range kept[s.cfg.MaxMapSize:] {
			drop(e.hash, e.req)
		}
		kept = kept[:s.cfg.MaxMapSize]
	}

	res.count = before - len(kept)
	if res.count == 0 {
		return res
	}
	s.entries = make(map[types.Hash]R, len(kept))
	for _, e := range kept {
		s.entries[e.hash] = e.req
	}
	return res
}

// afterPrune reports a prune pass. Callers must not hold s.mu.
func (s *dataStore[R]) afterPrune(res pruneResult) {
	if res.count == 0 {
		return
	}
	s.cfg.Observer.ObservePruned(s.storeKey, res.count)
	for _, e := range res.removed {
		e := e
		s.listeners.notify(s.logger, "OnRemoved", func(l Listener) {
			l.OnRemoved(e)
		})
	}
}

// Prune applies the retention rules and persists when entries were dropped.
func (s *dataStore[R]) Prune(now time.Time) int {
	s.mu.Lock()
	res := s.pruneLocked(now, true)
	s.mu.Unlock()

	if res.count > 0 {
		s.logger.Info("Pruned store",
			zap.Int("removed", res.count),
			zap.Int("live_removed", len(res.removed)))
		s.afterPrune(res)
		s.persist()
	}
	return res.count
}

// enforceCapacityLocked prunes inline when a write pushed the map over its
// bound.
func (s *dataStore[R]) enforceCapacityLocked(now time.Time) pruneResult {
	if len(s.entries) <= s.cfg.MaxMapSize {
		return pruneResult{}
	}
	return s.pruneLocked(now, false)
}

// insertLocked stores req at hash and enforces the capacity bound. It reports
// false when the bound evicted req itself. An evicted req was never visible,
// so only the entry it displaced is reported as removed. Callers hold s.mu.
func (s *dataStore[R]) insertLocked(hash types.Hash, req R, now time.Time) (pruneResult, bool) {
	prev, hadPrev := s.entries[hash]
	s.entries[hash] = req
	res := s.enforceCapacityLocked(now)
	if _, kept := s.entries[hash]; kept {
		return res, true
	}
	removed := res.removed[:0]
	for _, e := range res.removed {
		if e.Hash != hash {
			removed = append(removed, e)
		}
	}
	res.removed = removed
	if hadPrev && s.live(prev) && s.removedEvent != nil {
		if e, ok := s.removedEvent(hash, prev); ok {
			res.removed = append(res.removed, e)
		}
	}
	return res, false
}

func (s *dataStore[R]) StoreKey() string {
	return s.storeKey
}

func (s *dataStore[R]) StoreType() types.StoreType {
	return s.storeType
}

func (s *dataStore[R]) MetaData() MetaData {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.meta
}

func (s *dataStore[R]) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Get returns the request stored at hash.
func (s *dataStore[R]) Get(hash types.Hash) (R, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.entries[hash]
	return r, ok
}

// Snapshot copies the current map.
func (s *dataStore[R]) Snapshot() map[types.Hash]R {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[types.Hash]R, len(s.entries))
	for k, v := range s.entries {
		out[k] = v
	}
	return out
}

// Requests copies the current map as plain requests.
func (s *dataStore[R]) Requests() map[types.Hash]DataRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[types.Hash]DataRequest, len(s.entries))
	for k, v := range s.entries {
		out[k] = v
	}
	return out
}

// GetSequenceNumber returns the sequence number stored at hash, 0 if none.
func (s *dataStore[R]) GetSequenceNumber(hash types.Hash) int32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.entries[hash]; ok {
		return r.SequenceNumber()
	}
	return 0
}

// FilterEntries lists the (hash, sequence number) pairs held by this store.
func (s *dataStore[R]) FilterEntries() []FilterEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]FilterEntry, 0, len(s.entries))
	for hash, req := range s.entries {
		out = append(out, FilterEntry{Hash: hash, SequenceNumber: req.SequenceNumber()})
	}
	return out
}

// GetInventory returns what the filter's owner is missing, capped at
// MetaData.MaxInventoryItems.
func (s *dataStore[R]) GetInventory(filter DataFilter) Inventory {
	index := filter.index()

	s.mu.Lock()
	missing := missingEntries(s.entries, index)
	maxItems := s.meta.MaxInventoryItems()
	s.mu.Unlock()

	sortForInventory(missing)
	if maxItems <= 0 {
		maxItems = len(missing)
	}
	selected := page(missing, filter.Offset, filter.Range, maxItems)

	inv := Inventory{
		Entries:    make([]DataRequest, 0, len(selected)),
		NumDropped: len(missing) - len(selected),
	}
	for _, r := range selected {
		inv.Entries = append(inv.Entries, r)
	}
	return inv
}

func (s *dataStore[R]) AddListener(l Listener) {
	s.listeners.add(l)
}

func (s *dataStore[R]) RemoveListener(l Listener) {
	s.listeners.remove(l)
}

func (s *dataStore[R]) observe(op string, hash types.Hash, res Result) Result {
	s.cfg.Observer.ObserveResult(s.storeKey, op, res)
	if res.Reason.IsSevere() {
		s.logger.Warn("Rejected request",
			zap.String("op", op),
			zap.String("hash", hash.String()),
			zap.String("reason", res.Reason.String()))
	} else if !res.Accepted() {
		s.logger.Debug("Request not applied",
			zap.String("op", op),
			zap.String("hash", hash.String()),
			zap.String("reason", res.Reason.String()))
	}
	return res
}

// Shutdown flushes pending writes and drops listeners.
func (s *dataStore[R]) Shutdown() {
	if s.writer != nil {
		s.writer.Close()
	}
	s.listeners.clear()
}
