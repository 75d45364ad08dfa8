package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"datanet/pkg/persistence"
	"datanet/pkg/security"
	"datanet/pkg/types"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// ErrShutdown is returned by operations on a service that has been shut down.
var ErrShutdown = errors.New("storage service is shut down")

// DefaultPruneInterval is how often StartPruning prunes every store.
const DefaultPruneInterval = time.Hour

// ServiceConfig configures the storage service.
type ServiceConfig struct {
	// DataDir is the node data directory. Stores are persisted below
	// <DataDir>/db/network. Empty keeps all stores in memory.
	DataDir          string
	MaxMapSize       int
	MaxAge           time.Duration
	PersistInterval  time.Duration
	InventoryMaxSize int

	Roles    security.RoleRegistry
	Observer Observer
	Now      func() time.Time
}

// Store is the part of every store kind the service works with generically.
type Store interface {
	StoreKey() string
	StoreType() types.StoreType
	MetaData() MetaData
	Len() int
	Requests() map[types.Hash]DataRequest
	GetSequenceNumber(hash types.Hash) int32
	FilterEntries() []FilterEntry
	GetInventory(filter DataFilter) Inventory
	Prune(now time.Time) int
	AddListener(l Listener)
	RemoveListener(l Listener)
	Shutdown()
}

// Service owns one store per payload class and store type and fans out
// their events.
type Service struct {
	cfg      ServiceConfig
	registry *Registry
	logger   *zap.Logger

	mu            sync.RWMutex
	authenticated map[string]*AuthenticatedDataStore
	mailbox       map[string]*MailboxDataStore
	appendOnly    map[string]*AppendOnlyDataStore
	shutdown      bool

	group     singleflight.Group
	listeners listenerSet
	relay     *relayListener

	pruneOnce sync.Once
	stopCh    chan struct{}
	pruneDone chan struct{}
}

// NewService creates the service and eagerly opens every persisted store.
// A store that fails to load is logged and skipped.
func NewService(cfg ServiceConfig, registry *Registry, logger *zap.Logger) (*Service, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if registry == nil {
		registry = NewRegistry()
	}
	if cfg.InventoryMaxSize <= 0 {
		cfg.InventoryMaxSize = InventoryMaxSize
	}
	if cfg.Observer == nil {
		cfg.Observer = nopObserver{}
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	s := &Service{
		cfg:           cfg,
		registry:      registry,
		logger:        logger.Named("storage"),
		authenticated: make(map[string]*AuthenticatedDataStore),
		mailbox:       make(map[string]*MailboxDataStore),
		appendOnly:    make(map[string]*AppendOnlyDataStore),
		stopCh:        make(chan struct{}),
		pruneDone:     make(chan struct{}),
	}
	s.relay = &relayListener{service: s}

	if cfg.DataDir != "" {
		for _, st := range types.StoreTypes {
			dir := s.storeDir(st)
			if err := os.MkdirAll(dir, 0755); err != nil {
				return nil, fmt.Errorf("failed to create store directory: %w", err)
			}
			s.loadPersisted(st, dir)
		}
	}
	return s, nil
}

func (s *Service) storeDir(st types.StoreType) string {
	if s.cfg.DataDir == "" {
		return ""
	}
	return StoreDir(s.cfg.DataDir, st)
}

// Registry returns the payload registry used to decode persisted requests.
func (s *Service) Registry() *Registry {
	return s.registry
}

// StoreDir is the directory holding persisted stores of type st.
func StoreDir(dataDir string, st types.StoreType) string {
	return filepath.Join(dataDir, "db", "network", st.Dir())
}

func (s *Service) storeConfig(st types.StoreType) StoreConfig {
	return StoreConfig{
		Dir:             s.storeDir(st),
		MaxMapSize:      s.cfg.MaxMapSize,
		MaxAge:          s.cfg.MaxAge,
		PersistInterval: s.cfg.PersistInterval,
		Registry:        s.registry,
		Roles:           s.cfg.Roles,
		Observer:        s.cfg.Observer,
		Logger:          s.logger,
		Now:             s.cfg.Now,
	}
}

func (s *Service) loadPersisted(st types.StoreType, dir string) {
	keys, err := persistence.List(dir)
	if err != nil {
		s.logger.Error("Failed to list persisted stores", zap.String("dir", dir), zap.Error(err))
		return
	}

	for _, key := range keys {
		cfg := s.storeConfig(st)
		var openErr error
		switch st {
		case types.StoreTypeAuthenticated:
			var store *AuthenticatedDataStore
			if store, openErr = openAuthenticatedDataStore(key, MetaData{}, cfg); openErr == nil {
				store.AddListener(s.relay)
				s.authenticated[key] = store
			}
		case types.StoreTypeMailbox:
			var store *MailboxDataStore
			if store, openErr = openMailboxDataStore(key, MetaData{}, cfg); openErr == nil {
				store.AddListener(s.relay)
				s.mailbox[key] = store
			}
		case types.StoreTypeAppendOnly:
			var store *AppendOnlyDataStore
			if store, openErr = openAppendOnlyDataStore(key, MetaData{}, cfg); openErr == nil {
				store.AddListener(s.relay)
				s.appendOnly[key] = store
			}
		}
		if openErr != nil {
			s.logger.Error("Failed to load persisted store",
				zap.String("store", key),
				zap.String("type", st.String()),
				zap.Error(openErr))
		}
	}
}

// GetOrCreateAuthenticatedDataStore returns the store for meta, creating it
// on first use.
func (s *Service) GetOrCreateAuthenticatedDataStore(ctx context.Context, meta MetaData) (*AuthenticatedDataStore, error) {
	return getOrCreate(ctx, s, types.StoreTypeAuthenticated, meta, s.authenticated,
		func(cfg StoreConfig) (*AuthenticatedDataStore, error) {
			return NewAuthenticatedDataStore(meta, cfg)
		})
}

func (s *Service) GetOrCreateMailboxDataStore(ctx context.Context, meta MetaData) (*MailboxDataStore, error) {
	return getOrCreate(ctx, s, types.StoreTypeMailbox, meta, s.mailbox,
		func(cfg StoreConfig) (*MailboxDataStore, error) {
			return NewMailboxDataStore(meta, cfg)
		})
}

func (s *Service) GetOrCreateAppendOnlyDataStore(ctx context.Context, meta MetaData) (*AppendOnlyDataStore, error) {
	return getOrCreate(ctx, s, types.StoreTypeAppendOnly, meta, s.appendOnly,
		func(cfg StoreConfig) (*AppendOnlyDataStore, error) {
			return NewAppendOnlyDataStore(meta, cfg)
		})
}

func getOrCreate[S Store](ctx context.Context, s *Service, st types.StoreType, meta MetaData, stores map[string]S, create func(StoreConfig) (S, error)) (S, error) {
	var zero S
	if err := meta.Validate(); err != nil {
		return zero, err
	}
	key := meta.StoreKey()

	s.mu.RLock()
	if s.shutdown {
		s.mu.RUnlock()
		return zero, ErrShutdown
	}
	store, ok := stores[key]
	s.mu.RUnlock()
	if ok {
		return store, nil
	}

	ch := s.group.DoChan(st.String()+"/"+key, func() (interface{}, error) {
		s.mu.RLock()
		existing, ok := stores[key]
		s.mu.RUnlock()
		if ok {
			return existing, nil
		}

		created, err := create(s.storeConfig(st))
		if err != nil {
			return nil, fmt.Errorf("failed to create %s store %s: %w", st, key, err)
		}

		s.mu.Lock()
		defer s.mu.Unlock()
		if s.shutdown {
			created.Shutdown()
			return nil, ErrShutdown
		}
		created.AddListener(s.relay)
		stores[key] = created
		s.logger.Info("Created store", zap.String("store", key), zap.String("type", st.String()))
		return created, nil
	})

	select {
	case <-ctx.Done():
		return zero, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return zero, res.Err
		}
		return res.Val.(S), nil
	}
}

// Stores returns every open store sorted by type and key.
func (s *Service) Stores() []Store {
	s.mu.RLock()
	out := make([]Store, 0, len(s.authenticated)+len(s.mailbox)+len(s.appendOnly))
	for _, st := range s.authenticated {
		out = append(out, st)
	}
	for _, st := range s.mailbox {
		out = append(out, st)
	}
	for _, st := range s.appendOnly {
		out = append(out, st)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].StoreType() != out[j].StoreType() {
			return out[i].StoreType() < out[j].StoreType()
		}
		return out[i].StoreKey() < out[j].StoreKey()
	})
	return out
}

// FindStore looks up an open store by type and key.
func (s *Service) FindStore(st types.StoreType, key string) (Store, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	switch st {
	case types.StoreTypeAuthenticated:
		store, ok := s.authenticated[key]
		return store, ok
	case types.StoreTypeMailbox:
		store, ok := s.mailbox[key]
		return store, ok
	case types.StoreTypeAppendOnly:
		store, ok := s.appendOnly[key]
		return store, ok
	}
	return nil, false
}

// FilterEntries builds the filter describing everything held locally,
// bounded by DataFilterMaxEntries.
func (s *Service) FilterEntries() DataFilter {
	var entries []FilterEntry
	for _, store := range s.Stores() {
		entries = append(entries, store.FilterEntries()...)
		if len(entries) >= DataFilterMaxEntries {
			entries = entries[:DataFilterMaxEntries]
			s.logger.Debug("Truncated data filter", zap.Int("max_entries", DataFilterMaxEntries))
			break
		}
	}
	return DataFilter{Entries: entries}
}

// GetInventory collects what the filter's owner is missing from every store.
// Adds precede removals, higher priority classes precede lower ones and the
// response is cut once its encoded size exceeds the inventory byte budget.
func (s *Service) GetInventory(filter DataFilter) Inventory {
	var all []DataRequest
	dropped := 0
	for _, store := range s.Stores() {
		inv := store.GetInventory(filter)
		all = append(all, inv.Entries...)
		dropped += inv.NumDropped
	}

	sort.SliceStable(all, func(i, j int) bool {
		ai, aj := isAdd(all[i]), isAdd(all[j])
		if ai != aj {
			return ai
		}
		pi, pj := all[i].MetaData().Priority, all[j].MetaData().Priority
		if pi != pj {
			return pi > pj
		}
		return all[i].CreatedAt() > all[j].CreatedAt()
	})

	inv := Inventory{Entries: make([]DataRequest, 0, len(all))}
	size := 0
	for i, req := range all {
		n := len(EncodeRequest(req))
		if size+n > s.cfg.InventoryMaxSize {
			inv.MaxSizeReached = true
			dropped += len(all) - i
			break
		}
		size += n
		inv.Entries = append(inv.Entries, req)
	}
	inv.NumDropped = dropped
	return inv
}

// PruneAll prunes every store and returns the total number of dropped
// entries.
func (s *Service) PruneAll(now time.Time) int {
	total := 0
	for _, store := range s.Stores() {
		total += store.Prune(now)
	}
	return total
}

// StartPruning prunes every store at the given interval until Shutdown.
func (s *Service) StartPruning(interval time.Duration) {
	if interval <= 0 {
		interval = DefaultPruneInterval
	}
	s.pruneOnce.Do(func() {
		go s.pruneLoop(interval)
	})
}

func (s *Service) pruneLoop(interval time.Duration) {
	defer close(s.pruneDone)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if n := s.PruneAll(s.cfg.Now()); n > 0 {
				s.logger.Info("Pruned stores", zap.Int("removed", n))
			}
		case <-s.stopCh:
			return
		}
	}
}

// AddListener registers l for events of every store. It is ignored after
// Shutdown.
func (s *Service) AddListener(l Listener) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.shutdown {
		return
	}
	s.listeners.add(l)
}

func (s *Service) RemoveListener(l Listener) {
	s.listeners.remove(l)
}

// Shutdown stops pruning, flushes every store and drops all listeners.
func (s *Service) Shutdown() {
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return
	}
	s.shutdown = true
	s.mu.Unlock()

	close(s.stopCh)
	// Closes pruneDone when pruning never started, and keeps it from
	// starting later.
	s.pruneOnce.Do(func() { close(s.pruneDone) })
	<-s.pruneDone

	for _, store := range s.Stores() {
		store.Shutdown()
	}
	s.listeners.clear()
	s.logger.Info("Storage service shut down")
}

// relayListener forwards store events to the service listeners.
type relayListener struct {
	service *Service
}

func (r *relayListener) OnAdded(e Event) {
	r.service.listeners.notify(r.service.logger, "OnAdded", func(l Listener) { l.OnAdded(e) })
}

func (r *relayListener) OnRemoved(e Event) {
	r.service.listeners.notify(r.service.logger, "OnRemoved", func(l Listener) { l.OnRemoved(e) })
}

func (r *relayListener) OnRefreshed(e Event) {
	r.service.listeners.notify(r.service.logger, "OnRefreshed", func(l Listener) { l.OnRefreshed(e) })
}
