package data

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"datanet/pkg/security"
	"datanet/pkg/storage"
	"datanet/pkg/types"

	"go.uber.org/zap"
)

var (
	// ErrShutdown is returned once the service has been shut down.
	ErrShutdown = errors.New("data service is shut down")
	// ErrUnknownClass rejects inbound requests for payload classes this node
	// cannot decode.
	ErrUnknownClass = errors.New("unknown payload class")
)

// Origin identifies where an inbound request came from.
type Origin struct {
	Transport types.TransportType
	Peer      string
}

// MessageHandler is the inbound contract transports deliver requests to.
type MessageHandler interface {
	OnMessage(ctx context.Context, req storage.DataRequest, origin Origin)
}

// Config tunes the data service.
type Config struct {
	// InventoryInterval is the period of StartInventorySync.
	InventoryInterval time.Duration
	// MaxInventoryRounds bounds the immediate repeats while peers report
	// more data.
	MaxInventoryRounds int
	Now                func() time.Time
}

// Service is the single entry point for publishing data and processing
// requests from peers.
type Service struct {
	storage *storage.Service
	cfg     Config
	logger  *zap.Logger

	mu           sync.RWMutex
	broadcasters []Broadcaster
	listeners    []Listener
	shutdown     bool

	dispatcher *dispatcher
	syncOnce   sync.Once
	stopCh     chan struct{}
	syncDone   chan struct{}
}

// NewService creates the data service on top of the storage service and
// subscribes to its events.
func NewService(store *storage.Service, cfg Config, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.InventoryInterval <= 0 {
		cfg.InventoryInterval = time.Minute
	}
	if cfg.MaxInventoryRounds <= 0 {
		cfg.MaxInventoryRounds = 10
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	s := &Service{
		storage:  store,
		cfg:      cfg,
		logger:   logger.Named("data"),
		stopCh:   make(chan struct{}),
		syncDone: make(chan struct{}),
	}
	s.dispatcher = &dispatcher{service: s}
	store.AddListener(s.dispatcher)
	return s
}

// StorageService returns the underlying storage service.
func (s *Service) StorageService() *storage.Service {
	return s.storage
}

// AddBroadcaster registers a transport. It is ignored after Shutdown.
func (s *Service) AddBroadcaster(b Broadcaster) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.shutdown {
		return
	}
	for _, existing := range s.broadcasters {
		if existing == b {
			return
		}
	}
	s.broadcasters = append(s.broadcasters, b)
	s.logger.Info("Added broadcaster", zap.String("transport", string(b.TransportType())))
}

func (s *Service) RemoveBroadcaster(b Broadcaster) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, existing := range s.broadcasters {
		if existing == b {
			s.broadcasters = append(s.broadcasters[:i:i], s.broadcasters[i+1:]...)
			return
		}
	}
}

func (s *Service) AddListener(l Listener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.shutdown {
		return
	}
	s.listeners = append(s.listeners, l)
}

func (s *Service) RemoveListener(l Listener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, existing := range s.listeners {
		if existing == l {
			s.listeners = append(s.listeners[:i:i], s.listeners[i+1:]...)
			return
		}
	}
}

func (s *Service) snapshotBroadcasters() []Broadcaster {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Broadcaster, len(s.broadcasters))
	copy(out, s.broadcasters)
	return out
}

func (s *Service) checkRunning() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.shutdown {
		return ErrShutdown
	}
	return nil
}

// AddAuthenticatedData publishes payload owned by keyPair.
func (s *Service) AddAuthenticatedData(ctx context.Context, payload storage.Payload, keyPair *security.KeyPair) (*BroadcastResult, error) {
	if err := s.checkRunning(); err != nil {
		return nil, err
	}
	store, err := s.storage.GetOrCreateAuthenticatedDataStore(ctx, payload.MetaData())
	if err != nil {
		return nil, fmt.Errorf("failed to get store: %w", err)
	}

	hash := security.Digest(payload.Serialize())
	req := storage.NewAddAuthenticatedDataRequest(payload, keyPair, store.GetSequenceNumber(hash)+1, s.cfg.Now())
	res := store.Add(req)
	return s.publish(ctx, req, res), nil
}

// AddAuthorizedData signs payload with keyPair and publishes it as
// authenticated data owned by the same key.
func (s *Service) AddAuthorizedData(ctx context.Context, payload storage.AuthorizedPayload, keyPair *security.KeyPair) (*BroadcastResult, error) {
	return s.AddAuthenticatedData(ctx, storage.NewAuthorizedData(payload, keyPair), keyPair)
}

func (s *Service) AddAppendOnlyData(ctx context.Context, payload storage.AppendOnlyPayload) (*BroadcastResult, error) {
	if err := s.checkRunning(); err != nil {
		return nil, err
	}
	store, err := s.storage.GetOrCreateAppendOnlyDataStore(ctx, payload.MetaData())
	if err != nil {
		return nil, fmt.Errorf("failed to get store: %w", err)
	}

	req := storage.NewAddAppendOnlyDataRequest(payload, s.cfg.Now())
	res := store.Add(req)
	return s.publish(ctx, req, res), nil
}

// AddMailboxData publishes payload for the owner of receiverPublicKey.
func (s *Service) AddMailboxData(ctx context.Context, payload storage.MailboxPayload, sender *security.KeyPair, receiverPublicKey []byte) (*BroadcastResult, error) {
	if err := s.checkRunning(); err != nil {
		return nil, err
	}
	store, err := s.storage.GetOrCreateMailboxDataStore(ctx, payload.MetaData())
	if err != nil {
		return nil, fmt.Errorf("failed to get store: %w", err)
	}

	hash := security.Digest(payload.Serialize())
	req := storage.NewAddMailboxRequest(payload, sender, receiverPublicKey, store.GetSequenceNumber(hash)+1, s.cfg.Now())
	res := store.Add(req)
	return s.publish(ctx, req, res), nil
}

// RefreshAuthenticatedData extends the lifetime of data previously published
// with keyPair.
func (s *Service) RefreshAuthenticatedData(ctx context.Context, payload storage.Payload, keyPair *security.KeyPair) (*BroadcastResult, error) {
	if err := s.checkRunning(); err != nil {
		return nil, err
	}
	meta := payload.MetaData()
	store, err := s.storage.GetOrCreateAuthenticatedDataStore(ctx, meta)
	if err != nil {
		return nil, fmt.Errorf("failed to get store: %w", err)
	}

	hash := security.Digest(payload.Serialize())
	req := storage.NewRefreshAuthenticatedDataRequest(meta, hash, keyPair, store.GetSequenceNumber(hash)+1, s.cfg.Now())
	res := store.Refresh(req)
	return s.publish(ctx, req, res), nil
}

// RemoveAuthenticatedData tombstones data owned by keyPair. A legacy version
// of the removal is applied and sent as well for older peers.
func (s *Service) RemoveAuthenticatedData(ctx context.Context, payload storage.Payload, keyPair *security.KeyPair) (*BroadcastResult, error) {
	if err := s.checkRunning(); err != nil {
		return nil, err
	}
	meta := payload.MetaData()
	store, err := s.storage.GetOrCreateAuthenticatedDataStore(ctx, meta)
	if err != nil {
		return nil, fmt.Errorf("failed to get store: %w", err)
	}

	hash := security.Digest(payload.Serialize())
	req := storage.NewRemoveAuthenticatedDataRequest(meta, hash, keyPair, store.GetSequenceNumber(hash)+1, s.cfg.Now())
	legacy := req.Legacy(keyPair)

	res := store.Remove(req)
	legacyRes := store.Remove(legacy)
	return s.publishRemoval(ctx, req, res, legacy, legacyRes), nil
}

// RemoveAuthorizedData removes authorized data published with
// AddAuthorizedData. Signatures are deterministic, so the envelope is rebuilt
// from payload and keyPair.
func (s *Service) RemoveAuthorizedData(ctx context.Context, payload storage.AuthorizedPayload, keyPair *security.KeyPair) (*BroadcastResult, error) {
	return s.RemoveAuthenticatedData(ctx, storage.NewAuthorizedData(payload, keyPair), keyPair)
}

// RemoveMailboxData is called by the receiver once data has been consumed.
func (s *Service) RemoveMailboxData(ctx context.Context, data *storage.MailboxData, receiver *security.KeyPair) (*BroadcastResult, error) {
	if err := s.checkRunning(); err != nil {
		return nil, err
	}
	meta := data.MetaData()
	store, err := s.storage.GetOrCreateMailboxDataStore(ctx, meta)
	if err != nil {
		return nil, fmt.Errorf("failed to get store: %w", err)
	}

	hash := data.ContentHash()
	req := storage.NewRemoveMailboxRequest(meta, hash, receiver, store.GetSequenceNumber(hash)+1, s.cfg.Now())
	legacy := req.Legacy(receiver)

	res := store.Remove(req)
	legacyRes := store.Remove(legacy)
	return s.publishRemoval(ctx, req, res, legacy, legacyRes), nil
}

// publish broadcasts req when the local store accepted it.
func (s *Service) publish(ctx context.Context, req storage.DataRequest, res storage.Result) *BroadcastResult {
	result := newBroadcastResult(res)
	if !res.ShouldPropagate() {
		s.logger.Debug("Local request not accepted",
			zap.String("class", req.ClassName()),
			zap.String("reason", res.String()))
		return result
	}
	s.broadcast(ctx, req, result)
	return result
}

func (s *Service) publishRemoval(ctx context.Context, req storage.DataRequest, res storage.Result, legacy storage.DataRequest, legacyRes storage.Result) *BroadcastResult {
	result := s.publish(ctx, req, res)
	if res.ShouldPropagate() || legacyRes.ShouldPropagate() {
		s.broadcast(ctx, legacy, result)
	}
	return result
}

func (s *Service) broadcast(ctx context.Context, req storage.DataRequest, result *BroadcastResult) {
	ctx = context.WithoutCancel(ctx)
	for _, b := range s.snapshotBroadcasters() {
		result.add(b.TransportType(), b.Broadcast(ctx, req))
	}
}

// OnMessage routes a request received from a peer.
func (s *Service) OnMessage(ctx context.Context, req storage.DataRequest, origin Origin) {
	var (
		res storage.Result
		err error
	)
	switch r := req.(type) {
	case storage.AddDataRequest:
		res, err = s.ProcessAddDataRequest(ctx, r, true)
	case storage.RemoveDataRequest:
		res, err = s.ProcessRemoveDataRequest(ctx, r, true)
	default:
		err = fmt.Errorf("unsupported request %T", req)
	}
	if err != nil {
		s.logger.Debug("Failed to process inbound request",
			zap.String("transport", string(origin.Transport)),
			zap.String("peer", origin.Peer),
			zap.Error(err))
		return
	}
	s.logger.Debug("Processed inbound request",
		zap.String("transport", string(origin.Transport)),
		zap.String("peer", origin.Peer),
		zap.String("class", req.ClassName()),
		zap.String("result", res.String()))
}

// ProcessAddDataRequest applies an add or refresh request and forwards it
// to the other peers when the local store accepted it and allowReBroadcast
// is set.
func (s *Service) ProcessAddDataRequest(ctx context.Context, req storage.AddDataRequest, allowReBroadcast bool) (storage.Result, error) {
	if err := s.checkRequest(req); err != nil {
		return storage.Result{}, err
	}

	var res storage.Result
	switch r := req.(type) {
	case *storage.AddAuthenticatedDataRequest:
		store, err := s.storage.GetOrCreateAuthenticatedDataStore(ctx, r.MetaData())
		if err != nil {
			return res, fmt.Errorf("failed to get store: %w", err)
		}
		res = store.Add(r)
	case *storage.RefreshAuthenticatedDataRequest:
		store, err := s.storage.GetOrCreateAuthenticatedDataStore(ctx, r.MetaData())
		if err != nil {
			return res, fmt.Errorf("failed to get store: %w", err)
		}
		res = store.Refresh(r)
	case *storage.AddMailboxRequest:
		store, err := s.storage.GetOrCreateMailboxDataStore(ctx, r.MetaData())
		if err != nil {
			return res, fmt.Errorf("failed to get store: %w", err)
		}
		res = store.Add(r)
	case *storage.AddAppendOnlyDataRequest:
		store, err := s.storage.GetOrCreateAppendOnlyDataStore(ctx, r.MetaData())
		if err != nil {
			return res, fmt.Errorf("failed to get store: %w", err)
		}
		res = store.Add(r)
	default:
		return res, fmt.Errorf("unsupported add request %T", req)
	}

	if allowReBroadcast && res.ShouldPropagate() {
		s.reBroadcast(req)
	}
	return res, nil
}

// ProcessRemoveDataRequest applies a removal and forwards it like
// ProcessAddDataRequest.
func (s *Service) ProcessRemoveDataRequest(ctx context.Context, req storage.RemoveDataRequest, allowReBroadcast bool) (storage.Result, error) {
	if err := s.checkRequest(req); err != nil {
		return storage.Result{}, err
	}

	var res storage.Result
	switch r := req.(type) {
	case *storage.RemoveAuthenticatedDataRequest:
		store, err := s.storage.GetOrCreateAuthenticatedDataStore(ctx, r.MetaData())
		if err != nil {
			return res, fmt.Errorf("failed to get store: %w", err)
		}
		res = store.Remove(r)
	case *storage.RemoveMailboxRequest:
		store, err := s.storage.GetOrCreateMailboxDataStore(ctx, r.MetaData())
		if err != nil {
			return res, fmt.Errorf("failed to get store: %w", err)
		}
		res = store.Remove(r)
	default:
		return res, fmt.Errorf("unsupported remove request %T", req)
	}

	if allowReBroadcast && res.ShouldPropagate() {
		s.reBroadcast(req)
	}
	return res, nil
}

// checkRequest keeps peers from creating stores for classes this node does
// not know.
func (s *Service) checkRequest(req storage.DataRequest) error {
	if err := s.checkRunning(); err != nil {
		return err
	}
	class := req.ClassName()
	for _, known := range s.storage.Registry().ClassNames() {
		if known == class {
			return nil
		}
	}
	return fmt.Errorf("%w: %q", ErrUnknownClass, class)
}

func (s *Service) reBroadcast(req storage.DataRequest) {
	for _, b := range s.snapshotBroadcasters() {
		b.ReBroadcast(req)
	}
}

// Shutdown stops inventory sync and drops broadcasters and listeners. The
// storage service is shut down by its owner.
func (s *Service) Shutdown() {
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return
	}
	s.shutdown = true
	s.broadcasters = nil
	s.listeners = nil
	s.mu.Unlock()

	close(s.stopCh)
	s.syncOnce.Do(func() { close(s.syncDone) })
	<-s.syncDone
	s.storage.RemoveListener(s.dispatcher)
	s.logger.Info("Data service shut down")
}
