package network

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"datanet/pkg/data"
	"datanet/pkg/storage"
	"datanet/pkg/types"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"
)

const (
	serviceName     = "datanet.DataNetwork"
	deliverMethod   = "/" + serviceName + "/Deliver"
	inventoryMethod = "/" + serviceName + "/Inventory"

	// nodeHeader carries the sender's node id on every call.
	nodeHeader = "x-datanet-node"
)

// InventorySource answers inventory requests from peers.
type InventorySource interface {
	GetInventory(filter storage.DataFilter) storage.Inventory
}

// GRPCConfig configures the gRPC transport.
type GRPCConfig struct {
	NodeID      string
	ListenAddr  string
	Peers       []string
	TLS         TLSConfig
	DialTimeout time.Duration
	CallTimeout time.Duration
	Retry       RetryConfig
	Pool        PoolConfig
	// Dialer replaces the network dialer, e.g. with bufconn in tests.
	Dialer func(ctx context.Context, addr string) (net.Conn, error)
}

// GRPCTransport sends requests to a static set of peers with unary calls and
// serves the same calls for them.
type GRPCTransport struct {
	cfg       GRPCConfig
	in        *inbound
	inventory InventorySource
	pool      *PeerPool
	retry     *retrier
	creds     credentials.TransportCredentials
	server    *grpc.Server
	logger    *zap.Logger

	mu    sync.RWMutex
	peers []string
	addr  net.Addr

	wg        sync.WaitGroup
	closeOnce sync.Once
	closed    chan struct{}
}

// NewGRPCTransport creates the transport and registers its service. Call
// Start or Serve to accept peers.
func NewGRPCTransport(cfg GRPCConfig, inCfg InboundConfig, inventory InventorySource, logger *zap.Logger) (*GRPCTransport, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 10 * time.Second
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 10 * time.Second
	}
	logger = logger.Named("grpc")

	clientCreds, err := cfg.TLS.ClientCredentials()
	if err != nil {
		return nil, fmt.Errorf("failed to build client credentials: %w", err)
	}
	serverCreds, err := cfg.TLS.ServerCredentials()
	if err != nil {
		return nil, fmt.Errorf("failed to build server credentials: %w", err)
	}

	opts := []grpc.ServerOption{grpc.ForceServerCodec(frameCodec{})}
	if serverCreds != nil {
		opts = append(opts, grpc.Creds(serverCreds))
	}

	t := &GRPCTransport{
		cfg:       cfg,
		in:        newInbound(types.TransportGRPC, inCfg, logger),
		inventory: inventory,
		retry:     &retrier{cfg: cfg.Retry.withDefaults(), logger: logger},
		creds:     clientCreds,
		server:    grpc.NewServer(opts...),
		logger:    logger,
		peers:     append([]string(nil), cfg.Peers...),
		closed:    make(chan struct{}),
	}
	t.pool = NewPeerPool(t.dial, cfg.Pool, logger)
	t.server.RegisterService(&serviceDesc, &grpcServer{t: t})
	return t, nil
}

func (t *GRPCTransport) TransportType() types.TransportType {
	return types.TransportGRPC
}

// Start listens on ListenAddr and serves in the background.
func (t *GRPCTransport) Start(ctx context.Context) error {
	var lc net.ListenConfig
	lis, err := lc.Listen(ctx, "tcp", t.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", t.cfg.ListenAddr, err)
	}
	t.logger.Info("gRPC transport listening", zap.String("addr", lis.Addr().String()))
	t.mu.Lock()
	t.addr = lis.Addr()
	t.mu.Unlock()

	go func() {
		if err := t.Serve(lis); err != nil {
			t.logger.Error("gRPC server stopped", zap.Error(err))
		}
	}()
	return nil
}

// Addr returns the listen address once Start succeeded.
func (t *GRPCTransport) Addr() net.Addr {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.addr
}

// Serve accepts peers on lis until Close.
func (t *GRPCTransport) Serve(lis net.Listener) error {
	err := t.server.Serve(lis)
	if errors.Is(err, grpc.ErrServerStopped) {
		return nil
	}
	return err
}

func (t *GRPCTransport) Peers() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return append([]string(nil), t.peers...)
}

func (t *GRPCTransport) AddPeer(addr string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, p := range t.peers {
		if p == addr {
			return
		}
	}
	t.peers = append(t.peers, addr)
}

func (t *GRPCTransport) RemovePeer(addr string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, p := range t.peers {
		if p == addr {
			t.peers = append(t.peers[:i:i], t.peers[i+1:]...)
			return
		}
	}
}

// PoolStats exposes the connection pool state.
func (t *GRPCTransport) PoolStats() PoolStats {
	return t.pool.Stats()
}

// Broadcast sends req to every peer. The future resolves once every peer
// answered or failed.
func (t *GRPCTransport) Broadcast(ctx context.Context, req storage.DataRequest) *data.Future {
	f := data.NewFuture()
	if t.isClosed() {
		f.Complete(data.Outcome{}, ErrTransportClosed)
		return f
	}

	encoded := storage.EncodeRequest(req)
	t.in.markOutbound(encoded)

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		outcome := t.sendAll(ctx, encoded)
		t.in.cfg.Observer.ObserveBroadcast(types.TransportGRPC, outcome)
		f.Complete(outcome, nil)
	}()
	return f
}

// ReBroadcast relays a request received from a peer. The peer it came from
// drops the echo through its seen cache.
func (t *GRPCTransport) ReBroadcast(req storage.DataRequest) {
	if t.isClosed() {
		return
	}
	encoded := storage.EncodeRequest(req)

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), t.cfg.CallTimeout*2)
		defer cancel()
		outcome := t.sendAll(ctx, encoded)
		t.in.cfg.Observer.ObserveBroadcast(types.TransportGRPC, outcome)
	}()
}

func (t *GRPCTransport) sendAll(ctx context.Context, encoded []byte) data.Outcome {
	var (
		mu      sync.Mutex
		wg      sync.WaitGroup
		outcome data.Outcome
	)
	for _, addr := range t.Peers() {
		wg.Add(1)
		go func(addr string) {
			defer wg.Done()
			err := t.call(ctx, addr, "deliver", deliverMethod, &Frame{Data: encoded}, new(Frame))

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				outcome.NumFaults++
				t.logger.Debug("Failed to deliver request", zap.String("peer", addr), zap.Error(err))
				return
			}
			outcome.NumSuccess++
		}(addr)
	}
	wg.Wait()
	return outcome
}

// RequestInventory asks every peer for the entries missing from filter.
// Inventories from reachable peers are returned together with the joined
// errors of the others.
func (t *GRPCTransport) RequestInventory(ctx context.Context, filter storage.DataFilter) ([]storage.Inventory, error) {
	request := &Frame{Data: storage.EncodeFilter(filter)}

	var (
		mu          sync.Mutex
		wg          sync.WaitGroup
		inventories []storage.Inventory
		errs        []error
	)
	for _, addr := range t.Peers() {
		wg.Add(1)
		go func(addr string) {
			defer wg.Done()
			response := new(Frame)
			err := t.call(ctx, addr, "inventory", inventoryMethod, request, response)
			var inv storage.Inventory
			if err == nil {
				inv, err = t.in.cfg.Registry.DecodeInventory(response.Data)
			}

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, fmt.Errorf("inventory from %s: %w", addr, err))
				return
			}
			inventories = append(inventories, inv)
		}(addr)
	}
	wg.Wait()
	return inventories, errors.Join(errs...)
}

func (t *GRPCTransport) call(ctx context.Context, addr, operation, method string, in, out *Frame) error {
	return t.retry.do(ctx, addr, operation, func(ctx context.Context) error {
		conn, err := t.pool.Get(ctx, addr)
		if err != nil {
			return err
		}

		callCtx, cancel := context.WithTimeout(ctx, t.cfg.CallTimeout)
		defer cancel()
		callCtx = metadata.AppendToOutgoingContext(callCtx, nodeHeader, t.cfg.NodeID)

		if err := conn.Invoke(callCtx, method, in, out); err != nil {
			if status.Code(err) != codes.ResourceExhausted && status.Code(err) != codes.InvalidArgument {
				t.pool.RecordFailure(addr)
			}
			return err
		}
		t.pool.RecordSuccess(addr)
		return nil
	})
}

func (t *GRPCTransport) dial(ctx context.Context, addr string) (*grpc.ClientConn, error) {
	ctx, cancel := context.WithTimeout(ctx, t.cfg.DialTimeout)
	defer cancel()

	opts := []grpc.DialOption{
		grpc.WithTransportCredentials(t.creds),
		grpc.WithBlock(),
		grpc.WithDefaultCallOptions(grpc.ForceCodec(frameCodec{})),
	}
	if t.cfg.Dialer != nil {
		opts = append(opts, grpc.WithContextDialer(t.cfg.Dialer))
	}
	return grpc.DialContext(ctx, addr, opts...)
}

func (t *GRPCTransport) isClosed() bool {
	select {
	case <-t.closed:
		return true
	default:
		return false
	}
}

// Close stops the server, waits for in flight sends and closes every peer
// connection.
func (t *GRPCTransport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		close(t.closed)

		stopped := make(chan struct{})
		go func() {
			t.server.GracefulStop()
			close(stopped)
		}()
		select {
		case <-stopped:
		case <-time.After(5 * time.Second):
			t.server.Stop()
		}

		t.wg.Wait()
		err = t.pool.Close()
		t.logger.Info("gRPC transport closed")
	})
	return err
}

// grpcServer serves peer calls.
type grpcServer struct {
	t *GRPCTransport
}

func (s *grpcServer) Deliver(ctx context.Context, in *Frame) (*Frame, error) {
	err := s.t.in.deliver(ctx, sourceFromContext(ctx), in.Data)
	switch {
	case errors.Is(err, ErrRateLimited):
		return nil, status.Error(codes.ResourceExhausted, err.Error())
	case err != nil:
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	return &Frame{}, nil
}

func (s *grpcServer) Inventory(ctx context.Context, in *Frame) (*Frame, error) {
	src := sourceFromContext(ctx)
	origin := src.peer
	if !s.t.in.cfg.Limiter.Allow(src.limitKey) {
		s.t.in.cfg.Observer.ObserveInbound(types.TransportGRPC, InboundRateLimited)
		return nil, status.Error(codes.ResourceExhausted, ErrRateLimited.Error())
	}
	if s.t.inventory == nil {
		return nil, status.Error(codes.Unimplemented, "inventory not served")
	}

	filter, err := storage.DecodeFilter(in.Data)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	inv := s.t.inventory.GetInventory(filter)
	s.t.logger.Debug("Served inventory",
		zap.String("peer", origin),
		zap.Int("entries", len(inv.Entries)),
		zap.Int("dropped", inv.NumDropped))
	return &Frame{Data: storage.EncodeInventory(inv)}, nil
}

// sourceFromContext rate limits by the remote host of the connection. The
// node header is supplied by the caller and only names the origin.
func sourceFromContext(ctx context.Context) source {
	src := source{limitKey: "unknown"}
	if p, ok := peer.FromContext(ctx); ok && p.Addr != nil {
		src.limitKey = p.Addr.String()
		if host, _, err := net.SplitHostPort(src.limitKey); err == nil {
			src.limitKey = host
		}
	}
	src.peer = src.limitKey
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		if ids := md.Get(nodeHeader); len(ids) > 0 && ids[0] != "" {
			src.peer = ids[0]
		}
	}
	return src
}
