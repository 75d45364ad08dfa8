package network

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"sync"

	"datanet/pkg/data"
	"datanet/pkg/security"
	"datanet/pkg/storage"
	"datanet/pkg/types"
	"datanet/pkg/wire"

	"github.com/weaveworks/mesh"
	"go.uber.org/zap"
)

// MeshConfig configures the gossip overlay transport.
type MeshConfig struct {
	NodeID   string
	Host     string
	Port     int
	Peers    []string
	Password string
	Channel  string
}

// MeshTransport broadcasts requests over a weaveworks mesh gossip channel.
// Received broadcasts are not relayed by the overlay itself; the data
// service re-broadcasts what it stored.
type MeshTransport struct {
	cfg       MeshConfig
	in        *inbound
	router    *mesh.Router
	gossip    mesh.Gossip
	peerCount func() int
	logger    *zap.Logger

	mu     sync.RWMutex
	closed bool
}

// NewMeshTransport creates the mesh router and joins the gossip channel.
// Start connects to the configured peers.
func NewMeshTransport(cfg MeshConfig, inCfg InboundConfig, logger *zap.Logger) (*MeshTransport, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Channel == "" {
		cfg.Channel = "datanet"
	}
	logger = logger.Named("mesh")

	digest := security.Digest([]byte(cfg.NodeID))
	name := mesh.PeerNameFromBin(digest[:6])

	var password []byte
	if cfg.Password != "" {
		password = []byte(cfg.Password)
	}
	router, err := mesh.NewRouter(mesh.Config{
		Host:               cfg.Host,
		Port:               cfg.Port,
		ProtocolMinVersion: mesh.ProtocolMaxVersion,
		Password:           password,
		ConnLimit:          64,
		PeerDiscovery:      true,
		TrustedSubnets:     []*net.IPNet{},
	}, name, cfg.NodeID, mesh.NullOverlay{}, zap.NewStdLog(logger))
	if err != nil {
		return nil, fmt.Errorf("failed to create mesh router: %w", err)
	}

	t := newMeshTransport(cfg, inCfg, nil, nil, logger)
	t.router = router
	t.peerCount = t.establishedConnections
	gossip, err := router.NewGossip(cfg.Channel, t)
	if err != nil {
		return nil, fmt.Errorf("failed to join gossip channel %s: %w", cfg.Channel, err)
	}
	t.gossip = gossip
	return t, nil
}

func newMeshTransport(cfg MeshConfig, inCfg InboundConfig, gossip mesh.Gossip, peerCount func() int, logger *zap.Logger) *MeshTransport {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MeshTransport{
		cfg:       cfg,
		in:        newInbound(types.TransportMesh, inCfg, logger),
		gossip:    gossip,
		peerCount: peerCount,
		logger:    logger,
	}
}

func (t *MeshTransport) TransportType() types.TransportType {
	return types.TransportMesh
}

// Start runs the router and initiates connections to the configured peers.
func (t *MeshTransport) Start(ctx context.Context) error {
	if t.router == nil {
		return nil
	}
	t.router.Start()
	for _, err := range t.router.ConnectionMaker.InitiateConnections(t.cfg.Peers, false) {
		t.logger.Warn("Failed to add mesh peer", zap.Error(err))
	}
	t.logger.Info("Mesh transport started",
		zap.String("addr", net.JoinHostPort(t.cfg.Host, strconv.Itoa(t.cfg.Port))),
		zap.Int("peers", len(t.cfg.Peers)))
	return nil
}

func (t *MeshTransport) Broadcast(_ context.Context, req storage.DataRequest) *data.Future {
	if t.isClosed() {
		return data.CompletedFuture(data.Outcome{}, ErrTransportClosed)
	}
	outcome := t.send(storage.EncodeRequest(req))
	return data.CompletedFuture(outcome, nil)
}

func (t *MeshTransport) ReBroadcast(req storage.DataRequest) {
	if t.isClosed() {
		return
	}
	t.send(storage.EncodeRequest(req))
}

func (t *MeshTransport) send(encoded []byte) data.Outcome {
	t.in.markOutbound(encoded)
	env := envelope{Sender: t.cfg.NodeID, Request: encoded}
	t.gossip.GossipBroadcast(&requestBatch{frames: [][]byte{env.encode()}})

	var outcome data.Outcome
	if t.peerCount != nil {
		outcome.NumSuccess = t.peerCount()
	}
	t.in.cfg.Observer.ObserveBroadcast(types.TransportMesh, outcome)
	return outcome
}

func (t *MeshTransport) establishedConnections() int {
	n := 0
	for _, conn := range mesh.NewStatus(t.router).Connections {
		if conn.State == "established" {
			n++
		}
	}
	return n
}

// Gossip implements mesh.Gossiper. There is no periodic full state; peers
// catch up through inventory requests.
func (t *MeshTransport) Gossip() mesh.GossipData {
	return nil
}

func (t *MeshTransport) OnGossip(buf []byte) (mesh.GossipData, error) {
	return nil, t.receive("mesh", buf)
}

func (t *MeshTransport) OnGossipBroadcast(src mesh.PeerName, buf []byte) (mesh.GossipData, error) {
	return nil, t.receive(src.String(), buf)
}

func (t *MeshTransport) OnGossipUnicast(src mesh.PeerName, buf []byte) error {
	return t.receive(src.String(), buf)
}

// receive delivers every request of a batch. A bad request is logged and
// skipped; only an undecodable batch is reported to the router. Requests are
// rate limited by the mesh peer the router received them from.
func (t *MeshTransport) receive(from string, buf []byte) error {
	if t.isClosed() {
		return nil
	}
	frames, err := decodeBatch(buf)
	if err != nil {
		return err
	}
	ctx := context.Background()
	for _, frame := range frames {
		env, err := decodeEnvelope(frame)
		if err != nil {
			t.logger.Debug("Dropped malformed mesh frame", zap.Error(err))
			continue
		}
		if env.Sender == t.cfg.NodeID {
			continue
		}
		if err := t.in.deliver(ctx, source{peer: env.Sender, limitKey: from}, env.Request); err != nil {
			t.logger.Debug("Rejected mesh request", zap.String("peer", env.Sender), zap.Error(err))
		}
	}
	return nil
}

func (t *MeshTransport) isClosed() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.closed
}

func (t *MeshTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.mu.Unlock()

	if t.router != nil {
		if err := t.router.Stop(); err != nil {
			return fmt.Errorf("failed to stop mesh router: %w", err)
		}
	}
	t.logger.Info("Mesh transport closed")
	return nil
}

// requestBatch is the mesh.GossipData of this channel: a list of envelopes.
type requestBatch struct {
	frames [][]byte
}

func (b *requestBatch) Encode() [][]byte {
	return [][]byte{encodeBatch(b.frames)}
}

func (b *requestBatch) Merge(other mesh.GossipData) mesh.GossipData {
	o, ok := other.(*requestBatch)
	if !ok {
		return b
	}
	frames := make([][]byte, 0, len(b.frames)+len(o.frames))
	frames = append(frames, b.frames...)
	frames = append(frames, o.frames...)
	return &requestBatch{frames: frames}
}

func encodeBatch(frames [][]byte) []byte {
	e := wire.NewEncoder()
	for _, f := range frames {
		e.Message(1, f)
	}
	return e.Encode()
}

func decodeBatch(buf []byte) ([][]byte, error) {
	var frames [][]byte
	err := wire.Decode(buf, func(f wire.Field) error {
		if f.Num == 1 {
			frames = append(frames, f.CopyBytes())
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to decode gossip batch: %w", err)
	}
	return frames, nil
}
