// Package node is the composition root of a datanet process. It owns the
// key pair, the storage and data services, the configured transports and
// the metrics endpoint, and starts and stops them in order.
package node

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"datanet/pkg/config"
	"datanet/pkg/data"
	"datanet/pkg/metrics"
	"datanet/pkg/network"
	"datanet/pkg/payload"
	"datanet/pkg/security"
	"datanet/pkg/storage"
	"datanet/pkg/types"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
)

// ErrAlreadyStarted is returned by a second call to Start.
var ErrAlreadyStarted = errors.New("node already started")

type transport interface {
	data.Broadcaster
	Start(ctx context.Context) error
	Close() error
}

type Node struct {
	cfg     *config.Config
	nodeID  types.NodeID
	keyPair *security.KeyPair
	roles   *security.StaticRoleRegistry
	logger  *zap.Logger

	storage *storage.Service
	data    *data.Service

	registry      *prometheus.Registry
	metrics       *metrics.Metrics
	monitor       *metrics.HealthMonitor
	metricsServer *metrics.Server

	seen       *network.SeenCache
	limiter    *network.InboundLimiter
	grpc       *network.GRPCTransport
	mesh       *network.MeshTransport
	mqtt       *network.MQTTTransport
	transports []transport

	mu       sync.Mutex
	started  bool
	stopOnce sync.Once
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// New loads or creates the node key and builds every component named in
// cfg. Nothing listens or connects until Start. A nil registry installs the
// built-in payload classes.
func New(cfg *config.Config, registry *storage.Registry, logger *zap.Logger) (*Node, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if registry == nil {
		registry = payload.NewRegistry()
	}

	keyPair, created, err := security.LoadOrCreateKeyPair(cfg.KeyPath())
	if err != nil {
		return nil, fmt.Errorf("failed to load node key: %w", err)
	}
	nodeID := types.NodeID(cfg.NodeID)
	if nodeID == "" {
		nodeID = types.NodeID(keyPair.PublicKeyHash().String()[:16])
	}
	logger = logger.With(zap.String("node_id", string(nodeID)))
	if created {
		logger.Info("Generated node key", zap.String("path", cfg.KeyPath()))
	}

	roles, err := buildRoles(cfg.Roles)
	if err != nil {
		return nil, err
	}

	promRegistry := prometheus.NewRegistry()
	promRegistry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(promRegistry)

	store, err := storage.NewService(storage.ServiceConfig{
		DataDir:          cfg.DataDir,
		MaxMapSize:       cfg.Storage.MaxMapSize,
		MaxAge:           cfg.Storage.MaxAge.Std(),
		PersistInterval:  cfg.Storage.PersistInterval.Std(),
		InventoryMaxSize: cfg.Storage.InventoryMaxSize.Int(),
		Roles:            roles,
		Observer:         m,
	}, registry, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open storage: %w", err)
	}
	dataService := data.NewService(store, data.Config{
		InventoryInterval:  cfg.Sync.InventoryInterval.Std(),
		MaxInventoryRounds: cfg.Sync.MaxInventoryRounds,
	}, logger)

	ctx, cancel := context.WithCancel(context.Background())
	n := &Node{
		cfg:      cfg,
		nodeID:   nodeID,
		keyPair:  keyPair,
		roles:    roles,
		logger:   logger,
		storage:  store,
		data:     dataService,
		registry: promRegistry,
		metrics:  m,
		seen:     network.NewSeenCache(0, 0),
		limiter:  network.NewInboundLimiter(cfg.GRPC.RateLimit, cfg.GRPC.Burst),
		ctx:      ctx,
		cancel:   cancel,
	}

	if err := n.buildTransports(registry); err != nil {
		cancel()
		dataService.Shutdown()
		store.Shutdown()
		return nil, err
	}

	var peers func() metrics.PeerStats
	if n.grpc != nil {
		peers = n.peerStats
	}
	n.monitor = metrics.NewHealthMonitor(m, store, peers, logger)
	if cfg.Metrics.Enabled {
		n.metricsServer = metrics.NewServer(cfg.Metrics.Addr, n.monitor, promRegistry, logger)
	}
	return n, nil
}

func buildRoles(grants []config.RoleGrant) (*security.StaticRoleRegistry, error) {
	roles := security.NewStaticRoleRegistry()
	for _, grant := range grants {
		key, err := hex.DecodeString(grant.PublicKey)
		if err != nil {
			return nil, fmt.Errorf("%w: role key %q is not hex", config.ErrInvalidConfig, grant.PublicKey)
		}
		roles.Grant(key, grant.Classes...)
	}
	return roles, nil
}

func (n *Node) buildTransports(registry *storage.Registry) error {
	inCfg := network.InboundConfig{
		Registry: registry,
		Handler:  n.data,
		Seen:     n.seen,
		Limiter:  n.limiter,
		Observer: n.metrics,
	}
	id := string(n.nodeID)

	if n.cfg.GRPC.Enabled {
		t, err := network.NewGRPCTransport(network.GRPCConfig{
			NodeID:     id,
			ListenAddr: n.cfg.GRPC.ListenAddr,
			Peers:      n.cfg.GRPC.Peers,
			TLS:        n.cfg.GRPC.TLS,
		}, inCfg, n.storage, n.logger)
		if err != nil {
			return fmt.Errorf("failed to create gRPC transport: %w", err)
		}
		n.grpc = t
		n.transports = append(n.transports, t)
	}

	if n.cfg.Mesh.Enabled {
		t, err := network.NewMeshTransport(network.MeshConfig{
			NodeID:   id,
			Host:     n.cfg.Mesh.Host,
			Port:     n.cfg.Mesh.Port,
			Peers:    n.cfg.Mesh.Peers,
			Password: n.cfg.Mesh.Password,
			Channel:  n.cfg.Mesh.Channel,
		}, inCfg, n.logger)
		if err != nil {
			return fmt.Errorf("failed to create mesh transport: %w", err)
		}
		n.mesh = t
		n.transports = append(n.transports, t)
	}

	if n.cfg.MQTT.Enabled {
		t := network.NewMQTTTransport(network.MQTTConfig{
			NodeID:   id,
			Broker:   n.cfg.MQTT.Broker,
			Username: n.cfg.MQTT.Username,
			Password: n.cfg.MQTT.Password,
			Topic:    n.cfg.MQTT.Topic,
			QoS:      n.cfg.MQTT.QoS,
		}, inCfg, n.logger)
		n.mqtt = t
		n.transports = append(n.transports, t)
	}
	return nil
}

// Start starts the transports and registers them with the data service, then
// the pruning, inventory sync, health and metrics loops.
func (n *Node) Start(ctx context.Context) error {
	n.mu.Lock()
	if n.started {
		n.mu.Unlock()
		return ErrAlreadyStarted
	}
	n.started = true
	n.mu.Unlock()

	for _, t := range n.transports {
		if err := t.Start(ctx); err != nil {
			n.Stop()
			return fmt.Errorf("failed to start %s transport: %w", t.TransportType(), err)
		}
		n.data.AddBroadcaster(t)
	}

	n.storage.StartPruning(n.cfg.Storage.PruneInterval.Std())
	if n.grpc != nil {
		n.data.StartInventorySync()
	}

	n.monitor.Start()
	if n.metricsServer != nil {
		if err := n.metricsServer.Start(); err != nil {
			n.Stop()
			return fmt.Errorf("failed to start metrics server: %w", err)
		}
	}

	n.wg.Add(1)
	go n.maintenanceLoop()

	n.monitor.SetReady(true)
	n.logger.Info("Node started",
		zap.String("public_key", hex.EncodeToString(n.keyPair.PublicKeyBytes())),
		zap.Int("transports", len(n.transports)),
		zap.Int("stores", len(n.storage.Stores())))
	return nil
}

// Stop shuts everything down in reverse order and flushes the stores. It is
// safe to call more than once.
func (n *Node) Stop() {
	n.stopOnce.Do(func() {
		n.monitor.SetReady(false)
		n.cancel()
		n.wg.Wait()

		if n.metricsServer != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := n.metricsServer.Shutdown(ctx); err != nil {
				n.logger.Warn("Metrics server shutdown failed", zap.Error(err))
			}
			cancel()
		}
		n.monitor.Stop()

		n.data.Shutdown()
		for i := len(n.transports) - 1; i >= 0; i-- {
			t := n.transports[i]
			if err := t.Close(); err != nil {
				n.logger.Warn("Failed to close transport",
					zap.String("transport", string(t.TransportType())),
					zap.Error(err))
			}
		}
		n.storage.Shutdown()
		n.logger.Info("Node stopped")
	})
}

func (n *Node) peerStats() metrics.PeerStats {
	stats := n.grpc.PoolStats()
	return metrics.PeerStats{
		Total:       stats.Total,
		Healthy:     stats.Healthy,
		CircuitOpen: stats.CircuitOpen,
	}
}

func (n *Node) ID() types.NodeID {
	return n.nodeID
}

func (n *Node) KeyPair() *security.KeyPair {
	return n.keyPair
}

// Roles is the bonded role registry used to validate authorized payloads.
func (n *Node) Roles() *security.StaticRoleRegistry {
	return n.roles
}

func (n *Node) DataService() *data.Service {
	return n.data
}

func (n *Node) StorageService() *storage.Service {
	return n.storage
}

// GRPC returns the gRPC transport, or nil when it is disabled.
func (n *Node) GRPC() *network.GRPCTransport {
	return n.grpc
}

// GRPCAddr returns the gRPC listen address after Start.
func (n *Node) GRPCAddr() net.Addr {
	if n.grpc == nil {
		return nil
	}
	return n.grpc.Addr()
}

func (n *Node) Gatherer() prometheus.Gatherer {
	return n.registry
}

func (n *Node) HealthMonitor() *metrics.HealthMonitor {
	return n.monitor
}
