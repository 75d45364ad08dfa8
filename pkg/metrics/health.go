package metrics

import (
	"sync"
	"time"

	"datanet/pkg/storage"

	"go.uber.org/zap"
)

// StoreSource lists the live stores.
type StoreSource interface {
	Stores() []storage.Store
}

// PeerStats reports pooled peer connections.
type PeerStats struct {
	Total       int
	Healthy     int
	CircuitOpen int
}

// HealthMonitor periodically samples the stores and peer connections and
// derives a health score.
type HealthMonitor struct {
	metrics *Metrics
	stores  StoreSource
	peers   func() PeerStats
	logger  *zap.Logger

	checkInterval time.Duration
	mu            sync.RWMutex
	lastCheck     time.Time
	health        float64
	ready         bool

	stopOnce sync.Once
	stopChan chan struct{}
}

// NewHealthMonitor creates a monitor. peers may be nil when no pooled
// transport is configured.
func NewHealthMonitor(metrics *Metrics, stores StoreSource, peers func() PeerStats, logger *zap.Logger) *HealthMonitor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HealthMonitor{
		metrics:       metrics,
		stores:        stores,
		peers:         peers,
		logger:        logger,
		checkInterval: 30 * time.Second,
		stopChan:      make(chan struct{}),
	}
}

// Start takes a first sample and begins periodic health monitoring.
func (hm *HealthMonitor) Start() {
	hm.performHealthCheck()
	go hm.monitorLoop()
}

func (hm *HealthMonitor) Stop() {
	hm.stopOnce.Do(func() { close(hm.stopChan) })
}

func (hm *HealthMonitor) monitorLoop() {
	ticker := time.NewTicker(hm.checkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			hm.performHealthCheck()
		case <-hm.stopChan:
			return
		}
	}
}

func (hm *HealthMonitor) performHealthCheck() {
	var stats PeerStats
	if hm.peers != nil {
		stats = hm.peers()
	}

	hm.mu.Lock()
	defer hm.mu.Unlock()

	hm.lastCheck = time.Now()
	hm.health = calculateHealth(stats)

	if hm.metrics != nil {
		hm.metrics.LastHealthCheck.Set(float64(hm.lastCheck.Unix()))
		hm.metrics.HealthScore.Set(hm.health)
		hm.metrics.PeerConnections.WithLabelValues("healthy").Set(float64(stats.Healthy))
		hm.metrics.PeerConnections.WithLabelValues("unhealthy").Set(float64(stats.Total - stats.Healthy))
		hm.metrics.PeerConnections.WithLabelValues("circuit_open").Set(float64(stats.CircuitOpen))
		if hm.stores != nil {
			for _, s := range hm.stores.Stores() {
				hm.metrics.StoreEntries.WithLabelValues(s.StoreKey()).Set(float64(s.Len()))
			}
		}
	}

	hm.logger.Debug("Health check completed",
		zap.Float64("health", hm.health),
		zap.Int("peers", stats.Total),
		zap.Int("healthy_peers", stats.Healthy))
}

// calculateHealth gives 40 points for a running node and up to 60 for
// healthy peer connections. A node without pooled peers scores 100.
func calculateHealth(stats PeerStats) float64 {
	if stats.Total == 0 {
		return 100
	}
	health := 40 + 60*float64(stats.Healthy)/float64(stats.Total)
	if health > 100 {
		health = 100
	}
	return health
}

func (hm *HealthMonitor) GetHealth() (float64, time.Time) {
	hm.mu.RLock()
	defer hm.mu.RUnlock()
	return hm.health, hm.lastCheck
}

// SetReady marks the node as ready to serve peers.
func (hm *HealthMonitor) SetReady(ready bool) {
	hm.mu.Lock()
	defer hm.mu.Unlock()
	hm.ready = ready
}

func (hm *HealthMonitor) IsReady() bool {
	hm.mu.RLock()
	defer hm.mu.RUnlock()
	return hm.ready && hm.health > 30
}
