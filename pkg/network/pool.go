package network

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/connectivity"
)

// ErrCircuitOpen is returned for peers whose circuit breaker is open.
var ErrCircuitOpen = errors.New("circuit breaker open")

// CircuitState represents the circuit breaker state of one peer.
type CircuitState int

const (
	CircuitClosed   CircuitState = iota // Normal operation
	CircuitOpen                         // Failing, reject requests
	CircuitHalfOpen                     // Testing recovery
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// DialFunc opens a client connection to a peer address.
type DialFunc func(ctx context.Context, addr string) (*grpc.ClientConn, error)

// PoolConfig tunes the peer connection pool.
type PoolConfig struct {
	IdleTimeout         time.Duration
	HealthCheckInterval time.Duration
	// FailureThreshold consecutive failures open the circuit.
	FailureThreshold int
	// Cooldown is how long an open circuit waits before going half-open.
	Cooldown time.Duration
	Now      func() time.Time
}

func (c PoolConfig) withDefaults() PoolConfig {
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 5 * time.Minute
	}
	if c.HealthCheckInterval <= 0 {
		c.HealthCheckInterval = 30 * time.Second
	}
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 3
	}
	if c.Cooldown <= 0 {
		c.Cooldown = 30 * time.Second
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}

// PeerPool keeps one gRPC connection per peer address and a circuit breaker
// in front of each.
type PeerPool struct {
	mu          sync.RWMutex
	connections map[string]*pooledConn
	dial        DialFunc
	cfg         PoolConfig
	logger      *zap.Logger

	stopOnce    sync.Once
	stopCleanup chan struct{}
}

type pooledConn struct {
	mu       sync.RWMutex
	conn     *grpc.ClientConn
	addr     string
	created  time.Time
	lastUsed time.Time
	useCount int64

	failures     int
	lastFailure  time.Time
	circuitState CircuitState
}

// PoolStats summarises the pool.
type PoolStats struct {
	Total       int
	Healthy     int
	CircuitOpen int
	HalfOpen    int
}

// NewPeerPool creates the pool and starts background maintenance.
func NewPeerPool(dial DialFunc, cfg PoolConfig, logger *zap.Logger) *PeerPool {
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &PeerPool{
		connections: make(map[string]*pooledConn),
		dial:        dial,
		cfg:         cfg.withDefaults(),
		logger:      logger,
		stopCleanup: make(chan struct{}),
	}
	go p.maintainConnections()
	return p
}

// Get returns a connection to addr, dialing when needed. Peers with an open
// circuit are rejected with ErrCircuitOpen.
func (p *PeerPool) Get(ctx context.Context, addr string) (*grpc.ClientConn, error) {
	p.mu.RLock()
	pooled, exists := p.connections[addr]
	p.mu.RUnlock()

	if exists {
		if pooled.state() == CircuitOpen {
			return nil, fmt.Errorf("peer %s: %w", addr, ErrCircuitOpen)
		}
		if pooled.isUsable() {
			pooled.touch(p.cfg.Now())
			return pooled.conn, nil
		}
	}
	return p.createConnection(ctx, addr)
}

func (p *PeerPool) createConnection(ctx context.Context, addr string) (*grpc.ClientConn, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	// Check again after acquiring write lock
	old, exists := p.connections[addr]
	if exists && old.isUsable() {
		old.touch(p.cfg.Now())
		return old.conn, nil
	}

	conn, err := p.dial(ctx, addr)
	if err != nil {
		if exists {
			old.recordFailure(p.cfg.Now(), p.cfg.FailureThreshold)
		}
		return nil, fmt.Errorf("failed to connect to peer %s: %w", addr, err)
	}

	now := p.cfg.Now()
	pooled := &pooledConn{
		conn:         conn,
		addr:         addr,
		created:      now,
		lastUsed:     now,
		circuitState: CircuitClosed,
	}
	if exists {
		// Keep the breaker history of the replaced connection.
		old.mu.RLock()
		pooled.failures = old.failures
		pooled.lastFailure = old.lastFailure
		pooled.circuitState = old.circuitState
		old.mu.RUnlock()
		if old.conn != nil {
			old.conn.Close()
		}
	}
	p.connections[addr] = pooled
	p.logger.Debug("Established connection to peer", zap.String("peer", addr))
	return conn, nil
}

// RecordSuccess closes a half-open circuit.
func (p *PeerPool) RecordSuccess(addr string) {
	p.mu.RLock()
	pooled, exists := p.connections[addr]
	p.mu.RUnlock()
	if !exists {
		return
	}

	pooled.mu.Lock()
	defer pooled.mu.Unlock()
	if pooled.circuitState == CircuitHalfOpen {
		p.logger.Info("Circuit breaker closed for peer", zap.String("peer", addr))
	}
	pooled.failures = 0
	pooled.circuitState = CircuitClosed
}

// RecordFailure counts a failed call and opens the circuit once the failure
// threshold is reached.
func (p *PeerPool) RecordFailure(addr string) {
	p.mu.RLock()
	pooled, exists := p.connections[addr]
	p.mu.RUnlock()
	if !exists {
		return
	}
	if pooled.recordFailure(p.cfg.Now(), p.cfg.FailureThreshold) {
		p.logger.Warn("Circuit breaker opened for peer", zap.String("peer", addr))
	}
}

// State returns the circuit state of addr. Unknown peers are closed.
func (p *PeerPool) State(addr string) CircuitState {
	p.mu.RLock()
	pooled, exists := p.connections[addr]
	p.mu.RUnlock()
	if !exists {
		return CircuitClosed
	}
	return pooled.state()
}

func (p *PeerPool) maintainConnections() {
	ticker := time.NewTicker(p.cfg.HealthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			p.performMaintenance()
		case <-p.stopCleanup:
			return
		}
	}
}

// performMaintenance drops idle connections and moves cooled down circuits
// to half-open.
func (p *PeerPool) performMaintenance() {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.cfg.Now()
	for addr, pooled := range p.connections {
		pooled.mu.Lock()
		idle := now.Sub(pooled.lastUsed)
		if pooled.circuitState == CircuitOpen && now.Sub(pooled.lastFailure) > p.cfg.Cooldown {
			pooled.circuitState = CircuitHalfOpen
			pooled.failures = 0
			p.logger.Info("Circuit breaker moved to half-open", zap.String("peer", addr))
		}
		pooled.mu.Unlock()

		if idle > p.cfg.IdleTimeout {
			if pooled.conn != nil {
				pooled.conn.Close()
			}
			delete(p.connections, addr)
			p.logger.Debug("Removed idle connection", zap.String("peer", addr))
		}
	}
}

func (p *PeerPool) Stats() PoolStats {
	p.mu.RLock()
	defer p.mu.RUnlock()

	stats := PoolStats{Total: len(p.connections)}
	for _, pooled := range p.connections {
		if pooled.isUsable() {
			stats.Healthy++
		}
		switch pooled.state() {
		case CircuitOpen:
			stats.CircuitOpen++
		case CircuitHalfOpen:
			stats.HalfOpen++
		}
	}
	return stats
}

// Close closes all connections and stops maintenance.
func (p *PeerPool) Close() error {
	p.stopOnce.Do(func() { close(p.stopCleanup) })

	p.mu.Lock()
	defer p.mu.Unlock()

	var errs []error
	for _, pooled := range p.connections {
		if pooled.conn != nil {
			errs = append(errs, pooled.conn.Close())
		}
	}
	p.connections = make(map[string]*pooledConn)
	return errors.Join(errs...)
}

func (pc *pooledConn) state() CircuitState {
	pc.mu.RLock()
	defer pc.mu.RUnlock()
	return pc.circuitState
}

func (pc *pooledConn) isUsable() bool {
	pc.mu.RLock()
	defer pc.mu.RUnlock()

	if pc.circuitState == CircuitOpen || pc.conn == nil {
		return false
	}
	state := pc.conn.GetState()
	return state != connectivity.Shutdown && state != connectivity.TransientFailure
}

func (pc *pooledConn) touch(now time.Time) {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	pc.lastUsed = now
	pc.useCount++
}

// recordFailure reports whether this failure opened the circuit.
func (pc *pooledConn) recordFailure(now time.Time, threshold int) bool {
	pc.mu.Lock()
	defer pc.mu.Unlock()

	pc.failures++
	pc.lastFailure = now
	if pc.circuitState == CircuitHalfOpen || (pc.circuitState == CircuitClosed && pc.failures >= threshold) {
		pc.circuitState = CircuitOpen
		return true
	}
	return false
}
