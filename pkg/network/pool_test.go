package network

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

type poolClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *poolClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *poolClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func idleDial(_ context.Context, addr string) (*grpc.ClientConn, error) {
	return grpc.NewClient("passthrough:///"+addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
}

func newTestPool(t *testing.T, dial DialFunc) (*PeerPool, *poolClock) {
	t.Helper()
	clock := &poolClock{now: time.Unix(1_700_000_000, 0)}
	pool := NewPeerPool(dial, PoolConfig{
		IdleTimeout:         time.Minute,
		HealthCheckInterval: time.Hour,
		FailureThreshold:    3,
		Cooldown:            30 * time.Second,
		Now:                 clock.Now,
	}, zaptest.NewLogger(t))
	t.Cleanup(func() { pool.Close() })
	return pool, clock
}

func TestPeerPool_ReusesConnection(t *testing.T) {
	dials := 0
	pool, _ := newTestPool(t, func(ctx context.Context, addr string) (*grpc.ClientConn, error) {
		dials++
		return idleDial(ctx, addr)
	})

	first, err := pool.Get(context.Background(), "peer-a")
	require.NoError(t, err)
	second, err := pool.Get(context.Background(), "peer-a")
	require.NoError(t, err)

	assert.Same(t, first, second)
	assert.Equal(t, 1, dials)
	assert.Equal(t, PoolStats{Total: 1, Healthy: 1}, pool.Stats())
}

func TestPeerPool_CircuitBreaker(t *testing.T) {
	pool, clock := newTestPool(t, idleDial)
	ctx := context.Background()

	_, err := pool.Get(ctx, "peer-a")
	require.NoError(t, err)

	pool.RecordFailure("peer-a")
	pool.RecordFailure("peer-a")
	assert.Equal(t, CircuitClosed, pool.State("peer-a"))
	pool.RecordFailure("peer-a")
	assert.Equal(t, CircuitOpen, pool.State("peer-a"))

	_, err = pool.Get(ctx, "peer-a")
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.Equal(t, 1, pool.Stats().CircuitOpen)

	// Not cooled down yet.
	clock.Advance(10 * time.Second)
	pool.performMaintenance()
	assert.Equal(t, CircuitOpen, pool.State("peer-a"))

	clock.Advance(30 * time.Second)
	pool.performMaintenance()
	assert.Equal(t, CircuitHalfOpen, pool.State("peer-a"))

	// One failure while half-open opens the circuit again.
	pool.RecordFailure("peer-a")
	assert.Equal(t, CircuitOpen, pool.State("peer-a"))

	clock.Advance(31 * time.Second)
	pool.performMaintenance()
	_, err = pool.Get(ctx, "peer-a")
	require.NoError(t, err)
	pool.RecordSuccess("peer-a")
	assert.Equal(t, CircuitClosed, pool.State("peer-a"))
}

func TestPeerPool_RemovesIdleConnections(t *testing.T) {
	pool, clock := newTestPool(t, idleDial)

	_, err := pool.Get(context.Background(), "peer-a")
	require.NoError(t, err)

	clock.Advance(2 * time.Minute)
	pool.performMaintenance()
	assert.Equal(t, 0, pool.Stats().Total)
}

func TestPeerPool_DialFailure(t *testing.T) {
	pool, _ := newTestPool(t, func(context.Context, string) (*grpc.ClientConn, error) {
		return nil, errors.New("refused")
	})

	_, err := pool.Get(context.Background(), "peer-a")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "peer-a")
	assert.Equal(t, CircuitClosed, pool.State("peer-a"))

	// Unknown peers are ignored.
	pool.RecordFailure("peer-a")
	pool.RecordSuccess("peer-a")
	assert.Equal(t, 0, pool.Stats().Total)
}
