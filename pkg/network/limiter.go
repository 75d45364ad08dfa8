package network

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	DefaultInboundRate  = 50
	DefaultInboundBurst = 200
)

// InboundLimiter keeps one token bucket per peer. A peer flooding requests
// is throttled without affecting the others.
type InboundLimiter struct {
	mu    sync.Mutex
	limit rate.Limit
	burst int
	peers map[string]*peerLimiter
	now   func() time.Time
}

type peerLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewInboundLimiter allows perSecond requests per peer with the given burst.
func NewInboundLimiter(perSecond float64, burst int) *InboundLimiter {
	if perSecond <= 0 {
		perSecond = DefaultInboundRate
	}
	if burst <= 0 {
		burst = DefaultInboundBurst
	}
	return &InboundLimiter{
		limit: rate.Limit(perSecond),
		burst: burst,
		peers: make(map[string]*peerLimiter),
		now:   time.Now,
	}
}

// Allow reports whether one more request from peer may be processed now.
func (l *InboundLimiter) Allow(peer string) bool {
	l.mu.Lock()
	now := l.now()
	pl, ok := l.peers[peer]
	if !ok {
		pl = &peerLimiter{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.peers[peer] = pl
	}
	pl.lastSeen = now
	l.mu.Unlock()

	return pl.limiter.AllowN(now, 1)
}

// Sweep forgets peers idle for longer than maxIdle and returns how many were
// dropped.
func (l *InboundLimiter) Sweep(maxIdle time.Duration) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	dropped := 0
	for peer, pl := range l.peers {
		if now.Sub(pl.lastSeen) > maxIdle {
			delete(l.peers, peer)
			dropped++
		}
	}
	return dropped
}
