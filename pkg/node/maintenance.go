package node

import (
	"time"

	"go.uber.org/zap"
)

const (
	MaintenanceInterval = time.Minute
	// LimiterIdleTimeout drops the token bucket of a peer that has been
	// silent this long.
	LimiterIdleTimeout = 10 * time.Minute
)

func (n *Node) maintenanceLoop() {
	defer n.wg.Done()

	ticker := time.NewTicker(MaintenanceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-n.ctx.Done():
			return
		case <-ticker.C:
			n.performMaintenance()
		}
	}
}

func (n *Node) performMaintenance() {
	swept := n.limiter.Sweep(LimiterIdleTimeout)

	fields := []zap.Field{
		zap.Int("limiters_swept", swept),
		zap.Int("seen_cache", n.seen.Len()),
	}
	if n.grpc != nil {
		stats := n.grpc.PoolStats()
		fields = append(fields,
			zap.Int("pooled_peers", stats.Total),
			zap.Int("healthy_peers", stats.Healthy),
			zap.Int("circuit_open", stats.CircuitOpen))
	}
	n.logger.Debug("Maintenance completed", fields...)
}
