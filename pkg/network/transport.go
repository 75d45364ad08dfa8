// Package network carries data requests between nodes. Every transport
// implements data.Broadcaster and hands inbound requests to a
// data.MessageHandler after rate limiting and de-duplication.
package network

import (
	"context"
	"errors"
	"fmt"

	"datanet/pkg/data"
	"datanet/pkg/security"
	"datanet/pkg/storage"
	"datanet/pkg/types"
	"datanet/pkg/wire"

	"go.uber.org/zap"
)

var (
	// ErrRateLimited is returned for inbound requests dropped by the flood
	// guard.
	ErrRateLimited = errors.New("peer rate limited")
	// ErrTransportClosed resolves broadcasts issued after Close.
	ErrTransportClosed = errors.New("transport closed")
)

// Inbound results reported to the Observer.
const (
	InboundAccepted    = "accepted"
	InboundDuplicate   = "duplicate"
	InboundRateLimited = "rate_limited"
	InboundInvalid     = "invalid"
)

// Observer receives transport counters.
type Observer interface {
	ObserveBroadcast(transport types.TransportType, outcome data.Outcome)
	ObserveInbound(transport types.TransportType, result string)
}

type nopObserver struct{}

func (nopObserver) ObserveBroadcast(types.TransportType, data.Outcome) {}
func (nopObserver) ObserveInbound(types.TransportType, string)         {}

// InboundConfig is shared by all transports.
type InboundConfig struct {
	Registry *storage.Registry
	Handler  data.MessageHandler
	Seen     *SeenCache
	Limiter  *InboundLimiter
	Observer Observer
}

// inbound is the receive pipeline: rate limit, de-duplicate, decode and
// dispatch.
type inbound struct {
	transport types.TransportType
	cfg       InboundConfig
	logger    *zap.Logger
}

func newInbound(transport types.TransportType, cfg InboundConfig, logger *zap.Logger) *inbound {
	if cfg.Seen == nil {
		cfg.Seen = NewSeenCache(0, 0)
	}
	if cfg.Limiter == nil {
		cfg.Limiter = NewInboundLimiter(0, 0)
	}
	if cfg.Observer == nil {
		cfg.Observer = nopObserver{}
	}
	return &inbound{transport: transport, cfg: cfg, logger: logger}
}

// source identifies where an inbound frame came from. peer is the node id
// the sender claims and is only used for logging and the request origin.
// limitKey is the transport level address the flood guard counts against.
type source struct {
	peer     string
	limitKey string
}

func (in *inbound) deliver(ctx context.Context, src source, encoded []byte) error {
	peer := src.peer
	if !in.cfg.Limiter.Allow(src.limitKey) {
		in.cfg.Observer.ObserveInbound(in.transport, InboundRateLimited)
		in.logger.Debug("Dropped request from rate limited peer",
			zap.String("peer", peer),
			zap.String("address", src.limitKey))
		return ErrRateLimited
	}
	if !in.cfg.Seen.MarkSeen(security.Digest(encoded)) {
		in.cfg.Observer.ObserveInbound(in.transport, InboundDuplicate)
		return nil
	}

	req, err := in.cfg.Registry.DecodeRequest(encoded)
	if err != nil {
		in.cfg.Observer.ObserveInbound(in.transport, InboundInvalid)
		return fmt.Errorf("failed to decode request from %s: %w", peer, err)
	}
	in.cfg.Observer.ObserveInbound(in.transport, InboundAccepted)
	if in.cfg.Handler != nil {
		in.cfg.Handler.OnMessage(ctx, req, data.Origin{Transport: in.transport, Peer: peer})
	}
	return nil
}

// markOutbound records a request this node sends so its echo is ignored.
func (in *inbound) markOutbound(encoded []byte) {
	in.cfg.Seen.MarkSeen(security.Digest(encoded))
}

// envelope frames a request with the node that sent it. Used by transports
// that have no per-call metadata.
type envelope struct {
	Sender  string
	Request []byte
}

func (e envelope) encode() []byte {
	return wire.NewEncoder().String(1, e.Sender).Bytes(2, e.Request).Encode()
}

func decodeEnvelope(b []byte) (envelope, error) {
	var e envelope
	err := wire.Decode(b, func(f wire.Field) error {
		switch f.Num {
		case 1:
			e.Sender = f.String()
		case 2:
			e.Request = f.CopyBytes()
		}
		return nil
	})
	if err != nil {
		return e, fmt.Errorf("failed to decode envelope: %w", err)
	}
	if e.Sender == "" || len(e.Request) == 0 {
		return e, errors.New("incomplete envelope")
	}
	return e, nil
}
