package data

import (
	"context"
	"sync"

	"datanet/pkg/storage"
	"datanet/pkg/types"

	"golang.org/x/sync/errgroup"
)

// Broadcaster sends requests to the peers of one transport.
type Broadcaster interface {
	TransportType() types.TransportType
	// Broadcast sends a locally originated request. It must not block on
	// network I/O.
	Broadcast(ctx context.Context, req storage.DataRequest) *Future
	// ReBroadcast forwards a request received from a peer.
	ReBroadcast(req storage.DataRequest)
}

// InventoryRequester is implemented by broadcasters that can ask their peers
// for the entries missing locally.
type InventoryRequester interface {
	RequestInventory(ctx context.Context, filter storage.DataFilter) ([]storage.Inventory, error)
}

// BroadcastResult is returned by every mutation. Local is the store result;
// the futures resolve once each transport finished sending.
type BroadcastResult struct {
	Local storage.Result

	mu      sync.Mutex
	futures map[types.TransportType][]*Future
}

func newBroadcastResult(local storage.Result) *BroadcastResult {
	return &BroadcastResult{Local: local, futures: make(map[types.TransportType][]*Future)}
}

func (r *BroadcastResult) add(transport types.TransportType, f *Future) {
	r.mu.Lock()
	r.futures[transport] = append(r.futures[transport], f)
	r.mu.Unlock()
}

// IsEmpty reports whether nothing was broadcast.
func (r *BroadcastResult) IsEmpty() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.futures) == 0
}

// Futures returns the futures per transport.
func (r *BroadcastResult) Futures() map[types.TransportType][]*Future {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[types.TransportType][]*Future, len(r.futures))
	for k, v := range r.futures {
		out[k] = append([]*Future(nil), v...)
	}
	return out
}

// Wait waits for every future and sums the outcomes per transport. The first
// broadcaster error is returned alongside the outcomes collected so far.
func (r *BroadcastResult) Wait(ctx context.Context) (map[types.TransportType]Outcome, error) {
	futures := r.Futures()

	var mu sync.Mutex
	outcomes := make(map[types.TransportType]Outcome, len(futures))
	g, gctx := errgroup.WithContext(ctx)
	for transport, fs := range futures {
		for _, f := range fs {
			transport, f := transport, f
			g.Go(func() error {
				outcome, err := f.Wait(gctx)
				mu.Lock()
				total := outcomes[transport]
				total.NumSuccess += outcome.NumSuccess
				total.NumFaults += outcome.NumFaults
				outcomes[transport] = total
				mu.Unlock()
				return err
			})
		}
	}
	err := g.Wait()
	return outcomes, err
}
