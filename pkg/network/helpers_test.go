package network

import (
	"context"
	"sync"
	"testing"
	"time"

	"datanet/pkg/data"
	"datanet/pkg/payload"
	"datanet/pkg/security"
	"datanet/pkg/storage"
	"datanet/pkg/types"

	"github.com/stretchr/testify/require"
)

type recordingHandler struct {
	mu      sync.Mutex
	reqs    []storage.DataRequest
	origins []data.Origin
}

func (h *recordingHandler) OnMessage(_ context.Context, req storage.DataRequest, origin data.Origin) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.reqs = append(h.reqs, req)
	h.origins = append(h.origins, origin)
}

func (h *recordingHandler) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.reqs)
}

func (h *recordingHandler) origin(i int) data.Origin {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.origins[i]
}

func (h *recordingHandler) request(i int) storage.DataRequest {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.reqs[i]
}

type countingObserver struct {
	mu         sync.Mutex
	broadcasts []data.Outcome
	inbound    map[string]int
}

func newCountingObserver() *countingObserver {
	return &countingObserver{inbound: make(map[string]int)}
}

func (o *countingObserver) ObserveBroadcast(_ types.TransportType, outcome data.Outcome) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.broadcasts = append(o.broadcasts, outcome)
}

func (o *countingObserver) ObserveInbound(_ types.TransportType, result string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.inbound[result]++
}

func (o *countingObserver) inboundCount(result string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.inbound[result]
}

func noteRequest(t *testing.T, text string) *storage.AddAuthenticatedDataRequest {
	t.Helper()
	kp, err := security.GenerateKeyPair()
	require.NoError(t, err)
	note := &payload.Note{Author: "alice", Text: text, Created: time.Now().UnixMilli()}
	return storage.NewAddAuthenticatedDataRequest(note, kp, 1, time.Now())
}
