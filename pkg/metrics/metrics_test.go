package metrics

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"datanet/pkg/data"
	"datanet/pkg/storage"
	"datanet/pkg/types"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type fakeStore struct {
	storage.Store
	key string
	n   int
}

func (s fakeStore) StoreKey() string { return s.key }
func (s fakeStore) Len() int         { return s.n }

type fakeStores []storage.Store

func (f fakeStores) Stores() []storage.Store { return f }

func TestMetrics_Observers(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.ObserveResult("note", "add", storage.Result{Stored: true})
	m.ObserveResult("note", "add", storage.Result{Stored: true})
	m.ObserveResult("note", "add", storage.Result{Reason: storage.SignatureInvalid})
	m.ObserveSize("note", 7)
	m.ObservePruned("note", 3)
	m.ObserveBroadcast(types.TransportGRPC, data.Outcome{NumSuccess: 2, NumFaults: 1})
	m.ObserveInbound(types.TransportMesh, "duplicate")

	assert.Equal(t, 2.0, testutil.ToFloat64(m.Requests.WithLabelValues("note", "add", "OK", "true")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Requests.WithLabelValues("note", "add", "SIGNATURE_INVALID", "false")))
	assert.Equal(t, 7.0, testutil.ToFloat64(m.StoreEntries.WithLabelValues("note")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.PrunedEntries.WithLabelValues("note")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.Broadcasts.WithLabelValues("grpc", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Broadcasts.WithLabelValues("grpc", "fault")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Inbound.WithLabelValues("mesh", "duplicate")))
}

func TestCalculateHealth(t *testing.T) {
	tests := []struct {
		name  string
		stats PeerStats
		want  float64
	}{
		{"no peers", PeerStats{}, 100},
		{"all healthy", PeerStats{Total: 4, Healthy: 4}, 100},
		{"half healthy", PeerStats{Total: 4, Healthy: 2}, 70},
		{"none healthy", PeerStats{Total: 3}, 40},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, calculateHealth(tt.stats), 0.001)
		})
	}
}

func TestHealthMonitor_PerformHealthCheck(t *testing.T) {
	m := New(prometheus.NewRegistry())
	stores := fakeStores{fakeStore{key: "note", n: 5}, fakeStore{key: "letter", n: 2}}
	monitor := NewHealthMonitor(m, stores, func() PeerStats {
		return PeerStats{Total: 2, Healthy: 1, CircuitOpen: 1}
	}, zaptest.NewLogger(t))

	monitor.performHealthCheck()

	health, last := monitor.GetHealth()
	assert.InDelta(t, 70, health, 0.001)
	assert.False(t, last.IsZero())
	assert.Equal(t, 70.0, testutil.ToFloat64(m.HealthScore))
	assert.Equal(t, 5.0, testutil.ToFloat64(m.StoreEntries.WithLabelValues("note")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.PeerConnections.WithLabelValues("circuit_open")))

	assert.False(t, monitor.IsReady())
	monitor.SetReady(true)
	assert.True(t, monitor.IsReady())
}

func TestServer_Endpoints(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := New(registry)
	monitor := NewHealthMonitor(m, nil, func() PeerStats { return PeerStats{Total: 2} }, zaptest.NewLogger(t))
	monitor.performHealthCheck()
	m.ObserveSize("note", 1)

	handler := NewServer(":0", monitor, registry, zaptest.NewLogger(t)).Handler()

	t.Run("health", func(t *testing.T) {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

		var body healthResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		assert.Equal(t, "unhealthy", body.Status)
		assert.InDelta(t, 40, body.HealthScore, 0.001)
	})

	t.Run("ready", func(t *testing.T) {
		monitor.SetReady(true)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "READY", rec.Body.String())
	})

	t.Run("metrics", func(t *testing.T) {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.True(t, strings.Contains(rec.Body.String(), `datanet_store_entries{store="note"} 1`))
	})
}
