// Package metrics exposes store and transport counters to Prometheus and
// serves the node health endpoints.
package metrics

import (
	"strconv"

	"datanet/pkg/data"
	"datanet/pkg/storage"
	"datanet/pkg/types"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics implements storage.Observer and network.Observer.
type Metrics struct {
	// Store metrics
	Requests      *prometheus.CounterVec
	StoreEntries  *prometheus.GaugeVec
	PrunedEntries *prometheus.CounterVec

	// Transport metrics
	Broadcasts      *prometheus.CounterVec
	Inbound         *prometheus.CounterVec
	PeerConnections *prometheus.GaugeVec

	// Health metrics
	HealthScore     prometheus.Gauge
	LastHealthCheck prometheus.Gauge
}

// New creates and registers the instruments. A nil registry uses the
// default registerer.
func New(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}
	factory := promauto.With(registry)

	return &Metrics{
		Requests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "datanet_store_requests_total",
			Help: "Requests applied to stores by operation and result reason",
		}, []string{"store", "operation", "reason", "stored"}),
		StoreEntries: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "datanet_store_entries",
			Help: "Number of entries held per store, tombstones included",
		}, []string{"store"}),
		PrunedEntries: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "datanet_store_pruned_total",
			Help: "Entries dropped by pruning",
		}, []string{"store"}),

		Broadcasts: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "datanet_broadcast_peers_total",
			Help: "Peers reached or missed by broadcasts",
		}, []string{"transport", "result"}),
		Inbound: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "datanet_inbound_requests_total",
			Help: "Requests received from peers by pipeline result",
		}, []string{"transport", "result"}),
		PeerConnections: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "datanet_peer_connections",
			Help: "Pooled peer connections by state",
		}, []string{"state"}),

		HealthScore: factory.NewGauge(prometheus.GaugeOpts{
			Name: "datanet_health_score",
			Help: "Node health score (0-100)",
		}),
		LastHealthCheck: factory.NewGauge(prometheus.GaugeOpts{
			Name: "datanet_last_health_check_timestamp",
			Help: "Timestamp of last health check",
		}),
	}
}

func (m *Metrics) ObserveResult(storeKey, operation string, result storage.Result) {
	m.Requests.WithLabelValues(storeKey, operation, result.Reason.String(), strconv.FormatBool(result.Stored)).Inc()
}

func (m *Metrics) ObserveSize(storeKey string, size int) {
	m.StoreEntries.WithLabelValues(storeKey).Set(float64(size))
}

func (m *Metrics) ObservePruned(storeKey string, count int) {
	m.PrunedEntries.WithLabelValues(storeKey).Add(float64(count))
}

func (m *Metrics) ObserveBroadcast(transport types.TransportType, outcome data.Outcome) {
	m.Broadcasts.WithLabelValues(string(transport), "success").Add(float64(outcome.NumSuccess))
	m.Broadcasts.WithLabelValues(string(transport), "fault").Add(float64(outcome.NumFaults))
}

func (m *Metrics) ObserveInbound(transport types.TransportType, result string) {
	m.Inbound.WithLabelValues(string(transport), result).Inc()
}
