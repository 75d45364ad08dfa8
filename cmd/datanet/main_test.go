package main

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"datanet/pkg/metrics"
	"datanet/pkg/payload"
	"datanet/pkg/security"
	"datanet/pkg/storage"
	"datanet/pkg/types"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestCollectSummaries(t *testing.T) {
	dataDir := t.TempDir()
	svc, err := storage.NewService(storage.ServiceConfig{DataDir: dataDir}, payload.NewRegistry(), zaptest.NewLogger(t))
	require.NoError(t, err)

	store, err := svc.GetOrCreateAuthenticatedDataStore(context.Background(), payload.NoteMetaData)
	require.NoError(t, err)
	kp, err := security.GenerateKeyPair()
	require.NoError(t, err)

	now := time.Now()
	add := storage.NewAddAuthenticatedDataRequest(&payload.Note{Author: "a", Text: "kept"}, kp, 1, now)
	require.True(t, store.Add(add).Stored)
	gone := storage.NewAddAuthenticatedDataRequest(&payload.Note{Author: "a", Text: "gone"}, kp, 1, now)
	require.True(t, store.Add(gone).Stored)
	remove := storage.NewRemoveAuthenticatedDataRequest(payload.NoteMetaData, gone.Hash(), kp, 2, now)
	require.True(t, store.Remove(remove).Stored)
	svc.Shutdown()

	summaries, err := collectSummaries(dataDir, payload.NewRegistry(), true)
	require.NoError(t, err)
	require.Len(t, summaries, 1)

	s := summaries[0]
	assert.Equal(t, types.StoreTypeAuthenticated.String(), s.StoreType)
	assert.Equal(t, payload.NoteClass, s.ClassName)
	assert.Equal(t, 2, s.Entries)
	assert.Equal(t, 1, s.Removed)
	assert.Len(t, s.Items, 2)

	var out bytes.Buffer
	renderSummaries(&out, dataDir, summaries, true)
	assert.Contains(t, out.String(), payload.NoteMetaData.StoreKey())
	assert.Contains(t, out.String(), add.Hash().String()[:16])
}

func TestCollectSummaries_Empty(t *testing.T) {
	summaries, err := collectSummaries(t.TempDir(), payload.NewRegistry(), false)
	require.NoError(t, err)
	assert.Empty(t, summaries)

	var out bytes.Buffer
	renderSummaries(&out, "empty", summaries, false)
	assert.Contains(t, out.String(), "No persisted stores.")
}

func TestHealthURL(t *testing.T) {
	tests := []struct {
		addr string
		want string
	}{
		{":9401", "http://localhost:9401/health"},
		{"10.0.0.1:9401", "http://10.0.0.1:9401/health"},
		{"https://node.example/", "https://node.example/health"},
	}
	for _, tt := range tests {
		t.Run(tt.addr, func(t *testing.T) {
			assert.Equal(t, tt.want, healthURL(tt.addr))
		})
	}
}

func TestFetchHealth(t *testing.T) {
	registry := prometheus.NewRegistry()
	monitor := metrics.NewHealthMonitor(metrics.New(registry), nil, func() metrics.PeerStats {
		return metrics.PeerStats{Total: 4, Healthy: 3}
	}, zaptest.NewLogger(t))
	monitor.Start()
	defer monitor.Stop()

	srv := httptest.NewServer(metrics.NewServer(":0", monitor, registry, zaptest.NewLogger(t)).Handler())
	defer srv.Close()

	require.Eventually(t, func() bool {
		health, _ := monitor.GetHealth()
		return health > 0
	}, time.Second, 10*time.Millisecond)

	status, err := fetchHealth(context.Background(), healthURL(srv.URL))
	require.NoError(t, err)
	assert.Equal(t, "healthy", status.Status)
	assert.InDelta(t, 85, status.HealthScore, 0.001)

	var out bytes.Buffer
	renderHealth(&out, srv.URL, status)
	assert.Contains(t, out.String(), "HEALTHY")

	missing := httptest.NewServer(http.NotFoundHandler())
	defer missing.Close()
	_, err = fetchHealth(context.Background(), healthURL(missing.URL))
	assert.Error(t, err)
}
