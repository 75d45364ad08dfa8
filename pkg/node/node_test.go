package node

import (
	"context"
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"
	"time"

	"datanet/pkg/config"
	"datanet/pkg/payload"
	"datanet/pkg/persistence"
	"datanet/pkg/security"
	"datanet/pkg/storage"
	"datanet/pkg/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func testConfig(t *testing.T, id string) *config.Config {
	cfg := config.Default()
	cfg.NodeID = id
	cfg.DataDir = t.TempDir()
	cfg.GRPC.ListenAddr = "127.0.0.1:0"
	cfg.Sync.InventoryInterval = config.Duration(time.Hour)
	return cfg
}

func startNode(t *testing.T, cfg *config.Config) *Node {
	t.Helper()
	n, err := New(cfg, nil, zaptest.NewLogger(t))
	require.NoError(t, err)
	require.NoError(t, n.Start(context.Background()))
	t.Cleanup(n.Stop)
	return n
}

func noteCount(n *Node) int {
	store, ok := n.StorageService().FindStore(types.StoreTypeAuthenticated, payload.NoteMetaData.StoreKey())
	if !ok {
		return 0
	}
	return store.Len()
}

func TestNew(t *testing.T) {
	cfg := testConfig(t, "")
	n, err := New(cfg, nil, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer n.Stop()

	_, err = os.Stat(filepath.Join(cfg.DataDir, "keys", "node.key"))
	require.NoError(t, err)
	assert.Len(t, string(n.ID()), 16)
	assert.NotNil(t, n.GRPC())
	assert.Nil(t, n.GRPCAddr())

	again, err := New(cfg, nil, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer again.Stop()
	assert.Equal(t, n.KeyPair().PublicKeyBytes(), again.KeyPair().PublicKeyBytes())
	assert.Equal(t, n.ID(), again.ID())
}

func TestNew_InvalidConfig(t *testing.T) {
	cfg := testConfig(t, "bad")
	cfg.Storage.MaxMapSize = 0
	_, err := New(cfg, nil, zaptest.NewLogger(t))
	assert.ErrorIs(t, err, config.ErrInvalidConfig)

	cfg = testConfig(t, "bad-role")
	cfg.Roles = []config.RoleGrant{{PublicKey: "not-hex", Classes: []string{payload.AnnouncementClass}}}
	_, err = New(cfg, nil, zaptest.NewLogger(t))
	assert.ErrorIs(t, err, config.ErrInvalidConfig)
}

func TestRoleGrants(t *testing.T) {
	kp, err := security.GenerateKeyPair()
	require.NoError(t, err)

	cfg := testConfig(t, "roles")
	cfg.GRPC.Enabled = false
	cfg.Roles = []config.RoleGrant{{
		PublicKey: hex.EncodeToString(kp.PublicKeyBytes()),
		Classes:   []string{payload.AnnouncementClass},
	}}
	n, err := New(cfg, nil, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer n.Stop()

	assert.True(t, n.Roles().IsAuthorized(kp.PublicKeyBytes(), payload.AnnouncementClass))
	assert.False(t, n.Roles().IsAuthorized(kp.PublicKeyBytes(), payload.NoteClass))
}

func TestStartTwice(t *testing.T) {
	n := startNode(t, testConfig(t, "twice"))
	assert.ErrorIs(t, n.Start(context.Background()), ErrAlreadyStarted)
	assert.True(t, n.HealthMonitor().IsReady())
}

func TestReplicationOverGRPC(t *testing.T) {
	a := startNode(t, testConfig(t, "alpha"))

	cfgB := testConfig(t, "beta")
	cfgB.GRPC.Peers = []string{a.GRPCAddr().String()}
	b := startNode(t, cfgB)
	a.GRPC().AddPeer(b.GRPCAddr().String())

	owner, err := security.GenerateKeyPair()
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	result, err := b.DataService().AddAuthenticatedData(ctx, &payload.Note{Author: "bo", Text: "replicate me"}, owner)
	require.NoError(t, err)
	require.True(t, result.Local.Stored)

	outcomes, err := result.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, outcomes[types.TransportGRPC].NumSuccess)

	require.Eventually(t, func() bool { return noteCount(a) == 1 }, 5*time.Second, 20*time.Millisecond)
	assert.Equal(t, 1, noteCount(b))
}

func TestInventorySyncOnJoin(t *testing.T) {
	a := startNode(t, testConfig(t, "alpha"))
	owner, err := security.GenerateKeyPair()
	require.NoError(t, err)
	ctx := context.Background()

	for _, text := range []string{"one", "two", "three"} {
		_, err := a.DataService().AddAuthenticatedData(ctx, &payload.Note{Author: "al", Text: text}, owner)
		require.NoError(t, err)
	}

	cfgB := testConfig(t, "beta")
	cfgB.GRPC.Peers = []string{a.GRPCAddr().String()}
	b := startNode(t, cfgB)

	// The first sync round runs on Start.
	require.Eventually(t, func() bool { return noteCount(b) == 3 }, 5*time.Second, 20*time.Millisecond)

	stats, err := b.DataService().RequestInventory(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.Applied)
	assert.False(t, stats.DataMissing)
}

func TestStopPersistsStores(t *testing.T) {
	cfg := testConfig(t, "persist")
	n, err := New(cfg, nil, zaptest.NewLogger(t))
	require.NoError(t, err)
	require.NoError(t, n.Start(context.Background()))

	owner, err := security.GenerateKeyPair()
	require.NoError(t, err)
	_, err = n.DataService().AddAuthenticatedData(context.Background(), &payload.Note{Author: "p", Text: "kept"}, owner)
	require.NoError(t, err)
	n.Stop()
	n.Stop()

	path := filepath.Join(storage.StoreDir(cfg.DataDir, types.StoreTypeAuthenticated), payload.NoteMetaData.StoreKey()+persistence.Extension)
	_, entries, err := storage.ReadStoreFile(path, payload.NewRegistry())
	require.NoError(t, err)
	assert.Len(t, entries, 1)

	reopened, err := New(cfg, nil, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer reopened.Stop()
	assert.Equal(t, 1, noteCount(reopened))
}
