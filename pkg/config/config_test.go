package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestDefault_IsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, filepath.Join("data", "keys", "node.key"), filepath.Clean(cfg.KeyPath()))
	assert.Equal(t, time.Hour, cfg.Storage.PruneInterval.Std())
}

func TestLoad_YAML(t *testing.T) {
	path := writeConfig(t, "node.yaml", `
node_id: alpha
data_dir: /var/lib/datanet
storage:
  max_age: 48h
  inventory_max_size: 512KiB
sync:
  inventory_interval: 30s
grpc:
  listen_addr: ":9000"
  peers: ["beta:9000", "gamma:9000"]
mesh:
  enabled: true
  port: 7500
roles:
  - public_key: "abcd"
    classes: ["Attestation"]
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "alpha", cfg.NodeID)
	assert.Equal(t, 48*time.Hour, cfg.Storage.MaxAge.Std())
	assert.Equal(t, 524288, cfg.Storage.InventoryMaxSize.Int())
	assert.Equal(t, 30*time.Second, cfg.Sync.InventoryInterval.Std())
	assert.Equal(t, []string{"beta:9000", "gamma:9000"}, cfg.GRPC.Peers)
	assert.True(t, cfg.Mesh.Enabled)
	assert.Equal(t, 7500, cfg.Mesh.Port)
	assert.Equal(t, "datanet", cfg.Mesh.Channel)
	assert.Equal(t, 10_000, cfg.Storage.MaxMapSize)
	require.Len(t, cfg.Roles, 1)
	assert.Equal(t, []string{"Attestation"}, cfg.Roles[0].Classes)
	assert.Equal(t, "/var/lib/datanet/keys/node.key", cfg.KeyPath())
}

func TestLoad_JSON(t *testing.T) {
	path := writeConfig(t, "node.json", `{
  "node_id": "beta",
  "storage": {"max_age": "1h", "inventory_max_size": 1024},
  "mqtt": {"enabled": true, "broker": "tcp://localhost:1883", "qos": 0}
}`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, time.Hour, cfg.Storage.MaxAge.Std())
	assert.Equal(t, DataSize(1024), cfg.Storage.InventoryMaxSize)
	assert.True(t, cfg.MQTT.Enabled)
	assert.Equal(t, byte(0), cfg.MQTT.QoS)
}

func TestLoad_Errors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	_, err = Load(writeConfig(t, "bad.yaml", "storage:\n  max_age: soon\n"))
	assert.Error(t, err)

	_, err = Load(writeConfig(t, "invalid.yaml", "mqtt:\n  enabled: true\n"))
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("DATANET_NODE_ID", "env-node")
	t.Setenv("DATANET_GRPC_PEERS", "a:1, b:2,")
	t.Setenv("DATANET_MQTT_BROKER", "tcp://broker:1883")
	t.Setenv("DATANET_METRICS_ADDR", ":9999")
	t.Setenv("DATANET_MAX_MAP_SIZE", "42")

	cfg, err := LoadFromEnv()
	require.NoError(t, err)

	assert.Equal(t, "env-node", cfg.NodeID)
	assert.Equal(t, []string{"a:1", "b:2"}, cfg.GRPC.Peers)
	assert.True(t, cfg.MQTT.Enabled)
	assert.Equal(t, "tcp://broker:1883", cfg.MQTT.Broker)
	assert.True(t, cfg.Metrics.Enabled)
	assert.Equal(t, ":9999", cfg.Metrics.Addr)
	assert.Equal(t, 42, cfg.Storage.MaxMapSize)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty data dir", func(c *Config) { c.DataDir = "" }},
		{"zero map size", func(c *Config) { c.Storage.MaxMapSize = 0 }},
		{"zero max age", func(c *Config) { c.Storage.MaxAge = 0 }},
		{"zero inventory size", func(c *Config) { c.Storage.InventoryMaxSize = 0 }},
		{"zero rounds", func(c *Config) { c.Sync.MaxInventoryRounds = 0 }},
		{"grpc without addr", func(c *Config) { c.GRPC.ListenAddr = "" }},
		{"tls without cert", func(c *Config) { c.GRPC.TLS.Enabled = true }},
		{"mesh port", func(c *Config) { c.Mesh.Enabled = true; c.Mesh.Port = 70000 }},
		{"qos", func(c *Config) { c.MQTT.QoS = 3 }},
		{"metrics without addr", func(c *Config) { c.Metrics.Enabled = true; c.Metrics.Addr = "" }},
		{"role without classes", func(c *Config) { c.Roles = []RoleGrant{{PublicKey: "ab"}} }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.ErrorIs(t, cfg.Validate(), ErrInvalidConfig)
		})
	}
}
