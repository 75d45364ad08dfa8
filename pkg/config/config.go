// Package config loads the node configuration from YAML or JSON files with
// DATANET_* environment overrides.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"datanet/pkg/network"

	"gopkg.in/yaml.v3"
)

// ErrInvalidConfig wraps every validation failure.
var ErrInvalidConfig = errors.New("invalid config")

type Config struct {
	NodeID  string `yaml:"node_id" json:"node_id"`
	DataDir string `yaml:"data_dir" json:"data_dir"`
	// KeyFile holds the node's ed25519 seed. Defaults to
	// <data_dir>/keys/node.key.
	KeyFile string `yaml:"key_file" json:"key_file"`

	Storage StorageConfig `yaml:"storage" json:"storage"`
	Sync    SyncConfig    `yaml:"sync" json:"sync"`
	GRPC    GRPCConfig    `yaml:"grpc" json:"grpc"`
	Mesh    MeshConfig    `yaml:"mesh" json:"mesh"`
	MQTT    MQTTConfig    `yaml:"mqtt" json:"mqtt"`
	Metrics MetricsConfig `yaml:"metrics" json:"metrics"`
	// Roles grants bonded roles to keys for authorized payloads.
	Roles []RoleGrant `yaml:"roles" json:"roles"`
}

type StorageConfig struct {
	MaxMapSize       int      `yaml:"max_map_size" json:"max_map_size"`
	MaxAge           Duration `yaml:"max_age" json:"max_age"`
	PersistInterval  Duration `yaml:"persist_interval" json:"persist_interval"`
	PruneInterval    Duration `yaml:"prune_interval" json:"prune_interval"`
	InventoryMaxSize DataSize `yaml:"inventory_max_size" json:"inventory_max_size"`
}

type SyncConfig struct {
	InventoryInterval  Duration `yaml:"inventory_interval" json:"inventory_interval"`
	MaxInventoryRounds int      `yaml:"max_inventory_rounds" json:"max_inventory_rounds"`
}

type GRPCConfig struct {
	Enabled    bool              `yaml:"enabled" json:"enabled"`
	ListenAddr string            `yaml:"listen_addr" json:"listen_addr"`
	Peers      []string          `yaml:"peers" json:"peers"`
	TLS        network.TLSConfig `yaml:"tls" json:"tls"`
	RateLimit  float64           `yaml:"rate_limit" json:"rate_limit"`
	Burst      int               `yaml:"burst" json:"burst"`
}

type MeshConfig struct {
	Enabled  bool     `yaml:"enabled" json:"enabled"`
	Host     string   `yaml:"host" json:"host"`
	Port     int      `yaml:"port" json:"port"`
	Peers    []string `yaml:"peers" json:"peers"`
	Password string   `yaml:"password" json:"password"`
	Channel  string   `yaml:"channel" json:"channel"`
}

type MQTTConfig struct {
	Enabled  bool   `yaml:"enabled" json:"enabled"`
	Broker   string `yaml:"broker" json:"broker"`
	Username string `yaml:"username" json:"username"`
	Password string `yaml:"password" json:"password"`
	Topic    string `yaml:"topic" json:"topic"`
	QoS      byte   `yaml:"qos" json:"qos"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Addr    string `yaml:"addr" json:"addr"`
}

// RoleGrant authorizes a hex encoded ed25519 public key for payload classes.
type RoleGrant struct {
	PublicKey string   `yaml:"public_key" json:"public_key"`
	Classes   []string `yaml:"classes" json:"classes"`
}

// Default returns a config for a single node listening for gRPC peers.
func Default() *Config {
	return &Config{
		DataDir: "./data",
		Storage: StorageConfig{
			MaxMapSize:       10_000,
			MaxAge:           Duration(10 * 24 * time.Hour),
			PersistInterval:  Duration(time.Second),
			PruneInterval:    Duration(time.Hour),
			InventoryMaxSize: DataSize(2 * 1024 * 1024),
		},
		Sync: SyncConfig{
			InventoryInterval:  Duration(time.Minute),
			MaxInventoryRounds: 10,
		},
		GRPC: GRPCConfig{
			Enabled:    true,
			ListenAddr: ":7401",
		},
		Mesh: MeshConfig{
			Port:    7402,
			Channel: "datanet",
		},
		MQTT: MQTTConfig{
			Topic: network.DefaultMQTTTopic,
			QoS:   1,
		},
		Metrics: MetricsConfig{
			Addr: ":9401",
		},
	}
}

// Load reads a YAML or JSON (by extension) config file over the defaults,
// applies environment overrides and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		err = json.Unmarshal(data, cfg)
	default:
		err = yaml.Unmarshal(data, cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromEnv returns the defaults with environment overrides applied.
func LoadFromEnv() (*Config, error) {
	cfg := Default()
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.NodeID = getEnv("DATANET_NODE_ID", c.NodeID)
	c.DataDir = getEnv("DATANET_DATA_DIR", c.DataDir)
	c.KeyFile = getEnv("DATANET_KEY_FILE", c.KeyFile)

	c.GRPC.ListenAddr = getEnv("DATANET_GRPC_ADDR", c.GRPC.ListenAddr)
	if peers := os.Getenv("DATANET_GRPC_PEERS"); peers != "" {
		c.GRPC.Peers = splitList(peers)
	}
	if peers := os.Getenv("DATANET_MESH_PEERS"); peers != "" {
		c.Mesh.Enabled = true
		c.Mesh.Peers = splitList(peers)
	}
	if broker := os.Getenv("DATANET_MQTT_BROKER"); broker != "" {
		c.MQTT.Enabled = true
		c.MQTT.Broker = broker
	}
	c.MQTT.Username = getEnv("DATANET_MQTT_USERNAME", c.MQTT.Username)
	c.MQTT.Password = getEnv("DATANET_MQTT_PASSWORD", c.MQTT.Password)
	if addr := os.Getenv("DATANET_METRICS_ADDR"); addr != "" {
		c.Metrics.Enabled = true
		c.Metrics.Addr = addr
	}
	if v := os.Getenv("DATANET_MAX_MAP_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Storage.MaxMapSize = n
		}
	}
}

// Validate reports the first invalid field.
func (c *Config) Validate() error {
	switch {
	case c.DataDir == "":
		return fmt.Errorf("%w: data_dir is required", ErrInvalidConfig)
	case c.Storage.MaxMapSize <= 0:
		return fmt.Errorf("%w: storage.max_map_size must be positive", ErrInvalidConfig)
	case c.Storage.MaxAge <= 0:
		return fmt.Errorf("%w: storage.max_age must be positive", ErrInvalidConfig)
	case c.Storage.InventoryMaxSize <= 0:
		return fmt.Errorf("%w: storage.inventory_max_size must be positive", ErrInvalidConfig)
	case c.Sync.MaxInventoryRounds <= 0:
		return fmt.Errorf("%w: sync.max_inventory_rounds must be positive", ErrInvalidConfig)
	case c.GRPC.Enabled && c.GRPC.ListenAddr == "":
		return fmt.Errorf("%w: grpc.listen_addr is required", ErrInvalidConfig)
	case c.GRPC.TLS.Enabled && (c.GRPC.TLS.CertPath == "" || c.GRPC.TLS.KeyPath == ""):
		return fmt.Errorf("%w: grpc.tls requires cert_path and key_path", ErrInvalidConfig)
	case c.Mesh.Enabled && (c.Mesh.Port <= 0 || c.Mesh.Port > 65535):
		return fmt.Errorf("%w: mesh.port out of range", ErrInvalidConfig)
	case c.MQTT.Enabled && c.MQTT.Broker == "":
		return fmt.Errorf("%w: mqtt.broker is required", ErrInvalidConfig)
	case c.MQTT.QoS > 2:
		return fmt.Errorf("%w: mqtt.qos must be 0, 1 or 2", ErrInvalidConfig)
	case c.Metrics.Enabled && c.Metrics.Addr == "":
		return fmt.Errorf("%w: metrics.addr is required", ErrInvalidConfig)
	}
	for i, grant := range c.Roles {
		if grant.PublicKey == "" || len(grant.Classes) == 0 {
			return fmt.Errorf("%w: roles[%d] needs public_key and classes", ErrInvalidConfig, i)
		}
	}
	return nil
}

// KeyPath returns the key file location.
func (c *Config) KeyPath() string {
	if c.KeyFile != "" {
		return c.KeyFile
	}
	return filepath.Join(c.DataDir, "keys", "node.key")
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Duration is a time.Duration written as a string ("90s", "10m") in config
// files.
type Duration time.Duration

func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

func (d Duration) String() string {
	return time.Duration(d).String()
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return d.String(), nil
}

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return fmt.Errorf("duration must be a string: %w", err)
	}
	return d.parse(s)
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("duration must be a string: %w", err)
	}
	return d.parse(s)
}

func (d *Duration) parse(s string) error {
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(v)
	return nil
}
