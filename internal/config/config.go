// Package config provides configuration management for i2kn-node.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "I2KN_"

// DefaultTopic is the pubsub topic heartbeats are published on.
const DefaultTopic = "I2KNV3"

// ErrInvalid is wrapped by every validation failure.
var ErrInvalid = errors.New("invalid configuration")

// Config holds the node configuration.
type Config struct {
	Identity IdentityConfig `yaml:"identity"`
	Swarm    SwarmConfig    `yaml:"swarm"`
	Network  NetworkConfig  `yaml:"network"`
	PubSub   PubSubConfig   `yaml:"pubsub"`
	PeerBook PeerBookConfig `yaml:"peerbook"`
	Metrics  MetricsConfig  `yaml:"metrics"`
}

// IdentityConfig locates the node's private key. PrivateKey takes precedence
// over PrivateKeyFile.
type IdentityConfig struct {
	PrivateKey     string `yaml:"private_key,omitempty"`
	PrivateKeyFile string `yaml:"private_key_file,omitempty"`
}

// SwarmConfig locates the private network token. Key takes precedence over
// KeyFile.
type SwarmConfig struct {
	Key     string `yaml:"key,omitempty"`
	KeyFile string `yaml:"key_file,omitempty"`
}

// NetworkConfig contains network settings.
type NetworkConfig struct {
	Listen      []string `yaml:"listen"`
	Bootstrap   []string `yaml:"bootstrap"`
	MDNSService string   `yaml:"mdns_service"`
	DHT         bool     `yaml:"dht"`
	LowConns    int      `yaml:"low_connections"`
	MaxConns    int      `yaml:"max_connections"`
	Strict      bool     `yaml:"strict"`      // only allow_peers may connect
	AllowPeers  []string `yaml:"allow_peers"` // peer IDs
	DenyPeers   []string `yaml:"deny_peers"`  // peer IDs
}

// PubSubConfig contains heartbeat settings.
type PubSubConfig struct {
	Topic             string `yaml:"topic"`
	HeartbeatInterval string `yaml:"heartbeat_interval"`
	PeerExchange      bool   `yaml:"peer_exchange"`
}

// PeerBookConfig contains peer persistence settings.
type PeerBookConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Path      string `yaml:"path"`
	Announce  int    `yaml:"announce"`  // remembered peers redialed at startup
	Retention string `yaml:"retention"` // peers unseen for longer are forgotten
}

// MetricsConfig contains the Prometheus endpoint. An empty Listen disables it.
type MetricsConfig struct {
	Listen string `yaml:"listen"`
}

// Default returns the default configuration.
func Default() *Config {
	base := BaseDir()

	return &Config{
		Identity: IdentityConfig{
			PrivateKeyFile: filepath.Join(base, "keys", "node.key"),
		},
		Swarm: SwarmConfig{
			KeyFile: filepath.Join(base, "swarm.key"),
		},
		Network: NetworkConfig{
			Listen:      []string{"/ip4/0.0.0.0/tcp/64000"},
			Bootstrap:   []string{},
			MDNSService: "i2kn-mdns",
			LowConns:    100,
			MaxConns:    400,
		},
		PubSub: PubSubConfig{
			Topic:             DefaultTopic,
			HeartbeatInterval: "10s",
			PeerExchange:      true,
		},
		PeerBook: PeerBookConfig{
			Enabled:   true,
			Path:      filepath.Join(base, "peers.db"),
			Announce:  50,
			Retention: "720h",
		},
	}
}

// BaseDir returns the default data directory.
func BaseDir() string {
	homeDir, _ := os.UserHomeDir()
	return filepath.Join(homeDir, ".i2kn")
}

// DefaultPath returns the default config file path.
func DefaultPath() string {
	return filepath.Join(BaseDir(), "config.yaml")
}

// Load loads configuration from a file, falling back to defaults when the
// file does not exist. Environment overrides are applied on top.
func Load(path string) (*Config, error) {
	if path == "" {
		path = DefaultPath()
	}

	cfg := Default()
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", path, err)
		}
	case os.IsNotExist(err):
	default:
		return nil, err
	}

	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save saves configuration to a file.
func Save(path string, cfg *Config) error {
	if path == "" {
		path = DefaultPath()
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}

	return os.WriteFile(path, data, 0600)
}

// LoadDotEnv loads variables from a .env file in the working directory, if
// one exists. Variables already set in the environment win.
func LoadDotEnv() error {
	if _, err := os.Stat(".env"); err == nil {
		return godotenv.Load(".env")
	}
	return nil
}

// ApplyEnv overrides fields from I2KN_* environment variables.
func (c *Config) ApplyEnv() error {
	if v := getenv("PRIVATE_KEY"); v != "" {
		c.Identity.PrivateKey = v
	}
	if v := getenv("SWARM_KEY"); v != "" {
		c.Swarm.Key = v
	}
	if v := getenv("TOPIC"); v != "" {
		c.PubSub.Topic = v
	}
	if v := getenv("HEARTBEAT_INTERVAL"); v != "" {
		c.PubSub.HeartbeatInterval = v
	}
	if v := getenv("LISTEN"); v != "" {
		c.Network.Listen = splitList(v)
	}
	if v := getenv("BOOTSTRAP"); v != "" {
		c.Network.Bootstrap = splitList(v)
	}
	if v := getenv("METRICS_LISTEN"); v != "" {
		c.Metrics.Listen = v
	}
	if v := getenv("DHT"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%w: %sDHT=%q: %v", ErrInvalid, EnvPrefix, v, err)
		}
		c.Network.DHT = b
	}
	return nil
}

// Interval returns the parsed heartbeat interval.
func (c *Config) Interval() (time.Duration, error) {
	d, err := time.ParseDuration(c.PubSub.HeartbeatInterval)
	if err != nil {
		return 0, fmt.Errorf("%w: heartbeat_interval %q: %v", ErrInvalid, c.PubSub.HeartbeatInterval, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("%w: heartbeat_interval must be positive", ErrInvalid)
	}
	return d, nil
}

// Retention parses the peer book retention. Zero means peers are kept forever.
func (c *Config) Retention() (time.Duration, error) {
	if strings.TrimSpace(c.PeerBook.Retention) == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(c.PeerBook.Retention)
	if err != nil {
		return 0, fmt.Errorf("%w: peerbook retention %q: %v", ErrInvalid, c.PeerBook.Retention, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%w: peerbook retention must not be negative", ErrInvalid)
	}
	return d, nil
}

// Validate checks the configuration for values the node cannot start with.
func (c *Config) Validate() error {
	if c.Identity.PrivateKey == "" && c.Identity.PrivateKeyFile == "" {
		return fmt.Errorf("%w: no identity configured", ErrInvalid)
	}
	if c.Swarm.Key == "" && c.Swarm.KeyFile == "" {
		return fmt.Errorf("%w: no swarm key configured", ErrInvalid)
	}
	if len(c.Network.Listen) == 0 {
		return fmt.Errorf("%w: no listen address", ErrInvalid)
	}
	if strings.TrimSpace(c.PubSub.Topic) == "" {
		return fmt.Errorf("%w: empty pubsub topic", ErrInvalid)
	}
	if _, err := c.Interval(); err != nil {
		return err
	}
	if c.Network.MaxConns > 0 && c.Network.LowConns > c.Network.MaxConns {
		return fmt.Errorf("%w: low_connections %d exceeds max_connections %d",
			ErrInvalid, c.Network.LowConns, c.Network.MaxConns)
	}
	if c.PeerBook.Enabled && c.PeerBook.Path == "" {
		return fmt.Errorf("%w: peerbook enabled without a path", ErrInvalid)
	}
	if _, err := c.Retention(); err != nil {
		return err
	}
	return nil
}

func getenv(key string) string {
	return strings.TrimSpace(os.Getenv(EnvPrefix + key))
}

func splitList(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
