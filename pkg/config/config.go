package config

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/atvirokodosprendimai/ctldisco/pkg/crypto"
	"gopkg.in/yaml.v3"
)

const (
	URIPrefix  = "ctldisco://"
	URIVersion = "v1"

	DefaultService          = "hedgehog_server"
	DefaultName             = "ctldisco"
	DefaultMulticastPort    = 5670
	DefaultAnnounceInterval = 3000 // ms
	DefaultSettleDelay      = 100  // ms
	DefaultBeaconInterval   = 1000 // ms
	DefaultPeerTimeout      = 10000
	DefaultDHTQueryInterval = 30 // s
)

// ErrNotFound is returned by Load when the config file does not exist
var ErrNotFound = errors.New("config file not found")

// Config is the application configuration
type Config struct {
	Service   string          `yaml:"service"` // Service group the client looks for
	Name      string          `yaml:"name"`    // Display name advertised on the overlay
	Overlay   OverlayConfig   `yaml:"overlay"`
	Discovery DiscoveryConfig `yaml:"discovery"`
	Log       LogConfig       `yaml:"log"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

// OverlayConfig configures the LAN overlay transport
type OverlayConfig struct {
	Secret           string `yaml:"secret"`             // Raw secret or ctldisco://v1/<secret>
	MulticastPort    int    `yaml:"multicast_port"`     // UDP port of the beacon group
	Interface        string `yaml:"interface"`          // Multicast interface name, empty = system default
	BeaconInterval   int    `yaml:"beacon_interval"`    // Milliseconds between presence beacons
	PeerTimeout      int    `yaml:"peer_timeout"`       // Milliseconds of silence before a peer is evicted
	DHT              bool   `yaml:"dht"`                // Enable BitTorrent DHT rendezvous
	DHTQueryInterval int    `yaml:"dht_query_interval"` // Seconds between DHT queries
}

// DiscoveryConfig configures the discovery actor
type DiscoveryConfig struct {
	AnnounceInterval int `yaml:"announce_interval"` // Milliseconds between service requests
	SettleDelay      int `yaml:"settle_delay"`      // Milliseconds between join and the first request
}

// LogConfig log configuration
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // console or json
}

// MetricsConfig configures the HTTP status surface
type MetricsConfig struct {
	ListenAddress string `yaml:"listen_address"` // Empty disables the HTTP server
	Path          string `yaml:"path"`
}

// Load loads configuration from file, then applies defaults and environment overrides
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.SetDefaults()
	cfg.ApplyEnvOverrides()

	return &cfg, nil
}

// Default returns a config with defaults and environment overrides applied
func Default() *Config {
	cfg := &Config{}
	cfg.SetDefaults()
	cfg.ApplyEnvOverrides()
	return cfg
}

// SetDefaults sets default values
func (c *Config) SetDefaults() {
	if c.Service == "" {
		c.Service = DefaultService
	}
	if c.Name == "" {
		c.Name = DefaultName
	}

	if c.Overlay.Secret == "" {
		c.Overlay.Secret = crypto.DefaultSecret
	}
	if c.Overlay.MulticastPort == 0 {
		c.Overlay.MulticastPort = DefaultMulticastPort
	}
	if c.Overlay.BeaconInterval == 0 {
		c.Overlay.BeaconInterval = DefaultBeaconInterval
	}
	if c.Overlay.PeerTimeout == 0 {
		c.Overlay.PeerTimeout = DefaultPeerTimeout
	}
	if c.Overlay.DHTQueryInterval == 0 {
		c.Overlay.DHTQueryInterval = DefaultDHTQueryInterval
	}

	if c.Discovery.AnnounceInterval == 0 {
		c.Discovery.AnnounceInterval = DefaultAnnounceInterval
	}
	// A negative settle delay means "none"; zero means "default".
	if c.Discovery.SettleDelay == 0 {
		c.Discovery.SettleDelay = DefaultSettleDelay
	}

	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "console"
	}

	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
}

// ApplyEnvOverrides applies environment variable overrides
func (c *Config) ApplyEnvOverrides() {
	if val := os.Getenv("CTLDISCO_SERVICE"); val != "" {
		c.Service = val
	}
	if val := os.Getenv("CTLDISCO_NAME"); val != "" {
		c.Name = val
	}

	if val := os.Getenv("CTLDISCO_SECRET"); val != "" {
		c.Overlay.Secret = val
	}
	if val := os.Getenv("CTLDISCO_MULTICAST_PORT"); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			c.Overlay.MulticastPort = i
		}
	}
	if val := os.Getenv("CTLDISCO_INTERFACE"); val != "" {
		c.Overlay.Interface = val
	}
	if val := os.Getenv("CTLDISCO_PEER_TIMEOUT_MS"); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			c.Overlay.PeerTimeout = i
		}
	}
	if val := os.Getenv("CTLDISCO_DHT"); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			c.Overlay.DHT = b
		}
	}

	if val := os.Getenv("CTLDISCO_ANNOUNCE_INTERVAL_MS"); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			c.Discovery.AnnounceInterval = i
		}
	}

	if val := os.Getenv("CTLDISCO_LOG_LEVEL"); val != "" {
		c.Log.Level = strings.ToLower(val)
	}
	if val := os.Getenv("CTLDISCO_LOG_FORMAT"); val != "" {
		c.Log.Format = strings.ToLower(val)
	}

	if val := os.Getenv("CTLDISCO_METRICS_LISTEN_ADDRESS"); val != "" {
		c.Metrics.ListenAddress = val
	}
}

// Validate checks values that cannot be defaulted
func (c *Config) Validate() error {
	if len(c.Secret()) < crypto.MinSecretLength {
		return fmt.Errorf("overlay secret: %w", crypto.ErrSecretTooShort)
	}
	if c.Overlay.MulticastPort <= 0 || c.Overlay.MulticastPort > 65535 {
		return fmt.Errorf("invalid multicast port %d", c.Overlay.MulticastPort)
	}
	if c.Discovery.AnnounceInterval < 0 || c.Overlay.BeaconInterval < 0 || c.Overlay.PeerTimeout < 0 {
		return fmt.Errorf("intervals must not be negative")
	}
	return nil
}

// Secret returns the raw overlay secret, accepting the URI form
func (c *Config) Secret() string {
	return ParseSecret(c.Overlay.Secret)
}

// GetAnnounceInterval gets the service re-announcement interval
func (c *Config) GetAnnounceInterval() time.Duration {
	return time.Duration(c.Discovery.AnnounceInterval) * time.Millisecond
}

// GetSettleDelay gets the pause between join and the first service request
func (c *Config) GetSettleDelay() time.Duration {
	if c.Discovery.SettleDelay < 0 {
		return 0
	}
	return time.Duration(c.Discovery.SettleDelay) * time.Millisecond
}

// GetBeaconInterval gets the presence beacon interval
func (c *Config) GetBeaconInterval() time.Duration {
	return time.Duration(c.Overlay.BeaconInterval) * time.Millisecond
}

// GetPeerTimeout gets the silence period after which a peer is evicted
func (c *Config) GetPeerTimeout() time.Duration {
	return time.Duration(c.Overlay.PeerTimeout) * time.Millisecond
}

// GetDHTQueryInterval gets the DHT rendezvous query interval
func (c *Config) GetDHTQueryInterval() time.Duration {
	return time.Duration(c.Overlay.DHTQueryInterval) * time.Second
}

// GenerateSecret generates a new random overlay secret
func GenerateSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate random bytes: %w", err)
	}

	// base64url without padding keeps the URI clean
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// FormatSecretURI formats a secret as a ctldisco:// URI
func FormatSecretURI(secret string) string {
	return fmt.Sprintf("%s%s/%s", URIPrefix, URIVersion, secret)
}

// ParseSecret extracts the raw secret from either a URI or plain text
func ParseSecret(input string) string {
	input = strings.TrimSpace(input)

	if strings.HasPrefix(input, URIPrefix) {
		input = strings.TrimPrefix(input, URIPrefix)
		parts := strings.SplitN(input, "/", 2)
		if len(parts) == 2 {
			secret := parts[1]
			if idx := strings.Index(secret, "?"); idx != -1 {
				secret = secret[:idx]
			}
			return secret
		}
		return parts[0]
	}

	return input
}
