package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/atvirokodosprendimai/ctldisco/pkg/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg := &Config{}
	cfg.SetDefaults()

	assert.Equal(t, DefaultService, cfg.Service)
	assert.Equal(t, crypto.DefaultSecret, cfg.Secret())
	assert.Equal(t, 3*time.Second, cfg.GetAnnounceInterval())
	assert.Equal(t, 100*time.Millisecond, cfg.GetSettleDelay())
	assert.Equal(t, time.Second, cfg.GetBeaconInterval())
	assert.Equal(t, 10*time.Second, cfg.GetPeerTimeout())
	assert.Equal(t, "/metrics", cfg.Metrics.Path)
	assert.NoError(t, cfg.Validate())
}

func TestNegativeSettleDelayDisablesIt(t *testing.T) {
	cfg := &Config{Discovery: DiscoveryConfig{SettleDelay: -1}}
	cfg.SetDefaults()
	assert.Equal(t, time.Duration(0), cfg.GetSettleDelay())
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ctldisco.yaml")
	data := `
service: robot_ctl
name: bench
overlay:
  secret: ctldisco://v1/abcdefghijklmnopqrstuvwxyz?x=1
  multicast_port: 6000
  dht: true
discovery:
  announce_interval: 10000
log:
  level: debug
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "robot_ctl", cfg.Service)
	assert.Equal(t, "bench", cfg.Name)
	assert.Equal(t, "abcdefghijklmnopqrstuvwxyz", cfg.Secret())
	assert.Equal(t, 6000, cfg.Overlay.MulticastPort)
	assert.True(t, cfg.Overlay.DHT)
	assert.Equal(t, 10*time.Second, cfg.GetAnnounceInterval())
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "console", cfg.Log.Format)
}

func TestLoadMissing(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("CTLDISCO_SERVICE", "env_service")
	t.Setenv("CTLDISCO_ANNOUNCE_INTERVAL_MS", "5000")
	t.Setenv("CTLDISCO_LOG_LEVEL", "WARN")
	t.Setenv("CTLDISCO_MULTICAST_PORT", "not-a-number")

	cfg := Default()
	assert.Equal(t, "env_service", cfg.Service)
	assert.Equal(t, 5*time.Second, cfg.GetAnnounceInterval())
	assert.Equal(t, "warn", cfg.Log.Level)
	assert.Equal(t, DefaultMulticastPort, cfg.Overlay.MulticastPort)
}

func TestValidate(t *testing.T) {
	cfg := Default()
	cfg.Overlay.Secret = "short"
	assert.ErrorIs(t, cfg.Validate(), crypto.ErrSecretTooShort)

	cfg = Default()
	cfg.Overlay.MulticastPort = 70000
	assert.Error(t, cfg.Validate())
}

func TestSecretURI(t *testing.T) {
	secret, err := GenerateSecret()
	require.NoError(t, err)
	assert.GreaterOrEqual(t, len(secret), crypto.MinSecretLength)

	uri := FormatSecretURI(secret)
	assert.True(t, strings.HasPrefix(uri, "ctldisco://v1/"))
	assert.Equal(t, secret, ParseSecret(uri))
	assert.Equal(t, "plain-secret-value", ParseSecret("  plain-secret-value \n"))
}
