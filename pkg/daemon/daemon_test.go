package daemon

import (
	"context"
	"testing"
	"time"

	"github.com/atvirokodosprendimai/ctldisco/pkg/config"
	"github.com/atvirokodosprendimai/ctldisco/pkg/overlay"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestValidateEndpoint(t *testing.T) {
	valid := []string{"10.0.0.1:7000", ":7000", "tcp://0.0.0.0:7000", "[::1]:7000", "robot.local:7000"}
	for _, endpoint := range valid {
		assert.NoError(t, ValidateEndpoint(endpoint), endpoint)
	}

	invalid := []string{"", "10.0.0.1", "://10.0.0.1:7000", "tcp://10.0.0.1", "10.0.0.1:"}
	for _, endpoint := range invalid {
		assert.Error(t, ValidateEndpoint(endpoint), endpoint)
	}
}

func TestNewDaemonRequiresEndpoints(t *testing.T) {
	_, err := NewDaemon(&config.Config{}, nil, nil, nil)
	assert.Error(t, err)
}

func TestDaemonAnnounces(t *testing.T) {
	cfg := &config.Config{Name: "robot-7"}
	cfg.SetDefaults()

	network, err := overlay.NewNetwork(cfg, zaptest.NewLogger(t), nil, overlay.WithBus(overlay.NewMemoryBus()))
	require.NoError(t, err)

	d, err := NewDaemon(cfg, network, []string{"tcp://:10789"}, zaptest.NewLogger(t))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.RunContext(ctx) }()
	<-d.Ready()

	client, err := network.OpenNode("client")
	require.NoError(t, err)
	defer client.Close()
	require.NoError(t, client.RequestService(cfg.Service))

	assert.Eventually(t, func() bool {
		peers := client.Peers(cfg.Service)
		return len(peers) == 1 &&
			peers[0].Name == "robot-7" &&
			peers[0].Services[cfg.Service][0] == "tcp://127.0.0.1:10789"
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	require.NoError(t, <-done)

	// The announcer's leave removes it from the client's directory
	assert.Eventually(t, func() bool {
		return len(client.Peers("")) == 0
	}, 2*time.Second, 10*time.Millisecond)
}
