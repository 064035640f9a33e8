package discovery

import (
	"testing"
	"time"

	"github.com/atvirokodosprendimai/ctldisco/pkg/config"
	"github.com/atvirokodosprendimai/ctldisco/pkg/overlay"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestActorOverMemoryOverlay(t *testing.T) {
	cfg := &config.Config{}
	cfg.SetDefaults()

	network, err := overlay.NewNetwork(cfg, zaptest.NewLogger(t), nil, overlay.WithBus(overlay.NewMemoryBus()))
	require.NoError(t, err)

	robotA, err := network.OpenNode("A")
	require.NoError(t, err)
	defer robotA.Close()
	require.NoError(t, robotA.Offer("svc", "10.0.0.1:1"))

	robotB, err := network.OpenNode("B")
	require.NoError(t, err)
	require.NoError(t, robotB.Offer("svc", "10.0.0.2:2"))

	owner := &sessionOwner{fakeOwner{controller: &Endpoint{Name: "B", Address: "10.0.0.2:2"}}}
	h, err := Start(NetworkOpener(network), "svc", owner,
		WithLogger(zaptest.NewLogger(t)),
		WithAnnounceInterval(50*time.Millisecond),
		WithSettleDelay(0))
	require.NoError(t, err)
	defer h.Destroy()

	// The offers above were sent before the actor existed; its requests bring them back
	assert.Eventually(t, func() bool {
		return assert.ObjectsAreEqual([]Endpoint{
			{Name: "A", Address: "10.0.0.1:1"},
			{Name: "B", Address: "10.0.0.2:2"},
		}, owner.last())
	}, waitFor, tick)
	assert.Equal(t, int32(0), owner.disconnects.Load())

	require.NoError(t, robotB.Close())
	assert.Eventually(t, func() bool {
		return assert.ObjectsAreEqual([]Endpoint{{Name: "A", Address: "10.0.0.1:1"}}, owner.last())
	}, waitFor, tick)
	_, connected := owner.Controller()
	assert.False(t, connected)

	// Later recomputations no longer see a controller to drop
	assert.Never(t, func() bool { return owner.disconnects.Load() > 1 }, 200*time.Millisecond, tick)
	assert.Equal(t, int32(1), owner.disconnects.Load())

	require.NoError(t, h.Destroy())
	assert.Equal(t, Stopped, h.State())
}
