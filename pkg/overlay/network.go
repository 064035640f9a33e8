package overlay

import (
	"fmt"
	"sync"
	"time"

	"github.com/atvirokodosprendimai/ctldisco/pkg/config"
	"github.com/atvirokodosprendimai/ctldisco/pkg/crypto"
	"github.com/atvirokodosprendimai/ctldisco/pkg/metrics"
	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
)

// Network is the shared context nodes are opened from. It holds the keys
// derived from the overlay secret and the settings every node uses. It is
// created once per process and passed to whoever needs to open nodes.
type Network struct {
	keys           *crypto.DerivedKeys
	secret         string
	port           int
	iface          string
	beaconInterval time.Duration
	peerTimeout    time.Duration
	dht            bool
	dhtInterval    time.Duration

	clock   clock.Clock
	bus     *MemoryBus
	logger  *zap.Logger
	metrics *metrics.Metrics

	mu    sync.Mutex
	nodes int
}

// Option configures a Network
type Option func(*Network)

// WithClock sets the clock used for beacons, peer expiry and DHT rotation
func WithClock(clk clock.Clock) Option {
	return func(n *Network) {
		n.clock = clk
	}
}

// WithBus routes all nodes through an in-process bus instead of UDP sockets
func WithBus(bus *MemoryBus) Option {
	return func(n *Network) {
		n.bus = bus
	}
}

// NewNetwork derives the overlay keys from cfg and prepares a network context
func NewNetwork(cfg *config.Config, logger *zap.Logger, m *metrics.Metrics, opts ...Option) (*Network, error) {
	keys, err := crypto.DeriveKeys(cfg.Secret())
	if err != nil {
		return nil, fmt.Errorf("failed to derive overlay keys: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	n := &Network{
		keys:           keys,
		secret:         cfg.Secret(),
		port:           cfg.Overlay.MulticastPort,
		iface:          cfg.Overlay.Interface,
		beaconInterval: cfg.GetBeaconInterval(),
		peerTimeout:    cfg.GetPeerTimeout(),
		dht:            cfg.Overlay.DHT,
		dhtInterval:    cfg.GetDHTQueryInterval(),
		clock:          clock.New(),
		logger:         logger,
		metrics:        m,
	}
	for _, opt := range opts {
		opt(n)
	}
	return n, nil
}

// Metrics returns the metrics nodes of this network report to, possibly nil
func (n *Network) Metrics() *metrics.Metrics {
	return n.metrics
}

// OpenNode opens a new overlay node advertising name. The caller owns the
// node and must Close it.
func (n *Network) OpenNode(name string) (*Node, error) {
	var tr transport
	if n.bus != nil {
		tr = n.bus.attach()
	} else {
		lan, err := listenLAN(MulticastGroup(n.keys.MulticastID, n.port), n.iface, n.logger)
		if err != nil {
			return nil, err
		}
		tr = lan
	}

	node := newNode(nodeOpts{
		name:           name,
		keys:           n.keys,
		transport:      tr,
		clock:          n.clock,
		logger:         n.logger,
		metrics:        n.metrics,
		beaconInterval: n.beaconInterval,
		peerTimeout:    n.peerTimeout,
	})
	node.start()

	if n.dht && n.bus == nil {
		r, err := startRendezvous(node, n.secret, n.dhtInterval)
		if err != nil {
			node.logger.Warn("DHT rendezvous unavailable, continuing on LAN only", zap.Error(err))
		} else {
			node.rendezvous = r
		}
	}

	n.mu.Lock()
	n.nodes++
	n.mu.Unlock()
	return node, nil
}

// NodesOpened returns how many nodes were opened on this network
func (n *Network) NodesOpened() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.nodes
}
