package overlay

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/anacrolix/dht/v2"
	"github.com/atvirokodosprendimai/ctldisco/pkg/crypto"
	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
)

const (
	DHTAnnounceInterval = 15 * time.Minute
	DHTLookupTimeout    = 30 * time.Second
	DHTContactCooldown  = 60 * time.Second
)

// Well-known BitTorrent DHT bootstrap nodes
var DHTBootstrapNodes = []string{
	"router.bittorrent.com:6881",
	"router.utorrent.com:6881",
	"dht.transmissionbt.com:6881",
	"dht.libtorrent.org:25401",
}

// dhtRendezvous lets nodes on different segments find each other through the
// BitTorrent mainline DHT. Nodes announce their exchange port under an
// infohash derived from the secret and rotated hourly, and probe every
// address they find there.
type dhtRendezvous struct {
	node          *Node
	secret        string
	server        *dht.Server
	clock         clock.Clock
	logger        *zap.Logger
	queryInterval time.Duration

	mu        sync.Mutex
	contacted map[string]time.Time
}

func startRendezvous(node *Node, secret string, queryInterval time.Duration) (*dhtRendezvous, error) {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{Port: 0})
	if err != nil {
		return nil, fmt.Errorf("failed to bind DHT port: %w", err)
	}

	var bootstrapAddrs []dht.Addr
	for _, hostport := range DHTBootstrapNodes {
		addr, err := net.ResolveUDPAddr("udp", hostport)
		if err != nil {
			node.logger.Debug("Failed to resolve DHT bootstrap node", zap.String("node", hostport), zap.Error(err))
			continue
		}
		bootstrapAddrs = append(bootstrapAddrs, dht.NewAddr(addr))
	}
	if len(bootstrapAddrs) == 0 {
		conn.Close()
		return nil, fmt.Errorf("no DHT bootstrap nodes resolved")
	}

	cfg := dht.NewDefaultServerConfig()
	cfg.Conn = conn
	cfg.StartingNodes = func() ([]dht.Addr, error) {
		return bootstrapAddrs, nil
	}

	server, err := dht.NewServer(cfg)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to create DHT server: %w", err)
	}

	r := &dhtRendezvous{
		node:          node,
		secret:        secret,
		server:        server,
		clock:         node.clock,
		logger:        node.logger.With(zap.String("component", "dht")),
		queryInterval: queryInterval,
		contacted:     make(map[string]time.Time),
	}

	node.g.Go(r.announceLoop)
	node.g.Go(r.queryLoop)

	r.logger.Info("DHT rendezvous started", zap.Stringer("addr", conn.LocalAddr()))
	return r, nil
}

func (r *dhtRendezvous) Close() error {
	r.server.Close()
	return nil
}

func (r *dhtRendezvous) announceLoop() error {
	r.lookupAll(r.node.tr.LocalPort())

	ticker := r.clock.Ticker(DHTAnnounceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.node.ctx.Done():
			return nil
		case <-ticker.C:
			r.lookupAll(r.node.tr.LocalPort())
		}
	}
}

func (r *dhtRendezvous) queryLoop() error {
	r.lookupAll(0)

	ticker := r.clock.Ticker(r.queryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.node.ctx.Done():
			return nil
		case <-ticker.C:
			r.lookupAll(0)
		}
	}
}

// lookupAll runs a lookup for the current infohash and the previous hour's,
// so nodes on either side of a rotation still meet. A zero port only queries.
func (r *dhtRendezvous) lookupAll(port int) {
	current, previous := crypto.CurrentAndPreviousNetworkIDs(r.secret, r.clock.Now())
	r.lookup(current, port)
	if current != previous {
		r.lookup(previous, port)
	}
}

func (r *dhtRendezvous) lookup(infohash [20]byte, port int) {
	ctx, cancel := context.WithTimeout(r.node.ctx, DHTLookupTimeout)
	defer cancel()

	a, err := r.server.Announce(infohash, port, false)
	if err != nil {
		r.logger.Debug("DHT lookup failed", zap.Error(err))
		return
	}
	defer a.Close()

	var found int
	for {
		select {
		case <-ctx.Done():
			r.logger.Debug("DHT lookup complete", zap.Int("addresses", found), zap.Int("port", port))
			return
		case values, ok := <-a.Peers:
			if !ok {
				r.logger.Debug("DHT lookup complete", zap.Int("addresses", found), zap.Int("port", port))
				return
			}
			for _, addr := range values.Peers {
				found++
				r.contact(addr.String())
			}
		}
	}
}

// contact probes an address found in the DHT, at most once per cooldown
func (r *dhtRendezvous) contact(hostport string) {
	now := r.clock.Now()

	r.mu.Lock()
	if last, ok := r.contacted[hostport]; ok && now.Sub(last) < DHTContactCooldown {
		r.mu.Unlock()
		return
	}
	r.contacted[hostport] = now
	r.mu.Unlock()

	addr, err := net.ResolveUDPAddr("udp", hostport)
	if err != nil || (addr.Port == r.node.tr.LocalPort() && addr.IP.IsLoopback()) {
		return
	}

	r.logger.Debug("Probing DHT contact", zap.String("addr", hostport))
	r.node.probe(addr)
}
