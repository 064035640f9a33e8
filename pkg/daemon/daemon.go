package daemon

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/atvirokodosprendimai/ctldisco/pkg/config"
	"github.com/atvirokodosprendimai/ctldisco/pkg/logging"
	"github.com/atvirokodosprendimai/ctldisco/pkg/overlay"
	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
)

const StatusInterval = 30 * time.Second

// Daemon advertises a controller service on the overlay until stopped. It
// plays the robot controller side of discovery.
type Daemon struct {
	config    *config.Config
	network   *overlay.Network
	endpoints []string
	logger    *zap.Logger
	clock     clock.Clock

	node *overlay.Node

	ctx    context.Context
	cancel context.CancelFunc
	ready  chan struct{}
}

// NewDaemon creates an announcer for cfg.Service offering endpoints
func NewDaemon(cfg *config.Config, network *overlay.Network, endpoints []string, logger *zap.Logger) (*Daemon, error) {
	if len(endpoints) == 0 {
		return nil, fmt.Errorf("at least one endpoint is required")
	}
	for _, endpoint := range endpoints {
		if err := ValidateEndpoint(endpoint); err != nil {
			return nil, err
		}
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Daemon{
		config:    cfg,
		network:   network,
		endpoints: endpoints,
		logger:    logger.Named("daemon"),
		clock:     clock.New(),
		ctx:       ctx,
		cancel:    cancel,
		ready:     make(chan struct{}),
	}, nil
}

// Run starts the daemon and blocks until SIGINT, SIGTERM or Stop
func (d *Daemon) Run() error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	go func() {
		select {
		case sig := <-sigCh:
			d.logger.Info("Received signal, shutting down", zap.Stringer("signal", sig))
			d.cancel()
		case <-d.ctx.Done():
		}
	}()

	return d.RunContext(d.ctx)
}

// RunContext starts the daemon and blocks until ctx is done or Stop is called
func (d *Daemon) RunContext(ctx context.Context) error {
	node, err := d.network.OpenNode(d.config.Name)
	if err != nil {
		return fmt.Errorf("failed to open overlay node: %w", err)
	}
	defer node.Close()
	d.node = node

	if err := node.Join(d.config.Service); err != nil {
		return fmt.Errorf("failed to join group %s: %w", d.config.Service, err)
	}
	if err := node.Offer(d.config.Service, d.endpoints...); err != nil {
		return err
	}

	d.logger.Info("Announcing controller",
		zap.String("service", d.config.Service),
		zap.String("name", d.config.Name),
		zap.Strings("endpoints", d.endpoints),
		zap.String("node", logging.ShortID(node.ID())))
	close(d.ready)

	ticker := d.clock.Ticker(StatusInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-d.ctx.Done():
			return nil
		case <-node.Events():
			// Drained so the channel never holds a stale wake-up
		case <-node.Done():
			return fmt.Errorf("overlay node stopped: %w", node.Err())
		case <-ticker.C:
			d.logStatus()
		}
	}
}

// Ready is closed once the service is being offered
func (d *Daemon) Ready() <-chan struct{} {
	return d.ready
}

// Stop makes Run return
func (d *Daemon) Stop() {
	d.cancel()
}

func (d *Daemon) logStatus() {
	peers := d.node.Peers("")
	d.logger.Info("Overlay status", zap.Int("peers", len(peers)))
	for _, p := range peers {
		d.logger.Debug("Peer",
			zap.String("id", logging.ShortID(p.ID)),
			zap.String("name", p.Name),
			zap.Strings("groups", p.Groups),
			zap.Duration("last_seen", d.clock.Since(p.LastSeen).Truncate(time.Second)))
	}
}

// ValidateEndpoint checks an advertised endpoint is host:port, optionally
// with a scheme. An empty or wildcard host is filled in by receivers.
func ValidateEndpoint(endpoint string) error {
	hostport := endpoint
	if i := strings.Index(endpoint, "://"); i >= 0 {
		if i == 0 {
			return fmt.Errorf("invalid endpoint %q: empty scheme", endpoint)
		}
		hostport = endpoint[i+3:]
	}

	_, port, err := net.SplitHostPort(hostport)
	if err != nil {
		return fmt.Errorf("invalid endpoint %q: %w", endpoint, err)
	}
	if port == "" {
		return fmt.Errorf("invalid endpoint %q: missing port", endpoint)
	}
	return nil
}
