package overlay

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/atvirokodosprendimai/ctldisco/pkg/crypto"
	"github.com/atvirokodosprendimai/ctldisco/pkg/logging"
	"github.com/atvirokodosprendimai/ctldisco/pkg/metrics"
	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// ErrClosed is returned by operations on a closed node
var ErrClosed = errors.New("overlay node closed")

// Node is one participant in the overlay. It keeps a directory of the
// peers it hears from, and lets its owner join groups, request services,
// and offer services of its own.
type Node struct {
	id     string
	name   string
	keys   *crypto.DerivedKeys
	tr     transport
	dir    *Directory
	clock  clock.Clock
	logger *zap.Logger
	m      *metrics.Metrics

	beaconInterval time.Duration
	peerTimeout    time.Duration

	mu        sync.Mutex
	groups    map[string]struct{}
	services  map[string][]string
	requested map[string]struct{}
	closed    bool

	events chan struct{}

	done     chan struct{}
	stopOnce sync.Once
	fault    error

	ctx    context.Context
	cancel context.CancelFunc
	g      *errgroup.Group

	rendezvous *dhtRendezvous
}

type nodeOpts struct {
	name           string
	keys           *crypto.DerivedKeys
	transport      transport
	clock          clock.Clock
	logger         *zap.Logger
	metrics        *metrics.Metrics
	beaconInterval time.Duration
	peerTimeout    time.Duration
}

func newNode(opts nodeOpts) *Node {
	ctx, cancel := context.WithCancel(context.Background())
	g, ctx := errgroup.WithContext(ctx)

	id := uuid.NewString()
	return &Node{
		id:             id,
		name:           opts.name,
		keys:           opts.keys,
		tr:             opts.transport,
		dir:            NewDirectory(opts.clock),
		clock:          opts.clock,
		logger:         opts.logger.With(zap.String("node", logging.ShortID(id))),
		m:              opts.metrics,
		beaconInterval: opts.beaconInterval,
		peerTimeout:    opts.peerTimeout,
		groups:         make(map[string]struct{}),
		services:       make(map[string][]string),
		requested:      make(map[string]struct{}),
		events:         make(chan struct{}, 1),
		done:           make(chan struct{}),
		ctx:            ctx,
		cancel:         cancel,
		g:              g,
	}
}

// start launches the receive, beacon and reaper goroutines. A receive
// failure cancels the other two and stops the node.
func (n *Node) start() {
	n.g.Go(func() error {
		err := n.tr.Receive(n.ctx, n.handlePacket)
		if err != nil {
			n.logger.Error("Receive loop failed", zap.Error(err))
			err = fmt.Errorf("overlay receive failed: %w", err)
		}
		n.stop(err)
		return err
	})
	if n.beaconInterval > 0 {
		n.g.Go(n.beaconLoop)
	}
	if n.peerTimeout > 0 {
		n.g.Go(n.reapLoop)
	}
	n.logger.Info("Overlay node started", zap.String("name", n.name), zap.Int("exchange_port", n.tr.LocalPort()))
}

// ID returns the node's overlay identity
func (n *Node) ID() string {
	return n.id
}

// Name returns the node's display name
func (n *Node) Name() string {
	return n.name
}

// Events becomes ready when the peer table changed since it was last drained.
// Several changes before a drain coalesce into one notification.
func (n *Node) Events() <-chan struct{} {
	return n.events
}

// Done is closed once the node has stopped, either by Close or because its
// transport failed
func (n *Node) Done() <-chan struct{} {
	return n.done
}

// Err returns the transport fault that stopped the node, or nil
func (n *Node) Err() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.fault
}

func (n *Node) stop(err error) {
	n.stopOnce.Do(func() {
		n.mu.Lock()
		n.fault = err
		n.mu.Unlock()
		close(n.done)
	})
}

// Join announces membership of group. Joining a group twice is a no-op.
func (n *Node) Join(group string) error {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return ErrClosed
	}
	if _, ok := n.groups[group]; ok {
		n.mu.Unlock()
		return nil
	}
	n.groups[group] = struct{}{}
	n.mu.Unlock()

	n.logger.Debug("Joined group", zap.String("group", group))
	if err := n.broadcast(crypto.MessageTypeBeacon, n.message()); err != nil {
		return fmt.Errorf("failed to announce join of %s: %w", group, err)
	}
	return nil
}

// RequestService broadcasts a one-shot request for peers offering service.
// Answers arrive asynchronously as directory updates.
func (n *Node) RequestService(service string) error {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return ErrClosed
	}
	n.requested[service] = struct{}{}
	n.mu.Unlock()

	msg := n.message()
	msg.Service = service
	if err := n.broadcast(crypto.MessageTypeRequest, msg); err != nil {
		return fmt.Errorf("failed to request service %s: %w", service, err)
	}
	return nil
}

// Offer advertises endpoints for service from this node, replacing any
// previous endpoints for it, and multicasts one unsolicited offer.
func (n *Node) Offer(service string, endpoints ...string) error {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return ErrClosed
	}
	n.services[service] = sortedUnique(endpoints)
	n.mu.Unlock()

	n.logger.Info("Offering service", zap.String("service", service), zap.Strings("endpoints", endpoints))
	if err := n.broadcast(crypto.MessageTypeOffer, n.message()); err != nil {
		return fmt.Errorf("failed to offer service %s: %w", service, err)
	}
	return nil
}

// Peers returns a snapshot of known peers, restricted to those offering
// service unless it is empty
func (n *Node) Peers(service string) []*Peer {
	return n.dir.Peers(service)
}

// Close leaves the overlay and releases the sockets. It is safe to call more than once.
func (n *Node) Close() error {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return nil
	}
	n.closed = true
	n.mu.Unlock()

	var err error
	if leaveErr := n.broadcast(crypto.MessageTypeLeave, n.message()); leaveErr != nil {
		n.logger.Debug("Failed to send leave", zap.Error(leaveErr))
	}

	n.cancel()
	if n.rendezvous != nil {
		err = multierr.Append(err, n.rendezvous.Close())
	}
	err = multierr.Append(err, n.tr.Close())
	// A fault already reported through Err is not repeated here
	if waitErr := n.g.Wait(); waitErr != nil && !errors.Is(waitErr, context.Canceled) && waitErr != n.Err() {
		err = multierr.Append(err, waitErr)
	}
	n.stop(nil)

	n.logger.Info("Overlay node closed")
	return err
}

// message snapshots this node's advertised state
func (n *Node) message() *crypto.Message {
	msg := crypto.NewMessage(n.id, n.name, n.tr.LocalPort())

	n.mu.Lock()
	defer n.mu.Unlock()

	msg.Groups = make([]string, 0, len(n.groups))
	for group := range n.groups {
		msg.Groups = append(msg.Groups, group)
	}
	sort.Strings(msg.Groups)

	if len(n.services) > 0 {
		msg.Services = make(map[string][]string, len(n.services))
		for service, endpoints := range n.services {
			msg.Services[service] = append([]string(nil), endpoints...)
		}
	}
	return msg
}

func (n *Node) offers(service string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.services[service]) > 0
}

func (n *Node) requestedServices() []string {
	n.mu.Lock()
	defer n.mu.Unlock()

	services := make([]string, 0, len(n.requested))
	for service := range n.requested {
		services = append(services, service)
	}
	sort.Strings(services)
	return services
}

func (n *Node) broadcast(messageType string, msg *crypto.Message) error {
	data, err := crypto.SealEnvelope(messageType, msg, n.keys.OverlayKey)
	if err != nil {
		return err
	}
	if err := n.tr.Broadcast(data); err != nil {
		return err
	}
	n.m.MessageSent(messageType)
	return nil
}

func (n *Node) sendTo(messageType string, msg *crypto.Message, addr *net.UDPAddr) error {
	data, err := crypto.SealEnvelope(messageType, msg, n.keys.OverlayKey)
	if err != nil {
		return err
	}
	if err := n.tr.SendTo(data, addr); err != nil {
		return err
	}
	n.m.MessageSent(messageType)
	return nil
}

// probe introduces this node to an address learned out of band and
// repeats any pending service requests to it
func (n *Node) probe(addr *net.UDPAddr) {
	if err := n.sendTo(crypto.MessageTypeBeacon, n.message(), addr); err != nil {
		n.logger.Debug("Failed to probe peer", zap.Stringer("addr", addr), zap.Error(err))
		return
	}
	for _, service := range n.requestedServices() {
		msg := n.message()
		msg.Service = service
		if err := n.sendTo(crypto.MessageTypeRequest, msg, addr); err != nil {
			n.logger.Debug("Failed to send request", zap.Stringer("addr", addr), zap.Error(err))
		}
	}
}

// handlePacket processes one datagram from the transport
func (n *Node) handlePacket(data []byte, from *net.UDPAddr) {
	envelope, msg, err := crypto.OpenEnvelope(data, n.keys.OverlayKey)
	if err != nil {
		// Foreign traffic or another secret
		return
	}

	if msg.PeerID == n.id {
		return
	}
	n.m.MessageReceived(envelope.MessageType)

	switch envelope.MessageType {
	case crypto.MessageTypeLeave:
		if n.dir.Remove(msg.PeerID) {
			n.logger.Info("Peer left", zap.String("peer", logging.ShortID(msg.PeerID)), zap.String("name", msg.Name))
			n.m.PeerEvicted()
			n.notify()
		}

	case crypto.MessageTypeBeacon, crypto.MessageTypeOffer, crypto.MessageTypeRequest:
		peer := peerFromMessage(msg, from)
		if n.dir.Update(peer) {
			n.logger.Debug("Peer updated",
				zap.String("peer", logging.ShortID(peer.ID)),
				zap.String("name", peer.Name),
				zap.Strings("groups", peer.Groups),
				zap.Any("services", peer.Services))
			n.notify()
		}

		if envelope.MessageType == crypto.MessageTypeRequest && n.offers(msg.Service) {
			if err := n.sendTo(crypto.MessageTypeOffer, n.message(), peer.Addr); err != nil {
				n.logger.Warn("Failed to answer service request", zap.Stringer("addr", peer.Addr), zap.Error(err))
			}
		}

	default:
		n.logger.Debug("Unknown message type", zap.String("type", envelope.MessageType))
	}
}

// notify signals a directory change without ever blocking the caller
func (n *Node) notify() {
	n.m.SetOverlayPeers(n.dir.Count())
	select {
	case n.events <- struct{}{}:
	default:
	}
}

func (n *Node) beaconLoop() error {
	ticker := n.clock.Ticker(n.beaconInterval)
	defer ticker.Stop()

	for {
		select {
		case <-n.ctx.Done():
			return nil
		case <-ticker.C:
			if err := n.broadcast(crypto.MessageTypeBeacon, n.message()); err != nil {
				n.logger.Warn("Failed to send beacon", zap.Error(err))
			}
		}
	}
}

func (n *Node) reapLoop() error {
	ticker := n.clock.Ticker(n.peerTimeout / 2)
	defer ticker.Stop()

	for {
		select {
		case <-n.ctx.Done():
			return nil
		case <-ticker.C:
			n.reap()
		}
	}
}

func (n *Node) reap() {
	removed := n.dir.CleanupStale(n.peerTimeout)
	if len(removed) == 0 {
		return
	}
	for _, id := range removed {
		n.logger.Info("Peer timed out", zap.String("peer", logging.ShortID(id)))
		n.m.PeerEvicted()
	}
	n.notify()
}

func peerFromMessage(msg *crypto.Message, from *net.UDPAddr) *Peer {
	peer := &Peer{
		ID:       msg.PeerID,
		Name:     msg.Name,
		Groups:   msg.Groups,
		Services: make(map[string][]string, len(msg.Services)),
	}
	if from != nil {
		peer.Addr = &net.UDPAddr{IP: from.IP, Port: msg.ExchangePort, Zone: from.Zone}
	}
	for service, endpoints := range msg.Services {
		resolved := make([]string, 0, len(endpoints))
		for _, endpoint := range endpoints {
			resolved = append(resolved, resolveEndpoint(endpoint, from))
		}
		peer.Services[service] = resolved
	}
	return peer
}

// resolveEndpoint replaces a wildcard host in an advertised endpoint with
// the sender's address. Endpoints may carry a scheme, as in tcp://host:port.
func resolveEndpoint(advertised string, sender *net.UDPAddr) string {
	scheme, hostport := "", advertised
	if i := strings.Index(advertised, "://"); i >= 0 {
		scheme, hostport = advertised[:i+3], advertised[i+3:]
	}

	host, port, err := net.SplitHostPort(hostport)
	if err != nil {
		return advertised
	}
	if host == "" || host == "0.0.0.0" || host == "::" || host == "*" {
		if sender == nil || sender.IP == nil {
			return advertised
		}
		host = sender.IP.String()
	}
	return scheme + net.JoinHostPort(host, port)
}
