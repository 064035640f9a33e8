package overlay

import (
	"net"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// Peer is a remote overlay participant as last advertised by itself
type Peer struct {
	ID       string
	Name     string
	Groups   []string            // sorted
	Services map[string][]string // service name -> sorted endpoint addresses
	Addr     *net.UDPAddr        // exchange socket, target of unicast replies
	LastSeen time.Time
}

// Offers reports whether the peer advertises at least one endpoint for service
func (p *Peer) Offers(service string) bool {
	return len(p.Services[service]) > 0
}

// InGroup reports whether the peer joined group
func (p *Peer) InGroup(group string) bool {
	_, found := slices.BinarySearch(p.Groups, group)
	return found
}

func (p *Peer) clone() *Peer {
	c := *p
	c.Groups = slices.Clone(p.Groups)
	c.Services = make(map[string][]string, len(p.Services))
	for name, endpoints := range p.Services {
		c.Services[name] = slices.Clone(endpoints)
	}
	if p.Addr != nil {
		addr := *p.Addr
		c.Addr = &addr
	}
	return &c
}

// Directory is a thread-safe table of known peers keyed by peer ID
type Directory struct {
	mu    sync.RWMutex
	peers map[string]*Peer
	clock clock.Clock
}

// NewDirectory creates an empty directory
func NewDirectory(clk clock.Clock) *Directory {
	if clk == nil {
		clk = clock.New()
	}
	return &Directory{
		peers: make(map[string]*Peer),
		clock: clk,
	}
}

// Update adds a peer or replaces its advertised state. Every advertisement
// carries the sender's full state, so the newest one wins wholesale. It
// reports whether anything observable changed; a refresh that only moves
// LastSeen does not count.
func (d *Directory) Update(info *Peer) bool {
	p := info.clone()
	normalize(p)
	p.LastSeen = d.clock.Now()

	d.mu.Lock()
	defer d.mu.Unlock()

	existing, exists := d.peers[p.ID]
	d.peers[p.ID] = p
	if !exists {
		return true
	}

	return existing.Name != p.Name ||
		!slices.Equal(existing.Groups, p.Groups) ||
		!sameServices(existing.Services, p.Services)
}

// Get returns a copy of a peer by ID
func (d *Directory) Get(id string) (*Peer, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	peer, exists := d.peers[id]
	if !exists {
		return nil, false
	}
	return peer.clone(), true
}

// Peers returns copies of all peers, or only those offering service when it is not empty
func (d *Directory) Peers(service string) []*Peer {
	d.mu.RLock()
	defer d.mu.RUnlock()

	result := make([]*Peer, 0, len(d.peers))
	for _, peer := range d.peers {
		if service != "" && !peer.Offers(service) {
			continue
		}
		result = append(result, peer.clone())
	}

	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result
}

// Remove removes a peer by ID and reports whether it was present
func (d *Directory) Remove(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, exists := d.peers[id]; !exists {
		return false
	}
	delete(d.peers, id)
	return true
}

// CleanupStale removes peers that have been silent for longer than timeout
func (d *Directory) CleanupStale(timeout time.Duration) []string {
	d.mu.Lock()
	defer d.mu.Unlock()

	var removed []string
	now := d.clock.Now()
	for id, peer := range d.peers {
		if now.Sub(peer.LastSeen) > timeout {
			delete(d.peers, id)
			removed = append(removed, id)
		}
	}
	sort.Strings(removed)
	return removed
}

// Count returns the number of peers
func (d *Directory) Count() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.peers)
}

func normalize(p *Peer) {
	p.Groups = sortedUnique(p.Groups)
	for name, endpoints := range p.Services {
		endpoints = sortedUnique(endpoints)
		if len(endpoints) == 0 {
			delete(p.Services, name)
			continue
		}
		p.Services[name] = endpoints
	}
}

func sortedUnique(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v != "" {
			out = append(out, v)
		}
	}
	sort.Strings(out)
	return slices.Compact(out)
}

func sameServices(a, b map[string][]string) bool {
	if len(a) != len(b) {
		return false
	}
	for name, endpoints := range a {
		other, ok := b[name]
		if !ok || !slices.Equal(endpoints, other) {
			return false
		}
	}
	return true
}
