package overlay

import (
	"context"
	"net"
	"sync"
)

const memoryInboxSize = 256

// MemoryBus is an in-process stand-in for a LAN segment. Nodes opened on a
// network created with WithBus exchange datagrams through it instead of
// sockets. Delivery is lossy when an inbox is full, like UDP.
type MemoryBus struct {
	mu       sync.Mutex
	nextPort int
	members  map[int]*memoryTransport
}

// NewMemoryBus creates an empty bus
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{
		nextPort: 40000,
		members:  make(map[int]*memoryTransport),
	}
}

type memoryPacket struct {
	data []byte
	from *net.UDPAddr
}

type memoryTransport struct {
	bus   *MemoryBus
	port  int
	inbox chan memoryPacket
	done  chan struct{}
	once  sync.Once
}

func (b *MemoryBus) attach() *memoryTransport {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextPort++
	t := &memoryTransport{
		bus:   b,
		port:  b.nextPort,
		inbox: make(chan memoryPacket, memoryInboxSize),
		done:  make(chan struct{}),
	}
	b.members[t.port] = t
	return t
}

func (b *MemoryBus) detach(port int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.members, port)
}

func (b *MemoryBus) deliver(to *memoryTransport, p memoryPacket) {
	select {
	case <-to.done:
	case to.inbox <- p:
	default:
	}
}

func (t *memoryTransport) addr() *net.UDPAddr {
	return &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: t.port}
}

func (t *memoryTransport) LocalPort() int {
	return t.port
}

func (t *memoryTransport) Broadcast(data []byte) error {
	if t.isClosed() {
		return net.ErrClosed
	}

	t.bus.mu.Lock()
	targets := make([]*memoryTransport, 0, len(t.bus.members))
	for port, member := range t.bus.members {
		if port != t.port {
			targets = append(targets, member)
		}
	}
	t.bus.mu.Unlock()

	for _, member := range targets {
		t.bus.deliver(member, memoryPacket{data: append([]byte(nil), data...), from: t.addr()})
	}
	return nil
}

func (t *memoryTransport) SendTo(data []byte, addr *net.UDPAddr) error {
	if t.isClosed() {
		return net.ErrClosed
	}

	t.bus.mu.Lock()
	member, ok := t.bus.members[addr.Port]
	t.bus.mu.Unlock()

	// Unreachable destinations are silently lost
	if ok {
		t.bus.deliver(member, memoryPacket{data: append([]byte(nil), data...), from: t.addr()})
	}
	return nil
}

func (t *memoryTransport) Receive(ctx context.Context, handle func(data []byte, from *net.UDPAddr)) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.done:
			return nil
		case p := <-t.inbox:
			handle(p.data, p.from)
		}
	}
}

func (t *memoryTransport) Close() error {
	t.once.Do(func() {
		t.bus.detach(t.port)
		close(t.done)
	})
	return nil
}

func (t *memoryTransport) isClosed() bool {
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}
