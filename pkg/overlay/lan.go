package overlay

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	MaxDatagramSize = 8192
	readPollTimeout = time.Second
)

// transport moves sealed datagrams between nodes
type transport interface {
	// LocalPort is the port of the exchange socket advertised to peers
	LocalPort() int
	Broadcast(data []byte) error
	SendTo(data []byte, addr *net.UDPAddr) error
	// Receive delivers datagrams to handle until ctx is done or the transport is closed
	Receive(ctx context.Context, handle func(data []byte, from *net.UDPAddr)) error
	Close() error
}

// lanTransport sends to and listens on a UDP multicast group, plus a unicast
// exchange socket that carries offers addressed to this node
type lanTransport struct {
	groupAddr *net.UDPAddr
	mcast     *net.UDPConn
	conn      *net.UDPConn
}

// MulticastGroup returns the beacon group address derived from the multicast ID
func MulticastGroup(multicastID [2]byte, port int) *net.UDPAddr {
	return &net.UDPAddr{
		IP:   net.IPv4(239, 192, multicastID[0], multicastID[1]),
		Port: port,
	}
}

func listenLAN(groupAddr *net.UDPAddr, ifaceName string, logger *zap.Logger) (*lanTransport, error) {
	var iface *net.Interface
	if ifaceName != "" {
		i, err := net.InterfaceByName(ifaceName)
		if err != nil {
			return nil, fmt.Errorf("failed to find interface %s: %w", ifaceName, err)
		}
		iface = i
	}

	mcast, err := net.ListenMulticastUDP("udp4", iface, groupAddr)
	if err != nil {
		return nil, fmt.Errorf("failed to join multicast group %s: %w", groupAddr, err)
	}
	if err := mcast.SetReadBuffer(MaxDatagramSize * 16); err != nil {
		logger.Debug("Failed to enlarge multicast read buffer", zap.Error(err))
	}

	conn, err := net.ListenUDP("udp4", &net.UDPAddr{Port: 0})
	if err != nil {
		mcast.Close()
		return nil, fmt.Errorf("failed to bind exchange socket: %w", err)
	}

	return &lanTransport{
		groupAddr: groupAddr,
		mcast:     mcast,
		conn:      conn,
	}, nil
}

func (t *lanTransport) LocalPort() int {
	return t.conn.LocalAddr().(*net.UDPAddr).Port
}

func (t *lanTransport) Broadcast(data []byte) error {
	_, err := t.conn.WriteToUDP(data, t.groupAddr)
	return err
}

func (t *lanTransport) SendTo(data []byte, addr *net.UDPAddr) error {
	_, err := t.conn.WriteToUDP(data, addr)
	return err
}

func (t *lanTransport) Receive(ctx context.Context, handle func(data []byte, from *net.UDPAddr)) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return readLoop(ctx, t.mcast, handle) })
	g.Go(func() error { return readLoop(ctx, t.conn, handle) })
	return g.Wait()
}

func (t *lanTransport) Close() error {
	return multierr.Combine(t.mcast.Close(), t.conn.Close())
}

func readLoop(ctx context.Context, conn *net.UDPConn, handle func([]byte, *net.UDPAddr)) error {
	buf := make([]byte, MaxDatagramSize)

	for {
		if ctx.Err() != nil {
			return nil
		}

		if err := conn.SetReadDeadline(time.Now().Add(readPollTimeout)); err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("set read deadline on %s: %w", conn.LocalAddr(), err)
		}
		n, from, err := conn.ReadFromUDP(buf)
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				continue
			}
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("read on %s: %w", conn.LocalAddr(), err)
		}

		data := make([]byte, n)
		copy(data, buf[:n])
		handle(data, from)
	}
}
