package controller

import (
	"context"
	"fmt"
	"io"
	"net"
	"strings"
	"time"
)

const DefaultDialTimeout = 5 * time.Second

// Dialer opens a connection to a controller endpoint
type Dialer interface {
	Dial(ctx context.Context, address string) (io.Closer, error)
}

// TCPDialer connects to controllers over TCP. Addresses may carry a
// tcp:// scheme as advertised by announcers.
type TCPDialer struct {
	Timeout time.Duration
}

func (d TCPDialer) Dial(ctx context.Context, address string) (io.Closer, error) {
	timeout := d.Timeout
	if timeout <= 0 {
		timeout = DefaultDialTimeout
	}

	hostport := address
	if i := strings.Index(address, "://"); i >= 0 {
		if scheme := address[:i]; scheme != "tcp" {
			return nil, fmt.Errorf("unsupported scheme %q in %s", scheme, address)
		}
		hostport = address[i+3:]
	}

	dialer := net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, "tcp", hostport)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", address, err)
	}
	return conn, nil
}
