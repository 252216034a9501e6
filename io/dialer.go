package io

import (
	"context"
	"net"
	"strconv"
	"time"

	"github.com/apernet/ovpnkit/config"
)

const defaultDialTimeout = 10 * time.Second

// Dialer opens links to server endpoints.
type Dialer struct {
	// Timeout bounds TCP connection establishment. Zero means 10s.
	Timeout time.Duration
	// LocalAddr, if set, is the local address to bind.
	LocalAddr net.Addr
}

// Dial connects to host (an IP literal or name) using the socket type and
// port of proto.
func (d *Dialer) Dial(ctx context.Context, host string, proto config.EndpointProtocol) (Link, error) {
	timeout := d.Timeout
	if timeout == 0 {
		timeout = defaultDialTimeout
	}
	nd := &net.Dialer{Timeout: timeout, LocalAddr: d.LocalAddr}
	address := net.JoinHostPort(host, strconv.Itoa(int(proto.Port)))
	conn, err := nd.DialContext(ctx, proto.SocketType.Network(), address)
	if err != nil {
		return nil, err
	}
	if tc, ok := conn.(*net.TCPConn); ok {
		_ = tc.SetNoDelay(true)
	}
	return NewLink(conn, proto), nil
}

// NewLink wraps an established connection, for callers that dial through
// their own means (proxies, protected sockets).
func NewLink(conn net.Conn, proto config.EndpointProtocol) Link {
	if proto.SocketType.IsTCP() {
		return newTCPLink(conn, proto)
	}
	return newUDPLink(conn, proto)
}
