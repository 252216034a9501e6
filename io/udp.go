package io

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/apernet/ovpnkit/config"
)

const udpMaxPacketLen = 0xFFFF

var _ Link = (*udpLink)(nil)

type udpLink struct {
	conn      net.Conn
	proto     config.EndpointProtocol
	closeOnce sync.Once
	closeErr  error
}

func newUDPLink(conn net.Conn, proto config.EndpointProtocol) *udpLink {
	return &udpLink{conn: conn, proto: proto}
}

func (l *udpLink) Register(ctx context.Context, cb PacketCallback) error {
	go func() {
		<-ctx.Done()
		_ = l.Close()
	}()
	go func() {
		buf := make([]byte, udpMaxPacketLen)
		for {
			n, err := l.conn.Read(buf)
			if err != nil {
				if errors.Is(err, net.ErrClosed) || ctx.Err() != nil {
					return
				}
				// ICMP errors on a connected socket are reported but not fatal
				if !cb(nil, err) {
					return
				}
				continue
			}
			if n == 0 {
				continue
			}
			data := make([]byte, n)
			copy(data, buf[:n])
			if !cb(&linkPacket{timestamp: time.Now(), data: data}, nil) {
				return
			}
		}
	}()
	return nil
}

func (l *udpLink) Send(packets [][]byte) error {
	for _, p := range packets {
		if _, err := l.conn.Write(p); err != nil {
			return err
		}
	}
	return nil
}

func (l *udpLink) Protocol() config.EndpointProtocol {
	return l.proto
}

func (l *udpLink) LocalAddr() net.Addr {
	return l.conn.LocalAddr()
}

func (l *udpLink) RemoteAddr() net.Addr {
	return l.conn.RemoteAddr()
}

func (l *udpLink) Close() error {
	l.closeOnce.Do(func() {
		l.closeErr = l.conn.Close()
	})
	return l.closeErr
}
