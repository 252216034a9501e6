package io

import (
	"context"
	"errors"
	goio "io"
	"net"
	"sync"
	"time"

	"github.com/apernet/ovpnkit/config"
)

const tcpReadBufferLen = 32 * 1024

var _ Link = (*tcpLink)(nil)

// tcpLink carries length-prefixed packets over a stream connection.
type tcpLink struct {
	conn  net.Conn
	proto config.EndpointProtocol

	writeMutex sync.Mutex
	closeOnce  sync.Once
	closeErr   error
}

func newTCPLink(conn net.Conn, proto config.EndpointProtocol) *tcpLink {
	return &tcpLink{conn: conn, proto: proto}
}

func (l *tcpLink) Register(ctx context.Context, cb PacketCallback) error {
	go func() {
		<-ctx.Done()
		_ = l.Close()
	}()
	go func() {
		var stream PacketStream
		buf := make([]byte, tcpReadBufferLen)
		for {
			n, err := l.conn.Read(buf)
			if n > 0 {
				now := time.Now()
				for _, p := range stream.Append(buf[:n]) {
					if !cb(&linkPacket{timestamp: now, data: p}, nil) {
						return
					}
				}
			}
			if err != nil {
				if errors.Is(err, net.ErrClosed) || ctx.Err() != nil {
					return
				}
				if errors.Is(err, goio.EOF) {
					err = goio.ErrUnexpectedEOF
				}
				// A stream error ends the link
				cb(nil, err)
				return
			}
		}
	}()
	return nil
}

func (l *tcpLink) Send(packets [][]byte) error {
	b, err := Frame(packets)
	if err != nil {
		return err
	}
	l.writeMutex.Lock()
	defer l.writeMutex.Unlock()
	_, err = l.conn.Write(b)
	return err
}

func (l *tcpLink) Protocol() config.EndpointProtocol {
	return l.proto
}

func (l *tcpLink) LocalAddr() net.Addr {
	return l.conn.LocalAddr()
}

func (l *tcpLink) RemoteAddr() net.Addr {
	return l.conn.RemoteAddr()
}

func (l *tcpLink) Close() error {
	l.closeOnce.Do(func() {
		l.closeErr = l.conn.Close()
	})
	return l.closeErr
}
