package io

import (
	"context"
	"net"
	"time"

	"github.com/apernet/ovpnkit/config"
)

// Packet is one datagram received from the server, with stream framing
// already removed.
type Packet interface {
	// Timestamp is the time the packet was received.
	Timestamp() time.Time
	// Data is the raw packet data. It is owned by the receiver.
	Data() []byte
}

// PacketCallback is called for each packet received.
// Return false to "unregister" and stop receiving packets.
type PacketCallback func(Packet, error) bool

// Link is the transport to one server endpoint.
type Link interface {
	// Register registers a callback to be called for each packet received.
	// The callback is called from a separate goroutine, and stops when the
	// context is cancelled or the link is closed.
	Register(context.Context, PacketCallback) error
	// Send writes packets to the server. It does not wait for the peer.
	Send(packets [][]byte) error
	// Protocol is the endpoint protocol the link was dialed with.
	Protocol() config.EndpointProtocol
	LocalAddr() net.Addr
	RemoteAddr() net.Addr
	// Close closes the link.
	Close() error
}

type ErrInvalidPacket struct {
	Err error
}

func (e *ErrInvalidPacket) Error() string {
	return "invalid packet: " + e.Err.Error()
}

func (e *ErrInvalidPacket) Unwrap() error {
	return e.Err
}

var _ Packet = (*linkPacket)(nil)

type linkPacket struct {
	timestamp time.Time
	data      []byte
}

func (p *linkPacket) Timestamp() time.Time {
	return p.timestamp
}

func (p *linkPacket) Data() []byte {
	return p.data
}
