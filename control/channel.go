package control

import (
	"errors"
	"time"

	"github.com/apernet/ovpnkit/packet"
)

var (
	// ErrSessionMismatch means a packet came from another server session.
	ErrSessionMismatch = errors.New("unexpected remote session id")
	// ErrQueueFull means too many packets are waiting for acks.
	ErrQueueFull = errors.New("control queue full")
)

const (
	// DefaultMaxPayload keeps control packets below a typical path MTU once
	// wrapped and encapsulated.
	DefaultMaxPayload = 1250

	// maxInFlight is the number of unacked packets on the wire at once. The
	// server's receive window is larger, so it never drops ours as too new.
	maxInFlight = 4
	maxQueued   = 256

	initialRetransmit = time.Second
	maxRetransmit     = 8 * time.Second
)

type pending struct {
	pkt      *packet.ControlPacket
	nextSend time.Time
	backoff  time.Duration
}

// Channel is the reliable layer of the control channel. It numbers outgoing
// packets, retransmits them until acked, piggybacks acks for what it
// received and delivers incoming packets once, in order.
//
// Channel is not safe for concurrent use.
type Channel struct {
	Serializer Serializer
	MaxPayload int

	sessionID       packet.SessionID
	remoteSessionID packet.SessionID
	hasRemote       bool
	keyID           uint8

	nextOutID packet.PacketID
	queue     []*pending
	acks      []packet.PacketID

	nextInID packet.PacketID
	inbound  map[packet.PacketID]*packet.ControlPacket
}

func NewChannel(s Serializer, sessionID packet.SessionID) *Channel {
	return &Channel{
		Serializer: s,
		MaxPayload: DefaultMaxPayload,
		sessionID:  sessionID,
		inbound:    make(map[packet.PacketID]*packet.ControlPacket),
	}
}

func (c *Channel) SessionID() packet.SessionID {
	return c.sessionID
}

// RemoteSessionID returns the server session id once it is known.
func (c *Channel) RemoteSessionID() (packet.SessionID, bool) {
	return c.remoteSessionID, c.hasRemote
}

// SetRemoteSessionID pins the server session. Later packets from any other
// session are rejected with ErrSessionMismatch.
func (c *Channel) SetRemoteSessionID(sid packet.SessionID) {
	c.remoteSessionID = sid
	c.hasRemote = true
}

func (c *Channel) KeyID() uint8 {
	return c.keyID
}

// Reset drops all queued and buffered packets and restarts packet ids for
// keyID. A new session also gets a fresh local session id and forgets the
// remote one.
func (c *Channel) Reset(forNewSession bool, keyID uint8) error {
	if forNewSession {
		sid, err := packet.NewSessionID()
		if err != nil {
			return err
		}
		c.sessionID = sid
		c.remoteSessionID = packet.SessionID{}
		c.hasRemote = false
		c.Serializer.Reset()
	}
	c.keyID = keyID
	c.nextOutID = 0
	c.queue = nil
	c.acks = nil
	c.nextInID = 0
	c.inbound = make(map[packet.PacketID]*packet.ControlPacket)
	return nil
}

// Enqueue queues payload for reliable delivery, split into as many packets
// as MaxPayload requires. An empty payload still produces one packet.
func (c *Channel) Enqueue(code packet.Code, payload []byte) error {
	n := (len(payload) + c.MaxPayload - 1) / c.MaxPayload
	if n == 0 {
		n = 1
	}
	if len(c.queue)+n > maxQueued {
		return ErrQueueFull
	}
	for i := 0; i < n; i++ {
		chunk := payload[min(i*c.MaxPayload, len(payload)):min((i+1)*c.MaxPayload, len(payload))]
		c.queue = append(c.queue, &pending{
			pkt: &packet.ControlPacket{
				Code:      code,
				KeyID:     c.keyID,
				SessionID: c.sessionID,
				PacketID:  c.nextOutID,
				Payload:   append([]byte(nil), chunk...),
			},
			backoff: initialRetransmit,
		})
		c.nextOutID++
	}
	return nil
}

// Pending is the number of packets waiting for an ack.
func (c *Channel) Pending() int {
	return len(c.queue)
}

// Outgoing returns the datagrams due at now: first transmissions and
// retransmissions of unacked packets, then ack-only packets for whatever
// acks could not be piggybacked.
func (c *Channel) Outgoing(now time.Time) ([][]byte, error) {
	var out [][]byte
	for i, p := range c.queue {
		if i >= maxInFlight {
			break
		}
		if !p.nextSend.IsZero() && now.Before(p.nextSend) {
			continue
		}
		pkt := *p.pkt
		if c.hasRemote {
			pkt.Acks = c.takeAcks()
			pkt.AckRemoteSessionID = c.remoteSessionID
		}
		raw, err := c.Serializer.Serialize(&pkt)
		if err != nil {
			return nil, err
		}
		out = append(out, raw)
		if !p.nextSend.IsZero() {
			p.backoff = min(2*p.backoff, maxRetransmit)
		}
		p.nextSend = now.Add(p.backoff)
	}
	for c.hasRemote && len(c.acks) > 0 {
		ack := packet.NewAckPacket(c.keyID, c.sessionID, c.takeAcks(), c.remoteSessionID)
		raw, err := c.Serializer.Serialize(ack)
		if err != nil {
			return nil, err
		}
		out = append(out, raw)
	}
	return out, nil
}

func (c *Channel) takeAcks() []packet.PacketID {
	n := min(len(c.acks), packet.MaxAcksPerPacket)
	if n == 0 {
		return nil
	}
	acks := append([]packet.PacketID(nil), c.acks[:n]...)
	c.acks = c.acks[n:]
	return acks
}

// Read deserializes raw and processes the acks it carries. Control packets
// are buffered for Ready and acked on the next Outgoing. The packet is
// returned so the caller can inspect its code and key id; acks for another
// local session are silently ignored.
func (c *Channel) Read(raw []byte) (*packet.ControlPacket, error) {
	p, err := c.Serializer.Deserialize(raw)
	if err != nil {
		return nil, err
	}
	if c.hasRemote && p.SessionID != c.remoteSessionID {
		return p, ErrSessionMismatch
	}
	if len(p.Acks) > 0 && p.AckRemoteSessionID == c.sessionID {
		c.handleAcks(p.Acks)
	}
	if p.IsAck() || p.KeyID != c.keyID {
		return p, nil
	}
	c.Accept(p)
	return p, nil
}

// Accept buffers a control packet that Read returned for another key id,
// after the caller switched to that key with Reset.
func (c *Channel) Accept(p *packet.ControlPacket) {
	if p.PacketID >= c.nextInID+maxQueued {
		return
	}
	c.scheduleAck(p.PacketID)
	if p.PacketID >= c.nextInID {
		if _, dup := c.inbound[p.PacketID]; !dup {
			c.inbound[p.PacketID] = p
		}
	}
}

func (c *Channel) handleAcks(ids []packet.PacketID) {
	kept := c.queue[:0]
	for _, p := range c.queue {
		acked := false
		for _, id := range ids {
			if p.pkt.PacketID == id {
				acked = true
				break
			}
		}
		if !acked {
			kept = append(kept, p)
		}
	}
	for i := len(kept); i < len(c.queue); i++ {
		c.queue[i] = nil
	}
	c.queue = kept
}

func (c *Channel) scheduleAck(id packet.PacketID) {
	for _, a := range c.acks {
		if a == id {
			return
		}
	}
	c.acks = append(c.acks, id)
}

// Ready returns the buffered packets that can be delivered in order. Each
// packet is returned exactly once.
func (c *Channel) Ready() []*packet.ControlPacket {
	var out []*packet.ControlPacket
	for {
		p, ok := c.inbound[c.nextInID]
		if !ok {
			return out
		}
		delete(c.inbound, c.nextInID)
		out = append(out, p)
		c.nextInID++
	}
}
