package packet

import (
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"math"
)

var (
	ErrPacketTooShort = errors.New("packet too short")
	ErrUnknownCode    = errors.New("unknown packet code")
	ErrTooManyAcks    = errors.New("too many acks")
)

const (
	SessionIDLength = 8
	PacketIDLength  = 4

	// MaxAcksPerPacket bounds how many ids a single packet acknowledges.
	MaxAcksPerPacket = 8
)

// SessionID identifies one side of a control channel session.
type SessionID [SessionIDLength]byte

// NewSessionID returns a random session id.
func NewSessionID() (SessionID, error) {
	var s SessionID
	if _, err := rand.Read(s[:]); err != nil {
		return s, err
	}
	return s, nil
}

func (s SessionID) String() string {
	return hex.EncodeToString(s[:])
}

func (s SessionID) IsZero() bool {
	return s == SessionID{}
}

// PacketID is a per-direction sequence number. Ids are never reused.
type PacketID uint32

// ControlPacket is a control or ack packet as it travels on the wire,
// before any tls-auth/tls-crypt wrapping.
type ControlPacket struct {
	Code      Code
	KeyID     uint8
	SessionID SessionID

	// PacketID is absent on the wire for ack-only packets.
	PacketID PacketID

	Acks               []PacketID
	AckRemoteSessionID SessionID

	Payload []byte
}

// NewAckPacket returns an ack-only packet acknowledging ids.
func NewAckPacket(keyID uint8, sessionID SessionID, acks []PacketID, remote SessionID) *ControlPacket {
	return &ControlPacket{
		Code:               CodeAckV1,
		KeyID:              keyID,
		SessionID:          sessionID,
		Acks:               acks,
		AckRemoteSessionID: remote,
	}
}

// IsAck reports whether the packet carries only acknowledgments.
func (p *ControlPacket) IsAck() bool {
	return p.Code == CodeAckV1
}

func (p *ControlPacket) String() string {
	if p.IsAck() {
		return fmt.Sprintf("{%s key=%d sid=%s acks=%v}", p.Code, p.KeyID, p.SessionID, p.Acks)
	}
	return fmt.Sprintf("{%s key=%d sid=%s pid=%d acks=%v len=%d}",
		p.Code, p.KeyID, p.SessionID, p.PacketID, p.Acks, len(p.Payload))
}

// AppendHeader appends the opcode byte and the local session id.
func (p *ControlPacket) AppendHeader(dst []byte) []byte {
	dst = append(dst, HeaderByte(p.Code, p.KeyID))
	return append(dst, p.SessionID[:]...)
}

// AppendBody appends the ack array, the packet id (unless ack-only) and the
// payload.
func (p *ControlPacket) AppendBody(dst []byte) ([]byte, error) {
	if len(p.Acks) > math.MaxUint8 {
		return nil, ErrTooManyAcks
	}
	dst = append(dst, byte(len(p.Acks)))
	for _, id := range p.Acks {
		dst = binary.BigEndian.AppendUint32(dst, uint32(id))
	}
	if len(p.Acks) > 0 {
		dst = append(dst, p.AckRemoteSessionID[:]...)
	}
	if !p.IsAck() {
		dst = binary.BigEndian.AppendUint32(dst, uint32(p.PacketID))
	}
	return append(dst, p.Payload...), nil
}

// Serialize returns the unwrapped wire representation of the packet.
func (p *ControlPacket) Serialize() ([]byte, error) {
	buf := make([]byte, 0, 1+SessionIDLength+1+len(p.Acks)*PacketIDLength+SessionIDLength+PacketIDLength+len(p.Payload))
	return p.AppendBody(p.AppendHeader(buf))
}

// ParseControlPacket parses an unwrapped control or ack packet.
func ParseControlPacket(b []byte) (*ControlPacket, error) {
	if len(b) < 1+SessionIDLength {
		return nil, ErrPacketTooShort
	}
	code, keyID := SplitHeaderByte(b[0])
	var sid SessionID
	copy(sid[:], b[1:1+SessionIDLength])
	return ParseBody(code, keyID, sid, b[1+SessionIDLength:])
}

// ParseBody parses everything after the session id: acks, packet id and
// payload. The payload aliases body.
func ParseBody(code Code, keyID uint8, sid SessionID, body []byte) (*ControlPacket, error) {
	if !code.IsControl() && code != CodeAckV1 {
		return nil, fmt.Errorf("%w: %s", ErrUnknownCode, code)
	}
	p := &ControlPacket{
		Code:      code,
		KeyID:     keyID,
		SessionID: sid,
	}
	if len(body) < 1 {
		return nil, ErrPacketTooShort
	}
	n := int(body[0])
	body = body[1:]
	if n > 0 {
		if len(body) < n*PacketIDLength+SessionIDLength {
			return nil, ErrPacketTooShort
		}
		p.Acks = make([]PacketID, n)
		for i := range p.Acks {
			p.Acks[i] = PacketID(binary.BigEndian.Uint32(body))
			body = body[PacketIDLength:]
		}
		copy(p.AckRemoteSessionID[:], body)
		body = body[SessionIDLength:]
	}
	if !p.IsAck() {
		if len(body) < PacketIDLength {
			return nil, ErrPacketTooShort
		}
		p.PacketID = PacketID(binary.BigEndian.Uint32(body))
		body = body[PacketIDLength:]
	}
	p.Payload = body
	return p, nil
}
