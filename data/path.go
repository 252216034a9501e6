// Package data encrypts tunnel packets into data channel packets and back.
package data

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/apernet/ovpnkit/config"
	"github.com/apernet/ovpnkit/cryptobox"
	"github.com/apernet/ovpnkit/packet"
)

const (
	// PeerIDUndefined means the server did not assign a peer id and
	// DATA_V1 headers are used.
	PeerIDUndefined = 0xFFFFFF

	v1HeaderLength = 1
	v2HeaderLength = 4

	// renegotiateThreshold is where outgoing packet ids are considered close
	// to exhaustion.
	renegotiateThreshold = 0xFF000000
)

var (
	// ErrPacketIDExhausted means the 32-bit outgoing packet id would wrap.
	// The key must be renegotiated.
	ErrPacketIDExhausted = errors.New("packet id exhausted")
	ErrReplayed          = errors.New("replayed data packet")
	ErrNotData           = errors.New("not a data packet")
)

// Stats counts packets dropped on the receive side.
type Stats struct {
	Replayed   uint64
	Invalid    uint64
	KeepAlives uint64
}

// Path is one data channel key: it frames, numbers and encrypts outgoing
// packets and authenticates, decrypts and de-duplicates incoming ones.
//
// Path is not safe for concurrent use.
type Path struct {
	box     cryptobox.Box
	aead    bool
	keyID   uint8
	peerID  uint32
	framing config.CompressionFraming

	lastOutID packet.PacketID
	replay    *packet.ReplayWindow
	stats     Stats
}

type PathConfig struct {
	Box     cryptobox.Box
	AEAD    bool
	KeyID   uint8
	PeerID  uint32
	Framing config.CompressionFraming
	// ReplayWindow is the number of packet ids tracked, 0 for the default.
	ReplayWindow int
}

func NewPath(c PathConfig) *Path {
	size := c.ReplayWindow
	if size <= 0 {
		size = packet.DefaultReplayWindowSize
	}
	return &Path{
		box:     c.Box,
		aead:    c.AEAD,
		keyID:   c.KeyID,
		peerID:  c.PeerID & PeerIDUndefined,
		framing: c.Framing,
		replay:  packet.NewReplayWindow(size),
	}
}

func (p *Path) KeyID() uint8 {
	return p.keyID
}

func (p *Path) Stats() Stats {
	return p.stats
}

// NeedsRenegotiation reports whether outgoing packet ids are close to
// running out.
func (p *Path) NeedsRenegotiation() bool {
	return p.lastOutID >= renegotiateThreshold
}

// Encrypt encrypts a batch of tunnel packets.
func (p *Path) Encrypt(payloads [][]byte) ([][]byte, error) {
	out := make([][]byte, 0, len(payloads))
	for _, payload := range payloads {
		b, err := p.EncryptPacket(payload)
		if err != nil {
			return out, err
		}
		out = append(out, b)
	}
	return out, nil
}

func (p *Path) header(dst []byte) []byte {
	if p.peerID == PeerIDUndefined {
		return append(dst, packet.HeaderByte(packet.CodeDataV1, p.keyID))
	}
	op := uint32(packet.HeaderByte(packet.CodeDataV2, p.keyID))<<24 | p.peerID
	return binary.BigEndian.AppendUint32(dst, op)
}

func (p *Path) EncryptPacket(payload []byte) ([]byte, error) {
	if p.lastOutID == 0xFFFFFFFF {
		return nil, ErrPacketIDExhausted
	}
	p.lastOutID++
	pid := binary.BigEndian.AppendUint32(nil, uint32(p.lastOutID))
	header := p.header(make([]byte, 0, v2HeaderLength))

	if p.aead {
		ad := adFor(header, pid)
		sealed, err := p.box.Encrypt(frame(nil, p.framing, payload), &cryptobox.Flags{IV: pid, AD: ad})
		if err != nil {
			return nil, err
		}
		out := make([]byte, 0, len(header)+len(pid)+len(sealed))
		out = append(out, header...)
		out = append(out, pid...)
		return append(out, sealed...), nil
	}
	plain := frame(pid, p.framing, payload)
	sealed, err := p.box.Encrypt(plain, nil)
	if err != nil {
		return nil, err
	}
	return append(header, sealed...), nil
}

// adFor returns the AEAD additional data: the DATA_V2 header when present,
// then the packet id.
func adFor(header, pid []byte) []byte {
	ad := make([]byte, 0, v2HeaderLength+len(pid))
	if len(header) == v2HeaderLength {
		ad = append(ad, header...)
	}
	return append(ad, pid...)
}

// Decrypt decrypts a batch of data packets. Replayed, unauthenticated and
// malformed packets are dropped and counted, and keepalives are filtered.
func (p *Path) Decrypt(packets [][]byte) [][]byte {
	out := make([][]byte, 0, len(packets))
	for _, b := range packets {
		payload, err := p.DecryptPacket(b)
		if err != nil {
			if errors.Is(err, ErrReplayed) {
				p.stats.Replayed++
			} else {
				p.stats.Invalid++
			}
			continue
		}
		if IsKeepAlive(payload) {
			p.stats.KeepAlives++
			continue
		}
		out = append(out, payload)
	}
	return out
}

// HeaderLength returns the size of the data packet header of b.
func HeaderLength(b []byte) (int, error) {
	if len(b) < 1 {
		return 0, packet.ErrPacketTooShort
	}
	code, _ := packet.SplitHeaderByte(b[0])
	switch code {
	case packet.CodeDataV1:
		return v1HeaderLength, nil
	case packet.CodeDataV2:
		if len(b) < v2HeaderLength {
			return 0, packet.ErrPacketTooShort
		}
		return v2HeaderLength, nil
	}
	return 0, fmt.Errorf("%w: %s", ErrNotData, code)
}

// DecryptPacket returns the tunnel packet carried by b. Keepalives are
// returned as is.
func (p *Path) DecryptPacket(b []byte) ([]byte, error) {
	hl, err := HeaderLength(b)
	if err != nil {
		return nil, err
	}
	header, body := b[:hl], b[hl:]

	var (
		pid   packet.PacketID
		plain []byte
	)
	if p.aead {
		if len(body) < packet.PacketIDLength {
			return nil, packet.ErrPacketTooShort
		}
		rawPID := body[:packet.PacketIDLength]
		pid = packet.PacketID(binary.BigEndian.Uint32(rawPID))
		if !p.replay.Check(pid) {
			return nil, ErrReplayed
		}
		plain, err = p.box.Decrypt(body[packet.PacketIDLength:], &cryptobox.Flags{IV: rawPID, AD: adFor(header, rawPID)})
		if err != nil {
			return nil, err
		}
	} else {
		dec, err := p.box.Decrypt(body, nil)
		if err != nil {
			return nil, err
		}
		if len(dec) < packet.PacketIDLength {
			return nil, packet.ErrPacketTooShort
		}
		pid = packet.PacketID(binary.BigEndian.Uint32(dec))
		if !p.replay.Check(pid) {
			return nil, ErrReplayed
		}
		plain = dec[packet.PacketIDLength:]
	}
	payload, err := unframe(p.framing, plain)
	if err != nil {
		return nil, err
	}
	p.replay.Mark(pid)
	return payload, nil
}
