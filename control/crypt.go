package control

import (
	"github.com/apernet/ovpnkit/cryptobox"
	"github.com/apernet/ovpnkit/packet"
)

// Crypt implements tls-crypt. Wire form:
//
//	op | sid | replay id | timestamp | tag | encrypted(acks | [packet id] | payload)
type Crypt struct {
	box    *cryptobox.CryptBox
	replay replayState
}

func NewCrypt(keys cryptobox.Keys) (*Crypt, error) {
	box, err := cryptobox.NewCrypt(keys)
	if err != nil {
		return nil, err
	}
	return &Crypt{box: box, replay: newReplayState()}, nil
}

func (c *Crypt) Serialize(p *packet.ControlPacket) ([]byte, error) {
	header := p.AppendHeader(make([]byte, 0, headerLength+replayHeaderLength))
	header = c.replay.stamp(header)
	body, err := p.AppendBody(nil)
	if err != nil {
		return nil, err
	}
	sealed, err := c.box.Encrypt(body, &cryptobox.Flags{AD: header})
	if err != nil {
		return nil, err
	}
	return append(header, sealed...), nil
}

func (c *Crypt) Deserialize(b []byte) (*packet.ControlPacket, error) {
	n := headerLength + replayHeaderLength
	if len(b) < n+cryptobox.CryptTagLength {
		return nil, packet.ErrPacketTooShort
	}
	header := b[:n]
	body, err := c.box.Decrypt(b[n:], &cryptobox.Flags{AD: header})
	if err != nil {
		return nil, err
	}
	replay := header[headerLength:]
	if err := c.replay.check(replay); err != nil {
		return nil, err
	}
	code, keyID := packet.SplitHeaderByte(header[0])
	var sid packet.SessionID
	copy(sid[:], header[1:headerLength])
	p, err := packet.ParseBody(code, keyID, sid, body)
	if err != nil {
		return nil, err
	}
	c.replay.mark(replay)
	return p, nil
}

func (c *Crypt) Reset() {
	c.replay.reset()
}
