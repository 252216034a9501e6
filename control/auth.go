package control

import (
	"github.com/apernet/ovpnkit/cryptobox"
	"github.com/apernet/ovpnkit/packet"
)

const headerLength = 1 + packet.SessionIDLength

// Auth implements tls-auth. Wire form:
//
//	op | sid | hmac | replay id | timestamp | acks | [packet id] | payload
//
// The HMAC covers replay id | timestamp | op | sid | acks | [packet id] | payload.
type Auth struct {
	mac    *cryptobox.HMACBox
	replay replayState
}

func NewAuth(digest string, keys cryptobox.Keys) (*Auth, error) {
	mac, err := cryptobox.NewHMAC(digest, keys)
	if err != nil {
		return nil, err
	}
	return &Auth{mac: mac, replay: newReplayState()}, nil
}

func (a *Auth) Serialize(p *packet.ControlPacket) ([]byte, error) {
	header := p.AppendHeader(make([]byte, 0, headerLength))
	replay := a.replay.stamp(make([]byte, 0, replayHeaderLength))
	body, err := p.AppendBody(nil)
	if err != nil {
		return nil, err
	}
	mac := a.mac.Sign(replay, header, body)

	out := make([]byte, 0, len(header)+len(mac)+len(replay)+len(body))
	out = append(out, header...)
	out = append(out, mac...)
	out = append(out, replay...)
	return append(out, body...), nil
}

func (a *Auth) Deserialize(b []byte) (*packet.ControlPacket, error) {
	size := a.mac.Size()
	if len(b) < headerLength+size+replayHeaderLength {
		return nil, packet.ErrPacketTooShort
	}
	header := b[:headerLength]
	mac := b[headerLength : headerLength+size]
	replay := b[headerLength+size : headerLength+size+replayHeaderLength]
	body := b[headerLength+size+replayHeaderLength:]
	if err := a.mac.Check(mac, replay, header, body); err != nil {
		return nil, err
	}
	if err := a.replay.check(replay); err != nil {
		return nil, err
	}
	code, keyID := packet.SplitHeaderByte(header[0])
	var sid packet.SessionID
	copy(sid[:], header[1:])
	p, err := packet.ParseBody(code, keyID, sid, body)
	if err != nil {
		return nil, err
	}
	a.replay.mark(replay)
	return p, nil
}

func (a *Auth) Reset() {
	a.replay.reset()
}
