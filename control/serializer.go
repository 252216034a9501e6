// Package control turns control packets into wire bytes (optionally
// authenticated with tls-auth or encrypted with tls-crypt) and provides the
// reliable, ordered channel the TLS handshake runs over.
package control

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/apernet/ovpnkit/config"
	"github.com/apernet/ovpnkit/packet"
)

var (
	// ErrReplayed means a wrapped control packet reused a replay id.
	ErrReplayed = errors.New("replayed control packet")
)

const replayHeaderLength = 8

// Serializer converts between control packets and wire bytes.
type Serializer interface {
	Serialize(p *packet.ControlPacket) ([]byte, error)
	Deserialize(b []byte) (*packet.ControlPacket, error)
	// Reset forgets the replay state of both directions.
	Reset()
}

// NewSerializer picks the serializer matching the profile's tls-auth or
// tls-crypt setting.
func NewSerializer(cfg *config.Configuration) (Serializer, error) {
	if cfg.TLSWrap == nil {
		return Plain{}, nil
	}
	switch cfg.TLSWrap.Strategy {
	case config.TLSWrapNone:
		return Plain{}, nil
	case config.TLSWrapAuth:
		return NewAuth(cfg.Digest, cfg.TLSWrap.Key.Keys(cfg.TLSWrap.Direction))
	case config.TLSWrapCrypt:
		return NewCrypt(cfg.TLSWrap.Key.Keys(cfg.TLSWrap.Direction))
	}
	return nil, fmt.Errorf("unknown tls wrap strategy %d", cfg.TLSWrap.Strategy)
}

// Plain sends control packets as they are.
type Plain struct{}

func (Plain) Serialize(p *packet.ControlPacket) ([]byte, error) {
	return p.Serialize()
}

func (Plain) Deserialize(b []byte) (*packet.ControlPacket, error) {
	return packet.ParseControlPacket(b)
}

func (Plain) Reset() {}

// replayState stamps outgoing packets and rejects reused incoming ones.
// The 8-byte replay header is a packet id followed by a unix timestamp.
type replayState struct {
	now func() time.Time

	nextID    uint32
	timestamp uint32

	window   *packet.ReplayWindow
	remoteTS uint32
}

func newReplayState() replayState {
	return replayState{
		now:    time.Now,
		window: packet.NewReplayWindow(packet.DefaultReplayWindowSize),
	}
}

func (r *replayState) stamp(dst []byte) []byte {
	if r.timestamp == 0 {
		r.timestamp = uint32(r.now().Unix())
	}
	r.nextID++
	dst = binary.BigEndian.AppendUint32(dst, r.nextID)
	return binary.BigEndian.AppendUint32(dst, r.timestamp)
}

// check validates a received replay header without recording it.
func (r *replayState) check(header []byte) error {
	id := packet.PacketID(binary.BigEndian.Uint32(header))
	ts := binary.BigEndian.Uint32(header[4:])
	switch {
	case ts < r.remoteTS:
		return ErrReplayed
	case ts > r.remoteTS:
		return nil
	}
	if !r.window.Check(id) {
		return ErrReplayed
	}
	return nil
}

// mark records a header that passed authentication.
func (r *replayState) mark(header []byte) {
	id := packet.PacketID(binary.BigEndian.Uint32(header))
	ts := binary.BigEndian.Uint32(header[4:])
	if ts > r.remoteTS {
		r.remoteTS = ts
		r.window.Reset()
	}
	r.window.Mark(id)
}

func (r *replayState) reset() {
	r.nextID = 0
	r.timestamp = 0
	r.remoteTS = 0
	r.window.Reset()
}
