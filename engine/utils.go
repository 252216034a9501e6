package engine

import (
	"github.com/apernet/ovpnkit/io"
	"github.com/apernet/ovpnkit/push"
	"github.com/apernet/ovpnkit/session"
	"github.com/apernet/ovpnkit/strategy"
)

var (
	_ session.Logger = (*sessionLogger)(nil)
	_ session.Tunnel = (*sessionTunnel)(nil)
)

// sessionLogger tags session events with the attempt id.
type sessionLogger struct {
	ID     int64
	Logger Logger
}

func (l *sessionLogger) StateChanged(from, to session.State) {
	l.Logger.SessionState(l.ID, from, to)
}

func (l *sessionLogger) KeyNegotiated(keyID uint8, cipher string) {
	l.Logger.KeyNegotiated(l.ID, keyID, cipher)
}

func (l *sessionLogger) PacketDropped(err error) {
	l.Logger.PacketDropped(l.ID, err)
}

func (l *sessionLogger) Warning(msg string) {
	l.Logger.Warning(l.ID, msg)
}

// sessionTunnel forwards to the configured tunnel after inspecting the
// packets, and opens the outbound queue once the session is established.
type sessionTunnel struct {
	ID     int64
	Engine *engine
}

func (t *sessionTunnel) Established(reply *push.PushReply) {
	t.Engine.established.Store(true)
	t.Engine.logger.Established(t.ID, reply)
	if t.Engine.config.Tunnel != nil {
		t.Engine.config.Tunnel.Established(reply)
	}
}

func (t *sessionTunnel) Receive(packets [][]byte) {
	t.Engine.inspect(t.ID, true, packets)
	if t.Engine.config.Tunnel != nil {
		t.Engine.config.Tunnel.Receive(packets)
	}
}

type nopLogger struct{}

func (nopLogger) AttemptStart(id int64, endpoint strategy.Endpoint)             {}
func (nopLogger) AttemptError(id int64, endpoint strategy.Endpoint, err error)  {}
func (nopLogger) SessionState(id int64, from, to session.State)                 {}
func (nopLogger) KeyNegotiated(id int64, keyID uint8, cipher string)            {}
func (nopLogger) Established(id int64, reply *push.PushReply)                   {}
func (nopLogger) PacketDropped(id int64, err error)                             {}
func (nopLogger) TunnelPacket(id int64, inbound bool, info io.TunnelPacketInfo) {}
func (nopLogger) Warning(id int64, msg string)                                  {}
