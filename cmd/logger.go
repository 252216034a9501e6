package cmd

import (
	"math/rand"
	"time"

	"github.com/apernet/ovpnkit/engine"
	"github.com/apernet/ovpnkit/io"
	"github.com/apernet/ovpnkit/push"
	"github.com/apernet/ovpnkit/ruleset"
	"github.com/apernet/ovpnkit/session"
	"github.com/apernet/ovpnkit/strategy"

	"go.uber.org/zap"
)

var (
	_ engine.Logger  = (*engineLogger)(nil)
	_ ruleset.Logger = (*rulesetLogger)(nil)
)

type engineLogger struct{}

func (l *engineLogger) AttemptStart(id int64, endpoint strategy.Endpoint) {
	logger.Info("connecting",
		zap.Int64("id", id),
		zap.String("endpoint", endpoint.String()))
}

func (l *engineLogger) AttemptError(id int64, endpoint strategy.Endpoint, err error) {
	logger.Error("connection attempt failed",
		zap.Int64("id", id),
		zap.String("endpoint", endpoint.String()),
		zap.Bool("recoverable", session.IsRecoverable(err)),
		zap.Error(err))
}

func (l *engineLogger) SessionState(id int64, from, to session.State) {
	logger.Debug("session state changed",
		zap.Int64("id", id),
		zap.String("from", from.String()),
		zap.String("to", to.String()))
}

func (l *engineLogger) KeyNegotiated(id int64, keyID uint8, cipher string) {
	logger.Info("data channel key negotiated",
		zap.Int64("id", id),
		zap.Uint8("keyID", keyID),
		zap.String("cipher", cipher))
}

func (l *engineLogger) Established(id int64, reply *push.PushReply) {
	dns := make([]string, len(reply.DNSServers))
	for i, a := range reply.DNSServers {
		dns[i] = a.String()
	}
	fields := []zap.Field{
		zap.Int64("id", id),
		zap.String("topology", string(reply.Topology)),
		zap.String("address", reply.IPv4.Address.String()),
		zap.String("mask", reply.IPv4.Mask.String()),
		zap.String("gateway", reply.IPv4.Gateway.String()),
		zap.Int("routes", len(reply.IPv4.Routes)),
		zap.Strings("dns", dns),
	}
	if v6, ok := reply.IPv6.Get(); ok {
		fields = append(fields, zap.String("address6", v6.Address.String()))
	}
	if mtu, ok := reply.TunMTU.Get(); ok {
		fields = append(fields, zap.Int("mtu", mtu))
	}
	logger.Info("tunnel established", fields...)
}

func (l *engineLogger) PacketDropped(id int64, err error) {
	logger.Debug("packet dropped",
		zap.Int64("id", id),
		zap.Error(err))
}

func (l *engineLogger) TunnelPacket(id int64, inbound bool, info io.TunnelPacketInfo) {
	logger.Debug("tunnel packet",
		zap.Int64("id", id),
		zap.Bool("inbound", inbound),
		zap.String("src", info.Src),
		zap.String("dst", info.Dst),
		zap.String("proto", info.Protocol),
		zap.Int("length", info.Length))
}

func (l *engineLogger) Warning(id int64, msg string) {
	logger.Warn(msg, zap.Int64("id", id))
}

type rulesetLogger struct{}

func (l *rulesetLogger) Log(info ruleset.DirectiveInfo, name string) {
	logger.Info("pull filter rule matched",
		zap.String("rule", name),
		zap.String("directive", info.Line))
}

func (l *rulesetLogger) MatchError(info ruleset.DirectiveInfo, name string, err error) {
	logger.Error("pull filter match error",
		zap.String("rule", name),
		zap.String("directive", info.Line),
		zap.Error(err))
}

func newRand() *rand.Rand {
	return rand.New(rand.NewSource(time.Now().UnixNano()))
}
