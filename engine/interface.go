package engine

import (
	"context"
	"math/rand"
	"time"

	"github.com/apernet/ovpnkit/config"
	"github.com/apernet/ovpnkit/io"
	"github.com/apernet/ovpnkit/push"
	"github.com/apernet/ovpnkit/ruleset"
	"github.com/apernet/ovpnkit/session"
	"github.com/apernet/ovpnkit/strategy"
)

// Engine is the client driver: it walks the connection strategy and keeps
// one session running at a time.
type Engine interface {
	// UpdateRuleset replaces the pull filter used by the next push reply.
	UpdateRuleset(ruleset.Ruleset) error
	// Send queues tunnel packets for the server. It is safe for concurrent
	// use and drops the packets when no session is established.
	Send(packets [][]byte) error
	// Run runs the engine, until a fatal error occurs or the context is
	// cancelled.
	Run(context.Context) error
}

// Dialer opens links to endpoints. *io.Dialer implements it.
type Dialer interface {
	Dial(ctx context.Context, host string, proto config.EndpointProtocol) (io.Link, error)
}

// Resolver turns the profile hostname into addresses.
// *strategy.Resolver implements it.
type Resolver interface {
	ResolveStrings(ctx context.Context, host string) ([]string, error)
}

// Config is the configuration for the engine.
type Config struct {
	Logger  Logger
	Profile *config.Configuration
	Ruleset ruleset.Ruleset
	// Tunnel receives the negotiated settings and decrypted packets. May
	// be nil.
	Tunnel session.Tunnel

	Dialer   Dialer
	Resolver Resolver
	// Capture, if set, records tunnel packets in both directions.
	Capture *io.Capture

	Credentials *session.Credentials
	ClientHello string
	PeerInfo    map[string]string

	TickInterval time.Duration // Zero means 500ms.
	QueueSize    int
	// MaxAttempts is the number of session attempts before Run gives up.
	// Zero means no limit.
	MaxAttempts int
	// Cycle starts over with freshly resolved addresses once every endpoint
	// has failed. Without it Run gives up with ErrEndpointsExhausted.
	Cycle      bool
	RetryDelay time.Duration
	// Rand shuffles the endpoints when the profile has remote-random.
	Rand *rand.Rand
}

// Logger is the combined logging interface for the engine and its
// sessions. Attempt ids are snowflake ids, unique per connection attempt.
type Logger interface {
	AttemptStart(id int64, endpoint strategy.Endpoint)
	AttemptError(id int64, endpoint strategy.Endpoint, err error)

	SessionState(id int64, from, to session.State)
	KeyNegotiated(id int64, keyID uint8, cipher string)
	Established(id int64, reply *push.PushReply)

	PacketDropped(id int64, err error)
	TunnelPacket(id int64, inbound bool, info io.TunnelPacketInfo)
	Warning(id int64, msg string)
}
