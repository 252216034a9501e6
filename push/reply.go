// Package push parses the PUSH_REPLY message the server sends once the
// client asks for its tunnel settings.
package push

import (
	"errors"
	"net/netip"
	"strings"
	"time"

	"github.com/apernet/ovpnkit/config"
)

const (
	prefixReply      = "PUSH_REPLY"
	prefixAuthFailed = "AUTH_FAILED"
	prefixRestart    = "RESTART"
	// Request is sent by the client to ask for the reply.
	Request = "PUSH_REQUEST"
)

var (
	// ErrMalformed means the reply cannot configure a tunnel.
	ErrMalformed = errors.New("malformed push reply")
	// ErrRejected means a pull filter rejected a pushed directive.
	ErrRejected = errors.New("push reply rejected by filter")
)

type Topology string

const (
	TopologyNet30  Topology = "net30"
	TopologyP2P    Topology = "p2p"
	TopologySubnet Topology = "subnet"
)

type KeyDerivation int

const (
	// KeyDerivationPRF is the key-method-2 TLS 1.0 PRF.
	KeyDerivationPRF KeyDerivation = iota
	// KeyDerivationEKM uses the TLS keying material exporter.
	KeyDerivationEKM
)

// Route is an IPv4 route through the tunnel.
type Route struct {
	Destination netip.Addr
	Mask        netip.Addr
	Gateway     netip.Addr
	// NetGateway routes the destination outside the tunnel.
	NetGateway bool
}

// Route6 is an IPv6 route through the tunnel.
type Route6 struct {
	Destination netip.Prefix
	Gateway     netip.Addr
}

type IPv4Settings struct {
	Address netip.Addr
	Mask    netip.Addr
	Gateway netip.Addr
	Routes  []Route
}

type IPv6Settings struct {
	Address netip.Prefix
	Gateway netip.Addr
	Routes  []Route6
}

type RedirectGateway struct {
	IPv4       bool
	IPv6       bool
	Def1       bool
	BlockLocal bool
}

// Directive is one comma separated item of the reply.
type Directive struct {
	Name string
	Args []string
	Line string
}

// PushReply is the decoded reply. Fields the server did not push are unset
// and the session keeps its configured values for them.
type PushReply struct {
	Original   string
	Directives []Directive

	Topology Topology
	IPv4     IPv4Settings
	IPv6     Optional[IPv6Settings]

	DNSServers    []netip.Addr
	SearchDomains []string

	CompressionFraming   Optional[config.CompressionFraming]
	CompressionAlgorithm Optional[config.CompressionAlgorithm]

	Ping            Optional[time.Duration]
	PingRestart     Optional[time.Duration]
	AuthToken       Optional[string]
	PeerID          Optional[uint32]
	Cipher          Optional[string]
	KeyDerivation   KeyDerivation
	RedirectGateway Optional[RedirectGateway]
	TunMTU          Optional[int]
}

func IsReply(msg string) bool {
	return strings.HasPrefix(msg, prefixReply)
}

// IsAuthFailed reports an AUTH_FAILED message and returns its reason.
func IsAuthFailed(msg string) (string, bool) {
	if !strings.HasPrefix(msg, prefixAuthFailed) {
		return "", false
	}
	return strings.TrimLeft(strings.TrimPrefix(msg, prefixAuthFailed), ", "), true
}

// IsRestart reports a server RESTART notification.
func IsRestart(msg string) bool {
	return strings.HasPrefix(msg, prefixRestart)
}

// Directives splits a reply into its items, without the PUSH_REPLY prefix.
func Directives(msg string) []Directive {
	msg = strings.TrimRight(msg, "\x00")
	items := strings.Split(msg, ",")
	if len(items) > 0 && items[0] == prefixReply {
		items = items[1:]
	}
	out := make([]Directive, 0, len(items))
	for _, item := range items {
		item = strings.TrimSpace(item)
		fields := strings.Fields(item)
		if len(fields) == 0 {
			continue
		}
		out = append(out, Directive{Name: fields[0], Args: fields[1:], Line: item})
	}
	return out
}

// Assembler joins a reply split over several messages with
// push-continuation.
type Assembler struct {
	items []string
}

// Add returns the complete reply once the last part arrived.
func (a *Assembler) Add(msg string) (string, bool) {
	more := false
	for _, d := range Directives(msg) {
		if d.Name == "push-continuation" {
			more = len(d.Args) == 1 && d.Args[0] == "2"
			continue
		}
		a.items = append(a.items, d.Line)
	}
	if more {
		return "", false
	}
	full := strings.Join(append([]string{prefixReply}, a.items...), ",")
	a.items = nil
	return full, true
}

func (a *Assembler) Reset() {
	a.items = nil
}
