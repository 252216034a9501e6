// Package config parses OpenVPN client profiles into an immutable
// Configuration.
package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/apernet/ovpnkit/cryptobox"
)

const (
	DefaultCipher          = "AES-128-CBC"
	DefaultDigest          = "SHA1"
	DefaultPort            = 1194
	DefaultHandshakeWindow = 60 * time.Second
)

// DefaultDataCiphers are offered to the server when the profile does not
// list any.
var DefaultDataCiphers = []string{"AES-256-GCM", "AES-128-GCM", "CHACHA20-POLY1305"}

// SocketType is the transport of an endpoint.
type SocketType string

const (
	SocketUDP  SocketType = "UDP"
	SocketUDP4 SocketType = "UDP4"
	SocketUDP6 SocketType = "UDP6"
	SocketTCP  SocketType = "TCP"
	SocketTCP4 SocketType = "TCP4"
	SocketTCP6 SocketType = "TCP6"
)

// ParseSocketType accepts the proto values of a client profile.
func ParseSocketType(s string) (SocketType, error) {
	switch strings.ToLower(s) {
	case "udp":
		return SocketUDP, nil
	case "udp4":
		return SocketUDP4, nil
	case "udp6":
		return SocketUDP6, nil
	case "tcp", "tcp-client":
		return SocketTCP, nil
	case "tcp4", "tcp4-client":
		return SocketTCP4, nil
	case "tcp6", "tcp6-client":
		return SocketTCP6, nil
	}
	return "", unsupported("proto %s", s)
}

func (s SocketType) IsTCP() bool {
	return strings.HasPrefix(string(s), "TCP")
}

// Network returns the name used by the net package.
func (s SocketType) Network() string {
	return strings.ToLower(string(s))
}

// AllowsIPv4 and AllowsIPv6 report which address families the socket can
// dial.
func (s SocketType) AllowsIPv4() bool {
	return !strings.HasSuffix(string(s), "6")
}

func (s SocketType) AllowsIPv6() bool {
	return !strings.HasSuffix(string(s), "4")
}

// EndpointProtocol is a socket type and a port.
type EndpointProtocol struct {
	SocketType SocketType
	Port       uint16
}

func (p EndpointProtocol) String() string {
	return fmt.Sprintf("%s:%d", p.SocketType, p.Port)
}

// ParseEndpointProtocol parses the String form, e.g. "UDP:1194".
func ParseEndpointProtocol(s string) (EndpointProtocol, error) {
	proto, port, ok := strings.Cut(s, ":")
	if !ok {
		return EndpointProtocol{}, fmt.Errorf("invalid endpoint protocol %q", s)
	}
	st, err := ParseSocketType(proto)
	if err != nil {
		return EndpointProtocol{}, err
	}
	n, err := parsePort(port)
	if err != nil {
		return EndpointProtocol{}, err
	}
	return EndpointProtocol{SocketType: st, Port: n}, nil
}

func parsePort(s string) (uint16, error) {
	n, err := strconv.ParseUint(s, 10, 16)
	if err != nil || n == 0 {
		return 0, unsupported("port %q", s)
	}
	return uint16(n), nil
}

// CompressionFraming is how payloads are prefixed on the data channel,
// independent of whether compression is actually used.
type CompressionFraming int

const (
	FramingDisabled CompressionFraming = iota
	// FramingCompLZO prefixes 0xFA to uncompressed payloads.
	FramingCompLZO
	// FramingCompress moves the first payload byte to the end and prefixes
	// 0xFB.
	FramingCompress
	// FramingCompressV2 only escapes payloads starting with 0x50.
	FramingCompressV2
)

func (f CompressionFraming) String() string {
	switch f {
	case FramingCompLZO:
		return "comp-lzo"
	case FramingCompress:
		return "compress"
	case FramingCompressV2:
		return "compress-v2"
	default:
		return "disabled"
	}
}

type CompressionAlgorithm int

const (
	CompressionDisabled CompressionAlgorithm = iota
	CompressionLZO
	// CompressionOther covers lz4 and friends.
	CompressionOther
)

func (a CompressionAlgorithm) String() string {
	switch a {
	case CompressionLZO:
		return "lzo"
	case CompressionOther:
		return "other"
	default:
		return "disabled"
	}
}

type TLSWrapStrategy int

const (
	TLSWrapNone TLSWrapStrategy = iota
	TLSWrapAuth
	TLSWrapCrypt
)

func (s TLSWrapStrategy) String() string {
	switch s {
	case TLSWrapAuth:
		return "tls-auth"
	case TLSWrapCrypt:
		return "tls-crypt"
	default:
		return "none"
	}
}

// TLSWrap authenticates (tls-auth) or encrypts (tls-crypt) control packets
// with a pre-shared StaticKey.
type TLSWrap struct {
	Strategy  TLSWrapStrategy
	Key       *cryptobox.StaticKey
	Direction cryptobox.KeyDirection
}

// X509NameCheck constrains the server certificate beyond CA validation.
type X509NameCheck struct {
	Name string
	// Type is one of "subject", "name" or "name-prefix".
	Type string
}

// PullFilter is a client side pull-filter line: pushed directives whose
// text starts with Text get Action (accept, ignore or reject).
type PullFilter struct {
	Action string
	Text   string
}

// Configuration is the immutable result of parsing a profile. Copies share
// slices and key material, which are never mutated after parsing.
type Configuration struct {
	Cipher      string
	DataCiphers []string
	Digest      string

	CompressionFraming   CompressionFraming
	CompressionAlgorithm CompressionAlgorithm

	CA                []byte
	ClientCertificate []byte
	ClientKey         []byte
	TLSWrap           *TLSWrap
	TLSMinVersion     string
	RemoteCertTLS     bool
	VerifyX509Name    *X509NameCheck

	KeepAliveInterval time.Duration
	KeepAliveTimeout  time.Duration
	RenegotiatesAfter time.Duration
	HandshakeWindow   time.Duration

	Hostname          string
	Endpoints         []EndpointProtocol
	RandomizeEndpoint bool

	AuthUserPass bool
	RouteNoPull  bool
	PullFilters  []PullFilter
}

// WithCipher returns a copy negotiating cipher instead. Used when the
// server overrides the cipher in its push reply.
func (c Configuration) WithCipher(cipher string) Configuration {
	c.Cipher = cipher
	return c
}

// IsAEAD reports whether the configured cipher ignores the digest.
func (c Configuration) IsAEAD() bool {
	return cryptobox.IsAEAD(c.Cipher)
}

// ServerOptions is the options string sent in the key-method-2 message.
// Servers only compare it for warnings.
func (c Configuration) ServerOptions(socket SocketType) string {
	proto := "UDPv4"
	switch socket {
	case SocketUDP6:
		proto = "UDPv6"
	case SocketTCP, SocketTCP4:
		proto = "TCPv4_CLIENT"
	case SocketTCP6:
		proto = "TCPv6_CLIENT"
	}
	opts := []string{"V4", "dev-type tun", "proto " + proto}
	switch c.CompressionFraming {
	case FramingCompLZO:
		opts = append(opts, "comp-lzo")
	case FramingCompress, FramingCompressV2:
		opts = append(opts, "compress")
	}
	digest := c.Digest
	if c.IsAEAD() {
		digest = "[null-digest]"
	}
	opts = append(opts,
		"cipher "+c.Cipher,
		"auth "+digest,
		fmt.Sprintf("keysize %d", cryptobox.CipherKeyLength(c.Cipher)*8),
	)
	if c.TLSWrap != nil && c.TLSWrap.Strategy == TLSWrapAuth {
		opts = append(opts, "tls-auth")
	}
	opts = append(opts, "key-method 2", "tls-client")
	return strings.Join(opts, ",")
}
