package config

import (
	"bufio"
	"fmt"
	"io"
	"net/netip"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/apernet/ovpnkit/cryptobox"
)

const (
	inlineArg       = "[inline]"
	redactedAddress = "<redacted>"
)

// Result is the outcome of a successful parse.
type Result struct {
	Configuration Configuration

	// Stripped is the profile with inline material dropped and private
	// remote addresses redacted, suitable for logs. Only set by WithStripped.
	Stripped []string
	// Warning is a non-fatal problem, e.g. ErrCompLZOWithoutArgument.
	Warning error
	// Ignored lists directives that were not recognized.
	Ignored []string
}

func (r *Result) Hostname() string {
	return r.Configuration.Hostname
}

func (r *Result) Endpoints() []EndpointProtocol {
	return r.Configuration.Endpoints
}

type Option func(*parser)

// WithStripped makes the parser fill Result.Stripped.
func WithStripped() Option {
	return func(p *parser) {
		p.strip = true
	}
}

// WithOrigin names the profile source in errors.
func WithOrigin(origin string) Option {
	return func(p *parser) {
		p.origin = origin
	}
}

// Parse reads a profile from r.
func Parse(r io.Reader, opts ...Option) (*Result, error) {
	var lines []string
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		lines = append(lines, sc.Text())
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return ParseLines(lines, opts...)
}

func ParseFile(path string, opts ...Option) (*Result, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return Parse(f, append([]Option{WithOrigin(path)}, opts...)...)
}

func ParseLines(lines []string, opts ...Option) (*Result, error) {
	p := &parser{}
	for _, opt := range opts {
		opt(p)
	}
	res, err := p.parse(lines)
	if err != nil && p.origin != "" {
		return nil, fmt.Errorf("%s: %w", p.origin, err)
	}
	return res, err
}

type remoteEntry struct {
	host  string
	port  uint16
	proto SocketType
}

type inlineBlock struct {
	name  string
	line  int
	lines []string
}

type parser struct {
	origin string
	strip  bool

	cfg      Configuration
	remotes  []remoteEntry
	proto    SocketType
	port     uint16
	keyDir   *cryptobox.KeyDirection
	tlsAuth  *cryptobox.StaticKey
	tlsCrypt *cryptobox.StaticKey
	cipher   bool

	block    *inlineBlock
	warning  error
	stripped []string
	ignored  []string
}

func (p *parser) parse(lines []string) (*Result, error) {
	for i, raw := range lines {
		lineNo := i + 1
		if p.block != nil {
			if name, closing, ok := blockTag(raw); ok && closing {
				if name != p.block.name {
					return nil, ParseError{Line: lineNo, Directive: name, Err: unsupported("mismatched closing tag, expected </%s>", p.block.name)}
				}
				if err := p.closeBlock(); err != nil {
					return nil, ParseError{Line: p.block.line, Directive: name, Err: err}
				}
				p.block = nil
				p.emit("</" + name + ">")
				continue
			}
			p.block.lines = append(p.block.lines, raw)
			continue
		}
		if name, closing, ok := blockTag(raw); ok {
			if closing {
				return nil, ParseError{Line: lineNo, Directive: name, Err: unsupported("closing tag without opening tag")}
			}
			if _, known := blockRules[name]; !known {
				return nil, ParseError{Line: lineNo, Directive: name, Err: unsupported("inline block <%s>", name)}
			}
			p.block = &inlineBlock{name: name, line: lineNo}
			p.emit("<" + name + ">")
			continue
		}
		tokens, err := tokenize(raw)
		if err != nil {
			return nil, ParseError{Line: lineNo, Err: unsupported("%v", err)}
		}
		if len(tokens) == 0 {
			continue
		}
		if err := p.directive(tokens); err != nil {
			return nil, ParseError{Line: lineNo, Directive: tokens[0], Err: err}
		}
		p.emitDirective(raw, tokens)
	}
	if p.block != nil {
		return nil, ParseError{Line: p.block.line, Directive: p.block.name, Err: unsupported("unterminated inline block")}
	}
	if err := p.finish(); err != nil {
		return nil, err
	}
	res := &Result{
		Configuration: p.cfg,
		Warning:       p.warning,
		Ignored:       p.ignored,
	}
	if p.strip {
		res.Stripped = p.stripped
	}
	return res, nil
}

func (p *parser) directive(tokens []string) error {
	name := strings.ToLower(strings.TrimPrefix(tokens[0], "--"))
	args := tokens[1:]
	if isDenied(name) {
		return unsupported("%s", name)
	}
	if _, ok := ignoredDirectives[name]; ok {
		return nil
	}
	r, ok := directiveRules[name]
	if !ok {
		p.ignored = append(p.ignored, name)
		return nil
	}
	if len(args) < r.minArgs || (r.maxArgs >= 0 && len(args) > r.maxArgs) {
		return unsupported("wrong number of arguments (%d)", len(args))
	}
	return r.apply(p, args)
}

func (p *parser) emit(line string) {
	if p.strip {
		p.stripped = append(p.stripped, line)
	}
}

func (p *parser) emitDirective(raw string, tokens []string) {
	if !p.strip {
		return
	}
	if strings.ToLower(tokens[0]) == "remote" && len(tokens) > 1 && isPrivateAddress(tokens[1]) {
		out := append([]string{tokens[0], redactedAddress}, tokens[2:]...)
		p.stripped = append(p.stripped, strings.Join(out, " "))
		return
	}
	p.stripped = append(p.stripped, strings.TrimSpace(raw))
}

func isPrivateAddress(host string) bool {
	addr, err := netip.ParseAddr(host)
	if err != nil {
		return false
	}
	return addr.IsPrivate() || addr.IsLoopback() || addr.IsLinkLocalUnicast()
}

func (p *parser) closeBlock() error {
	return blockRules[p.block.name](p, strings.Join(p.block.lines, "\n")+"\n")
}

func (p *parser) finish() error {
	if len(p.cfg.CA) == 0 {
		return missing("ca")
	}
	if len(p.remotes) == 0 {
		return missing("remote")
	}
	hasCert, hasKey := len(p.cfg.ClientCertificate) > 0, len(p.cfg.ClientKey) > 0
	if hasCert != hasKey {
		if hasCert {
			return missing("key")
		}
		return missing("cert")
	}
	if !hasCert && !p.cfg.AuthUserPass {
		return missing("cert or auth-user-pass")
	}

	switch {
	case p.tlsAuth != nil && p.tlsCrypt != nil:
		return unsupported("tls-auth and tls-crypt together")
	case p.tlsAuth != nil:
		dir := cryptobox.KeyDirectionBidirectional
		if p.keyDir != nil {
			dir = *p.keyDir
		}
		p.cfg.TLSWrap = &TLSWrap{Strategy: TLSWrapAuth, Key: p.tlsAuth, Direction: dir}
	case p.tlsCrypt != nil:
		p.cfg.TLSWrap = &TLSWrap{Strategy: TLSWrapCrypt, Key: p.tlsCrypt, Direction: cryptobox.KeyDirectionInverse}
	}

	if p.cfg.Cipher == "" {
		p.cfg.Cipher = DefaultCipher
	}
	if p.cfg.Digest == "" {
		p.cfg.Digest = DefaultDigest
	}
	if len(p.cfg.DataCiphers) == 0 {
		p.cfg.DataCiphers = append([]string(nil), DefaultDataCiphers...)
	}
	if p.cipher && !slices.Contains(p.cfg.DataCiphers, p.cfg.Cipher) {
		p.cfg.DataCiphers = append(p.cfg.DataCiphers, p.cfg.Cipher)
	}
	if p.cfg.HandshakeWindow == 0 {
		p.cfg.HandshakeWindow = DefaultHandshakeWindow
	}

	p.cfg.Hostname = p.remotes[0].host
	defProto, defPort := SocketUDP, uint16(DefaultPort)
	if p.proto != "" {
		defProto = p.proto
	}
	if p.port != 0 {
		defPort = p.port
	}
	for _, r := range p.remotes {
		if r.host != p.cfg.Hostname {
			continue
		}
		ep := EndpointProtocol{SocketType: r.proto, Port: r.port}
		if ep.SocketType == "" {
			ep.SocketType = defProto
		}
		if ep.Port == 0 {
			ep.Port = defPort
		}
		if !slices.Contains(p.cfg.Endpoints, ep) {
			p.cfg.Endpoints = append(p.cfg.Endpoints, ep)
		}
	}
	return nil
}

type directiveRule struct {
	minArgs, maxArgs int
	apply            func(p *parser, args []string) error
}

var directiveRules = map[string]directiveRule{
	"remote":           {1, 3, (*parser).remote},
	"proto":            {1, 1, (*parser).protoRule},
	"port":             {1, 1, (*parser).portRule},
	"rport":            {1, 1, (*parser).portRule},
	"remote-random":    {0, 0, func(p *parser, _ []string) error { p.cfg.RandomizeEndpoint = true; return nil }},
	"dev":              {1, 1, (*parser).dev},
	"cipher":           {1, 1, (*parser).cipherRule},
	"data-ciphers":     {1, 1, (*parser).dataCiphers},
	"ncp-ciphers":      {1, 1, (*parser).dataCiphers},
	"auth":             {1, 1, (*parser).auth},
	"comp-lzo":         {0, 1, (*parser).compLZO},
	"compress":         {0, 1, (*parser).compress},
	"ca":               {0, 1, inlineOnly},
	"cert":             {0, 1, inlineOnly},
	"key":              {0, 1, inlineOnly},
	"extra-certs":      {0, 1, inlineOnly},
	"tls-crypt":        {0, 1, inlineOnly},
	"tls-auth":         {0, 2, (*parser).tlsAuthRule},
	"key-direction":    {1, 1, (*parser).keyDirection},
	"key-method":       {1, 1, (*parser).keyMethod},
	"ping":             {1, 1, durationRule(func(c *Configuration) *time.Duration { return &c.KeepAliveInterval })},
	"ping-restart":     {1, 1, durationRule(func(c *Configuration) *time.Duration { return &c.KeepAliveTimeout })},
	"ping-exit":        {1, 1, durationRule(func(c *Configuration) *time.Duration { return &c.KeepAliveTimeout })},
	"keepalive":        {2, 2, (*parser).keepalive},
	"reneg-sec":        {1, 2, durationRule(func(c *Configuration) *time.Duration { return &c.RenegotiatesAfter })},
	"hand-window":      {1, 1, durationRule(func(c *Configuration) *time.Duration { return &c.HandshakeWindow })},
	"tls-version-min":  {1, 2, (*parser).tlsVersionMin},
	"remote-cert-tls":  {1, 1, (*parser).remoteCertTLS},
	"ns-cert-type":     {1, 1, (*parser).remoteCertTLS},
	"remote-cert-eku":  {1, 1, (*parser).remoteCertEKU},
	"verify-x509-name": {1, 2, (*parser).verifyX509Name},
	"auth-user-pass":   {0, 1, (*parser).authUserPass},
	"route-nopull":     {0, 0, func(p *parser, _ []string) error { p.cfg.RouteNoPull = true; return nil }},
	"pull-filter":      {2, 2, (*parser).pullFilter},
}

var blockRules = map[string]func(p *parser, content string) error{
	"ca": func(p *parser, content string) error {
		p.cfg.CA = []byte(content)
		return nil
	},
	"cert": func(p *parser, content string) error {
		p.cfg.ClientCertificate = append(p.cfg.ClientCertificate, content...)
		return nil
	},
	"extra-certs": func(p *parser, content string) error {
		p.cfg.ClientCertificate = append(p.cfg.ClientCertificate, content...)
		return nil
	},
	"key": func(p *parser, content string) error {
		if strings.Contains(content, "ENCRYPTED") {
			return unsupported("encrypted private key")
		}
		p.cfg.ClientKey = []byte(content)
		return nil
	},
	"tls-auth": func(p *parser, content string) error {
		k, err := cryptobox.ParseStaticKey(content)
		if err != nil {
			return unsupported("%v", err)
		}
		p.tlsAuth = k
		return nil
	},
	"tls-crypt": func(p *parser, content string) error {
		k, err := cryptobox.ParseStaticKey(content)
		if err != nil {
			return unsupported("%v", err)
		}
		p.tlsCrypt = k
		return nil
	},
	// Accepted but unused: the server picks DH parameters.
	"dh": func(*parser, string) error { return nil },
}

// Directives that change nothing for an embedded client.
var ignoredDirectives = map[string]struct{}{
	"client": {}, "dev-type": {}, "dev-node": {}, "nobind": {}, "persist-key": {},
	"persist-tun": {}, "persist-remote-ip": {}, "resolv-retry": {}, "verb": {},
	"mute": {}, "mute-replay-warnings": {}, "pull": {}, "tls-client": {},
	"float": {}, "explicit-exit-notify": {}, "auth-nocache": {}, "auth-retry": {},
	"script-security": {}, "setenv": {}, "sndbuf": {}, "rcvbuf": {},
	"route-delay": {}, "route-method": {}, "block-outside-dns": {},
	"push-peer-info": {}, "connect-retry": {}, "connect-retry-max": {},
	"connect-timeout": {}, "server-poll-timeout": {},
	"tun-mtu": {}, "tun-mtu-extra": {}, "link-mtu": {}, "mssfix": {},
	"redirect-gateway": {}, "route": {}, "route-ipv6": {}, "dhcp-option": {},
	"topology": {}, "ncp-disable": {}, "allow-compression": {},
	"lport": {}, "user": {}, "group": {}, "ignore-unknown-option": {},
	"reneg-bytes": {}, "reneg-pkts": {}, "replay-window": {}, "tls-timeout": {},
}

// isDenied reports directives that must fail the parse: features that would
// be silently insecure or wrong to ignore.
func isDenied(name string) bool {
	switch name {
	case "fragment", "secret", "pkcs12", "tls-crypt-v2", "static-challenge",
		"mode", "server", "tls-server", "up", "down", "route-up", "ipchange":
		return true
	// Certificate pinning, revocation and TLS policy narrow what the server
	// may present. Dropping them would trust any CA-signed certificate.
	case "verify-hash", "peer-fingerprint", "crl-verify", "tls-verify",
		"remote-cert-ku", "tls-cipher", "tls-ciphersuites", "tls-groups",
		"tls-cert-profile", "tls-export-cert":
		return true
	}
	return strings.HasSuffix(name, "-proxy") ||
		strings.HasPrefix(name, "http-proxy") ||
		strings.HasPrefix(name, "socks-proxy")
}

// inlineOnly accepts "ca", "ca [inline]" and rejects file references.
func inlineOnly(_ *parser, args []string) error {
	if len(args) == 1 && args[0] != inlineArg {
		return unsupported("file reference %q, use an inline block", args[0])
	}
	return nil
}

func (p *parser) remote(args []string) error {
	r := remoteEntry{host: args[0]}
	if len(args) > 1 {
		port, err := parsePort(args[1])
		if err != nil {
			return err
		}
		r.port = port
	}
	if len(args) > 2 {
		st, err := ParseSocketType(args[2])
		if err != nil {
			return err
		}
		r.proto = st
	}
	p.remotes = append(p.remotes, r)
	return nil
}

func (p *parser) protoRule(args []string) error {
	st, err := ParseSocketType(args[0])
	if err != nil {
		return err
	}
	p.proto = st
	return nil
}

func (p *parser) portRule(args []string) error {
	port, err := parsePort(args[0])
	if err != nil {
		return err
	}
	p.port = port
	return nil
}

func (p *parser) dev(args []string) error {
	if !strings.HasPrefix(strings.ToLower(args[0]), "tun") {
		return unsupported("dev %s, only tun devices", args[0])
	}
	return nil
}

func (p *parser) cipherRule(args []string) error {
	c, err := cryptobox.NormalizeCipher(args[0])
	if err != nil {
		return unsupported("%v", err)
	}
	p.cfg.Cipher = c
	p.cipher = true
	return nil
}

// dataCiphers keeps the supported subset of the offered list.
func (p *parser) dataCiphers(args []string) error {
	var list []string
	for _, name := range strings.Split(args[0], ":") {
		c, err := cryptobox.NormalizeCipher(name)
		if err != nil {
			continue
		}
		if !slices.Contains(list, c) {
			list = append(list, c)
		}
	}
	if len(list) == 0 {
		return unsupported("no supported cipher in %q", args[0])
	}
	p.cfg.DataCiphers = list
	return nil
}

func (p *parser) auth(args []string) error {
	d, err := cryptobox.NormalizeDigest(args[0])
	if err != nil {
		return unsupported("%v", err)
	}
	p.cfg.Digest = d
	return nil
}

func (p *parser) compLZO(args []string) error {
	p.cfg.CompressionFraming = FramingCompLZO
	p.cfg.CompressionAlgorithm = CompressionDisabled
	if len(args) == 0 {
		p.warning = ErrCompLZOWithoutArgument
		return nil
	}
	switch strings.ToLower(args[0]) {
	case "no":
		return nil
	case "yes", "adaptive":
		return unsupported("comp-lzo %s, lzo compression", args[0])
	}
	return unsupported("comp-lzo %s", args[0])
}

func (p *parser) compress(args []string) error {
	p.cfg.CompressionAlgorithm = CompressionDisabled
	if len(args) == 0 {
		p.cfg.CompressionFraming = FramingCompress
		return nil
	}
	switch strings.ToLower(args[0]) {
	case "stub":
		p.cfg.CompressionFraming = FramingCompress
		return nil
	case "stub-v2":
		p.cfg.CompressionFraming = FramingCompressV2
		return nil
	}
	return unsupported("compress %s", args[0])
}

func (p *parser) tlsAuthRule(args []string) error {
	if err := inlineOnly(p, args[:min(len(args), 1)]); err != nil {
		return err
	}
	if len(args) == 2 {
		return p.keyDirection(args[1:])
	}
	return nil
}

func (p *parser) keyDirection(args []string) error {
	var dir cryptobox.KeyDirection
	switch args[0] {
	case "0":
		dir = cryptobox.KeyDirectionNormal
	case "1":
		dir = cryptobox.KeyDirectionInverse
	default:
		return unsupported("key-direction %s", args[0])
	}
	p.keyDir = &dir
	return nil
}

func (p *parser) keyMethod(args []string) error {
	if args[0] != "2" {
		return unsupported("key-method %s", args[0])
	}
	return nil
}

func durationRule(field func(*Configuration) *time.Duration) func(*parser, []string) error {
	return func(p *parser, args []string) error {
		d, err := parseSeconds(args[0])
		if err != nil {
			return err
		}
		*field(&p.cfg) = d
		return nil
	}
}

func parseSeconds(s string) (time.Duration, error) {
	n, err := strconv.ParseUint(s, 10, 31)
	if err != nil {
		return 0, unsupported("invalid seconds %q", s)
	}
	return time.Duration(n) * time.Second, nil
}

func (p *parser) keepalive(args []string) error {
	interval, err := parseSeconds(args[0])
	if err != nil {
		return err
	}
	timeout, err := parseSeconds(args[1])
	if err != nil {
		return err
	}
	p.cfg.KeepAliveInterval = interval
	p.cfg.KeepAliveTimeout = timeout
	return nil
}

func (p *parser) tlsVersionMin(args []string) error {
	switch args[0] {
	case "1.0", "1.1", "1.2", "1.3":
	default:
		return unsupported("tls-version-min %s", args[0])
	}
	if len(args) == 2 && args[1] != "or-highest" {
		return unsupported("tls-version-min %s %s", args[0], args[1])
	}
	p.cfg.TLSMinVersion = args[0]
	return nil
}

func (p *parser) remoteCertTLS(args []string) error {
	if strings.ToLower(args[0]) != "server" {
		return unsupported("remote certificate type %s", args[0])
	}
	p.cfg.RemoteCertTLS = true
	return nil
}

func (p *parser) remoteCertEKU(args []string) error {
	switch args[0] {
	case "TLS Web Server Authentication", "1.3.6.1.5.5.7.3.1", "serverAuth":
		p.cfg.RemoteCertTLS = true
		return nil
	}
	return unsupported("remote-cert-eku %s", args[0])
}

func (p *parser) verifyX509Name(args []string) error {
	check := &X509NameCheck{Name: args[0], Type: "subject"}
	if len(args) == 2 {
		switch args[1] {
		case "subject", "name", "name-prefix":
			check.Type = args[1]
		default:
			return unsupported("verify-x509-name type %s", args[1])
		}
	}
	p.cfg.VerifyX509Name = check
	return nil
}

func (p *parser) authUserPass(args []string) error {
	if len(args) > 0 {
		return unsupported("auth-user-pass file %q, credentials are supplied by the host", args[0])
	}
	p.cfg.AuthUserPass = true
	return nil
}

func (p *parser) pullFilter(args []string) error {
	action := strings.ToLower(args[0])
	switch action {
	case "accept", "ignore", "reject":
	default:
		return unsupported("pull-filter action %s", args[0])
	}
	p.cfg.PullFilters = append(p.cfg.PullFilters, PullFilter{Action: action, Text: args[1]})
	return nil
}
