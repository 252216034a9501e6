package push

import (
	"errors"
	"fmt"
	"net/netip"
	"strconv"
	"strings"
	"time"

	"github.com/apernet/ovpnkit/config"
	"github.com/apernet/ovpnkit/cryptobox"
)

// Action is what a Filter decides for a pushed directive.
type Action int

const (
	ActionAccept Action = iota
	ActionIgnore
	ActionReject
)

func (a Action) String() string {
	switch a {
	case ActionIgnore:
		return "ignore"
	case ActionReject:
		return "reject"
	default:
		return "accept"
	}
}

// Filter decides which pushed directives the client honors. rule names the
// matching rule for logging.
type Filter interface {
	Filter(d Directive) (action Action, rule string)
}

var hostMask = netip.AddrFrom4([4]byte{255, 255, 255, 255})

type pendingRoute struct {
	dest, mask, gateway string
}

type parseState struct {
	reply *PushReply

	ifconfig     []string
	routeGateway string
	routes       []pendingRoute

	ifconfig6     []string
	routeGateway6 string
	routes6       [][]string
}

// Parse decodes a complete PUSH_REPLY. filter may be nil.
func Parse(msg string, filter Filter) (*PushReply, error) {
	if !IsReply(msg) {
		return nil, fmt.Errorf("%w: not a PUSH_REPLY", ErrMalformed)
	}
	s := &parseState{reply: &PushReply{Original: msg, Topology: TopologyNet30}}
	for _, d := range Directives(msg) {
		if filter != nil {
			action, rule := filter.Filter(d)
			switch action {
			case ActionIgnore:
				continue
			case ActionReject:
				return nil, fmt.Errorf("%w: %q by rule %q", ErrRejected, d.Line, rule)
			}
		}
		if err := s.directive(d); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrMalformed, d.Line, err)
		}
		s.reply.Directives = append(s.reply.Directives, d)
	}
	if err := s.finishIPv4(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	s.finishIPv6()
	return s.reply, nil
}

func (s *parseState) directive(d Directive) error {
	r := s.reply
	args := d.Args
	switch d.Name {
	case "topology":
		if len(args) != 1 {
			return errArgs
		}
		switch t := Topology(args[0]); t {
		case TopologyNet30, TopologyP2P, TopologySubnet:
			r.Topology = t
		default:
			return fmt.Errorf("unknown topology %s", args[0])
		}
	case "ifconfig":
		s.ifconfig = args
	case "route-gateway":
		if len(args) != 1 {
			return errArgs
		}
		s.routeGateway = args[0]
	case "route":
		if len(args) < 1 {
			return errArgs
		}
		rt := pendingRoute{dest: args[0]}
		if len(args) > 1 {
			rt.mask = args[1]
		}
		if len(args) > 2 {
			rt.gateway = args[2]
		}
		s.routes = append(s.routes, rt)
	case "ifconfig-ipv6":
		s.ifconfig6 = args
	case "route-ipv6-gateway":
		if len(args) == 1 {
			s.routeGateway6 = args[0]
		}
	case "route-ipv6":
		s.routes6 = append(s.routes6, args)
	case "dhcp-option":
		return s.dhcpOption(args)
	case "redirect-gateway", "redirect-private":
		rg := RedirectGateway{IPv4: true}
		for _, flag := range args {
			switch flag {
			case "def1":
				rg.Def1 = true
			case "ipv6":
				rg.IPv6 = true
			case "!ipv4":
				rg.IPv4 = false
			case "block-local":
				rg.BlockLocal = true
			}
		}
		r.RedirectGateway = Some(rg)
	case "comp-lzo":
		r.CompressionFraming = Some(config.FramingCompLZO)
		alg := config.CompressionDisabled
		if len(args) > 0 && args[0] != "no" {
			alg = config.CompressionLZO
		}
		r.CompressionAlgorithm = Some(alg)
	case "compress":
		framing, alg := config.FramingCompress, config.CompressionDisabled
		if len(args) > 0 {
			switch args[0] {
			case "stub":
			case "stub-v2":
				framing = config.FramingCompressV2
			case "lzo":
				alg = config.CompressionLZO
			case "lz4":
				alg = config.CompressionOther
			case "lz4-v2":
				framing, alg = config.FramingCompressV2, config.CompressionOther
			default:
				return fmt.Errorf("unknown compression %s", args[0])
			}
		}
		r.CompressionFraming = Some(framing)
		r.CompressionAlgorithm = Some(alg)
	case "ping":
		v, err := seconds(args)
		if err != nil {
			return err
		}
		r.Ping = Some(v)
	case "ping-restart":
		v, err := seconds(args)
		if err != nil {
			return err
		}
		r.PingRestart = Some(v)
	case "auth-token":
		if len(args) != 1 {
			return errArgs
		}
		r.AuthToken = Some(args[0])
	case "peer-id":
		if len(args) != 1 {
			return errArgs
		}
		id, err := strconv.ParseUint(args[0], 10, 24)
		if err != nil {
			return err
		}
		r.PeerID = Some(uint32(id))
	case "cipher":
		if len(args) != 1 {
			return errArgs
		}
		c, err := cryptobox.NormalizeCipher(args[0])
		if err != nil {
			return err
		}
		r.Cipher = Some(c)
	case "key-derivation":
		if len(args) == 1 && args[0] == "tls-ekm" {
			r.KeyDerivation = KeyDerivationEKM
		}
	case "protocol-flags":
		for _, flag := range args {
			if flag == "tls-ekm" {
				r.KeyDerivation = KeyDerivationEKM
			}
		}
	case "tun-mtu":
		if len(args) != 1 {
			return errArgs
		}
		mtu, err := strconv.Atoi(args[0])
		if err != nil || mtu <= 0 {
			return fmt.Errorf("invalid mtu %s", args[0])
		}
		r.TunMTU = Some(mtu)
	}
	return nil
}

var errArgs = errors.New("wrong number of arguments")

func seconds(args []string) (time.Duration, error) {
	if len(args) != 1 {
		return 0, errArgs
	}
	n, err := strconv.ParseUint(args[0], 10, 31)
	if err != nil {
		return 0, err
	}
	return time.Duration(n) * time.Second, nil
}

func (s *parseState) dhcpOption(args []string) error {
	if len(args) != 2 {
		return errArgs
	}
	r := s.reply
	switch strings.ToUpper(args[0]) {
	case "DNS", "DNS6":
		addr, err := netip.ParseAddr(args[1])
		if err != nil {
			return err
		}
		r.DNSServers = append(r.DNSServers, addr)
	case "DOMAIN", "DOMAIN-SEARCH", "ADAPTER_DOMAIN_SUFFIX":
		r.SearchDomains = append(r.SearchDomains, args[1])
	}
	return nil
}

func parseIPv4(s string) (netip.Addr, error) {
	a, err := netip.ParseAddr(s)
	if err != nil {
		return netip.Addr{}, err
	}
	if !a.Is4() {
		return netip.Addr{}, fmt.Errorf("%s is not an IPv4 address", s)
	}
	return a, nil
}

func (s *parseState) finishIPv4() error {
	r := s.reply
	if len(s.ifconfig) != 2 {
		return fmt.Errorf("missing ifconfig")
	}
	addr, err := parseIPv4(s.ifconfig[0])
	if err != nil {
		return fmt.Errorf("ifconfig: %v", err)
	}
	second, err := parseIPv4(s.ifconfig[1])
	if err != nil {
		return fmt.Errorf("ifconfig: %v", err)
	}
	v4 := IPv4Settings{Address: addr}
	if r.Topology == TopologySubnet {
		if s.routeGateway == "" {
			return fmt.Errorf("subnet topology without route-gateway")
		}
		gw, err := parseIPv4(s.routeGateway)
		if err != nil {
			return fmt.Errorf("route-gateway: %v", err)
		}
		v4.Mask, v4.Gateway = second, gw
	} else {
		v4.Mask, v4.Gateway = hostMask, second
	}

	for _, rt := range s.routes {
		route := Route{Mask: hostMask, Gateway: v4.Gateway}
		if route.Destination, err = parseIPv4(rt.dest); err != nil {
			return fmt.Errorf("route: %v", err)
		}
		if rt.mask != "" && rt.mask != "default" {
			if route.Mask, err = parseIPv4(rt.mask); err != nil {
				return fmt.Errorf("route: %v", err)
			}
		}
		switch rt.gateway {
		case "", "default", "vpn_gateway":
		case "net_gateway":
			route.NetGateway = true
		default:
			if route.Gateway, err = parseIPv4(rt.gateway); err != nil {
				return fmt.Errorf("route: %v", err)
			}
		}
		v4.Routes = append(v4.Routes, route)
	}
	r.IPv4 = v4
	return nil
}

// finishIPv6 never fails: malformed IPv6 settings and routes are skipped.
func (s *parseState) finishIPv6() {
	if len(s.ifconfig6) < 1 {
		return
	}
	prefix, err := netip.ParsePrefix(s.ifconfig6[0])
	if err != nil || !prefix.Addr().Is6() {
		return
	}
	v6 := IPv6Settings{Address: prefix}
	gateway := s.routeGateway6
	if len(s.ifconfig6) > 1 {
		gateway = s.ifconfig6[1]
	}
	if gw, err := netip.ParseAddr(gateway); err == nil {
		v6.Gateway = gw
	}
	for _, args := range s.routes6 {
		if len(args) < 1 {
			continue
		}
		dest, err := netip.ParsePrefix(args[0])
		if err != nil {
			continue
		}
		route := Route6{Destination: dest, Gateway: v6.Gateway}
		if len(args) > 1 {
			gw, err := netip.ParseAddr(args[1])
			if err != nil {
				continue
			}
			route.Gateway = gw
		}
		v6.Routes = append(v6.Routes, route)
	}
	s.reply.IPv6 = Some(v6)
}
