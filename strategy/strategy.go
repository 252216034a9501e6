// Package strategy enumerates the (address, protocol) pairs a client tries
// when connecting.
package strategy

import (
	"fmt"
	"math/rand"
	"net"
	"net/netip"
	"strconv"

	"github.com/apernet/ovpnkit/config"
)

// Endpoint is one connection candidate.
type Endpoint struct {
	Address  string
	Protocol config.EndpointProtocol
}

func (e Endpoint) String() string {
	return e.Address + ":" + e.Protocol.String()
}

// DialAddress is the host:port form for net.Dial.
func (e Endpoint) DialAddress() string {
	return net.JoinHostPort(e.Address, strconv.Itoa(int(e.Protocol.Port)))
}

// Strategy walks the cross product of addresses and protocols: every
// protocol of an address before the next address. Literal addresses are
// skipped for protocols pinned to the other family.
//
// The zero value is exhausted.
type Strategy struct {
	addresses []string
	protocols []config.EndpointProtocol

	addr, proto int
}

func New(addresses []string, protocols []config.EndpointProtocol) *Strategy {
	s := &Strategy{
		addresses: append([]string(nil), addresses...),
		protocols: append([]config.EndpointProtocol(nil), protocols...),
	}
	s.skip()
	return s
}

// Shuffle randomizes the address order, as remote-random does. Call it
// before the first Current.
func (s *Strategy) Shuffle(r *rand.Rand) {
	r.Shuffle(len(s.addresses), func(i, j int) {
		s.addresses[i], s.addresses[j] = s.addresses[j], s.addresses[i]
	})
	s.Reset()
}

// HasNext reports whether Current returns a candidate.
func (s *Strategy) HasNext() bool {
	return s.addr < len(s.addresses) && s.proto < len(s.protocols)
}

func (s *Strategy) Current() (Endpoint, error) {
	if !s.HasNext() {
		return Endpoint{}, fmt.Errorf("no more endpoints")
	}
	return Endpoint{Address: s.addresses[s.addr], Protocol: s.protocols[s.proto]}, nil
}

// Advance moves to the next candidate and reports whether there is one.
func (s *Strategy) Advance() bool {
	if !s.HasNext() {
		return false
	}
	s.step()
	s.skip()
	return s.HasNext()
}

func (s *Strategy) Reset() {
	s.addr, s.proto = 0, 0
	s.skip()
}

// Len is the size of the full cross product.
func (s *Strategy) Len() int {
	return len(s.addresses) * len(s.protocols)
}

func (s *Strategy) step() {
	s.proto++
	if s.proto >= len(s.protocols) {
		s.proto = 0
		s.addr++
	}
}

func (s *Strategy) skip() {
	if len(s.protocols) == 0 {
		s.addr = len(s.addresses)
		return
	}
	for s.HasNext() && !compatible(s.addresses[s.addr], s.protocols[s.proto].SocketType) {
		s.step()
	}
}

func compatible(address string, st config.SocketType) bool {
	addr, err := netip.ParseAddr(address)
	if err != nil {
		return true
	}
	if addr.Unmap().Is4() {
		return st.AllowsIPv4()
	}
	return st.AllowsIPv6()
}
