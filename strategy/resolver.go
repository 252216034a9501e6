package strategy

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/miekg/dns"
)

const (
	DefaultCacheSize = 64
	defaultTimeout   = 5 * time.Second
	minTTL           = 10 * time.Second
)

var ErrNoAddress = errors.New("no address found")

type cacheEntry struct {
	addrs   []netip.Addr
	expires time.Time
}

// Resolver turns the profile hostname into candidate addresses. With no
// servers configured it uses the system resolver. Answers are cached for
// their TTL.
type Resolver struct {
	servers []string
	client  *dns.Client
	cache   *lru.Cache[string, cacheEntry]
	now     func() time.Time
}

// NewResolver returns a Resolver querying servers ("host" or "host:port").
func NewResolver(servers []string, cacheSize int) (*Resolver, error) {
	if cacheSize <= 0 {
		cacheSize = DefaultCacheSize
	}
	cache, err := lru.New[string, cacheEntry](cacheSize)
	if err != nil {
		return nil, err
	}
	r := &Resolver{
		client: &dns.Client{Net: "udp", Timeout: defaultTimeout},
		cache:  cache,
		now:    time.Now,
	}
	for _, s := range servers {
		if _, _, err := net.SplitHostPort(s); err != nil {
			s = net.JoinHostPort(s, "53")
		}
		r.servers = append(r.servers, s)
	}
	return r, nil
}

// Resolve returns IPv4 addresses first, then IPv6. Literal addresses are
// returned as is.
func (r *Resolver) Resolve(ctx context.Context, host string) ([]netip.Addr, error) {
	if addr, err := netip.ParseAddr(host); err == nil {
		return []netip.Addr{addr}, nil
	}
	e, ok := r.cache.Get(host)
	if ok && r.now().Before(e.expires) {
		return e.addrs, nil
	}

	var (
		addrs []netip.Addr
		ttl   time.Duration
		err   error
	)
	if len(r.servers) == 0 {
		addrs, err = r.system(ctx, host)
		ttl = minTTL
	} else {
		addrs, ttl, err = r.query(ctx, host)
	}
	if err != nil {
		return nil, err
	}
	if len(addrs) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoAddress, host)
	}
	r.cache.Add(host, cacheEntry{addrs: addrs, expires: r.now().Add(max(ttl, minTTL))})
	return addrs, nil
}

// ResolveStrings is Resolve with string results, falling back to the host
// name itself when resolution fails so the dialer can try on its own.
func (r *Resolver) ResolveStrings(ctx context.Context, host string) ([]string, error) {
	addrs, err := r.Resolve(ctx, host)
	if err != nil {
		return []string{host}, err
	}
	out := make([]string, len(addrs))
	for i, a := range addrs {
		out[i] = a.String()
	}
	return out, nil
}

func (r *Resolver) system(ctx context.Context, host string) ([]netip.Addr, error) {
	ips, err := net.DefaultResolver.LookupNetIP(ctx, "ip", host)
	if err != nil {
		return nil, err
	}
	var v4, v6 []netip.Addr
	for _, ip := range ips {
		ip = ip.Unmap()
		if ip.Is4() {
			v4 = append(v4, ip)
		} else {
			v6 = append(v6, ip)
		}
	}
	return append(v4, v6...), nil
}

func (r *Resolver) query(ctx context.Context, host string) ([]netip.Addr, time.Duration, error) {
	var lastErr error
	for _, server := range r.servers {
		v4, ttl4, err4 := r.exchange(ctx, server, host, dns.TypeA)
		v6, ttl6, err6 := r.exchange(ctx, server, host, dns.TypeAAAA)
		if err4 != nil && err6 != nil {
			lastErr = err4
			continue
		}
		ttl := ttl4
		if ttl == 0 || (ttl6 != 0 && ttl6 < ttl) {
			ttl = ttl6
		}
		return append(v4, v6...), ttl, nil
	}
	return nil, 0, lastErr
}

func (r *Resolver) exchange(ctx context.Context, server, host string, qtype uint16) ([]netip.Addr, time.Duration, error) {
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(host), qtype)
	m.RecursionDesired = true
	resp, _, err := r.client.ExchangeContext(ctx, m, server)
	if err != nil {
		return nil, 0, err
	}
	if resp.Rcode != dns.RcodeSuccess {
		return nil, 0, fmt.Errorf("%s %s: %s", dns.TypeToString[qtype], host, dns.RcodeToString[resp.Rcode])
	}
	var (
		addrs []netip.Addr
		ttl   time.Duration
	)
	for _, rr := range resp.Answer {
		var ip net.IP
		switch v := rr.(type) {
		case *dns.A:
			ip = v.A
		case *dns.AAAA:
			ip = v.AAAA
		default:
			continue
		}
		addr, ok := netip.AddrFromSlice(ip)
		if !ok {
			continue
		}
		addrs = append(addrs, addr.Unmap())
		t := time.Duration(rr.Header().Ttl) * time.Second
		if ttl == 0 || t < ttl {
			ttl = t
		}
	}
	return addrs, ttl, nil
}
