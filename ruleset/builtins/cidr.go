package builtins

import (
	"net/netip"
)

func MatchCIDR(ip string, cidr netip.Prefix) bool {
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return false
	}
	return cidr.Contains(addr.Unmap())
}

func CompileCIDR(cidr string) (netip.Prefix, error) {
	p, err := netip.ParsePrefix(cidr)
	if err != nil {
		return netip.Prefix{}, err
	}
	return p.Masked(), nil
}

// Arg returns the i-th argument, or "" when there are fewer.
func Arg(args []string, i int) string {
	if i < 0 || i >= len(args) {
		return ""
	}
	return args[i]
}
