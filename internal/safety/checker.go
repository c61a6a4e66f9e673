// Package safety guards outbound fetches against server-side request forgery.
package safety

import (
	"context"
	"net"
	"net/netip"
	"net/url"
	"strings"
)

// Resolver resolves hostnames to addresses. It matches *net.Resolver so tests
// can stub resolution without touching real DNS.
type Resolver interface {
	LookupIPAddr(ctx context.Context, host string) ([]net.IPAddr, error)
}

// Checker validates candidate URLs before any network request is made. Note
// content is attacker-controlled, so every hostname is resolved and every
// resolved address must land outside private and reserved ranges.
type Checker struct {
	resolver Resolver
}

// New creates a Checker. A nil resolver falls back to net.DefaultResolver.
func New(resolver Resolver) *Checker {
	if resolver == nil {
		resolver = net.DefaultResolver
	}
	return &Checker{resolver: resolver}
}

// IsSafe reports whether the URL may be fetched from a server process. Any
// parse or resolution failure is treated as unsafe; this check fails closed.
func (c *Checker) IsSafe(ctx context.Context, rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "https":
	default:
		return false
	}
	host := u.Hostname()
	if host == "" {
		return false
	}

	// Literal addresses skip DNS entirely.
	if addr, err := netip.ParseAddr(host); err == nil {
		return !isForbidden(addr)
	}

	resolved, err := c.resolver.LookupIPAddr(ctx, host)
	if err != nil || len(resolved) == 0 {
		return false
	}
	for _, ipAddr := range resolved {
		addr, ok := netip.AddrFromSlice(ipAddr.IP)
		if !ok || isForbidden(addr) {
			return false
		}
	}
	return true
}

// isForbidden rejects loopback, RFC 1918 (10/8, 172.16/12, 192.168/16),
// link-local (169.254/16, fe80::/10), IPv6 unique-local (fc00::/7), and
// unspecified addresses. IPv4-mapped IPv6 forms are unwrapped first.
func isForbidden(addr netip.Addr) bool {
	addr = addr.Unmap()
	return addr.IsLoopback() ||
		addr.IsPrivate() ||
		addr.IsLinkLocalUnicast() ||
		addr.IsLinkLocalMulticast() ||
		addr.IsUnspecified()
}
