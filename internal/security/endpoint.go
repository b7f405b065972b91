package security

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"net/url"
	"strings"
)

// ErrEndpointNotAllowed is wrapped by every EndpointPolicy rejection.
var ErrEndpointNotAllowed = errors.New("endpoint not allowed")

// Resolver looks up a host's addresses. *net.Resolver satisfies it.
type Resolver interface {
	LookupNetIP(ctx context.Context, network, host string) ([]netip.Addr, error)
}

// EndpointPolicy decides whether the server may call a user-supplied URL
// (webhook targets). Hosts that are, or resolve to, loopback, private,
// link-local, CGNAT or unspecified addresses are rejected.
type EndpointPolicy struct {
	RequireHTTPS bool
	Resolver     Resolver // nil means net.DefaultResolver
}

var blockedHosts = map[string]bool{
	"localhost":                true,
	"metadata.google.internal": true,
	"metadata.google":          true,
	"metadata":                 true,
}

// Carrier-grade NAT; not covered by netip.Addr.IsPrivate.
var cgnat = netip.MustParsePrefix("100.64.0.0/10")

// Validate checks rawURL. Hostnames are resolved and every address is
// checked, so call it again right before each request.
func (p EndpointPolicy) Validate(ctx context.Context, rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("%w: invalid URL", ErrEndpointNotAllowed)
	}
	switch u.Scheme {
	case "https":
	case "http":
		if p.RequireHTTPS {
			return fmt.Errorf("%w: https required", ErrEndpointNotAllowed)
		}
	default:
		return fmt.Errorf("%w: scheme must be http or https", ErrEndpointNotAllowed)
	}
	if u.User != nil {
		return fmt.Errorf("%w: credentials in URL", ErrEndpointNotAllowed)
	}

	host := strings.TrimSuffix(strings.ToLower(u.Hostname()), ".")
	if host == "" {
		return fmt.Errorf("%w: missing host", ErrEndpointNotAllowed)
	}
	if blockedHosts[host] || strings.HasSuffix(host, ".localhost") {
		return fmt.Errorf("%w: host %q", ErrEndpointNotAllowed, host)
	}

	if addr, err := netip.ParseAddr(host); err == nil {
		return checkAddr(addr)
	}

	r := p.Resolver
	if r == nil {
		r = net.DefaultResolver
	}
	addrs, err := r.LookupNetIP(ctx, "ip", host)
	if err != nil {
		return fmt.Errorf("%w: cannot resolve %q", ErrEndpointNotAllowed, host)
	}
	for _, a := range addrs {
		if err := checkAddr(a); err != nil {
			return fmt.Errorf("%q resolves to %s: %w", host, a, err)
		}
	}
	return nil
}

func checkAddr(a netip.Addr) error {
	a = a.Unmap()
	switch {
	case a.IsLoopback():
		return fmt.Errorf("%w: loopback address", ErrEndpointNotAllowed)
	case a.IsPrivate(), cgnat.Contains(a):
		return fmt.Errorf("%w: private address", ErrEndpointNotAllowed)
	case a.IsLinkLocalUnicast(), a.IsLinkLocalMulticast():
		return fmt.Errorf("%w: link-local address", ErrEndpointNotAllowed)
	case a.IsUnspecified(), a.IsMulticast():
		return fmt.Errorf("%w: non-unicast address", ErrEndpointNotAllowed)
	}
	return nil
}
