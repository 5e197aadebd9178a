package netguard

import (
	"context"
	"net"
	"strings"
)

// Blocked IP class names, recorded in audit metadata.
const (
	ClassLoopback     = "loopback"
	ClassPrivate      = "private"
	ClassLinkLocal    = "link-local"
	ClassMulticast    = "multicast"
	ClassBroadcast    = "broadcast"
	ClassUnspecified  = "unspecified"
	ClassUnresolvable = "unresolvable"
)

// Resolver resolves a hostname to its addresses. Swapped for a fake in
// tests; production uses the system resolver with the caller's context so a
// hung lookup cannot outlive its parent execution.
type Resolver func(ctx context.Context, host string) ([]net.IP, error)

// SystemResolver resolves via net.DefaultResolver.
func SystemResolver(ctx context.Context, host string) ([]net.IP, error) {
	addrs, err := net.DefaultResolver.LookupIPAddr(ctx, host)
	if err != nil {
		return nil, err
	}
	ips := make([]net.IP, 0, len(addrs))
	for _, a := range addrs {
		ips = append(ips, a.IP)
	}
	return ips, nil
}

// classify returns the blocked class for an IP, or "" if it is routable.
// The blocked classes cover loopback, RFC 1918 private space, link-local
// (including the 169.254.169.254 cloud metadata range), multicast and
// broadcast. Blocking is unconditional: no allowlist entry overrides it.
func classify(ip net.IP) string {
	switch {
	case ip.IsLoopback():
		return ClassLoopback
	case ip.IsPrivate():
		return ClassPrivate
	case ip.IsLinkLocalUnicast(), ip.IsLinkLocalMulticast():
		return ClassLinkLocal
	case ip.IsMulticast(), ip.IsInterfaceLocalMulticast():
		return ClassMulticast
	case ip.IsUnspecified():
		return ClassUnspecified
	case ip.Equal(net.IPv4bcast):
		return ClassBroadcast
	}
	return ""
}

// hostBlockedClass checks a domain's literal form or resolved addresses
// against the blocked classes. A resolution failure fails closed: a host we
// cannot classify is treated as blocked.
func hostBlockedClass(ctx context.Context, resolver Resolver, host string) string {
	host = strings.ToLower(strings.TrimSuffix(host, "."))
	if host == "localhost" || strings.HasSuffix(host, ".localhost") {
		return ClassLoopback
	}
	if ip := net.ParseIP(host); ip != nil {
		return classify(ip)
	}
	ips, err := resolver(ctx, host)
	if err != nil || len(ips) == 0 {
		return ClassUnresolvable
	}
	for _, ip := range ips {
		if class := classify(ip); class != "" {
			return class
		}
	}
	return ""
}
