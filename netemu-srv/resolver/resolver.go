// Package resolver turns guest-supplied hosts into canonical, single-family
// socket addresses.
package resolver

import (
	"context"
	"net"
	"net/netip"
	"strconv"
	"strings"

	"github.com/codefionn/netemu/netemu-srv/config"
	"github.com/codefionn/netemu/netemu-srv/logger"
	"github.com/codefionn/netemu/netemu-srv/neterr"
	"github.com/miekg/dns"
)

// Family is the address family of a resolved address.
type Family int

const (
	FamilyIPv4 Family = 4
	FamilyIPv6 Family = 6
)

func (f Family) String() string {
	switch f {
	case FamilyIPv4:
		return "ipv4"
	case FamilyIPv6:
		return "ipv6"
	}
	return "unknown"
}

func familyOf(ip netip.Addr) Family {
	if ip.Is4() {
		return FamilyIPv4
	}
	return FamilyIPv6
}

// ResolvedAddress is an immutable destination socket address.
type ResolvedAddress struct {
	Family Family
	IP     netip.Addr
	Port   uint16
}

// AddrPort returns the address as a netip.AddrPort.
func (a ResolvedAddress) AddrPort() netip.AddrPort {
	return netip.AddrPortFrom(a.IP, a.Port)
}

// String renders a.b.c.d:port for IPv4 and [addr]:port for IPv6.
func (a ResolvedAddress) String() string {
	return a.AddrPort().String()
}

// Lookuper resolves a DNS name into candidate addresses. *net.Resolver
// satisfies it.
type Lookuper interface {
	LookupNetIP(ctx context.Context, network, host string) ([]netip.Addr, error)
}

// Resolver resolves hosts for one gateway. It never mixes families: the
// result always has the family the gateway can use.
type Resolver struct {
	family config.AddressFamily
	lookup Lookuper
}

// New creates a resolver using the configured DNS servers when custom DNS
// is enabled, the system resolver otherwise.
func New(family config.AddressFamily, dnsConfig config.DNSConfig) *Resolver {
	if dnsConfig.Enabled && len(dnsConfig.Servers) > 0 {
		logger.Info("Custom DNS resolver initialized with %d server(s)", len(dnsConfig.Servers))
		for i, server := range dnsConfig.Servers {
			logger.Info("  DNS Server %d: %s (%s)", i, server.Address, server.Type)
		}
		return NewWithLookuper(family, NewDNSClient(dnsConfig))
	}
	return NewWithLookuper(family, net.DefaultResolver)
}

// NewWithLookuper creates a resolver that resolves names with l.
func NewWithLookuper(family config.AddressFamily, l Lookuper) *Resolver {
	if family == "" {
		family = config.FamilyAny
	}
	return &Resolver{family: family, lookup: l}
}

func (r *Resolver) usable(ip netip.Addr) bool {
	switch r.family {
	case config.FamilyIPv4:
		return ip.Is4()
	case config.FamilyIPv6:
		return ip.Is6()
	}
	return true
}

// Resolve resolves host and port into a single address.
func (r *Resolver) Resolve(ctx context.Context, host string, port int) (ResolvedAddress, error) {
	if port < 1 || port > 65535 {
		return ResolvedAddress{}, neterr.Errorf(neterr.ErrCodeInvalidPort, "port %d", port)
	}

	ip, isLiteral, err := ParseLiteral(host)
	if err != nil {
		return ResolvedAddress{}, err
	}
	if isLiteral {
		if !r.usable(ip) {
			return ResolvedAddress{}, neterr.Errorf(neterr.ErrCodeNoUsableAddress, "%s is not %s", ip, r.family)
		}
		return ResolvedAddress{Family: familyOf(ip), IP: ip, Port: uint16(port)}, nil
	}

	name := strings.TrimSuffix(host, ".")
	candidates, err := r.lookup.LookupNetIP(ctx, "ip", name)
	if err != nil {
		logger.Debug("DNS lookup for %s failed: %v", name, err)
		return ResolvedAddress{}, neterr.Wrap(neterr.ErrCodeDNSFailure, err)
	}
	if len(candidates) == 0 {
		return ResolvedAddress{}, neterr.Errorf(neterr.ErrCodeDNSFailure, "no records for %s", name)
	}
	for _, c := range candidates {
		c = c.Unmap()
		if c.Zone() != "" || !r.usable(c) {
			continue
		}
		addr := ResolvedAddress{Family: familyOf(c), IP: c, Port: uint16(port)}
		logger.Trace("Resolved %s to %s", name, addr)
		return addr, nil
	}
	return ResolvedAddress{}, neterr.Errorf(neterr.ErrCodeNoUsableAddress, "%s has no %s address", name, r.family)
}

// ResolveHostPort resolves a host:port or [v6]:port string.
func (r *Resolver) ResolveHostPort(ctx context.Context, hostport string) (ResolvedAddress, error) {
	host, port, err := ParseHostPort(hostport)
	if err != nil {
		return ResolvedAddress{}, err
	}
	return r.Resolve(ctx, host, port)
}

// looksNumeric reports whether host can only be meant as an address literal.
func looksNumeric(host string) bool {
	if strings.ContainsRune(host, ':') {
		return true
	}
	for i := 0; i < len(host); i++ {
		c := host[i]
		if c != '.' && (c < '0' || c > '9') {
			return false
		}
	}
	return host != ""
}

// ParseLiteral parses host as an IP literal. It returns isLiteral false for
// a valid DNS name and an E2001 error for anything else. Bracketed IPv6,
// with the brackets, is accepted; zones are rejected and IPv4-mapped IPv6
// addresses are unmapped.
func ParseLiteral(host string) (ip netip.Addr, isLiteral bool, err error) {
	if host == "" {
		return ip, false, neterr.Errorf(neterr.ErrCodeInvalidLiteral, "empty host")
	}
	if strings.HasPrefix(host, "[") {
		if !strings.HasSuffix(host, "]") {
			return ip, false, neterr.Errorf(neterr.ErrCodeInvalidLiteral, "unterminated bracket in %q", host)
		}
		ip, err = netip.ParseAddr(host[1 : len(host)-1])
		if err != nil || !ip.Is6() {
			return netip.Addr{}, false, neterr.Errorf(neterr.ErrCodeInvalidLiteral, "bad IPv6 literal %q", host)
		}
	} else if looksNumeric(host) {
		ip, err = netip.ParseAddr(host)
		if err != nil {
			return netip.Addr{}, false, neterr.Wrap(neterr.ErrCodeInvalidLiteral, err)
		}
	} else {
		if _, ok := dns.IsDomainName(host); !ok {
			return ip, false, neterr.Errorf(neterr.ErrCodeInvalidLiteral, "invalid host name %q", host)
		}
		return ip, false, nil
	}

	if ip.Zone() != "" {
		return netip.Addr{}, false, neterr.Errorf(neterr.ErrCodeInvalidLiteral, "zoned address %q", host)
	}
	return ip.Unmap(), true, nil
}

// ParseHostPort splits host:port or [v6]:port. The returned host has no
// brackets.
func ParseHostPort(hostport string) (string, int, error) {
	host, portStr, err := net.SplitHostPort(hostport)
	if err != nil {
		return "", 0, neterr.Wrap(neterr.ErrCodeInvalidLiteral, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		if p, lookupErr := net.LookupPort("tcp", portStr); lookupErr == nil {
			return host, p, nil
		}
		return "", 0, neterr.Errorf(neterr.ErrCodeInvalidPort, "port %q", portStr)
	}
	if port < 1 || port > 65535 {
		return "", 0, neterr.Errorf(neterr.ErrCodeInvalidPort, "port %d", port)
	}
	return host, port, nil
}
