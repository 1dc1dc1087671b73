package resolver

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sync/atomic"

	"github.com/codefionn/netemu/netemu-srv/config"
	"github.com/codefionn/netemu/netemu-srv/logger"
	"github.com/miekg/dns"
)

// DNSClient queries the configured DNS servers directly over UDP, TCP or
// DNS-over-TLS. Servers are used round-robin; a query that fails on one
// server is retried on the next.
type DNSClient struct {
	servers []config.DNSServerConfig
	next    atomic.Uint32
}

// NewDNSClient creates a client for the servers of cfg.
func NewDNSClient(cfg config.DNSConfig) *DNSClient {
	return &DNSClient{servers: append([]config.DNSServerConfig(nil), cfg.Servers...)}
}

func (c *DNSClient) clientFor(server config.DNSServerConfig, network string) *dns.Client {
	client := &dns.Client{Net: network, Timeout: server.Timeout()}
	if network == "tcp-tls" {
		serverName := server.TLSHost
		if serverName == "" {
			serverName, _, _ = net.SplitHostPort(server.Address)
		}
		client.TLSConfig = &tls.Config{
			MinVersion: tls.VersionTLS12,
			ServerName: serverName,
		}
	}
	return client
}

// exchange sends one question to server, falling back to TCP when a UDP
// reply is truncated.
func (c *DNSClient) exchange(ctx context.Context, server config.DNSServerConfig, name string, qtype uint16) (*dns.Msg, error) {
	msg := new(dns.Msg)
	msg.SetQuestion(dns.Fqdn(name), qtype)
	msg.RecursionDesired = true

	network := server.ClientNet()
	resp, _, err := c.clientFor(server, network).ExchangeContext(ctx, msg, server.Address)
	if err == nil && resp.Truncated && network == "udp" {
		logger.Debug("Truncated DNS reply from %s, retrying over TCP", server.Address)
		resp, _, err = c.clientFor(server, "tcp").ExchangeContext(ctx, msg, server.Address)
	}
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// errNoRecords is returned by query for an authoritative empty answer.
var errNoRecords = errors.New("no records")

func (c *DNSClient) query(ctx context.Context, name string, qtype uint16) ([]netip.Addr, error) {
	if len(c.servers) == 0 {
		return nil, errors.New("no DNS servers configured")
	}

	start := int(c.next.Add(1)-1) % len(c.servers)
	var lastErr error
	for i := 0; i < len(c.servers); i++ {
		idx := (start + i) % len(c.servers)
		server := c.servers[idx]
		logger.Debug("Using DNS server %d: %s (%s)", idx, server.Address, server.Type)

		resp, err := c.exchange(ctx, server, name, qtype)
		if err != nil {
			lastErr = fmt.Errorf("%s: %w", server.Address, err)
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			continue
		}
		switch resp.Rcode {
		case dns.RcodeSuccess:
		case dns.RcodeNameError:
			return nil, fmt.Errorf("%s: no such host", name)
		default:
			lastErr = fmt.Errorf("%s: %s", server.Address, dns.RcodeToString[resp.Rcode])
			continue
		}

		var addrs []netip.Addr
		for _, rr := range resp.Answer {
			switch v := rr.(type) {
			case *dns.A:
				if ip, ok := netip.AddrFromSlice(v.A); ok {
					addrs = append(addrs, ip.Unmap())
				}
			case *dns.AAAA:
				if ip, ok := netip.AddrFromSlice(v.AAAA); ok {
					addrs = append(addrs, ip)
				}
			}
		}
		if len(addrs) == 0 {
			return nil, errNoRecords
		}
		return addrs, nil
	}
	return nil, lastErr
}

// LookupNetIP implements Lookuper. network is "ip", "ip4" or "ip6"; for
// "ip" A records come before AAAA records.
func (c *DNSClient) LookupNetIP(ctx context.Context, network, host string) ([]netip.Addr, error) {
	var qtypes []uint16
	switch network {
	case "ip4":
		qtypes = []uint16{dns.TypeA}
	case "ip6":
		qtypes = []uint16{dns.TypeAAAA}
	case "ip":
		qtypes = []uint16{dns.TypeA, dns.TypeAAAA}
	default:
		return nil, fmt.Errorf("unsupported network %q", network)
	}

	var out []netip.Addr
	var firstErr error
	for _, qtype := range qtypes {
		addrs, err := c.query(ctx, host, qtype)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if firstErr == nil && !errors.Is(err, errNoRecords) {
				firstErr = err
			}
			continue
		}
		out = append(out, addrs...)
	}
	if len(out) == 0 {
		if firstErr != nil {
			return nil, firstErr
		}
		return nil, fmt.Errorf("%s: %w", host, errNoRecords)
	}
	return out, nil
}
