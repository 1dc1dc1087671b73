package config

import (
	"fmt"
	"time"
)

// DNSType defines the transport used to reach a DNS server
type DNSType string

const (
	DNSTypeUDP DNSType = "udp" // plain DNS over UDP, retried over TCP when truncated
	DNSTypeTCP DNSType = "tcp"
	DNSTypeDoT DNSType = "dot" // DNS over TLS
)

// DNSServerConfig defines configuration for a single DNS server
type DNSServerConfig struct {
	Address        string  // host:port or [IPv6]:port
	Type           DNSType // udp, tcp or dot
	TimeoutSeconds int     // per query
	TLSHost        string  // SNI name for dot, defaults to the address host
}

// Timeout returns the per-query timeout, ten seconds when unset.
func (d DNSServerConfig) Timeout() time.Duration {
	if d.TimeoutSeconds <= 0 {
		return 10 * time.Second
	}
	return time.Duration(d.TimeoutSeconds) * time.Second
}

// ClientNet returns the transport name understood by the DNS client.
func (d DNSServerConfig) ClientNet() string {
	switch d.Type {
	case DNSTypeTCP:
		return "tcp"
	case DNSTypeDoT:
		return "tcp-tls"
	default:
		return "udp"
	}
}

// DNSConfig selects the resolver used for guest destinations.
// When disabled the system resolver is used.
type DNSConfig struct {
	Enabled bool
	Servers []DNSServerConfig
}

// DefaultDNSConfig returns default DNS configuration.
func DefaultDNSConfig() DNSConfig {
	return DNSConfig{
		Enabled: false,
		Servers: []DNSServerConfig{
			{Address: "8.8.8.8:53", Type: DNSTypeUDP, TimeoutSeconds: 10},
			{Address: "1.1.1.1:53", Type: DNSTypeUDP, TimeoutSeconds: 10},
		},
	}
}

func (c DNSConfig) validate() error {
	if !c.Enabled {
		return nil
	}
	if len(c.Servers) == 0 {
		return fmt.Errorf("dns enabled without servers")
	}
	for i, s := range c.Servers {
		switch s.Type {
		case DNSTypeUDP, DNSTypeTCP, DNSTypeDoT:
		default:
			return fmt.Errorf("dns server %d: unsupported type %q", i, s.Type)
		}
		if s.Address == "" {
			return fmt.Errorf("dns server %d: missing address", i)
		}
	}
	return nil
}

func dnsEqual(a, b DNSConfig) bool {
	if a.Enabled != b.Enabled || len(a.Servers) != len(b.Servers) {
		return false
	}
	for i := range a.Servers {
		if a.Servers[i] != b.Servers[i] {
			return false
		}
	}
	return true
}
