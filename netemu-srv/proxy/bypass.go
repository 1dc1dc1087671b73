package proxy

import (
	"net/netip"
	"strings"

	ahocorasick "github.com/BobuSumisu/aho-corasick"
)

// bypassList matches hosts that are dialed directly even when an upstream
// proxy is configured. Entries are domain suffixes or IP literals.
type bypassList struct {
	trie    *ahocorasick.Trie
	domains []string
	addrs   map[netip.Addr]struct{}
}

func newBypassList(entries []string) *bypassList {
	b := &bypassList{addrs: make(map[netip.Addr]struct{})}
	for _, e := range entries {
		e = strings.ToLower(strings.TrimSpace(e))
		e = strings.TrimPrefix(e, "*.")
		e = strings.TrimPrefix(e, ".")
		e = strings.TrimSuffix(e, ".")
		if e == "" {
			continue
		}
		if ip, err := netip.ParseAddr(strings.Trim(e, "[]")); err == nil {
			b.addrs[ip.Unmap()] = struct{}{}
			continue
		}
		b.domains = append(b.domains, e)
	}
	if len(b.domains) > 0 {
		b.trie = ahocorasick.NewTrieBuilder().AddStrings(b.domains).Build()
	}
	return b
}

// Match reports whether host is the bypassed domain, a subdomain of it, or
// a listed address.
func (b *bypassList) Match(host string) bool {
	if b == nil {
		return false
	}
	host = strings.ToLower(strings.TrimSuffix(strings.Trim(host, "[]"), "."))
	if ip, err := netip.ParseAddr(host); err == nil {
		_, ok := b.addrs[ip.Unmap()]
		return ok
	}
	if b.trie == nil {
		return false
	}
	for _, match := range b.trie.MatchString(host) {
		domain := b.domains[match.Pattern()]
		if host == domain {
			return true
		}
		if strings.HasSuffix(host, domain) && host[len(host)-len(domain)-1] == '.' {
			return true
		}
	}
	return false
}

// Len returns the number of entries.
func (b *bypassList) Len() int {
	if b == nil {
		return 0
	}
	return len(b.domains) + len(b.addrs)
}
