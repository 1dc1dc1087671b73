package config

// HasChanged returns true if the configuration has changed compared to another config.
func HasChanged(a, b *Config) bool {
	if a == nil || b == nil {
		return a != b
	}
	return ListenersChanged(a, b) || RuntimeChanged(a, b)
}

// ListenersChanged reports changes that require restarting the gateway:
// listeners, dialing, classification, upstream, DNS and statistics.
func ListenersChanged(a, b *Config) bool {
	if len(a.Servers) != len(b.Servers) {
		return true
	}
	for i := range a.Servers {
		if a.Servers[i] != b.Servers[i] {
			return true
		}
	}
	if a.TimeoutSeconds != b.TimeoutSeconds ||
		a.MaxConcurrentConnections != b.MaxConcurrentConnections ||
		a.ClassifyTimeoutMs != b.ClassifyTimeoutMs ||
		a.ClassifyWindow != b.ClassifyWindow ||
		a.AddressFamily != b.AddressFamily {
		return true
	}
	if !upstreamEqual(a.Upstream, b.Upstream) {
		return true
	}
	if !dnsEqual(a.DNS, b.DNS) {
		return true
	}
	return a.Statistics != b.Statistics || a.Control != b.Control
}

// RuntimeChanged reports changes that are applied in place through the
// shaping and radio setters.
func RuntimeChanged(a, b *Config) bool {
	if a.Shaping != b.Shaping || a.Radio != b.Radio {
		return true
	}
	if len(a.Presets) != len(b.Presets) {
		return true
	}
	for i := range a.Presets {
		if a.Presets[i] != b.Presets[i] {
			return true
		}
	}
	return false
}

func upstreamEqual(a, b UpstreamConfig) bool {
	if a.Type != b.Type || a.Address != b.Address || a.TunnelOpaque != b.TunnelOpaque {
		return false
	}
	if !stringPtrEqual(a.Username, b.Username) || !stringPtrEqual(a.Password, b.Password) {
		return false
	}
	if len(a.Bypass) != len(b.Bypass) {
		return false
	}
	for i := range a.Bypass {
		if a.Bypass[i] != b.Bypass[i] {
			return false
		}
	}
	return true
}

func stringPtrEqual(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
