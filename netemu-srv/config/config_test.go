package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/codefionn/netemu/netemu-srv/neterr"
)

func createTempConfigFile(t *testing.T, dir, filename, content string) string {
	t.Helper()
	tempFilePath := filepath.Join(dir, filename)
	if err := os.WriteFile(tempFilePath, []byte(content), 0o644); err != nil {
		t.Fatalf("Failed to create temp config file %s: %v", tempFilePath, err)
	}
	return tempFilePath
}

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig("")
	if err != nil {
		t.Fatalf("LoadConfig(\"\") failed: %v", err)
	}
	if len(cfg.Servers) != 1 || cfg.Servers[0].Type != ServerTypeTransparent {
		t.Errorf("Expected one transparent server, got %+v", cfg.Servers)
	}
	if cfg.ClassifyTimeoutMs != 500 || cfg.ClassifyWindow != 1024 {
		t.Errorf("Unexpected classify defaults: %d ms, %d bytes", cfg.ClassifyTimeoutMs, cfg.ClassifyWindow)
	}
	if cfg.Radio.Standard != "hsdpa" || cfg.Radio.SignalStrength != 15 {
		t.Errorf("Unexpected radio defaults: %+v", cfg.Radio)
	}
	if cfg.Upstream.Enabled() {
		t.Errorf("Upstream should be disabled by default")
	}
}

func TestLoadConfigJSON(t *testing.T) {
	t.Setenv("TEST_UPSTREAM_PASSWORD", "s3cret")

	content := `{
		"servers": [
			{"type": "redirect", "listen-address": "127.0.0.1:5555", "target": "10.0.2.2:80"},
			{"type": "transparent", "listen-address": "127.0.0.1:5556", "enabled": false}
		],
		"timeout-seconds": 12,
		"max-concurrent-connections": 7,
		"classify-timeout-ms": 250,
		"address-family": "IPv4",
		"shaping": {
			"upload-bps": 1000,
			"download-bps": 4000,
			"min-latency-ms": 20,
			"max-latency-ms": 80
		},
		"radio": {"standard": "edge", "status": "roaming", "signal-strength": 9},
		"presets": [
			{"standard": "lte", "upload-kbps": 50000, "download-kbps": 150000, "min-latency-ms": 15, "max-latency-ms": 50}
		],
		"upstream": {
			"type": "http",
			"address": "proxy.local:3128",
			"username": "alice",
			"password": {"_secret": "TEST_UPSTREAM_PASSWORD"},
			"tunnel-opaque": true,
			"bypass": ["internal.example", "10.0.0.1"]
		},
		"dns": {
			"enabled": true,
			"servers": [{"address": "9.9.9.9:853", "type": "dot", "tls-host": "dns.quad9.net"}]
		},
		"statistics": {"enabled": true, "backend": "dummy"},
		"control": {"enabled": true, "listen-address": "127.0.0.1:9000", "username": "op", "password": "pw"}
	}`
	path := createTempConfigFile(t, t.TempDir(), "netemu.json", content)

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("Failed to load JSON config: %v", err)
	}

	if len(cfg.Servers) != 2 {
		t.Fatalf("Expected 2 servers, got %d", len(cfg.Servers))
	}
	if s := cfg.Servers[0]; s.Type != ServerTypeRedirect || s.Target != "10.0.2.2:80" || !s.Enabled {
		t.Errorf("Unexpected first server: %+v", s)
	}
	if cfg.Servers[1].Enabled {
		t.Errorf("Second server should be disabled")
	}
	if cfg.TimeoutSeconds != 12 || cfg.MaxConcurrentConnections != 7 || cfg.ClassifyTimeoutMs != 250 {
		t.Errorf("Unexpected global values: %+v", cfg)
	}
	if cfg.AddressFamily != FamilyIPv4 {
		t.Errorf("Expected ipv4 family, got %q", cfg.AddressFamily)
	}
	want := ShapingConfig{UploadBps: 1000, DownloadBps: 4000, MinLatencyMs: 20, MaxLatencyMs: 80}
	if cfg.Shaping != want {
		t.Errorf("Shaping = %+v, want %+v", cfg.Shaping, want)
	}
	if cfg.Radio.Standard != "edge" || cfg.Radio.Status != "roaming" || cfg.Radio.SignalStrength != 9 {
		t.Errorf("Unexpected radio: %+v", cfg.Radio)
	}
	if cfg.Radio.VoiceStatus != "home" {
		t.Errorf("Voice status default lost: %q", cfg.Radio.VoiceStatus)
	}
	if len(cfg.Presets) != 1 || cfg.Presets[0].DownloadKbps != 150000 {
		t.Errorf("Unexpected presets: %+v", cfg.Presets)
	}

	u := cfg.Upstream
	if u.Type != UpstreamHTTP || u.Address != "proxy.local:3128" || !u.TunnelOpaque {
		t.Errorf("Unexpected upstream: %+v", u)
	}
	if u.Username == nil || *u.Username != "alice" || u.Password == nil || *u.Password != "s3cret" {
		t.Errorf("Upstream credentials not parsed")
	}
	if len(u.Bypass) != 2 || u.Bypass[1] != "10.0.0.1" {
		t.Errorf("Unexpected bypass list: %v", u.Bypass)
	}
	if got := u.String(); got != "http://alice@proxy.local:3128 (password=***)" {
		t.Errorf("Upstream description leaked or changed: %q", got)
	}

	if !cfg.DNS.Enabled || len(cfg.DNS.Servers) != 1 || cfg.DNS.Servers[0].ClientNet() != "tcp-tls" {
		t.Errorf("Unexpected DNS config: %+v", cfg.DNS)
	}
	if cfg.DNS.Servers[0].Timeout() != 10*time.Second {
		t.Errorf("Expected default DNS timeout, got %v", cfg.DNS.Servers[0].Timeout())
	}
	if !cfg.Statistics.Enabled || cfg.Statistics.Backend != "dummy" {
		t.Errorf("Unexpected statistics: %+v", cfg.Statistics)
	}
	if !cfg.Control.RequiresAuth() || cfg.Control.ListenAddress != "127.0.0.1:9000" {
		t.Errorf("Unexpected control: %+v", cfg.Control)
	}
}

func TestLoadConfigMissingSecret(t *testing.T) {
	content := `{"upstream": {"type": "http", "address": "p:1", "password": {"_secret": "NETEMU_TEST_UNSET_SECRET"}}}`
	path := createTempConfigFile(t, t.TempDir(), "secret.json", content)
	if _, err := LoadConfig(path); err == nil {
		t.Fatalf("Expected error for unset secret")
	}
}

func TestLoadConfigValidation(t *testing.T) {
	tests := []struct {
		name    string
		content string
		code    string
	}{
		{"negative upload", `{"shaping": {"upload-bps": -1}}`, neterr.ErrCodeInvalidShaping},
		{"inverted latency", `{"shaping": {"min-latency-ms": 90, "max-latency-ms": 10}}`, neterr.ErrCodeInvalidShaping},
		{"redirect without target", `{"servers": [{"type": "redirect", "listen-address": "127.0.0.1:1"}]}`, neterr.ErrCodeInvalidServerConfig},
		{"unknown server type", `{"servers": [{"type": "standard", "listen-address": "127.0.0.1:1"}]}`, neterr.ErrCodeInvalidServerConfig},
		{"upstream without address", `{"upstream": {"type": "socks5"}}`, neterr.ErrCodeInvalidUpstream},
		{"unknown upstream", `{"upstream": {"type": "ftp", "address": "x:1"}}`, neterr.ErrCodeInvalidUpstream},
		{"bad family", `{"address-family": "ipx"}`, neterr.ErrCodeInvalidServerConfig},
		{"bad dns type", `{"dns": {"enabled": true, "servers": [{"address": "1.1.1.1:53", "type": "doh"}]}}`, neterr.ErrCodeInvalidServerConfig},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := createTempConfigFile(t, t.TempDir(), "invalid.json", tt.content)
			_, err := LoadConfig(path)
			if err == nil {
				t.Fatalf("Expected validation error")
			}
			if neterr.Code(err) != tt.code {
				t.Errorf("Expected code %s, got %v", tt.code, err)
			}
		})
	}
}

func TestLoadConfigUnsupportedExtension(t *testing.T) {
	path := createTempConfigFile(t, t.TempDir(), "netemu.yaml", "a: b")
	if _, err := LoadConfig(path); err == nil {
		t.Fatalf("Expected error for unsupported format")
	}
}

func TestLoadConfigFromEnv(t *testing.T) {
	t.Setenv("NETEMU_LISTENADDRESS", "127.0.0.1:6000")
	t.Setenv("NETEMU_REDIRECTTARGET", "10.0.2.15:8080")
	t.Setenv("NETEMU_DOWNLOADBPS", "2048")
	t.Setenv("NETEMU_SHAPINGDISABLED", "true")
	t.Setenv("NETEMU_STANDARD", "lte")
	t.Setenv("NETEMU_UPSTREAMTYPE", "SOCKS5")
	t.Setenv("NETEMU_UPSTREAMADDRESS", "127.0.0.1:1080")
	t.Setenv("NETEMU_UPSTREAMUSERNAME", "bob")

	cfg, err := LoadConfig("")
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if s := cfg.Servers[0]; s.ListenAddress != "127.0.0.1:6000" || s.Type != ServerTypeRedirect || s.Target != "10.0.2.15:8080" {
		t.Errorf("Unexpected server from env: %+v", s)
	}
	if cfg.Shaping.DownloadBps != 2048 || !cfg.Shaping.Disabled {
		t.Errorf("Unexpected shaping from env: %+v", cfg.Shaping)
	}
	if cfg.Radio.Standard != "lte" {
		t.Errorf("Unexpected standard from env: %q", cfg.Radio.Standard)
	}
	if cfg.Upstream.Type != UpstreamSocks5 || !cfg.Upstream.HasCredentials() {
		t.Errorf("Unexpected upstream from env: %s", cfg.Upstream)
	}
}

func TestFileOverridesEnv(t *testing.T) {
	t.Setenv("NETEMU_TIMEOUTSECONDS", "99")
	path := createTempConfigFile(t, t.TempDir(), "override.json", `{"timeout-seconds": 5}`)
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.TimeoutSeconds != 5 {
		t.Errorf("Expected file value 5, got %d", cfg.TimeoutSeconds)
	}
}

func TestShapingNoLatency(t *testing.T) {
	path := createTempConfigFile(t, t.TempDir(), "config.json", `{"shaping": {"upload-bps": 100, "no-latency": true}}`)
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	want := ShapingConfig{UploadBps: 100, NoLatency: true}
	if cfg.Shaping != want {
		t.Errorf("Shaping = %+v, want %+v", cfg.Shaping, want)
	}
}
