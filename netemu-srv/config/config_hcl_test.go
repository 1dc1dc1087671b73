package config

import (
	"strings"
	"testing"
)

func TestLoadConfigHCL(t *testing.T) {
	t.Setenv("NETEMU_TEST_PROXY_USER", "carol")

	content := `
servers = [
  {
    type           = "redirect"
    listen-address = "127.0.0.1:5555"
    target         = "[2001:db8::1]:443"
  }
]
timeout-seconds = 20
classify-window = 512

shaping = {
  upload-bps     = 4000
  download-bps   = 32000
  min-latency-ms = 100
  max-latency-ms = 300
}

radio = {
  standard        = "gprs"
  voice-status    = "roaming"
  signal-strength = 40
}

upstream = {
  type     = "socks5"
  address  = "127.0.0.1:1080"
  username = env("NETEMU_TEST_PROXY_USER")
  password = "pw"
  bypass   = ["corp.example"]
}
`
	path := createTempConfigFile(t, t.TempDir(), "netemu.hcl", content)
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("Failed to load HCL config: %v", err)
	}

	if len(cfg.Servers) != 1 {
		t.Fatalf("Expected 1 server, got %d", len(cfg.Servers))
	}
	if s := cfg.Servers[0]; s.Type != ServerTypeRedirect || s.Target != "[2001:db8::1]:443" {
		t.Errorf("Unexpected server: %+v", s)
	}
	if cfg.TimeoutSeconds != 20 || cfg.ClassifyWindow != 512 {
		t.Errorf("Unexpected globals: timeout=%d window=%d", cfg.TimeoutSeconds, cfg.ClassifyWindow)
	}
	if cfg.Shaping.DownloadBps != 32000 || cfg.Shaping.MaxLatencyMs != 300 {
		t.Errorf("Unexpected shaping: %+v", cfg.Shaping)
	}
	// clamping happens in the radio model, not in the loader
	if cfg.Radio.SignalStrength != 40 || cfg.Radio.VoiceStatus != "roaming" {
		t.Errorf("Unexpected radio: %+v", cfg.Radio)
	}
	if cfg.Upstream.Username == nil || *cfg.Upstream.Username != "carol" {
		t.Errorf("env() function not evaluated: %v", cfg.Upstream.Username)
	}
	if len(cfg.Upstream.Bypass) != 1 || cfg.Upstream.Bypass[0] != "corp.example" {
		t.Errorf("Unexpected bypass: %v", cfg.Upstream.Bypass)
	}
}

func TestLoadConfigHCLSyntaxError(t *testing.T) {
	path := createTempConfigFile(t, t.TempDir(), "broken.hcl", "timeout-seconds = \n")
	_, err := LoadConfig(path)
	if err == nil {
		t.Fatalf("Expected parse error")
	}
	if !strings.Contains(err.Error(), "HCL") {
		t.Errorf("Expected HCL parse error, got %v", err)
	}
}

func TestLoadConfigHCLRejectsBlocks(t *testing.T) {
	path := createTempConfigFile(t, t.TempDir(), "blocks.hcl", "shaping {\n  upload-bps = 1\n}\n")
	if _, err := LoadConfig(path); err == nil {
		t.Fatalf("Expected error for block syntax")
	}
}
