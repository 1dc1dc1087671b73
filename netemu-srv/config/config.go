package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/codefionn/netemu/netemu-srv/logger"
	"github.com/codefionn/netemu/netemu-srv/neterr"
)

// ServerType defines how a listener learns the guest's original destination
type ServerType string

const (
	// ServerTypeRedirect forwards every accepted connection to a fixed target.
	ServerTypeRedirect ServerType = "redirect"
	// ServerTypeTransparent recovers the destination of connections
	// redirected by the host firewall (Linux SO_ORIGINAL_DST).
	ServerTypeTransparent ServerType = "transparent"
)

// ServerConfig defines configuration for a single listener
type ServerConfig struct {
	Type           ServerType
	ListenAddress  string
	Target         string // redirect only, host:port
	Enabled        bool
	MaxConnections int
}

// AddressFamily restricts which resolved addresses flows may use
type AddressFamily string

const (
	FamilyAny  AddressFamily = "any"
	FamilyIPv4 AddressFamily = "ipv4"
	FamilyIPv6 AddressFamily = "ipv6"
)

// ShapingConfig holds the operator overrides for the network conditioner.
// Zero speeds and a zero latency range fall back to the radio preset.
type ShapingConfig struct {
	UploadBps    int64
	DownloadBps  int64
	MinLatencyMs int64
	MaxLatencyMs int64
	// NoLatency forces zero latency instead of the preset range.
	NoLatency bool
	Disabled  bool
}

// RadioConfig holds the initial radio state
type RadioConfig struct {
	Status         string
	VoiceStatus    string
	Standard       string
	SignalStrength int
}

// PresetConfig overrides the default shaping preset of one radio standard
type PresetConfig struct {
	Standard     string
	UploadKbps   float64
	DownloadKbps float64
	MinLatencyMs int64
	MaxLatencyMs int64
}

// UpstreamType defines the kind of upstream proxy guest traffic is tunneled through
type UpstreamType string

const (
	UpstreamNone   UpstreamType = ""
	UpstreamHTTP   UpstreamType = "http"
	UpstreamSocks5 UpstreamType = "socks5"
)

// UpstreamConfig describes the optional host-side proxy.
type UpstreamConfig struct {
	Type         UpstreamType
	Address      string
	Username     *string
	Password     *string
	TunnelOpaque bool     // also tunnel non-HTTP flows through an HTTP upstream via CONNECT
	Bypass       []string // domain suffixes and IP literals dialed directly
}

// Enabled reports whether an upstream proxy is configured.
func (u UpstreamConfig) Enabled() bool {
	return u.Type != UpstreamNone && u.Address != ""
}

// HasCredentials reports whether a username is configured.
func (u UpstreamConfig) HasCredentials() bool {
	return u.Username != nil && *u.Username != ""
}

// String describes the upstream without revealing the password.
func (u UpstreamConfig) String() string {
	if !u.Enabled() {
		return "none"
	}
	if u.HasCredentials() {
		return fmt.Sprintf("%s://%s@%s (password=***)", u.Type, *u.Username, u.Address)
	}
	return fmt.Sprintf("%s://%s", u.Type, u.Address)
}

// StatisticsConfig selects the flow statistics backend
type StatisticsConfig struct {
	Enabled       bool
	Backend       string // sqlite, postgres or dummy
	SQLitePath    string
	PostgresDSN   string
	FlushInterval int // seconds
}

// ControlConfig configures the HTTP control API
type ControlConfig struct {
	Enabled       bool
	ListenAddress string
	Username      string
	Password      string
	JWTSecret     string
}

// RequiresAuth reports whether the control API is protected by a login.
func (c ControlConfig) RequiresAuth() bool {
	return c.Username != "" && c.Password != ""
}

// Config represents the main configuration structure.
type Config struct {
	Servers                  []ServerConfig
	TimeoutSeconds           int // dial and upstream handshake timeout
	MaxConcurrentConnections int
	ClassifyTimeoutMs        int
	ClassifyWindow           int
	AddressFamily            AddressFamily
	Shaping                  ShapingConfig
	Radio                    RadioConfig
	Presets                  []PresetConfig
	Upstream                 UpstreamConfig
	DNS                      DNSConfig
	Statistics               StatisticsConfig
	Control                  ControlConfig
}

func defaultServer() ServerConfig {
	return ServerConfig{
		Type:           ServerTypeTransparent,
		ListenAddress:  "127.0.0.1:8080",
		Enabled:        true,
		MaxConnections: 100,
	}
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Servers:                  []ServerConfig{defaultServer()},
		TimeoutSeconds:           30,
		MaxConcurrentConnections: 100,
		ClassifyTimeoutMs:        500,
		ClassifyWindow:           1024,
		AddressFamily:            FamilyAny,
		Radio: RadioConfig{
			Status:         "home",
			VoiceStatus:    "home",
			Standard:       "hsdpa",
			SignalStrength: 15,
		},
		DNS: DefaultDNSConfig(),
		Statistics: StatisticsConfig{
			Backend:       "sqlite",
			SQLitePath:    "netemu_stats.db",
			FlushInterval: 5,
		},
		Control: ControlConfig{
			ListenAddress: "127.0.0.1:8081",
		},
	}
}

// LoadConfig loads configuration from the specified file path.
// Defaults are overridden by NETEMU_* environment variables, which are in
// turn overridden by the file.
func LoadConfig(configPath string) (*Config, error) {
	cfg := Default()

	loadConfigFromEnv(cfg)

	if configPath != "" {
		var err error

		ext := filepath.Ext(configPath)
		switch strings.ToLower(ext) {
		case ".json":
			err = loadJSONConfig(configPath, cfg)
		case ".hcl":
			err = loadHCLConfig(configPath, cfg)
		default:
			return nil, fmt.Errorf("unsupported config file format: %s", ext)
		}

		if err != nil {
			return nil, err
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func cleanConfigPath(configPath string) (string, error) {
	cleanPath := filepath.Clean(configPath)
	if !filepath.IsAbs(cleanPath) {
		absPath, err := filepath.Abs(cleanPath)
		if err != nil {
			return "", fmt.Errorf("invalid config file path: %w", err)
		}
		cleanPath = absPath
	}
	return cleanPath, nil
}

func loadJSONConfig(configPath string, cfg *Config) error {
	cleanPath, err := cleanConfigPath(configPath)
	if err != nil {
		return err
	}
	file, err := os.Open(cleanPath)
	if err != nil {
		return fmt.Errorf("failed to open config file: %w", err)
	}
	defer func() {
		if closeErr := file.Close(); closeErr != nil {
			logger.Error("Error closing config file: %v", closeErr)
		}
	}()

	// Decode into a map first to handle the hyphenated keys
	var data map[string]any
	if err := json.NewDecoder(file).Decode(&data); err != nil {
		return fmt.Errorf("failed to decode JSON config: %w", err)
	}

	return applyMap(data, cfg)
}

// Validate checks cross-field constraints. Shaping and radio values are
// checked again by their owners when applied at runtime.
func (c *Config) Validate() error {
	for i, s := range c.Servers {
		switch s.Type {
		case ServerTypeRedirect:
			if s.Target == "" {
				return neterr.Errorf(neterr.ErrCodeInvalidServerConfig, "server %d: redirect requires a target", i)
			}
		case ServerTypeTransparent:
		default:
			return neterr.Errorf(neterr.ErrCodeInvalidServerConfig, "server %d: unknown type %q", i, s.Type)
		}
		if s.Enabled && s.ListenAddress == "" {
			return neterr.Errorf(neterr.ErrCodeInvalidServerConfig, "server %d: missing listen-address", i)
		}
	}

	switch c.AddressFamily {
	case FamilyAny, FamilyIPv4, FamilyIPv6:
	default:
		return neterr.Errorf(neterr.ErrCodeInvalidServerConfig, "unknown address-family %q", c.AddressFamily)
	}

	if c.ClassifyWindow <= 0 || c.ClassifyTimeoutMs <= 0 {
		return neterr.Errorf(neterr.ErrCodeInvalidServerConfig, "classify-window and classify-timeout-ms must be positive")
	}

	s := c.Shaping
	if s.UploadBps < 0 || s.DownloadBps < 0 || s.MinLatencyMs < 0 || s.MaxLatencyMs < 0 {
		return neterr.Errorf(neterr.ErrCodeInvalidShaping, "shaping values must not be negative")
	}
	if s.MinLatencyMs > s.MaxLatencyMs {
		return neterr.Errorf(neterr.ErrCodeInvalidShaping, "min-latency-ms %d exceeds max-latency-ms %d", s.MinLatencyMs, s.MaxLatencyMs)
	}

	switch c.Upstream.Type {
	case UpstreamNone:
	case UpstreamHTTP, UpstreamSocks5:
		if c.Upstream.Address == "" {
			return neterr.Errorf(neterr.ErrCodeInvalidUpstream, "%s upstream requires an address", c.Upstream.Type)
		}
	default:
		return neterr.Errorf(neterr.ErrCodeInvalidUpstream, "unknown upstream type %q", c.Upstream.Type)
	}

	if err := c.DNS.validate(); err != nil {
		return neterr.Wrap(neterr.ErrCodeInvalidServerConfig, err)
	}

	return nil
}
