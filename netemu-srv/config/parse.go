package config

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
)

// applyMap maps a decoded configuration document onto cfg. JSON and HCL
// files both end up here as map[string]any with float64 numbers.
func applyMap(data map[string]any, cfg *Config) error {
	if val, exists := data["servers"]; exists {
		serverList, ok := val.([]any)
		if !ok {
			return fmt.Errorf("servers must be an array")
		}

		// Servers in the file replace the defaults
		cfg.Servers = []ServerConfig{}

		for i, serverData := range serverList {
			serverMap, ok := serverData.(map[string]any)
			if !ok {
				return fmt.Errorf("server configuration at index %d must be an object", i)
			}
			server, err := parseServer(serverMap)
			if err != nil {
				return fmt.Errorf("server at index %d: %w", i, err)
			}
			cfg.Servers = append(cfg.Servers, server)
		}
	}

	if err := setValue(data, "timeout-seconds", &cfg.TimeoutSeconds); err != nil {
		return err
	}
	if err := setValue(data, "max-concurrent-connections", &cfg.MaxConcurrentConnections); err != nil {
		return err
	}
	if err := setValue(data, "classify-timeout-ms", &cfg.ClassifyTimeoutMs); err != nil {
		return err
	}
	if err := setValue(data, "classify-window", &cfg.ClassifyWindow); err != nil {
		return err
	}

	var family string
	if err := setValue(data, "address-family", &family); err != nil {
		return err
	}
	if family != "" {
		cfg.AddressFamily = AddressFamily(strings.ToLower(family))
	}

	if section, err := getSection(data, "shaping"); err != nil {
		return err
	} else if section != nil {
		if err := parseShaping(section, &cfg.Shaping); err != nil {
			return fmt.Errorf("shaping: %w", err)
		}
	}

	if section, err := getSection(data, "radio"); err != nil {
		return err
	} else if section != nil {
		if err := parseRadio(section, &cfg.Radio); err != nil {
			return fmt.Errorf("radio: %w", err)
		}
	}

	if val, exists := data["presets"]; exists {
		presetList, ok := val.([]any)
		if !ok {
			return fmt.Errorf("presets must be an array")
		}
		cfg.Presets = nil
		for i, presetData := range presetList {
			presetMap, ok := presetData.(map[string]any)
			if !ok {
				return fmt.Errorf("preset at index %d must be an object", i)
			}
			preset, err := parsePreset(presetMap)
			if err != nil {
				return fmt.Errorf("preset at index %d: %w", i, err)
			}
			cfg.Presets = append(cfg.Presets, preset)
		}
	}

	if section, err := getSection(data, "upstream"); err != nil {
		return err
	} else if section != nil {
		if err := parseUpstream(section, &cfg.Upstream); err != nil {
			return fmt.Errorf("upstream: %w", err)
		}
	}

	if section, err := getSection(data, "dns"); err != nil {
		return err
	} else if section != nil {
		if err := parseDNS(section, &cfg.DNS); err != nil {
			return fmt.Errorf("dns: %w", err)
		}
	}

	if section, err := getSection(data, "statistics"); err != nil {
		return err
	} else if section != nil {
		s := &cfg.Statistics
		if err := firstError(
			setValue(section, "enabled", &s.Enabled),
			setValue(section, "backend", &s.Backend),
			setValue(section, "sqlite-path", &s.SQLitePath),
			setValue(section, "postgres-dsn", &s.PostgresDSN),
			setValue(section, "flush-interval", &s.FlushInterval),
		); err != nil {
			return fmt.Errorf("statistics: %w", err)
		}
	}

	if section, err := getSection(data, "control"); err != nil {
		return err
	} else if section != nil {
		c := &cfg.Control
		if err := firstError(
			setValue(section, "enabled", &c.Enabled),
			setValue(section, "listen-address", &c.ListenAddress),
			setValue(section, "username", &c.Username),
			setValue(section, "password", &c.Password),
			setValue(section, "jwt-secret", &c.JWTSecret),
		); err != nil {
			return fmt.Errorf("control: %w", err)
		}
	}

	return nil
}

func parseServer(serverMap map[string]any) (ServerConfig, error) {
	server := defaultServer()
	server.ListenAddress = ""

	var serverType string
	if err := firstError(
		setValue(serverMap, "type", &serverType),
		setValue(serverMap, "listen-address", &server.ListenAddress),
		setValue(serverMap, "target", &server.Target),
		setValue(serverMap, "enabled", &server.Enabled),
		setValue(serverMap, "max-connections", &server.MaxConnections),
	); err != nil {
		return server, err
	}
	if serverType != "" {
		server.Type = ServerType(strings.ToLower(serverType))
	}
	return server, nil
}

func parseShaping(section map[string]any, s *ShapingConfig) error {
	return firstError(
		setValue(section, "upload-bps", &s.UploadBps),
		setValue(section, "download-bps", &s.DownloadBps),
		setValue(section, "min-latency-ms", &s.MinLatencyMs),
		setValue(section, "max-latency-ms", &s.MaxLatencyMs),
		setValue(section, "no-latency", &s.NoLatency),
		setValue(section, "disabled", &s.Disabled),
	)
}

func parseRadio(section map[string]any, r *RadioConfig) error {
	return firstError(
		setValue(section, "status", &r.Status),
		setValue(section, "voice-status", &r.VoiceStatus),
		setValue(section, "standard", &r.Standard),
		setValue(section, "signal-strength", &r.SignalStrength),
	)
}

func parsePreset(presetMap map[string]any) (PresetConfig, error) {
	var p PresetConfig
	if err := firstError(
		setValue(presetMap, "standard", &p.Standard),
		setValue(presetMap, "upload-kbps", &p.UploadKbps),
		setValue(presetMap, "download-kbps", &p.DownloadKbps),
		setValue(presetMap, "min-latency-ms", &p.MinLatencyMs),
		setValue(presetMap, "max-latency-ms", &p.MaxLatencyMs),
	); err != nil {
		return p, err
	}
	if p.Standard == "" {
		return p, fmt.Errorf("missing standard")
	}
	return p, nil
}

func parseUpstream(section map[string]any, u *UpstreamConfig) error {
	var upstreamType string
	if err := firstError(
		setValue(section, "type", &upstreamType),
		setValue(section, "address", &u.Address),
		setValue(section, "tunnel-opaque", &u.TunnelOpaque),
	); err != nil {
		return err
	}
	u.Type = UpstreamType(strings.ToLower(upstreamType))

	if val, exists := section["username"]; exists {
		username, err := parseValue[string](val)
		if err != nil {
			return fmt.Errorf("username: %w", err)
		}
		u.Username = username
	}
	if val, exists := section["password"]; exists {
		password, err := parseValue[string](val)
		if err != nil {
			return fmt.Errorf("password: %w", err)
		}
		u.Password = password
	}

	if val, exists := section["bypass"]; exists {
		bypass, err := parseStringList(val)
		if err != nil {
			return fmt.Errorf("bypass: %w", err)
		}
		u.Bypass = bypass
	}
	return nil
}

func parseDNS(section map[string]any, d *DNSConfig) error {
	if err := setValue(section, "enabled", &d.Enabled); err != nil {
		return err
	}
	val, exists := section["servers"]
	if !exists {
		return nil
	}
	serverList, ok := val.([]any)
	if !ok {
		return fmt.Errorf("servers must be an array")
	}
	d.Servers = nil
	for i, serverData := range serverList {
		serverMap, ok := serverData.(map[string]any)
		if !ok {
			return fmt.Errorf("server at index %d must be an object", i)
		}
		var s DNSServerConfig
		var serverType string
		if err := firstError(
			setValue(serverMap, "address", &s.Address),
			setValue(serverMap, "type", &serverType),
			setValue(serverMap, "timeout-seconds", &s.TimeoutSeconds),
			setValue(serverMap, "tls-host", &s.TLSHost),
		); err != nil {
			return fmt.Errorf("server at index %d: %w", i, err)
		}
		s.Type = DNSTypeUDP
		if serverType != "" {
			s.Type = DNSType(strings.ToLower(serverType))
		}
		d.Servers = append(d.Servers, s)
	}
	return nil
}

func getSection(data map[string]any, key string) (map[string]any, error) {
	val, exists := data[key]
	if !exists || val == nil {
		return nil, nil
	}
	section, ok := val.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%s must be an object", key)
	}
	return section, nil
}

// setValue parses data[key] into dst when the key is present.
func setValue[T any](data map[string]any, key string, dst *T) error {
	val, exists := data[key]
	if !exists {
		return nil
	}
	ptr, err := parseValue[T](val)
	if err != nil {
		if strings.Contains(err.Error(), "secret") {
			return err
		}
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = *ptr
	return nil
}

func firstError(errs ...error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

func parseStringList(value any) ([]string, error) {
	list, ok := value.([]any)
	if !ok {
		return nil, fmt.Errorf("expected array, got %T", value)
	}
	out := make([]string, 0, len(list))
	for i, item := range list {
		s, err := parseValue[string](item)
		if err != nil {
			return nil, fmt.Errorf("index %d: %w", i, err)
		}
		out = append(out, *s)
	}
	return out, nil
}

func parseValue[T any](value any) (*T, error) {
	var zero T
	tType := reflect.TypeOf(zero)
	ptr := reflect.New(tType)
	elem := ptr.Elem()

	// Secret-case: retrieve env var
	if m, ok := value.(map[string]any); ok {
		if key, ok := m["_secret"].(string); ok {
			res := os.Getenv(key)
			if res == "" {
				return nil, fmt.Errorf("secret %s not set", key)
			}
			value = res
		}
	}

	switch v := value.(type) {
	case float64:
		switch elem.Kind() {
		case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
			elem.SetInt(int64(v))
		case reflect.Float32, reflect.Float64:
			elem.SetFloat(v)
		default:
			return nil, fmt.Errorf("expected %T, got number", zero)
		}
	case string:
		switch elem.Kind() {
		case reflect.String:
			elem.SetString(v)
		case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
			i, err := strconv.ParseInt(v, 10, elem.Type().Bits())
			if err != nil {
				return nil, fmt.Errorf("failed to parse int: %w", err)
			}
			elem.SetInt(i)
		case reflect.Float32, reflect.Float64:
			f, err := strconv.ParseFloat(v, elem.Type().Bits())
			if err != nil {
				return nil, fmt.Errorf("failed to parse float: %w", err)
			}
			elem.SetFloat(f)
		case reflect.Bool:
			b, err := strconv.ParseBool(v)
			if err != nil {
				return nil, fmt.Errorf("failed to parse bool: %w", err)
			}
			elem.SetBool(b)
		default:
			return nil, fmt.Errorf("expected %T, got string", zero)
		}
	case bool:
		if elem.Kind() != reflect.Bool {
			return nil, fmt.Errorf("expected %T, got bool", zero)
		}
		elem.SetBool(v)
	default:
		if rv, ok := value.(T); ok {
			return &rv, nil
		}
		return nil, fmt.Errorf("expected %T, got %T", zero, value)
	}
	return ptr.Interface().(*T), nil
}
