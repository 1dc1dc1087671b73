package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

func envInt(name string, dst *int) {
	if raw := os.Getenv(name); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			*dst = v
		} else {
			fmt.Fprintf(os.Stderr, "Warning: Invalid format for %s: %s\n", name, raw)
		}
	}
}

func envInt64(name string, dst *int64) {
	if raw := os.Getenv(name); raw != "" {
		if v, err := strconv.ParseInt(raw, 10, 64); err == nil {
			*dst = v
		} else {
			fmt.Fprintf(os.Stderr, "Warning: Invalid format for %s: %s\n", name, raw)
		}
	}
}

func envBool(name string, dst *bool) {
	if raw := os.Getenv(name); raw != "" {
		*dst = strings.EqualFold(raw, "true") || raw == "1"
	}
}

func envString(name string, dst *string) {
	if raw := os.Getenv(name); raw != "" {
		*dst = raw
	}
}

func loadConfigFromEnv(cfg *Config) {
	envInt("NETEMU_TIMEOUTSECONDS", &cfg.TimeoutSeconds)
	envInt("NETEMU_MAXCONCURRENTCONNECTIONS", &cfg.MaxConcurrentConnections)
	envInt("NETEMU_CLASSIFYTIMEOUTMS", &cfg.ClassifyTimeoutMs)

	if family := os.Getenv("NETEMU_ADDRESSFAMILY"); family != "" {
		cfg.AddressFamily = AddressFamily(strings.ToLower(family))
	}

	// A listen address replaces the first listener; a redirect target turns
	// it into a redirect listener.
	if addr := os.Getenv("NETEMU_LISTENADDRESS"); addr != "" {
		if len(cfg.Servers) == 0 {
			cfg.Servers = []ServerConfig{defaultServer()}
		}
		cfg.Servers[0].ListenAddress = addr
	}
	if target := os.Getenv("NETEMU_REDIRECTTARGET"); target != "" && len(cfg.Servers) > 0 {
		cfg.Servers[0].Type = ServerTypeRedirect
		cfg.Servers[0].Target = target
	}

	envInt64("NETEMU_UPLOADBPS", &cfg.Shaping.UploadBps)
	envInt64("NETEMU_DOWNLOADBPS", &cfg.Shaping.DownloadBps)
	envInt64("NETEMU_MINLATENCYMS", &cfg.Shaping.MinLatencyMs)
	envInt64("NETEMU_MAXLATENCYMS", &cfg.Shaping.MaxLatencyMs)
	envBool("NETEMU_NOLATENCY", &cfg.Shaping.NoLatency)
	envBool("NETEMU_SHAPINGDISABLED", &cfg.Shaping.Disabled)

	envString("NETEMU_STANDARD", &cfg.Radio.Standard)
	envInt("NETEMU_SIGNALSTRENGTH", &cfg.Radio.SignalStrength)

	if t := os.Getenv("NETEMU_UPSTREAMTYPE"); t != "" {
		cfg.Upstream.Type = UpstreamType(strings.ToLower(t))
	}
	envString("NETEMU_UPSTREAMADDRESS", &cfg.Upstream.Address)
	if user := os.Getenv("NETEMU_UPSTREAMUSERNAME"); user != "" {
		cfg.Upstream.Username = &user
	}
	if pass := os.Getenv("NETEMU_UPSTREAMPASSWORD"); pass != "" {
		cfg.Upstream.Password = &pass
	}

	if addr := os.Getenv("NETEMU_CONTROLADDRESS"); addr != "" {
		cfg.Control.Enabled = true
		cfg.Control.ListenAddress = addr
	}
	envString("NETEMU_CONTROLJWTSECRET", &cfg.Control.JWTSecret)
}
