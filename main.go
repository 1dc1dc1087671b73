package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/codefionn/netemu/netemu-srv/config"
	"github.com/codefionn/netemu/netemu-srv/control"
	"github.com/codefionn/netemu/netemu-srv/logger"
	"github.com/codefionn/netemu/netemu-srv/proxy"
	"github.com/codefionn/netemu/netemu-srv/radio"
	"github.com/codefionn/netemu/netemu-srv/resolver"
	"github.com/codefionn/netemu/netemu-srv/shaping"
	"github.com/codefionn/netemu/netemu-srv/stats"
)

var version string

func main() {
	cfg, configPath, watch := parseFlagsAndConfig()
	runEmulator(cfg, configPath, watch)
}

// parseFlagsAndConfig handles CLI flags, environment, logging, and config loading.
func parseFlagsAndConfig() (cfg *config.Config, configPath string, watch bool) {
	versionFlag := flag.Bool("version", false, "Print version and exit")
	versionShortFlag := flag.Bool("v", false, "Print version and exit (shorthand)")
	configPathPtr := flag.String("config", "config.json", "Path to configuration file (supports .json and .hcl formats)")
	envfile := flag.String("envfile", "", "Path to env file to load environment variables")
	debugMode := flag.Bool("debug", false, "Enable debug logging")
	logLevel := flag.String("log-level", "", "Log level: trace, debug, info, warn, error")
	noWatch := flag.Bool("no-watch", false, "Don't reload the configuration file when it changes")
	flag.Parse()

	if *versionFlag || *versionShortFlag {
		if version == "" {
			version = "dev"
		}
		fmt.Println("netemu version:", version)
		os.Exit(0)
	}

	if *envfile != "" {
		if err := loadEnvFile(*envfile); err != nil {
			logger.Fatal("Failed to load envfile: %v", err)
		}
		logger.Info("Loaded environment variables from %s", *envfile)
	}

	switch {
	case *debugMode:
		logger.SetLevel(logger.DEBUG)
	case *logLevel != "":
		logger.SetLevel(logger.GetLevelFromString(*logLevel))
	case os.Getenv("NETEMU_LOGLEVEL") != "":
		logger.SetLevel(logger.GetLevelFromString(os.Getenv("NETEMU_LOGLEVEL")))
	}
	logger.Debug("Log level %s", logger.GetLevel())

	logger.Info("Starting netemu network emulator")
	logger.Debug("Using configuration file: %s", *configPathPtr)

	cfg, err := config.LoadConfig(*configPathPtr)
	if err != nil {
		logger.Warn("Could not load config file: %v. Using environment variables.", err)
		cfg, err = config.LoadConfig("")
		if err != nil {
			logger.Fatal("Failed to load configuration: %v", err)
		}
		configPath = ""
	} else {
		configPath = *configPathPtr
	}

	logger.Debug("Configuration loaded successfully")
	for i, server := range cfg.Servers {
		logger.Debug("Server %d: %s on %s (enabled: %t)", i, server.Type, server.ListenAddress, server.Enabled)
	}
	logger.Debug("Timeout: %d seconds", cfg.TimeoutSeconds)
	logger.Debug("Max connections: %d", cfg.MaxConcurrentConnections)
	logger.Debug("Upstream: %s", cfg.Upstream)

	return cfg, configPath, !*noWatch
}

// emulator owns the long lived state (radio and conditioner) and the
// services built from the configuration around it.
type emulator struct {
	mu  sync.Mutex
	cfg *config.Config

	model       *radio.Model
	conditioner *shaping.Conditioner

	collector stats.Collector
	proxy     *proxy.Proxy
	control   *control.Server
}

func newEmulator(cfg *config.Config) (*emulator, error) {
	model, err := radio.NewModelFromConfig(cfg.Radio, cfg.Presets)
	if err != nil {
		return nil, fmt.Errorf("radio: %w", err)
	}
	conditioner, err := shaping.NewConditioner(model, shaping.FromSettings(cfg.Shaping))
	if err != nil {
		return nil, fmt.Errorf("shaping: %w", err)
	}
	logger.Info("Radio: %s, %s; shaping: %s", model.Standard(), model.Status(), conditioner.Config())
	return &emulator{cfg: cfg, model: model, conditioner: conditioner}, nil
}

// startServices builds and starts the statistics backend, the listeners
// and the control API for cfg.
func (e *emulator) startServices(cfg *config.Config) error {
	collector, err := stats.NewCollectorFactory().CreateCollectorFromConfig(cfg)
	if err != nil {
		return fmt.Errorf("statistics: %w", err)
	}

	res := resolver.New(cfg.AddressFamily, cfg.DNS)
	p, err := proxy.NewProxy(cfg, e.conditioner, res, collector)
	if err != nil {
		_ = collector.Close()
		return err
	}
	if err := p.Start(); err != nil {
		_ = collector.Close()
		return err
	}

	var ctrl *control.Server
	if cfg.Control.Enabled {
		ctrl = control.NewServer(cfg.Control, e.conditioner, e.model, collector)
		if err := ctrl.Start(); err != nil {
			_ = p.Stop()
			_ = collector.Close()
			return err
		}
	}

	e.collector = collector
	e.proxy = p
	e.control = ctrl
	return nil
}

func (e *emulator) stopServices() {
	if e.control != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := e.control.Stop(ctx); err != nil {
			logger.Error("Error stopping control API: %v", err)
		}
		cancel()
		e.control = nil
	}
	if e.proxy != nil {
		if err := e.proxy.Stop(); err != nil {
			logger.Error("Error stopping listeners: %v", err)
		}
		e.proxy = nil
	}
	if e.collector != nil {
		if err := e.collector.Close(); err != nil {
			logger.Error("Error closing statistics collector: %v", err)
		}
		e.collector = nil
	}
}

// applyRuntime pushes the shaping, radio and preset sections through the
// validated setters. Rejected sections keep their current values.
func (e *emulator) applyRuntime(cfg *config.Config) {
	table, err := radio.PresetTableFromConfig(cfg.Presets)
	if err == nil {
		err = e.model.SetPresets(table)
	}
	if err != nil {
		logger.Error("Rejected preset table: %v", err)
	}
	if err := e.model.Apply(cfg.Radio); err != nil {
		logger.Error("Rejected radio settings: %v", err)
	}
	if err := e.conditioner.Apply(cfg.Shaping); err != nil {
		logger.Error("Rejected shaping settings: %v", err)
	}
}

// reload switches to cfg. Runtime settings are applied in place; anything
// else restarts the services, falling back to the previous configuration
// when the new one can't start.
func (e *emulator) reload(cfg *config.Config) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !config.HasChanged(e.cfg, cfg) {
		logger.Info("Config unchanged after reload")
		return
	}
	if config.RuntimeChanged(e.cfg, cfg) {
		logger.Info("Applying shaping and radio settings")
		e.applyRuntime(cfg)
	}
	if config.ListenersChanged(e.cfg, cfg) {
		logger.Info("Listener configuration changed. Restarting services...")
		e.stopServices()
		if err := e.startServices(cfg); err != nil {
			logger.Error("Failed to start with new configuration: %v (restoring previous)", err)
			if err := e.startServices(e.cfg); err != nil {
				logger.Error("Failed to restore previous configuration: %v", err)
			}
			return
		}
		logger.Info("Services restarted with new configuration")
	}
	e.cfg = cfg
}

func (e *emulator) shutdown() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.stopServices()
}

// runEmulator starts the emulator and handles signals and reloads until
// SIGINT or SIGTERM.
func runEmulator(cfg *config.Config, configPath string, watch bool) {
	emu, err := newEmulator(cfg)
	if err != nil {
		logger.Fatal("Invalid configuration: %v", err)
	}
	if err := emu.startServices(cfg); err != nil {
		logger.Fatal("Failed to start: %v", err)
	}

	if configPath != "" && watch {
		w, err := config.Watch(configPath, emu.reload)
		if err != nil {
			logger.Warn("Config file watching disabled: %v", err)
		} else {
			defer w.Close()
		}
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	for sig := range sigChan {
		switch sig {
		case syscall.SIGHUP:
			if configPath == "" {
				logger.Info("Received SIGHUP without a config file; nothing to reload")
				continue
			}
			logger.Info("Received SIGHUP: reloading configuration...")
			newCfg, err := config.LoadConfig(configPath)
			if err != nil {
				logger.Error("Failed to reload config: %v (keeping current config)", err)
				continue
			}
			emu.reload(newCfg)
		case syscall.SIGINT, syscall.SIGTERM:
			logger.Info("Received signal %v, shutting down...", sig)
			emu.shutdown()
			logger.Info("Shutdown complete")
			return
		}
	}
}

// loadEnvFile reads a .env-style file and sets environment variables
func loadEnvFile(path string) error {
	cleanPath := filepath.Clean(path)
	if !filepath.IsAbs(cleanPath) {
		absPath, err := filepath.Abs(cleanPath)
		if err != nil {
			return fmt.Errorf("invalid file path: %w", err)
		}
		cleanPath = absPath
	}
	f, err := os.Open(cleanPath)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := f.Close(); closeErr != nil {
			logger.Error("Error closing env file: %v", closeErr)
		}
	}()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, val, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		val = strings.Trim(strings.TrimSpace(val), `"'`)
		if setErr := os.Setenv(key, val); setErr != nil {
			logger.Error("Error setting environment variable %s: %v", key, setErr)
		}
	}
	return scanner.Err()
}
