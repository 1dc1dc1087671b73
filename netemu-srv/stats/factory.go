package stats

import (
	"fmt"
	"time"

	"github.com/codefionn/netemu/netemu-srv/config"
)

// CollectorFactory creates statistics collectors based on configuration
type CollectorFactory struct{}

// NewCollectorFactory creates a new collector factory
func NewCollectorFactory() *CollectorFactory {
	return &CollectorFactory{}
}

// CreateCollector creates a statistics collector based on the provided configuration
func (f *CollectorFactory) CreateCollector(cfg *config.StatisticsConfig) (Collector, error) {
	if !cfg.Enabled {
		return NewDummyCollector(), nil
	}

	var collector Collector
	var err error

	switch cfg.Backend {
	case "sqlite", "":
		sqlitePath := cfg.SQLitePath
		if sqlitePath == "" {
			sqlitePath = "netemu_stats.db"
		}
		collector, err = NewSQLiteCollector(sqlitePath)
	case "postgres":
		if cfg.PostgresDSN == "" {
			return nil, fmt.Errorf("postgres-dsn is required for postgres backend")
		}
		collector, err = NewPostgreSQLCollector(cfg.PostgresDSN)
	case "dummy":
		collector = NewDummyCollector()
	default:
		return nil, fmt.Errorf("unsupported stats backend: %s", cfg.Backend)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to create %s collector: %w", cfg.Backend, err)
	}

	// Always use buffered collector for better performance
	return NewBufferedCollector(collector, time.Duration(cfg.FlushInterval)*time.Second), nil
}

// CreateCollectorFromConfig creates a collector from the main configuration
func (f *CollectorFactory) CreateCollectorFromConfig(cfg *config.Config) (Collector, error) {
	return f.CreateCollector(&cfg.Statistics)
}
