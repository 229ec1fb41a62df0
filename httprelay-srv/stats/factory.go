package stats

import (
	"fmt"
	"time"

	"github.com/codefionn/httprelay/httprelay-srv/config"
)

// CollectorFactory creates statistics collectors based on configuration
type CollectorFactory struct {
	FlushInterval time.Duration
}

// NewCollectorFactory creates a new collector factory
func NewCollectorFactory() *CollectorFactory {
	return &CollectorFactory{FlushInterval: 5 * time.Second}
}

// CreateCollector creates a statistics collector based on the provided configuration
func (f *CollectorFactory) CreateCollector(cfg *config.StatisticsConfig) (Collector, error) {
	if !cfg.Enabled {
		return NewDummyCollector(), nil
	}

	var collector Collector
	var err error

	switch cfg.Backend {
	case config.BackendSQLite, "":
		sqlitePath := cfg.SQLitePath
		if sqlitePath == "" {
			sqlitePath = "httprelay_stats.db"
		}
		collector, err = NewSQLiteCollector(sqlitePath)
	case config.BackendPostgres:
		if cfg.PostgresDSN == "" {
			return nil, fmt.Errorf("postgres-dsn is required for postgres backend")
		}
		collector, err = NewPostgreSQLCollector(cfg.PostgresDSN)
	case config.BackendDummy:
		return NewDummyCollector(), nil
	default:
		return nil, fmt.Errorf("unsupported stats backend: %s", cfg.Backend)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to create %s collector: %w", cfg.Backend, err)
	}

	return NewBufferedCollectorWithInterval(collector, f.FlushInterval), nil
}

// CreateCollectorFromConfig creates a collector from the main configuration
func (f *CollectorFactory) CreateCollectorFromConfig(cfg *config.Config) (Collector, error) {
	return f.CreateCollector(&cfg.Statistics)
}
