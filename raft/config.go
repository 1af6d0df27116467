package raft

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/goccy/go-yaml"
	"github.com/shrtyk/raft-fsmcaller/api"
	"github.com/shrtyk/raft-fsmcaller/pkg/logger"
)

const (
	defaultHttpMonitoringAddr = ""
	defaultHealthAddr         = ""
)

func DefaultConfig() *api.Config {
	return &api.Config{
		Log: api.LoggerCfg{
			Env: logger.Dev,
		},
		Executor: api.ExecutorCfg{
			Stripes: 4,
		},
		Storage: api.StorageCfg{
			Dir:     "data",
			Backend: "wal",
		},
		Fsync: api.FsyncCfg{
			BatchSize: 128,
			Timeout:   15 * time.Millisecond,
		},
		Snapshots: api.SnapshotsCfg{
			Interval:       30 * time.Second,
			MaxAttempts:    3,
			BaseDelay:      150 * time.Millisecond,
			VersionsToKeep: 2,
		},
		CBreaker: api.CircuitBreakerCfg{
			FailureThreshold: 6,
			SuccessThreshold: 4,
			ResetTimeout:     5 * time.Second,
		},
		MonitoringAddr:  defaultHttpMonitoringAddr,
		HealthAddr:      defaultHealthAddr,
		ShutdownTimeout: 3 * time.Second,
	}
}

func TestsConfig() *api.Config {
	return &api.Config{
		Log: api.LoggerCfg{
			Env: logger.Dev,
		},
		Executor: api.ExecutorCfg{
			Stripes: 2,
		},
		Storage: api.StorageCfg{
			Backend: "wal",
		},
		Fsync: api.FsyncCfg{
			BatchSize: 10,
			Timeout:   10 * time.Millisecond,
		},
		Snapshots: api.SnapshotsCfg{
			Interval:       time.Hour,
			MaxAttempts:    2,
			BaseDelay:      5 * time.Millisecond,
			VersionsToKeep: 2,
		},
		CBreaker: api.CircuitBreakerCfg{
			FailureThreshold: 2,
			SuccessThreshold: 1,
			ResetTimeout:     50 * time.Millisecond,
		},
		ShutdownTimeout: time.Second,
	}
}

// LoadConfig reads a YAML file on top of DefaultConfig. A missing file
// yields the defaults.
func LoadConfig(path string) (*api.Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return nil, fmt.Errorf("config: failed to read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: failed to parse %s: %w", path, err)
	}
	if err := validateConfig(cfg); err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}
	return cfg, nil
}

func validateConfig(cfg *api.Config) error {
	var err error
	if cfg.Executor.Stripes <= 0 {
		err = errors.Join(err, fmt.Errorf("executor.stripes must be positive, got %d", cfg.Executor.Stripes))
	}
	if cfg.Fsync.BatchSize <= 0 {
		err = errors.Join(err, fmt.Errorf("fsync.batch_size must be positive, got %d", cfg.Fsync.BatchSize))
	}
	if cfg.Storage.Backend != "wal" && cfg.Storage.Backend != "etcd" {
		err = errors.Join(err, fmt.Errorf("storage.backend must be wal or etcd, got %q", cfg.Storage.Backend))
	}
	if cfg.Snapshots.MaxAttempts <= 0 {
		err = errors.Join(err, fmt.Errorf("snapshots.max_attempts must be positive, got %d", cfg.Snapshots.MaxAttempts))
	}
	return err
}
