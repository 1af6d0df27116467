package api

import (
	"time"

	"github.com/shrtyk/raft-fsmcaller/pkg/logger"
)

type Config struct {
	Log            LoggerCfg         `yaml:"log"`
	Executor       ExecutorCfg       `yaml:"executor"`
	Storage        StorageCfg        `yaml:"storage"`
	Fsync          FsyncCfg          `yaml:"fsync"`
	Snapshots      SnapshotsCfg      `yaml:"snapshots"`
	CBreaker       CircuitBreakerCfg `yaml:"cbreaker"`
	MonitoringAddr string            `yaml:"monitoring_addr"`
	HealthAddr     string            `yaml:"health_addr"`
	// ShutdownTimeout bounds how long Stop waits for queued tasks to drain.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

type LoggerCfg struct {
	Env       logger.Enviroment `yaml:"env"`
	AddSource bool              `yaml:"add_source"`
}

type ExecutorCfg struct {
	// Stripes is the number of single-goroutine workers shared by all
	// callers of one executor.
	Stripes int `yaml:"stripes"`
}

type StorageCfg struct {
	Dir string `yaml:"dir"`
	// Backend is either "wal" or "etcd".
	Backend string `yaml:"backend"`
}

type FsyncCfg struct {
	BatchSize int           `yaml:"batch_size"`
	Timeout   time.Duration `yaml:"timeout"`
}

type SnapshotsCfg struct {
	Interval    time.Duration `yaml:"interval"`
	MaxAttempts int           `yaml:"max_attempts"`
	BaseDelay   time.Duration `yaml:"base_delay"`
	// VersionsToKeep is how many snapshot versions survive a cleanup.
	VersionsToKeep int `yaml:"versions_to_keep"`
}

type CircuitBreakerCfg struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	SuccessThreshold int           `yaml:"success_threshold"`
	ResetTimeout     time.Duration `yaml:"reset_timeout"`
}
