package scheduler

import (
	"time"

	"github.com/smallbiznis/referralpool/internal/config"
)

// Config controls scheduler intervals, batch sizes and job locks.
type Config struct {
	RunInterval       time.Duration
	BatchSize         int
	EnabledJobs       []string
	JobTimeout        time.Duration
	ReconcileTimeout  time.Duration
	LockTTL           time.Duration
	RecoveryThreshold time.Duration
	OutboxRetention   time.Duration
}

func DefaultConfig() Config {
	return Config{
		RunInterval:       time.Minute,
		BatchSize:         50,
		JobTimeout:        30 * time.Second,
		ReconcileTimeout:  5 * time.Minute,
		LockTTL:           2 * time.Minute,
		RecoveryThreshold: 15 * time.Minute,
		OutboxRetention:   7 * 24 * time.Hour,
	}
}

func ProvideConfig(cfg config.Config) Config {
	return Config{
		RunInterval: cfg.Scheduler.RunInterval,
		BatchSize:   cfg.Scheduler.BatchSize,
		EnabledJobs: cfg.Scheduler.EnabledJobs,
	}.withDefaults()
}

func (c Config) withDefaults() Config {
	defaults := DefaultConfig()
	if c.RunInterval <= 0 {
		c.RunInterval = defaults.RunInterval
	}
	if c.BatchSize <= 0 {
		c.BatchSize = defaults.BatchSize
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = defaults.JobTimeout
	}
	if c.ReconcileTimeout <= 0 {
		c.ReconcileTimeout = defaults.ReconcileTimeout
	}
	if c.LockTTL <= 0 {
		c.LockTTL = defaults.LockTTL
	}
	// A lock must outlive the slowest job holding it.
	if c.LockTTL < c.ReconcileTimeout {
		c.LockTTL = c.ReconcileTimeout + time.Minute
	}
	if c.OutboxRetention <= 0 {
		c.OutboxRetention = defaults.OutboxRetention
	}
	if c.RecoveryThreshold <= 0 {
		c.RecoveryThreshold = defaults.RecoveryThreshold
	}
	return c
}
