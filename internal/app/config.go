package app

import (
	"errors"
	"fmt"
	"time"
)

// Config holds everything an App instance needs to run.
type Config struct {
	// FlowPath is the HCL flow definition to load.
	FlowPath string

	// Workers bounds per-run node concurrency. Zero picks a CPU-based default.
	Workers int
	// PoolBudgetBytes caps the buffer pool's total footprint.
	PoolBudgetBytes int64
	// Timeout is the default run deadline.
	Timeout time.Duration

	LogFormat string
	LogLevel  string
}

// DefaultPoolBudget is used when PoolBudgetBytes is zero.
const DefaultPoolBudget int64 = 256 << 20

// NewConfig validates and normalizes a configuration.
func NewConfig(cfg Config) (*Config, error) {
	if cfg.FlowPath == "" {
		return nil, errors.New("FlowPath is a required configuration field and cannot be empty")
	}
	if cfg.Workers < 0 {
		return nil, fmt.Errorf("Workers must be non-negative, got %d", cfg.Workers)
	}
	if cfg.PoolBudgetBytes < 0 {
		return nil, fmt.Errorf("PoolBudgetBytes must be non-negative, got %d", cfg.PoolBudgetBytes)
	}
	if cfg.PoolBudgetBytes == 0 {
		cfg.PoolBudgetBytes = DefaultPoolBudget
	}
	if cfg.Timeout < 0 {
		return nil, fmt.Errorf("Timeout must be non-negative, got %s", cfg.Timeout)
	}
	return &cfg, nil
}
