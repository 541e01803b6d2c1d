package config

import (
	"fmt"
	"time"

	"github.com/proservcore/engine/internal/env"
)

// WorkerConfig holds all configuration for the worker binary.
type WorkerConfig struct {
	Database         DatabaseConfig
	Engine           EngineConfig
	Observability    ObservabilityConfig
	OperationTimeout time.Duration `env:"ENGINE_WORKER_OPERATION_TIMEOUT"`
	RecurrenceTick   time.Duration `env:"ENGINE_WORKER_RECURRENCE_TICK_INTERVAL"`
	AdvancePoll      time.Duration `env:"ENGINE_WORKER_ADVANCE_POLL_INTERVAL"`
	ReconcileLease   time.Duration `env:"ENGINE_WORKER_RECONCILE_LEASE"`
}

// LoadWorkerConfig loads and validates worker configuration from environment.
func LoadWorkerConfig() (*WorkerConfig, error) {
	cfg := &WorkerConfig{
		OperationTimeout: 30 * time.Second,
		RecurrenceTick:   time.Minute,
		AdvancePoll:      2 * time.Second,
		ReconcileLease:   5 * time.Minute,
		Observability:    ObservabilityConfig{OTelEnabled: true},
	}

	if err := env.Load(cfg); err != nil {
		return nil, fmt.Errorf("failed to load worker config: %w", err)
	}

	return cfg, nil
}
