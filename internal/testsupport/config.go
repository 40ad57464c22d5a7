package testsupport

import (
	"path/filepath"
	"testing"

	"montage/internal/config"
)

// ConfigOption allows callers to customize the generated test configuration.
type ConfigOption func(*config.Config)

// NewConfig produces a config seeded with unique temp directories per test.
// Retry pacing is collapsed so state machine tests run in milliseconds.
func NewConfig(t testing.TB, opts ...ConfigOption) *config.Config {
	t.Helper()

	base := t.TempDir()
	cfg := config.Default()
	cfg.Paths.StateDir = filepath.Join(base, "state")
	cfg.Paths.LogDir = filepath.Join(base, "logs")
	cfg.Paths.WorkDir = filepath.Join(base, "work")
	cfg.Paths.APIBind = "127.0.0.1:0"
	cfg.Coordinator.DispatchTimeout = 5
	cfg.Coordinator.RetryBackoffBase = 1
	cfg.Coordinator.RetryBackoffCap = 5
	cfg.Coordinator.RetryJitter = 0
	cfg.Workers.Enabled = false

	for _, opt := range opts {
		opt(&cfg)
	}
	return &cfg
}

// WithMaxAttempts sets the per-stage attempt budget on the test config.
func WithMaxAttempts(attempts int) ConfigOption {
	return func(cfg *config.Config) {
		cfg.Coordinator.MaxAttempts = attempts
	}
}

// WithMaxRefinements sets the refinement allowance on the test config.
func WithMaxRefinements(refinements int) ConfigOption {
	return func(cfg *config.Config) {
		cfg.Coordinator.MaxRefinements = refinements
	}
}

// WithDispatchTimeout sets the per-attempt deadline in seconds.
func WithDispatchTimeout(seconds int) ConfigOption {
	return func(cfg *config.Config) {
		cfg.Coordinator.DispatchTimeout = seconds
	}
}

// BaseDir returns the root temp directory backing the generated config.
func BaseDir(cfg *config.Config) string {
	return filepath.Dir(cfg.Paths.StateDir)
}
