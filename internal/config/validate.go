package config

import (
	"errors"
	"fmt"
	"strings"

	"montage/internal/pipeline"
)

// Validate ensures the configuration is usable.
func (c *Config) Validate() error {
	if err := c.validatePaths(); err != nil {
		return err
	}
	if err := c.validateCoordinator(); err != nil {
		return err
	}
	if err := c.validateWorkers(); err != nil {
		return err
	}
	return c.validateLogging()
}

func (c *Config) validatePaths() error {
	if strings.TrimSpace(c.Paths.StateDir) == "" {
		return errors.New("paths.state_dir must be set")
	}
	if strings.TrimSpace(c.Paths.LogDir) == "" {
		return errors.New("paths.log_dir must be set")
	}
	return nil
}

func (c *Config) validateCoordinator() error {
	if c.Coordinator.MaxAttempts < 1 {
		return errors.New("coordinator.max_attempts must be at least 1")
	}
	if c.Coordinator.MaxRefinements < 0 {
		return errors.New("coordinator.max_refinements must not be negative")
	}
	if c.Coordinator.DispatchTimeout < 1 {
		return errors.New("coordinator.dispatch_timeout must be at least 1 second")
	}
	if c.Coordinator.RetryBackoffBase < 0 || c.Coordinator.RetryBackoffCap < 0 {
		return errors.New("coordinator retry backoff values must not be negative")
	}
	if c.Coordinator.RetryBackoffCap < c.Coordinator.RetryBackoffBase {
		return errors.New("coordinator.retry_backoff_cap_ms must be >= retry_backoff_base_ms")
	}
	if c.Coordinator.RetryJitter < 0 || c.Coordinator.RetryJitter >= 1 {
		return errors.New("coordinator.retry_jitter must be in [0, 1)")
	}
	if c.Coordinator.ChannelDepth < 1 {
		return errors.New("coordinator.channel_depth must be at least 1")
	}
	return nil
}

func (c *Config) validateWorkers() error {
	if !c.Workers.Enabled {
		return nil
	}
	if c.Workers.Concurrency < 1 {
		return errors.New("workers.concurrency must be at least 1")
	}
	for name := range c.Workers.Commands {
		if _, ok := pipeline.ParseStage(name); !ok {
			return fmt.Errorf("workers.commands names unknown stage %q", name)
		}
	}
	for _, stage := range pipeline.Stages() {
		command, ok := c.Workers.Commands[string(stage)]
		if !ok || strings.TrimSpace(command) == "" {
			return fmt.Errorf("workers.commands.%s must be set when workers.enabled is true", stage)
		}
	}
	return nil
}

func (c *Config) validateLogging() error {
	switch c.Logging.Format {
	case "", "console", "json":
	default:
		return fmt.Errorf("logging.format must be console or json, got %q", c.Logging.Format)
	}
	switch c.Logging.Level {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be debug, info, warn, or error, got %q", c.Logging.Level)
	}
	return nil
}
