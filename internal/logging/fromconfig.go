package logging

import (
	"log/slog"
	"path/filepath"

	"montage/internal/config"
)

// NewFromConfig builds the daemon logger from configuration: level and
// format come from the logging section, and output tees to stdout plus the
// daemon log file under the log directory.
func NewFromConfig(cfg *config.Config) (*slog.Logger, error) {
	opts := Options{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	}
	if cfg.Paths.LogDir != "" {
		opts.OutputPaths = []string{"stdout", filepath.Join(cfg.Paths.LogDir, "montage.log")}
	}
	return New(opts)
}
