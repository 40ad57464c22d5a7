package config

const (
	defaultStateDir          = "~/.local/share/montage"
	defaultLogDir            = "~/.local/share/montage/logs"
	defaultWorkDir           = "~/.local/share/montage/work"
	defaultAPIBind           = "127.0.0.1:7519"
	defaultLogFormat         = "console"
	defaultLogLevel          = "info"
	defaultMaxAttempts       = 3
	defaultMaxRefinements    = 2
	defaultDispatchTimeout   = 600
	defaultRetryBackoffBase  = 500
	defaultRetryBackoffCap   = 15000
	defaultRetryJitter       = 0.2
	defaultChannelDepth      = 64
	defaultWorkerConcurrency = 1
)

// Default returns a Config populated with repository defaults.
func Default() Config {
	return Config{
		Paths: Paths{
			StateDir: defaultStateDir,
			LogDir:   defaultLogDir,
			WorkDir:  defaultWorkDir,
			APIBind:  defaultAPIBind,
		},
		Coordinator: Coordinator{
			MaxAttempts:      defaultMaxAttempts,
			MaxRefinements:   defaultMaxRefinements,
			DispatchTimeout:  defaultDispatchTimeout,
			RetryBackoffBase: defaultRetryBackoffBase,
			RetryBackoffCap:  defaultRetryBackoffCap,
			RetryJitter:      defaultRetryJitter,
			ChannelDepth:     defaultChannelDepth,
		},
		Workers: Workers{
			Enabled:     false,
			Concurrency: defaultWorkerConcurrency,
			Commands:    map[string]string{},
		},
		Logging: Logging{
			Format: defaultLogFormat,
			Level:  defaultLogLevel,
		},
	}
}
