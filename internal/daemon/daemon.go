package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"

	"github.com/gofrs/flock"

	"montage/internal/bus"
	"montage/internal/config"
	"montage/internal/coordinator"
	"montage/internal/logging"
	"montage/internal/runstore"
	"montage/internal/workers"
)

// Daemon owns the background services and enforces single-instance execution.
type Daemon struct {
	cfg    *config.Config
	logger *slog.Logger

	store *runstore.Store
	bus   *bus.Memory
	coord *coordinator.Coordinator
	api   *apiServer

	lockPath string
	lock     *flock.Flock

	running atomic.Bool
	ctx     context.Context
	cancel  context.CancelFunc
}

// Status represents daemon runtime information.
type Status struct {
	Running      bool
	PID          int
	RunDBPath    string
	LockFilePath string
	Counts       map[runstore.Status]int
	Health       runstore.HealthSummary
}

// New assembles a daemon from configuration: it opens the run store, builds
// the bus and coordinator, and registers configured stage workers.
func New(cfg *config.Config, logger *slog.Logger) (*Daemon, error) {
	if cfg == nil || logger == nil {
		return nil, errors.New("daemon requires config and logger")
	}

	store, err := runstore.Open(cfg)
	if err != nil {
		return nil, fmt.Errorf("open run store: %w", err)
	}

	memoryBus := bus.NewMemory(cfg.Coordinator.ChannelDepth, logger)
	coord := coordinator.New(cfg.Coordinator, store, memoryBus, logger)

	d := &Daemon{
		cfg:      cfg,
		logger:   logger,
		store:    store,
		bus:      memoryBus,
		coord:    coord,
		lockPath: filepath.Join(cfg.Paths.StateDir, "montaged.lock"),
	}
	d.lock = flock.New(d.lockPath)

	runner := workers.NewRunner(memoryBus, logger)
	if err := workers.RegisterFromConfig(cfg, runner); err != nil {
		_ = store.Close()
		return nil, err
	}

	server, err := newAPIServer(cfg, d, logger)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	d.api = server

	return d, nil
}

// Coordinator exposes the run coordinator for in-process callers.
func (d *Daemon) Coordinator() *coordinator.Coordinator {
	return d.coord
}

// Start acquires the instance lock and brings the services up in dependency
// order: bus delivery first, then the coordinator's recovery sweep, then the
// HTTP API.
func (d *Daemon) Start(ctx context.Context) error {
	if d.running.Load() {
		return errors.New("daemon already running")
	}

	ok, err := d.lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		return errors.New("another montage daemon instance is already running")
	}

	d.ctx, d.cancel = context.WithCancel(ctx)
	d.bus.Start(d.ctx)

	if err := d.coord.Start(d.ctx); err != nil {
		d.teardown()
		return fmt.Errorf("start coordinator: %w", err)
	}

	if err := d.api.start(d.ctx); err != nil {
		d.teardown()
		return err
	}

	d.running.Store(true)
	d.logger.Info("montage daemon started",
		logging.String("lock", d.lockPath),
		logging.String("db", d.store.Path()),
	)
	return nil
}

// Stop stops background processing and releases the instance lock.
func (d *Daemon) Stop() {
	if !d.running.Load() {
		return
	}
	d.teardown()
	d.running.Store(false)
	d.logger.Info("montage daemon stopped")
}

func (d *Daemon) teardown() {
	if d.api != nil {
		d.api.stop()
	}
	d.coord.Close()
	if d.cancel != nil {
		d.cancel()
		d.cancel = nil
	}
	d.bus.Close()
	d.ctx = nil
	if err := d.lock.Unlock(); err != nil {
		d.logger.Warn("failed to release daemon lock", logging.Error(err))
	}
}

// Close stops the daemon and releases the store.
func (d *Daemon) Close() error {
	d.Stop()
	if d.store != nil {
		return d.store.Close()
	}
	return nil
}

// Status returns the current daemon status.
func (d *Daemon) Status(ctx context.Context) Status {
	status := Status{
		Running:      d.running.Load(),
		PID:          os.Getpid(),
		RunDBPath:    d.store.Path(),
		LockFilePath: d.lockPath,
	}
	if counts, err := d.store.Stats(ctx); err == nil {
		status.Counts = counts
	}
	if health, err := d.store.Health(ctx); err == nil {
		status.Health = health
	}
	return status
}
