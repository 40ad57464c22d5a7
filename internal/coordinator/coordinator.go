package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"montage/internal/bus"
	"montage/internal/config"
	"montage/internal/logging"
	"montage/internal/pipeline"
	"montage/internal/runstore"
	"montage/internal/services"
)

// transitionRetries bounds re-reads after a revision conflict. Conflicts are
// not expected while per-run locks serialize writers; the loop covers an
// external writer touching the same database.
const transitionRetries = 3

// Coordinator drives runs through the stage graph. It subscribes to the
// response topic, publishes dispatches, and owns every run state transition.
type Coordinator struct {
	cfg    config.Coordinator
	store  *runstore.Store
	bus    bus.Bus
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu          sync.Mutex
	runLocks    map[string]*sync.Mutex
	inflight    map[string]*attemptState
	retryTimers map[string]*time.Timer
	started     bool
}

// attemptState tracks the single attempt the coordinator is waiting on for a
// run. Responses that do not match it exactly are stale and dropped.
type attemptState struct {
	stage        pipeline.Stage
	attempt      int
	cycle        int
	input        pipeline.Input
	dispatchedAt time.Time
	timer        *time.Timer
}

// New constructs a coordinator over the given store and bus.
func New(cfg config.Coordinator, store *runstore.Store, messageBus bus.Bus, logger *slog.Logger) *Coordinator {
	return &Coordinator{
		cfg:         cfg,
		store:       store,
		bus:         messageBus,
		logger:      logging.NewComponentLogger(logger, "coordinator"),
		runLocks:    make(map[string]*sync.Mutex),
		inflight:    make(map[string]*attemptState),
		retryTimers: make(map[string]*time.Timer),
	}
}

// Start subscribes to the response topic and resumes every non-terminal run
// found in the store. It must be called before the bus starts delivering.
func (c *Coordinator) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return nil
	}
	c.started = true
	c.ctx, c.cancel = context.WithCancel(ctx)
	c.mu.Unlock()

	c.bus.SubscribeResponses(c.handleResponse)
	return c.recover(c.ctx)
}

// Close stops deadline and retry timers. In-flight attempts stay persisted;
// the next Start resumes them.
func (c *Coordinator) Close() {
	c.mu.Lock()
	if c.cancel != nil {
		c.cancel()
	}
	for _, state := range c.inflight {
		if state.timer != nil {
			state.timer.Stop()
		}
	}
	for _, timer := range c.retryTimers {
		timer.Stop()
	}
	c.inflight = make(map[string]*attemptState)
	c.retryTimers = make(map[string]*time.Timer)
	c.mu.Unlock()
}

// SubmitRun registers an asset and dispatches the first stage.
func (c *Coordinator) SubmitRun(ctx context.Context, assetRef string) (*runstore.Run, error) {
	assetRef = strings.TrimSpace(assetRef)
	if assetRef == "" {
		return nil, services.Wrap(services.ErrValidation, "", "submit", "asset reference is required", nil)
	}

	run, err := c.store.CreateRun(ctx, assetRef)
	if err != nil {
		return nil, fmt.Errorf("create run: %w", err)
	}

	unlock := c.lockRun(run.ID)
	defer unlock()

	c.logger.Info("run submitted",
		logging.String(logging.FieldRunID, run.ID),
		logging.String("asset_ref", run.AssetRef),
	)

	if err := c.dispatch(ctx, run.ID, nil, pipeline.Input{}, nil); err != nil {
		return nil, err
	}
	return c.store.GetRun(ctx, run.ID)
}

// CancelRun terminally fails a run on operator request. Terminal runs cannot
// be cancelled.
func (c *Coordinator) CancelRun(ctx context.Context, runID string) (*runstore.Run, error) {
	unlock := c.lockRun(runID)
	defer unlock()

	run, err := c.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if run == nil {
		return nil, services.Wrap(services.ErrNotFound, "", "cancel", "unknown run "+runID, nil)
	}
	if run.IsTerminal() {
		return nil, services.Wrap(services.ErrValidation, "", "cancel",
			fmt.Sprintf("run %s already %s", runID, run.Status), nil)
	}

	run, err = c.transition(ctx, runID, nil, func(r *runstore.Run) error {
		if r.IsTerminal() {
			return services.Wrap(services.ErrValidation, "", "cancel", "run reached a terminal state", nil)
		}
		r.SetFailed(runstore.CauseCancelled, "cancelled by operator")
		return nil
	})
	if err != nil {
		return nil, err
	}

	// Timers go only after the failed state is durable; otherwise a failed
	// write would leave the run in progress with nothing armed to move it.
	c.clearInflight(runID)
	c.stopRetry(runID)

	c.logger.Info("run cancelled", logging.String(logging.FieldRunID, runID))
	return run, nil
}

// lockRun acquires the per-run mutex, creating it on first use.
func (c *Coordinator) lockRun(runID string) func() {
	c.mu.Lock()
	lock, ok := c.runLocks[runID]
	if !ok {
		lock = &sync.Mutex{}
		c.runLocks[runID] = lock
	}
	c.mu.Unlock()
	lock.Lock()
	return lock.Unlock
}

// transition re-reads the run, applies mutate, and persists under the run's
// revision guard. Conflicts reload and retry a bounded number of times.
func (c *Coordinator) transition(ctx context.Context, runID string, outcome *runstore.StageOutcome, mutate func(*runstore.Run) error) (*runstore.Run, error) {
	var lastErr error
	for i := 0; i < transitionRetries; i++ {
		run, err := c.store.GetRun(ctx, runID)
		if err != nil {
			return nil, err
		}
		if run == nil {
			return nil, services.Wrap(services.ErrNotFound, "", "transition", "unknown run "+runID, nil)
		}
		if err := mutate(run); err != nil {
			return nil, err
		}
		err = c.store.ApplyTransition(ctx, run, outcome)
		if err == nil {
			return run, nil
		}
		if !errors.Is(err, runstore.ErrConflict) {
			return nil, err
		}
		lastErr = err
		c.logger.Warn("revision conflict; retrying transition",
			logging.String(logging.FieldRunID, runID),
		)
	}
	return nil, lastErr
}

func (c *Coordinator) setInflight(runID string, state *attemptState) {
	c.mu.Lock()
	if prev, ok := c.inflight[runID]; ok && prev.timer != nil {
		prev.timer.Stop()
	}
	c.inflight[runID] = state
	c.mu.Unlock()
}

// claimInflight atomically claims the in-flight slot when the tuple matches.
// The caller owns the attempt afterwards; anything else is stale.
func (c *Coordinator) claimInflight(runID string, stage pipeline.Stage, attempt, cycle int) (attemptState, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	state, ok := c.inflight[runID]
	if !ok || state.stage != stage || state.attempt != attempt || state.cycle != cycle {
		return attemptState{}, false
	}
	if state.timer != nil {
		state.timer.Stop()
	}
	delete(c.inflight, runID)
	return *state, true
}

func (c *Coordinator) clearInflight(runID string) {
	c.mu.Lock()
	if state, ok := c.inflight[runID]; ok && state.timer != nil {
		state.timer.Stop()
	}
	delete(c.inflight, runID)
	c.mu.Unlock()
}

func (c *Coordinator) stopRetry(runID string) {
	c.mu.Lock()
	if timer, ok := c.retryTimers[runID]; ok {
		timer.Stop()
		delete(c.retryTimers, runID)
	}
	c.mu.Unlock()
}

func (c *Coordinator) closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ctx == nil || c.ctx.Err() != nil
}
