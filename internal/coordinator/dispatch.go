package coordinator

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"montage/internal/logging"
	"montage/internal/pipeline"
	"montage/internal/runstore"
	"montage/internal/services"
)

// dispatch persists the run's next attempt for its current stage and
// publishes the envelope. The optional outcome and prep mutation land in the
// same store write as the attempt counter, so a crash can never record an
// attempt without its triggering event. Callers hold the run lock.
func (c *Coordinator) dispatch(ctx context.Context, runID string, outcome *runstore.StageOutcome, input pipeline.Input, prep func(*runstore.Run) error) error {
	var (
		stage    pipeline.Stage
		attempt  int
		cycle    int
		assetRef string
		feedback string
	)
	_, err := c.transition(ctx, runID, outcome, func(r *runstore.Run) error {
		if r.IsTerminal() {
			return services.Wrap(services.ErrValidation, string(r.CurrentStage), "dispatch", "run reached a terminal state", nil)
		}
		if prep != nil {
			if err := prep(r); err != nil {
				return err
			}
		}
		stage = r.CurrentStage
		attempt = r.Attempt(stage) + 1
		r.SetAttempt(stage, attempt)
		r.Status = runstore.StatusInProgress
		cycle = r.RefinementCount
		assetRef = r.AssetRef
		feedback = r.Feedback
		return nil
	})
	if err != nil {
		return err
	}
	if feedback != "" {
		input.Feedback = feedback
	}
	return c.publish(ctx, runID, stage, attempt, cycle, assetRef, input)
}

// publish sends the envelope, arms the attempt deadline, and registers the
// attempt as in flight. State for the attempt is already persisted.
func (c *Coordinator) publish(ctx context.Context, runID string, stage pipeline.Stage, attempt, cycle int, assetRef string, input pipeline.Input) error {
	now := time.Now().UTC()
	timeout := c.dispatchTimeout()
	envelope := pipeline.Dispatch{
		RunID:    runID,
		Stage:    stage,
		Attempt:  attempt,
		Cycle:    cycle,
		AssetRef: assetRef,
		Input:    input,
		Deadline: now.Add(timeout),
	}

	if err := c.bus.PublishDispatch(ctx, envelope); err != nil {
		return fmt.Errorf("publish dispatch %s/%s attempt %d: %w", runID, stage, attempt, err)
	}

	state := &attemptState{
		stage:        stage,
		attempt:      attempt,
		cycle:        cycle,
		input:        input,
		dispatchedAt: now,
		timer:        time.AfterFunc(timeout, func() { c.onDeadline(runID, stage, attempt, cycle) }),
	}
	c.setInflight(runID, state)

	c.logger.Info("stage dispatched",
		logging.String(logging.FieldRunID, runID),
		logging.String(logging.FieldStage, string(stage)),
		logging.Int(logging.FieldAttempt, attempt),
	)
	return nil
}

// restoreInflight re-registers a claimed attempt with a fresh deadline so a
// redelivered response can match it again after a transient store failure.
func (c *Coordinator) restoreInflight(runID string, state attemptState) {
	restored := state
	restored.timer = time.AfterFunc(c.dispatchTimeout(), func() {
		c.onDeadline(runID, restored.stage, restored.attempt, restored.cycle)
	})
	c.setInflight(runID, &restored)
}

// onDeadline fires when an attempt's deadline elapses without a matching
// response. It synthesizes a worker_error outcome; a reply that lands later
// no longer matches the in-flight tuple and is dropped.
func (c *Coordinator) onDeadline(runID string, stage pipeline.Stage, attempt, cycle int) {
	if c.closed() {
		return
	}
	unlock := c.lockRun(runID)
	defer unlock()

	state, ok := c.claimInflight(runID, stage, attempt, cycle)
	if !ok {
		return
	}

	c.logger.Warn("attempt deadline expired",
		logging.String(logging.FieldRunID, runID),
		logging.String(logging.FieldStage, string(stage)),
		logging.Int(logging.FieldAttempt, attempt),
	)

	now := time.Now().UTC()
	outcome := &runstore.StageOutcome{
		RunID:      runID,
		Stage:      stage,
		Attempt:    attempt,
		Cycle:      cycle,
		Result:     runstore.ResultWorkerError,
		Reason:     "deadline exceeded",
		StartedAt:  state.dispatchedAt,
		FinishedAt: now,
	}
	if err := c.retryOrFail(c.ctx, outcome, state.input); err != nil {
		c.logger.Error("deadline handling failed",
			logging.String(logging.FieldRunID, runID),
			logging.Error(err),
		)
	}
}

// retryOrFail records a failed attempt's outcome and either schedules the
// next attempt after backoff or terminally fails the run once the stage's
// budget is spent. Callers hold the run lock.
func (c *Coordinator) retryOrFail(ctx context.Context, outcome *runstore.StageOutcome, input pipeline.Input) error {
	runID, stage, attempt := outcome.RunID, outcome.Stage, outcome.Attempt

	if attempt >= c.cfg.MaxAttempts {
		_, err := c.transition(ctx, runID, outcome, func(r *runstore.Run) error {
			if r.IsTerminal() {
				return nil
			}
			r.SetFailed(runstore.CauseStageExhausted,
				fmt.Sprintf("stage %s failed after %d attempts: %s", stage, attempt, outcome.Reason))
			return nil
		})
		if err != nil {
			return err
		}
		c.logger.Error("stage retry budget exhausted",
			logging.String(logging.FieldRunID, runID),
			logging.String(logging.FieldStage, string(stage)),
			logging.Int(logging.FieldAttempt, attempt),
		)
		return nil
	}

	// Record the failure with the run state untouched; the retry fires later.
	if _, err := c.transition(ctx, runID, outcome, func(r *runstore.Run) error {
		if r.IsTerminal() {
			return services.Wrap(services.ErrValidation, string(stage), "retry", "run reached a terminal state", nil)
		}
		return nil
	}); err != nil {
		return err
	}

	delay := c.backoff(attempt)
	c.logger.Info("scheduling stage retry",
		logging.String(logging.FieldRunID, runID),
		logging.String(logging.FieldStage, string(stage)),
		logging.Int(logging.FieldAttempt, attempt),
		logging.Duration("delay", delay),
	)
	c.scheduleRetry(runID, stage, attempt, outcome.Cycle, input, delay)
	return nil
}

func (c *Coordinator) scheduleRetry(runID string, stage pipeline.Stage, attempt, cycle int, input pipeline.Input, delay time.Duration) {
	timer := time.AfterFunc(delay, func() { c.runRetry(runID, stage, attempt, cycle, input) })
	c.mu.Lock()
	if prev, ok := c.retryTimers[runID]; ok {
		prev.Stop()
	}
	c.retryTimers[runID] = timer
	c.mu.Unlock()
}

// runRetry dispatches the next attempt if the run still sits where the retry
// was scheduled. Cancellation or any other transition in between makes this
// a no-op.
func (c *Coordinator) runRetry(runID string, stage pipeline.Stage, attempt, cycle int, input pipeline.Input) {
	if c.closed() {
		return
	}
	c.stopRetry(runID)

	unlock := c.lockRun(runID)
	defer unlock()

	ctx := c.ctx
	run, err := c.store.GetRun(ctx, runID)
	if err != nil {
		c.logger.Error("retry lookup failed",
			logging.String(logging.FieldRunID, runID),
			logging.Error(err),
		)
		return
	}
	if run == nil || run.Status != runstore.StatusInProgress ||
		run.CurrentStage != stage || run.Attempt(stage) != attempt ||
		run.RefinementCount != cycle {
		return
	}

	if err := c.dispatch(ctx, runID, nil, input, nil); err != nil {
		c.logger.Error("retry dispatch failed",
			logging.String(logging.FieldRunID, runID),
			logging.String(logging.FieldStage, string(stage)),
			logging.Error(err),
		)
	}
}

// backoff doubles the base delay per spent attempt, caps it, and spreads it
// with jitter so colliding retries fan out.
func (c *Coordinator) backoff(attempt int) time.Duration {
	base := time.Duration(c.cfg.RetryBackoffBase) * time.Millisecond
	ceiling := time.Duration(c.cfg.RetryBackoffCap) * time.Millisecond
	if base <= 0 {
		base = time.Second
	}
	if ceiling < base {
		ceiling = base
	}

	delay := base
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= ceiling {
			delay = ceiling
			break
		}
	}

	if jitter := c.cfg.RetryJitter; jitter > 0 {
		spread := (rand.Float64()*2 - 1) * jitter * float64(delay)
		delay += time.Duration(spread)
	}
	if delay < 0 {
		delay = 0
	}
	return delay
}

func (c *Coordinator) dispatchTimeout() time.Duration {
	if c.cfg.DispatchTimeout <= 0 {
		return time.Minute
	}
	return time.Duration(c.cfg.DispatchTimeout) * time.Second
}
