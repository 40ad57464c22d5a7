package coordinator

import (
	"context"
	"fmt"

	"montage/internal/logging"
	"montage/internal/pipeline"
	"montage/internal/runstore"
)

// recover resumes every non-terminal run after a restart. Each run picks up
// exactly where its last committed transition left it; a run that fails to
// resume is logged and skipped so it cannot block the rest.
func (c *Coordinator) recover(ctx context.Context) error {
	runs, err := c.store.ListRunsByStatus(ctx,
		runstore.StatusPending,
		runstore.StatusInProgress,
		runstore.StatusAwaitingEvaluation,
		runstore.StatusRefining,
	)
	if err != nil {
		return fmt.Errorf("list resumable runs: %w", err)
	}
	if len(runs) == 0 {
		return nil
	}

	c.logger.Info("resuming interrupted runs", logging.Int("count", len(runs)))
	for _, snapshot := range runs {
		if err := c.resume(ctx, snapshot.ID); err != nil {
			c.logger.Error("resume failed",
				logging.String(logging.FieldRunID, snapshot.ID),
				logging.Error(err),
			)
		}
	}
	return nil
}

func (c *Coordinator) resume(ctx context.Context, runID string) error {
	unlock := c.lockRun(runID)
	defer unlock()

	run, err := c.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if run == nil || run.IsTerminal() {
		return nil
	}

	switch run.Status {
	case runstore.StatusPending, runstore.StatusRefining:
		input, err := c.rebuildInput(ctx, runID, run.CurrentStage)
		if err != nil {
			return err
		}
		return c.dispatch(ctx, runID, nil, input, nil)
	case runstore.StatusInProgress:
		return c.resumeInProgress(ctx, run)
	case runstore.StatusAwaitingEvaluation:
		return c.resumeAwaitingEvaluation(ctx, run)
	default:
		return nil
	}
}

// resumeInProgress re-drives the run's current attempt. If the attempt's
// outcome is already on record, only the follow-up was lost: re-enter the
// retry path. Otherwise the attempt may still be running somewhere, so it is
// re-published with a fresh deadline; the outcome table dedupes if the old
// worker also answers.
func (c *Coordinator) resumeInProgress(ctx context.Context, run *runstore.Run) error {
	stage := run.CurrentStage
	attempt := run.Attempt(stage)
	if attempt == 0 {
		input, err := c.rebuildInput(ctx, run.ID, stage)
		if err != nil {
			return err
		}
		return c.dispatch(ctx, run.ID, nil, input, nil)
	}

	outcomes, err := c.store.Outcomes(ctx, run.ID)
	if err != nil {
		return err
	}
	var concluded *runstore.StageOutcome
	for i := range outcomes {
		if outcomes[i].Stage == stage && outcomes[i].Attempt == attempt &&
			outcomes[i].Cycle == run.RefinementCount {
			concluded = &outcomes[i]
			break
		}
	}

	input, err := c.rebuildInput(ctx, run.ID, stage)
	if err != nil {
		return err
	}

	if concluded == nil {
		// Attempt state is already persisted; only the envelope needs to go
		// out again.
		return c.publish(ctx, run.ID, stage, attempt, run.RefinementCount, run.AssetRef, c.withFeedback(run, input))
	}

	// A success outcome commits the advancement in the same write, so a
	// concluded attempt at the current stage is always a failed one.
	if attempt >= c.cfg.MaxAttempts {
		return c.failRun(ctx, run.ID, nil, runstore.CauseStageExhausted,
			fmt.Sprintf("stage %s failed after %d attempts: %s", stage, attempt, concluded.Reason))
	}
	return c.dispatch(ctx, run.ID, nil, input, nil)
}

// resumeAwaitingEvaluation re-applies the quality gate from the recorded
// verdict. The evaluation outcome lands in the same write as the status, so
// it is always present here; a missing one re-dispatches evaluation instead.
func (c *Coordinator) resumeAwaitingEvaluation(ctx context.Context, run *runstore.Run) error {
	outcomes, err := c.store.Outcomes(ctx, run.ID)
	if err != nil {
		return err
	}
	// Only the current cycle's verdict counts: an earlier cycle's rejection
	// already had its loop-back applied and must not be replayed here.
	var verdictJSON string
	var found bool
	for _, outcome := range outcomes {
		if outcome.Stage == pipeline.StageEvaluation && outcome.Result == runstore.ResultSuccess &&
			outcome.Cycle == run.RefinementCount {
			verdictJSON = outcome.MetadataJSON
			found = true
		}
	}
	if !found {
		c.logger.Warn("awaiting evaluation without a recorded verdict; re-dispatching",
			logging.String(logging.FieldRunID, run.ID),
		)
		input, err := c.rebuildInput(ctx, run.ID, pipeline.StageEvaluation)
		if err != nil {
			return err
		}
		return c.dispatch(ctx, run.ID, nil, input, func(r *runstore.Run) error {
			r.CurrentStage = pipeline.StageEvaluation
			return nil
		})
	}
	return c.applyGate(ctx, run.ID, verdictJSON)
}

func (c *Coordinator) withFeedback(run *runstore.Run, input pipeline.Input) pipeline.Input {
	if run.Feedback != "" {
		input.Feedback = run.Feedback
	}
	return input
}
