package coordinator

import (
	"context"
	"encoding/json"
	"fmt"

	"montage/internal/logging"
	"montage/internal/pipeline"
	"montage/internal/runstore"
)

// applyGate decides a run's fate from the evaluation verdict: approval
// completes the run, a rejection loops back to the named stage with fresh
// attempt budgets until the refinement allowance is spent. An unusable
// verdict fails the run the same way a malformed response does. Callers hold
// the run lock.
func (c *Coordinator) applyGate(ctx context.Context, runID string, metadataJSON string) error {
	verdict, err := pipeline.ParseVerdict(json.RawMessage(metadataJSON))
	if err != nil {
		return c.failRun(ctx, runID, nil, runstore.CauseMalformedResponse, err.Error())
	}

	if verdict.Decision == pipeline.VerdictApproved {
		run, err := c.transition(ctx, runID, nil, func(r *runstore.Run) error {
			if r.IsTerminal() {
				return nil
			}
			r.Status = runstore.StatusCompleted
			return nil
		})
		if err != nil {
			return err
		}
		c.logger.Info("run completed",
			logging.String(logging.FieldRunID, runID),
			logging.String("output_ref", run.OutputRef),
		)
		return nil
	}

	target := verdict.TargetStage
	if target == "" {
		target = pipeline.StageEditing
	}

	var refining bool
	run, err := c.transition(ctx, runID, nil, func(r *runstore.Run) error {
		refining = false
		if r.IsTerminal() {
			return nil
		}
		if r.RefinementCount >= c.cfg.MaxRefinements {
			r.SetFailed(runstore.CauseRefinementExhausted,
				fmt.Sprintf("evaluation rejected after %d refinement cycles", r.RefinementCount))
			return nil
		}
		refining = true
		r.Status = runstore.StatusRefining
		r.RefinementCount++
		r.CurrentStage = target
		r.Feedback = verdict.Feedback
		r.ResetAttemptsFrom(target)
		return nil
	})
	if err != nil {
		return err
	}

	if !refining {
		c.logger.Error("refinement allowance exhausted",
			logging.String(logging.FieldRunID, runID),
			logging.Int("refinements", run.RefinementCount),
		)
		return nil
	}

	c.logger.Info("evaluation rejected; refining",
		logging.String(logging.FieldRunID, runID),
		logging.String(logging.FieldStage, string(target)),
		logging.Int("refinement", run.RefinementCount),
	)

	input, err := c.rebuildInput(ctx, runID, target)
	if err != nil {
		return err
	}
	return c.dispatch(ctx, runID, nil, input, nil)
}

// rebuildInput reconstructs a stage's input from the outcome history: the
// newest success of the preceding stage supplies the upstream reference. The
// first stage works straight off the asset and needs none.
func (c *Coordinator) rebuildInput(ctx context.Context, runID string, stage pipeline.Stage) (pipeline.Input, error) {
	prev, ok := previousStage(stage)
	if !ok {
		return pipeline.Input{}, nil
	}
	outcomes, err := c.store.Outcomes(ctx, runID)
	if err != nil {
		return pipeline.Input{}, err
	}
	var upstream string
	for _, outcome := range outcomes {
		if outcome.Stage == prev && outcome.Result == runstore.ResultSuccess {
			upstream = outcome.PayloadRef
		}
	}
	return pipeline.Input{UpstreamRef: upstream}, nil
}

func previousStage(stage pipeline.Stage) (pipeline.Stage, bool) {
	idx := pipeline.Index(stage)
	if idx <= 0 {
		return "", false
	}
	return pipeline.Stages()[idx-1], true
}
