package coordinator

import (
	"context"
	"errors"
	"time"

	"montage/internal/logging"
	"montage/internal/pipeline"
	"montage/internal/runstore"
)

// handleResponse is the bus consumer for worker replies. It returns an error
// only when a store write failed and the message should be redelivered;
// unroutable, stale, and duplicate responses are dropped with a log line.
func (c *Coordinator) handleResponse(ctx context.Context, response pipeline.Response) error {
	if err := response.ValidateIdentity(); err != nil {
		c.logger.Warn("dropping unroutable response", logging.Error(err))
		return nil
	}

	unlock := c.lockRun(response.RunID)
	defer unlock()

	state, ok := c.claimInflight(response.RunID, response.Stage, response.Attempt, response.Cycle)
	if !ok {
		c.logger.Debug("dropping stale response",
			logging.String(logging.FieldRunID, response.RunID),
			logging.String(logging.FieldStage, string(response.Stage)),
			logging.Int(logging.FieldAttempt, response.Attempt),
		)
		return nil
	}

	if err := c.processResponse(ctx, state, response); err != nil {
		// The attempt slot is restored so the redelivered message can match
		// again; the state check in processResponse keeps a replay of an
		// already-committed transition harmless.
		c.restoreInflight(response.RunID, state)
		return err
	}
	return nil
}

func (c *Coordinator) processResponse(ctx context.Context, state attemptState, response pipeline.Response) error {
	run, err := c.store.GetRun(ctx, response.RunID)
	if err != nil {
		return err
	}
	if run == nil || run.IsTerminal() {
		return nil
	}
	if run.CurrentStage != response.Stage || run.Attempt(response.Stage) != response.Attempt ||
		run.RefinementCount != response.Cycle {
		// The transition for this attempt already committed; only the
		// follow-up publish can have been lost, and recovery replays that.
		return nil
	}

	now := time.Now().UTC()
	outcome := &runstore.StageOutcome{
		RunID:      response.RunID,
		Stage:      response.Stage,
		Attempt:    response.Attempt,
		Cycle:      response.Cycle,
		PayloadRef: response.OutputRef,
		StartedAt:  state.dispatchedAt,
		FinishedAt: now,
	}
	if len(response.Metadata) > 0 {
		outcome.MetadataJSON = string(response.Metadata)
	}

	if err := response.Validate(); err != nil {
		if !errors.Is(err, pipeline.ErrMalformedResponse) {
			return nil
		}
		outcome.Result = runstore.ResultWorkerError
		outcome.Reason = err.Error()
		return c.failRun(ctx, response.RunID, outcome, runstore.CauseMalformedResponse, err.Error())
	}

	switch response.Status {
	case pipeline.ResponseSuccess:
		outcome.Result = runstore.ResultSuccess
		if pipeline.IsTerminal(response.Stage) {
			return c.concludeEvaluation(ctx, outcome, response)
		}
		return c.advance(ctx, outcome, response)
	case pipeline.ResponseRejected:
		outcome.Result = runstore.ResultRejected
		outcome.Reason = reasonOrDefault(response.ErrorCause, "worker rejected the input")
		return c.retryOrFail(ctx, outcome, state.input)
	default:
		outcome.Result = runstore.ResultWorkerError
		outcome.Reason = reasonOrDefault(response.ErrorCause, "worker reported an error")
		return c.retryOrFail(ctx, outcome, state.input)
	}
}

// advance records a stage success and dispatches the next stage in the same
// store write. The succeeding stage's output becomes the next stage's input;
// an editing success additionally refreshes the run's output reference.
func (c *Coordinator) advance(ctx context.Context, outcome *runstore.StageOutcome, response pipeline.Response) error {
	next, ok := pipeline.Next(response.Stage)
	if !ok {
		return nil
	}

	c.logger.Info("stage succeeded",
		logging.String(logging.FieldRunID, response.RunID),
		logging.String(logging.FieldStage, string(response.Stage)),
		logging.Int(logging.FieldAttempt, response.Attempt),
	)

	input := pipeline.Input{UpstreamRef: response.OutputRef}
	return c.dispatch(ctx, response.RunID, outcome, input, func(r *runstore.Run) error {
		// Refinement feedback is spent once the stage it targeted succeeds.
		r.Feedback = ""
		if response.Stage == pipeline.StageEditing {
			r.OutputRef = response.OutputRef
		}
		r.CurrentStage = next
		return nil
	})
}

// concludeEvaluation parks the run in awaiting_evaluation together with the
// evaluation outcome, then applies the quality gate. The two writes are
// separate on purpose: a crash in between leaves the verdict in the store
// for recovery to re-apply.
func (c *Coordinator) concludeEvaluation(ctx context.Context, outcome *runstore.StageOutcome, response pipeline.Response) error {
	_, err := c.transition(ctx, response.RunID, outcome, func(r *runstore.Run) error {
		r.Status = runstore.StatusAwaitingEvaluation
		return nil
	})
	if err != nil {
		return err
	}
	return c.applyGate(ctx, response.RunID, outcome.MetadataJSON)
}

// failRun terminally fails a run, recording the triggering outcome when one
// is provided.
func (c *Coordinator) failRun(ctx context.Context, runID string, outcome *runstore.StageOutcome, cause runstore.FailureCause, message string) error {
	_, err := c.transition(ctx, runID, outcome, func(r *runstore.Run) error {
		if r.IsTerminal() {
			return nil
		}
		r.SetFailed(cause, message)
		return nil
	})
	if err != nil {
		return err
	}
	c.logger.Error("run failed",
		logging.String(logging.FieldRunID, runID),
		logging.String("cause", string(cause)),
		logging.String("error", message),
	)
	return nil
}

func reasonOrDefault(reason, fallback string) string {
	if reason == "" {
		return fallback
	}
	return reason
}
