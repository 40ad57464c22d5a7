package runstore_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"montage/internal/pipeline"
	"montage/internal/runstore"
	"montage/internal/testsupport"
)

func TestCreateAndGetRun(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	ctx := context.Background()

	run, err := store.CreateRun(ctx, "assets/interview.mp4")
	if err != nil {
		t.Fatalf("create run: %v", err)
	}
	if run.ID == "" {
		t.Fatal("expected generated run id")
	}
	if run.Status != runstore.StatusPending {
		t.Fatalf("status = %s, want pending", run.Status)
	}
	if run.CurrentStage != pipeline.First() {
		t.Fatalf("current stage = %s, want %s", run.CurrentStage, pipeline.First())
	}
	if run.Revision != 0 {
		t.Fatalf("revision = %d, want 0", run.Revision)
	}

	fetched, err := store.GetRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if fetched == nil || fetched.ID != run.ID {
		t.Fatalf("unexpected fetch result: %+v", fetched)
	}

	missing, err := store.GetRun(ctx, "no-such-run")
	if err != nil {
		t.Fatalf("get unknown run: %v", err)
	}
	if missing != nil {
		t.Fatal("unknown run should return nil")
	}
}

func TestCreateRunRequiresAssetRef(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)

	if _, err := store.CreateRun(context.Background(), "   "); err == nil {
		t.Fatal("expected error for blank asset ref")
	}
}

func TestApplyTransitionRevisionGuard(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	ctx := context.Background()

	run := testsupport.MustCreateRun(t, store, "asset-a")
	stale, err := store.GetRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("get run: %v", err)
	}

	run.Status = runstore.StatusInProgress
	run.SetAttempt(pipeline.StageAudio, 1)
	if err := store.ApplyTransition(ctx, run, nil); err != nil {
		t.Fatalf("first transition: %v", err)
	}
	if run.Revision != 1 {
		t.Fatalf("revision after transition = %d, want 1", run.Revision)
	}

	stale.Status = runstore.StatusFailed
	err = store.ApplyTransition(ctx, stale, nil)
	if !errors.Is(err, runstore.ErrConflict) {
		t.Fatalf("stale write: got %v, want ErrConflict", err)
	}

	// The losing write must leave no trace.
	current, err := store.GetRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if current.Status != runstore.StatusInProgress {
		t.Fatalf("status = %s, want in_progress", current.Status)
	}
	if current.Revision != 1 {
		t.Fatalf("revision = %d, want 1", current.Revision)
	}
}

func TestApplyTransitionOutcomeIdempotence(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	ctx := context.Background()

	run := testsupport.MustCreateRun(t, store, "asset-b")
	now := time.Now().UTC()
	outcome := &runstore.StageOutcome{
		RunID:      run.ID,
		Stage:      pipeline.StageAudio,
		Attempt:    1,
		Result:     runstore.ResultWorkerError,
		Reason:     "ffprobe failed",
		StartedAt:  now,
		FinishedAt: now,
	}

	run.Status = runstore.StatusInProgress
	run.SetAttempt(pipeline.StageAudio, 1)
	if err := store.ApplyTransition(ctx, run, outcome); err != nil {
		t.Fatalf("first transition: %v", err)
	}

	// Replaying the same outcome with a fresh revision must not duplicate
	// history.
	if err := store.ApplyTransition(ctx, run, outcome); err != nil {
		t.Fatalf("replayed transition: %v", err)
	}

	outcomes, err := store.Outcomes(ctx, run.ID)
	if err != nil {
		t.Fatalf("outcomes: %v", err)
	}
	if len(outcomes) != 1 {
		t.Fatalf("outcome count = %d, want 1", len(outcomes))
	}
	if outcomes[0].Reason != "ffprobe failed" {
		t.Fatalf("outcome reason = %q", outcomes[0].Reason)
	}
}

func TestApplyTransitionAppendsAcrossCycles(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	ctx := context.Background()

	run := testsupport.MustCreateRun(t, store, "asset-b2")
	now := time.Now().UTC()

	run.Status = runstore.StatusInProgress
	run.CurrentStage = pipeline.StageEditing
	run.SetAttempt(pipeline.StageEditing, 1)
	first := &runstore.StageOutcome{
		RunID:      run.ID,
		Stage:      pipeline.StageEditing,
		Attempt:    1,
		Cycle:      0,
		Result:     runstore.ResultSuccess,
		PayloadRef: "cut-v1",
		StartedAt:  now,
		FinishedAt: now,
	}
	if err := store.ApplyTransition(ctx, run, first); err != nil {
		t.Fatalf("first cycle: %v", err)
	}

	// After a refinement loop-back the stage and attempt numbers repeat;
	// the new cycle's outcome must still land as its own row.
	run.RefinementCount = 1
	second := &runstore.StageOutcome{
		RunID:      run.ID,
		Stage:      pipeline.StageEditing,
		Attempt:    1,
		Cycle:      1,
		Result:     runstore.ResultSuccess,
		PayloadRef: "cut-v2",
		StartedAt:  now,
		FinishedAt: now,
	}
	if err := store.ApplyTransition(ctx, run, second); err != nil {
		t.Fatalf("second cycle: %v", err)
	}
	// A replay of the second cycle's outcome still dedupes.
	if err := store.ApplyTransition(ctx, run, second); err != nil {
		t.Fatalf("replayed second cycle: %v", err)
	}

	outcomes, err := store.Outcomes(ctx, run.ID)
	if err != nil {
		t.Fatalf("outcomes: %v", err)
	}
	if len(outcomes) != 2 {
		t.Fatalf("outcome count = %d, want 2", len(outcomes))
	}
	if outcomes[0].Cycle != 0 || outcomes[1].Cycle != 1 {
		t.Fatalf("cycles = %d, %d, want 0, 1", outcomes[0].Cycle, outcomes[1].Cycle)
	}
	if outcomes[1].PayloadRef != "cut-v2" {
		t.Fatalf("second cycle payload = %q, want cut-v2", outcomes[1].PayloadRef)
	}
}

func TestOutcomesPreserveInsertionOrder(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	ctx := context.Background()

	run := testsupport.MustCreateRun(t, store, "asset-c")
	now := time.Now().UTC()
	sequence := []struct {
		stage   pipeline.Stage
		attempt int
		result  runstore.Result
	}{
		{pipeline.StageAudio, 1, runstore.ResultWorkerError},
		{pipeline.StageAudio, 2, runstore.ResultSuccess},
		{pipeline.StageTranscription, 1, runstore.ResultSuccess},
	}
	for _, step := range sequence {
		run.Status = runstore.StatusInProgress
		run.SetAttempt(step.stage, step.attempt)
		outcome := &runstore.StageOutcome{
			RunID:      run.ID,
			Stage:      step.stage,
			Attempt:    step.attempt,
			Result:     step.result,
			StartedAt:  now,
			FinishedAt: now,
		}
		if err := store.ApplyTransition(ctx, run, outcome); err != nil {
			t.Fatalf("transition %s/%d: %v", step.stage, step.attempt, err)
		}
	}

	outcomes, err := store.Outcomes(ctx, run.ID)
	if err != nil {
		t.Fatalf("outcomes: %v", err)
	}
	if len(outcomes) != len(sequence) {
		t.Fatalf("outcome count = %d, want %d", len(outcomes), len(sequence))
	}
	for i, step := range sequence {
		if outcomes[i].Stage != step.stage || outcomes[i].Attempt != step.attempt || outcomes[i].Result != step.result {
			t.Fatalf("outcomes[%d] = %s/%d/%s, want %s/%d/%s",
				i, outcomes[i].Stage, outcomes[i].Attempt, outcomes[i].Result, step.stage, step.attempt, step.result)
		}
	}
}

func TestListRunsByStatus(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	ctx := context.Background()

	first := testsupport.MustCreateRun(t, store, "asset-1")
	second := testsupport.MustCreateRun(t, store, "asset-2")

	second.SetFailed(runstore.CauseCancelled, "cancelled by operator")
	if err := store.ApplyTransition(ctx, second, nil); err != nil {
		t.Fatalf("fail second run: %v", err)
	}

	pending, err := store.ListRunsByStatus(ctx, runstore.StatusPending)
	if err != nil {
		t.Fatalf("list pending: %v", err)
	}
	if len(pending) != 1 || pending[0].ID != first.ID {
		t.Fatalf("unexpected pending list: %+v", pending)
	}

	all, err := store.ListRunsByStatus(ctx)
	if err != nil {
		t.Fatalf("list all: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("all runs = %d, want 2", len(all))
	}

	stats, err := store.Stats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats[runstore.StatusPending] != 1 || stats[runstore.StatusFailed] != 1 {
		t.Fatalf("unexpected stats: %v", stats)
	}
}

func TestAttemptsRoundTrip(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	ctx := context.Background()

	run := testsupport.MustCreateRun(t, store, "asset-d")
	run.Status = runstore.StatusInProgress
	run.SetAttempt(pipeline.StageAudio, 3)
	run.SetAttempt(pipeline.StageEditing, 1)
	run.RefinementCount = 2
	run.Feedback = "tighten the intro"
	if err := store.ApplyTransition(ctx, run, nil); err != nil {
		t.Fatalf("transition: %v", err)
	}

	fetched, err := store.GetRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if fetched.Attempt(pipeline.StageAudio) != 3 || fetched.Attempt(pipeline.StageEditing) != 1 {
		t.Fatalf("attempts did not round-trip: %v", fetched.Attempts)
	}
	if fetched.Attempt(pipeline.StageVision) != 0 {
		t.Fatalf("untouched stage attempt = %d, want 0", fetched.Attempt(pipeline.StageVision))
	}
	if fetched.RefinementCount != 2 || fetched.Feedback != "tighten the intro" {
		t.Fatalf("refinement state did not round-trip: %+v", fetched)
	}
}

func TestResetAttemptsFrom(t *testing.T) {
	run := &runstore.Run{}
	run.SetAttempt(pipeline.StageAudio, 2)
	run.SetAttempt(pipeline.StageVision, 1)
	run.SetAttempt(pipeline.StageEditing, 3)
	run.SetAttempt(pipeline.StageEvaluation, 1)

	run.ResetAttemptsFrom(pipeline.StageEditing)

	if run.Attempt(pipeline.StageAudio) != 2 || run.Attempt(pipeline.StageVision) != 1 {
		t.Fatalf("upstream attempts must survive: %v", run.Attempts)
	}
	if run.Attempt(pipeline.StageEditing) != 0 || run.Attempt(pipeline.StageEvaluation) != 0 {
		t.Fatalf("downstream attempts must reset: %v", run.Attempts)
	}
}
