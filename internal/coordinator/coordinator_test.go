package coordinator_test

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"montage/internal/bus"
	"montage/internal/config"
	"montage/internal/coordinator"
	"montage/internal/logging"
	"montage/internal/pipeline"
	"montage/internal/runstore"
	"montage/internal/testsupport"
	"montage/internal/workers"
)

type testEnv struct {
	t     *testing.T
	cfg   *config.Config
	store *runstore.Store
	bus   *bus.Memory
	coord *coordinator.Coordinator
	run   *workers.Runner
}

func newEnv(t *testing.T, opts ...testsupport.ConfigOption) *testEnv {
	t.Helper()
	cfg := testsupport.NewConfig(t, opts...)
	store := testsupport.MustOpenStore(t, cfg)
	return attach(t, cfg, store)
}

// attach builds a fresh bus and coordinator over an existing store, which
// lets restart tests reuse the database.
func attach(t *testing.T, cfg *config.Config, store *runstore.Store) *testEnv {
	t.Helper()
	memory := bus.NewMemory(cfg.Coordinator.ChannelDepth, logging.NewNop())
	memory.SetRedeliveryDelay(time.Millisecond)
	coord := coordinator.New(cfg.Coordinator, store, memory, logging.NewNop())
	return &testEnv{
		t:     t,
		cfg:   cfg,
		store: store,
		bus:   memory,
		coord: coord,
		run:   workers.NewRunner(memory, logging.NewNop()),
	}
}

func (e *testEnv) handle(stage pipeline.Stage, fn workers.Func) {
	e.run.Register(stage, fn, 1)
}

func (e *testEnv) start() {
	e.t.Helper()
	e.bus.Start(context.Background())
	if err := e.coord.Start(context.Background()); err != nil {
		e.t.Fatalf("start coordinator: %v", err)
	}
	e.t.Cleanup(func() {
		e.coord.Close()
		e.bus.Close()
	})
}

func (e *testEnv) stop() {
	e.coord.Close()
	e.bus.Close()
}

func (e *testEnv) submit(assetRef string) *runstore.Run {
	e.t.Helper()
	run, err := e.coord.SubmitRun(context.Background(), assetRef)
	if err != nil {
		e.t.Fatalf("submit run: %v", err)
	}
	return run
}

func (e *testEnv) waitForStatus(runID string, status runstore.Status) *runstore.Run {
	e.t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	var last *runstore.Run
	for time.Now().Before(deadline) {
		run, err := e.store.GetRun(context.Background(), runID)
		if err != nil {
			e.t.Fatalf("get run: %v", err)
		}
		if run != nil && run.Status == status {
			return run
		}
		last = run
		time.Sleep(5 * time.Millisecond)
	}
	e.t.Fatalf("run %s never reached %s; last state %+v", runID, status, last)
	return nil
}

func succeedWith(ref string) workers.Func {
	return func(ctx context.Context, d pipeline.Dispatch) (pipeline.Response, error) {
		return pipeline.Response{Status: pipeline.ResponseSuccess, OutputRef: ref}, nil
	}
}

func evaluate(metadata string) workers.Func {
	return func(ctx context.Context, d pipeline.Dispatch) (pipeline.Response, error) {
		return pipeline.Response{Status: pipeline.ResponseSuccess, Metadata: json.RawMessage(metadata)}, nil
	}
}

func registerHappyPath(e *testEnv) {
	e.handle(pipeline.StageAudio, succeedWith("audio-out"))
	e.handle(pipeline.StageTranscription, succeedWith("transcript-out"))
	e.handle(pipeline.StageVision, succeedWith("vision-out"))
	e.handle(pipeline.StageEditing, succeedWith("cut-v1"))
	e.handle(pipeline.StageEvaluation, evaluate(`{"verdict":"approved"}`))
}

func TestHappyPathCompletesRun(t *testing.T) {
	env := newEnv(t)

	var mu sync.Mutex
	inputs := make(map[pipeline.Stage]pipeline.Input)
	record := func(ref string) workers.Func {
		return func(ctx context.Context, d pipeline.Dispatch) (pipeline.Response, error) {
			mu.Lock()
			inputs[d.Stage] = d.Input
			mu.Unlock()
			return pipeline.Response{Status: pipeline.ResponseSuccess, OutputRef: ref}, nil
		}
	}
	env.handle(pipeline.StageAudio, record("audio-out"))
	env.handle(pipeline.StageTranscription, record("transcript-out"))
	env.handle(pipeline.StageVision, record("vision-out"))
	env.handle(pipeline.StageEditing, record("cut-v1"))
	env.handle(pipeline.StageEvaluation, evaluate(`{"verdict":"approved"}`))
	env.start()

	run := env.submit("assets/interview.mp4")
	final := env.waitForStatus(run.ID, runstore.StatusCompleted)

	if final.OutputRef != "cut-v1" {
		t.Fatalf("output ref = %q, want cut-v1", final.OutputRef)
	}
	if final.FailureCause != "" {
		t.Fatalf("unexpected failure cause %q", final.FailureCause)
	}
	for _, stage := range pipeline.Stages() {
		if final.Attempt(stage) != 1 {
			t.Fatalf("stage %s attempt = %d, want 1", stage, final.Attempt(stage))
		}
	}

	mu.Lock()
	defer mu.Unlock()
	if inputs[pipeline.StageAudio].UpstreamRef != "" {
		t.Fatalf("audio upstream = %q, want empty", inputs[pipeline.StageAudio].UpstreamRef)
	}
	if inputs[pipeline.StageTranscription].UpstreamRef != "audio-out" {
		t.Fatalf("transcription upstream = %q, want audio-out", inputs[pipeline.StageTranscription].UpstreamRef)
	}
	if inputs[pipeline.StageEditing].UpstreamRef != "vision-out" {
		t.Fatalf("editing upstream = %q, want vision-out", inputs[pipeline.StageEditing].UpstreamRef)
	}

	outcomes, err := env.store.Outcomes(context.Background(), run.ID)
	if err != nil {
		t.Fatalf("outcomes: %v", err)
	}
	if len(outcomes) != 5 {
		t.Fatalf("outcome count = %d, want 5", len(outcomes))
	}
}

func TestTransientFailureRetriesThenSucceeds(t *testing.T) {
	env := newEnv(t, testsupport.WithMaxAttempts(3))

	var mu sync.Mutex
	audioCalls := 0
	env.handle(pipeline.StageAudio, func(ctx context.Context, d pipeline.Dispatch) (pipeline.Response, error) {
		mu.Lock()
		audioCalls++
		failing := audioCalls < 3
		mu.Unlock()
		if failing {
			return pipeline.Response{Status: pipeline.ResponseError, ErrorCause: "gpu busy"}, nil
		}
		return pipeline.Response{Status: pipeline.ResponseSuccess, OutputRef: "audio-out"}, nil
	})
	env.handle(pipeline.StageTranscription, succeedWith("transcript-out"))
	env.handle(pipeline.StageVision, succeedWith("vision-out"))
	env.handle(pipeline.StageEditing, succeedWith("cut-v1"))
	env.handle(pipeline.StageEvaluation, evaluate(`{"verdict":"approved"}`))
	env.start()

	run := env.submit("asset")
	final := env.waitForStatus(run.ID, runstore.StatusCompleted)

	if final.Attempt(pipeline.StageAudio) != 3 {
		t.Fatalf("audio attempts = %d, want 3", final.Attempt(pipeline.StageAudio))
	}

	outcomes, err := env.store.Outcomes(context.Background(), run.ID)
	if err != nil {
		t.Fatalf("outcomes: %v", err)
	}
	failures := 0
	for _, outcome := range outcomes {
		if outcome.Stage == pipeline.StageAudio && outcome.Result == runstore.ResultWorkerError {
			failures++
			if outcome.Reason != "gpu busy" {
				t.Fatalf("failure reason = %q, want gpu busy", outcome.Reason)
			}
		}
	}
	if failures != 2 {
		t.Fatalf("audio failures recorded = %d, want 2", failures)
	}
}

func TestStageExhaustionFailsRun(t *testing.T) {
	env := newEnv(t, testsupport.WithMaxAttempts(2))
	env.handle(pipeline.StageAudio, func(ctx context.Context, d pipeline.Dispatch) (pipeline.Response, error) {
		return pipeline.Response{Status: pipeline.ResponseError, ErrorCause: "decoder crash"}, nil
	})
	env.start()

	run := env.submit("asset")
	final := env.waitForStatus(run.ID, runstore.StatusFailed)

	if final.FailureCause != runstore.CauseStageExhausted {
		t.Fatalf("failure cause = %s, want stage_exhausted", final.FailureCause)
	}
	if final.Attempt(pipeline.StageAudio) != 2 {
		t.Fatalf("audio attempts = %d, want exactly the budget of 2", final.Attempt(pipeline.StageAudio))
	}

	outcomes, err := env.store.Outcomes(context.Background(), run.ID)
	if err != nil {
		t.Fatalf("outcomes: %v", err)
	}
	if len(outcomes) != 2 {
		t.Fatalf("outcome count = %d, want 2", len(outcomes))
	}
}

func TestWorkerRejectionCountsAgainstBudget(t *testing.T) {
	env := newEnv(t, testsupport.WithMaxAttempts(2))
	env.handle(pipeline.StageAudio, func(ctx context.Context, d pipeline.Dispatch) (pipeline.Response, error) {
		return pipeline.Response{Status: pipeline.ResponseRejected, ErrorCause: "no audio track"}, nil
	})
	env.start()

	run := env.submit("asset")
	final := env.waitForStatus(run.ID, runstore.StatusFailed)

	if final.FailureCause != runstore.CauseStageExhausted {
		t.Fatalf("failure cause = %s, want stage_exhausted", final.FailureCause)
	}
	outcomes, err := env.store.Outcomes(context.Background(), run.ID)
	if err != nil {
		t.Fatalf("outcomes: %v", err)
	}
	for _, outcome := range outcomes {
		if outcome.Result != runstore.ResultRejected {
			t.Fatalf("outcome result = %s, want rejected", outcome.Result)
		}
	}
}

func TestRefinementLoopDeliversFeedback(t *testing.T) {
	env := newEnv(t, testsupport.WithMaxRefinements(2))

	var mu sync.Mutex
	var editingInputs []pipeline.Input
	evaluations := 0

	env.handle(pipeline.StageAudio, succeedWith("audio-out"))
	env.handle(pipeline.StageTranscription, succeedWith("transcript-out"))
	env.handle(pipeline.StageVision, succeedWith("vision-out"))
	env.handle(pipeline.StageEditing, func(ctx context.Context, d pipeline.Dispatch) (pipeline.Response, error) {
		mu.Lock()
		editingInputs = append(editingInputs, d.Input)
		version := len(editingInputs)
		mu.Unlock()
		if version == 1 {
			return pipeline.Response{Status: pipeline.ResponseSuccess, OutputRef: "cut-v1"}, nil
		}
		return pipeline.Response{Status: pipeline.ResponseSuccess, OutputRef: "cut-v2"}, nil
	})
	env.handle(pipeline.StageEvaluation, func(ctx context.Context, d pipeline.Dispatch) (pipeline.Response, error) {
		mu.Lock()
		evaluations++
		first := evaluations == 1
		mu.Unlock()
		if first {
			return pipeline.Response{
				Status:   pipeline.ResponseSuccess,
				Metadata: json.RawMessage(`{"verdict":"rejected","target_stage":"editing","feedback":"pacing drags in act two"}`),
			}, nil
		}
		return pipeline.Response{Status: pipeline.ResponseSuccess, Metadata: json.RawMessage(`{"verdict":"approved"}`)}, nil
	})
	env.start()

	run := env.submit("asset")
	final := env.waitForStatus(run.ID, runstore.StatusCompleted)

	if final.RefinementCount != 1 {
		t.Fatalf("refinement count = %d, want 1", final.RefinementCount)
	}
	if final.OutputRef != "cut-v2" {
		t.Fatalf("output ref = %q, want cut-v2", final.OutputRef)
	}
	if final.Feedback != "" {
		t.Fatalf("feedback should be spent, got %q", final.Feedback)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(editingInputs) != 2 {
		t.Fatalf("editing dispatched %d times, want 2", len(editingInputs))
	}
	if editingInputs[0].Feedback != "" {
		t.Fatalf("first cut carried feedback %q", editingInputs[0].Feedback)
	}
	if editingInputs[1].Feedback != "pacing drags in act two" {
		t.Fatalf("refinement feedback = %q", editingInputs[1].Feedback)
	}
	// The loop-back rebuilds the editing input from the vision output.
	if editingInputs[1].UpstreamRef != "vision-out" {
		t.Fatalf("refinement upstream = %q, want vision-out", editingInputs[1].UpstreamRef)
	}

	// History is append-only across the loop-back: the refined cycle's
	// editing and evaluation attempts land as their own rows even though
	// their stage and attempt numbers repeat.
	outcomes, err := env.store.Outcomes(context.Background(), run.ID)
	if err != nil {
		t.Fatalf("outcomes: %v", err)
	}
	if len(outcomes) != 7 {
		t.Fatalf("outcome count = %d, want 7: %+v", len(outcomes), outcomes)
	}
	counts := make(map[pipeline.Stage]int)
	cycles := make(map[pipeline.Stage][]int)
	for _, outcome := range outcomes {
		counts[outcome.Stage]++
		cycles[outcome.Stage] = append(cycles[outcome.Stage], outcome.Cycle)
	}
	if counts[pipeline.StageEditing] != 2 {
		t.Fatalf("editing outcomes = %d, want 2", counts[pipeline.StageEditing])
	}
	if counts[pipeline.StageEvaluation] != 2 {
		t.Fatalf("evaluation outcomes = %d, want 2", counts[pipeline.StageEvaluation])
	}
	for _, stage := range []pipeline.Stage{pipeline.StageEditing, pipeline.StageEvaluation} {
		if cycles[stage][0] != 0 || cycles[stage][1] != 1 {
			t.Fatalf("%s cycles = %v, want [0 1]", stage, cycles[stage])
		}
	}
	last := outcomes[len(outcomes)-1]
	if last.Stage != pipeline.StageEvaluation || last.MetadataJSON != `{"verdict":"approved"}` {
		t.Fatalf("final outcome = %+v, want the approved verdict", last)
	}
}

func TestRefinementExhaustionFailsRun(t *testing.T) {
	env := newEnv(t, testsupport.WithMaxRefinements(1))
	registerHappyPathExceptEvaluation(env)
	env.handle(pipeline.StageEvaluation, evaluate(`{"verdict":"rejected","target_stage":"editing","feedback":"still rough"}`))
	env.start()

	run := env.submit("asset")
	final := env.waitForStatus(run.ID, runstore.StatusFailed)

	if final.FailureCause != runstore.CauseRefinementExhausted {
		t.Fatalf("failure cause = %s, want refinement_exhausted", final.FailureCause)
	}
	if final.RefinementCount != 1 {
		t.Fatalf("refinement count = %d, want exactly the allowance of 1", final.RefinementCount)
	}
}

func registerHappyPathExceptEvaluation(e *testEnv) {
	e.handle(pipeline.StageAudio, succeedWith("audio-out"))
	e.handle(pipeline.StageTranscription, succeedWith("transcript-out"))
	e.handle(pipeline.StageVision, succeedWith("vision-out"))
	e.handle(pipeline.StageEditing, succeedWith("cut-v1"))
}

func TestMalformedVerdictFailsRun(t *testing.T) {
	env := newEnv(t)
	registerHappyPathExceptEvaluation(env)
	env.handle(pipeline.StageEvaluation, evaluate(`{"verdict":"rejected","target_stage":"evaluation"}`))
	env.start()

	run := env.submit("asset")
	final := env.waitForStatus(run.ID, runstore.StatusFailed)

	if final.FailureCause != runstore.CauseMalformedResponse {
		t.Fatalf("failure cause = %s, want malformed_response", final.FailureCause)
	}
}

func TestMalformedResponseFailsRunImmediately(t *testing.T) {
	env := newEnv(t, testsupport.WithMaxAttempts(3))
	env.handle(pipeline.StageAudio, func(ctx context.Context, d pipeline.Dispatch) (pipeline.Response, error) {
		// Success without an output reference is unusable downstream.
		return pipeline.Response{Status: pipeline.ResponseSuccess}, nil
	})
	env.start()

	run := env.submit("asset")
	final := env.waitForStatus(run.ID, runstore.StatusFailed)

	if final.FailureCause != runstore.CauseMalformedResponse {
		t.Fatalf("failure cause = %s, want malformed_response", final.FailureCause)
	}
	if final.Attempt(pipeline.StageAudio) != 1 {
		t.Fatalf("malformed responses must not be retried; attempts = %d", final.Attempt(pipeline.StageAudio))
	}
}

func TestDeadlineExpiryCountsAsWorkerError(t *testing.T) {
	env := newEnv(t, testsupport.WithMaxAttempts(1), testsupport.WithDispatchTimeout(1))
	// No audio worker: the attempt can only conclude via its deadline.
	env.start()

	run := env.submit("asset")
	final := env.waitForStatus(run.ID, runstore.StatusFailed)

	if final.FailureCause != runstore.CauseStageExhausted {
		t.Fatalf("failure cause = %s, want stage_exhausted", final.FailureCause)
	}
	outcomes, err := env.store.Outcomes(context.Background(), run.ID)
	if err != nil {
		t.Fatalf("outcomes: %v", err)
	}
	if len(outcomes) != 1 || outcomes[0].Result != runstore.ResultWorkerError {
		t.Fatalf("unexpected outcomes: %+v", outcomes)
	}
	if outcomes[0].Reason != "deadline exceeded" {
		t.Fatalf("outcome reason = %q, want deadline exceeded", outcomes[0].Reason)
	}
}

func TestStaleResponsesAreDropped(t *testing.T) {
	env := newEnv(t)
	// No workers: the audio attempt stays in flight.
	env.start()

	run := env.submit("asset")
	env.waitForStatus(run.ID, runstore.StatusInProgress)

	ctx := context.Background()
	wrongAttempt := pipeline.Response{RunID: run.ID, Stage: pipeline.StageAudio, Attempt: 7, Status: pipeline.ResponseSuccess, OutputRef: "x"}
	if err := env.bus.PublishResponse(ctx, wrongAttempt); err != nil {
		t.Fatalf("publish: %v", err)
	}
	wrongStage := pipeline.Response{RunID: run.ID, Stage: pipeline.StageEditing, Attempt: 1, Status: pipeline.ResponseSuccess, OutputRef: "x"}
	if err := env.bus.PublishResponse(ctx, wrongStage); err != nil {
		t.Fatalf("publish: %v", err)
	}
	unknownRun := pipeline.Response{RunID: "ghost", Stage: pipeline.StageAudio, Attempt: 1, Status: pipeline.ResponseSuccess, OutputRef: "x"}
	if err := env.bus.PublishResponse(ctx, unknownRun); err != nil {
		t.Fatalf("publish: %v", err)
	}

	time.Sleep(100 * time.Millisecond)

	current, err := env.store.GetRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if current.Status != runstore.StatusInProgress || current.CurrentStage != pipeline.StageAudio {
		t.Fatalf("stale responses moved the run: %+v", current)
	}
	outcomes, err := env.store.Outcomes(ctx, run.ID)
	if err != nil {
		t.Fatalf("outcomes: %v", err)
	}
	if len(outcomes) != 0 {
		t.Fatalf("stale responses recorded outcomes: %+v", outcomes)
	}
}

func TestCancelRun(t *testing.T) {
	env := newEnv(t)
	env.start()

	run := env.submit("asset")
	env.waitForStatus(run.ID, runstore.StatusInProgress)

	cancelled, err := env.coord.CancelRun(context.Background(), run.ID)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if cancelled.Status != runstore.StatusFailed || cancelled.FailureCause != runstore.CauseCancelled {
		t.Fatalf("unexpected cancel state: %+v", cancelled)
	}

	if _, err := env.coord.CancelRun(context.Background(), run.ID); err == nil {
		t.Fatal("cancelling a terminal run must fail")
	}
	if _, err := env.coord.CancelRun(context.Background(), "ghost"); err == nil {
		t.Fatal("cancelling an unknown run must fail")
	}
}

func TestCancelDisarmsAttemptDeadline(t *testing.T) {
	env := newEnv(t, testsupport.WithDispatchTimeout(1))
	// No workers: the audio attempt stays in flight with its deadline armed.
	env.start()

	run := env.submit("asset")
	env.waitForStatus(run.ID, runstore.StatusInProgress)

	ctx := context.Background()
	if _, err := env.coord.CancelRun(ctx, run.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	// Let the original deadline elapse; a live timer would synthesize a
	// worker_error outcome against the cancelled run.
	time.Sleep(1300 * time.Millisecond)

	final, err := env.store.GetRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if final.Status != runstore.StatusFailed || final.FailureCause != runstore.CauseCancelled {
		t.Fatalf("cancelled run changed state: %+v", final)
	}
	outcomes, err := env.store.Outcomes(ctx, run.ID)
	if err != nil {
		t.Fatalf("outcomes: %v", err)
	}
	if len(outcomes) != 0 {
		t.Fatalf("deadline fired after cancel: %+v", outcomes)
	}
}

func TestRecoveryResumesInFlightRun(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)

	before := attach(t, cfg, store)
	before.bus.Start(context.Background())
	if err := before.coord.Start(context.Background()); err != nil {
		t.Fatalf("start coordinator: %v", err)
	}
	run := before.submit("asset")
	before.waitForStatus(run.ID, runstore.StatusInProgress)
	before.stop()

	after := attach(t, cfg, store)
	registerHappyPath(after)
	after.start()

	final := after.waitForStatus(run.ID, runstore.StatusCompleted)
	if final.OutputRef != "cut-v1" {
		t.Fatalf("output ref = %q, want cut-v1", final.OutputRef)
	}
	// The interrupted attempt was re-published, not counted twice.
	if final.Attempt(pipeline.StageAudio) != 1 {
		t.Fatalf("audio attempts = %d, want 1", final.Attempt(pipeline.StageAudio))
	}
}

func TestRecoveryReappliesPendingVerdict(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	ctx := context.Background()

	// Simulate a crash between the evaluation write and the gate decision.
	run := testsupport.MustCreateRun(t, store, "asset")
	run.Status = runstore.StatusAwaitingEvaluation
	run.CurrentStage = pipeline.StageEvaluation
	run.SetAttempt(pipeline.StageEvaluation, 1)
	run.OutputRef = "cut-v1"
	now := time.Now().UTC()
	outcome := &runstore.StageOutcome{
		RunID:        run.ID,
		Stage:        pipeline.StageEvaluation,
		Attempt:      1,
		Result:       runstore.ResultSuccess,
		MetadataJSON: `{"verdict":"approved"}`,
		StartedAt:    now,
		FinishedAt:   now,
	}
	if err := store.ApplyTransition(ctx, run, outcome); err != nil {
		t.Fatalf("seed awaiting_evaluation: %v", err)
	}

	env := attach(t, cfg, store)
	env.start()

	final := env.waitForStatus(run.ID, runstore.StatusCompleted)
	if final.OutputRef != "cut-v1" {
		t.Fatalf("output ref = %q, want cut-v1", final.OutputRef)
	}
}

func TestRecoveryAppliesCurrentCycleVerdict(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	ctx := context.Background()

	// Crash after the second evaluation parked: history holds the first
	// cycle's rejected verdict and the refined cycle's approved one.
	run := testsupport.MustCreateRun(t, store, "asset")
	run.Status = runstore.StatusAwaitingEvaluation
	run.CurrentStage = pipeline.StageEvaluation
	run.SetAttempt(pipeline.StageEvaluation, 1)
	run.OutputRef = "cut-v1"
	now := time.Now().UTC()
	rejected := &runstore.StageOutcome{
		RunID:        run.ID,
		Stage:        pipeline.StageEvaluation,
		Attempt:      1,
		Cycle:        0,
		Result:       runstore.ResultSuccess,
		MetadataJSON: `{"verdict":"rejected","target_stage":"editing","feedback":"too long"}`,
		StartedAt:    now,
		FinishedAt:   now,
	}
	if err := store.ApplyTransition(ctx, run, rejected); err != nil {
		t.Fatalf("seed first verdict: %v", err)
	}
	run.RefinementCount = 1
	run.OutputRef = "cut-v2"
	approved := &runstore.StageOutcome{
		RunID:        run.ID,
		Stage:        pipeline.StageEvaluation,
		Attempt:      1,
		Cycle:        1,
		Result:       runstore.ResultSuccess,
		MetadataJSON: `{"verdict":"approved"}`,
		StartedAt:    now,
		FinishedAt:   now,
	}
	if err := store.ApplyTransition(ctx, run, approved); err != nil {
		t.Fatalf("seed second verdict: %v", err)
	}

	// No workers registered: only re-applying the approved verdict can
	// complete the run; replaying the stale rejection would strand it.
	env := attach(t, cfg, store)
	env.start()

	final := env.waitForStatus(run.ID, runstore.StatusCompleted)
	if final.OutputRef != "cut-v2" {
		t.Fatalf("output ref = %q, want cut-v2", final.OutputRef)
	}
	if final.RefinementCount != 1 {
		t.Fatalf("refinement count = %d, want 1", final.RefinementCount)
	}
}

func TestSubmitRequiresAssetRef(t *testing.T) {
	env := newEnv(t)
	env.start()

	if _, err := env.coord.SubmitRun(context.Background(), "  "); err == nil {
		t.Fatal("expected validation error for blank asset ref")
	}
}
