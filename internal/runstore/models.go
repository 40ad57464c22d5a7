package runstore

import (
	"strings"
	"time"

	"montage/internal/pipeline"
)

// Status represents the lifecycle of a pipeline run.
type Status string

const (
	StatusPending            Status = "pending"
	StatusInProgress         Status = "in_progress"
	StatusAwaitingEvaluation Status = "awaiting_evaluation"
	StatusRefining           Status = "refining"
	StatusCompleted          Status = "completed"
	StatusFailed             Status = "failed"
)

var allStatuses = []Status{
	StatusPending,
	StatusInProgress,
	StatusAwaitingEvaluation,
	StatusRefining,
	StatusCompleted,
	StatusFailed,
}

var statusSet = func() map[Status]struct{} {
	set := make(map[Status]struct{}, len(allStatuses))
	for _, status := range allStatuses {
		set[status] = struct{}{}
	}
	return set
}()

// AllStatuses returns the ordered list of known statuses.
func AllStatuses() []Status {
	cp := make([]Status, len(allStatuses))
	copy(cp, allStatuses)
	return cp
}

// ParseStatus converts a string into a known Status.
func ParseStatus(value string) (Status, bool) {
	normalized := Status(strings.ToLower(strings.TrimSpace(value)))
	if normalized == "" {
		return "", false
	}
	_, ok := statusSet[normalized]
	return normalized, ok
}

// IsTerminal reports whether a status permits no further dispatches.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// FailureCause names the terminal error class recorded on a failed run.
type FailureCause string

const (
	CauseStageExhausted      FailureCause = "stage_exhausted"
	CauseRefinementExhausted FailureCause = "refinement_exhausted"
	CauseMalformedResponse   FailureCause = "malformed_response"
	CauseCancelled           FailureCause = "cancelled"
)

// Result classifies a stage outcome.
type Result string

const (
	ResultSuccess     Result = "success"
	ResultRejected    Result = "rejected"
	ResultWorkerError Result = "worker_error"
)

// Run is one asset's traversal of the pipeline.
type Run struct {
	ID              string
	AssetRef        string
	Status          Status
	CurrentStage    pipeline.Stage
	Attempts        map[pipeline.Stage]int
	RefinementCount int
	// Feedback holds evaluation feedback pending delivery to the next
	// dispatch of the refinement target; cleared once dispatched.
	Feedback string
	// OutputRef tracks the editing stage's most recent success payload. It
	// becomes the run's final output on completion.
	OutputRef    string
	FailureCause FailureCause
	ErrorMessage string
	Revision     int64
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// StageOutcome is an immutable history record, one per worker reply (or
// synthesized deadline expiry). Cycle is the run's refinement count when the
// attempt was dispatched: counters reset per refinement cycle, so stage and
// attempt numbers repeat across cycles and only the full (run, cycle, stage,
// attempt) tuple is unique.
type StageOutcome struct {
	RunID        string
	Stage        pipeline.Stage
	Attempt      int
	Cycle        int
	Result       Result
	PayloadRef   string
	MetadataJSON string
	Reason       string
	StartedAt    time.Time
	FinishedAt   time.Time
}

// Attempt returns the recorded attempt count for a stage.
func (r *Run) Attempt(stage pipeline.Stage) int {
	if r.Attempts == nil {
		return 0
	}
	return r.Attempts[stage]
}

// SetAttempt records the attempt count for a stage.
func (r *Run) SetAttempt(stage pipeline.Stage, attempt int) {
	if r.Attempts == nil {
		r.Attempts = make(map[pipeline.Stage]int, 5)
	}
	r.Attempts[stage] = attempt
}

// ResetAttemptsFrom zeroes the attempt counters for stage and everything
// after it, granting a fresh budget per refinement cycle.
func (r *Run) ResetAttemptsFrom(stage pipeline.Stage) {
	for _, s := range pipeline.StagesFrom(stage) {
		delete(r.Attempts, s)
	}
}

// SetFailed marks the run failed with a terminal cause. Terminal states
// never change again.
func (r *Run) SetFailed(cause FailureCause, message string) {
	r.Status = StatusFailed
	r.FailureCause = cause
	r.ErrorMessage = message
}

// IsTerminal reports whether the run reached a terminal state.
func (r *Run) IsTerminal() bool {
	return r.Status.IsTerminal()
}

// HealthSummary describes aggregated run counts per key lifecycle states.
type HealthSummary struct {
	Total     int
	Pending   int
	Active    int
	Completed int
	Failed    int
}
