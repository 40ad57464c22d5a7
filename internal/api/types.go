package api

import (
	"encoding/json"
	"time"

	"montage/internal/runstore"
)

// dateTimeFormat is used for RFC3339 timestamps in API payloads.
const dateTimeFormat = "2006-01-02T15:04:05.000Z07:00"

// Run describes a pipeline run in a transport-friendly format.
type Run struct {
	ID              string          `json:"id"`
	AssetRef        string          `json:"assetRef"`
	Status          string          `json:"status"`
	CurrentStage    string          `json:"currentStage"`
	Attempt         int             `json:"attempt"`
	Attempts        map[string]int  `json:"attempts,omitempty"`
	RefinementCount int             `json:"refinementCount"`
	Feedback        string          `json:"feedback,omitempty"`
	OutputRef       string          `json:"outputRef,omitempty"`
	FailureCause    string          `json:"failureCause,omitempty"`
	ErrorMessage    string          `json:"errorMessage,omitempty"`
	CreatedAt       string          `json:"createdAt,omitempty"`
	UpdatedAt       string          `json:"updatedAt,omitempty"`
	Outcomes        []Outcome       `json:"outcomes,omitempty"`
	Extra           json.RawMessage `json:"extra,omitempty"`
}

// Outcome is one attempt's recorded result.
type Outcome struct {
	Stage      string `json:"stage"`
	Attempt    int    `json:"attempt"`
	Cycle      int    `json:"cycle"`
	Result     string `json:"result"`
	PayloadRef string `json:"payloadRef,omitempty"`
	Reason     string `json:"reason,omitempty"`
	StartedAt  string `json:"startedAt,omitempty"`
	FinishedAt string `json:"finishedAt,omitempty"`
}

// SubmitRequest registers a new asset with the pipeline.
type SubmitRequest struct {
	AssetRef string `json:"assetRef"`
}

// RunResponse wraps a single run payload.
type RunResponse struct {
	Run Run `json:"run"`
}

// RunListResponse wraps a collection of runs.
type RunListResponse struct {
	Runs []Run `json:"runs"`
}

// PipelineHealth aggregates run counts per lifecycle bucket.
type PipelineHealth struct {
	Total     int `json:"total"`
	Pending   int `json:"pending"`
	Active    int `json:"active"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
}

// DaemonStatus aggregates daemon runtime information for API consumers.
type DaemonStatus struct {
	Running      bool           `json:"running"`
	PID          int            `json:"pid"`
	RunDBPath    string         `json:"runDbPath"`
	LockFilePath string         `json:"lockFilePath"`
	Counts       map[string]int `json:"counts,omitempty"`
	Health       PipelineHealth `json:"health"`
}

// FromRun converts a stored run into its API form.
func FromRun(run *runstore.Run) Run {
	if run == nil {
		return Run{}
	}
	out := Run{
		ID:              run.ID,
		AssetRef:        run.AssetRef,
		Status:          string(run.Status),
		CurrentStage:    string(run.CurrentStage),
		Attempt:         run.Attempt(run.CurrentStage),
		RefinementCount: run.RefinementCount,
		Feedback:        run.Feedback,
		OutputRef:       run.OutputRef,
		FailureCause:    string(run.FailureCause),
		ErrorMessage:    run.ErrorMessage,
		CreatedAt:       formatTime(run.CreatedAt),
		UpdatedAt:       formatTime(run.UpdatedAt),
	}
	if len(run.Attempts) > 0 {
		out.Attempts = make(map[string]int, len(run.Attempts))
		for stage, count := range run.Attempts {
			if count == 0 {
				continue
			}
			out.Attempts[string(stage)] = count
		}
	}
	return out
}

// FromRunWithOutcomes converts a run together with its attempt history.
func FromRunWithOutcomes(run *runstore.Run, outcomes []runstore.StageOutcome) Run {
	out := FromRun(run)
	if len(outcomes) == 0 {
		return out
	}
	out.Outcomes = make([]Outcome, 0, len(outcomes))
	for _, outcome := range outcomes {
		out.Outcomes = append(out.Outcomes, Outcome{
			Stage:      string(outcome.Stage),
			Attempt:    outcome.Attempt,
			Cycle:      outcome.Cycle,
			Result:     string(outcome.Result),
			PayloadRef: outcome.PayloadRef,
			Reason:     outcome.Reason,
			StartedAt:  formatTime(outcome.StartedAt),
			FinishedAt: formatTime(outcome.FinishedAt),
		})
	}
	return out
}

// FromHealth converts store health counters into their API form.
func FromHealth(health runstore.HealthSummary) PipelineHealth {
	return PipelineHealth{
		Total:     health.Total,
		Pending:   health.Pending,
		Active:    health.Active,
		Completed: health.Completed,
		Failed:    health.Failed,
	}
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(dateTimeFormat)
}
