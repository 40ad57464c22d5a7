package pipeline

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Input carries the material a stage worker operates on: the prior stage's
// output reference plus optional refinement feedback from a rejected
// evaluation.
type Input struct {
	UpstreamRef string `json:"upstream_ref,omitempty"`
	Feedback    string `json:"feedback,omitempty"`
}

// Dispatch is the envelope published to a stage worker. One dispatch equals
// one attempt; the (RunID, Cycle, Stage, Attempt) tuple identifies it
// everywhere. Cycle is the run's refinement count at dispatch time, so the
// same stage and attempt number re-entered after a quality-gate loop-back
// still names a distinct attempt.
type Dispatch struct {
	RunID    string    `json:"run_id"`
	Stage    Stage     `json:"stage"`
	Attempt  int       `json:"attempt"`
	Cycle    int       `json:"cycle"`
	AssetRef string    `json:"asset_ref"`
	Input    Input     `json:"input"`
	Deadline time.Time `json:"deadline"`
}

// ResponseStatus classifies a worker reply.
type ResponseStatus string

const (
	ResponseSuccess  ResponseStatus = "success"
	ResponseRejected ResponseStatus = "rejected"
	ResponseError    ResponseStatus = "error"
)

// Response is the envelope a stage worker publishes back to the coordinator.
type Response struct {
	RunID      string          `json:"run_id"`
	Stage      Stage           `json:"stage"`
	Attempt    int             `json:"attempt"`
	Cycle      int             `json:"cycle"`
	Status     ResponseStatus  `json:"status"`
	OutputRef  string          `json:"output_ref,omitempty"`
	Metadata   json.RawMessage `json:"metadata,omitempty"`
	ErrorCause string          `json:"error_cause,omitempty"`
}

// ErrMalformedResponse tags responses that identify a real attempt but carry
// an unusable payload. The coordinator fails the owning run on it.
var ErrMalformedResponse = errors.New("malformed worker response")

// ValidateIdentity checks the fields needed to route a response to an
// attempt. A response failing this cannot be attributed to any run and is
// dropped by the coordinator rather than failing anything.
func (r Response) ValidateIdentity() error {
	if strings.TrimSpace(r.RunID) == "" {
		return errors.New("response missing run_id")
	}
	if _, ok := stageIndex[r.Stage]; !ok {
		return fmt.Errorf("response names unknown stage %q", r.Stage)
	}
	if r.Attempt < 1 {
		return fmt.Errorf("response attempt %d out of range", r.Attempt)
	}
	if r.Cycle < 0 {
		return fmt.Errorf("response cycle %d out of range", r.Cycle)
	}
	return nil
}

// Validate checks the full response schema. Identity problems are returned
// as-is; payload problems wrap ErrMalformedResponse.
func (r Response) Validate() error {
	if err := r.ValidateIdentity(); err != nil {
		return err
	}
	switch r.Status {
	case ResponseSuccess:
		if !IsTerminal(r.Stage) && strings.TrimSpace(r.OutputRef) == "" {
			return fmt.Errorf("%w: success from %s without output_ref", ErrMalformedResponse, r.Stage)
		}
	case ResponseRejected, ResponseError:
	default:
		return fmt.Errorf("%w: unknown status %q", ErrMalformedResponse, r.Status)
	}
	return nil
}
