package pipeline

import (
	"encoding/json"
	"fmt"
	"strings"
)

// VerdictDecision is the evaluation worker's approve/reject call.
type VerdictDecision string

const (
	VerdictApproved VerdictDecision = "approved"
	VerdictRejected VerdictDecision = "rejected"
)

// Verdict is the evaluation stage's structured decision, carried in the
// response metadata. A rejection may name the stage to loop back to and
// attach feedback for the re-dispatched worker.
type Verdict struct {
	Decision    VerdictDecision `json:"verdict"`
	TargetStage Stage           `json:"target_stage,omitempty"`
	Feedback    string          `json:"feedback,omitempty"`
}

// ParseVerdict decodes and validates the verdict embedded in an evaluation
// response's metadata. Any defect wraps ErrMalformedResponse: the quality
// gate treats an unusable verdict the same as an unusable response.
func ParseVerdict(metadata json.RawMessage) (Verdict, error) {
	if len(metadata) == 0 {
		return Verdict{}, fmt.Errorf("%w: evaluation response missing verdict metadata", ErrMalformedResponse)
	}
	var verdict Verdict
	if err := json.Unmarshal(metadata, &verdict); err != nil {
		return Verdict{}, fmt.Errorf("%w: decode verdict: %v", ErrMalformedResponse, err)
	}
	verdict.Decision = VerdictDecision(strings.ToLower(strings.TrimSpace(string(verdict.Decision))))
	switch verdict.Decision {
	case VerdictApproved:
		return verdict, nil
	case VerdictRejected:
		if verdict.TargetStage != "" && !ValidRefineTarget(verdict.TargetStage) {
			return Verdict{}, fmt.Errorf("%w: invalid refinement target %q", ErrMalformedResponse, verdict.TargetStage)
		}
		return verdict, nil
	default:
		return Verdict{}, fmt.Errorf("%w: unknown verdict %q", ErrMalformedResponse, verdict.Decision)
	}
}
