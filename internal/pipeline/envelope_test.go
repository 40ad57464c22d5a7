package pipeline

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestResponseValidateIdentity(t *testing.T) {
	valid := Response{RunID: "run-1", Stage: StageAudio, Attempt: 1, Status: ResponseSuccess, OutputRef: "out"}
	if err := valid.ValidateIdentity(); err != nil {
		t.Fatalf("valid identity rejected: %v", err)
	}

	cases := []struct {
		name     string
		response Response
	}{
		{"missing run id", Response{Stage: StageAudio, Attempt: 1}},
		{"unknown stage", Response{RunID: "run-1", Stage: Stage("render"), Attempt: 1}},
		{"zero attempt", Response{RunID: "run-1", Stage: StageAudio, Attempt: 0}},
		{"negative cycle", Response{RunID: "run-1", Stage: StageAudio, Attempt: 1, Cycle: -1}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.response.ValidateIdentity()
			if err == nil {
				t.Fatal("expected identity error")
			}
			if errors.Is(err, ErrMalformedResponse) {
				t.Fatal("identity problems must not be classified as malformed payloads")
			}
		})
	}
}

func TestResponseValidatePayload(t *testing.T) {
	missingOutput := Response{RunID: "run-1", Stage: StageAudio, Attempt: 1, Status: ResponseSuccess}
	if err := missingOutput.Validate(); !errors.Is(err, ErrMalformedResponse) {
		t.Fatalf("success without output_ref: got %v, want ErrMalformedResponse", err)
	}

	// The terminal stage carries its result in metadata, not output_ref.
	evaluation := Response{RunID: "run-1", Stage: StageEvaluation, Attempt: 1, Status: ResponseSuccess}
	if err := evaluation.Validate(); err != nil {
		t.Fatalf("evaluation success without output_ref rejected: %v", err)
	}

	unknownStatus := Response{RunID: "run-1", Stage: StageAudio, Attempt: 1, Status: ResponseStatus("maybe")}
	if err := unknownStatus.Validate(); !errors.Is(err, ErrMalformedResponse) {
		t.Fatalf("unknown status: got %v, want ErrMalformedResponse", err)
	}

	rejected := Response{RunID: "run-1", Stage: StageEditing, Attempt: 2, Status: ResponseRejected}
	if err := rejected.Validate(); err != nil {
		t.Fatalf("rejected response should validate: %v", err)
	}
}

func TestParseVerdict(t *testing.T) {
	approved, err := ParseVerdict(json.RawMessage(`{"verdict":"approved"}`))
	if err != nil {
		t.Fatalf("parse approved: %v", err)
	}
	if approved.Decision != VerdictApproved {
		t.Fatalf("decision = %s, want approved", approved.Decision)
	}

	rejected, err := ParseVerdict(json.RawMessage(`{"verdict":"rejected","target_stage":"editing","feedback":"pacing drags"}`))
	if err != nil {
		t.Fatalf("parse rejected: %v", err)
	}
	if rejected.TargetStage != StageEditing || rejected.Feedback != "pacing drags" {
		t.Fatalf("unexpected rejected verdict: %+v", rejected)
	}

	cases := []struct {
		name     string
		metadata string
	}{
		{"empty", ""},
		{"not json", "{"},
		{"unknown decision", `{"verdict":"maybe"}`},
		{"loop to evaluation", `{"verdict":"rejected","target_stage":"evaluation"}`},
		{"unknown target", `{"verdict":"rejected","target_stage":"render"}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ParseVerdict(json.RawMessage(tc.metadata))
			if !errors.Is(err, ErrMalformedResponse) {
				t.Fatalf("got %v, want ErrMalformedResponse", err)
			}
		})
	}
}
