package pipeline

import "testing"

func TestStageOrderTraversal(t *testing.T) {
	stages := Stages()
	if len(stages) != 5 {
		t.Fatalf("expected 5 stages, got %d", len(stages))
	}
	if First() != StageAudio {
		t.Fatalf("expected audio first, got %s", First())
	}

	current := First()
	visited := []Stage{current}
	for {
		next, ok := Next(current)
		if !ok {
			break
		}
		visited = append(visited, next)
		current = next
	}
	if len(visited) != len(stages) {
		t.Fatalf("traversal visited %d stages, expected %d", len(visited), len(stages))
	}
	if !IsTerminal(current) {
		t.Fatalf("traversal ended on non-terminal stage %s", current)
	}
	if current != StageEvaluation {
		t.Fatalf("expected evaluation last, got %s", current)
	}
}

func TestNextUnknownStage(t *testing.T) {
	if _, ok := Next(Stage("render")); ok {
		t.Fatal("expected no successor for unknown stage")
	}
	if _, ok := Next(StageEvaluation); ok {
		t.Fatal("expected no successor for terminal stage")
	}
}

func TestParseStage(t *testing.T) {
	cases := []struct {
		input string
		want  Stage
		ok    bool
	}{
		{"audio", StageAudio, true},
		{"  Editing ", StageEditing, true},
		{"EVALUATION", StageEvaluation, true},
		{"render", "", false},
		{"", "", false},
	}
	for _, tc := range cases {
		got, ok := ParseStage(tc.input)
		if ok != tc.ok {
			t.Errorf("ParseStage(%q) ok = %v, want %v", tc.input, ok, tc.ok)
			continue
		}
		if ok && got != tc.want {
			t.Errorf("ParseStage(%q) = %s, want %s", tc.input, got, tc.want)
		}
	}
}

func TestValidRefineTarget(t *testing.T) {
	for _, stage := range []Stage{StageAudio, StageTranscription, StageVision, StageEditing} {
		if !ValidRefineTarget(stage) {
			t.Errorf("expected %s to be a valid refinement target", stage)
		}
	}
	if ValidRefineTarget(StageEvaluation) {
		t.Error("evaluation must not be a refinement target")
	}
	if ValidRefineTarget(Stage("render")) {
		t.Error("unknown stage must not be a refinement target")
	}
}

func TestStagesFrom(t *testing.T) {
	from := StagesFrom(StageVision)
	want := []Stage{StageVision, StageEditing, StageEvaluation}
	if len(from) != len(want) {
		t.Fatalf("StagesFrom(vision) returned %d stages, want %d", len(from), len(want))
	}
	for i := range want {
		if from[i] != want[i] {
			t.Fatalf("StagesFrom(vision)[%d] = %s, want %s", i, from[i], want[i])
		}
	}
	if StagesFrom(Stage("render")) != nil {
		t.Fatal("unknown stage should yield nil")
	}
}
