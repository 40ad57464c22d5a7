package pipeline

import "strings"

// Stage names one step of the editing pipeline.
type Stage string

const (
	StageAudio         Stage = "audio"
	StageTranscription Stage = "transcription"
	StageVision        Stage = "vision"
	StageEditing       Stage = "editing"
	StageEvaluation    Stage = "evaluation"
)

var stageOrder = []Stage{
	StageAudio,
	StageTranscription,
	StageVision,
	StageEditing,
	StageEvaluation,
}

var stageIndex = func() map[Stage]int {
	idx := make(map[Stage]int, len(stageOrder))
	for i, stage := range stageOrder {
		idx[stage] = i
	}
	return idx
}()

// Stages returns the pipeline stages in dispatch order.
func Stages() []Stage {
	cp := make([]Stage, len(stageOrder))
	copy(cp, stageOrder)
	return cp
}

// ParseStage converts a string into a known Stage.
func ParseStage(value string) (Stage, bool) {
	normalized := Stage(strings.ToLower(strings.TrimSpace(value)))
	if normalized == "" {
		return "", false
	}
	_, ok := stageIndex[normalized]
	return normalized, ok
}

// First returns the entry stage of the pipeline.
func First() Stage {
	return stageOrder[0]
}

// Next returns the stage that follows s. The second return is false for the
// terminal stage and for unknown stages.
func Next(s Stage) (Stage, bool) {
	idx, ok := stageIndex[s]
	if !ok || idx == len(stageOrder)-1 {
		return "", false
	}
	return stageOrder[idx+1], true
}

// Index returns the zero-based position of s in the pipeline, or -1 when the
// stage is unknown.
func Index(s Stage) int {
	idx, ok := stageIndex[s]
	if !ok {
		return -1
	}
	return idx
}

// IsTerminal reports whether s is the last stage of the graph.
func IsTerminal(s Stage) bool {
	return s == stageOrder[len(stageOrder)-1]
}

// ValidRefineTarget reports whether a rejected evaluation may loop back to s.
// Only stages at or before editing are legal targets.
func ValidRefineTarget(s Stage) bool {
	idx, ok := stageIndex[s]
	if !ok {
		return false
	}
	return idx <= stageIndex[StageEditing]
}

// StagesFrom returns the stages from s through evaluation, in order. Unknown
// stages yield nil.
func StagesFrom(s Stage) []Stage {
	idx, ok := stageIndex[s]
	if !ok {
		return nil
	}
	cp := make([]Stage, len(stageOrder)-idx)
	copy(cp, stageOrder[idx:])
	return cp
}
