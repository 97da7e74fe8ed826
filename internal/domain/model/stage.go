package model

// Stage is a step in the transcoding pipeline's strictly ordered progression.
// The integer index backing each value is what "strictly past" comparisons
// in IsStageCompleted rely on, so the const block's order must never change.
type Stage int

const (
	StageInitialized Stage = iota
	StageDownloaded
	StageAnalyzed
	StageThumbnailsGenerated
	StageTranscoded
	StageUploaded
	StageCompleted

	// StageFailed is a sibling terminal stage reachable from any
	// non-completed stage; it is intentionally not part of the strict
	// total order used by IsAfter.
	StageFailed
)

var stageNames = map[Stage]string{
	StageInitialized:         "initialized",
	StageDownloaded:          "downloaded",
	StageAnalyzed:            "analyzed",
	StageThumbnailsGenerated: "thumbnails_generated",
	StageTranscoded:          "transcoded",
	StageUploaded:            "uploaded",
	StageCompleted:           "completed",
	StageFailed:              "failed",
}

func (s Stage) String() string {
	if name, ok := stageNames[s]; ok {
		return name
	}
	return "unknown"
}

// IsAfter reports whether s is strictly past other in the stage order.
// StageFailed never compares as "after" anything; it is a sibling terminal.
func (s Stage) IsAfter(other Stage) bool {
	if s == StageFailed || other == StageFailed {
		return false
	}
	return s > other
}

// MarshalText/UnmarshalText render the stage as its lowercase string name so
// the checkpoint file and job-store rows stay human-readable.
func (s Stage) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *Stage) UnmarshalText(text []byte) error {
	name := string(text)
	for stage, n := range stageNames {
		if n == name {
			*s = stage
			return nil
		}
	}
	return &InvalidStageError{Name: name}
}

// InvalidStageError is returned when a checkpoint or row names an unknown stage.
type InvalidStageError struct {
	Name string
}

func (e *InvalidStageError) Error() string {
	return "invalid stage: " + e.Name
}
