package model

// Pipeline stages in execution order. StageNone means no stage has
// completed yet; a fresh item starts with the download stage.
const (
	StageNone       = ""
	StageDownloaded = "downloaded"
	StageTranscoded = "transcoded"
	StageSampled    = "sampled"
	StageCompressed = "compressed"
	StageArchived   = "archived"
	StageUploaded   = "uploaded"
)

var stageOrder = []string{
	StageDownloaded,
	StageTranscoded,
	StageSampled,
	StageCompressed,
	StageArchived,
	StageUploaded,
}

// Stages returns the stage sequence in execution order.
func Stages() []string {
	out := make([]string, len(stageOrder))
	copy(out, stageOrder)
	return out
}

// NextStage returns the stage that follows the given completed stage.
// ok is false once StageUploaded has completed.
func NextStage(completed string) (string, bool) {
	if completed == StageNone {
		return stageOrder[0], true
	}
	for i, s := range stageOrder {
		if s == completed {
			if i+1 < len(stageOrder) {
				return stageOrder[i+1], true
			}
			return "", false
		}
	}
	return "", false
}

func IsKnownStage(stage string) bool {
	if stage == StageNone {
		return true
	}
	for _, s := range stageOrder {
		if s == stage {
			return true
		}
	}
	return false
}
