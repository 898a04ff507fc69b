package pipeline

// Route returns the stage to run after completed for the requested action,
// or StageTerminal. Every run starts at the requirement stage; unknown
// actions terminate after it.
func Route(action Action, completed Stage) Stage {
	switch completed {
	case StageNone:
		return StageRequirement
	case StageRequirement:
		switch action {
		case ActionGenerateArtifact, ActionFullPipeline:
			return StageGeneration
		case ActionGenerateVerification:
			return StageVerification
		default:
			return StageTerminal
		}
	case StageGeneration:
		if action == ActionFullPipeline {
			return StageVerification
		}
		return StageTerminal
	default:
		return StageTerminal
	}
}
