package orchestrator

import "github.com/ILLUVRSE/season-planner/internal/models"

var allowedTransitions = map[models.Stage][]models.Stage{
	models.StageCreated: {models.StageForecasting, models.StageCancelled},
	models.StageForecasting: {
		models.StageAllocating, models.StagePendingApproval, models.StageError, models.StageCancelled,
	},
	models.StageAllocating: {
		models.StageReplenishing, models.StageMarkdownPending, models.StagePendingApproval,
		models.StageError, models.StageCancelled,
	},
	models.StagePendingApproval: {
		models.StageAllocating, models.StageReplenishing, models.StageMarkdownPending,
		models.StageError, models.StageCancelled,
	},
	models.StageReplenishing: {
		models.StageMarkdownPending, models.StageReForecasting, models.StagePendingApproval,
		models.StageComplete, models.StageError, models.StageCancelled,
	},
	models.StageMarkdownPending: {
		models.StageReplenishing, models.StageReForecasting, models.StagePendingApproval,
		models.StageComplete, models.StageError, models.StageCancelled,
	},
	models.StageReForecasting: {
		models.StageReplenishing, models.StageMarkdownPending, models.StageError, models.StageCancelled,
	},
	models.StageError: {
		models.StageForecasting, models.StageReForecasting, models.StageReplenishing,
		models.StageMarkdownPending, models.StageCancelled,
	},
}

func canTransition(from, to models.Stage) bool {
	for _, s := range allowedTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// operatingStage is the in-season stage: markdown_pending until the
// checkpoint decision exists, replenishing otherwise.
func operatingStage(st models.WorkflowState) models.Stage {
	if st.Params.HasMarkdownCheckpoint() && st.MarkdownWeek == 0 {
		return models.StageMarkdownPending
	}
	return models.StageReplenishing
}

func inSeason(st models.WorkflowState) bool {
	switch st.Stage {
	case models.StageReplenishing, models.StageMarkdownPending, models.StageReForecasting:
		return true
	case models.StagePendingApproval:
		return st.CurrentWeek > 0
	}
	return false
}
