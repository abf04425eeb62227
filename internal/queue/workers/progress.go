package workers

import (
	"context"

	"github.com/ternarybob/arbor"

	"github.com/bCommonsLAB/secretary/internal/interfaces"
	"github.com/bCommonsLAB/secretary/internal/models"
)

// progress pushes a coarse progress update. Updates are best-effort and
// never block the job's terminal completion.
func progress(ctx context.Context, repo interfaces.JobRepository, logger arbor.ILogger, jobID string, percent int, step string, index, total int) {
	update := models.JobProgress{
		Percent:     percent,
		CurrentStep: step,
		StepIndex:   index,
		TotalSteps:  total,
	}
	if err := repo.UpdateProgress(ctx, jobID, update); err != nil {
		logger.Warn().Err(err).Str("job_id", jobID).Str("step", step).Msg("Failed to update job progress")
	}
}
