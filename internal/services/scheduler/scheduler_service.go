// -----------------------------------------------------------------------
// Maintenance Scheduler - cron-driven stall sweeps and webhook recovery
// -----------------------------------------------------------------------

package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/ternarybob/arbor"

	"github.com/bCommonsLAB/secretary/internal/common"
	"github.com/bCommonsLAB/secretary/internal/interfaces"
	"github.com/bCommonsLAB/secretary/internal/models"
)

// Service runs periodic maintenance independent of the worker manager's
// poll loop: stall resets (so stuck jobs recover even when the manager is
// idle or inactive) and delivery of batch webhooks that a crash left
// unclaimed.
type Service struct {
	repo         interfaces.JobRepository
	dispatcher   interfaces.WebhookDispatcher
	logger       arbor.ILogger
	config       *common.MaintenanceConfig
	stallTimeout time.Duration
	cron         *cron.Cron
}

// NewService creates the maintenance scheduler.
func NewService(repo interfaces.JobRepository, dispatcher interfaces.WebhookDispatcher, logger arbor.ILogger, config *common.MaintenanceConfig, stallTimeout time.Duration) *Service {
	return &Service{
		repo:         repo,
		dispatcher:   dispatcher,
		logger:       logger,
		config:       config,
		stallTimeout: stallTimeout,
		cron:         cron.New(cron.WithSeconds()),
	}
}

// Start registers the maintenance job and starts the cron loop. Disabled
// maintenance logs and does nothing.
func (s *Service) Start() error {
	if !s.config.Enabled {
		s.logger.Info().Msg("Maintenance scheduler disabled")
		return nil
	}

	schedule := s.config.Schedule
	if schedule == "" {
		schedule = "0 */10 * * * *"
	}

	if _, err := s.cron.AddFunc(schedule, s.runMaintenance); err != nil {
		return fmt.Errorf("failed to register maintenance schedule %q: %w", schedule, err)
	}

	s.cron.Start()
	s.logger.Info().Str("schedule", schedule).Msg("Maintenance scheduler started")
	return nil
}

// Stop halts the cron loop and waits for a running sweep to finish.
func (s *Service) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
	s.logger.Info().Msg("Maintenance scheduler stopped")
}

// RunNow executes one maintenance pass on demand.
func (s *Service) RunNow() {
	s.runMaintenance()
}

func (s *Service) runMaintenance() {
	ctx := context.Background()
	s.sweepStalled(ctx)
	s.sweepBatchWebhooks(ctx)
}

func (s *Service) sweepStalled(ctx context.Context) {
	reset, err := s.repo.ResetStalledJobs(ctx, s.stallTimeout)
	if err != nil {
		s.logger.Warn().Err(err).Msg("Maintenance stall sweep failed")
		return
	}

	for _, job := range reset {
		if job.Webhook == nil {
			entry := models.NewLogEntry("info", "stall reset: no webhook configured, caller must poll")
			if logErr := s.repo.AppendLog(ctx, job.ID, entry); logErr != nil {
				s.logger.Warn().Err(logErr).Str("job_id", job.ID).Msg("Failed to append stall log entry")
			}
			continue
		}
		s.dispatcher.SendFailure(ctx, job)
	}

	if len(reset) > 0 {
		s.logger.Info().Int("count", len(reset)).Msg("Maintenance sweep reset stalled jobs")
	}
}

// sweepBatchWebhooks claims and delivers batch webhooks whose terminal
// transition happened without a delivery, e.g. across a process restart.
func (s *Service) sweepBatchWebhooks(ctx context.Context) {
	batches, err := s.repo.ListBatches(ctx, &interfaces.BatchListOptions{})
	if err != nil {
		s.logger.Warn().Err(err).Msg("Maintenance batch sweep failed")
		return
	}

	for _, batch := range batches {
		claimed, err := s.repo.ClaimBatchWebhook(ctx, batch.ID)
		if err != nil {
			s.logger.Warn().Err(err).Str("batch_id", batch.ID).Msg("Failed to claim batch webhook")
			continue
		}
		if claimed != nil {
			s.dispatcher.SendBatchTerminal(ctx, claimed)
		}
	}
}
