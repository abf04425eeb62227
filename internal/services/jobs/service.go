// -----------------------------------------------------------------------
// Job Service - enqueue contract and administrative operations
// -----------------------------------------------------------------------

package jobs

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/bCommonsLAB/secretary/internal/common"
	"github.com/bCommonsLAB/secretary/internal/interfaces"
	"github.com/bCommonsLAB/secretary/internal/models"
)

// Waker nudges the worker manager to poll immediately after an enqueue
// instead of waiting out the current interval.
type Waker interface {
	Wake()
}

// Service is the boundary through which external code creates jobs and
// batches and performs administrative operations. HTTP framing, auth and
// multipart handling live outside; this service owns validation and the
// repository calls.
type Service struct {
	repo       interfaces.JobRepository
	dispatcher interfaces.WebhookDispatcher
	logger     arbor.ILogger
	waker      Waker
}

// NewService creates the job service. waker may be nil.
func NewService(repo interfaces.JobRepository, dispatcher interfaces.WebhookDispatcher, logger arbor.ILogger, waker Waker) *Service {
	return &Service{
		repo:       repo,
		dispatcher: dispatcher,
		logger:     logger,
		waker:      waker,
	}
}

// EnqueueRequest describes one job to create. Unknown job types are
// accepted here; the missing-handler failure surfaces at dispatch so new
// handlers can be rolled out without racing in-flight enqueues.
type EnqueueRequest struct {
	JobType    string
	JobName    string
	UserID     string
	BatchID    string
	Parameters models.JobParameters
	Webhook    *models.WebhookSpec
}

// BatchRequest describes a batch of jobs submitted together.
type BatchRequest struct {
	BatchName string
	UserID    string
	Jobs      []EnqueueRequest
	Webhook   *models.WebhookSpec
}

// BatchReceipt reports the created batch and its job ids.
type BatchReceipt struct {
	BatchID string
	JobIDs  []string
}

// EnqueueJob validates the request and creates one pending job. Processing
// has not started when this returns; callers observe the outcome via
// webhook or by polling GetJob.
func (s *Service) EnqueueJob(ctx context.Context, req *EnqueueRequest) (string, error) {
	job, err := s.buildJob(req)
	if err != nil {
		return "", err
	}

	if err := s.repo.CreateJob(ctx, job); err != nil {
		return "", err
	}

	s.logger.Info().
		Str("job_id", job.ID).
		Str("job_type", job.Type).
		Str("batch_id", job.BatchID).
		Msg("Job enqueued")

	s.wake()
	return job.ID, nil
}

// EnqueueBatch creates a batch and its jobs as one logical unit.
func (s *Service) EnqueueBatch(ctx context.Context, req *BatchRequest) (*BatchReceipt, error) {
	if len(req.Jobs) == 0 {
		return nil, models.NewValidationError("batch requires at least one job")
	}
	if req.Webhook != nil {
		if err := req.Webhook.Validate(); err != nil {
			return nil, err
		}
	}

	jobs := make([]*models.Job, 0, len(req.Jobs))
	for i := range req.Jobs {
		spec := req.Jobs[i]
		if spec.UserID == "" {
			spec.UserID = req.UserID
		}
		job, err := s.buildJob(&spec)
		if err != nil {
			return nil, fmt.Errorf("batch job %d: %w", i, err)
		}
		jobs = append(jobs, job)
	}

	batch := &models.Batch{
		ID:      common.NewBatchID(),
		Name:    req.BatchName,
		UserID:  req.UserID,
		Webhook: req.Webhook,
	}

	if err := s.repo.CreateBatch(ctx, batch, jobs); err != nil {
		return nil, err
	}

	receipt := &BatchReceipt{BatchID: batch.ID, JobIDs: make([]string, len(jobs))}
	for i, job := range jobs {
		receipt.JobIDs[i] = job.ID
	}

	s.logger.Info().
		Str("batch_id", batch.ID).
		Int("jobs", len(jobs)).
		Msg("Batch enqueued")

	s.wake()
	return receipt, nil
}

// RestartJob creates a fresh pending job from a terminal job's parameters.
// The new job's parameters carry restart_of with the prior job id. The new
// job is standalone: it never rejoins the prior job's batch, whose counters
// and webhook are frozen once terminal.
func (s *Service) RestartJob(ctx context.Context, jobID string) (string, error) {
	prior, err := s.repo.GetJob(ctx, jobID)
	if err != nil {
		return "", err
	}
	if !prior.IsTerminal() {
		return "", fmt.Errorf("restart of non-terminal job %s: %w", jobID, models.ErrInvalidTransition)
	}

	params := prior.Parameters
	extra := make(map[string]any, len(params.Extra)+1)
	for k, v := range params.Extra {
		extra[k] = v
	}
	extra["restart_of"] = prior.ID
	params.Extra = extra

	return s.EnqueueJob(ctx, &EnqueueRequest{
		JobType:    prior.Type,
		JobName:    prior.Name,
		UserID:     prior.UserID,
		Parameters: params,
		Webhook:    prior.Webhook,
	})
}

// GetJob returns the current job record.
func (s *Service) GetJob(ctx context.Context, jobID string) (*models.Job, error) {
	return s.repo.GetJob(ctx, jobID)
}

// ListJobs lists jobs matching the filter.
func (s *Service) ListJobs(ctx context.Context, opts *interfaces.JobListOptions) ([]*models.Job, error) {
	return s.repo.ListJobs(ctx, opts)
}

// DeleteJob removes a terminal job.
func (s *Service) DeleteJob(ctx context.Context, jobID string) error {
	return s.repo.DeleteJob(ctx, jobID)
}

// GetBatch returns the batch with freshly derived counters.
func (s *Service) GetBatch(ctx context.Context, batchID string) (*models.Batch, error) {
	return s.repo.GetBatch(ctx, batchID)
}

// ListBatches lists batches; archived ones are excluded by default.
func (s *Service) ListBatches(ctx context.Context, opts *interfaces.BatchListOptions) ([]*models.Batch, error) {
	return s.repo.ListBatches(ctx, opts)
}

// ArchiveBatch hides a batch from default listings.
func (s *Service) ArchiveBatch(ctx context.Context, batchID string) error {
	return s.repo.ArchiveBatch(ctx, batchID)
}

// DeleteBatch removes a batch and its jobs.
func (s *Service) DeleteBatch(ctx context.Context, batchID string) error {
	return s.repo.DeleteBatch(ctx, batchID)
}

// SetBatchActive gates dispatch of the batch's pending jobs.
func (s *Service) SetBatchActive(ctx context.Context, batchID string, active bool) error {
	return s.repo.SetBatchActive(ctx, batchID, active)
}

// FailAllActiveBatches is the emergency stop for queued work.
func (s *Service) FailAllActiveBatches(ctx context.Context) (int, error) {
	return s.repo.FailAllActiveBatches(ctx)
}

// ResetStalledJobs runs the stall sweep on demand and delivers the error
// webhooks of the jobs it reset. Returns the number reset.
func (s *Service) ResetStalledJobs(ctx context.Context, maxAge time.Duration) (int, error) {
	reset, err := s.repo.ResetStalledJobs(ctx, maxAge)
	if err != nil {
		return 0, err
	}
	for _, job := range reset {
		if job.Webhook != nil {
			s.dispatcher.SendFailure(ctx, job)
		}
	}
	return len(reset), nil
}

func (s *Service) buildJob(req *EnqueueRequest) (*models.Job, error) {
	if strings.TrimSpace(req.JobType) == "" {
		return nil, models.NewValidationError("job_type is required")
	}
	if req.Webhook != nil {
		if err := req.Webhook.Validate(); err != nil {
			return nil, err
		}
	}

	return &models.Job{
		ID:         common.NewJobID(),
		Type:       strings.TrimSpace(req.JobType),
		Status:     models.JobStatusPending,
		Name:       req.JobName,
		UserID:     req.UserID,
		BatchID:    req.BatchID,
		Parameters: req.Parameters,
		Webhook:    req.Webhook,
	}, nil
}

func (s *Service) wake() {
	if s.waker != nil {
		s.waker.Wake()
	}
}
