// -----------------------------------------------------------------------
// Worker Manager - polling supervision loop with bounded concurrency
// -----------------------------------------------------------------------

package queue

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/bCommonsLAB/secretary/internal/common"
	"github.com/bCommonsLAB/secretary/internal/interfaces"
	"github.com/bCommonsLAB/secretary/internal/models"
)

// Manager runs the polling supervision loop: it claims dispatchable pending
// jobs up to the concurrency ceiling, hands each to its handler in a worker
// goroutine, and enforces the failure contract for handlers that misbehave.
// It also sweeps stalled jobs and fires batch webhooks on terminal batches.
//
// The loop never blocks on handler work. Workers signal completion through
// the active counter only; their terminal transitions go through the
// repository like everyone else's.
type Manager struct {
	repo       interfaces.JobRepository
	registry   *Registry
	dispatcher interfaces.WebhookDispatcher
	logger     arbor.ILogger
	config     *common.WorkerConfig

	active atomic.Int64
	wg     sync.WaitGroup
	cancel context.CancelFunc
	wake   chan struct{}
}

// NewManager creates a worker manager. Start must be called to begin
// polling.
func NewManager(repo interfaces.JobRepository, registry *Registry, dispatcher interfaces.WebhookDispatcher, logger arbor.ILogger, config *common.WorkerConfig) *Manager {
	return &Manager{
		repo:       repo,
		registry:   registry,
		dispatcher: dispatcher,
		logger:     logger,
		config:     config,
		wake:       make(chan struct{}, 1),
	}
}

// Start launches the supervision loop. A manager with Active=false logs and
// does nothing; enqueued jobs then wait for an active instance.
func (m *Manager) Start(ctx context.Context) {
	if !m.config.Active {
		m.logger.Info().Msg("Worker manager inactive, jobs will queue until an active instance runs")
		return
	}

	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel

	m.logger.Info().
		Int("max_concurrent", m.config.MaxConcurrent).
		Dur("poll_interval", m.config.PollInterval()).
		Dur("stall_timeout", m.config.StallTimeout()).
		Msg("Starting worker manager")

	m.wg.Add(1)
	go m.run(runCtx)
}

// Stop cancels the loop and waits for in-flight workers to finish.
func (m *Manager) Stop() {
	if m.cancel == nil {
		return
	}
	m.logger.Info().Msg("Stopping worker manager")
	m.cancel()
	m.wg.Wait()
	m.logger.Info().Msg("Worker manager stopped")
}

// Wake nudges the loop to poll immediately instead of waiting out the
// current interval. Used after enqueue.
func (m *Manager) Wake() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

// ActiveWorkers returns the number of jobs currently executing.
func (m *Manager) ActiveWorkers() int {
	return int(m.active.Load())
}

func (m *Manager) run(ctx context.Context) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.config.PollInterval())
	defer ticker.Stop()

	iteration := 0
	for {
		iteration++
		if iteration%m.config.StallCheckEvery == 0 {
			m.sweepStalled(ctx)
		}
		m.dispatchPending(ctx)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-m.wake:
		}
	}
}

// dispatchPending claims and launches pending jobs up to free capacity.
func (m *Manager) dispatchPending(ctx context.Context) {
	capacity := m.config.MaxConcurrent - int(m.active.Load())
	if capacity <= 0 {
		return
	}

	jobs, err := m.repo.NextPending(ctx, capacity)
	if err != nil {
		m.logger.Warn().Err(err).Msg("Failed to fetch pending jobs")
		return
	}

	for _, job := range jobs {
		claimed, err := m.repo.ClaimJob(ctx, job.ID)
		if err != nil {
			// Someone else got it or it was administratively failed.
			m.logger.Debug().Err(err).Str("job_id", job.ID).Msg("Job claim lost")
			continue
		}

		handler := m.registry.Resolve(claimed.Type)
		if handler == nil {
			m.failJob(ctx, claimed, models.ErrCodeUnknownJobType,
				fmt.Sprintf("no handler registered for job type %q", claimed.Type))
			m.finishBatch(ctx, claimed.BatchID)
			continue
		}

		m.active.Add(1)
		m.wg.Add(1)
		go m.execute(ctx, claimed.Clone(), handler)
	}
}

// execute runs one handler under the failure contract. Handlers own their
// terminal transition and webhook; this wrapper covers panics, returned
// errors, and handlers that return without finishing the job.
func (m *Manager) execute(ctx context.Context, job *models.Job, handler interfaces.JobHandler) {
	defer m.wg.Done()
	defer m.active.Add(-1)
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error().Str("job_id", job.ID).Str("job_type", job.Type).Msgf("Handler panicked: %v", r)
			m.failJob(ctx, job, models.ErrCodeHandlerException, fmt.Sprintf("handler panic: %v", r))
			m.finishBatch(ctx, job.BatchID)
		}
	}()

	m.logger.Info().Str("job_id", job.ID).Str("job_type", job.Type).Msg("Job started")
	start := time.Now()

	err := handler.Execute(ctx, job)
	duration := time.Since(start)

	if err != nil {
		m.logger.Error().Err(err).Str("job_id", job.ID).Str("job_type", job.Type).Dur("duration", duration).Msg("Job handler failed")
		code := models.ErrCodeHandlerException
		if models.IsValidationError(err) {
			code = models.ErrCodeValidation
		}
		m.failJob(ctx, job, code, err.Error())
		m.finishBatch(ctx, job.BatchID)
		return
	}

	// A nil return only counts when the handler finished the job.
	current, getErr := m.repo.GetJob(ctx, job.ID)
	if getErr != nil {
		m.logger.Warn().Err(getErr).Str("job_id", job.ID).Msg("Failed to verify job state after handler")
		return
	}
	if !current.IsTerminal() {
		m.logger.Error().Str("job_id", job.ID).Str("job_type", job.Type).Msg("Handler returned without terminal transition")
		m.failJob(ctx, current, models.ErrCodeHandlerContract,
			"handler finished without completing or failing the job")
		m.finishBatch(ctx, job.BatchID)
		return
	}

	m.logger.Info().Str("job_id", job.ID).Str("job_type", job.Type).Dur("duration", duration).Str("status", string(current.Status)).Msg("Job finished")
	m.finishBatch(ctx, job.BatchID)
}

// failJob transitions to failed with the given code and sends the error
// webhook. A transition refused because the handler already ended the job
// is left alone.
func (m *Manager) failJob(ctx context.Context, job *models.Job, code, message string) {
	jobErr := &models.JobError{Code: code, Message: message}
	err := m.repo.UpdateJobStatus(ctx, job.ID, models.JobStatusFailed, &interfaces.StatusUpdate{Error: jobErr})
	if err != nil {
		m.logger.Debug().Err(err).Str("job_id", job.ID).Msg("Job already terminal, skipping failure transition")
		return
	}

	entry := models.NewLogEntry("error", fmt.Sprintf("%s: %s", code, message))
	if logErr := m.repo.AppendLog(ctx, job.ID, entry); logErr != nil {
		m.logger.Warn().Err(logErr).Str("job_id", job.ID).Msg("Failed to append failure log entry")
	}

	failed, getErr := m.repo.GetJob(ctx, job.ID)
	if getErr != nil {
		m.logger.Warn().Err(getErr).Str("job_id", job.ID).Msg("Failed to reload job for error webhook")
		return
	}
	m.dispatcher.SendFailure(ctx, failed)
}

// finishBatch fires the batch webhook when this job's batch just turned
// terminal. The repository hands out the batch exactly once.
func (m *Manager) finishBatch(ctx context.Context, batchID string) {
	if batchID == "" {
		return
	}
	batch, err := m.repo.ClaimBatchWebhook(ctx, batchID)
	if err != nil {
		m.logger.Warn().Err(err).Str("batch_id", batchID).Msg("Failed to claim batch webhook")
		return
	}
	if batch == nil {
		return
	}
	m.dispatcher.SendBatchTerminal(ctx, batch)
}

// sweepStalled fails processing jobs that exceeded the stall timeout and
// delivers their error webhooks.
func (m *Manager) sweepStalled(ctx context.Context) {
	reset, err := m.repo.ResetStalledJobs(ctx, m.config.StallTimeout())
	if err != nil {
		m.logger.Warn().Err(err).Msg("Stall sweep failed")
		return
	}

	for _, job := range reset {
		if job.Webhook == nil {
			entry := models.NewLogEntry("info", "stall reset: no webhook configured, caller must poll")
			if logErr := m.repo.AppendLog(ctx, job.ID, entry); logErr != nil {
				m.logger.Warn().Err(logErr).Str("job_id", job.ID).Msg("Failed to append stall log entry")
			}
		} else {
			m.dispatcher.SendFailure(ctx, job)
		}
		m.finishBatch(ctx, job.BatchID)
	}
}
