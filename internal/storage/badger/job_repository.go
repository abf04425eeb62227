// -----------------------------------------------------------------------
// Job Repository - durable job/batch state over badgerhold
// -----------------------------------------------------------------------

package badger

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/timshannon/badgerhold/v4"

	"github.com/bCommonsLAB/secretary/internal/interfaces"
	"github.com/bCommonsLAB/secretary/internal/models"
)

// JobRepository implements interfaces.JobRepository on a badgerhold store.
//
// All state mutations are serialised through a single mutex, which makes
// every conditional status update a compare-and-set: a pending job can be
// claimed by exactly one caller, and batch counters are refreshed in the
// same critical section as the job transition that changed them.
type JobRepository struct {
	db     *BadgerDB
	logger arbor.ILogger
	logCap int

	mu sync.Mutex
}

var _ interfaces.JobRepository = (*JobRepository)(nil)

// NewJobRepository creates a repository. logCap bounds the per-job log
// list; values below 10 fall back to the default of 1000.
func NewJobRepository(db *BadgerDB, logger arbor.ILogger, logCap int) *JobRepository {
	if logCap < 10 {
		logCap = 1000
	}
	return &JobRepository{
		db:     db,
		logger: logger,
		logCap: logCap,
	}
}

// NewRepositoryForStore wraps an already-open badgerhold store. Useful for
// tests and embedders that manage the store lifecycle themselves.
func NewRepositoryForStore(store *badgerhold.Store, logger arbor.ILogger, logCap int) *JobRepository {
	return NewJobRepository(&BadgerDB{store: store, logger: logger}, logger, logCap)
}

func repoErr(op string, err error) error {
	return &models.RepositoryError{Op: op, Cause: err}
}

// CreateJob inserts a new job in pending state with zeroed progress and an
// empty log list.
func (r *JobRepository) CreateJob(ctx context.Context, job *models.Job) error {
	if job.Status == "" {
		job.Status = models.JobStatusPending
	}
	if err := job.Validate(); err != nil {
		return err
	}

	now := time.Now().UTC()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	job.UpdatedAt = now
	if job.Logs == nil {
		job.Logs = []models.JobLogEntry{}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if job.BatchID != "" {
		batch, err := r.getBatch(job.BatchID)
		if err != nil {
			return err
		}
		// A terminal batch is frozen: its webhook may already be claimed
		// and its counters must never move again.
		if batch.Status.IsTerminal() || batch.WebhookSent {
			return models.NewValidationError("batch is terminal, cannot add jobs: " + job.BatchID)
		}
	}

	if err := r.db.Store().Insert(job.ID, job); err != nil {
		if err == badgerhold.ErrKeyExists {
			return models.NewValidationError("job already exists: " + job.ID)
		}
		return repoErr("create job", err)
	}
	if job.BatchID != "" {
		if err := r.refreshBatchLocked(job.BatchID); err != nil {
			r.logger.Warn().Err(err).Str("batch_id", job.BatchID).Msg("Failed to refresh batch counters after job create")
		}
	}
	return nil
}

// GetJob returns a copy of the job or models.ErrNotFound.
func (r *JobRepository) GetJob(ctx context.Context, jobID string) (*models.Job, error) {
	var job models.Job
	if err := r.db.Store().Get(jobID, &job); err != nil {
		if err == badgerhold.ErrNotFound {
			return nil, fmt.Errorf("job %s: %w", jobID, models.ErrNotFound)
		}
		return nil, repoErr("get job", err)
	}
	return &job, nil
}

// ListJobs returns jobs matching the filter, created_at ascending unless
// Descending is set.
func (r *JobRepository) ListJobs(ctx context.Context, opts *interfaces.JobListOptions) ([]*models.Job, error) {
	query := badgerhold.Where("ID").Ne("")

	if opts != nil {
		if opts.Status != "" {
			query = query.And("Status").Eq(opts.Status)
		}
		if opts.BatchID != "" {
			query = query.And("BatchID").Eq(opts.BatchID)
		}
		if opts.UserID != "" {
			query = query.And("UserID").Eq(opts.UserID)
		}
		if opts.Descending {
			query = query.SortBy("CreatedAt").Reverse()
		} else {
			query = query.SortBy("CreatedAt")
		}
		if opts.Offset > 0 {
			query = query.Skip(opts.Offset)
		}
		if opts.Limit > 0 {
			query = query.Limit(opts.Limit)
		}
	} else {
		query = query.SortBy("CreatedAt")
	}

	var jobs []models.Job
	if err := r.db.Store().Find(&jobs, query); err != nil {
		return nil, repoErr("list jobs", err)
	}

	result := make([]*models.Job, len(jobs))
	for i := range jobs {
		result[i] = &jobs[i]
	}
	return result, nil
}

// DeleteJob removes a terminal job. Deleting a non-terminal job is an
// invalid transition.
func (r *JobRepository) DeleteJob(ctx context.Context, jobID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var job models.Job
	if err := r.db.Store().Get(jobID, &job); err != nil {
		if err == badgerhold.ErrNotFound {
			return fmt.Errorf("job %s: %w", jobID, models.ErrNotFound)
		}
		return repoErr("delete job", err)
	}
	if !job.IsTerminal() {
		return fmt.Errorf("delete of non-terminal job %s: %w", jobID, models.ErrInvalidTransition)
	}
	if err := r.db.Store().Delete(jobID, &models.Job{}); err != nil {
		return repoErr("delete job", err)
	}
	if job.BatchID != "" {
		if err := r.refreshBatchLocked(job.BatchID); err != nil {
			r.logger.Warn().Err(err).Str("batch_id", job.BatchID).Msg("Failed to refresh batch counters after job delete")
		}
	}
	return nil
}

// ClaimJob atomically transitions pending -> processing and stamps
// started_at. A job claimed by someone else returns ErrInvalidTransition.
func (r *JobRepository) ClaimJob(ctx context.Context, jobID string) (*models.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	job, err := r.transitionLocked(jobID, models.JobStatusProcessing, nil)
	if err != nil {
		return nil, err
	}
	return job, nil
}

// UpdateJobStatus applies a single atomic transition plus optional update
// fields.
func (r *JobRepository) UpdateJobStatus(ctx context.Context, jobID string, status models.JobStatus, update *interfaces.StatusUpdate) error {
	if !status.Valid() {
		return fmt.Errorf("unknown status %q: %w", status, models.ErrInvalidTransition)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	_, err := r.transitionLocked(jobID, status, update)
	return err
}

// transitionLocked performs the conditional status change. Caller holds mu.
func (r *JobRepository) transitionLocked(jobID string, to models.JobStatus, update *interfaces.StatusUpdate) (*models.Job, error) {
	var job models.Job
	if err := r.db.Store().Get(jobID, &job); err != nil {
		if err == badgerhold.ErrNotFound {
			return nil, fmt.Errorf("job %s: %w", jobID, models.ErrNotFound)
		}
		return nil, repoErr("get job", err)
	}

	if !models.CanTransition(job.Status, to) {
		return nil, fmt.Errorf("job %s: %s -> %s: %w", jobID, job.Status, to, models.ErrInvalidTransition)
	}

	now := time.Now().UTC()
	job.Status = to
	job.UpdatedAt = now

	switch to {
	case models.JobStatusProcessing:
		job.StartedAt = &now
	case models.JobStatusCompleted, models.JobStatusFailed:
		job.CompletedAt = &now
	}

	if update != nil {
		if update.Error != nil {
			job.Error = update.Error
		}
		if update.Results != nil {
			job.Results = update.Results
		}
		if update.Progress != nil {
			job.Progress = *update.Progress
		}
	}
	if to == models.JobStatusCompleted && job.Progress.Percent < 100 {
		job.Progress.Percent = 100
	}

	if err := r.db.Store().Upsert(jobID, &job); err != nil {
		return nil, repoErr("update job status", err)
	}

	if job.BatchID != "" {
		if err := r.refreshBatchLocked(job.BatchID); err != nil {
			r.logger.Warn().Err(err).Str("batch_id", job.BatchID).Msg("Failed to refresh batch counters after transition")
		}
	}
	return &job, nil
}

// UpdateProgress applies a partial progress update while the job is
// processing. Terminal jobs are left untouched, and percent is clamped so
// it never decreases.
func (r *JobRepository) UpdateProgress(ctx context.Context, jobID string, progress models.JobProgress) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var job models.Job
	if err := r.db.Store().Get(jobID, &job); err != nil {
		if err == badgerhold.ErrNotFound {
			return fmt.Errorf("job %s: %w", jobID, models.ErrNotFound)
		}
		return repoErr("update progress", err)
	}
	if job.IsTerminal() {
		return nil
	}

	if progress.Percent < job.Progress.Percent {
		progress.Percent = job.Progress.Percent
	}
	if progress.Percent > 100 {
		progress.Percent = 100
	}
	job.Progress = progress
	job.UpdatedAt = time.Now().UTC()

	if err := r.db.Store().Upsert(jobID, &job); err != nil {
		return repoErr("update progress", err)
	}
	return nil
}

// AppendLog appends one entry to the job log. When the list exceeds the
// cap, the oldest half is dropped in a single compaction.
func (r *JobRepository) AppendLog(ctx context.Context, jobID string, entry models.JobLogEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var job models.Job
	if err := r.db.Store().Get(jobID, &job); err != nil {
		if err == badgerhold.ErrNotFound {
			return fmt.Errorf("job %s: %w", jobID, models.ErrNotFound)
		}
		return repoErr("append log", err)
	}

	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	job.Logs = append(job.Logs, entry)
	if len(job.Logs) > r.logCap {
		keep := len(job.Logs) / 2
		job.Logs = append([]models.JobLogEntry{}, job.Logs[len(job.Logs)-keep:]...)
	}
	job.UpdatedAt = time.Now().UTC()

	if err := r.db.Store().Upsert(jobID, &job); err != nil {
		return repoErr("append log", err)
	}
	return nil
}

// NextPending returns up to limit pending jobs oldest first, skipping jobs
// whose batch has been deactivated.
func (r *JobRepository) NextPending(ctx context.Context, limit int) ([]*models.Job, error) {
	if limit <= 0 {
		return nil, nil
	}

	var jobs []models.Job
	query := badgerhold.Where("Status").Eq(models.JobStatusPending).SortBy("CreatedAt")
	if err := r.db.Store().Find(&jobs, query); err != nil {
		return nil, repoErr("next pending", err)
	}

	inactive := make(map[string]bool)
	result := make([]*models.Job, 0, limit)
	for i := range jobs {
		job := &jobs[i]
		if job.BatchID != "" {
			active, known := inactive[job.BatchID]
			if !known {
				batch, err := r.getBatch(job.BatchID)
				if err != nil {
					// Orphaned batch reference; leave the job queued.
					r.logger.Warn().Err(err).Str("batch_id", job.BatchID).Str("job_id", job.ID).Msg("Pending job references unknown batch")
					continue
				}
				active = !batch.IsActive
				inactive[job.BatchID] = active
			}
			if active {
				continue
			}
		}
		result = append(result, job)
		if len(result) >= limit {
			break
		}
	}
	return result, nil
}

// ResetStalledJobs fails every processing job older than maxAge with error
// code STALLED and returns the jobs it reset.
func (r *JobRepository) ResetStalledJobs(ctx context.Context, maxAge time.Duration) ([]*models.Job, error) {
	cutoff := time.Now().UTC().Add(-maxAge)

	var processing []models.Job
	query := badgerhold.Where("Status").Eq(models.JobStatusProcessing)
	if err := r.db.Store().Find(&processing, query); err != nil {
		return nil, repoErr("reset stalled jobs", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	reset := make([]*models.Job, 0, len(processing))
	for i := range processing {
		candidate := &processing[i]
		if candidate.StartedAt == nil || !candidate.StartedAt.Before(cutoff) {
			continue
		}
		jobErr := &models.JobError{
			Code:    models.ErrCodeStalled,
			Message: fmt.Sprintf("job exceeded processing timeout of %s", maxAge),
		}
		job, err := r.transitionLocked(candidate.ID, models.JobStatusFailed, &interfaces.StatusUpdate{Error: jobErr})
		if err != nil {
			// Finished between query and lock; nothing to reset.
			continue
		}
		job.Logs = append(job.Logs, models.NewLogEntry("warn", "stall reset: forced to failed after processing timeout"))
		if err := r.db.Store().Upsert(job.ID, job); err != nil {
			r.logger.Warn().Err(err).Str("job_id", job.ID).Msg("Failed to append stall reset log entry")
		}
		reset = append(reset, job)
	}

	if len(reset) > 0 {
		r.logger.Info().Int("count", len(reset)).Dur("max_age", maxAge).Msg("Stalled jobs reset to failed")
	}
	return reset, nil
}

// CreateBatch creates the batch and its jobs as one logical unit. On a
// partial failure it compensates by deleting what it created and reports a
// BatchCreateError listing the persisted job ids.
func (r *JobRepository) CreateBatch(ctx context.Context, batch *models.Batch, jobs []*models.Job) error {
	if batch.ID == "" {
		return models.NewValidationError("batch ID is required")
	}
	if batch.Webhook != nil {
		if err := batch.Webhook.Validate(); err != nil {
			return err
		}
	}

	now := time.Now().UTC()
	batch.TotalJobs = len(jobs)
	batch.PendingJobs = len(jobs)
	batch.Status = models.BatchStatusPending
	batch.IsActive = true
	batch.CreatedAt = now
	batch.UpdatedAt = now

	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.db.Store().Insert(batch.ID, batch); err != nil {
		if err == badgerhold.ErrKeyExists {
			return models.NewValidationError("batch already exists: " + batch.ID)
		}
		return repoErr("create batch", err)
	}

	created := make([]string, 0, len(jobs))
	for _, job := range jobs {
		job.BatchID = batch.ID
		job.Status = models.JobStatusPending
		if job.CreatedAt.IsZero() {
			job.CreatedAt = now
		}
		job.UpdatedAt = now
		if job.Logs == nil {
			job.Logs = []models.JobLogEntry{}
		}
		if err := job.Validate(); err == nil {
			err = r.db.Store().Insert(job.ID, job)
			if err == nil {
				created = append(created, job.ID)
				continue
			}
			r.compensateBatchLocked(batch.ID, created)
			return &models.BatchCreateError{BatchID: batch.ID, CreatedJobIDs: created, Cause: err}
		} else {
			r.compensateBatchLocked(batch.ID, created)
			return &models.BatchCreateError{BatchID: batch.ID, CreatedJobIDs: created, Cause: err}
		}
	}

	return nil
}

// compensateBatchLocked removes a partially created batch. Best effort;
// failures are logged and the caller still receives BatchCreateError.
func (r *JobRepository) compensateBatchLocked(batchID string, createdJobIDs []string) {
	for _, id := range createdJobIDs {
		if err := r.db.Store().Delete(id, &models.Job{}); err != nil && err != badgerhold.ErrNotFound {
			r.logger.Warn().Err(err).Str("job_id", id).Msg("Batch compensation failed to delete job")
		}
	}
	if err := r.db.Store().Delete(batchID, &models.Batch{}); err != nil && err != badgerhold.ErrNotFound {
		r.logger.Warn().Err(err).Str("batch_id", batchID).Msg("Batch compensation failed to delete batch")
	}
}

func (r *JobRepository) getBatch(batchID string) (*models.Batch, error) {
	var batch models.Batch
	if err := r.db.Store().Get(batchID, &batch); err != nil {
		if err == badgerhold.ErrNotFound {
			return nil, fmt.Errorf("batch %s: %w", batchID, models.ErrNotFound)
		}
		return nil, repoErr("get batch", err)
	}
	return &batch, nil
}

// countersLocked recomputes per-status counts from current job states.
func (r *JobRepository) countersLocked(batchID string) (models.BatchCounters, error) {
	var jobs []models.Job
	if err := r.db.Store().Find(&jobs, badgerhold.Where("BatchID").Eq(batchID)); err != nil {
		return models.BatchCounters{}, repoErr("batch counters", err)
	}

	var c models.BatchCounters
	for i := range jobs {
		switch jobs[i].Status {
		case models.JobStatusPending:
			c.Pending++
		case models.JobStatusProcessing:
			c.Processing++
		case models.JobStatusCompleted:
			c.Completed++
		case models.JobStatusFailed:
			c.Failed++
		}
	}
	return c, nil
}

// refreshBatchLocked recomputes and persists batch counters and derived
// status. Caller holds mu.
func (r *JobRepository) refreshBatchLocked(batchID string) error {
	batch, err := r.getBatch(batchID)
	if err != nil {
		return err
	}
	counters, err := r.countersLocked(batchID)
	if err != nil {
		return err
	}
	batch.ApplyCounters(counters)
	if err := r.db.Store().Upsert(batch.ID, batch); err != nil {
		return repoErr("refresh batch", err)
	}
	return nil
}

// GetBatch returns the batch with counters recomputed from current job
// states.
func (r *JobRepository) GetBatch(ctx context.Context, batchID string) (*models.Batch, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.refreshBatchLocked(batchID); err != nil {
		return nil, err
	}
	return r.getBatch(batchID)
}

// ListBatches returns batches matching the filter. Archived batches are
// excluded unless requested.
func (r *JobRepository) ListBatches(ctx context.Context, opts *interfaces.BatchListOptions) ([]*models.Batch, error) {
	query := badgerhold.Where("ID").Ne("")

	if opts == nil {
		opts = &interfaces.BatchListOptions{}
	}
	if !opts.IncludeArchived {
		query = query.And("Archived").Eq(false)
	}
	if opts.Status != "" {
		query = query.And("Status").Eq(opts.Status)
	}
	if opts.ActiveOnly {
		query = query.And("IsActive").Eq(true)
	}
	query = query.SortBy("CreatedAt").Reverse()
	if opts.Offset > 0 {
		query = query.Skip(opts.Offset)
	}
	if opts.Limit > 0 {
		query = query.Limit(opts.Limit)
	}

	var batches []models.Batch
	if err := r.db.Store().Find(&batches, query); err != nil {
		return nil, repoErr("list batches", err)
	}

	result := make([]*models.Batch, len(batches))
	for i := range batches {
		result[i] = &batches[i]
	}
	return result, nil
}

// ArchiveBatch hides a batch from default listings. Data stays intact.
func (r *JobRepository) ArchiveBatch(ctx context.Context, batchID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	batch, err := r.getBatch(batchID)
	if err != nil {
		return err
	}
	batch.Archived = true
	batch.UpdatedAt = time.Now().UTC()
	if err := r.db.Store().Upsert(batch.ID, batch); err != nil {
		return repoErr("archive batch", err)
	}
	return nil
}

// SetBatchActive gates dispatch of the batch's pending jobs.
func (r *JobRepository) SetBatchActive(ctx context.Context, batchID string, active bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	batch, err := r.getBatch(batchID)
	if err != nil {
		return err
	}
	batch.IsActive = active
	batch.UpdatedAt = time.Now().UTC()
	if err := r.db.Store().Upsert(batch.ID, batch); err != nil {
		return repoErr("set batch active", err)
	}
	return nil
}

// DeleteBatch removes the batch and every job it owns.
func (r *JobRepository) DeleteBatch(ctx context.Context, batchID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, err := r.getBatch(batchID); err != nil {
		return err
	}
	if err := r.db.Store().DeleteMatching(&models.Job{}, badgerhold.Where("BatchID").Eq(batchID)); err != nil {
		return repoErr("delete batch jobs", err)
	}
	if err := r.db.Store().Delete(batchID, &models.Batch{}); err != nil {
		return repoErr("delete batch", err)
	}
	return nil
}

// FailAllActiveBatches is the emergency stop: every pending job in an
// active batch is failed. In-flight jobs are left alone.
func (r *JobRepository) FailAllActiveBatches(ctx context.Context) (int, error) {
	var batches []models.Batch
	if err := r.db.Store().Find(&batches, badgerhold.Where("IsActive").Eq(true)); err != nil {
		return 0, repoErr("fail active batches", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	failed := 0
	for i := range batches {
		var jobs []models.Job
		query := badgerhold.Where("BatchID").Eq(batches[i].ID).And("Status").Eq(models.JobStatusPending)
		if err := r.db.Store().Find(&jobs, query); err != nil {
			return failed, repoErr("fail active batches", err)
		}
		for j := range jobs {
			jobErr := &models.JobError{
				Code:    models.ErrCodeAdminFailed,
				Message: "failed by administrative stop of all active batches",
			}
			if _, err := r.transitionLocked(jobs[j].ID, models.JobStatusFailed, &interfaces.StatusUpdate{Error: jobErr}); err == nil {
				failed++
			}
		}
	}

	r.logger.Info().Int("jobs_failed", failed).Msg("All active batches failed by administrative stop")
	return failed, nil
}

// ClaimBatchWebhook hands the batch to exactly one caller when its derived
// status first turns terminal. All other calls return nil.
func (r *JobRepository) ClaimBatchWebhook(ctx context.Context, batchID string) (*models.Batch, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	batch, err := r.getBatch(batchID)
	if err != nil {
		return nil, err
	}
	if batch.Webhook == nil || batch.WebhookSent {
		return nil, nil
	}

	counters, err := r.countersLocked(batchID)
	if err != nil {
		return nil, err
	}
	batch.ApplyCounters(counters)
	if !batch.Status.IsTerminal() {
		return nil, nil
	}

	batch.WebhookSent = true
	if err := r.db.Store().Upsert(batch.ID, batch); err != nil {
		return nil, repoErr("claim batch webhook", err)
	}
	return batch, nil
}
